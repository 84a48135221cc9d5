package core

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/rs/zerolog"
)

// Supervisor starts the router's tasks, restarts the ones that fail,
// and drives the clean shutdown sequence.
type Supervisor struct {
	zerolog.Logger

	r       *Router
	runners []*runner
}

// runner tracks one task's lifecycle across restarts.
type runner struct {
	task     Task
	done     chan struct{}
	disabled bool
	restarts int
}

// NewSupervisor wires up the supervisor for the given fixed task list.
func NewSupervisor(r *Router, tasks []Task) *Supervisor {
	s := &Supervisor{
		Logger: r.Logger.With().Str("task", "supervisor").Logger(),
		r:      r,
	}
	for _, t := range tasks {
		s.runners = append(s.runners, &runner{task: t})
	}
	return s
}

// Run starts everything and blocks until shutdown. The returned error
// is the cancellation cause; ErrTaskStopped means a clean exit.
func (s *Supervisor) Run() error {
	// Ctrl-C / SIGTERM triggers the clean shutdown path
	sigch := make(chan os.Signal, 1)
	signal.Notify(sigch, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigch)
	go func() {
		<-sigch
		s.Info().Msg("signal received, shutting down")
		s.r.Cancel(ErrTaskStopped)
	}()

	for _, rn := range s.runners {
		s.start(rn)
	}

	// monitor loop: restart dead tasks, watch our own scheduling jitter
	for {
		startSleep := time.Now()
		select {
		case <-s.r.Ctx.Done():
			s.shutdown()
			return context.Cause(s.r.Ctx)
		case <-time.After(time.Second):
		}
		if delay := time.Since(startSleep) - time.Second; delay > s.r.Cfg.Performance.MonitorDelayWarning {
			s.Warn().Dur("delay", delay).Msg("monitor loop delayed, router overloaded?")
		}

		for _, rn := range s.runners {
			if rn.disabled {
				continue
			}
			select {
			case <-rn.done:
				rn.restarts++
				s.Info().Str("subtask", rn.task.Name()).Int("restarts", rn.restarts).
					Msg("task not running, restarting it")
				s.start(rn)
			default:
			}
		}
	}
}

// start launches one task run. A task panic is logged with a backtrace
// and the task is restarted by the monitor loop; a failed Prepare is
// fatal unless the task reports itself disabled.
func (s *Supervisor) start(rn *runner) {
	done := make(chan struct{})
	rn.done = done

	go func() {
		defer close(done)
		defer func() {
			if p := recover(); p != nil {
				s.Error().Interface("panic", p).
					Bytes("stack", debug.Stack()).
					Msgf("task %s panicked", rn.task.Name())
			}
		}()

		if err := rn.task.Prepare(s.r.Ctx); err != nil {
			if errors.Is(err, ErrTaskDisabled) {
				s.Debug().Str("subtask", rn.task.Name()).Msg("task disabled")
				rn.disabled = true
				return
			}
			s.r.Cancel(err)
			return
		}

		err := rn.task.Run(s.r.Ctx)
		switch {
		case err == nil, errors.Is(err, ErrTaskStopped), errors.Is(err, context.Canceled):
		default:
			s.Error().Err(err).Str("subtask", rn.task.Name()).Msg("task failed")
		}
	}()
}

// shutdown drives the clean exit: stop accepting, pause clients, close
// every client with a protocol goodbye, then close upstream and wait
// for the tasks to wind down.
func (s *Supervisor) shutdown() {
	s.r.ShuttingDown.Store(true)
	s.r.PauseClients()

	for _, rn := range s.runners {
		if rn.disabled {
			continue
		}
		if err := rn.task.Stop(); err != nil {
			s.Warn().Err(err).Str("subtask", rn.task.Name()).Msg("stop failed")
		}
	}

	for _, c := range s.r.Clients.All() {
		s.r.CloseClient(c, true)
	}
	s.r.CloseUpstream()

	deadline := time.After(3 * time.Second)
	for _, rn := range s.runners {
		if rn.disabled {
			continue
		}
		select {
		case <-rn.done:
		case <-deadline:
			s.Warn().Str("subtask", rn.task.Name()).Msg("task did not stop in time")
			return
		}
	}
}
