package core

import (
	"context"

	"github.com/rs/zerolog"
)

// Task is one of the Supervisor's subordinate goroutines: the upstream
// connector, the client listener, a forwarder, the RDP scheduler, and
// so on. The router's task topology is fixed, so the lifecycle is just
// Prepare / Run / Stop with no runtime task selection.
type Task interface {
	// Name identifies the task in logs and the status display.
	Name() string

	// Prepare acquires whatever I/O the task needs (a listener socket,
	// a dial, ...). Returning ErrTaskDisabled skips the task; any other
	// error is fatal.
	Prepare(ctx context.Context) error

	// Run runs the task until ctx is cancelled or a fatal error occurs.
	// A task that can legitimately run forever should select on
	// ctx.Done() and return ErrTaskStopped.
	Run(ctx context.Context) error

	// Stop asks a running task to wind down: drain in-flight writes,
	// send exit on owned connections, close them. Run must return soon
	// after Stop is called.
	Stop() error
}

// TaskBase is embedded by every concrete task and supplies the named
// logger and the Router context, plus no-op Prepare and Stop so tasks
// only implement what they need.
type TaskBase struct {
	zerolog.Logger

	R *Router

	name string
}

// NewTaskBase wires up a TaskBase with a task-named logger.
func NewTaskBase(r *Router, name string) TaskBase {
	return TaskBase{
		Logger: r.Logger.With().Str("task", name).Logger(),
		R:      r,
		name:   name,
	}
}

func (t *TaskBase) Name() string { return t.name }

// Prepare is the default implementation that does nothing.
func (t *TaskBase) Prepare(context.Context) error { return nil }

// Stop is the default implementation that does nothing.
func (t *TaskBase) Stop() error { return nil }
