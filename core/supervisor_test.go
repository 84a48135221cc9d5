package core

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type dummyTask struct {
	name      string
	prepareFn func(context.Context) error
	runFn     func(context.Context) error
	stops     atomic.Int64
}

func (d *dummyTask) Name() string { return d.name }

func (d *dummyTask) Prepare(ctx context.Context) error {
	if d.prepareFn != nil {
		return d.prepareFn(ctx)
	}
	return nil
}

func (d *dummyTask) Run(ctx context.Context) error {
	if d.runFn != nil {
		return d.runFn(ctx)
	}
	<-ctx.Done()
	return ErrTaskStopped
}

func (d *dummyTask) Stop() error {
	d.stops.Add(1)
	return nil
}

func supervisorRouter() *Router {
	r := NewRouter()
	r.Logger = zerolog.Nop()
	r.Cfg = &Config{}
	r.Cfg.Performance.MonitorDelayWarning = time.Second
	return r
}

func TestSupervisorCleanShutdown(t *testing.T) {
	r := supervisorRouter()
	task := &dummyTask{name: "dummy"}
	sup := NewSupervisor(r, []Task{task})

	done := make(chan error, 1)
	go func() { done <- sup.Run() }()

	time.Sleep(50 * time.Millisecond)
	r.Cancel(ErrTaskStopped)

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrTaskStopped)
	case <-time.After(5 * time.Second):
		t.Fatal("supervisor did not shut down")
	}
	assert.Equal(t, int64(1), task.stops.Load())
}

func TestSupervisorRestartsFailedTask(t *testing.T) {
	r := supervisorRouter()
	var runs atomic.Int64
	task := &dummyTask{
		name: "flaky",
		runFn: func(ctx context.Context) error {
			runs.Add(1)
			return assertableError{}
		},
	}
	sup := NewSupervisor(r, []Task{task})

	done := make(chan error, 1)
	go func() { done <- sup.Run() }()

	// the monitor ticks once a second; give it time for one restart
	deadline := time.Now().Add(4 * time.Second)
	for runs.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	require.GreaterOrEqual(t, runs.Load(), int64(2))

	r.Cancel(ErrTaskStopped)
	<-done
}

func TestSupervisorFatalPrepare(t *testing.T) {
	r := supervisorRouter()
	task := &dummyTask{
		name:      "broken",
		prepareFn: func(ctx context.Context) error { return assertableError{} },
	}
	sup := NewSupervisor(r, []Task{task})

	done := make(chan error, 1)
	go func() { done <- sup.Run() }()

	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("supervisor did not fail")
	}
}

func TestSupervisorSkipsDisabledTask(t *testing.T) {
	r := supervisorRouter()
	var runs atomic.Int64
	task := &dummyTask{
		name:      "disabled",
		prepareFn: func(ctx context.Context) error { return ErrTaskDisabled },
		runFn: func(ctx context.Context) error {
			runs.Add(1)
			return nil
		},
	}
	sup := NewSupervisor(r, []Task{task})

	done := make(chan error, 1)
	go func() { done <- sup.Run() }()

	time.Sleep(100 * time.Millisecond)
	r.Cancel(ErrTaskStopped)
	<-done

	assert.Equal(t, int64(0), runs.Load())
	assert.Equal(t, int64(0), task.stops.Load())
}

type assertableError struct{}

func (assertableError) Error() string { return "boom" }
