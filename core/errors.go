package core

import "errors"

var (
	// ErrTaskStopped is returned by Task.Run when it stopped because it
	// was asked to, not because something went wrong.
	ErrTaskStopped = errors.New("task stopped")

	// ErrTaskDisabled is returned from Prepare by tasks whose feature is
	// not configured (control API without a port, gossip without kafka);
	// the Supervisor skips them instead of failing.
	ErrTaskDisabled = errors.New("task disabled")

	// ErrConfig is a fatal configuration error (exit non-zero at startup).
	ErrConfig = errors.New("configuration error")
)
