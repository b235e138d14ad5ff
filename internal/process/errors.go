package process

import "errors"

var (
	// ErrNoCommand is returned by Start when the manager was built without
	// an argv to run.
	ErrNoCommand = errors.New("process: no command configured")

	// ErrAlreadyRunning is returned by Start when the child is already up.
	ErrAlreadyRunning = errors.New("process: already running")
)
