package command

import "errors"

var (
	// ErrPreconditions is returned before anything is sent.
	ErrPreconditions = errors.New("command: preconditions not met")
	// ErrBusy rejects a state-changing intent while another is outstanding.
	ErrBusy                = errors.New("command: another command is in progress")
	ErrConfirmationTimeout = errors.New("command: not confirmed by telemetry before timeout")
	// ErrCancelled means the caller or the session went away first.
	ErrCancelled = errors.New("command: cancelled")
)
