package jobs

import "errors"

var (
	// ErrNotFound is returned for unknown job ids.
	ErrNotFound = errors.New("job not found")
	// ErrConflict is returned when a save races another writer.
	ErrConflict = errors.New("job version conflict")
	// ErrTerminal is returned for any mutation of a finished job.
	ErrTerminal = errors.New("job is terminal")
	// ErrInvalidTransition is returned for edges outside the state machine.
	ErrInvalidTransition = errors.New("invalid job transition")
)
