package audit

import (
	"errors"
	"fmt"
)

var (
	// ErrCancelled is the cause recorded when a run is cancelled.
	ErrCancelled = errors.New("audit cancelled")
	// ErrNotQueued is returned by Run for a run that was already picked up.
	ErrNotQueued = errors.New("run is not queued")
)

// FatalError ends a run as failed: an invalid configuration, a start URL
// that cannot be fetched or is disallowed by robots.txt, or a store that
// rejects writes.
type FatalError struct {
	Reason string
	Err    error
}

func (e *FatalError) Error() string {
	if e.Err == nil {
		return e.Reason
	}
	return fmt.Sprintf("%s: %v", e.Reason, e.Err)
}

func (e *FatalError) Unwrap() error {
	return e.Err
}
