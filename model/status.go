package model

import "fmt"

// RunStatus is the lifecycle state of an AuditRun.
type RunStatus string

const (
	StatusQueued    RunStatus = "queued"
	StatusRunning   RunStatus = "running"
	StatusCompleted RunStatus = "completed"
	StatusFailed    RunStatus = "failed"
)

var validTransitions = map[RunStatus][]RunStatus{
	StatusQueued: {
		StatusRunning, // picked up by a worker
		StatusFailed,  // rejected before the crawl started
	},
	StatusRunning: {
		StatusCompleted,
		StatusFailed, // fatal error or cancellation
	},
	StatusCompleted: {},
	StatusFailed:    {},
}

// ValidateTransition checks that a run may move from one status to another.
// Status only ever moves forward; terminal states allow nothing.
func ValidateTransition(from, to RunStatus) error {
	allowed, ok := validTransitions[from]
	if !ok {
		return fmt.Errorf("unknown run status: %s", from)
	}
	for _, candidate := range allowed {
		if candidate == to {
			return nil
		}
	}
	return fmt.Errorf("invalid run status transition from %s to %s", from, to)
}

// IsTerminal reports whether no further transitions can occur.
func (s RunStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}
