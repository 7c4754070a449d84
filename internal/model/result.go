package model

import (
	"encoding/json"
	"time"
)

// Result status constants.
const (
	StatusPending = "pending"
	StatusDone    = "done"
	StatusFailed  = "failed"
)

// validTransitions maps each status to the set of statuses it may transition to.
// Terminal statuses have no entry.
var validTransitions = map[string]map[string]bool{
	StatusPending: {
		StatusDone:   true,
		StatusFailed: true,
	},
}

// ValidTransition reports whether transitioning from one status to another is allowed.
func ValidTransition(from, to string) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// IsTerminal reports whether status is a final state.
func IsTerminal(status string) bool {
	return status == StatusDone || status == StatusFailed
}

// Task is one admitted unit of work awaiting dispatch. A Task is never mutated
// after admission; it is handed from the queue to exactly one worker.
type Task struct {
	ID         string
	Payload    []byte
	EnqueuedAt time.Time
}

// Result is the completion state of an admitted task.
type Result struct {
	ID          string          `json:"id"`
	Status      string          `json:"status"`
	Predictions json.RawMessage `json:"predictions,omitempty"`
	Error       string          `json:"error,omitempty"`
	Attempts    int             `json:"attempts,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	FinishedAt  *time.Time      `json:"finished_at,omitempty"`
}
