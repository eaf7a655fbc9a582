package model

import (
	"encoding/json"
	"time"
)

// State is the observable lifecycle state of a task.
type State string

const (
	StatePending    State = "pending"
	StateInProgress State = "in_progress"
	StateComplete   State = "complete"
)

// String returns the string representation of the state.
func (s State) String() string {
	return string(s)
}

// Task is the tracker's work-item record as seen by the loop. The loop only
// reads tasks; persistence belongs to the tracker.
type Task struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Priority    int             `json:"priority"`
	Completed   bool            `json:"completed"`
	Result      string          `json:"result,omitempty"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`

	BlockedBy []string `json:"blockedBy,omitempty"`
	Blocks    []string `json:"blocks,omitempty"`
	Children  []string `json:"children,omitempty"`
}

// Started reports whether the task has a start timestamp.
func (t *Task) Started() bool {
	return t.StartedAt != nil
}

// State derives the lifecycle state from the completed flag and start time.
func (t *Task) State() State {
	switch {
	case t.Completed:
		return StateComplete
	case t.Started():
		return StateInProgress
	default:
		return StatePending
	}
}

// IsReady reports whether the task can be picked up: not completed, not
// started, and every blocker is complete. isComplete resolves blocker ids;
// unknown ids count as incomplete.
func (t *Task) IsReady(isComplete func(id string) bool) bool {
	if t.Completed || t.Started() {
		return false
	}
	for _, id := range t.BlockedBy {
		if !isComplete(id) {
			return false
		}
	}
	return true
}

// TaskDetails is the result of looking up a single task: the task itself
// plus the readiness context used to build the worker prompt.
type TaskDetails struct {
	Task
	Ready bool `json:"ready"`
	// OpenBlockers lists the ids in BlockedBy that are not yet complete.
	OpenBlockers []string `json:"openBlockers,omitempty"`
}
