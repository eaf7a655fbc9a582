// Package taskstatus abstracts the external task tracker behind a small
// interface: graph status, ready tasks, task lookup and the start/complete
// transitions. Implementations: a CLI adapter that shells out to the tracker
// binary, an HTTP adapter for a kbeads server, and an in-memory double.
package taskstatus

import (
	"context"
	"errors"
	"fmt"

	"github.com/alfredjeanlab/kloop/internal/model"
)

// Provider is the loop's view of the task tracker.
type Provider interface {
	// IsAvailable reports whether the tracker can be queried. It never fails.
	IsAvailable(ctx context.Context) bool
	// Status returns a fresh snapshot of the whole graph.
	Status(ctx context.Context) (*model.StatusSnapshot, error)
	// ListReady returns the ready tasks in a deterministic order.
	ListReady(ctx context.Context) ([]*model.Task, error)
	// Show returns one task plus its readiness context.
	Show(ctx context.Context, id string) (*model.TaskDetails, error)
	// Start moves a pending task to in-progress.
	Start(ctx context.Context, id string) error
	// Complete marks a task complete with a free-text result.
	Complete(ctx context.Context, id, result string) error
}

var (
	ErrNotFound         = errors.New("task not found")
	ErrAlreadyStarted   = errors.New("task already started")
	ErrAlreadyCompleted = errors.New("task already completed")
)

// BackendError reports that the tracker could not be reached or returned
// something unusable.
type BackendError struct {
	Op  string
	Err error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("task backend %s: %v", e.Op, e.Err)
}

func (e *BackendError) Unwrap() error { return e.Err }
