package loop

import "errors"

var (
	// ErrMaxIterations is returned when the iteration ceiling is exceeded.
	ErrMaxIterations = errors.New("max iterations exceeded")
	// ErrNoTasks is returned when the tracker reports an empty graph.
	ErrNoTasks = errors.New("no tasks found")
)

// PreconditionError reports a condition that prevents the loop from
// starting at all.
type PreconditionError struct {
	Reason string
}

func (e *PreconditionError) Error() string {
	return "precondition failed: " + e.Reason
}
