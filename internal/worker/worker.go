// Package worker runs one unit of agent work per call and reports the log and
// output events it produced, both incrementally and in the returned Result.
package worker

import (
	"context"
	"sync"
	"time"

	"github.com/alfredjeanlab/kloop/internal/model"
)

// Request is a single work-cycle invocation.
type Request struct {
	Model  string
	Prompt string
	// Files are paths the worker should treat as context. Their contents are
	// not interpreted here.
	Files []string
}

// Callbacks receive events as they are produced. Either field may be nil.
type Callbacks struct {
	OnLog    func(model.LogEntry)
	OnOutput func(model.OutputEvent)
}

// Result is what a work cycle produced. Logs and Output are complete and in
// production order, including everything emitted before a failure.
type Result struct {
	ExitCode int
	Logs     []model.LogEntry
	Output   []model.OutputEvent
}

// Success reports whether the cycle exited zero.
func (r *Result) Success() bool {
	return r.ExitCode == 0
}

// Emitter is the sink a worker implementation reports events through.
type Emitter interface {
	Log(cat model.Category, msg string)
	Output(text string)
}

// Worker runs agent work cycles.
type Worker interface {
	// IsAvailable reports whether Run can currently be invoked.
	IsAvailable() bool
	// Run performs one work cycle. The returned Result is never nil, even
	// when an error is returned.
	Run(ctx context.Context, req Request, cb *Callbacks) (*Result, error)
}

// recorder accumulates events into a Result and forwards each one to the
// callbacks. It is safe for concurrent use by the stdout and stderr readers.
type recorder struct {
	mu  sync.Mutex
	res Result
	cb  *Callbacks
	now func() time.Time
}

func newRecorder(cb *Callbacks) *recorder {
	return &recorder{cb: cb, now: time.Now}
}

func (r *recorder) Log(cat model.Category, msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := model.LogEntry{Timestamp: r.now(), Category: cat, Message: msg}
	r.res.Logs = append(r.res.Logs, e)
	if r.cb != nil && r.cb.OnLog != nil {
		r.cb.OnLog(e)
	}
}

func (r *recorder) Output(text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := model.OutputEvent{Timestamp: r.now(), Text: text}
	r.res.Output = append(r.res.Output, e)
	if r.cb != nil && r.cb.OnOutput != nil {
		r.cb.OnOutput(e)
	}
}

// result returns the accumulated Result with the given exit code.
func (r *recorder) result(exitCode int) *Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	res := r.res
	res.ExitCode = exitCode
	return &res
}
