package worker

import (
	"context"
	"fmt"
	"sync"

	"github.com/alfredjeanlab/kloop/internal/model"
	"github.com/alfredjeanlab/kloop/internal/taskstatus"
)

// Script is the behaviour of one Fake invocation. call is 1-based. The
// returned code becomes Result.ExitCode.
type Script func(ctx context.Context, call int, req Request, e Emitter) (code int, err error)

// Fake is a scriptable Worker that records every request.
type Fake struct {
	// Unavailable makes IsAvailable report false.
	Unavailable bool

	mu     sync.Mutex
	script Script
	calls  []Request
}

var _ Worker = (*Fake)(nil)

// NewFake returns an available worker that runs script on every call. A nil
// script exits zero without emitting anything.
func NewFake(script Script) *Fake {
	return &Fake{script: script}
}

func (f *Fake) IsAvailable() bool {
	return !f.Unavailable
}

func (f *Fake) Run(ctx context.Context, req Request, cb *Callbacks) (*Result, error) {
	f.mu.Lock()
	req.Files = append([]string(nil), req.Files...)
	f.calls = append(f.calls, req)
	n := len(f.calls)
	script := f.script
	f.mu.Unlock()

	rec := newRecorder(cb)
	if script == nil {
		return rec.result(0), nil
	}
	code, err := script(ctx, n, req, rec)
	return rec.result(code), err
}

// Calls returns the recorded requests in order.
func (f *Fake) Calls() []Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Request(nil), f.calls...)
}

// CallCount returns the number of Run invocations.
func (f *Fake) CallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// ExitWith returns a script that emits one output chunk and exits code.
func ExitWith(code int) Script {
	return func(_ context.Context, call int, _ Request, e Emitter) (int, error) {
		e.Output(fmt.Sprintf("cycle %d\n", call))
		return code, nil
	}
}

// CompleteFirstReady returns a script that claims and completes the first
// ready task in p, the way a well-behaved agent finishes one task per cycle.
// With nothing ready it logs a warning and exits zero.
func CompleteFirstReady(p taskstatus.Provider) Script {
	return func(ctx context.Context, _ int, _ Request, e Emitter) (int, error) {
		ready, err := p.ListReady(ctx)
		if err != nil {
			e.Log(model.CategoryError, fmt.Sprintf("list ready: %v", err))
			return 1, nil
		}
		if len(ready) == 0 {
			e.Log(model.CategoryWarning, "nothing ready")
			return 0, nil
		}
		id := ready[0].ID
		if err := p.Start(ctx, id); err != nil {
			e.Log(model.CategoryError, fmt.Sprintf("start %s: %v", id, err))
			return 1, nil
		}
		e.Output(fmt.Sprintf("working on %s\n", id))
		if err := p.Complete(ctx, id, "done"); err != nil {
			e.Log(model.CategoryError, fmt.Sprintf("complete %s: %v", id, err))
			return 1, nil
		}
		e.Log(model.CategorySuccess, fmt.Sprintf("completed %s", id))
		return 0, nil
	}
}
