// Package journal records loop runs and their iterations.
package journal

import (
	"context"
	"sort"
	"sync"
	"time"
)

// RunOutcome is the final state of a run.
type RunOutcome string

const (
	RunRunning   RunOutcome = "running"
	RunSucceeded RunOutcome = "succeeded"
	RunFailed    RunOutcome = "failed"
	RunCancelled RunOutcome = "cancelled"
)

// IterationOutcome classifies one work cycle.
type IterationOutcome string

const (
	IterationSucceeded IterationOutcome = "succeeded"
	// IterationProgressed means the worker failed but the completed count
	// still went up.
	IterationProgressed IterationOutcome = "progressed"
	IterationFailed     IterationOutcome = "failed"
)

// Run is one invocation of the loop.
type Run struct {
	ID            string     `json:"id"`
	Model         string     `json:"model"`
	MaxIterations int        `json:"max_iterations"`
	Outcome       RunOutcome `json:"outcome"`
	Iterations    int        `json:"iterations"`
	Error         string     `json:"error,omitempty"`
	StartedAt     time.Time  `json:"started_at"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
}

// Iteration is one worker invocation within a run.
type Iteration struct {
	RunID           string           `json:"run_id"`
	Number          int              `json:"number"`
	TaskID          string           `json:"task_id,omitempty"`
	ExitCode        int              `json:"exit_code"`
	CompletedBefore int              `json:"completed_before"`
	CompletedAfter  int              `json:"completed_after"`
	Outcome         IterationOutcome `json:"outcome"`
	StartedAt       time.Time        `json:"started_at"`
	FinishedAt      time.Time        `json:"finished_at"`
}

// Store persists runs and iterations.
type Store interface {
	StartRun(ctx context.Context, run *Run) error
	RecordIteration(ctx context.Context, it *Iteration) error
	FinishRun(ctx context.Context, run *Run) error
	ListRuns(ctx context.Context, limit int) ([]*Run, error)
	ListIterations(ctx context.Context, runID string) ([]*Iteration, error)
	Close() error
}

// Noop discards everything.
type Noop struct{}

var _ Store = Noop{}

func (Noop) StartRun(context.Context, *Run) error              { return nil }
func (Noop) RecordIteration(context.Context, *Iteration) error { return nil }
func (Noop) FinishRun(context.Context, *Run) error             { return nil }
func (Noop) ListRuns(context.Context, int) ([]*Run, error)     { return nil, nil }
func (Noop) ListIterations(context.Context, string) ([]*Iteration, error) {
	return nil, nil
}
func (Noop) Close() error { return nil }

// Memory keeps runs and iterations in process.
type Memory struct {
	mu         sync.Mutex
	runs       map[string]*Run
	iterations map[string][]*Iteration
}

var _ Store = (*Memory)(nil)

// NewMemory returns an empty in-memory journal.
func NewMemory() *Memory {
	return &Memory{
		runs:       make(map[string]*Run),
		iterations: make(map[string][]*Iteration),
	}
}

func (m *Memory) StartRun(_ context.Context, run *Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *run
	m.runs[run.ID] = &cp
	return nil
}

func (m *Memory) RecordIteration(_ context.Context, it *Iteration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *it
	m.iterations[it.RunID] = append(m.iterations[it.RunID], &cp)
	return nil
}

func (m *Memory) FinishRun(_ context.Context, run *Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *run
	m.runs[run.ID] = &cp
	return nil
}

// ListRuns returns runs newest first.
func (m *Memory) ListRuns(_ context.Context, limit int) ([]*Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Run, 0, len(m.runs))
	for _, r := range m.runs {
		cp := *r
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) ListIterations(_ context.Context, runID string) ([]*Iteration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Iteration, 0, len(m.iterations[runID]))
	for _, it := range m.iterations[runID] {
		cp := *it
		out = append(out, &cp)
	}
	return out, nil
}

func (m *Memory) Close() error { return nil }
