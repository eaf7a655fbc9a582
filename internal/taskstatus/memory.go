package taskstatus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/alfredjeanlab/kloop/internal/model"
)

// Call is one recorded invocation on a Memory provider.
type Call struct {
	Op     string // "status", "listReady", "show", "start", "complete"
	ID     string
	Result string
}

// Memory is an in-memory Provider with the same semantics as the real
// adapters. It records every call for assertions and lets tests inject
// failures.
type Memory struct {
	// Unavailable makes IsAvailable report false.
	Unavailable bool
	// StatusHook, when set, is consulted before every Status call with the
	// 1-based call number; a non-nil error is returned instead of a snapshot.
	StatusHook func(n int) error
	// ListReadyErr and ShowErr force failures of the context lookups.
	ListReadyErr error
	ShowErr      error

	mu          sync.Mutex
	tasks       map[string]*model.Task
	order       []string
	calls       []Call
	statusCalls int
	now         func() time.Time
}

var _ Provider = (*Memory)(nil)

// NewMemory returns an empty in-memory tracker.
func NewMemory() *Memory {
	return &Memory{
		tasks: make(map[string]*model.Task),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Add stores copies of the given tasks. Insertion order is the tie-breaker
// for ready ordering. Adding an existing id replaces it in place.
func (m *Memory) Add(tasks ...*model.Task) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range tasks {
		cp := cloneTask(t)
		if cp.CreatedAt.IsZero() {
			cp.CreatedAt = m.now()
		}
		if cp.UpdatedAt.IsZero() {
			cp.UpdatedAt = cp.CreatedAt
		}
		if _, exists := m.tasks[cp.ID]; !exists {
			m.order = append(m.order, cp.ID)
		}
		m.tasks[cp.ID] = cp
	}
	m.linkBlocks()
}

// Task returns a copy of the stored task.
func (m *Memory) Task(id string) (*model.Task, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, false
	}
	return cloneTask(t), true
}

// Calls returns every recorded call in order.
func (m *Memory) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Call(nil), m.calls...)
}

// CallCount returns how many times op was called.
func (m *Memory) CallCount(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c.Op == op {
			n++
		}
	}
	return n
}

func (m *Memory) IsAvailable(_ context.Context) bool {
	return !m.Unavailable
}

func (m *Memory) Status(_ context.Context) (*model.StatusSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record(Call{Op: "status"})
	m.statusCalls++
	if m.StatusHook != nil {
		if err := m.StatusHook(m.statusCalls); err != nil {
			return nil, &BackendError{Op: "status", Err: err}
		}
	}
	return BuildSnapshot(m.snapshotTasks()), nil
}

func (m *Memory) ListReady(_ context.Context) ([]*model.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record(Call{Op: "listReady"})
	if m.ListReadyErr != nil {
		return nil, m.ListReadyErr
	}
	return ReadyTasks(m.snapshotTasks()), nil
}

func (m *Memory) Show(_ context.Context, id string) (*model.TaskDetails, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record(Call{Op: "show", ID: id})
	if m.ShowErr != nil {
		return nil, m.ShowErr
	}
	t, ok := m.tasks[id]
	if !ok {
		return nil, fmt.Errorf("show %s: %w", id, ErrNotFound)
	}
	open := OpenBlockers(t, m.isComplete)
	return &model.TaskDetails{
		Task:         *cloneTask(t),
		Ready:        t.IsReady(m.isComplete),
		OpenBlockers: open,
	}, nil
}

func (m *Memory) Start(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record(Call{Op: "start", ID: id})
	t, ok := m.tasks[id]
	if !ok {
		return fmt.Errorf("start %s: %w", id, ErrNotFound)
	}
	if t.Completed {
		return fmt.Errorf("start %s: %w", id, ErrAlreadyCompleted)
	}
	if t.Started() {
		return fmt.Errorf("start %s: %w", id, ErrAlreadyStarted)
	}
	now := m.now()
	t.StartedAt = &now
	t.UpdatedAt = now
	return nil
}

func (m *Memory) Complete(_ context.Context, id, result string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record(Call{Op: "complete", ID: id, Result: result})
	t, ok := m.tasks[id]
	if !ok {
		return fmt.Errorf("complete %s: %w", id, ErrNotFound)
	}
	if t.Completed {
		return fmt.Errorf("complete %s: %w", id, ErrAlreadyCompleted)
	}
	now := m.now()
	if t.StartedAt == nil {
		t.StartedAt = &now
	}
	t.Completed = true
	t.CompletedAt = &now
	t.UpdatedAt = now
	t.Result = result
	return nil
}

func (m *Memory) record(c Call) {
	m.calls = append(m.calls, c)
}

func (m *Memory) isComplete(id string) bool {
	t, ok := m.tasks[id]
	return ok && t.Completed
}

// snapshotTasks returns copies in insertion order. Caller holds m.mu.
func (m *Memory) snapshotTasks() []*model.Task {
	out := make([]*model.Task, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, cloneTask(m.tasks[id]))
	}
	return out
}

// linkBlocks derives each task's Blocks list from the BlockedBy edges.
func (m *Memory) linkBlocks() {
	for _, t := range m.tasks {
		t.Blocks = nil
	}
	for _, id := range m.order {
		for _, blocker := range m.tasks[id].BlockedBy {
			if b, ok := m.tasks[blocker]; ok {
				b.Blocks = append(b.Blocks, id)
			}
		}
	}
}

func cloneTask(t *model.Task) *model.Task {
	cp := *t
	cp.BlockedBy = append([]string(nil), t.BlockedBy...)
	cp.Blocks = append([]string(nil), t.Blocks...)
	cp.Children = append([]string(nil), t.Children...)
	if t.Metadata != nil {
		cp.Metadata = append(json.RawMessage(nil), t.Metadata...)
	}
	if t.StartedAt != nil {
		ts := *t.StartedAt
		cp.StartedAt = &ts
	}
	if t.CompletedAt != nil {
		ts := *t.CompletedAt
		cp.CompletedAt = &ts
	}
	return &cp
}
