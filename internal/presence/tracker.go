// Package presence tracks who is watching a run.
//
// The distribution server records a viewer when an event stream opens,
// counts every message delivered to it, and marks it disconnected when the
// stream ends. Disconnected viewers stay on the roster for a while so the
// dashboard can show recent drop-offs; a background sweeper evicts them.
package presence

import (
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Entry is a snapshot of one viewer.
type Entry struct {
	ID             string    `json:"id"`
	RemoteAddr     string    `json:"remote_addr,omitempty"`
	UserAgent      string    `json:"user_agent,omitempty"`
	ConnectedAt    time.Time `json:"connected_at"`
	LastSent       time.Time `json:"last_sent,omitempty"`
	LogsSent       int64     `json:"logs_sent"`
	OutputSent     int64     `json:"output_sent"`
	IdleSecs       float64   `json:"idle_secs"`
	Connected      bool      `json:"connected"`
	DisconnectedAt time.Time `json:"disconnected_at,omitempty"`
	// Reason is why the viewer disconnected, e.g. "client closed" or
	// "queue overflow".
	Reason string `json:"reason,omitempty"`
}

// Kind identifies what was delivered to a viewer.
type Kind int

const (
	KindLog Kind = iota
	KindOutput
)

// SweepConfig configures the background sweeper.
type SweepConfig struct {
	// EvictAfter is how long a disconnected viewer stays on the roster.
	// Default: 10 minutes.
	EvictAfter time.Duration

	// SweepInterval is how often the sweeper runs.
	// Default: 60 seconds.
	SweepInterval time.Duration
}

// Tracker maintains the viewer roster.
type Tracker struct {
	mu      sync.RWMutex
	viewers map[string]*viewerState

	sweepStop chan struct{}
	sweepDone chan struct{}
}

type viewerState struct {
	remoteAddr     string
	userAgent      string
	connectedAt    time.Time
	lastSent       time.Time
	logsSent       int64
	outputSent     int64
	disconnected   bool
	disconnectedAt time.Time
	reason         string
}

// New creates an empty tracker.
func New() *Tracker {
	return &Tracker{viewers: make(map[string]*viewerState)}
}

// Connect records a new viewer. Reusing an id resets its state.
func (t *Tracker) Connect(id, remoteAddr, userAgent string) {
	if id == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.viewers[id] = &viewerState{
		remoteAddr:  remoteAddr,
		userAgent:   userAgent,
		connectedAt: time.Now(),
	}
}

// RecordDelivery counts one message of the given kind sent to id.
func (t *Tracker) RecordDelivery(id string, kind Kind) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.viewers[id]
	if !ok {
		return
	}
	v.lastSent = time.Now()
	switch kind {
	case KindLog:
		v.logsSent++
	case KindOutput:
		v.outputSent++
	}
}

// Disconnect marks id as gone.
func (t *Tracker) Disconnect(id, reason string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.viewers[id]
	if !ok || v.disconnected {
		return
	}
	v.disconnected = true
	v.disconnectedAt = time.Now()
	v.reason = reason
}

// Connected returns how many viewers are currently connected.
func (t *Tracker) Connected() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for _, v := range t.viewers {
		if !v.disconnected {
			n++
		}
	}
	return n
}

// Roster returns every tracked viewer, connected ones first, then by
// connection time (newest first). When connectedOnly is set, disconnected
// viewers are omitted.
func (t *Tracker) Roster(connectedOnly bool) []Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()

	now := time.Now()
	entries := make([]Entry, 0, len(t.viewers))
	for id, v := range t.viewers {
		if connectedOnly && v.disconnected {
			continue
		}
		last := v.lastSent
		if last.IsZero() {
			last = v.connectedAt
		}
		entries = append(entries, Entry{
			ID:             id,
			RemoteAddr:     v.remoteAddr,
			UserAgent:      v.userAgent,
			ConnectedAt:    v.connectedAt,
			LastSent:       v.lastSent,
			LogsSent:       v.logsSent,
			OutputSent:     v.outputSent,
			IdleSecs:       now.Sub(last).Seconds(),
			Connected:      !v.disconnected,
			DisconnectedAt: v.disconnectedAt,
			Reason:         v.reason,
		})
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Connected != entries[j].Connected {
			return entries[i].Connected
		}
		return entries[i].ConnectedAt.After(entries[j].ConnectedAt)
	})
	return entries
}

// StartSweeper launches a background goroutine that evicts long-gone
// viewers. Call Stop to shut it down.
func (t *Tracker) StartSweeper(cfg *SweepConfig) {
	if cfg == nil {
		cfg = &SweepConfig{}
	}
	if cfg.EvictAfter == 0 {
		cfg.EvictAfter = 10 * time.Minute
	}
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = 60 * time.Second
	}

	t.sweepStop = make(chan struct{})
	t.sweepDone = make(chan struct{})

	go t.sweepLoop(cfg)
	slog.Debug("presence: sweeper started",
		"evict_after", cfg.EvictAfter,
		"sweep_interval", cfg.SweepInterval)
}

// Stop shuts down the sweeper goroutine.
func (t *Tracker) Stop() {
	if t.sweepStop != nil {
		close(t.sweepStop)
		<-t.sweepDone
		t.sweepStop = nil
		t.sweepDone = nil
	}
}

func (t *Tracker) sweepLoop(cfg *SweepConfig) {
	defer close(t.sweepDone)

	ticker := time.NewTicker(cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.sweepStop:
			return
		case <-ticker.C:
			t.sweep(cfg.EvictAfter)
		}
	}
}

func (t *Tracker) sweep(evictAfter time.Duration) int {
	now := time.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	evicted := 0
	for id, v := range t.viewers {
		if v.disconnected && now.Sub(v.disconnectedAt) > evictAfter {
			delete(t.viewers, id)
			evicted++
		}
	}
	return evicted
}
