package events

import (
	"sync"
	"time"

	"github.com/alfredjeanlab/kloop/internal/model"
)

// Buffer is the in-memory, append-only store of a run's two event streams:
// status logs and raw worker output. Appends notify subscribers inline, in
// registration order, while holding the buffer lock, so every subscriber
// sees events in append order even with concurrent appenders. Callbacks must
// not call back into the Buffer and should return quickly.
type Buffer struct {
	mu      sync.Mutex
	logs    []model.LogEntry
	output  []model.OutputEvent
	nextSub uint64

	logSubs    []logSubscriber
	outputSubs []outputSubscriber
}

type logSubscriber struct {
	id uint64
	fn func(model.LogEntry)
}

type outputSubscriber struct {
	id uint64
	fn func(model.OutputEvent)
}

// NewBuffer returns an empty Buffer.
func NewBuffer() *Buffer {
	return &Buffer{}
}

// Log stamps and appends a log entry.
func (b *Buffer) Log(category model.Category, message string) model.LogEntry {
	e := model.LogEntry{Timestamp: time.Now().UTC(), Category: category, Message: message}
	b.AppendLog(e)
	return e
}

// Write stamps and appends an output chunk.
func (b *Buffer) Write(text string) model.OutputEvent {
	e := model.OutputEvent{Timestamp: time.Now().UTC(), Text: text}
	b.AppendOutput(e)
	return e
}

// AppendLog stores e and delivers it to every log subscriber.
func (b *Buffer) AppendLog(e model.LogEntry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.logs = append(b.logs, e)
	for _, s := range b.logSubs {
		s.fn(e)
	}
}

// AppendOutput stores e and delivers it to every output subscriber.
func (b *Buffer) AppendOutput(e model.OutputEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.output = append(b.output, e)
	for _, s := range b.outputSubs {
		s.fn(e)
	}
}

// Logs returns a copy of every log entry appended so far.
func (b *Buffer) Logs() []model.LogEntry {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]model.LogEntry(nil), b.logs...)
}

// Output returns a copy of every output chunk appended so far.
func (b *Buffer) Output() []model.OutputEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]model.OutputEvent(nil), b.output...)
}

// SubscribeLogs registers fn for log entries appended after this call.
// There is no replay. The returned function unsubscribes and is safe to
// call more than once.
func (b *Buffer) SubscribeLogs(fn func(model.LogEntry)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.subscribeLogsLocked(fn)
}

// SubscribeOutput registers fn for output chunks appended after this call.
func (b *Buffer) SubscribeOutput(fn func(model.OutputEvent)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.subscribeOutputLocked(fn)
}

// Attach snapshots both streams and subscribes to both in one step, so no
// event can fall between the snapshot and the subscription. It returns the
// snapshot and a single function that removes both subscriptions.
func (b *Buffer) Attach(onLog func(model.LogEntry), onOutput func(model.OutputEvent)) ([]model.LogEntry, []model.OutputEvent, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	logs := append([]model.LogEntry(nil), b.logs...)
	output := append([]model.OutputEvent(nil), b.output...)
	unsubLogs := b.subscribeLogsLocked(onLog)
	unsubOutput := b.subscribeOutputLocked(onOutput)

	return logs, output, func() {
		unsubLogs()
		unsubOutput()
	}
}

// Clear empties both streams. Live subscriptions are kept.
func (b *Buffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.logs = nil
	b.output = nil
}

// SubscriberCount returns the number of live log and output subscriptions.
func (b *Buffer) SubscriberCount() (logs, output int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.logSubs), len(b.outputSubs)
}

func (b *Buffer) subscribeLogsLocked(fn func(model.LogEntry)) func() {
	b.nextSub++
	id := b.nextSub
	b.logSubs = append(b.logSubs, logSubscriber{id: id, fn: fn})

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			for i, s := range b.logSubs {
				if s.id == id {
					b.logSubs = append(b.logSubs[:i:i], b.logSubs[i+1:]...)
					return
				}
			}
		})
	}
}

func (b *Buffer) subscribeOutputLocked(fn func(model.OutputEvent)) func() {
	b.nextSub++
	id := b.nextSub
	b.outputSubs = append(b.outputSubs, outputSubscriber{id: id, fn: fn})

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			for i, s := range b.outputSubs {
				if s.id == id {
					b.outputSubs = append(b.outputSubs[:i:i], b.outputSubs[i+1:]...)
					return
				}
			}
		})
	}
}
