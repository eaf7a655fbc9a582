// Package events holds the run's event buffer and the plumbing that mirrors
// buffer events onto an external bus.
package events

import "context"

// Bus subjects. TopicAll matches every kloop subject.
const (
	TopicLog    = "kloop.log"
	TopicOutput = "kloop.output"
	TopicRun    = "kloop.run"
	TopicAll    = "kloop.>"
)

// Run phases carried by RunEvent.
const (
	PhaseStarted  = "started"
	PhaseFinished = "finished"
)

// RunEvent marks the start or end of a run on the bus.
type RunEvent struct {
	RunID   string `json:"run_id"`
	Phase   string `json:"phase"`
	Outcome string `json:"outcome,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Publisher is the interface for emitting events.
type Publisher interface {
	Publish(ctx context.Context, topic string, event any) error
	Close() error
}

// Message is one payload received from the bus with the subject it was
// published on.
type Message struct {
	Topic string
	Data  []byte
}

// Subscriber receives events from the bus.
type Subscriber interface {
	// Subscribe delivers messages for topic (wildcards allowed) on the
	// returned channel. The cancel function unsubscribes and closes it.
	Subscribe(topic string) (<-chan Message, func(), error)
	Close() error
}

// NoopPublisher is a Publisher that does nothing (used when NATS is not configured).
type NoopPublisher struct{}

func (*NoopPublisher) Publish(context.Context, string, any) error { return nil }

func (*NoopPublisher) Close() error { return nil }
