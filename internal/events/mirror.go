package events

import (
	"context"
	"log/slog"

	"github.com/alfredjeanlab/kloop/internal/model"
)

// Mirror forwards every event appended to buf to pub under TopicLog and
// TopicOutput. Publish failures are logged and otherwise ignored; the buffer
// stays the source of truth. The returned function stops mirroring.
func Mirror(buf *Buffer, pub Publisher, logger *slog.Logger) func() {
	ctx := context.Background()
	unsubLogs := buf.SubscribeLogs(func(e model.LogEntry) {
		if err := pub.Publish(ctx, TopicLog, e); err != nil {
			logger.Warn("failed to publish log event", "topic", TopicLog, "err", err)
		}
	})
	unsubOutput := buf.SubscribeOutput(func(e model.OutputEvent) {
		if err := pub.Publish(ctx, TopicOutput, e); err != nil {
			logger.Warn("failed to publish output event", "topic", TopicOutput, "err", err)
		}
	})
	return func() {
		unsubLogs()
		unsubOutput()
	}
}
