package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"

	"github.com/alfredjeanlab/kloop/internal/events"
	"github.com/alfredjeanlab/kloop/internal/model"
	"github.com/alfredjeanlab/kloop/internal/ui"
	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"
)

var tailCmd = &cobra.Command{
	Use:     "tail",
	Short:   "Follow a running loop's events over NATS",
	GroupID: "views",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.NATSURL == "" {
			return errors.New("tail needs a NATS server (set KLOOP_NATS_URL)")
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		sub, err := events.NewNATSSubscriber(cfg.NATSURL,
			nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
				if err != nil {
					fmt.Fprintf(os.Stderr, "NATS disconnected: %v\n", err)
				}
			}),
			nats.ReconnectHandler(func(_ *nats.Conn) {
				fmt.Fprintln(os.Stderr, "NATS reconnected")
			}),
		)
		if err != nil {
			return err
		}
		defer sub.Close()

		err = tail(ctx, sub, cmd.OutOrStdout())
		if n := sub.Dropped(); n > 0 {
			fmt.Fprintf(os.Stderr, "%s %d messages dropped (terminal too slow)\n", ui.RenderCategory(model.CategoryWarning, "warning:"), n)
		}
		return err
	},
}

// tail prints every event the loop publishes until ctx is done or the
// subscription ends.
func tail(ctx context.Context, sub events.Subscriber, w io.Writer) error {
	ch, cancel, err := sub.Subscribe(events.TopicAll)
	if err != nil {
		return err
	}
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			if line, ok := formatMessage(msg); ok {
				fmt.Fprint(w, line)
			}
		}
	}
}

// formatMessage renders one bus message. Undecodable payloads and unknown
// topics are skipped.
func formatMessage(msg events.Message) (string, bool) {
	switch msg.Topic {
	case events.TopicLog:
		var e model.LogEntry
		if json.Unmarshal(msg.Data, &e) != nil {
			return "", false
		}
		return ui.FormatLog(e) + "\n", true
	case events.TopicOutput:
		var e model.OutputEvent
		if json.Unmarshal(msg.Data, &e) != nil {
			return "", false
		}
		return e.Text, true
	case events.TopicRun:
		var e events.RunEvent
		if json.Unmarshal(msg.Data, &e) != nil {
			return "", false
		}
		return formatRunEvent(e) + "\n", true
	}
	return "", false
}

func formatRunEvent(e events.RunEvent) string {
	s := fmt.Sprintf("== run %s %s", ui.RenderAccent(e.RunID), e.Phase)
	if e.Outcome != "" {
		s += " (" + e.Outcome + ")"
	}
	if e.Error != "" {
		s += ": " + e.Error
	}
	return s
}
