package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/alfredjeanlab/kloop/internal/model"
	"github.com/alfredjeanlab/kloop/internal/presence"
)

// Message types on the event stream.
const (
	TypeConnected = "connected"
	TypeHistory   = "history"
	TypeLog       = "log"
	TypeOutput    = "output"
)

// ConnectedMessage acknowledges a new stream.
type ConnectedMessage struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// HistoryMessage carries the full buffer contents at connect time.
type HistoryMessage struct {
	Type   string              `json:"type"`
	Logs   []model.LogEntry    `json:"logs"`
	Output []model.OutputEvent `json:"output"`
}

// LogMessage carries one live log entry.
type LogMessage struct {
	Type  string         `json:"type"`
	Entry model.LogEntry `json:"entry"`
}

// OutputMessage carries one live output chunk.
type OutputMessage struct {
	Type  string            `json:"type"`
	Entry model.OutputEvent `json:"entry"`
}

// sseClient is one connected stream. push runs inline with buffer appends
// and never blocks; a full queue flags overflow and the handler hangs up.
type sseClient struct {
	ch           chan outbound
	overflow     chan struct{}
	overflowOnce sync.Once
}

type outbound struct {
	typ  string
	kind presence.Kind
	msg  any
}

func newSSEClient(size int) *sseClient {
	return &sseClient{
		ch:       make(chan outbound, size),
		overflow: make(chan struct{}),
	}
}

func (c *sseClient) push(o outbound) {
	select {
	case c.ch <- o:
	default:
		c.overflowOnce.Do(func() { close(c.overflow) })
	}
}

// handleEvents handles GET /events (SSE endpoint).
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	// Ensure response supports flushing (required for SSE).
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	id, err := s.newConnID()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to allocate connection id")
		return
	}

	client := newSSEClient(s.queueSize)
	logs, output, detach := s.buf.Attach(
		func(e model.LogEntry) {
			client.push(outbound{typ: TypeLog, kind: presence.KindLog, msg: LogMessage{Type: TypeLog, Entry: e}})
		},
		func(e model.OutputEvent) {
			client.push(outbound{typ: TypeOutput, kind: presence.KindOutput, msg: OutputMessage{Type: TypeOutput, Entry: e}})
		},
	)
	defer detach()

	s.Presence.Connect(id, r.RemoteAddr, r.UserAgent())
	reason := "client closed"
	defer func() { s.Presence.Disconnect(id, reason) }()
	s.logger.Debug("event stream opened", "conn", id, "remote", r.RemoteAddr)

	// Set SSE headers.
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering.
	w.WriteHeader(http.StatusOK)

	var seq uint64
	send := func(typ string, msg any) error {
		seq++
		return writeSSEEvent(w, seq, typ, msg)
	}

	if err := send(TypeConnected, ConnectedMessage{Type: TypeConnected, ID: id}); err != nil {
		return
	}
	if logs == nil {
		logs = []model.LogEntry{}
	}
	if output == nil {
		output = []model.OutputEvent{}
	}
	if err := send(TypeHistory, HistoryMessage{Type: TypeHistory, Logs: logs, Output: output}); err != nil {
		return
	}
	flusher.Flush()

	// Stream events until client disconnects.
	ctx := r.Context()
	keepalive := time.NewTicker(s.keepalive)
	defer keepalive.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-client.overflow:
			reason = "queue overflow"
			s.logger.Warn("event stream queue overflow, disconnecting", "conn", id, "queue", s.queueSize)
			return
		case o := <-client.ch:
			if err := send(o.typ, o.msg); err != nil {
				reason = "write failed"
				return
			}
			s.Presence.RecordDelivery(id, o.kind)
			flusher.Flush()
		case <-keepalive.C:
			// A comment line; a dead peer surfaces here when no events flow.
			if _, err := io.WriteString(w, ":keepalive\n\n"); err != nil {
				reason = "write failed"
				return
			}
			if err := http.NewResponseController(w).Flush(); err != nil {
				reason = "write failed"
				return
			}
		}
	}
}

// writeSSEEvent writes a single SSE event to the writer.
func writeSSEEvent(w http.ResponseWriter, id uint64, typ string, msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal %s message: %w", typ, err)
	}
	_, err = fmt.Fprintf(w, "id:%d\nevent:%s\ndata:%s\n\n", id, typ, data)
	return err
}
