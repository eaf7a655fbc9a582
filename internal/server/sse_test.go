package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alfredjeanlab/kloop/internal/events"
	"github.com/alfredjeanlab/kloop/internal/model"
)

// sseEventParsed represents a single parsed SSE event from the stream.
type sseEventParsed struct {
	ID    string
	Event string
	Data  string
}

// sseReader reads SSE events from a stream body using a bufio.Scanner.
// It sends parsed events to the returned channel and stops when the context
// is cancelled or the body is closed.
func sseReader(ctx context.Context, body io.Reader) <-chan sseEventParsed {
	ch := make(chan sseEventParsed, 64)
	go func() {
		defer close(ch)
		scanner := bufio.NewScanner(body)
		var current sseEventParsed
		for scanner.Scan() {
			select {
			case <-ctx.Done():
				return
			default:
			}

			line := scanner.Text()
			switch {
			case strings.HasPrefix(line, "id:"):
				current.ID = strings.TrimPrefix(line, "id:")
			case strings.HasPrefix(line, "event:"):
				current.Event = strings.TrimPrefix(line, "event:")
			case strings.HasPrefix(line, "data:"):
				current.Data = strings.TrimPrefix(line, "data:")
			case line == "":
				// Empty line marks end of SSE event block.
				if current.Event != "" || current.Data != "" {
					ch <- current
					current = sseEventParsed{}
				}
			}
		}
	}()
	return ch
}

// nextEvent returns the next parsed event or fails after timeout.
func nextEvent(t *testing.T, ch <-chan sseEventParsed, timeout time.Duration) sseEventParsed {
	t.Helper()
	select {
	case evt, ok := <-ch:
		if !ok {
			t.Fatal("SSE channel closed")
		}
		return evt
	case <-time.After(timeout):
		t.Fatal("timed out waiting for SSE event")
	}
	return sseEventParsed{}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// startTestServer serves a Server over a real TCP listener.
func startTestServer(t *testing.T, buf *events.Buffer, opts ...Option) (*Server, string) {
	t.Helper()
	opts = append([]Option{WithLogger(discardLogger())}, opts...)
	s := New(buf, opts...)
	ts := httptest.NewServer(s.NewHTTPHandler(""))
	t.Cleanup(ts.Close)
	return s, ts.URL
}

// startSSEClient opens an event stream and returns a channel of parsed
// events plus a cleanup that closes the connection.
func startSSEClient(t *testing.T, serverURL string) (<-chan sseEventParsed, func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, serverURL+"/events", nil)
	if err != nil {
		cancel()
		t.Fatalf("failed to create SSE request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		cancel()
		t.Fatalf("failed to connect to SSE stream: %v", err)
	}
	if resp.Header.Get("Content-Type") != "text/event-stream" {
		resp.Body.Close()
		cancel()
		t.Fatalf("expected Content-Type=text/event-stream, got %q", resp.Header.Get("Content-Type"))
	}

	ch := sseReader(ctx, resp.Body)
	cleanup := func() {
		cancel()
		resp.Body.Close()
	}
	t.Cleanup(cleanup)
	return ch, cleanup
}

// expectHandshake consumes the connected and history messages.
func expectHandshake(t *testing.T, ch <-chan sseEventParsed) (ConnectedMessage, HistoryMessage) {
	t.Helper()
	var conn ConnectedMessage
	evt := nextEvent(t, ch, 2*time.Second)
	if evt.Event != TypeConnected {
		t.Fatalf("first event = %q, want connected", evt.Event)
	}
	if err := json.Unmarshal([]byte(evt.Data), &conn); err != nil {
		t.Fatalf("decode connected: %v", err)
	}

	var hist HistoryMessage
	evt = nextEvent(t, ch, 2*time.Second)
	if evt.Event != TypeHistory {
		t.Fatalf("second event = %q, want history", evt.Event)
	}
	if err := json.Unmarshal([]byte(evt.Data), &hist); err != nil {
		t.Fatalf("decode history: %v", err)
	}
	return conn, hist
}

func TestEvents_HistoryThenLive(t *testing.T) {
	buf := events.NewBuffer()
	buf.Log(model.CategoryInfo, "one")
	buf.Log(model.CategoryWarning, "two")
	buf.Write("partial ")
	_, url := startTestServer(t, buf)

	ch, _ := startSSEClient(t, url)
	conn, hist := expectHandshake(t, ch)
	if conn.Type != TypeConnected || !strings.HasPrefix(conn.ID, "conn-") {
		t.Fatalf("connected = %+v", conn)
	}
	if len(hist.Logs) != 2 || len(hist.Output) != 1 {
		t.Fatalf("history has %d logs and %d outputs, want 2 and 1", len(hist.Logs), len(hist.Output))
	}
	if hist.Logs[1].Message != "two" || hist.Output[0].Text != "partial " {
		t.Fatalf("history = %+v", hist)
	}

	buf.Log(model.CategorySuccess, "three")
	buf.Write("line\n")
	buf.Log(model.CategoryError, "four")

	want := []string{TypeLog, TypeOutput, TypeLog}
	for i, typ := range want {
		evt := nextEvent(t, ch, 2*time.Second)
		if evt.Event != typ {
			t.Fatalf("event %d = %q, want %q", i, evt.Event, typ)
		}
		switch typ {
		case TypeLog:
			var msg LogMessage
			if err := json.Unmarshal([]byte(evt.Data), &msg); err != nil || msg.Type != TypeLog {
				t.Fatalf("decode log: %v %+v", err, msg)
			}
		case TypeOutput:
			var msg OutputMessage
			if err := json.Unmarshal([]byte(evt.Data), &msg); err != nil || msg.Entry.Text != "line\n" {
				t.Fatalf("decode output: %v %+v", err, msg)
			}
		}
	}
}

func TestEvents_EmptyHistory(t *testing.T) {
	_, url := startTestServer(t, events.NewBuffer())
	ch, _ := startSSEClient(t, url)

	nextEvent(t, ch, 2*time.Second)
	evt := nextEvent(t, ch, 2*time.Second)
	if evt.Data != `{"type":"history","logs":[],"output":[]}` {
		t.Fatalf("history = %s", evt.Data)
	}
}

func TestEvents_UnsubscribesOnDisconnect(t *testing.T) {
	buf := events.NewBuffer()
	s, url := startTestServer(t, buf)

	for range 3 {
		ch, cleanup := startSSEClient(t, url)
		expectHandshake(t, ch)
		if logs, output := buf.SubscriberCount(); logs != 1 || output != 1 {
			t.Fatalf("subscribers while connected = %d/%d, want 1/1", logs, output)
		}
		cleanup()

		deadline := time.Now().Add(2 * time.Second)
		for {
			logs, output := buf.SubscriberCount()
			if logs == 0 && output == 0 {
				break
			}
			if time.Now().After(deadline) {
				t.Fatalf("subscribers leaked after disconnect: %d/%d", logs, output)
			}
			time.Sleep(10 * time.Millisecond)
		}
	}
	if s.Presence.Connected() != 0 || len(s.Presence.Roster(false)) != 3 {
		t.Fatalf("roster = %+v", s.Presence.Roster(false))
	}
}

func TestEvents_MultipleClients(t *testing.T) {
	buf := events.NewBuffer()
	_, url := startTestServer(t, buf)

	ch1, _ := startSSEClient(t, url)
	ch2, _ := startSSEClient(t, url)
	c1, _ := expectHandshake(t, ch1)
	c2, _ := expectHandshake(t, ch2)
	if c1.ID == c2.ID {
		t.Fatalf("connection ids should differ, both %q", c1.ID)
	}

	buf.Log(model.CategoryInfo, "hello")
	for _, ch := range []<-chan sseEventParsed{ch1, ch2} {
		evt := nextEvent(t, ch, 2*time.Second)
		if evt.Event != TypeLog || !strings.Contains(evt.Data, "hello") {
			t.Fatalf("event = %+v", evt)
		}
	}
}

func TestEvents_LateClientSeesEverythingInHistory(t *testing.T) {
	buf := events.NewBuffer()
	_, url := startTestServer(t, buf)

	const m, k = 7, 4
	for i := range m {
		buf.Log(model.CategoryInfo, strings.Repeat("x", i+1))
	}
	for range k {
		buf.Write("chunk")
	}

	ch, _ := startSSEClient(t, url)
	_, hist := expectHandshake(t, ch)
	if len(hist.Logs) != m || len(hist.Output) != k {
		t.Fatalf("history has %d logs and %d outputs, want %d and %d", len(hist.Logs), len(hist.Output), m, k)
	}
	for i, e := range hist.Logs {
		if len(e.Message) != i+1 {
			t.Fatalf("history out of order at %d: %q", i, e.Message)
		}
	}
}

// blockingWriter is a ResponseWriter whose writes stall once armed, to
// simulate a client that stops reading.
type blockingWriter struct {
	mu      sync.Mutex
	header  http.Header
	written []string
	armed   chan struct{}
	release chan struct{}
	ready   chan struct{}
	once    sync.Once
}

func newBlockingWriter() *blockingWriter {
	return &blockingWriter{
		header:  make(http.Header),
		armed:   make(chan struct{}),
		release: make(chan struct{}),
		ready:   make(chan struct{}),
	}
}

func (w *blockingWriter) Header() http.Header { return w.header }
func (w *blockingWriter) WriteHeader(int)     {}
func (w *blockingWriter) Flush() {
	// The first flush follows the handshake.
	w.once.Do(func() { close(w.ready) })
}

func (w *blockingWriter) Write(p []byte) (int, error) {
	select {
	case <-w.armed:
		<-w.release
	default:
	}
	w.mu.Lock()
	w.written = append(w.written, string(p))
	w.mu.Unlock()
	return len(p), nil
}

func TestEvents_OverflowDisconnectsWithoutBlockingAppends(t *testing.T) {
	buf := events.NewBuffer()
	s := New(buf, WithQueueSize(2), WithLogger(discardLogger()))

	w := newBlockingWriter()
	req := httptest.NewRequest(http.MethodGet, "/events", nil)
	done := make(chan struct{})
	go func() {
		s.handleEvents(w, req)
		close(done)
	}()

	select {
	case <-w.ready:
	case <-time.After(2 * time.Second):
		t.Fatal("handshake not written")
	}
	close(w.armed)

	appended := make(chan struct{})
	go func() {
		for range 50 {
			buf.Log(model.CategoryInfo, "flood")
		}
		close(appended)
	}()
	select {
	case <-appended:
	case <-time.After(2 * time.Second):
		t.Fatal("appends blocked on a stalled client")
	}

	close(w.release)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler did not disconnect on overflow")
	}

	if logs, output := buf.SubscriberCount(); logs != 0 || output != 0 {
		t.Fatalf("subscribers leaked: %d/%d", logs, output)
	}
	roster := s.Presence.Roster(false)
	if len(roster) != 1 || roster[0].Reason != "queue overflow" {
		t.Fatalf("roster = %+v", roster)
	}
}

// deadPeerWriter accepts the handshake and fails every write after it.
type deadPeerWriter struct {
	header http.Header
	mu     sync.Mutex
	dead   bool
}

func (w *deadPeerWriter) Header() http.Header { return w.header }
func (w *deadPeerWriter) WriteHeader(int)     {}
func (w *deadPeerWriter) Flush() {
	w.mu.Lock()
	w.dead = true
	w.mu.Unlock()
}

func (w *deadPeerWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.dead {
		return 0, errors.New("broken pipe")
	}
	return len(p), nil
}

func TestEvents_KeepaliveDropsDeadClient(t *testing.T) {
	buf := events.NewBuffer()
	s := New(buf, WithKeepalive(20*time.Millisecond), WithLogger(discardLogger()))

	w := &deadPeerWriter{header: make(http.Header)}
	req := httptest.NewRequest(http.MethodGet, "/events", nil)
	done := make(chan struct{})
	go func() {
		s.handleEvents(w, req)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler kept a dead client past the keepalive tick")
	}
	if logs, output := buf.SubscriberCount(); logs != 0 || output != 0 {
		t.Fatalf("subscribers leaked: %d/%d", logs, output)
	}
	roster := s.Presence.Roster(false)
	if len(roster) != 1 || roster[0].Reason != "write failed" {
		t.Fatalf("roster = %+v", roster)
	}
}

func TestSSEEventFormat(t *testing.T) {
	rec := httptest.NewRecorder()
	if err := writeSSEEvent(rec, 42, TypeConnected, ConnectedMessage{Type: TypeConnected, ID: "conn-x"}); err != nil {
		t.Fatalf("writeSSEEvent: %v", err)
	}
	want := "id:42\nevent:connected\ndata:{\"type\":\"connected\",\"id\":\"conn-x\"}\n\n"
	if rec.Body.String() != want {
		t.Fatalf("got %q, want %q", rec.Body.String(), want)
	}
}
