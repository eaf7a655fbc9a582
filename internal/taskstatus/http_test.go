package taskstatus

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

// fakeBeads serves a tiny kbeads-shaped API over a fixed bead set.
type fakeBeads struct {
	mu     sync.Mutex
	beads  map[string]map[string]any
	bodies map[string]map[string]string
}

func newFakeBeads() *fakeBeads {
	return &fakeBeads{
		beads: map[string]map[string]any{
			"kd-1": {"id": "kd-1", "title": "first", "status": "closed", "priority": 1,
				"updated_at": "2026-01-02T00:00:00Z", "closed_at": "2026-01-02T00:00:00Z"},
			"kd-2": {"id": "kd-2", "title": "second", "status": "open", "priority": 1,
				"dependencies": []map[string]string{{"bead_id": "kd-2", "depends_on_id": "kd-1", "type": "blocks"}}},
			"kd-3": {"id": "kd-3", "title": "third", "status": "open", "priority": 2,
				"dependencies": []map[string]string{
					{"bead_id": "kd-3", "depends_on_id": "kd-2", "type": "blocks"},
					{"bead_id": "kd-3", "depends_on_id": "kd-9", "type": "related"},
				}},
			"kd-4": {"id": "kd-4", "title": "running", "status": "in_progress", "priority": 0,
				"updated_at": "2026-01-03T00:00:00Z"},
		},
		bodies: map[string]map[string]string{},
	}
}

func (f *fakeBeads) list(ids ...string) map[string]any {
	out := []map[string]any{}
	for _, id := range ids {
		out = append(out, f.beads[id])
	}
	return map[string]any{"beads": out, "total": len(out)}
}

func (f *fakeBeads) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r.Header.Get("Authorization") != "Bearer secret" {
		writeTestJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}

	path := r.URL.Path
	switch {
	case path == "/v1/health":
		writeTestJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	case path == "/v1/stats":
		writeTestJSON(w, http.StatusOK, map[string]int{
			"total_open": 2, "total_in_progress": 1, "total_closed": 1,
		})
	case path == "/v1/ready":
		writeTestJSON(w, http.StatusOK, f.list("kd-2"))
	case path == "/v1/beads":
		switch r.URL.Query().Get("status") {
		case "in_progress":
			writeTestJSON(w, http.StatusOK, f.list("kd-4"))
		case "closed":
			writeTestJSON(w, http.StatusOK, f.list("kd-1"))
		default:
			writeTestJSON(w, http.StatusOK, f.list("kd-2", "kd-3"))
		}
	case strings.HasPrefix(path, "/v1/beads/"):
		rest := strings.TrimPrefix(path, "/v1/beads/")
		id, action, _ := strings.Cut(rest, "/")
		b, ok := f.beads[id]
		if !ok {
			writeTestJSON(w, http.StatusNotFound, map[string]string{"error": "bead not found"})
			return
		}
		if r.Method != http.MethodGet {
			var body map[string]string
			_ = json.NewDecoder(r.Body).Decode(&body)
			f.bodies[r.Method+" "+path] = body
			switch {
			case r.Method == http.MethodPatch:
				b["status"] = body["status"]
			case action == "close":
				b["status"] = "closed"
			}
			w.WriteHeader(http.StatusNoContent)
			return
		}
		writeTestJSON(w, http.StatusOK, b)
	default:
		http.NotFound(w, r)
	}
}

func (f *fakeBeads) body(key string) map[string]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bodies[key]
}

func writeTestJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func newTestHTTPProvider(t *testing.T) (*HTTPProvider, *fakeBeads) {
	t.Helper()
	fake := newFakeBeads()
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)
	return NewHTTPProvider(srv.URL+"/", "secret", "kloop"), fake
}

func TestHTTPProvider_IsAvailable(t *testing.T) {
	p, _ := newTestHTTPProvider(t)
	if !p.IsAvailable(context.Background()) {
		t.Fatal("expected provider to be available")
	}

	p.token = "wrong"
	if p.IsAvailable(context.Background()) {
		t.Fatal("unauthorized provider reported available")
	}
}

func TestHTTPProvider_Status(t *testing.T) {
	p, _ := newTestHTTPProvider(t)

	snap, err := p.Status(context.Background())
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	want := struct{ total, pending, inProgress, completed, ready, blocked int }{4, 2, 1, 1, 1, 1}
	s := snap.Stats
	if s.Total != want.total || s.Pending != want.pending || s.InProgress != want.inProgress ||
		s.Completed != want.completed || s.Ready != want.ready || s.Blocked != want.blocked {
		t.Fatalf("stats = %+v", s)
	}
	if len(snap.Blocked) != 1 || snap.Blocked[0].ID != "kd-3" {
		t.Fatalf("blocked = %+v", snap.Blocked)
	}
	if len(snap.InProgress) != 1 || !snap.InProgress[0].Started() {
		t.Fatalf("in progress = %+v", snap.InProgress)
	}
	if len(snap.RecentlyCompleted) != 1 || !snap.RecentlyCompleted[0].Completed {
		t.Fatalf("recently completed = %+v", snap.RecentlyCompleted)
	}
}

func TestHTTPProvider_ShowMapsDependencies(t *testing.T) {
	p, _ := newTestHTTPProvider(t)

	d, err := p.Show(context.Background(), "kd-3")
	if err != nil {
		t.Fatalf("Show: %v", err)
	}
	if len(d.BlockedBy) != 1 || d.BlockedBy[0] != "kd-2" {
		t.Fatalf("blockedBy = %v, want [kd-2] (related deps ignored)", d.BlockedBy)
	}
	if d.Ready || len(d.OpenBlockers) != 1 {
		t.Fatalf("details = %+v, want one open blocker", d)
	}

	d, err = p.Show(context.Background(), "kd-2")
	if err != nil {
		t.Fatalf("Show: %v", err)
	}
	if !d.Ready {
		t.Fatalf("kd-2 should be ready once kd-1 is closed: %+v", d)
	}

	if _, err := p.Show(context.Background(), "kd-404"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Show missing = %v, want ErrNotFound", err)
	}
}

func TestHTTPProvider_StartAndComplete(t *testing.T) {
	p, fake := newTestHTTPProvider(t)
	ctx := context.Background()

	if err := p.Start(ctx, "kd-2"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := fake.body("PATCH /v1/beads/kd-2"); got["status"] != "in_progress" || got["assignee"] != "kloop" {
		t.Fatalf("patch body = %v", got)
	}
	if err := p.Start(ctx, "kd-2"); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("second Start = %v, want ErrAlreadyStarted", err)
	}

	if err := p.Complete(ctx, "kd-2", "shipped"); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if got := fake.body("POST /v1/beads/kd-2/comments"); got["text"] != "shipped" {
		t.Fatalf("comment body = %v", got)
	}
	if got := fake.body("POST /v1/beads/kd-2/close"); got["closed_by"] != "kloop" {
		t.Fatalf("close body = %v", got)
	}

	for _, tc := range []struct {
		name string
		err  error
		want error
	}{
		{"CompleteTwice", p.Complete(ctx, "kd-2", ""), ErrAlreadyCompleted},
		{"StartClosed", p.Start(ctx, "kd-1"), ErrAlreadyCompleted},
		{"StartMissing", p.Start(ctx, "kd-404"), ErrNotFound},
	} {
		if !errors.Is(tc.err, tc.want) {
			t.Errorf("%s: got %v, want %v", tc.name, tc.err, tc.want)
		}
	}
}

func TestHTTPProvider_BackendError(t *testing.T) {
	p, _ := newTestHTTPProvider(t)
	p.token = ""

	_, err := p.ListReady(context.Background())
	var backendErr *BackendError
	if !errors.As(err, &backendErr) {
		t.Fatalf("err = %v, want *BackendError", err)
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusUnauthorized {
		t.Fatalf("err = %v, want wrapped 401 APIError", err)
	}
}
