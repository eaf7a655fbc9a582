package taskstatus

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"
)

// fakeTracker writes a shell script that answers the tracker CLI protocol
// and appends each invocation's arguments to a log file.
func fakeTracker(t *testing.T) (bin, argLog string) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake tracker is a shell script")
	}
	dir := t.TempDir()
	argLog = filepath.Join(dir, "args.log")
	script := `#!/bin/sh
echo "$@" >> "` + argLog + `"
case "$1" in
status)
  echo '{"stats":{"total":2,"pending":1,"inProgress":0,"completed":1,"blocked":0,"ready":1},"inProgress":[],"ready":[{"id":"T2","name":"second","priority":1,"completed":false}],"blocked":[],"recentlyCompleted":[{"id":"T1","name":"first","priority":1,"completed":true}]}'
  ;;
list)
  echo '[{"id":"T2","name":"second","priority":1,"completed":false,"blockedBy":["T1"]}]'
  ;;
show)
  case "$2" in
  T1) echo '{"id":"T1","name":"first","completed":true}' ;;
  T2) echo '{"id":"T2","name":"second","completed":false,"blockedBy":["T1","T9"]}' ;;
  *) echo "task $2 not found" >&2; exit 1 ;;
  esac
  ;;
start)
  case "$2" in
  T2) exit 0 ;;
  T1) echo "task T1 already completed" >&2; exit 1 ;;
  T3) echo "task T3 already started" >&2; exit 1 ;;
  *) echo "task $2 not found" >&2; exit 1 ;;
  esac
  ;;
complete)
  exit 0
  ;;
*)
  echo "database locked" >&2; exit 2
  ;;
esac
`
	bin = filepath.Join(dir, "tq")
	if err := os.WriteFile(bin, []byte(script), 0o755); err != nil {
		t.Fatalf("writing fake tracker: %v", err)
	}
	return bin, argLog
}

func readArgLog(t *testing.T, path string) []string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading arg log: %v", err)
	}
	return strings.Split(strings.TrimSpace(string(data)), "\n")
}

func TestCLIProvider_Status(t *testing.T) {
	bin, _ := fakeTracker(t)
	p := NewCLIProvider(bin)

	snap, err := p.Status(context.Background())
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if snap.Stats.Total != 2 || snap.Stats.Completed != 1 || snap.Stats.Ready != 1 {
		t.Fatalf("stats = %+v", snap.Stats)
	}
	if len(snap.Ready) != 1 || snap.Ready[0].ID != "T2" {
		t.Fatalf("ready = %+v", snap.Ready)
	}
	if snap.Done() {
		t.Fatal("snapshot with pending work reported done")
	}
}

func TestCLIProvider_ListReady(t *testing.T) {
	bin, argLog := fakeTracker(t)
	p := NewCLIProvider(bin)

	tasks, err := p.ListReady(context.Background())
	if err != nil {
		t.Fatalf("ListReady: %v", err)
	}
	if len(tasks) != 1 || tasks[0].ID != "T2" || tasks[0].BlockedBy[0] != "T1" {
		t.Fatalf("tasks = %+v", tasks)
	}
	if got := readArgLog(t, argLog); got[0] != "list --ready --json" {
		t.Fatalf("args = %q", got[0])
	}
}

func TestCLIProvider_ShowResolvesBlockers(t *testing.T) {
	bin, argLog := fakeTracker(t)
	p := NewCLIProvider(bin)

	d, err := p.Show(context.Background(), "T2")
	if err != nil {
		t.Fatalf("Show: %v", err)
	}
	if d.Ready {
		t.Fatal("T2 has an unresolvable blocker and should not be ready")
	}
	if len(d.OpenBlockers) != 1 || d.OpenBlockers[0] != "T9" {
		t.Fatalf("open blockers = %v, want [T9]", d.OpenBlockers)
	}
	if n := len(readArgLog(t, argLog)); n != 3 {
		t.Fatalf("tracker invoked %d times, want 3", n)
	}
}

func TestCLIProvider_ErrorMapping(t *testing.T) {
	bin, _ := fakeTracker(t)
	p := NewCLIProvider(bin)
	ctx := context.Background()

	for _, tc := range []struct {
		name string
		fn   func() error
		want error
	}{
		{"ShowMissing", func() error { _, err := p.Show(ctx, "T404"); return err }, ErrNotFound},
		{"StartMissing", func() error { return p.Start(ctx, "T404") }, ErrNotFound},
		{"StartCompleted", func() error { return p.Start(ctx, "T1") }, ErrAlreadyCompleted},
		{"StartStarted", func() error { return p.Start(ctx, "T3") }, ErrAlreadyStarted},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if err := tc.fn(); !errors.Is(err, tc.want) {
				t.Fatalf("got %v, want %v", err, tc.want)
			}
		})
	}
}

func TestCLIProvider_StartAndComplete(t *testing.T) {
	bin, argLog := fakeTracker(t)
	p := NewCLIProvider(bin)
	ctx := context.Background()

	if err := p.Start(ctx, "T2"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := p.Complete(ctx, "T2", "all tests pass"); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	got := readArgLog(t, argLog)
	want := []string{"start T2", "complete T2 --result all tests pass"}
	if len(got) != len(want) {
		t.Fatalf("args = %q, want %q", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("args[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestCLIProvider_BackendErrors(t *testing.T) {
	bin, _ := fakeTracker(t)
	ctx := context.Background()

	// Unknown subcommands exit 2 with a message that matches no sentinel.
	_, err := NewCLIProvider(bin).run(ctx, "bogus", "bogus")
	var backendErr *BackendError
	if !errors.As(err, &backendErr) {
		t.Fatalf("err = %v, want *BackendError", err)
	}
	if !strings.Contains(err.Error(), "database locked") {
		t.Fatalf("err = %v, want stderr text", err)
	}

	missing := NewCLIProvider(filepath.Join(t.TempDir(), "missing"))
	if missing.IsAvailable(ctx) {
		t.Fatal("missing binary reported available")
	}
	if _, err := missing.Status(ctx); !errors.As(err, &backendErr) {
		t.Fatalf("Status with missing binary = %v, want *BackendError", err)
	}
}

func TestCLIProvider_Options(t *testing.T) {
	bin, _ := fakeTracker(t)
	dir := t.TempDir()
	p := NewCLIProvider(bin, WithDir(dir), WithEnv(map[string]string{"TQ_DB": "x"}), WithTimeout(5*time.Second))
	if p.dir != dir || p.env["TQ_DB"] != "x" || p.timeout != 5*time.Second {
		t.Fatalf("options not applied: %+v", p)
	}
	if !p.IsAvailable(context.Background()) {
		t.Fatal("fake tracker should be available by absolute path")
	}
}
