package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alfredjeanlab/kloop/internal/model"
)

// Exit codes reported when the process did not produce one of its own.
const (
	ExitStartFailed = 127
	ExitSignaled    = 137
)

// pipeGrace bounds how long Run waits for the output pipes to close once the
// worker has exited or been killed.
const pipeGrace = 2 * time.Second

// CLIWorker runs a coding-agent CLI (the claude binary by default) as a
// subprocess. Stdout is streamed as output events in the chunks it arrives
// in; each stderr line becomes a warning log.
type CLIWorker struct {
	bin         string
	dir         string
	env         map[string]string
	extraArgs   []string
	idleTimeout time.Duration
}

var _ Worker = (*CLIWorker)(nil)

// CLIOption configures a CLIWorker.
type CLIOption func(*CLIWorker)

// WithDir runs the worker in dir.
func WithDir(dir string) CLIOption {
	return func(w *CLIWorker) { w.dir = dir }
}

// WithEnv overlays extra environment variables on the worker process.
func WithEnv(env map[string]string) CLIOption {
	return func(w *CLIWorker) { w.env = env }
}

// WithArgs appends extra arguments before the prompt.
func WithArgs(args ...string) CLIOption {
	return func(w *CLIWorker) { w.extraArgs = append(w.extraArgs, args...) }
}

// WithIdleTimeout kills the worker when it produces no output for d.
// Zero disables the idle timer.
func WithIdleTimeout(d time.Duration) CLIOption {
	return func(w *CLIWorker) { w.idleTimeout = d }
}

// NewCLIWorker returns a worker that invokes bin.
func NewCLIWorker(bin string, opts ...CLIOption) *CLIWorker {
	w := &CLIWorker{bin: bin}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

func (w *CLIWorker) IsAvailable() bool {
	_, err := exec.LookPath(w.bin)
	return err == nil
}

// Args returns the command line for req, without the binary.
func (w *CLIWorker) Args(req Request) []string {
	args := []string{"--print", "--dangerously-skip-permissions"}
	if req.Model != "" {
		args = append(args, "--model", req.Model)
	}
	args = append(args, w.extraArgs...)
	return append(args, promptWithFiles(req.Prompt, req.Files))
}

// promptWithFiles appends @path references so the agent loads the context
// files itself.
func promptWithFiles(prompt string, files []string) string {
	if len(files) == 0 {
		return prompt
	}
	var b strings.Builder
	b.WriteString(prompt)
	b.WriteString("\n\nContext files:")
	for _, f := range files {
		b.WriteString(" @")
		b.WriteString(f)
	}
	return b.String()
}

func (w *CLIWorker) Run(ctx context.Context, req Request, cb *Callbacks) (*Result, error) {
	rec := newRecorder(cb)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	activity := make(chan struct{}, 1)
	var idleTimedOut atomic.Bool
	if w.idleTimeout > 0 {
		stop := watchIdle(runCtx, w.idleTimeout, activity, func() {
			idleTimedOut.Store(true)
			cancel()
		})
		defer stop()
	}

	cmd := exec.CommandContext(runCtx, w.bin, w.Args(req)...) //nolint:gosec // worker binary comes from operator config
	if w.dir != "" {
		cmd.Dir = w.dir
	}
	if len(w.env) > 0 {
		cmd.Env = os.Environ()
		for k, v := range w.env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
	}
	isolate(cmd)
	cmd.WaitDelay = pipeGrace
	stderr := &lineWriter{e: rec, activity: activity}
	cmd.Stdout = &chunkWriter{e: rec, activity: activity}
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		rec.Log(model.CategoryError, fmt.Sprintf("failed to start %s: %v", w.bin, err))
		return rec.result(ExitStartFailed), fmt.Errorf("starting %s: %w", w.bin, err)
	}
	waitErr := cmd.Wait()
	stderr.flush()

	if errors.Is(waitErr, exec.ErrWaitDelay) {
		// The agent exited but something it started still holds stdout or
		// stderr. Take the whole group down and keep the agent's own status.
		_ = killGroup(cmd)
		rec.Log(model.CategoryWarning, "worker left background processes running; killed them")
		waitErr = nil
		if st := cmd.ProcessState; st != nil && !st.Success() {
			waitErr = &exec.ExitError{ProcessState: st}
		}
	}

	code := exitCode(waitErr)
	switch {
	case ctx.Err() != nil:
		rec.Log(model.CategoryWarning, "worker interrupted")
		return rec.result(code), ctx.Err()
	case idleTimedOut.Load():
		rec.Log(model.CategoryError, fmt.Sprintf("worker produced no output for %v, killed", w.idleTimeout))
	case code != 0:
		rec.Log(model.CategoryError, fmt.Sprintf("worker exited with code %d", code))
	}

	var exitErr *exec.ExitError
	if waitErr != nil && !errors.As(waitErr, &exitErr) {
		return rec.result(code), fmt.Errorf("waiting for %s: %w", w.bin, waitErr)
	}
	return rec.result(code), nil
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if code := exitErr.ExitCode(); code >= 0 {
			return code
		}
		return ExitSignaled
	}
	return ExitStartFailed
}

// chunkWriter turns each write from the worker's stdout into an output
// event.
type chunkWriter struct {
	e        Emitter
	activity chan<- struct{}
}

func (w *chunkWriter) Write(p []byte) (int, error) {
	if len(p) > 0 {
		w.e.Output(string(p))
		touch(w.activity)
	}
	return len(p), nil
}

// maxLine caps a buffered stderr line; longer runs are emitted as they are.
const maxLine = 1024 * 1024

// lineWriter turns the worker's stderr into one warning log per line.
type lineWriter struct {
	e        Emitter
	activity chan<- struct{}
	buf      []byte
}

func (w *lineWriter) Write(p []byte) (int, error) {
	touch(w.activity)
	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		w.emit(w.buf[:i])
		w.buf = w.buf[i+1:]
	}
	if len(w.buf) >= maxLine {
		w.flush()
	}
	return len(p), nil
}

// flush emits a trailing line that had no newline.
func (w *lineWriter) flush() {
	w.emit(w.buf)
	w.buf = nil
}

func (w *lineWriter) emit(line []byte) {
	if s := strings.TrimRight(string(line), "\r"); s != "" {
		w.e.Log(model.CategoryWarning, s)
	}
}

func touch(activity chan<- struct{}) {
	select {
	case activity <- struct{}{}:
	default:
	}
}

// watchIdle calls onIdle when no activity arrives for timeout. The returned
// func stops the watcher.
func watchIdle(ctx context.Context, timeout time.Duration, activity <-chan struct{}, onIdle func()) func() {
	done := make(chan struct{})
	go func() {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case <-activity:
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(timeout)
			case <-timer.C:
				onIdle()
				return
			}
		}
	}()
	var once sync.Once
	return func() { once.Do(func() { close(done) }) }
}
