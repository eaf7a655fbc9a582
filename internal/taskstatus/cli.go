package taskstatus

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/alfredjeanlab/kloop/internal/model"
)

// DefaultCLITimeout bounds a single tracker invocation.
const DefaultCLITimeout = 30 * time.Second

// CLIProvider drives a tracker binary that speaks JSON:
//
//	<bin> status --json          -> StatusSnapshot
//	<bin> list --ready --json    -> []Task
//	<bin> show <id> --json       -> Task
//	<bin> start <id>
//	<bin> complete <id> --result <text>
//
// Non-zero exits become errors; stderr mentioning "not found", "already
// started" or "already completed" maps onto the package sentinels.
type CLIProvider struct {
	bin     string
	dir     string
	env     map[string]string
	timeout time.Duration
}

var _ Provider = (*CLIProvider)(nil)

// CLIOption configures a CLIProvider.
type CLIOption func(*CLIProvider)

// WithDir runs the tracker in dir.
func WithDir(dir string) CLIOption {
	return func(p *CLIProvider) { p.dir = dir }
}

// WithEnv overlays extra environment variables on the tracker process.
func WithEnv(env map[string]string) CLIOption {
	return func(p *CLIProvider) { p.env = env }
}

// WithTimeout bounds each tracker invocation.
func WithTimeout(d time.Duration) CLIOption {
	return func(p *CLIProvider) { p.timeout = d }
}

// NewCLIProvider returns a provider that shells out to bin.
func NewCLIProvider(bin string, opts ...CLIOption) *CLIProvider {
	p := &CLIProvider{bin: bin, timeout: DefaultCLITimeout}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *CLIProvider) IsAvailable(_ context.Context) bool {
	_, err := exec.LookPath(p.bin)
	return err == nil
}

func (p *CLIProvider) Status(ctx context.Context) (*model.StatusSnapshot, error) {
	out, err := p.run(ctx, "status", "status", "--json")
	if err != nil {
		return nil, err
	}
	var snap model.StatusSnapshot
	if err := json.Unmarshal(out, &snap); err != nil {
		return nil, &BackendError{Op: "status", Err: fmt.Errorf("decoding output: %w", err)}
	}
	return &snap, nil
}

func (p *CLIProvider) ListReady(ctx context.Context) ([]*model.Task, error) {
	out, err := p.run(ctx, "list", "list", "--ready", "--json")
	if err != nil {
		return nil, err
	}
	var tasks []*model.Task
	if err := json.Unmarshal(out, &tasks); err != nil {
		return nil, &BackendError{Op: "list", Err: fmt.Errorf("decoding output: %w", err)}
	}
	if tasks == nil {
		tasks = []*model.Task{}
	}
	return tasks, nil
}

func (p *CLIProvider) Show(ctx context.Context, id string) (*model.TaskDetails, error) {
	t, err := p.showTask(ctx, id)
	if err != nil {
		return nil, err
	}

	// Blocker completion is resolved with one lookup per blocker; a blocker
	// that cannot be looked up counts as open.
	isComplete := func(blocker string) bool {
		bt, err := p.showTask(ctx, blocker)
		return err == nil && bt.Completed
	}
	open := OpenBlockers(t, isComplete)
	return &model.TaskDetails{
		Task:         *t,
		Ready:        !t.Completed && !t.Started() && len(open) == 0,
		OpenBlockers: open,
	}, nil
}

func (p *CLIProvider) Start(ctx context.Context, id string) error {
	_, err := p.run(ctx, "start", "start", id)
	return err
}

func (p *CLIProvider) Complete(ctx context.Context, id, result string) error {
	_, err := p.run(ctx, "complete", "complete", id, "--result", result)
	return err
}

func (p *CLIProvider) showTask(ctx context.Context, id string) (*model.Task, error) {
	out, err := p.run(ctx, "show", "show", id, "--json")
	if err != nil {
		return nil, err
	}
	var t model.Task
	if err := json.Unmarshal(out, &t); err != nil {
		return nil, &BackendError{Op: "show", Err: fmt.Errorf("decoding output: %w", err)}
	}
	return &t, nil
}

// run executes the tracker and returns its stdout.
func (p *CLIProvider) run(ctx context.Context, op string, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, p.bin, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if p.dir != "" {
		cmd.Dir = p.dir
	}
	if len(p.env) > 0 {
		cmd.Env = os.Environ()
		for k, v := range p.env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
	}

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = strings.TrimSpace(stdout.String())
		}
		return nil, classifyCLIError(op, args, msg, err)
	}
	return stdout.Bytes(), nil
}

func classifyCLIError(op string, args []string, msg string, err error) error {
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return &BackendError{Op: op, Err: err}
	}
	lower := strings.ToLower(msg)
	target := ""
	if len(args) > 1 {
		target = args[1]
	}
	switch {
	case strings.Contains(lower, "not found"):
		return fmt.Errorf("%s %s: %w", op, target, ErrNotFound)
	case strings.Contains(lower, "already completed"):
		return fmt.Errorf("%s %s: %w", op, target, ErrAlreadyCompleted)
	case strings.Contains(lower, "already started"):
		return fmt.Errorf("%s %s: %w", op, target, ErrAlreadyStarted)
	}
	if msg == "" {
		return &BackendError{Op: op, Err: err}
	}
	return &BackendError{Op: op, Err: fmt.Errorf("%w: %s", err, msg)}
}
