// Package loop drives a worker against a task graph, one work cycle per
// iteration, until the graph is resolved or a fatal condition stops it.
package loop

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/alfredjeanlab/kloop/internal/events"
	"github.com/alfredjeanlab/kloop/internal/idgen"
	"github.com/alfredjeanlab/kloop/internal/journal"
	"github.com/alfredjeanlab/kloop/internal/model"
	"github.com/alfredjeanlab/kloop/internal/taskstatus"
	"github.com/alfredjeanlab/kloop/internal/worker"
)

// Defaults applied by New for zero-valued config fields.
const (
	DefaultModel         = "sonnet"
	DefaultMaxIterations = 50
	DefaultPause         = 2 * time.Second
)

// State is the loop's lifecycle state.
type State string

const (
	StateStarting  State = "starting"
	StateIterating State = "iterating"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
)

// Config holds everything a Loop needs. Provider and Worker are required.
type Config struct {
	Model         string
	MaxIterations int
	// Pause is the sleep between iterations. Negative means no pause.
	Pause        time.Duration
	ContextFiles []string

	Provider taskstatus.Provider
	Worker   worker.Worker
	Buffer   *events.Buffer
	Journal  journal.Store
	Logger   *slog.Logger
	// Console receives coloured log lines and raw worker output. Nil
	// disables console output.
	Console io.Writer

	// RunID overrides the generated run id.
	RunID string
	// OnStateChange is called on every state transition.
	OnStateChange func(State)
}

// Summary describes a finished run.
type Summary struct {
	RunID string
	// Iterations is the number of worker invocations.
	Iterations int
	// Final is the last status snapshot fetched, if any.
	Final *model.StatusSnapshot
}

// Loop is the orchestration state machine.
type Loop struct {
	cfg Config
	rep *reporter

	mu    sync.Mutex
	state State
}

// New validates cfg and returns a Loop in the starting state.
func New(cfg Config) (*Loop, error) {
	if cfg.Provider == nil {
		return nil, errors.New("loop: provider is required")
	}
	if cfg.Worker == nil {
		return nil, errors.New("loop: worker is required")
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultMaxIterations
	}
	if cfg.Pause == 0 {
		cfg.Pause = DefaultPause
	}
	if cfg.Buffer == nil {
		cfg.Buffer = events.NewBuffer()
	}
	if cfg.Journal == nil {
		cfg.Journal = journal.Noop{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Loop{
		cfg:   cfg,
		rep:   &reporter{buf: cfg.Buffer, logger: cfg.Logger, console: cfg.Console},
		state: StateStarting,
	}, nil
}

// Buffer returns the event buffer the loop reports into.
func (l *Loop) Buffer() *events.Buffer {
	return l.cfg.Buffer
}

// State returns the current lifecycle state.
func (l *Loop) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *Loop) setState(s State) {
	l.mu.Lock()
	l.state = s
	l.mu.Unlock()
	if l.cfg.OnStateChange != nil {
		l.cfg.OnStateChange(s)
	}
}

// CheckPreconditions verifies the provider and worker are usable and every
// context file exists.
func (l *Loop) CheckPreconditions(ctx context.Context) error {
	if !l.cfg.Provider.IsAvailable(ctx) {
		return &PreconditionError{Reason: "task status provider is not available"}
	}
	if !l.cfg.Worker.IsAvailable() {
		return &PreconditionError{Reason: "worker is not available"}
	}
	for _, f := range l.cfg.ContextFiles {
		if _, err := os.Stat(f); err != nil {
			return &PreconditionError{Reason: fmt.Sprintf("context file %s: %v", f, err)}
		}
	}
	return nil
}

// Run checks preconditions and iterates until the graph is done, a fatal
// condition occurs, or ctx is cancelled. Fatal conditions are reported
// through the buffer and returned.
func (l *Loop) Run(ctx context.Context) (*Summary, error) {
	runID := l.cfg.RunID
	if runID == "" {
		id, err := idgen.RunID()
		if err != nil {
			return nil, fmt.Errorf("generating run id: %w", err)
		}
		runID = id
	}
	summary := &Summary{RunID: runID}

	if err := l.CheckPreconditions(ctx); err != nil {
		l.rep.errorf("%v", err)
		l.setState(StateFailed)
		return summary, err
	}

	run := &journal.Run{
		ID:            runID,
		Model:         l.cfg.Model,
		MaxIterations: l.cfg.MaxIterations,
		Outcome:       journal.RunRunning,
		StartedAt:     time.Now().UTC(),
	}
	if err := l.cfg.Journal.StartRun(ctx, run); err != nil {
		l.cfg.Logger.Warn("journal start run failed", "run", runID, "err", err)
	}

	l.setState(StateIterating)
	l.rep.infof("starting run %s (model %s, max %d iterations)", runID, l.cfg.Model, l.cfg.MaxIterations)

	err := l.iterate(ctx, summary)
	l.finish(run, summary, err)
	return summary, err
}

func (l *Loop) finish(run *journal.Run, summary *Summary, err error) {
	finished := time.Now().UTC()
	run.FinishedAt = &finished
	run.Iterations = summary.Iterations
	switch {
	case err == nil:
		run.Outcome = journal.RunSucceeded
		l.rep.successf("all tasks complete after %d iteration(s)", summary.Iterations)
		l.setState(StateSucceeded)
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		run.Outcome = journal.RunCancelled
		run.Error = err.Error()
		l.rep.warnf("run cancelled: %v", err)
		l.setState(StateFailed)
	default:
		run.Outcome = journal.RunFailed
		run.Error = err.Error()
		l.rep.errorf("run failed: %v", err)
		l.setState(StateFailed)
	}

	// The run context may already be cancelled; the journal write gets its own.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if jerr := l.cfg.Journal.FinishRun(ctx, run); jerr != nil {
		l.cfg.Logger.Warn("journal finish run failed", "run", run.ID, "err", jerr)
	}
}

func (l *Loop) iterate(ctx context.Context, summary *Summary) error {
	for n := 1; ; n++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		snap, err := l.cfg.Provider.Status(ctx)
		if err != nil {
			return fmt.Errorf("failed to get status: %w", err)
		}
		summary.Final = snap

		if snap.Empty() {
			return ErrNoTasks
		}
		if snap.Done() {
			return nil
		}
		if n > l.cfg.MaxIterations {
			return fmt.Errorf("%w (%d)", ErrMaxIterations, l.cfg.MaxIterations)
		}

		summary.Iterations = n
		if err := l.cycle(ctx, summary.RunID, n, snap); err != nil {
			return err
		}

		if err := l.pause(ctx); err != nil {
			return err
		}
	}
}

// cycle runs one worker invocation and interprets its outcome. Only
// cancellation is returned as an error; every other failure is logged.
func (l *Loop) cycle(ctx context.Context, runID string, n int, snap *model.StatusSnapshot) error {
	started := time.Now().UTC()
	stats := snap.Stats
	l.rep.infof("iteration %d/%d: %d total, %d completed, %d in progress, %d ready, %d blocked",
		n, l.cfg.MaxIterations, stats.Total, stats.Completed, stats.InProgress, stats.Ready, stats.Blocked)

	if stats.InProgress > 0 {
		l.rep.warnf("%d task(s) already in progress; the worker will reconcile them", stats.InProgress)
	}

	next := l.nextTask(ctx)
	taskID := ""
	if next != nil {
		taskID = next.ID
		l.rep.infof("next ready task: %s %s", next.ID, next.Name)
	}

	req := worker.Request{
		Model:  l.cfg.Model,
		Prompt: BuildPrompt(next),
		Files:  l.cfg.ContextFiles,
	}
	res, runErr := l.cfg.Worker.Run(ctx, req, &worker.Callbacks{
		OnLog:    l.rep.workerLog,
		OnOutput: l.rep.workerOutput,
	})
	if ctx.Err() != nil {
		return ctx.Err()
	}

	exitCode := 0
	if res != nil {
		exitCode = res.ExitCode
	}
	if runErr != nil {
		l.rep.warnf("worker error: %v", runErr)
		if exitCode == 0 {
			exitCode = 1
		}
	}

	it := &journal.Iteration{
		RunID:           runID,
		Number:          n,
		TaskID:          taskID,
		ExitCode:        exitCode,
		CompletedBefore: stats.Completed,
		CompletedAfter:  stats.Completed,
		StartedAt:       started,
	}
	switch {
	case exitCode == 0:
		it.Outcome = journal.IterationSucceeded
		l.rep.successf("iteration %d finished", n)
	default:
		after, err := l.cfg.Provider.Status(ctx)
		if err != nil {
			l.rep.warnf("could not re-check status after failed iteration: %v", err)
		} else {
			it.CompletedAfter = after.Stats.Completed
		}
		if it.CompletedAfter > stats.Completed {
			it.Outcome = journal.IterationProgressed
			l.rep.warnf("worker exited with code %d but made progress (%d -> %d completed)",
				exitCode, stats.Completed, it.CompletedAfter)
		} else {
			it.Outcome = journal.IterationFailed
			l.rep.errorf("iteration %d failed with exit code %d and no progress", n, exitCode)
		}
	}
	it.FinishedAt = time.Now().UTC()
	if err := l.cfg.Journal.RecordIteration(ctx, it); err != nil {
		l.cfg.Logger.Warn("journal record iteration failed", "run", runID, "iteration", n, "err", err)
	}
	return nil
}

// nextTask looks up the first ready task. Failures are warnings only.
func (l *Loop) nextTask(ctx context.Context) *model.TaskDetails {
	ready, err := l.cfg.Provider.ListReady(ctx)
	if err != nil {
		l.rep.warnf("could not list ready tasks: %v", err)
		return nil
	}
	if len(ready) == 0 {
		return nil
	}
	details, err := l.cfg.Provider.Show(ctx, ready[0].ID)
	if err != nil {
		l.rep.warnf("could not look up task %s: %v", ready[0].ID, err)
		return nil
	}
	return details
}

func (l *Loop) pause(ctx context.Context) error {
	if l.cfg.Pause <= 0 {
		return nil
	}
	t := time.NewTimer(l.cfg.Pause)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
