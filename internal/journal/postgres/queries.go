package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/alfredjeanlab/kloop/internal/journal"
)

const runColumns = `id, model, max_iterations, outcome, iterations, error, started_at, finished_at`

const iterationColumns = `run_id, number, task_id, exit_code, completed_before, completed_after,
	outcome, started_at, finished_at`

// defaultRunLimit caps ListRuns when no limit is given.
const defaultRunLimit = 20

// executor is the interface satisfied by both *sql.DB and *sql.Tx.
type executor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// scannable is the interface satisfied by both *sql.Row and *sql.Rows.
type scannable interface {
	Scan(dest ...any) error
}

func queryInsertRun(ctx context.Context, db executor, r *journal.Run) error {
	outcome := r.Outcome
	if outcome == "" {
		outcome = journal.RunRunning
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO runs (id, model, max_iterations, outcome, started_at)
		VALUES ($1, $2, $3, $4, $5)`,
		r.ID, r.Model, r.MaxIterations, string(outcome), r.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("insert run %s: %w", r.ID, err)
	}
	return nil
}

func queryInsertIteration(ctx context.Context, db executor, it *journal.Iteration) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO iterations (
			run_id, number, task_id, exit_code, completed_before, completed_after,
			outcome, started_at, finished_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		it.RunID, it.Number, it.TaskID, it.ExitCode, it.CompletedBefore, it.CompletedAfter,
		string(it.Outcome), it.StartedAt, it.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("insert iteration %s/%d: %w", it.RunID, it.Number, err)
	}
	return nil
}

func queryFinishRun(ctx context.Context, db executor, r *journal.Run) error {
	res, err := db.ExecContext(ctx, `
		UPDATE runs SET outcome = $2, iterations = $3, error = $4, finished_at = $5
		WHERE id = $1`,
		r.ID, string(r.Outcome), r.Iterations, r.Error, nullTimePtr(r.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("finish run %s: %w", r.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("finish run %s: %w", r.ID, err)
	}
	if n == 0 {
		return fmt.Errorf("finish run %s: %w", r.ID, sql.ErrNoRows)
	}
	return nil
}

func queryListRuns(ctx context.Context, db executor, limit int) ([]*journal.Run, error) {
	if limit <= 0 {
		limit = defaultRunLimit
	}
	rows, err := db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs ORDER BY started_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []*journal.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

func queryListIterations(ctx context.Context, db executor, runID string) ([]*journal.Iteration, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT `+iterationColumns+` FROM iterations WHERE run_id = $1 ORDER BY number`, runID)
	if err != nil {
		return nil, fmt.Errorf("list iterations: %w", err)
	}
	defer rows.Close()

	var out []*journal.Iteration
	for rows.Next() {
		var it journal.Iteration
		var outcome string
		if err := rows.Scan(
			&it.RunID, &it.Number, &it.TaskID, &it.ExitCode, &it.CompletedBefore, &it.CompletedAfter,
			&outcome, &it.StartedAt, &it.FinishedAt,
		); err != nil {
			return nil, fmt.Errorf("scan iteration: %w", err)
		}
		it.Outcome = journal.IterationOutcome(outcome)
		out = append(out, &it)
	}
	return out, rows.Err()
}

func scanRun(row scannable) (*journal.Run, error) {
	var r journal.Run
	var outcome string
	var finishedAt sql.NullTime
	if err := row.Scan(
		&r.ID, &r.Model, &r.MaxIterations, &outcome, &r.Iterations, &r.Error,
		&r.StartedAt, &finishedAt,
	); err != nil {
		return nil, err
	}
	r.Outcome = journal.RunOutcome(outcome)
	if finishedAt.Valid {
		t := finishedAt.Time
		r.FinishedAt = &t
	}
	return &r, nil
}

// nullTimePtr converts a *time.Time to sql.NullTime; nil is null.
func nullTimePtr(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
