package postgres

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/alfredjeanlab/kloop/internal/journal"
)

// newMockDB creates a sqlmock database with automatic cleanup and expectation checking.
func newMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	t.Cleanup(func() {
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unfulfilled expectations: %v", err)
		}
		db.Close()
	})
	return db, mock
}

var runRowColumns = []string{
	"id", "model", "max_iterations", "outcome", "iterations", "error", "started_at", "finished_at",
}

func TestStartRun(t *testing.T) {
	db, mock := newMockDB(t)
	s := NewWithDB(db)
	now := time.Now().UTC()

	mock.ExpectExec("INSERT INTO runs").
		WithArgs("run-1", "sonnet", 50, "running", now).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := s.StartRun(context.Background(), &journal.Run{
		ID: "run-1", Model: "sonnet", MaxIterations: 50, StartedAt: now,
	})
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}
}

func TestRecordIteration(t *testing.T) {
	db, mock := newMockDB(t)
	s := NewWithDB(db)
	start := time.Now().UTC()
	end := start.Add(time.Minute)

	mock.ExpectExec("INSERT INTO iterations").
		WithArgs("run-1", 3, "T2", 1, 4, 5, "progressed", start, end).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := s.RecordIteration(context.Background(), &journal.Iteration{
		RunID: "run-1", Number: 3, TaskID: "T2", ExitCode: 1,
		CompletedBefore: 4, CompletedAfter: 5, Outcome: journal.IterationProgressed,
		StartedAt: start, FinishedAt: end,
	})
	if err != nil {
		t.Fatalf("RecordIteration: %v", err)
	}
}

func TestRecordIteration_Error(t *testing.T) {
	db, mock := newMockDB(t)
	s := NewWithDB(db)

	mock.ExpectExec("INSERT INTO iterations").WillReturnError(errors.New("connection reset"))

	err := s.RecordIteration(context.Background(), &journal.Iteration{RunID: "run-1", Number: 1})
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestFinishRun(t *testing.T) {
	finished := time.Now().UTC()
	for _, tc := range []struct {
		name     string
		affected int64
		wantErr  error
	}{
		{"Updated", 1, nil},
		{"UnknownRun", 0, sql.ErrNoRows},
	} {
		t.Run(tc.name, func(t *testing.T) {
			db, mock := newMockDB(t)
			s := NewWithDB(db)

			mock.ExpectExec("UPDATE runs SET outcome").
				WithArgs("run-1", "failed", 7, "max iterations exceeded", sqlmock.AnyArg()).
				WillReturnResult(sqlmock.NewResult(0, tc.affected))

			err := s.FinishRun(context.Background(), &journal.Run{
				ID: "run-1", Outcome: journal.RunFailed, Iterations: 7,
				Error: "max iterations exceeded", FinishedAt: &finished,
			})
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("FinishRun err = %v, want %v", err, tc.wantErr)
			}
		})
	}
}

func TestListRuns(t *testing.T) {
	db, mock := newMockDB(t)
	s := NewWithDB(db)
	now := time.Now().UTC()

	rows := sqlmock.NewRows(runRowColumns).
		AddRow("run-2", "opus", 10, "running", 0, "", now, nil).
		AddRow("run-1", "sonnet", 50, "succeeded", 3, "", now.Add(-time.Hour), now.Add(-30*time.Minute))
	mock.ExpectQuery("SELECT .+ FROM runs ORDER BY started_at DESC LIMIT \\$1").
		WithArgs(defaultRunLimit).
		WillReturnRows(rows)

	runs, err := s.ListRuns(context.Background(), 0)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("got %d runs, want 2", len(runs))
	}
	if runs[0].FinishedAt != nil || runs[0].Outcome != journal.RunRunning {
		t.Errorf("run-2 = %+v, want running with no finish time", runs[0])
	}
	if runs[1].FinishedAt == nil || runs[1].Iterations != 3 {
		t.Errorf("run-1 = %+v", runs[1])
	}
}

func TestListIterations(t *testing.T) {
	db, mock := newMockDB(t)
	s := NewWithDB(db)
	now := time.Now().UTC()

	rows := sqlmock.NewRows([]string{
		"run_id", "number", "task_id", "exit_code", "completed_before", "completed_after",
		"outcome", "started_at", "finished_at",
	}).
		AddRow("run-1", 1, "T1", 0, 0, 1, "succeeded", now, now).
		AddRow("run-1", 2, "", 1, 1, 1, "failed", now, now)
	mock.ExpectQuery("SELECT .+ FROM iterations WHERE run_id = \\$1 ORDER BY number").
		WithArgs("run-1").
		WillReturnRows(rows)

	its, err := s.ListIterations(context.Background(), "run-1")
	if err != nil {
		t.Fatalf("ListIterations: %v", err)
	}
	if len(its) != 2 || its[0].TaskID != "T1" || its[1].Outcome != journal.IterationFailed {
		t.Fatalf("iterations = %+v", its)
	}
}

func TestNew_UnreachableDatabase(t *testing.T) {
	// Nothing listens on port 1; the ping fails instead of hanging.
	start := time.Now()
	_, err := New(context.Background(), "postgres://kloop@127.0.0.1:1/kloop?sslmode=disable&connect_timeout=2")
	if err == nil {
		t.Fatal("expected an error for an unreachable database")
	}
	if !strings.Contains(err.Error(), "reaching journal database") {
		t.Errorf("err = %v", err)
	}
	if elapsed := time.Since(start); elapsed > connectTimeout+time.Second {
		t.Errorf("New took %v", elapsed)
	}
}

func TestNew_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := New(ctx, "postgres://kloop@127.0.0.1:1/kloop?sslmode=disable"); err == nil {
		t.Fatal("expected an error with a cancelled context")
	}
}
