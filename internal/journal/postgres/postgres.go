// Package postgres keeps the run journal in PostgreSQL: one row per loop run
// and one per iteration, so history survives the process and can be read
// back by "kloop history". The journal is often pointed at the same database
// as the task tracker, so its schema version lives in its own table.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"

	"github.com/alfredjeanlab/kloop/internal/journal"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// MigrationsTable records the journal's schema version.
const MigrationsTable = "kloop_schema_migrations"

// connectTimeout bounds the startup ping. A run proceeds without a journal
// rather than waiting on an unreachable database.
const connectTimeout = 5 * time.Second

// Store is a journal.Store over PostgreSQL.
type Store struct {
	db *sql.DB
}

var _ journal.Store = (*Store)(nil)

// New connects to databaseURL and brings the runs and iterations tables up
// to date. A loop writes at most a few rows per iteration, so the pool is
// kept small.
func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("opening journal database: %w", err)
	}
	db.SetMaxOpenConns(2)
	db.SetMaxIdleConns(1)
	db.SetConnMaxIdleTime(time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("reaching journal database: %w", err)
	}
	if err := migrateJournal(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// NewWithDB wraps an already-open, already-migrated database.
func NewWithDB(db *sql.DB) *Store {
	return &Store{db: db}
}

func migrateJournal(db *sql.DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("loading journal migrations: %w", err)
	}
	target, err := postgres.WithInstance(db, &postgres.Config{MigrationsTable: MigrationsTable})
	if err != nil {
		return fmt.Errorf("preparing journal migrations: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", target)
	if err != nil {
		return fmt.Errorf("preparing journal migrations: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrating journal schema: %w", err)
	}
	return nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) StartRun(ctx context.Context, run *journal.Run) error {
	return queryInsertRun(ctx, s.db, run)
}

func (s *Store) RecordIteration(ctx context.Context, it *journal.Iteration) error {
	return queryInsertIteration(ctx, s.db, it)
}

func (s *Store) FinishRun(ctx context.Context, run *journal.Run) error {
	return queryFinishRun(ctx, s.db, run)
}

func (s *Store) ListRuns(ctx context.Context, limit int) ([]*journal.Run, error) {
	return queryListRuns(ctx, s.db, limit)
}

func (s *Store) ListIterations(ctx context.Context, runID string) ([]*journal.Iteration, error) {
	return queryListIterations(ctx, s.db, runID)
}
