// Package stores persists deployment runs and their lifecycle events, giving
// operators a queryable journal of what the engine did and when.
package stores

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/rs/zerolog/log"

	"github.com/skeinlab/skein/pkg/engine"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore is the journal backed by a local SQLite database.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// Config holds SQLite store configuration.
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a store instance. Init must be called before use.
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	return &SQLiteStore{path: cfg.Path}, nil
}

// Init opens the database and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL", s.path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("ping database: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return fmt.Errorf("enable foreign keys: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate applies the embedded schema migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}
	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("create database driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("create migration instance: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

// StartRun records a new deployment run.
func (s *SQLiteStore) StartRun(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, state, started_at) VALUES (?, ?, ?)
		 ON CONFLICT(id) DO NOTHING`,
		id, string(engine.StateDeclared), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("start run %s: %w", id, err)
	}
	return nil
}

// SetRunState updates a run's recorded state, stamping terminal states with a
// finish time.
func (s *SQLiteStore) SetRunState(ctx context.Context, id string, state engine.State) error {
	var finishedAt any
	if state == engine.StateTornDown {
		finishedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE runs SET state = ?, finished_at = COALESCE(?, finished_at) WHERE id = ?`,
		string(state), finishedAt, id)
	if err != nil {
		return fmt.Errorf("set run state %s: %w", id, err)
	}
	return nil
}

// GetRun fetches one run by deployment ID.
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, state, started_at, finished_at FROM runs WHERE id = ?`, id)

	var run Run
	var finished sql.NullTime
	if err := row.Scan(&run.ID, &run.State, &run.StartedAt, &finished); err != nil {
		return nil, fmt.Errorf("get run %s: %w", id, err)
	}
	if finished.Valid {
		run.FinishedAt = &finished.Time
	}
	return &run, nil
}

// ListRuns returns runs newest first.
func (s *SQLiteStore) ListRuns(ctx context.Context) ([]Run, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, state, started_at, finished_at FROM runs ORDER BY started_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var run Run
		var finished sql.NullTime
		if err := rows.Scan(&run.ID, &run.State, &run.StartedAt, &finished); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		if finished.Valid {
			run.FinishedAt = &finished.Time
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// AppendEvent persists one lifecycle event.
func (s *SQLiteStore) AppendEvent(ctx context.Context, ev engine.Event) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events (id, run_id, type, host_id, service, message, exit_code, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.DeploymentID, string(ev.Type), ev.HostID, ev.Service, ev.Message, ev.ExitCode, ev.Timestamp.UTC())
	if err != nil {
		return fmt.Errorf("append event %s: %w", ev.ID, err)
	}
	return nil
}

// ListEvents returns a run's events oldest first.
func (s *SQLiteStore) ListEvents(ctx context.Context, runID string) ([]engine.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, type, host_id, service, message, exit_code, created_at
		 FROM events WHERE run_id = ? ORDER BY created_at, id`, runID)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var events []engine.Event
	for rows.Next() {
		ev := engine.Event{DeploymentID: runID}
		var typ string
		if err := rows.Scan(&ev.ID, &typ, &ev.HostID, &ev.Service, &ev.Message, &ev.ExitCode, &ev.Timestamp); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.Type = engine.EventType(typ)
		events = append(events, ev)
	}
	return events, rows.Err()
}

// Record subscribes to the deployment's event bus and journals everything it
// publishes until the context ends. It blocks; run it in its own goroutine.
func (s *SQLiteStore) Record(ctx context.Context, d *engine.Deployment) error {
	if err := s.StartRun(ctx, d.ID()); err != nil {
		return err
	}

	// Cancelling the context ends the subscription, but events already
	// published are still drained from it; their writes must not be cut
	// short by the same cancellation.
	writeCtx := context.WithoutCancel(ctx)
	for ev := range d.Events().Subscribe(ctx) {
		if err := s.AppendEvent(writeCtx, ev); err != nil {
			log.Warn().Err(err).Str("event", string(ev.Type)).Msg("failed to journal event")
			continue
		}
		if ev.Type == engine.EventStateChanged {
			if err := s.SetRunState(writeCtx, d.ID(), d.State()); err != nil {
				log.Warn().Err(err).Msg("failed to journal run state")
			}
		}
	}
	return nil
}
