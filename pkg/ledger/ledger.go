// Package ledger records coordinator runs in a SQL database: one row per
// run, per registered worker and per task outcome. It is write-mostly and
// never read back by the coordinator itself; the job state is not resumed
// after a restart.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Config selects the database. An empty Driver disables the ledger.
type Config struct {
	Driver string `yaml:"driver" json:"driver"`
	DSN    string `yaml:"dsn" json:"dsn"`
}

// Enabled reports whether a driver is configured.
func (c Config) Enabled() bool { return c.Driver != "" }

var schema = []string{
	`CREATE TABLE IF NOT EXISTS ekc_runs (
		id          VARCHAR(64) PRIMARY KEY,
		fingerprint VARCHAR(64) NOT NULL,
		total       INTEGER NOT NULL,
		completed   INTEGER NOT NULL DEFAULT 0,
		failed      INTEGER NOT NULL DEFAULT 0,
		started_at  TIMESTAMP NOT NULL,
		finished_at TIMESTAMP NULL
	)`,
	`CREATE TABLE IF NOT EXISTS ekc_workers (
		run_id        VARCHAR(64) NOT NULL,
		worker_id     VARCHAR(255) NOT NULL,
		registered_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS ekc_tasks (
		run_id      VARCHAR(64) NOT NULL,
		idx         INTEGER NOT NULL,
		input       TEXT NOT NULL,
		worker_id   VARCHAR(255) NOT NULL,
		outcome     VARCHAR(16) NOT NULL,
		output      TEXT NOT NULL,
		reason      VARCHAR(32) NOT NULL,
		error       TEXT NOT NULL,
		elapsed_ms  BIGINT NOT NULL,
		recorded_at TIMESTAMP NOT NULL
	)`,
}

// Task outcomes.
const (
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
)

// RunRecord is a row of ekc_runs.
type RunRecord struct {
	ID          string
	Fingerprint string
	Total       int
	Completed   int
	Failed      int
	StartedAt   time.Time
	FinishedAt  *time.Time
}

// TaskRecord is a row of ekc_tasks.
type TaskRecord struct {
	Index      int
	Input      string
	WorkerID   string
	Outcome    string
	Output     string
	Reason     string
	Error      string
	Elapsed    time.Duration
	RecordedAt time.Time
}

// ErrRunNotFound is returned by Run for an unknown run id.
var ErrRunNotFound = errors.New("ledger: run not found")

// Ledger writes run history.
type Ledger struct {
	pool *Pool
}

// Open connects and creates the tables if needed.
func Open(ctx context.Context, cfg Config) (*Ledger, error) {
	pool, err := NewPool(DefaultPoolConfig(cfg.DSN, cfg.Driver))
	if err != nil {
		return nil, fmt.Errorf("ledger: %w", err)
	}
	l := &Ledger{pool: pool}
	if err := l.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return l, nil
}

func (l *Ledger) migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := l.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ledger: migrate: %w", err)
		}
	}
	return nil
}

// Close closes the pool.
func (l *Ledger) Close() error { return l.pool.Close() }

// StartRun inserts the run row.
func (l *Ledger) StartRun(ctx context.Context, id, fingerprint string, total int, at time.Time) error {
	_, err := l.pool.Exec(ctx,
		`INSERT INTO ekc_runs (id, fingerprint, total, started_at) VALUES (?, ?, ?, ?)`,
		id, fingerprint, total, at.UTC())
	if err != nil {
		return fmt.Errorf("ledger: start run %s: %w", id, err)
	}
	return nil
}

// RecordWorker notes a worker registration.
func (l *Ledger) RecordWorker(ctx context.Context, runID, workerID string, at time.Time) error {
	_, err := l.pool.Exec(ctx,
		`INSERT INTO ekc_workers (run_id, worker_id, registered_at) VALUES (?, ?, ?)`,
		runID, workerID, at.UTC())
	if err != nil {
		return fmt.Errorf("ledger: record worker %s: %w", workerID, err)
	}
	return nil
}

// RecordTask inserts a task outcome and bumps the run counters.
func (l *Ledger) RecordTask(ctx context.Context, runID string, t TaskRecord) error {
	counter := "completed"
	if t.Outcome == OutcomeFailed {
		counter = "failed"
	}

	tx, err := l.pool.DB().BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("ledger: record task %d: %w", t.Index, err)
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.ExecContext(ctx, l.pool.rebind(
		`INSERT INTO ekc_tasks (run_id, idx, input, worker_id, outcome, output, reason, error, elapsed_ms, recorded_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		runID, t.Index, t.Input, t.WorkerID, t.Outcome, t.Output, t.Reason, t.Error,
		t.Elapsed.Milliseconds(), t.RecordedAt.UTC())
	if err != nil {
		return fmt.Errorf("ledger: record task %d: %w", t.Index, err)
	}
	_, err = tx.ExecContext(ctx, l.pool.rebind(
		`UPDATE ekc_runs SET `+counter+` = `+counter+` + 1 WHERE id = ?`), runID)
	if err != nil {
		return fmt.Errorf("ledger: record task %d: %w", t.Index, err)
	}
	return tx.Commit()
}

// FinishRun stamps the run as finished.
func (l *Ledger) FinishRun(ctx context.Context, runID string, at time.Time) error {
	_, err := l.pool.Exec(ctx, `UPDATE ekc_runs SET finished_at = ? WHERE id = ?`, at.UTC(), runID)
	if err != nil {
		return fmt.Errorf("ledger: finish run %s: %w", runID, err)
	}
	return nil
}

// Run loads a run row.
func (l *Ledger) Run(ctx context.Context, id string) (RunRecord, error) {
	var (
		r        RunRecord
		finished sql.NullTime
	)
	err := l.pool.QueryRow(ctx,
		`SELECT id, fingerprint, total, completed, failed, started_at, finished_at FROM ekc_runs WHERE id = ?`, id).
		Scan(&r.ID, &r.Fingerprint, &r.Total, &r.Completed, &r.Failed, &r.StartedAt, &finished)
	if errors.Is(err, sql.ErrNoRows) {
		return RunRecord{}, ErrRunNotFound
	}
	if err != nil {
		return RunRecord{}, fmt.Errorf("ledger: load run %s: %w", id, err)
	}
	if finished.Valid {
		r.FinishedAt = &finished.Time
	}
	return r, nil
}

// Tasks lists the task rows of a run ordered by input index.
func (l *Ledger) Tasks(ctx context.Context, runID string) ([]TaskRecord, error) {
	rows, err := l.pool.Query(ctx,
		`SELECT idx, input, worker_id, outcome, output, reason, error, elapsed_ms, recorded_at
		 FROM ekc_tasks WHERE run_id = ? ORDER BY idx`, runID)
	if err != nil {
		return nil, fmt.Errorf("ledger: list tasks: %w", err)
	}
	defer rows.Close()

	var out []TaskRecord
	for rows.Next() {
		var (
			t  TaskRecord
			ms int64
		)
		if err := rows.Scan(&t.Index, &t.Input, &t.WorkerID, &t.Outcome, &t.Output, &t.Reason, &t.Error, &ms, &t.RecordedAt); err != nil {
			return nil, fmt.Errorf("ledger: scan task: %w", err)
		}
		t.Elapsed = time.Duration(ms) * time.Millisecond
		out = append(out, t)
	}
	return out, rows.Err()
}

// Workers lists the worker identities registered during a run.
func (l *Ledger) Workers(ctx context.Context, runID string) ([]string, error) {
	rows, err := l.pool.Query(ctx,
		`SELECT worker_id FROM ekc_workers WHERE run_id = ? ORDER BY registered_at, worker_id`, runID)
	if err != nil {
		return nil, fmt.Errorf("ledger: list workers: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("ledger: scan worker: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
