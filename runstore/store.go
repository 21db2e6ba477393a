// Package runstore persists training runs and their per-epoch metrics in SQLite
// so finished runs can be listed and scored after the fact.
package runstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/tsawler/go-fitmonitor/training"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	run_id      TEXT PRIMARY KEY,
	name        TEXT NOT NULL,
	status      TEXT NOT NULL,
	params_json TEXT NOT NULL,
	started_at  TEXT NOT NULL,
	finished_at TEXT,
	epochs_run  INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS epochs (
	run_id       TEXT NOT NULL,
	epoch        INTEGER NOT NULL,
	loss         REAL NOT NULL,
	accuracy     REAL NOT NULL,
	val_loss     REAL,
	val_accuracy REAL,
	recorded_at  TEXT NOT NULL,
	PRIMARY KEY (run_id, epoch),
	FOREIGN KEY (run_id) REFERENCES runs(run_id)
);

CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at);
`

// Run statuses
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusStopped   = "stopped"
	StatusFailed    = "failed"
)

// ErrRunNotFound is returned when a run ID is unknown
var ErrRunNotFound = errors.New("run not found")

// Run is one stored training run
type Run struct {
	ID         string
	Name       string
	Status     string
	Params     training.RunParams
	StartedAt  time.Time
	FinishedAt time.Time // zero while running
	EpochsRun  int
}

// Store manages runs in SQLite
type Store struct {
	db  *sql.DB
	mu  sync.RWMutex
	now func() time.Time
}

// Open opens a SQLite database and runs migrations.
// Use ":memory:" for an in-memory database.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// One connection keeps ":memory:" databases shared and serializes writers
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pragma: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pragma fk: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateRun starts a new run and returns it
func (s *Store) CreateRun(ctx context.Context, name string, params training.RunParams) (Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return Run{}, fmt.Errorf("marshal params: %w", err)
	}

	run := Run{
		ID:        uuid.New().String(),
		Name:      name,
		Status:    StatusRunning,
		Params:    params,
		StartedAt: s.now().UTC(),
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (run_id, name, status, params_json, started_at) VALUES (?, ?, ?, ?, ?)`,
		run.ID, run.Name, run.Status, string(paramsJSON), run.StartedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return Run{}, fmt.Errorf("insert run: %w", err)
	}
	return run, nil
}

// AppendEpoch stores the metrics of one epoch
func (s *Store) AppendEpoch(ctx context.Context, runID string, epoch int, m training.EpochMetrics) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var valLoss, valAcc sql.NullFloat64
	if m.HasValidation {
		valLoss = sql.NullFloat64{Float64: m.ValLoss, Valid: true}
		valAcc = sql.NullFloat64{Float64: m.ValAccuracy, Valid: true}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	_, err = tx.ExecContext(ctx,
		`INSERT INTO epochs (run_id, epoch, loss, accuracy, val_loss, val_accuracy, recorded_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		runID, epoch, m.Loss, m.Accuracy, valLoss, valAcc, s.now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert epoch %d: %w", epoch, err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE runs SET epochs_run = ? WHERE run_id = ?`, epoch+1, runID); err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	return tx.Commit()
}

// FinishRun marks a run as finished with the given status
func (s *Store) FinishRun(ctx context.Context, runID, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, finished_at = ? WHERE run_id = ?`,
		status, s.now().UTC().Format(time.RFC3339Nano), runID,
	)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("finish run %s: %w", runID, ErrRunNotFound)
	}
	return nil
}

// GetRun loads a run by ID
func (s *Store) GetRun(ctx context.Context, runID string) (Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx,
		`SELECT run_id, name, status, params_json, started_at, finished_at, epochs_run FROM runs WHERE run_id = ?`,
		runID)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, fmt.Errorf("run %s: %w", runID, ErrRunNotFound)
	}
	return run, err
}

// LatestRun returns the most recently started run
func (s *Store) LatestRun(ctx context.Context) (Run, error) {
	runs, err := s.ListRuns(ctx, 1)
	if err != nil {
		return Run{}, err
	}
	if len(runs) == 0 {
		return Run{}, ErrRunNotFound
	}
	return runs[0], nil
}

// ListRuns returns up to limit runs, newest first. limit <= 0 returns all runs.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, name, status, params_json, started_at, finished_at, epochs_run
		 FROM runs ORDER BY started_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return runs, nil
}

// LoadHistory rebuilds the metric history of a run
func (s *Store) LoadHistory(ctx context.Context, runID string) (training.HistorySnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT epoch, loss, accuracy, val_loss, val_accuracy FROM epochs WHERE run_id = ? ORDER BY epoch`,
		runID)
	if err != nil {
		return training.HistorySnapshot{}, fmt.Errorf("query epochs: %w", err)
	}
	defer rows.Close()

	history := training.NewMetricHistory()
	for rows.Next() {
		var (
			epoch           int
			m               training.EpochMetrics
			valLoss, valAcc sql.NullFloat64
		)
		if err := rows.Scan(&epoch, &m.Loss, &m.Accuracy, &valLoss, &valAcc); err != nil {
			return training.HistorySnapshot{}, fmt.Errorf("scan epoch: %w", err)
		}
		if valLoss.Valid && valAcc.Valid {
			m.ValLoss, m.ValAccuracy, m.HasValidation = valLoss.Float64, valAcc.Float64, true
		}
		if err := history.Record(m); err != nil {
			return training.HistorySnapshot{}, fmt.Errorf("epoch %d: %w", epoch, err)
		}
	}
	if err := rows.Err(); err != nil {
		return training.HistorySnapshot{}, fmt.Errorf("iterate epochs: %w", err)
	}
	return history.Snapshot(), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (Run, error) {
	var (
		run        Run
		paramsJSON string
		startedAt  string
		finishedAt sql.NullString
	)
	if err := row.Scan(&run.ID, &run.Name, &run.Status, &paramsJSON, &startedAt, &finishedAt, &run.EpochsRun); err != nil {
		return Run{}, err
	}
	if err := json.Unmarshal([]byte(paramsJSON), &run.Params); err != nil {
		return Run{}, fmt.Errorf("unmarshal params: %w", err)
	}
	var err error
	if run.StartedAt, err = time.Parse(time.RFC3339Nano, startedAt); err != nil {
		return Run{}, fmt.Errorf("parse started_at: %w", err)
	}
	if finishedAt.Valid {
		if run.FinishedAt, err = time.Parse(time.RFC3339Nano, finishedAt.String); err != nil {
			return Run{}, fmt.Errorf("parse finished_at: %w", err)
		}
	}
	return run, nil
}
