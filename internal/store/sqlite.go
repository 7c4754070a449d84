package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/seantiz/infergate/internal/model"

	_ "modernc.org/sqlite"
)

const createResultsTable = `
CREATE TABLE IF NOT EXISTS results (
    id          TEXT PRIMARY KEY,
    status      TEXT NOT NULL,
    predictions BLOB,
    error       TEXT NOT NULL DEFAULT '',
    attempts    INTEGER NOT NULL DEFAULT 0,
    created_at  DATETIME NOT NULL,
    finished_at DATETIME
)`

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite. Results do not outlive the
// process: the table is emptied when the store is opened.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath, runs migrations and
// clears any results left by a previous run.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// A single connection keeps ":memory:" databases coherent and serializes writers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	if _, err := db.Exec(createResultsTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("create results table: %w", err)
	}

	if _, err := db.Exec("DELETE FROM results"); err != nil {
		db.Close()
		return nil, fmt.Errorf("clear results: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateResult inserts a new result record.
func (s *SQLiteStore) CreateResult(ctx context.Context, r *model.Result) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO results (id, status, predictions, error, attempts, created_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		r.ID, r.Status, []byte(r.Predictions), r.Error, r.Attempts, r.CreatedAt, r.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("insert result: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("create result %s: %w", r.ID, ErrAlreadyExists)
	}
	return nil
}

// GetResult retrieves a result by id.
func (s *SQLiteStore) GetResult(ctx context.Context, id string) (*model.Result, error) {
	r := &model.Result{}
	var preds []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT id, status, predictions, error, attempts, created_at, finished_at
		FROM results WHERE id = ?`, id,
	).Scan(&r.ID, &r.Status, &preds, &r.Error, &r.Attempts, &r.CreatedAt, &r.FinishedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get result: %w", err)
	}
	if len(preds) > 0 {
		r.Predictions = preds
	}
	return r, nil
}

// FinishResult writes the terminal outcome with an UPDATE guarded on the
// pending status, so of two concurrent finishes only one can match the row.
func (s *SQLiteStore) FinishResult(ctx context.Context, r *model.Result) error {
	if !model.ValidTransition(model.StatusPending, r.Status) {
		return fmt.Errorf("%s -> %s: %w", model.StatusPending, r.Status, ErrInvalidTransition)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE results SET status = ?, predictions = ?, error = ?, attempts = ?, finished_at = ?
		WHERE id = ? AND status = ?`,
		r.Status, []byte(r.Predictions), r.Error, r.Attempts, r.FinishedAt, r.ID, model.StatusPending,
	)
	if err != nil {
		return fmt.Errorf("update result: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 1 {
		return nil
	}

	var current string
	err = s.db.QueryRowContext(ctx, "SELECT status FROM results WHERE id = ?", r.ID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get current status: %w", err)
	}
	return fmt.Errorf("%s -> %s: %w", current, r.Status, ErrInvalidTransition)
}

// DeleteResult removes the result for id.
func (s *SQLiteStore) DeleteResult(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM results WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete result: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetResultStats returns result counts grouped by status.
func (s *SQLiteStore) GetResultStats(ctx context.Context) (*ResultStats, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT status, COUNT(*) FROM results GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	defer rows.Close()

	stats := &ResultStats{CountByStatus: make(map[string]int)}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		stats.CountByStatus[status] = count
		stats.Total += count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate status counts: %w", err)
	}

	return stats, nil
}
