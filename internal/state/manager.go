// Package state persists the history of sync runs in SQLite.
package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// DBFileName is the history database inside the data directory
const DBFileName = "sftpsync.db"

// RunStatus is the outcome of one run
type RunStatus string

const (
	StatusSuccess   RunStatus = "success"
	StatusFailed    RunStatus = "failed"
	StatusCancelled RunStatus = "cancelled"
)

// IsValid checks if the status is a known value
func (s RunStatus) IsValid() bool {
	return s == StatusSuccess || s == StatusFailed || s == StatusCancelled
}

// RunRecord is one sync run of one server
type RunRecord struct {
	ID         int64
	Server     string
	Direction  string
	StartTime  time.Time
	EndTime    time.Time
	Status     RunStatus
	Downloaded int
	Uploaded   int
	Deleted    int
	Failed     int
	Bytes      int64
	Error      string
}

// Duration returns how long the run took
func (r RunRecord) Duration() time.Duration {
	return r.EndTime.Sub(r.StartTime)
}

// Manager handles run history persistence
type Manager struct {
	db *sql.DB
}

// NewManager opens (or creates) the history database in dataDir
func NewManager(dataDir string) (*Manager, error) {
	if dataDir == "" {
		return nil, fmt.Errorf("data directory cannot be empty")
	}

	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	db, err := sql.Open("sqlite3", filepath.Join(dataDir, DBFileName))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// one writer at a time avoids "database is locked"
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode and busy timeout: %w", err)
	}

	m := &Manager{db: db}
	if err := m.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return m, nil
}

func (m *Manager) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		server TEXT NOT NULL,
		direction TEXT NOT NULL,
		start_time TIMESTAMP NOT NULL,
		end_time TIMESTAMP NOT NULL,
		status TEXT NOT NULL,
		downloaded INTEGER DEFAULT 0,
		uploaded INTEGER DEFAULT 0,
		deleted INTEGER DEFAULT 0,
		failed INTEGER DEFAULT 0,
		bytes INTEGER DEFAULT 0,
		error TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_runs_server_time ON runs(server, start_time DESC);
	`

	_, err := m.db.Exec(schema)
	return err
}

// SaveRun records a finished run and returns its id
func (m *Manager) SaveRun(ctx context.Context, record RunRecord) (int64, error) {
	if !record.Status.IsValid() {
		return 0, fmt.Errorf("invalid status: %q", record.Status)
	}
	if record.Server == "" {
		return 0, fmt.Errorf("run record has no server")
	}

	res, err := m.db.ExecContext(ctx, `
		INSERT INTO runs (server, direction, start_time, end_time, status,
			downloaded, uploaded, deleted, failed, bytes, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.Server, record.Direction, record.StartTime.UTC(), record.EndTime.UTC(), string(record.Status),
		record.Downloaded, record.Uploaded, record.Deleted, record.Failed, record.Bytes, record.Error,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to save run record: %w", err)
	}
	return res.LastInsertId()
}

const selectRuns = `
	SELECT id, server, direction, start_time, end_time, status,
		downloaded, uploaded, deleted, failed, bytes, error
	FROM runs`

// History returns the most recent runs, newest first. An empty server
// returns runs of every server.
func (m *Manager) History(ctx context.Context, server string, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be positive, got %d", limit)
	}

	var rows *sql.Rows
	var err error
	if server == "" {
		rows, err = m.db.QueryContext(ctx, selectRuns+` ORDER BY start_time DESC, id DESC LIMIT ?`, limit)
	} else {
		rows, err = m.db.QueryContext(ctx, selectRuns+` WHERE server = ? ORDER BY start_time DESC, id DESC LIMIT ?`, server, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var records []RunRecord
	for rows.Next() {
		record, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating records: %w", err)
	}
	return records, nil
}

// LastSuccess returns the newest successful run of server, or nil
func (m *Manager) LastSuccess(ctx context.Context, server string) (*RunRecord, error) {
	row := m.db.QueryRowContext(ctx,
		selectRuns+` WHERE server = ? AND status = ? ORDER BY start_time DESC, id DESC LIMIT 1`,
		server, string(StatusSuccess))

	record, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &record, nil
}

// Prune deletes runs that started before cutoff and returns how many went
func (m *Manager) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := m.db.ExecContext(ctx, `DELETE FROM runs WHERE start_time < ?`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to prune history: %w", err)
	}
	return res.RowsAffected()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(s scanner) (RunRecord, error) {
	var r RunRecord
	var status string
	err := s.Scan(&r.ID, &r.Server, &r.Direction, &r.StartTime, &r.EndTime, &status,
		&r.Downloaded, &r.Uploaded, &r.Deleted, &r.Failed, &r.Bytes, &r.Error)
	if errors.Is(err, sql.ErrNoRows) {
		return r, err
	}
	if err != nil {
		return r, fmt.Errorf("failed to scan record: %w", err)
	}
	r.Status = RunStatus(status)
	return r, nil
}

// Close closes the database connection
func (m *Manager) Close() error {
	if m.db != nil {
		return m.db.Close()
	}
	return nil
}
