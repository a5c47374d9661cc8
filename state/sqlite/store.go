package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/PipeOpsHQ/airgen-go/state"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS runs (
  run_id       TEXT PRIMARY KEY,
  provider     TEXT NOT NULL,
  status       TEXT NOT NULL,
  config       TEXT NOT NULL,
  total        INTEGER NOT NULL DEFAULT 0,
  completed    INTEGER NOT NULL DEFAULT 0,
  failed       INTEGER NOT NULL DEFAULT 0,
  committed    INTEGER NOT NULL DEFAULT 0,
  pending      TEXT NOT NULL,
  logs         TEXT NOT NULL,
  created_at   TEXT NOT NULL,
  updated_at   TEXT NOT NULL,
  completed_at TEXT
);

CREATE INDEX IF NOT EXISTS idx_runs_created_at ON runs(created_at DESC);
CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);

CREATE TABLE IF NOT EXISTS connections (
  key        TEXT PRIMARY KEY,
  value      TEXT NOT NULL,
  updated_at TEXT NOT NULL
);
`

const (
	defaultBusyTimeout = 5 * time.Second
	defaultLimit       = 50
	// Fixed-width so created_at orders correctly as text.
	timeLayout         = "2006-01-02T15:04:05.000000000Z07:00"
)

type Store struct {
	db          *sql.DB
	busyTimeout time.Duration
	enableWAL   bool
	maxOpenConn int
}

type Option func(*Store)

func WithBusyTimeout(timeout time.Duration) Option {
	return func(s *Store) {
		if timeout >= 0 {
			s.busyTimeout = timeout
		}
	}
}

func WithWAL(enabled bool) Option {
	return func(s *Store) {
		s.enableWAL = enabled
	}
}

func WithMaxOpenConns(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxOpenConn = n
		}
	}
}

func New(path string, opts ...Option) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}

	s := &Store{
		busyTimeout: defaultBusyTimeout,
		enableWAL:   true,
		maxOpenConn: 1,
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create sqlite directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite db: %w", err)
	}
	db.SetMaxOpenConns(s.maxOpenConn)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s.db = db
	if err := s.initialize(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initialize(ctx context.Context) error {
	if s.busyTimeout > 0 {
		ms := int(s.busyTimeout / time.Millisecond)
		if _, err := s.db.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout=%d;", ms)); err != nil {
			return fmt.Errorf("failed to set busy_timeout: %w", err)
		}
	}
	if s.enableWAL {
		if _, err := s.db.ExecContext(ctx, "PRAGMA journal_mode=WAL;"); err != nil {
			return fmt.Errorf("failed to enable wal: %w", err)
		}
	}
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

func (s *Store) SaveRun(ctx context.Context, run state.RunRecord) error {
	if strings.TrimSpace(run.RunID) == "" {
		return fmt.Errorf("run_id is required")
	}
	now := time.Now().UTC()
	if run.CreatedAt == nil {
		run.CreatedAt = &now
	}
	if run.UpdatedAt == nil {
		run.UpdatedAt = &now
	}
	if run.Provider == "" {
		run.Provider = "unknown"
	}
	if run.Status == "" {
		run.Status = state.RunStatusRunning
	}

	configRaw, err := json.Marshal(run.Config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if run.Pending == nil {
		run.Pending = []state.PendingDraft{}
	}
	pendingRaw, err := json.Marshal(run.Pending)
	if err != nil {
		return fmt.Errorf("failed to marshal pending drafts: %w", err)
	}
	if run.Logs == nil {
		run.Logs = []state.LogRecord{}
	}
	logsRaw, err := json.Marshal(run.Logs)
	if err != nil {
		return fmt.Errorf("failed to marshal logs: %w", err)
	}

	const q = `
INSERT INTO runs (
  run_id, provider, status, config, total, completed, failed, committed, pending, logs, created_at, updated_at, completed_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(run_id) DO UPDATE SET
  provider=excluded.provider,
  status=excluded.status,
  config=excluded.config,
  total=excluded.total,
  completed=excluded.completed,
  failed=excluded.failed,
  committed=excluded.committed,
  pending=excluded.pending,
  logs=excluded.logs,
  updated_at=excluded.updated_at,
  completed_at=excluded.completed_at;
`
	_, err = s.db.ExecContext(
		ctx,
		q,
		run.RunID,
		run.Provider,
		run.Status,
		string(configRaw),
		run.Total,
		run.Completed,
		run.Failed,
		run.Committed,
		string(pendingRaw),
		string(logsRaw),
		toNullableTime(run.CreatedAt),
		toNullableTime(run.UpdatedAt),
		toNullableTime(run.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save run: %w", err)
	}
	return nil
}

const runColumns = `run_id, provider, status, config, total, completed, failed, committed, pending, logs, created_at, updated_at, completed_at`

func (s *Store) LoadRun(ctx context.Context, runID string) (state.RunRecord, error) {
	if strings.TrimSpace(runID) == "" {
		return state.RunRecord{}, fmt.Errorf("run_id is required")
	}
	row := s.db.QueryRowContext(ctx, "SELECT "+runColumns+" FROM runs WHERE run_id = ?;", runID)
	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return state.RunRecord{}, state.ErrNotFound
		}
		return state.RunRecord{}, fmt.Errorf("failed to load run: %w", err)
	}
	return run, nil
}

func (s *Store) ListRuns(ctx context.Context, query state.ListRunsQuery) ([]state.RunRecord, error) {
	limit := query.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	offset := query.Offset
	if offset < 0 {
		offset = 0
	}

	sqlText := "SELECT " + runColumns + " FROM runs"
	var args []any
	if query.Status != "" {
		sqlText += " WHERE status = ?"
		args = append(args, query.Status)
	}
	sqlText += " ORDER BY created_at DESC LIMIT ? OFFSET ?;"
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, sqlText, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := make([]state.RunRecord, 0, limit)
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run row: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate runs: %w", err)
	}
	return runs, nil
}

func (s *Store) SaveConnection(ctx context.Context, key string, conn state.ConnectionRecord) error {
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("connection key is required")
	}
	if conn.UpdatedAt.IsZero() {
		conn.UpdatedAt = time.Now().UTC()
	}
	raw, err := json.Marshal(conn)
	if err != nil {
		return fmt.Errorf("failed to marshal connection: %w", err)
	}
	const q = `
INSERT INTO connections (key, value, updated_at) VALUES (?, ?, ?)
ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at;
`
	if _, err := s.db.ExecContext(ctx, q, key, string(raw), conn.UpdatedAt.UTC().Format(timeLayout)); err != nil {
		return fmt.Errorf("failed to save connection: %w", err)
	}
	return nil
}

func (s *Store) LoadConnection(ctx context.Context, key string) (state.ConnectionRecord, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM connections WHERE key = ?;", key).Scan(&raw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return state.ConnectionRecord{}, state.ErrNotFound
		}
		return state.ConnectionRecord{}, fmt.Errorf("failed to load connection: %w", err)
	}
	var conn state.ConnectionRecord
	if err := json.Unmarshal([]byte(raw), &conn); err != nil {
		return state.ConnectionRecord{}, fmt.Errorf("failed to decode connection: %w", err)
	}
	return conn, nil
}

func (s *Store) DeleteConnection(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM connections WHERE key = ?;", key); err != nil {
		return fmt.Errorf("failed to delete connection: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (state.RunRecord, error) {
	var (
		run          state.RunRecord
		configRaw    string
		pendingRaw   string
		logsRaw      string
		createdRaw   string
		updatedRaw   string
		completedRaw sql.NullString
	)
	if err := row.Scan(
		&run.RunID,
		&run.Provider,
		&run.Status,
		&configRaw,
		&run.Total,
		&run.Completed,
		&run.Failed,
		&run.Committed,
		&pendingRaw,
		&logsRaw,
		&createdRaw,
		&updatedRaw,
		&completedRaw,
	); err != nil {
		return state.RunRecord{}, err
	}
	if err := json.Unmarshal([]byte(configRaw), &run.Config); err != nil {
		return state.RunRecord{}, fmt.Errorf("failed to decode run config: %w", err)
	}
	if err := json.Unmarshal([]byte(pendingRaw), &run.Pending); err != nil {
		return state.RunRecord{}, fmt.Errorf("failed to decode pending drafts: %w", err)
	}
	if err := json.Unmarshal([]byte(logsRaw), &run.Logs); err != nil {
		return state.RunRecord{}, fmt.Errorf("failed to decode run logs: %w", err)
	}
	created, err := parseRequiredTime(createdRaw)
	if err != nil {
		return state.RunRecord{}, fmt.Errorf("failed to parse run created_at: %w", err)
	}
	updated, err := parseRequiredTime(updatedRaw)
	if err != nil {
		return state.RunRecord{}, fmt.Errorf("failed to parse run updated_at: %w", err)
	}
	run.CreatedAt = &created
	run.UpdatedAt = &updated
	if completedRaw.Valid && strings.TrimSpace(completedRaw.String) != "" {
		completed, err := parseRequiredTime(completedRaw.String)
		if err != nil {
			return state.RunRecord{}, fmt.Errorf("failed to parse run completed_at: %w", err)
		}
		run.CompletedAt = &completed
	}
	return run, nil
}

func parseRequiredTime(raw string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

func toNullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(timeLayout)
}
