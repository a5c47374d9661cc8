package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/PipeOpsHQ/airgen-go/observe"
	observestore "github.com/PipeOpsHQ/airgen-go/observe/store"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS trace_events (
  event_id       TEXT PRIMARY KEY,
  run_id         TEXT NOT NULL DEFAULT '',
  record_id      TEXT NOT NULL DEFAULT '',
  span_id        TEXT NOT NULL DEFAULT '',
  parent_span_id TEXT NOT NULL DEFAULT '',
  kind           TEXT NOT NULL,
  status         TEXT NOT NULL DEFAULT '',
  name           TEXT NOT NULL DEFAULT '',
  provider       TEXT NOT NULL DEFAULT '',
  message        TEXT NOT NULL DEFAULT '',
  error          TEXT NOT NULL DEFAULT '',
  duration_ms    INTEGER NOT NULL DEFAULT 0,
  attributes     TEXT NOT NULL DEFAULT '{}',
  timestamp      TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_trace_events_run ON trace_events(run_id, timestamp);
CREATE INDEX IF NOT EXISTS idx_trace_events_record ON trace_events(record_id, timestamp);
CREATE INDEX IF NOT EXISTS idx_trace_events_kind ON trace_events(kind, status);
`

const (
	defaultLimit = 200
	timeLayout   = "2006-01-02T15:04:05.000000000Z07:00"
)

type Store struct {
	db *sql.DB
}

func New(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite trace path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create trace db dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open trace sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.ExecContext(context.Background(), "PRAGMA journal_mode=WAL;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable wal: %w", err)
	}
	if _, err := db.ExecContext(context.Background(), schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize trace schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) SaveEvent(ctx context.Context, event observe.Event) error {
	if s == nil || s.db == nil {
		return nil
	}
	event.Normalize()
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	attrs, err := json.Marshal(event.Attributes)
	if err != nil {
		return fmt.Errorf("failed to encode trace attributes: %w", err)
	}
	const q = `
INSERT INTO trace_events (
  event_id, run_id, record_id, span_id, parent_span_id, kind, status, name, provider,
  message, error, duration_ms, attributes, timestamp
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(event_id) DO NOTHING;
`
	_, err = s.db.ExecContext(
		ctx,
		q,
		event.ID,
		event.RunID,
		event.RecordID,
		event.SpanID,
		event.ParentSpanID,
		string(event.Kind),
		string(event.Status),
		event.Name,
		event.Provider,
		event.Message,
		event.Error,
		event.DurationMs,
		string(attrs),
		event.Timestamp.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("failed to save trace event: %w", err)
	}
	return nil
}

func (s *Store) ListEventsByRun(ctx context.Context, runID string, query observestore.ListQuery) ([]observe.Event, error) {
	if strings.TrimSpace(runID) == "" {
		return nil, fmt.Errorf("runID is required")
	}
	return s.list(ctx, "run_id = ?", runID, query)
}

func (s *Store) ListEventsByRecord(ctx context.Context, recordID string, query observestore.ListQuery) ([]observe.Event, error) {
	if strings.TrimSpace(recordID) == "" {
		return nil, fmt.Errorf("recordID is required")
	}
	return s.list(ctx, "record_id = ?", recordID, query)
}

func (s *Store) list(ctx context.Context, predicate string, value string, query observestore.ListQuery) ([]observe.Event, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	limit := query.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	offset := query.Offset
	if offset < 0 {
		offset = 0
	}

	q := fmt.Sprintf(`
SELECT event_id, run_id, record_id, span_id, parent_span_id, kind, status, name, provider,
       message, error, duration_ms, attributes, timestamp
FROM trace_events
WHERE %s
ORDER BY timestamp ASC, rowid ASC
LIMIT ? OFFSET ?;
`, predicate)

	rows, err := s.db.QueryContext(ctx, q, value, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list trace events: %w", err)
	}
	defer rows.Close()

	out := make([]observe.Event, 0, limit)
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate trace events: %w", err)
	}
	return out, nil
}

func scanEvent(scanner interface{ Scan(dest ...any) error }) (observe.Event, error) {
	var (
		e      observe.Event
		kind   string
		status string
		attrs  string
		tsRaw  string
	)
	if err := scanner.Scan(
		&e.ID,
		&e.RunID,
		&e.RecordID,
		&e.SpanID,
		&e.ParentSpanID,
		&kind,
		&status,
		&e.Name,
		&e.Provider,
		&e.Message,
		&e.Error,
		&e.DurationMs,
		&attrs,
		&tsRaw,
	); err != nil {
		return observe.Event{}, fmt.Errorf("failed to scan trace event: %w", err)
	}
	e.Kind = observe.Kind(kind)
	e.Status = observe.Status(status)
	if tsRaw != "" {
		ts, err := time.Parse(time.RFC3339Nano, tsRaw)
		if err == nil {
			e.Timestamp = ts
		}
	}
	if attrs != "" {
		_ = json.Unmarshal([]byte(attrs), &e.Attributes)
	}
	e.Normalize()
	return e, nil
}

func (s *Store) AggregateMetrics(ctx context.Context, query observestore.MetricsQuery) (observestore.MetricsSummary, error) {
	if s == nil || s.db == nil {
		return observestore.MetricsSummary{}, nil
	}
	where := "kind = ? AND status = ?"
	var since []any
	if query.Since != nil {
		where += " AND timestamp >= ?"
		since = append(since, query.Since.UTC().Format(timeLayout))
	}

	counter := func(kind observe.Kind, status observe.Status) (int64, error) {
		args := append([]any{string(kind), string(status)}, since...)
		var n int64
		if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM trace_events WHERE "+where, args...).Scan(&n); err != nil {
			return 0, err
		}
		return n, nil
	}

	metrics := observestore.MetricsSummary{}
	counts := []struct {
		dst    *int64
		kind   observe.Kind
		status observe.Status
		label  string
	}{
		{&metrics.RunsStarted, observe.KindRun, observe.StatusStarted, "runs started"},
		{&metrics.RunsCompleted, observe.KindRun, observe.StatusCompleted, "runs completed"},
		{&metrics.RunsFailed, observe.KindRun, observe.StatusFailed, "runs failed"},
		{&metrics.ProviderCalls, observe.KindProvider, observe.StatusCompleted, "provider calls"},
		{&metrics.ProviderFailures, observe.KindProvider, observe.StatusFailed, "provider failures"},
		{&metrics.Commits, observe.KindCommit, observe.StatusCompleted, "commits"},
		{&metrics.CommitFailures, observe.KindCommit, observe.StatusFailed, "commit failures"},
	}
	for _, c := range counts {
		n, err := counter(c.kind, c.status)
		if err != nil {
			return observestore.MetricsSummary{}, fmt.Errorf("metrics %s: %w", c.label, err)
		}
		*c.dst = n
	}

	var avg sql.NullFloat64
	args := append([]any{string(observe.KindProvider), string(observe.StatusCompleted)}, since...)
	if err := s.db.QueryRowContext(ctx, "SELECT AVG(duration_ms) FROM trace_events WHERE "+where, args...).Scan(&avg); err != nil {
		return observestore.MetricsSummary{}, fmt.Errorf("metrics provider latency: %w", err)
	}
	metrics.AvgProviderMs = avg.Float64
	return metrics, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

var _ observestore.Store = (*Store)(nil)
