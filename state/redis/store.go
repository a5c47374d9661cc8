package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/PipeOpsHQ/airgen-go/state"
)

const (
	defaultTTL    = 72 * time.Hour
	defaultLimit  = 50
	defaultPrefix = "airgen"
)

// Store keeps run records in Redis with a TTL and indexes them by creation time.
// Connection records do not expire.
type Store struct {
	client   *goredis.Client
	ttl      time.Duration
	prefix   string
	addr     string
	db       int
	password string
}

type Option func(*Store)

func WithPassword(password string) Option {
	return func(s *Store) {
		s.password = password
	}
}

func WithDB(db int) Option {
	return func(s *Store) {
		s.db = db
	}
}

func WithTTL(ttl time.Duration) Option {
	return func(s *Store) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

func WithPrefix(prefix string) Option {
	return func(s *Store) {
		if strings.TrimSpace(prefix) != "" {
			s.prefix = strings.TrimSpace(prefix)
		}
	}
}

func WithClient(client *goredis.Client) Option {
	return func(s *Store) {
		if client != nil {
			s.client = client
		}
	}
}

func New(addr string, opts ...Option) (*Store, error) {
	if strings.TrimSpace(addr) == "" {
		return nil, fmt.Errorf("redis addr is required")
	}

	s := &Store{
		ttl:    defaultTTL,
		prefix: defaultPrefix,
		addr:   addr,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.client == nil {
		s.client = goredis.NewClient(&goredis.Options{
			Addr:     s.addr,
			Password: s.password,
			DB:       s.db,
		})
	}

	if err := s.client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return s, nil
}

func (s *Store) SaveRun(ctx context.Context, run state.RunRecord) error {
	if run.RunID == "" {
		return fmt.Errorf("run_id is required")
	}
	now := time.Now().UTC()
	if run.UpdatedAt == nil {
		run.UpdatedAt = &now
	}
	if run.CreatedAt == nil {
		run.CreatedAt = &now
	}
	if run.Status == "" {
		run.Status = state.RunStatusRunning
	}

	runRaw, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("failed to marshal run: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.runKey(run.RunID), string(runRaw), s.ttl)
	pipe.ZAdd(ctx, s.runIndexKey(), goredis.Z{
		Score:  float64(run.CreatedAt.UnixNano()),
		Member: run.RunID,
	})
	pipe.Expire(ctx, s.runIndexKey(), s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save run in redis: %w", err)
	}
	return nil
}

func (s *Store) LoadRun(ctx context.Context, runID string) (state.RunRecord, error) {
	if runID == "" {
		return state.RunRecord{}, fmt.Errorf("run_id is required")
	}

	raw, err := s.client.Get(ctx, s.runKey(runID)).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return state.RunRecord{}, state.ErrNotFound
		}
		return state.RunRecord{}, fmt.Errorf("failed to load run from redis: %w", err)
	}

	var run state.RunRecord
	if err := json.Unmarshal([]byte(raw), &run); err != nil {
		return state.RunRecord{}, fmt.Errorf("failed to decode run from redis: %w", err)
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

	// A status filter is applied after loading, so page through the index
	// until enough matching runs are found.
	out := make([]state.RunRecord, 0, limit)
	skipped := 0
	start := int64(0)
	for len(out) < limit {
		ids, err := s.client.ZRevRange(ctx, s.runIndexKey(), start, start+int64(limit)-1).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to list run ids: %w", err)
		}
		if len(ids) == 0 {
			break
		}
		start += int64(len(ids))

		keys := make([]string, len(ids))
		for i, id := range ids {
			keys[i] = s.runKey(id)
		}
		loaded, err := s.client.MGet(ctx, keys...).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to mget runs from redis: %w", err)
		}

		var stale []any
		for i, raw := range loaded {
			str, ok := raw.(string)
			if !ok {
				stale = append(stale, ids[i])
				continue
			}
			var run state.RunRecord
			if err := json.Unmarshal([]byte(str), &run); err != nil {
				continue
			}
			if query.Status != "" && run.Status != query.Status {
				continue
			}
			if skipped < offset {
				skipped++
				continue
			}
			out = append(out, run)
			if len(out) >= limit {
				break
			}
		}
		if len(stale) > 0 {
			// Expired runs leave their ids behind in the index.
			if err := s.client.ZRem(ctx, s.runIndexKey(), stale...).Err(); err == nil {
				start -= int64(len(stale))
			}
		}
	}
	return out, nil
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
	if err := s.client.Set(ctx, s.connectionKey(key), string(raw), 0).Err(); err != nil {
		return fmt.Errorf("failed to save connection in redis: %w", err)
	}
	return nil
}

func (s *Store) LoadConnection(ctx context.Context, key string) (state.ConnectionRecord, error) {
	raw, err := s.client.Get(ctx, s.connectionKey(key)).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return state.ConnectionRecord{}, state.ErrNotFound
		}
		return state.ConnectionRecord{}, fmt.Errorf("failed to load connection from redis: %w", err)
	}
	var conn state.ConnectionRecord
	if err := json.Unmarshal([]byte(raw), &conn); err != nil {
		return state.ConnectionRecord{}, fmt.Errorf("failed to decode connection: %w", err)
	}
	return conn, nil
}

func (s *Store) DeleteConnection(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.connectionKey(key)).Err(); err != nil {
		return fmt.Errorf("failed to delete connection from redis: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	if s.client == nil {
		return nil
	}
	return s.client.Close()
}

func (s *Store) runKey(runID string) string {
	return fmt.Sprintf("%s:run:%s", s.prefix, runID)
}

func (s *Store) runIndexKey() string {
	return fmt.Sprintf("%s:runidx", s.prefix)
}

func (s *Store) connectionKey(key string) string {
	return fmt.Sprintf("%s:conn:%s", s.prefix, key)
}
