package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/PipeOpsHQ/airgen-go/state"
)

// Store is a process-local state.Store. Records are deep-copied on the way in
// and out so callers never share slices with the store.
type Store struct {
	mu    sync.Mutex
	runs  map[string]state.RunRecord
	conns map[string]state.ConnectionRecord
}

func New() *Store {
	return &Store{
		runs:  map[string]state.RunRecord{},
		conns: map[string]state.ConnectionRecord{},
	}
}

func (s *Store) SaveRun(_ context.Context, run state.RunRecord) error {
	if run.RunID == "" {
		return fmt.Errorf("run_id is required")
	}
	cp, err := copyRun(run)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	if cp.CreatedAt == nil {
		cp.CreatedAt = &now
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.runs[cp.RunID]; ok && prev.CreatedAt != nil {
		cp.CreatedAt = prev.CreatedAt
	}
	s.runs[cp.RunID] = cp
	return nil
}

func (s *Store) LoadRun(_ context.Context, runID string) (state.RunRecord, error) {
	s.mu.Lock()
	run, ok := s.runs[runID]
	s.mu.Unlock()
	if !ok {
		return state.RunRecord{}, state.ErrNotFound
	}
	return copyRun(run)
}

func (s *Store) ListRuns(_ context.Context, query state.ListRunsQuery) ([]state.RunRecord, error) {
	s.mu.Lock()
	all := make([]state.RunRecord, 0, len(s.runs))
	for _, run := range s.runs {
		if query.Status != "" && run.Status != query.Status {
			continue
		}
		all = append(all, run)
	}
	s.mu.Unlock()

	sort.Slice(all, func(i, j int) bool {
		return all[i].CreatedAt.After(*all[j].CreatedAt)
	})
	if query.Offset > 0 {
		if query.Offset >= len(all) {
			return []state.RunRecord{}, nil
		}
		all = all[query.Offset:]
	}
	if query.Limit > 0 && len(all) > query.Limit {
		all = all[:query.Limit]
	}
	out := make([]state.RunRecord, 0, len(all))
	for _, run := range all {
		cp, err := copyRun(run)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, nil
}

func (s *Store) SaveConnection(_ context.Context, key string, conn state.ConnectionRecord) error {
	if key == "" {
		return fmt.Errorf("connection key is required")
	}
	if conn.UpdatedAt.IsZero() {
		conn.UpdatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conns[key] = conn
	return nil
}

func (s *Store) LoadConnection(_ context.Context, key string) (state.ConnectionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conn, ok := s.conns[key]
	if !ok {
		return state.ConnectionRecord{}, state.ErrNotFound
	}
	return conn, nil
}

func (s *Store) DeleteConnection(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, key)
	return nil
}

func (s *Store) Close() error { return nil }

func copyRun(run state.RunRecord) (state.RunRecord, error) {
	raw, err := json.Marshal(run)
	if err != nil {
		return state.RunRecord{}, fmt.Errorf("failed to copy run: %w", err)
	}
	var out state.RunRecord
	if err := json.Unmarshal(raw, &out); err != nil {
		return state.RunRecord{}, fmt.Errorf("failed to copy run: %w", err)
	}
	return out, nil
}
