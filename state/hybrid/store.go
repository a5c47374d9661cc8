// Package hybrid pairs a durable run store with a cache that serves run
// lookups during review.
package hybrid

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/PipeOpsHQ/airgen-go/state"
)

// Store persists every run to the durable store first; the cache is best
// effort. A run whose latest cache write failed is read from the durable store
// until the cache catches up, so reviewers never see drafts that were already
// committed. Listings and connections always come from the durable store.
type Store struct {
	durable state.Store
	cache   state.Store

	mu    sync.Mutex
	stale map[string]struct{}
}

var _ state.Store = (*Store)(nil)

// New returns a hybrid store. cache may be nil, in which case every call goes to
// durable.
func New(durable state.Store, cache state.Store) (*Store, error) {
	if durable == nil {
		return nil, fmt.Errorf("durable store is required")
	}
	return &Store{durable: durable, cache: cache, stale: map[string]struct{}{}}, nil
}

func (s *Store) SaveRun(ctx context.Context, run state.RunRecord) error {
	if err := s.durable.SaveRun(ctx, run); err != nil {
		return err
	}
	s.cacheRun(ctx, run, "save")
	return nil
}

func (s *Store) LoadRun(ctx context.Context, runID string) (state.RunRecord, error) {
	if s.cache != nil && !s.isStale(runID) {
		run, err := s.cache.LoadRun(ctx, runID)
		switch {
		case err == nil:
			return run, nil
		case !errors.Is(err, state.ErrNotFound):
			log.Printf("hybrid: cached run %s unreadable: %v", runID, err)
		}
	}

	run, err := s.durable.LoadRun(ctx, runID)
	if err != nil {
		return state.RunRecord{}, err
	}
	s.cacheRun(ctx, run, "backfill")
	return run, nil
}

// cacheRun copies run into the cache and tracks whether the cached copy can be
// trusted.
func (s *Store) cacheRun(ctx context.Context, run state.RunRecord, op string) {
	if s.cache == nil {
		return
	}
	err := s.cache.SaveRun(ctx, run)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.stale[run.RunID] = struct{}{}
		log.Printf("hybrid: cache %s of run %s failed: %v", op, run.RunID, err)
		return
	}
	delete(s.stale, run.RunID)
}

func (s *Store) isStale(runID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.stale[runID]
	return ok
}

func (s *Store) ListRuns(ctx context.Context, query state.ListRunsQuery) ([]state.RunRecord, error) {
	return s.durable.ListRuns(ctx, query)
}

func (s *Store) SaveConnection(ctx context.Context, key string, conn state.ConnectionRecord) error {
	return s.durable.SaveConnection(ctx, key, conn)
}

func (s *Store) LoadConnection(ctx context.Context, key string) (state.ConnectionRecord, error) {
	return s.durable.LoadConnection(ctx, key)
}

func (s *Store) DeleteConnection(ctx context.Context, key string) error {
	return s.durable.DeleteConnection(ctx, key)
}

// Close closes both stores and reports the first error.
func (s *Store) Close() error {
	var errs []error
	if s.cache != nil {
		errs = append(errs, s.cache.Close())
	}
	errs = append(errs, s.durable.Close())
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
