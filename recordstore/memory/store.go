package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/PipeOpsHQ/airgen-go/recordstore"
	"github.com/PipeOpsHQ/airgen-go/types"
)

// UpdateHook runs before a patch is applied; a non-nil error aborts the update.
type UpdateHook func(ctx context.Context, id string, patch types.Fields) error

// Store keeps records in process memory. It backs tests and the offline demo.
type Store struct {
	mu      sync.RWMutex
	records []types.Record
	index   map[string]int
	hook    UpdateHook
	updates int
}

type Option func(*Store)

func WithUpdateHook(h UpdateHook) Option {
	return func(s *Store) { s.hook = h }
}

func New(records []types.Record, opts ...Option) *Store {
	s := &Store{index: map[string]int{}}
	for _, r := range records {
		s.index[r.ID] = len(s.records)
		s.records = append(s.records, r.Clone())
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Fetch(_ context.Context, limit int) ([]types.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := len(s.records)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]types.Record, 0, n)
	for _, r := range s.records[:n] {
		out = append(out, r.Clone())
	}
	return out, nil
}

func (s *Store) Update(ctx context.Context, id string, patch types.Fields) error {
	if s.hook != nil {
		if err := s.hook(ctx, id, patch); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.index[id]
	if !ok {
		return &recordstore.Error{Kind: recordstore.KindNotFound, Status: 404, Message: fmt.Sprintf("record %s not found", id)}
	}
	s.records[i].Fields.Merge(patch)
	s.updates++
	return nil
}

// Get returns a copy of the stored record.
func (s *Store) Get(id string) (types.Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i, ok := s.index[id]
	if !ok {
		return types.Record{}, false
	}
	return s.records[i].Clone(), true
}

// Updates counts successful Update calls.
func (s *Store) Updates() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.updates
}
