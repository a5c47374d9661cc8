package state

import (
	"context"
	"errors"
)

var (
	ErrNotFound = errors.New("state: not found")
	ErrConflict = errors.New("state: conflict")
)

// ConnectionKey is the fixed key record store credentials are persisted under.
const ConnectionKey = "airgen_studio_config"

type ListRunsQuery struct {
	Limit  int
	Offset int
	Status string
}

type Store interface {
	SaveRun(ctx context.Context, run RunRecord) error
	LoadRun(ctx context.Context, runID string) (RunRecord, error)
	// ListRuns returns runs newest first.
	ListRuns(ctx context.Context, query ListRunsQuery) ([]RunRecord, error)

	SaveConnection(ctx context.Context, key string, conn ConnectionRecord) error
	LoadConnection(ctx context.Context, key string) (ConnectionRecord, error)
	DeleteConnection(ctx context.Context, key string) error

	Close() error
}

// LatestRun returns the most recently created run.
func LatestRun(ctx context.Context, s Store) (RunRecord, error) {
	runs, err := s.ListRuns(ctx, ListRunsQuery{Limit: 1})
	if err != nil {
		return RunRecord{}, err
	}
	if len(runs) == 0 {
		return RunRecord{}, ErrNotFound
	}
	return runs[0], nil
}
