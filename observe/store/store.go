package store

import (
	"context"
	"time"

	"github.com/PipeOpsHQ/airgen-go/observe"
)

type ListQuery struct {
	Limit  int
	Offset int
}

type MetricsQuery struct {
	Since *time.Time
}

type MetricsSummary struct {
	RunsStarted      int64 `json:"runsStarted"`
	RunsCompleted    int64 `json:"runsCompleted"`
	RunsFailed       int64 `json:"runsFailed"`
	ProviderCalls    int64 `json:"providerCalls"`
	ProviderFailures int64 `json:"providerFailures"`
	Commits          int64 `json:"commits"`
	CommitFailures   int64 `json:"commitFailures"`
	// AvgProviderMs is the mean duration of successful provider calls.
	AvgProviderMs float64 `json:"avgProviderMs"`
}

type Store interface {
	SaveEvent(ctx context.Context, event observe.Event) error
	ListEventsByRun(ctx context.Context, runID string, query ListQuery) ([]observe.Event, error)
	ListEventsByRecord(ctx context.Context, recordID string, query ListQuery) ([]observe.Event, error)
	AggregateMetrics(ctx context.Context, query MetricsQuery) (MetricsSummary, error)
	Close() error
}

// Sink adapts a Store to an observe.Sink.
func Sink(s Store) observe.Sink {
	return observe.SinkFunc(func(ctx context.Context, event observe.Event) error {
		return s.SaveEvent(ctx, event)
	})
}
