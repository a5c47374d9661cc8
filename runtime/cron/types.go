package cron

import (
	"context"
	"time"

	"github.com/PipeOpsHQ/airgen-go/runtimeconfig"
)

// Entry is a batch job registered on a cron expression.
type Entry struct {
	Name     string            `json:"name"`
	CronExpr string            `json:"cronExpr"`
	Job      runtimeconfig.Job `json:"job"`
	Enabled  bool              `json:"enabled"`
	LastRun  time.Time         `json:"lastRun,omitempty"`
	NextRun  time.Time         `json:"nextRun,omitempty"`
	LastErr  string            `json:"lastError,omitempty"`
	RunCount int               `json:"runCount"`
}

type EntryRun struct {
	At         time.Time `json:"at"`
	DurationMS int64     `json:"durationMs"`
	Trigger    string    `json:"trigger"`
	Status     string    `json:"status"`
	Summary    string    `json:"summary,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// RunFunc executes one firing of a job and returns a one-line summary.
type RunFunc func(ctx context.Context, job runtimeconfig.Job) (string, error)
