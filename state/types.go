package state

import (
	"time"

	"github.com/PipeOpsHQ/airgen-go/types"
)

const (
	RunStatusRunning  = "running"
	RunStatusFinished = "finished"
	RunStatusCanceled = "canceled"
)

// RunRecord is the persisted form of one batch run, including drafts still
// awaiting review.
type RunRecord struct {
	RunID       string                 `json:"runId"`
	Status      string                 `json:"status"`
	Provider    string                 `json:"provider,omitempty"`
	Config      types.ProcessingConfig `json:"config"`
	Total       int                    `json:"total"`
	Completed   int                    `json:"completed"`
	Failed      int                    `json:"failed"`
	Committed   int                    `json:"committed"`
	Pending     []PendingDraft         `json:"pending,omitempty"`
	Logs        []LogRecord            `json:"logs,omitempty"`
	CreatedAt   *time.Time             `json:"createdAt,omitempty"`
	UpdatedAt   *time.Time             `json:"updatedAt,omitempty"`
	CompletedAt *time.Time             `json:"completedAt,omitempty"`
}

type PendingDraft struct {
	RecordID string                  `json:"recordId"`
	Text     string                  `json:"text"`
	Sources  []types.GroundingSource `json:"sources,omitempty"`
}

type LogRecord struct {
	ID       string    `json:"id"`
	Message  string    `json:"message"`
	Status   string    `json:"status"`
	RecordID string    `json:"recordId,omitempty"`
	Time     time.Time `json:"time"`
}

// ConnectionRecord holds record store credentials for silent reconnect.
type ConnectionRecord struct {
	APIKey    string    `json:"apiKey"`
	BaseID    string    `json:"baseId"`
	TableName string    `json:"tableName"`
	UpdatedAt time.Time `json:"updatedAt"`
}
