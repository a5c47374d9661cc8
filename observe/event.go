package observe

import "time"

// Kind says which part of a run an event belongs to.
type Kind string

type Status string

const (
	// KindRun events open and close a batch run; log lines without a record
	// are also filed here.
	KindRun Kind = "run"
	// KindRecord events track one record through the pipeline stages.
	KindRecord Kind = "record"
	// KindProvider events time a single generation call.
	KindProvider Kind = "provider"
	// KindCommit events report a draft written back to the record store.
	KindCommit Kind = "commit"
	// KindConnection events report connect and reconnect attempts.
	KindConnection Kind = "connection"
	KindCustom     Kind = "custom"
)

const (
	StatusStarted   Status = "started"
	StatusInfo      Status = "info"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Event is one observation emitted by the pipeline, the commit protocol or
// the connection manager. RunID is the span of the whole batch; RecordID is
// set for anything scoped to a single record.
type Event struct {
	ID           string         `json:"id,omitempty"`
	Timestamp    time.Time      `json:"timestamp"`
	RunID        string         `json:"runId,omitempty"`
	RecordID     string         `json:"recordId,omitempty"`
	SpanID       string         `json:"spanId,omitempty"`
	ParentSpanID string         `json:"parentSpanId,omitempty"`
	Kind         Kind           `json:"kind"`
	Status       Status         `json:"status,omitempty"`
	Name         string         `json:"name,omitempty"`
	Provider     string         `json:"provider,omitempty"`
	Message      string         `json:"message,omitempty"`
	Error        string         `json:"error,omitempty"`
	DurationMs   int64          `json:"durationMs,omitempty"`
	Attributes   map[string]any `json:"attributes,omitempty"`
}

// Failed reports whether the event records a failure.
func (e Event) Failed() bool {
	return e.Status == StatusFailed || e.Error != ""
}

// Normalize fills the timestamp, kind and attribute map so sinks can rely on
// them.
func (e *Event) Normalize() {
	if e == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if e.Kind == "" {
		e.Kind = KindCustom
	}
	if e.Attributes == nil {
		e.Attributes = map[string]any{}
	}
}
