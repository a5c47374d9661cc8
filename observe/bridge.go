package observe

import (
	"fmt"
	"time"
)

// FromLog converts a run log line into an event. Lines about a record become
// record events parented to the run span.
func FromLog(runID, recordID, logID, logStatus, message string, at time.Time) Event {
	e := Event{
		ID:        logID,
		Timestamp: at,
		RunID:     runID,
		RecordID:  recordID,
		Kind:      KindRun,
		Name:      "log",
		Message:   message,
		Attributes: map[string]any{
			"logStatus": logStatus,
		},
	}
	switch logStatus {
	case "success":
		e.Status = StatusCompleted
	case "error":
		e.Status = StatusFailed
		e.Error = message
	default:
		e.Status = StatusInfo
	}
	if recordID != "" {
		e.Kind = KindRecord
	}
	e.SpanID = SpanID(runID, recordID)
	e.ParentSpanID = ParentSpanID(runID, recordID)
	e.Normalize()
	return e
}

// SpanID identifies the run span, or the record span within it.
func SpanID(runID, recordID string) string {
	if runID == "" {
		return ""
	}
	if recordID != "" {
		return fmt.Sprintf("%s:record:%s", runID, recordID)
	}
	return runID
}

func ParentSpanID(runID, recordID string) string {
	if runID == "" || recordID == "" {
		return ""
	}
	return runID
}
