package pipeline

import (
	"time"

	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/PipeOpsHQ/airgen-go/types"
)

// Stage is the position of the run, or of the record currently being processed,
// in the IDLE → (SCANNING → GENERATING → VERIFYING → SETTLED|FAILED)* → FINISHED
// state machine.
type Stage string

const (
	StageIdle       Stage = "IDLE"
	StageScanning   Stage = "SCANNING"
	StageGenerating Stage = "GENERATING"
	StageVerifying  Stage = "VERIFYING"
	StageSettled    Stage = "SETTLED"
	StageFailed     Stage = "FAILED"
	StageFinished   Stage = "FINISHED"
)

type LogStatus string

const (
	LogInfo    LogStatus = "info"
	LogSuccess LogStatus = "success"
	LogError   LogStatus = "error"
)

type LogEntry struct {
	ID       string    `json:"id"`
	Message  string    `json:"message"`
	Status   LogStatus `json:"status"`
	RecordID string    `json:"recordId,omitempty"`
	Time     time.Time `json:"time"`
}

// PendingUpdate is a generated and verified result awaiting approval.
type PendingUpdate struct {
	Text    string                  `json:"text"`
	Sources []types.GroundingSource `json:"sources"`
}

func (p PendingUpdate) clone() PendingUpdate {
	p.Sources = append([]types.GroundingSource(nil), p.Sources...)
	return p
}

// FailureMarker is shown as the current result when generation fails.
const FailureMarker = "Synthesis failed."

// RunStatus is a point-in-time copy of the run aggregate. Mutating it has no
// effect on the orchestrator.
type RunStatus struct {
	RunID           string                                        `json:"runId,omitempty"`
	Total           int                                           `json:"total"`
	Current         int                                           `json:"current"`
	Completed       int                                           `json:"completed"`
	Failed          int                                           `json:"failed"`
	IsProcessing    bool                                          `json:"isProcessing"`
	Stage           Stage                                         `json:"stage"`
	CurrentRecordID string                                        `json:"currentRecordId,omitempty"`
	CurrentResult   string                                        `json:"currentResult"`
	Logs            []LogEntry                                    `json:"logs"`
	PendingUpdates  *orderedmap.OrderedMap[string, PendingUpdate] `json:"pendingUpdates"`
}

// Pending returns the staged update for id.
func (s RunStatus) Pending(id string) (PendingUpdate, bool) {
	if s.PendingUpdates == nil {
		return PendingUpdate{}, false
	}
	return s.PendingUpdates.Get(id)
}

// PendingIDs lists staged record ids in staging order.
func (s RunStatus) PendingIDs() []string {
	if s.PendingUpdates == nil {
		return nil
	}
	out := make([]string, 0, s.PendingUpdates.Len())
	for pair := s.PendingUpdates.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Key)
	}
	return out
}

// runState is the single mutable aggregate owned by the orchestrator.
type runState struct {
	runID           string
	total           int
	current         int
	completed       int
	failed          int
	isProcessing    bool
	stage           Stage
	currentRecordID string
	currentResult   string
	logs            []LogEntry
}

func (o *Orchestrator) snapshotLocked() RunStatus {
	st := o.st
	return RunStatus{
		RunID:           st.runID,
		Total:           st.total,
		Current:         st.current,
		Completed:       st.completed,
		Failed:          st.failed,
		IsProcessing:    st.isProcessing,
		Stage:           st.stage,
		CurrentRecordID: st.currentRecordID,
		CurrentResult:   st.currentResult,
		Logs:            append([]LogEntry(nil), st.logs...),
		PendingUpdates:  o.pending.snapshot(),
	}
}
