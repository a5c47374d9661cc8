package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/PipeOpsHQ/airgen-go/observe"
	"github.com/PipeOpsHQ/airgen-go/types"
)

// CommitSummary reports one CommitAll pass.
type CommitSummary struct {
	Attempted int            `json:"attempted"`
	Committed int            `json:"committed"`
	Failed    int            `json:"failed"`
	Skipped   int            `json:"skipped"`
	Errors    []*CommitError `json:"-"`
}

// Stage puts u into the pending cache for id, replacing any earlier draft.
func (o *Orchestrator) Stage(id string, u PendingUpdate) {
	u.Sources = types.DedupeSources(u.Sources)
	o.mutate(context.Background(), func() { o.pending.put(id, u) })
	o.persist(context.Background())
}

// Discard drops the draft for id without writing it. It reports whether a draft
// existed. A commit in flight finishes first, so a draft is never both
// discarded and written.
func (o *Orchestrator) Discard(id string) bool {
	o.commitMu.Lock()
	defer o.commitMu.Unlock()

	removed := false
	o.mu.Lock()
	_, exists := o.pending.get(id)
	o.mu.Unlock()
	if !exists {
		return false
	}
	o.mutate(context.Background(), func() {
		removed = o.pending.remove(id)
	}, logLine{status: LogInfo, recordID: id, message: fmt.Sprintf("Discarded draft for %s", types.ShortID(id))})
	o.persist(context.Background())
	return removed
}

// CommitOne writes the pending text for id into the configured output field.
// A missing draft is a no-op. On failure the draft stays pending and a
// *CommitError is returned.
func (o *Orchestrator) CommitOne(ctx context.Context, id string) error {
	o.commitMu.Lock()
	defer o.commitMu.Unlock()
	_, err := o.commitLocked(ctx, id)
	if err != nil {
		return err
	}
	return nil
}

// CommitAll commits the drafts pending at the moment of the call, in staging
// order. Drafts staged while it runs are left for a later call. One aggregate
// log line is written at the end.
func (o *Orchestrator) CommitAll(ctx context.Context) CommitSummary {
	o.commitMu.Lock()
	defer o.commitMu.Unlock()

	o.mu.Lock()
	ids := o.pending.ids()
	o.mu.Unlock()

	sum := CommitSummary{Attempted: len(ids)}
	for i, id := range ids {
		if ctx.Err() != nil {
			sum.Skipped += len(ids) - i
			break
		}
		committed, err := o.commitLocked(ctx, id)
		switch {
		case err != nil:
			sum.Failed++
			sum.Errors = append(sum.Errors, err)
		case committed:
			sum.Committed++
		default:
			sum.Skipped++
		}
	}

	msg := fmt.Sprintf("Curation phase finalized: %d synchronized, %d failed.", sum.Committed, sum.Failed)
	if sum.Skipped > 0 {
		msg = fmt.Sprintf("Curation phase finalized: %d synchronized, %d failed, %d skipped.", sum.Committed, sum.Failed, sum.Skipped)
	}
	o.mutate(ctx, nil, logLine{status: LogSuccess, message: msg})
	o.persist(ctx)
	return sum
}

func (o *Orchestrator) commitLocked(ctx context.Context, id string) (bool, *CommitError) {
	o.mu.Lock()
	entry, ok := o.pending.get(id)
	field := strings.TrimSpace(o.cfg.OutputField)
	runID := o.st.runID
	o.mu.Unlock()
	if !ok {
		return false, nil
	}

	short := types.ShortID(id)
	start := o.now()
	var err error
	if field == "" {
		err = ErrNoOutputField
	} else {
		err = o.store.Update(ctx, id, types.FieldsOf(field, types.Text(entry.update.Text)))
	}

	event := observe.Event{
		Kind:         observe.KindCommit,
		Status:       observe.StatusCompleted,
		RunID:        runID,
		RecordID:     id,
		Name:         "commit",
		Timestamp:    start,
		DurationMs:   o.now().Sub(start).Milliseconds(),
		ParentSpanID: runID,
		Attributes:   map[string]any{"field": field},
	}

	if err != nil {
		cerr := &CommitError{RecordID: id, Err: err}
		o.mutate(ctx, nil, logLine{status: LogError, recordID: id, message: fmt.Sprintf("Vault sync error for %s: %v", short, err)})
		event.Status = observe.StatusFailed
		event.Error = cerr.Error()
		o.emit(ctx, event)
		return false, cerr
	}

	o.mutate(ctx, func() {
		o.pending.removeIf(id, entry.seq)
		if i, ok := o.index[id]; ok {
			o.records[i].Fields.Set(field, types.Text(entry.update.Text))
		}
		o.committed++
	}, logLine{status: LogSuccess, recordID: id, message: fmt.Sprintf("Synchronized %s", short)})
	o.emit(ctx, event)
	o.persist(ctx)
	return true, nil
}
