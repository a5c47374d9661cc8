package pipeline

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/PipeOpsHQ/airgen-go/recordstore"
	"github.com/PipeOpsHQ/airgen-go/recordstore/memory"
	"github.com/PipeOpsHQ/airgen-go/state"
	statememory "github.com/PipeOpsHQ/airgen-go/state/memory"
	"github.com/PipeOpsHQ/airgen-go/state/sqlite"
	"github.com/PipeOpsHQ/airgen-go/types"
)

func stagedOrchestrator(t *testing.T, store *memory.Store, records []types.Record, opts ...Option) *Orchestrator {
	t.Helper()
	o := newTestOrchestrator(t, store, &mockGenerator{}, opts...)
	if err := o.Process(context.Background(), records, textConfig("{Title}")); err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	return o
}

func fieldText(t *testing.T, rec types.Record, name string) string {
	t.Helper()
	v, ok := rec.Fields.Get(name)
	if !ok {
		t.Fatalf("field %q missing on %s", name, rec.ID)
	}
	s, _ := v.Text()
	return s
}

func TestCommitOne_AbsentDraftIsNoop(t *testing.T) {
	store := memory.New(nil)
	o := newTestOrchestrator(t, store, &mockGenerator{})

	if err := o.CommitOne(context.Background(), "recX"); err != nil {
		t.Fatalf("expected no-op, got %v", err)
	}
	if store.Updates() != 0 {
		t.Fatalf("expected no store writes")
	}
	if len(o.Status().Logs) != 0 {
		t.Fatalf("expected no logs for a no-op commit")
	}
}

func TestCommitOne_WritesMergesAndEvicts(t *testing.T) {
	records := []types.Record{{ID: "rec1", Fields: types.FieldsOf("Title", "Vase", "Description", "old")}}
	store := memory.New(records)
	o := stagedOrchestrator(t, store, records)

	if err := o.CommitOne(context.Background(), "rec1"); err != nil {
		t.Fatalf("CommitOne failed: %v", err)
	}

	stored, ok := store.Get("rec1")
	if !ok {
		t.Fatalf("record vanished from store")
	}
	if got := fieldText(t, stored, "Description"); got != "enriched Vase" {
		t.Fatalf("unexpected stored description: %q", got)
	}
	if got := fieldText(t, stored, "Title"); got != "Vase" {
		t.Fatalf("commit must leave other fields untouched, Title=%q", got)
	}
	if _, ok := o.Status().Pending("rec1"); ok {
		t.Fatalf("committed draft must be evicted")
	}
	if got := fieldText(t, o.Records()[0], "Description"); got != "enriched Vase" {
		t.Fatalf("projection not updated: %q", got)
	}

	logs := o.Status().Logs
	last := logs[len(logs)-1]
	if last.Status != LogSuccess || last.RecordID != "rec1" {
		t.Fatalf("expected success log for commit, got %+v", last)
	}

	if err := o.CommitOne(context.Background(), "rec1"); err != nil {
		t.Fatalf("second commit should be a no-op, got %v", err)
	}
	if store.Updates() != 1 {
		t.Fatalf("expected exactly one write, got %d", store.Updates())
	}
}

func TestCommitOne_FailureKeepsDraft(t *testing.T) {
	records := []types.Record{{ID: "rec1", Fields: types.FieldsOf("Title", "Vase")}}
	fail := true
	store := memory.New(records, memory.WithUpdateHook(func(context.Context, string, types.Fields) error {
		if fail {
			return &recordstore.Error{Kind: recordstore.KindNetwork, Status: 503, Message: "unavailable"}
		}
		return nil
	}))
	o := stagedOrchestrator(t, store, records)
	before := len(o.Status().Logs)

	err := o.CommitOne(context.Background(), "rec1")
	var cerr *CommitError
	if !errors.As(err, &cerr) || cerr.RecordID != "rec1" {
		t.Fatalf("expected CommitError for rec1, got %v", err)
	}
	if recordstore.KindOf(err) != recordstore.KindNetwork {
		t.Fatalf("expected network kind through CommitError, got %q", recordstore.KindOf(err))
	}
	st := o.Status()
	if _, ok := st.Pending("rec1"); !ok {
		t.Fatalf("failed commit must keep the draft")
	}
	if len(st.Logs) != before+1 || st.Logs[len(st.Logs)-1].Status != LogError {
		t.Fatalf("expected one error log, got %+v", st.Logs[before:])
	}

	fail = false
	if err := o.CommitOne(context.Background(), "rec1"); err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if _, ok := o.Status().Pending("rec1"); ok {
		t.Fatalf("retry should evict the draft")
	}
}

func TestCommitOne_RequiresOutputField(t *testing.T) {
	store := memory.New(nil)
	o := newTestOrchestrator(t, store, &mockGenerator{})
	o.Stage("rec1", PendingUpdate{Text: "draft"})

	err := o.CommitOne(context.Background(), "rec1")
	if !errors.Is(err, ErrNoOutputField) {
		t.Fatalf("expected ErrNoOutputField, got %v", err)
	}
	if store.Updates() != 0 {
		t.Fatalf("no write expected without an output field")
	}
}

func TestCommitAll_CommitsSnapshotOnly(t *testing.T) {
	records := []types.Record{
		{ID: "a", Fields: types.FieldsOf("Title", "A")},
		{ID: "b", Fields: types.FieldsOf("Title", "B")},
	}
	var o *Orchestrator
	staged := false
	store := memory.New(records, memory.WithUpdateHook(func(_ context.Context, id string, _ types.Fields) error {
		if !staged {
			staged = true
			o.Stage("c", PendingUpdate{Text: "late draft"})
		}
		return nil
	}))
	o = stagedOrchestrator(t, store, records)
	before := len(o.Status().Logs)

	sum := o.CommitAll(context.Background())
	if sum.Attempted != 2 || sum.Committed != 2 || sum.Failed != 0 {
		t.Fatalf("unexpected summary: %+v", sum)
	}
	st := o.Status()
	if diff := cmp.Diff([]string{"c"}, st.PendingIDs()); diff != "" {
		t.Fatalf("late draft must stay pending (-want +got):\n%s", diff)
	}

	var aggregate []LogEntry
	for _, l := range st.Logs[before:] {
		if strings.HasPrefix(l.Message, "Curation phase finalized") {
			aggregate = append(aggregate, l)
		}
	}
	if len(aggregate) != 1 || aggregate[0].Message != "Curation phase finalized: 2 synchronized, 0 failed." {
		t.Fatalf("expected one aggregate log, got %+v", aggregate)
	}
	if last := st.Logs[len(st.Logs)-1]; last.Message != aggregate[0].Message {
		t.Fatalf("aggregate log must be last, got %q", last.Message)
	}
}

func TestCommitAll_ContinuesPastFailures(t *testing.T) {
	records := []types.Record{
		{ID: "a", Fields: types.FieldsOf("Title", "A")},
		{ID: "b", Fields: types.FieldsOf("Title", "B")},
		{ID: "c", Fields: types.FieldsOf("Title", "C")},
	}
	store := memory.New(records, memory.WithUpdateHook(func(_ context.Context, id string, _ types.Fields) error {
		if id == "b" {
			return &recordstore.Error{Kind: recordstore.KindNotFound, Status: 404, Message: "gone"}
		}
		return nil
	}))
	o := stagedOrchestrator(t, store, records)

	sum := o.CommitAll(context.Background())
	if sum.Committed != 2 || sum.Failed != 1 || len(sum.Errors) != 1 || sum.Errors[0].RecordID != "b" {
		t.Fatalf("unexpected summary: %+v", sum)
	}
	if diff := cmp.Diff([]string{"b"}, o.Status().PendingIDs()); diff != "" {
		t.Fatalf("failed draft must stay pending (-want +got):\n%s", diff)
	}
}

func TestCommitAll_CanceledSkipsRemainder(t *testing.T) {
	records := []types.Record{
		{ID: "a", Fields: types.FieldsOf("Title", "A")},
		{ID: "b", Fields: types.FieldsOf("Title", "B")},
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store := memory.New(records, memory.WithUpdateHook(func(context.Context, string, types.Fields) error {
		cancel()
		return nil
	}))
	o := stagedOrchestrator(t, store, records)

	sum := o.CommitAll(ctx)
	if sum.Committed != 1 || sum.Skipped != 1 {
		t.Fatalf("unexpected summary: %+v", sum)
	}
	if diff := cmp.Diff([]string{"b"}, o.Status().PendingIDs()); diff != "" {
		t.Fatalf("skipped draft must stay pending (-want +got):\n%s", diff)
	}
}

func TestCommit_RestagedDraftSurvivesInFlightWrite(t *testing.T) {
	records := []types.Record{{ID: "a", Fields: types.FieldsOf("Title", "A")}}
	var o *Orchestrator
	restaged := false
	store := memory.New(records, memory.WithUpdateHook(func(context.Context, string, types.Fields) error {
		if !restaged {
			restaged = true
			o.Stage("a", PendingUpdate{Text: "newer draft"})
		}
		return nil
	}))
	o = stagedOrchestrator(t, store, records)

	if err := o.CommitOne(context.Background(), "a"); err != nil {
		t.Fatalf("CommitOne failed: %v", err)
	}
	u, ok := o.Status().Pending("a")
	if !ok || u.Text != "newer draft" {
		t.Fatalf("newer draft must not be evicted by the older commit, got %+v ok=%v", u, ok)
	}
}

func TestDiscard(t *testing.T) {
	records := []types.Record{{ID: "rec1", Fields: types.FieldsOf("Title", "Vase")}}
	store := memory.New(records)
	o := stagedOrchestrator(t, store, records)

	if !o.Discard("rec1") {
		t.Fatalf("expected draft to be discarded")
	}
	if o.Discard("rec1") {
		t.Fatalf("second discard should report nothing removed")
	}
	if err := o.CommitOne(context.Background(), "rec1"); err != nil || store.Updates() != 0 {
		t.Fatalf("discarded draft must not be committed: err=%v updates=%d", err, store.Updates())
	}
}

func TestRestore_FromStateStore(t *testing.T) {
	states, err := sqlite.New(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("sqlite.New failed: %v", err)
	}
	t.Cleanup(func() { _ = states.Close() })

	records := []types.Record{
		{ID: "rec1", Fields: types.FieldsOf("Title", "Vase")},
		{ID: "rec2", Fields: types.FieldsOf("Title", "Bowl")},
	}
	store := memory.New(records)
	first := stagedOrchestrator(t, store, records, WithStateStore(states))
	if err := first.CommitOne(context.Background(), "rec1"); err != nil {
		t.Fatalf("CommitOne failed: %v", err)
	}

	run, err := state.LatestRun(context.Background(), states)
	if err != nil {
		t.Fatalf("LatestRun failed: %v", err)
	}
	if run.Status != state.RunStatusFinished || run.Committed != 1 || len(run.Pending) != 1 {
		t.Fatalf("unexpected persisted run: %+v", run)
	}

	second := newTestOrchestrator(t, store, &mockGenerator{}, WithStateStore(states))
	if err := second.Restore(run); err != nil {
		t.Fatalf("Restore failed: %v", err)
	}
	st := second.Status()
	if st.RunID != first.Status().RunID || st.Completed != 2 || st.Stage != StageFinished {
		t.Fatalf("unexpected restored status: %+v", st)
	}
	if diff := cmp.Diff([]string{"rec2"}, st.PendingIDs()); diff != "" {
		t.Fatalf("unexpected restored drafts (-want +got):\n%s", diff)
	}
	if len(st.Logs) != len(first.Status().Logs) {
		t.Fatalf("logs not restored: %d vs %d", len(st.Logs), len(first.Status().Logs))
	}

	if err := second.CommitOne(context.Background(), "rec2"); err != nil {
		t.Fatalf("commit after restore failed: %v", err)
	}
	stored, _ := store.Get("rec2")
	if got := fieldText(t, stored, "Description"); got != "enriched Bowl" {
		t.Fatalf("unexpected committed text: %q", got)
	}
}

func TestDiscard_WaitsForInFlightCommit(t *testing.T) {
	records := []types.Record{{ID: "a", Fields: types.FieldsOf("Title", "A")}}
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	store := memory.New(records, memory.WithUpdateHook(func(context.Context, string, types.Fields) error {
		once.Do(func() { close(entered) })
		<-release
		return nil
	}))
	o := stagedOrchestrator(t, store, records)

	committed := make(chan error, 1)
	go func() { committed <- o.CommitOne(context.Background(), "a") }()
	<-entered

	discarded := make(chan bool, 1)
	go func() { discarded <- o.Discard("a") }()
	select {
	case <-discarded:
		t.Fatalf("Discard returned while the commit for the same record was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	if err := <-committed; err != nil {
		t.Fatalf("CommitOne failed: %v", err)
	}
	if <-discarded {
		t.Fatalf("draft was already committed; nothing should be discarded")
	}
	if store.Updates() != 1 {
		t.Fatalf("expected exactly one write, got %d", store.Updates())
	}
	for _, l := range o.Status().Logs {
		if strings.HasPrefix(l.Message, "Discarded") {
			t.Fatalf("committed draft must not also be logged as discarded: %+v", l)
		}
	}
}

func TestRestore_InterruptedRunCountsRemainderAsFailed(t *testing.T) {
	states := statememory.New()
	o := newTestOrchestrator(t, memory.New(nil), &mockGenerator{}, WithStateStore(states))

	err := o.Restore(state.RunRecord{
		RunID:     "run-x",
		Status:    state.RunStatusRunning,
		Config:    textConfig("{Title}"),
		Total:     5,
		Completed: 1,
		Pending:   []state.PendingDraft{{RecordID: "rec1", Text: "draft"}},
	})
	if err != nil {
		t.Fatalf("Restore failed: %v", err)
	}

	st := o.Status()
	if st.IsProcessing || st.Completed+st.Failed != st.Total {
		t.Fatalf("counter invariant broken: total=%d completed=%d failed=%d", st.Total, st.Completed, st.Failed)
	}
	if st.Failed != 4 || st.Current != 5 {
		t.Fatalf("unexpected counters: %+v", st)
	}
	if countLogs(st.Logs, LogError) != 1 {
		t.Fatalf("expected one error log for the interrupted records, got %+v", st.Logs)
	}
	if _, ok := st.Pending("rec1"); !ok {
		t.Fatalf("drafts staged before the interruption must stay reviewable")
	}

	saved, err := states.LoadRun(context.Background(), "run-x")
	if err != nil {
		t.Fatalf("LoadRun failed: %v", err)
	}
	if saved.Status != state.RunStatusCanceled || saved.Failed != 4 {
		t.Fatalf("interrupted run should persist as canceled: %+v", saved)
	}
}
