package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/PipeOpsHQ/airgen-go/llm"
	"github.com/PipeOpsHQ/airgen-go/observe"
	"github.com/PipeOpsHQ/airgen-go/recordstore/memory"
	"github.com/PipeOpsHQ/airgen-go/types"
)

type mockGenerator struct {
	mu      sync.Mutex
	calls   []string
	analyze func(ctx context.Context, imageURL, prompt string) (types.Generation, error)
	text    func(ctx context.Context, prompt string) (types.Generation, error)
}

func (m *mockGenerator) Name() string { return "mock" }

func (m *mockGenerator) AnalyzeImage(ctx context.Context, imageURL, prompt string) (types.Generation, error) {
	m.record("image:" + imageURL + "|" + prompt)
	if m.analyze == nil {
		return types.Generation{Text: "analysis of " + imageURL}, nil
	}
	return m.analyze(ctx, imageURL, prompt)
}

func (m *mockGenerator) GenerateText(ctx context.Context, prompt string) (types.Generation, error) {
	m.record("text:" + prompt)
	if m.text == nil {
		return types.Generation{Text: "enriched " + prompt}, nil
	}
	return m.text(ctx, prompt)
}

func (m *mockGenerator) record(call string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, call)
}

func (m *mockGenerator) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

func newTestOrchestrator(t *testing.T, store *memory.Store, gen llm.Generator, opts ...Option) *Orchestrator {
	t.Helper()
	opts = append([]Option{WithPacer(NoDelay())}, opts...)
	o, err := New(store, gen, opts...)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return o
}

func textConfig(template string) types.ProcessingConfig {
	return types.ProcessingConfig{
		Mode:           types.ModeGenerateContent,
		OutputField:    "Description",
		PromptTemplate: template,
	}
}

func countLogs(logs []LogEntry, status LogStatus) int {
	n := 0
	for _, l := range logs {
		if l.Status == status {
			n++
		}
	}
	return n
}

func TestProcess_StagesGeneratedText(t *testing.T) {
	records := []types.Record{{ID: "rec1", Fields: types.FieldsOf("Title", "Vase", "Description", "old")}}
	store := memory.New(records)
	gen := &mockGenerator{text: func(_ context.Context, prompt string) (types.Generation, error) {
		if prompt != "Describe Vase: old" {
			t.Errorf("unexpected rendered prompt: %q", prompt)
		}
		return types.Generation{
			Text: "A celadon vase.",
			Sources: []types.GroundingSource{
				{Title: "First", URI: "https://x/1"},
				{Title: "Second", URI: "https://x/1"},
			},
		}, nil
	}}
	o := newTestOrchestrator(t, store, gen)

	if err := o.Process(context.Background(), records, textConfig("Describe {Title}: {Description}")); err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	st := o.Status()
	update, ok := st.Pending("rec1")
	if !ok {
		t.Fatalf("expected pending update for rec1")
	}
	if update.Text != "A celadon vase." {
		t.Fatalf("unexpected pending text: %q", update.Text)
	}
	if diff := cmp.Diff([]types.GroundingSource{{Title: "First", URI: "https://x/1"}}, update.Sources); diff != "" {
		t.Fatalf("sources not deduplicated (-want +got):\n%s", diff)
	}
	if st.Completed != 1 || st.Failed != 0 || st.Total != 1 {
		t.Fatalf("unexpected counters: %+v", st)
	}
	if st.IsProcessing || st.Stage != StageFinished {
		t.Fatalf("expected finished run, got processing=%v stage=%s", st.IsProcessing, st.Stage)
	}
	if st.Logs[0].Status != LogInfo || st.Logs[len(st.Logs)-1].Status != LogSuccess {
		t.Fatalf("unexpected first/last log: %+v", st.Logs)
	}
	if store.Updates() != 0 {
		t.Fatalf("staging must not write to the record store")
	}
}

func TestProcess_MissingImageFailsRecordAndContinues(t *testing.T) {
	records := []types.Record{
		{ID: "recA", Fields: types.FieldsOf("Title", "Cup", "Photo", types.Attachments())},
		{ID: "recB", Fields: types.FieldsOf("Title", "Bowl", "Photo", []types.Attachment{{URL: "https://img/b.jpg"}})},
	}
	gen := &mockGenerator{}
	o := newTestOrchestrator(t, memory.New(records), gen)

	cfg := types.ProcessingConfig{
		Mode:           types.ModeAnalyzeImage,
		ImageField:     "Photo",
		OutputField:    "Description",
		PromptTemplate: "Describe {Title}",
	}
	if err := o.Process(context.Background(), records, cfg); err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	st := o.Status()
	if st.Failed != 1 || st.Completed != 1 {
		t.Fatalf("unexpected counters: completed=%d failed=%d", st.Completed, st.Failed)
	}
	if _, ok := st.Pending("recA"); ok {
		t.Fatalf("record without image must not be staged")
	}
	if _, ok := st.Pending("recB"); !ok {
		t.Fatalf("expected recB to be staged")
	}
	if countLogs(st.Logs, LogError) != 1 {
		t.Fatalf("expected exactly one error log, got %+v", st.Logs)
	}
	if diff := cmp.Diff([]string{"image:https://img/b.jpg|Describe Bowl"}, gen.Calls()); diff != "" {
		t.Fatalf("unexpected generator calls (-want +got):\n%s", diff)
	}
}

func TestProcess_GenerationFailuresAreRecovered(t *testing.T) {
	records := []types.Record{
		{ID: "rec1", Fields: types.FieldsOf("Title", "boom")},
		{ID: "rec2", Fields: types.FieldsOf("Title", "empty")},
		{ID: "rec3", Fields: types.FieldsOf("Title", "fine")},
	}
	gen := &mockGenerator{text: func(_ context.Context, prompt string) (types.Generation, error) {
		switch prompt {
		case "boom":
			return types.Generation{}, &llm.GenerationError{Provider: "mock", Op: "generate text", Err: errors.New("quota exhausted")}
		case "empty":
			return types.Generation{Text: "   "}, nil
		}
		return types.Generation{Text: "ok"}, nil
	}}

	var failedResults []string
	var o *Orchestrator
	pacer := PacerFunc(func(_ context.Context, stage Stage) {
		if stage == StageFailed {
			failedResults = append(failedResults, o.Status().CurrentResult)
		}
	})
	o = newTestOrchestrator(t, memory.New(records), gen, WithPacer(pacer))

	if err := o.Process(context.Background(), records, textConfig("{Title}")); err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	st := o.Status()
	if st.Completed != 1 || st.Failed != 2 {
		t.Fatalf("unexpected counters: completed=%d failed=%d", st.Completed, st.Failed)
	}
	if countLogs(st.Logs, LogError) != 2 {
		t.Fatalf("expected one error log per failure, got %+v", st.Logs)
	}
	if diff := cmp.Diff([]string{FailureMarker, FailureMarker}, failedResults); diff != "" {
		t.Fatalf("expected failure marker while failed (-want +got):\n%s", diff)
	}
	if ids := st.PendingIDs(); len(ids) != 1 || ids[0] != "rec3" {
		t.Fatalf("unexpected pending ids: %v", ids)
	}
	var quota bool
	for _, l := range st.Logs {
		if l.Status == LogError && strings.Contains(l.Message, "quota exhausted") {
			quota = true
		}
	}
	if !quota {
		t.Fatalf("expected generation error message in log")
	}
}

func TestProcess_SubscriberSeesCounterInvariant(t *testing.T) {
	records := make([]types.Record, 0, 6)
	for _, id := range []string{"r1", "r2", "r3", "r4", "r5", "r6"} {
		records = append(records, types.Record{ID: id, Fields: types.FieldsOf("Title", id)})
	}
	gen := &mockGenerator{text: func(_ context.Context, prompt string) (types.Generation, error) {
		if prompt == "r2" || prompt == "r5" {
			return types.Generation{}, errors.New("model error")
		}
		return types.Generation{Text: "text " + prompt}, nil
	}}
	o := newTestOrchestrator(t, memory.New(records), gen)

	id, ch := o.Subscribe(512)
	if err := o.Process(context.Background(), records, textConfig("{Title}")); err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	o.Unsubscribe(id)

	var last RunStatus
	seen := 0
	for st := range ch {
		seen++
		if st.Completed+st.Failed > st.Total {
			t.Fatalf("counter invariant violated: %+v", st)
		}
		if st.IsProcessing && st.Completed+st.Failed > 0 && (st.Current < 1 || st.Current > st.Total) {
			t.Fatalf("current out of range while processing: %+v", st)
		}
		last = st
	}
	if seen < 2 {
		t.Fatalf("expected several snapshots, got %d", seen)
	}
	if last.IsProcessing || last.Completed+last.Failed != len(records) || last.Total != len(records) {
		t.Fatalf("unexpected final snapshot: %+v", last)
	}
	if last.Completed != 4 || last.Failed != 2 {
		t.Fatalf("unexpected final counters: %d/%d", last.Completed, last.Failed)
	}
}

func TestProcess_RejectsInvalidConfig(t *testing.T) {
	o := newTestOrchestrator(t, memory.New(nil), &mockGenerator{})
	err := o.Process(context.Background(), nil, types.ProcessingConfig{Mode: types.ModeAnalyzeImage, OutputField: "Out", PromptTemplate: "p"})
	if !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
	if st := o.Status(); st.Stage != StageIdle || len(st.Logs) != 0 {
		t.Fatalf("invalid config must not touch status: %+v", st)
	}
}

func TestProcess_RejectsConcurrentRun(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	gen := &mockGenerator{text: func(context.Context, string) (types.Generation, error) {
		close(started)
		<-release
		return types.Generation{Text: "done"}, nil
	}}
	records := []types.Record{{ID: "rec1", Fields: types.FieldsOf("Title", "x")}}
	o := newTestOrchestrator(t, memory.New(records), gen)

	errCh := make(chan error, 1)
	go func() { errCh <- o.Process(context.Background(), records, textConfig("{Title}")) }()
	<-started

	if err := o.Process(context.Background(), records, textConfig("{Title}")); !errors.Is(err, ErrRunInProgress) {
		t.Fatalf("expected ErrRunInProgress, got %v", err)
	}
	if err := o.SetRecords(nil); !errors.Is(err, ErrRunInProgress) {
		t.Fatalf("expected SetRecords to be refused during a run, got %v", err)
	}
	close(release)
	if err := <-errCh; err != nil {
		t.Fatalf("first run failed: %v", err)
	}
	if st := o.Status(); st.Completed != 1 {
		t.Fatalf("expected first run to complete, got %+v", st)
	}
}

func TestProcess_CancelFinishesInFlightRecord(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	records := []types.Record{
		{ID: "rec1", Fields: types.FieldsOf("Title", "first")},
		{ID: "rec2", Fields: types.FieldsOf("Title", "second")},
		{ID: "rec3", Fields: types.FieldsOf("Title", "third")},
	}
	gen := &mockGenerator{text: func(callCtx context.Context, prompt string) (types.Generation, error) {
		cancel()
		if callCtx.Err() != nil {
			t.Errorf("in-flight generation must not see run cancellation")
		}
		return types.Generation{Text: "done " + prompt}, nil
	}}
	o := newTestOrchestrator(t, memory.New(records), gen)

	err := o.Process(ctx, records, textConfig("{Title}"))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	st := o.Status()
	if st.Completed != 1 || st.Failed != 2 || st.Completed+st.Failed != st.Total {
		t.Fatalf("unexpected counters after cancel: %+v", st)
	}
	if _, ok := st.Pending("rec1"); !ok {
		t.Fatalf("in-flight record should have been staged")
	}
	if countLogs(st.Logs, LogError) != 1 {
		t.Fatalf("expected a single cancellation error log, got %+v", st.Logs)
	}
	if st.IsProcessing {
		t.Fatalf("run must be finished after cancel")
	}
	if len(gen.Calls()) != 1 {
		t.Fatalf("expected no generation after cancel, got %v", gen.Calls())
	}
}

func TestProcess_GenerationTimeout(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	records := []types.Record{
		{ID: "slow", Fields: types.FieldsOf("Title", "slow")},
		{ID: "fast", Fields: types.FieldsOf("Title", "fast")},
	}
	gen := &mockGenerator{text: func(_ context.Context, prompt string) (types.Generation, error) {
		if prompt == "slow" {
			// Ignores its context entirely.
			<-release
		}
		return types.Generation{Text: "ok"}, nil
	}}
	var rec observe.Recorder
	o := newTestOrchestrator(t, memory.New(records), gen, WithGenerationTimeout(20*time.Millisecond), WithObserver(&rec))

	if err := o.Process(context.Background(), records, textConfig("{Title}")); err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	st := o.Status()
	if st.Failed != 1 || st.Completed != 1 {
		t.Fatalf("unexpected counters: %+v", st)
	}
	var timedOut bool
	for _, l := range st.Logs {
		if l.Status == LogError && strings.Contains(l.Message, "timed out") {
			timedOut = true
		}
	}
	if !timedOut {
		t.Fatalf("expected timeout in error log: %+v", st.Logs)
	}

	var failedProvider int
	for _, e := range rec.Events() {
		if e.Kind == observe.KindProvider && e.Status == observe.StatusFailed && e.RecordID == "slow" {
			failedProvider++
		}
	}
	if failedProvider != 1 {
		t.Fatalf("expected one failed provider event, got %d", failedProvider)
	}
}

func TestProcess_ReviewNotifier(t *testing.T) {
	records := []types.Record{{ID: "rec1", Fields: types.FieldsOf("Title", "x")}}

	var notified []RunStatus
	o := newTestOrchestrator(t, memory.New(records), &mockGenerator{}, WithReviewNotifier(func(st RunStatus) {
		notified = append(notified, st)
	}))
	if err := o.Process(context.Background(), records, textConfig("{Title}")); err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if len(notified) != 1 || notified[0].PendingUpdates.Len() != 1 || notified[0].IsProcessing {
		t.Fatalf("expected one review notification with the final status, got %+v", notified)
	}

	failing := &mockGenerator{text: func(context.Context, string) (types.Generation, error) {
		return types.Generation{}, errors.New("down")
	}}
	notified = nil
	o = newTestOrchestrator(t, memory.New(records), failing, WithReviewNotifier(func(st RunStatus) {
		notified = append(notified, st)
	}))
	if err := o.Process(context.Background(), records, textConfig("{Title}")); err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if len(notified) != 0 {
		t.Fatalf("no notification expected without drafts")
	}
}

func TestProcess_EmitsLogEventsToObserver(t *testing.T) {
	records := []types.Record{{ID: "rec1", Fields: types.FieldsOf("Title", "x")}}
	var rec observe.Recorder
	o := newTestOrchestrator(t, memory.New(records), &mockGenerator{}, WithObserver(&rec))
	if err := o.Process(context.Background(), records, textConfig("{Title}")); err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	logEvents := 0
	kinds := map[observe.Kind]int{}
	for _, e := range rec.Events() {
		kinds[e.Kind]++
		if e.Name == "log" {
			logEvents++
		}
	}
	if logEvents != len(o.Status().Logs) {
		t.Fatalf("expected every log line as an event: %d vs %d", logEvents, len(o.Status().Logs))
	}
	if kinds[observe.KindProvider] != 1 || kinds[observe.KindRun] < 2 {
		t.Fatalf("unexpected event kinds: %v", kinds)
	}
}

func TestStatus_IsDeepCopy(t *testing.T) {
	records := []types.Record{{ID: "rec1", Fields: types.FieldsOf("Title", "x")}}
	o := newTestOrchestrator(t, memory.New(records), &mockGenerator{})
	if err := o.Process(context.Background(), records, textConfig("{Title}")); err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	st := o.Status()
	st.Logs[0].Message = "tampered"
	st.PendingUpdates.Delete("rec1")

	again := o.Status()
	if again.Logs[0].Message == "tampered" {
		t.Fatalf("logs leaked by reference")
	}
	if _, ok := again.Pending("rec1"); !ok {
		t.Fatalf("pending map leaked by reference")
	}
}

func TestDelayPacer_UsesStageDurations(t *testing.T) {
	var slept []time.Duration
	p := DefaultPacer()
	p.Sleep = func(_ context.Context, d time.Duration) { slept = append(slept, d) }

	for _, stage := range []Stage{StageScanning, StageGenerating, StageVerifying, StageSettled, StageFailed} {
		p.Pause(context.Background(), stage)
	}
	want := []time.Duration{800 * time.Millisecond, 1200 * time.Millisecond, 800 * time.Millisecond, 800 * time.Millisecond}
	if diff := cmp.Diff(want, slept); diff != "" {
		t.Fatalf("unexpected pauses (-want +got):\n%s", diff)
	}
}

func TestDelayPacer_ReturnsEarlyOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start := time.Now()
	DelayPacer{Scan: time.Minute}.Pause(ctx, StageScanning)
	if time.Since(start) > time.Second {
		t.Fatalf("pause ignored cancellation")
	}
}

func TestProcess_BlankTextIsAFailure(t *testing.T) {
	for name, text := range map[string]string{"empty": "", "whitespace": "\n\t  "} {
		t.Run(name, func(t *testing.T) {
			records := []types.Record{{ID: "rec1", Fields: types.FieldsOf("Title", "Vase")}}
			gen := &mockGenerator{text: func(context.Context, string) (types.Generation, error) {
				return types.Generation{Text: text}, nil
			}}
			o := newTestOrchestrator(t, memory.New(records), gen)
			if err := o.Process(context.Background(), records, textConfig("{Title}")); err != nil {
				t.Fatalf("Process failed: %v", err)
			}
			st := o.Status()
			if st.Failed != 1 || st.Completed != 0 || st.PendingUpdates.Len() != 0 {
				t.Fatalf("blank text must fail the record: %+v", st)
			}
		})
	}
}
