package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/PipeOpsHQ/airgen-go/llm"
	"github.com/PipeOpsHQ/airgen-go/observe"
	"github.com/PipeOpsHQ/airgen-go/prompt"
	"github.com/PipeOpsHQ/airgen-go/recordstore"
	"github.com/PipeOpsHQ/airgen-go/state"
	"github.com/PipeOpsHQ/airgen-go/types"
)

// Orchestrator drives batches of records through generation one record at a
// time, stages results for review and commits approved results back to the
// record store.
//
// All run status, pending drafts and the local record projection live behind a
// single mutex that is never held across a generation, store or persistence call.
type Orchestrator struct {
	store     recordstore.Store
	generator llm.Generator
	pacer     Pacer
	timeout   time.Duration
	sink      observe.Sink
	states    state.Store
	notify    func(RunStatus)
	now       func() time.Time

	runMu     sync.Mutex
	commitMu  sync.Mutex
	persistMu sync.Mutex

	mu          sync.Mutex
	st          runState
	pending     *pendingCache
	cfg         types.ProcessingConfig
	records     []types.Record
	index       map[string]int
	committed   int
	createdAt   time.Time
	completedAt *time.Time
	canceled    bool
	// provider names the generator that produced the drafts; a restored run
	// keeps its original provider.
	provider string

	stream *statusStream
}

type Option func(*Orchestrator)

// WithPacer replaces the default 800ms/1200ms/800ms pacing.
func WithPacer(p Pacer) Option {
	return func(o *Orchestrator) {
		if p != nil {
			o.pacer = p
		}
	}
}

// WithGenerationTimeout bounds each generation call. Zero disables the bound.
func WithGenerationTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d >= 0 {
			o.timeout = d
		}
	}
}

func WithObserver(sink observe.Sink) Option {
	return func(o *Orchestrator) {
		if sink != nil {
			o.sink = sink
		}
	}
}

// WithStateStore persists run progress and pending drafts.
func WithStateStore(s state.Store) Option {
	return func(o *Orchestrator) { o.states = s }
}

// WithReviewNotifier is called once at the end of a run that left drafts to review.
func WithReviewNotifier(fn func(RunStatus)) Option {
	return func(o *Orchestrator) { o.notify = fn }
}

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

func New(store recordstore.Store, generator llm.Generator, opts ...Option) (*Orchestrator, error) {
	if store == nil {
		return nil, fmt.Errorf("record store is required")
	}
	if generator == nil {
		return nil, fmt.Errorf("generator is required")
	}
	o := &Orchestrator{
		store:     store,
		generator: generator,
		pacer:     DefaultPacer(),
		timeout:   90 * time.Second,
		sink:      observe.NoopSink{},
		now:       func() time.Time { return time.Now().UTC() },
		st:        runState{stage: StageIdle},
		pending:   newPendingCache(),
		index:     map[string]int{},
		stream:    newStatusStream(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// Process runs every record through the pipeline in input order. Per-record
// failures are logged and counted, never returned. The returned error is
// ErrInvalidConfig, ErrRunInProgress, or the context error when the run was
// canceled between records.
func (o *Orchestrator) Process(ctx context.Context, records []types.Record, cfg types.ProcessingConfig) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if !o.runMu.TryLock() {
		return ErrRunInProgress
	}
	defer o.runMu.Unlock()

	runID := uuid.NewString()
	started := o.now()
	o.mutate(ctx, func() {
		o.st = runState{
			runID:        runID,
			total:        len(records),
			isProcessing: true,
			stage:        StageIdle,
		}
		o.pending.reset()
		o.cfg = cfg
		o.mergeRecordsLocked(records)
		o.committed = 0
		o.createdAt = started
		o.completedAt = nil
		o.canceled = false
		o.provider = o.generator.Name()
	}, logLine{status: LogInfo, message: fmt.Sprintf("Initiating research cycle for %d records...", len(records))})
	o.emit(ctx, observe.Event{
		Kind:      observe.KindRun,
		Status:    observe.StatusStarted,
		RunID:     runID,
		SpanID:    runID,
		Name:      "run.started",
		Provider:  o.generator.Name(),
		Timestamp: started,
		Attributes: map[string]any{
			"total": len(records),
			"mode":  string(cfg.Mode),
		},
	})
	o.persist(ctx)

	var runErr error
	for i, rec := range records {
		if err := ctx.Err(); err != nil {
			o.abandon(ctx, len(records)-i, err)
			runErr = err
			break
		}
		o.processRecord(ctx, i, rec.Clone(), cfg)
	}
	o.finish(ctx, runID, started, runErr)
	return runErr
}

func (o *Orchestrator) processRecord(ctx context.Context, i int, rec types.Record, cfg types.ProcessingConfig) {
	short := types.ShortID(rec.ID)

	o.mutate(ctx, func() {
		o.st.current = i + 1
		o.st.currentRecordID = rec.ID
		o.st.currentResult = ""
		o.st.stage = StageScanning
	}, logLine{status: LogInfo, recordID: rec.ID, message: fmt.Sprintf("Analyzing form & material: %s...", short)})
	o.pacer.Pause(ctx, StageScanning)

	o.mutate(ctx, func() { o.st.stage = StageGenerating })
	rendered := prompt.Render(cfg.PromptTemplate, rec.Fields)

	var (
		gen types.Generation
		err error
	)
	switch cfg.Mode {
	case types.ModeAnalyzeImage:
		v, _ := rec.Fields.Get(cfg.ImageField)
		imageURL, ok := v.FirstAttachmentURL()
		if !ok {
			missing := &MissingInputError{RecordID: rec.ID, Field: cfg.ImageField}
			o.mutate(ctx, func() {
				o.st.failed++
				o.st.stage = StageFailed
			}, logLine{status: LogError, recordID: rec.ID, message: fmt.Sprintf("No visual data for %s: %v", short, missing)})
			o.persist(ctx)
			return
		}
		gen, err = o.generate(ctx, rec.ID, "analyze image", func(c context.Context) (types.Generation, error) {
			return o.generator.AnalyzeImage(c, imageURL, rendered)
		})
	default:
		gen, err = o.generate(ctx, rec.ID, "generate text", func(c context.Context) (types.Generation, error) {
			return o.generator.GenerateText(c, rendered)
		})
	}

	if err != nil {
		o.mutate(ctx, func() {
			o.st.failed++
			o.st.currentResult = FailureMarker
			o.st.stage = StageFailed
		}, logLine{status: LogError, recordID: rec.ID, message: fmt.Sprintf("Research error for %s: %v", short, err)})
		o.persist(ctx)
		o.pacer.Pause(ctx, StageFailed)
		return
	}

	sources := types.DedupeSources(gen.Sources)
	o.mutate(ctx, func() {
		o.st.currentResult = gen.Text
		o.st.stage = StageVerifying
	}, logLine{status: LogInfo, recordID: rec.ID, message: fmt.Sprintf("Contextualizing through %d citations...", len(sources))})
	o.pacer.Pause(ctx, StageVerifying)

	o.mutate(ctx, func() {
		o.pending.put(rec.ID, PendingUpdate{Text: gen.Text, Sources: sources})
		o.st.completed++
		o.st.stage = StageSettled
	}, logLine{status: LogSuccess, recordID: rec.ID, message: fmt.Sprintf("Refined description ready for %s", short)})
	o.persist(ctx)
	o.pacer.Pause(ctx, StageSettled)
}

// generate runs one generation call on a context that ignores run cancellation
// but is bounded by the per-call timeout. An empty result is a failure.
func (o *Orchestrator) generate(ctx context.Context, recordID, op string, call func(context.Context) (types.Generation, error)) (types.Generation, error) {
	callCtx := context.WithoutCancel(ctx)
	if o.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(callCtx, o.timeout)
		defer cancel()
	}

	type result struct {
		gen types.Generation
		err error
	}
	done := make(chan result, 1)
	start := o.now()
	go func() {
		gen, err := call(callCtx)
		done <- result{gen: gen, err: err}
	}()

	var (
		gen types.Generation
		err error
	)
	select {
	case r := <-done:
		gen, err = r.gen, r.err
	case <-callCtx.Done():
		err = fmt.Errorf("timed out after %s: %w", o.timeout, callCtx.Err())
	}
	if err == nil && strings.TrimSpace(gen.Text) == "" {
		err = llm.ErrEmptyResult
	}

	provider := o.generator.Name()
	event := observe.Event{
		Kind:         observe.KindProvider,
		Status:       observe.StatusCompleted,
		RunID:        o.currentRunID(),
		RecordID:     recordID,
		Provider:     provider,
		Name:         op,
		Timestamp:    start,
		DurationMs:   o.now().Sub(start).Milliseconds(),
		Attributes:   map[string]any{"sources": len(gen.Sources)},
		ParentSpanID: observe.SpanID(o.currentRunID(), recordID),
	}
	if err != nil {
		ge := llm.AsGenerationError(provider, op, err)
		event.Status = observe.StatusFailed
		event.Error = ge.Error()
		o.emit(ctx, event)
		return types.Generation{}, ge
	}
	o.emit(ctx, event)
	return gen, nil
}

// abandon accounts for records never started because the run was canceled, so
// completed+failed still equals total.
func (o *Orchestrator) abandon(ctx context.Context, remaining int, cause error) {
	o.mutate(ctx, func() {
		o.st.failed += remaining
		o.canceled = true
	}, logLine{status: LogError, message: fmt.Sprintf("Run canceled (%v): %d remaining records not processed", cause, remaining)})
}

func (o *Orchestrator) finish(ctx context.Context, runID string, started time.Time, runErr error) {
	finished := o.now()
	final := logLine{status: LogSuccess, message: "Batch curation complete. Review the narrative drafts."}
	if runErr != nil {
		final = logLine{status: LogInfo, message: "Batch stopped early. Review the drafts staged so far."}
	}

	var snap RunStatus
	o.mutate(ctx, func() {
		o.st.isProcessing = false
		o.st.stage = StageFinished
		o.st.currentRecordID = ""
		o.completedAt = &finished
		snap = o.snapshotLocked()
	}, final)

	status := observe.StatusCompleted
	if runErr != nil {
		status = observe.StatusFailed
	}
	ev := observe.Event{
		Kind:       observe.KindRun,
		Status:     status,
		RunID:      runID,
		SpanID:     runID,
		Name:       "run.finished",
		Provider:   o.generator.Name(),
		Timestamp:  started,
		DurationMs: finished.Sub(started).Milliseconds(),
		Attributes: map[string]any{
			"total":     snap.Total,
			"completed": snap.Completed,
			"failed":    snap.Failed,
			"pending":   snap.PendingUpdates.Len(),
		},
	}
	if runErr != nil {
		ev.Error = runErr.Error()
	}
	o.emit(ctx, ev)
	o.persist(ctx)

	if o.notify != nil && snap.PendingUpdates.Len() > 0 {
		// Read the status again so the notifier sees the final log line.
		o.notify(o.Status())
	}
}

type logLine struct {
	status   LogStatus
	recordID string
	message  string
}

// mutate applies fn and appends log lines atomically, publishes the resulting
// snapshot to subscribers, then forwards the log lines to the observer sink.
func (o *Orchestrator) mutate(ctx context.Context, fn func(), lines ...logLine) {
	o.mu.Lock()
	if fn != nil {
		fn()
	}
	entries := make([]LogEntry, 0, len(lines))
	for _, l := range lines {
		entry := LogEntry{
			ID:       uuid.NewString(),
			Message:  l.message,
			Status:   l.status,
			RecordID: l.recordID,
			Time:     o.now(),
		}
		o.st.logs = append(o.st.logs, entry)
		entries = append(entries, entry)
	}
	runID := o.st.runID
	if o.stream.active() {
		o.stream.publish(o.snapshotLocked())
	}
	o.mu.Unlock()

	for _, e := range entries {
		o.emit(ctx, observe.FromLog(runID, e.RecordID, e.ID, string(e.Status), e.Message, e.Time))
	}
}

func (o *Orchestrator) emit(ctx context.Context, event observe.Event) {
	if err := o.sink.Emit(context.WithoutCancel(ctx), event); err != nil {
		log.Printf("airgen: observer emit failed: %v", err)
	}
}

func (o *Orchestrator) currentRunID() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.st.runID
}

func (o *Orchestrator) setRecordsLocked(records []types.Record) {
	o.records = make([]types.Record, 0, len(records))
	o.index = make(map[string]int, len(records))
	for _, r := range records {
		o.index[r.ID] = len(o.records)
		o.records = append(o.records, r.Clone())
	}
}

// mergeRecordsLocked refreshes the projection with a batch. Records outside the
// batch are kept, so a limited run does not shrink the projection.
func (o *Orchestrator) mergeRecordsLocked(records []types.Record) {
	if o.index == nil {
		o.index = make(map[string]int, len(records))
	}
	for _, r := range records {
		if i, ok := o.index[r.ID]; ok {
			o.records[i] = r.Clone()
			continue
		}
		o.index[r.ID] = len(o.records)
		o.records = append(o.records, r.Clone())
	}
}

// Status returns a deep copy of the current run status.
func (o *Orchestrator) Status() RunStatus {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.snapshotLocked()
}

// Subscribe returns a channel that receives a snapshot after every change,
// starting with the current one.
func (o *Orchestrator) Subscribe(buffer int) (int, <-chan RunStatus) {
	o.mu.Lock()
	defer o.mu.Unlock()
	id, ch := o.stream.subscribe(buffer)
	offer(ch, o.snapshotLocked())
	return id, ch
}

func (o *Orchestrator) Unsubscribe(id int) {
	o.stream.unsubscribe(id)
}

// Records returns the local projection of the batch, including committed writes.
func (o *Orchestrator) Records() []types.Record {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]types.Record, 0, len(o.records))
	for _, r := range o.records {
		out = append(out, r.Clone())
	}
	return out
}

// SetRecords replaces the local projection. It is refused while a run is active.
func (o *Orchestrator) SetRecords(records []types.Record) error {
	if !o.runMu.TryLock() {
		return ErrRunInProgress
	}
	defer o.runMu.Unlock()
	o.mutate(context.Background(), func() { o.setRecordsLocked(records) })
	return nil
}

// Config returns the processing config of the latest run.
func (o *Orchestrator) Config() types.ProcessingConfig {
	o.mu.Lock()
	defer o.mu.Unlock()
	cfg := o.cfg
	cfg.TextFields = append([]string(nil), cfg.TextFields...)
	return cfg
}

// Restore loads a persisted run so its pending drafts can be reviewed and
// committed by this process.
func (o *Orchestrator) Restore(run state.RunRecord) error {
	if strings.TrimSpace(run.RunID) == "" {
		return fmt.Errorf("run id is required")
	}
	if !o.runMu.TryLock() {
		return ErrRunInProgress
	}
	defer o.runMu.Unlock()

	o.mu.Lock()
	o.st = runState{
		runID:     run.RunID,
		total:     run.Total,
		current:   run.Completed + run.Failed,
		completed: run.Completed,
		failed:    run.Failed,
		stage:     StageFinished,
	}
	for _, l := range run.Logs {
		o.st.logs = append(o.st.logs, LogEntry{ID: l.ID, Message: l.Message, Status: LogStatus(l.Status), RecordID: l.RecordID, Time: l.Time})
	}
	interrupted := run.Status == state.RunStatusRunning
	if interrupted {
		// The process that owned the run is gone. Records it never finished
		// count as failed so completed+failed == total.
		remaining := max(run.Total-run.Completed-run.Failed, 0)
		o.st.failed += remaining
		o.st.current = o.st.total
		o.st.logs = append(o.st.logs, LogEntry{
			ID:      uuid.NewString(),
			Message: fmt.Sprintf("Run interrupted: %d remaining records not processed", remaining),
			Status:  LogError,
			Time:    o.now(),
		})
	}
	o.pending.reset()
	for _, d := range run.Pending {
		o.pending.put(d.RecordID, PendingUpdate{Text: d.Text, Sources: d.Sources})
	}
	o.cfg = run.Config
	o.committed = run.Committed
	o.canceled = interrupted || run.Status == state.RunStatusCanceled
	o.provider = run.Provider
	if run.CreatedAt != nil {
		o.createdAt = *run.CreatedAt
	}
	o.completedAt = run.CompletedAt
	if o.stream.active() {
		o.stream.publish(o.snapshotLocked())
	}
	o.mu.Unlock()
	if interrupted {
		o.persist(context.Background())
	}
	return nil
}

func (o *Orchestrator) runRecordLocked() state.RunRecord {
	st := o.st
	status := state.RunStatusFinished
	switch {
	case st.isProcessing:
		status = state.RunStatusRunning
	case o.canceled:
		status = state.RunStatusCanceled
	}
	rec := state.RunRecord{
		RunID:     st.runID,
		Status:    status,
		Provider:  o.provider,
		Config:    o.cfg,
		Total:     st.total,
		Completed: st.completed,
		Failed:    st.failed,
		Committed: o.committed,
	}
	for _, id := range o.pending.ids() {
		e, _ := o.pending.get(id)
		u := e.update.clone()
		rec.Pending = append(rec.Pending, state.PendingDraft{RecordID: id, Text: u.Text, Sources: u.Sources})
	}
	for _, l := range st.logs {
		rec.Logs = append(rec.Logs, state.LogRecord{ID: l.ID, Message: l.Message, Status: string(l.Status), RecordID: l.RecordID, Time: l.Time})
	}
	now := o.now()
	created := o.createdAt
	if created.IsZero() {
		created = now
	}
	rec.CreatedAt = &created
	rec.UpdatedAt = &now
	rec.CompletedAt = o.completedAt
	return rec
}

// persist writes the run record; failures degrade to a log line because the
// in-memory state stays authoritative.
func (o *Orchestrator) persist(ctx context.Context) {
	if o.states == nil {
		return
	}
	o.persistMu.Lock()
	defer o.persistMu.Unlock()

	o.mu.Lock()
	if o.st.runID == "" {
		o.mu.Unlock()
		return
	}
	rec := o.runRecordLocked()
	o.mu.Unlock()

	if err := o.states.SaveRun(context.WithoutCancel(ctx), rec); err != nil && !errors.Is(err, context.Canceled) {
		log.Printf("airgen: failed to persist run %s: %v", rec.RunID, err)
	}
}
