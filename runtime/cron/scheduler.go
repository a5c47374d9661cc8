package cron

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	robcron "github.com/robfig/cron/v3"

	"github.com/PipeOpsHQ/airgen-go/runtimeconfig"
)

// Scheduler fires batch jobs on cron expressions. A firing that is still
// running when the next one is due is skipped.
type Scheduler struct {
	mu      sync.RWMutex
	ctx     context.Context
	cancel  context.CancelFunc
	cron    *robcron.Cron
	entries map[string]*managedEntry
	runFunc RunFunc
	started bool
	maxRuns int
}

type managedEntry struct {
	Entry
	entryID robcron.EntryID
	runs    []EntryRun
}

type Option func(*Scheduler)

// WithHistory caps how many runs are kept per entry.
func WithHistory(n int) Option {
	return func(s *Scheduler) {
		s.maxRuns = n
	}
}

func New(runFunc RunFunc, opts ...Option) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		ctx:     ctx,
		cancel:  cancel,
		entries: make(map[string]*managedEntry),
		runFunc: runFunc,
		maxRuns: 100,
	}
	s.cron = robcron.New(robcron.WithChain(
		robcron.Recover(robcron.PrintfLogger(log.Default())),
		robcron.SkipIfStillRunning(robcron.PrintfLogger(log.Default())),
	))
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Add registers job under name. The cron expression is taken from cronExpr, or
// from the job's own schedule when cronExpr is empty.
func (s *Scheduler) Add(name, cronExpr string, job runtimeconfig.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if name == "" {
		return fmt.Errorf("schedule name is required")
	}
	if cronExpr == "" {
		cronExpr = job.Schedule
	}
	if cronExpr == "" {
		return fmt.Errorf("schedule %q has no cron expression", name)
	}
	if _, exists := s.entries[name]; exists {
		return fmt.Errorf("schedule %q already exists", name)
	}

	entryID, err := s.cron.AddFunc(cronExpr, func() {
		_, _ = s.runAndRecord(name, "schedule", true)
	})
	if err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", cronExpr, err)
	}

	me := &managedEntry{
		Entry: Entry{
			Name:     name,
			CronExpr: cronExpr,
			Job:      job,
			Enabled:  true,
		},
		entryID: entryID,
	}
	if next := s.cron.Entry(entryID).Next; !next.IsZero() {
		me.NextRun = next
	}
	s.entries[name] = me
	return nil
}

func (s *Scheduler) Remove(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	me, ok := s.entries[name]
	if !ok {
		return fmt.Errorf("schedule %q not found", name)
	}
	s.cron.Remove(me.entryID)
	delete(s.entries, name)
	return nil
}

// List returns all entries sorted by name.
func (s *Scheduler) List() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Entry, 0, len(s.entries))
	for _, me := range s.entries {
		out = append(out, s.viewLocked(me))
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Name < out[k].Name })
	return out
}

func (s *Scheduler) Get(name string) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	me, ok := s.entries[name]
	if !ok {
		return Entry{}, false
	}
	return s.viewLocked(me), true
}

func (s *Scheduler) viewLocked(me *managedEntry) Entry {
	e := me.Entry
	if next := s.cron.Entry(me.entryID).Next; !next.IsZero() {
		e.NextRun = next
	}
	return e
}

// SetEnabled pauses or resumes an entry without removing it.
func (s *Scheduler) SetEnabled(name string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	me, ok := s.entries[name]
	if !ok {
		return fmt.Errorf("schedule %q not found", name)
	}
	me.Enabled = enabled
	return nil
}

// Trigger runs an entry now, regardless of its schedule or enabled flag.
func (s *Scheduler) Trigger(name string) (string, error) {
	return s.runAndRecord(name, "manual", false)
}

// History returns up to limit runs, newest first.
func (s *Scheduler) History(name string, limit int) ([]EntryRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	me, ok := s.entries[name]
	if !ok {
		return nil, fmt.Errorf("schedule %q not found", name)
	}
	if limit <= 0 || limit > len(me.runs) {
		limit = len(me.runs)
	}
	out := make([]EntryRun, 0, limit)
	for i := len(me.runs) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, me.runs[i])
	}
	return out, nil
}

func (s *Scheduler) runAndRecord(name, trigger string, skipIfDisabled bool) (string, error) {
	s.mu.RLock()
	me, ok := s.entries[name]
	if !ok {
		s.mu.RUnlock()
		return "", fmt.Errorf("schedule %q not found", name)
	}
	if skipIfDisabled && !me.Enabled {
		s.mu.RUnlock()
		return "", nil
	}
	job := me.Job
	ctx := s.ctx
	s.mu.RUnlock()

	started := time.Now()
	summary, err := s.runFunc(ctx, job)
	finished := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	me, ok = s.entries[name]
	if !ok {
		return summary, err
	}
	me.LastRun = finished
	me.RunCount++
	run := EntryRun{
		At:         finished,
		DurationMS: finished.Sub(started).Milliseconds(),
		Trigger:    trigger,
	}
	if err != nil {
		me.LastErr = err.Error()
		run.Status = "failed"
		run.Error = err.Error()
		log.Printf("[cron] schedule %q failed (%s): %v", name, trigger, err)
	} else {
		me.LastErr = ""
		run.Status = "completed"
		run.Summary = truncate(summary, 2000)
		log.Printf("[cron] schedule %q completed (%s): %s", name, trigger, truncate(summary, 100))
	}
	me.runs = append(me.runs, run)
	if s.maxRuns > 0 && len(me.runs) > s.maxRuns {
		me.runs = me.runs[len(me.runs)-s.maxRuns:]
	}
	return summary, err
}

// Start begins firing entries. Non-blocking.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		if s.ctx.Err() != nil {
			s.ctx, s.cancel = context.WithCancel(context.Background())
		}
		s.cron.Start()
		s.started = true
	}
}

// Stop cancels in-flight runs and waits for them to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	s.cancel()
	done := s.cron.Stop()
	s.mu.Unlock()
	<-done.Done()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
