package observe

import (
	"context"
	"errors"
	"sync"
)

type Sink interface {
	Emit(ctx context.Context, event Event) error
}

type SinkFunc func(ctx context.Context, event Event) error

func (f SinkFunc) Emit(ctx context.Context, event Event) error {
	if f == nil {
		return nil
	}
	return f(ctx, event)
}

type NoopSink struct{}

func (NoopSink) Emit(context.Context, Event) error { return nil }

// MultiSink fans an event out to every sink; one failing sink does not starve
// the others.
type MultiSink struct {
	sinks []Sink
}

func NewMultiSink(sinks ...Sink) Sink {
	filtered := make([]Sink, 0, len(sinks))
	for _, s := range sinks {
		if s == nil {
			continue
		}
		filtered = append(filtered, s)
	}
	switch len(filtered) {
	case 0:
		return NoopSink{}
	case 1:
		return filtered[0]
	}
	return &MultiSink{sinks: filtered}
}

func (m *MultiSink) Emit(ctx context.Context, event Event) error {
	if m == nil {
		return nil
	}
	var errs []error
	for _, sink := range m.sinks {
		if err := sink.Emit(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// AsyncSink decouples emitters from a slow downstream. Events are dropped when
// the buffer is full.
type AsyncSink struct {
	downstream Sink
	queue      chan Event
	once       sync.Once
	done       chan struct{}
}

func NewAsyncSink(downstream Sink, buffer int) *AsyncSink {
	if downstream == nil {
		downstream = NoopSink{}
	}
	if buffer <= 0 {
		buffer = 256
	}
	as := &AsyncSink{
		downstream: downstream,
		queue:      make(chan Event, buffer),
		done:       make(chan struct{}),
	}
	go as.loop()
	return as
}

func (s *AsyncSink) Emit(ctx context.Context, event Event) error {
	if s == nil {
		return nil
	}
	event.Normalize()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case s.queue <- event:
		return nil
	default:
		return nil
	}
}

// Close stops accepting events and waits until queued events are delivered.
func (s *AsyncSink) Close() {
	if s == nil {
		return
	}
	s.once.Do(func() { close(s.queue) })
	<-s.done
}

func (s *AsyncSink) loop() {
	defer close(s.done)
	for event := range s.queue {
		_ = s.downstream.Emit(context.Background(), event)
	}
}

// Recorder keeps every event in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Emit(_ context.Context, event Event) error {
	event.Normalize()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}
