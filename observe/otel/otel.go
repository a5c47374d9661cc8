// Package otel turns observe events into OpenTelemetry spans, so batch runs,
// per-record processing, generation calls and commits show up in any OTel backend.
package otel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/PipeOpsHQ/airgen-go/observe"
)

const instrumentationName = "github.com/PipeOpsHQ/airgen-go"

// Sink implements observe.Sink by emitting OpenTelemetry spans.
type Sink struct {
	tracer trace.Tracer
}

// NewSink uses a noop tracer provider when tp is nil.
func NewSink(tp trace.TracerProvider) *Sink {
	if tp == nil {
		tp = noop.NewTracerProvider()
	}
	return &Sink{tracer: tp.Tracer(instrumentationName)}
}

func (s *Sink) Emit(_ context.Context, event observe.Event) error {
	event.Normalize()

	startTime := event.Timestamp
	_, span := s.tracer.Start(context.Background(), spanNameFor(event), trace.WithTimestamp(startTime))

	attrs := []attribute.KeyValue{
		attribute.String("airgen.event.kind", string(event.Kind)),
	}
	add := func(key, value string) {
		if value != "" {
			attrs = append(attrs, attribute.String(key, value))
		}
	}
	add("airgen.run.id", event.RunID)
	add("airgen.record.id", event.RecordID)
	add("airgen.span.id", event.SpanID)
	add("airgen.parent_span.id", event.ParentSpanID)
	add("airgen.provider", event.Provider)
	add("airgen.event.name", event.Name)
	add("airgen.status", string(event.Status))
	add("airgen.message", truncate(event.Message, 1024))
	if event.DurationMs > 0 {
		attrs = append(attrs, attribute.Int64("airgen.duration_ms", event.DurationMs))
	}
	for k, v := range event.Attributes {
		attrs = append(attrs, attributeFor("airgen.attr."+k, v))
	}
	span.SetAttributes(attrs...)

	switch {
	case event.Failed():
		span.SetStatus(codes.Error, event.Error)
		if event.Error != "" {
			span.RecordError(errors.New(event.Error))
		}
	case event.Status == observe.StatusCompleted:
		span.SetStatus(codes.Ok, "")
	}

	endTime := startTime
	if event.DurationMs > 0 {
		endTime = startTime.Add(time.Duration(event.DurationMs) * time.Millisecond)
	}
	span.End(trace.WithTimestamp(endTime))
	return nil
}

func attributeFor(key string, v any) attribute.KeyValue {
	switch val := v.(type) {
	case int:
		return attribute.Int(key, val)
	case int64:
		return attribute.Int64(key, val)
	case bool:
		return attribute.Bool(key, val)
	case float64:
		return attribute.Float64(key, val)
	case string:
		return attribute.String(key, val)
	default:
		return attribute.String(key, fmt.Sprintf("%v", v))
	}
}

func spanNameFor(event observe.Event) string {
	switch event.Kind {
	case observe.KindRun:
		return "airgen.run"
	case observe.KindRecord:
		return "airgen.record"
	case observe.KindProvider:
		if event.Provider != "" {
			return "airgen.generate." + event.Provider
		}
		return "airgen.generate"
	case observe.KindCommit:
		return "airgen.commit"
	default:
		if event.Name != "" {
			return "airgen." + event.Name
		}
		return "airgen.event"
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
