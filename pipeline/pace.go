package pipeline

import (
	"context"
	"time"
)

// Pacer inserts the pauses between stages of a record. The pauses carry no
// data; they bound the request rate against the generation API.
type Pacer interface {
	Pause(ctx context.Context, stage Stage)
}

type PacerFunc func(ctx context.Context, stage Stage)

func (f PacerFunc) Pause(ctx context.Context, stage Stage) {
	if f != nil {
		f(ctx, stage)
	}
}

// DelayPacer sleeps a fixed duration after scanning, while verifying, and once
// a record has settled.
type DelayPacer struct {
	Scan   time.Duration
	Verify time.Duration
	Settle time.Duration
	// Sleep defaults to a timer that returns early when ctx is done.
	Sleep func(ctx context.Context, d time.Duration)
}

func DefaultPacer() DelayPacer {
	return DelayPacer{
		Scan:   800 * time.Millisecond,
		Verify: 1200 * time.Millisecond,
		Settle: 800 * time.Millisecond,
	}
}

func (p DelayPacer) Pause(ctx context.Context, stage Stage) {
	var d time.Duration
	switch stage {
	case StageScanning:
		d = p.Scan
	case StageVerifying:
		d = p.Verify
	case StageSettled, StageFailed:
		d = p.Settle
	}
	if d <= 0 {
		return
	}
	if p.Sleep != nil {
		p.Sleep(ctx, d)
		return
	}
	sleepWithCtx(ctx, d)
}

// NoDelay never pauses.
func NoDelay() Pacer {
	return PacerFunc(func(context.Context, Stage) {})
}

func sleepWithCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
