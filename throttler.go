package main

import (
	"context"
	"time"
)

// Throttler decides how many rows a chunk targets and how long to pause
// after a chunk that copied rows.
type Throttler interface {
	Stride() int
	Run(ctx context.Context) error
}

const (
	defaultTimeStride = 40000
	defaultTimeDelay  = 100 * time.Millisecond
)

// TimeThrottler pauses for a fixed delay after each chunk.
type TimeThrottler struct {
	stride int
	delay  time.Duration
	sleep  func(ctx context.Context, d time.Duration) error
}

func NewTimeThrottler(stride int, delay time.Duration) *TimeThrottler {
	if stride <= 0 {
		stride = defaultTimeStride
	}
	if delay < 0 {
		delay = defaultTimeDelay
	}
	return &TimeThrottler{stride: stride, delay: delay, sleep: sleepContext}
}

func (t *TimeThrottler) Stride() int { return t.stride }

func (t *TimeThrottler) Delay() time.Duration { return t.delay }

func (t *TimeThrottler) Run(ctx context.Context) error {
	return t.sleep(ctx, t.delay)
}

// sleepContext waits for d or until ctx is done.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
