// Package backoff computes jittered exponential retry delays.
package backoff

import (
	"context"
	"math/rand"
	"time"
)

// Policy is base * 2^(attempt-1), capped at Max, with 0.7..1.3 jitter.
type Policy struct {
	Base time.Duration
	Max  time.Duration

	// NoJitter returns exact delays.
	NoJitter bool
}

// Delay returns the wait before the attempt after `attempt` (1-based).
func (p Policy) Delay(attempt int) time.Duration {
	base := p.Base
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	maxD := p.Max
	if maxD <= 0 {
		maxD = 10 * time.Second
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxD {
			d = maxD
			break
		}
	}
	if !p.NoJitter {
		d = time.Duration(float64(d) * (0.7 + rand.Float64()*0.6))
	}
	if d < 0 {
		return 0
	}
	if d > maxD {
		d = maxD
	}
	return d
}

// Next honors a server-requested delay, bounded by Max, over the computed one.
func (p Policy) Next(attempt int, requested time.Duration) time.Duration {
	if requested > 0 {
		if p.Max > 0 && requested > p.Max {
			return p.Max
		}
		return requested
	}
	return p.Delay(attempt)
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
