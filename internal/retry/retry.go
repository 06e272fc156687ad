// Package retry implements the backoff policy applied to transient I/O
// failures against the stores, the bus, and the intelligence services.
package retry

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"lukechampine.com/blake3"
)

// Fatal wraps an error that must not be retried: dimension mismatches,
// oversized files, constraint violations that cannot resolve themselves.
type Fatal struct {
	Err error
}

func (f Fatal) Error() string { return f.Err.Error() }
func (f Fatal) Unwrap() error { return f.Err }

// AsFatal marks err as non-retryable.
func AsFatal(err error) error {
	if err == nil {
		return nil
	}
	return Fatal{Err: err}
}

// IsFatal reports whether err (or anything it wraps) is non-retryable.
func IsFatal(err error) bool {
	var f Fatal
	return errors.As(err, &f)
}

// Policy is an exponential backoff: BaseDelay doubled per attempt,
// capped at MaxDelay, for at most MaxAttempts tries.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	JitterPct   int

	// Sleep is replaceable for tests. Nil means a context-aware sleep.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Default returns the standard policy: 5 attempts, 250ms base, 8s cap.
func Default() Policy {
	return Policy{
		MaxAttempts: 5,
		BaseDelay:   250 * time.Millisecond,
		MaxDelay:    8 * time.Second,
		JitterPct:   20,
	}
}

// Delay computes the backoff before attempt (0-based). Jitter is
// deterministic in the seed so tests and replays see identical schedules.
func (p Policy) Delay(attempt int, seed string) time.Duration {
	base := p.BaseDelay
	if base <= 0 {
		base = 250 * time.Millisecond
	}
	maxD := p.MaxDelay
	if maxD <= 0 {
		maxD = 8 * time.Second
	}
	shift := attempt
	if shift > 20 {
		shift = 20
	}
	if shift < 0 {
		shift = 0
	}
	delay := base * time.Duration(1<<uint(shift))
	if delay > maxD {
		delay = maxD
	}
	return jitter(delay, p.JitterPct, seed, attempt)
}

// jitter spreads delay by ±pct%, keyed on seed and attempt.
func jitter(delay time.Duration, pct int, seed string, attempt int) time.Duration {
	if pct <= 0 || pct > 50 {
		pct = 20
	}
	sum := blake3.Sum256([]byte(fmt.Sprintf("%s\x00%d", seed, attempt)))
	n := binary.LittleEndian.Uint64(sum[:8])
	// Map to [-pct, +pct] percent.
	span := int64(delay) * int64(pct) / 100
	if span == 0 {
		return delay
	}
	offset := int64(n%uint64(2*span+1)) - span
	out := time.Duration(int64(delay) + offset)
	if out < 0 {
		out = 0
	}
	return out
}

// Do runs op until it succeeds, returns a Fatal error, the context ends,
// or attempts run out. onRetry (optional) observes each scheduled retry.
func (p Policy) Do(ctx context.Context, seed string, op func(ctx context.Context) error, onRetry func(attempt int, delay time.Duration, err error)) error {
	maxAtt := p.MaxAttempts
	if maxAtt <= 0 {
		maxAtt = 5
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepCtx
	}

	var lastErr error
	for attempt := 0; attempt < maxAtt; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}
		if IsFatal(lastErr) || errors.Is(lastErr, context.Canceled) || errors.Is(lastErr, context.DeadlineExceeded) {
			return lastErr
		}
		if attempt == maxAtt-1 {
			break
		}
		delay := p.Delay(attempt, seed)
		if onRetry != nil {
			onRetry(attempt+1, delay, lastErr)
		}
		if err := sleep(ctx, delay); err != nil {
			return err
		}
	}
	return fmt.Errorf("retry: %d attempts exhausted: %w", maxAtt, lastErr)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
