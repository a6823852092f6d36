// Package resilience provides the retry, circuit-breaking, and rate
// limiting primitives the rest of the engine builds on.
package resilience

import (
	"context"
	"math/rand"
	"time"

	"go.opentelemetry.io/otel/metric"
)

// BackoffPolicy describes an exponential backoff with +/-20% jitter.
type BackoffPolicy struct {
	InitialWait time.Duration
	MaxWait     time.Duration
	Multiplier  float64
}

// DefaultBackoffPolicy matches the executor's §4.F contract: base 500ms,
// factor 2, cap 60s.
func DefaultBackoffPolicy() BackoffPolicy {
	return BackoffPolicy{InitialWait: 500 * time.Millisecond, MaxWait: 60 * time.Second, Multiplier: 2.0}
}

// NextDelay returns the backoff duration for the given attempt (1-indexed),
// with +/-20% jitter, matching spec §4.F.
func (b BackoffPolicy) NextDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	cur := float64(b.InitialWait)
	for i := 1; i < attempt; i++ {
		cur *= b.Multiplier
		if cur > float64(b.MaxWait) {
			cur = float64(b.MaxWait)
			break
		}
	}
	jitter := cur * 0.2 * (2*rand.Float64() - 1)
	d := time.Duration(cur + jitter)
	if d < 0 {
		d = 0
	}
	return d
}

// Instruments holds the OTel counters shared across Retry invocations.
type Instruments struct {
	Attempts metric.Int64Counter
	Success  metric.Int64Counter
	Failures metric.Int64Counter
}

// NewInstruments creates the retry counters from a meter.
func NewInstruments(meter metric.Meter) Instruments {
	attempts, _ := meter.Int64Counter("taskmesh_resilience_retry_attempts_total")
	success, _ := meter.Int64Counter("taskmesh_resilience_retry_success_total")
	failures, _ := meter.Int64Counter("taskmesh_resilience_retry_fail_total")
	return Instruments{Attempts: attempts, Success: success, Failures: failures}
}

// Retry executes fn with exponential backoff (NextDelay), stopping on
// success, exhausted attempts, or ctx cancellation.
func Retry[T any](ctx context.Context, attempts int, policy BackoffPolicy, inst Instruments, fn func(attempt int) (T, error)) (T, error) {
	var zero T
	if attempts <= 0 {
		return zero, nil
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		v, err := fn(attempt)
		if inst.Attempts != nil {
			inst.Attempts.Add(ctx, 1)
		}
		if err == nil {
			if inst.Success != nil {
				inst.Success.Add(ctx, 1)
			}
			return v, nil
		}
		lastErr = err
		if attempt == attempts {
			break
		}
		sleep := policy.NextDelay(attempt)
		select {
		case <-ctx.Done():
			if inst.Failures != nil {
				inst.Failures.Add(ctx, 1)
			}
			return zero, ctx.Err()
		case <-time.After(sleep):
		}
	}
	if inst.Failures != nil {
		inst.Failures.Add(ctx, 1)
	}
	return zero, lastErr
}
