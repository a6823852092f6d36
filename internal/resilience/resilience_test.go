package resilience

import (
	"testing"
	"time"

	noopmetric "go.opentelemetry.io/otel/metric/noop"
)

func TestBackoffPolicyGrowsAndCaps(t *testing.T) {
	p := BackoffPolicy{InitialWait: 100 * time.Millisecond, MaxWait: time.Second, Multiplier: 2}
	first := p.NextDelay(1)
	if first < 80*time.Millisecond || first > 120*time.Millisecond {
		t.Fatalf("NextDelay(1) = %v, want ~100ms +/-20%%", first)
	}
	capped := p.NextDelay(20)
	if capped > 1200*time.Millisecond {
		t.Fatalf("NextDelay(20) = %v, want capped near MaxWait", capped)
	}
}

func TestCircuitBreakerOpensAndHalfOpens(t *testing.T) {
	mp := noopmetric.MeterProvider{}
	cb := NewCircuitBreaker(mp.Meter("test"), time.Minute, 1, 1, 0.5, 30*time.Millisecond, 1)

	if !cb.Allow() {
		t.Fatal("breaker should start closed")
	}
	cb.RecordResult(false)
	if cb.Allow() {
		t.Fatal("breaker should open after a failing sample at/above threshold")
	}
	if cb.State() != "open" {
		t.Fatalf("State() = %s, want open", cb.State())
	}

	time.Sleep(40 * time.Millisecond)
	if !cb.Allow() {
		t.Fatal("breaker should allow one half-open probe after halfOpenAfter")
	}
	cb.RecordResult(true)
	if cb.State() != "closed" {
		t.Fatalf("State() = %s, want closed after a successful probe", cb.State())
	}
}

func TestRateLimiterAllowNRespectsCapacity(t *testing.T) {
	mp := noopmetric.MeterProvider{}
	rl := NewRateLimiter(mp.Meter("test"), 2, 0, time.Minute, 0)
	if !rl.AllowN(2) {
		t.Fatal("expected the initial 2 tokens to be available")
	}
	if rl.Allow() {
		t.Fatal("expected the bucket to be empty after consuming its capacity")
	}
}
