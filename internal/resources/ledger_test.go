package resources

import "testing"

func TestTryReserveAtomicAcrossPools(t *testing.T) {
	l := New(map[string]int{"cpu": 4, "gpu": 1})

	if err := l.TryReserve("task-1", map[string]int{"cpu": 2, "gpu": 2}); err == nil {
		t.Fatal("expected Conflict on gpu pool")
	}
	// cpu must not have been touched by the failed reservation.
	for _, snap := range l.Snapshot() {
		if snap.Name == "cpu" && snap.Used != 0 {
			t.Fatalf("cpu pool used = %d, want 0 (atomic rollback)", snap.Used)
		}
	}

	if err := l.TryReserve("task-1", map[string]int{"cpu": 2, "gpu": 1}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := l.TryReserve("task-2", map[string]int{"gpu": 1}); err == nil {
		t.Fatal("expected Conflict: gpu pool exhausted")
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	l := New(map[string]int{"cpu": 2})
	if err := l.TryReserve("t", map[string]int{"cpu": 2}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	l.Release("t")
	l.Release("t")
	if err := l.TryReserve("other", map[string]int{"cpu": 2}); err != nil {
		t.Fatalf("expected capacity reclaimed, got: %v", err)
	}
}

func TestTryReserveReReservesIdempotently(t *testing.T) {
	l := New(map[string]int{"cpu": 2})
	if err := l.TryReserve("t", map[string]int{"cpu": 2}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// Same task id reserving a smaller footprint should free the delta.
	if err := l.TryReserve("t", map[string]int{"cpu": 1}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := l.TryReserve("other", map[string]int{"cpu": 1}); err != nil {
		t.Fatalf("expected 1 cpu free, got: %v", err)
	}
}

func TestAvailabilityScore(t *testing.T) {
	l := New(map[string]int{"cpu": 10})
	if got := l.AvailabilityScore(map[string]int{"cpu": 1}); got != 1 {
		t.Fatalf("AvailabilityScore = %v, want 1 when fully free", got)
	}
	if err := l.TryReserve("t", map[string]int{"cpu": 10}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := l.AvailabilityScore(map[string]int{"cpu": 1}); got != 0 {
		t.Fatalf("AvailabilityScore = %v, want 0 when saturated", got)
	}
}
