package store

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	noopmetric "go.opentelemetry.io/otel/metric/noop"
)

func testMeter() noopmetric.MeterProvider { return noopmetric.MeterProvider{} }

func openTestStore(t *testing.T, opts Options) *Store {
	t.Helper()
	dir := t.TempDir()
	mp := testMeter()
	s, err := Open(filepath.Join(dir, "test.db"), opts, mp.Meter("test"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSaveLoadRoundTrip(t *testing.T) {
	s := openTestStore(t, Options{})
	payload, _ := json.Marshal(map[string]string{"title": "hello"})
	if err := s.Save(context.Background(), "t1", payload, nil); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := s.Load(context.Background(), "t1", true)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if string(got) != string(payload) {
		t.Fatalf("Load = %s, want %s", got, payload)
	}
}

func TestLoadMissingReturnsNotFound(t *testing.T) {
	s := openTestStore(t, Options{})
	_, err := s.Load(context.Background(), "missing", false)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestTransactionIsAtomic(t *testing.T) {
	s := openTestStore(t, Options{})
	tx, err := s.Begin()
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if _, err := s.Begin(); !errors.Is(err, ErrBusyTransaction) {
		t.Fatalf("expected ErrBusyTransaction for second Begin, got %v", err)
	}

	p1, _ := json.Marshal(map[string]int{"n": 1})
	p2, _ := json.Marshal(map[string]int{"n": 2})
	if err := s.Save(context.Background(), "a", p1, tx); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := s.Save(context.Background(), "b", p2, tx); err != nil {
		t.Fatalf("Save: %v", err)
	}

	// Nothing visible before commit.
	if _, err := s.Load(context.Background(), "a", false); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound pre-commit, got %v", err)
	}

	if err := s.Commit(tx); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if _, err := s.Load(context.Background(), "a", false); err != nil {
		t.Fatalf("Load a post-commit: %v", err)
	}
	if _, err := s.Load(context.Background(), "b", false); err != nil {
		t.Fatalf("Load b post-commit: %v", err)
	}
}

func TestRollbackDiscardsWrites(t *testing.T) {
	s := openTestStore(t, Options{})
	tx, _ := s.Begin()
	p, _ := json.Marshal(map[string]int{"n": 1})
	_ = s.Save(context.Background(), "x", p, tx)
	s.Rollback(tx)

	if _, err := s.Load(context.Background(), "x", false); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after rollback, got %v", err)
	}
	if _, err := s.Begin(); err != nil {
		t.Fatalf("expected Begin to succeed after rollback freed the slot: %v", err)
	}
}

func TestAsyncWriteBufferFlushesAndIsVisible(t *testing.T) {
	s := openTestStore(t, Options{Async: true, BufferBound: 2, FlushInterval: 20 * time.Millisecond})
	p, _ := json.Marshal(map[string]int{"n": 1})
	if err := s.Save(context.Background(), "t1", p, nil); err != nil {
		t.Fatalf("Save: %v", err)
	}
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if _, err := s.Load(context.Background(), "t1", false); err == nil {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("async-buffered save never became visible after timer flush")
}

func TestEnumerateVisitsEveryRecord(t *testing.T) {
	s := openTestStore(t, Options{})
	for _, id := range []string{"a", "b", "c"} {
		p, _ := json.Marshal(map[string]string{"id": id})
		if err := s.Save(context.Background(), id, p, nil); err != nil {
			t.Fatalf("Save: %v", err)
		}
	}
	seen := map[string]bool{}
	err := s.Enumerate(func(id string, payload []byte) error {
		seen[id] = true
		return nil
	})
	if err != nil {
		t.Fatalf("Enumerate: %v", err)
	}
	for _, id := range []string{"a", "b", "c"} {
		if !seen[id] {
			t.Fatalf("Enumerate missed id %q", id)
		}
	}
}

func TestCheckpointLifecycle(t *testing.T) {
	s := openTestStore(t, Options{})
	p, _ := json.Marshal(map[string]string{"snapshot": "v1"})
	if err := s.SaveCheckpoint("ck1", p); err != nil {
		t.Fatalf("SaveCheckpoint: %v", err)
	}
	got, err := s.LoadCheckpoint("ck1")
	if err != nil {
		t.Fatalf("LoadCheckpoint: %v", err)
	}
	if string(got) != string(p) {
		t.Fatalf("LoadCheckpoint = %s, want %s", got, p)
	}
	if err := s.DeleteCheckpoint("ck1"); err != nil {
		t.Fatalf("DeleteCheckpoint: %v", err)
	}
	if _, err := s.LoadCheckpoint("ck1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}
