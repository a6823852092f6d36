package engine

import (
	"encoding/json"
	"testing"
	"time"
)

func TestMergeTaskVersionsPrefersMoreAdvancedStatus(t *testing.T) {
	completedAt := time.Now()
	pending := Task{ID: "t1", Status: StatusPending, CreatedAt: completedAt.Add(-time.Minute)}
	running := Task{ID: "t1", Status: StatusRunning, CreatedAt: completedAt.Add(-time.Minute), StartedAt: &completedAt}

	a, err := json.Marshal(pending)
	if err != nil {
		t.Fatalf("marshal pending: %v", err)
	}
	b, err := json.Marshal(running)
	if err != nil {
		t.Fatalf("marshal running: %v", err)
	}

	merged, err := mergeTaskVersions(a, b)
	if err != nil {
		t.Fatalf("mergeTaskVersions: %v", err)
	}
	var out Task
	if err := json.Unmarshal(merged, &out); err != nil {
		t.Fatalf("unmarshal merged: %v", err)
	}
	if out.Status != StatusRunning {
		t.Fatalf("merged status = %v, want %v (the more advanced side)", out.Status, StatusRunning)
	}
}

func TestMergeTaskVersionsUnionsRetryMetrics(t *testing.T) {
	older := Task{ID: "t1", Status: StatusPendingRetry, CurrentRetries: 1, ActualDuration: time.Second}
	newer := Task{ID: "t1", Status: StatusPendingRetry, CurrentRetries: 3, ActualDuration: 2 * time.Second}

	a, _ := json.Marshal(older)
	b, _ := json.Marshal(newer)

	merged, err := mergeTaskVersions(a, b)
	if err != nil {
		t.Fatalf("mergeTaskVersions: %v", err)
	}
	var out Task
	if err := json.Unmarshal(merged, &out); err != nil {
		t.Fatalf("unmarshal merged: %v", err)
	}
	if out.CurrentRetries != 3 {
		t.Fatalf("CurrentRetries = %d, want 3 (the max of both sides)", out.CurrentRetries)
	}
	if out.ActualDuration != 2*time.Second {
		t.Fatalf("ActualDuration = %v, want 2s (the max of both sides)", out.ActualDuration)
	}
}

func TestTaskUpdatedAtPrefersCompletedThenStartedThenCreated(t *testing.T) {
	created := time.Now().Add(-time.Hour)
	started := created.Add(time.Minute)
	completed := started.Add(time.Minute)

	onlyCreated := Task{CreatedAt: created}
	if got := taskUpdatedAt(onlyCreated); !got.Equal(created) {
		t.Fatalf("taskUpdatedAt = %v, want CreatedAt %v", got, created)
	}

	withStarted := Task{CreatedAt: created, StartedAt: &started}
	if got := taskUpdatedAt(withStarted); !got.Equal(started) {
		t.Fatalf("taskUpdatedAt = %v, want StartedAt %v", got, started)
	}

	withCompleted := Task{CreatedAt: created, StartedAt: &started, CompletedAt: &completed}
	if got := taskUpdatedAt(withCompleted); !got.Equal(completed) {
		t.Fatalf("taskUpdatedAt = %v, want CompletedAt %v", got, completed)
	}
}
