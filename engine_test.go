package engine

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	noopmetric "go.opentelemetry.io/otel/metric/noop"

	"github.com/taskmesh/engine/internal/persistence"
	"github.com/taskmesh/engine/internal/store"
)

func testEngine(t *testing.T, mutate func(*Config)) *Engine {
	t.Helper()
	cfg := DefaultConfig()
	cfg.PriorityAdjustmentInterval = 10 * time.Millisecond
	cfg.Persistence.Root = t.TempDir()
	cfg.Persistence.HeartbeatInterval = time.Hour
	cfg.Persistence.CheckpointInterval = time.Hour
	if mutate != nil {
		mutate(&cfg)
	}

	mp := noopmetric.MeterProvider{}
	e, err := New(context.Background(), cfg, Options{
		Meter:     mp.Meter("test"),
		StorePath: filepath.Join(cfg.Persistence.Root, "test.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Shutdown(2 * time.Second) })
	return e
}

func waitForStatus(t *testing.T, e *Engine, id string, want Status, timeout time.Duration) Task {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		task, ok := e.GetTask(id)
		if ok && task.Status == want {
			return task
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("task %s did not reach status %s within %s", id, want, timeout)
	return Task{}
}

func noopExecute(ctx context.Context, task Task, rc *RunContext) (ExecuteResult, error) {
	return ExecuteResult{Result: map[string]any{"ok": true}}, nil
}

// S1: dependency chain runs in order.
func TestSubmitDependencyChainRunsInOrder(t *testing.T) {
	e := testEngine(t, nil)

	idA, err := e.Submit(Spec{Title: "A", Description: "first", Execute: noopExecute})
	require.NoError(t, err)

	idB, err := e.Submit(Spec{
		Title: "B", Description: "second", Execute: noopExecute,
		DependsOn: []DependencySpec{{DependsOn: idA, Type: DependencyBlocks}},
	})
	require.NoError(t, err)

	a := waitForStatus(t, e, idA, StatusCompleted, time.Second)
	b := waitForStatus(t, e, idB, StatusCompleted, time.Second)

	require.NotNil(t, a.CompletedAt)
	require.NotNil(t, b.StartedAt)
	require.False(t, b.StartedAt.Before(*a.CompletedAt), "B started before A completed")
}

// S2: a BLOCKS edge that would close a cycle is rejected and the graph is
// left unchanged (spec L4).
func TestAddDependencyCycleRejected(t *testing.T) {
	e := testEngine(t, func(c *Config) { c.PriorityAdjustmentInterval = time.Hour })

	idA, err := e.Submit(Spec{Title: "A", Description: "a", Execute: noopExecute})
	require.NoError(t, err)
	idB, err := e.Submit(Spec{Title: "B", Description: "b", Execute: noopExecute})
	require.NoError(t, err)

	require.NoError(t, e.AddDependency(idB, idA, DependencyBlocks, false))

	err = e.AddDependency(idA, idB, DependencyBlocks, false)
	require.Error(t, err)
	var cycleErr *CycleError
	require.ErrorAs(t, err, &cycleErr)

	a, _ := e.GetTask(idA)
	require.NotContains(t, a.Dependencies, idB, "rejected cycle must not mutate the graph")
}

// S3: a resource pool at capacity 1 serializes two otherwise-independent
// tasks, and the ledger returns to zero once both finish (P3/L5).
func TestResourceContentionSerializesAccess(t *testing.T) {
	var running int32
	var peak int32
	var mu sync.Mutex
	record := func(ctx context.Context, task Task, rc *RunContext) (ExecuteResult, error) {
		n := atomic.AddInt32(&running, 1)
		mu.Lock()
		if n > peak {
			peak = n
		}
		mu.Unlock()
		time.Sleep(30 * time.Millisecond)
		atomic.AddInt32(&running, -1)
		return ExecuteResult{}, nil
	}

	// Declare the pool at construction via Options, since Submit itself
	// carries no pool-declaration API (spec §3/§9).
	e2 := testEngineWithPools(t, map[string]int{"gpu": 1})

	idA, err := e2.Submit(Spec{Title: "A", Description: "a", Execute: record, ResourceConstraints: map[string]int{"gpu": 1}})
	require.NoError(t, err)
	idB, err := e2.Submit(Spec{Title: "B", Description: "b", Execute: record, ResourceConstraints: map[string]int{"gpu": 1}})
	require.NoError(t, err)

	waitForStatus(t, e2, idA, StatusCompleted, 2*time.Second)
	waitForStatus(t, e2, idB, StatusCompleted, 2*time.Second)

	require.LessOrEqual(t, int(peak), 1, "gpu pool capacity 1 must serialize both tasks")
	metrics := e2.Metrics()
	for _, pool := range metrics.ResourcePools {
		if pool.Name == "gpu" {
			require.Equal(t, 0, pool.Used, "ledger must settle back to zero")
		}
	}
}

func testEngineWithPools(t *testing.T, pools map[string]int) *Engine {
	t.Helper()
	cfg := DefaultConfig()
	cfg.PriorityAdjustmentInterval = 10 * time.Millisecond
	cfg.Persistence.Root = t.TempDir()
	cfg.Persistence.HeartbeatInterval = time.Hour
	cfg.Persistence.CheckpointInterval = time.Hour

	mp := noopmetric.MeterProvider{}
	e, err := New(context.Background(), cfg, Options{
		Meter:         mp.Meter("test"),
		StorePath:     filepath.Join(cfg.Persistence.Root, "test.db"),
		ResourcePools: pools,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Shutdown(2 * time.Second) })
	return e
}

// Cancelling a not-yet-dispatched task immediately marks it CANCELLED and
// releases its place in queueDepth.
func TestCancelQueuedTask(t *testing.T) {
	e := testEngine(t, func(c *Config) { c.PriorityAdjustmentInterval = time.Hour })

	id, err := e.Submit(Spec{Title: "A", Description: "a", Execute: noopExecute})
	require.NoError(t, err)

	ok, err := e.Cancel(id, "no longer needed")
	require.NoError(t, err)
	require.True(t, ok)

	task, _ := e.GetTask(id)
	require.Equal(t, StatusCancelled, task.Status)
	require.NotNil(t, task.LastError)
	require.Equal(t, KindCancellationRequested, task.LastError.Kind)

	// Cancelling an already-terminal task is a no-op, not an error.
	ok, err = e.Cancel(id, "again")
	require.NoError(t, err)
	require.False(t, ok)
}

// QueueFull backpressure trips once admission control (or the high-water
// mark) is exhausted (spec §7 QueueFull).
func TestSubmitReturnsQueueFullAtHighWaterMark(t *testing.T) {
	e := testEngine(t, func(c *Config) {
		c.PriorityAdjustmentInterval = time.Hour
		c.QueueHighWaterMark = 1
	})

	_, err := e.Submit(Spec{Title: "A", Description: "a", Execute: noopExecute})
	require.NoError(t, err)

	_, err = e.Submit(Spec{Title: "B", Description: "b", Execute: noopExecute})
	require.Error(t, err)
	require.True(t, IsKind(err, KindQueueFull))
}

// A failed task without a retry classifier override (the default treats
// everything but Validation/CancellationRequested as retryable) consumes
// its retry budget and eventually lands FAILED with rollback invoked.
func TestFailedTaskExhaustsRetriesAndRollsBack(t *testing.T) {
	e := testEngine(t, func(c *Config) { c.MaxRetries = 1 })

	var rollbackCalled atomic.Bool
	spec := Spec{
		Title:       "flaky",
		Description: "always fails",
		MaxRetries:  1,
		Execute: func(ctx context.Context, task Task, rc *RunContext) (ExecuteResult, error) {
			return ExecuteResult{}, NewError(KindExecution, "boom")
		},
		Rollback: func(ctx context.Context, task Task) error {
			rollbackCalled.Store(true)
			return nil
		},
	}

	id, err := e.Submit(spec)
	require.NoError(t, err)

	task := waitForStatus(t, e, id, StatusFailed, 2*time.Second)
	require.Equal(t, 1, task.CurrentRetries)
	require.True(t, rollbackCalled.Load())
	require.NotNil(t, task.LastError)
	require.Equal(t, KindExecution, task.LastError.Kind)
}

// Cancelling a RUNNING task that honors ctx cancellation promptly must
// not make Cancel block for the full grace window.
func TestCancelRunningTaskHonoringContextReturnsPromptly(t *testing.T) {
	e := testEngine(t, func(c *Config) {
		c.PriorityAdjustmentInterval = time.Hour
		c.CancelGraceMillis = 5000
	})

	started := make(chan struct{})
	cooperative := func(ctx context.Context, task Task, rc *RunContext) (ExecuteResult, error) {
		close(started)
		<-ctx.Done()
		return ExecuteResult{}, ctx.Err()
	}

	id, err := e.Submit(Spec{Title: "A", Description: "a", Execute: cooperative})
	require.NoError(t, err)
	e.runTick()
	<-started

	before := time.Now()
	_, err = e.Cancel(id, "shutting down early")
	require.NoError(t, err)
	require.Less(t, time.Since(before), 2*time.Second, "Cancel must not wait the full grace window when the task returns on its own")

	waitForStatus(t, e, id, StatusFailed, time.Second)
}

// Cancelling a RUNNING task that ignores ctx cancellation forces
// CANCELLED once the grace window elapses (spec §4.F point 6).
func TestCancelRunningTaskIgnoringContextForcesCancelledAfterGrace(t *testing.T) {
	e := testEngine(t, func(c *Config) {
		c.PriorityAdjustmentInterval = time.Hour
		c.CancelGraceMillis = 30
	})

	started := make(chan struct{})
	stubborn := func(ctx context.Context, task Task, rc *RunContext) (ExecuteResult, error) {
		close(started)
		time.Sleep(150 * time.Millisecond) // deliberately ignores ctx, well past the grace window
		return ExecuteResult{}, nil
	}

	id, err := e.Submit(Spec{Title: "A", Description: "a", Execute: stubborn})
	require.NoError(t, err)
	e.runTick()
	<-started

	ok, err := e.Cancel(id, "stuck task")
	require.NoError(t, err)
	require.True(t, ok)

	task, _ := e.GetTask(id)
	require.Equal(t, StatusCancelled, task.Status)
}

// P4: RUNNING never exceeds max_concurrent_tasks even under a burst of
// independent, resource-free submissions.
func TestRunningNeverExceedsMaxConcurrentTasks(t *testing.T) {
	e := testEngine(t, func(c *Config) { c.MaxConcurrentTasks = 2 })

	var running int32
	var peak int32
	var mu sync.Mutex
	slow := func(ctx context.Context, task Task, rc *RunContext) (ExecuteResult, error) {
		n := atomic.AddInt32(&running, 1)
		mu.Lock()
		if n > peak {
			peak = n
		}
		mu.Unlock()
		time.Sleep(40 * time.Millisecond)
		atomic.AddInt32(&running, -1)
		return ExecuteResult{}, nil
	}

	var ids []string
	for i := 0; i < 6; i++ {
		id, err := e.Submit(Spec{Title: "t", Description: "d", Execute: slow})
		require.NoError(t, err)
		ids = append(ids, id)
	}
	for _, id := range ids {
		waitForStatus(t, e, id, StatusCompleted, 3*time.Second)
	}

	require.LessOrEqual(t, int(peak), 2)
}

// A crashed session whose last checkpoint disagrees with a task's live
// per-id record must be reconciled through the configured
// conflict_resolution strategy during boot, not silently left as
// whichever side Enumerate happens to return (spec §4.G).
func TestBootResolvesCheckpointVsLiveConflictViaMerge(t *testing.T) {
	root := t.TempDir()
	dbPath := filepath.Join(root, "test.db")
	mp := noopmetric.MeterProvider{}

	st, err := store.Open(dbPath, store.Options{}, mp.Meter("setup"))
	require.NoError(t, err)

	staleHeartbeat := time.Now().Add(-time.Hour)
	stale := persistence.Session{ID: "dead-session", StartedAt: staleHeartbeat, LastHeartbeat: staleHeartbeat, Status: persistence.SessionActive}
	staleData, err := json.Marshal(stale)
	require.NoError(t, err)
	require.NoError(t, st.SaveSession(stale.ID, staleData))

	// The checkpoint reflects the task mid-run; the live per-task record
	// (written after the checkpoint, before the crash) reflects it having
	// finished. Merge must keep the more advanced status.
	checkpointTask := Task{ID: "t1", Status: StatusRunning, CreatedAt: time.Now().Add(-time.Minute), CurrentRetries: 0}
	liveTask := Task{ID: "t1", Status: StatusRunning, CreatedAt: checkpointTask.CreatedAt, CurrentRetries: 2}
	completedAt := time.Now()
	liveTask.CompletedAt = &completedAt
	liveTask.Status = StatusCompleted

	pm := persistence.NewManager(st, persistence.Config{SessionTimeout: time.Hour, MaxCheckpoints: 10})
	ckPayload, err := json.Marshal([]Task{checkpointTask})
	require.NoError(t, err)
	_, err = pm.CreateCheckpoint(context.Background(), false, ckPayload)
	require.NoError(t, err)

	livePayload, err := json.Marshal(liveTask)
	require.NoError(t, err)
	require.NoError(t, st.Save(context.Background(), liveTask.ID, livePayload, nil))
	require.NoError(t, st.Close())

	cfg := DefaultConfig()
	cfg.PriorityAdjustmentInterval = time.Hour
	cfg.Persistence.Root = root
	cfg.Persistence.SessionTimeout = 50 * time.Millisecond
	cfg.Persistence.ConflictResolution = ConflictMerge

	e, err := New(context.Background(), cfg, Options{Meter: mp.Meter("test"), StorePath: dbPath})
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Shutdown(2 * time.Second) })

	task, ok := e.GetTask("t1")
	require.True(t, ok)
	require.Equal(t, StatusCompleted, task.Status, "merge must keep the more advanced status from the live record")
	require.Equal(t, 2, task.CurrentRetries, "merge must union CurrentRetries across both sides")
}
