package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/taskmesh/engine/internal/condition"
	"github.com/taskmesh/engine/internal/depgraph"
	"github.com/taskmesh/engine/internal/executor"
	"github.com/taskmesh/engine/internal/persistence"
	"github.com/taskmesh/engine/internal/priority"
	"github.com/taskmesh/engine/internal/resilience"
	"github.com/taskmesh/engine/internal/resources"
	"github.com/taskmesh/engine/internal/store"
)

// Engine is the Integrator (spec §4.H): it owns every internal
// subsystem and is the only thing that ever translates between
// engine.Task and each subsystem's local representation, since the
// subsystems themselves stay free of this package to avoid an import
// cycle.
type Engine struct {
	cfg Config

	mu    sync.RWMutex
	tasks map[string]*Task

	rcMu sync.Mutex
	rc   *RunContext

	graph     *depgraph.Graph
	ledger    *resources.Ledger
	priorityE *priority.Engine
	predictor priority.Predictor
	pool      *executor.Pool
	cond      *condition.Evaluator
	bus       *EventBus

	st      *store.Store
	persist *persistence.Manager

	breakdown       TaskBreakdownHook
	nodeSelector    NodeSelector
	retryClassifier RetryClassifier

	backoff   resilience.BackoffPolicy
	retryInst resilience.Instruments
	admission *resilience.RateLimiter

	queueDepth   atomic.Int64
	paused       atomic.Bool
	closing      atomic.Bool
	lastFairness atomic.Value // float64

	waitersMu sync.Mutex
	waiters   map[string]chan struct{}

	ticker *time.Ticker
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// Options lets callers override the default collaborators Design Notes
// §9 carries forward as pluggable interfaces.
type Options struct {
	ResourcePools   map[string]int
	Meter           metric.Meter
	TaskBreakdown   TaskBreakdownHook
	NodeSelector    NodeSelector
	RetryClassifier RetryClassifier
	Predictor       priority.Predictor
	StorePath       string
}

// New constructs an Engine and, if persistence is enabled, boots the
// Persistence Engine and replays any crashed session's RUNNING tasks
// as PENDING_RETRY (spec L1: at-least-once after crash).
func New(ctx context.Context, cfg Config, opts Options) (*Engine, error) {
	if opts.Meter == nil {
		return nil, NewError(KindValidation, "Options.Meter is required")
	}

	condEval, err := condition.New()
	if err != nil {
		return nil, WrapError(KindValidation, err, "build condition evaluator")
	}

	nodeSelector := opts.NodeSelector
	if nodeSelector == nil {
		nodeSelector = LocalNodeSelector{Self: "local"}
	}
	retryClassifier := opts.RetryClassifier
	if retryClassifier == nil {
		retryClassifier = defaultRetryClassifier{}
	}
	predictor := opts.Predictor
	if predictor == nil {
		predictor = priority.NewMovingAveragePredictor(0.2)
	}

	e := &Engine{
		cfg:             cfg,
		tasks:           make(map[string]*Task),
		rc:              &RunContext{Outputs: make(map[string]map[string]any)},
		graph:           depgraph.New(),
		ledger:          resources.New(opts.ResourcePools),
		priorityE:       priority.New(priority.DefaultWeights()),
		predictor:       predictor,
		cond:            condEval,
		bus:             NewEventBus(256),
		breakdown:       opts.TaskBreakdown,
		nodeSelector:    nodeSelector,
		retryClassifier: retryClassifier,
		backoff:         resilience.DefaultBackoffPolicy(),
		retryInst:       resilience.NewInstruments(opts.Meter),
		admission:       resilience.NewRateLimiter(opts.Meter, int64(cfg.QueueHighWaterMark), float64(cfg.QueueHighWaterMark), time.Minute, 0),
		waiters:         make(map[string]chan struct{}),
		stopCh:          make(chan struct{}),
	}
	e.lastFairness.Store(1.0)

	breakerFactory := func() *resilience.CircuitBreaker {
		return resilience.NewCircuitBreaker(opts.Meter, 30*time.Second, 6, 5, 0.5, 15*time.Second, 3)
	}
	e.pool = executor.New(cfg.MaxConcurrentTasks, time.Duration(cfg.CancelGraceMillis)*time.Millisecond, breakerFactory)

	if cfg.Persistence.Enabled {
		path := opts.StorePath
		if path == "" {
			path = cfg.Persistence.Root + "/taskmesh.db"
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, WrapError(KindShutdown, err, "create persistence root")
		}
		st, err := store.Open(path, store.Options{
			CacheSize:     cfg.Persistence.Performance.CacheSize,
			Async:         cfg.Persistence.Performance.AsyncWrites,
			BufferBound:   cfg.Persistence.Performance.BatchSize,
			FlushInterval: time.Second,
		}, opts.Meter)
		if err != nil {
			return nil, WrapError(KindShutdown, err, "open task store")
		}
		e.st = st
		e.persist = persistence.NewManager(st, persistence.Config{
			HeartbeatInterval:  cfg.Persistence.HeartbeatInterval,
			CheckpointInterval: cfg.Persistence.CheckpointInterval,
			MaxCheckpoints:     cfg.Persistence.MaxCheckpoints,
			SessionTimeout:     cfg.Persistence.SessionTimeout,
			ConflictResolution: string(cfg.Persistence.ConflictResolution),
			Merge:              mergeTaskVersions,
		})

		if err := e.boot(ctx); err != nil {
			return nil, err
		}
	}

	if e.persist != nil {
		if err := e.persist.StartMaintenanceTicker(ctx, e.onHeartbeat, e.onCheckpoint, nil); err != nil {
			return nil, WrapError(KindShutdown, err, "start maintenance ticker")
		}
	}

	e.ticker = time.NewTicker(cfg.PriorityAdjustmentInterval)
	e.wg.Add(1)
	go e.loop()

	return e, nil
}

// boot replays crashed sessions (spec §4.G/L1) by loading every
// persisted task and, for the ones this process's predecessor left
// RUNNING, moving them to PENDING_RETRY before the scheduler loop
// starts so they are picked up on the very first tick. When a crash is
// detected, a task id present in both the last checkpoint and the live
// per-task record is exactly spec §4.G's "two sessions updating the
// same task concurrently": the checkpoint reflects one session's last
// known-good snapshot, the per-task record reflects whatever a (maybe
// different, maybe crashed) session wrote after. These are reconciled
// through the configured conflict_resolution strategy before either
// side is trusted.
func (e *Engine) boot(ctx context.Context) error {
	crashed, err := e.persist.Boot(ctx)
	if err != nil {
		return WrapError(KindShutdown, err, "boot persistence session")
	}

	checkpointTasks, checkpointAt := e.loadCheckpointTasksForConflictCheck(len(crashed) > 0)

	restored := 0
	conflicts := 0
	err = e.st.Enumerate(func(id string, payload []byte) error {
		var t Task
		if jsonErr := json.Unmarshal(payload, &t); jsonErr != nil {
			slog.Warn("skipping corrupt task record on boot", "id", id, "error", jsonErr)
			return nil
		}

		if ck, ok := checkpointTasks[id]; ok {
			resolved, didResolve, resolveErr := e.resolveTaskConflict(t, ck, checkpointAt)
			if resolveErr != nil {
				slog.Warn("conflict resolution deferred to manual review", "task_id", id, "error", resolveErr)
				e.bus.Publish(Event{Kind: EventCrashRecovery, TaskID: id, Message: "manual conflict resolution required: " + resolveErr.Error()})
			} else if didResolve {
				t = resolved
				conflicts++
			}
		}

		if t.Status == StatusRunning {
			t.Status = StatusPendingRetry
			t.RetryHistory = append(t.RetryHistory, RetryAttempt{
				Attempt:   t.CurrentRetries + 1,
				StartedAt: time.Now(),
				EndedAt:   time.Now(),
				ErrorKind: KindShutdown,
				Error:     "session crashed while task was running",
			})
		}
		e.registerRestoredTask(&t)
		restored++
		return nil
	})
	if err != nil {
		return WrapError(KindShutdown, err, "enumerate persisted tasks")
	}

	slog.Info("engine boot complete", "restored_tasks", restored, "crashed_sessions", len(crashed), "conflicts_resolved", conflicts)
	if len(crashed) > 0 {
		e.bus.Publish(Event{Kind: EventCrashRecovery, Message: fmt.Sprintf("%d crashed session(s), %d tasks restored, %d conflicts resolved", len(crashed), restored, conflicts)})
	}
	return nil
}

// loadCheckpointTasksForConflictCheck returns the latest checkpoint's
// tasks by id, keyed for conflict detection, only when a crash was
// actually detected — an orderly boot has no second writer to conflict
// with, so there is nothing to reconcile.
func (e *Engine) loadCheckpointTasksForConflictCheck(haveCrash bool) (map[string]Task, time.Time) {
	if !haveCrash {
		return nil, time.Time{}
	}
	meta, payload, ok, err := e.persist.LatestCheckpointMeta()
	if err != nil || !ok {
		return nil, time.Time{}
	}
	var snapshot []Task
	if jsonErr := json.Unmarshal(payload, &snapshot); jsonErr != nil {
		slog.Warn("skipping unreadable checkpoint during conflict check", "error", jsonErr)
		return nil, time.Time{}
	}
	out := make(map[string]Task, len(snapshot))
	for _, t := range snapshot {
		out[t.ID] = t
	}
	return out, meta.CreatedAt
}

// resolveTaskConflict applies the configured persistence.Resolver to
// live (the per-task record) against checkpointed (that same id's
// entry in the last checkpoint, taken at checkpointAt). Returns the
// winning Task and true if the two versions actually differed.
func (e *Engine) resolveTaskConflict(live, checkpointed Task, checkpointAt time.Time) (Task, bool, error) {
	livePayload, err := json.Marshal(live)
	if err != nil {
		return live, false, nil
	}
	checkpointedPayload, err := json.Marshal(checkpointed)
	if err != nil {
		return live, false, nil
	}
	if string(livePayload) == string(checkpointedPayload) {
		return live, false, nil
	}

	winner, err := e.persist.Resolve(
		persistence.Versioned{Payload: checkpointedPayload, UpdatedAt: checkpointAt},
		persistence.Versioned{Payload: livePayload, UpdatedAt: taskUpdatedAt(live)},
	)
	if err != nil {
		return live, false, err
	}

	var resolved Task
	if jsonErr := json.Unmarshal(winner.Payload, &resolved); jsonErr != nil {
		return live, false, nil
	}
	return resolved, true, nil
}

func (e *Engine) registerRestoredTask(t *Task) {
	e.mu.Lock()
	e.tasks[t.ID] = t
	e.mu.Unlock()

	e.graph.EnsureNode(t.ID)
	for _, dep := range t.Dependencies {
		_ = e.graph.AddEdge(dep, t.ID, depgraph.Blocks, false)
	}
	if t.Status == StatusRunning {
		e.graph.MarkRunning(t.ID)
	}
	if t.Status == StatusCompleted {
		e.graph.MarkCompleted(t.ID)
	}
	if !t.Status.IsTerminal() {
		e.queueDepth.Add(1)
	}
}

// Submit validates and queues a new task (spec §4.H). QueueFull is
// returned once admission control trips the configured high-water
// mark (spec §5 backpressure).
func (e *Engine) Submit(spec Spec) (string, error) {
	if e.closing.Load() {
		return "", NewError(KindShutdown, "engine is shutting down")
	}
	if !e.admission.Allow() || e.queueDepth.Load() >= int64(e.cfg.QueueHighWaterMark) {
		return "", NewError(KindQueueFull, "queue depth at high-water mark %d", e.cfg.QueueHighWaterMark)
	}

	if spec.MaxRetries == 0 {
		spec.MaxRetries = e.cfg.MaxRetries
	}
	t, err := spec.Build(time.Now())
	if err != nil {
		return "", err
	}
	if t.EstimatedDuration == 0 {
		t.EstimatedDuration = e.cfg.DefaultTimeout
	}
	t.Status = StatusQueued

	e.mu.Lock()
	e.tasks[t.ID] = &t
	e.mu.Unlock()
	e.graph.EnsureNode(t.ID)

	for _, dep := range spec.DependsOn {
		if err := e.AddDependency(t.ID, dep.DependsOn, dep.Type, dep.Optional); err != nil {
			e.mu.Lock()
			delete(e.tasks, t.ID)
			e.mu.Unlock()
			e.graph.RemoveNode(t.ID)
			return "", err
		}
	}

	e.queueDepth.Add(1)
	e.persistTask(&t)
	e.bus.Publish(Event{Kind: EventTaskQueued, TaskID: t.ID})
	return t.ID, nil
}

// AddDependency registers a typed edge between two already-known tasks
// (spec §4.B). A BLOCKS edge that would close a cycle is rejected and
// the graph is left unchanged (spec L4).
func (e *Engine) AddDependency(dependent, dependsOn string, typ DependencyType, optional bool) error {
	if err := e.graph.AddEdge(dependsOn, dependent, depgraph.EdgeType(typ), optional); err != nil {
		if cycle, ok := err.(*depgraph.CycleError); ok {
			return &CycleError{Path: cycle.Path}
		}
		return WrapError(KindValidation, err, "add dependency")
	}

	e.mu.Lock()
	if t, ok := e.tasks[dependent]; ok {
		t.Dependencies = append(t.Dependencies, dependsOn)
	}
	if t, ok := e.tasks[dependsOn]; ok {
		t.Dependents = append(t.Dependents, dependent)
	}
	e.mu.Unlock()
	return nil
}

// Cancel requests cooperative cancellation of a task (spec §7
// CancellationRequested). A QUEUED task is cancelled immediately. A
// RUNNING task is signalled via the executor and given up to
// cancel_grace_ms to return on its own; if it hasn't by then, Cancel
// forces CANCELLED and logs a leaked-work warning (spec §4.F point 6).
func (e *Engine) Cancel(id string, reason string) (bool, error) {
	e.mu.Lock()
	t, ok := e.tasks[id]
	if !ok {
		e.mu.Unlock()
		return false, NewError(KindNotFound, "task %q not found", id)
	}
	if t.Status.IsTerminal() {
		e.mu.Unlock()
		return false, nil
	}
	wasRunning := t.Status == StatusRunning
	e.mu.Unlock()

	if wasRunning {
		done := e.awaitResult(id)
		e.pool.Cancel(id)
		grace := e.pool.GraceWindow()
		select {
		case <-done:
		case <-time.After(grace):
			slog.Warn("task did not return within cancel grace window, forcing cancelled",
				"task_id", id, "grace_window", grace)
		}
		e.forgetResultWaiter(id)
	}

	e.mu.Lock()
	t, ok = e.tasks[id]
	if !ok || t.Status.IsTerminal() {
		// onResult already finalized the task (it completed, failed, or
		// honored the cancellation on its own) during the grace window.
		e.mu.Unlock()
		return false, nil
	}
	t.Status = StatusCancelled
	now := time.Now()
	t.CompletedAt = &now
	t.LastError = &TaskError{Kind: KindCancellationRequested, Message: reason}
	e.mu.Unlock()

	e.queueDepth.Add(-1)
	e.graph.UnmarkRunning(id)
	// Not marked completed: BLOCKS dependents of a cancelled task stay blocked.
	e.ledger.Release(id)
	e.priorityE.ClearBoost(id)
	e.persistTask(t)
	e.bus.Publish(Event{Kind: EventTaskFailed, TaskID: id, ErrorKind: KindCancellationRequested, Message: reason})
	return true, nil
}

// awaitResult returns a channel that notifyResult closes once id's
// executor.Job has returned and onResult has processed it, letting
// Cancel wait for natural completion instead of the full grace window.
func (e *Engine) awaitResult(id string) <-chan struct{} {
	ch := make(chan struct{})
	e.waitersMu.Lock()
	e.waiters[id] = ch
	e.waitersMu.Unlock()
	return ch
}

func (e *Engine) forgetResultWaiter(id string) {
	e.waitersMu.Lock()
	delete(e.waiters, id)
	e.waitersMu.Unlock()
}

func (e *Engine) notifyResult(id string) {
	e.waitersMu.Lock()
	ch, ok := e.waiters[id]
	if ok {
		delete(e.waiters, id)
	}
	e.waitersMu.Unlock()
	if ok {
		close(ch)
	}
}

// Breakdown runs the caller-supplied TaskBreakdownHook, if any, against
// an already-submitted task and returns the proposed subtask specs
// without submitting them — decomposition policy stays the caller's
// decision (spec §1 Non-goals), the engine only exposes the hook point.
func (e *Engine) Breakdown(ctx context.Context, id string) ([]Spec, error) {
	if e.breakdown == nil {
		return nil, nil
	}
	t, ok := e.GetTask(id)
	if !ok {
		return nil, NewError(KindNotFound, "task %q not found", id)
	}
	return e.breakdown.Breakdown(ctx, t)
}

// SelectNode exposes the configured NodeSelector so a distributed
// caller can route a task before submitting it locally; the engine's
// own Executor only ever runs tasks in-process (spec §1/§9).
func (e *Engine) SelectNode(ctx context.Context, t Task, candidates []string) (string, error) {
	return e.nodeSelector.SelectNode(ctx, t, candidates)
}

// GetTask returns a copy of the task with the given id.
func (e *Engine) GetTask(id string) (Task, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	t, ok := e.tasks[id]
	if !ok {
		return Task{}, false
	}
	return *t, true
}

// ListTasks returns a copy of every task matching filter (nil matches all).
func (e *Engine) ListTasks(filter func(Task) bool) []Task {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Task, 0, len(e.tasks))
	for _, t := range e.tasks {
		if filter == nil || filter(*t) {
			out = append(out, *t)
		}
	}
	return out
}

// Subscribe registers a new event subscriber on the engine's event bus.
func (e *Engine) Subscribe() *Subscription { return e.bus.Subscribe() }

// Pause stops new dispatch from the scheduler loop; tasks already
// RUNNING continue to completion.
func (e *Engine) Pause() { e.paused.Store(true) }

// Resume re-enables dispatch after Pause.
func (e *Engine) Resume() { e.paused.Store(false) }

// Shutdown stops the scheduler loop, cancels every running task after
// waiting up to timeout for natural completion, flushes a final
// checkpoint, and closes the store.
func (e *Engine) Shutdown(timeout time.Duration) error {
	if e.closing.Swap(true) {
		return nil // already shutting down
	}
	close(e.stopCh)
	e.ticker.Stop()
	e.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := e.pool.Wait(ctx); err != nil {
		e.pool.CancelAll()
		_ = e.pool.Wait(context.Background())
	}

	if e.persist != nil {
		_ = e.persist.StopMaintenanceTicker(ctx)
		e.checkpointNow(true)
		_ = e.persist.Close(ctx)
	}
	e.bus.Close()
	if e.st != nil {
		return e.st.Close()
	}
	return nil
}

// persistTask writes t's current state to the Task Store, if enabled.
// Persistence failures are logged, not fatal: the in-memory state
// remains authoritative for this process's lifetime.
func (e *Engine) persistTask(t *Task) {
	if e.st == nil {
		return
	}
	data, err := json.Marshal(t)
	if err != nil {
		slog.Warn("marshal task for persistence failed", "id", t.ID, "error", err)
		return
	}
	if err := e.st.Save(context.Background(), t.ID, data, nil); err != nil {
		slog.Warn("persist task failed", "id", t.ID, "error", err)
	}
}

func (e *Engine) onHeartbeat(ctx context.Context) {
	if e.persist != nil {
		if err := e.persist.Heartbeat(ctx); err != nil {
			slog.Warn("heartbeat failed", "error", err)
		}
	}
}

func (e *Engine) onCheckpoint(ctx context.Context) {
	e.checkpointNow(false)
}

// checkpointNow snapshots every task, terminal ones included, into one checkpoint
// payload (spec L2: restore(create_checkpoint()) round-trips state).
func (e *Engine) checkpointNow(manual bool) {
	if e.persist == nil {
		return
	}
	e.mu.RLock()
	snapshot := make([]Task, 0, len(e.tasks))
	for _, t := range e.tasks {
		snapshot = append(snapshot, *t)
	}
	e.mu.RUnlock()

	sort.Slice(snapshot, func(i, j int) bool { return snapshot[i].ID < snapshot[j].ID })

	payload, err := json.Marshal(snapshot)
	if err != nil {
		slog.Warn("marshal checkpoint failed", "error", err)
		return
	}
	if _, err := e.persist.CreateCheckpoint(context.Background(), manual, payload); err != nil {
		slog.Warn("create checkpoint failed", "error", err)
		return
	}
	e.bus.Publish(Event{Kind: EventCheckpointCreated})
}
