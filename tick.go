package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/taskmesh/engine/internal/condition"
	"github.com/taskmesh/engine/internal/executor"
	"github.com/taskmesh/engine/internal/priority"
	"github.com/taskmesh/engine/internal/scheduler"
)

// loop drives the scheduler tick on priority_adjustment_interval (spec
// §4.E "ticks driven by a timer"), recomputing dynamic priorities and
// dispatching ready tasks until Shutdown stops it.
func (e *Engine) loop() {
	defer e.wg.Done()
	for {
		select {
		case <-e.stopCh:
			return
		case <-e.ticker.C:
			e.runTick()
		}
	}
}

// runTick is one scheduler pass: recompute priorities, select a batch
// of ready tasks under the configured algorithm, and dispatch as many
// as the executor has slots for.
func (e *Engine) runTick() {
	now := time.Now()
	e.recomputePriorities(now)

	if e.paused.Load() {
		return
	}

	candidates := e.buildCandidates(now)
	if len(candidates) == 0 {
		return
	}

	slots := e.pool.AvailableSlots()
	if slots <= 0 {
		return
	}

	load := float64(e.pool.Running()) / float64(e.pool.Capacity())
	algo := scheduler.Algorithm(e.cfg.SchedulingAlgorithm)
	urgent := false
	for _, c := range candidates {
		if c.Deadline != nil && time.Until(*c.Deadline) < c.EstimatedDuration*2 {
			urgent = true
			break
		}
	}

	selections, fairness := scheduler.SelectTick(candidates, slots, algo, load, urgent, e.ledger, e.cfg.EnableBatching)
	e.lastFairness.Store(fairness)
	slog.Debug("scheduler tick", "selected", len(selections), "fairness", fairness)

	for _, sel := range selections {
		e.dispatch(sel.Candidate.ID)
	}
}

// recomputePriorities refreshes dynamic_priority for every non-terminal
// task (spec §4.D) and applies the one-shot starvation boost to tasks
// that have waited past max_starvation_time.
func (e *Engine) recomputePriorities(now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var highestRunningTier float64
	for _, t := range e.tasks {
		if t.Status == StatusRunning && float64(t.BasePriority) > highestRunningTier {
			highestRunningTier = float64(t.BasePriority)
		}
	}

	for id, t := range e.tasks {
		if t.Status.IsTerminal() || t.Status == StatusRunning {
			continue
		}
		chainLen := e.graph.ChainLength(id)
		resAvail := e.ledger.AvailabilityScore(t.ResourceConstraints)
		histRate := e.predictor.SuccessRate(string(t.Category))

		score, factors := e.priorityE.Compute(now, priority.Input{
			BasePriority:         float64(t.BasePriority),
			CreatedAt:            t.CreatedAt,
			UserImportance:       t.PriorityFactors.UserImportance,
			SystemCriticality:    SystemCriticality(t.Category),
			ChainLength:          chainLen,
			ResourceAvailability: resAvail,
			HistorySuccessRate:   histRate,
		})

		if t.Status == StatusQueued {
			queuedFor := now.Sub(t.CreatedAt)
			if boosted, did := e.priorityE.MaybeBoostStarved(id, queuedFor, e.cfg.MaxStarvationTime, score, highestRunningTier); did {
				score = boosted
			}
		}

		t.DynamicPriority = score
		t.PriorityFactors = PriorityFactors{
			Age:                  factors.Age,
			UserImportance:       factors.UserImportance,
			SystemCriticality:    factors.SystemCriticality,
			DependencyWeight:     factors.DependencyWeight,
			ResourceAvailability: factors.ResourceAvailability,
			ExecutionHistory:     factors.ExecutionHistory,
		}
	}
}

// buildCandidates promotes every ready, precondition-satisfied task to
// a scheduler.Candidate. Tasks blocked on either an unmet BLOCKS edge
// or a failing pre-condition are marked BLOCKED and re-examined every
// tick (spec §7 PreConditionFailed: "recheck scheduled").
func (e *Engine) buildCandidates(now time.Time) []scheduler.Candidate {
	e.mu.Lock()
	defer e.mu.Unlock()

	var out []scheduler.Candidate
	for id, t := range e.tasks {
		if t.Status != StatusQueued && t.Status != StatusPendingRetry && t.Status != StatusBlocked {
			continue
		}
		if !e.graph.IsReady(id) {
			t.Status = StatusBlocked
			continue
		}
		if !e.preConditionsPass(t) {
			t.Status = StatusBlocked
			continue
		}
		if t.Status == StatusBlocked {
			t.Status = StatusQueued
		}

		var deadline *time.Time
		if t.Deadline != nil {
			d := *t.Deadline
			deadline = &d
		}
		out = append(out, scheduler.Candidate{
			ID:                id,
			Category:          string(t.Category),
			BasePriority:      float64(t.BasePriority),
			DynamicPriority:   t.DynamicPriority,
			CreatedAt:         t.CreatedAt,
			Deadline:          deadline,
			EstimatedDuration: t.EstimatedDuration,
			Resources:         t.ResourceConstraints,
			BatchGroup:        t.BatchGroup,
			BatchCompatible:   t.BatchCompatible,
			PredictedSuccess:  e.predictor.SuccessRate(string(t.Category)),
			PredictedDuration: t.EstimatedDuration,
		})
	}
	return out
}

// preConditionsPass evaluates every pre_condition CEL expression
// against the task's own priority factors, resource constraints, and
// the shared run context (spec §4.H pre_conditions_pass(id)).
func (e *Engine) preConditionsPass(t *Task) bool {
	if len(t.PreConditions) == 0 {
		return true
	}
	e.rcMu.Lock()
	ctxSnapshot := copyOutputs(e.rc.Outputs)
	e.rcMu.Unlock()

	vars := condition.Vars{
		Factors: map[string]float64{
			"age":                   t.PriorityFactors.Age,
			"user_importance":       t.PriorityFactors.UserImportance,
			"system_criticality":    t.PriorityFactors.SystemCriticality,
			"dependency_weight":     t.PriorityFactors.DependencyWeight,
			"resource_availability": t.PriorityFactors.ResourceAvailability,
			"execution_history":     t.PriorityFactors.ExecutionHistory,
		},
		Resources: intMapToFloat(t.ResourceConstraints),
		Context:   map[string]any{"outputs": ctxSnapshot},
		Task:      map[string]any{"id": t.ID, "category": string(t.Category), "tags": t.Tags},
	}
	for _, expr := range t.PreConditions {
		ok, err := e.cond.Eval(expr, vars)
		if err != nil {
			slog.Warn("pre-condition evaluation failed", "task_id", t.ID, "expr", expr, "error", err)
			return false
		}
		if !ok {
			return false
		}
	}
	return true
}

// dispatch claims id's ledger reservation (already made by SelectTick's
// two-phase reserve) into an actual executor.Job. A pool rejection
// (at capacity / circuit open) releases the reservation and leaves the
// task eligible for the next tick rather than failing it.
func (e *Engine) dispatch(id string) {
	e.mu.Lock()
	t, ok := e.tasks[id]
	if !ok {
		e.mu.Unlock()
		return
	}
	now := time.Now()
	t.Status = StatusRunning
	t.StartedAt = &now
	timeout := t.EstimatedDuration
	if timeout <= 0 {
		timeout = e.cfg.DefaultTimeout
	}
	e.mu.Unlock()

	e.graph.MarkRunning(id)

	job := executor.Job{
		ID:       id,
		Category: string(t.Category),
		Timeout:  timeout,
		Run:      func(ctx context.Context) (any, error) { return e.runTask(ctx, id) },
		OnResult: func(res executor.Result) { e.onResult(id, res) },
	}

	if err := e.pool.Dispatch(context.Background(), job); err != nil {
		e.mu.Lock()
		if tt, ok := e.tasks[id]; ok && tt.Status == StatusRunning {
			tt.Status = StatusQueued
			tt.StartedAt = nil
		}
		e.mu.Unlock()
		e.graph.UnmarkRunning(id)
		e.ledger.Release(id)
		return
	}

	e.persistTask(t)
	e.bus.Publish(Event{Kind: EventTaskStarted, TaskID: id})
}

// runTask invokes the caller's ExecuteFunc with a read-only snapshot of
// the shared run context, and classifies any error into the spec §7
// taxonomy before returning it to the executor pool.
func (e *Engine) runTask(ctx context.Context, id string) (any, error) {
	e.mu.RLock()
	t := *e.tasks[id]
	e.mu.RUnlock()

	e.rcMu.Lock()
	rcSnapshot := &RunContext{SessionID: e.rc.SessionID, Outputs: copyOutputs(e.rc.Outputs)}
	e.rcMu.Unlock()

	result, err := t.Execute(ctx, t, rcSnapshot)
	if err != nil {
		switch ctx.Err() {
		case context.DeadlineExceeded:
			return result, WrapError(KindTimeout, err, "execution exceeded timeout")
		case context.Canceled:
			return result, WrapError(KindCancellationRequested, err, "execution cancelled")
		default:
			return result, WrapError(KindExecution, err, "execute failed")
		}
	}
	if t.ValidateFn != nil {
		if verr := t.ValidateFn(ctx, t, result); verr != nil {
			return result, WrapError(KindExecution, verr, "result validation failed")
		}
	}
	return result, nil
}

// onResult folds one executor.Result back into task state: success
// marks COMPLETED and feeds subtasks/outputs forward; failure consumes
// a retry (requeuing after a backoff delay) or transitions FAILED once
// max_retries is exhausted (spec §7 propagation rules).
func (e *Engine) onResult(id string, res executor.Result) {
	e.graph.UnmarkRunning(id)
	e.ledger.Release(id)
	e.priorityE.ClearBoost(id)
	defer e.notifyResult(id)

	e.mu.Lock()
	t, ok := e.tasks[id]
	if !ok || t.Status.IsTerminal() {
		e.mu.Unlock()
		return
	}
	now := time.Now()
	t.ActualDuration = res.Duration
	t.Metrics.Duration = res.Duration
	t.Metrics.RetryCount = t.CurrentRetries
	e.mu.Unlock()

	if res.Err == nil {
		e.completeTask(t, res, now)
		return
	}
	e.failTask(t, res, now)
}

func (e *Engine) completeTask(t *Task, res executor.Result, now time.Time) {
	result, _ := res.Output.(ExecuteResult)

	e.mu.Lock()
	t.Status = StatusCompleted
	t.CompletedAt = &now
	e.mu.Unlock()

	e.graph.MarkCompleted(t.ID)
	e.predictor.Record(string(t.Category), true)
	e.queueDepth.Add(-1)
	if t.CurrentRetries > 0 && e.retryInst.Success != nil {
		e.retryInst.Success.Add(context.Background(), 1)
	}

	e.rcMu.Lock()
	e.rc.Outputs[t.ID] = result.Result
	e.rcMu.Unlock()

	e.persistTask(t)
	e.bus.Publish(Event{Kind: EventTaskCompleted, TaskID: t.ID})

	for _, next := range result.NextTasks {
		next.ParentTaskID = t.ID
		if _, err := e.Submit(next); err != nil {
			slog.Warn("submitting subtask failed", "parent_id", t.ID, "error", err)
		}
	}
}

func (e *Engine) failTask(t *Task, res executor.Result, now time.Time) {
	kind, _ := KindOf(res.Err)
	if kind == "" {
		kind = KindExecution
	}

	e.mu.Lock()
	startedAt := now
	if t.StartedAt != nil {
		startedAt = *t.StartedAt
	}
	t.RetryHistory = append(t.RetryHistory, RetryAttempt{
		Attempt:   t.CurrentRetries + 1,
		StartedAt: startedAt,
		EndedAt:   now,
		ErrorKind: kind,
		Error:     res.Err.Error(),
	})

	retryable := kind == KindTimeout || e.retryClassifier.Retryable(res.Err)
	if retryable && t.CurrentRetries < t.MaxRetries {
		t.CurrentRetries++
		t.Status = StatusPendingRetry
		t.StartedAt = nil
		attempt := t.CurrentRetries
		e.mu.Unlock()

		if e.retryInst.Attempts != nil {
			e.retryInst.Attempts.Add(context.Background(), 1)
		}
		e.persistTask(t)
		e.bus.Publish(Event{Kind: EventTaskFailed, TaskID: t.ID, ErrorKind: kind, Message: "retry scheduled"})

		delay := e.backoff.NextDelay(attempt)
		time.AfterFunc(delay, func() { e.requeue(t.ID) })
		return
	}

	t.Status = StatusFailed
	t.CompletedAt = &now
	t.LastError = &TaskError{Kind: kind, Message: res.Err.Error()}
	e.mu.Unlock()

	if t.Rollback != nil {
		if rerr := t.Rollback(context.Background(), *t); rerr != nil {
			slog.Warn("rollback failed", "task_id", t.ID, "error", rerr)
			e.mu.Lock()
			t.LastError.Message += fmt.Sprintf(" (rollback failed: %v)", rerr)
			e.mu.Unlock()
		}
	}

	e.predictor.Record(string(t.Category), false)
	e.queueDepth.Add(-1)
	if e.retryInst.Failures != nil {
		e.retryInst.Failures.Add(context.Background(), 1)
	}
	e.persistTask(t)
	e.bus.Publish(Event{Kind: EventTaskFailed, TaskID: t.ID, ErrorKind: kind, Message: t.LastError.Message})
}

// requeue moves a PENDING_RETRY task back onto the scheduler's ready
// path once its backoff delay has elapsed.
func (e *Engine) requeue(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if t, ok := e.tasks[id]; ok && t.Status == StatusPendingRetry {
		t.Status = StatusQueued
	}
}

func copyOutputs(src map[string]map[string]any) map[string]map[string]any {
	out := make(map[string]map[string]any, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}

func intMapToFloat(m map[string]int) map[string]float64 {
	out := make(map[string]float64, len(m))
	for k, v := range m {
		out[k] = float64(v)
	}
	return out
}

