package engine

import "context"

// TaskBreakdownHook lets a caller decompose a complex task into
// subtasks; Engine.Breakdown calls it on an already-submitted task and
// submits the returned specs as subtasks. The core exposes this hook
// point only — decomposition policy (complexity estimation, subtask
// generation) is out of scope (spec §1) and is never implemented here.
type TaskBreakdownHook interface {
	Breakdown(ctx context.Context, t Task) ([]Spec, error)
}

// NodeSelector lets a caller route a ready task to a specific executor
// node in a distributed deployment. The core's own Executor only ever
// implements the in-process default (run locally); remote routing is a
// pluggable collaborator (spec §1).
type NodeSelector interface {
	SelectNode(ctx context.Context, t Task, candidates []string) (string, error)
}

// LocalNodeSelector is the trivial default: every task runs on this process.
type LocalNodeSelector struct{ Self string }

func (l LocalNodeSelector) SelectNode(_ context.Context, _ Task, _ []string) (string, error) {
	return l.Self, nil
}

// RetryClassifier decides whether an ExecutionError consumes a retry
// or fails the task immediately (spec §7). The default classifier
// treats every non-nil error as retryable except those of kind
// Validation or CancellationRequested.
type RetryClassifier interface {
	Retryable(err error) bool
}

type defaultRetryClassifier struct{}

func (defaultRetryClassifier) Retryable(err error) bool {
	if err == nil {
		return false
	}
	if IsKind(err, KindValidation) || IsKind(err, KindCancellationRequested) {
		return false
	}
	return true
}
