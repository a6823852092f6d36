package engine

import (
	"encoding/json"
	"time"
)

// statusAdvancement ranks each Status by how far it has progressed
// through the state machine, so mergeTaskVersions can pick the side
// that has moved further forward (spec §4.G merge strategy: "status
// takes the more advanced state").
var statusAdvancement = map[Status]int{
	StatusPending:      0,
	StatusBlocked:      1,
	StatusQueued:       1,
	StatusPendingRetry: 2,
	StatusRunning:      3,
	StatusCompleted:    4,
	StatusFailed:       4,
	StatusCancelled:    4,
}

// mergeTaskVersions implements the "merge" persistence.ConflictResolution
// strategy: status takes the more advanced side, and the retry/duration
// metrics are unioned by taking the max of each (spec §4.G: "metrics
// unioned"). It is passed to persistence.Config.Merge so the
// persistence package never needs to know engine.Task's shape.
func mergeTaskVersions(a, b json.RawMessage) (json.RawMessage, error) {
	var ta, tb Task
	if err := json.Unmarshal(a, &ta); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(b, &tb); err != nil {
		return nil, err
	}

	merged := ta
	if statusAdvancement[tb.Status] > statusAdvancement[ta.Status] {
		merged = tb
	}
	if tb.CurrentRetries > merged.CurrentRetries {
		merged.CurrentRetries = tb.CurrentRetries
	}
	if tb.Metrics.RetryCount > merged.Metrics.RetryCount {
		merged.Metrics.RetryCount = tb.Metrics.RetryCount
	}
	if tb.ActualDuration > merged.ActualDuration {
		merged.ActualDuration = tb.ActualDuration
	}
	if len(tb.RetryHistory) > len(merged.RetryHistory) {
		merged.RetryHistory = tb.RetryHistory
	}
	return json.Marshal(merged)
}

// taskUpdatedAt approximates a task record's last-touched time for
// conflict resolution, since Task carries no dedicated UpdatedAt
// field: the latest of CompletedAt/StartedAt, falling back to CreatedAt.
func taskUpdatedAt(t Task) time.Time {
	if t.CompletedAt != nil {
		return *t.CompletedAt
	}
	if t.StartedAt != nil {
		return *t.StartedAt
	}
	return t.CreatedAt
}
