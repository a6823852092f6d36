package persistence

import (
	"encoding/json"
	"errors"
	"time"
)

// ErrManualResolutionRequired is returned by ManualResolver: the engine
// surfaces the conflict to the caller instead of picking a winner.
var ErrManualResolutionRequired = errors.New("persistence: conflicting writes require manual resolution")

// Versioned is one side of a conflicting write: the same task id
// written by two sessions before either saw the other's update.
type Versioned struct {
	Payload   json.RawMessage
	UpdatedAt time.Time
}

// Resolver picks (or refuses to pick) a winner between two conflicting
// versions of the same record, implementing one of the three
// conflict_resolution strategies (spec §4.G / §6 configuration options).
type Resolver interface {
	Resolve(a, b Versioned) (Versioned, error)
}

// TimestampResolver implements "timestamp": last-write-wins by UpdatedAt.
type TimestampResolver struct{}

func (TimestampResolver) Resolve(a, b Versioned) (Versioned, error) {
	if b.UpdatedAt.After(a.UpdatedAt) {
		return b, nil
	}
	return a, nil
}

// ManualResolver implements "manual": the integrator must surface the
// conflict to an operator rather than resolve it automatically.
type ManualResolver struct{}

func (ManualResolver) Resolve(a, b Versioned) (Versioned, error) {
	return Versioned{}, ErrManualResolutionRequired
}

// MergeFunc combines two conflicting payloads into one, returning the
// merged JSON payload. The caller supplies the merge policy since it is
// domain-specific (spec leaves "merge" semantics to the implementer).
type MergeFunc func(a, b json.RawMessage) (json.RawMessage, error)

// MergeResolver implements "merge" by delegating to a caller-supplied MergeFunc.
type MergeResolver struct {
	Merge MergeFunc
}

func (m MergeResolver) Resolve(a, b Versioned) (Versioned, error) {
	merged, err := m.Merge(a.Payload, b.Payload)
	if err != nil {
		return Versioned{}, err
	}
	at := a.UpdatedAt
	if b.UpdatedAt.After(at) {
		at = b.UpdatedAt
	}
	return Versioned{Payload: merged, UpdatedAt: at}, nil
}

// NewResolver builds the Resolver matching strategy (spec §6
// persistence.conflict_resolution ∈ {timestamp, manual, merge}).
// Unknown or empty strategies fall back to timestamp, since that is
// the only strategy that always produces a winner without caller input.
func NewResolver(strategy string, merge MergeFunc) Resolver {
	switch strategy {
	case "manual":
		return ManualResolver{}
	case "merge":
		return MergeResolver{Merge: merge}
	default:
		return TimestampResolver{}
	}
}
