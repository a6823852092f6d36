// Package priority implements the Priority Engine (spec §4.D): the
// six-factor dynamic_priority score, its clamp bounds, the CRITICAL
// hard tie-break, and one-shot starvation boosting.
package priority

import (
	"sync"
	"time"
)

// Weights are the per-factor coefficients; exact values are
// configuration (spec §4.D says so explicitly) but the signs below are
// contractual: every factor pushes dynamic_priority up, never down.
type Weights struct {
	Age         float64 // applied to queued age in seconds
	User        float64 // applied to user_importance [0..1]
	Criticality float64 // applied to system_criticality [0..1]
	Dependency  float64 // applied to chain_length (integer hops)
	Resource    float64 // applied to resource_availability_score [0..1]
	History     float64 // applied to predicted success_rate [0..1]
}

// DefaultWeights gives age and dependency chains a visible but bounded
// pull, keeping criticality and user importance as the dominant terms.
func DefaultWeights() Weights {
	return Weights{
		Age:         0.05,
		User:        120,
		Criticality: 180,
		Dependency:  15,
		Resource:    80,
		History:     60,
	}
}

// Factors is the breakdown reported back to the caller for the task's
// PriorityFactors record.
type Factors struct {
	Age                  float64
	UserImportance       float64
	SystemCriticality    float64
	DependencyWeight     float64
	ResourceAvailability float64
	ExecutionHistory     float64
}

// Input is everything Compute needs about one task. The caller (the
// root engine package) resolves Category-derived criticality and
// chain_length via the Dependency Graph before calling in, since this
// package cannot import engine (it would create an import cycle).
type Input struct {
	BasePriority         float64
	CreatedAt            time.Time
	UserImportance       float64
	SystemCriticality    float64
	ChainLength          int
	ResourceAvailability float64
	HistorySuccessRate   float64
}

// Predictor estimates the success rate of tasks similar to category,
// feeding the history_weight factor (spec §4.D execution_history).
type Predictor interface {
	SuccessRate(category string) float64
	Record(category string, success bool)
}

// MovingAveragePredictor tracks an exponential moving average of
// success (1.0) vs failure (0.0) per category, mirroring the trust
// score update the source uses for peer reliability.
type MovingAveragePredictor struct {
	mu    sync.Mutex
	alpha float64
	rate  map[string]float64
}

// NewMovingAveragePredictor creates a predictor with smoothing factor
// alpha (0..1]; higher alpha weights recent outcomes more heavily.
// Categories with no recorded history default to a neutral 0.5.
func NewMovingAveragePredictor(alpha float64) *MovingAveragePredictor {
	if alpha <= 0 || alpha > 1 {
		alpha = 0.2
	}
	return &MovingAveragePredictor{alpha: alpha, rate: make(map[string]float64)}
}

func (p *MovingAveragePredictor) SuccessRate(category string) float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if rate, ok := p.rate[category]; ok {
		return rate
	}
	return 0.5
}

func (p *MovingAveragePredictor) Record(category string, success bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	outcome := 0.0
	if success {
		outcome = 1.0
	}
	current, ok := p.rate[category]
	if !ok {
		current = 0.5
	}
	p.rate[category] = (1-p.alpha)*current + p.alpha*outcome
}

// Engine computes dynamic_priority and enforces the starvation and
// hard-tie-break rules. It holds no task storage of its own: callers
// pass in the fields Compute needs and store the result back.
type Engine struct {
	mu       sync.Mutex
	weights  Weights
	boosted  map[string]bool // task ids already given their one-shot starvation boost
}

// New creates a Priority Engine with the given weights.
func New(weights Weights) *Engine {
	return &Engine{weights: weights, boosted: make(map[string]bool)}
}

// Compute returns the clamped dynamic_priority and its factor breakdown.
func (e *Engine) Compute(now time.Time, in Input) (float64, Factors) {
	e.mu.Lock()
	w := e.weights
	e.mu.Unlock()

	age := now.Sub(in.CreatedAt).Seconds()
	if age < 0 {
		age = 0
	}
	factors := Factors{
		Age:                  age,
		UserImportance:       in.UserImportance,
		SystemCriticality:    in.SystemCriticality,
		DependencyWeight:     float64(in.ChainLength),
		ResourceAvailability: in.ResourceAvailability,
		ExecutionHistory:     in.HistorySuccessRate,
	}

	score := in.BasePriority +
		w.Age*factors.Age +
		w.User*factors.UserImportance +
		w.Criticality*factors.SystemCriticality +
		w.Dependency*factors.DependencyWeight +
		w.Resource*factors.ResourceAvailability +
		w.History*factors.ExecutionHistory

	min := in.BasePriority / 2
	max := in.BasePriority * 4
	if score < min {
		score = min
	}
	if score > max {
		score = max
	}
	return score, factors
}

// MaybeBoostStarved applies the one-shot starvation boost (spec §4.D):
// a task queued longer than maxStarvation is raised to at least
// highestRunningTier, recorded so it is never boosted twice. Returns
// the (possibly unchanged) score and whether a boost was applied.
func (e *Engine) MaybeBoostStarved(taskID string, queuedFor, maxStarvation time.Duration, score, highestRunningTier float64) (float64, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.boosted[taskID] || queuedFor < maxStarvation {
		return score, false
	}
	e.boosted[taskID] = true
	if score < highestRunningTier {
		return highestRunningTier, true
	}
	return score, true
}

// ClearBoost forgets a task's starvation-boost record, called once the
// task leaves the queue (dispatched, cancelled, or completed) so a
// resubmission under the same id starts fresh.
func (e *Engine) ClearBoost(taskID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.boosted, taskID)
}

// TierRank orders two base priorities for the hard tie-break: CRITICAL
// tasks are compared by tier before either's dynamic score, so no
// amount of aging or criticality scoring lets a non-CRITICAL task
// overtake one (spec §4.D).
func TierRank(a, b float64) int {
	switch {
	case a > b:
		return 1
	case a < b:
		return -1
	default:
		return 0
	}
}
