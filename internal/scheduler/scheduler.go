// Package scheduler implements the Scheduler (spec §4.E): ranks
// eligible tasks under one of six selection algorithms, applies the
// universal tie-break, performs two-phase tentative resource
// reservation, greedily extends a pick into its batch_group, and
// reports Jain's fairness index per tick.
//
// Like the other internal packages it stays free of engine.Task:
// callers project a Task into a Candidate before calling Rank/SelectTick.
package scheduler

import (
	"sort"
	"time"

	"github.com/taskmesh/engine/internal/resources"
)

// Algorithm selects the ranking strategy, mirroring engine.Algorithm.
type Algorithm string

const (
	RoundRobin    Algorithm = "ROUND_ROBIN"
	WeightedFair  Algorithm = "WEIGHTED_FAIR"
	DeadlineAware Algorithm = "DEADLINE_AWARE"
	ResourceAware Algorithm = "RESOURCE_AWARE"
	MLOptimized   Algorithm = "ML_OPTIMIZED"
	Hybrid        Algorithm = "HYBRID"
)

// Candidate is the scheduler's view of one eligible task.
type Candidate struct {
	ID                string
	Category          string
	BasePriority      float64
	DynamicPriority   float64
	CreatedAt         time.Time
	Deadline          *time.Time
	EstimatedDuration time.Duration
	Resources         map[string]int
	BatchGroup        string
	BatchCompatible   bool
	PredictedSuccess  float64       // [0,1], ML_OPTIMIZED input
	PredictedDuration time.Duration // ML_OPTIMIZED input
}

// Rank orders candidates best-first for algo. The CRITICAL-tier hard
// rule (spec §4.D) and the universal tie-break (spec §4.E) are always
// applied for every algorithm except ROUND_ROBIN, which instead
// rotates through tiers a pass at a time (spec §4.E: "taking one per
// tier per pass; guarantees a minimum share to lower tiers") — that is
// the whole point of the algorithm, so it cannot also guarantee
// CRITICAL exhausts first.
func Rank(candidates []Candidate, algo Algorithm, load float64, urgentDeadlinesPresent bool) []Candidate {
	effective := algo
	if algo == Hybrid {
		switch {
		case load > 0.8:
			effective = ResourceAware
		case urgentDeadlinesPresent:
			effective = DeadlineAware
		default:
			effective = WeightedFair
		}
	}

	if effective == RoundRobin {
		return roundRobinOrder(candidates)
	}

	out := append([]Candidate(nil), candidates...)
	less := algorithmLess(effective, out)
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.BasePriority != b.BasePriority {
			return a.BasePriority > b.BasePriority // CRITICAL (1000) always first, unconditionally
		}
		if less != nil {
			if lt := less(i, j); lt != 0 {
				return lt < 0
			}
		}
		return universalTieBreak(a, b)
	})
	return out
}

// roundRobinOrder groups candidates by tier (base_priority) and
// interleaves them one-per-tier-per-pass, tiers visited highest first
// within a pass. Walking the result in order and reserving greedily
// (as SelectTick does) yields exactly "one per tier per pass" instead
// of exhausting the highest tier before any lower one is touched.
func roundRobinOrder(candidates []Candidate) []Candidate {
	var tiers []float64
	byTier := make(map[float64][]Candidate)
	for _, c := range candidates {
		if _, ok := byTier[c.BasePriority]; !ok {
			tiers = append(tiers, c.BasePriority)
		}
		byTier[c.BasePriority] = append(byTier[c.BasePriority], c)
	}
	sort.Slice(tiers, func(i, j int) bool { return tiers[i] > tiers[j] })
	for _, tier := range tiers {
		bucket := byTier[tier]
		sort.SliceStable(bucket, func(i, j int) bool { return universalTieBreak(bucket[i], bucket[j]) })
		byTier[tier] = bucket
	}

	out := make([]Candidate, 0, len(candidates))
	for {
		progressed := false
		for _, tier := range tiers {
			bucket := byTier[tier]
			if len(bucket) == 0 {
				continue
			}
			out = append(out, bucket[0])
			byTier[tier] = bucket[1:]
			progressed = true
		}
		if !progressed {
			break
		}
	}
	return out
}

// universalTieBreak: dynamic_priority desc -> created_at asc -> id lexicographic.
func universalTieBreak(a, b Candidate) bool {
	if a.DynamicPriority != b.DynamicPriority {
		return a.DynamicPriority > b.DynamicPriority
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

// algorithmLess returns a comparator over positions in the ORIGINAL
// slice snapshot (captured before sort.SliceStable permutes it is not
// safe, so instead callers compare values directly); returns -1/0/1.
// ROUND_ROBIN never reaches here: Rank intercepts it before this sort.
func algorithmLess(algo Algorithm, snapshot []Candidate) func(i, j int) int {
	switch algo {
	case WeightedFair:
		return func(i, j int) int { return cmpFloat(weightedFairScore(snapshot[i]), weightedFairScore(snapshot[j])) }
	case DeadlineAware:
		return func(i, j int) int { return cmpFloat(-deadlineSlack(snapshot[i]), -deadlineSlack(snapshot[j])) }
	case ResourceAware:
		return func(i, j int) int { return cmpFloat(dominantResource(snapshot[i]), dominantResource(snapshot[j])) }
	case MLOptimized:
		return func(i, j int) int { return cmpFloat(mlScore(snapshot[i]), mlScore(snapshot[j])) }
	default:
		return nil
	}
}

func cmpFloat(a, b float64) int {
	switch {
	case a > b:
		return -1 // a ranks before b (descending "goodness")
	case a < b:
		return 1
	default:
		return 0
	}
}

// weightedFairScore gives tiers a pull proportional to their base
// priority weight, nudged by dynamic_priority within the tier.
func weightedFairScore(c Candidate) float64 {
	return c.BasePriority + c.DynamicPriority/1000
}

// deadlineSlack is (deadline-now)/estimated_duration; no deadline
// sorts last (treated as +Inf slack).
func deadlineSlack(c Candidate) float64 {
	if c.Deadline == nil || c.EstimatedDuration <= 0 {
		return 1e18
	}
	return float64(time.Until(*c.Deadline)) / float64(c.EstimatedDuration)
}

func dominantResource(c Candidate) float64 {
	var max int
	for _, v := range c.Resources {
		if v > max {
			max = v
		}
	}
	return float64(max)
}

// mlScore is P(success) * (1 / predicted_duration) (spec §4.E ML_OPTIMIZED).
func mlScore(c Candidate) float64 {
	seconds := c.PredictedDuration.Seconds()
	if seconds <= 0 {
		seconds = 1
	}
	return c.PredictedSuccess * (1 / seconds)
}

// Selection is one chosen candidate plus whether batching pulled it in
// alongside an explicitly-ranked seed.
type Selection struct {
	Candidate Candidate
	Batched   bool
}

// SelectTick runs the full scheduling tick: rank, then two-phase
// tentative reservation against ledger in ranked order, optionally
// extending each pick into same batch_group/batch_compatible siblings
// (spec §4.E batching), until slots is exhausted. A reservation that
// fails (Conflict) is simply skipped — nothing was committed, so there
// is nothing to roll back for that candidate; candidates are never
// reserved and later discarded, which is what "release before tick
// end" guards against when slots run out mid-batch.
func SelectTick(candidates []Candidate, slots int, algo Algorithm, load float64, urgentDeadlinesPresent bool, ledger *resources.Ledger, enableBatching bool) ([]Selection, float64) {
	ranked := Rank(candidates, algo, load, urgentDeadlinesPresent)
	taken := make(map[string]bool, len(ranked))
	var selected []Selection

	for i := 0; i < len(ranked) && slots > 0; i++ {
		c := ranked[i]
		if taken[c.ID] {
			continue
		}
		if err := ledger.TryReserve(c.ID, c.Resources); err != nil {
			continue
		}
		taken[c.ID] = true
		selected = append(selected, Selection{Candidate: c})
		slots--

		if !enableBatching || c.BatchGroup == "" {
			continue
		}
		for j := i + 1; j < len(ranked) && slots > 0; j++ {
			sib := ranked[j]
			if taken[sib.ID] || sib.BatchGroup != c.BatchGroup || !sib.BatchCompatible || !c.BatchCompatible {
				continue
			}
			if err := ledger.TryReserve(sib.ID, sib.Resources); err != nil {
				continue
			}
			taken[sib.ID] = true
			selected = append(selected, Selection{Candidate: sib, Batched: true})
			slots--
		}
	}

	fairness := jainsFairnessIndex(ranked, selected)
	return selected, fairness
}

// jainsFairnessIndex computes Jain's fairness index over per-tier
// selection counts: (Σxᵢ)² / (n · Σxᵢ²), 1.0 meaning perfectly equal
// service across the tiers actually present this tick (spec §4.E:
// "logs it each tick but does not act on it").
func jainsFairnessIndex(candidates []Candidate, selected []Selection) float64 {
	tiers := map[float64]bool{}
	for _, c := range candidates {
		tiers[c.BasePriority] = true
	}
	if len(tiers) == 0 {
		return 1.0
	}
	counts := make(map[float64]int, len(tiers))
	for _, s := range selected {
		counts[s.Candidate.BasePriority]++
	}

	var sum, sumSq float64
	for tier := range tiers {
		x := float64(counts[tier])
		sum += x
		sumSq += x * x
	}
	if sumSq == 0 {
		return 1.0
	}
	n := float64(len(tiers))
	return (sum * sum) / (n * sumSq)
}
