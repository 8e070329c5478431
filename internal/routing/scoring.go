package routing

import (
	"strconv"

	"github.com/shopspring/decimal"

	"github.com/jordanhubbard/keyrouter/internal/store"
)

// candidate is one key plus everything the filters learned about it.
type candidate struct {
	key           store.APIKey
	quotaState    *store.QuotaState
	estimate      *store.CostEstimate
	budget        *store.BudgetCheckSummary
	softViolation bool
}

// scoreObjective evaluates one scoring primitive across the candidate set.
// Scores are in [0, 1] (reliability may briefly exceed 1 before clamping
// downstream); larger is better.
func scoreObjective(obj store.ObjectiveType, cands []candidate) map[string]float64 {
	switch obj {
	case store.ObjectiveCost:
		return scoreCost(cands)
	case store.ObjectiveFairness:
		return scoreFairness(cands)
	default:
		// Reliability, and Quality which routes to it.
		return scoreReliability(cands)
	}
}

// stateCostDefault is the per-request cost assumed when neither the cost
// controller nor key metadata can price a key.
func stateCostDefault(state store.KeyState) float64 {
	switch state {
	case store.KeyAvailable:
		return 0.01
	case store.KeyRecovering:
		return 0.015
	case store.KeyThrottled:
		return 0.02
	default:
		return 0.03
	}
}

func candidateCost(c candidate) float64 {
	if c.estimate != nil {
		f, _ := c.estimate.Amount.Float64()
		return f
	}
	if raw, ok := c.key.Metadata["estimated_cost_per_request"]; ok {
		switch v := raw.(type) {
		case float64:
			return v
		case int:
			return float64(v)
		case string:
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				return f
			}
			if d, err := decimal.NewFromString(v); err == nil {
				f, _ := d.Float64()
				return f
			}
		}
	}
	return stateCostDefault(c.key.State)
}

// scoreCost min-max normalizes per-key cost and inverts it so cheaper keys
// score higher. Equal costs score 1.0 everywhere.
func scoreCost(cands []candidate) map[string]float64 {
	costs := make(map[string]float64, len(cands))
	lo, hi := 0.0, 0.0
	for i, c := range cands {
		v := candidateCost(c)
		costs[c.key.ID] = v
		if i == 0 {
			lo, hi = v, v
			continue
		}
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}

	out := make(map[string]float64, len(cands))
	for id, v := range costs {
		if hi == lo {
			out[id] = 1.0
		} else {
			out[id] = 1.0 - (v-lo)/(hi-lo)
		}
	}
	return out
}

// scoreReliability combines observed success rate with a state bonus.
func scoreReliability(cands []candidate) map[string]float64 {
	out := make(map[string]float64, len(cands))
	for _, c := range cands {
		total := c.key.UsageCount + c.key.FailureCount
		rate := 0.95
		if total > 0 {
			rate = float64(c.key.UsageCount) / float64(total)
		}
		switch c.key.State {
		case store.KeyAvailable:
			rate += 0.10
		case store.KeyThrottled:
			rate += 0.05
		}
		if rate < 0 {
			rate = 0
		}
		if rate > 1.1 {
			rate = 1.1
		}
		out[c.key.ID] = rate
	}
	return out
}

// scoreFairness prefers less-used keys: usage is min-max normalized and
// inverted. Equal usage scores 1.0 everywhere.
func scoreFairness(cands []candidate) map[string]float64 {
	lo, hi := int64(0), int64(0)
	for i, c := range cands {
		if i == 0 {
			lo, hi = c.key.UsageCount, c.key.UsageCount
			continue
		}
		if c.key.UsageCount < lo {
			lo = c.key.UsageCount
		}
		if c.key.UsageCount > hi {
			hi = c.key.UsageCount
		}
	}

	out := make(map[string]float64, len(cands))
	for _, c := range cands {
		if hi == lo {
			out[c.key.ID] = 1.0
		} else {
			out[c.key.ID] = 1.0 - float64(c.key.UsageCount-lo)/float64(hi-lo)
		}
	}
	return out
}

// referencedObjectives collects the distinct objectives named anywhere in the
// objective value, preserving a stable order.
func referencedObjectives(obj store.RoutingObjective) []store.ObjectiveType {
	seen := make(map[store.ObjectiveType]bool)
	var out []store.ObjectiveType
	add := func(o store.ObjectiveType) {
		if o != "" && !seen[o] {
			seen[o] = true
			out = append(out, o)
		}
	}
	add(obj.Primary)
	for _, o := range obj.Secondary {
		add(o)
	}
	for _, order := range []store.ObjectiveType{
		store.ObjectiveCost, store.ObjectiveReliability,
		store.ObjectiveFairness, store.ObjectiveQuality,
	} {
		if _, ok := obj.Weights[order]; ok {
			add(order)
		}
	}
	return out
}

// normalizeWeights scales weights for the referenced objectives to sum to 1.
// All-zero (or missing) weights become uniform.
func normalizeWeights(obj store.RoutingObjective, objectives []store.ObjectiveType) map[store.ObjectiveType]float64 {
	out := make(map[store.ObjectiveType]float64, len(objectives))
	sum := 0.0
	for _, o := range objectives {
		w := obj.Weights[o]
		if w < 0 {
			w = 0
		}
		out[o] = w
		sum += w
	}
	if sum <= 0 {
		uniform := 1.0 / float64(len(objectives))
		for _, o := range objectives {
			out[o] = uniform
		}
		return out
	}
	for o := range out {
		out[o] /= sum
	}
	return out
}

// compositeScores runs multi-objective scoring: weighted sum of the
// per-objective primitives, then min-max normalized. The per-objective maps
// are returned for decision explanations.
func compositeScores(obj store.RoutingObjective, cands []candidate) (map[string]float64, map[store.ObjectiveType]map[string]float64) {
	objectives := referencedObjectives(obj)
	if len(objectives) == 0 {
		objectives = []store.ObjectiveType{store.ObjectiveFairness}
	}
	weights := normalizeWeights(obj, objectives)

	perObjective := make(map[store.ObjectiveType]map[string]float64, len(objectives))
	for _, o := range objectives {
		perObjective[o] = scoreObjective(o, cands)
	}

	composite := make(map[string]float64, len(cands))
	for _, c := range cands {
		s := 0.0
		for _, o := range objectives {
			s += weights[o] * perObjective[o][c.key.ID]
		}
		composite[c.key.ID] = s
	}
	return minMaxNormalize(composite), perObjective
}

// minMaxNormalize rescales scores to [0, 1]. All-equal positive scores are
// kept as-is; all-zero collapses to a uniform 0.1.
func minMaxNormalize(scores map[string]float64) map[string]float64 {
	lo, hi := 0.0, 0.0
	first := true
	for _, v := range scores {
		if first {
			lo, hi = v, v
			first = false
			continue
		}
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}

	out := make(map[string]float64, len(scores))
	for id, v := range scores {
		switch {
		case hi == lo && hi > 0:
			out[id] = v
		case hi == lo:
			out[id] = 0.1
		default:
			out[id] = (v - lo) / (hi - lo)
		}
	}
	return out
}
