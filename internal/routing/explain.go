package routing

import (
	"fmt"
	"sort"
	"strings"

	"github.com/jordanhubbard/keyrouter/internal/store"
)

// buildExplanation writes the one-line-per-fact rationale embedded in a
// decision at selection time.
func buildExplanation(d *store.RoutingDecision, selected candidate, perObjective map[store.ObjectiveType]map[string]float64, policyNotes []string) string {
	var b strings.Builder
	score := d.Evaluations[d.SelectedKeyID].Score

	if len(d.Objective.Weights) > 0 {
		fmt.Fprintf(&b, "selected key %s by weighted multi-objective score %.3f", d.SelectedKeyID, score)
		var objectives []store.ObjectiveType
		for o := range perObjective {
			objectives = append(objectives, o)
		}
		sort.Slice(objectives, func(i, j int) bool { return objectives[i] < objectives[j] })
		for _, o := range objectives {
			fmt.Fprintf(&b, "; %s=%.3f (weight %.2f)", o, perObjective[o][d.SelectedKeyID], d.Objective.Weights[o])
		}
	} else {
		switch d.Objective.Primary {
		case store.ObjectiveCost:
			fmt.Fprintf(&b, "selected key %s as the lowest-cost candidate (score %.3f)", d.SelectedKeyID, score)
		case store.ObjectiveReliability, store.ObjectiveQuality:
			fmt.Fprintf(&b, "selected key %s for highest reliability (score %.3f)", d.SelectedKeyID, score)
		default:
			fmt.Fprintf(&b, "selected key %s to balance usage across %d candidates (score %.3f)",
				d.SelectedKeyID, len(d.Evaluations), score)
		}
	}

	if selected.quotaState != nil {
		fmt.Fprintf(&b, "; capacity %s", selected.quotaState.CapacityState)
	}
	if selected.softViolation {
		b.WriteString("; soft budget violation penalty applied")
	} else if selected.budget != nil {
		fmt.Fprintf(&b, "; budget remaining %s", selected.budget.RemainingBudget)
	}
	for _, note := range policyNotes {
		b.WriteString("; " + note)
	}
	return b.String()
}

// ExplainDecision formats a stable multi-section report for a persisted
// decision, for operators and audits.
func ExplainDecision(d *store.RoutingDecision) string {
	var b strings.Builder

	b.WriteString("=== Routing Decision Report ===\n\n")

	b.WriteString("Objective:\n")
	fmt.Fprintf(&b, "  primary: %s\n", d.Objective.Primary)
	if len(d.Objective.Secondary) > 0 {
		secs := make([]string, len(d.Objective.Secondary))
		for i, o := range d.Objective.Secondary {
			secs[i] = string(o)
		}
		fmt.Fprintf(&b, "  secondary: %s\n", strings.Join(secs, ", "))
	}
	if len(d.Objective.Weights) > 0 {
		var objectives []store.ObjectiveType
		for o := range d.Objective.Weights {
			objectives = append(objectives, o)
		}
		sort.Slice(objectives, func(i, j int) bool { return objectives[i] < objectives[j] })
		for _, o := range objectives {
			fmt.Fprintf(&b, "  weight %s: %.2f\n", o, d.Objective.Weights[o])
		}
	}

	b.WriteString("\nSelected Key:\n")
	fmt.Fprintf(&b, "  key: %s\n", d.SelectedKeyID)
	fmt.Fprintf(&b, "  provider: %s\n", d.SelectedProviderID)
	fmt.Fprintf(&b, "  decided at: %s\n", d.DecidedAt.UTC().Format("2006-01-02T15:04:05Z07:00"))
	fmt.Fprintf(&b, "  confidence: %.0f%%\n", d.Confidence*100)

	ranked := rankEvaluations(d)
	b.WriteString("\nReasoning:\n")
	sel := d.Evaluations[d.SelectedKeyID]
	fmt.Fprintf(&b, "  score: %.3f\n", sel.Score)
	if len(ranked) > 1 {
		fmt.Fprintf(&b, "  margin over closest alternative: %.3f\n", sel.Score-d.Evaluations[ranked[1]].Score)
	}
	if sel.CapacityState != "" {
		fmt.Fprintf(&b, "  quota state: %s (%s)\n", sel.CapacityState, capacityInterpretation(sel.CapacityState))
	}
	if d.Explanation != "" {
		fmt.Fprintf(&b, "  rationale: %s\n", d.Explanation)
	}

	b.WriteString("\nEvaluation Results:\n")
	for i, id := range ranked {
		fmt.Fprintf(&b, "  %d. %s score=%.3f", i+1, id, d.Evaluations[id].Score)
		if cs := d.Evaluations[id].CapacityState; cs != "" {
			fmt.Fprintf(&b, " capacity=%s", cs)
		}
		b.WriteByte('\n')
	}

	fmt.Fprintf(&b, "\nAlternatives Considered: %d\n", d.AlternativesConsidered)

	b.WriteString("\nEligible Keys:\n")
	for _, id := range d.EligibleKeys {
		fmt.Fprintf(&b, "  %s\n", id)
	}

	filtered := filteredBeforeScoring(d)
	if len(filtered) > 0 {
		b.WriteString("\nQuota Filtering (eligible but not scored):\n")
		for _, id := range filtered {
			fmt.Fprintf(&b, "  %s\n", id)
		}
	}

	fmt.Fprintf(&b, "\nSummary: key %s chosen from %d eligible (%d scored) for objective %s.\n",
		d.SelectedKeyID, len(d.EligibleKeys), len(d.Evaluations), d.Objective.Primary)
	return b.String()
}

// rankEvaluations orders evaluated key ids by score descending, id ascending
// on ties for stable output.
func rankEvaluations(d *store.RoutingDecision) []string {
	ids := make([]string, 0, len(d.Evaluations))
	for id := range d.Evaluations {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		si, sj := d.Evaluations[ids[i]].Score, d.Evaluations[ids[j]].Score
		if si != sj {
			return si > sj
		}
		return ids[i] < ids[j]
	})
	return ids
}

// filteredBeforeScoring lists keys that were eligible but absent from the
// evaluation set.
func filteredBeforeScoring(d *store.RoutingDecision) []string {
	var out []string
	for _, id := range d.EligibleKeys {
		if _, ok := d.Evaluations[id]; !ok {
			out = append(out, id)
		}
	}
	return out
}

func capacityInterpretation(cs store.CapacityState) string {
	switch cs {
	case store.CapacityAbundant:
		return "plenty of window capacity remaining"
	case store.CapacityConstrained:
		return "capacity reduced, still usable"
	case store.CapacityCritical:
		return "nearly exhausted"
	case store.CapacityExhausted:
		return "window exhausted"
	case store.CapacityRecovering:
		return "recovering after a reset"
	default:
		return "unknown"
	}
}
