// Package routing selects one API key per request with a transparent,
// explainable score built from quota, budget, and objective signals.
package routing

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jordanhubbard/keyrouter/internal/cost"
	"github.com/jordanhubbard/keyrouter/internal/keys"
	"github.com/jordanhubbard/keyrouter/internal/obs"
	"github.com/jordanhubbard/keyrouter/internal/policy"
	"github.com/jordanhubbard/keyrouter/internal/provider"
	"github.com/jordanhubbard/keyrouter/internal/quota"
	"github.com/jordanhubbard/keyrouter/internal/store"
)

const (
	softBudgetPenalty    = 0.7
	decisionConfidence   = 0.9
	reasonNoEligibleKeys = "no_eligible_keys"
	reasonAllAttempted   = "all_eligible_keys_attempted"
	reasonQuotaFiltered  = "all_keys_quota_filtered"
	reasonBudgetFiltered = "all_keys_budget_filtered"
	reasonPolicyRejected = "policy_rejected"
)

// quotaMultipliers bias scores by how much window capacity a key has left.
var quotaMultipliers = map[store.CapacityState]float64{
	store.CapacityAbundant:    1.20,
	store.CapacityConstrained: 0.85,
	store.CapacityRecovering:  0.95,
}

// Engine scores eligible keys and records auditable decisions. Quota, cost,
// and policy collaborators are optional; absent ones skip their pipeline
// stage.
type Engine struct {
	keys     *keys.Manager
	quota    *quota.Engine
	cost     *cost.Controller
	policies *policy.Engine
	store    store.Store
	sink     obs.Sink
	logger   *slog.Logger
	now      func() time.Time

	mu      sync.Mutex
	cursors map[string]int // provider id -> last fairness pick index
}

// Option configures an Engine.
type Option func(*Engine)

// WithQuotaEngine enables the quota-filtering stage.
func WithQuotaEngine(q *quota.Engine) Option {
	return func(e *Engine) { e.quota = q }
}

// WithCostController enables the budget-filtering stage.
func WithCostController(c *cost.Controller) Option {
	return func(e *Engine) { e.cost = c }
}

// WithPolicyEngine enables the policy hook stage.
func WithPolicyEngine(p *policy.Engine) Option {
	return func(e *Engine) { e.policies = p }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine builds a routing engine over the key manager.
func NewEngine(km *keys.Manager, s store.Store, sink obs.Sink, logger *slog.Logger, opts ...Option) *Engine {
	e := &Engine{
		keys:    km,
		store:   s,
		sink:    sink,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
		cursors: make(map[string]int),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// DefaultObjective is used when the caller supplies none.
func DefaultObjective() store.RoutingObjective {
	return store.RoutingObjective{Primary: store.ObjectiveFairness}
}

// RouteRequest runs the full selection pipeline: eligibility, quota filter,
// budget filter, policy hook, scoring, tie-break, persistence. requestID may
// be empty; a UUID is assigned. Keys in exclude are dropped before filtering,
// so a retrying caller never gets a key that already failed this request.
func (e *Engine) RouteRequest(ctx context.Context, requestID string, intent provider.Intent, objective *store.RoutingObjective, exclude map[string]struct{}) (*store.RoutingDecision, error) {
	if intent.ProviderID == "" {
		return nil, &ValidationError{Field: "provider_id", Reason: "empty"}
	}
	if requestID == "" {
		requestID = uuid.NewString()
	}
	obj := DefaultObjective()
	if objective != nil {
		obj = *objective
	}

	eligible, err := e.keys.Eligible(ctx, intent.ProviderID, nil)
	if err != nil {
		return nil, err
	}
	if len(eligible) == 0 {
		return nil, e.fail(ctx, requestID, intent.ProviderID, reasonNoEligibleKeys)
	}
	if len(exclude) > 0 {
		kept := make([]store.APIKey, 0, len(eligible))
		for _, k := range eligible {
			if _, skip := exclude[k.ID]; !skip {
				kept = append(kept, k)
			}
		}
		if len(kept) == 0 {
			return nil, e.fail(ctx, requestID, intent.ProviderID, reasonAllAttempted)
		}
		eligible = kept
	}

	cands, err := e.quotaFilter(ctx, requestID, intent.ProviderID, eligible)
	if err != nil {
		return nil, err
	}

	cands, err = e.budgetFilter(ctx, requestID, intent, cands)
	if err != nil {
		return nil, err
	}

	cands, obj, policyNotes, err := e.applyPolicies(ctx, requestID, intent.ProviderID, cands, obj)
	if err != nil {
		return nil, err
	}

	scores, perObjective := e.score(obj, cands)
	selected := e.selectKey(intent.ProviderID, obj, cands, scores)

	// The winning key's estimate seeds reconciliation once the actual cost
	// comes back.
	if e.cost != nil && selected.estimate != nil {
		e.cost.RecordEstimatedCost(ctx, requestID, *selected.estimate,
			intent.ProviderID, intent.Model, selected.key.ID)
	}

	decision := e.buildDecision(requestID, intent.ProviderID, obj, eligible, cands, scores, perObjective, selected, policyNotes)

	// The decision stands once made; persistence failures degrade to warnings.
	if err := e.store.SaveRoutingDecision(ctx, *decision); err != nil {
		e.logger.Warn("routing decision save failed",
			slog.String("request_id", requestID),
			slog.String("error", err.Error()))
	}
	obs.Emit(ctx, e.sink, e.logger, obs.Event{
		Type:       obs.EventRoutingDecision,
		RequestID:  requestID,
		ProviderID: intent.ProviderID,
		KeyID:      decision.SelectedKeyID,
		Payload: map[string]any{
			"decision_id":  decision.ID,
			"score":        scores[decision.SelectedKeyID],
			"alternatives": decision.AlternativesConsidered,
			"objective":    string(obj.Primary),
		},
	})
	return decision, nil
}

func (e *Engine) fail(ctx context.Context, requestID, providerID, reason string) error {
	obs.Emit(ctx, e.sink, e.logger, obs.Event{
		Type:       obs.EventRoutingFailed,
		RequestID:  requestID,
		ProviderID: providerID,
		Payload:    map[string]any{"reason": reason},
	})
	return &NoEligibleKeysError{ProviderID: providerID, Reason: reason}
}

// quotaFilter drops keys whose window capacity is Exhausted or Critical. A
// per-key engine failure keeps the key and logs.
func (e *Engine) quotaFilter(ctx context.Context, requestID, providerID string, eligible []store.APIKey) ([]candidate, error) {
	cands := make([]candidate, 0, len(eligible))
	if e.quota == nil {
		for _, k := range eligible {
			cands = append(cands, candidate{key: k})
		}
		return cands, nil
	}

	for _, k := range eligible {
		qs, err := e.quota.GetQuotaState(ctx, k.ID)
		if err != nil {
			e.logger.Warn("quota lookup failed; keeping key",
				slog.String("key_id", k.ID),
				slog.String("error", err.Error()))
			cands = append(cands, candidate{key: k})
			continue
		}
		if qs.CapacityState == store.CapacityExhausted || qs.CapacityState == store.CapacityCritical {
			continue
		}
		cands = append(cands, candidate{key: k, quotaState: qs})
	}
	if len(cands) == 0 {
		return nil, e.fail(ctx, requestID, providerID, reasonQuotaFiltered)
	}
	return cands, nil
}

// budgetFilter estimates cost per key and drops keys whose use would violate
// a hard budget. Soft violators survive with a penalty flag. Per-key errors
// keep the key.
func (e *Engine) budgetFilter(ctx context.Context, requestID string, intent provider.Intent, cands []candidate) ([]candidate, error) {
	if e.cost == nil || intent.Prompt == "" {
		return cands, nil
	}

	out := make([]candidate, 0, len(cands))
	for _, c := range cands {
		est, err := e.cost.EstimateRequestCost(ctx, intent, intent.ProviderID, c.key.ID)
		if err != nil {
			e.logger.Warn("cost estimation failed during routing; keeping key",
				slog.String("key_id", c.key.ID),
				slog.String("error", err.Error()))
			out = append(out, c)
			continue
		}
		c.estimate = &est

		res, err := e.cost.CheckBudget(ctx, est, intent.ProviderID, c.key.ID)
		if err != nil {
			e.logger.Warn("budget check failed during routing; keeping key",
				slog.String("key_id", c.key.ID),
				slog.String("error", err.Error()))
			out = append(out, c)
			continue
		}
		c.budget = &store.BudgetCheckSummary{
			Allowed:         res.Allowed,
			SoftViolation:   res.SoftViolation,
			RemainingBudget: res.RemainingBudget,
		}

		hardViolated := false
		for _, b := range res.Violated {
			if b.Enforcement == store.EnforceHard {
				hardViolated = true
				break
			}
		}
		if hardViolated {
			continue
		}
		c.softViolation = res.SoftViolation
		out = append(out, c)
	}
	if len(out) == 0 {
		return nil, e.fail(ctx, requestID, intent.ProviderID, reasonBudgetFiltered)
	}
	return out, nil
}

func (e *Engine) applyPolicies(ctx context.Context, requestID, providerID string, cands []candidate, obj store.RoutingObjective) ([]candidate, store.RoutingObjective, []string, error) {
	if e.policies == nil || e.policies.RuleCount() == 0 {
		return cands, obj, nil, nil
	}

	keyList := make([]store.APIKey, len(cands))
	for i, c := range cands {
		keyList[i] = c.key
	}
	res := e.policies.Apply(ctx, policy.Request{
		ProviderID: providerID,
		Candidates: keyList,
		Objective:  obj,
	})
	if res.Rejected {
		return nil, obj, nil, e.fail(ctx, requestID, providerID, reasonPolicyRejected)
	}

	kept := make(map[string]bool, len(res.Candidates))
	for _, k := range res.Candidates {
		kept[k.ID] = true
	}
	out := make([]candidate, 0, len(cands))
	for _, c := range cands {
		if kept[c.key.ID] {
			out = append(out, c)
		}
	}
	if len(out) == 0 {
		return nil, obj, nil, e.fail(ctx, requestID, providerID, reasonPolicyRejected)
	}
	return out, res.Objective, res.Notes, nil
}

// score produces the final per-key scores: objective scoring, then soft
// budget penalty, then quota-capacity multipliers, clamped to [0, 1].
func (e *Engine) score(obj store.RoutingObjective, cands []candidate) (map[string]float64, map[store.ObjectiveType]map[string]float64) {
	var scores map[string]float64
	var perObjective map[store.ObjectiveType]map[string]float64
	if len(obj.Weights) > 0 {
		scores, perObjective = compositeScores(obj, cands)
	} else {
		primary := obj.Primary
		if primary == "" {
			primary = store.ObjectiveFairness
		}
		scores = scoreObjective(primary, cands)
	}

	for _, c := range cands {
		s := scores[c.key.ID]
		if c.softViolation {
			s *= softBudgetPenalty
		}
		if c.quotaState != nil {
			if m, ok := quotaMultipliers[c.quotaState.CapacityState]; ok {
				s *= m
			}
		}
		if s < 0 {
			s = 0
		}
		if s > 1 {
			s = 1
		}
		scores[c.key.ID] = s
	}
	return scores, perObjective
}

// selectKey picks the argmax. Fairness ties advance a per-provider cyclic
// cursor; other objectives break ties on first argmax in candidate order.
func (e *Engine) selectKey(providerID string, obj store.RoutingObjective, cands []candidate, scores map[string]float64) candidate {
	best := scores[cands[0].key.ID]
	var tied []int
	for i, c := range cands {
		s := scores[c.key.ID]
		switch {
		case s > best:
			best = s
			tied = []int{i}
		case s == best:
			tied = append(tied, i)
		}
	}
	if len(tied) == 1 {
		return cands[tied[0]]
	}

	if obj.Primary == store.ObjectiveFairness && len(obj.Weights) == 0 {
		e.mu.Lock()
		defer e.mu.Unlock()
		cursor := e.cursors[providerID]
		// First tied index at or past the cursor, wrapping around.
		pick := tied[0]
		for _, i := range tied {
			if i >= cursor {
				pick = i
				break
			}
		}
		e.cursors[providerID] = pick + 1
		return cands[pick]
	}
	return cands[tied[0]]
}

func (e *Engine) buildDecision(requestID, providerID string, obj store.RoutingObjective, eligible []store.APIKey, cands []candidate, scores map[string]float64, perObjective map[store.ObjectiveType]map[string]float64, selected candidate, policyNotes []string) *store.RoutingDecision {
	eligibleIDs := make([]string, len(eligible))
	for i, k := range eligible {
		eligibleIDs[i] = k.ID
	}

	evals := make(map[string]store.KeyEvaluation, len(cands))
	for _, c := range cands {
		ev := store.KeyEvaluation{
			Score:        scores[c.key.ID],
			CostEstimate: c.estimate,
			BudgetCheck:  c.budget,
		}
		if c.quotaState != nil {
			ev.CapacityState = c.quotaState.CapacityState
		}
		if perObjective != nil {
			ev.ObjectiveScores = make(map[store.ObjectiveType]float64, len(perObjective))
			for o, m := range perObjective {
				ev.ObjectiveScores[o] = m[c.key.ID]
			}
		}
		evals[c.key.ID] = ev
	}

	d := &store.RoutingDecision{
		ID:                     uuid.NewString(),
		RequestID:              requestID,
		SelectedKeyID:          selected.key.ID,
		SelectedProviderID:     providerID,
		DecidedAt:              e.now(),
		Objective:              obj,
		EligibleKeys:           eligibleIDs,
		Evaluations:            evals,
		Confidence:             decisionConfidence,
		AlternativesConsidered: len(cands) - 1,
	}
	d.Explanation = buildExplanation(d, selected, perObjective, policyNotes)

	if selected.estimate != nil {
		d.Metadata = map[string]any{"estimated_cost": selected.estimate.Amount.String()}
	}
	return d
}
