// Package cost converts request intents to expected spend, polices budgets,
// and reconciles estimates against observed costs.
package cost

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/jordanhubbard/keyrouter/internal/obs"
	"github.com/jordanhubbard/keyrouter/internal/provider"
	"github.com/jordanhubbard/keyrouter/internal/store"
)

// analysisThresholdPct is the absolute estimation error, in percent, beyond
// which a cost_model_analysis event fires.
const analysisThresholdPct = 10.0

// unlimitedRemaining is the sentinel returned when no budget applies.
var unlimitedRemaining = decimal.RequireFromString("999999999")

// downgradeModels maps expensive models to their provider's cheaper tier for
// soft-budget downgrades.
var downgradeModels = map[string]string{
	"gpt-4":           "gpt-3.5-turbo",
	"gpt-4-turbo":     "gpt-3.5-turbo",
	"gpt-4o":          "gpt-3.5-turbo",
	"claude-3-opus":   "claude-3-haiku",
	"claude-3-sonnet": "claude-3-haiku",
}

// AdapterLookup resolves a provider id to its adapter. The router's registry
// satisfies it.
type AdapterLookup func(providerID string) (provider.Adapter, bool)

// BudgetCheckResult is the outcome of evaluating an estimate against all
// applicable budgets.
type BudgetCheckResult struct {
	Allowed         bool
	RemainingBudget decimal.Decimal
	Violated        []store.Budget
	SoftViolation   bool
	CheckedBudgets  int
}

type cachedEstimate struct {
	estimate   store.CostEstimate
	providerID string
	model      string
	keyID      string
}

// Controller owns budget accounting and cost reconciliation.
type Controller struct {
	store    store.Store
	sink     obs.Sink
	logger   *slog.Logger
	adapters AdapterLookup
	now      func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex // per budget id

	estMu     sync.Mutex
	estimates map[string]cachedEstimate // request id -> pre-flight estimate
}

// Option configures a Controller.
type Option func(*Controller)

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// NewController builds a cost controller. adapters may be nil when cost
// estimation is driven externally.
func NewController(s store.Store, sink obs.Sink, logger *slog.Logger, adapters AdapterLookup, opts ...Option) *Controller {
	c := &Controller{
		store:     s,
		sink:      sink,
		logger:    logger,
		adapters:  adapters,
		now:       func() time.Time { return time.Now().UTC() },
		locks:     make(map[string]*sync.Mutex),
		estimates: make(map[string]cachedEstimate),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Controller) lockFor(budgetID string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.locks[budgetID]
	if !ok {
		l = &sync.Mutex{}
		c.locks[budgetID] = l
	}
	return l
}

// EstimateRequestCost prices an intent through the provider's adapter.
func (c *Controller) EstimateRequestCost(ctx context.Context, intent provider.Intent, providerID, keyID string) (store.CostEstimate, error) {
	if c.adapters == nil {
		return store.CostEstimate{}, errors.New("no adapter lookup configured")
	}
	adapter, ok := c.adapters(providerID)
	if !ok {
		return store.CostEstimate{}, fmt.Errorf("unknown provider %q", providerID)
	}
	est, err := adapter.EstimateCost(intent)
	if err != nil {
		c.logger.Warn("cost estimation failed",
			slog.String("provider_id", providerID),
			slog.String("error", err.Error()))
		return store.CostEstimate{}, &provider.DomainError{
			Category: provider.CategoryValidation,
			Message:  "cost estimation failed",
		}
	}

	obs.Emit(ctx, c.sink, c.logger, obs.Event{
		Type:       obs.EventCostEstimated,
		ProviderID: providerID,
		KeyID:      keyID,
		Payload: map[string]any{
			"amount": est.Amount.String(),
			"model":  intent.Model,
			"method": est.Method,
		},
	})
	return est, nil
}

// CreateBudget registers a spending limit. Non-global scopes require a
// scope id.
func (c *Controller) CreateBudget(ctx context.Context, scope store.BudgetScope, limit decimal.Decimal, period store.TimeWindow, scopeID string, enforcement store.EnforcementMode) (*store.Budget, error) {
	if scope != store.ScopeGlobal && scopeID == "" {
		return nil, fmt.Errorf("scope %s requires a scope_id", scope)
	}
	if limit.LessThanOrEqual(decimal.Zero) {
		return nil, errors.New("budget limit must be positive")
	}
	if enforcement == "" {
		enforcement = store.EnforceHard
	}

	now := c.now()
	b := store.Budget{
		ID:           uuid.NewString(),
		Scope:        scope,
		ScopeID:      scopeID,
		LimitAmount:  limit,
		CurrentSpend: decimal.Zero,
		Period:       period,
		Enforcement:  enforcement,
		ResetAt:      nextPeriodBoundary(period, now),
		CreatedAt:    now,
	}
	if err := c.store.SaveBudget(ctx, b); err != nil {
		return nil, err
	}

	obs.Emit(ctx, c.sink, c.logger, obs.Event{
		Type: obs.EventBudgetCreated,
		Payload: map[string]any{
			"budget_id":   b.ID,
			"scope":       string(scope),
			"scope_id":    scopeID,
			"limit":       limit.String(),
			"period":      string(period),
			"enforcement": string(enforcement),
		},
	})
	return &b, nil
}

func nextPeriodBoundary(w store.TimeWindow, now time.Time) time.Time {
	now = now.UTC()
	switch w {
	case store.WindowHourly:
		return now.Truncate(time.Hour).Add(time.Hour)
	case store.WindowMonthly:
		y, m, _ := now.Date()
		return time.Date(y, m+1, 1, 0, 0, 0, 0, time.UTC)
	default:
		y, m, d := now.Date()
		return time.Date(y, m, d+1, 0, 0, 0, 0, time.UTC)
	}
}

// UpdateSpending adds spend to a budget, resetting the period first when due.
func (c *Controller) UpdateSpending(ctx context.Context, budgetID string, amount decimal.Decimal) (*store.Budget, error) {
	if amount.IsNegative() {
		return nil, errors.New("spend amount must be non-negative")
	}

	l := c.lockFor(budgetID)
	l.Lock()
	defer l.Unlock()

	b, err := c.store.GetBudget(ctx, budgetID)
	if err != nil {
		return nil, err
	}
	if b == nil {
		return nil, fmt.Errorf("budget %q not found", budgetID)
	}

	now := c.now()
	c.resetIfDue(b, now)
	b.CurrentSpend = b.CurrentSpend.Add(amount)
	if err := c.store.SaveBudget(ctx, *b); err != nil {
		return nil, err
	}

	obs.Emit(ctx, c.sink, c.logger, obs.Event{
		Type: obs.EventBudgetSpendingUpdated,
		Payload: map[string]any{
			"budget_id":     b.ID,
			"amount":        amount.String(),
			"current_spend": b.CurrentSpend.String(),
		},
	})
	if b.IsExceeded() {
		c.logger.Warn("budget exceeded",
			slog.String("budget_id", b.ID),
			slog.String("current_spend", b.CurrentSpend.String()),
			slog.String("limit", b.LimitAmount.String()))
	}
	return b, nil
}

func (c *Controller) resetIfDue(b *store.Budget, now time.Time) {
	if now.Before(b.ResetAt) {
		return
	}
	b.CurrentSpend = decimal.Zero
	b.WarningCount = 0
	b.ResetAt = nextPeriodBoundary(b.Period, now)
}

// ResetDueBudgets sweeps every budget whose period boundary has passed and
// zeroes its spend. Resets also happen lazily on the check path; the sweep
// keeps idle budgets from reporting stale spend. Returns the reset count.
func (c *Controller) ResetDueBudgets(ctx context.Context) (int, error) {
	all, err := c.store.ListBudgets(ctx)
	if err != nil {
		return 0, err
	}
	now := c.now()
	reset := 0
	for _, b := range all {
		if now.Before(b.ResetAt) {
			continue
		}
		l := c.lockFor(b.ID)
		l.Lock()
		cur, err := c.store.GetBudget(ctx, b.ID)
		if err != nil || cur == nil {
			l.Unlock()
			continue
		}
		c.resetIfDue(cur, now)
		if err := c.store.SaveBudget(ctx, *cur); err != nil {
			l.Unlock()
			return reset, err
		}
		l.Unlock()
		reset++
	}
	return reset, nil
}

// CheckBudget evaluates an estimate against every applicable budget:
// Global always, PerProvider and PerKey when ids are given.
func (c *Controller) CheckBudget(ctx context.Context, estimate store.CostEstimate, providerID, keyID string) (*BudgetCheckResult, error) {
	all, err := c.store.ListBudgets(ctx)
	if err != nil {
		return nil, err
	}

	now := c.now()
	res := &BudgetCheckResult{Allowed: true, RemainingBudget: unlimitedRemaining}
	for i := range all {
		b := all[i]
		switch b.Scope {
		case store.ScopeGlobal:
		case store.ScopePerProvider:
			if providerID == "" || b.ScopeID != providerID {
				continue
			}
		case store.ScopePerKey:
			if keyID == "" || b.ScopeID != keyID {
				continue
			}
		default:
			continue
		}
		res.CheckedBudgets++

		if !now.Before(b.ResetAt) {
			l := c.lockFor(b.ID)
			l.Lock()
			c.resetIfDue(&b, now)
			if err := c.store.SaveBudget(ctx, b); err != nil {
				l.Unlock()
				return nil, err
			}
			l.Unlock()
		}

		remaining := b.Remaining()
		if remaining.LessThan(res.RemainingBudget) {
			res.RemainingBudget = remaining
		}
		if remaining.Sub(estimate.Amount).IsNegative() {
			res.Violated = append(res.Violated, b)
			res.Allowed = false
			if b.Enforcement == store.EnforceSoft {
				res.SoftViolation = true
			}
		}
	}

	obs.Emit(ctx, c.sink, c.logger, obs.Event{
		Type:       obs.EventBudgetChecked,
		ProviderID: providerID,
		KeyID:      keyID,
		Payload: map[string]any{
			"allowed":         res.Allowed,
			"checked_budgets": res.CheckedBudgets,
			"violations":      len(res.Violated),
		},
	})
	if len(res.Violated) > 0 {
		c.logger.Warn("budget check found violations",
			slog.Int("violations", len(res.Violated)),
			slog.String("estimate", estimate.Amount.String()))
	}
	return res, nil
}

// EnforceBudget applies budget policy to an estimate. Hard violations raise
// BudgetExceededError; soft violations warn, count, and optionally downgrade
// the intent's model in place.
func (c *Controller) EnforceBudget(ctx context.Context, intent *provider.Intent, estimate store.CostEstimate, providerID, keyID string, enableDowngrade bool) (*BudgetCheckResult, error) {
	res, err := c.CheckBudget(ctx, estimate, providerID, keyID)
	if err != nil {
		return nil, err
	}
	if len(res.Violated) == 0 {
		return res, nil
	}

	var hard, soft []store.Budget
	for _, b := range res.Violated {
		if b.Enforcement == store.EnforceHard {
			hard = append(hard, b)
		} else {
			soft = append(soft, b)
		}
	}

	if len(hard) > 0 {
		ids := make([]string, len(hard))
		for i, b := range hard {
			ids[i] = b.ID
		}
		obs.Emit(ctx, c.sink, c.logger, obs.Event{
			Type:       obs.EventBudgetViolation,
			ProviderID: providerID,
			KeyID:      keyID,
			Payload: map[string]any{
				"violated_budget_ids": ids,
				"estimate":            estimate.Amount.String(),
			},
		})
		c.logger.Error("hard budget violated",
			slog.Any("budget_ids", ids),
			slog.String("estimate", estimate.Amount.String()))
		return nil, &BudgetExceededError{
			Message:           "request would exceed hard budget",
			RemainingBudget:   res.RemainingBudget,
			ViolatedBudgetIDs: ids,
			EstimatedCost:     estimate.Amount,
			BudgetLimit:       hard[0].LimitAmount,
		}
	}

	downgrade := c.attemptDowngrade(ctx, intent, estimate, providerID, keyID, enableDowngrade)

	for _, b := range soft {
		l := c.lockFor(b.ID)
		l.Lock()
		fresh, err := c.store.GetBudget(ctx, b.ID)
		if err == nil && fresh != nil {
			fresh.WarningCount++
			if err := c.store.SaveBudget(ctx, *fresh); err != nil {
				c.logger.Warn("warning count save failed", slog.String("budget_id", b.ID))
			}
			b = *fresh
		}
		l.Unlock()

		payload := map[string]any{
			"budget_id":     b.ID,
			"warning_count": b.WarningCount,
			"estimate":      estimate.Amount.String(),
		}
		for k, v := range downgrade {
			payload[k] = v
		}
		obs.Emit(ctx, c.sink, c.logger, obs.Event{
			Type:       obs.EventBudgetWarning,
			ProviderID: providerID,
			KeyID:      keyID,
			Payload:    payload,
		})
		c.logger.Warn("soft budget violated",
			slog.String("budget_id", b.ID),
			slog.Int("warning_count", b.WarningCount))
	}

	res.Allowed = true
	return res, nil
}

// attemptDowngrade swaps the intent's model for a cheaper tier and
// re-estimates. On re-estimation failure the model reverts. The returned map
// is merged into budget_warning payloads.
func (c *Controller) attemptDowngrade(ctx context.Context, intent *provider.Intent, estimate store.CostEstimate, providerID, keyID string, enabled bool) map[string]any {
	meta := map[string]any{"downgrade_attempted": false}
	if !enabled || intent == nil || providerID == "" {
		return meta
	}
	cheaper, ok := downgradeModels[intent.Model]
	if !ok || cheaper == intent.Model {
		return meta
	}

	meta["downgrade_attempted"] = true
	meta["original_model"] = intent.Model
	meta["downgrade_model"] = cheaper
	meta["original_cost"] = estimate.Amount.String()

	original := intent.Model
	intent.Model = cheaper
	newEst, err := c.EstimateRequestCost(ctx, *intent, providerID, keyID)
	if err != nil {
		intent.Model = original
		meta["downgrade_successful"] = false
		c.logger.Warn("model downgrade re-estimation failed; reverted",
			slog.String("provider_id", providerID),
			slog.String("error", err.Error()))
		return meta
	}
	meta["downgrade_successful"] = true
	meta["downgrade_cost"] = newEst.Amount.String()
	return meta
}

// RecordEstimatedCost caches a pre-flight estimate for later reconciliation.
func (c *Controller) RecordEstimatedCost(ctx context.Context, requestID string, estimate store.CostEstimate, providerID, model, keyID string) {
	c.estMu.Lock()
	c.estimates[requestID] = cachedEstimate{
		estimate:   estimate,
		providerID: providerID,
		model:      model,
		keyID:      keyID,
	}
	c.estMu.Unlock()

	obs.Emit(ctx, c.sink, c.logger, obs.Event{
		Type:       obs.EventCostEstimateRecorded,
		RequestID:  requestID,
		ProviderID: providerID,
		KeyID:      keyID,
		Payload:    map[string]any{"amount": estimate.Amount.String(), "model": model},
	})
}

// RecordActualCost reconciles an observed cost with its estimate. Returns nil
// when no estimate can be found for the request.
func (c *Controller) RecordActualCost(ctx context.Context, requestID string, actual decimal.Decimal) (*store.CostReconciliation, error) {
	c.estMu.Lock()
	cached, ok := c.estimates[requestID]
	c.estMu.Unlock()

	estimated := decimal.Zero
	providerID, model, keyID := "", "", ""
	if ok {
		estimated = cached.estimate.Amount
		providerID, model, keyID = cached.providerID, cached.model, cached.keyID
	} else {
		// Best-effort: an estimate may ride on the persisted routing decision.
		res, err := c.store.QueryState(ctx, store.StateQuery{EntityType: store.EntityDecision})
		if err == nil {
			for _, d := range res.Decisions {
				if d.RequestID != requestID {
					continue
				}
				if raw, has := d.Metadata["estimated_cost"]; has {
					if s, isStr := raw.(string); isStr {
						if amt, perr := decimal.NewFromString(s); perr == nil {
							estimated = amt
							providerID = d.SelectedProviderID
							keyID = d.SelectedKeyID
							ok = true
						}
					}
				}
				break
			}
		}
	}
	if !ok {
		c.logger.Warn("no estimate found for reconciliation",
			slog.String("request_id", requestID))
		return nil, nil
	}

	errAmount := actual.Sub(estimated)
	var errPct float64
	switch {
	case estimated.IsZero() && actual.IsZero():
		errPct = 0
	case estimated.IsZero():
		errPct = 100
	default:
		errPct, _ = errAmount.Div(estimated).Mul(decimal.NewFromInt(100)).Float64()
	}

	rec := store.CostReconciliation{
		RequestID:       requestID,
		EstimatedCost:   estimated,
		ActualCost:      actual,
		ErrorAmount:     errAmount,
		ErrorPercentage: errPct,
		ProviderID:      providerID,
		Model:           model,
		KeyID:           keyID,
		ReconciledAt:    c.now(),
	}
	// Audit-only write: failure degrades to a warning.
	if err := c.store.SaveReconciliation(ctx, rec); err != nil {
		c.logger.Warn("reconciliation save failed",
			slog.String("request_id", requestID),
			slog.String("error", err.Error()))
	}

	c.estMu.Lock()
	delete(c.estimates, requestID)
	c.estMu.Unlock()

	obs.Emit(ctx, c.sink, c.logger, obs.Event{
		Type:       obs.EventCostReconciled,
		RequestID:  requestID,
		ProviderID: providerID,
		KeyID:      keyID,
		Payload: map[string]any{
			"estimated":        estimated.String(),
			"actual":           actual.String(),
			"error_percentage": errPct,
		},
	})

	if errPct > analysisThresholdPct || errPct < -analysisThresholdPct {
		obs.Emit(ctx, c.sink, c.logger, obs.Event{
			Type:      obs.EventCostModelAnalysis,
			RequestID: requestID,
			Payload: map[string]any{
				"error_percentage": errPct,
				"model":            model,
			},
		})
		c.logger.Warn("cost model drift",
			slog.String("request_id", requestID),
			slog.Float64("error_percentage", errPct))
	}
	return &rec, nil
}
