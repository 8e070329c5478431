package store

import (
	"time"

	"github.com/shopspring/decimal"
)

// KeyState is the lifecycle state of a managed API key.
type KeyState string

const (
	KeyAvailable  KeyState = "available"
	KeyThrottled  KeyState = "throttled"
	KeyExhausted  KeyState = "exhausted"
	KeyRecovering KeyState = "recovering"
	KeyDisabled   KeyState = "disabled"
	KeyInvalid    KeyState = "invalid"
)

// CapacityState is the coarse-grained health of a key's remaining window capacity.
type CapacityState string

const (
	CapacityAbundant    CapacityState = "abundant"
	CapacityConstrained CapacityState = "constrained"
	CapacityCritical    CapacityState = "critical"
	CapacityExhausted   CapacityState = "exhausted"
	CapacityRecovering  CapacityState = "recovering"
)

// CapacityUnit tells which dimension a quota window is tracked in.
type CapacityUnit string

const (
	UnitRequests CapacityUnit = "requests"
	UnitTokens   CapacityUnit = "tokens"
	UnitMixed    CapacityUnit = "mixed"
)

// TimeWindow identifies a quota or budget accounting period.
type TimeWindow string

const (
	WindowHourly  TimeWindow = "hourly"
	WindowDaily   TimeWindow = "daily"
	WindowMonthly TimeWindow = "monthly"
	WindowCustom  TimeWindow = "custom"
)

// BudgetScope identifies what a budget applies to.
type BudgetScope string

const (
	ScopeGlobal      BudgetScope = "global"
	ScopePerProvider BudgetScope = "per_provider"
	ScopePerKey      BudgetScope = "per_key"
	ScopePerRoute    BudgetScope = "per_route"
)

// EnforcementMode distinguishes budgets that reject from budgets that warn.
type EnforcementMode string

const (
	EnforceHard EnforcementMode = "hard"
	EnforceSoft EnforcementMode = "soft"
)

// UncertaintyLevel qualifies confidence in an exhaustion prediction.
type UncertaintyLevel string

const (
	UncertaintyLow     UncertaintyLevel = "low"
	UncertaintyMedium  UncertaintyLevel = "medium"
	UncertaintyHigh    UncertaintyLevel = "high"
	UncertaintyUnknown UncertaintyLevel = "unknown"
)

// ObjectiveType is a routing objective dimension.
type ObjectiveType string

const (
	ObjectiveCost        ObjectiveType = "cost"
	ObjectiveReliability ObjectiveType = "reliability"
	ObjectiveFairness    ObjectiveType = "fairness"
	ObjectiveQuality     ObjectiveType = "quality"
)

// EstimateKind tags the shape of a CapacityEstimate.
type EstimateKind string

const (
	EstimateExact     EstimateKind = "exact"
	EstimateEstimated EstimateKind = "estimated"
	EstimateBounded   EstimateKind = "bounded"
	EstimateUnknown   EstimateKind = "unknown"
)

// CapacityEstimate is a tagged union over the four capacity shapes:
// exact (point value, confidence ~1), estimated (point value, confidence < 1),
// bounded (min/max, no point value), and unknown (no data, confidence 0).
type CapacityEstimate struct {
	Kind       EstimateKind `json:"kind"`
	Value      *float64     `json:"value,omitempty"`
	Min        *float64     `json:"min,omitempty"`
	Max        *float64     `json:"max,omitempty"`
	Confidence float64      `json:"confidence"`
	Method     string       `json:"method,omitempty"`
}

// ExactEstimate builds an exact capacity estimate.
func ExactEstimate(value float64, method string) CapacityEstimate {
	v := value
	return CapacityEstimate{Kind: EstimateExact, Value: &v, Confidence: 1.0, Method: method}
}

// EstimatedCapacity builds a point estimate with reduced confidence.
func EstimatedCapacity(value, confidence float64, method string) CapacityEstimate {
	v := value
	return CapacityEstimate{Kind: EstimateEstimated, Value: &v, Confidence: confidence, Method: method}
}

// BoundedEstimate builds a min/max range estimate with no point value.
func BoundedEstimate(min, max, confidence float64, method string) CapacityEstimate {
	lo, hi := min, max
	return CapacityEstimate{Kind: EstimateBounded, Min: &lo, Max: &hi, Confidence: confidence, Method: method}
}

// UnknownEstimate builds the zero-knowledge estimate.
func UnknownEstimate() CapacityEstimate {
	return CapacityEstimate{Kind: EstimateUnknown, Confidence: 0}
}

// APIKey is the persisted form of a managed provider key. EncryptedMaterial is
// base64-encoded AES-GCM ciphertext; plaintext never appears in this record.
type APIKey struct {
	ID                string         `json:"id"`
	ProviderID        string         `json:"provider_id"`
	EncryptedMaterial string         `json:"-"`
	State             KeyState       `json:"state"`
	Metadata          map[string]any `json:"metadata,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
	StateUpdatedAt    time.Time      `json:"state_updated_at"`
	LastUsedAt        *time.Time     `json:"last_used_at,omitempty"`
	CooldownUntil     *time.Time     `json:"cooldown_until,omitempty"`
	UsageCount        int64          `json:"usage_count"`
	FailureCount      int64          `json:"failure_count"`
}

// QuotaState tracks remaining window capacity for one key.
type QuotaState struct {
	KeyID         string           `json:"key_id"`
	CapacityState CapacityState    `json:"capacity_state"`
	Unit          CapacityUnit     `json:"capacity_unit"`
	Remaining     CapacityEstimate `json:"remaining_capacity"`
	TotalCapacity *float64         `json:"total_capacity,omitempty"`
	UsedCapacity  float64          `json:"used_capacity"`

	// Token-side fields, required when Unit is UnitMixed.
	RemainingTokens *float64 `json:"remaining_tokens,omitempty"`
	TotalTokens     *float64 `json:"total_tokens,omitempty"`
	UsedTokens      float64  `json:"used_tokens"`
	UsedRequests    float64  `json:"used_requests"`

	Window    TimeWindow `json:"time_window"`
	ResetAt   time.Time  `json:"reset_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// UsageRate is an observed consumption rate over a trailing window.
type UsageRate struct {
	RequestsPerHour float64   `json:"requests_per_hour"`
	TokensPerHour   *float64  `json:"tokens_per_hour,omitempty"`
	WindowHours     float64   `json:"window_hours"`
	CalculatedAt    time.Time `json:"calculated_at"`
	Confidence      float64   `json:"confidence"`
}

// ExhaustionPrediction is a forward-looking estimate of when a key's quota
// window runs out.
type ExhaustionPrediction struct {
	KeyID                 string           `json:"key_id"`
	PredictedExhaustionAt time.Time        `json:"predicted_exhaustion_at"`
	Confidence            float64          `json:"confidence"`
	CalculationMethod     string           `json:"calculation_method"`
	CurrentUsageRate      UsageRate        `json:"current_usage_rate"`
	RemainingCapacity     float64          `json:"remaining_capacity"`
	CalculatedAt          time.Time        `json:"calculated_at"`
	Uncertainty           UncertaintyLevel `json:"uncertainty_level"`
}

// Budget is a spending limit over a scope and period. Amounts are fixed-point
// decimals; binary floats are never used for money.
type Budget struct {
	ID           string          `json:"id"`
	Scope        BudgetScope     `json:"scope"`
	ScopeID      string          `json:"scope_id,omitempty"`
	LimitAmount  decimal.Decimal `json:"limit_amount"`
	CurrentSpend decimal.Decimal `json:"current_spend"`
	Period       TimeWindow      `json:"period"`
	Enforcement  EnforcementMode `json:"enforcement_mode"`
	ResetAt      time.Time       `json:"reset_at"`
	CreatedAt    time.Time       `json:"created_at"`
	WarningCount int             `json:"warning_count"`
}

// Remaining returns limit minus current spend.
func (b Budget) Remaining() decimal.Decimal {
	return b.LimitAmount.Sub(b.CurrentSpend)
}

// Utilization returns current spend as a percentage of the limit.
func (b Budget) Utilization() float64 {
	if b.LimitAmount.IsZero() {
		return 0
	}
	pct, _ := b.CurrentSpend.Div(b.LimitAmount).Mul(decimal.NewFromInt(100)).Float64()
	return pct
}

// IsExceeded reports whether current spend has reached the limit.
func (b Budget) IsExceeded() bool {
	return b.CurrentSpend.GreaterThanOrEqual(b.LimitAmount)
}

// CostEstimate is a pre-flight cost prediction for one request.
type CostEstimate struct {
	Amount       decimal.Decimal `json:"amount"`
	Currency     string          `json:"currency"`
	Confidence   float64         `json:"confidence"`
	Method       string          `json:"estimation_method"`
	InputTokens  int             `json:"input_tokens_estimate"`
	OutputTokens int             `json:"output_tokens_estimate"`
}

// CostReconciliation compares an estimated cost with the observed actual.
type CostReconciliation struct {
	RequestID       string          `json:"request_id"`
	EstimatedCost   decimal.Decimal `json:"estimated_cost"`
	ActualCost      decimal.Decimal `json:"actual_cost"`
	ErrorAmount     decimal.Decimal `json:"error_amount"`
	ErrorPercentage float64         `json:"error_percentage"`
	ProviderID      string          `json:"provider_id,omitempty"`
	Model           string          `json:"model,omitempty"`
	KeyID           string          `json:"key_id,omitempty"`
	ReconciledAt    time.Time       `json:"reconciled_at"`
}

// RoutingObjective describes what a routing decision should optimize for.
// Weights, when non-empty, switch the scorer into multi-objective mode.
type RoutingObjective struct {
	Primary     ObjectiveType             `json:"primary"`
	Secondary   []ObjectiveType           `json:"secondary,omitempty"`
	Weights     map[ObjectiveType]float64 `json:"weights,omitempty"`
	Constraints map[string]any            `json:"constraints,omitempty"`
}

// BudgetCheckSummary is the per-key budget outcome embedded in a decision.
type BudgetCheckSummary struct {
	Allowed         bool            `json:"allowed"`
	SoftViolation   bool            `json:"soft_violation"`
	RemainingBudget decimal.Decimal `json:"remaining_budget"`
}

// KeyEvaluation captures how one candidate key scored during routing.
type KeyEvaluation struct {
	Score           float64                   `json:"score"`
	CapacityState   CapacityState             `json:"capacity_state,omitempty"`
	CostEstimate    *CostEstimate             `json:"cost_estimate,omitempty"`
	BudgetCheck     *BudgetCheckSummary       `json:"budget_check,omitempty"`
	ObjectiveScores map[ObjectiveType]float64 `json:"objective_scores,omitempty"`
}

// RoutingDecision is the auditable record of one key selection.
type RoutingDecision struct {
	ID                     string                   `json:"id"`
	RequestID              string                   `json:"request_id"`
	SelectedKeyID          string                   `json:"selected_key_id"`
	SelectedProviderID     string                   `json:"selected_provider_id"`
	DecidedAt              time.Time                `json:"decision_timestamp"`
	Objective              RoutingObjective         `json:"objective"`
	EligibleKeys           []string                 `json:"eligible_keys"`
	Evaluations            map[string]KeyEvaluation `json:"evaluation_results"`
	Explanation            string                   `json:"explanation"`
	Confidence             float64                  `json:"confidence"`
	AlternativesConsidered int                      `json:"alternatives_considered"`

	// Metadata carries post-flight annotations such as consumed token counts;
	// the quota engine reads these back when computing usage rates.
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Entity types recorded in the state-transition audit trail.
const (
	EntityKey   = "api_key"
	EntityQuota = "quota_state"
)

// StateTransition is an append-only audit record of a state change.
type StateTransition struct {
	ID         string         `json:"id"`
	EntityType string         `json:"entity_type"`
	EntityID   string         `json:"entity_id"`
	FromState  string         `json:"from_state"`
	ToState    string         `json:"to_state"`
	Trigger    string         `json:"trigger"`
	Context    map[string]any `json:"context,omitempty"`
	At         time.Time      `json:"transition_timestamp"`
}
