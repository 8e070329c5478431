// Package obs carries the observability surface: structured events, the
// redacting slog setup, and an in-memory bus for event fan-out. Nothing in
// this package ever receives key material.
package obs

import (
	"encoding/json"
	"time"
)

// EventType identifies the kind of event.
type EventType string

const (
	EventKeyRegistered         EventType = "key_registered"
	EventKeyRotated            EventType = "key_rotated"
	EventKeyRevoked            EventType = "key_revoked"
	EventKeyAccess             EventType = "key_access"
	EventStateTransition       EventType = "state_transition"
	EventCapacityUpdated       EventType = "capacity_updated"
	EventQuotaReset            EventType = "quota_reset"
	EventQuotaExhausted        EventType = "quota_exhausted"
	EventCostEstimated         EventType = "cost_estimated"
	EventBudgetCreated         EventType = "budget_created"
	EventBudgetSpendingUpdated EventType = "budget_spending_updated"
	EventBudgetChecked         EventType = "budget_checked"
	EventBudgetWarning         EventType = "budget_warning"
	EventBudgetViolation       EventType = "budget_violation"
	EventCostEstimateRecorded  EventType = "cost_estimate_recorded"
	EventCostReconciled        EventType = "cost_reconciled"
	EventCostModelAnalysis     EventType = "cost_model_analysis"
	EventProviderRegistered    EventType = "provider_registered"
	EventRoutingDecision       EventType = "routing_decision"
	EventRoutingFailed         EventType = "routing_failed"
	EventRequestCompleted      EventType = "request_completed"
	EventRequestFailed         EventType = "request_failed"
)

// Event is one structured observability event.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`

	KeyID         string `json:"key_id,omitempty"`
	ProviderID    string `json:"provider_id,omitempty"`
	RequestID     string `json:"request_id,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`

	Payload map[string]any `json:"payload,omitempty"`
}

// JSON returns the event serialized for transport (SSE, logs).
func (e *Event) JSON() []byte {
	b, _ := json.Marshal(e)
	return b
}
