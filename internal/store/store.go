package store

import (
	"context"
	"fmt"
	"time"
)

// Store defines the persistence contract for keyrouter. Keys and quota states
// are last-write-wins; routing decisions, state transitions, and
// reconciliations are append-only.
type Store interface {
	// Keys
	SaveKey(ctx context.Context, key APIKey) error
	GetKey(ctx context.Context, id string) (*APIKey, error)
	ListKeys(ctx context.Context, providerID string) ([]APIKey, error) // "" = all providers
	DeleteKey(ctx context.Context, id string) error

	// State transitions (append-only audit trail)
	SaveStateTransition(ctx context.Context, tr StateTransition) error

	// Quota states
	SaveQuotaState(ctx context.Context, qs QuotaState) error
	GetQuotaState(ctx context.Context, keyID string) (*QuotaState, error)

	// Routing decisions (append-only)
	SaveRoutingDecision(ctx context.Context, d RoutingDecision) error

	// Budgets
	SaveBudget(ctx context.Context, b Budget) error
	GetBudget(ctx context.Context, id string) (*Budget, error)
	ListBudgets(ctx context.Context) ([]Budget, error)

	// Cost reconciliations (append-only)
	SaveReconciliation(ctx context.Context, r CostReconciliation) error
	QueryReconciliations(ctx context.Context, q ReconciliationQuery) ([]CostReconciliation, error)

	// QueryState filters decisions and transitions by entity, key, provider,
	// and time range.
	QueryState(ctx context.Context, q StateQuery) (StateQueryResult, error)

	// Schema lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

// EntityDecision selects routing decisions in a StateQuery.
const EntityDecision = "routing_decision"

// StateQuery filters the audit records held by a store. EntityType selects
// which record family the result carries; empty means both.
type StateQuery struct {
	EntityType string // EntityKey selects transitions; EntityDecision selects decisions; "" = both
	KeyID      string
	ProviderID string
	From       time.Time
	To         time.Time
	Limit      int
}

// StateQueryResult carries the typed results of a QueryState call.
type StateQueryResult struct {
	Decisions   []RoutingDecision
	Transitions []StateTransition
}

// ReconciliationQuery filters persisted cost reconciliations.
type ReconciliationQuery struct {
	RequestID  string
	KeyID      string
	ProviderID string
	From       time.Time
	To         time.Time
	Limit      int
}

// StoreError wraps a persistence failure with the operation that produced it.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string { return fmt.Sprintf("store: %s: %v", e.Op, e.Err) }
func (e *StoreError) Unwrap() error { return e.Err }

func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StoreError{Op: op, Err: err}
}
