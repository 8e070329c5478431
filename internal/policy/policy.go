// Package policy is the hook surface the routing engine consults before
// scoring. Rules can reject a request outright, filter candidate keys, or
// merge extra constraints into the routing objective. The rule DSL itself
// lives outside the core; anything satisfying Rule plugs in.
package policy

import (
	"context"
	"log/slog"
	"sync"

	"github.com/jordanhubbard/keyrouter/internal/store"
)

// Scope is where a rule applies. Provider-scoped rules take precedence over
// global ones when constraints conflict.
type Scope string

const (
	ScopeGlobal      Scope = "global"
	ScopePerProvider Scope = "per_provider"
)

// Action is a rule's verdict.
type Action string

const (
	ActionAllow     Action = "allow"
	ActionReject    Action = "reject"
	ActionFilter    Action = "filter"
	ActionConstrain Action = "constrain"
)

// Request is the routing context a rule evaluates.
type Request struct {
	ProviderID string
	Candidates []store.APIKey
	Objective  store.RoutingObjective
}

// Decision is a rule's output. FilteredKeyIDs applies to ActionFilter,
// Constraints to ActionConstrain.
type Decision struct {
	Action         Action
	Reason         string
	FilteredKeyIDs []string
	Constraints    map[string]any
}

// Rule evaluates one routing request. Implementations must be safe for
// concurrent use.
type Rule interface {
	ID() string
	Scope() Scope
	// ProviderID returns the provider a per-provider rule binds to; empty for
	// global rules.
	ProviderID() string
	Evaluate(ctx context.Context, req Request) (Decision, error)
}

// Result is the combined outcome of all applicable rules.
type Result struct {
	Candidates []store.APIKey
	Objective  store.RoutingObjective
	Rejected   bool
	Reason     string
	// Notes records what each rule did, for decision explanations.
	Notes []string
}

// Engine holds registered rules and applies them in precedence order.
type Engine struct {
	mu     sync.RWMutex
	rules  []Rule
	logger *slog.Logger
}

// NewEngine creates an empty policy engine.
func NewEngine(logger *slog.Logger) *Engine {
	return &Engine{logger: logger}
}

// Register adds a rule. Rules registered earlier run earlier within the same
// scope.
func (e *Engine) Register(r Rule) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules = append(e.rules, r)
}

// RuleCount reports how many rules are registered.
func (e *Engine) RuleCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.rules)
}

// Apply runs every applicable rule against the request. Global rules run
// first, then provider-scoped rules, so provider constraints override global
// ones on conflicting keys. A rule error is logged and the rule skipped; a
// reject from any rule short-circuits. The input objective is never mutated:
// constraint merges produce a new value.
func (e *Engine) Apply(ctx context.Context, req Request) Result {
	e.mu.RLock()
	var global, scoped []Rule
	for _, r := range e.rules {
		switch r.Scope() {
		case ScopeGlobal:
			global = append(global, r)
		case ScopePerProvider:
			if r.ProviderID() == req.ProviderID {
				scoped = append(scoped, r)
			}
		}
	}
	e.mu.RUnlock()

	res := Result{
		Candidates: req.Candidates,
		Objective:  req.Objective,
	}
	for _, r := range append(global, scoped...) {
		d, err := r.Evaluate(ctx, Request{
			ProviderID: req.ProviderID,
			Candidates: res.Candidates,
			Objective:  res.Objective,
		})
		if err != nil {
			e.logger.Warn("policy rule failed; skipping",
				slog.String("rule_id", r.ID()),
				slog.String("error", err.Error()))
			continue
		}
		switch d.Action {
		case ActionReject:
			res.Rejected = true
			res.Reason = d.Reason
			res.Notes = append(res.Notes, "rule "+r.ID()+" rejected: "+d.Reason)
			return res
		case ActionFilter:
			res.Candidates = dropKeys(res.Candidates, d.FilteredKeyIDs)
			res.Notes = append(res.Notes, "rule "+r.ID()+" filtered keys")
		case ActionConstrain:
			res.Objective = mergeConstraints(res.Objective, d.Constraints)
			res.Notes = append(res.Notes, "rule "+r.ID()+" added constraints")
		}
	}
	return res
}

func dropKeys(keys []store.APIKey, ids []string) []store.APIKey {
	if len(ids) == 0 {
		return keys
	}
	drop := make(map[string]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}
	out := make([]store.APIKey, 0, len(keys))
	for _, k := range keys {
		if !drop[k.ID] {
			out = append(out, k)
		}
	}
	return out
}

// mergeConstraints returns a new objective with extra constraints layered on.
func mergeConstraints(obj store.RoutingObjective, extra map[string]any) store.RoutingObjective {
	if len(extra) == 0 {
		return obj
	}
	merged := store.RoutingObjective{
		Primary:     obj.Primary,
		Secondary:   append([]store.ObjectiveType(nil), obj.Secondary...),
		Constraints: make(map[string]any, len(obj.Constraints)+len(extra)),
	}
	if obj.Weights != nil {
		merged.Weights = make(map[store.ObjectiveType]float64, len(obj.Weights))
		for k, v := range obj.Weights {
			merged.Weights[k] = v
		}
	}
	for k, v := range obj.Constraints {
		merged.Constraints[k] = v
	}
	for k, v := range extra {
		merged.Constraints[k] = v
	}
	return merged
}
