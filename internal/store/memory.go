package store

import (
	"context"
	"sort"
	"sync"
)

// RetentionConfig bounds the append-only decision and transition records a
// store retains. Zero values fall back to the defaults below.
type RetentionConfig struct {
	MaxDecisions   int
	MaxTransitions int
}

const (
	defaultMaxDecisions   = 10000
	defaultMaxTransitions = 10000
)

// MemoryStore is an in-process Store used by tests and test-mode deployments.
// Decisions and transitions are kept in bounded rings; oldest entries are
// evicted first.
type MemoryStore struct {
	cfg RetentionConfig

	mu          sync.RWMutex
	keys        map[string]APIKey
	quotas      map[string]QuotaState
	budgets     map[string]Budget
	decisions   []RoutingDecision
	transitions []StateTransition
	recons      []CostReconciliation
}

// NewMemory creates an empty in-memory store.
func NewMemory(cfg RetentionConfig) *MemoryStore {
	if cfg.MaxDecisions <= 0 {
		cfg.MaxDecisions = defaultMaxDecisions
	}
	if cfg.MaxTransitions <= 0 {
		cfg.MaxTransitions = defaultMaxTransitions
	}
	return &MemoryStore{
		cfg:     cfg,
		keys:    make(map[string]APIKey),
		quotas:  make(map[string]QuotaState),
		budgets: make(map[string]Budget),
	}
}

func (s *MemoryStore) SaveKey(_ context.Context, key APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[key.ID] = cloneKey(key)
	return nil
}

func (s *MemoryStore) GetKey(_ context.Context, id string) (*APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k, ok := s.keys[id]
	if !ok {
		return nil, nil
	}
	cp := cloneKey(k)
	return &cp, nil
}

func (s *MemoryStore) ListKeys(_ context.Context, providerID string) ([]APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []APIKey
	for _, k := range s.keys {
		if providerID != "" && k.ProviderID != providerID {
			continue
		}
		out = append(out, cloneKey(k))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *MemoryStore) DeleteKey(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.keys, id)
	return nil
}

func (s *MemoryStore) SaveStateTransition(_ context.Context, tr StateTransition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transitions = append(s.transitions, cloneTransition(tr))
	if over := len(s.transitions) - s.cfg.MaxTransitions; over > 0 {
		s.transitions = s.transitions[over:]
	}
	return nil
}

func (s *MemoryStore) SaveQuotaState(_ context.Context, qs QuotaState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quotas[qs.KeyID] = cloneQuota(qs)
	return nil
}

func (s *MemoryStore) GetQuotaState(_ context.Context, keyID string) (*QuotaState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	q, ok := s.quotas[keyID]
	if !ok {
		return nil, nil
	}
	cp := cloneQuota(q)
	return &cp, nil
}

func (s *MemoryStore) SaveRoutingDecision(_ context.Context, d RoutingDecision) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.decisions = append(s.decisions, cloneDecision(d))
	if over := len(s.decisions) - s.cfg.MaxDecisions; over > 0 {
		s.decisions = s.decisions[over:]
	}
	return nil
}

func (s *MemoryStore) SaveBudget(_ context.Context, b Budget) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.budgets[b.ID] = b
	return nil
}

func (s *MemoryStore) GetBudget(_ context.Context, id string) (*Budget, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.budgets[id]
	if !ok {
		return nil, nil
	}
	cp := b
	return &cp, nil
}

func (s *MemoryStore) ListBudgets(_ context.Context) ([]Budget, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Budget, 0, len(s.budgets))
	for _, b := range s.budgets {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) SaveReconciliation(_ context.Context, r CostReconciliation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recons = append(s.recons, r)
	return nil
}

func (s *MemoryStore) QueryReconciliations(_ context.Context, q ReconciliationQuery) ([]CostReconciliation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []CostReconciliation
	for i := len(s.recons) - 1; i >= 0; i-- {
		r := s.recons[i]
		if q.RequestID != "" && r.RequestID != q.RequestID {
			continue
		}
		if q.KeyID != "" && r.KeyID != q.KeyID {
			continue
		}
		if q.ProviderID != "" && r.ProviderID != q.ProviderID {
			continue
		}
		if !q.From.IsZero() && r.ReconciledAt.Before(q.From) {
			continue
		}
		if !q.To.IsZero() && r.ReconciledAt.After(q.To) {
			continue
		}
		out = append(out, r)
		if q.Limit > 0 && len(out) >= q.Limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) QueryState(_ context.Context, q StateQuery) (StateQueryResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var res StateQueryResult
	if q.EntityType == "" || q.EntityType == EntityDecision {
		for i := len(s.decisions) - 1; i >= 0; i-- {
			d := s.decisions[i]
			if q.KeyID != "" && d.SelectedKeyID != q.KeyID {
				continue
			}
			if q.ProviderID != "" && d.SelectedProviderID != q.ProviderID {
				continue
			}
			if !q.From.IsZero() && d.DecidedAt.Before(q.From) {
				continue
			}
			if !q.To.IsZero() && d.DecidedAt.After(q.To) {
				continue
			}
			res.Decisions = append(res.Decisions, cloneDecision(d))
			if q.Limit > 0 && len(res.Decisions) >= q.Limit {
				break
			}
		}
	}
	if q.EntityType == "" || q.EntityType == EntityKey || q.EntityType == EntityQuota {
		for i := len(s.transitions) - 1; i >= 0; i-- {
			tr := s.transitions[i]
			if q.EntityType != "" && tr.EntityType != q.EntityType {
				continue
			}
			if q.KeyID != "" && tr.EntityID != q.KeyID {
				continue
			}
			if !q.From.IsZero() && tr.At.Before(q.From) {
				continue
			}
			if !q.To.IsZero() && tr.At.After(q.To) {
				continue
			}
			res.Transitions = append(res.Transitions, cloneTransition(tr))
			if q.Limit > 0 && len(res.Transitions) >= q.Limit {
				break
			}
		}
	}
	return res, nil
}

func (s *MemoryStore) Migrate(context.Context) error { return nil }
func (s *MemoryStore) Close() error                  { return nil }

// Clone helpers keep callers from mutating shared map state.

func cloneKey(k APIKey) APIKey {
	cp := k
	cp.Metadata = cloneMap(k.Metadata)
	if k.LastUsedAt != nil {
		t := *k.LastUsedAt
		cp.LastUsedAt = &t
	}
	if k.CooldownUntil != nil {
		t := *k.CooldownUntil
		cp.CooldownUntil = &t
	}
	return cp
}

func cloneQuota(q QuotaState) QuotaState {
	cp := q
	cp.Remaining = cloneEstimate(q.Remaining)
	cp.TotalCapacity = cloneFloat(q.TotalCapacity)
	cp.RemainingTokens = cloneFloat(q.RemainingTokens)
	cp.TotalTokens = cloneFloat(q.TotalTokens)
	return cp
}

func cloneEstimate(e CapacityEstimate) CapacityEstimate {
	cp := e
	cp.Value = cloneFloat(e.Value)
	cp.Min = cloneFloat(e.Min)
	cp.Max = cloneFloat(e.Max)
	return cp
}

func cloneDecision(d RoutingDecision) RoutingDecision {
	cp := d
	cp.EligibleKeys = append([]string(nil), d.EligibleKeys...)
	cp.Metadata = cloneMap(d.Metadata)
	if d.Evaluations != nil {
		cp.Evaluations = make(map[string]KeyEvaluation, len(d.Evaluations))
		for k, v := range d.Evaluations {
			ev := v
			if v.ObjectiveScores != nil {
				ev.ObjectiveScores = make(map[ObjectiveType]float64, len(v.ObjectiveScores))
				for ot, sc := range v.ObjectiveScores {
					ev.ObjectiveScores[ot] = sc
				}
			}
			if v.CostEstimate != nil {
				ce := *v.CostEstimate
				ev.CostEstimate = &ce
			}
			if v.BudgetCheck != nil {
				bc := *v.BudgetCheck
				ev.BudgetCheck = &bc
			}
			cp.Evaluations[k] = ev
		}
	}
	return cp
}

func cloneTransition(tr StateTransition) StateTransition {
	cp := tr
	cp.Context = cloneMap(tr.Context)
	return cp
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cp := make(map[string]any, len(m))
	for k, v := range m {
		if nested, ok := v.(map[string]any); ok {
			cp[k] = cloneMap(nested)
			continue
		}
		cp[k] = v
	}
	return cp
}

func cloneFloat(f *float64) *float64 {
	if f == nil {
		return nil
	}
	v := *f
	return &v
}
