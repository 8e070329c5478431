package routing

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jordanhubbard/keyrouter/internal/keys"
	"github.com/jordanhubbard/keyrouter/internal/obs"
	"github.com/jordanhubbard/keyrouter/internal/policy"
	"github.com/jordanhubbard/keyrouter/internal/provider"
	"github.com/jordanhubbard/keyrouter/internal/quota"
	"github.com/jordanhubbard/keyrouter/internal/store"
	"github.com/jordanhubbard/keyrouter/internal/vault"
)

type recordingSink struct {
	mu     sync.Mutex
	events []obs.Event
}

func (s *recordingSink) EmitEvent(_ context.Context, e obs.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return nil
}

func (s *recordingSink) byType(t obs.EventType) []obs.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []obs.Event
	for _, e := range s.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

type fixture struct {
	store  *store.MemoryStore
	keys   *keys.Manager
	quota  *quota.Engine
	sink   *recordingSink
	logger *slog.Logger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := store.NewMemory(store.RetentionConfig{})
	sink := &recordingSink{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	v, err := vault.New("routing-engine-test-secret")
	if err != nil {
		t.Fatalf("vault.New: %v", err)
	}
	return &fixture{
		store:  st,
		keys:   keys.NewManager(st, v, sink, logger),
		quota:  quota.NewEngine(st, sink, logger),
		sink:   sink,
		logger: logger,
	}
}

// registerKeys creates n keys and renames their ids to k1..kn for readable
// assertions.
func (f *fixture) registerKeys(t *testing.T, providerID string, metadata ...map[string]any) []string {
	t.Helper()
	ctx := context.Background()
	ids := make([]string, len(metadata))
	for i, md := range metadata {
		k, err := f.keys.Register(ctx, "sk-test-material-0000"+string(rune('a'+i)), providerID, md)
		if err != nil {
			t.Fatalf("Register: %v", err)
		}
		ids[i] = k.ID
	}
	return ids
}

func (f *fixture) engine(opts ...Option) *Engine {
	return NewEngine(f.keys, f.store, f.sink, f.logger, opts...)
}

func (f *fixture) seedCapacity(t *testing.T, keyID string, cs store.CapacityState) {
	t.Helper()
	qs := store.QuotaState{
		KeyID:         keyID,
		CapacityState: cs,
		Unit:          store.UnitRequests,
		Remaining:     store.ExactEstimate(500, "seed"),
		Window:        store.WindowDaily,
		ResetAt:       time.Now().UTC().Add(12 * time.Hour),
		UpdatedAt:     time.Now().UTC(),
	}
	if err := f.quota.SetQuotaState(context.Background(), qs); err != nil {
		t.Fatalf("SetQuotaState: %v", err)
	}
}

func TestRouteRequestRoundRobinOnFairnessTies(t *testing.T) {
	f := newFixture(t)
	ids := f.registerKeys(t, "p", nil, nil, nil)
	e := f.engine()
	ctx := context.Background()

	var picks []string
	for i := 0; i < 4; i++ {
		d, err := e.RouteRequest(ctx, "", provider.Intent{ProviderID: "p"}, nil, nil)
		if err != nil {
			t.Fatalf("RouteRequest #%d: %v", i, err)
		}
		picks = append(picks, d.SelectedKeyID)
		for _, id := range ids {
			if got := d.Evaluations[id].Score; got != 1.0 {
				t.Errorf("score[%s] = %v, want 1.0", id, got)
			}
		}
	}

	want := []string{ids[0], ids[1], ids[2], ids[0]}
	for i := range want {
		if picks[i] != want[i] {
			t.Fatalf("round-robin picks = %v, want %v", picks, want)
		}
	}
}

func TestRouteRequestCostObjectivePicksCheapest(t *testing.T) {
	f := newFixture(t)
	ids := f.registerKeys(t, "p",
		map[string]any{"estimated_cost_per_request": 0.02},
		map[string]any{"estimated_cost_per_request": 0.01},
		map[string]any{"estimated_cost_per_request": 0.03},
	)
	e := f.engine()

	obj := store.RoutingObjective{Primary: store.ObjectiveCost}
	d, err := e.RouteRequest(context.Background(), "r-cost", provider.Intent{ProviderID: "p"}, &obj, nil)
	if err != nil {
		t.Fatalf("RouteRequest: %v", err)
	}
	if d.SelectedKeyID != ids[1] {
		t.Errorf("selected = %s, want cheapest %s", d.SelectedKeyID, ids[1])
	}
	if !strings.Contains(d.Explanation, "cost") || !strings.Contains(d.Explanation, ids[1]) {
		t.Errorf("explanation %q lacks cost rationale or key id", d.Explanation)
	}

	s1, s2, s3 := d.Evaluations[ids[0]].Score, d.Evaluations[ids[1]].Score, d.Evaluations[ids[2]].Score
	if !(s2 > s1 && s1 > s3) {
		t.Errorf("score ordering = %v/%v/%v, want mid < top and bottom < mid", s1, s2, s3)
	}
}

func TestRouteRequestAbundantBoostBreaksCostTie(t *testing.T) {
	f := newFixture(t)
	ids := f.registerKeys(t, "p",
		map[string]any{"estimated_cost_per_request": 0.01},
		map[string]any{"estimated_cost_per_request": 0.01},
	)
	f.seedCapacity(t, ids[0], store.CapacityAbundant)
	f.seedCapacity(t, ids[1], store.CapacityConstrained)
	e := f.engine(WithQuotaEngine(f.quota))

	obj := store.RoutingObjective{Primary: store.ObjectiveCost}
	d, err := e.RouteRequest(context.Background(), "r-boost", provider.Intent{ProviderID: "p"}, &obj, nil)
	if err != nil {
		t.Fatalf("RouteRequest: %v", err)
	}
	if d.SelectedKeyID != ids[0] {
		t.Errorf("selected = %s, want abundant key %s", d.SelectedKeyID, ids[0])
	}
	if !(d.Evaluations[ids[0]].Score > d.Evaluations[ids[1]].Score) {
		t.Errorf("abundant score %v not above constrained %v",
			d.Evaluations[ids[0]].Score, d.Evaluations[ids[1]].Score)
	}
	if got := d.Evaluations[ids[1]].Score; got != 0.85 {
		t.Errorf("constrained score = %v, want 0.85", got)
	}
}

func TestRouteRequestQuotaFilterDropsExhausted(t *testing.T) {
	f := newFixture(t)
	ids := f.registerKeys(t, "p", nil, nil, nil)
	f.seedCapacity(t, ids[0], store.CapacityExhausted)
	f.seedCapacity(t, ids[1], store.CapacityCritical)
	f.seedCapacity(t, ids[2], store.CapacityAbundant)
	e := f.engine(WithQuotaEngine(f.quota))

	d, err := e.RouteRequest(context.Background(), "r-q", provider.Intent{ProviderID: "p"}, nil, nil)
	if err != nil {
		t.Fatalf("RouteRequest: %v", err)
	}
	if d.SelectedKeyID != ids[2] {
		t.Errorf("selected = %s, want only surviving key %s", d.SelectedKeyID, ids[2])
	}
	if len(d.Evaluations) != 1 {
		t.Errorf("evaluations = %d, want 1", len(d.Evaluations))
	}
	if len(d.EligibleKeys) != 3 {
		t.Errorf("eligible = %d, want 3", len(d.EligibleKeys))
	}
}

func TestRouteRequestAllQuotaFilteredFails(t *testing.T) {
	f := newFixture(t)
	ids := f.registerKeys(t, "p", nil)
	f.seedCapacity(t, ids[0], store.CapacityExhausted)
	e := f.engine(WithQuotaEngine(f.quota))

	_, err := e.RouteRequest(context.Background(), "r-all", provider.Intent{ProviderID: "p"}, nil, nil)
	var nek *NoEligibleKeysError
	if !errors.As(err, &nek) {
		t.Fatalf("want NoEligibleKeysError, got %v", err)
	}
	if got := f.sink.byType(obs.EventRoutingFailed); len(got) != 1 {
		t.Errorf("routing_failed events = %d, want 1", len(got))
	}
}

func TestRouteRequestNoKeysRegistered(t *testing.T) {
	f := newFixture(t)
	e := f.engine()

	_, err := e.RouteRequest(context.Background(), "", provider.Intent{ProviderID: "empty"}, nil, nil)
	var nek *NoEligibleKeysError
	if !errors.As(err, &nek) {
		t.Fatalf("want NoEligibleKeysError, got %v", err)
	}
	if nek.ProviderID != "empty" {
		t.Errorf("error provider = %s", nek.ProviderID)
	}
}

func TestRouteRequestMissingProviderID(t *testing.T) {
	f := newFixture(t)
	e := f.engine()
	_, err := e.RouteRequest(context.Background(), "", provider.Intent{}, nil, nil)
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("want ValidationError, got %v", err)
	}
	if ve.Field != "provider_id" {
		t.Errorf("field = %q, want provider_id", ve.Field)
	}
}

func TestRouteRequestExcludesAttemptedKeys(t *testing.T) {
	f := newFixture(t)
	ids := f.registerKeys(t, "p", nil, nil)
	e := f.engine()
	ctx := context.Background()

	d, err := e.RouteRequest(ctx, "r-x1", provider.Intent{ProviderID: "p"},
		nil, map[string]struct{}{ids[0]: {}})
	if err != nil {
		t.Fatalf("RouteRequest: %v", err)
	}
	if d.SelectedKeyID != ids[1] {
		t.Errorf("selected = %s, want non-excluded %s", d.SelectedKeyID, ids[1])
	}
	if len(d.EligibleKeys) != 1 {
		t.Errorf("eligible = %v, excluded key should not appear", d.EligibleKeys)
	}

	_, err = e.RouteRequest(ctx, "r-x2", provider.Intent{ProviderID: "p"},
		nil, map[string]struct{}{ids[0]: {}, ids[1]: {}})
	var nek *NoEligibleKeysError
	if !errors.As(err, &nek) {
		t.Fatalf("want NoEligibleKeysError with all keys excluded, got %v", err)
	}
	if nek.Reason != "all_eligible_keys_attempted" {
		t.Errorf("reason = %q", nek.Reason)
	}
}

type rejectRule struct{}

func (rejectRule) ID() string          { return "freeze" }
func (rejectRule) Scope() policy.Scope { return policy.ScopeGlobal }
func (rejectRule) ProviderID() string  { return "" }
func (rejectRule) Evaluate(context.Context, policy.Request) (policy.Decision, error) {
	return policy.Decision{Action: policy.ActionReject, Reason: "frozen"}, nil
}

type filterFirstRule struct{ dropID string }

func (r filterFirstRule) ID() string          { return "drop-one" }
func (r filterFirstRule) Scope() policy.Scope { return policy.ScopeGlobal }
func (r filterFirstRule) ProviderID() string  { return "" }
func (r filterFirstRule) Evaluate(_ context.Context, req policy.Request) (policy.Decision, error) {
	return policy.Decision{Action: policy.ActionFilter, FilteredKeyIDs: []string{r.dropID}}, nil
}

func TestRouteRequestPolicyReject(t *testing.T) {
	f := newFixture(t)
	f.registerKeys(t, "p", nil)
	pe := policy.NewEngine(f.logger)
	pe.Register(rejectRule{})
	e := f.engine(WithPolicyEngine(pe))

	_, err := e.RouteRequest(context.Background(), "", provider.Intent{ProviderID: "p"}, nil, nil)
	var nek *NoEligibleKeysError
	if !errors.As(err, &nek) {
		t.Fatalf("want NoEligibleKeysError, got %v", err)
	}
}

func TestRouteRequestPolicyFilter(t *testing.T) {
	f := newFixture(t)
	ids := f.registerKeys(t, "p", nil, nil)
	pe := policy.NewEngine(f.logger)
	pe.Register(filterFirstRule{dropID: ids[0]})
	e := f.engine(WithPolicyEngine(pe))

	d, err := e.RouteRequest(context.Background(), "", provider.Intent{ProviderID: "p"}, nil, nil)
	if err != nil {
		t.Fatalf("RouteRequest: %v", err)
	}
	if d.SelectedKeyID != ids[1] {
		t.Errorf("selected = %s, want %s after policy filter", d.SelectedKeyID, ids[1])
	}
	if !strings.Contains(d.Explanation, "drop-one") {
		t.Errorf("explanation %q lacks policy note", d.Explanation)
	}
}

func TestRouteRequestMultiObjective(t *testing.T) {
	f := newFixture(t)
	ids := f.registerKeys(t, "p",
		map[string]any{"estimated_cost_per_request": 0.01},
		map[string]any{"estimated_cost_per_request": 0.05},
	)
	// Second key has heavy usage, so fairness also prefers the first.
	k, err := f.keys.Get(context.Background(), ids[1])
	if err != nil {
		t.Fatal(err)
	}
	k.UsageCount = 100
	if err := f.store.SaveKey(context.Background(), *k); err != nil {
		t.Fatal(err)
	}

	obj := store.RoutingObjective{
		Primary: store.ObjectiveCost,
		Weights: map[store.ObjectiveType]float64{
			store.ObjectiveCost:     0.6,
			store.ObjectiveFairness: 0.4,
		},
	}
	e := f.engine()
	d, err := e.RouteRequest(context.Background(), "r-multi", provider.Intent{ProviderID: "p"}, &obj, nil)
	if err != nil {
		t.Fatalf("RouteRequest: %v", err)
	}
	if d.SelectedKeyID != ids[0] {
		t.Errorf("selected = %s, want %s", d.SelectedKeyID, ids[0])
	}
	ev := d.Evaluations[ids[0]]
	if len(ev.ObjectiveScores) != 2 {
		t.Errorf("objective scores = %v, want cost and fairness", ev.ObjectiveScores)
	}
	if !strings.Contains(d.Explanation, "weight") {
		t.Errorf("multi-objective explanation %q lacks weights", d.Explanation)
	}
}

func TestRouteRequestPersistsDecisionAndEmits(t *testing.T) {
	f := newFixture(t)
	f.registerKeys(t, "p", nil)
	e := f.engine()

	d, err := e.RouteRequest(context.Background(), "r-persist", provider.Intent{ProviderID: "p"}, nil, nil)
	if err != nil {
		t.Fatalf("RouteRequest: %v", err)
	}
	if d.Confidence != 0.9 {
		t.Errorf("confidence = %v, want 0.9", d.Confidence)
	}

	res, err := f.store.QueryState(context.Background(), store.StateQuery{EntityType: store.EntityDecision})
	if err != nil {
		t.Fatalf("QueryState: %v", err)
	}
	if len(res.Decisions) != 1 || res.Decisions[0].RequestID != "r-persist" {
		t.Errorf("persisted decisions = %+v", res.Decisions)
	}
	if got := f.sink.byType(obs.EventRoutingDecision); len(got) != 1 {
		t.Errorf("routing_decision events = %d, want 1", len(got))
	}
}

func TestScoreReliabilityDefaults(t *testing.T) {
	cands := []candidate{
		{key: store.APIKey{ID: "fresh", State: store.KeyAvailable}},
		{key: store.APIKey{ID: "good", State: store.KeyAvailable, UsageCount: 90, FailureCount: 10}},
		{key: store.APIKey{ID: "bad", State: store.KeyRecovering, UsageCount: 10, FailureCount: 90}},
	}
	approx := func(a, b float64) bool {
		d := a - b
		return d < 1e-9 && d > -1e-9
	}
	scores := scoreReliability(cands)
	if got := scores["fresh"]; !approx(got, 1.05) {
		t.Errorf("fresh = %v, want 0.95+0.10", got)
	}
	if got := scores["good"]; !approx(got, 1.0) {
		t.Errorf("good = %v, want 0.90+0.10", got)
	}
	if got := scores["bad"]; !approx(got, 0.1) {
		t.Errorf("bad = %v, want 0.1 with no bonus", got)
	}
}

func TestNormalizeWeightsAllZero(t *testing.T) {
	obj := store.RoutingObjective{
		Primary: store.ObjectiveCost,
		Weights: map[store.ObjectiveType]float64{store.ObjectiveCost: 0, store.ObjectiveFairness: 0},
	}
	w := normalizeWeights(obj, referencedObjectives(obj))
	if w[store.ObjectiveCost] != 0.5 || w[store.ObjectiveFairness] != 0.5 {
		t.Errorf("weights = %v, want uniform halves", w)
	}
}

func TestMinMaxNormalizeAllZero(t *testing.T) {
	out := minMaxNormalize(map[string]float64{"a": 0, "b": 0})
	if out["a"] != 0.1 || out["b"] != 0.1 {
		t.Errorf("all-zero normalization = %v, want uniform 0.1", out)
	}
}

func TestExplainDecisionSections(t *testing.T) {
	f := newFixture(t)
	ids := f.registerKeys(t, "p", nil, nil)
	f.seedCapacity(t, ids[0], store.CapacityAbundant)
	f.seedCapacity(t, ids[1], store.CapacityExhausted)
	e := f.engine(WithQuotaEngine(f.quota))

	d, err := e.RouteRequest(context.Background(), "r-explain", provider.Intent{ProviderID: "p"}, nil, nil)
	if err != nil {
		t.Fatalf("RouteRequest: %v", err)
	}

	report := ExplainDecision(d)
	for _, section := range []string{
		"Objective:", "Selected Key:", "Reasoning:", "Evaluation Results:",
		"Alternatives Considered:", "Eligible Keys:", "Quota Filtering", "Summary:",
	} {
		if !strings.Contains(report, section) {
			t.Errorf("report lacks section %q", section)
		}
	}
	// The exhausted key is eligible but unscored, so it shows as filtered.
	if !strings.Contains(report, ids[1]) {
		t.Errorf("report should list quota-filtered key %s", ids[1])
	}
}
