package router

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/jordanhubbard/keyrouter/internal/cost"
	"github.com/jordanhubbard/keyrouter/internal/keys"
	"github.com/jordanhubbard/keyrouter/internal/obs"
	"github.com/jordanhubbard/keyrouter/internal/provider"
	"github.com/jordanhubbard/keyrouter/internal/quota"
	"github.com/jordanhubbard/keyrouter/internal/routing"
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

func (s *recordingSink) ordered(types ...obs.EventType) []obs.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	want := make(map[obs.EventType]bool, len(types))
	for _, t := range types {
		want[t] = true
	}
	var out []obs.Event
	for _, e := range s.events {
		if want[e.Type] {
			out = append(out, e)
		}
	}
	return out
}

// scriptedAdapter fails the first n Execute calls with a fixed error, then
// succeeds. When failMaterial is set, every call carrying that material fails
// regardless of the call count.
type scriptedAdapter struct {
	mu           sync.Mutex
	failures     int
	failErr      error
	failMaterial string
	calls        int
	materials    []string
}

func (a *scriptedAdapter) Execute(_ context.Context, intent provider.Intent, material string) (*provider.SystemResponse, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	a.materials = append(a.materials, material)
	if a.failMaterial != "" && material == a.failMaterial {
		return nil, a.failErr
	}
	if a.calls <= a.failures {
		return nil, a.failErr
	}
	return &provider.SystemResponse{
		Content: "ok",
		Model:   intent.Model,
		Usage:   provider.Usage{InputTokens: 10, OutputTokens: 5, TotalTokens: 15},
	}, nil
}

func (a *scriptedAdapter) Normalize([]byte) (*provider.SystemResponse, error) {
	return nil, errors.New("not implemented")
}

func (a *scriptedAdapter) MapError(err error) *provider.DomainError {
	return provider.ClassifyHTTPError(err)
}

func (a *scriptedAdapter) Capabilities() provider.Capabilities { return provider.Capabilities{} }

func (a *scriptedAdapter) EstimateCost(provider.Intent) (store.CostEstimate, error) {
	return store.CostEstimate{}, errors.New("no pricing")
}

func (a *scriptedAdapter) Health(context.Context) provider.Health {
	return provider.Health{Status: "ok", LastCheck: time.Now().UTC()}
}

type fixture struct {
	store  *store.MemoryStore
	keys   *keys.Manager
	quota  *quota.Engine
	sink   *recordingSink
	router *Router
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := store.NewMemory(store.RetentionConfig{})
	sink := &recordingSink{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	v, err := vault.New("router-facade-test-secret")
	if err != nil {
		t.Fatalf("vault.New: %v", err)
	}
	km := keys.NewManager(st, v, sink, logger)
	qe := quota.NewEngine(st, sink, logger, quota.WithKeyThrottler(km))
	eng := routing.NewEngine(km, st, sink, logger, routing.WithQuotaEngine(qe))
	return &fixture{
		store:  st,
		keys:   km,
		quota:  qe,
		sink:   sink,
		router: New(km, qe, eng, st, sink, logger),
	}
}

func TestRegisterProvider(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := &scriptedAdapter{}

	if err := f.router.RegisterProvider(ctx, "  openai  ", a, false); err != nil {
		t.Fatalf("RegisterProvider: %v", err)
	}
	if _, ok := f.router.Adapter("openai"); !ok {
		t.Error("trimmed id not registered")
	}

	if err := f.router.RegisterProvider(ctx, "openai", a, false); !errors.Is(err, ErrDuplicateProvider) {
		t.Errorf("duplicate = %v, want ErrDuplicateProvider", err)
	}
	if err := f.router.RegisterProvider(ctx, "openai", a, true); err != nil {
		t.Errorf("overwrite = %v, want nil", err)
	}

	// Case-sensitive ids.
	if _, ok := f.router.Adapter("OpenAI"); ok {
		t.Error("lookup must be case-sensitive")
	}

	if err := f.router.RegisterProvider(ctx, "bad", nil, false); err == nil {
		t.Error("nil adapter should be rejected")
	}
	if err := f.router.RegisterProvider(ctx, "   ", a, false); err == nil {
		t.Error("blank id should be rejected")
	}

	if got := f.sink.ordered(obs.EventProviderRegistered); len(got) != 2 {
		t.Errorf("provider_registered events = %d, want 2", len(got))
	}
}

func TestRegisterKeyRequiresProvider(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.router.RegisterKey(ctx, "sk-material-000001", "ghost", nil); !errors.Is(err, ErrProviderNotRegistered) {
		t.Errorf("err = %v, want ErrProviderNotRegistered", err)
	}

	if err := f.router.RegisterProvider(ctx, "p", &scriptedAdapter{}, false); err != nil {
		t.Fatal(err)
	}
	k, err := f.router.RegisterKey(ctx, "sk-material-000001", "p", nil)
	if err != nil {
		t.Fatalf("RegisterKey: %v", err)
	}

	qs, err := f.quota.GetQuotaState(ctx, k.ID)
	if err != nil {
		t.Fatalf("GetQuotaState: %v", err)
	}
	if qs.CapacityState != store.CapacityAbundant {
		t.Errorf("initial capacity = %s, want abundant", qs.CapacityState)
	}
}

func TestRouteRetriesOnRateLimitAndSucceeds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	adapter := &scriptedAdapter{
		failures: 1,
		failErr:  &provider.StatusError{StatusCode: 429, RetryAfterSecs: 60},
	}
	if err := f.router.RegisterProvider(ctx, "p", adapter, false); err != nil {
		t.Fatal(err)
	}
	k1, err := f.router.RegisterKey(ctx, "sk-material-000001", "p", nil)
	if err != nil {
		t.Fatal(err)
	}
	k2, err := f.router.RegisterKey(ctx, "sk-material-000002", "p", nil)
	if err != nil {
		t.Fatal(err)
	}

	obj := store.RoutingObjective{Primary: store.ObjectiveReliability}
	resp, err := f.router.Route(ctx, provider.Intent{ProviderID: "p", Model: "m", Prompt: "hello world"}, &obj)
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if resp.Content != "ok" {
		t.Errorf("content = %q", resp.Content)
	}
	if resp.Metadata["correlation_id"] == nil {
		t.Error("response lacks correlation_id")
	}
	if adapter.calls != 2 {
		t.Errorf("adapter calls = %d, want 2", adapter.calls)
	}

	// Exactly one failure accounting event precedes the completion.
	seq := f.sink.ordered(obs.EventRequestFailed, obs.EventRequestCompleted)
	if len(seq) != 2 || seq[0].Type != obs.EventRequestFailed || seq[1].Type != obs.EventRequestCompleted {
		t.Errorf("event sequence = %+v, want failed then completed", seq)
	}

	// One key throttled by the 429, the other used once.
	var throttled, used int
	for _, id := range []string{k1.ID, k2.ID} {
		k, err := f.keys.Get(ctx, id)
		if err != nil {
			t.Fatal(err)
		}
		if k.State == store.KeyThrottled {
			throttled++
			if k.CooldownUntil == nil {
				t.Error("throttled key lacks cooldown")
			}
		}
		if k.UsageCount == 1 {
			used++
		}
	}
	if throttled != 1 || used != 1 {
		t.Errorf("throttled=%d used=%d, want 1/1", throttled, used)
	}
}

func TestRouteRetryAvoidsFailedKey(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	// The cheapest key always fails with a retryable 503; the retry must move
	// on to the pricier key instead of re-picking the argmax.
	adapter := &scriptedAdapter{
		failMaterial: "sk-material-000001",
		failErr:      &provider.StatusError{StatusCode: 503},
	}
	if err := f.router.RegisterProvider(ctx, "p", adapter, false); err != nil {
		t.Fatal(err)
	}
	if _, err := f.router.RegisterKey(ctx, "sk-material-000001", "p",
		map[string]any{"estimated_cost_per_request": 0.01}); err != nil {
		t.Fatal(err)
	}
	k2, err := f.router.RegisterKey(ctx, "sk-material-000002", "p",
		map[string]any{"estimated_cost_per_request": 0.02})
	if err != nil {
		t.Fatal(err)
	}

	obj := store.RoutingObjective{Primary: store.ObjectiveCost}
	resp, err := f.router.Route(ctx, provider.Intent{ProviderID: "p", Model: "m", Prompt: "hello"}, &obj)
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if resp.Content != "ok" {
		t.Errorf("content = %q", resp.Content)
	}
	want := []string{"sk-material-000001", "sk-material-000002"}
	if len(adapter.materials) != 2 || adapter.materials[0] != want[0] || adapter.materials[1] != want[1] {
		t.Errorf("materials tried = %v, want %v", adapter.materials, want)
	}

	fresh, err := f.keys.Get(ctx, k2.ID)
	if err != nil {
		t.Fatal(err)
	}
	if fresh.UsageCount != 1 {
		t.Errorf("fallback key usage = %d, want 1", fresh.UsageCount)
	}
}

func TestRouteSingleKeyRetryableFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	adapter := &scriptedAdapter{
		failures: 10,
		failErr:  &provider.StatusError{StatusCode: 503},
	}
	if err := f.router.RegisterProvider(ctx, "p", adapter, false); err != nil {
		t.Fatal(err)
	}
	if _, err := f.router.RegisterKey(ctx, "sk-material-000001", "p", nil); err != nil {
		t.Fatal(err)
	}

	_, err := f.router.Route(ctx, provider.Intent{ProviderID: "p", Model: "m", Prompt: "x"}, nil)
	if err == nil {
		t.Fatal("expected failure with the only key failing")
	}
	// The surfaced error is the provider failure, not a bare no-keys error.
	var de *provider.DomainError
	if !errors.As(err, &de) {
		t.Fatalf("want wrapped DomainError, got %v", err)
	}
	if adapter.calls != 1 {
		t.Errorf("adapter calls = %d, want 1 (no retry against the same key)", adapter.calls)
	}
}

func TestRouteNonRetryableFailsFast(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	adapter := &scriptedAdapter{
		failures: 10,
		failErr:  &provider.StatusError{StatusCode: 401, Body: "bad key"},
	}
	if err := f.router.RegisterProvider(ctx, "p", adapter, false); err != nil {
		t.Fatal(err)
	}
	k, err := f.router.RegisterKey(ctx, "sk-material-000001", "p", nil)
	if err != nil {
		t.Fatal(err)
	}

	_, err = f.router.Route(ctx, provider.Intent{ProviderID: "p", Model: "m", Prompt: "x"}, nil)
	var de *provider.DomainError
	if !errors.As(err, &de) {
		t.Fatalf("want DomainError, got %v", err)
	}
	if de.Category != provider.CategoryAuthentication || de.Retryable {
		t.Errorf("error = %+v, want non-retryable auth", de)
	}
	if adapter.calls != 1 {
		t.Errorf("adapter calls = %d, want 1", adapter.calls)
	}

	fresh, err := f.keys.Get(ctx, k.ID)
	if err != nil {
		t.Fatal(err)
	}
	if fresh.FailureCount != 1 {
		t.Errorf("failure_count = %d, want 1", fresh.FailureCount)
	}
}

func TestRouteExhaustsAttempts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	adapter := &scriptedAdapter{
		failures: 10,
		failErr:  &provider.StatusError{StatusCode: 503},
	}
	if err := f.router.RegisterProvider(ctx, "p", adapter, false); err != nil {
		t.Fatal(err)
	}
	for _, m := range []string{"sk-material-000001", "sk-material-000002", "sk-material-000003"} {
		if _, err := f.router.RegisterKey(ctx, m, "p", nil); err != nil {
			t.Fatal(err)
		}
	}

	_, err := f.router.Route(ctx, provider.Intent{ProviderID: "p", Model: "m", Prompt: "x"}, nil)
	if err == nil {
		t.Fatal("expected exhaustion error")
	}
	if adapter.calls != 3 {
		t.Errorf("adapter calls = %d, want maxAttempts 3", adapter.calls)
	}
	if got := f.sink.ordered(obs.EventRequestFailed); len(got) != 3 {
		t.Errorf("request_failed events = %d, want 3", len(got))
	}
}

func TestRouteUnknownProvider(t *testing.T) {
	f := newFixture(t)
	_, err := f.router.Route(context.Background(), provider.Intent{ProviderID: "ghost"}, nil)
	if !errors.Is(err, ErrProviderNotRegistered) {
		t.Errorf("err = %v, want ErrProviderNotRegistered", err)
	}
}

func TestRouteNoKeys(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if err := f.router.RegisterProvider(ctx, "p", &scriptedAdapter{}, false); err != nil {
		t.Fatal(err)
	}

	_, err := f.router.Route(ctx, provider.Intent{ProviderID: "p"}, nil)
	var nek *routing.NoEligibleKeysError
	if !errors.As(err, &nek) {
		t.Errorf("err = %v, want NoEligibleKeysError", err)
	}
}

func TestRouteDecrementsCapacityWithTokens(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	adapter := &scriptedAdapter{}
	if err := f.router.RegisterProvider(ctx, "p", adapter, false); err != nil {
		t.Fatal(err)
	}
	k, err := f.router.RegisterKey(ctx, "sk-material-000001", "p", nil)
	if err != nil {
		t.Fatal(err)
	}

	remTokens, totTokens := 10000.0, 10000.0
	seed := store.QuotaState{
		KeyID:           k.ID,
		CapacityState:   store.CapacityAbundant,
		Unit:            store.UnitMixed,
		Remaining:       store.ExactEstimate(100, "seed"),
		RemainingTokens: &remTokens,
		TotalTokens:     &totTokens,
		Window:          store.WindowDaily,
		ResetAt:         time.Now().UTC().Add(12 * time.Hour),
		UpdatedAt:       time.Now().UTC(),
	}
	if err := f.quota.SetQuotaState(ctx, seed); err != nil {
		t.Fatal(err)
	}

	if _, err := f.router.Route(ctx, provider.Intent{ProviderID: "p", Model: "m", Prompt: "x"}, nil); err != nil {
		t.Fatalf("Route: %v", err)
	}

	qs, err := f.quota.GetQuotaState(ctx, k.ID)
	if err != nil {
		t.Fatal(err)
	}
	if qs.Remaining.Value == nil || *qs.Remaining.Value != 99 {
		t.Errorf("remaining = %+v, want 99 after one request", qs.Remaining)
	}
	if qs.UsedTokens != 15 {
		t.Errorf("used tokens = %v, want 15 from response usage", qs.UsedTokens)
	}
	if qs.RemainingTokens == nil || *qs.RemainingTokens != 9985 {
		t.Errorf("remaining tokens = %v, want 9985", qs.RemainingTokens)
	}
}

// pricedAdapter is a scriptedAdapter with a working cost table.
type pricedAdapter struct{ scriptedAdapter }

func (a *pricedAdapter) EstimateCost(provider.Intent) (store.CostEstimate, error) {
	return store.CostEstimate{
		Amount:       decimal.RequireFromString("0.01"),
		Currency:     "USD",
		Confidence:   0.9,
		Method:       "token_table",
		InputTokens:  10,
		OutputTokens: 5,
	}, nil
}

func TestRouteRecordsEstimateForReconciliation(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory(store.RetentionConfig{})
	sink := &recordingSink{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	v, err := vault.New("router-facade-test-secret")
	if err != nil {
		t.Fatalf("vault.New: %v", err)
	}
	km := keys.NewManager(st, v, sink, logger)
	qe := quota.NewEngine(st, sink, logger, quota.WithKeyThrottler(km))
	adapter := &pricedAdapter{}
	cc := cost.NewController(st, sink, logger, func(string) (provider.Adapter, bool) {
		return adapter, true
	})
	eng := routing.NewEngine(km, st, sink, logger,
		routing.WithQuotaEngine(qe), routing.WithCostController(cc))
	rt := New(km, qe, eng, st, sink, logger, WithCostController(cc))

	if err := rt.RegisterProvider(ctx, "p", adapter, false); err != nil {
		t.Fatal(err)
	}
	if _, err := rt.RegisterKey(ctx, "sk-material-000001", "p", nil); err != nil {
		t.Fatal(err)
	}

	if _, err := rt.Route(ctx, provider.Intent{ProviderID: "p", Model: "m", Prompt: "hello world"}, nil); err != nil {
		t.Fatalf("Route: %v", err)
	}

	// The selected key's estimate is cached before execution...
	if got := sink.ordered(obs.EventCostEstimateRecorded); len(got) != 1 {
		t.Fatalf("cost_estimate_recorded events = %d, want 1", len(got))
	}
	// ...so reconciliation uses it directly and keeps the model attribution
	// that the decision-metadata fallback cannot supply.
	recs, err := st.QueryReconciliations(ctx, store.ReconciliationQuery{})
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 {
		t.Fatalf("reconciliations = %d, want 1", len(recs))
	}
	if !recs[0].EstimatedCost.Equal(decimal.RequireFromString("0.01")) {
		t.Errorf("estimated cost = %s, want 0.01", recs[0].EstimatedCost)
	}
	if recs[0].Model != "m" {
		t.Errorf("model = %q, want attribution from the cached estimate", recs[0].Model)
	}
}
