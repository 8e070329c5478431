package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/jordanhubbard/keyrouter/internal/cost"
	"github.com/jordanhubbard/keyrouter/internal/idempotency"
	"github.com/jordanhubbard/keyrouter/internal/keys"
	"github.com/jordanhubbard/keyrouter/internal/obs"
	"github.com/jordanhubbard/keyrouter/internal/provider"
	"github.com/jordanhubbard/keyrouter/internal/quota"
	"github.com/jordanhubbard/keyrouter/internal/ratelimit"
	"github.com/jordanhubbard/keyrouter/internal/router"
	"github.com/jordanhubbard/keyrouter/internal/routing"
	"github.com/jordanhubbard/keyrouter/internal/store"
	"github.com/jordanhubbard/keyrouter/internal/vault"
)

// apiAdapter is a priced fake adapter. Execute always succeeds.
type apiAdapter struct {
	mu    sync.Mutex
	calls int
}

func (a *apiAdapter) Execute(_ context.Context, intent provider.Intent, _ string) (*provider.SystemResponse, error) {
	a.mu.Lock()
	a.calls++
	a.mu.Unlock()
	return &provider.SystemResponse{
		Content: "hello from fake provider",
		Model:   intent.Model,
		Usage:   provider.Usage{InputTokens: 10, OutputTokens: 5, TotalTokens: 15},
	}, nil
}

func (a *apiAdapter) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

func (a *apiAdapter) Normalize([]byte) (*provider.SystemResponse, error) {
	return nil, fmt.Errorf("not implemented")
}

func (a *apiAdapter) MapError(err error) *provider.DomainError {
	return provider.ClassifyHTTPError(err)
}

func (a *apiAdapter) Capabilities() provider.Capabilities { return provider.Capabilities{} }

func (a *apiAdapter) EstimateCost(provider.Intent) (store.CostEstimate, error) {
	return store.CostEstimate{
		Amount:       decimal.RequireFromString("0.01"),
		Currency:     "USD",
		Confidence:   0.8,
		Method:       "token_estimate",
		InputTokens:  10,
		OutputTokens: 5,
	}, nil
}

func (a *apiAdapter) Health(context.Context) provider.Health {
	return provider.Health{Status: "ok", LastCheck: time.Now().UTC()}
}

type apiFixture struct {
	deps    Dependencies
	handler http.Handler
	adapter *apiAdapter
	bus     *obs.Bus
}

func newAPIFixture(t *testing.T, extra ...func(*Dependencies)) *apiFixture {
	t.Helper()
	st := store.NewMemory(store.RetentionConfig{})
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	bus := obs.NewBus()
	sink := &obs.BusSink{Bus: bus}
	v, err := vault.New("httpapi-test-secret")
	if err != nil {
		t.Fatalf("vault.New: %v", err)
	}
	km := keys.NewManager(st, v, sink, logger)
	qe := quota.NewEngine(st, sink, logger, quota.WithKeyThrottler(km))
	eng := routing.NewEngine(km, st, sink, logger, routing.WithQuotaEngine(qe))
	rt := router.New(km, qe, eng, st, sink, logger)
	cc := cost.NewController(st, sink, logger, rt.Adapter)

	deps := Dependencies{
		Router: rt,
		Keys:   km,
		Quota:  qe,
		Cost:   cc,
		Store:  st,
		Bus:    bus,
	}
	for _, fn := range extra {
		fn(&deps)
	}

	mux := chi.NewRouter()
	MountRoutes(mux, deps)
	return &apiFixture{deps: deps, handler: mux, bus: bus}
}

func (f *apiFixture) registerProvider(t *testing.T) {
	t.Helper()
	f.adapter = &apiAdapter{}
	if err := f.deps.Router.RegisterProvider(context.Background(), "openai", f.adapter, false); err != nil {
		t.Fatalf("RegisterProvider: %v", err)
	}
}

func (f *apiFixture) registerKey(t *testing.T) *store.APIKey {
	t.Helper()
	k, err := f.deps.Router.RegisterKey(context.Background(), "sk-test-material-00000000", "openai", nil)
	if err != nil {
		t.Fatalf("RegisterKey: %v", err)
	}
	return k
}

func (f *apiFixture) do(t *testing.T, method, path string, body any, hdr map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		rd = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rd)
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("response is not JSON: %v\nbody: %s", err, rec.Body.String())
	}
	return out
}

func TestHealthz(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodGet, "/healthz", nil, nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("no providers: status = %d, want 503", rec.Code)
	}

	f.registerProvider(t)
	rec = f.do(t, http.MethodGet, "/healthz", nil, nil)
	if rec.Code != http.StatusOK {
		t.Errorf("with provider: status = %d, want 200", rec.Code)
	}
	if got := decodeBody(t, rec)["status"]; got != "ok" {
		t.Errorf("status field = %v, want ok", got)
	}
}

func TestRouteEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	f.registerProvider(t)
	f.registerKey(t)

	rec := f.do(t, http.MethodPost, "/v1/route", RouteRequestBody{
		ProviderID: "openai",
		Model:      "gpt-4",
		Prompt:     "say hello",
	}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200\nbody: %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["content"] != "hello from fake provider" {
		t.Errorf("content = %v", body["content"])
	}
	meta, _ := body["metadata"].(map[string]any)
	if meta["correlation_id"] == "" || meta["correlation_id"] == nil {
		t.Error("response metadata missing correlation_id")
	}
}

func TestRouteEndpointValidation(t *testing.T) {
	f := newAPIFixture(t)
	f.registerProvider(t)

	rec := f.do(t, http.MethodPost, "/v1/route", RouteRequestBody{Prompt: "x"}, nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing provider_id: status = %d, want 400", rec.Code)
	}

	rec = f.do(t, http.MethodPost, "/v1/route", RouteRequestBody{ProviderID: "openai"}, nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing prompt: status = %d, want 400", rec.Code)
	}
}

func TestRouteEndpointUnknownProvider(t *testing.T) {
	f := newAPIFixture(t)
	f.registerProvider(t)

	rec := f.do(t, http.MethodPost, "/v1/route", RouteRequestBody{
		ProviderID: "mystery", Prompt: "x",
	}, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestRouteEndpointNoKeys(t *testing.T) {
	f := newAPIFixture(t)
	f.registerProvider(t)

	rec := f.do(t, http.MethodPost, "/v1/route", RouteRequestBody{
		ProviderID: "openai", Prompt: "x",
	}, nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
}

func TestKeysLifecycle(t *testing.T) {
	f := newAPIFixture(t)
	f.registerProvider(t)

	rec := f.do(t, http.MethodPost, "/v1/keys", KeyCreateBody{
		Material: "sk-live-material-11111111", ProviderID: "openai",
	}, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: status = %d\nbody: %s", rec.Code, rec.Body.String())
	}
	if strings.Contains(rec.Body.String(), "sk-live-material") {
		t.Fatal("key material leaked into create response")
	}
	created := decodeBody(t, rec)
	keyID, _ := created["id"].(string)
	if keyID == "" {
		t.Fatal("create response missing id")
	}

	rec = f.do(t, http.MethodGet, "/v1/keys?provider=openai", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list: status = %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "sk-live-material") {
		t.Fatal("key material leaked into list response")
	}

	rec = f.do(t, http.MethodGet, "/v1/keys/"+keyID, nil, nil)
	if rec.Code != http.StatusOK {
		t.Errorf("get: status = %d", rec.Code)
	}
	rec = f.do(t, http.MethodGet, "/v1/keys/nope", nil, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("get missing: status = %d, want 404", rec.Code)
	}

	rec = f.do(t, http.MethodPost, "/v1/keys/"+keyID+"/rotate", KeyRotateBody{
		Material: "sk-live-material-22222222",
	}, nil)
	if rec.Code != http.StatusOK {
		t.Errorf("rotate: status = %d\nbody: %s", rec.Code, rec.Body.String())
	}

	rec = f.do(t, http.MethodGet, "/v1/keys/"+keyID+"/quota", nil, nil)
	if rec.Code != http.StatusOK {
		t.Errorf("quota: status = %d", rec.Code)
	}

	rec = f.do(t, http.MethodGet, "/v1/keys/"+keyID+"/prediction", nil, nil)
	if rec.Code != http.StatusNoContent {
		t.Errorf("prediction without history: status = %d, want 204", rec.Code)
	}

	rec = f.do(t, http.MethodDelete, "/v1/keys/"+keyID, nil, nil)
	if rec.Code != http.StatusNoContent {
		t.Errorf("revoke: status = %d, want 204", rec.Code)
	}
}

func TestKeysCreateUnknownProvider(t *testing.T) {
	f := newAPIFixture(t)
	f.registerProvider(t)

	rec := f.do(t, http.MethodPost, "/v1/keys", KeyCreateBody{
		Material: "sk-test-material-33333333", ProviderID: "mystery",
	}, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestBudgetsLifecycle(t *testing.T) {
	f := newAPIFixture(t)
	f.registerProvider(t)

	rec := f.do(t, http.MethodPost, "/v1/budgets", BudgetCreateBody{
		Scope: "global", Limit: "100.00", Period: "daily", Enforcement: "hard",
	}, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: status = %d\nbody: %s", rec.Code, rec.Body.String())
	}
	budgetID, _ := decodeBody(t, rec)["id"].(string)
	if budgetID == "" {
		t.Fatal("create response missing id")
	}

	// Floats are rejected; the limit must be a decimal string.
	rec = f.do(t, http.MethodPost, "/v1/budgets", map[string]any{
		"scope": "global", "limit": 100.0, "period": "daily",
	}, nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("numeric limit: status = %d, want 400", rec.Code)
	}

	rec = f.do(t, http.MethodPost, "/v1/budgets/"+budgetID+"/spend", BudgetSpendBody{
		Amount: "25.50",
	}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("spend: status = %d\nbody: %s", rec.Code, rec.Body.String())
	}

	rec = f.do(t, http.MethodGet, "/v1/budgets/"+budgetID, nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get: status = %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["remaining"] != "74.5" {
		t.Errorf("remaining = %v, want 74.5", body["remaining"])
	}

	rec = f.do(t, http.MethodGet, "/v1/budgets", nil, nil)
	if rec.Code != http.StatusOK {
		t.Errorf("list: status = %d", rec.Code)
	}
}

func TestDecisionsAndReport(t *testing.T) {
	f := newAPIFixture(t)
	f.registerProvider(t)
	f.registerKey(t)

	rec := f.do(t, http.MethodPost, "/v1/route", RouteRequestBody{
		ProviderID: "openai", Model: "gpt-4", Prompt: "hi",
	}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("route: status = %d", rec.Code)
	}

	rec = f.do(t, http.MethodGet, "/v1/decisions?provider=openai", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("decisions: status = %d", rec.Code)
	}
	var listing struct {
		Decisions []store.RoutingDecision `json:"decisions"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &listing); err != nil {
		t.Fatalf("decode decisions: %v", err)
	}
	if len(listing.Decisions) == 0 {
		t.Fatal("no decisions recorded")
	}
	requestID := listing.Decisions[0].RequestID

	rec = f.do(t, http.MethodGet, "/v1/decisions/"+requestID+"/report", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("report: status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "Routing Decision Report") {
		t.Error("report missing header section")
	}

	rec = f.do(t, http.MethodGet, "/v1/decisions/unknown-id/report", nil, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing report: status = %d, want 404", rec.Code)
	}
}

func TestReconciliationsEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	f.registerProvider(t)
	f.registerKey(t)

	rec := f.do(t, http.MethodPost, "/v1/route", RouteRequestBody{
		ProviderID: "openai", Model: "gpt-4", Prompt: "hi",
	}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("route: status = %d", rec.Code)
	}

	rec = f.do(t, http.MethodGet, "/v1/reconciliations?provider=openai", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	f := newAPIFixture(t, func(d *Dependencies) {
		d.RateLimiter = ratelimit.New(1, 1, time.Minute)
	})
	f.registerProvider(t)
	t.Cleanup(f.deps.RateLimiter.Stop)

	rec := f.do(t, http.MethodGet, "/v1/providers", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("first request: status = %d", rec.Code)
	}
	rec = f.do(t, http.MethodGet, "/v1/providers", nil, nil)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second request: status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("missing Retry-After header")
	}
}

func TestIdempotentRouteReplay(t *testing.T) {
	cache := idempotency.New(time.Minute, 16)
	f := newAPIFixture(t, func(d *Dependencies) {
		d.Idempotency = cache
	})
	f.registerProvider(t)
	f.registerKey(t)
	t.Cleanup(cache.Stop)

	hdr := map[string]string{"Idempotency-Key": "req-abc"}
	body := RouteRequestBody{ProviderID: "openai", Model: "gpt-4", Prompt: "hi"}

	first := f.do(t, http.MethodPost, "/v1/route", body, hdr)
	if first.Code != http.StatusOK {
		t.Fatalf("first: status = %d", first.Code)
	}
	second := f.do(t, http.MethodPost, "/v1/route", body, hdr)
	if second.Code != http.StatusOK {
		t.Fatalf("second: status = %d", second.Code)
	}
	if f.adapter.callCount() != 1 {
		t.Errorf("adapter calls = %d, want 1 (replay from cache)", f.adapter.callCount())
	}
	if first.Body.String() != second.Body.String() {
		t.Error("replayed body differs from original")
	}
}

func TestEventsStream(t *testing.T) {
	f := newAPIFixture(t)
	f.registerProvider(t)

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/v1/events", nil).WithContext(ctx)
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		defer close(done)
		f.handler.ServeHTTP(rec, req)
	}()

	// Wait for the subscription before publishing.
	deadline := time.Now().Add(2 * time.Second)
	for f.bus.SubscriberCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscriber never attached")
		}
		time.Sleep(5 * time.Millisecond)
	}

	f.bus.Publish(obs.Event{Type: obs.EventRoutingDecision, KeyID: "k1"})
	time.Sleep(50 * time.Millisecond)
	cancel()
	<-done

	out := rec.Body.String()
	if !strings.Contains(out, "event: connected") {
		t.Error("missing connected preamble")
	}
	if !strings.Contains(out, "event: routing_decision") {
		t.Errorf("missing published event, got:\n%s", out)
	}
}
