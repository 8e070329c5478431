// Package router composes the key manager, quota engine, cost controller,
// and routing engine behind one public facade with bounded retry.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/jordanhubbard/keyrouter/internal/cost"
	"github.com/jordanhubbard/keyrouter/internal/keys"
	"github.com/jordanhubbard/keyrouter/internal/metrics"
	"github.com/jordanhubbard/keyrouter/internal/obs"
	"github.com/jordanhubbard/keyrouter/internal/provider"
	"github.com/jordanhubbard/keyrouter/internal/quota"
	"github.com/jordanhubbard/keyrouter/internal/routing"
	"github.com/jordanhubbard/keyrouter/internal/store"
)

const defaultMaxAttempts = 3

// ErrProviderNotRegistered is returned when a key or route names an unknown
// provider.
var ErrProviderNotRegistered = errors.New("provider not registered")

// ErrDuplicateProvider is returned when registering an existing provider
// without overwrite.
var ErrDuplicateProvider = errors.New("provider already registered")

// Router is the public entry point of the routing engine.
type Router struct {
	keys    *keys.Manager
	quota   *quota.Engine
	cost    *cost.Controller
	engine  *routing.Engine
	store   store.Store
	sink    obs.Sink
	logger  *slog.Logger
	metrics *metrics.Registry

	maxAttempts int

	mu       sync.RWMutex
	adapters map[string]provider.Adapter
}

// Option configures a Router.
type Option func(*Router)

// WithCostController enables cost recording on the route path.
func WithCostController(c *cost.Controller) Option {
	return func(r *Router) { r.cost = c }
}

// WithMetrics wires route-path metrics.
func WithMetrics(m *metrics.Registry) Option {
	return func(r *Router) { r.metrics = m }
}

// WithMaxAttempts bounds retry on retryable adapter failures. Values below 2
// are raised to 2.
func WithMaxAttempts(n int) Option {
	return func(r *Router) {
		if n < 2 {
			n = 2
		}
		r.maxAttempts = n
	}
}

// New assembles a router over its collaborators.
func New(km *keys.Manager, qe *quota.Engine, eng *routing.Engine, s store.Store, sink obs.Sink, logger *slog.Logger, opts ...Option) *Router {
	r := &Router{
		keys:        km,
		quota:       qe,
		engine:      eng,
		store:       s,
		sink:        sink,
		logger:      logger,
		maxAttempts: defaultMaxAttempts,
		adapters:    make(map[string]provider.Adapter),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// RegisterProvider binds an adapter to a provider id. Ids are trimmed but
// case-sensitive.
func (r *Router) RegisterProvider(ctx context.Context, providerID string, adapter provider.Adapter, overwrite bool) error {
	providerID = strings.TrimSpace(providerID)
	if providerID == "" {
		return errors.New("provider id is empty")
	}
	if adapter == nil {
		return errors.New("adapter is nil")
	}

	r.mu.Lock()
	if _, exists := r.adapters[providerID]; exists && !overwrite {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateProvider, providerID)
	}
	r.adapters[providerID] = adapter
	r.mu.Unlock()

	obs.Emit(ctx, r.sink, r.logger, obs.Event{
		Type:       obs.EventProviderRegistered,
		ProviderID: providerID,
		Payload:    map[string]any{"overwrite": overwrite},
	})
	return nil
}

// Adapter looks up a registered adapter. Satisfies cost.AdapterLookup.
func (r *Router) Adapter(providerID string) (provider.Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[providerID]
	return a, ok
}

// Providers lists the registered provider ids.
func (r *Router) Providers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.adapters))
	for id := range r.adapters {
		out = append(out, id)
	}
	return out
}

// RegisterKey stores a new key for a registered provider and initializes its
// quota state.
func (r *Router) RegisterKey(ctx context.Context, material, providerID string, metadata map[string]any) (*store.APIKey, error) {
	providerID = strings.TrimSpace(providerID)
	if _, ok := r.Adapter(providerID); !ok {
		return nil, fmt.Errorf("%w: %s", ErrProviderNotRegistered, providerID)
	}
	k, err := r.keys.Register(ctx, material, providerID, metadata)
	if err != nil {
		return nil, err
	}
	if _, err := r.quota.GetQuotaState(ctx, k.ID); err != nil {
		r.logger.Warn("quota initialization failed",
			slog.String("key_id", k.ID),
			slog.String("error", err.Error()))
	}
	return k, nil
}

// Route selects a key, executes the request through its provider adapter,
// and retries on retryable failures with a different key, up to the attempt
// bound. Post-success accounting runs detached from the caller's
// cancellation.
func (r *Router) Route(ctx context.Context, intent provider.Intent, objective *store.RoutingObjective) (*provider.SystemResponse, error) {
	start := time.Now()
	requestID := uuid.NewString()
	correlationID := uuid.NewString()
	ctx = provider.WithRequestID(ctx, requestID)

	r.logger.Info("request routing started",
		slog.String("request_id", requestID),
		slog.String("correlation_id", correlationID),
		slog.String("provider_id", intent.ProviderID))

	adapter, ok := r.Adapter(intent.ProviderID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrProviderNotRegistered, intent.ProviderID)
	}

	var lastErr error
	attempted := make(map[string]struct{})
	attempts := 0
	for attempts < r.maxAttempts {
		attempts++

		decision, err := r.engine.RouteRequest(ctx, requestID, intent, objective, attempted)
		if err != nil {
			var nek *routing.NoEligibleKeysError
			if errors.As(err, &nek) {
				r.logger.Warn("routing failed",
					slog.String("request_id", requestID),
					slog.String("reason", nek.Reason))
				if lastErr != nil {
					// Every eligible key already failed this request.
					r.observe(intent.ProviderID, "exhausted_keys", attempts, start)
					return nil, fmt.Errorf("all %d eligible keys failed: %w", len(attempted), lastErr)
				}
			}
			r.observe(intent.ProviderID, "no_keys", attempts, start)
			return nil, err
		}

		resp, execErr := r.execute(ctx, adapter, intent, decision)
		if execErr == nil {
			r.account(ctx, adapter, intent, decision, resp, requestID, correlationID)
			r.observe(intent.ProviderID, "success", attempts, start)
			return resp, nil
		}

		de := adapter.MapError(execErr)
		r.recordAttemptFailure(ctx, decision, de, requestID, correlationID)
		attempted[decision.SelectedKeyID] = struct{}{}
		lastErr = de

		if !de.Retryable {
			r.observe(intent.ProviderID, "error", attempts, start)
			return nil, de
		}
	}

	r.observe(intent.ProviderID, "exhausted_attempts", attempts, start)
	if lastErr == nil {
		lastErr = errors.New("route attempts exhausted")
	}
	return nil, fmt.Errorf("route failed after %d attempts: %w", attempts, lastErr)
}

func (r *Router) execute(ctx context.Context, adapter provider.Adapter, intent provider.Intent, decision *store.RoutingDecision) (*provider.SystemResponse, error) {
	material, err := r.keys.Material(ctx, decision.SelectedKeyID)
	if err != nil {
		return nil, err
	}
	return adapter.Execute(ctx, intent, material)
}

// recordAttemptFailure updates key and quota state after a failed attempt and
// emits the accounting event.
func (r *Router) recordAttemptFailure(ctx context.Context, decision *store.RoutingDecision, de *provider.DomainError, requestID, correlationID string) {
	keyID := decision.SelectedKeyID

	if de.Category == provider.CategoryRateLimit {
		headers := map[string]string{}
		if de.RetryAfter > 0 {
			headers["Retry-After"] = strconv.Itoa(int(de.RetryAfter / time.Second))
		}
		if _, err := r.quota.HandleQuotaResponse(ctx, keyID, quota.RateLimitResponse{
			StatusCode: 429,
			Headers:    headers,
		}, decision.SelectedProviderID); err != nil {
			r.logger.Warn("quota response handling failed",
				slog.String("key_id", keyID),
				slog.String("error", err.Error()))
		}
	} else {
		if k, err := r.keys.Get(ctx, keyID); err == nil {
			k.FailureCount++
			if err := r.store.SaveKey(ctx, *k); err != nil {
				r.logger.Warn("failure count save failed", slog.String("key_id", keyID))
			}
		}
	}

	obs.Emit(ctx, r.sink, r.logger, obs.Event{
		Type:          obs.EventRequestFailed,
		RequestID:     requestID,
		CorrelationID: correlationID,
		KeyID:         keyID,
		ProviderID:    decision.SelectedProviderID,
		Payload: map[string]any{
			"category":  string(de.Category),
			"retryable": de.Retryable,
		},
	})
	r.logger.Warn("request attempt failed",
		slog.String("request_id", requestID),
		slog.String("key_id", keyID),
		slog.String("category", string(de.Category)),
		slog.Bool("retryable", de.Retryable))
}

// account runs post-success bookkeeping. It is detached from the caller's
// cancellation; every failure here degrades to a warning.
func (r *Router) account(ctx context.Context, adapter provider.Adapter, intent provider.Intent, decision *store.RoutingDecision, resp *provider.SystemResponse, requestID, correlationID string) {
	ctx = context.WithoutCancel(ctx)
	keyID := decision.SelectedKeyID
	now := time.Now().UTC()

	if k, err := r.keys.Get(ctx, keyID); err == nil {
		k.UsageCount++
		k.LastUsedAt = &now
		if err := r.store.SaveKey(ctx, *k); err != nil {
			r.logger.Warn("usage accounting save failed", slog.String("key_id", keyID))
		}
	} else {
		r.logger.Warn("usage accounting load failed", slog.String("key_id", keyID))
	}

	var tokens *float64
	if resp.Usage.TotalTokens > 0 {
		v := float64(resp.Usage.TotalTokens)
		tokens = &v
	}
	if _, err := r.quota.UpdateCapacity(ctx, keyID, 1, tokens); err != nil {
		r.logger.Warn("capacity decrement failed",
			slog.String("key_id", keyID),
			slog.String("error", err.Error()))
	}

	if resp.Usage.TotalTokens > 0 {
		if decision.Metadata == nil {
			decision.Metadata = map[string]any{}
		}
		decision.Metadata["tokens"] = float64(resp.Usage.TotalTokens)
		if err := r.store.SaveRoutingDecision(ctx, *decision); err != nil {
			r.logger.Warn("decision annotation save failed",
				slog.String("request_id", requestID))
		}
	}

	if r.cost != nil {
		actual := r.actualCost(adapter, intent, decision, resp)
		if _, err := r.cost.RecordActualCost(ctx, requestID, actual); err != nil {
			r.logger.Warn("cost reconciliation failed",
				slog.String("request_id", requestID),
				slog.String("error", err.Error()))
		}
		if r.metrics != nil {
			f, _ := actual.Float64()
			r.metrics.SpendUSD.WithLabelValues(decision.SelectedProviderID, resp.Model).Add(f)
		}
	}

	if resp.Metadata == nil {
		resp.Metadata = map[string]any{}
	}
	resp.Metadata["correlation_id"] = correlationID

	obs.Emit(ctx, r.sink, r.logger, obs.Event{
		Type:          obs.EventRequestCompleted,
		RequestID:     requestID,
		CorrelationID: correlationID,
		KeyID:         keyID,
		ProviderID:    decision.SelectedProviderID,
		Payload: map[string]any{
			"model":        resp.Model,
			"total_tokens": resp.Usage.TotalTokens,
		},
	})
}

// actualCost derives observed spend by scaling the pre-flight estimate to the
// tokens the provider reported. Without usable token counts the estimate
// stands as the actual.
func (r *Router) actualCost(adapter provider.Adapter, intent provider.Intent, decision *store.RoutingDecision, resp *provider.SystemResponse) decimal.Decimal {
	est, err := adapter.EstimateCost(intent)
	if err != nil {
		return decimal.Zero
	}
	estTokens := est.InputTokens + est.OutputTokens
	if estTokens <= 0 || resp.Usage.TotalTokens <= 0 {
		return est.Amount
	}
	ratio := decimal.NewFromInt(int64(resp.Usage.TotalTokens)).
		Div(decimal.NewFromInt(int64(estTokens)))
	return est.Amount.Mul(ratio)
}

func (r *Router) observe(providerID, outcome string, attempts int, start time.Time) {
	if r.metrics == nil {
		return
	}
	r.metrics.RouteRequestsTotal.WithLabelValues(providerID, outcome).Inc()
	r.metrics.RouteDuration.WithLabelValues(providerID).Observe(float64(time.Since(start).Milliseconds()))
	r.metrics.RouteAttempts.WithLabelValues(providerID).Observe(float64(attempts))
}
