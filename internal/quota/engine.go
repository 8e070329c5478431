// Package quota maintains a forward-looking capacity model per key: window
// accounting, 429 handling, usage-rate estimation, and exhaustion prediction.
package quota

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jordanhubbard/keyrouter/internal/obs"
	"github.com/jordanhubbard/keyrouter/internal/store"
)

const (
	defaultQuotaCooldown = 60 * time.Second
	defaultPredictionTTL = 5 * time.Minute

	maxRateWindowHours = 24.0
)

// KeyThrottler lets the engine push a key into Throttled after a 429.
// keys.Manager satisfies it.
type KeyThrottler interface {
	UpdateState(ctx context.Context, id string, newState store.KeyState, trigger string, cooldown time.Duration, extra map[string]any) (*store.StateTransition, error)
}

// RateLimitResponse is the provider reply handed to HandleQuotaResponse.
type RateLimitResponse struct {
	StatusCode int
	Headers    map[string]string
}

type cachedPrediction struct {
	prediction store.ExhaustionPrediction
	expiresAt  time.Time
}

// Engine tracks per-key quota state.
type Engine struct {
	store  store.Store
	sink   obs.Sink
	logger *slog.Logger

	keys KeyThrottler // optional

	cooldown      time.Duration
	predictionTTL time.Duration
	now           func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex

	predMu      sync.RWMutex
	predictions map[string]cachedPrediction
}

// Option configures an Engine.
type Option func(*Engine)

// WithKeyThrottler wires the key-manager hook used after 429 responses.
func WithKeyThrottler(k KeyThrottler) Option {
	return func(e *Engine) { e.keys = k }
}

// WithDefaultCooldown sets the fallback cooldown when Retry-After is absent
// or unparseable.
func WithDefaultCooldown(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.cooldown = d
		}
	}
}

// WithPredictionTTL sets how long exhaustion predictions are cached.
func WithPredictionTTL(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.predictionTTL = d
		}
	}
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine builds a quota engine.
func NewEngine(s store.Store, sink obs.Sink, logger *slog.Logger, opts ...Option) *Engine {
	e := &Engine{
		store:         s,
		sink:          sink,
		logger:        logger,
		cooldown:      defaultQuotaCooldown,
		predictionTTL: defaultPredictionTTL,
		now:           func() time.Time { return time.Now().UTC() },
		locks:         make(map[string]*sync.Mutex),
		predictions:   make(map[string]cachedPrediction),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

func (e *Engine) lockFor(keyID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.locks[keyID]
	if !ok {
		l = &sync.Mutex{}
		e.locks[keyID] = l
	}
	return l
}

// GetQuotaState returns the quota state for a key, lazily initializing an
// optimistic default on first sight. Initialization is serialized per key.
func (e *Engine) GetQuotaState(ctx context.Context, keyID string) (*store.QuotaState, error) {
	qs, err := e.store.GetQuotaState(ctx, keyID)
	if err != nil {
		return nil, err
	}
	if qs != nil {
		return qs, nil
	}

	l := e.lockFor(keyID)
	l.Lock()
	defer l.Unlock()
	return e.loadLocked(ctx, keyID)
}

// loadLocked reads or initializes a quota state. Caller holds the per-key lock.
func (e *Engine) loadLocked(ctx context.Context, keyID string) (*store.QuotaState, error) {
	qs, err := e.store.GetQuotaState(ctx, keyID)
	if err != nil {
		return nil, err
	}
	if qs != nil {
		return qs, nil
	}

	now := e.now()
	fresh := store.QuotaState{
		KeyID:         keyID,
		CapacityState: store.CapacityAbundant,
		Unit:          store.UnitRequests,
		Remaining:     store.UnknownEstimate(),
		Window:        store.WindowDaily,
		ResetAt:       nextWindowBoundary(store.WindowDaily, now),
		UpdatedAt:     now,
	}
	if err := e.store.SaveQuotaState(ctx, fresh); err != nil {
		return nil, err
	}
	return &fresh, nil
}

// SetQuotaState replaces a key's quota state wholesale. Used when providers
// report authoritative limits.
func (e *Engine) SetQuotaState(ctx context.Context, qs store.QuotaState) error {
	qs.UpdatedAt = e.now()
	return e.store.SaveQuotaState(ctx, qs)
}

// UpdateCapacity applies consumption to a key's window. tokensConsumed is
// required for Mixed-unit quotas.
func (e *Engine) UpdateCapacity(ctx context.Context, keyID string, consumed float64, tokensConsumed *float64) (*store.QuotaState, error) {
	if consumed < 0 || (tokensConsumed != nil && *tokensConsumed < 0) {
		return nil, errors.New("consumption must be non-negative")
	}

	l := e.lockFor(keyID)
	l.Lock()
	defer l.Unlock()

	qs, err := e.loadLocked(ctx, keyID)
	if err != nil {
		return nil, err
	}

	now := e.now()
	if !now.Before(qs.ResetAt) {
		e.resetWindow(ctx, qs, now)
	}

	switch qs.Unit {
	case store.UnitRequests:
		decrementEstimate(&qs.Remaining, consumed)
		qs.UsedCapacity += consumed
		qs.UsedRequests += consumed
	case store.UnitTokens:
		spend := consumed
		if tokensConsumed != nil {
			spend = *tokensConsumed
		}
		decrementEstimate(&qs.Remaining, spend)
		qs.UsedCapacity += spend
		qs.UsedTokens += spend
	case store.UnitMixed:
		if tokensConsumed == nil {
			return nil, errors.New("tokens_consumed required for mixed-unit quota")
		}
		decrementEstimate(&qs.Remaining, consumed)
		qs.UsedCapacity += consumed
		qs.UsedRequests += consumed
		if qs.RemainingTokens != nil {
			rt := math.Max(0, *qs.RemainingTokens-*tokensConsumed)
			qs.RemainingTokens = &rt
		}
		qs.UsedTokens += *tokensConsumed
	default:
		return nil, fmt.Errorf("unknown capacity unit %q", qs.Unit)
	}
	qs.UpdatedAt = now

	prev := qs.CapacityState
	qs.CapacityState = e.decideCapacityState(keyID, qs, now)

	if err := e.store.SaveQuotaState(ctx, *qs); err != nil {
		return nil, err
	}

	if qs.CapacityState != prev {
		e.recordQuotaTransition(ctx, keyID, prev, qs.CapacityState, "capacity_update", now)
	}

	obs.Emit(ctx, e.sink, e.logger, obs.Event{
		Type:  obs.EventCapacityUpdated,
		KeyID: keyID,
		Payload: map[string]any{
			"capacity_state": string(qs.CapacityState),
			"used_capacity":  qs.UsedCapacity,
		},
	})
	return qs, nil
}

// resetWindow starts a new accounting window in place.
func (e *Engine) resetWindow(ctx context.Context, qs *store.QuotaState, now time.Time) {
	if qs.TotalCapacity != nil {
		qs.Remaining = store.ExactEstimate(*qs.TotalCapacity, "window_reset")
	} else {
		// Total unknown: keep the shape but admit we know nothing about it.
		qs.Remaining.Confidence = 0
	}
	if qs.TotalTokens != nil {
		t := *qs.TotalTokens
		qs.RemainingTokens = &t
	}
	qs.UsedCapacity = 0
	qs.UsedTokens = 0
	qs.UsedRequests = 0
	qs.CapacityState = store.CapacityAbundant
	if qs.Window != store.WindowCustom {
		qs.ResetAt = nextWindowBoundary(qs.Window, now)
	}
	qs.UpdatedAt = now

	obs.Emit(ctx, e.sink, e.logger, obs.Event{
		Type:    obs.EventQuotaReset,
		KeyID:   qs.KeyID,
		Payload: map[string]any{"window": string(qs.Window), "reset_at": qs.ResetAt.Format(time.RFC3339)},
	})
}

// nextWindowBoundary computes the next reset instant for a window, in UTC.
func nextWindowBoundary(w store.TimeWindow, now time.Time) time.Time {
	now = now.UTC()
	switch w {
	case store.WindowHourly:
		return now.Truncate(time.Hour).Add(time.Hour)
	case store.WindowMonthly:
		y, m, _ := now.Date()
		return time.Date(y, m+1, 1, 0, 0, 0, 0, time.UTC)
	default: // Daily
		y, m, d := now.Date()
		return time.Date(y, m, d+1, 0, 0, 0, 0, time.UTC)
	}
}

// HandleQuotaResponse absorbs a provider 429, marking the window exhausted
// and optionally throttling the key for the advertised Retry-After.
func (e *Engine) HandleQuotaResponse(ctx context.Context, keyID string, resp RateLimitResponse, providerID string) (*store.QuotaState, error) {
	if resp.StatusCode != http.StatusTooManyRequests {
		return nil, fmt.Errorf("handle_quota_response expects status 429, got %d", resp.StatusCode)
	}

	retryAfter, ok := e.parseRetryAfter(resp.Headers)
	if !ok {
		retryAfter = e.cooldown
	}

	l := e.lockFor(keyID)
	l.Lock()

	qs, err := e.loadLocked(ctx, keyID)
	if err != nil {
		l.Unlock()
		return nil, err
	}
	now := e.now()
	prev := qs.CapacityState
	qs.Remaining = store.ExactEstimate(0, "429_response")
	qs.CapacityState = store.CapacityExhausted
	qs.UpdatedAt = now
	if err := e.store.SaveQuotaState(ctx, *qs); err != nil {
		l.Unlock()
		return nil, err
	}
	if prev != store.CapacityExhausted {
		e.recordQuotaTransition(ctx, keyID, prev, store.CapacityExhausted, "rate_limit_response", now)
	}
	l.Unlock()

	if e.keys != nil {
		if _, err := e.keys.UpdateState(ctx, keyID, store.KeyThrottled, "rate_limit_response", retryAfter, map[string]any{
			"provider_id":         providerID,
			"retry_after_seconds": retryAfter.Seconds(),
		}); err != nil {
			e.logger.Warn("key throttle after 429 failed",
				slog.String("key_id", keyID),
				slog.String("error", err.Error()))
		}
	}

	obs.Emit(ctx, e.sink, e.logger, obs.Event{
		Type:       obs.EventQuotaExhausted,
		KeyID:      keyID,
		ProviderID: providerID,
		Payload: map[string]any{
			"retry_after_seconds": retryAfter.Seconds(),
			"cooldown_applied":    e.keys != nil,
		},
	})
	return qs, nil
}

// parseRetryAfter reads a Retry-After header case-insensitively as either
// integer seconds or an HTTP-date.
func (e *Engine) parseRetryAfter(headers map[string]string) (time.Duration, bool) {
	var raw string
	for k, v := range headers {
		if strings.EqualFold(k, "Retry-After") {
			raw = strings.TrimSpace(v)
			break
		}
	}
	if raw == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(raw); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second, true
	}
	if at, err := http.ParseTime(raw); err == nil {
		d := at.Sub(e.now())
		if d < 0 {
			d = 0
		}
		return d, true
	}
	e.logger.Warn("unparseable Retry-After header; using default cooldown",
		slog.String("value", raw))
	return 0, false
}

func (e *Engine) recordQuotaTransition(ctx context.Context, keyID string, from, to store.CapacityState, trigger string, now time.Time) {
	tr := store.StateTransition{
		ID:         uuid.NewString(),
		EntityType: store.EntityQuota,
		EntityID:   keyID,
		FromState:  string(from),
		ToState:    string(to),
		Trigger:    trigger,
		At:         now,
	}
	// Audit-only write: failure degrades to a warning.
	if err := e.store.SaveStateTransition(ctx, tr); err != nil {
		e.logger.Warn("quota transition save failed",
			slog.String("key_id", keyID),
			slog.String("error", err.Error()))
		return
	}
	obs.Emit(ctx, e.sink, e.logger, obs.Event{
		Type:  obs.EventStateTransition,
		KeyID: keyID,
		Payload: map[string]any{
			"entity_type": store.EntityQuota,
			"from":        string(from),
			"to":          string(to),
			"trigger":     trigger,
		},
	})
}

// estimateValue collapses an estimate to a point value for arithmetic:
// exact/estimated use the value, bounded uses the range midpoint.
func estimateValue(e store.CapacityEstimate) (float64, bool) {
	switch e.Kind {
	case store.EstimateExact, store.EstimateEstimated:
		if e.Value != nil {
			return *e.Value, true
		}
	case store.EstimateBounded:
		if e.Min != nil && e.Max != nil {
			return (*e.Min + *e.Max) / 2, true
		}
	}
	return 0, false
}

func decrementEstimate(e *store.CapacityEstimate, by float64) {
	switch e.Kind {
	case store.EstimateExact, store.EstimateEstimated:
		if e.Value != nil {
			v := math.Max(0, *e.Value-by)
			e.Value = &v
		}
	case store.EstimateBounded:
		if e.Min != nil {
			lo := math.Max(0, *e.Min-by)
			e.Min = &lo
		}
		if e.Max != nil {
			hi := math.Max(0, *e.Max-by)
			e.Max = &hi
		}
	}
}
