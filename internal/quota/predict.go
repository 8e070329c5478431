package quota

import (
	"context"
	"log/slog"
	"math"
	"time"

	"github.com/jordanhubbard/keyrouter/internal/store"
)

// tokenMetadataKeys are checked in order when extracting consumed tokens from
// a routing decision; first match wins.
var tokenMetadataKeys = []string{"tokens", "token_count", "total_tokens", "consumed_tokens"}

// CalculateUsageRate derives an hourly consumption rate from persisted
// routing decisions. When the window holds fewer than minDataPoints
// decisions, the window doubles (capped at 24h) before giving up.
func (e *Engine) CalculateUsageRate(ctx context.Context, keyID string, windowHours float64, minDataPoints int) (*store.UsageRate, error) {
	if windowHours <= 0 {
		windowHours = 1.0
	}
	if minDataPoints <= 0 {
		minDataPoints = 3
	}

	now := e.now()
	var decisions []store.RoutingDecision
	for {
		res, err := e.store.QueryState(ctx, store.StateQuery{
			EntityType: store.EntityDecision,
			KeyID:      keyID,
			From:       now.Add(-time.Duration(windowHours * float64(time.Hour))),
			To:         now,
		})
		if err != nil {
			return nil, err
		}
		decisions = res.Decisions
		if len(decisions) >= minDataPoints || windowHours >= maxRateWindowHours {
			break
		}
		windowHours = math.Min(windowHours*2, maxRateWindowHours)
	}

	if len(decisions) < minDataPoints {
		e.logger.Debug("insufficient data for usage rate",
			slog.String("key_id", keyID),
			slog.Int("decisions", len(decisions)),
			slog.Float64("window_hours", windowHours))
		return nil, nil
	}

	count := float64(len(decisions))
	rate := store.UsageRate{
		RequestsPerHour: count / windowHours,
		WindowHours:     windowHours,
		CalculatedAt:    now,
	}

	var totalTokens float64
	var sawTokens bool
	for _, d := range decisions {
		if t, ok := decisionTokens(d); ok {
			totalTokens += t
			sawTokens = true
		}
	}
	if sawTokens {
		tph := totalTokens / windowHours
		rate.TokensPerHour = &tph
	}

	confidence := math.Min(1, count/math.Max(float64(minDataPoints*2), 10))
	if windowHours < 1 {
		confidence *= 0.8
	}
	rate.Confidence = confidence
	return &rate, nil
}

// decisionTokens pulls a consumed-token count out of a decision's post-flight
// metadata or its evaluation results.
func decisionTokens(d store.RoutingDecision) (float64, bool) {
	for _, key := range tokenMetadataKeys {
		if v, ok := d.Metadata[key]; ok {
			if f, ok := toFloat(v); ok {
				return f, true
			}
		}
	}
	return 0, false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// PredictExhaustion estimates when a key's window runs out at the current
// consumption rate. Returns nil when there is not enough signal to predict.
// Results are cached for the configured TTL.
func (e *Engine) PredictExhaustion(ctx context.Context, keyID string) (*store.ExhaustionPrediction, error) {
	now := e.now()

	e.predMu.RLock()
	if cached, ok := e.predictions[keyID]; ok && now.Before(cached.expiresAt) {
		p := cached.prediction
		e.predMu.RUnlock()
		return &p, nil
	}
	e.predMu.RUnlock()

	qs, err := e.GetQuotaState(ctx, keyID)
	if err != nil {
		return nil, err
	}
	rate, err := e.CalculateUsageRate(ctx, keyID, 1.0, 3)
	if err != nil {
		return nil, err
	}
	if rate == nil {
		return nil, nil
	}

	remaining, perHour, ok := capacityAndRate(qs, rate)
	if !ok || perHour <= 0 || remaining <= 0 {
		return nil, nil
	}

	rawHours := remaining / perHour
	if rawHours < 0 {
		return nil, nil
	}

	uncertainty := e.CalculateUncertainty(qs, rate)
	adjusted := rawHours * conservativeMultiplier(uncertainty)

	prediction := store.ExhaustionPrediction{
		KeyID:                 keyID,
		PredictedExhaustionAt: now.Add(time.Duration(adjusted * float64(time.Hour))),
		Confidence:            predictionConfidence(qs, rate, uncertainty),
		CalculationMethod:     "linear_usage_rate",
		CurrentUsageRate:      *rate,
		RemainingCapacity:     remaining,
		CalculatedAt:          now,
		Uncertainty:           uncertainty,
	}

	e.predMu.Lock()
	e.predictions[keyID] = cachedPrediction{prediction: prediction, expiresAt: now.Add(e.predictionTTL)}
	e.predMu.Unlock()

	return &prediction, nil
}

// capacityAndRate selects the remaining capacity and consumption rate for
// the quota's unit. Token-tracked quotas fall back to an assumed 1000 tokens
// per request when only a request rate is known.
func capacityAndRate(qs *store.QuotaState, rate *store.UsageRate) (remaining, perHour float64, ok bool) {
	switch qs.Unit {
	case store.UnitTokens, store.UnitMixed:
		if qs.RemainingTokens == nil {
			// Tokens tracked inside the primary estimate for UnitTokens.
			if qs.Unit == store.UnitTokens {
				if v, has := estimateValue(qs.Remaining); has && qs.Remaining.Confidence > 0 {
					remaining = v
					break
				}
			}
			return 0, 0, false
		}
		remaining = *qs.RemainingTokens
	default:
		v, has := estimateValue(qs.Remaining)
		if !has || qs.Remaining.Confidence == 0 {
			return 0, 0, false
		}
		remaining = v
	}

	switch qs.Unit {
	case store.UnitTokens, store.UnitMixed:
		if rate.TokensPerHour != nil {
			perHour = *rate.TokensPerHour
		} else if rate.RequestsPerHour > 0 {
			perHour = rate.RequestsPerHour * 1000
		}
	default:
		perHour = rate.RequestsPerHour
	}
	return remaining, perHour, true
}

func conservativeMultiplier(u store.UncertaintyLevel) float64 {
	switch u {
	case store.UncertaintyLow:
		return 1.0
	case store.UncertaintyMedium:
		return 0.9
	case store.UncertaintyHigh:
		return 0.75
	default:
		return 0.5
	}
}

// predictionConfidence blends usage-rate confidence with the capacity
// estimate's trustworthiness, then discounts for the uncertainty level.
func predictionConfidence(qs *store.QuotaState, rate *store.UsageRate, u store.UncertaintyLevel) float64 {
	var typeFactor float64
	switch qs.Remaining.Kind {
	case store.EstimateExact:
		typeFactor = 1.0
	case store.EstimateEstimated:
		typeFactor = 0.8
	case store.EstimateBounded:
		typeFactor = 0.6
	default:
		typeFactor = 0.3
	}
	conf := rate.Confidence * typeFactor
	switch u {
	case store.UncertaintyMedium:
		conf *= 0.85
	case store.UncertaintyHigh:
		conf *= 0.7
	case store.UncertaintyUnknown:
		conf *= 0.5
	}
	return math.Max(0, math.Min(1, conf))
}

// CalculateUncertainty grades a prediction's trustworthiness from the
// capacity estimate shape, promoted one level when the inputs are weak.
func (e *Engine) CalculateUncertainty(qs *store.QuotaState, rate *store.UsageRate) store.UncertaintyLevel {
	var level store.UncertaintyLevel
	switch qs.Remaining.Kind {
	case store.EstimateExact:
		level = store.UncertaintyLow
	case store.EstimateEstimated:
		level = store.UncertaintyMedium
	case store.EstimateBounded:
		level = store.UncertaintyHigh
	default:
		level = store.UncertaintyUnknown
	}
	if rate == nil || rate.Confidence < 0.5 || qs.Remaining.Confidence < 0.5 {
		level = promote(level)
	}
	return level
}

func promote(u store.UncertaintyLevel) store.UncertaintyLevel {
	switch u {
	case store.UncertaintyLow:
		return store.UncertaintyMedium
	case store.UncertaintyMedium:
		return store.UncertaintyHigh
	default:
		return store.UncertaintyUnknown
	}
}

// decideCapacityState grades remaining window health. A fresh exhaustion
// prediction overrides the percentage bands.
func (e *Engine) decideCapacityState(keyID string, qs *store.QuotaState, now time.Time) store.CapacityState {
	e.predMu.RLock()
	cached, ok := e.predictions[keyID]
	e.predMu.RUnlock()
	if ok && now.Before(cached.expiresAt) {
		hours := cached.prediction.PredictedExhaustionAt.Sub(now).Hours()
		switch {
		case hours < 4:
			return store.CapacityCritical
		case hours < 24:
			return store.CapacityConstrained
		default:
			return store.CapacityAbundant
		}
	}

	remaining, hasRemaining := estimateValue(qs.Remaining)
	switch {
	case qs.TotalCapacity == nil && (!hasRemaining || qs.Remaining.Kind == store.EstimateUnknown):
		// Nothing known: optimistic.
		return store.CapacityAbundant
	case qs.TotalCapacity == nil && hasRemaining && remaining == 0:
		return store.CapacityExhausted
	case qs.TotalCapacity == nil:
		return qs.CapacityState
	case *qs.TotalCapacity == 0:
		return store.CapacityExhausted
	}

	pct := remaining / *qs.TotalCapacity
	switch {
	case pct > 0.80:
		return store.CapacityAbundant
	case pct > 0.50:
		return store.CapacityConstrained
	case pct > 0.20:
		return store.CapacityCritical
	default:
		return store.CapacityExhausted
	}
}
