package temporal

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.temporal.io/sdk/temporal"

	"github.com/jordanhubbard/keyrouter/internal/cost"
	"github.com/jordanhubbard/keyrouter/internal/keys"
	"github.com/jordanhubbard/keyrouter/internal/provider"
	"github.com/jordanhubbard/keyrouter/internal/router"
	"github.com/jordanhubbard/keyrouter/internal/routing"
)

// Activities holds the component handles the workflow activities close over.
type Activities struct {
	Router *router.Router
	Keys   *keys.Manager
	Cost   *cost.Controller
	Logger *slog.Logger
}

// ExecuteRoute runs one request through the routing engine. The router does
// its own per-key retry inside a single activity attempt; activity-level
// retry only covers transient failures such as every key cooling down.
func (a *Activities) ExecuteRoute(ctx context.Context, input RouteInput) (RouteOutput, error) {
	start := time.Now()

	intent := provider.Intent{
		ProviderID: input.ProviderID,
		Model:      input.Model,
		Prompt:     input.Prompt,
		MaxTokens:  input.MaxTokens,
		Metadata:   input.Metadata,
	}
	resp, err := a.Router.Route(ctx, intent, input.Objective)
	if err != nil {
		if reason, fatal := classifyRouteError(err); fatal {
			return RouteOutput{}, temporal.NewNonRetryableApplicationError(err.Error(), reason, err)
		}
		return RouteOutput{}, err
	}

	return RouteOutput{
		Content:   resp.Content,
		Model:     resp.Model,
		Usage:     resp.Usage,
		Metadata:  resp.Metadata,
		LatencyMs: time.Since(start).Milliseconds(),
	}, nil
}

// classifyRouteError reports whether a route failure can change outcome on
// retry. Budget exhaustion, unknown providers, and non-retryable provider
// errors cannot; quota pressure can, once cooldowns lapse.
func classifyRouteError(err error) (reason string, fatal bool) {
	var bee *cost.BudgetExceededError
	if errors.As(err, &bee) {
		return "budget_exceeded", true
	}
	if errors.Is(err, router.ErrProviderNotRegistered) {
		return "provider_not_registered", true
	}
	var ive *routing.ValidationError
	if errors.As(err, &ive) {
		return "invalid_intent", true
	}
	var de *provider.DomainError
	if errors.As(err, &de) && !de.Retryable {
		return string(de.Category), true
	}
	return "", false
}

// RecoverKeyStates promotes keys whose cooldown has lapsed back toward
// Available and returns how many changed state.
func (a *Activities) RecoverKeyStates(ctx context.Context) (int, error) {
	n, err := a.Keys.CheckAndRecoverStates(ctx)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		a.Logger.Info("key recovery sweep", slog.Int("recovered", n))
	}
	return n, nil
}

// ResetExpiredBudgets zeroes spend on budgets past their period boundary.
func (a *Activities) ResetExpiredBudgets(ctx context.Context) (int, error) {
	n, err := a.Cost.ResetDueBudgets(ctx)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		a.Logger.Info("budget reset sweep", slog.Int("reset", n))
	}
	return n, nil
}
