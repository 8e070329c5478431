// Package temporal wraps the routing engine in durable workflows: route
// execution that survives worker restarts, and the periodic maintenance
// sweep for key recovery and budget resets.
package temporal

import (
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
)

const (
	routeActivityTimeout       = 90 * time.Second
	maintenanceActivityTimeout = 30 * time.Second
)

// RouteWorkflow executes one route request durably. Retry backs off long
// enough for throttled keys to leave cooldown between attempts.
func RouteWorkflow(ctx workflow.Context, input RouteInput) (RouteOutput, error) {
	ao := workflow.ActivityOptions{
		StartToCloseTimeout: routeActivityTimeout,
		HeartbeatTimeout:    30 * time.Second,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:    5 * time.Second,
			BackoffCoefficient: 2.0,
			MaximumInterval:    2 * time.Minute,
			MaximumAttempts:    4,
		},
	}
	ctx = workflow.WithActivityOptions(ctx, ao)

	start := workflow.Now(ctx)

	var out RouteOutput
	if err := workflow.ExecuteActivity(ctx, (*Activities).ExecuteRoute, input).Get(ctx, &out); err != nil {
		return RouteOutput{}, err
	}
	out.LatencyMs = workflow.Now(ctx).Sub(start).Milliseconds()
	return out, nil
}

// MaintenanceWorkflow runs one sweep of the recurring housekeeping: recover
// cooled-down keys, then reset expired budgets. A failed sweep half is
// logged and skipped; the next scheduled run picks it up.
func MaintenanceWorkflow(ctx workflow.Context) (MaintenanceResult, error) {
	ao := workflow.ActivityOptions{
		StartToCloseTimeout: maintenanceActivityTimeout,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval: time.Second,
			MaximumAttempts: 3,
		},
	}
	ctx = workflow.WithActivityOptions(ctx, ao)
	logger := workflow.GetLogger(ctx)

	var result MaintenanceResult

	if err := workflow.ExecuteActivity(ctx, (*Activities).RecoverKeyStates).Get(ctx, &result.RecoveredKeys); err != nil {
		logger.Warn("key recovery sweep failed", "error", err)
	}
	if err := workflow.ExecuteActivity(ctx, (*Activities).ResetExpiredBudgets).Get(ctx, &result.ResetBudgets); err != nil {
		logger.Warn("budget reset sweep failed", "error", err)
	}

	return result, nil
}
