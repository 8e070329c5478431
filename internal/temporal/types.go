package temporal

import (
	"github.com/jordanhubbard/keyrouter/internal/provider"
	"github.com/jordanhubbard/keyrouter/internal/store"
)

// RouteInput is the input for the RouteWorkflow.
type RouteInput struct {
	RequestID  string                  `json:"request_id"`
	ProviderID string                  `json:"provider_id"`
	Model      string                  `json:"model"`
	Prompt     string                  `json:"prompt"`
	MaxTokens  int                     `json:"max_tokens,omitempty"`
	Metadata   map[string]any          `json:"metadata,omitempty"`
	Objective  *store.RoutingObjective `json:"objective,omitempty"`
}

// RouteOutput is the output of the RouteWorkflow.
type RouteOutput struct {
	Content   string         `json:"content"`
	Model     string         `json:"model"`
	Usage     provider.Usage `json:"usage"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	LatencyMs int64          `json:"latency_ms"`
}

// MaintenanceResult reports what the maintenance sweep touched.
type MaintenanceResult struct {
	RecoveredKeys int `json:"recovered_keys"`
	ResetBudgets  int `json:"reset_budgets"`
}
