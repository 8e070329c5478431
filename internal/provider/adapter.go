// Package provider defines the adapter contract between the routing core and
// upstream LLM APIs, plus shared HTTP plumbing for concrete adapters.
package provider

import (
	"context"
	"fmt"
	"time"

	"github.com/jordanhubbard/keyrouter/internal/store"
)

// Intent describes one request the caller wants executed. Model and token
// hints feed cost estimation; Metadata is passed through untouched.
type Intent struct {
	ProviderID string         `json:"provider_id"`
	Model      string         `json:"model"`
	Prompt     string         `json:"prompt,omitempty"`
	MaxTokens  int            `json:"max_tokens,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Usage is the token accounting a provider reports for one response.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// SystemResponse is the normalized provider reply.
type SystemResponse struct {
	Content  string         `json:"content"`
	Model    string         `json:"model"`
	Usage    Usage          `json:"usage"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Capabilities advertises what an adapter's upstream supports.
type Capabilities struct {
	SupportsStreaming  bool           `json:"supports_streaming"`
	SupportsTools      bool           `json:"supports_tools"`
	SupportsImages     bool           `json:"supports_images"`
	MaxTokens          int            `json:"max_tokens,omitempty"`
	RateLimitPerMinute int            `json:"rate_limit_per_minute,omitempty"`
	Custom             map[string]any `json:"custom,omitempty"`
}

// Health is a point-in-time adapter health report.
type Health struct {
	Status    string    `json:"status"` // "ok", "degraded", "down"
	LastCheck time.Time `json:"last_check"`
}

// ErrorCategory classifies an adapter failure for retry decisions.
type ErrorCategory string

const (
	CategoryProviderError       ErrorCategory = "provider_error"
	CategoryRateLimit           ErrorCategory = "rate_limit"
	CategoryProviderUnavailable ErrorCategory = "provider_unavailable"
	CategoryAuthentication      ErrorCategory = "authentication_error"
	CategoryValidation          ErrorCategory = "validation_error"
)

// DomainError is an adapter-mapped provider failure. Retryable is advisory;
// the router treats it as permission to pick a different key.
type DomainError struct {
	Category  ErrorCategory
	Message   string
	Retryable bool

	// RetryAfter carries the provider's advertised backoff when known.
	RetryAfter time.Duration
}

func (e *DomainError) Error() string {
	return fmt.Sprintf("%s: %s (retryable=%t)", e.Category, e.Message, e.Retryable)
}

// Adapter is what the routing core consumes per provider. Execute receives
// decrypted key material for exactly one call and must not retain it.
type Adapter interface {
	Execute(ctx context.Context, intent Intent, keyMaterial string) (*SystemResponse, error)
	Normalize(raw []byte) (*SystemResponse, error)
	MapError(err error) *DomainError
	Capabilities() Capabilities
	EstimateCost(intent Intent) (store.CostEstimate, error)
	Health(ctx context.Context) Health
}
