// Package anthropic adapts the Anthropic messages API to the provider
// contract.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/jordanhubbard/keyrouter/internal/provider"
	"github.com/jordanhubbard/keyrouter/internal/store"
)

const (
	defaultBaseURL  = "https://api.anthropic.com"
	anthropicAPIVer = "2023-06-01"
	defaultMaxTok   = 1024
)

var prices = map[string]provider.ModelPrice{
	"claude-3-opus":   {InputPer1K: provider.USD("0.015"), OutputPer1K: provider.USD("0.075")},
	"claude-3-sonnet": {InputPer1K: provider.USD("0.003"), OutputPer1K: provider.USD("0.015")},
	"claude-3-haiku":  {InputPer1K: provider.USD("0.00025"), OutputPer1K: provider.USD("0.00125")},
}

// Adapter implements provider.Adapter for Anthropic.
type Adapter struct {
	baseURL string
	client  *http.Client
}

// New creates an Anthropic adapter. An empty baseURL targets the public API.
func New(baseURL string) *Adapter {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Adapter{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 60 * time.Second},
	}
}

func (a *Adapter) Execute(ctx context.Context, intent provider.Intent, keyMaterial string) (*provider.SystemResponse, error) {
	maxTokens := intent.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTok
	}
	payload := map[string]any{
		"model":      intent.Model,
		"max_tokens": maxTokens,
		"messages": []map[string]string{
			{"role": "user", "content": intent.Prompt},
		},
	}

	body, err := provider.DoRequest(ctx, a.client, a.baseURL+"/v1/messages", payload, map[string]string{
		"x-api-key":         keyMaterial,
		"anthropic-version": anthropicAPIVer,
	})
	if err != nil {
		return nil, err
	}
	return a.Normalize(body)
}

// messagesResponse is the subset of the messages reply we consume.
type messagesResponse struct {
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

func (a *Adapter) Normalize(raw []byte) (*provider.SystemResponse, error) {
	var resp messagesResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("decode anthropic response: %w", err)
	}
	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if text.Len() == 0 {
		return nil, errors.New("anthropic response has no text content")
	}
	return &provider.SystemResponse{
		Content: text.String(),
		Model:   resp.Model,
		Usage: provider.Usage{
			InputTokens:  resp.Usage.InputTokens,
			OutputTokens: resp.Usage.OutputTokens,
			TotalTokens:  resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
	}, nil
}

func (a *Adapter) MapError(err error) *provider.DomainError {
	de := provider.ClassifyHTTPError(err)
	var se *provider.StatusError
	if errors.As(err, &se) && se.StatusCode == 529 {
		// Anthropic's overloaded status.
		de.Category = provider.CategoryProviderUnavailable
		de.Retryable = true
		de.Message = "provider overloaded"
	}
	return de
}

func (a *Adapter) Capabilities() provider.Capabilities {
	return provider.Capabilities{
		SupportsStreaming: true,
		SupportsTools:     true,
		SupportsImages:    true,
		MaxTokens:         200000,
	}
}

func (a *Adapter) EstimateCost(intent provider.Intent) (store.CostEstimate, error) {
	return provider.EstimateFromTable(intent, prices, "claude-3-haiku")
}

func (a *Adapter) Health(_ context.Context) provider.Health {
	return provider.Health{Status: "ok", LastCheck: time.Now().UTC()}
}
