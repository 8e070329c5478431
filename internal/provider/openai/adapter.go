// Package openai adapts the OpenAI chat completions API to the provider
// contract.
package openai

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

const defaultBaseURL = "https://api.openai.com"

var prices = map[string]provider.ModelPrice{
	"gpt-4":         {InputPer1K: provider.USD("0.03"), OutputPer1K: provider.USD("0.06")},
	"gpt-4-turbo":   {InputPer1K: provider.USD("0.01"), OutputPer1K: provider.USD("0.03")},
	"gpt-4o":        {InputPer1K: provider.USD("0.005"), OutputPer1K: provider.USD("0.015")},
	"gpt-3.5-turbo": {InputPer1K: provider.USD("0.0005"), OutputPer1K: provider.USD("0.0015")},
}

// Adapter implements provider.Adapter for OpenAI.
type Adapter struct {
	baseURL string
	client  *http.Client
}

// New creates an OpenAI adapter. An empty baseURL targets the public API.
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
	payload := map[string]any{
		"model": intent.Model,
		"messages": []map[string]string{
			{"role": "user", "content": intent.Prompt},
		},
	}
	if intent.MaxTokens > 0 {
		payload["max_tokens"] = intent.MaxTokens
	}

	body, err := provider.DoRequest(ctx, a.client, a.baseURL+"/v1/chat/completions", payload, map[string]string{
		"Authorization": "Bearer " + keyMaterial,
	})
	if err != nil {
		return nil, err
	}
	return a.Normalize(body)
}

// chatResponse is the subset of the completions reply we consume.
type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

func (a *Adapter) Normalize(raw []byte) (*provider.SystemResponse, error) {
	var resp chatResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("decode openai response: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("openai response has no choices")
	}
	return &provider.SystemResponse{
		Content: resp.Choices[0].Message.Content,
		Model:   resp.Model,
		Usage: provider.Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
			TotalTokens:  resp.Usage.TotalTokens,
		},
	}, nil
}

func (a *Adapter) MapError(err error) *provider.DomainError {
	de := provider.ClassifyHTTPError(err)
	var se *provider.StatusError
	if errors.As(err, &se) && strings.Contains(se.Body, "context_length_exceeded") {
		de.Category = provider.CategoryValidation
		de.Retryable = false
		de.Message = "context length exceeded"
	}
	return de
}

func (a *Adapter) Capabilities() provider.Capabilities {
	return provider.Capabilities{
		SupportsStreaming: true,
		SupportsTools:     true,
		SupportsImages:    true,
		MaxTokens:         128000,
	}
}

func (a *Adapter) EstimateCost(intent provider.Intent) (store.CostEstimate, error) {
	return provider.EstimateFromTable(intent, prices, "gpt-3.5-turbo")
}

func (a *Adapter) Health(_ context.Context) provider.Health {
	return provider.Health{Status: "ok", LastCheck: time.Now().UTC()}
}
