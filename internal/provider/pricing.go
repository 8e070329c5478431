package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/shopspring/decimal"

	"github.com/jordanhubbard/keyrouter/internal/store"
)

const defaultOutputTokens = 500

// ModelPrice holds per-1000-token prices in USD for one model.
type ModelPrice struct {
	InputPer1K  decimal.Decimal
	OutputPer1K decimal.Decimal
}

// USD builds a decimal price from a string literal, panicking on typos at
// package init.
func USD(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// EstimateTokens approximates input tokens from prompt length (~4 chars per
// token) and takes the intent's max_tokens as the output estimate.
func EstimateTokens(intent Intent) (input, output int) {
	input = len(intent.Prompt) / 4
	if input < 1 {
		input = 1
	}
	output = intent.MaxTokens
	if output <= 0 {
		output = defaultOutputTokens
	}
	return input, output
}

// EstimateFromTable prices an intent against a static model price table.
// Unknown models fall back to the named default model's prices at reduced
// confidence.
func EstimateFromTable(intent Intent, table map[string]ModelPrice, defaultModel string) (store.CostEstimate, error) {
	price, ok := table[intent.Model]
	confidence := 0.7
	if !ok {
		price, ok = table[defaultModel]
		if !ok {
			return store.CostEstimate{}, fmt.Errorf("no price for model %q", intent.Model)
		}
		confidence = 0.4
	}

	input, output := EstimateTokens(intent)
	thousand := decimal.NewFromInt(1000)
	amount := price.InputPer1K.Mul(decimal.NewFromInt(int64(input))).Div(thousand).
		Add(price.OutputPer1K.Mul(decimal.NewFromInt(int64(output))).Div(thousand))

	return store.CostEstimate{
		Amount:       amount,
		Currency:     "USD",
		Confidence:   confidence,
		Method:       "model_price_table",
		InputTokens:  input,
		OutputTokens: output,
	}, nil
}

// ClassifyHTTPError maps transport and status errors to a DomainError.
// Adapters layer provider-specific refinements on top.
func ClassifyHTTPError(err error) *DomainError {
	var se *StatusError
	if errors.As(err, &se) {
		de := &DomainError{Message: fmt.Sprintf("provider returned status %d", se.StatusCode)}
		switch {
		case se.StatusCode == 429:
			de.Category = CategoryRateLimit
			de.Retryable = true
			de.RetryAfter = time.Duration(se.RetryAfterSecs) * time.Second
		case se.StatusCode >= 500:
			de.Category = CategoryProviderUnavailable
			de.Retryable = true
		case se.StatusCode == 401 || se.StatusCode == 403:
			de.Category = CategoryAuthentication
		case se.StatusCode == 400 || se.StatusCode == 422:
			de.Category = CategoryValidation
		default:
			de.Category = CategoryProviderError
		}
		return de
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return &DomainError{
			Category:  CategoryProviderUnavailable,
			Message:   "provider unreachable",
			Retryable: true,
		}
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &DomainError{Category: CategoryProviderUnavailable, Message: "request cancelled", Retryable: false}
	}
	return &DomainError{Category: CategoryProviderError, Message: "provider request failed"}
}
