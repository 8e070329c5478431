package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/jordanhubbard/keyrouter/internal/cost"
	"github.com/jordanhubbard/keyrouter/internal/provider"
	"github.com/jordanhubbard/keyrouter/internal/router"
	"github.com/jordanhubbard/keyrouter/internal/routing"
	"github.com/jordanhubbard/keyrouter/internal/store"
)

// RouteRequestBody is the JSON body for POST /v1/route.
type RouteRequestBody struct {
	ProviderID string         `json:"provider_id"`
	Model      string         `json:"model"`
	Prompt     string         `json:"prompt"`
	MaxTokens  int            `json:"max_tokens,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`

	Objective *ObjectiveBody `json:"objective,omitempty"`
}

// ObjectiveBody mirrors store.RoutingObjective for the wire.
type ObjectiveBody struct {
	Primary   string             `json:"primary"`
	Secondary []string           `json:"secondary,omitempty"`
	Weights   map[string]float64 `json:"weights,omitempty"`
}

// RouteResponseBody is the JSON reply for POST /v1/route.
type RouteResponseBody struct {
	Content  string         `json:"content"`
	Model    string         `json:"model"`
	Usage    provider.Usage `json:"usage"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

func (b *ObjectiveBody) toObjective() *store.RoutingObjective {
	if b == nil {
		return nil
	}
	obj := store.RoutingObjective{Primary: store.ObjectiveType(b.Primary)}
	for _, s := range b.Secondary {
		obj.Secondary = append(obj.Secondary, store.ObjectiveType(s))
	}
	if len(b.Weights) > 0 {
		obj.Weights = make(map[store.ObjectiveType]float64, len(b.Weights))
		for k, v := range b.Weights {
			obj.Weights[store.ObjectiveType(k)] = v
		}
	}
	return &obj
}

// RouteHandler executes one request through the best available key.
func RouteHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body RouteRequestBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			jsonError(w, "bad json", http.StatusBadRequest)
			return
		}
		if body.ProviderID == "" {
			jsonError(w, "provider_id required", http.StatusBadRequest)
			return
		}
		if body.Prompt == "" {
			jsonError(w, "prompt required", http.StatusBadRequest)
			return
		}

		intent := provider.Intent{
			ProviderID: body.ProviderID,
			Model:      body.Model,
			Prompt:     body.Prompt,
			MaxTokens:  body.MaxTokens,
			Metadata:   body.Metadata,
		}
		resp, err := d.Router.Route(r.Context(), intent, body.Objective.toObjective())
		if err != nil {
			status := routeErrorStatus(err)
			jsonError(w, err.Error(), status)
			return
		}

		writeJSON(w, http.StatusOK, RouteResponseBody{
			Content:  resp.Content,
			Model:    resp.Model,
			Usage:    resp.Usage,
			Metadata: resp.Metadata,
		})
	}
}

// routeErrorStatus maps routing failures to HTTP status codes without leaking
// provider internals.
func routeErrorStatus(err error) int {
	var nek *routing.NoEligibleKeysError
	if errors.As(err, &nek) {
		return http.StatusServiceUnavailable
	}
	var ive *routing.ValidationError
	if errors.As(err, &ive) {
		return http.StatusBadRequest
	}
	var bee *cost.BudgetExceededError
	if errors.As(err, &bee) {
		return http.StatusPaymentRequired
	}
	if errors.Is(err, router.ErrProviderNotRegistered) {
		return http.StatusNotFound
	}
	var de *provider.DomainError
	if errors.As(err, &de) {
		switch de.Category {
		case provider.CategoryRateLimit:
			return http.StatusTooManyRequests
		case provider.CategoryAuthentication:
			return http.StatusBadGateway
		case provider.CategoryValidation:
			return http.StatusBadRequest
		default:
			return http.StatusBadGateway
		}
	}
	return http.StatusBadGateway
}

// ProvidersListHandler lists registered provider ids.
func ProvidersListHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"providers": d.Router.Providers()})
	}
}
