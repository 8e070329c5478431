// Package httpapi exposes the routing engine over HTTP: the route endpoint,
// key and budget management, decision inspection, and the live event stream.
package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/jordanhubbard/keyrouter/internal/cost"
	"github.com/jordanhubbard/keyrouter/internal/idempotency"
	"github.com/jordanhubbard/keyrouter/internal/keys"
	"github.com/jordanhubbard/keyrouter/internal/metrics"
	"github.com/jordanhubbard/keyrouter/internal/obs"
	"github.com/jordanhubbard/keyrouter/internal/quota"
	"github.com/jordanhubbard/keyrouter/internal/ratelimit"
	"github.com/jordanhubbard/keyrouter/internal/router"
	"github.com/jordanhubbard/keyrouter/internal/store"
)

// Dependencies carries the components the handlers operate on. Optional ones
// are nil-checked at mount time.
type Dependencies struct {
	Router  *router.Router
	Keys    *keys.Manager
	Quota   *quota.Engine
	Cost    *cost.Controller
	Store   store.Store
	Metrics *metrics.Registry
	Bus     *obs.Bus

	// RateLimiter guards the route endpoint; nil disables limiting.
	RateLimiter *ratelimit.Limiter
	// Idempotency replays cached responses for repeated Idempotency-Key
	// headers; nil disables.
	Idempotency *idempotency.Cache
}

// MountRoutes attaches all handlers to the given chi router.
func MountRoutes(r chi.Router, d Dependencies) {
	r.Get("/healthz", healthHandler(d))

	r.Route("/v1", func(r chi.Router) {
		if d.RateLimiter != nil {
			r.Use(d.RateLimiter.Middleware)
		}

		r.Group(func(r chi.Router) {
			if d.Idempotency != nil {
				r.Use(idempotency.Middleware(d.Idempotency))
			}
			r.Post("/route", RouteHandler(d))
		})

		r.Get("/providers", ProvidersListHandler(d))

		r.Post("/keys", KeysCreateHandler(d))
		r.Get("/keys", KeysListHandler(d))
		r.Get("/keys/{id}", KeysGetHandler(d))
		r.Post("/keys/{id}/rotate", KeysRotateHandler(d))
		r.Delete("/keys/{id}", KeysRevokeHandler(d))
		r.Get("/keys/{id}/quota", QuotaGetHandler(d))
		r.Get("/keys/{id}/prediction", PredictionHandler(d))

		r.Post("/budgets", BudgetsCreateHandler(d))
		r.Get("/budgets", BudgetsListHandler(d))
		r.Get("/budgets/{id}", BudgetsGetHandler(d))
		r.Post("/budgets/{id}/spend", BudgetsSpendHandler(d))

		r.Get("/decisions", DecisionsListHandler(d))
		r.Get("/decisions/{requestID}/report", DecisionReportHandler(d))
		r.Get("/reconciliations", ReconciliationsHandler(d))

		if d.Bus != nil {
			r.Get("/events", SSEHandler(d.Bus))
		}
	})

	if d.Metrics != nil {
		r.Handle("/metrics", d.Metrics.Handler())
	}
}

func healthHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		providers := d.Router.Providers()
		w.Header().Set("Content-Type", "application/json")
		if len(providers) == 0 {
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"status":    "unhealthy",
				"providers": 0,
			})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":    "ok",
			"providers": len(providers),
		})
	}
}

// jsonError writes a JSON error body: {"error": "<msg>"}.
func jsonError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
