package httpapi

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/jordanhubbard/keyrouter/internal/routing"
	"github.com/jordanhubbard/keyrouter/internal/store"
)

const defaultQueryLimit = 100

func queryLimit(r *http.Request) int {
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			return n
		}
	}
	return defaultQueryLimit
}

// DecisionsListHandler returns recent routing decisions, newest first.
// Filters: ?provider=, ?key=, ?limit=.
func DecisionsListHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := d.Store.QueryState(r.Context(), store.StateQuery{
			EntityType: store.EntityDecision,
			ProviderID: r.URL.Query().Get("provider"),
			KeyID:      r.URL.Query().Get("key"),
			Limit:      queryLimit(r),
		})
		if err != nil {
			jsonError(w, "query failed", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"decisions": res.Decisions})
	}
}

// DecisionReportHandler renders the human-readable report for the newest
// decision carrying the given request id.
func DecisionReportHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		requestID := chi.URLParam(r, "requestID")
		res, err := d.Store.QueryState(r.Context(), store.StateQuery{
			EntityType: store.EntityDecision,
		})
		if err != nil {
			jsonError(w, "query failed", http.StatusInternalServerError)
			return
		}
		for i := range res.Decisions {
			if res.Decisions[i].RequestID == requestID {
				w.Header().Set("Content-Type", "text/plain; charset=utf-8")
				_, _ = w.Write([]byte(routing.ExplainDecision(&res.Decisions[i])))
				return
			}
		}
		jsonError(w, "decision not found", http.StatusNotFound)
	}
}

// ReconciliationsHandler lists cost reconciliations, newest first.
// Filters: ?provider=, ?key=, ?request=, ?limit=.
func ReconciliationsHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		recs, err := d.Store.QueryReconciliations(r.Context(), store.ReconciliationQuery{
			ProviderID: r.URL.Query().Get("provider"),
			KeyID:      r.URL.Query().Get("key"),
			RequestID:  r.URL.Query().Get("request"),
			Limit:      queryLimit(r),
		})
		if err != nil {
			jsonError(w, "query failed", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"reconciliations": recs})
	}
}
