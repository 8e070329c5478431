package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/jordanhubbard/keyrouter/internal/store"
)

// BudgetCreateBody is the JSON body for POST /v1/budgets. Limit is a decimal
// string; floats are rejected to keep money exact.
type BudgetCreateBody struct {
	Scope       string `json:"scope"`
	ScopeID     string `json:"scope_id,omitempty"`
	Limit       string `json:"limit"`
	Period      string `json:"period"`
	Enforcement string `json:"enforcement,omitempty"`
}

func BudgetsCreateHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body BudgetCreateBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			jsonError(w, "bad json", http.StatusBadRequest)
			return
		}
		limit, err := decimal.NewFromString(body.Limit)
		if err != nil {
			jsonError(w, "limit must be a decimal string", http.StatusBadRequest)
			return
		}

		b, err := d.Cost.CreateBudget(r.Context(),
			store.BudgetScope(body.Scope), limit,
			store.TimeWindow(body.Period), body.ScopeID,
			store.EnforcementMode(body.Enforcement))
		if err != nil {
			jsonError(w, err.Error(), http.StatusBadRequest)
			return
		}
		writeJSON(w, http.StatusCreated, b)
	}
}

func BudgetsListHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		list, err := d.Store.ListBudgets(r.Context())
		if err != nil {
			jsonError(w, "list failed", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"budgets": list})
	}
}

func BudgetsGetHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		b, err := d.Store.GetBudget(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			jsonError(w, "lookup failed", http.StatusInternalServerError)
			return
		}
		if b == nil {
			jsonError(w, "budget not found", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"budget":      b,
			"remaining":   b.Remaining().String(),
			"utilization": b.Utilization(),
		})
	}
}

// BudgetSpendBody records out-of-band spend against a budget.
type BudgetSpendBody struct {
	Amount string `json:"amount"`
}

func BudgetsSpendHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body BudgetSpendBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			jsonError(w, "bad json", http.StatusBadRequest)
			return
		}
		amount, err := decimal.NewFromString(body.Amount)
		if err != nil {
			jsonError(w, "amount must be a decimal string", http.StatusBadRequest)
			return
		}

		b, err := d.Cost.UpdateSpending(r.Context(), chi.URLParam(r, "id"), amount)
		if err != nil {
			jsonError(w, err.Error(), http.StatusBadRequest)
			return
		}
		writeJSON(w, http.StatusOK, b)
	}
}
