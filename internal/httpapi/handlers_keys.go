package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/jordanhubbard/keyrouter/internal/keys"
	"github.com/jordanhubbard/keyrouter/internal/router"
)

// KeyCreateBody is the JSON body for POST /v1/keys. Material never appears
// in any response.
type KeyCreateBody struct {
	Material   string         `json:"material"`
	ProviderID string         `json:"provider_id"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// KeysCreateHandler registers a key for an already-registered provider.
func KeysCreateHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body KeyCreateBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			jsonError(w, "bad json", http.StatusBadRequest)
			return
		}

		k, err := d.Router.RegisterKey(r.Context(), body.Material, body.ProviderID, body.Metadata)
		if err != nil {
			if errors.Is(err, router.ErrProviderNotRegistered) {
				jsonError(w, err.Error(), http.StatusNotFound)
				return
			}
			// Validation problems surface verbatim; they never carry material.
			jsonError(w, err.Error(), http.StatusBadRequest)
			return
		}
		writeJSON(w, http.StatusCreated, k)
	}
}

// KeysListHandler lists keys, optionally filtered by ?provider=.
func KeysListHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		list, err := d.Keys.List(r.Context(), r.URL.Query().Get("provider"))
		if err != nil {
			jsonError(w, "list failed", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"keys": list})
	}
}

func KeysGetHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		k, err := d.Keys.Get(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			if errors.Is(err, keys.ErrKeyNotFound) {
				jsonError(w, "key not found", http.StatusNotFound)
				return
			}
			jsonError(w, "lookup failed", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, k)
	}
}

// KeyRotateBody is the JSON body for POST /v1/keys/{id}/rotate.
type KeyRotateBody struct {
	Material string `json:"material"`
}

func KeysRotateHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body KeyRotateBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			jsonError(w, "bad json", http.StatusBadRequest)
			return
		}

		k, err := d.Keys.Rotate(r.Context(), chi.URLParam(r, "id"), body.Material)
		if err != nil {
			if errors.Is(err, keys.ErrKeyNotFound) {
				jsonError(w, "key not found", http.StatusNotFound)
				return
			}
			jsonError(w, err.Error(), http.StatusBadRequest)
			return
		}
		writeJSON(w, http.StatusOK, k)
	}
}

func KeysRevokeHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := d.Keys.Revoke(r.Context(), chi.URLParam(r, "id")); err != nil {
			if errors.Is(err, keys.ErrKeyNotFound) {
				jsonError(w, "key not found", http.StatusNotFound)
				return
			}
			jsonError(w, err.Error(), http.StatusConflict)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// QuotaGetHandler returns the current quota window for a key, initializing
// an optimistic default when none is tracked yet.
func QuotaGetHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		keyID := chi.URLParam(r, "id")
		if _, err := d.Keys.Get(r.Context(), keyID); err != nil {
			jsonError(w, "key not found", http.StatusNotFound)
			return
		}
		qs, err := d.Quota.GetQuotaState(r.Context(), keyID)
		if err != nil {
			jsonError(w, "quota lookup failed", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, qs)
	}
}

// PredictionHandler returns the exhaustion forecast for a key; 204 when there
// is not enough history to predict.
func PredictionHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		keyID := chi.URLParam(r, "id")
		if _, err := d.Keys.Get(r.Context(), keyID); err != nil {
			jsonError(w, "key not found", http.StatusNotFound)
			return
		}
		p, err := d.Quota.PredictExhaustion(r.Context(), keyID)
		if err != nil {
			jsonError(w, "prediction failed", http.StatusInternalServerError)
			return
		}
		if p == nil {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		writeJSON(w, http.StatusOK, p)
	}
}
