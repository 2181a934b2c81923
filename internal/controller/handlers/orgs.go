package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"flowplane/internal/auth"
	"flowplane/internal/store"
	"flowplane/pkg/api"

	"github.com/google/uuid"
)

// CreateOrg handles POST /v1/orgs (Admin Only).
// It generates a new API Key, hashes it for storage, and returns the raw key ONCE.
func (h *Handlers) CreateOrg(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req api.CreateOrgRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.httpError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if req.Name == "" {
		h.httpError(w, "Name is required", http.StatusBadRequest)
		return
	}

	apiKey, err := auth.GenerateKey()
	if err != nil {
		h.httpError(w, "Entropy failure", http.StatusInternalServerError)
		return
	}
	hashedKey := auth.HashKey(apiKey)

	org := &store.Org{
		ID:        uuid.New(),
		Name:      req.Name,
		CreatedAt: time.Now(),
	}

	if err := h.store.CreateOrg(ctx, org, hashedKey); err != nil {
		h.httpError(w, "Failed to create org", http.StatusInternalServerError)
		return
	}

	// Return the Raw Key (This is the only time the user sees it)
	resp := api.CreateOrgResponse{
		ID:     org.ID.String(),
		Name:   org.Name,
		APIKey: apiKey,
	}
	h.respondJson(w, http.StatusCreated, resp)
}
