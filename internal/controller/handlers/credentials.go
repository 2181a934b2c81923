package handlers

import (
	"encoding/json"
	"net/http"

	"flowplane/internal/controller/middleware"
	"flowplane/pkg/api"
)

// MintCredentials handles POST /v1/credentials.
// Exchanges the attempt's capability token for short-lived storage
// credentials covering exactly the wanted prefixes. The wanted set must
// be a subset of the token's grants; excess is rejected, not narrowed.
func (h *Handlers) MintCredentials(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	claims, ok := middleware.CapClaimsFromContext(ctx)
	if !ok {
		h.httpError(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var req api.CredentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.httpError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if len(req.WantedPrefixes) == 0 {
		h.httpError(w, "wanted_prefixes is required", http.StatusBadRequest)
		return
	}

	creds, err := h.creds.Request(ctx, claims.Grants, req.WantedPrefixes)
	if err != nil {
		h.domainError(w, err)
		return
	}

	h.respondJson(w, http.StatusOK, api.CredentialsResponse{
		AccessKey:    creds.AccessKey,
		SecretKey:    creds.SecretKey,
		SessionToken: creds.SessionToken,
		ExpiresAt:    creds.ExpiresAt,
	})
}
