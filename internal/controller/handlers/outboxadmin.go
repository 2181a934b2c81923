package handlers

import (
	"net/http"
	"strconv"

	"flowplane/pkg/api"
)

// ListFailedOutbox handles GET /v1/outbox/failed.
// Entries land here after the drainer exhausts its retry budget; they
// need operator attention, not silent retry.
func (h *Handlers) ListFailedOutbox(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 || parsed > 500 {
			h.httpError(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		limit = parsed
	}

	entries, err := h.store.ListFailedOutbox(ctx, limit)
	if err != nil {
		h.httpError(w, "Failed to list outbox", http.StatusInternalServerError)
		return
	}

	resp := api.ListOutboxResponse{Entries: make([]api.OutboxEntryResponse, 0, len(entries))}
	for _, e := range entries {
		resp.Entries = append(resp.Entries, api.OutboxEntryResponse{
			ID:        e.ID,
			Kind:      string(e.Kind),
			Payload:   e.Payload,
			Attempts:  e.Attempts,
			LastError: e.LastError,
			CreatedAt: e.CreatedAt,
		})
	}
	h.respondJson(w, http.StatusOK, resp)
}

// RetryOutbox handles POST /v1/outbox/{id}/retry.
// Re-admits a failed entry with a fresh attempt budget.
func (h *Handlers) RetryOutbox(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		h.httpError(w, "Invalid outbox id", http.StatusBadRequest)
		return
	}

	if err := h.store.RetryOutbox(ctx, id); err != nil {
		h.domainError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}
