package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"flowplane/internal/controller/middleware"
	"flowplane/internal/store"
	"flowplane/pkg/api"

	"github.com/google/uuid"
)

// CreateDataset handles POST /v1/datasets.
// Registers a stable, named logical output owned by the caller's org.
func (h *Handlers) CreateDataset(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req api.CreateDatasetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.httpError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.Name == "" {
		h.httpError(w, "Name is required", http.StatusBadRequest)
		return
	}

	orgID, ok := middleware.OrgIDFromContext(ctx)
	if !ok {
		h.httpError(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	ds := &store.Dataset{
		ID:        uuid.New(),
		OrgID:     orgID,
		Name:      req.Name,
		CreatedAt: time.Now().UTC(),
	}

	tx, err := h.store.BeginTx(ctx)
	if err != nil {
		h.httpError(w, "Internal database error", http.StatusInternalServerError)
		return
	}
	defer tx.Rollback()

	if err := h.store.CreateDataset(ctx, tx, ds); err != nil {
		h.httpError(w, "Failed to create dataset", http.StatusInternalServerError)
		return
	}
	if err := tx.Commit(); err != nil {
		h.httpError(w, "Failed to commit transaction", http.StatusInternalServerError)
		return
	}

	h.respondJson(w, http.StatusOK, api.CreateDatasetResponse{DatasetID: ds.ID.String()})
}

// GetDataset handles GET /v1/datasets/{id}.
func (h *Handlers) GetDataset(w http.ResponseWriter, r *http.Request) {
	ds, ok := h.datasetForOrg(w, r)
	if !ok {
		return
	}

	resp := api.DatasetResponse{
		ID:   ds.ID.String(),
		Name: ds.Name,
	}
	if ds.CurrentVersionID != nil {
		id := ds.CurrentVersionID.String()
		resp.CurrentVersionID = &id
	}
	h.respondJson(w, http.StatusOK, resp)
}

// ListVersions handles GET /v1/datasets/{id}/versions.
// Versions are returned newest first.
func (h *Handlers) ListVersions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	ds, ok := h.datasetForOrg(w, r)
	if !ok {
		return
	}

	versions, err := h.store.ListVersions(ctx, ds.ID, 100)
	if err != nil {
		h.httpError(w, "Failed to list versions", http.StatusInternalServerError)
		return
	}

	resp := api.ListVersionsResponse{Versions: make([]api.DatasetVersionResponse, 0, len(versions))}
	for _, v := range versions {
		resp.Versions = append(resp.Versions, api.DatasetVersionResponse{
			ID:              v.ID.String(),
			ConfigHash:      v.ConfigHash,
			RangeKey:        v.RangeKey,
			StorageLocation: v.StorageLocation,
			TaskID:          v.TaskID.String(),
			Attempt:         v.Attempt,
			CreatedAt:       v.CreatedAt,
		})
	}
	h.respondJson(w, http.StatusOK, resp)
}

// PurgeVersion handles DELETE /v1/datasets/{id}/versions/{vid}.
// Administrative removal of a superseded version; the current version
// is never purged.
func (h *Handlers) PurgeVersion(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	ds, ok := h.datasetForOrg(w, r)
	if !ok {
		return
	}

	versionID, err := uuid.Parse(r.PathValue("vid"))
	if err != nil {
		h.httpError(w, "Invalid version id", http.StatusBadRequest)
		return
	}

	version, err := h.store.GetVersionByID(ctx, versionID)
	if err != nil || version.DatasetID != ds.ID {
		h.httpError(w, "Version not found", http.StatusNotFound)
		return
	}

	if err := h.store.PurgeVersion(ctx, versionID); err != nil {
		h.domainError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// datasetForOrg loads the dataset in the path and enforces org scoping.
func (h *Handlers) datasetForOrg(w http.ResponseWriter, r *http.Request) (*store.Dataset, bool) {
	datasetID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		h.httpError(w, "Invalid dataset id", http.StatusBadRequest)
		return nil, false
	}

	orgID, ok := middleware.OrgIDFromContext(r.Context())
	if !ok {
		h.httpError(w, "Unauthorized", http.StatusUnauthorized)
		return nil, false
	}

	ds, err := h.store.GetDatasetByID(r.Context(), datasetID)
	if err != nil || ds.OrgID != orgID {
		h.httpError(w, "Dataset not found", http.StatusNotFound)
		return nil, false
	}
	return ds, true
}
