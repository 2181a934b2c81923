package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"flowplane/internal/controller/middleware"
	"flowplane/internal/store"
	"flowplane/pkg/api"

	"github.com/google/uuid"
)

// CreateJob handles POST /v1/jobs.
// It saves a declarative job definition plus its dataset edges. The
// edges declared here are the only data the job's tasks will ever be
// granted access to.
func (h *Handlers) CreateJob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req api.CreateJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.httpError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if req.Name == "" || req.Operator == "" {
		h.httpError(w, "Name and Operator are required", http.StatusBadRequest)
		return
	}

	trust := store.TrustClass(req.TrustClass)
	if trust != store.TrustTrustedOperator && trust != store.TrustUntrustedBundle {
		h.httpError(w, "Invalid trust class", http.StatusBadRequest)
		return
	}
	strategy := store.UpdateStrategy(req.UpdateStrategy)
	if strategy != store.UpdateReplace && strategy != store.UpdateAppend {
		h.httpError(w, "Invalid update strategy", http.StatusBadRequest)
		return
	}

	orgID, ok := middleware.OrgIDFromContext(ctx)
	if !ok {
		h.httpError(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	maxAttempts := req.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}

	jobID := uuid.New()
	job := &store.Job{
		ID:             jobID,
		OrgID:          orgID,
		Name:           req.Name,
		GraphVersion:   1,
		Operator:       req.Operator,
		Command:        req.Command,
		TrustClass:     trust,
		UpdateStrategy: strategy,
		MaxAttempts:    maxAttempts,
		LeaseDuration:  time.Duration(req.LeaseDurationSecs) * time.Second,
		Timeout:        time.Duration(req.TimeoutSecs) * time.Second,
		MaxQueued:      req.MaxQueued,
		CreatedAt:      time.Now().UTC(),
	}

	edges, err := h.buildEdges(r, jobID, orgID, req.InputDatasets, req.OutputDatasets)
	if err != nil {
		h.httpError(w, err.Error(), http.StatusBadRequest)
		return
	}

	tx, err := h.store.BeginTx(ctx)
	if err != nil {
		h.httpError(w, "Internal database error", http.StatusInternalServerError)
		return
	}
	defer tx.Rollback()

	if err := h.store.CreateJob(ctx, tx, job, edges); err != nil {
		h.httpError(w, "Failed to create job", http.StatusInternalServerError)
		return
	}

	if err := tx.Commit(); err != nil {
		h.httpError(w, "Failed to commit transaction", http.StatusInternalServerError)
		return
	}

	h.respondJson(w, http.StatusOK, api.CreateJobResponse{JobID: jobID.String()})
}

// buildEdges parses and authorizes the declared dataset edges. Every
// referenced dataset must exist and belong to the caller's org.
func (h *Handlers) buildEdges(r *http.Request, jobID, orgID uuid.UUID, inputs, outputs []string) ([]store.JobEdge, error) {
	ctx := r.Context()
	edges := make([]store.JobEdge, 0, len(inputs)+len(outputs))

	add := func(idStr string, direction store.EdgeDirection) error {
		datasetID, err := uuid.Parse(idStr)
		if err != nil {
			return fmt.Errorf("invalid dataset id: %s", idStr)
		}
		ds, err := h.store.GetDatasetByID(ctx, datasetID)
		if err != nil || ds.OrgID != orgID {
			return fmt.Errorf("unknown dataset: %s", idStr)
		}
		edges = append(edges, store.JobEdge{
			JobID:     jobID,
			DatasetID: datasetID,
			Direction: direction,
		})
		return nil
	}

	for _, id := range inputs {
		if err := add(id, store.EdgeIn); err != nil {
			return nil, err
		}
	}
	for _, id := range outputs {
		if err := add(id, store.EdgeOut); err != nil {
			return nil, err
		}
	}
	return edges, nil
}

// TriggerJob handles POST /v1/jobs/{id}/trigger.
// Creates a queued task for the job. With a dedupe key the call is
// idempotent: retriggering returns the existing task.
func (h *Handlers) TriggerJob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	jobID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		h.httpError(w, "Invalid job id", http.StatusBadRequest)
		return
	}

	orgID, ok := middleware.OrgIDFromContext(ctx)
	if !ok {
		h.httpError(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	job, err := h.store.GetJobByID(ctx, jobID)
	if err != nil || job.OrgID != orgID {
		h.httpError(w, "Related job not found", http.StatusNotFound)
		return
	}

	var req api.TriggerJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		h.httpError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	task, created, err := h.lifecycle.Create(ctx, jobID, req.DedupeKey, req.Payload)
	if err != nil {
		h.domainError(w, err)
		return
	}

	h.respondJson(w, http.StatusOK, api.TriggerJobResponse{
		TaskID:  task.ID.String(),
		Created: created,
	})
}
