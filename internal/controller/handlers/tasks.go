package handlers

import (
	"encoding/json"
	"net/http"

	"flowplane/internal/controller/middleware"
	"flowplane/internal/lifecycle"
	"flowplane/internal/store"
	"flowplane/pkg/api"

	"github.com/google/uuid"
)

// GetTask handles GET /v1/tasks/{id}.
// Returns the current status and attempt of a task.
func (h *Handlers) GetTask(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	taskID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		h.httpError(w, "Invalid task id", http.StatusBadRequest)
		return
	}

	orgID, ok := middleware.OrgIDFromContext(ctx)
	if !ok {
		h.httpError(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	task, err := h.store.GetTaskByID(ctx, taskID)
	if err != nil || task.OrgID != orgID {
		h.httpError(w, "Task not found", http.StatusNotFound)
		return
	}

	h.respondJson(w, http.StatusOK, taskResponse(task))
}

// CancelTask handles POST /v1/tasks/{id}/cancel.
// Cancellation is cooperative: running workers observe it at their next
// fenced call.
func (h *Handlers) CancelTask(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	taskID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		h.httpError(w, "Invalid task id", http.StatusBadRequest)
		return
	}

	orgID, ok := middleware.OrgIDFromContext(ctx)
	if !ok {
		h.httpError(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	task, err := h.store.GetTaskByID(ctx, taskID)
	if err != nil || task.OrgID != orgID {
		h.httpError(w, "Task not found", http.StatusNotFound)
		return
	}

	if err := h.lifecycle.Cancel(ctx, taskID); err != nil {
		h.domainError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// ---------------------------------------------------------
// Worker Endpoints
// Claim runs behind the worker shared secret; the fenced lifecycle
// endpoints run behind the attempt's capability token.
// ---------------------------------------------------------

// ClaimTask handles POST /v1/tasks/{id}/claim.
// At most one worker wins; losers get 409 and drop the wakeup.
func (h *Handlers) ClaimTask(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	taskID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		h.httpError(w, "Invalid task id", http.StatusBadRequest)
		return
	}

	var req api.ClaimRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.httpError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.WorkerID == "" {
		h.httpError(w, "worker_id is required", http.StatusBadRequest)
		return
	}

	res, err := h.lifecycle.Claim(ctx, taskID, req.WorkerID)
	if err != nil {
		h.domainError(w, err)
		return
	}

	h.respondJson(w, http.StatusOK, api.ClaimResponse{
		Attempt:         res.Lease.Attempt,
		LeaseToken:      res.Lease.LeaseToken.String(),
		LeaseExpiresAt:  res.Lease.LeaseExpiresAt,
		CapabilityToken: res.CapabilityToken,
		Grants: api.Grants{
			InputPrefixes: res.Grants.InputPrefixes,
			OutputPrefix:  res.Grants.OutputPrefix,
			ScratchPrefix: res.Grants.ScratchPrefix,
		},
		Payload:     res.Task.Payload,
		Operator:    res.Job.Operator,
		Command:     res.Job.Command,
		TrustClass:  string(res.Job.TrustClass),
		TimeoutSecs: int(res.Job.Timeout.Seconds()),
	})
}

// Heartbeat handles POST /v1/tasks/{id}/heartbeat.
// The worker calls this to say "I'm still working on it". A stale
// attempt gets 409 and must abort.
func (h *Handlers) Heartbeat(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	taskID, attempt, leaseToken, ok := h.fencedCall(w, r)
	if !ok {
		return
	}

	expiresAt, err := h.lifecycle.Heartbeat(ctx, taskID, attempt, leaseToken)
	if err != nil {
		h.domainError(w, err)
		return
	}

	h.respondJson(w, http.StatusOK, api.HeartbeatResponse{LeaseExpiresAt: expiresAt})
}

// EmitEvents handles POST /v1/tasks/{id}/events.
// Records mid-execution progress events for downstream routing.
func (h *Handlers) EmitEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	taskID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		h.httpError(w, "Invalid task id", http.StatusBadRequest)
		return
	}

	var req api.EmitEventsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.httpError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	leaseToken, err := uuid.Parse(req.LeaseToken)
	if err != nil {
		h.httpError(w, "Invalid lease token", http.StatusBadRequest)
		return
	}

	events, err := parseEvents(req.Events)
	if err != nil {
		h.httpError(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := h.lifecycle.EmitEvents(ctx, taskID, req.Attempt, leaseToken, events); err != nil {
		h.domainError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// Complete handles POST /v1/tasks/{id}/complete.
// The worker calls this when the attempt finishes or crashes. On
// success the staged outputs are committed atomically with the terminal
// status.
func (h *Handlers) Complete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	taskID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		h.httpError(w, "Invalid task id", http.StatusBadRequest)
		return
	}

	var req api.CompleteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.httpError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	leaseToken, err := uuid.Parse(req.LeaseToken)
	if err != nil {
		h.httpError(w, "Invalid lease token", http.StatusBadRequest)
		return
	}

	finalEvents, err := parseEvents(req.FinalEvents)
	if err != nil {
		h.httpError(w, err.Error(), http.StatusBadRequest)
		return
	}

	outcome := lifecycle.Outcome{
		Success:      req.Success,
		Outputs:      parseOutputs(req.Outputs),
		FinalEvents:  finalEvents,
		ErrorMessage: req.ErrorMessage,
	}

	if err := h.lifecycle.Complete(ctx, taskID, req.Attempt, leaseToken, outcome); err != nil {
		h.domainError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// fencedCall parses the path task id plus the fencing values carried in
// the body of a heartbeat-shaped request.
func (h *Handlers) fencedCall(w http.ResponseWriter, r *http.Request) (uuid.UUID, int, uuid.UUID, bool) {
	taskID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		h.httpError(w, "Invalid task id", http.StatusBadRequest)
		return uuid.Nil, 0, uuid.Nil, false
	}

	var req api.HeartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.httpError(w, "Invalid request body", http.StatusBadRequest)
		return uuid.Nil, 0, uuid.Nil, false
	}
	leaseToken, err := uuid.Parse(req.LeaseToken)
	if err != nil {
		h.httpError(w, "Invalid lease token", http.StatusBadRequest)
		return uuid.Nil, 0, uuid.Nil, false
	}
	return taskID, req.Attempt, leaseToken, true
}

func parseEvents(in []api.Event) ([]store.EventMessage, error) {
	events := make([]store.EventMessage, 0, len(in))
	for _, ev := range in {
		datasetID, err := uuid.Parse(ev.DatasetID)
		if err != nil {
			return nil, err
		}
		versionID, err := uuid.Parse(ev.VersionID)
		if err != nil {
			return nil, err
		}
		events = append(events, store.EventMessage{
			DatasetID: datasetID,
			VersionID: versionID,
			Cursor:    ev.Cursor,
		})
	}
	return events, nil
}

func parseOutputs(in []api.StagedOutput) []store.StagedOutput {
	outputs := make([]store.StagedOutput, 0, len(in))
	for _, out := range in {
		// Dataset ids are validated structurally during commit; a
		// malformed id fails the attempt rather than the request.
		datasetID, _ := uuid.Parse(out.DatasetID)
		records := make([]store.StagedRecord, 0, len(out.Records))
		for _, rec := range out.Records {
			records = append(records, store.StagedRecord{
				DedupeKey: rec.DedupeKey,
				Payload:   rec.Payload,
			})
		}
		outputs = append(outputs, store.StagedOutput{
			DatasetID:       datasetID,
			ConfigHash:      out.ConfigHash,
			RangeKey:        out.RangeKey,
			StorageLocation: out.StorageLocation,
			Records:         records,
			Cursor:          out.Cursor,
			Meta:            out.Meta,
		})
	}
	return outputs
}

func taskResponse(task *store.Task) api.TaskResponse {
	resp := api.TaskResponse{
		ID:             task.ID.String(),
		JobID:          task.JobID.String(),
		Status:         string(task.Status),
		Attempt:        task.Attempt,
		DedupeKey:      task.DedupeKey,
		WorkerID:       task.WorkerID,
		LeaseExpiresAt: task.LeaseExpiresAt,
		NextRetryAt:    task.NextRetryAt,
		Error:          task.ErrorMessage,
		CreatedAt:      task.CreatedAt,
		StartedAt:      task.StartedAt,
		CompletedAt:    task.CompletedAt,
	}
	return resp
}
