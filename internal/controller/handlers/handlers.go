// Package handlers contains HTTP handlers for the orchestrator API.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"flowplane/internal/credentials"
	"flowplane/internal/lifecycle"
	"flowplane/internal/store"
	"flowplane/pkg/api"
)

// StoreFactory combines the interfaces needed for the orchestrator API
// to function.
type StoreFactory interface {
	BeginTx(ctx context.Context) (store.Tx, error)
	Ping(ctx context.Context) error
	store.OrgStore
	store.JobStore
	store.TaskStore
	store.DatasetStore
	store.OutboxStore
}

// Handlers holds all HTTP handlers and their dependencies.
type Handlers struct {
	store     StoreFactory
	lifecycle *lifecycle.Manager
	creds     *credentials.Service
	log       *slog.Logger
}

// New creates a new Handlers instance with its dependencies.
func New(s StoreFactory, lm *lifecycle.Manager, creds *credentials.Service, log *slog.Logger) *Handlers {
	return &Handlers{store: s, lifecycle: lm, creds: creds, log: log}
}

// A helper function to write standard JSON responses.
func (h *Handlers) respondJson(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}

// A helper function to return consistent error messages.
func (h *Handlers) httpError(w http.ResponseWriter, message string, code int) {
	h.respondJson(w, code, api.ErrorResponse{
		Error: message,
		Code:  strconv.Itoa(code),
	})
}

// domainError maps a domain error onto a status code and a stable
// machine-readable code, falling back to a plain 500.
func (h *Handlers) domainError(w http.ResponseWriter, err error) {
	status, code := http.StatusInternalServerError, "internal"
	switch {
	case errors.Is(err, store.ErrNotFound):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, store.ErrAlreadyClaimed):
		status, code = http.StatusConflict, "already_claimed"
	case errors.Is(err, store.ErrStaleAttempt):
		status, code = http.StatusConflict, "stale_attempt"
	case errors.Is(err, store.ErrTaskCanceled):
		status, code = http.StatusConflict, "task_canceled"
	case errors.Is(err, store.ErrCommitConflict):
		status, code = http.StatusConflict, "commit_conflict"
	case errors.Is(err, store.ErrMaxAttempts):
		status, code = http.StatusConflict, "max_attempts"
	case errors.Is(err, store.ErrMalformedOutput):
		status, code = http.StatusUnprocessableEntity, "malformed_output"
	case errors.Is(err, store.ErrBackpressure):
		status, code = http.StatusTooManyRequests, "backpressure"
	case errors.Is(err, credentials.ErrGrantViolation):
		status, code = http.StatusForbidden, "grant_violation"
	}

	message := err.Error()
	if status == http.StatusInternalServerError {
		// Do not leak internals to clients.
		message = "Internal error"
	}
	h.respondJson(w, status, api.ErrorResponse{
		Error: message,
		Code:  code,
	})
}
