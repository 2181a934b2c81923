// Package router resolves upstream dataset events to downstream task
// creation via the declared job dependency graph.
package router

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"flowplane/internal/store"

	"github.com/google/uuid"
)

// TaskCreator is the slice of the lifecycle manager the router uses.
type TaskCreator interface {
	Create(ctx context.Context, jobID uuid.UUID, dedupeKey *string, payload json.RawMessage) (*store.Task, bool, error)
}

// Store is the slice of the state store the router uses.
type Store interface {
	ListConsumers(ctx context.Context, datasetID uuid.UUID) ([]store.Job, error)
	RecordEvent(ctx context.Context, tx store.DBTransaction, ev *store.DatasetEvent) (bool, error)
}

// Router maps one accepted event to one task-creation call per
// subscribing job. It performs no batching or coalescing of its own;
// any batching semantics belong to an explicit upstream job.
type Router struct {
	store   Store
	creator TaskCreator
	log     *slog.Logger
}

func New(s Store, creator TaskCreator, log *slog.Logger) *Router {
	return &Router{store: s, creator: creator, log: log}
}

// DedupeKey derives the deterministic task dedupe key for one
// (job, event) pair. It depends only on event identity, never on
// arrival order, which is what makes event-to-task mapping idempotent
// under duplicated, out-of-order delivery.
func DedupeKey(jobID uuid.UUID, ev store.EventMessage) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%s", jobID, ev.DatasetID, ev.VersionID, ev.Cursor)
	return hex.EncodeToString(h.Sum(nil))
}

// Route records the event for audit and creates downstream tasks for
// every job subscribing to the dataset. Events targeting a superseded
// version generation are retained but not routed, so a stale
// rematerialization never re-triggers downstream work.
func (r *Router) Route(ctx context.Context, ev store.EventMessage) error {
	current, err := r.store.RecordEvent(ctx, nil, &store.DatasetEvent{
		DatasetID: ev.DatasetID,
		VersionID: ev.VersionID,
		Cursor:    ev.Cursor,
	})
	if err != nil {
		return fmt.Errorf("failed to record event: %w", err)
	}
	if !current {
		r.log.InfoContext(ctx, "event for superseded generation, not routed",
			"dataset_id", ev.DatasetID, "version_id", ev.VersionID, "cursor", ev.Cursor)
		return nil
	}

	consumers, err := r.store.ListConsumers(ctx, ev.DatasetID)
	if err != nil {
		return fmt.Errorf("failed to resolve consumers: %w", err)
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	for _, job := range consumers {
		key := DedupeKey(job.ID, ev)
		_, created, err := r.creator.Create(ctx, job.ID, &key, payload)
		if errors.Is(err, store.ErrBackpressure) {
			// Bounded admission: let the outbox drainer redeliver this
			// event later instead of queueing without limit.
			return err
		}
		if err != nil {
			return fmt.Errorf("failed to create task for job %s: %w", job.ID, err)
		}
		if !created {
			r.log.DebugContext(ctx, "duplicate event, task exists",
				"job_id", job.ID, "dedupe_key", key)
		}
	}

	return nil
}
