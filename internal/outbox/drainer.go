// Package outbox drains durably-recorded side-effect intents into
// their external effects: queue wake-ups and event routing.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"flowplane/internal/observability"
	"flowplane/internal/store"
)

// Store is the slice of the state store the drainer uses.
type Store interface {
	store.OutboxStore
	store.WakeupQueue
}

// EventSink receives route_event payloads; implemented by the event
// router.
type EventSink interface {
	Route(ctx context.Context, ev store.EventMessage) error
}

// Config holds the drainer loop tuning knobs.
type Config struct {
	Interval    time.Duration
	BatchSize   int
	MaxAttempts int
}

// Drainer makes task creation and event routing crash-safe: the
// durable intent survives a restart even when the publish itself did
// not complete before a crash. Externally the guarantee is
// at-least-once; consumers dedupe.
type Drainer struct {
	store  Store
	events EventSink
	cfg    Config
	log    *slog.Logger
}

func New(s Store, events EventSink, cfg Config, log *slog.Logger) *Drainer {
	if cfg.Interval <= 0 {
		cfg.Interval = 1 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 8
	}
	return &Drainer{store: s, events: events, cfg: cfg, log: log}
}

// Run starts the drain loop. It blocks until the context is cancelled.
func (d *Drainer) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			for {
				n, err := d.DrainOnce(ctx)
				if err != nil {
					d.log.ErrorContext(ctx, "outbox drain pass failed", "error", err)
					break
				}
				// Keep draining full batches before sleeping again.
				if n < d.cfg.BatchSize {
					break
				}
			}
		}
	}
}

// DrainOnce claims one batch of pending entries and dispatches them.
// Returns the number of entries claimed.
func (d *Drainer) DrainOnce(ctx context.Context) (int, error) {
	entries, err := d.store.ClaimOutboxBatch(ctx, d.cfg.BatchSize)
	if err != nil {
		return 0, err
	}

	for _, entry := range entries {
		if err := d.dispatch(ctx, entry); err != nil {
			observability.OutboxFailures.Add(ctx, 1)
			attempts := entry.Attempts + 1
			if rescheduleErr := d.store.RescheduleOutbox(ctx, entry.ID, attempts, d.cfg.MaxAttempts, err.Error()); rescheduleErr != nil {
				d.log.ErrorContext(ctx, "outbox reschedule failed",
					"outbox_id", entry.ID, "error", rescheduleErr)
				continue
			}
			if attempts >= d.cfg.MaxAttempts {
				// Left visibly failed for operator repair; never a
				// silent drop.
				d.log.ErrorContext(ctx, "outbox entry exhausted retries",
					"outbox_id", entry.ID, "kind", entry.Kind, "error", err)
			} else {
				d.log.WarnContext(ctx, "outbox dispatch failed, rescheduled",
					"outbox_id", entry.ID, "kind", entry.Kind, "attempt", attempts, "error", err)
			}
			continue
		}

		observability.OutboxDelivered.Add(ctx, 1)
		if err := d.store.MarkOutboxDone(ctx, entry.ID); err != nil {
			// The side effect happened but the entry stays claimed; it
			// will be redelivered, which downstream dedupe absorbs.
			d.log.ErrorContext(ctx, "failed to mark outbox entry done",
				"outbox_id", entry.ID, "error", err)
		}
	}

	return len(entries), nil
}

func (d *Drainer) dispatch(ctx context.Context, entry store.OutboxEntry) error {
	switch entry.Kind {
	case store.OutboxKindTaskWakeup:
		var msg store.WakeupMessage
		if err := json.Unmarshal(entry.Payload, &msg); err != nil {
			return fmt.Errorf("bad wakeup payload: %w", err)
		}
		_, err := d.store.EnqueueWakeup(ctx, nil, msg.TaskID, time.Time{})
		return err

	case store.OutboxKindRouteEvent:
		var ev store.EventMessage
		if err := json.Unmarshal(entry.Payload, &ev); err != nil {
			return fmt.Errorf("bad event payload: %w", err)
		}
		return d.events.Route(ctx, ev)

	default:
		return fmt.Errorf("unknown outbox kind %q", entry.Kind)
	}
}
