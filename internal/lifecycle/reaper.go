package lifecycle

import (
	"context"
	"log/slog"
	"time"

	"flowplane/internal/observability"
	"flowplane/internal/store"

	"github.com/google/uuid"
)

// ReaperConfig holds the reaper loop tuning knobs.
type ReaperConfig struct {
	Interval  time.Duration
	BatchSize int
}

// Reaper detects expired leases and fails the current attempt,
// scheduling a retry. This is what recovers from crashed or partitioned
// workers without depending on the worker to report failure.
type Reaper struct {
	store Store
	cfg   ReaperConfig
	log   *slog.Logger
}

func NewReaper(s Store, cfg ReaperConfig, log *slog.Logger) *Reaper {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &Reaper{store: s, cfg: cfg, log: log}
}

// Run starts the periodic scan. It blocks until the context is
// cancelled.
func (r *Reaper) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := r.ReapOnce(ctx); err != nil {
				r.log.ErrorContext(ctx, "reaper pass failed", "error", err)
			}
		}
	}
}

// ReapOnce performs a single scan-and-fail pass and returns how many
// leases it reaped. The terminal write re-checks lease expiry inside
// the conditional update, so a task whose lease was renewed between
// scan and write is never failed.
func (r *Reaper) ReapOnce(ctx context.Context) (int, error) {
	expired, err := r.store.ExpiredLeases(ctx, r.cfg.BatchSize)
	if err != nil {
		return 0, err
	}

	jobs := make(map[uuid.UUID]*store.Job)
	reaped := 0

	for i := range expired {
		task := &expired[i]

		job, ok := jobs[task.JobID]
		if !ok {
			job, err = r.store.GetJobByID(ctx, task.JobID)
			if err != nil {
				r.log.ErrorContext(ctx, "reaper could not load job",
					"task_id", task.ID, "job_id", task.JobID, "error", err)
				continue
			}
			jobs[task.JobID] = job
		}

		var nextRetryAt *time.Time
		errMsg := "lease expired"
		if task.Attempt < job.MaxAttempts {
			at := time.Now().Add(retryBackoff(task.Attempt))
			nextRetryAt = &at
		} else {
			errMsg = "lease expired; max attempts exceeded"
		}

		ok, err := r.reapOne(ctx, task, nextRetryAt, errMsg)
		if err != nil {
			r.log.ErrorContext(ctx, "reap failed", "task_id", task.ID, "error", err)
			continue
		}
		if !ok {
			// A heartbeat renewed the lease between scan and write.
			continue
		}

		reaped++
		observability.LeasesReaped.Add(ctx, 1)
		if nextRetryAt == nil {
			r.log.WarnContext(ctx, "reaped task terminally failed",
				"task_id", task.ID, "attempt", task.Attempt, "worker_id", task.WorkerID)
		} else {
			r.log.InfoContext(ctx, "reaped expired lease",
				"task_id", task.ID, "attempt", task.Attempt, "next_retry_at", *nextRetryAt)
		}
	}

	return reaped, nil
}

// reapOne fails the expired attempt and enqueues its retry wake-up in
// one transaction. A retryable task is only re-claimed through a
// wake-up, so the two writes must be atomic.
func (r *Reaper) reapOne(ctx context.Context, task *store.Task, nextRetryAt *time.Time, errMsg string) (bool, error) {
	tx, err := r.store.BeginTx(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	ok, err := r.store.ReapLease(ctx, tx, task, nextRetryAt, errMsg)
	if err != nil || !ok {
		return ok, err
	}
	if nextRetryAt != nil {
		if _, err := r.store.EnqueueWakeup(ctx, tx, task.ID, *nextRetryAt); err != nil {
			return false, err
		}
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}
