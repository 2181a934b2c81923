// Package lifecycle implements the task lifecycle manager: the state
// machine governing a task's progression under lease-based fencing, and
// the reaper that recovers from crashed or partitioned workers.
package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"flowplane/internal/captoken"
	"flowplane/internal/observability"
	"flowplane/internal/store"

	"github.com/google/uuid"
)

// Store combines the repositories the lifecycle manager needs.
type Store interface {
	BeginTx(ctx context.Context) (store.Tx, error)
	store.TaskStore
	store.JobStore
	store.DatasetStore
	store.OutboxStore
	store.WakeupQueue
}

// Config holds lifecycle tuning knobs.
type Config struct {
	// DefaultLeaseDuration applies when a job declares none.
	DefaultLeaseDuration time.Duration
	// DefaultMaxQueued bounds outstanding queued tasks per job when the
	// job declares no bound of its own.
	DefaultMaxQueued int
	// StorageBucket is the object-storage bucket staging and scratch
	// prefixes are derived under.
	StorageBucket string
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.DefaultLeaseDuration <= 0 {
		out.DefaultLeaseDuration = 5 * time.Minute
	}
	if out.DefaultMaxQueued <= 0 {
		out.DefaultMaxQueued = 1000
	}
	if out.StorageBucket == "" {
		out.StorageBucket = "flowplane"
	}
	return out
}

// Manager is the task lifecycle manager. All state lives in the durable
// store; the manager itself is stateless and safe for concurrent use.
type Manager struct {
	store  Store
	issuer *captoken.Issuer
	cfg    Config
	log    *slog.Logger
}

func NewManager(s Store, issuer *captoken.Issuer, cfg Config, log *slog.Logger) *Manager {
	return &Manager{
		store:  s,
		issuer: issuer,
		cfg:    cfg.withDefaults(),
		log:    log,
	}
}

// retryBackoff is the exponential retry delay: 10s * 2^attempt, capped
// at one hour.
func retryBackoff(attempt int) time.Duration {
	if attempt > 8 {
		attempt = 8
	}
	backoff := time.Duration(10*(1<<attempt)) * time.Second
	if backoff > time.Hour {
		backoff = time.Hour
	}
	return backoff
}

// Create inserts a queued task plus the outbox entry that publishes its
// wake-up, in one transaction. With a dedupe key the call is idempotent
// under duplicate upstream signals: redelivery returns the existing
// task and enqueues nothing.
func (m *Manager) Create(ctx context.Context, jobID uuid.UUID, dedupeKey *string, payload json.RawMessage) (*store.Task, bool, error) {
	job, err := m.store.GetJobByID(ctx, jobID)
	if err != nil {
		return nil, false, err
	}

	tx, err := m.store.BeginTx(ctx)
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback()

	maxQueued := job.MaxQueued
	if maxQueued <= 0 {
		maxQueued = m.cfg.DefaultMaxQueued
	}
	queued, err := m.store.CountQueued(ctx, tx, jobID)
	if err != nil {
		return nil, false, err
	}
	if queued >= int64(maxQueued) {
		return nil, false, fmt.Errorf("job %s has %d queued tasks: %w", jobID, queued, store.ErrBackpressure)
	}

	task := &store.Task{
		ID:        uuid.New(),
		JobID:     job.ID,
		OrgID:     job.OrgID,
		DedupeKey: dedupeKey,
		Status:    store.TaskStatusQueued,
		Attempt:   1,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}

	task, created, err := m.store.InsertTask(ctx, tx, task)
	if err != nil {
		return nil, false, err
	}

	if created {
		msg, err := json.Marshal(store.WakeupMessage{TaskID: task.ID})
		if err != nil {
			return nil, false, err
		}
		if _, err := m.store.InsertOutbox(ctx, tx, store.OutboxKindTaskWakeup, msg); err != nil {
			return nil, false, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, false, err
	}

	if created {
		m.log.InfoContext(ctx, "task created",
			"task_id", task.ID, "job_id", job.ID, "dedupe_key", dedupeKey)
	}
	return task, created, nil
}

// ClaimResult is what a worker receives when it wins the lease: the
// fencing values, the capability token for this attempt, and the task
// payload.
type ClaimResult struct {
	Lease           store.Lease
	CapabilityToken string
	Grants          captoken.Grants
	Task            *store.Task
	Job             *store.Job
}

// Claim grants exclusive execution. Queue delivery alone never
// authorizes execution; this is the only path.
func (m *Manager) Claim(ctx context.Context, taskID uuid.UUID, workerID string) (*ClaimResult, error) {
	// Lease duration comes from the job definition.
	task, err := m.store.GetTaskByID(ctx, taskID)
	if err != nil {
		return nil, err
	}
	job, err := m.store.GetJobByID(ctx, task.JobID)
	if err != nil {
		return nil, err
	}
	leaseDuration := job.LeaseDuration
	if leaseDuration <= 0 {
		leaseDuration = m.cfg.DefaultLeaseDuration
	}

	lease, claimed, err := m.store.ClaimTask(ctx, taskID, workerID, leaseDuration)
	if err != nil {
		return nil, err
	}

	grants, err := m.deriveGrants(ctx, job, claimed)
	if err != nil {
		return nil, m.releaseWonClaim(ctx, taskID, lease, err)
	}

	token, err := m.issuer.Issue(job.OrgID, taskID, lease.Attempt, grants)
	if err != nil {
		return nil, m.releaseWonClaim(ctx, taskID, lease, err)
	}

	observability.TasksClaimed.Add(ctx, 1)
	m.log.InfoContext(ctx, "task claimed",
		"task_id", taskID, "attempt", lease.Attempt, "worker_id", workerID)

	return &ClaimResult{
		Lease:           *lease,
		CapabilityToken: token,
		Grants:          grants,
		Task:            claimed,
		Job:             job,
	}, nil
}

// releaseWonClaim fails a freshly won attempt whose claim result could
// not be assembled. The worker never learns it won; failing inline
// schedules the retry now instead of after the lease expires.
func (m *Manager) releaseWonClaim(ctx context.Context, taskID uuid.UUID, lease *store.Lease, cause error) error {
	if failErr := m.failAttempt(ctx, taskID, lease.Attempt, lease.LeaseToken, cause.Error()); failErr != nil {
		m.log.ErrorContext(ctx, "could not release a won claim",
			"task_id", taskID, "attempt", lease.Attempt, "error", failErr)
	}
	return cause
}

// deriveGrants builds the declared data-access grants for one attempt
// from the job's declared edges, never from caller-supplied input.
// Staging and scratch prefixes are per (task, attempt) so concurrent or
// retried attempts never write into the same location.
func (m *Manager) deriveGrants(ctx context.Context, job *store.Job, task *store.Task) (captoken.Grants, error) {
	edges, err := m.store.ListEdges(ctx, job.ID)
	if err != nil {
		return captoken.Grants{}, err
	}

	var inputs []string
	for _, edge := range edges {
		if edge.Direction != store.EdgeIn {
			continue
		}
		ds, err := m.store.GetDatasetByID(ctx, edge.DatasetID)
		if err != nil {
			return captoken.Grants{}, err
		}
		if ds.CurrentVersionID == nil {
			continue
		}
		version, err := m.store.GetVersionByID(ctx, *ds.CurrentVersionID)
		if err != nil {
			return captoken.Grants{}, err
		}
		if version.StorageLocation != "" {
			inputs = append(inputs, version.StorageLocation)
		}
	}

	return captoken.Grants{
		InputPrefixes: inputs,
		OutputPrefix: fmt.Sprintf("%s/staging/%s/%s/attempt-%d/",
			m.cfg.StorageBucket, job.ID, task.ID, task.Attempt),
		ScratchPrefix: fmt.Sprintf("%s/scratch/%s/attempt-%d/",
			m.cfg.StorageBucket, task.ID, task.Attempt),
	}, nil
}

// observeFencing counts stale-attempt rejections. They are expected
// under at-least-once delivery and never escalated, but a sudden rate
// change is worth seeing on a dashboard.
func observeFencing(ctx context.Context, err error) error {
	if errors.Is(err, store.ErrStaleAttempt) {
		observability.StaleAttempts.Add(ctx, 1)
	}
	return err
}

// Heartbeat extends the lease iff the caller still owns the task.
// ErrStaleAttempt or ErrTaskCanceled tell the caller to abort.
func (m *Manager) Heartbeat(ctx context.Context, taskID uuid.UUID, attempt int, leaseToken uuid.UUID) (time.Time, error) {
	task, err := m.store.GetTaskByID(ctx, taskID)
	if err != nil {
		return time.Time{}, err
	}
	job, err := m.store.GetJobByID(ctx, task.JobID)
	if err != nil {
		return time.Time{}, err
	}
	leaseDuration := job.LeaseDuration
	if leaseDuration <= 0 {
		leaseDuration = m.cfg.DefaultLeaseDuration
	}
	expiry, err := m.store.ExtendLease(ctx, taskID, attempt, leaseToken, leaseDuration)
	return expiry, observeFencing(ctx, err)
}

// EmitEvents records mid-execution events under the fencing check. The
// events become route_event outbox entries: durable, at-least-once.
func (m *Manager) EmitEvents(ctx context.Context, taskID uuid.UUID, attempt int, leaseToken uuid.UUID, events []store.EventMessage) error {
	if len(events) == 0 {
		return nil
	}

	tx, err := m.store.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	task, err := m.store.CheckLease(ctx, tx, taskID, attempt, leaseToken)
	if err != nil {
		return observeFencing(ctx, err)
	}
	job, err := m.store.GetJobByID(ctx, task.JobID)
	if err != nil {
		return err
	}
	if err := m.authorizeEvents(ctx, job, events); err != nil {
		return err
	}
	if err := m.insertEventOutbox(ctx, tx, events); err != nil {
		return err
	}
	return tx.Commit()
}

func (m *Manager) insertEventOutbox(ctx context.Context, tx store.DBTransaction, events []store.EventMessage) error {
	for _, ev := range events {
		payload, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		if _, err := m.store.InsertOutbox(ctx, tx, store.OutboxKindRouteEvent, payload); err != nil {
			return err
		}
	}
	return nil
}

// Outcome is the terminal report of an attempt.
type Outcome struct {
	Success      bool
	Outputs      []store.StagedOutput
	FinalEvents  []store.EventMessage
	ErrorMessage string
}

// Complete finalizes an attempt. On success the dataset commit
// protocol, the downstream event outbox entries and the terminal status
// all land in a single transaction: a crash between commit and event
// emission cannot lose the propagation, and a stale attempt commits
// nothing.
func (m *Manager) Complete(ctx context.Context, taskID uuid.UUID, attempt int, leaseToken uuid.UUID, outcome Outcome) error {
	if !outcome.Success {
		return m.failAttempt(ctx, taskID, attempt, leaseToken, outcome.ErrorMessage)
	}

	tx, err := m.store.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	task, err := m.store.CheckLease(ctx, tx, taskID, attempt, leaseToken)
	if err != nil {
		return observeFencing(ctx, err)
	}
	job, err := m.store.GetJobByID(ctx, task.JobID)
	if err != nil {
		return err
	}

	if err := store.ValidateOutputs(job, outcome.Outputs); err != nil {
		// Malformed staged output: fail the attempt, commit nothing.
		tx.Rollback()
		if failErr := m.failAttempt(ctx, taskID, attempt, leaseToken, err.Error()); failErr != nil {
			return failErr
		}
		return err
	}

	if err := m.authorizeOutputs(ctx, job, outcome.Outputs); err != nil {
		tx.Rollback()
		if failErr := m.failAttempt(ctx, taskID, attempt, leaseToken, err.Error()); failErr != nil {
			return failErr
		}
		return err
	}
	if err := m.authorizeEvents(ctx, job, outcome.FinalEvents); err != nil {
		tx.Rollback()
		if failErr := m.failAttempt(ctx, taskID, attempt, leaseToken, err.Error()); failErr != nil {
			return failErr
		}
		return err
	}

	committed, err := m.store.CommitOutputs(ctx, tx, task, job, outcome.Outputs)
	if err != nil {
		return err
	}

	events := make([]store.EventMessage, 0, len(committed)+len(outcome.FinalEvents))
	for _, cv := range committed {
		events = append(events, store.EventMessage{
			DatasetID: cv.DatasetID,
			VersionID: cv.VersionID,
			Cursor:    cv.Cursor,
		})
	}
	events = append(events, outcome.FinalEvents...)
	if err := m.insertEventOutbox(ctx, tx, events); err != nil {
		return err
	}

	outputsJSON, err := json.Marshal(outcome.Outputs)
	if err != nil {
		return err
	}
	if err := m.store.MarkCompleted(ctx, tx, taskID, attempt, outputsJSON); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	m.log.InfoContext(ctx, "task completed",
		"task_id", taskID, "attempt", attempt, "versions", len(committed))
	return nil
}

// authorizeOutputs rejects staged outputs targeting datasets the job
// never declared an output edge to.
func (m *Manager) authorizeOutputs(ctx context.Context, job *store.Job, outputs []store.StagedOutput) error {
	declared, err := m.declaredOutputs(ctx, job)
	if err != nil {
		return err
	}
	for _, out := range outputs {
		if !declared[out.DatasetID] {
			return fmt.Errorf("dataset %s is not a declared output of job %s: %w",
				out.DatasetID, job.ID, store.ErrMalformedOutput)
		}
	}
	return nil
}

// authorizeEvents applies the same output-edge bound to emitted events.
// Routed events fan out into downstream tasks, so an event naming an
// undeclared dataset is rejected, not narrowed.
func (m *Manager) authorizeEvents(ctx context.Context, job *store.Job, events []store.EventMessage) error {
	if len(events) == 0 {
		return nil
	}
	declared, err := m.declaredOutputs(ctx, job)
	if err != nil {
		return err
	}
	for _, ev := range events {
		if !declared[ev.DatasetID] {
			return fmt.Errorf("dataset %s is not a declared output of job %s: %w",
				ev.DatasetID, job.ID, store.ErrMalformedOutput)
		}
	}
	return nil
}

func (m *Manager) declaredOutputs(ctx context.Context, job *store.Job) (map[uuid.UUID]bool, error) {
	edges, err := m.store.ListEdges(ctx, job.ID)
	if err != nil {
		return nil, err
	}
	declared := make(map[uuid.UUID]bool)
	for _, edge := range edges {
		if edge.Direction == store.EdgeOut {
			declared[edge.DatasetID] = true
		}
	}
	return declared, nil
}

// failAttempt records a failure under the fencing check and schedules
// the retry, or marks the task terminally failed once the attempt
// budget is spent.
func (m *Manager) failAttempt(ctx context.Context, taskID uuid.UUID, attempt int, leaseToken uuid.UUID, errMsg string) error {
	tx, err := m.store.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	task, err := m.store.CheckLease(ctx, tx, taskID, attempt, leaseToken)
	if err != nil {
		return observeFencing(ctx, err)
	}
	job, err := m.store.GetJobByID(ctx, task.JobID)
	if err != nil {
		return err
	}

	var nextRetryAt *time.Time
	if task.Attempt < job.MaxAttempts {
		at := time.Now().Add(retryBackoff(task.Attempt))
		nextRetryAt = &at
	} else {
		errMsg = fmt.Sprintf("%s (%v)", errMsg, store.ErrMaxAttempts)
	}

	if err := m.store.MarkFailed(ctx, tx, taskID, attempt, errMsg, nextRetryAt); err != nil {
		return err
	}
	if nextRetryAt != nil {
		// The retry needs its own wake-up, delayed until the task is
		// claimable again.
		if _, err := m.store.EnqueueWakeup(ctx, tx, taskID, *nextRetryAt); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	if nextRetryAt == nil {
		m.log.WarnContext(ctx, "task terminally failed",
			"task_id", taskID, "attempt", attempt, "error", errMsg)
		return nil
	}
	m.log.InfoContext(ctx, "task failed, retry scheduled",
		"task_id", taskID, "attempt", attempt, "next_retry_at", *nextRetryAt)
	return nil
}

// Cancel requests cooperative cancellation: the flag is observed at the
// worker's next fenced call; in-flight execution is not preempted.
func (m *Manager) Cancel(ctx context.Context, taskID uuid.UUID) error {
	err := m.store.CancelTask(ctx, taskID)
	if errors.Is(err, store.ErrNotFound) {
		// Already terminal or unknown; nothing to do.
		return err
	}
	if err == nil {
		m.log.InfoContext(ctx, "task canceled", "task_id", taskID)
	}
	return err
}

// VerifyToken verifies a capability token and checks its (task,
// attempt) binding against the current task row, which is what makes a
// stale-attempt token functionally dead before it expires.
func (m *Manager) VerifyToken(ctx context.Context, tokenString string) (*captoken.Claims, *store.Task, error) {
	claims, err := m.issuer.Verify(tokenString)
	if err != nil {
		return nil, nil, err
	}
	taskID, err := claims.TaskUUID()
	if err != nil {
		return nil, nil, err
	}
	task, err := m.store.GetTaskByID(ctx, taskID)
	if err != nil {
		return nil, nil, err
	}
	if task.Attempt != claims.Attempt {
		return nil, nil, observeFencing(ctx, store.ErrStaleAttempt)
	}
	return claims, task, nil
}
