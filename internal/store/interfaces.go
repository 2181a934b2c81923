package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// DBTransaction defines the methods shared by *sql.DB and *sql.Tx
// This allows us to pass either a connection pool or an active transaction to the repository methods.
type DBTransaction interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

type Tx interface {
	DBTransaction
	Commit() error
	Rollback() error
}

// OrgStore handles organization rows and API-key authentication.
type OrgStore interface {
	CreateOrg(ctx context.Context, org *Org, hashedKey string) error
	GetOrgByID(ctx context.Context, id uuid.UUID) (*Org, error)
	GetOrgByAPIKeyHash(ctx context.Context, hash string) (*Org, error)
}

// JobStore handles job definitions and the dependency graph.
type JobStore interface {
	CreateJob(ctx context.Context, tx DBTransaction, job *Job, edges []JobEdge) error
	GetJobByID(ctx context.Context, id uuid.UUID) (*Job, error)

	// ListConsumers returns the jobs with a declared input edge on the
	// given dataset.
	ListConsumers(ctx context.Context, datasetID uuid.UUID) ([]Job, error)

	// ListEdges returns all declared edges of a job.
	ListEdges(ctx context.Context, jobID uuid.UUID) ([]JobEdge, error)
}

// TaskStore handles task rows. All mutation goes through fenced,
// compare-and-swap conditional updates; there is no read-then-write
// path for lease state.
type TaskStore interface {
	// InsertTask inserts a queued task. When dedupeKey is set and a
	// task with the same (job, dedupe_key) exists, the existing task
	// is returned with created=false.
	InsertTask(ctx context.Context, tx DBTransaction, task *Task) (existing *Task, created bool, err error)

	GetTaskByID(ctx context.Context, id uuid.UUID) (*Task, error)

	// ClaimTask atomically transitions queued -> running, or re-admits
	// a failed task whose next_retry_at elapsed (incrementing attempt).
	// Fails with ErrAlreadyClaimed while another valid lease exists.
	ClaimTask(ctx context.Context, id uuid.UUID, workerID string, leaseDuration time.Duration) (*Lease, *Task, error)

	// ExtendLease extends lease_expires_at iff (attempt, leaseToken)
	// match the stored values and the lease has not expired.
	ExtendLease(ctx context.Context, id uuid.UUID, attempt int, leaseToken uuid.UUID, leaseDuration time.Duration) (time.Time, error)

	// CheckLease verifies the fencing values inside an open transaction
	// and locks the row FOR UPDATE. Returns ErrStaleAttempt or
	// ErrTaskCanceled on mismatch.
	CheckLease(ctx context.Context, tx DBTransaction, id uuid.UUID, attempt int, leaseToken uuid.UUID) (*Task, error)

	// MarkCompleted finalizes a task under an open transaction.
	MarkCompleted(ctx context.Context, tx DBTransaction, id uuid.UUID, attempt int, outputs json.RawMessage) error

	// MarkFailed records a failure and schedules the retry, or marks
	// the task terminally failed once attempts are exhausted.
	MarkFailed(ctx context.Context, tx DBTransaction, id uuid.UUID, attempt int, errMsg string, nextRetryAt *time.Time) error

	// CancelTask sets status=canceled unless the task is terminal.
	CancelTask(ctx context.Context, id uuid.UUID) error

	// ExpiredLeases returns running tasks whose lease has expired.
	ExpiredLeases(ctx context.Context, limit int) ([]Task, error)

	// ReapLease conditionally fails a running task whose lease is still
	// expired and unchanged since the scan. Returns false if a
	// heartbeat won the race. Runs under the caller's transaction so
	// the failed transition commits together with its retry wake-up.
	ReapLease(ctx context.Context, tx DBTransaction, task *Task, nextRetryAt *time.Time, errMsg string) (bool, error)

	// CountQueued returns the number of queued tasks for a job.
	CountQueued(ctx context.Context, tx DBTransaction, jobID uuid.UUID) (int64, error)
}

// StagedOutput is one declared output of a finishing attempt, staged to
// a location not yet visible under any read path.
type StagedOutput struct {
	DatasetID       uuid.UUID       `json:"dataset_id"`
	ConfigHash      string          `json:"config_hash"`
	RangeKey        *string         `json:"range_key,omitempty"`
	StorageLocation string          `json:"storage_location,omitempty"`
	Records         []StagedRecord  `json:"records,omitempty"`
	Cursor          string          `json:"cursor,omitempty"`
	Meta            json.RawMessage `json:"meta,omitempty"`
}

// StagedRecord is one logical row of an append-strategy output.
type StagedRecord struct {
	DedupeKey string          `json:"dedupe_key"`
	Payload   json.RawMessage `json:"payload"`
}

// CommittedVersion describes the dataset version made visible by a
// commit, used to emit downstream events.
type CommittedVersion struct {
	DatasetID uuid.UUID
	VersionID uuid.UUID
	Cursor    string
}

// DatasetStore handles the dataset registry and the commit protocol.
type DatasetStore interface {
	CreateDataset(ctx context.Context, tx DBTransaction, ds *Dataset) error
	GetDatasetByID(ctx context.Context, id uuid.UUID) (*Dataset, error)
	GetVersionByID(ctx context.Context, id uuid.UUID) (*DatasetVersion, error)
	ListVersions(ctx context.Context, datasetID uuid.UUID, limit int) ([]DatasetVersion, error)

	// CommitOutputs applies a task's staged outputs inside the given
	// transaction: replace outputs create a version and swap the
	// current pointer; append outputs upsert records idempotently.
	CommitOutputs(ctx context.Context, tx DBTransaction, task *Task, job *Job, outputs []StagedOutput) ([]CommittedVersion, error)

	// RecordEvent stores an accepted upstream event for audit and
	// reports whether it targets the dataset's current generation.
	RecordEvent(ctx context.Context, tx DBTransaction, ev *DatasetEvent) (current bool, err error)

	// PurgeVersion deletes a superseded version. Administrative only;
	// refuses to purge the current version.
	PurgeVersion(ctx context.Context, versionID uuid.UUID) error
}

// OutboxStore handles durable side-effect intents.
type OutboxStore interface {
	InsertOutbox(ctx context.Context, tx DBTransaction, kind OutboxKind, payload json.RawMessage) (int64, error)

	// ClaimOutboxBatch marks up to limit pending, available entries as
	// processing and returns them. Uses FOR UPDATE SKIP LOCKED.
	ClaimOutboxBatch(ctx context.Context, limit int) ([]OutboxEntry, error)

	MarkOutboxDone(ctx context.Context, id int64) error

	// RescheduleOutbox records a failed attempt. Once attempts reach
	// maxAttempts the entry is left failed for operator alerting.
	RescheduleOutbox(ctx context.Context, id int64, attempts int, maxAttempts int, lastError string) error

	ListFailedOutbox(ctx context.Context, limit int) ([]OutboxEntry, error)
	RetryOutbox(ctx context.Context, id int64) error
	CountPendingOutbox(ctx context.Context) (int64, error)
}

// WakeupQueue is the internal queue workers poll for task wake-ups.
// Implementations must use SELECT ... FOR UPDATE SKIP LOCKED semantics.
// Duplicate delivery is expected; queue delivery alone never authorizes
// execution.
type WakeupQueue interface {
	EnqueueWakeup(ctx context.Context, tx DBTransaction, taskID uuid.UUID, visibleAfter time.Time) (int64, error)
	DequeueWakeups(ctx context.Context, limit int, invisibility time.Duration) ([]Wakeup, error)
	DeleteWakeup(ctx context.Context, id int64) error
	CountWakeups(ctx context.Context) (int64, error)
}
