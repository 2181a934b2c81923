package handlers

import (
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"log/slog"
	"time"

	"flowplane/internal/store"

	"github.com/google/uuid"
)

// stubTx is a no-op transaction; the stub store applies writes
// immediately.
type stubTx struct{}

func (stubTx) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return nil, nil
}

func (stubTx) QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return nil, nil
}

func (stubTx) QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return nil
}

func (stubTx) Commit() error   { return nil }
func (stubTx) Rollback() error { return nil }

// stubStore satisfies StoreFactory and lifecycle.Store. Each method
// delegates to an overridable func field; unset methods return zero
// values or ErrNotFound.
type stubStore struct {
	PingFunc               func(ctx context.Context) error
	CreateOrgFunc          func(ctx context.Context, org *store.Org, hashedKey string) error
	GetOrgByAPIKeyHashFunc func(ctx context.Context, hash string) (*store.Org, error)
	CreateJobFunc          func(ctx context.Context, tx store.DBTransaction, job *store.Job, edges []store.JobEdge) error
	GetJobByIDFunc         func(ctx context.Context, id uuid.UUID) (*store.Job, error)
	ListEdgesFunc          func(ctx context.Context, jobID uuid.UUID) ([]store.JobEdge, error)
	InsertTaskFunc         func(ctx context.Context, tx store.DBTransaction, task *store.Task) (*store.Task, bool, error)
	GetTaskByIDFunc        func(ctx context.Context, id uuid.UUID) (*store.Task, error)
	ClaimTaskFunc          func(ctx context.Context, id uuid.UUID, workerID string, leaseDuration time.Duration) (*store.Lease, *store.Task, error)
	ExtendLeaseFunc        func(ctx context.Context, id uuid.UUID, attempt int, leaseToken uuid.UUID, leaseDuration time.Duration) (time.Time, error)
	CheckLeaseFunc         func(ctx context.Context, tx store.DBTransaction, id uuid.UUID, attempt int, leaseToken uuid.UUID) (*store.Task, error)
	MarkCompletedFunc      func(ctx context.Context, tx store.DBTransaction, id uuid.UUID, attempt int, outputs json.RawMessage) error
	MarkFailedFunc         func(ctx context.Context, tx store.DBTransaction, id uuid.UUID, attempt int, errMsg string, nextRetryAt *time.Time) error
	CancelTaskFunc         func(ctx context.Context, id uuid.UUID) error
	CountQueuedFunc        func(ctx context.Context, tx store.DBTransaction, jobID uuid.UUID) (int64, error)
	CreateDatasetFunc      func(ctx context.Context, tx store.DBTransaction, ds *store.Dataset) error
	GetDatasetByIDFunc     func(ctx context.Context, id uuid.UUID) (*store.Dataset, error)
	GetVersionByIDFunc     func(ctx context.Context, id uuid.UUID) (*store.DatasetVersion, error)
	PurgeVersionFunc       func(ctx context.Context, versionID uuid.UUID) error
	ListVersionsFunc       func(ctx context.Context, datasetID uuid.UUID, limit int) ([]store.DatasetVersion, error)
	CommitOutputsFunc      func(ctx context.Context, tx store.DBTransaction, task *store.Task, job *store.Job, outputs []store.StagedOutput) ([]store.CommittedVersion, error)
	InsertOutboxFunc       func(ctx context.Context, tx store.DBTransaction, kind store.OutboxKind, payload json.RawMessage) (int64, error)
	ListFailedOutboxFunc   func(ctx context.Context, limit int) ([]store.OutboxEntry, error)
	RetryOutboxFunc        func(ctx context.Context, id int64) error
	EnqueueWakeupFunc      func(ctx context.Context, tx store.DBTransaction, taskID uuid.UUID, visibleAfter time.Time) (int64, error)
}

func (s *stubStore) BeginTx(ctx context.Context) (store.Tx, error) { return stubTx{}, nil }

func (s *stubStore) Ping(ctx context.Context) error {
	if s.PingFunc != nil {
		return s.PingFunc(ctx)
	}
	return nil
}

func (s *stubStore) CreateOrg(ctx context.Context, org *store.Org, hashedKey string) error {
	if s.CreateOrgFunc != nil {
		return s.CreateOrgFunc(ctx, org, hashedKey)
	}
	return nil
}

func (s *stubStore) GetOrgByID(ctx context.Context, id uuid.UUID) (*store.Org, error) {
	return nil, store.ErrNotFound
}

func (s *stubStore) GetOrgByAPIKeyHash(ctx context.Context, hash string) (*store.Org, error) {
	if s.GetOrgByAPIKeyHashFunc != nil {
		return s.GetOrgByAPIKeyHashFunc(ctx, hash)
	}
	return nil, store.ErrNotFound
}

func (s *stubStore) CreateJob(ctx context.Context, tx store.DBTransaction, job *store.Job, edges []store.JobEdge) error {
	if s.CreateJobFunc != nil {
		return s.CreateJobFunc(ctx, tx, job, edges)
	}
	return nil
}

func (s *stubStore) GetJobByID(ctx context.Context, id uuid.UUID) (*store.Job, error) {
	if s.GetJobByIDFunc != nil {
		return s.GetJobByIDFunc(ctx, id)
	}
	return nil, store.ErrNotFound
}

func (s *stubStore) ListConsumers(ctx context.Context, datasetID uuid.UUID) ([]store.Job, error) {
	return nil, nil
}

func (s *stubStore) ListEdges(ctx context.Context, jobID uuid.UUID) ([]store.JobEdge, error) {
	if s.ListEdgesFunc != nil {
		return s.ListEdgesFunc(ctx, jobID)
	}
	return nil, nil
}

func (s *stubStore) InsertTask(ctx context.Context, tx store.DBTransaction, task *store.Task) (*store.Task, bool, error) {
	if s.InsertTaskFunc != nil {
		return s.InsertTaskFunc(ctx, tx, task)
	}
	return task, true, nil
}

func (s *stubStore) GetTaskByID(ctx context.Context, id uuid.UUID) (*store.Task, error) {
	if s.GetTaskByIDFunc != nil {
		return s.GetTaskByIDFunc(ctx, id)
	}
	return nil, store.ErrNotFound
}

func (s *stubStore) ClaimTask(ctx context.Context, id uuid.UUID, workerID string, leaseDuration time.Duration) (*store.Lease, *store.Task, error) {
	if s.ClaimTaskFunc != nil {
		return s.ClaimTaskFunc(ctx, id, workerID, leaseDuration)
	}
	return nil, nil, store.ErrNotFound
}

func (s *stubStore) ExtendLease(ctx context.Context, id uuid.UUID, attempt int, leaseToken uuid.UUID, leaseDuration time.Duration) (time.Time, error) {
	if s.ExtendLeaseFunc != nil {
		return s.ExtendLeaseFunc(ctx, id, attempt, leaseToken, leaseDuration)
	}
	return time.Time{}, store.ErrNotFound
}

func (s *stubStore) CheckLease(ctx context.Context, tx store.DBTransaction, id uuid.UUID, attempt int, leaseToken uuid.UUID) (*store.Task, error) {
	if s.CheckLeaseFunc != nil {
		return s.CheckLeaseFunc(ctx, tx, id, attempt, leaseToken)
	}
	return nil, store.ErrNotFound
}

func (s *stubStore) MarkCompleted(ctx context.Context, tx store.DBTransaction, id uuid.UUID, attempt int, outputs json.RawMessage) error {
	if s.MarkCompletedFunc != nil {
		return s.MarkCompletedFunc(ctx, tx, id, attempt, outputs)
	}
	return nil
}

func (s *stubStore) MarkFailed(ctx context.Context, tx store.DBTransaction, id uuid.UUID, attempt int, errMsg string, nextRetryAt *time.Time) error {
	if s.MarkFailedFunc != nil {
		return s.MarkFailedFunc(ctx, tx, id, attempt, errMsg, nextRetryAt)
	}
	return nil
}

func (s *stubStore) CancelTask(ctx context.Context, id uuid.UUID) error {
	if s.CancelTaskFunc != nil {
		return s.CancelTaskFunc(ctx, id)
	}
	return nil
}

func (s *stubStore) ExpiredLeases(ctx context.Context, limit int) ([]store.Task, error) {
	return nil, nil
}

func (s *stubStore) ReapLease(ctx context.Context, tx store.DBTransaction, task *store.Task, nextRetryAt *time.Time, errMsg string) (bool, error) {
	return false, nil
}

func (s *stubStore) CountQueued(ctx context.Context, tx store.DBTransaction, jobID uuid.UUID) (int64, error) {
	if s.CountQueuedFunc != nil {
		return s.CountQueuedFunc(ctx, tx, jobID)
	}
	return 0, nil
}

func (s *stubStore) CreateDataset(ctx context.Context, tx store.DBTransaction, ds *store.Dataset) error {
	if s.CreateDatasetFunc != nil {
		return s.CreateDatasetFunc(ctx, tx, ds)
	}
	return nil
}

func (s *stubStore) GetDatasetByID(ctx context.Context, id uuid.UUID) (*store.Dataset, error) {
	if s.GetDatasetByIDFunc != nil {
		return s.GetDatasetByIDFunc(ctx, id)
	}
	return nil, store.ErrNotFound
}

func (s *stubStore) GetVersionByID(ctx context.Context, id uuid.UUID) (*store.DatasetVersion, error) {
	if s.GetVersionByIDFunc != nil {
		return s.GetVersionByIDFunc(ctx, id)
	}
	return nil, store.ErrNotFound
}

func (s *stubStore) ListVersions(ctx context.Context, datasetID uuid.UUID, limit int) ([]store.DatasetVersion, error) {
	if s.ListVersionsFunc != nil {
		return s.ListVersionsFunc(ctx, datasetID, limit)
	}
	return nil, nil
}

func (s *stubStore) CommitOutputs(ctx context.Context, tx store.DBTransaction, task *store.Task, job *store.Job, outputs []store.StagedOutput) ([]store.CommittedVersion, error) {
	if s.CommitOutputsFunc != nil {
		return s.CommitOutputsFunc(ctx, tx, task, job, outputs)
	}
	return nil, nil
}

func (s *stubStore) RecordEvent(ctx context.Context, tx store.DBTransaction, ev *store.DatasetEvent) (bool, error) {
	return false, store.ErrNotFound
}

func (s *stubStore) PurgeVersion(ctx context.Context, versionID uuid.UUID) error {
	if s.PurgeVersionFunc != nil {
		return s.PurgeVersionFunc(ctx, versionID)
	}
	return store.ErrNotFound
}

func (s *stubStore) InsertOutbox(ctx context.Context, tx store.DBTransaction, kind store.OutboxKind, payload json.RawMessage) (int64, error) {
	if s.InsertOutboxFunc != nil {
		return s.InsertOutboxFunc(ctx, tx, kind, payload)
	}
	return 1, nil
}

func (s *stubStore) ClaimOutboxBatch(ctx context.Context, limit int) ([]store.OutboxEntry, error) {
	return nil, nil
}

func (s *stubStore) MarkOutboxDone(ctx context.Context, id int64) error { return nil }

func (s *stubStore) RescheduleOutbox(ctx context.Context, id int64, attempts int, maxAttempts int, lastError string) error {
	return nil
}

func (s *stubStore) ListFailedOutbox(ctx context.Context, limit int) ([]store.OutboxEntry, error) {
	if s.ListFailedOutboxFunc != nil {
		return s.ListFailedOutboxFunc(ctx, limit)
	}
	return nil, nil
}

func (s *stubStore) RetryOutbox(ctx context.Context, id int64) error {
	if s.RetryOutboxFunc != nil {
		return s.RetryOutboxFunc(ctx, id)
	}
	return nil
}

func (s *stubStore) CountPendingOutbox(ctx context.Context) (int64, error) { return 0, nil }

func (s *stubStore) EnqueueWakeup(ctx context.Context, tx store.DBTransaction, taskID uuid.UUID, visibleAfter time.Time) (int64, error) {
	if s.EnqueueWakeupFunc != nil {
		return s.EnqueueWakeupFunc(ctx, tx, taskID, visibleAfter)
	}
	return 1, nil
}

func (s *stubStore) DequeueWakeups(ctx context.Context, limit int, invisibility time.Duration) ([]store.Wakeup, error) {
	return nil, nil
}

func (s *stubStore) DeleteWakeup(ctx context.Context, id int64) error { return nil }

func (s *stubStore) CountWakeups(ctx context.Context) (int64, error) { return 0, nil }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
