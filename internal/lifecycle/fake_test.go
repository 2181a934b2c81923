package lifecycle

import (
	"context"
	"database/sql"
	"encoding/json"
	"sync"
	"time"

	"flowplane/internal/store"

	"github.com/google/uuid"
)

// fakeTx satisfies store.Tx. The fake store applies writes immediately;
// commit only flips a flag so tests can assert transactional wiring.
type fakeTx struct{ committed bool }

func (*fakeTx) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return nil, nil
}
func (*fakeTx) QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return nil, nil
}
func (*fakeTx) QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return nil
}
func (t *fakeTx) Commit() error { t.committed = true; return nil }
func (*fakeTx) Rollback() error { return nil }

type fakeWakeup struct {
	id           int64
	taskID       uuid.UUID
	visibleAfter time.Time
}

// fakeStore is an in-memory Store implementation mirroring the fencing
// semantics of the Postgres store.
type fakeStore struct {
	mu sync.Mutex

	jobs     map[uuid.UUID]*store.Job
	tasks    map[uuid.UUID]*store.Task
	edges    map[uuid.UUID][]store.JobEdge
	datasets map[uuid.UUID]*store.Dataset
	versions map[uuid.UUID]*store.DatasetVersion
	outbox   []store.OutboxEntry
	wakeups  []fakeWakeup

	nextOutboxID int64
	nextWakeupID int64

	// Last transactions observed by the reap and wake-up writes.
	reapTx   store.DBTransaction
	wakeupTx store.DBTransaction

	commitErr error // forced CommitOutputs failure
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		jobs:     make(map[uuid.UUID]*store.Job),
		tasks:    make(map[uuid.UUID]*store.Task),
		edges:    make(map[uuid.UUID][]store.JobEdge),
		datasets: make(map[uuid.UUID]*store.Dataset),
		versions: make(map[uuid.UUID]*store.DatasetVersion),
	}
}

func (f *fakeStore) BeginTx(ctx context.Context) (store.Tx, error) {
	return &fakeTx{}, nil
}

func (f *fakeStore) addJob(job *store.Job) *store.Job {
	f.mu.Lock()
	defer f.mu.Unlock()
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	if job.OrgID == uuid.Nil {
		job.OrgID = uuid.New()
	}
	f.jobs[job.ID] = job
	return job
}

func (f *fakeStore) addDataset(orgID uuid.UUID, name string) *store.Dataset {
	f.mu.Lock()
	defer f.mu.Unlock()
	ds := &store.Dataset{ID: uuid.New(), OrgID: orgID, Name: name, CreatedAt: time.Now()}
	f.datasets[ds.ID] = ds
	return ds
}

func (f *fakeStore) addVersion(datasetID uuid.UUID, location string) *store.DatasetVersion {
	f.mu.Lock()
	defer f.mu.Unlock()
	v := &store.DatasetVersion{
		ID:              uuid.New(),
		DatasetID:       datasetID,
		ConfigHash:      "cfg",
		StorageLocation: location,
		CreatedAt:       time.Now(),
	}
	f.versions[v.ID] = v
	id := v.ID
	f.datasets[datasetID].CurrentVersionID = &id
	return v
}

func (f *fakeStore) outboxOfKind(kind store.OutboxKind) []store.OutboxEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.OutboxEntry
	for _, e := range f.outbox {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

// JobStore

func (f *fakeStore) CreateJob(ctx context.Context, tx store.DBTransaction, job *store.Job, edges []store.JobEdge) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs[job.ID] = job
	f.edges[job.ID] = edges
	return nil
}

func (f *fakeStore) GetJobByID(ctx context.Context, id uuid.UUID) (*store.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	copy := *job
	return &copy, nil
}

func (f *fakeStore) ListConsumers(ctx context.Context, datasetID uuid.UUID) ([]store.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var jobs []store.Job
	for jobID, edges := range f.edges {
		for _, e := range edges {
			if e.Direction == store.EdgeIn && e.DatasetID == datasetID {
				jobs = append(jobs, *f.jobs[jobID])
				break
			}
		}
	}
	return jobs, nil
}

func (f *fakeStore) ListEdges(ctx context.Context, jobID uuid.UUID) ([]store.JobEdge, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]store.JobEdge(nil), f.edges[jobID]...), nil
}

// TaskStore

func (f *fakeStore) InsertTask(ctx context.Context, tx store.DBTransaction, task *store.Task) (*store.Task, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if task.DedupeKey != nil {
		for _, existing := range f.tasks {
			if existing.JobID == task.JobID && existing.DedupeKey != nil && *existing.DedupeKey == *task.DedupeKey {
				copy := *existing
				return &copy, false, nil
			}
		}
	}
	stored := *task
	f.tasks[task.ID] = &stored
	copy := stored
	return &copy, true, nil
}

func (f *fakeStore) GetTaskByID(ctx context.Context, id uuid.UUID) (*store.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	task, ok := f.tasks[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	copy := *task
	return &copy, nil
}

func (f *fakeStore) ClaimTask(ctx context.Context, id uuid.UUID, workerID string, leaseDuration time.Duration) (*store.Lease, *store.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	task, ok := f.tasks[id]
	if !ok {
		return nil, nil, store.ErrNotFound
	}
	job := f.jobs[task.JobID]

	now := time.Now()
	claimable := task.Status == store.TaskStatusQueued ||
		(task.Status == store.TaskStatusFailed && task.NextRetryAt != nil &&
			!task.NextRetryAt.After(now) && task.Attempt < job.MaxAttempts)
	if !claimable {
		switch task.Status {
		case store.TaskStatusCanceled:
			return nil, nil, store.ErrTaskCanceled
		case store.TaskStatusFailed:
			if task.Attempt >= job.MaxAttempts {
				return nil, nil, store.ErrMaxAttempts
			}
			return nil, nil, store.ErrAlreadyClaimed
		default:
			return nil, nil, store.ErrAlreadyClaimed
		}
	}

	if task.Status == store.TaskStatusFailed {
		task.Attempt++
	}
	token := uuid.New()
	expires := now.Add(leaseDuration)
	task.Status = store.TaskStatusRunning
	task.WorkerID = &workerID
	task.LeaseToken = &token
	task.LeaseExpiresAt = &expires
	task.LastHeartbeat = &now
	task.NextRetryAt = nil
	task.ErrorMessage = nil
	if task.StartedAt == nil {
		task.StartedAt = &now
	}

	lease := &store.Lease{TaskID: id, Attempt: task.Attempt, LeaseToken: token, LeaseExpiresAt: expires}
	copy := *task
	return lease, &copy, nil
}

func (f *fakeStore) ExtendLease(ctx context.Context, id uuid.UUID, attempt int, leaseToken uuid.UUID, leaseDuration time.Duration) (time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	task, ok := f.tasks[id]
	if !ok {
		return time.Time{}, store.ErrNotFound
	}
	if task.Status == store.TaskStatusCanceled {
		return time.Time{}, store.ErrTaskCanceled
	}
	if task.Status != store.TaskStatusRunning || task.Attempt != attempt ||
		task.LeaseToken == nil || *task.LeaseToken != leaseToken ||
		task.LeaseExpiresAt == nil || !task.LeaseExpiresAt.After(time.Now()) {
		return time.Time{}, store.ErrStaleAttempt
	}
	expires := time.Now().Add(leaseDuration)
	task.LeaseExpiresAt = &expires
	now := time.Now()
	task.LastHeartbeat = &now
	return expires, nil
}

func (f *fakeStore) CheckLease(ctx context.Context, tx store.DBTransaction, id uuid.UUID, attempt int, leaseToken uuid.UUID) (*store.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	task, ok := f.tasks[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if task.Status == store.TaskStatusCanceled {
		return nil, store.ErrTaskCanceled
	}
	if task.Status != store.TaskStatusRunning || task.Attempt != attempt ||
		task.LeaseToken == nil || *task.LeaseToken != leaseToken ||
		task.LeaseExpiresAt == nil || !task.LeaseExpiresAt.After(time.Now()) {
		return nil, store.ErrStaleAttempt
	}
	copy := *task
	return &copy, nil
}

func (f *fakeStore) MarkCompleted(ctx context.Context, tx store.DBTransaction, id uuid.UUID, attempt int, outputs json.RawMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	task, ok := f.tasks[id]
	if !ok || task.Status != store.TaskStatusRunning || task.Attempt != attempt {
		return store.ErrStaleAttempt
	}
	now := time.Now()
	task.Status = store.TaskStatusCompleted
	task.Outputs = outputs
	task.CompletedAt = &now
	task.LeaseToken = nil
	task.LeaseExpiresAt = nil
	return nil
}

func (f *fakeStore) MarkFailed(ctx context.Context, tx store.DBTransaction, id uuid.UUID, attempt int, errMsg string, nextRetryAt *time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	task, ok := f.tasks[id]
	if !ok || task.Status != store.TaskStatusRunning || task.Attempt != attempt {
		return store.ErrStaleAttempt
	}
	task.Status = store.TaskStatusFailed
	task.ErrorMessage = &errMsg
	task.NextRetryAt = nextRetryAt
	task.LeaseToken = nil
	task.LeaseExpiresAt = nil
	if nextRetryAt == nil {
		now := time.Now()
		task.CompletedAt = &now
	}
	return nil
}

func (f *fakeStore) CancelTask(ctx context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	task, ok := f.tasks[id]
	if !ok || task.Status == store.TaskStatusCompleted || task.Status == store.TaskStatusCanceled {
		return store.ErrNotFound
	}
	now := time.Now()
	task.Status = store.TaskStatusCanceled
	task.LeaseToken = nil
	task.LeaseExpiresAt = nil
	task.CompletedAt = &now
	return nil
}

func (f *fakeStore) ExpiredLeases(ctx context.Context, limit int) ([]store.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.Task
	now := time.Now()
	for _, task := range f.tasks {
		if task.Status == store.TaskStatusRunning && task.LeaseExpiresAt != nil && task.LeaseExpiresAt.Before(now) {
			out = append(out, *task)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (f *fakeStore) ReapLease(ctx context.Context, tx store.DBTransaction, scanned *store.Task, nextRetryAt *time.Time, errMsg string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reapTx = tx
	if scanned.LeaseToken == nil {
		return false, nil
	}
	task, ok := f.tasks[scanned.ID]
	if !ok {
		return false, nil
	}
	if task.Status != store.TaskStatusRunning || task.Attempt != scanned.Attempt ||
		task.LeaseToken == nil || *task.LeaseToken != *scanned.LeaseToken ||
		task.LeaseExpiresAt == nil || !task.LeaseExpiresAt.Before(time.Now()) {
		return false, nil
	}
	task.Status = store.TaskStatusFailed
	task.ErrorMessage = &errMsg
	task.NextRetryAt = nextRetryAt
	task.LeaseToken = nil
	task.LeaseExpiresAt = nil
	task.WorkerID = nil
	return true, nil
}

func (f *fakeStore) CountQueued(ctx context.Context, tx store.DBTransaction, jobID uuid.UUID) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var count int64
	for _, task := range f.tasks {
		if task.JobID == jobID && task.Status == store.TaskStatusQueued {
			count++
		}
	}
	return count, nil
}

// DatasetStore

func (f *fakeStore) CreateDataset(ctx context.Context, tx store.DBTransaction, ds *store.Dataset) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.datasets[ds.ID] = ds
	return nil
}

func (f *fakeStore) GetDatasetByID(ctx context.Context, id uuid.UUID) (*store.Dataset, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ds, ok := f.datasets[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	copy := *ds
	return &copy, nil
}

func (f *fakeStore) GetVersionByID(ctx context.Context, id uuid.UUID) (*store.DatasetVersion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.versions[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	copy := *v
	return &copy, nil
}

func (f *fakeStore) ListVersions(ctx context.Context, datasetID uuid.UUID, limit int) ([]store.DatasetVersion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.DatasetVersion
	for _, v := range f.versions {
		if v.DatasetID == datasetID {
			out = append(out, *v)
		}
	}
	return out, nil
}

func (f *fakeStore) CommitOutputs(ctx context.Context, tx store.DBTransaction, task *store.Task, job *store.Job, outputs []store.StagedOutput) ([]store.CommittedVersion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.commitErr != nil {
		return nil, f.commitErr
	}
	var committed []store.CommittedVersion
	for _, out := range outputs {
		v := &store.DatasetVersion{
			ID:              uuid.New(),
			DatasetID:       out.DatasetID,
			ConfigHash:      out.ConfigHash,
			RangeKey:        out.RangeKey,
			StorageLocation: out.StorageLocation,
			TaskID:          task.ID,
			Attempt:         task.Attempt,
			CreatedAt:       time.Now(),
		}
		f.versions[v.ID] = v
		if job.UpdateStrategy == store.UpdateReplace {
			id := v.ID
			f.datasets[out.DatasetID].CurrentVersionID = &id
		}
		committed = append(committed, store.CommittedVersion{
			DatasetID: out.DatasetID,
			VersionID: v.ID,
			Cursor:    out.Cursor,
		})
	}
	return committed, nil
}

func (f *fakeStore) RecordEvent(ctx context.Context, tx store.DBTransaction, ev *store.DatasetEvent) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ds, ok := f.datasets[ev.DatasetID]
	if !ok {
		return false, store.ErrNotFound
	}
	return ds.CurrentVersionID != nil && *ds.CurrentVersionID == ev.VersionID, nil
}

func (f *fakeStore) PurgeVersion(ctx context.Context, versionID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.versions, versionID)
	return nil
}

// OutboxStore

func (f *fakeStore) InsertOutbox(ctx context.Context, tx store.DBTransaction, kind store.OutboxKind, payload json.RawMessage) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextOutboxID++
	f.outbox = append(f.outbox, store.OutboxEntry{
		ID:        f.nextOutboxID,
		Kind:      kind,
		Payload:   payload,
		Status:    store.OutboxStatusPending,
		CreatedAt: time.Now(),
	})
	return f.nextOutboxID, nil
}

func (f *fakeStore) ClaimOutboxBatch(ctx context.Context, limit int) ([]store.OutboxEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.OutboxEntry
	for i := range f.outbox {
		if f.outbox[i].Status == store.OutboxStatusPending {
			f.outbox[i].Status = store.OutboxStatusProcessing
			out = append(out, f.outbox[i])
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (f *fakeStore) MarkOutboxDone(ctx context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.outbox {
		if f.outbox[i].ID == id {
			f.outbox[i].Status = store.OutboxStatusDone
		}
	}
	return nil
}

func (f *fakeStore) RescheduleOutbox(ctx context.Context, id int64, attempts int, maxAttempts int, lastError string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.outbox {
		if f.outbox[i].ID == id {
			f.outbox[i].Attempts = attempts
			f.outbox[i].LastError = &lastError
			if attempts >= maxAttempts {
				f.outbox[i].Status = store.OutboxStatusFailed
			} else {
				f.outbox[i].Status = store.OutboxStatusPending
			}
		}
	}
	return nil
}

func (f *fakeStore) ListFailedOutbox(ctx context.Context, limit int) ([]store.OutboxEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.OutboxEntry
	for _, e := range f.outbox {
		if e.Status == store.OutboxStatusFailed {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeStore) RetryOutbox(ctx context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.outbox {
		if f.outbox[i].ID == id {
			f.outbox[i].Status = store.OutboxStatusPending
		}
	}
	return nil
}

func (f *fakeStore) CountPendingOutbox(ctx context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var count int64
	for _, e := range f.outbox {
		if e.Status == store.OutboxStatusPending {
			count++
		}
	}
	return count, nil
}

// WakeupQueue

func (f *fakeStore) EnqueueWakeup(ctx context.Context, tx store.DBTransaction, taskID uuid.UUID, visibleAfter time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.wakeupTx = tx
	f.nextWakeupID++
	f.wakeups = append(f.wakeups, fakeWakeup{id: f.nextWakeupID, taskID: taskID, visibleAfter: visibleAfter})
	return f.nextWakeupID, nil
}

func (f *fakeStore) DequeueWakeups(ctx context.Context, limit int, invisibility time.Duration) ([]store.Wakeup, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.Wakeup
	now := time.Now()
	for _, w := range f.wakeups {
		if !w.visibleAfter.After(now) {
			out = append(out, store.Wakeup{ID: w.id, TaskID: w.taskID})
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (f *fakeStore) DeleteWakeup(ctx context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, w := range f.wakeups {
		if w.id == id {
			f.wakeups = append(f.wakeups[:i], f.wakeups[i+1:]...)
			break
		}
	}
	return nil
}

func (f *fakeStore) CountWakeups(ctx context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.wakeups)), nil
}
