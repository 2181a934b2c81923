// Package store contains the database layer for flowplane.
package store

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Org represents an organization that owns jobs and datasets.
// All operator-facing operations must be scoped by OrgID.
type Org struct {
	ID             uuid.UUID
	Name           string
	RateLimit      int
	RateLimitBurst int
	CreatedAt      time.Time
}

// UpdateStrategy describes how a job's outputs are applied to its
// target dataset.
type UpdateStrategy string

const (
	// UpdateReplace creates a new dataset version and swaps the
	// current-version pointer atomically.
	UpdateReplace UpdateStrategy = "replace"
	// UpdateAppend upserts rows keyed by a deterministic dedupe key.
	UpdateAppend UpdateStrategy = "append"
)

// TrustClass controls which runtime a job's operator is dispatched to.
// The core never branches on implementation language, only on trust
// class and declared grants.
type TrustClass string

const (
	TrustTrustedOperator TrustClass = "trusted-operator"
	TrustUntrustedBundle TrustClass = "untrusted-bundle"
)

// Job is a declarative definition of a unit of recurring work.
// Immutable once part of a published graph version; edits produce a
// new GraphVersion.
type Job struct {
	ID             uuid.UUID
	OrgID          uuid.UUID
	Name           string
	GraphVersion   int
	Operator       string // operator implementation reference (image or registered name)
	Command        []string
	TrustClass     TrustClass
	UpdateStrategy UpdateStrategy
	MaxAttempts    int
	LeaseDuration  time.Duration
	Timeout        time.Duration
	// MaxQueued bounds outstanding queued tasks for this job before the
	// router applies backpressure. Zero means the configured default.
	MaxQueued int
	CreatedAt time.Time
}

// EdgeDirection marks a job edge as consuming or producing a dataset.
type EdgeDirection string

const (
	EdgeIn  EdgeDirection = "in"
	EdgeOut EdgeDirection = "out"
)

// JobEdge is one declared input or output edge between a job and a
// dataset. The set of edges is the dependency graph the event router
// walks.
type JobEdge struct {
	JobID     uuid.UUID
	DatasetID uuid.UUID
	Direction EdgeDirection
}

// TaskStatus represents the lifecycle state of a task.
type TaskStatus string

const (
	TaskStatusQueued    TaskStatus = "queued"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCanceled  TaskStatus = "canceled"
)

// Task is one attempt-bearing unit of execution of a Job.
//
// At most one worker holds a valid lease for the current attempt at any
// time: a lease is valid only while now() < LeaseExpiresAt and the
// caller's (Attempt, LeaseToken) match the stored values exactly.
type Task struct {
	ID             uuid.UUID
	JobID          uuid.UUID
	OrgID          uuid.UUID
	DedupeKey      *string
	Status         TaskStatus
	Attempt        int
	WorkerID       *string
	LeaseToken     *uuid.UUID
	LeaseExpiresAt *time.Time
	LastHeartbeat  *time.Time
	NextRetryAt    *time.Time
	ErrorMessage   *string
	Payload        json.RawMessage
	Outputs        json.RawMessage
	CreatedAt      time.Time
	StartedAt      *time.Time
	CompletedAt    *time.Time
}

// Lease is the result of a successful claim: the fencing values a
// worker must present on every subsequent lifecycle call.
type Lease struct {
	TaskID         uuid.UUID
	Attempt        int
	LeaseToken     uuid.UUID
	LeaseExpiresAt time.Time
}

// Dataset is a stable, named, producer-owned logical output.
type Dataset struct {
	ID               uuid.UUID
	OrgID            uuid.UUID
	Name             string
	CurrentVersionID *uuid.UUID
	CreatedAt        time.Time
}

// DatasetVersion is an immutable, content- and config-addressed
// generation of a dataset. It becomes visible to readers only after an
// atomic commit; partially-written or abandoned attempts never do.
type DatasetVersion struct {
	ID              uuid.UUID
	DatasetID       uuid.UUID
	ConfigHash      string
	RangeKey        *string
	StorageLocation string
	TaskID          uuid.UUID
	Attempt         int
	CreatedAt       time.Time
}

// DatasetRecord is one logical row of an append-strategy dataset,
// unique per (DatasetID, DedupeKey) so redelivery is a no-op.
type DatasetRecord struct {
	DatasetID uuid.UUID
	DedupeKey string
	Payload   json.RawMessage
	TaskID    uuid.UUID
	CreatedAt time.Time
}

// OutboxStatus represents the state of an outbox entry.
type OutboxStatus string

const (
	OutboxStatusPending    OutboxStatus = "pending"
	OutboxStatusProcessing OutboxStatus = "processing"
	OutboxStatusDone       OutboxStatus = "done"
	OutboxStatusFailed     OutboxStatus = "failed"
)

// OutboxKind identifies the side effect an outbox entry records.
type OutboxKind string

const (
	// OutboxKindTaskWakeup publishes a task id to the wakeup queue.
	OutboxKindTaskWakeup OutboxKind = "task_wakeup"
	// OutboxKindRouteEvent feeds a dataset event to the event router.
	OutboxKindRouteEvent OutboxKind = "route_event"
)

// OutboxEntry is a durable record of a pending external side effect,
// written in the same transaction as the state change that necessitates
// it. A side effect that depends on a committed state change is never
// lost across process restarts.
type OutboxEntry struct {
	ID          int64
	Kind        OutboxKind
	Payload     json.RawMessage
	Status      OutboxStatus
	Attempts    int
	AvailableAt time.Time
	LastError   *string
	CreatedAt   time.Time
}

// Wakeup is a dequeued entry from the wakeup queue. The payload is the
// task id only; the state store stays authoritative for task content.
type Wakeup struct {
	ID     int64
	TaskID uuid.UUID
}

// EventMessage is the JSON payload of a route_event outbox entry: one
// upstream completion/progress event awaiting routing.
type EventMessage struct {
	DatasetID uuid.UUID `json:"dataset_id"`
	VersionID uuid.UUID `json:"version_id"`
	Cursor    string    `json:"cursor,omitempty"`
}

// WakeupMessage is the JSON payload of a task_wakeup outbox entry.
type WakeupMessage struct {
	TaskID uuid.UUID `json:"task_id"`
}

// DatasetEvent is an accepted upstream event, retained for audit even
// when it is not routed (superseded generation).
type DatasetEvent struct {
	ID        int64
	DatasetID uuid.UUID
	VersionID uuid.UUID
	Cursor    string
	Routed    bool
	CreatedAt time.Time
}
