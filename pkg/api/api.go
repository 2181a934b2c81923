// Package api contains shared JSON request/response structs.
// This package is shared between the CLI, the worker agent and the
// orchestrator.
package api

import (
	"encoding/json"
	"time"
)

// CreateOrgRequest is the request body for creating a new organization.
type CreateOrgRequest struct {
	Name string `json:"name"`
}

// CreateOrgResponse is the response body after creating an organization.
// The API key is returned exactly once.
type CreateOrgResponse struct {
	ID     string `json:"org_id"`
	Name   string `json:"name"`
	APIKey string `json:"api_key"`
}

// CreateDatasetRequest registers a named dataset.
type CreateDatasetRequest struct {
	Name string `json:"name"`
}

// CreateDatasetResponse is the response body after registering a dataset.
type CreateDatasetResponse struct {
	DatasetID string `json:"dataset_id"`
}

// CreateJobRequest declares a job: its operator, trust class, update
// strategy, retry/lease parameters and dataset edges.
type CreateJobRequest struct {
	Name              string   `json:"name"`
	Operator          string   `json:"operator"`
	Command           []string `json:"command,omitempty"`
	TrustClass        string   `json:"trust_class"`
	UpdateStrategy    string   `json:"update_strategy"`
	MaxAttempts       int      `json:"max_attempts,omitempty"`
	LeaseDurationSecs int      `json:"lease_duration_secs,omitempty"`
	TimeoutSecs       int      `json:"timeout_secs,omitempty"`
	MaxQueued         int      `json:"max_queued,omitempty"`
	InputDatasets     []string `json:"input_datasets,omitempty"`
	OutputDatasets    []string `json:"output_datasets,omitempty"`
}

// CreateJobResponse is the response body after declaring a job.
type CreateJobResponse struct {
	JobID string `json:"job_id"`
}

// TriggerJobRequest manually creates a task for a job.
type TriggerJobRequest struct {
	DedupeKey *string         `json:"dedupe_key,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// TriggerJobResponse reports the (possibly pre-existing) task.
type TriggerJobResponse struct {
	TaskID  string `json:"task_id"`
	Created bool   `json:"created"`
}

// ClaimRequest identifies the worker acquiring the lease.
type ClaimRequest struct {
	WorkerID string `json:"worker_id"`
}

// ClaimResponse carries everything a worker needs to execute one
// attempt: the fencing values, the capability token and the payload.
type ClaimResponse struct {
	Attempt         int             `json:"attempt"`
	LeaseToken      string          `json:"lease_token"`
	LeaseExpiresAt  time.Time       `json:"lease_expires_at"`
	CapabilityToken string          `json:"capability_token"`
	Grants          Grants          `json:"grants"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	Operator        string          `json:"operator"`
	Command         []string        `json:"command,omitempty"`
	TrustClass      string          `json:"trust_class"`
	TimeoutSecs     int             `json:"timeout_secs"`
}

// Grants enumerates a task attempt's declared data access.
type Grants struct {
	InputPrefixes []string `json:"input_prefixes,omitempty"`
	OutputPrefix  string   `json:"output_prefix"`
	ScratchPrefix string   `json:"scratch_prefix"`
}

// HeartbeatRequest extends the lease.
type HeartbeatRequest struct {
	Attempt    int    `json:"attempt"`
	LeaseToken string `json:"lease_token"`
}

// HeartbeatResponse returns the new expiry.
type HeartbeatResponse struct {
	LeaseExpiresAt time.Time `json:"lease_expires_at"`
}

// Event is one upstream completion/progress event.
type Event struct {
	DatasetID string `json:"dataset_id"`
	VersionID string `json:"version_id"`
	Cursor    string `json:"cursor,omitempty"`
}

// EmitEventsRequest records mid-execution events.
type EmitEventsRequest struct {
	Attempt    int     `json:"attempt"`
	LeaseToken string  `json:"lease_token"`
	Events     []Event `json:"events"`
}

// StagedOutput describes one staged output awaiting commit.
type StagedOutput struct {
	DatasetID       string          `json:"dataset_id"`
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

// CompleteRequest finalizes an attempt.
type CompleteRequest struct {
	Attempt      int            `json:"attempt"`
	LeaseToken   string         `json:"lease_token"`
	Success      bool           `json:"success"`
	Outputs      []StagedOutput `json:"outputs,omitempty"`
	FinalEvents  []Event        `json:"final_events,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
}

// CredentialsRequest exchanges a capability token (in the
// Authorization header) for storage credentials over the wanted
// prefixes. Wanted access must be a subset of the token's grants.
type CredentialsRequest struct {
	WantedPrefixes []string `json:"wanted_prefixes"`
}

// CredentialsResponse carries minted short-lived credentials.
type CredentialsResponse struct {
	AccessKey    string    `json:"access_key"`
	SecretKey    string    `json:"secret_key"`
	SessionToken string    `json:"session_token"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// TaskResponse represents a task in API responses.
type TaskResponse struct {
	ID             string     `json:"id"`
	JobID          string     `json:"job_id"`
	Status         string     `json:"status"`
	Attempt        int        `json:"attempt"`
	DedupeKey      *string    `json:"dedupe_key,omitempty"`
	WorkerID       *string    `json:"worker_id,omitempty"`
	LeaseExpiresAt *time.Time `json:"lease_expires_at,omitempty"`
	NextRetryAt    *time.Time `json:"next_retry_at,omitempty"`
	Error          *string    `json:"error,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}

// DatasetResponse represents a dataset and its current version pointer.
type DatasetResponse struct {
	ID               string  `json:"id"`
	Name             string  `json:"name"`
	CurrentVersionID *string `json:"current_version_id,omitempty"`
}

// DatasetVersionResponse represents one committed version.
type DatasetVersionResponse struct {
	ID              string    `json:"id"`
	ConfigHash      string    `json:"config_hash"`
	RangeKey        *string   `json:"range_key,omitempty"`
	StorageLocation string    `json:"storage_location"`
	TaskID          string    `json:"task_id"`
	Attempt         int       `json:"attempt"`
	CreatedAt       time.Time `json:"created_at"`
}

// ListVersionsResponse is the response body for version listings.
type ListVersionsResponse struct {
	Versions []DatasetVersionResponse `json:"versions"`
}

// OutboxEntryResponse represents a visibly failed outbox entry.
type OutboxEntryResponse struct {
	ID        int64           `json:"id"`
	Kind      string          `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
	Attempts  int             `json:"attempts"`
	LastError *string         `json:"last_error,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// ListOutboxResponse is the response body for failed-outbox listings.
type ListOutboxResponse struct {
	Entries []OutboxEntryResponse `json:"entries"`
}

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}
