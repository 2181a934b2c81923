// Package client provides an HTTP client for the flowplane API.
// It is used by the worker agent and the flowctl CLI.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"flowplane/pkg/api"
)

// Client handles API calls to the flowplane orchestrator.
type Client struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

// New creates a new client with the given base URL and bearer token.
func New(baseURL, token string) *Client {
	return &Client{
		BaseURL: baseURL,
		Token:   token,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// APIError represents an error response from the API.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
}

// do sends one request with the standard headers and decodes the JSON
// response into out. A nil body sends no payload; a nil out discards
// the response body.
func (c *Client) do(ctx context.Context, method, path string, body, out any, token string) error {
	var reader io.Reader
	if body != nil {
		bodyBytes, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(bodyBytes)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Add("Authorization", fmt.Sprintf("Bearer %s", token))
	httpReq.Header.Add("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: string(respBody)}
		var errResp api.ErrorResponse
		if json.Unmarshal(respBody, &errResp) == nil && errResp.Error != "" {
			apiErr.Code = errResp.Code
			apiErr.Message = errResp.Error
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

// CreateOrg sends POST /v1/orgs to register an organization.
func (c *Client) CreateOrg(ctx context.Context, req api.CreateOrgRequest) (*api.CreateOrgResponse, error) {
	var result api.CreateOrgResponse
	if err := c.do(ctx, http.MethodPost, "/v1/orgs", req, &result, c.Token); err != nil {
		return nil, err
	}
	return &result, nil
}

// CreateDataset sends POST /v1/datasets to register a dataset.
func (c *Client) CreateDataset(ctx context.Context, req api.CreateDatasetRequest) (*api.CreateDatasetResponse, error) {
	var result api.CreateDatasetResponse
	if err := c.do(ctx, http.MethodPost, "/v1/datasets", req, &result, c.Token); err != nil {
		return nil, err
	}
	return &result, nil
}

// GetDataset sends GET /v1/datasets/{id}.
func (c *Client) GetDataset(ctx context.Context, datasetID string) (*api.DatasetResponse, error) {
	var result api.DatasetResponse
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/v1/datasets/%s", datasetID), nil, &result, c.Token); err != nil {
		return nil, err
	}
	return &result, nil
}

// ListVersions sends GET /v1/datasets/{id}/versions.
func (c *Client) ListVersions(ctx context.Context, datasetID string) ([]api.DatasetVersionResponse, error) {
	var result api.ListVersionsResponse
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/v1/datasets/%s/versions", datasetID), nil, &result, c.Token); err != nil {
		return nil, err
	}
	return result.Versions, nil
}

// PurgeVersion sends DELETE /v1/datasets/{id}/versions/{vid} to remove
// a superseded version.
func (c *Client) PurgeVersion(ctx context.Context, datasetID, versionID string) error {
	return c.do(ctx, http.MethodDelete, fmt.Sprintf("/v1/datasets/%s/versions/%s", datasetID, versionID), nil, nil, c.Token)
}

// CreateJob sends POST /v1/jobs to declare a job.
func (c *Client) CreateJob(ctx context.Context, req api.CreateJobRequest) (*api.CreateJobResponse, error) {
	var result api.CreateJobResponse
	if err := c.do(ctx, http.MethodPost, "/v1/jobs", req, &result, c.Token); err != nil {
		return nil, err
	}
	return &result, nil
}

// TriggerJob sends POST /v1/jobs/{id}/trigger to create a task.
func (c *Client) TriggerJob(ctx context.Context, jobID string, req api.TriggerJobRequest) (*api.TriggerJobResponse, error) {
	var result api.TriggerJobResponse
	if err := c.do(ctx, http.MethodPost, fmt.Sprintf("/v1/jobs/%s/trigger", jobID), req, &result, c.Token); err != nil {
		return nil, err
	}
	return &result, nil
}

// GetTask sends GET /v1/tasks/{id} to retrieve task details.
func (c *Client) GetTask(ctx context.Context, taskID string) (*api.TaskResponse, error) {
	var result api.TaskResponse
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/v1/tasks/%s", taskID), nil, &result, c.Token); err != nil {
		return nil, err
	}
	return &result, nil
}

// CancelTask sends POST /v1/tasks/{id}/cancel.
func (c *Client) CancelTask(ctx context.Context, taskID string) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/v1/tasks/%s/cancel", taskID), nil, nil, c.Token)
}

// ClaimTask sends POST /v1/tasks/{id}/claim to acquire the lease on a
// ready task. Returns an APIError with status 409 when another worker
// got there first.
func (c *Client) ClaimTask(ctx context.Context, taskID string, req api.ClaimRequest) (*api.ClaimResponse, error) {
	var result api.ClaimResponse
	if err := c.do(ctx, http.MethodPost, fmt.Sprintf("/v1/tasks/%s/claim", taskID), req, &result, c.Token); err != nil {
		return nil, err
	}
	return &result, nil
}

// Heartbeat sends POST /v1/tasks/{id}/heartbeat to extend the lease.
func (c *Client) Heartbeat(ctx context.Context, taskID string, req api.HeartbeatRequest) (*api.HeartbeatResponse, error) {
	var result api.HeartbeatResponse
	if err := c.do(ctx, http.MethodPost, fmt.Sprintf("/v1/tasks/%s/heartbeat", taskID), req, &result, c.Token); err != nil {
		return nil, err
	}
	return &result, nil
}

// EmitEvents sends POST /v1/tasks/{id}/events to record progress events.
func (c *Client) EmitEvents(ctx context.Context, taskID string, req api.EmitEventsRequest) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/v1/tasks/%s/events", taskID), req, nil, c.Token)
}

// Complete sends POST /v1/tasks/{id}/complete to finalize the attempt.
func (c *Client) Complete(ctx context.Context, taskID string, req api.CompleteRequest) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/v1/tasks/%s/complete", taskID), req, nil, c.Token)
}

// MintCredentials sends POST /v1/credentials authenticated with the
// attempt's capability token instead of the client token.
func (c *Client) MintCredentials(ctx context.Context, capabilityToken string, req api.CredentialsRequest) (*api.CredentialsResponse, error) {
	var result api.CredentialsResponse
	if err := c.do(ctx, http.MethodPost, "/v1/credentials", req, &result, capabilityToken); err != nil {
		return nil, err
	}
	return &result, nil
}

// ListFailedOutbox sends GET /v1/outbox/failed.
func (c *Client) ListFailedOutbox(ctx context.Context, limit int) ([]api.OutboxEntryResponse, error) {
	var result api.ListOutboxResponse
	path := fmt.Sprintf("/v1/outbox/failed?limit=%d", limit)
	if err := c.do(ctx, http.MethodGet, path, nil, &result, c.Token); err != nil {
		return nil, err
	}
	return result.Entries, nil
}

// RetryOutbox sends POST /v1/outbox/{id}/retry to re-admit a failed entry.
func (c *Client) RetryOutbox(ctx context.Context, id int64) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/v1/outbox/%d/retry", id), nil, nil, c.Token)
}
