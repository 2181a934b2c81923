package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"flowplane/internal/captoken"
	"flowplane/internal/controller/middleware"
	"flowplane/internal/credentials"
	"flowplane/internal/lifecycle"
	"flowplane/internal/store"
	"flowplane/pkg/api"

	"github.com/google/uuid"
)

var testSigningKey = []byte("0123456789abcdef0123456789abcdef")

func newTestHandlers(t *testing.T, s *stubStore) *Handlers {
	t.Helper()

	issuer, err := captoken.NewIssuer(testSigningKey, 15*time.Minute)
	if err != nil {
		t.Fatalf("failed to build issuer: %v", err)
	}
	lm := lifecycle.NewManager(s, issuer, lifecycle.Config{StorageBucket: "flowplane"}, discardLogger())
	creds := credentials.NewService(&stubMinter{}, time.Minute, discardLogger())
	return New(s, lm, creds, discardLogger())
}

type stubMinter struct{}

func (m *stubMinter) Mint(ctx context.Context, policyJSON string, duration time.Duration) (*credentials.TempCredentials, error) {
	return &credentials.TempCredentials{
		AccessKey:    "AKIA-TEST",
		SecretKey:    "secret",
		SessionToken: "session",
		ExpiresAt:    time.Now().Add(duration),
	}, nil
}

// asOrg wraps a handler in the org auth middleware so the request
// carries an authenticated org, the way the real router assembles it.
func asOrg(s *stubStore, org *store.Org, h http.HandlerFunc) http.Handler {
	s.GetOrgByAPIKeyHashFunc = func(ctx context.Context, hash string) (*store.Org, error) {
		return org, nil
	}
	return middleware.OrgAuth(s)(h)
}

func jsonBody(t *testing.T, v interface{}) *bytes.Reader {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("failed to marshal body: %v", err)
	}
	return bytes.NewReader(b)
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) api.ErrorResponse {
	t.Helper()
	var resp api.ErrorResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode error response: %v", err)
	}
	return resp
}

func TestGetTask(t *testing.T) {
	org := &store.Org{ID: uuid.New(), Name: "acme"}
	taskID := uuid.New()

	t.Run("returns the org's task", func(t *testing.T) {
		s := &stubStore{
			GetTaskByIDFunc: func(ctx context.Context, id uuid.UUID) (*store.Task, error) {
				return &store.Task{
					ID: taskID, JobID: uuid.New(), OrgID: org.ID,
					Status: store.TaskStatusRunning, Attempt: 2,
				}, nil
			},
		}
		h := newTestHandlers(t, s)

		req := httptest.NewRequest(http.MethodGet, "/v1/tasks/"+taskID.String(), nil)
		req.Header.Set("Authorization", "Bearer test-key")
		req.SetPathValue("id", taskID.String())
		rec := httptest.NewRecorder()

		asOrg(s, org, h.GetTask).ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
		}
		var resp api.TaskResponse
		if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
			t.Fatalf("failed to decode response: %v", err)
		}
		if resp.Status != "running" || resp.Attempt != 2 {
			t.Errorf("unexpected response: %+v", resp)
		}
	})

	t.Run("another org's task is not found", func(t *testing.T) {
		s := &stubStore{
			GetTaskByIDFunc: func(ctx context.Context, id uuid.UUID) (*store.Task, error) {
				return &store.Task{ID: taskID, OrgID: uuid.New(), Status: store.TaskStatusQueued}, nil
			},
		}
		h := newTestHandlers(t, s)

		req := httptest.NewRequest(http.MethodGet, "/v1/tasks/"+taskID.String(), nil)
		req.Header.Set("Authorization", "Bearer test-key")
		req.SetPathValue("id", taskID.String())
		rec := httptest.NewRecorder()

		asOrg(s, org, h.GetTask).ServeHTTP(rec, req)

		if rec.Code != http.StatusNotFound {
			t.Errorf("expected 404, got %d", rec.Code)
		}
	})

	t.Run("malformed id", func(t *testing.T) {
		s := &stubStore{}
		h := newTestHandlers(t, s)

		req := httptest.NewRequest(http.MethodGet, "/v1/tasks/not-a-uuid", nil)
		req.Header.Set("Authorization", "Bearer test-key")
		req.SetPathValue("id", "not-a-uuid")
		rec := httptest.NewRecorder()

		asOrg(s, org, h.GetTask).ServeHTTP(rec, req)

		if rec.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", rec.Code)
		}
	})
}

func TestClaimTask(t *testing.T) {
	taskID := uuid.New()
	jobID := uuid.New()
	orgID := uuid.New()

	job := &store.Job{
		ID: jobID, OrgID: orgID, Name: "ingest",
		Operator: "ghcr.io/acme/ingest:v3", Command: []string{"python", "main.py"},
		TrustClass: store.TrustUntrustedBundle, UpdateStrategy: store.UpdateReplace,
		MaxAttempts: 3, LeaseDuration: 5 * time.Minute, Timeout: time.Hour,
	}

	t.Run("winning claim returns lease and capability token", func(t *testing.T) {
		token := uuid.New()
		expiresAt := time.Now().Add(5 * time.Minute)
		s := &stubStore{
			GetTaskByIDFunc: func(ctx context.Context, id uuid.UUID) (*store.Task, error) {
				return &store.Task{ID: taskID, JobID: jobID, OrgID: orgID, Status: store.TaskStatusQueued, Attempt: 1}, nil
			},
			GetJobByIDFunc: func(ctx context.Context, id uuid.UUID) (*store.Job, error) {
				return job, nil
			},
			ClaimTaskFunc: func(ctx context.Context, id uuid.UUID, workerID string, leaseDuration time.Duration) (*store.Lease, *store.Task, error) {
				lease := &store.Lease{TaskID: taskID, Attempt: 1, LeaseToken: token, LeaseExpiresAt: expiresAt}
				claimed := &store.Task{ID: taskID, JobID: jobID, OrgID: orgID, Status: store.TaskStatusRunning, Attempt: 1}
				return lease, claimed, nil
			},
		}
		h := newTestHandlers(t, s)

		req := httptest.NewRequest(http.MethodPost, "/v1/tasks/"+taskID.String()+"/claim",
			jsonBody(t, api.ClaimRequest{WorkerID: "worker-1"}))
		req.SetPathValue("id", taskID.String())
		rec := httptest.NewRecorder()

		h.ClaimTask(rec, req)

		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
		}
		var resp api.ClaimResponse
		if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
			t.Fatalf("failed to decode response: %v", err)
		}
		if resp.Attempt != 1 || resp.LeaseToken != token.String() {
			t.Errorf("unexpected lease in response: %+v", resp)
		}
		if resp.CapabilityToken == "" {
			t.Error("expected a capability token")
		}
		if resp.Grants.OutputPrefix == "" {
			t.Error("expected an output grant")
		}
		if resp.Operator != job.Operator || resp.TrustClass != string(job.TrustClass) {
			t.Errorf("expected job dispatch info, got %+v", resp)
		}
	})

	t.Run("lost claim conflicts", func(t *testing.T) {
		s := &stubStore{
			GetTaskByIDFunc: func(ctx context.Context, id uuid.UUID) (*store.Task, error) {
				return &store.Task{ID: taskID, JobID: jobID, OrgID: orgID, Status: store.TaskStatusRunning, Attempt: 1}, nil
			},
			GetJobByIDFunc: func(ctx context.Context, id uuid.UUID) (*store.Job, error) {
				return job, nil
			},
			ClaimTaskFunc: func(ctx context.Context, id uuid.UUID, workerID string, leaseDuration time.Duration) (*store.Lease, *store.Task, error) {
				return nil, nil, store.ErrAlreadyClaimed
			},
		}
		h := newTestHandlers(t, s)

		req := httptest.NewRequest(http.MethodPost, "/v1/tasks/"+taskID.String()+"/claim",
			jsonBody(t, api.ClaimRequest{WorkerID: "worker-2"}))
		req.SetPathValue("id", taskID.String())
		rec := httptest.NewRecorder()

		h.ClaimTask(rec, req)

		if rec.Code != http.StatusConflict {
			t.Fatalf("expected 409, got %d", rec.Code)
		}
		if resp := decodeError(t, rec); resp.Code != "already_claimed" {
			t.Errorf("expected code already_claimed, got %s", resp.Code)
		}
	})

	t.Run("missing worker id", func(t *testing.T) {
		h := newTestHandlers(t, &stubStore{})

		req := httptest.NewRequest(http.MethodPost, "/v1/tasks/"+taskID.String()+"/claim",
			jsonBody(t, api.ClaimRequest{}))
		req.SetPathValue("id", taskID.String())
		rec := httptest.NewRecorder()

		h.ClaimTask(rec, req)

		if rec.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", rec.Code)
		}
	})
}

func TestHeartbeat(t *testing.T) {
	taskID := uuid.New()
	jobID := uuid.New()
	leaseToken := uuid.New()

	task := &store.Task{ID: taskID, JobID: jobID, Status: store.TaskStatusRunning, Attempt: 1}
	job := &store.Job{ID: jobID, LeaseDuration: time.Minute}

	t.Run("renews the lease", func(t *testing.T) {
		renewed := time.Now().Add(time.Minute).UTC()
		s := &stubStore{
			GetTaskByIDFunc: func(ctx context.Context, id uuid.UUID) (*store.Task, error) { return task, nil },
			GetJobByIDFunc:  func(ctx context.Context, id uuid.UUID) (*store.Job, error) { return job, nil },
			ExtendLeaseFunc: func(ctx context.Context, id uuid.UUID, attempt int, token uuid.UUID, d time.Duration) (time.Time, error) {
				return renewed, nil
			},
		}
		h := newTestHandlers(t, s)

		req := httptest.NewRequest(http.MethodPost, "/v1/tasks/"+taskID.String()+"/heartbeat",
			jsonBody(t, api.HeartbeatRequest{Attempt: 1, LeaseToken: leaseToken.String()}))
		req.SetPathValue("id", taskID.String())
		rec := httptest.NewRecorder()

		h.Heartbeat(rec, req)

		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
		}
		var resp api.HeartbeatResponse
		if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
			t.Fatalf("failed to decode response: %v", err)
		}
		if !resp.LeaseExpiresAt.Equal(renewed) {
			t.Errorf("expected expiry %v, got %v", renewed, resp.LeaseExpiresAt)
		}
	})

	t.Run("stale attempt conflicts", func(t *testing.T) {
		s := &stubStore{
			GetTaskByIDFunc: func(ctx context.Context, id uuid.UUID) (*store.Task, error) { return task, nil },
			GetJobByIDFunc:  func(ctx context.Context, id uuid.UUID) (*store.Job, error) { return job, nil },
			ExtendLeaseFunc: func(ctx context.Context, id uuid.UUID, attempt int, token uuid.UUID, d time.Duration) (time.Time, error) {
				return time.Time{}, store.ErrStaleAttempt
			},
		}
		h := newTestHandlers(t, s)

		req := httptest.NewRequest(http.MethodPost, "/v1/tasks/"+taskID.String()+"/heartbeat",
			jsonBody(t, api.HeartbeatRequest{Attempt: 1, LeaseToken: leaseToken.String()}))
		req.SetPathValue("id", taskID.String())
		rec := httptest.NewRecorder()

		h.Heartbeat(rec, req)

		if rec.Code != http.StatusConflict {
			t.Fatalf("expected 409, got %d", rec.Code)
		}
		if resp := decodeError(t, rec); resp.Code != "stale_attempt" {
			t.Errorf("expected code stale_attempt, got %s", resp.Code)
		}
	})

	t.Run("canceled task conflicts", func(t *testing.T) {
		s := &stubStore{
			GetTaskByIDFunc: func(ctx context.Context, id uuid.UUID) (*store.Task, error) { return task, nil },
			GetJobByIDFunc:  func(ctx context.Context, id uuid.UUID) (*store.Job, error) { return job, nil },
			ExtendLeaseFunc: func(ctx context.Context, id uuid.UUID, attempt int, token uuid.UUID, d time.Duration) (time.Time, error) {
				return time.Time{}, store.ErrTaskCanceled
			},
		}
		h := newTestHandlers(t, s)

		req := httptest.NewRequest(http.MethodPost, "/v1/tasks/"+taskID.String()+"/heartbeat",
			jsonBody(t, api.HeartbeatRequest{Attempt: 1, LeaseToken: leaseToken.String()}))
		req.SetPathValue("id", taskID.String())
		rec := httptest.NewRecorder()

		h.Heartbeat(rec, req)

		if rec.Code != http.StatusConflict {
			t.Fatalf("expected 409, got %d", rec.Code)
		}
		if resp := decodeError(t, rec); resp.Code != "task_canceled" {
			t.Errorf("expected code task_canceled, got %s", resp.Code)
		}
	})
}

func TestComplete_FailureSchedulesRetry(t *testing.T) {
	taskID := uuid.New()
	jobID := uuid.New()
	leaseToken := uuid.New()

	var mu sync.Mutex
	var failedWith *time.Time
	var enqueuedAfter time.Time

	s := &stubStore{
		CheckLeaseFunc: func(ctx context.Context, tx store.DBTransaction, id uuid.UUID, attempt int, token uuid.UUID) (*store.Task, error) {
			return &store.Task{ID: taskID, JobID: jobID, Status: store.TaskStatusRunning, Attempt: 1, LeaseToken: &leaseToken}, nil
		},
		GetJobByIDFunc: func(ctx context.Context, id uuid.UUID) (*store.Job, error) {
			return &store.Job{ID: jobID, MaxAttempts: 3}, nil
		},
		MarkFailedFunc: func(ctx context.Context, tx store.DBTransaction, id uuid.UUID, attempt int, errMsg string, nextRetryAt *time.Time) error {
			mu.Lock()
			defer mu.Unlock()
			failedWith = nextRetryAt
			return nil
		},
		EnqueueWakeupFunc: func(ctx context.Context, tx store.DBTransaction, id uuid.UUID, visibleAfter time.Time) (int64, error) {
			mu.Lock()
			defer mu.Unlock()
			enqueuedAfter = visibleAfter
			return 1, nil
		},
	}
	h := newTestHandlers(t, s)

	req := httptest.NewRequest(http.MethodPost, "/v1/tasks/"+taskID.String()+"/complete",
		jsonBody(t, api.CompleteRequest{
			Attempt:      1,
			LeaseToken:   leaseToken.String(),
			Success:      false,
			ErrorMessage: "operator crashed",
		}))
	req.SetPathValue("id", taskID.String())
	rec := httptest.NewRecorder()

	h.Complete(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	mu.Lock()
	defer mu.Unlock()
	if failedWith == nil {
		t.Fatal("expected a retry time on the failed attempt")
	}
	if !enqueuedAfter.Equal(*failedWith) {
		t.Errorf("expected the retry wakeup delayed until %v, got %v", *failedWith, enqueuedAfter)
	}
}

func TestDomainErrorMapping(t *testing.T) {
	h := newTestHandlers(t, &stubStore{})

	tests := []struct {
		err        error
		wantStatus int
		wantCode   string
	}{
		{store.ErrNotFound, http.StatusNotFound, "not_found"},
		{store.ErrAlreadyClaimed, http.StatusConflict, "already_claimed"},
		{store.ErrStaleAttempt, http.StatusConflict, "stale_attempt"},
		{store.ErrTaskCanceled, http.StatusConflict, "task_canceled"},
		{store.ErrCommitConflict, http.StatusConflict, "commit_conflict"},
		{store.ErrMaxAttempts, http.StatusConflict, "max_attempts"},
		{store.ErrMalformedOutput, http.StatusUnprocessableEntity, "malformed_output"},
		{store.ErrBackpressure, http.StatusTooManyRequests, "backpressure"},
		{credentials.ErrGrantViolation, http.StatusForbidden, "grant_violation"},
	}

	for _, tt := range tests {
		t.Run(tt.wantCode, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h.domainError(rec, tt.err)

			if rec.Code != tt.wantStatus {
				t.Errorf("expected status %d, got %d", tt.wantStatus, rec.Code)
			}
			if resp := decodeError(t, rec); resp.Code != tt.wantCode {
				t.Errorf("expected code %s, got %s", tt.wantCode, resp.Code)
			}
		})
	}

	t.Run("unknown errors are opaque", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.domainError(rec, context.DeadlineExceeded)

		if rec.Code != http.StatusInternalServerError {
			t.Errorf("expected 500, got %d", rec.Code)
		}
		if resp := decodeError(t, rec); resp.Error != "Internal error" {
			t.Errorf("expected internals hidden, got %q", resp.Error)
		}
	})
}
