package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"flowplane/internal/auth"
	"flowplane/internal/store"

	"github.com/google/uuid"
)

type mockOrgStore struct {
	GetOrgByAPIKeyHashFunc func(ctx context.Context, hash string) (*store.Org, error)
}

func (m *mockOrgStore) CreateOrg(ctx context.Context, org *store.Org, hashedKey string) error {
	return nil
}

func (m *mockOrgStore) GetOrgByID(ctx context.Context, id uuid.UUID) (*store.Org, error) {
	return nil, store.ErrNotFound
}

func (m *mockOrgStore) GetOrgByAPIKeyHash(ctx context.Context, hash string) (*store.Org, error) {
	if m.GetOrgByAPIKeyHashFunc != nil {
		return m.GetOrgByAPIKeyHashFunc(ctx, hash)
	}
	return nil, store.ErrNotFound
}

func TestOrgAuth(t *testing.T) {
	org := &store.Org{ID: uuid.New(), Name: "acme"}

	tests := []struct {
		name       string
		authHeader string
		lookup     func(ctx context.Context, hash string) (*store.Org, error)
		wantStatus int
	}{
		{
			name:       "missing header",
			authHeader: "",
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "wrong scheme",
			authHeader: "Basic abc123",
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "unknown key",
			authHeader: "Bearer bogus",
			lookup: func(ctx context.Context, hash string) (*store.Org, error) {
				return nil, store.ErrNotFound
			},
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "store failure",
			authHeader: "Bearer some-key",
			lookup: func(ctx context.Context, hash string) (*store.Org, error) {
				return nil, errors.New("connection refused")
			},
			wantStatus: http.StatusInternalServerError,
		},
		{
			name:       "valid key",
			authHeader: "Bearer some-key",
			lookup: func(ctx context.Context, hash string) (*store.Org, error) {
				if hash != auth.HashKey("some-key") {
					return nil, store.ErrNotFound
				}
				return org, nil
			},
			wantStatus: http.StatusOK,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotOrg *store.Org
			handler := OrgAuth(&mockOrgStore{GetOrgByAPIKeyHashFunc: tt.lookup})(
				http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
					gotOrg, _ = OrgFromContext(r.Context())
					w.WriteHeader(http.StatusOK)
				}))

			req := httptest.NewRequest(http.MethodGet, "/v1/jobs", nil)
			if tt.authHeader != "" {
				req.Header.Set("Authorization", tt.authHeader)
			}
			rec := httptest.NewRecorder()

			handler.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("expected status %d, got %d", tt.wantStatus, rec.Code)
			}
			if tt.wantStatus == http.StatusOK {
				if gotOrg == nil || gotOrg.ID != org.ID {
					t.Error("expected the authenticated org in the request context")
				}
			}
		})
	}
}

func TestOrgIDFromContext_Unauthenticated(t *testing.T) {
	if _, ok := OrgIDFromContext(context.Background()); ok {
		t.Error("expected no org on a bare context")
	}
}
