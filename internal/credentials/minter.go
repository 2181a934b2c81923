package credentials

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"flowplane/internal/captoken"
	"flowplane/internal/observability"

	miniocreds "github.com/minio/minio-go/v7/pkg/credentials"
)

// TempCredentials are short-lived storage credentials scoped by a
// session policy.
type TempCredentials struct {
	AccessKey    string
	SecretKey    string
	SessionToken string
	ExpiresAt    time.Time
}

// Minter exchanges a session policy for temporary credentials.
type Minter interface {
	Mint(ctx context.Context, policyJSON string, duration time.Duration) (*TempCredentials, error)
}

// STSMinter mints credentials through an S3-compatible STS AssumeRole
// endpoint (MinIO or AWS).
type STSMinter struct {
	endpoint  string
	accessKey string
	secretKey string
}

func NewSTSMinter(endpoint, accessKey, secretKey string) *STSMinter {
	return &STSMinter{endpoint: endpoint, accessKey: accessKey, secretKey: secretKey}
}

func (m *STSMinter) Mint(ctx context.Context, policyJSON string, duration time.Duration) (*TempCredentials, error) {
	provider, err := miniocreds.NewSTSAssumeRole(m.endpoint, miniocreds.STSAssumeRoleOptions{
		AccessKey:       m.accessKey,
		SecretKey:       m.secretKey,
		Policy:          policyJSON,
		DurationSeconds: int(duration.Seconds()),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build STS provider: %w", err)
	}

	value, err := provider.Get()
	if err != nil {
		return nil, fmt.Errorf("STS assume-role failed: %w", err)
	}

	return &TempCredentials{
		AccessKey:    value.AccessKeyID,
		SecretKey:    value.SecretAccessKey,
		SessionToken: value.SessionToken,
		ExpiresAt:    time.Now().Add(duration),
	}, nil
}

// Service derives a session policy from a capability token's grants and
// mints credentials for it.
type Service struct {
	minter Minter
	ttl    time.Duration
	log    *slog.Logger
}

func NewService(minter Minter, ttl time.Duration, log *slog.Logger) *Service {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &Service{minter: minter, ttl: ttl, log: log}
}

// Request exchanges verified grants for credentials covering exactly
// the wanted prefixes. Wanted access must be a subset of the declared
// grants; any excess is rejected with ErrGrantViolation, not narrowed.
func (s *Service) Request(ctx context.Context, grants captoken.Grants, wanted []string) (*TempCredentials, error) {
	scopes, err := resolveScopes(grants, wanted)
	if err != nil {
		if errors.Is(err, ErrGrantViolation) {
			observability.GrantViolations.Add(ctx, 1)
		}
		s.log.WarnContext(ctx, "credential request rejected",
			"wanted", wanted, "error", err)
		return nil, err
	}

	policy, err := DerivePolicy(scopes)
	if err != nil {
		return nil, err
	}

	creds, err := s.minter.Mint(ctx, policy, s.ttl)
	if err != nil {
		return nil, err
	}
	return creds, nil
}

// resolveScopes maps each wanted prefix onto the grant it falls under
// and assigns the minimum access: inputs are read-only, the output and
// scratch staging areas are read-write.
func resolveScopes(grants captoken.Grants, wanted []string) ([]Scope, error) {
	granted := make([]Scope, 0, len(grants.InputPrefixes)+2)
	for _, raw := range grants.InputPrefixes {
		p, err := CanonicalPrefix(raw)
		if err != nil {
			return nil, err
		}
		granted = append(granted, Scope{Prefix: p, Access: AccessReadOnly})
	}
	for _, raw := range []string{grants.OutputPrefix, grants.ScratchPrefix} {
		if raw == "" {
			continue
		}
		p, err := CanonicalPrefix(raw)
		if err != nil {
			return nil, err
		}
		granted = append(granted, Scope{Prefix: p, Access: AccessReadWrite})
	}

	var scopes []Scope
	for _, raw := range wanted {
		p, err := CanonicalPrefix(raw)
		if err != nil {
			return nil, err
		}

		matched := false
		for _, g := range granted {
			if g.Prefix.Contains(p) {
				scopes = append(scopes, Scope{Prefix: p, Access: g.Access})
				matched = true
				break
			}
		}
		if !matched {
			return nil, fmt.Errorf("prefix %q not covered by declared grants: %w", raw, ErrGrantViolation)
		}
	}
	return scopes, nil
}
