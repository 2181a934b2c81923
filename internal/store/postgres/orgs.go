package postgres

import (
	"context"
	"database/sql"
	"errors"

	"flowplane/internal/store"

	"github.com/google/uuid"
)

func (s *Store) CreateOrg(ctx context.Context, org *store.Org, hashedKey string) error {
	query := `
		INSERT INTO orgs (id, name, api_key_hash, rate_limit, rate_limit_burst, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err := s.db.ExecContext(ctx, query,
		org.ID, org.Name, hashedKey, org.RateLimit, org.RateLimitBurst, org.CreatedAt)
	return err
}

func (s *Store) GetOrgByID(ctx context.Context, id uuid.UUID) (*store.Org, error) {
	return s.getOrg(ctx,
		"SELECT id, name, rate_limit, rate_limit_burst, created_at FROM orgs WHERE id = $1", id)
}

func (s *Store) GetOrgByAPIKeyHash(ctx context.Context, hash string) (*store.Org, error) {
	return s.getOrg(ctx,
		"SELECT id, name, rate_limit, rate_limit_burst, created_at FROM orgs WHERE api_key_hash = $1", hash)
}

func (s *Store) getOrg(ctx context.Context, query string, arg interface{}) (*store.Org, error) {
	var org store.Org
	err := s.db.QueryRowContext(ctx, query, arg).Scan(
		&org.ID, &org.Name, &org.RateLimit, &org.RateLimitBurst, &org.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &org, nil
}
