// Package captoken issues and verifies capability tokens: short-lived
// signed credentials bound to exactly one (task, attempt) and its
// declared data-access grants.
//
// Verification is stateless (signature + expiry); no call back to the
// issuer is needed. The token is a secondary control: every fenced
// lifecycle call independently re-validates (task, attempt) against the
// task row, so a token for attempt N is worthless once attempt N+1
// begins even if it has not expired.
package captoken

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Grants enumerates exactly the data a task attempt may touch, derived
// from the job's declared edges at claim time, never from caller input.
type Grants struct {
	// InputPrefixes are the storage locations of the input dataset
	// versions the task reads.
	InputPrefixes []string `json:"input_prefixes,omitempty"`
	// OutputPrefix is the per-attempt staging area for declared outputs.
	OutputPrefix string `json:"output_prefix"`
	// ScratchPrefix is per-attempt scratch space.
	ScratchPrefix string `json:"scratch_prefix"`
}

// Claims is the payload of a capability token.
type Claims struct {
	OrgID   string `json:"org"`
	TaskID  string `json:"task_id"`
	Attempt int    `json:"attempt"`
	Grants  Grants `json:"grants"`
	jwt.RegisteredClaims
}

var (
	ErrInvalidToken = errors.New("invalid capability token")
)

// Issuer mints and verifies HMAC-signed capability tokens.
type Issuer struct {
	key []byte
	ttl time.Duration
}

// NewIssuer creates an issuer with the given signing key and token TTL.
func NewIssuer(key []byte, ttl time.Duration) (*Issuer, error) {
	if len(key) < 32 {
		return nil, fmt.Errorf("capability token signing key must be at least 32 bytes")
	}
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &Issuer{key: key, ttl: ttl}, nil
}

// Issue mints a token for one (task, attempt).
func (i *Issuer) Issue(orgID, taskID uuid.UUID, attempt int, grants Grants) (string, error) {
	now := time.Now()
	claims := Claims{
		OrgID:   orgID.String(),
		TaskID:  taskID.String(),
		Attempt: attempt,
		Grants:  grants,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   taskID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
			ID:        uuid.NewString(),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(i.key)
	if err != nil {
		return "", fmt.Errorf("failed to sign capability token: %w", err)
	}
	return signed, nil
}

// Verify checks signature and expiry and returns the claims.
func (i *Issuer) Verify(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return i.key, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.TaskID == "" {
		return nil, fmt.Errorf("%w: missing task binding", ErrInvalidToken)
	}
	return claims, nil
}

// TaskUUID parses the task binding of verified claims.
func (c *Claims) TaskUUID() (uuid.UUID, error) {
	id, err := uuid.Parse(c.TaskID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: bad task id", ErrInvalidToken)
	}
	return id, nil
}
