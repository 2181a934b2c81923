// Package credentials exchanges capability tokens for time-boxed,
// prefix-scoped object-storage credentials under deny-by-default rules.
package credentials

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrGrantViolation means a credential request exceeds the token's
// declared access. Rejected, never silently narrowed; logged as a
// security-relevant event by the caller.
var ErrGrantViolation = errors.New("credential request exceeds declared grants")

// Prefix is a canonicalized object-storage directory prefix.
type Prefix struct {
	Bucket string
	Path   string // always ends with "/"
}

func (p Prefix) String() string {
	return p.Bucket + "/" + p.Path
}

// CanonicalPrefix validates and normalizes a raw "bucket/path" prefix.
// Rules: non-empty bucket, non-empty path, no parent-traversal
// sequences, no wildcard characters; the result is treated strictly as
// a directory prefix.
func CanonicalPrefix(raw string) (Prefix, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Prefix{}, fmt.Errorf("empty prefix: %w", ErrGrantViolation)
	}
	if strings.ContainsAny(raw, "*?\\") {
		return Prefix{}, fmt.Errorf("prefix %q contains wildcard characters: %w", raw, ErrGrantViolation)
	}

	bucket, path, found := strings.Cut(raw, "/")
	if !found || bucket == "" {
		return Prefix{}, fmt.Errorf("prefix %q has no bucket: %w", raw, ErrGrantViolation)
	}

	path = strings.Trim(path, "/")
	if path == "" {
		return Prefix{}, fmt.Errorf("prefix %q grants a whole bucket: %w", raw, ErrGrantViolation)
	}
	for _, segment := range strings.Split(path, "/") {
		if segment == "" || segment == "." || segment == ".." {
			return Prefix{}, fmt.Errorf("prefix %q has traversal segments: %w", raw, ErrGrantViolation)
		}
	}

	return Prefix{Bucket: bucket, Path: path + "/"}, nil
}

// Contains reports whether other falls under p, on directory
// boundaries.
func (p Prefix) Contains(other Prefix) bool {
	return p.Bucket == other.Bucket && strings.HasPrefix(other.Path, p.Path)
}

// Access is the permission level derived for one granted prefix.
type Access int

const (
	AccessReadOnly Access = iota
	AccessReadWrite
)

// Scope is a canonicalized prefix plus its permitted access.
type Scope struct {
	Prefix Prefix
	Access Access
}

// policyDocument is an S3-style session policy. Everything not
// explicitly allowed is denied.
type policyDocument struct {
	Version   string            `json:"Version"`
	Statement []policyStatement `json:"Statement"`
}

type policyStatement struct {
	Effect    string              `json:"Effect"`
	Action    []string            `json:"Action"`
	Resource  []string            `json:"Resource"`
	Condition map[string]condKeys `json:"Condition,omitempty"`
}

type condKeys struct {
	Prefix []string `json:"s3:prefix"`
}

// DerivePolicy builds the deny-by-default session policy for a set of
// scopes. Object actions are granted at object level under each prefix;
// listing is granted only with the same prefix condition, never
// bucket-wide.
func DerivePolicy(scopes []Scope) (string, error) {
	if len(scopes) == 0 {
		return "", fmt.Errorf("no scopes requested: %w", ErrGrantViolation)
	}

	doc := policyDocument{Version: "2012-10-17"}
	for _, scope := range scopes {
		objectARN := fmt.Sprintf("arn:aws:s3:::%s/%s*", scope.Prefix.Bucket, scope.Prefix.Path)
		bucketARN := fmt.Sprintf("arn:aws:s3:::%s", scope.Prefix.Bucket)

		actions := []string{"s3:GetObject"}
		if scope.Access == AccessReadWrite {
			actions = append(actions, "s3:PutObject", "s3:DeleteObject", "s3:AbortMultipartUpload")
		}

		doc.Statement = append(doc.Statement,
			policyStatement{
				Effect:   "Allow",
				Action:   actions,
				Resource: []string{objectARN},
			},
			policyStatement{
				Effect:   "Allow",
				Action:   []string{"s3:ListBucket"},
				Resource: []string{bucketARN},
				Condition: map[string]condKeys{
					"StringLike": {Prefix: []string{scope.Prefix.Path + "*"}},
				},
			},
		)
	}

	raw, err := json.Marshal(doc)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}
