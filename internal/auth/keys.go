// Package auth generates and hashes org API keys. Only the hash is ever
// stored; the raw key is shown to the caller exactly once.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// keyPrefix marks flowplane API keys so they are recognizable in logs
// and secret scanners without revealing anything about the key itself.
const keyPrefix = "fp_"

// GenerateKey returns a new random API key with the fp_ prefix.
func GenerateKey() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to generate api key: %w", err)
	}
	return keyPrefix + hex.EncodeToString(raw), nil
}

// HashKey returns a SHA-256 hash of the key.
func HashKey(key string) string {
	key = strings.TrimSpace(key)

	hash := sha256.Sum256([]byte(key))
	return hex.EncodeToString(hash[:])
}
