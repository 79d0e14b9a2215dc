// Package auth holds the credentials used by the broker: API token hashing
// for the HTTP API and mutual-TLS configuration for the wire transport.
package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// HashKey returns the hex SHA-256 of an API token, ignoring surrounding
// whitespace so tokens pasted from env files compare equal.
func HashKey(key string) string {
	hash := sha256.Sum256([]byte(strings.TrimSpace(key)))
	return hex.EncodeToString(hash[:])
}
