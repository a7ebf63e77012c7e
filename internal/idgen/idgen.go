// Package idgen generates identifiers for oracle correlations, API keys
// and ledger entries.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
	"strings"

	"github.com/google/uuid"
)

// Generator produces correlation ids. Services take one so tests can
// supply deterministic ids.
type Generator interface {
	NewID() string
}

// UUID is the production Generator.
type UUID struct{}

// NewID implements Generator.
func (UUID) NewID() string { return New() }

// New returns a random (v4) UUID string.
func New() string {
	return uuid.NewString()
}

// Correlation returns a correlation id suitable for an oracle job run.
// External adapters echo it back verbatim, so it carries no dashes.
func Correlation() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// WithPrefix generates a random ID with a prefix (e.g. "ent_", "key_").
// Result is prefix + 24 hex chars.
func WithPrefix(prefix string) string {
	return prefix + Hex(12)
}

// Hex generates a random hex string of the given byte length.
func Hex(numBytes int) string {
	b := make([]byte, numBytes)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(b)
}
