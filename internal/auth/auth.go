// Package auth maps bearer API keys to trading parties.
//
// Every mutating escrow, balance and fee endpoint acts on behalf of the
// party bound to the presented key. Keys are issued by an operator holding
// the admin secret, are shown once, and are stored only as a SHA-256 hash.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"
)

const keyPrefix = "sk_"

var (
	ErrNoAPIKey      = errors.New("API key required")
	ErrInvalidAPIKey = errors.New("invalid or revoked API key")
	ErrKeyNotFound   = errors.New("API key not found")
)

// APIKey is the stored half of an issued key.
type APIKey struct {
	ID        string    `json:"id"`
	Hash      string    `json:"-"`
	Party     string    `json:"party"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
	LastUsed  time.Time `json:"lastUsed,omitempty"`
	Revoked   bool      `json:"revoked"`
}

// Store persists API keys.
type Store interface {
	Create(ctx context.Context, key *APIKey) error
	GetByHash(ctx context.Context, hash string) (*APIKey, error)
	ListByParty(ctx context.Context, party string) ([]*APIKey, error)
	Revoke(ctx context.Context, id, party string) error
	Touch(ctx context.Context, id string, at time.Time) error
}

// Manager issues and validates keys.
type Manager struct {
	store Store
	now   func() time.Time
}

func NewManager(store Store) *Manager {
	return &Manager{store: store, now: time.Now}
}

// GenerateKey creates a key for party. The raw key is returned once and
// never stored.
func (m *Manager) GenerateKey(ctx context.Context, party, name string) (string, *APIKey, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", nil, err
	}
	raw := keyPrefix + hex.EncodeToString(b)

	key := &APIKey{
		ID:        "ak_" + hex.EncodeToString(b[:8]),
		Hash:      hashKey(raw),
		Party:     strings.ToLower(party),
		Name:      name,
		CreatedAt: m.now().UTC(),
	}
	if err := m.store.Create(ctx, key); err != nil {
		return "", nil, err
	}
	return raw, key, nil
}

// ValidateKey resolves a presented key, with or without a "Bearer " prefix.
func (m *Manager) ValidateKey(ctx context.Context, raw string) (*APIKey, error) {
	raw = strings.TrimSpace(strings.TrimPrefix(raw, "Bearer "))
	if raw == "" {
		return nil, ErrNoAPIKey
	}
	if !strings.HasPrefix(raw, keyPrefix) {
		return nil, ErrInvalidAPIKey
	}

	key, err := m.store.GetByHash(ctx, hashKey(raw))
	if err != nil || key.Revoked {
		return nil, ErrInvalidAPIKey
	}

	// last-used is advisory; a failed touch never fails the request
	_ = m.store.Touch(ctx, key.ID, m.now().UTC())
	return key, nil
}

// ListKeys returns the keys bound to party, newest first.
func (m *Manager) ListKeys(ctx context.Context, party string) ([]*APIKey, error) {
	return m.store.ListByParty(ctx, strings.ToLower(party))
}

// RevokeKey revokes one of party's keys.
func (m *Manager) RevokeKey(ctx context.Context, keyID, party string) error {
	return m.store.Revoke(ctx, keyID, strings.ToLower(party))
}

func hashKey(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}
