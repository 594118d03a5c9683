// Package auth binds API keys to party addresses.
//
// Authentication model:
//   - Reads (listings, reservations, balances): no auth required
//   - Mutations (reserve, cancel, resolve, withdraw): the caller is the
//     address bound to the presented API key
//   - The first key for an address is issued by POST /v1/accounts to
//     whoever signs RegistrationMessage with that address's private key
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/mbd888/reservo/internal/idgen"
)

var (
	ErrNoAPIKey          = errors.New("API key required")
	ErrInvalidAPIKey     = errors.New("invalid or expired API key")
	ErrKeyNotFound       = errors.New("API key not found")
	ErrAlreadyRegistered = errors.New("address already has an account")
	ErrBadSignature      = errors.New("signature does not prove control of the address")
	ErrChallengeExpired  = errors.New("registration challenge expired")
)

// APIKey represents an API key
type APIKey struct {
	ID        string     `json:"id"`
	Hash      string     `json:"-"`       // SHA256 of the raw key
	Address   string     `json:"address"` // party the key acts as
	Name      string     `json:"name"`
	CreatedAt time.Time  `json:"createdAt"`
	LastUsed  time.Time  `json:"lastUsed,omitempty"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
	Revoked   bool       `json:"revoked"`
}

// Store persists API keys
type Store interface {
	Create(ctx context.Context, key *APIKey) error
	GetByHash(ctx context.Context, hash string) (*APIKey, error)
	GetByAddress(ctx context.Context, addr string) ([]*APIKey, error)
	Update(ctx context.Context, key *APIKey) error
}

// Manager handles authentication
type Manager struct {
	store Store
	nowFn func() time.Time
}

// NewManager creates a new auth manager
func NewManager(store Store) *Manager {
	return &Manager{store: store, nowFn: time.Now}
}

// Registration claims an address. Signature is the address's EIP-191
// signature over RegistrationMessage(Address, IssuedAt).
type Registration struct {
	Address   string
	Name      string
	IssuedAt  int64 // unix seconds
	Signature string
}

// Challenge returns the message to sign for registering address now.
func (m *Manager) Challenge(address string) (message string, issuedAt int64) {
	issuedAt = m.nowFn().Unix()
	return RegistrationMessage(address, issuedAt), issuedAt
}

// Register issues the first API key for an address once the caller proves
// they hold its private key. An address that already holds a live key must
// use CreateKey from an authenticated session instead.
func (m *Manager) Register(ctx context.Context, reg Registration) (string, *APIKey, error) {
	skew := m.nowFn().Sub(time.Unix(reg.IssuedAt, 0))
	if skew > ChallengeWindow || skew < -ChallengeWindow {
		return "", nil, ErrChallengeExpired
	}
	if err := VerifySignature(RegistrationMessage(reg.Address, reg.IssuedAt), reg.Signature, reg.Address); err != nil {
		return "", nil, err
	}

	existing, err := m.store.GetByAddress(ctx, strings.ToLower(reg.Address))
	if err != nil {
		return "", nil, err
	}
	for _, k := range existing {
		if !k.Revoked {
			return "", nil, ErrAlreadyRegistered
		}
	}
	name := reg.Name
	if name == "" {
		name = "Primary key"
	}
	return m.GenerateKey(ctx, reg.Address, name)
}

// GenerateKey creates a new API key for an address.
// Returns the raw key (shown once) and the stored metadata.
func (m *Manager) GenerateKey(ctx context.Context, address, name string) (rawKey string, key *APIKey, err error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", nil, err
	}

	rawKey = "sk_" + hex.EncodeToString(b)
	key = &APIKey{
		ID:        idgen.WithPrefix("ak_"),
		Hash:      hashKey(rawKey),
		Address:   strings.ToLower(address),
		Name:      name,
		CreatedAt: m.nowFn(),
	}

	if err := m.store.Create(ctx, key); err != nil {
		return "", nil, err
	}
	return rawKey, key, nil
}

// ValidateKey validates an API key and returns the key metadata
func (m *Manager) ValidateKey(ctx context.Context, rawKey string) (*APIKey, error) {
	if rawKey == "" {
		return nil, ErrNoAPIKey
	}

	rawKey = strings.TrimSpace(strings.TrimPrefix(rawKey, "Bearer "))
	if !strings.HasPrefix(rawKey, "sk_") {
		return nil, ErrInvalidAPIKey
	}

	key, err := m.store.GetByHash(ctx, hashKey(rawKey))
	if err != nil {
		return nil, ErrInvalidAPIKey
	}
	if key.Revoked {
		return nil, ErrInvalidAPIKey
	}
	if key.ExpiresAt != nil && m.nowFn().After(*key.ExpiresAt) {
		return nil, ErrInvalidAPIKey
	}

	// Last-used tracking is fire and forget.
	touched := *key
	touched.LastUsed = m.nowFn()
	go func() {
		_ = m.store.Update(context.Background(), &touched)
	}()

	return key, nil
}

// ListKeys returns all keys for an address
func (m *Manager) ListKeys(ctx context.Context, address string) ([]*APIKey, error) {
	return m.store.GetByAddress(ctx, strings.ToLower(address))
}

// RevokeKey revokes one of address's API keys
func (m *Manager) RevokeKey(ctx context.Context, keyID, address string) error {
	keys, err := m.store.GetByAddress(ctx, strings.ToLower(address))
	if err != nil {
		return err
	}

	for _, k := range keys {
		if k.ID == keyID {
			k.Revoked = true
			return m.store.Update(ctx, k)
		}
	}
	return ErrKeyNotFound
}

func hashKey(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}
