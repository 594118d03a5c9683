package auth

import (
	"context"
	"crypto/ecdsa"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testAddr = "0x1234567890123456789012345678901234567890"

func TestGenerateKey(t *testing.T) {
	mgr := NewManager(NewMemoryStore())

	rawKey, key, err := mgr.GenerateKey(context.Background(), testAddr, "Test key")
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(rawKey, "sk_"))
	assert.Len(t, rawKey, 67) // "sk_" + 64 hex chars
	assert.True(t, strings.HasPrefix(key.ID, "ak_"))
	assert.Equal(t, testAddr, key.Address)
	assert.Equal(t, "Test key", key.Name)
	assert.NotEqual(t, rawKey, key.Hash)
}

func TestValidateKey(t *testing.T) {
	mgr := NewManager(NewMemoryStore())
	ctx := context.Background()

	rawKey, _, err := mgr.GenerateKey(ctx, "0xAbCd000000000000000000000000000000000001", "Primary")
	require.NoError(t, err)

	key, err := mgr.ValidateKey(ctx, rawKey)
	require.NoError(t, err)
	assert.Equal(t, "0xabcd000000000000000000000000000000000001", key.Address, "address is lowercased")

	_, err = mgr.ValidateKey(ctx, "Bearer "+rawKey)
	assert.NoError(t, err)

	_, err = mgr.ValidateKey(ctx, "sk_wrongkey12345678901234567890123456789012345678901234567890")
	assert.ErrorIs(t, err, ErrInvalidAPIKey)

	_, err = mgr.ValidateKey(ctx, "")
	assert.ErrorIs(t, err, ErrNoAPIKey)

	_, err = mgr.ValidateKey(ctx, "not_a_valid_key")
	assert.ErrorIs(t, err, ErrInvalidAPIKey)
}

func signedRegistration(t *testing.T, mgr *Manager, key *ecdsa.PrivateKey, address string) Registration {
	t.Helper()
	msg, issuedAt := mgr.Challenge(address)
	return Registration{Address: address, IssuedAt: issuedAt, Signature: personalSign(t, key, msg)}
}

func TestRegister_OncePerAddress(t *testing.T) {
	mgr := NewManager(NewMemoryStore())
	ctx := context.Background()
	signer, addr := newSigner(t)

	_, key, err := mgr.Register(ctx, signedRegistration(t, mgr, signer, addr))
	require.NoError(t, err)
	assert.Equal(t, "Primary key", key.Name)
	assert.Equal(t, addr, key.Address)

	again := signedRegistration(t, mgr, signer, addr)
	again.Name = "again"
	_, _, err = mgr.Register(ctx, again)
	assert.ErrorIs(t, err, ErrAlreadyRegistered)

	// Revoking every key frees the address up again.
	require.NoError(t, mgr.RevokeKey(ctx, key.ID, addr))
	_, _, err = mgr.Register(ctx, again)
	assert.NoError(t, err)
}

func TestRegister_RequiresAddressOwner(t *testing.T) {
	mgr := NewManager(NewMemoryStore())
	ctx := context.Background()
	_, victim := newSigner(t)
	squatter, squatterAddr := newSigner(t)

	// A squatter signing with their own key cannot claim someone else's address.
	reg := signedRegistration(t, mgr, squatter, victim)
	_, _, err := mgr.Register(ctx, reg)
	assert.ErrorIs(t, err, ErrBadSignature)

	// Nor can they reuse a signature made for their own address.
	own := signedRegistration(t, mgr, squatter, squatterAddr)
	own.Address = victim
	_, _, err = mgr.Register(ctx, own)
	assert.ErrorIs(t, err, ErrBadSignature)

	_, _, err = mgr.Register(ctx, Registration{Address: victim, IssuedAt: reg.IssuedAt})
	assert.ErrorIs(t, err, ErrBadSignature)

	keys, err := mgr.ListKeys(ctx, victim)
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestRegister_ChallengeWindow(t *testing.T) {
	mgr := NewManager(NewMemoryStore())
	ctx := context.Background()
	signer, addr := newSigner(t)

	now := time.Unix(1_700_000_000, 0)
	mgr.nowFn = func() time.Time { return now }
	reg := signedRegistration(t, mgr, signer, addr)

	now = now.Add(ChallengeWindow + time.Second)
	_, _, err := mgr.Register(ctx, reg)
	assert.ErrorIs(t, err, ErrChallengeExpired)

	now = time.Unix(reg.IssuedAt, 0).Add(-ChallengeWindow - time.Second)
	_, _, err = mgr.Register(ctx, reg)
	assert.ErrorIs(t, err, ErrChallengeExpired, "issuedAt in the future")

	now = time.Unix(reg.IssuedAt, 0).Add(ChallengeWindow)
	_, _, err = mgr.Register(ctx, reg)
	assert.NoError(t, err)
}

func TestListKeys(t *testing.T) {
	mgr := NewManager(NewMemoryStore())
	ctx := context.Background()

	_, _, _ = mgr.GenerateKey(ctx, "0xParty1", "Key 1")
	_, _, _ = mgr.GenerateKey(ctx, "0xParty1", "Key 2")
	_, _, _ = mgr.GenerateKey(ctx, "0xParty2", "Key 3")

	keys, err := mgr.ListKeys(ctx, "0xParty1")
	require.NoError(t, err)
	assert.Len(t, keys, 2)

	keys, err = mgr.ListKeys(ctx, "0xPARTY2")
	require.NoError(t, err)
	assert.Len(t, keys, 1)
}

func TestRevokeKey(t *testing.T) {
	mgr := NewManager(NewMemoryStore())
	ctx := context.Background()

	rawKey, key, _ := mgr.GenerateKey(ctx, "0xParty1", "To revoke")

	_, err := mgr.ValidateKey(ctx, rawKey)
	require.NoError(t, err)

	require.NoError(t, mgr.RevokeKey(ctx, key.ID, "0xParty1"))

	_, err = mgr.ValidateKey(ctx, rawKey)
	assert.ErrorIs(t, err, ErrInvalidAPIKey)

	assert.ErrorIs(t, mgr.RevokeKey(ctx, "ak_missing", "0xParty1"), ErrKeyNotFound)
}
