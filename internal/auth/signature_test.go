package auth

import (
	"crypto/ecdsa"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSigner(t *testing.T) (*ecdsa.PrivateKey, string) {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return key, strings.ToLower(crypto.PubkeyToAddress(key.PublicKey).Hex())
}

// personalSign signs like a wallet's personal_sign, with v of 27 or 28.
func personalSign(t *testing.T, key *ecdsa.PrivateKey, message string) string {
	t.Helper()
	sig, err := crypto.Sign(HashMessage(message), key)
	require.NoError(t, err)
	sig[crypto.RecoveryIDOffset] += 27
	return hexutil.Encode(sig)
}

func TestRegistrationMessage(t *testing.T) {
	assert.Equal(t,
		"reservo account registration|0xabcd000000000000000000000000000000000001|1700000000",
		RegistrationMessage("0xAbCd000000000000000000000000000000000001", 1_700_000_000))
}

func TestRecoverAddress(t *testing.T) {
	key, addr := newSigner(t)
	msg := RegistrationMessage(addr, 1_700_000_000)

	got, err := RecoverAddress(msg, personalSign(t, key, msg))
	require.NoError(t, err)
	assert.Equal(t, addr, got)

	// Raw 0/1 recovery ids are accepted too.
	raw, err := crypto.Sign(HashMessage(msg), key)
	require.NoError(t, err)
	got, err = RecoverAddress(msg, hexutil.Encode(raw)[2:])
	require.NoError(t, err)
	assert.Equal(t, addr, got)

	_, err = RecoverAddress(msg, "0xzz")
	assert.Error(t, err)
	_, err = RecoverAddress(msg, "0x"+strings.Repeat("ab", 64))
	assert.ErrorContains(t, err, "65 bytes")
}

func TestVerifySignature(t *testing.T) {
	key, addr := newSigner(t)
	_, other := newSigner(t)
	msg := RegistrationMessage(addr, 1_700_000_000)
	sig := personalSign(t, key, msg)

	assert.NoError(t, VerifySignature(msg, sig, "0x"+strings.ToUpper(addr[2:])))
	assert.ErrorIs(t, VerifySignature(msg, sig, other), ErrBadSignature)
	assert.ErrorIs(t, VerifySignature(msg+"x", sig, addr), ErrBadSignature, "signature covers the exact message")
	assert.ErrorIs(t, VerifySignature(msg, "0x00", addr), ErrBadSignature)
}
