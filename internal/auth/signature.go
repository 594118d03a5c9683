package auth

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
)

// ChallengeWindow bounds how far a registration's issuedAt may be from the
// server clock, in either direction.
const ChallengeWindow = 5 * time.Minute

// RegistrationMessage is the text an address owner signs to claim it.
// Format: "reservo account registration|{address}|{issuedAt}"
func RegistrationMessage(address string, issuedAt int64) string {
	return fmt.Sprintf("reservo account registration|%s|%d", strings.ToLower(address), issuedAt)
}

// HashMessage creates an Ethereum signed message hash
// This prefixes the message with "\x19Ethereum Signed Message:\n{len}" as per EIP-191
func HashMessage(message string) []byte {
	prefix := fmt.Sprintf("\x19Ethereum Signed Message:\n%d", len(message))
	return crypto.Keccak256([]byte(prefix + message))
}

// RecoverAddress recovers the signer's address from a message and signature.
// signature should be hex-encoded, 65 bytes (r[32] + s[32] + v[1])
func RecoverAddress(message, signatureHex string) (string, error) {
	signature, err := hex.DecodeString(strings.TrimPrefix(signatureHex, "0x"))
	if err != nil {
		return "", fmt.Errorf("invalid signature hex: %w", err)
	}
	if len(signature) != crypto.SignatureLength {
		return "", fmt.Errorf("signature must be %d bytes, got %d", crypto.SignatureLength, len(signature))
	}

	// Wallets sign with v = 27 or 28; SigToPub expects 0 or 1.
	if signature[crypto.RecoveryIDOffset] >= 27 {
		signature[crypto.RecoveryIDOffset] -= 27
	}

	pub, err := crypto.SigToPub(HashMessage(message), signature)
	if err != nil {
		return "", fmt.Errorf("failed to recover public key: %w", err)
	}
	return strings.ToLower(crypto.PubkeyToAddress(*pub).Hex()), nil
}

// VerifySignature checks that expectedAddress signed message.
func VerifySignature(message, signatureHex, expectedAddress string) error {
	recovered, err := RecoverAddress(message, signatureHex)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	if !strings.EqualFold(recovered, expectedAddress) {
		return fmt.Errorf("%w: signed by %s", ErrBadSignature, recovered)
	}
	return nil
}
