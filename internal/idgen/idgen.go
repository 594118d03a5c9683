// Package idgen generates random identifiers for request ids and API key ids.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
)

func random(n int) []byte {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return b
}

// WithPrefix returns prefix followed by 24 random hex characters, e.g.
// "ak_3f9c...". The id carries no bits of any secret.
func WithPrefix(prefix string) string {
	return prefix + hex.EncodeToString(random(12))
}
