// Package wei provides shared parsing and formatting for native-token amounts.
//
// All amounts are *big.Int in the smallest unit (1 ether = 10^18 wei). The API
// carries them as base-10 integer strings so no precision is lost in JSON.
package wei

import (
	"math/big"
	"strings"
)

// Decimals is the number of fractional digits of one ether.
const Decimals = 18

// All is the "entire balance" sentinel (2^256 - 1). Releases and withdrawals
// treat it as "everything available".
var All = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

// Ether is 10^18 wei.
var Ether = new(big.Int).Exp(big.NewInt(10), big.NewInt(Decimals), nil)

// Parse converts a base-10 integer string (e.g. "10000000000000000000") to
// wei. Returns (nil, false) on invalid input.
//
// Rules:
//   - Empty string returns (0, true)
//   - Negative amounts are rejected
//   - Fractional digits are rejected (use ParseEther for decimals)
//   - Values above All are rejected
func Parse(s string) (*big.Int, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return big.NewInt(0), true
	}
	if strings.HasPrefix(s, "-") || strings.HasPrefix(s, "+") {
		return nil, false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return nil, false
		}
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok || v.Cmp(All) > 0 {
		return nil, false
	}
	return v, true
}

// ParseEther converts a decimal ether string (e.g. "1.5") to wei. Fractional
// digits beyond 18 are truncated.
func ParseEther(s string) (*big.Int, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return big.NewInt(0), true
	}
	if strings.HasPrefix(s, "-") {
		return nil, false
	}

	parts := strings.Split(s, ".")
	if len(parts) > 2 {
		return nil, false
	}
	whole := parts[0]
	frac := ""
	if len(parts) > 1 {
		frac = parts[1]
	}
	if whole == "" {
		whole = "0"
	}

	for len(frac) < Decimals {
		frac += "0"
	}
	frac = frac[:Decimals]

	return Parse(whole + frac)
}

// Format renders wei as a base-10 integer string. nil formats as "0".
func Format(amount *big.Int) string {
	if amount == nil {
		return "0"
	}
	return amount.String()
}

// FormatEther converts wei to a human-readable decimal string with exactly
// 18 fractional digits (e.g. "1.500000000000000000").
func FormatEther(amount *big.Int) string {
	if amount == nil {
		return "0." + strings.Repeat("0", Decimals)
	}
	neg := amount.Sign() < 0
	abs := new(big.Int).Abs(amount)
	s := abs.String()
	for len(s) < Decimals+1 {
		s = "0" + s
	}
	decimal := len(s) - Decimals
	result := s[:decimal] + "." + s[decimal:]
	if neg {
		result = "-" + result
	}
	return result
}

// IsAll reports whether amount is the "entire balance" sentinel.
func IsAll(amount *big.Int) bool {
	return amount != nil && amount.Cmp(All) == 0
}

// Clone returns a copy of v, treating nil as zero.
func Clone(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

// CeilDiv returns ceil(a / b) for non-negative a and positive b.
func CeilDiv(a, b *big.Int) *big.Int {
	q, r := new(big.Int).QuoRem(a, b, new(big.Int))
	if r.Sign() != 0 {
		q.Add(q, big.NewInt(1))
	}
	return q
}
