// Package helpers provides common utility functions used across the codebase.
package helpers

import (
	"fmt"
	"math/big"
)

// Escrow amounts span every integrated chain, so everything is carried as
// *big.Int in the asset's smallest units (wei, satoshi, lamports, token base
// units). uint64 is not enough: 18-decimal ERC20 balances overflow it.

// FormatUnits formats an amount in smallest units as a decimal string.
// For example, FormatUnits(big.NewInt(1003000000), 8) returns "10.03".
func FormatUnits(amount *big.Int, decimals uint8) string {
	if amount == nil {
		return "0"
	}
	if decimals == 0 {
		return amount.String()
	}

	neg := amount.Sign() < 0
	abs := new(big.Int).Abs(amount)
	divisor := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)

	whole := new(big.Int).Div(abs, divisor)
	frac := new(big.Int).Mod(abs, divisor)

	out := whole.String()
	if frac.Sign() != 0 {
		fracStr := fmt.Sprintf("%0*d", int(decimals), frac)
		for len(fracStr) > 0 && fracStr[len(fracStr)-1] == '0' {
			fracStr = fracStr[:len(fracStr)-1]
		}
		out = out + "." + fracStr
	}
	if neg {
		out = "-" + out
	}
	return out
}

// ParseUnits parses a decimal string to smallest units.
// For example, ParseUnits("10.03", 8) returns 1003000000.
// More fractional digits than the asset carries is an error, not silent
// truncation: a request for a sub-unit amount cannot be settled on chain.
func ParseUnits(s string, decimals uint8) (*big.Int, error) {
	if s == "" {
		return nil, fmt.Errorf("empty amount string")
	}

	neg := false
	if s[0] == '-' {
		neg = true
		s = s[1:]
	}

	wholeStr := s
	fracStr := ""
	for i, c := range s {
		if c == '.' {
			wholeStr = s[:i]
			fracStr = s[i+1:]
			break
		}
	}
	if wholeStr == "" && fracStr == "" {
		return nil, fmt.Errorf("invalid amount: %q", s)
	}
	if wholeStr == "" {
		wholeStr = "0"
	}

	for _, c := range wholeStr {
		if c < '0' || c > '9' {
			return nil, fmt.Errorf("invalid character in amount: %c", c)
		}
	}
	for _, c := range fracStr {
		if c < '0' || c > '9' {
			return nil, fmt.Errorf("invalid character in amount: %c", c)
		}
	}

	if len(fracStr) > int(decimals) {
		return nil, fmt.Errorf("amount %q has more than %d decimal places", s, decimals)
	}
	for len(fracStr) < int(decimals) {
		fracStr += "0"
	}

	amount, ok := new(big.Int).SetString(wholeStr+fracStr, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount: %q", s)
	}
	if neg {
		amount.Neg(amount)
	}
	return amount, nil
}

// ApplyBps returns amount * bps / 10000, truncated toward zero.
// Used for percentage commissions; truncation keeps the sum of trade and
// commission at or below the deposited value.
func ApplyBps(amount *big.Int, bps uint32) *big.Int {
	if amount == nil || amount.Sign() == 0 || bps == 0 {
		return new(big.Int)
	}
	out := new(big.Int).Mul(amount, big.NewInt(int64(bps)))
	return out.Div(out, big.NewInt(10000))
}

// SubClamped returns a - b, floored at zero. Escrow arithmetic never goes
// negative; a larger b means the balance is already consumed.
func SubClamped(a, b *big.Int) *big.Int {
	out := new(big.Int).Sub(a, b)
	if out.Sign() < 0 {
		return new(big.Int)
	}
	return out
}
