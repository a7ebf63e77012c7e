// Package amount parses and formats on-chain amounts.
//
// Amounts travel through the API and the stores as base-unit integer strings
// (wei for the escrowed currency, the token's smallest unit for service-fee
// balances) and are converted to big.Int only for arithmetic.
package amount

import (
	"math/big"
	"strings"
)

// EtherDecimals is the precision of the native currency and of the
// service-fee token.
const EtherDecimals = 18

// Parse converts a base-unit integer string (e.g. "1000000000000000000") to
// a big.Int. Empty string parses as zero. Signs, decimal points and any other
// non-digit characters are rejected.
func Parse(s string) (*big.Int, bool) {
	if s == "" {
		return big.NewInt(0), true
	}
	if !allDigits(s) {
		return nil, false
	}
	return new(big.Int).SetString(s, 10)
}

// ParsePositive is Parse restricted to values greater than zero.
func ParsePositive(s string) (*big.Int, bool) {
	v, ok := Parse(s)
	if !ok || v.Sign() <= 0 {
		return nil, false
	}
	return v, true
}

// ParseDecimal converts a human-readable decimal string (e.g. "1.5") with the
// given number of decimals into base units. The fractional part is padded or
// truncated to decimals places.
func ParseDecimal(s string, decimals int) (*big.Int, bool) {
	if s == "" {
		return big.NewInt(0), true
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
	if whole == "" && frac == "" {
		return nil, false
	}
	if !allDigits(whole) || !allDigits(frac) {
		return nil, false
	}

	for len(frac) < decimals {
		frac += "0"
	}
	frac = frac[:decimals]

	combined := whole + frac
	if combined == "" {
		return big.NewInt(0), true
	}
	return new(big.Int).SetString(combined, 10)
}

// Format renders a base-unit amount. Nil formats as "0".
func Format(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

// FormatDecimal renders a base-unit amount with exactly decimals places
// (e.g. 1500000000000000000 -> "1.500000000000000000").
func FormatDecimal(v *big.Int, decimals int) string {
	if v == nil {
		v = big.NewInt(0)
	}
	neg := v.Sign() < 0
	s := new(big.Int).Abs(v).String()
	for len(s) < decimals+1 {
		s = "0" + s
	}
	point := len(s) - decimals
	out := s[:point]
	if decimals > 0 {
		out += "." + s[point:]
	}
	if neg {
		out = "-" + out
	}
	return out
}

// Percent returns v * pct / 100 truncated toward zero.
func Percent(v *big.Int, pct int64) *big.Int {
	out := new(big.Int).Mul(v, big.NewInt(pct))
	return out.Quo(out, big.NewInt(100))
}

// Add returns a + b as a base-unit string. Both inputs must already be valid.
func Add(a, b string) string {
	x, _ := Parse(a)
	y, _ := Parse(b)
	return Format(new(big.Int).Add(x, y))
}

// Cmp compares two base-unit strings; invalid input compares as zero.
func Cmp(a, b string) int {
	x, ok := Parse(a)
	if !ok {
		x = big.NewInt(0)
	}
	y, ok := Parse(b)
	if !ok {
		y = big.NewInt(0)
	}
	return x.Cmp(y)
}

func allDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
