package models

import (
	"fmt"
	"strings"

	"github.com/holiman/uint256"
)

// Token amounts are carried as decimal strings of an unsigned 128-bit
// integer and converted exactly. Floating point never touches amount
// arithmetic: the upstream's decimal text is scaled by string shifting,
// so floor(tokenAmount * 10^decimals) is computed without rounding.

// MaxTokenDecimals bounds the decimals field of any SPL amount we accept.
const MaxTokenDecimals = 18

// ParseAmount converts a non-negative decimal string into a uint256.
// Empty strings parse as zero.
func ParseAmount(s string) (*uint256.Int, error) {
	if s == "" {
		return uint256.NewInt(0), nil
	}
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return nil, fmt.Errorf("parse amount %q: %w", s, err)
	}
	return v, nil
}

// ParseSignedAmount splits a signed decimal base-unit string into its
// sign and magnitude. Used for balance deltas, which may be negative.
func ParseSignedAmount(raw string) (neg bool, mag *uint256.Int, err error) {
	s := strings.TrimSpace(raw)
	if strings.HasPrefix(s, "-") {
		neg = true
		s = s[1:]
	} else {
		s = strings.TrimPrefix(s, "+")
	}
	mag, err = ParseAmount(s)
	if err != nil {
		return false, nil, err
	}
	if mag.IsZero() {
		neg = false
	}
	return neg, mag, nil
}

// ScaleToBaseUnits computes floor(tokenAmount * 10^decimals) exactly from
// the upstream's decimal text. "12.3456" with decimals=3 yields 12345;
// excess fractional digits are truncated, never rounded.
func ScaleToBaseUnits(tokenAmount string, decimals int) (*uint256.Int, error) {
	if decimals < 0 || decimals > MaxTokenDecimals {
		return nil, fmt.Errorf("decimals %d out of range [0,%d]", decimals, MaxTokenDecimals)
	}
	s := strings.TrimSpace(tokenAmount)
	if s == "" {
		return uint256.NewInt(0), nil
	}
	if strings.HasPrefix(s, "-") {
		return nil, fmt.Errorf("negative token amount %q", tokenAmount)
	}
	s = strings.TrimPrefix(s, "+")

	// Scientific notation shows up in upstream floats for tiny dust
	// amounts; those floor to zero at any supported decimals scale only
	// when the exponent is negative enough, so expand the mantissa.
	if i := strings.IndexAny(s, "eE"); i >= 0 {
		expanded, err := expandScientific(s[:i], s[i+1:])
		if err != nil {
			return nil, fmt.Errorf("scale %q: %w", tokenAmount, err)
		}
		s = expanded
	}

	intPart, fracPart := s, ""
	if i := strings.IndexByte(s, '.'); i >= 0 {
		intPart, fracPart = s[:i], s[i+1:]
	}
	if intPart == "" {
		intPart = "0"
	}
	if !isDigits(intPart) || (fracPart != "" && !isDigits(fracPart)) {
		return nil, fmt.Errorf("malformed decimal %q", tokenAmount)
	}

	// Shift the decimal point right by `decimals`, truncating the rest.
	if len(fracPart) > decimals {
		fracPart = fracPart[:decimals]
	}
	shifted := intPart + fracPart + strings.Repeat("0", decimals-len(fracPart))
	shifted = strings.TrimLeft(shifted, "0")
	if shifted == "" {
		return uint256.NewInt(0), nil
	}
	return uint256.FromDecimal(shifted)
}

// expandScientific rewrites mantissa/exponent decimal text into plain
// positional notation so the string-shift scaler can handle it.
func expandScientific(mantissa, exponent string) (string, error) {
	exp := 0
	negExp := false
	es := strings.TrimPrefix(exponent, "+")
	if strings.HasPrefix(es, "-") {
		negExp = true
		es = es[1:]
	}
	if !isDigits(es) || len(es) > 3 {
		return "", fmt.Errorf("bad exponent %q", exponent)
	}
	for i := 0; i < len(es); i++ {
		exp = exp*10 + int(es[i]-'0')
	}

	intPart, fracPart := mantissa, ""
	if i := strings.IndexByte(mantissa, '.'); i >= 0 {
		intPart, fracPart = mantissa[:i], mantissa[i+1:]
	}
	digits := intPart + fracPart
	point := len(intPart) // decimal point position within digits
	if negExp {
		point -= exp
	} else {
		point += exp
	}
	switch {
	case point <= 0:
		return "0." + strings.Repeat("0", -point) + digits, nil
	case point >= len(digits):
		return digits + strings.Repeat("0", point-len(digits)), nil
	default:
		return digits[:point] + "." + digits[point:], nil
	}
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// RatioWithin reports whether curr/prev lies in [lowPct, highPct] percent,
// evaluated with exact integer cross-multiplication. A zero prev never
// matches any band.
func RatioWithin(prev, curr *uint256.Int, lowPct, highPct uint64) bool {
	if prev == nil || curr == nil || prev.IsZero() {
		return false
	}
	// lowPct*prev <= 100*curr <= highPct*prev
	lo := new(uint256.Int).Mul(prev, uint256.NewInt(lowPct))
	hi := new(uint256.Int).Mul(prev, uint256.NewInt(highPct))
	mid := new(uint256.Int).Mul(curr, uint256.NewInt(100))
	return lo.Cmp(mid) <= 0 && mid.Cmp(hi) <= 0
}
