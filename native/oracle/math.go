package oracle

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/holiman/uint256"
)

// MantissaDecimals is the number of decimal places carried by a price
// mantissa.
const MantissaDecimals = 18

var (
	expScale   = uint256.NewInt(1_000_000_000_000_000_000) // 1e18
	maxUint256 = new(uint256.Int).Not(new(uint256.Int))
)

// ExpScale returns a fresh copy of the mantissa scale (10^18).
func ExpScale() *uint256.Int { return expScale.Clone() }

// mulScalarTruncate computes a*scalar/1e18 rounding toward zero. The
// intermediate product is 512 bits wide so only a result above 2^256-1
// overflows, in which case the result saturates.
func mulScalarTruncate(a, scalar *uint256.Int) (*uint256.Int, bool) {
	if a == nil || scalar == nil {
		return new(uint256.Int), false
	}
	out, overflow := new(uint256.Int).MulDivOverflow(a, scalar, expScale)
	if overflow {
		return maxUint256.Clone(), true
	}
	return out, false
}

func saturatingAdd(a, b *uint256.Int) *uint256.Int {
	out, overflow := new(uint256.Int).AddOverflow(a, b)
	if overflow {
		return maxUint256.Clone()
	}
	return out
}

func saturatingSub(a, b *uint256.Int) *uint256.Int {
	out, underflow := new(uint256.Int).SubOverflow(a, b)
	if underflow {
		return new(uint256.Int)
	}
	return out
}

func saturatingAddUint64(a, b uint64) uint64 {
	sum := a + b
	if sum < a {
		return ^uint64(0)
	}
	return sum
}

// ParseMantissa converts a decimal string such as "0.55" or "1200" into a
// mantissa scaled by 10^18. At most MantissaDecimals fractional digits are
// accepted so the conversion is exact.
func ParseMantissa(value string) (*uint256.Int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, fmt.Errorf("oracle: empty decimal")
	}
	whole, frac, hasDot := strings.Cut(trimmed, ".")
	if whole == "" {
		whole = "0"
	}
	if hasDot && frac == "" {
		return nil, fmt.Errorf("oracle: invalid decimal %q", value)
	}
	if len(frac) > MantissaDecimals {
		return nil, fmt.Errorf("oracle: decimal %q exceeds %d fractional digits", value, MantissaDecimals)
	}
	if !isDigits(whole) || !isDigits(frac) {
		return nil, fmt.Errorf("oracle: invalid decimal %q", value)
	}
	if whole = strings.TrimLeft(whole, "0"); whole == "" {
		whole = "0"
	}
	wholeInt, err := uint256.FromDecimal(whole)
	if err != nil {
		return nil, fmt.Errorf("oracle: invalid decimal %q: %w", value, err)
	}
	scaled, overflow := new(uint256.Int).MulOverflow(wholeInt, expScale)
	if overflow {
		return nil, fmt.Errorf("oracle: decimal %q overflows", value)
	}
	if frac != "" {
		padded := frac + strings.Repeat("0", MantissaDecimals-len(frac))
		fracValue, err := strconv.ParseUint(padded, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("oracle: invalid decimal %q: %w", value, err)
		}
		if _, overflow := scaled.AddOverflow(scaled, uint256.NewInt(fracValue)); overflow {
			return nil, fmt.Errorf("oracle: decimal %q overflows", value)
		}
	}
	return scaled, nil
}

// MustParseMantissa is ParseMantissa for constants; it panics on error.
func MustParseMantissa(value string) *uint256.Int {
	out, err := ParseMantissa(value)
	if err != nil {
		panic(err)
	}
	return out
}

// FormatMantissa renders a mantissa as a decimal string without trailing
// fractional zeros.
func FormatMantissa(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	quo, rem := new(uint256.Int).DivMod(v, expScale, new(uint256.Int))
	if rem.IsZero() {
		return quo.Dec()
	}
	frac := rem.Dec()
	frac = strings.Repeat("0", MantissaDecimals-len(frac)) + frac
	return quo.Dec() + "." + strings.TrimRight(frac, "0")
}

func isDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
