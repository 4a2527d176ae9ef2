package math

import (
	"errors"

	"github.com/holiman/uint256"
)

// DecimalConfig defines fixed-point precision
type DecimalConfig struct {
	DecimalPrecision int    // Number of decimal places
	Scale            uint64 // 10^DecimalPrecision
}

var (
	// StableConfig is the peg asset: every debt, stake and valuation is in micro-units.
	StableConfig = DecimalConfig{DecimalPrecision: 6, Scale: 1_000_000}
	// PercentConfig expresses ICR in micro-percent (100% = 100_000_000).
	PercentConfig = DecimalConfig{DecimalPrecision: 6, Scale: 1_000_000}
)

const (
	// Precision is the 1e18 scale used by the pool product/sum and the
	// redistribution accumulators.
	Precision uint64 = 1_000_000_000_000_000_000

	// ScaleFactor is the step applied to P when it would drop below 1e9.
	ScaleFactor uint64 = 1_000_000_000

	// HundredPercent in micro-percent.
	HundredPercent uint64 = 100_000_000

	// BasisPoints denominator for fees.
	BasisPoints uint64 = 10_000
)

var (
	ErrOverflow     = errors.New("fixed-point overflow")
	ErrDivideByZero = errors.New("fixed-point division by zero")
)

type RoundingMode int

const (
	RoundHalfEven RoundingMode = iota // Banker's rounding
	RoundDown
	RoundUp
)

// Pow10 returns 10^n, failing when it does not fit in uint64.
func Pow10(n int) (uint64, error) {
	if n < 0 || n > 19 {
		return 0, ErrOverflow
	}
	v := uint64(1)
	for i := 0; i < n; i++ {
		v *= 10
	}
	return v, nil
}

// Pow10Int returns 10^n as a 256-bit integer; n is bounded to keep the
// result well inside 256 bits.
func Pow10Int(n int) (*uint256.Int, error) {
	if n < 0 || n > 64 {
		return nil, ErrOverflow
	}
	return new(uint256.Int).Exp(uint256.NewInt(10), uint256.NewInt(uint64(n))), nil
}

// PrecisionInt returns a fresh 1e18 as a 256-bit integer.
func PrecisionInt() *uint256.Int {
	return uint256.NewInt(Precision)
}

// MulDiv computes a * b / d with a 256-bit intermediate.
func MulDiv(a, b, d uint64, mode RoundingMode) (uint64, error) {
	res, err := MulDiv256(uint256.NewInt(a), uint256.NewInt(b), uint256.NewInt(d), mode)
	if err != nil {
		return 0, err
	}
	if !res.IsUint64() {
		return 0, ErrOverflow
	}
	return res.Uint64(), nil
}

// MulDiv256 computes a * b / d over 256-bit operands. The operands are not modified.
func MulDiv256(a, b, d *uint256.Int, mode RoundingMode) (*uint256.Int, error) {
	if d.IsZero() {
		return nil, ErrDivideByZero
	}

	product, overflow := new(uint256.Int).MulOverflow(a, b)
	if overflow {
		return nil, ErrOverflow
	}

	quotient := new(uint256.Int)
	remainder := new(uint256.Int)
	quotient.DivMod(product, d, remainder)

	if remainder.IsZero() {
		return quotient, nil
	}

	switch mode {
	case RoundUp:
		quotient.AddUint64(quotient, 1)
	case RoundHalfEven:
		// Compare 2*remainder against d to avoid halving an odd divisor.
		twice := new(uint256.Int).Lsh(remainder, 1)
		cmp := twice.Cmp(d)
		if cmp > 0 || (cmp == 0 && quotient.Uint64()%2 == 1) {
			quotient.AddUint64(quotient, 1)
		}
	}

	return quotient, nil
}

// AddChecked returns a + b or ErrOverflow.
func AddChecked(a, b uint64) (uint64, error) {
	s := a + b
	if s < a {
		return 0, ErrOverflow
	}
	return s, nil
}

// Min returns the smaller of a and b.
func Min(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}
