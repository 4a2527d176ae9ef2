package math_test

import (
	fpmath "CDPLedger/internal/math"
	"errors"
	stdmath "math"
	"testing"

	"github.com/holiman/uint256"
)

func TestMulDiv_Rounding(t *testing.T) {
	tests := []struct {
		name    string
		a, b, d uint64
		mode    fpmath.RoundingMode
		want    uint64
	}{
		{"exact", 10, 10, 5, fpmath.RoundDown, 20},
		{"down truncates", 10, 1, 3, fpmath.RoundDown, 3},
		{"up ceils", 10, 1, 3, fpmath.RoundUp, 4},
		{"half even rounds to even below", 5, 1, 2, fpmath.RoundHalfEven, 2},
		{"half even rounds to even above", 7, 1, 2, fpmath.RoundHalfEven, 4},
		{"half even above half", 5, 1, 3, fpmath.RoundHalfEven, 2},
		{"up exact stays", 9, 1, 3, fpmath.RoundUp, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := fpmath.MulDiv(tt.a, tt.b, tt.d, tt.mode)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %d, want %d", got, tt.want)
			}
		})
	}
}

func TestMulDiv_WideIntermediate(t *testing.T) {
	// MaxUint64 * MaxUint64 overflows 64 bits but the quotient fits.
	got, err := fpmath.MulDiv(stdmath.MaxUint64, stdmath.MaxUint64, stdmath.MaxUint64, fpmath.RoundDown)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != stdmath.MaxUint64 {
		t.Errorf("got %d, want %d", got, uint64(stdmath.MaxUint64))
	}
}

func TestMulDiv_QuotientOverflow(t *testing.T) {
	_, err := fpmath.MulDiv(stdmath.MaxUint64, 2, 1, fpmath.RoundDown)
	if !errors.Is(err, fpmath.ErrOverflow) {
		t.Errorf("expected ErrOverflow, got %v", err)
	}
}

func TestMulDiv_DivideByZero(t *testing.T) {
	_, err := fpmath.MulDiv(1, 1, 0, fpmath.RoundDown)
	if !errors.Is(err, fpmath.ErrDivideByZero) {
		t.Errorf("expected ErrDivideByZero, got %v", err)
	}
}

func TestMulDiv256_DoesNotMutateOperands(t *testing.T) {
	a := uint256.NewInt(7)
	b := uint256.NewInt(3)
	d := uint256.NewInt(2)

	got, err := fpmath.MulDiv256(a, b, d, fpmath.RoundUp)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Uint64() != 11 {
		t.Errorf("got %d, want 11", got.Uint64())
	}
	if a.Uint64() != 7 || b.Uint64() != 3 || d.Uint64() != 2 {
		t.Errorf("operands mutated: a=%d b=%d d=%d", a.Uint64(), b.Uint64(), d.Uint64())
	}
}

func TestPow10(t *testing.T) {
	if v, err := fpmath.Pow10(11); err != nil || v != 100_000_000_000 {
		t.Errorf("Pow10(11) = %d, %v", v, err)
	}
	if v, err := fpmath.Pow10(0); err != nil || v != 1 {
		t.Errorf("Pow10(0) = %d, %v", v, err)
	}
	if _, err := fpmath.Pow10(20); !errors.Is(err, fpmath.ErrOverflow) {
		t.Errorf("Pow10(20) should overflow, got %v", err)
	}
}
