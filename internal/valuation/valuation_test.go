package valuation_test

import (
	"CDPLedger/internal/cdperr"
	"CDPLedger/internal/valuation"
	"errors"
	"testing"
)

func TestCollateralValue_DecimalNormalization(t *testing.T) {
	// 0.89 units of a 9-decimal token at an 8-decimal $163 price.
	// effective decimal 17, scale 10^11.
	scale, err := valuation.ScaleFactor(9, 8)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if scale.Uint64() != 100_000_000_000 {
		t.Fatalf("scale: got %s, want 10^11", scale.Dec())
	}

	got, err := valuation.CollateralValue(890_000_000, 16_300_000_000, 9, 8)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// 0.89 * 163 = 145.07 peg units
	if got != 145_070_000 {
		t.Errorf("got %d, want 145_070_000", got)
	}
}

func TestCollateralValue_Table(t *testing.T) {
	tests := []struct {
		name     string
		qty      uint64
		price    uint64
		decimals int
		exponent int
		want     uint64
	}{
		{"six decimals unit price", 1_000_000, 1, 6, 0, 1_000_000},
		{"six decimal token at 6-dec price", 2_000_000, 3_000_000, 6, 6, 6_000_000},
		{"18 decimal token at 8-dec price", 1_000_000_000_000_000_000, 250_000_000_000, 18, 8, 2_500_000_000},
		{"rounds down", 1, 99_999_999_999, 9, 8, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := valuation.CollateralValue(tt.qty, tt.price, tt.decimals, tt.exponent)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %d, want %d", got, tt.want)
			}
		})
	}
}

func TestCollateralValue_DecimalUnderflow(t *testing.T) {
	_, err := valuation.CollateralValue(1_000, 1_000, 2, 3)
	if !errors.Is(err, cdperr.ErrDecimalUnderflow) {
		t.Errorf("expected ErrDecimalUnderflow, got %v", err)
	}
}

func TestCollateral_Validate(t *testing.T) {
	tests := []struct {
		name    string
		c       valuation.Collateral
		wantErr error
	}{
		{"sol", valuation.Collateral{Denom: "SOL", Decimals: 9, PriceExponent: 8}, nil},
		{"underflow", valuation.Collateral{Denom: "BAD", Decimals: 2, PriceExponent: 2}, cdperr.ErrDecimalUnderflow},
		{"exactly six", valuation.Collateral{Denom: "USDC", Decimals: 6, PriceExponent: 0}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.c.Validate()
			if tt.wantErr == nil && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}

	if err := (valuation.Collateral{Decimals: 9, PriceExponent: 8}).Validate(); err == nil {
		t.Error("empty denom should fail validation")
	}
}

func TestICR(t *testing.T) {
	tests := []struct {
		name        string
		value, debt uint64
		want        uint64
	}{
		{"zero debt is max", 1, 0, valuation.MaxICR},
		{"ninety percent", 540_000_000, 600_000_000, 90_000_000},
		{"one hundred fifty percent", 1_500_000, 1_000_000, 150_000_000},
		{"fractional micro percent truncates", 1, 3, 33_333_333},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := valuation.ICR(tt.value, tt.debt); got != tt.want {
				t.Errorf("got %d, want %d", got, tt.want)
			}
		})
	}
}

func TestCollateralForValue_InverseRoundsDown(t *testing.T) {
	// $90 per 9-decimal unit: 540 peg units buy exactly 6 units.
	got, err := valuation.CollateralForValue(540_000_000, 9_000_000_000, 9, 8)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 6_000_000_000 {
		t.Errorf("got %d, want 6_000_000_000", got)
	}

	back, err := valuation.CollateralValue(got, 9_000_000_000, 9, 8)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if back > 540_000_000 {
		t.Errorf("round trip overstates value: %d", back)
	}
}

func TestCollateralForValue_ZeroPrice(t *testing.T) {
	_, err := valuation.CollateralForValue(1, 0, 9, 8)
	if !errors.Is(err, cdperr.ErrStalePrice) {
		t.Errorf("expected ErrStalePrice, got %v", err)
	}
}

func TestNominalICR_OrdersLikeICR(t *testing.T) {
	a := valuation.NominalICR(10_000_000_000, 500_000_000)
	b := valuation.NominalICR(10_000_000_000, 600_000_000)
	if !a.Gt(b) {
		t.Errorf("less debt should sort higher: a=%s b=%s", a.Dec(), b.Dec())
	}
	if valuation.NominalICR(1, 0) != nil {
		t.Error("zero debt should have no nominal ratio")
	}
}
