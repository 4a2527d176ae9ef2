// Package valuation normalizes oracle prices and collateral decimals into
// micro-units of the peg asset and derives collateral ratios.
package valuation

import (
	"CDPLedger/internal/cdperr"
	fpmath "CDPLedger/internal/math"
	"fmt"
	stdmath "math"

	"github.com/holiman/uint256"
)

// MaxICR is the ratio of a position with no debt.
const MaxICR uint64 = stdmath.MaxUint64

// Collateral describes how a collateral denom is valued.
type Collateral struct {
	Denom         string
	Decimals      int // native token decimals
	PriceExponent int // decimal exponent of the oracle price
}

// EffectiveDecimal is decimals + exponent. Values below the stable's six
// decimals cannot be scaled down to micro-units.
func EffectiveDecimal(decimals, exponent int) (int, error) {
	eff := decimals + exponent
	if eff < fpmath.StableConfig.DecimalPrecision {
		return 0, fmt.Errorf("%w: decimals=%d exponent=%d effective=%d",
			cdperr.ErrDecimalUnderflow, decimals, exponent, eff)
	}
	return eff, nil
}

// ScaleFactor returns 10^(effective_decimal - 6).
func ScaleFactor(decimals, exponent int) (*uint256.Int, error) {
	eff, err := EffectiveDecimal(decimals, exponent)
	if err != nil {
		return nil, err
	}
	scale, err := fpmath.Pow10Int(eff - fpmath.StableConfig.DecimalPrecision)
	if err != nil {
		return nil, fmt.Errorf("%w: effective decimal %d too large", cdperr.ErrDecimalUnderflow, eff)
	}
	return scale, nil
}

// Validate checks the collateral at configuration time.
func (c Collateral) Validate() error {
	if c.Denom == "" {
		return fmt.Errorf("collateral denom is empty")
	}
	if c.Decimals < 0 || c.Decimals > 18 {
		return fmt.Errorf("collateral %s: decimals %d out of range", c.Denom, c.Decimals)
	}
	if _, err := ScaleFactor(c.Decimals, c.PriceExponent); err != nil {
		return fmt.Errorf("collateral %s: %w", c.Denom, err)
	}
	return nil
}

// CollateralValue returns q * p / 10^(decimals + exponent - 6) in micro-peg-units.
func CollateralValue(quantity, price uint64, decimals, exponent int) (uint64, error) {
	scale, err := ScaleFactor(decimals, exponent)
	if err != nil {
		return 0, err
	}
	value, err := fpmath.MulDiv256(uint256.NewInt(quantity), uint256.NewInt(price), scale, fpmath.RoundDown)
	if err != nil {
		return 0, fmt.Errorf("collateral value: %w", err)
	}
	if !value.IsUint64() {
		return 0, fmt.Errorf("collateral value: %w", fpmath.ErrOverflow)
	}
	return value.Uint64(), nil
}

// CollateralForValue is the inverse of CollateralValue: the collateral quantity
// worth value micro-peg-units at price, rounded down.
func CollateralForValue(value, price uint64, decimals, exponent int) (uint64, error) {
	if price == 0 {
		return 0, fmt.Errorf("%w: zero price", cdperr.ErrStalePrice)
	}
	scale, err := ScaleFactor(decimals, exponent)
	if err != nil {
		return 0, err
	}
	qty, err := fpmath.MulDiv256(uint256.NewInt(value), scale, uint256.NewInt(price), fpmath.RoundDown)
	if err != nil {
		return 0, fmt.Errorf("collateral for value: %w", err)
	}
	if !qty.IsUint64() {
		return 0, fmt.Errorf("collateral for value: %w", fpmath.ErrOverflow)
	}
	return qty.Uint64(), nil
}

// ICR returns value * 100% / debt in micro-percent. Zero debt is MaxICR.
func ICR(value, debt uint64) uint64 {
	if debt == 0 {
		return MaxICR
	}
	icr, err := fpmath.MulDiv(value, fpmath.HundredPercent, debt, fpmath.RoundDown)
	if err != nil {
		// Only reachable when value/debt exceeds ~1.8e11 x; saturate.
		return MaxICR
	}
	return icr
}

// PositionICR values quantity at price and divides by debt.
func PositionICR(c Collateral, quantity, debt, price uint64, exponent int) (uint64, error) {
	if debt == 0 {
		return MaxICR, nil
	}
	value, err := CollateralValue(quantity, price, c.Decimals, exponent)
	if err != nil {
		return 0, err
	}
	return ICR(value, debt), nil
}

// NominalICR orders positions of a single denom without a price:
// collateral * 1e18 / debt. Zero debt returns nil (sorts last).
func NominalICR(collateral, debt uint64) *uint256.Int {
	if debt == 0 {
		return nil
	}
	n, _ := fpmath.MulDiv256(uint256.NewInt(collateral), fpmath.PrecisionInt(), uint256.NewInt(debt), fpmath.RoundDown)
	return n
}
