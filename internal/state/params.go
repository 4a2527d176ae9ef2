package state

import (
	fpmath "CDPLedger/internal/math"
	"fmt"
)

// ProtocolParams are the risk and sizing parameters every handler reads.
// Ratios are micro-percent (100_000_000 = 100%); amounts are micro-peg-units
// except MinCollateral, which is in the collateral's native units.
type ProtocolParams struct {
	MCR                  uint64 // minimum ratio to open, borrow or withdraw collateral
	LiquidationThreshold uint64 // below this a position is liquidatable
	MinCollateral        uint64
	MinLoan              uint64
	BorrowFeeBps         uint64
}

var (
	// DefaultProtocolParams mirror the reference deployment: 115% MCR,
	// 110% liquidation, 1 unit minimum loan, 0.5% borrow fee.
	DefaultProtocolParams = ProtocolParams{
		MCR:                  115_000_000,
		LiquidationThreshold: 110_000_000,
		MinCollateral:        1_000_000,
		MinLoan:              1_000_000,
		BorrowFeeBps:         50,
	}
)

// ValidateProtocolParams checks that the parameters are within valid ranges:
// threshold ≥ 100%, MCR ≥ threshold, fee < 100%, non-zero minimums.
func ValidateProtocolParams(p *ProtocolParams) error {
	if p.LiquidationThreshold < fpmath.HundredPercent {
		return fmt.Errorf("liquidation_threshold must be >= %d, got %d", fpmath.HundredPercent, p.LiquidationThreshold)
	}
	if p.MCR < p.LiquidationThreshold {
		return fmt.Errorf("mcr (%d) must be >= liquidation_threshold (%d)", p.MCR, p.LiquidationThreshold)
	}
	if p.BorrowFeeBps >= fpmath.BasisPoints {
		return fmt.Errorf("borrow_fee_bps must be < %d, got %d", fpmath.BasisPoints, p.BorrowFeeBps)
	}
	if p.MinCollateral == 0 {
		return fmt.Errorf("min_collateral must be > 0")
	}
	if p.MinLoan == 0 {
		return fmt.Errorf("min_loan must be > 0")
	}
	return nil
}

// BorrowFee is the fee carved from a gross loan, rounded down.
func (p *ProtocolParams) BorrowFee(loan uint64) (uint64, error) {
	return fpmath.MulDiv(loan, p.BorrowFeeBps, fpmath.BasisPoints, fpmath.RoundDown)
}
