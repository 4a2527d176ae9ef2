package index

import (
	"context"

	"github.com/holiman/uint256"
)

// Sorter is the off-core ordered view of open positions per denom, keyed by
// nominal ICR (collateral * 1e18 / debt). Within one denom the price cancels
// out, so nominal order equals ICR order.
type Sorter interface {
	Upsert(ctx context.Context, denom, owner string, nicr *uint256.Int) error
	Remove(ctx context.Context, denom, owner string) error
	// Neighbors returns the hint for a position of owner at nicr, never
	// naming owner itself.
	Neighbors(ctx context.Context, denom, owner string, nicr *uint256.Int) (Hint, error)
	// Ascending returns up to limit owners from the lowest ratio upwards.
	Ascending(ctx context.Context, denom string, limit int) ([]string, error)
	Len(ctx context.Context, denom string) (int, error)
	// Reset drops every entry of denom.
	Reset(ctx context.Context, denom string) error
}
