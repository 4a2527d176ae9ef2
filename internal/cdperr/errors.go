// Package cdperr holds the ledger's error taxonomy. Every rejected command
// wraps exactly one of these sentinels so transports can map it to a stable code.
package cdperr

import "errors"

var (
	ErrInvalidOrdering        = errors.New("invalid ordering")
	ErrCollateralBelowMinimum = errors.New("collateral below minimum")
	ErrNotLiquidatable        = errors.New("not liquidatable")
	ErrInsufficientBalance    = errors.New("insufficient balance")
	ErrDecimalUnderflow       = errors.New("decimal underflow")
	ErrAssetMismatch          = errors.New("asset mismatch")
	ErrUnauthorized           = errors.New("unauthorized")
	ErrStalePrice             = errors.New("stale price")

	ErrInvalidAmount          = errors.New("invalid amount")
	ErrPositionExists         = errors.New("position already open")
	ErrPositionNotFound       = errors.New("position not found")
	ErrLoanBelowMinimum       = errors.New("loan below minimum")
	ErrInvalidList            = errors.New("invalid target list")
	ErrInsufficientRedeemable = errors.New("insufficient redeemable debt")
	ErrInsufficientCollateral = errors.New("insufficient collateral")
	ErrUndercollateralized    = errors.New("position undercollateralized")
	ErrTimestampRegression    = errors.New("timestamp before last applied command")
)

// Kind is the transport-facing code of a ledger error.
type Kind string

const (
	KindUnknown                Kind = "unknown"
	KindInvalidOrdering        Kind = "invalid_ordering"
	KindCollateralBelowMinimum Kind = "collateral_below_minimum"
	KindNotLiquidatable        Kind = "not_liquidatable"
	KindInsufficientBalance    Kind = "insufficient_balance"
	KindDecimalUnderflow       Kind = "decimal_underflow"
	KindAssetMismatch          Kind = "asset_mismatch"
	KindUnauthorized           Kind = "unauthorized"
	KindStalePrice             Kind = "stale_price"
	KindInvalidAmount          Kind = "invalid_amount"
	KindPositionExists         Kind = "position_exists"
	KindPositionNotFound       Kind = "position_not_found"
	KindLoanBelowMinimum       Kind = "loan_below_minimum"
	KindInvalidList            Kind = "invalid_list"
	KindInsufficientRedeemable Kind = "insufficient_redeemable"
	KindInsufficientCollateral Kind = "insufficient_collateral"
	KindUndercollateralized    Kind = "undercollateralized"
	KindTimestampRegression    Kind = "timestamp_regression"
)

var kinds = []struct {
	err  error
	kind Kind
}{
	{ErrInvalidOrdering, KindInvalidOrdering},
	{ErrCollateralBelowMinimum, KindCollateralBelowMinimum},
	{ErrNotLiquidatable, KindNotLiquidatable},
	{ErrInsufficientBalance, KindInsufficientBalance},
	{ErrDecimalUnderflow, KindDecimalUnderflow},
	{ErrAssetMismatch, KindAssetMismatch},
	{ErrUnauthorized, KindUnauthorized},
	{ErrStalePrice, KindStalePrice},
	{ErrInvalidAmount, KindInvalidAmount},
	{ErrPositionExists, KindPositionExists},
	{ErrPositionNotFound, KindPositionNotFound},
	{ErrLoanBelowMinimum, KindLoanBelowMinimum},
	{ErrInvalidList, KindInvalidList},
	{ErrInsufficientRedeemable, KindInsufficientRedeemable},
	{ErrInsufficientCollateral, KindInsufficientCollateral},
	{ErrUndercollateralized, KindUndercollateralized},
	{ErrTimestampRegression, KindTimestampRegression},
}

// KindOf returns the code of the first taxonomy error found in err's chain.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return KindUnknown
}

// IsDomain reports whether err is a ledger rejection rather than an infrastructure failure.
func IsDomain(err error) bool {
	k := KindOf(err)
	return k != "" && k != KindUnknown
}
