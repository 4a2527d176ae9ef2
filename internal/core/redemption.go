package core

import (
	"CDPLedger/internal/cdperr"
	"CDPLedger/internal/event"
	"CDPLedger/internal/index"
	"CDPLedger/internal/ledger"
	"CDPLedger/internal/state"
	"CDPLedger/internal/valuation"
	"fmt"
)

// handleRedeem swaps the redeemer's stable for collateral at face value,
// walking the targets from the lowest ICR up.
func (cx *txContext) handleRedeem(e *event.Redeem) (*Receipt, error) {
	if err := requireCaller(&e.Meta, e.Redeemer); err != nil {
		return nil, err
	}
	if err := requireAmount(e.Amount); err != nil {
		return nil, err
	}
	spec, err := cx.collateral(e.Denom)
	if err != nil {
		return nil, err
	}
	if len(e.Targets) == 0 {
		return nil, fmt.Errorf("%w: no targets", cdperr.ErrInvalidList)
	}
	if err := index.ValidateAscending(cx, e.Denom, e.Targets); err != nil {
		return nil, err
	}

	if total := cx.pm.Totals().Debt; e.Amount > total {
		return nil, fmt.Errorf("%w: %d requested, %d outstanding", cdperr.ErrInsufficientRedeemable, e.Amount, total)
	}
	redeemerWallet := ledger.UserWallet(e.Redeemer)
	if bal := cx.tl.BalanceOf(cx.stable(), redeemerWallet); bal < e.Amount {
		return nil, fmt.Errorf("%w: %s holds %d, redeeming %d", cdperr.ErrInsufficientBalance, e.Redeemer, bal, e.Amount)
	}

	price, err := cx.prices.Price(e.Denom, cx.ts)
	if err != nil {
		return nil, err
	}

	summary := &RedemptionSummary{Redeemer: e.Redeemer, Denom: e.Denom}
	remaining := e.Amount
	var partial *state.Position

	for i, owner := range e.Targets {
		if remaining == 0 {
			return nil, fmt.Errorf("%w: %d targets left after the amount was filled", cdperr.ErrInvalidList, len(e.Targets)-i)
		}

		pos := cx.pm.GetPosition(owner)
		if pos == nil || !pos.IsOpen() || pos.Denom != e.Denom {
			continue
		}
		if err := cx.pm.Settle(pos, cx.seq); err != nil {
			return nil, err
		}

		icr, err := cx.positionICR(pos)
		if err != nil {
			return nil, err
		}
		if icr < cx.params().LiquidationThreshold {
			return nil, fmt.Errorf("%w: %s ICR %d is liquidatable", cdperr.ErrUndercollateralized, owner, icr)
		}

		take := remaining
		if pos.Debt < take {
			take = pos.Debt
		}
		collOut, err := valuation.CollateralForValue(take, price.Price, spec.Decimals, int(price.Exponent))
		if err != nil {
			return nil, err
		}
		if collOut > pos.Collateral {
			return nil, fmt.Errorf("%w: %s needs %d, holds %d", cdperr.ErrInsufficientCollateral, owner, collOut, pos.Collateral)
		}

		fill, err := cx.redeemFrom(pos, redeemerWallet, take, collOut)
		if err != nil {
			return nil, err
		}
		summary.Fills = append(summary.Fills, fill)
		summary.Redeemed += take
		summary.CollateralOut += collOut
		remaining -= take

		if !fill.Closed {
			partial = pos
		}
	}

	if remaining > 0 {
		return nil, fmt.Errorf("%w: %d of %d left after the last target", cdperr.ErrInsufficientRedeemable, remaining, e.Amount)
	}

	if partial != nil {
		if partial.Debt < cx.params().MinLoan {
			return nil, fmt.Errorf("%w: %s would keep %d, minimum %d", cdperr.ErrLoanBelowMinimum, partial.Owner, partial.Debt, cx.params().MinLoan)
		}
		if err := cx.validateHint(partial, e.PartialHint); err != nil {
			return nil, err
		}
	}

	return &Receipt{Redemption: summary}, nil
}

// redeemFrom burns take from the redeemer against pos and pays collOut.
// A position whose debt reaches zero closes and releases what is left.
func (cx *txContext) redeemFrom(pos *state.Position, redeemer ledger.AccountKey, take, collOut uint64) (RedemptionFill, error) {
	if err := cx.tl.Burn(cx.stable(), redeemer, take, ledger.JournalTypeRedemptionBurn); err != nil {
		return RedemptionFill{}, err
	}
	if err := cx.tl.Transfer(pos.Denom, ledger.CollateralVault, redeemer, collOut, ledger.JournalTypeRedemptionCollateral); err != nil {
		return RedemptionFill{}, err
	}

	totals := cx.pm.Totals()
	totals.Debt -= take
	totals.Collateral[pos.Denom] -= collOut
	pos.Debt -= take
	pos.Collateral -= collOut
	pos.UpdatedSeq = cx.seq

	fill := RedemptionFill{Owner: pos.Owner, Debt: take, Collateral: collOut}
	if pos.Debt == 0 {
		leftover := pos.Collateral
		if err := cx.tl.Transfer(pos.Denom, ledger.CollateralVault, ledger.UserWallet(pos.Owner), leftover, ledger.JournalTypeCollateralRelease); err != nil {
			return RedemptionFill{}, err
		}
		totals.Collateral[pos.Denom] -= leftover
		totals.Open[pos.Denom]--
		pos.Zero(state.PositionStatusRedeemed, cx.seq)
		fill.Closed = true
	}

	cx.pm.PutTotals(totals)
	cx.pm.PutPosition(pos)
	return fill, nil
}
