package core

import (
	"CDPLedger/internal/cdperr"
	"CDPLedger/internal/event"
	"CDPLedger/internal/ledger"
	fpmath "CDPLedger/internal/math"
	"CDPLedger/internal/state"
	"fmt"
)

func (cx *txContext) handleOpenPosition(e *event.OpenPosition) (*Receipt, error) {
	if err := requireCaller(&e.Meta, e.Owner); err != nil {
		return nil, err
	}
	if _, err := cx.collateral(e.Denom); err != nil {
		return nil, err
	}

	pos := cx.pm.GetPosition(e.Owner)
	if pos != nil && pos.IsOpen() {
		return nil, fmt.Errorf("%w: %s", cdperr.ErrPositionExists, e.Owner)
	}
	if pos == nil {
		pos = &state.Position{Owner: e.Owner}
	}
	if !pos.Status.CanTransitionTo(state.PositionStatusOpen) {
		return nil, fmt.Errorf("invalid transition %s -> Open for %s", pos.Status, e.Owner)
	}

	params := cx.params()
	if e.Collateral < params.MinCollateral {
		return nil, fmt.Errorf("%w: %d below %d", cdperr.ErrCollateralBelowMinimum, e.Collateral, params.MinCollateral)
	}
	if e.Loan < params.MinLoan {
		return nil, fmt.Errorf("%w: %d below %d", cdperr.ErrLoanBelowMinimum, e.Loan, params.MinLoan)
	}

	icr, err := cx.icr(e.Denom, e.Collateral, e.Loan)
	if err != nil {
		return nil, err
	}
	if icr < params.MCR {
		return nil, fmt.Errorf("%w: ICR %d below MCR %d", cdperr.ErrCollateralBelowMinimum, icr, params.MCR)
	}

	fee, err := params.BorrowFee(e.Loan)
	if err != nil {
		return nil, err
	}

	wallet := ledger.UserWallet(e.Owner)
	if err := cx.tl.Transfer(e.Denom, wallet, ledger.CollateralVault, e.Collateral, ledger.JournalTypeCollateralLock); err != nil {
		return nil, err
	}
	if err := cx.tl.Mint(cx.stable(), wallet, e.Loan, ledger.JournalTypeBorrow); err != nil {
		return nil, err
	}
	if err := cx.tl.Transfer(cx.stable(), wallet, ledger.FeeCollector, fee, ledger.JournalTypeBorrowFee); err != nil {
		return nil, err
	}

	pos.Denom = e.Denom
	pos.Debt = e.Loan
	pos.Collateral = e.Collateral
	pos.Status = state.PositionStatusOpen
	pos.OpenedSeq = cx.seq
	pos.UpdatedSeq = cx.seq
	cx.pm.Snap(pos)
	cx.pm.PutPosition(pos)

	totals := cx.pm.Totals()
	if err := addTotalDebt(totals, e.Loan); err != nil {
		return nil, err
	}
	totals.Collateral[e.Denom] += e.Collateral
	totals.Open[e.Denom]++
	cx.pm.PutTotals(totals)

	if err := cx.validateHint(pos, e.Hint); err != nil {
		return nil, err
	}

	summary := summarizePosition(pos, icr)
	summary.Fee = fee
	return &Receipt{Position: summary}, nil
}

func (cx *txContext) handleAdjustCollateral(e *event.AdjustCollateral) (*Receipt, error) {
	if err := requireCaller(&e.Meta, e.Owner); err != nil {
		return nil, err
	}
	if err := requireAmount(e.Amount); err != nil {
		return nil, err
	}
	pos, err := cx.pm.GetOpenPosition(e.Owner)
	if err != nil {
		return nil, err
	}
	if e.Denom != pos.Denom {
		return nil, fmt.Errorf("%w: position holds %s, got %s", cdperr.ErrAssetMismatch, pos.Denom, e.Denom)
	}
	if err := cx.pm.Settle(pos, cx.seq); err != nil {
		return nil, err
	}

	wallet := ledger.UserWallet(e.Owner)
	totals := cx.pm.Totals()
	if e.Increase {
		next, err := fpmath.AddChecked(pos.Collateral, e.Amount)
		if err != nil {
			return nil, fmt.Errorf("%w: collateral overflow", cdperr.ErrInvalidAmount)
		}
		if err := cx.tl.Transfer(pos.Denom, wallet, ledger.CollateralVault, e.Amount, ledger.JournalTypeCollateralLock); err != nil {
			return nil, err
		}
		pos.Collateral = next
		totals.Collateral[pos.Denom] += e.Amount
	} else {
		if e.Amount > pos.Collateral {
			return nil, fmt.Errorf("%w: withdraw %d of %d", cdperr.ErrInsufficientCollateral, e.Amount, pos.Collateral)
		}
		remaining := pos.Collateral - e.Amount
		if remaining < cx.params().MinCollateral {
			return nil, fmt.Errorf("%w: %d left, minimum %d", cdperr.ErrCollateralBelowMinimum, remaining, cx.params().MinCollateral)
		}
		if err := cx.tl.Transfer(pos.Denom, ledger.CollateralVault, wallet, e.Amount, ledger.JournalTypeCollateralRelease); err != nil {
			return nil, err
		}
		pos.Collateral = remaining
		totals.Collateral[pos.Denom] -= e.Amount
	}
	pos.UpdatedSeq = cx.seq
	cx.pm.PutPosition(pos)
	cx.pm.PutTotals(totals)

	icr, err := cx.positionICR(pos)
	if err != nil {
		return nil, err
	}
	if !e.Increase && icr < cx.params().MCR {
		return nil, fmt.Errorf("%w: ICR %d below MCR %d", cdperr.ErrCollateralBelowMinimum, icr, cx.params().MCR)
	}
	if err := cx.validateHint(pos, e.Hint); err != nil {
		return nil, err
	}

	summary := summarizePosition(pos, icr)
	if !e.Increase {
		summary.Released = e.Amount
	}
	return &Receipt{Position: summary}, nil
}

func (cx *txContext) handleAdjustDebt(e *event.AdjustDebt) (*Receipt, error) {
	if err := requireCaller(&e.Meta, e.Owner); err != nil {
		return nil, err
	}
	if err := requireAmount(e.Amount); err != nil {
		return nil, err
	}
	pos, err := cx.pm.GetOpenPosition(e.Owner)
	if err != nil {
		return nil, err
	}
	if err := cx.pm.Settle(pos, cx.seq); err != nil {
		return nil, err
	}

	params := cx.params()
	wallet := ledger.UserWallet(e.Owner)
	totals := cx.pm.Totals()
	var fee uint64

	if e.Borrow {
		next, err := fpmath.AddChecked(pos.Debt, e.Amount)
		if err != nil {
			return nil, fmt.Errorf("%w: debt overflow", cdperr.ErrInvalidAmount)
		}
		if fee, err = params.BorrowFee(e.Amount); err != nil {
			return nil, err
		}
		if err := cx.tl.Mint(cx.stable(), wallet, e.Amount, ledger.JournalTypeBorrow); err != nil {
			return nil, err
		}
		if err := cx.tl.Transfer(cx.stable(), wallet, ledger.FeeCollector, fee, ledger.JournalTypeBorrowFee); err != nil {
			return nil, err
		}
		pos.Debt = next
		if err := addTotalDebt(totals, e.Amount); err != nil {
			return nil, err
		}
	} else {
		if e.Amount >= pos.Debt {
			return nil, fmt.Errorf("%w: repay %d of %d, close the position instead", cdperr.ErrInvalidAmount, e.Amount, pos.Debt)
		}
		remaining := pos.Debt - e.Amount
		if remaining < params.MinLoan {
			return nil, fmt.Errorf("%w: %d left, minimum %d", cdperr.ErrLoanBelowMinimum, remaining, params.MinLoan)
		}
		if err := cx.tl.Burn(cx.stable(), wallet, e.Amount, ledger.JournalTypeRepay); err != nil {
			return nil, err
		}
		pos.Debt = remaining
		totals.Debt -= e.Amount
	}
	pos.UpdatedSeq = cx.seq
	cx.pm.PutPosition(pos)
	cx.pm.PutTotals(totals)

	icr, err := cx.positionICR(pos)
	if err != nil {
		return nil, err
	}
	if e.Borrow && icr < params.MCR {
		return nil, fmt.Errorf("%w: ICR %d below MCR %d", cdperr.ErrCollateralBelowMinimum, icr, params.MCR)
	}
	if err := cx.validateHint(pos, e.Hint); err != nil {
		return nil, err
	}

	summary := summarizePosition(pos, icr)
	summary.Fee = fee
	return &Receipt{Position: summary}, nil
}

func (cx *txContext) handleClosePosition(e *event.ClosePosition) (*Receipt, error) {
	if err := requireCaller(&e.Meta, e.Owner); err != nil {
		return nil, err
	}
	pos, err := cx.pm.GetOpenPosition(e.Owner)
	if err != nil {
		return nil, err
	}
	if err := cx.pm.Settle(pos, cx.seq); err != nil {
		return nil, err
	}

	wallet := ledger.UserWallet(e.Owner)
	debt, coll := pos.Debt, pos.Collateral
	if err := cx.tl.Burn(cx.stable(), wallet, debt, ledger.JournalTypeRepay); err != nil {
		return nil, err
	}
	if err := cx.tl.Transfer(pos.Denom, ledger.CollateralVault, wallet, coll, ledger.JournalTypeCollateralRelease); err != nil {
		return nil, err
	}

	totals := cx.pm.Totals()
	totals.Debt -= debt
	totals.Collateral[pos.Denom] -= coll
	totals.Open[pos.Denom]--
	cx.pm.PutTotals(totals)

	pos.Zero(state.PositionStatusClosed, cx.seq)
	cx.pm.PutPosition(pos)

	summary := summarizePosition(pos, closedICR)
	summary.Released = coll
	return &Receipt{Position: summary}, nil
}
