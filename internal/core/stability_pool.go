package core

import (
	"CDPLedger/internal/cdperr"
	"CDPLedger/internal/event"
	"CDPLedger/internal/ledger"
	fpmath "CDPLedger/internal/math"
	"fmt"
)

func (cx *txContext) handleStake(e *event.Stake) (*Receipt, error) {
	if err := requireCaller(&e.Meta, e.Staker); err != nil {
		return nil, err
	}
	if err := requireAmount(e.Amount); err != nil {
		return nil, err
	}

	pool := cx.pm.Pool()
	d := cx.pm.GetDeposit(e.Staker)
	pool.Refresh(d)

	next, err := fpmath.AddChecked(d.Amount, e.Amount)
	if err != nil {
		return nil, fmt.Errorf("%w: stake overflow", cdperr.ErrInvalidAmount)
	}
	if err := cx.tl.Transfer(cx.stable(), ledger.UserWallet(e.Staker), ledger.StabilityPool, e.Amount, ledger.JournalTypeStake); err != nil {
		return nil, err
	}
	d.Amount = next
	pool.TotalStake += e.Amount

	cx.pm.PutPool(pool)
	cx.pm.PutDeposit(d)
	return &Receipt{Deposit: summarizeDeposit(d)}, nil
}

func (cx *txContext) handleUnstake(e *event.Unstake) (*Receipt, error) {
	if err := requireCaller(&e.Meta, e.Staker); err != nil {
		return nil, err
	}
	if err := requireAmount(e.Amount); err != nil {
		return nil, err
	}

	pool := cx.pm.Pool()
	d := cx.pm.GetDeposit(e.Staker)
	pool.Refresh(d)

	if e.Amount > d.Amount {
		return nil, fmt.Errorf("%w: unstake %d, compounded deposit is %d", cdperr.ErrInsufficientBalance, e.Amount, d.Amount)
	}
	if e.Amount > pool.TotalStake {
		return nil, fmt.Errorf("%w: unstake %d exceeds pool stake %d", cdperr.ErrInsufficientBalance, e.Amount, pool.TotalStake)
	}
	if err := cx.tl.Transfer(cx.stable(), ledger.StabilityPool, ledger.UserWallet(e.Staker), e.Amount, ledger.JournalTypeUnstake); err != nil {
		return nil, err
	}
	d.Amount -= e.Amount
	pool.TotalStake -= e.Amount

	cx.pm.PutPool(pool)
	cx.pm.PutDeposit(d)
	return &Receipt{Deposit: summarizeDeposit(d)}, nil
}

func (cx *txContext) handleWithdrawGains(e *event.WithdrawGains) (*Receipt, error) {
	if err := requireCaller(&e.Meta, e.Staker); err != nil {
		return nil, err
	}
	if _, err := cx.collateral(e.Denom); err != nil {
		return nil, err
	}

	pool := cx.pm.Pool()
	d := cx.pm.GetDeposit(e.Staker)
	pool.Refresh(d)

	paid := d.Pending[e.Denom]
	if err := cx.tl.Transfer(e.Denom, ledger.PoolGains, ledger.UserWallet(e.Staker), paid, ledger.JournalTypeGainsWithdraw); err != nil {
		return nil, err
	}
	delete(d.Pending, e.Denom)
	cx.pm.PutDeposit(d)

	summary := summarizeDeposit(d)
	summary.Paid = paid
	return &Receipt{Deposit: summary}, nil
}
