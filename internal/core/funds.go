package core

import (
	"CDPLedger/internal/cdperr"
	"CDPLedger/internal/event"
	"CDPLedger/internal/ledger"
	"CDPLedger/internal/oracle"
	"CDPLedger/internal/valuation"
	"fmt"
)

func (cx *txContext) handlePriceUpdate(e *event.PriceUpdate) (*Receipt, error) {
	if err := requireRole(&e.Meta, "oracle", cx.core.oracles); err != nil {
		return nil, err
	}
	spec, err := cx.collateral(e.Denom)
	if err != nil {
		return nil, err
	}
	if e.Price == 0 {
		return nil, fmt.Errorf("%w: zero price for %s", cdperr.ErrInvalidAmount, e.Denom)
	}
	if _, err := valuation.ScaleFactor(spec.Decimals, int(e.Exponent)); err != nil {
		return nil, err
	}

	var previous int64
	if rec, ok := cx.tx.Get(oracle.Key(e.Denom)); ok {
		previous = rec.(*oracle.Price).Sequence
	}

	applied := oracle.Apply(cx.tx, oracle.Price{
		Denom:       e.Denom,
		Price:       e.Price,
		Exponent:    e.Exponent,
		Confidence:  e.Confidence,
		PublishedAt: e.PublishedAt,
		Sequence:    e.SourceSeq,
	})
	if applied && previous > 0 {
		cx.core.sequenceValidator.RecordPriceGap(e.Denom, previous, e.SourceSeq)
	}
	if !applied && cx.core.metrics != nil {
		cx.core.metrics.PriceUpdatesIgnored.WithLabelValues(e.Denom).Inc()
	}

	return &Receipt{PriceApplied: applied}, nil
}

// handleFundsDeposited credits collateral arriving from outside the ledger.
// The stable only enters circulation by borrowing.
func (cx *txContext) handleFundsDeposited(e *event.FundsDeposited) (*Receipt, error) {
	if err := requireRole(&e.Meta, "admin", cx.core.admins); err != nil {
		return nil, err
	}
	if err := cx.requireBridgeable(e.Owner, e.Asset, e.Amount); err != nil {
		return nil, err
	}
	wallet := ledger.UserWallet(e.Owner)
	if err := cx.tl.Mint(e.Asset, wallet, e.Amount, ledger.JournalTypeDeposit); err != nil {
		return nil, err
	}
	return &Receipt{Balance: cx.balance(e.Owner, e.Asset)}, nil
}

func (cx *txContext) handleFundsWithdrawn(e *event.FundsWithdrawn) (*Receipt, error) {
	if err := requireCaller(&e.Meta, e.Owner); err != nil {
		return nil, err
	}
	if err := cx.requireBridgeable(e.Owner, e.Asset, e.Amount); err != nil {
		return nil, err
	}
	wallet := ledger.UserWallet(e.Owner)
	if err := cx.tl.Burn(e.Asset, wallet, e.Amount, ledger.JournalTypeWithdrawal); err != nil {
		return nil, err
	}
	return &Receipt{Balance: cx.balance(e.Owner, e.Asset)}, nil
}

func (cx *txContext) handleTransferFunds(e *event.TransferFunds) (*Receipt, error) {
	if err := requireCaller(&e.Meta, e.From); err != nil {
		return nil, err
	}
	if err := requireAmount(e.Amount); err != nil {
		return nil, err
	}
	if e.To == "" || e.To == e.From {
		return nil, fmt.Errorf("%w: invalid recipient %q", cdperr.ErrInvalidAmount, e.To)
	}
	if err := cx.tl.Transfer(e.Asset, ledger.UserWallet(e.From), ledger.UserWallet(e.To), e.Amount, ledger.JournalTypeTransfer); err != nil {
		return nil, err
	}
	return &Receipt{Balance: cx.balance(e.From, e.Asset)}, nil
}

func (cx *txContext) requireBridgeable(owner, asset string, amount uint64) error {
	if owner == "" {
		return fmt.Errorf("%w: empty owner", cdperr.ErrInvalidAmount)
	}
	if err := requireAmount(amount); err != nil {
		return err
	}
	if !cx.core.assets.IsCollateral(asset) {
		return fmt.Errorf("%w: %q cannot cross the bridge", cdperr.ErrAssetMismatch, asset)
	}
	return nil
}

func (cx *txContext) balance(owner, asset string) *BalanceSummary {
	return &BalanceSummary{
		Owner:   owner,
		Asset:   asset,
		Balance: cx.tl.BalanceOf(asset, ledger.UserWallet(owner)),
	}
}
