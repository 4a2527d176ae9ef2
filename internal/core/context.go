package core

import (
	"CDPLedger/internal/cdperr"
	"CDPLedger/internal/event"
	"CDPLedger/internal/index"
	"CDPLedger/internal/ledger"
	"CDPLedger/internal/oracle"
	"CDPLedger/internal/state"
	"CDPLedger/internal/store"
	"CDPLedger/internal/valuation"
	"fmt"
)

// txContext is the view one command executes against: every read and write
// goes through the staged transaction.
type txContext struct {
	core   *DeterministicCore
	tx     *store.Txn
	batch  *ledger.Batch
	pm     *state.PositionManager
	tl     *ledger.TokenLedger
	prices *oracle.Book
	seq    int64
	ts     int64 // command timestamp, epoch microseconds
}

func (c *DeterministicCore) newTxContext(tx *store.Txn, batch *ledger.Batch, seq, ts int64) *txContext {
	return &txContext{
		core:   c,
		tx:     tx,
		batch:  batch,
		pm:     state.NewPositionManager(tx),
		tl:     ledger.NewTokenLedger(tx, c.assets, batch),
		prices: oracle.NewBook(tx, c.maxPriceAge, c.minConfidence),
		seq:    seq,
		ts:     ts,
	}
}

func (cx *txContext) params() *state.ProtocolParams {
	return &cx.core.params
}

func (cx *txContext) stable() string {
	return cx.core.assets.Stable()
}

// collateral returns the valuation spec of a registered collateral denom.
func (cx *txContext) collateral(denom string) (valuation.Collateral, error) {
	spec, ok := cx.core.collaterals[denom]
	if !ok {
		return valuation.Collateral{}, fmt.Errorf("%w: %q is not a registered collateral", cdperr.ErrAssetMismatch, denom)
	}
	return spec, nil
}

// icr values collateral against debt at the current price of denom.
func (cx *txContext) icr(denom string, collateral, debt uint64) (uint64, error) {
	spec, err := cx.collateral(denom)
	if err != nil {
		return 0, err
	}
	if debt == 0 {
		return valuation.MaxICR, nil
	}
	p, err := cx.prices.Price(denom, cx.ts)
	if err != nil {
		return 0, err
	}
	return valuation.PositionICR(spec, collateral, debt, p.Price, int(p.Exponent))
}

func (cx *txContext) positionICR(pos *state.Position) (uint64, error) {
	return cx.icr(pos.Denom, pos.Collateral, pos.Debt)
}

// Lookup implements index.ICRReader over staged state, with pending
// redistribution included.
func (cx *txContext) Lookup(owner string) (index.Entry, bool, error) {
	pos := cx.pm.GetPosition(owner)
	if pos == nil {
		return index.Entry{}, false, nil
	}
	entry := index.Entry{Owner: owner, Denom: pos.Denom, Open: pos.IsOpen()}
	if !entry.Open {
		return entry, true, nil
	}

	pendingDebt, pendingColl := cx.pm.PendingRewards(pos)
	icr, err := cx.icr(pos.Denom, pos.Collateral+pendingColl, pos.Debt+pendingDebt)
	if err != nil {
		return index.Entry{}, false, err
	}
	entry.ICR = icr
	return entry, true, nil
}

func (cx *txContext) OpenCount(denom string) uint64 {
	return cx.pm.Totals().Open[denom]
}

// validateHint checks pos, already written at its new state, against hint.
func (cx *txContext) validateHint(pos *state.Position, hint index.Hint) error {
	icr, err := cx.positionICR(pos)
	if err != nil {
		return err
	}
	return index.Validate(cx, pos.Owner, pos.Denom, icr, hint)
}

// checkSolvency compares tracked debt with the stable supply.
func (cx *txContext) checkSolvency() error {
	debt := cx.pm.Totals().Debt
	supply := cx.tl.TotalSupply(cx.stable())
	if debt != supply {
		return fmt.Errorf("solvency: tracked debt %d != stable supply %d", debt, supply)
	}
	return nil
}

func requireCaller(meta *event.Meta, owner string) error {
	if owner == "" {
		return fmt.Errorf("%w: empty owner", cdperr.ErrUnauthorized)
	}
	if meta.Caller != owner {
		return fmt.Errorf("%w: caller %q acting for %q", cdperr.ErrUnauthorized, meta.Caller, owner)
	}
	return nil
}

func requireRole(meta *event.Meta, role string, members map[string]struct{}) error {
	if _, ok := members[meta.Caller]; !ok || meta.Caller == "" {
		return fmt.Errorf("%w: caller %q is not an %s", cdperr.ErrUnauthorized, meta.Caller, role)
	}
	return nil
}

func requireAmount(amount uint64) error {
	if amount == 0 {
		return fmt.Errorf("%w: amount must be positive", cdperr.ErrInvalidAmount)
	}
	return nil
}

func addTotalDebt(t *state.Totals, amount uint64) error {
	if t.Debt+amount < t.Debt {
		return fmt.Errorf("total debt overflow")
	}
	t.Debt += amount
	return nil
}
