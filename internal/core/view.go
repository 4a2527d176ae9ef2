package core

import (
	"CDPLedger/internal/index"
	"CDPLedger/internal/ledger"
	"CDPLedger/internal/oracle"
	"CDPLedger/internal/state"
	"CDPLedger/internal/store"
	"CDPLedger/internal/valuation"
)

// The methods below read committed state. They must run on the sequencer
// goroutine (Sequencer.Read) like everything else touching the core.

// LivePosition returns the owner's position with pending redistribution
// applied, valued at the latest price as of asOf. ICR is 0 when no usable
// price exists.
func (c *DeterministicCore) LivePosition(owner string, asOf int64) (*PositionSummary, bool) {
	cx := c.readContext(asOf)
	pos := cx.pm.GetPosition(owner)
	if pos == nil {
		return nil, false
	}
	if !pos.IsOpen() {
		return summarizePosition(pos, closedICR), true
	}

	pendingDebt, pendingColl := cx.pm.PendingRewards(pos)
	live := *pos
	live.Debt += pendingDebt
	live.Collateral += pendingColl
	icr, err := cx.positionICR(&live)
	if err != nil {
		icr = 0
	}
	return summarizePosition(&live, icr), true
}

// LiveDeposit returns the staker's compounded stake and every gain owed,
// crystallized or not.
func (c *DeterministicCore) LiveDeposit(staker string) *DepositSummary {
	cx := c.readContext(0)
	pool := cx.pm.Pool()
	d := cx.pm.GetDeposit(staker)
	pool.Refresh(d)
	return summarizeDeposit(d)
}

// PoolState returns a copy of the stability pool.
func (c *DeterministicCore) PoolState() *state.Pool {
	if rec, ok := c.mem.Get(state.PoolKey()); ok {
		return rec.(*state.Pool)
	}
	return state.NewPool()
}

// TotalsState returns a copy of the protocol aggregates.
func (c *DeterministicCore) TotalsState() *state.Totals {
	if rec, ok := c.mem.Get(state.TotalsKey()); ok {
		return rec.(*state.Totals)
	}
	return state.NewTotals()
}

// Balance returns an owner's wallet balance of asset.
func (c *DeterministicCore) Balance(owner, asset string) uint64 {
	return c.balance(ledger.BalanceKey(ledger.UserWallet(owner), asset))
}

// ValidateHint reports whether hint is accepted for owner's position at its
// current state, without changing anything.
func (c *DeterministicCore) ValidateHint(owner string, hint index.Hint, asOf int64) error {
	cx := c.readContext(asOf)
	pos, err := cx.pm.GetOpenPosition(owner)
	if err != nil {
		return err
	}
	if err := cx.pm.Settle(pos, c.sequence); err != nil {
		return err
	}
	return cx.validateHint(pos, hint)
}

// readContext is a transaction that is never committed.
func (c *DeterministicCore) readContext(asOf int64) *txContext {
	tx := c.mem.Begin()
	return c.newTxContext(tx, ledger.NewBatch("read", c.sequence, asOf), c.sequence, asOf)
}

// OpenPositions visits every open position in owner order.
func (c *DeterministicCore) OpenPositions(fn func(*state.Position) bool) {
	c.mem.Scan(store.RecordPosition, func(_ store.Key, rec store.Record) bool {
		pos := rec.(*state.Position)
		if !pos.IsOpen() {
			return true
		}
		return fn(pos)
	})
}

// Accumulator returns a copy of denom's redistribution accumulator.
func (c *DeterministicCore) Accumulator(denom string) *state.Accumulator {
	if rec, ok := c.mem.Get(state.AccumulatorKey(denom)); ok {
		return rec.(*state.Accumulator)
	}
	return state.NewAccumulator(denom)
}

// Collateral returns the configuration of a registered collateral denom.
func (c *DeterministicCore) Collateral(denom string) (valuation.Collateral, bool) {
	spec, ok := c.collaterals[denom]
	return spec, ok
}

// LatestPrice returns the last accepted price of denom, fresh or not.
func (c *DeterministicCore) LatestPrice(denom string) (*oracle.Price, bool) {
	rec, ok := c.mem.Get(oracle.Key(denom))
	if !ok {
		return nil, false
	}
	return rec.(*oracle.Price), true
}

// Supply returns the outstanding supply of asset.
func (c *DeterministicCore) Supply(asset string) uint64 {
	return c.balance(ledger.SupplyKey(asset))
}
