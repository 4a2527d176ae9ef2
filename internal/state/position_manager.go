package state

import (
	"CDPLedger/internal/cdperr"
	"CDPLedger/internal/store"
	"fmt"
)

// PositionManager gives typed access to the core's records inside one
// transaction and applies pending redistribution to positions.
type PositionManager struct {
	rw store.ReadWriter
}

func NewPositionManager(rw store.ReadWriter) *PositionManager {
	return &PositionManager{rw: rw}
}

// GetPosition returns the owner's position record or nil.
func (pm *PositionManager) GetPosition(owner string) *Position {
	rec, ok := pm.rw.Get(PositionKey(owner))
	if !ok {
		return nil
	}
	return rec.(*Position)
}

// GetOpenPosition returns the owner's open position, or ErrPositionNotFound.
func (pm *PositionManager) GetOpenPosition(owner string) (*Position, error) {
	pos := pm.GetPosition(owner)
	if pos == nil || !pos.IsOpen() {
		return nil, fmt.Errorf("%w: %s", cdperr.ErrPositionNotFound, owner)
	}
	return pos, nil
}

func (pm *PositionManager) PutPosition(pos *Position) {
	pm.rw.Put(PositionKey(pos.Owner), pos)
}

func (pm *PositionManager) Pool() *Pool {
	if rec, ok := pm.rw.Get(PoolKey()); ok {
		return rec.(*Pool)
	}
	return NewPool()
}

func (pm *PositionManager) PutPool(p *Pool) {
	pm.rw.Put(PoolKey(), p)
}

// GetDeposit returns the staker's deposit, or an empty one.
func (pm *PositionManager) GetDeposit(staker string) *Deposit {
	if rec, ok := pm.rw.Get(DepositKey(staker)); ok {
		return rec.(*Deposit)
	}
	return NewDeposit(staker)
}

// PutDeposit stores d, or removes the record once it holds nothing.
func (pm *PositionManager) PutDeposit(d *Deposit) {
	if d.IsEmpty() {
		pm.rw.Delete(DepositKey(d.Staker))
		return
	}
	pm.rw.Put(DepositKey(d.Staker), d)
}

func (pm *PositionManager) Accumulator(denom string) *Accumulator {
	if rec, ok := pm.rw.Get(AccumulatorKey(denom)); ok {
		return rec.(*Accumulator)
	}
	return NewAccumulator(denom)
}

func (pm *PositionManager) PutAccumulator(a *Accumulator) {
	pm.rw.Put(AccumulatorKey(a.Denom), a)
}

func (pm *PositionManager) Totals() *Totals {
	if rec, ok := pm.rw.Get(TotalsKey()); ok {
		return rec.(*Totals)
	}
	return NewTotals()
}

func (pm *PositionManager) PutTotals(t *Totals) {
	pm.rw.Put(TotalsKey(), t)
}

// PendingRewards is the redistributed debt and collateral the position would
// receive on its next settle.
func (pm *PositionManager) PendingRewards(pos *Position) (debt, coll uint64) {
	if !pos.IsOpen() {
		return 0, 0
	}
	return pm.Accumulator(pos.Denom).Pending(pos.Collateral, &pos.SnapshotLDebt, &pos.SnapshotLColl)
}

// Settle applies pending redistribution to pos: the amounts leave the default
// pool and land on the position, and the snapshot moves to the current L.
// Totals.Debt already counts the default pool, so only collateral weight moves.
// The position is written back even when its share rounds to zero.
func (pm *PositionManager) Settle(pos *Position, seq int64) error {
	if !pos.IsOpen() {
		return nil
	}

	acc := pm.Accumulator(pos.Denom)
	debt, coll := acc.Pending(pos.Collateral, &pos.SnapshotLDebt, &pos.SnapshotLColl)
	if debt != 0 || coll != 0 {
		debt, coll = acc.Release(debt, coll)
		if pos.Debt+debt < pos.Debt || pos.Collateral+coll < pos.Collateral {
			return fmt.Errorf("settle overflow for %s", pos.Owner)
		}
		pos.Debt += debt
		pos.Collateral += coll
		pos.UpdatedSeq = seq

		totals := pm.Totals()
		totals.Collateral[pos.Denom] += coll
		pm.PutAccumulator(acc)
		pm.PutTotals(totals)
	}

	pos.SnapshotLDebt = acc.LDebt
	pos.SnapshotLColl = acc.LColl
	pm.PutPosition(pos)
	return nil
}

// Snap points a fresh position at the current accumulator values so it
// receives nothing distributed before it opened.
func (pm *PositionManager) Snap(pos *Position) {
	acc := pm.Accumulator(pos.Denom)
	pos.SnapshotLDebt = acc.LDebt
	pos.SnapshotLColl = acc.LColl
}
