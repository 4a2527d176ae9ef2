package state

import (
	"CDPLedger/internal/cdperr"
	fpmath "CDPLedger/internal/math"
	"CDPLedger/internal/store"
	"encoding/binary"
	"fmt"

	"github.com/holiman/uint256"
)

// Accumulator spreads debt and collateral of a liquidated position over every
// other open position of the same denom, pro rata to recorded collateral.
//
// LDebt and LColl are cumulative reward per unit of collateral, scaled 1e18.
// A position's share since its snapshot is collateral * (L - snapshot) / 1e18.
// Distributed amounts sit in the default pool (PendingDebt/PendingColl)
// until each position is touched and settles its share.
type Accumulator struct {
	Denom       string
	LDebt       uint256.Int
	LColl       uint256.Int
	ErrDebt     uint256.Int
	ErrColl     uint256.Int
	PendingDebt uint64
	PendingColl uint64
}

func NewAccumulator(denom string) *Accumulator {
	return &Accumulator{Denom: denom}
}

// Distribute adds debt and coll to the accumulator over weight units of
// collateral. weight is the recorded collateral of every recipient.
func (a *Accumulator) Distribute(debt, coll, weight uint64) error {
	if debt == 0 && coll == 0 {
		return nil
	}
	if weight == 0 {
		return fmt.Errorf("%w: no open %s position to absorb redistribution", cdperr.ErrNotLiquidatable, a.Denom)
	}

	w := uint256.NewInt(weight)
	precision := fpmath.PrecisionInt()

	step := func(amount uint64, carry *uint256.Int) *uint256.Int {
		num := new(uint256.Int).Mul(uint256.NewInt(amount), precision)
		num.Add(num, carry)
		per := new(uint256.Int).Div(num, w)
		used := new(uint256.Int).Mul(per, w)
		*carry = *num.Sub(num, used)
		return per
	}

	a.LDebt.Add(&a.LDebt, step(debt, &a.ErrDebt))
	a.LColl.Add(&a.LColl, step(coll, &a.ErrColl))
	a.PendingDebt += debt
	a.PendingColl += coll
	return nil
}

// Pending returns the unapplied debt and collateral for a position holding
// collateral with the given snapshots.
func (a *Accumulator) Pending(collateral uint64, snapDebt, snapColl *uint256.Int) (debt, coll uint64) {
	return a.share(collateral, &a.LDebt, snapDebt), a.share(collateral, &a.LColl, snapColl)
}

func (a *Accumulator) share(collateral uint64, l, snap *uint256.Int) uint64 {
	if collateral == 0 || !l.Gt(snap) {
		return 0
	}
	diff := new(uint256.Int).Sub(l, snap)
	diff.Mul(diff, uint256.NewInt(collateral))
	diff.Div(diff, fpmath.PrecisionInt())
	if !diff.IsUint64() {
		return ^uint64(0)
	}
	return diff.Uint64()
}

// Release takes debt and coll out of the default pool as a position
// settles them. Floor rounding keeps the pool at least as large as the sum
// of claims, so the amounts are clamped at what is left.
func (a *Accumulator) Release(debt, coll uint64) (uint64, uint64) {
	debt = fpmath.Min(debt, a.PendingDebt)
	coll = fpmath.Min(coll, a.PendingColl)
	a.PendingDebt -= debt
	a.PendingColl -= coll
	return debt, coll
}

func (a *Accumulator) CanonicalBytes() []byte {
	buf := make([]byte, 0, 160)
	buf = append(buf, byte(len(a.Denom)))
	buf = append(buf, a.Denom...)
	for _, v := range []*uint256.Int{&a.LDebt, &a.LColl, &a.ErrDebt, &a.ErrColl} {
		b := v.Bytes32()
		buf = append(buf, b[:]...)
	}
	buf = binary.LittleEndian.AppendUint64(buf, a.PendingDebt)
	buf = binary.LittleEndian.AppendUint64(buf, a.PendingColl)
	return buf
}

func (a *Accumulator) Clone() store.Record {
	cp := *a
	return &cp
}

// AccumulatorKey addresses the per-denom redistribution state.
func AccumulatorKey(denom string) store.Key {
	return store.Key{Type: store.RecordAccumulator, Denom: denom}
}
