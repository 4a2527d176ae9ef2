package state

import (
	"CDPLedger/internal/store"
	"encoding/binary"

	"github.com/holiman/uint256"
)

// PositionStatus tracks the lifecycle of an owner's position record.
type PositionStatus int32

const (
	PositionStatusNone PositionStatus = iota
	PositionStatusOpen
	PositionStatusClosed     // repaid by owner
	PositionStatusLiquidated // absorbed by pool and/or redistribution
	PositionStatusRedeemed   // debt fully redeemed by a third party
)

func (s PositionStatus) String() string {
	switch s {
	case PositionStatusNone:
		return "None"
	case PositionStatusOpen:
		return "Open"
	case PositionStatusClosed:
		return "Closed"
	case PositionStatusLiquidated:
		return "Liquidated"
	case PositionStatusRedeemed:
		return "Redeemed"
	default:
		return "Unknown"
	}
}

// CanTransitionTo validates lifecycle transitions. Open → Open covers every
// adjustment; a terminal status may reopen because the record is per owner.
func (s PositionStatus) CanTransitionTo(next PositionStatus) bool {
	validTransitions := map[PositionStatus][]PositionStatus{
		PositionStatusNone: {PositionStatusOpen},
		PositionStatusOpen: {
			PositionStatusOpen,
			PositionStatusClosed,
			PositionStatusLiquidated,
			PositionStatusRedeemed,
		},
		PositionStatusClosed:     {PositionStatusOpen},
		PositionStatusLiquidated: {PositionStatusOpen},
		PositionStatusRedeemed:   {PositionStatusOpen},
	}

	for _, allowed := range validTransitions[s] {
		if next == allowed {
			return true
		}
	}
	return false
}

// Position is an owner's collateralized debt. One collateral denom per position.
type Position struct {
	Owner      string
	Denom      string
	Debt       uint64 // micro-peg-units
	Collateral uint64 // native units of Denom
	// Redistribution snapshot: the accumulator values at last touch.
	SnapshotLDebt uint256.Int
	SnapshotLColl uint256.Int
	Status        PositionStatus
	OpenedSeq     int64
	UpdatedSeq    int64
}

// IsOpen reports whether the position carries debt.
func (p *Position) IsOpen() bool {
	return p.Status == PositionStatusOpen
}

// Zero clears debt and collateral and moves the record to a terminal status.
func (p *Position) Zero(status PositionStatus, seq int64) {
	p.Debt = 0
	p.Collateral = 0
	p.SnapshotLDebt.Clear()
	p.SnapshotLColl.Clear()
	p.Status = status
	p.UpdatedSeq = seq
}

// CanonicalBytes returns deterministic serialization for hashing
func (p *Position) CanonicalBytes() []byte {
	buf := make([]byte, 0, 160)

	buf = append(buf, byte(len(p.Owner)))
	buf = append(buf, p.Owner...)
	buf = append(buf, byte(len(p.Denom)))
	buf = append(buf, p.Denom...)
	buf = binary.LittleEndian.AppendUint64(buf, p.Debt)
	buf = binary.LittleEndian.AppendUint64(buf, p.Collateral)

	lDebt := p.SnapshotLDebt.Bytes32()
	lColl := p.SnapshotLColl.Bytes32()
	buf = append(buf, lDebt[:]...)
	buf = append(buf, lColl[:]...)

	buf = append(buf, byte(p.Status))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(p.OpenedSeq))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(p.UpdatedSeq))

	return buf
}

func (p *Position) Clone() store.Record {
	cp := *p
	return &cp
}

// PositionKey derives the storage address of an owner's position. Neighbor
// hints are resolved through this, never through caller-supplied addresses.
func PositionKey(owner string) store.Key {
	return store.Key{Type: store.RecordPosition, Owner: owner}
}
