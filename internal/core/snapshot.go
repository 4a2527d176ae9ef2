package core

import (
	"CDPLedger/internal/ledger"
	"CDPLedger/internal/oracle"
	"CDPLedger/internal/state"
	"CDPLedger/internal/store"
	"fmt"

	"github.com/holiman/uint256"
)

// SnapshotState is the serializable form of the committed record set.
// 256-bit accumulators travel as decimal strings.
type SnapshotState struct {
	Sequence        int64             `json:"sequence"` // last applied sequence
	StateHash       [32]byte          `json:"state_hash"`
	LastTimestamp   int64             `json:"last_timestamp"`
	Positions       []PositionSnap    `json:"positions"`
	Deposits        []DepositSnap     `json:"deposits"`
	Pool            *PoolSnap         `json:"pool,omitempty"`
	Accumulators    []AccumulatorSnap `json:"accumulators"`
	Totals          *state.Totals     `json:"totals,omitempty"`
	Prices          []oracle.Price    `json:"prices"`
	Balances        []BalanceSnap     `json:"balances"`
	Supplies        map[string]uint64 `json:"supplies"`
	SequenceState   map[string]int64  `json:"sequence_state"`
	IdempotencyKeys []string          `json:"idempotency_keys"`
}

type PositionSnap struct {
	Owner         string `json:"owner"`
	Denom         string `json:"denom"`
	Debt          uint64 `json:"debt"`
	Collateral    uint64 `json:"collateral"`
	SnapshotLDebt string `json:"snapshot_l_debt"`
	SnapshotLColl string `json:"snapshot_l_coll"`
	Status        int32  `json:"status"`
	OpenedSeq     int64  `json:"opened_seq"`
	UpdatedSeq    int64  `json:"updated_seq"`
}

type DepositSnap struct {
	Staker  string            `json:"staker"`
	Amount  uint64            `json:"amount"`
	P       string            `json:"p"`
	S       map[string]string `json:"s"`
	Epoch   uint64            `json:"epoch"`
	Scale   uint64            `json:"scale"`
	Pending map[string]uint64 `json:"pending"`
}

type SumSnap struct {
	Epoch uint64 `json:"epoch"`
	Scale uint64 `json:"scale"`
	Denom string `json:"denom"`
	Value string `json:"value"`
}

type PoolSnap struct {
	TotalStake uint64            `json:"total_stake"`
	P          string            `json:"p"`
	Epoch      uint64            `json:"epoch"`
	Scale      uint64            `json:"scale"`
	S          []SumSnap         `json:"s"`
	CollError  map[string]string `json:"coll_error"`
	LossError  string            `json:"loss_error"`
}

type AccumulatorSnap struct {
	Denom       string `json:"denom"`
	LDebt       string `json:"l_debt"`
	LColl       string `json:"l_coll"`
	ErrDebt     string `json:"err_debt"`
	ErrColl     string `json:"err_coll"`
	PendingDebt uint64 `json:"pending_debt"`
	PendingColl uint64 `json:"pending_coll"`
}

type BalanceSnap struct {
	Account string `json:"account"`
	Asset   string `json:"asset"`
	Amount  uint64 `json:"amount"`
}

// CreateSnapshotState captures the committed state. Must run on the
// sequencer goroutine.
func (c *DeterministicCore) CreateSnapshotState() *SnapshotState {
	snap := &SnapshotState{
		Sequence:        c.sequence - 1,
		StateHash:       c.hasher.GetPrevHash(),
		LastTimestamp:   c.lastTimestamp,
		Supplies:        make(map[string]uint64),
		SequenceState:   c.sequenceValidator.GetAllPartitions(),
		IdempotencyKeys: c.idempotency.Keys(),
	}

	c.mem.Scan(store.RecordPosition, func(_ store.Key, rec store.Record) bool {
		p := rec.(*state.Position)
		snap.Positions = append(snap.Positions, PositionSnap{
			Owner:         p.Owner,
			Denom:         p.Denom,
			Debt:          p.Debt,
			Collateral:    p.Collateral,
			SnapshotLDebt: p.SnapshotLDebt.Dec(),
			SnapshotLColl: p.SnapshotLColl.Dec(),
			Status:        int32(p.Status),
			OpenedSeq:     p.OpenedSeq,
			UpdatedSeq:    p.UpdatedSeq,
		})
		return true
	})

	c.mem.Scan(store.RecordDeposit, func(_ store.Key, rec store.Record) bool {
		d := rec.(*state.Deposit)
		ds := DepositSnap{
			Staker:  d.Staker,
			Amount:  d.Amount,
			P:       d.P.Dec(),
			S:       make(map[string]string, len(d.S)),
			Epoch:   d.Epoch,
			Scale:   d.Scale,
			Pending: d.Pending,
		}
		for denom, v := range d.S {
			ds.S[denom] = v.Dec()
		}
		snap.Deposits = append(snap.Deposits, ds)
		return true
	})

	if rec, ok := c.mem.Get(state.PoolKey()); ok {
		p := rec.(*state.Pool)
		ps := &PoolSnap{
			TotalStake: p.TotalStake,
			P:          p.P.Dec(),
			Epoch:      p.Epoch,
			Scale:      p.Scale,
			CollError:  make(map[string]string, len(p.CollError)),
			LossError:  p.LossError.Dec(),
		}
		for _, k := range p.SortedSumKeys() {
			v := p.S[k]
			ps.S = append(ps.S, SumSnap{Epoch: k.Epoch, Scale: k.Scale, Denom: k.Denom, Value: v.Dec()})
		}
		for denom, v := range p.CollError {
			ps.CollError[denom] = v.Dec()
		}
		snap.Pool = ps
	}

	c.mem.Scan(store.RecordAccumulator, func(_ store.Key, rec store.Record) bool {
		a := rec.(*state.Accumulator)
		snap.Accumulators = append(snap.Accumulators, AccumulatorSnap{
			Denom:       a.Denom,
			LDebt:       a.LDebt.Dec(),
			LColl:       a.LColl.Dec(),
			ErrDebt:     a.ErrDebt.Dec(),
			ErrColl:     a.ErrColl.Dec(),
			PendingDebt: a.PendingDebt,
			PendingColl: a.PendingColl,
		})
		return true
	})

	if rec, ok := c.mem.Get(state.TotalsKey()); ok {
		snap.Totals = rec.(*state.Totals)
	}

	c.mem.Scan(store.RecordPrice, func(_ store.Key, rec store.Record) bool {
		snap.Prices = append(snap.Prices, *rec.(*oracle.Price))
		return true
	})

	c.mem.Scan(store.RecordBalance, func(k store.Key, rec store.Record) bool {
		snap.Balances = append(snap.Balances, BalanceSnap{
			Account: k.Owner,
			Asset:   k.Denom,
			Amount:  rec.(*ledger.Balance).Amount,
		})
		return true
	})

	c.mem.Scan(store.RecordSupply, func(k store.Key, rec store.Record) bool {
		snap.Supplies[k.Denom] = rec.(*ledger.Supply).Amount
		return true
	})

	return snap
}

// RestoreFromSnapshot replaces the committed state with snap and verifies
// every aggregate before the core accepts commands again.
func (c *DeterministicCore) RestoreFromSnapshot(snap *SnapshotState) error {
	mem := store.NewMemory()

	for _, ps := range snap.Positions {
		p := &state.Position{
			Owner:      ps.Owner,
			Denom:      ps.Denom,
			Debt:       ps.Debt,
			Collateral: ps.Collateral,
			Status:     state.PositionStatus(ps.Status),
			OpenedSeq:  ps.OpenedSeq,
			UpdatedSeq: ps.UpdatedSeq,
		}
		if err := parseDec(ps.SnapshotLDebt, &p.SnapshotLDebt); err != nil {
			return fmt.Errorf("position %s: %w", ps.Owner, err)
		}
		if err := parseDec(ps.SnapshotLColl, &p.SnapshotLColl); err != nil {
			return fmt.Errorf("position %s: %w", ps.Owner, err)
		}
		mem.Load(state.PositionKey(p.Owner), p)
	}

	for _, ds := range snap.Deposits {
		d := state.NewDeposit(ds.Staker)
		d.Amount = ds.Amount
		d.Epoch = ds.Epoch
		d.Scale = ds.Scale
		for denom, v := range ds.Pending {
			d.Pending[denom] = v
		}
		if err := parseDec(ds.P, &d.P); err != nil {
			return fmt.Errorf("deposit %s: %w", ds.Staker, err)
		}
		for denom, v := range ds.S {
			var s uint256.Int
			if err := parseDec(v, &s); err != nil {
				return fmt.Errorf("deposit %s: %w", ds.Staker, err)
			}
			d.S[denom] = s
		}
		mem.Load(state.DepositKey(d.Staker), d)
	}

	if ps := snap.Pool; ps != nil {
		p := state.NewPool()
		p.TotalStake = ps.TotalStake
		p.Epoch = ps.Epoch
		p.Scale = ps.Scale
		if err := parseDec(ps.P, &p.P); err != nil {
			return fmt.Errorf("pool: %w", err)
		}
		if err := parseDec(ps.LossError, &p.LossError); err != nil {
			return fmt.Errorf("pool: %w", err)
		}
		for _, s := range ps.S {
			var v uint256.Int
			if err := parseDec(s.Value, &v); err != nil {
				return fmt.Errorf("pool sum: %w", err)
			}
			p.S[state.SumKey{Epoch: s.Epoch, Scale: s.Scale, Denom: s.Denom}] = v
		}
		for denom, s := range ps.CollError {
			var v uint256.Int
			if err := parseDec(s, &v); err != nil {
				return fmt.Errorf("pool error %s: %w", denom, err)
			}
			p.CollError[denom] = v
		}
		mem.Load(state.PoolKey(), p)
	}

	for _, as := range snap.Accumulators {
		a := state.NewAccumulator(as.Denom)
		a.PendingDebt = as.PendingDebt
		a.PendingColl = as.PendingColl
		for _, f := range []struct {
			s   string
			dst *uint256.Int
		}{
			{as.LDebt, &a.LDebt},
			{as.LColl, &a.LColl},
			{as.ErrDebt, &a.ErrDebt},
			{as.ErrColl, &a.ErrColl},
		} {
			if err := parseDec(f.s, f.dst); err != nil {
				return fmt.Errorf("accumulator %s: %w", as.Denom, err)
			}
		}
		mem.Load(state.AccumulatorKey(a.Denom), a)
	}

	if snap.Totals != nil {
		t := state.NewTotals()
		t.Debt = snap.Totals.Debt
		for k, v := range snap.Totals.Collateral {
			t.Collateral[k] = v
		}
		for k, v := range snap.Totals.Open {
			t.Open[k] = v
		}
		mem.Load(state.TotalsKey(), t)
	}

	for i := range snap.Prices {
		p := snap.Prices[i]
		mem.Load(oracle.Key(p.Denom), &p)
	}

	for _, b := range snap.Balances {
		mem.Load(store.Key{Type: store.RecordBalance, Owner: b.Account, Denom: b.Asset}, &ledger.Balance{Amount: b.Amount})
	}
	for asset, amount := range snap.Supplies {
		mem.Load(ledger.SupplyKey(asset), &ledger.Supply{Amount: amount})
	}

	prevMem := c.mem
	c.mem = mem
	if err := c.VerifyState(); err != nil {
		c.mem = prevMem
		return fmt.Errorf("snapshot at seq %d is inconsistent: %w", snap.Sequence, err)
	}

	c.sequence = snap.Sequence + 1
	c.lastTimestamp = snap.LastTimestamp
	c.hasher.SetPrevHash(snap.StateHash)
	for partition, nextSeq := range snap.SequenceState {
		c.sequenceValidator.RestorePartition(partition, nextSeq)
	}
	c.idempotency.WarmFromKeys(snap.IdempotencyKeys)

	c.logger.Info().
		Int64("sequence", snap.Sequence).
		Int("records", mem.Len()).
		Msg("restored state from snapshot")
	return nil
}

func parseDec(s string, dst *uint256.Int) error {
	if s == "" {
		dst.Clear()
		return nil
	}
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return fmt.Errorf("decode %q: %w", s, err)
	}
	dst.Set(v)
	return nil
}
