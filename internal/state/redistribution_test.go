package state_test

import (
	"CDPLedger/internal/cdperr"
	"CDPLedger/internal/state"
	"CDPLedger/internal/store"
	"errors"
	"testing"
)

func TestAccumulator_DistributeProRata(t *testing.T) {
	acc := state.NewAccumulator("SOL")
	if err := acc.Distribute(550_000_000, 3_000_000_000, 3_000_000_000); err != nil {
		t.Fatalf("distribute: %v", err)
	}

	tests := []struct {
		name       string
		collateral uint64
		wantDebt   uint64
		wantColl   uint64
	}{
		{"one third", 1_000_000_000, 183_333_333, 1_000_000_000},
		{"two thirds", 2_000_000_000, 366_666_666, 2_000_000_000},
	}

	zero := state.NewAccumulator("SOL")
	var sumDebt, sumColl uint64
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			debt, coll := acc.Pending(tt.collateral, &zero.LDebt, &zero.LColl)
			if debt != tt.wantDebt || coll != tt.wantColl {
				t.Errorf("got (%d, %d), want (%d, %d)", debt, coll, tt.wantDebt, tt.wantColl)
			}
			sumDebt += debt
			sumColl += coll
		})
	}

	// Floor rounding never hands out more than was distributed.
	if sumDebt > acc.PendingDebt || sumColl > acc.PendingColl {
		t.Errorf("claims (%d, %d) exceed default pool (%d, %d)", sumDebt, sumColl, acc.PendingDebt, acc.PendingColl)
	}
	if acc.PendingDebt-sumDebt > 1 {
		t.Errorf("rounding dust %d larger than one unit", acc.PendingDebt-sumDebt)
	}
}

func TestAccumulator_ZeroWeight(t *testing.T) {
	acc := state.NewAccumulator("SOL")
	err := acc.Distribute(1, 1, 0)
	if !errors.Is(err, cdperr.ErrNotLiquidatable) {
		t.Fatalf("expected ErrNotLiquidatable, got %v", err)
	}
	if err := acc.Distribute(0, 0, 0); err != nil {
		t.Errorf("nothing to distribute should succeed: %v", err)
	}
}

func TestAccumulator_ErrorCarry(t *testing.T) {
	acc := state.NewAccumulator("SOL")
	// 1 over 3 units of weight leaves a remainder that must carry.
	for i := 0; i < 3; i++ {
		if err := acc.Distribute(1, 0, 3); err != nil {
			t.Fatalf("distribute: %v", err)
		}
	}
	zero := state.NewAccumulator("SOL")
	debt, _ := acc.Pending(3, &zero.LDebt, &zero.LColl)
	if debt != 3 {
		t.Errorf("got %d, want 3 after carries", debt)
	}
}

// ============================================================================
// Settle
// ============================================================================

func openPosition(pm *state.PositionManager, owner string, debt, coll uint64) *state.Position {
	pos := &state.Position{
		Owner:      owner,
		Denom:      "SOL",
		Debt:       debt,
		Collateral: coll,
		Status:     state.PositionStatusOpen,
	}
	pm.Snap(pos)
	pm.PutPosition(pos)

	totals := pm.Totals()
	totals.Debt += debt
	totals.Collateral["SOL"] += coll
	totals.Open["SOL"]++
	pm.PutTotals(totals)
	return pos
}

func TestPositionManager_SettleAppliesShare(t *testing.T) {
	m := store.NewMemory()
	tx := m.Begin()
	pm := state.NewPositionManager(tx)

	a := openPosition(pm, "alice", 500_000_000, 1_000_000_000)
	b := openPosition(pm, "bob", 500_000_000, 2_000_000_000)

	// A third position was liquidated: 550 debt and 600 coll leave its
	// record and enter the default pool, still counted in Totals.Debt.
	acc := pm.Accumulator("SOL")
	if err := acc.Distribute(550_000_000, 600_000_000, 3_000_000_000); err != nil {
		t.Fatalf("distribute: %v", err)
	}
	pm.PutAccumulator(acc)
	totals := pm.Totals()
	totals.Debt += 550_000_000
	pm.PutTotals(totals)

	if d, c := pm.PendingRewards(a); d != 183_333_333 || c != 200_000_000 {
		t.Errorf("alice pending: got (%d, %d)", d, c)
	}

	if err := pm.Settle(a, 7); err != nil {
		t.Fatalf("settle: %v", err)
	}
	if a.Debt != 683_333_333 || a.Collateral != 1_200_000_000 {
		t.Errorf("alice after settle: debt %d coll %d", a.Debt, a.Collateral)
	}
	if a.UpdatedSeq != 7 {
		t.Errorf("updated seq: got %d", a.UpdatedSeq)
	}

	// Settling twice applies nothing more.
	if err := pm.Settle(a, 8); err != nil {
		t.Fatalf("settle: %v", err)
	}
	if a.Debt != 683_333_333 {
		t.Errorf("second settle changed debt: %d", a.Debt)
	}

	if err := pm.Settle(b, 9); err != nil {
		t.Fatalf("settle: %v", err)
	}
	if b.Debt != 866_666_666 || b.Collateral != 2_400_000_000 {
		t.Errorf("bob after settle: debt %d coll %d", b.Debt, b.Collateral)
	}

	// Conservation: position debt plus what is left in the default pool
	// equals the tracked total.
	acc = pm.Accumulator("SOL")
	totals = pm.Totals()
	if got := a.Debt + b.Debt + acc.PendingDebt; got != totals.Debt {
		t.Errorf("debt not conserved: %d != %d", got, totals.Debt)
	}
	if totals.Collateral["SOL"] != a.Collateral+b.Collateral {
		t.Errorf("collateral weight: got %d, want %d", totals.Collateral["SOL"], a.Collateral+b.Collateral)
	}
}

func TestPositionManager_SettleDustStillMovesSnapshot(t *testing.T) {
	m := store.NewMemory()
	tx := m.Begin()
	pm := state.NewPositionManager(tx)
	openPosition(pm, "dust", 1_000_000, 1)
	acc := pm.Accumulator("SOL")
	if err := acc.Distribute(1, 1, 3_000_000_000); err != nil {
		t.Fatalf("distribute: %v", err)
	}
	pm.PutAccumulator(acc)
	if _, err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	tx = m.Begin()
	pm = state.NewPositionManager(tx)
	// Settle a detached copy: only the write-back can reach the store.
	pos := pm.GetPosition("dust").Clone().(*state.Position)
	if d, c := pm.PendingRewards(pos); d != 0 || c != 0 {
		t.Fatalf("expected the share to round to zero, got (%d, %d)", d, c)
	}
	if err := pm.Settle(pos, 4); err != nil {
		t.Fatalf("settle: %v", err)
	}
	if _, err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	rec, ok := m.Get(state.PositionKey("dust"))
	if !ok {
		t.Fatal("position missing after commit")
	}
	stored := rec.(*state.Position)
	if !stored.SnapshotLDebt.Eq(&acc.LDebt) || !stored.SnapshotLColl.Eq(&acc.LColl) {
		t.Errorf("snapshot not persisted: got %s / %s, want %s / %s",
			stored.SnapshotLDebt.Dec(), stored.SnapshotLColl.Dec(), acc.LDebt.Dec(), acc.LColl.Dec())
	}
	if stored.Debt != 1_000_000 || stored.Collateral != 1 {
		t.Errorf("dust settle changed the position: %d / %d", stored.Debt, stored.Collateral)
	}
}

func TestPositionManager_NewPositionSnapsCurrentL(t *testing.T) {
	m := store.NewMemory()
	tx := m.Begin()
	pm := state.NewPositionManager(tx)

	openPosition(pm, "alice", 500_000_000, 1_000_000_000)
	acc := pm.Accumulator("SOL")
	if err := acc.Distribute(100_000_000, 100_000_000, 1_000_000_000); err != nil {
		t.Fatalf("distribute: %v", err)
	}
	pm.PutAccumulator(acc)

	late := openPosition(pm, "carol", 500_000_000, 1_000_000_000)
	if d, c := pm.PendingRewards(late); d != 0 || c != 0 {
		t.Errorf("late position should owe nothing, got (%d, %d)", d, c)
	}
}

func TestPositionManager_GetOpenPosition(t *testing.T) {
	m := store.NewMemory()
	tx := m.Begin()
	pm := state.NewPositionManager(tx)

	if _, err := pm.GetOpenPosition("nobody"); !errors.Is(err, cdperr.ErrPositionNotFound) {
		t.Errorf("missing: got %v", err)
	}

	pos := openPosition(pm, "alice", 1, 1)
	pos.Zero(state.PositionStatusClosed, 3)
	pm.PutPosition(pos)
	if _, err := pm.GetOpenPosition("alice"); !errors.Is(err, cdperr.ErrPositionNotFound) {
		t.Errorf("closed: got %v", err)
	}
}

func TestPositionManager_EmptyDepositIsRemoved(t *testing.T) {
	m := store.NewMemory()
	tx := m.Begin()
	pm := state.NewPositionManager(tx)

	d := pm.GetDeposit("alice")
	d.Amount = 10
	pm.PutDeposit(d)
	if _, ok := tx.Get(state.DepositKey("alice")); !ok {
		t.Fatal("deposit should be stored")
	}

	d.Amount = 0
	pm.PutDeposit(d)
	if _, ok := tx.Get(state.DepositKey("alice")); ok {
		t.Error("empty deposit should be deleted")
	}
}

func TestComputeCoverage(t *testing.T) {
	tests := []struct {
		name          string
		stake, debt   uint64
		wantCovered   uint64
		wantRemaining uint64
		wantPath      state.LiquidationPath
	}{
		{"pool covers all", 1_000, 600, 600, 0, state.PathPool},
		{"exact", 600, 600, 600, 0, state.PathPool},
		{"partial", 50, 600, 50, 550, state.PathPartial},
		{"empty pool", 0, 600, 0, 600, state.PathRedistribution},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			covered, remaining, path := state.ComputeCoverage(tt.stake, tt.debt)
			if covered != tt.wantCovered || remaining != tt.wantRemaining || path != tt.wantPath {
				t.Errorf("got (%d, %d, %s), want (%d, %d, %s)",
					covered, remaining, path, tt.wantCovered, tt.wantRemaining, tt.wantPath)
			}
		})
	}
}

func TestValidateProtocolParams(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(p *state.ProtocolParams)
		wantErr bool
	}{
		{"defaults", func(p *state.ProtocolParams) {}, false},
		{"threshold below 100%", func(p *state.ProtocolParams) { p.LiquidationThreshold = 99_000_000 }, true},
		{"mcr below threshold", func(p *state.ProtocolParams) { p.MCR = 105_000_000 }, true},
		{"fee 100%", func(p *state.ProtocolParams) { p.BorrowFeeBps = 10_000 }, true},
		{"zero min loan", func(p *state.ProtocolParams) { p.MinLoan = 0 }, true},
		{"zero min collateral", func(p *state.ProtocolParams) { p.MinCollateral = 0 }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := state.DefaultProtocolParams
			tt.mutate(&p)
			err := state.ValidateProtocolParams(&p)
			if (err != nil) != tt.wantErr {
				t.Errorf("got %v, wantErr %v", err, tt.wantErr)
			}
		})
	}

	p := state.DefaultProtocolParams
	if fee, _ := p.BorrowFee(200_000_000); fee != 1_000_000 {
		t.Errorf("borrow fee: got %d, want 1_000_000", fee)
	}
}
