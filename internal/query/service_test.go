package query_test

import (
	"CDPLedger/internal/cdperr"
	"CDPLedger/internal/core"
	"CDPLedger/internal/event"
	"CDPLedger/internal/index"
	"CDPLedger/internal/projection"
	"CDPLedger/internal/query"
	"CDPLedger/internal/testutil"
	"context"
	"errors"
	"testing"
)

type fixture struct {
	t      *testing.T
	ctx    context.Context
	seq    *core.Sequencer
	out    chan core.CoreOutput
	feeder *projection.IndexFeeder
	sorter *index.MemorySorter
	cmds   *testutil.Commands
	qs     *query.QueryService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	out := make(chan core.CoreOutput, 256)
	c := testutil.NewCore(t, nil, out)
	seq := core.NewSequencer(c, 0, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		seq.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	sorter := index.NewMemorySorter()
	f := &fixture{
		t:      t,
		ctx:    context.Background(),
		seq:    seq,
		out:    out,
		feeder: projection.NewIndexFeeder(sorter),
		sorter: sorter,
		cmds:   testutil.NewCommands(),
	}
	f.qs = query.NewQueryService(seq, nil, sorter, nil).WithClock(f.cmds.Now)
	return f
}

// submit applies commands through the sequencer and brings the index up to
// date.
func (f *fixture) submit(cmds ...event.Event) {
	f.t.Helper()
	for _, cmd := range cmds {
		if _, err := f.seq.Submit(f.ctx, cmd); err != nil {
			f.t.Fatalf("%s rejected: %v", cmd.EventType(), err)
		}
	}
	for {
		select {
		case o := <-f.out:
			if err := f.feeder.Apply(f.ctx, o); err != nil {
				f.t.Fatalf("index: %v", err)
			}
		default:
			return
		}
	}
}

// book opens alice (6 / 600), bob (100 / 1000) and carol (100 / 1200) at
// $150. Ascending ICR is alice, carol, bob.
func (f *fixture) book() {
	f.t.Helper()
	c := f.cmds
	f.submit(
		c.AtomPrice(150),
		c.Fund("alice", testutil.Atom, 6*testutil.Unit),
		c.Fund("bob", testutil.Atom, 100*testutil.Unit),
		c.Fund("carol", testutil.Atom, 100*testutil.Unit),
		c.Open("alice", 6, 600, index.Hint{}),
		c.Open("bob", 100, 1000, index.Hint{Prev: "alice"}),
		c.Open("carol", 100, 1200, index.Hint{Prev: "alice", Next: "bob"}),
	)
}

// ===========================================================================
// Live state
// ===========================================================================

func TestGetPosition(t *testing.T) {
	f := newFixture(t)
	f.book()

	p, err := f.qs.GetPosition(f.ctx, "alice")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if p.DebtDisplay != "600" || p.CollateralDisplay != "6" || p.ICRPercent != "150" || p.Liquidatable {
		t.Errorf("alice at $150: %+v", p)
	}
	if p.Status != "Open" || p.AsOfSequence != 6 {
		t.Errorf("status %s as of %d", p.Status, p.AsOfSequence)
	}

	f.submit(f.cmds.AtomPrice(90))
	p, err = f.qs.GetPosition(f.ctx, "alice")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if p.ICRPercent != "90" || !p.Liquidatable {
		t.Errorf("alice at $90: icr %s liquidatable %v", p.ICRPercent, p.Liquidatable)
	}

	if _, err := f.qs.GetPosition(f.ctx, "nobody"); !errors.Is(err, cdperr.ErrPositionNotFound) {
		t.Errorf("expected ErrPositionNotFound, got %v", err)
	}
}

func TestGetBalanceAndTotals(t *testing.T) {
	f := newFixture(t)
	f.book()

	b, err := f.qs.GetBalance(f.ctx, "bob", testutil.Stable)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	// 1000 borrowed, 0.5% fee carved.
	if b.Amount != 995*testutil.Unit || b.Display != "995" {
		t.Errorf("bob stable: %+v", b)
	}

	if _, err := f.qs.GetBalance(f.ctx, "bob", "doge"); !errors.Is(err, cdperr.ErrAssetMismatch) {
		t.Errorf("expected ErrAssetMismatch, got %v", err)
	}

	totals, err := f.qs.GetTotals(f.ctx)
	if err != nil {
		t.Fatalf("totals: %v", err)
	}
	if totals.Debt != 2800*testutil.Unit || totals.StableSupply != totals.Debt {
		t.Errorf("totals: debt %d supply %d", totals.Debt, totals.StableSupply)
	}
	if totals.OpenCount[testutil.Atom] != 3 || totals.Collateral[testutil.Atom] != 206*testutil.Unit {
		t.Errorf("totals: %+v", totals)
	}
}

func TestGetPoolAndDeposit(t *testing.T) {
	f := newFixture(t)
	f.book()
	f.submit(f.cmds.Stake("carol", 50))

	pool, err := f.qs.GetPool(f.ctx)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	if pool.TotalStakeDisplay != "50" || pool.Product != "1" {
		t.Errorf("pool: %+v", pool)
	}

	d, err := f.qs.GetDeposit(f.ctx, "carol")
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if d.Stake != 50*testutil.Unit {
		t.Errorf("deposit: %+v", d)
	}
}

func TestGetPrice(t *testing.T) {
	f := newFixture(t)
	if _, err := f.qs.GetPrice(f.ctx, testutil.Atom); !errors.Is(err, cdperr.ErrStalePrice) {
		t.Errorf("expected ErrStalePrice before any update, got %v", err)
	}
	f.submit(f.cmds.AtomPrice(12))
	p, err := f.qs.GetPrice(f.ctx, testutil.Atom)
	if err != nil {
		t.Fatalf("price: %v", err)
	}
	if p.Display != "12" || p.Sequence != 1 {
		t.Errorf("price: %+v", p)
	}
}

// ===========================================================================
// Ordering help
// ===========================================================================

func TestSuggestHint_AcceptedByCore(t *testing.T) {
	f := newFixture(t)
	f.book()

	// 100 atoms against 1100 sits between carol (1200) and bob (1000).
	h, err := f.qs.SuggestHint(f.ctx, "dave", testutil.Atom, 100*testutil.Unit, 1100*testutil.Unit)
	if err != nil {
		t.Fatalf("hint: %v", err)
	}
	if h.Hint.Prev != "carol" || h.Hint.Next != "bob" {
		t.Fatalf("hint: got %+v", h.Hint)
	}
	f.submit(
		f.cmds.Fund("dave", testutil.Atom, 100*testutil.Unit),
		f.cmds.Open("dave", 100, 1100, h.Hint),
	)

	tests := []struct {
		name       string
		denom      string
		coll, debt uint64
		wantErr    error
	}{
		{"zero debt", testutil.Atom, testutil.Unit, 0, cdperr.ErrInvalidAmount},
		{"zero collateral", testutil.Atom, 0, testutil.Unit, cdperr.ErrInvalidAmount},
		{"stable is not collateral", testutil.Stable, testutil.Unit, testutil.Unit, cdperr.ErrAssetMismatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := f.qs.SuggestHint(f.ctx, "x", tt.denom, tt.coll, tt.debt); !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestLiquidationCandidates(t *testing.T) {
	f := newFixture(t)
	f.book()

	got, err := f.qs.LiquidationCandidates(f.ctx, testutil.Atom, 10)
	if err != nil {
		t.Fatalf("candidates: %v", err)
	}
	if len(got.Owners) != 0 {
		t.Errorf("healthy book: got %v", got.Owners)
	}

	// At $12: alice 12%, carol 100%, bob 120%.
	f.submit(f.cmds.AtomPrice(12))
	got, err = f.qs.LiquidationCandidates(f.ctx, testutil.Atom, 10)
	if err != nil {
		t.Fatalf("candidates: %v", err)
	}
	if len(got.Owners) != 2 || got.Owners[0] != "alice" || got.Owners[1] != "carol" {
		t.Errorf("got %v, want [alice carol]", got.Owners)
	}
}

func TestRedemptionTargets_SkipUndercollateralized(t *testing.T) {
	f := newFixture(t)
	f.book()
	f.submit(f.cmds.AtomPrice(12))

	got, err := f.qs.RedemptionTargets(f.ctx, testutil.Atom, 1)
	if err != nil {
		t.Fatalf("targets: %v", err)
	}
	if len(got.Owners) != 1 || got.Owners[0] != "bob" {
		t.Errorf("got %v, want [bob]", got.Owners)
	}

	f.submit(f.cmds.AtomPrice(150))
	got, err = f.qs.RedemptionTargets(f.ctx, testutil.Atom, 2)
	if err != nil {
		t.Fatalf("targets: %v", err)
	}
	if len(got.Owners) != 2 || got.Owners[0] != "alice" || got.Owners[1] != "carol" {
		t.Errorf("got %v, want [alice carol]", got.Owners)
	}
}

// ===========================================================================
// History and admin
// ===========================================================================

func TestHistoryWithoutDatabase(t *testing.T) {
	f := newFixture(t)

	if _, err := f.qs.GetLiquidations(f.ctx, "", 10, nil); !errors.Is(err, query.ErrUnavailable) {
		t.Errorf("liquidations: %v", err)
	}
	if _, err := f.qs.GetRedemptions(f.ctx, 10, nil); !errors.Is(err, query.ErrUnavailable) {
		t.Errorf("redemptions: %v", err)
	}
	if _, err := f.qs.GetJournalHistory(f.ctx, "alice", 10, nil); !errors.Is(err, query.ErrUnavailable) {
		t.Errorf("journal: %v", err)
	}
}

func TestVerifyIntegrity_Live(t *testing.T) {
	f := newFixture(t)
	f.book()

	report, err := f.qs.VerifyIntegrity(f.ctx)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !report.IsHealthy || report.StateError != "" || report.AsOfSequence != 6 {
		t.Errorf("report: %+v", report)
	}
}

func TestHistoryFromProjections(t *testing.T) {
	db := testutil.SetupTestDB(t)
	ctx := context.Background()

	out := make(chan core.CoreOutput, 64)
	c := testutil.NewCore(t, nil, out)
	cmds := testutil.NewCommands()
	testutil.Apply(t, c,
		cmds.AtomPrice(150),
		cmds.Fund("alice", testutil.Atom, 6*testutil.Unit),
		cmds.Fund("bob", testutil.Atom, 100*testutil.Unit),
		cmds.Open("alice", 6, 600, index.Hint{}),
		cmds.Open("bob", 100, 1000, index.Hint{Prev: "alice"}),
		cmds.AtomPrice(90),
		cmds.Liquidate("alice"),
	)
	close(out)
	if err := projection.NewWorker(db, nil, out, nil).Run(ctx); err != nil {
		t.Fatalf("project: %v", err)
	}

	seq := core.NewSequencer(c, 0, nil)
	qs := query.NewQueryService(seq, db, nil, nil)

	got, err := qs.GetLiquidations(ctx, "alice", 10, nil)
	if err != nil {
		t.Fatalf("liquidations: %v", err)
	}
	if len(got) != 1 || got[0].Path != "redistribution" || got[0].Debt != 600*testutil.Unit {
		t.Errorf("liquidations: %+v", got)
	}

	before := got[0].Sequence
	if older, err := qs.GetLiquidations(ctx, "", 10, &before); err != nil || len(older) != 0 {
		t.Errorf("before %d: %v %v", before, older, err)
	}
}

// ===========================================================================
// Formatting
// ===========================================================================

func TestAmountAndPercent(t *testing.T) {
	tests := []struct {
		v        uint64
		decimals int
		want     string
	}{
		{0, 6, "0"},
		{1, 6, "0.000001"},
		{1_500_000, 6, "1.5"},
		{123_456_789_000, 9, "123.456789"},
		{42, 0, "42"},
	}
	for _, tt := range tests {
		if got := query.Amount(tt.v, tt.decimals); got != tt.want {
			t.Errorf("Amount(%d, %d): got %s, want %s", tt.v, tt.decimals, got, tt.want)
		}
	}
	if got := query.Percent(115_000_000); got != "115" {
		t.Errorf("Percent: got %s", got)
	}
}
