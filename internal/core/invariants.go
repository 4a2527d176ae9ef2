package core

import (
	"CDPLedger/internal/ledger"
	"CDPLedger/internal/state"
	"CDPLedger/internal/store"
	"fmt"
)

// VerifyState recomputes every aggregate from the committed records and
// compares it with what the core tracks incrementally. Full scan.
func (c *DeterministicCore) VerifyState() error {
	if err := c.validator.ValidateConservation(c.mem); err != nil {
		return fmt.Errorf("conservation: %w", err)
	}

	var totals *state.Totals
	if rec, ok := c.mem.Get(state.TotalsKey()); ok {
		totals = rec.(*state.Totals)
	} else {
		totals = state.NewTotals()
	}

	var debt uint64
	collateral := make(map[string]uint64)
	open := make(map[string]uint64)
	c.mem.Scan(store.RecordPosition, func(_ store.Key, rec store.Record) bool {
		pos := rec.(*state.Position)
		if pos.IsOpen() {
			debt += pos.Debt
			collateral[pos.Denom] += pos.Collateral
			open[pos.Denom]++
		}
		return true
	})

	pendingColl := make(map[string]uint64)
	c.mem.Scan(store.RecordAccumulator, func(_ store.Key, rec store.Record) bool {
		acc := rec.(*state.Accumulator)
		debt += acc.PendingDebt
		pendingColl[acc.Denom] = acc.PendingColl
		return true
	})

	supply := c.balance(ledger.SupplyKey(c.assets.Stable()))
	if debt != totals.Debt || debt != supply {
		return fmt.Errorf("solvency: positions+default pools %d, tracked %d, supply %d", debt, totals.Debt, supply)
	}

	for denom := range c.collaterals {
		if collateral[denom] != totals.Collateral[denom] {
			return fmt.Errorf("collateral %s: positions hold %d, tracked %d", denom, collateral[denom], totals.Collateral[denom])
		}
		if open[denom] != totals.Open[denom] {
			return fmt.Errorf("open %s: counted %d, tracked %d", denom, open[denom], totals.Open[denom])
		}
		vault := c.balance(ledger.BalanceKey(ledger.CollateralVault, denom))
		if vault != collateral[denom]+pendingColl[denom] {
			return fmt.Errorf("vault %s: holds %d, positions and default pool %d", denom, vault, collateral[denom]+pendingColl[denom])
		}
	}

	var stake uint64
	if rec, ok := c.mem.Get(state.PoolKey()); ok {
		stake = rec.(*state.Pool).TotalStake
	}
	if held := c.balance(ledger.BalanceKey(ledger.StabilityPool, c.assets.Stable())); held != stake {
		return fmt.Errorf("stability pool: holds %d, tracked stake %d", held, stake)
	}

	return nil
}

func (c *DeterministicCore) balance(key store.Key) uint64 {
	rec, ok := c.mem.Get(key)
	if !ok {
		return 0
	}
	switch r := rec.(type) {
	case *ledger.Balance:
		return r.Amount
	case *ledger.Supply:
		return r.Amount
	}
	return 0
}
