package core

import (
	"CDPLedger/internal/cdperr"
	"CDPLedger/internal/event"
	"CDPLedger/internal/ledger"
	fpmath "CDPLedger/internal/math"
	"CDPLedger/internal/state"
	"errors"
	"fmt"
)

func (cx *txContext) handleLiquidate(e *event.Liquidate) (*Receipt, error) {
	if _, err := cx.collateral(e.Denom); err != nil {
		return nil, err
	}
	summary, err := cx.liquidate(e.Denom, e.Target)
	if err != nil {
		return nil, err
	}
	return &Receipt{Liquidations: []LiquidationSummary{*summary}}, nil
}

// handleLiquidateBatch liquidates targets in order, skipping any that are
// healthy or already gone. Any other failure rejects the whole batch.
func (cx *txContext) handleLiquidateBatch(e *event.LiquidateBatch) (*Receipt, error) {
	if _, err := cx.collateral(e.Denom); err != nil {
		return nil, err
	}
	if len(e.Targets) == 0 {
		return nil, fmt.Errorf("%w: no targets", cdperr.ErrInvalidList)
	}

	seen := make(map[string]struct{}, len(e.Targets))
	summaries := make([]LiquidationSummary, 0, len(e.Targets))
	for _, target := range e.Targets {
		if _, dup := seen[target]; dup {
			return nil, fmt.Errorf("%w: %s listed twice", cdperr.ErrInvalidList, target)
		}
		seen[target] = struct{}{}

		summary, err := cx.liquidate(e.Denom, target)
		if errors.Is(err, cdperr.ErrNotLiquidatable) || errors.Is(err, cdperr.ErrPositionNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("liquidate %s: %w", target, err)
		}
		summaries = append(summaries, *summary)
	}

	if len(summaries) == 0 {
		return nil, fmt.Errorf("%w: none of %d targets", cdperr.ErrNotLiquidatable, len(e.Targets))
	}
	return &Receipt{Liquidations: summaries}, nil
}

// liquidate absorbs one position: the pool burns what it can cover and takes
// the matching share of collateral, the rest is redistributed over the other
// open positions of the denom. Every ErrNotLiquidatable is returned before
// any value moves.
func (cx *txContext) liquidate(denom, owner string) (*LiquidationSummary, error) {
	pos, err := cx.pm.GetOpenPosition(owner)
	if err != nil {
		return nil, err
	}
	if pos.Denom != denom {
		return nil, fmt.Errorf("%w: %s holds %s, not %s", cdperr.ErrAssetMismatch, owner, pos.Denom, denom)
	}
	if err := cx.pm.Settle(pos, cx.seq); err != nil {
		return nil, err
	}

	icr, err := cx.positionICR(pos)
	if err != nil {
		return nil, err
	}
	if icr >= cx.params().LiquidationThreshold {
		return nil, fmt.Errorf("%w: %s ICR %d at or above %d",
			cdperr.ErrNotLiquidatable, owner, icr, cx.params().LiquidationThreshold)
	}

	debt, coll := pos.Debt, pos.Collateral
	pool := cx.pm.Pool()
	totals := cx.pm.Totals()

	covered, remaining, path := state.ComputeCoverage(pool.TotalStake, debt)

	collToPool := coll
	if remaining > 0 {
		collToPool, err = fpmath.MulDiv(coll, covered, debt, fpmath.RoundDown)
		if err != nil {
			return nil, err
		}
	}
	redistDebt, redistColl := remaining, coll-collToPool

	// Recipients are every other open position of the denom.
	weight := totals.Collateral[denom] - coll
	if (redistDebt > 0 || redistColl > 0) && weight == 0 {
		return nil, fmt.Errorf("%w: %s is the last open %s position and the pool cannot cover it",
			cdperr.ErrNotLiquidatable, owner, denom)
	}

	if covered > 0 {
		if err := cx.tl.Burn(cx.stable(), ledger.StabilityPool, covered, ledger.JournalTypeLiquidationBurn); err != nil {
			return nil, err
		}
		if err := cx.tl.Transfer(denom, ledger.CollateralVault, ledger.PoolGains, collToPool, ledger.JournalTypeLiquidationCollateral); err != nil {
			return nil, err
		}
		if err := pool.Offset(covered, denom, collToPool); err != nil {
			return nil, err
		}
		cx.pm.PutPool(pool)
		totals.Debt -= covered
	}

	if redistDebt > 0 || redistColl > 0 {
		acc := cx.pm.Accumulator(denom)
		if err := acc.Distribute(redistDebt, redistColl, weight); err != nil {
			return nil, err
		}
		cx.pm.PutAccumulator(acc)
	}

	totals.Collateral[denom] -= coll
	totals.Open[denom]--
	cx.pm.PutTotals(totals)

	pos.Zero(state.PositionStatusLiquidated, cx.seq)
	cx.pm.PutPosition(pos)

	return &LiquidationSummary{
		Owner:             owner,
		Denom:             denom,
		Path:              path.String(),
		Debt:              debt,
		Collateral:        coll,
		ICR:               icr,
		Burned:            covered,
		CollateralToPool:  collToPool,
		RedistributedDebt: redistDebt,
		RedistributedColl: redistColl,
	}, nil
}
