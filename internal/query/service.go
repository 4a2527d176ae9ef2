// Package query serves read requests. Live state (positions, deposits, the
// pool, balances, prices) is read from the core between two commands through
// the sequencer; history comes from the projection tables and the event log;
// ordering help comes from the off-core sorted index.
package query

import (
	"CDPLedger/internal/cdperr"
	"CDPLedger/internal/core"
	"CDPLedger/internal/index"
	"CDPLedger/internal/ledger"
	fpmath "CDPLedger/internal/math"
	"CDPLedger/internal/observability"
	"CDPLedger/internal/valuation"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// ErrUnavailable is returned when the backing store of a query is not
// configured on this node.
var ErrUnavailable = errors.New("query: backend unavailable")

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

// CoreReader runs fn against committed core state. *core.Sequencer
// implements it.
type CoreReader interface {
	Read(ctx context.Context, fn func(*core.DeterministicCore)) error
}

// QueryService answers reads. db and sorter may be nil; the queries that
// need them then return ErrUnavailable.
type QueryService struct {
	reader  CoreReader
	db      *sql.DB
	sorter  index.Sorter
	metrics *observability.Metrics
	now     func() int64
}

func NewQueryService(reader CoreReader, db *sql.DB, sorter index.Sorter, metrics *observability.Metrics) *QueryService {
	return &QueryService{
		reader:  reader,
		db:      db,
		sorter:  sorter,
		metrics: metrics,
		now:     func() int64 { return time.Now().UnixMicro() },
	}
}

// WithClock overrides the time prices are checked for freshness against
// (epoch microseconds).
func (qs *QueryService) WithClock(now func() int64) *QueryService {
	qs.now = now
	return qs
}

// --- Live state ---

// GetPosition returns owner's position with pending redistribution applied.
func (qs *QueryService) GetPosition(ctx context.Context, owner string) (resp *PositionResponse, err error) {
	defer qs.observe("position", time.Now(), &err)

	asOf := qs.now()
	var missing error
	if err = qs.reader.Read(ctx, func(c *core.DeterministicCore) {
		pos, ok := c.LivePosition(owner, asOf)
		if !ok {
			missing = fmt.Errorf("%w: %s", cdperr.ErrPositionNotFound, owner)
			return
		}
		spec, _ := c.Collateral(pos.Denom)
		resp = &PositionResponse{
			Owner:             pos.Owner,
			Denom:             pos.Denom,
			Status:            pos.Status,
			Debt:              pos.Debt,
			DebtDisplay:       stableAmount(pos.Debt),
			Collateral:        pos.Collateral,
			CollateralDisplay: Amount(pos.Collateral, spec.Decimals),
			AsOfSequence:      c.GetSequence() - 1,
		}
		if pos.Debt > 0 {
			resp.ICR = pos.ICR
			resp.ICRPercent = Percent(pos.ICR)
			resp.Liquidatable = pos.ICR != 0 && pos.ICR < c.Params().LiquidationThreshold
		}
	}); err != nil {
		return nil, err
	}
	return resp, missing
}

// GetDeposit returns the staker's compounded stake and owed gains.
func (qs *QueryService) GetDeposit(ctx context.Context, staker string) (resp *DepositResponse, err error) {
	defer qs.observe("deposit", time.Now(), &err)

	err = qs.reader.Read(ctx, func(c *core.DeterministicCore) {
		d := c.LiveDeposit(staker)
		resp = &DepositResponse{
			Staker:       staker,
			Stake:        d.Stake,
			StakeDisplay: stableAmount(d.Stake),
			Gains:        d.Pending,
			AsOfSequence: c.GetSequence() - 1,
		}
	})
	return resp, err
}

func (qs *QueryService) GetPool(ctx context.Context) (resp *PoolResponse, err error) {
	defer qs.observe("pool", time.Now(), &err)

	err = qs.reader.Read(ctx, func(c *core.DeterministicCore) {
		p := c.PoolState()
		resp = &PoolResponse{
			TotalStake:        p.TotalStake,
			TotalStakeDisplay: stableAmount(p.TotalStake),
			Epoch:             p.Epoch,
			Scale:             p.Scale,
			Product:           decimal.NewFromBigInt(p.P.ToBig(), -18).String(),
			AsOfSequence:      c.GetSequence() - 1,
		}
	})
	return resp, err
}

func (qs *QueryService) GetTotals(ctx context.Context) (resp *TotalsResponse, err error) {
	defer qs.observe("totals", time.Now(), &err)

	err = qs.reader.Read(ctx, func(c *core.DeterministicCore) {
		t := c.TotalsState()
		resp = &TotalsResponse{
			Debt:         t.Debt,
			DebtDisplay:  stableAmount(t.Debt),
			StableSupply: c.Supply(c.Assets().Stable()),
			Collateral:   t.Collateral,
			OpenCount:    t.Open,
			AsOfSequence: c.GetSequence() - 1,
		}
	})
	return resp, err
}

// GetBalance returns an owner's wallet balance of asset.
func (qs *QueryService) GetBalance(ctx context.Context, owner, asset string) (resp *BalanceResponse, err error) {
	defer qs.observe("balance", time.Now(), &err)

	var unknown error
	if err = qs.reader.Read(ctx, func(c *core.DeterministicCore) {
		decimals, ok := assetDecimals(c, asset)
		if !ok {
			unknown = fmt.Errorf("%w: unknown asset %q", cdperr.ErrAssetMismatch, asset)
			return
		}
		amount := c.Balance(owner, asset)
		resp = &BalanceResponse{
			Owner:        owner,
			Asset:        asset,
			Amount:       amount,
			Display:      Amount(amount, decimals),
			AsOfSequence: c.GetSequence() - 1,
		}
	}); err != nil {
		return nil, err
	}
	return resp, unknown
}

// GetPrice returns the last accepted price of denom, whether fresh or not.
func (qs *QueryService) GetPrice(ctx context.Context, denom string) (resp *PriceResponse, err error) {
	defer qs.observe("price", time.Now(), &err)

	var missing error
	if err = qs.reader.Read(ctx, func(c *core.DeterministicCore) {
		p, ok := c.LatestPrice(denom)
		if !ok {
			missing = fmt.Errorf("%w: no price for %s", cdperr.ErrStalePrice, denom)
			return
		}
		resp = &PriceResponse{
			Denom:        p.Denom,
			Price:        p.Price,
			Exponent:     p.Exponent,
			Display:      Amount(p.Price, int(p.Exponent)),
			PublishedAt:  p.PublishedAt,
			Sequence:     p.Sequence,
			AsOfSequence: c.GetSequence() - 1,
		}
	}); err != nil {
		return nil, err
	}
	return resp, missing
}

// --- Ordering help ---

// SuggestHint returns the neighbours a position of owner would have at the
// given collateral and debt. The index trails the core, so a hint can be
// rejected as stale; callers ask again.
func (qs *QueryService) SuggestHint(ctx context.Context, owner, denom string, collateral, debt uint64) (resp *HintResponse, err error) {
	defer qs.observe("hint", time.Now(), &err)

	if qs.sorter == nil {
		return nil, ErrUnavailable
	}
	if debt == 0 || collateral == 0 {
		return nil, fmt.Errorf("%w: collateral and debt must be positive", cdperr.ErrInvalidAmount)
	}
	if err := qs.requireCollateral(ctx, denom); err != nil {
		return nil, err
	}

	hint, err := qs.sorter.Neighbors(ctx, denom, owner, valuation.NominalICR(collateral, debt))
	if err != nil {
		return nil, err
	}
	return &HintResponse{Denom: denom, Hint: hint}, nil
}

// LiquidationCandidates returns up to limit owners of denom below the
// liquidation threshold, lowest ICR first.
func (qs *QueryService) LiquidationCandidates(ctx context.Context, denom string, limit int) (resp *CandidatesResponse, err error) {
	defer qs.observe("liquidation_candidates", time.Now(), &err)

	if qs.sorter == nil {
		return nil, ErrUnavailable
	}
	limit = pageSize(limit)
	owners, err := qs.sorter.Ascending(ctx, denom, limit)
	if err != nil {
		return nil, err
	}

	resp = &CandidatesResponse{Denom: denom, Owners: []string{}}
	asOf := qs.now()
	err = qs.reader.Read(ctx, func(c *core.DeterministicCore) {
		threshold := c.Params().LiquidationThreshold
		for _, owner := range owners {
			pos, ok := c.LivePosition(owner, asOf)
			if !ok || pos.Denom != denom || pos.ICR == 0 {
				continue
			}
			if pos.ICR >= threshold {
				break
			}
			resp.Owners = append(resp.Owners, owner)
		}
		resp.AsOfSequence = c.GetSequence() - 1
	})
	return resp, err
}

// RedemptionTargets returns up to limit owners of denom a redemption can
// draw from, lowest ICR first. Positions below the liquidation threshold
// are left out since redemption rejects them.
func (qs *QueryService) RedemptionTargets(ctx context.Context, denom string, limit int) (resp *CandidatesResponse, err error) {
	defer qs.observe("redemption_targets", time.Now(), &err)

	if qs.sorter == nil {
		return nil, ErrUnavailable
	}
	limit = pageSize(limit)
	asOf := qs.now()
	resp = &CandidatesResponse{Denom: denom, Owners: []string{}}

	for window := limit; ; window *= 2 {
		owners, err := qs.sorter.Ascending(ctx, denom, window)
		if err != nil {
			return nil, err
		}

		resp.Owners = resp.Owners[:0]
		err = qs.reader.Read(ctx, func(c *core.DeterministicCore) {
			threshold := c.Params().LiquidationThreshold
			for _, owner := range owners {
				if len(resp.Owners) == limit {
					break
				}
				pos, ok := c.LivePosition(owner, asOf)
				if !ok || pos.Denom != denom || pos.ICR == 0 || pos.ICR < threshold {
					continue
				}
				resp.Owners = append(resp.Owners, owner)
			}
			resp.AsOfSequence = c.GetSequence() - 1
		})
		if err != nil {
			return nil, err
		}
		if len(resp.Owners) == limit || len(owners) < window {
			return resp, nil
		}
	}
}

// --- History ---

// GetLiquidations returns liquidations of owner (all owners when empty),
// newest first, before the given sequence when set.
func (qs *QueryService) GetLiquidations(ctx context.Context, owner string, limit int, beforeSeq *int64) (out []LiquidationRecord, err error) {
	defer qs.observe("liquidations", time.Now(), &err)

	if qs.db == nil {
		return nil, ErrUnavailable
	}

	query := `
		SELECT sequence, owner, denom, path, debt::text, collateral::text, icr::text,
		       burned::text, redistributed_debt::text, timestamp
		FROM projection.liquidations
		WHERE ($1 = '' OR owner = $1)
	`
	args := []any{owner}
	if beforeSeq != nil {
		query += " AND sequence < $2"
		args = append(args, *beforeSeq)
	}
	query += fmt.Sprintf(" ORDER BY sequence DESC, owner LIMIT %d", pageSize(limit))

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var r LiquidationRecord
		var debt, coll, icr, burned, redistributed string
		if err := rows.Scan(&r.Sequence, &r.Owner, &r.Denom, &r.Path,
			&debt, &coll, &icr, &burned, &redistributed, &r.Timestamp); err != nil {
			return nil, err
		}
		if err := parseUints(
			[]string{debt, coll, icr, burned, redistributed},
			&r.Debt, &r.Collateral, &r.ICR, &r.Burned, &r.RedistributedDebt,
		); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// GetRedemptions returns redemptions, newest first.
func (qs *QueryService) GetRedemptions(ctx context.Context, limit int, beforeSeq *int64) (out []RedemptionRecord, err error) {
	defer qs.observe("redemptions", time.Now(), &err)

	if qs.db == nil {
		return nil, ErrUnavailable
	}

	query := `
		SELECT sequence, redeemer, denom, redeemed::text, collateral_out::text, targets, timestamp
		FROM projection.redemptions
	`
	var args []any
	if beforeSeq != nil {
		query += " WHERE sequence < $1"
		args = append(args, *beforeSeq)
	}
	query += fmt.Sprintf(" ORDER BY sequence DESC LIMIT %d", pageSize(limit))

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var r RedemptionRecord
		var redeemed, collOut string
		if err := rows.Scan(&r.Sequence, &r.Redeemer, &r.Denom, &redeemed, &collOut, &r.Targets, &r.Timestamp); err != nil {
			return nil, err
		}
		if err := parseUints([]string{redeemed, collOut}, &r.Redeemed, &r.CollateralOut); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// GetJournalHistory returns journal legs touching owner's wallet, newest
// first.
func (qs *QueryService) GetJournalHistory(ctx context.Context, owner string, limit int, beforeSeq *int64) (out []JournalHistoryEntry, err error) {
	defer qs.observe("journal", time.Now(), &err)

	if qs.db == nil {
		return nil, ErrUnavailable
	}

	query := `
		SELECT journal_id, batch_id, event_ref, sequence,
		       debit_account, credit_account, asset, amount::text, journal_type, timestamp
		FROM event_log.journal
		WHERE (debit_account = $1 OR credit_account = $1)
	`
	args := []any{ledger.UserWallet(owner).AccountPath()}
	if beforeSeq != nil {
		query += " AND sequence < $2"
		args = append(args, *beforeSeq)
	}
	query += fmt.Sprintf(" ORDER BY sequence DESC, journal_id LIMIT %d", pageSize(limit))

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var e JournalHistoryEntry
		var amount string
		if err := rows.Scan(
			&e.JournalID, &e.BatchID, &e.EventRef, &e.Sequence,
			&e.DebitAccount, &e.CreditAccount, &e.Asset, &amount,
			&e.JournalType, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		if err := parseUints([]string{amount}, &e.Amount); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// --- Admin ---

// VerifyIntegrity recomputes live state on the core and, with a database,
// checks the event log for hash chain breaks and sequence gaps.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (report *IntegrityReport, err error) {
	defer qs.observe("integrity", time.Now(), &err)

	report = &IntegrityReport{}
	if err := qs.reader.Read(ctx, func(c *core.DeterministicCore) {
		if verr := c.VerifyState(); verr != nil {
			report.StateError = verr.Error()
		}
		report.AsOfSequence = c.GetSequence() - 1
	}); err != nil {
		return nil, err
	}

	if qs.db != nil {
		breaks, err := qs.int64s(ctx, `
			SELECT e1.sequence
			FROM event_log.events e1
			JOIN event_log.events e2 ON e2.sequence = e1.sequence - 1
			WHERE e1.prev_hash <> e2.state_hash
			ORDER BY e1.sequence
			LIMIT 10
		`)
		if err != nil {
			return nil, fmt.Errorf("hash chain: %w", err)
		}
		report.HashChainBreaks = breaks

		gaps, err := qs.int64s(ctx, `
			SELECT sequence FROM (
				SELECT sequence, LAG(sequence) OVER (ORDER BY sequence) AS prev
				FROM event_log.events
			) s
			WHERE prev IS NOT NULL AND sequence <> prev + 1
			ORDER BY sequence
			LIMIT 10
		`)
		if err != nil {
			return nil, fmt.Errorf("sequence gaps: %w", err)
		}
		report.SequenceGaps = gaps
	}

	report.IsHealthy = report.StateError == "" &&
		len(report.HashChainBreaks) == 0 &&
		len(report.SequenceGaps) == 0
	return report, nil
}

// --- helpers ---

func (qs *QueryService) requireCollateral(ctx context.Context, denom string) error {
	var known bool
	if err := qs.reader.Read(ctx, func(c *core.DeterministicCore) {
		_, known = c.Collateral(denom)
	}); err != nil {
		return err
	}
	if !known {
		return fmt.Errorf("%w: %q is not a collateral denom", cdperr.ErrAssetMismatch, denom)
	}
	return nil
}

func (qs *QueryService) int64s(ctx context.Context, query string) ([]int64, error) {
	rows, err := qs.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var v int64
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (qs *QueryService) observe(endpoint string, start time.Time, err *error) {
	if qs.metrics == nil {
		return
	}
	status := "ok"
	if *err != nil {
		status = string(cdperr.KindOf(*err))
	}
	qs.metrics.QueryRequests.WithLabelValues(endpoint, status).Inc()
	qs.metrics.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
}

func assetDecimals(c *core.DeterministicCore, asset string) (int, bool) {
	if asset == c.Assets().Stable() {
		return fpmath.StableConfig.DecimalPrecision, true
	}
	spec, ok := c.Collateral(asset)
	return spec.Decimals, ok
}

func pageSize(limit int) int {
	if limit <= 0 {
		return defaultPageSize
	}
	return min(limit, maxPageSize)
}

func parseUints(src []string, dst ...*uint64) error {
	for i, s := range src {
		v, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return fmt.Errorf("parse amount %q: %w", s, err)
		}
		*dst[i] = v
	}
	return nil
}

// Amount renders base units with the given number of decimals.
func Amount(v uint64, decimals int) string {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(v), int32(-decimals)).String()
}

// Percent renders a micro-percent ratio as a percentage.
func Percent(microPercent uint64) string {
	return Amount(microPercent, fpmath.PercentConfig.DecimalPrecision)
}

func stableAmount(v uint64) string {
	return Amount(v, fpmath.StableConfig.DecimalPrecision)
}
