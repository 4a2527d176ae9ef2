// Package projection maintains the read models derived from applied
// commands: the relational tables under the projection schema and the
// off-core sorted index callers take hints from.
//
// The projection channel drops outputs when full, so both models can fall
// behind. The index reseeds from the core on a gap; the tables converge as
// records are touched again and balances can be rebuilt from the journal.
package projection

import (
	"CDPLedger/internal/core"
	"CDPLedger/internal/ledger"
	"CDPLedger/internal/observability"
	"CDPLedger/internal/oracle"
	"CDPLedger/internal/state"
	"CDPLedger/internal/store"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const watermarkName = "main"

// ResyncFunc captures a fresh IndexSeed, typically through Sequencer.Read.
type ResyncFunc func(ctx context.Context) (IndexSeed, error)

// Worker applies core outputs to the projection tables and the index.
// Either side may be nil.
type Worker struct {
	db        *sql.DB
	feeder    *IndexFeeder
	resync    ResyncFunc
	inputChan <-chan core.CoreOutput
	metrics   *observability.Metrics
	logger    zerolog.Logger
	lastSeq   int64
}

func NewWorker(db *sql.DB, feeder *IndexFeeder, inputChan <-chan core.CoreOutput, metrics *observability.Metrics) *Worker {
	return &Worker{
		db:        db,
		feeder:    feeder,
		inputChan: inputChan,
		metrics:   metrics,
		logger:    observability.NewLogger("projection"),
		lastSeq:   -1,
	}
}

// WithResync sets how the index recovers from a dropped output.
func (w *Worker) WithResync(fn ResyncFunc) *Worker {
	w.resync = fn
	return w
}

// LastSequence is the last sequence the worker handled.
func (w *Worker) LastSequence() int64 {
	return w.lastSeq
}

// Run consumes outputs until the channel closes or ctx is cancelled.
// Failures are logged and skipped: projections are rebuildable.
func (w *Worker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil

		case out, ok := <-w.inputChan:
			if !ok {
				return nil
			}
			w.Handle(ctx, out)
		}
	}
}

// Handle applies one output to both read models.
func (w *Worker) Handle(ctx context.Context, out core.CoreOutput) {
	seq := out.Envelope.Sequence
	if w.lastSeq >= 0 && seq > w.lastSeq+1 {
		w.logger.Warn().
			Int64("from", w.lastSeq+1).
			Int64("to", seq-1).
			Msg("projection missed outputs")
	}

	if w.feeder != nil {
		start := time.Now()
		if err := w.applyIndex(ctx, out); err != nil {
			w.logger.Error().Err(err).Int64("sequence", seq).Msg("index update failed")
		}
		w.observe("index", start)
	}

	if w.db != nil {
		start := time.Now()
		if err := w.applyTables(ctx, out); err != nil {
			w.logger.Error().Err(err).Int64("sequence", seq).Msg("table projection failed")
		}
		w.observe("tables", start)
	}

	w.lastSeq = seq
	if w.metrics != nil {
		w.metrics.ProjectionLastSeq.Set(float64(seq))
	}
}

func (w *Worker) observe(name string, start time.Time) {
	if w.metrics != nil {
		w.metrics.ProjectionUpdateDur.WithLabelValues(name).Observe(time.Since(start).Seconds())
	}
}

func (w *Worker) applyIndex(ctx context.Context, out core.CoreOutput) error {
	err := w.feeder.Apply(ctx, out)
	if !errors.Is(err, ErrSequenceGap) || w.resync == nil {
		return err
	}

	w.logger.Warn().Err(err).Msg("reseeding index")
	seed, err := w.resync(ctx)
	if err != nil {
		return fmt.Errorf("resync: %w", err)
	}
	if err := w.feeder.Seed(ctx, seed); err != nil {
		return err
	}
	// The seed may predate out if it was captured before out was applied.
	return w.feeder.Apply(ctx, out)
}

func (w *Worker) applyTables(ctx context.Context, out core.CoreOutput) error {
	seq := out.Envelope.Sequence
	ts := out.Envelope.Timestamp.UnixMicro()

	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, ch := range out.Changes {
		if err := applyChange(ctx, tx, seq, ch); err != nil {
			return fmt.Errorf("%s: %w", ch.Key, err)
		}
	}

	if r := out.Receipt; r != nil {
		for _, l := range r.Liquidations {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO projection.liquidations
					(sequence, owner, denom, path, debt, collateral, icr, burned, redistributed_debt, timestamp)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
				ON CONFLICT (sequence, owner) DO NOTHING
			`, seq, l.Owner, l.Denom, l.Path, num(l.Debt), num(l.Collateral), num(l.ICR),
				num(l.Burned), num(l.RedistributedDebt), ts); err != nil {
				return fmt.Errorf("liquidation row: %w", err)
			}
		}
		if rd := r.Redemption; rd != nil {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO projection.redemptions
					(sequence, redeemer, denom, redeemed, collateral_out, targets, timestamp)
				VALUES ($1, $2, $3, $4, $5, $6, $7)
				ON CONFLICT (sequence) DO NOTHING
			`, seq, rd.Redeemer, rd.Denom, num(rd.Redeemed), num(rd.CollateralOut), len(rd.Fills), ts); err != nil {
				return fmt.Errorf("redemption row: %w", err)
			}
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projection.watermark (name, last_sequence, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (name) DO UPDATE SET last_sequence = EXCLUDED.last_sequence, updated_at = NOW()
	`, watermarkName, seq); err != nil {
		return fmt.Errorf("watermark: %w", err)
	}

	return tx.Commit()
}

func applyChange(ctx context.Context, tx *sql.Tx, seq int64, ch store.Change) error {
	switch ch.Key.Type {
	case store.RecordPosition:
		pos, ok := ch.Record.(*state.Position)
		if !ok {
			_, err := tx.ExecContext(ctx, `DELETE FROM projection.positions WHERE owner = $1`, ch.Key.Owner)
			return err
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO projection.positions (owner, denom, debt, collateral, status, opened_seq, updated_seq)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (owner) DO UPDATE SET
				denom = EXCLUDED.denom, debt = EXCLUDED.debt, collateral = EXCLUDED.collateral,
				status = EXCLUDED.status, opened_seq = EXCLUDED.opened_seq, updated_seq = EXCLUDED.updated_seq
		`, pos.Owner, pos.Denom, num(pos.Debt), num(pos.Collateral),
			strings.ToLower(pos.Status.String()), pos.OpenedSeq, seq)
		return err

	case store.RecordDeposit:
		d, ok := ch.Record.(*state.Deposit)
		if !ok || d.IsEmpty() {
			_, err := tx.ExecContext(ctx, `DELETE FROM projection.deposits WHERE staker = $1`, ch.Key.Owner)
			return err
		}
		pending, err := json.Marshal(d.Pending)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO projection.deposits (staker, amount, epoch, scale, pending, updated_seq)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (staker) DO UPDATE SET
				amount = EXCLUDED.amount, epoch = EXCLUDED.epoch, scale = EXCLUDED.scale,
				pending = EXCLUDED.pending, updated_seq = EXCLUDED.updated_seq
		`, d.Staker, num(d.Amount), int64(d.Epoch), int64(d.Scale), string(pending), seq)
		return err

	case store.RecordBalance:
		b, ok := ch.Record.(*ledger.Balance)
		if !ok || b.Amount == 0 {
			_, err := tx.ExecContext(ctx,
				`DELETE FROM projection.balances WHERE account = $1 AND asset = $2`,
				ch.Key.Owner, ch.Key.Denom)
			return err
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO projection.balances (account, asset, amount, updated_seq)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (account, asset) DO UPDATE SET
				amount = EXCLUDED.amount, updated_seq = EXCLUDED.updated_seq
		`, ch.Key.Owner, ch.Key.Denom, num(b.Amount), seq)
		return err

	case store.RecordPrice:
		p, ok := ch.Record.(*oracle.Price)
		if !ok {
			return nil
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO projection.prices (denom, price, exponent, published_at, price_seq, updated_seq)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (denom) DO UPDATE SET
				price = EXCLUDED.price, exponent = EXCLUDED.exponent, published_at = EXCLUDED.published_at,
				price_seq = EXCLUDED.price_seq, updated_seq = EXCLUDED.updated_seq
		`, p.Denom, num(p.Price), p.Exponent, p.PublishedAt, p.Sequence, seq)
		return err

	case store.RecordPool:
		p, ok := ch.Record.(*state.Pool)
		if !ok {
			return nil
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO projection.pool (id, total_stake, epoch, scale, product, updated_seq)
			VALUES (1, $1, $2, $3, $4, $5)
			ON CONFLICT (id) DO UPDATE SET
				total_stake = EXCLUDED.total_stake, epoch = EXCLUDED.epoch, scale = EXCLUDED.scale,
				product = EXCLUDED.product, updated_seq = EXCLUDED.updated_seq
		`, num(p.TotalStake), int64(p.Epoch), int64(p.Scale), p.P.Dec(), seq)
		return err
	}
	return nil
}

// num renders a uint64 for a NUMERIC column; lib/pq rejects uint64 above
// MaxInt64.
func num(v uint64) string {
	return strconv.FormatUint(v, 10)
}

// RebuildBalances recomputes projection.balances from the journal, where the
// debit side of an entry receives the amount. Run it with the node stopped or
// before the projection worker starts.
func RebuildBalances(ctx context.Context, db *sql.DB) error {
	logger := observability.NewLogger("projection")

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `TRUNCATE projection.balances`); err != nil {
		return fmt.Errorf("truncate balances: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO projection.balances (account, asset, amount, updated_seq)
		SELECT account, asset, SUM(delta), MAX(sequence)
		FROM (
			SELECT debit_account AS account, asset, amount AS delta, sequence FROM event_log.journal
			UNION ALL
			SELECT credit_account AS account, asset, -amount AS delta, sequence FROM event_log.journal
		) entries
		WHERE account LIKE 'user:%' OR account LIKE 'system:%'
		GROUP BY account, asset
		HAVING SUM(delta) > 0
	`)
	if err != nil {
		return fmt.Errorf("rebuild balances: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	logger.Info().Int64("rows", n).Msg("balances rebuilt from journal")
	return nil
}
