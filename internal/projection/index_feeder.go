package projection

import (
	"CDPLedger/internal/core"
	"CDPLedger/internal/index"
	"CDPLedger/internal/observability"
	"CDPLedger/internal/state"
	"CDPLedger/internal/store"
	"CDPLedger/internal/valuation"
	"context"
	"errors"
	"fmt"

	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
)

// ErrSequenceGap means an output was dropped between the feeder and the core;
// the index must be reseeded before it can be trusted again.
var ErrSequenceGap = errors.New("projection: sequence gap")

// IndexSeed is the open book as of one applied sequence.
type IndexSeed struct {
	Sequence     int64
	Positions    []*state.Position
	Accumulators map[string]*state.Accumulator
}

// SeedFromCore captures the open book. Must run on the sequencer goroutine.
func SeedFromCore(c *core.DeterministicCore) IndexSeed {
	seed := IndexSeed{
		Sequence:     c.GetSequence() - 1,
		Accumulators: make(map[string]*state.Accumulator),
	}
	c.OpenPositions(func(pos *state.Position) bool {
		seed.Positions = append(seed.Positions, pos)
		return true
	})
	for _, asset := range c.Assets().Assets() {
		if c.Assets().IsCollateral(asset) {
			seed.Accumulators[asset] = c.Accumulator(asset)
		}
	}
	return seed
}

// IndexFeeder keeps an index.Sorter in step with the core. It mirrors open
// positions and accumulators from committed changes and scores each position
// by its live nominal ICR, pending redistribution included, which is the
// ratio the core checks hints against.
type IndexFeeder struct {
	sorter    index.Sorter
	positions map[string]*state.Position
	accs      map[string]*state.Accumulator
	lastSeq   int64
	logger    zerolog.Logger
}

func NewIndexFeeder(sorter index.Sorter) *IndexFeeder {
	return &IndexFeeder{
		sorter:    sorter,
		positions: make(map[string]*state.Position),
		accs:      make(map[string]*state.Accumulator),
		lastSeq:   -1,
		logger:    observability.NewLogger("index-feeder"),
	}
}

// LastSequence is the last sequence reflected in the index.
func (f *IndexFeeder) LastSequence() int64 {
	return f.lastSeq
}

// Seed replaces the index contents with seed.
func (f *IndexFeeder) Seed(ctx context.Context, seed IndexSeed) error {
	denoms := make(map[string]struct{})
	for _, pos := range f.positions {
		denoms[pos.Denom] = struct{}{}
	}
	for denom := range seed.Accumulators {
		denoms[denom] = struct{}{}
	}
	for _, pos := range seed.Positions {
		denoms[pos.Denom] = struct{}{}
	}
	for denom := range denoms {
		if err := f.sorter.Reset(ctx, denom); err != nil {
			return err
		}
	}

	f.positions = make(map[string]*state.Position, len(seed.Positions))
	f.accs = make(map[string]*state.Accumulator, len(seed.Accumulators))
	for denom, acc := range seed.Accumulators {
		f.accs[denom] = acc
	}
	for _, pos := range seed.Positions {
		if !pos.IsOpen() {
			continue
		}
		f.positions[pos.Owner] = pos
		if err := f.score(ctx, pos); err != nil {
			return err
		}
	}
	f.lastSeq = seed.Sequence

	f.logger.Info().
		Int64("sequence", seed.Sequence).
		Int("positions", len(f.positions)).
		Msg("index seeded")
	return nil
}

// Apply folds one command's changes into the index. Outputs at or below the
// last seeded sequence are ignored.
func (f *IndexFeeder) Apply(ctx context.Context, out core.CoreOutput) error {
	seq := out.Envelope.Sequence
	if seq <= f.lastSeq {
		return nil
	}
	if seq != f.lastSeq+1 {
		return fmt.Errorf("%w: have %d, got %d", ErrSequenceGap, f.lastSeq, seq)
	}

	rescore := make(map[string]bool)
	touched := make([]string, 0, 2)

	for _, ch := range out.Changes {
		switch ch.Key.Type {
		case store.RecordAccumulator:
			if acc, ok := ch.Record.(*state.Accumulator); ok {
				f.accs[ch.Key.Denom] = acc
				rescore[ch.Key.Denom] = true
			}

		case store.RecordPosition:
			owner := ch.Key.Owner
			old := f.positions[owner]
			pos, ok := ch.Record.(*state.Position)
			if !ok || !pos.IsOpen() {
				if old != nil {
					delete(f.positions, owner)
					if err := f.sorter.Remove(ctx, old.Denom, owner); err != nil {
						return err
					}
				}
				continue
			}
			if old != nil && old.Denom != pos.Denom {
				if err := f.sorter.Remove(ctx, old.Denom, owner); err != nil {
					return err
				}
			}
			f.positions[owner] = pos
			touched = append(touched, owner)
		}
	}

	for denom := range rescore {
		for _, pos := range f.positions {
			if pos.Denom != denom {
				continue
			}
			if err := f.score(ctx, pos); err != nil {
				return err
			}
		}
	}
	for _, owner := range touched {
		pos, ok := f.positions[owner]
		if !ok || rescore[pos.Denom] {
			continue
		}
		if err := f.score(ctx, pos); err != nil {
			return err
		}
	}

	f.lastSeq = seq
	return nil
}

func (f *IndexFeeder) score(ctx context.Context, pos *state.Position) error {
	return f.sorter.Upsert(ctx, pos.Denom, pos.Owner, f.liveNICR(pos))
}

func (f *IndexFeeder) liveNICR(pos *state.Position) *uint256.Int {
	coll, debt := pos.Collateral, pos.Debt
	if acc, ok := f.accs[pos.Denom]; ok {
		pendingDebt, pendingColl := acc.Pending(pos.Collateral, &pos.SnapshotLDebt, &pos.SnapshotLColl)
		debt += pendingDebt
		coll += pendingColl
	}
	return valuation.NominalICR(coll, debt)
}
