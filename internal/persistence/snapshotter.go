package persistence

import (
	"CDPLedger/internal/core"
	"CDPLedger/internal/observability"
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// CoreReader runs fn against committed core state. *core.Sequencer
// implements it.
type CoreReader interface {
	Read(ctx context.Context, fn func(*core.DeterministicCore)) error
}

// SnapshotterConfig controls periodic snapshots.
type SnapshotterConfig struct {
	// Interval is the number of applied commands between snapshots.
	Interval int64
	// CheckEvery is how often the sequence is polled.
	CheckEvery time.Duration
	// Keep is how many verified snapshots survive pruning; 0 disables pruning.
	Keep int
	// PersistWait bounds how long a snapshot waits for the event log to
	// reach its sequence before it is left unverified.
	PersistWait time.Duration
}

// Snapshotter captures core state through the sequencer, stores it, marks it
// verified once the event log covers it, archives it and prunes old ones.
type Snapshotter struct {
	reader   CoreReader
	mgr      *SnapshotManager
	archiver *SnapshotArchiver
	cfg      SnapshotterConfig
	metrics  *observability.Metrics
	logger   zerolog.Logger
	now      func() time.Time
}

func NewSnapshotter(reader CoreReader, mgr *SnapshotManager, archiver *SnapshotArchiver, cfg SnapshotterConfig, metrics *observability.Metrics) *Snapshotter {
	if cfg.Interval <= 0 {
		cfg.Interval = 100_000
	}
	if cfg.CheckEvery <= 0 {
		cfg.CheckEvery = 10 * time.Second
	}
	if cfg.PersistWait <= 0 {
		cfg.PersistWait = 5 * time.Second
	}
	return &Snapshotter{
		reader:   reader,
		mgr:      mgr,
		archiver: archiver,
		cfg:      cfg,
		metrics:  metrics,
		logger:   observability.NewLogger("snapshot"),
		now:      time.Now,
	}
}

// Run takes a snapshot whenever Interval commands were applied since the
// last one.
func (s *Snapshotter) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.CheckEvery)
	defer ticker.Stop()

	last, err := s.sequence(ctx)
	if err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			current, err := s.sequence(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				s.logger.Warn().Err(err).Msg("read sequence")
				continue
			}
			if current-last < s.cfg.Interval {
				continue
			}
			if _, err := s.Take(ctx); err != nil {
				s.logger.Warn().Err(err).Msg("periodic snapshot failed")
				continue
			}
			last = current
		}
	}
}

func (s *Snapshotter) sequence(ctx context.Context) (int64, error) {
	var seq int64
	err := s.reader.Read(ctx, func(c *core.DeterministicCore) {
		seq = c.GetSequence() - 1
	})
	return seq, err
}

// Take snapshots the core now. It returns nil when nothing was applied yet.
func (s *Snapshotter) Take(ctx context.Context) (*SnapshotData, error) {
	start := time.Now()

	var state *core.SnapshotState
	if err := s.reader.Read(ctx, func(c *core.DeterministicCore) {
		state = c.CreateSnapshotState()
	}); err != nil {
		return nil, fmt.Errorf("capture: %w", err)
	}
	if state.Sequence < 0 {
		return nil, nil
	}

	snap := NewSnapshotData(state, s.now().UTC())
	size, err := s.mgr.SaveSnapshot(ctx, snap)
	if err != nil {
		return nil, err
	}

	if err := s.awaitPersisted(ctx, state.Sequence); err != nil {
		s.logger.Warn().Err(err).Int64("sequence", state.Sequence).Msg("snapshot left unverified")
		return snap, nil
	}
	if err := s.mgr.MarkVerified(ctx, state.Sequence); err != nil {
		return snap, fmt.Errorf("mark verified: %w", err)
	}

	if s.archiver != nil {
		key, err := s.archiver.Archive(ctx, state)
		result := "ok"
		if err != nil {
			result = "error"
			s.logger.Warn().Err(err).Int64("sequence", state.Sequence).Msg("archive failed")
		} else if err := s.mgr.MarkArchived(ctx, state.Sequence, key); err != nil {
			s.logger.Warn().Err(err).Str("key", key).Msg("record archive key")
		} else {
			snap.ArchiveKey = key
		}
		if s.metrics != nil {
			s.metrics.SnapshotArchived.WithLabelValues(result).Inc()
		}
	}

	if s.cfg.Keep > 0 {
		if n, err := s.mgr.PruneSnapshots(ctx, s.cfg.Keep); err != nil {
			s.logger.Warn().Err(err).Msg("prune snapshots")
		} else if n > 0 {
			s.logger.Debug().Int64("pruned", n).Msg("pruned snapshots")
		}
	}

	if s.metrics != nil {
		s.metrics.SnapshotTaken.Inc()
		s.metrics.SnapshotSizeBytes.Set(float64(size))
		s.metrics.SnapshotLastSeq.Set(float64(state.Sequence))
	}
	s.logger.Info().
		Int64("sequence", state.Sequence).
		Int("bytes", size).
		Dur("took", time.Since(start)).
		Msg("snapshot taken")
	return snap, nil
}

// awaitPersisted polls the event log until it reaches seq. A snapshot ahead
// of the log would let recovery skip commands that were never written.
func (s *Snapshotter) awaitPersisted(ctx context.Context, seq int64) error {
	deadline := time.Now().Add(s.cfg.PersistWait)
	for {
		latest, err := s.mgr.GetLatestSequence(ctx)
		if err != nil {
			return err
		}
		if latest >= seq {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("event log at %d, snapshot at %d", latest, seq)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
}
