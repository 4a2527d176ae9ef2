package core

import (
	"CDPLedger/internal/cdperr"
	"CDPLedger/internal/event"
	"CDPLedger/internal/ledger"
	"CDPLedger/internal/observability"
	"CDPLedger/internal/state"
	"CDPLedger/internal/store"
	"CDPLedger/internal/valuation"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

const (
	defaultInvariantCheckInterval = 1000
	defaultIdempotencyCacheSize   = 1_000_000
	defaultMaxPriceAge            = 60 * time.Second
)

// Config is everything the core needs at construction. It is fixed for the
// life of the process.
type Config struct {
	StartSequence int64
	Stable        string
	Collaterals   []valuation.Collateral
	Params        state.ProtocolParams
	MaxPriceAge   time.Duration
	MinConfidence uint64
	// Callers allowed to bridge funds in and to publish prices.
	Admins  []string
	Oracles []string
	// Full state recomputation runs every InvariantCheckInterval sequences.
	InvariantCheckInterval int64
	IdempotencyCacheSize   int
}

// DeterministicCore is the single-threaded command processor
type DeterministicCore struct {
	sequence          int64
	lastTimestamp     int64 // timestamp of the last applied command, epoch microseconds
	hasher            *StateHasher
	mem               *store.Memory
	assets            *ledger.AssetRegistry
	collaterals       map[string]valuation.Collateral
	params            state.ProtocolParams
	maxPriceAge       time.Duration
	minConfidence     uint64
	admins            map[string]struct{}
	oracles           map[string]struct{}
	validator         *ledger.InvariantValidator
	idempotency       *IdempotencyChecker
	sequenceValidator *SequenceValidator
	checkInterval     int64
	metrics           *observability.Metrics
	logger            zerolog.Logger

	persistChan    chan<- CoreOutput
	projectionChan chan<- CoreOutput
}

// CoreOutput is what the core emits for every applied command.
type CoreOutput struct {
	Envelope   *event.EventEnvelope
	Batch      *ledger.Batch
	StateDelta []byte
	Receipt    *Receipt
	// Records written by the command, in key order. Record is nil for deletions.
	Changes []store.Change
}

func NewDeterministicCore(
	cfg Config,
	persistChan, projectionChan chan<- CoreOutput,
	dbChecker DBIdempotencyChecker,
	metrics *observability.Metrics,
) (*DeterministicCore, error) {
	if err := state.ValidateProtocolParams(&cfg.Params); err != nil {
		return nil, fmt.Errorf("protocol params: %w", err)
	}

	collaterals := make(map[string]valuation.Collateral, len(cfg.Collaterals))
	denoms := make([]string, 0, len(cfg.Collaterals))
	for _, c := range cfg.Collaterals {
		if err := c.Validate(); err != nil {
			return nil, err
		}
		collaterals[c.Denom] = c
		denoms = append(denoms, c.Denom)
	}
	assets, err := ledger.NewAssetRegistry(cfg.Stable, denoms)
	if err != nil {
		return nil, err
	}

	if cfg.InvariantCheckInterval <= 0 {
		cfg.InvariantCheckInterval = defaultInvariantCheckInterval
	}
	if cfg.IdempotencyCacheSize <= 0 {
		cfg.IdempotencyCacheSize = defaultIdempotencyCacheSize
	}
	if cfg.MaxPriceAge <= 0 {
		cfg.MaxPriceAge = defaultMaxPriceAge
	}

	idempotency, err := NewIdempotencyChecker(cfg.IdempotencyCacheSize, dbChecker)
	if err != nil {
		return nil, err
	}

	return &DeterministicCore{
		sequence:          cfg.StartSequence,
		hasher:            NewStateHasher(),
		mem:               store.NewMemory(),
		assets:            assets,
		collaterals:       collaterals,
		params:            cfg.Params,
		maxPriceAge:       cfg.MaxPriceAge,
		minConfidence:     cfg.MinConfidence,
		admins:            toSet(cfg.Admins),
		oracles:           toSet(cfg.Oracles),
		validator:         ledger.NewInvariantValidator(assets),
		idempotency:       idempotency,
		sequenceValidator: NewSequenceValidator(),
		checkInterval:     cfg.InvariantCheckInterval,
		metrics:           metrics,
		logger:            observability.NewLogger("core"),
		persistChan:       persistChan,
		projectionChan:    projectionChan,
	}, nil
}

func toSet(items []string) map[string]struct{} {
	set := make(map[string]struct{}, len(items))
	for _, it := range items {
		set[it] = struct{}{}
	}
	return set
}

// ProcessEvent is the main processing pipeline. A returned error means the
// command was rejected and state is unchanged.
func (c *DeterministicCore) ProcessEvent(evt event.Event) (*Receipt, error) {
	return c.process(evt, false)
}

// Replay re-applies a command read back from the event log. Nothing is
// emitted and dedup is skipped; the resulting hash must match the logged one.
func (c *DeterministicCore) Replay(evt event.Event, expectedHash [32]byte) error {
	receipt, err := c.process(evt, true)
	if err != nil {
		return fmt.Errorf("replay seq %d: %w", c.sequence, err)
	}
	if receipt.StateHash != expectedHash {
		return fmt.Errorf("replay seq %d: state hash mismatch: got %x, logged %x",
			receipt.Sequence, receipt.StateHash, expectedHash)
	}
	if c.metrics != nil {
		c.metrics.ReplayEventsTotal.Inc()
	}
	return nil
}

func (c *DeterministicCore) process(evt event.Event, replay bool) (*Receipt, error) {
	start := time.Now()
	eventType := evt.EventType().String()
	idempotencyKey := evt.IdempotencyKey()
	meta := evt.Header()

	// Step 1: Idempotency check (two-tier)
	if !replay && c.idempotency.IsDuplicate(eventType, idempotencyKey) {
		if c.metrics != nil {
			c.metrics.IdempotencyDuplicates.WithLabelValues(eventType, "any").Inc()
		}
		return &Receipt{EventType: eventType, Duplicate: true}, nil
	}

	// Step 2: Source sequence validation. Price updates carry a per-denom
	// sequence handled by the oracle book instead.
	partition := sourcePartition(evt)
	if partition != "" {
		if err := c.sequenceValidator.Check(partition, meta.SourceSeq); err != nil {
			c.recordRejection(eventType, "sequence", err)
			return nil, err
		}
	}

	// Step 2b: Command time never moves backwards. Prices are read as of
	// this timestamp.
	if meta.Timestamp < c.lastTimestamp {
		err := fmt.Errorf("%w: timestamp %d before last applied %d",
			cdperr.ErrTimestampRegression, meta.Timestamp, c.lastTimestamp)
		c.recordRejection(eventType, string(cdperr.KindTimestampRegression), err)
		return nil, err
	}

	payload, err := event.Encode(evt)
	if err != nil {
		c.recordRejection(eventType, "encode", err)
		return nil, err
	}

	// Step 3: Dispatch inside a staged transaction
	seq := c.sequence
	tx := c.mem.Begin()
	batch := ledger.NewBatch(idempotencyKey, seq, meta.Timestamp)
	cx := c.newTxContext(tx, batch, seq, meta.Timestamp)

	receipt, err := c.dispatchEvent(cx, evt)
	if err != nil {
		tx.Discard()
		c.recordRejection(eventType, string(cdperr.KindOf(err)), err)
		if errors.Is(err, cdperr.ErrInvalidOrdering) && c.metrics != nil {
			c.metrics.OrderingRejections.WithLabelValues(eventType).Inc()
		}
		return nil, err
	}

	// Step 4: Batch and solvency checks before anything becomes visible
	if err := c.validator.ValidateBatchBalance(batch); err != nil {
		c.logger.Error().Err(err).Int64("sequence", seq).Msg("unbalanced batch")
		panic(fmt.Sprintf("FATAL: unbalanced batch: %v", err))
	}
	if err := cx.checkSolvency(); err != nil {
		c.logger.Error().Err(err).Int64("sequence", seq).Str("event_type", eventType).Msg("solvency violated")
		panic(fmt.Sprintf("FATAL: %v", err))
	}

	// Step 5: Commit, digest, hash
	changes, err := tx.Commit()
	if err != nil {
		panic(fmt.Sprintf("FATAL: commit: %v", err))
	}
	stateDigest := computeStateDigest(changes)
	prevHash := c.hasher.GetPrevHash()
	stateHash := c.hasher.ComputeHash(seq, stateDigest)

	envelope := &event.EventEnvelope{
		Sequence:       seq,
		IdempotencyKey: idempotencyKey,
		EventType:      evt.EventType(),
		Subject:        evt.Subject(),
		Timestamp:      meta.Time(),
		Source:         meta.Source,
		SourceSequence: meta.SourceSeq,
		Payload:        payload,
		StateHash:      stateHash,
		PrevHash:       prevHash,
	}

	receipt.Sequence = seq
	receipt.EventType = eventType
	receipt.StateHash = stateHash

	c.sequence++
	c.lastTimestamp = meta.Timestamp
	if partition != "" {
		c.sequenceValidator.Advance(partition, meta.SourceSeq)
	}

	// Step 6: Periodic full recomputation
	if c.sequence%c.checkInterval == 0 {
		if err := c.VerifyState(); err != nil {
			c.logger.Error().Err(err).Int64("sequence", seq).Msg("invariant violated")
			panic(fmt.Sprintf("FATAL: invariant violated at seq %d: %v", seq, err))
		}
	}

	// Step 7: Emit outputs. Persist blocks (backpressure), projection drops
	// when full; projections can rebuild from the event log.
	if !replay {
		output := CoreOutput{
			Envelope:   envelope,
			Batch:      batch,
			StateDelta: stateDigest,
			Receipt:    receipt,
			Changes:    changes,
		}
		c.emit(output)
	}

	// Step 8: Mark as processed
	c.idempotency.MarkProcessed(eventType, idempotencyKey)

	if c.metrics != nil {
		c.metrics.CoreCommandsApplied.WithLabelValues(eventType).Inc()
		c.metrics.CoreCommandDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
		c.metrics.CoreSequence.Set(float64(c.sequence))
		c.metrics.DedupLRUSize.Set(float64(c.idempotency.Size()))
		for _, j := range batch.Journals {
			c.metrics.CoreJournals.WithLabelValues(j.JournalType.String()).Inc()
		}
		c.observeProtocol(changes)
		c.observeReceipt(receipt)
	}

	return receipt, nil
}

func (c *DeterministicCore) emit(output CoreOutput) {
	if c.persistChan != nil {
		select {
		case c.persistChan <- output:
		default:
			if c.metrics != nil {
				c.metrics.PersistBackpressure.Inc()
			}
			c.persistChan <- output
		}
	}

	if c.projectionChan != nil {
		select {
		case c.projectionChan <- output:
		default:
			if c.metrics != nil {
				c.metrics.ProjectionDrops.Inc()
			}
		}
	}
}

func (c *DeterministicCore) recordRejection(eventType, reason string, err error) {
	c.logger.Debug().Err(err).Str("event_type", eventType).Str("reason", reason).Msg("command rejected")
	if c.metrics != nil {
		c.metrics.CoreCommandsRejected.WithLabelValues(eventType, reason).Inc()
	}
}

func (c *DeterministicCore) observeProtocol(changes []store.Change) {
	for _, ch := range changes {
		switch rec := ch.Record.(type) {
		case *state.Totals:
			c.metrics.TotalDebt.Set(float64(rec.Debt))
			for denom, n := range rec.Open {
				c.metrics.OpenPositions.WithLabelValues(denom).Set(float64(n))
			}
		case *state.Pool:
			c.metrics.PoolStake.Set(float64(rec.TotalStake))
			c.metrics.PoolEpoch.Set(float64(rec.Epoch))
		}
	}
}

func (c *DeterministicCore) observeReceipt(r *Receipt) {
	for _, l := range r.Liquidations {
		c.metrics.Liquidations.WithLabelValues(l.Denom, l.Path).Inc()
		c.metrics.LiquidatedDebt.WithLabelValues(l.Denom).Add(float64(l.Burned))
		c.metrics.RedistributedDebt.WithLabelValues(l.Denom).Add(float64(l.RedistributedDebt))
	}
	if r.Redemption != nil {
		c.metrics.RedemptionVolume.WithLabelValues(r.Redemption.Denom).Add(float64(r.Redemption.Redeemed))
	}
}

// sourcePartition names the ordering partition of a command, or "" when the
// command is not subject to per-source ordering.
func sourcePartition(evt event.Event) string {
	if evt.EventType() == event.EventTypePriceUpdate {
		return ""
	}
	if src := evt.Header().Source; src != "" {
		return "source:" + src
	}
	return ""
}

// computeStateDigest creates canonical bytes for the state hash from the
// records a command wrote.
func computeStateDigest(changes []store.Change) []byte {
	digest := make([]byte, 0, len(changes)*96)
	for _, ch := range changes {
		key := ch.Key.String()
		digest = append(digest, byte(len(key)))
		digest = append(digest, key...)
		if ch.Record == nil {
			digest = append(digest, 0)
			continue
		}
		digest = append(digest, 1)
		digest = append(digest, ch.Record.CanonicalBytes()...)
	}
	return digest
}

func (c *DeterministicCore) dispatchEvent(cx *txContext, evt event.Event) (*Receipt, error) {
	switch e := evt.(type) {
	case *event.OpenPosition:
		return cx.handleOpenPosition(e)
	case *event.AdjustCollateral:
		return cx.handleAdjustCollateral(e)
	case *event.AdjustDebt:
		return cx.handleAdjustDebt(e)
	case *event.ClosePosition:
		return cx.handleClosePosition(e)
	case *event.Stake:
		return cx.handleStake(e)
	case *event.Unstake:
		return cx.handleUnstake(e)
	case *event.WithdrawGains:
		return cx.handleWithdrawGains(e)
	case *event.Liquidate:
		return cx.handleLiquidate(e)
	case *event.LiquidateBatch:
		return cx.handleLiquidateBatch(e)
	case *event.Redeem:
		return cx.handleRedeem(e)
	case *event.PriceUpdate:
		return cx.handlePriceUpdate(e)
	case *event.FundsDeposited:
		return cx.handleFundsDeposited(e)
	case *event.FundsWithdrawn:
		return cx.handleFundsWithdrawn(e)
	case *event.TransferFunds:
		return cx.handleTransferFunds(e)
	default:
		return nil, fmt.Errorf("unknown event type: %T", evt)
	}
}

// WarmLRU loads recent idempotency keys into the LRU cache.
func (c *DeterministicCore) WarmLRU(keys []string) {
	c.idempotency.WarmFromKeys(keys)
}

// GetSequence returns the next sequence to assign.
func (c *DeterministicCore) GetSequence() int64 {
	return c.sequence
}

// GetStateHash returns the current state hash (chain tip).
func (c *DeterministicCore) GetStateHash() [32]byte {
	return c.hasher.GetPrevHash()
}

// Assets returns the registry of assets the ledger moves.
func (c *DeterministicCore) Assets() *ledger.AssetRegistry {
	return c.assets
}

// Params returns the protocol parameters.
func (c *DeterministicCore) Params() state.ProtocolParams {
	return c.params
}
