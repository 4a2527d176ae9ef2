package ingestion

import (
	"CDPLedger/internal/core"
	"CDPLedger/internal/event"
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// GRPCIngestService provides admin command injection over gRPC. It is for
// operators and tests, not throughput; producers should publish to NATS.
// Injected commands carry no source, so they skip per-source ordering.
type GRPCIngestService struct {
	submitter Submitter
	caller    string
	oracle    string
	now       func() time.Time
}

// NewGRPCIngestService injects commands as caller, which must be in the
// core's admin list for the bridge commands.
func NewGRPCIngestService(submitter Submitter, caller string) *GRPCIngestService {
	return &GRPCIngestService{submitter: submitter, caller: caller, oracle: caller, now: time.Now}
}

// WithOracle sets the caller price injections use, when the oracle is a
// separate identity from the bridge admin.
func (s *GRPCIngestService) WithOracle(caller string) *GRPCIngestService {
	s.oracle = caller
	return s
}

// WithClock overrides the clock injected commands are stamped with.
func (s *GRPCIngestService) WithClock(now func() time.Time) *GRPCIngestService {
	s.now = now
	return s
}

// InjectCommand parses a JSON command of the named type and applies it.
func (s *GRPCIngestService) InjectCommand(ctx context.Context, eventType string, payload []byte) (*core.Receipt, error) {
	evt, err := ParseRawEvent(RawEvent{Subject: "grpc", Data: payload}, eventType)
	if err != nil {
		return nil, err
	}
	return s.submitter.Submit(ctx, evt)
}

// InjectDeposit credits an owner's wallet.
func (s *GRPCIngestService) InjectDeposit(ctx context.Context, owner, asset string, amount uint64, reference string) (*core.Receipt, error) {
	if amount == 0 {
		return nil, fmt.Errorf("%w: amount must be positive", ErrMalformedCommand)
	}
	return s.submit(ctx, &event.FundsDeposited{
		Meta:      s.meta(),
		Owner:     owner,
		Asset:     asset,
		Amount:    amount,
		Reference: reference,
	})
}

// InjectWithdrawal debits an owner's wallet.
func (s *GRPCIngestService) InjectWithdrawal(ctx context.Context, owner, asset string, amount uint64, reference string) (*core.Receipt, error) {
	if amount == 0 {
		return nil, fmt.Errorf("%w: amount must be positive", ErrMalformedCommand)
	}
	return s.submit(ctx, &event.FundsWithdrawn{
		Meta:      s.meta(),
		Owner:     owner,
		Asset:     asset,
		Amount:    amount,
		Reference: reference,
	})
}

// InjectPrice applies an oracle price. priceSequence orders updates per
// denom, so an operator override must use a sequence above the feed's.
func (s *GRPCIngestService) InjectPrice(ctx context.Context, denom string, price uint64, exponent int32, confidence uint64, priceSequence int64) (*core.Receipt, error) {
	if price == 0 || confidence == 0 {
		return nil, fmt.Errorf("%w: price and confidence must be positive", ErrMalformedCommand)
	}
	m := s.meta()
	m.Caller = s.oracle
	m.SourceSeq = priceSequence
	return s.submit(ctx, &event.PriceUpdate{
		Meta:        m,
		Denom:       denom,
		Price:       price,
		Exponent:    exponent,
		Confidence:  confidence,
		PublishedAt: m.Timestamp,
	})
}

func (s *GRPCIngestService) meta() event.Meta {
	return event.Meta{
		CommandID: uuid.New(),
		Caller:    s.caller,
		Timestamp: s.now().UnixMicro(),
	}
}

func (s *GRPCIngestService) submit(ctx context.Context, evt event.Event) (*core.Receipt, error) {
	if err := ValidateShape(evt); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedCommand, err)
	}
	return s.submitter.Submit(ctx, evt)
}
