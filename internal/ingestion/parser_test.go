package ingestion_test

import (
	"CDPLedger/internal/core"
	"CDPLedger/internal/event"
	"CDPLedger/internal/ingestion"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
)

const commandID = "550e8400-e29b-41d4-a716-446655440000"

func rawFromJSON(t *testing.T, v interface{}) ingestion.RawEvent {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return ingestion.RawEvent{
		Subject:   "test",
		Data:      data,
		Timestamp: time.Now(),
		AckFunc:   func() {},
		NakFunc:   func() {},
	}
}

func withMeta(fields map[string]interface{}) map[string]interface{} {
	out := map[string]interface{}{
		"command_id":   commandID,
		"caller":       "alice",
		"timestamp_us": int64(1700000000000000),
	}
	for k, v := range fields {
		out[k] = v
	}
	return out
}

// ===========================================================================
// Parsing
// ===========================================================================

func TestParseOpenPosition(t *testing.T) {
	raw := rawFromJSON(t, withMeta(map[string]interface{}{
		"owner":           "alice",
		"denom":           "uatom",
		"collateral":      uint64(10_000_000),
		"loan":            uint64(50_000_000),
		"hint":            map[string]string{"prev": "bob"},
		"source":          "frontend",
		"source_sequence": int64(7),
	}))

	evt, err := ingestion.ParseRawEvent(raw, "OpenPosition")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	op, ok := evt.(*event.OpenPosition)
	if !ok {
		t.Fatalf("expected *event.OpenPosition, got %T", evt)
	}
	if op.Owner != "alice" || op.Denom != "uatom" {
		t.Errorf("owner/denom: got %s/%s", op.Owner, op.Denom)
	}
	if op.Collateral != 10_000_000 {
		t.Errorf("collateral: got %d, want 10_000_000", op.Collateral)
	}
	if op.Loan != 50_000_000 {
		t.Errorf("loan: got %d, want 50_000_000", op.Loan)
	}
	if op.Hint.Prev != "bob" || op.Hint.Next != "" {
		t.Errorf("hint: got %+v", op.Hint)
	}
	if op.IdempotencyKey() != commandID {
		t.Errorf("idempotency key: got %s", op.IdempotencyKey())
	}
	if op.Source != "frontend" || op.SourceSeq != 7 {
		t.Errorf("source: got %s/%d", op.Source, op.SourceSeq)
	}
}

func TestParseRedeem(t *testing.T) {
	raw := rawFromJSON(t, withMeta(map[string]interface{}{
		"redeemer":     "carol",
		"denom":        "uatom",
		"amount":       uint64(500_000_000),
		"targets":      []string{"alice", "bob"},
		"partial_hint": map[string]string{"next": "dave"},
	}))

	evt, err := ingestion.ParseRawEvent(raw, "Redeem")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	r := evt.(*event.Redeem)
	if len(r.Targets) != 2 || r.Targets[0] != "alice" || r.Targets[1] != "bob" {
		t.Errorf("targets: got %v", r.Targets)
	}
	if r.PartialHint.Next != "dave" {
		t.Errorf("partial hint: got %+v", r.PartialHint)
	}
	if r.Subject() != "carol" {
		t.Errorf("subject: got %s, want carol", r.Subject())
	}
}

func TestParsePriceUpdate(t *testing.T) {
	raw := rawFromJSON(t, withMeta(map[string]interface{}{
		"caller":          "oracle",
		"denom":           "uatom",
		"price":           uint64(1_000_000_000),
		"exponent":        int32(8),
		"published_at_us": int64(1700000000000000),
		"source_sequence": int64(3),
	}))

	evt, err := ingestion.ParseRawEvent(raw, "PriceUpdate")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	pu := evt.(*event.PriceUpdate)
	if pu.Price != 1_000_000_000 || pu.Exponent != 8 {
		t.Errorf("price: got %d exp %d", pu.Price, pu.Exponent)
	}
	if pu.SourceSeq != 3 {
		t.Errorf("source sequence: got %d, want 3", pu.SourceSeq)
	}
	if pu.EventType() != event.EventTypePriceUpdate {
		t.Errorf("event type: got %v", pu.EventType())
	}
}

func TestParseEveryCommandType(t *testing.T) {
	payloads := map[string]map[string]interface{}{
		"OpenPosition":     {"owner": "a", "denom": "uatom", "collateral": 1, "loan": 1},
		"AdjustCollateral": {"owner": "a", "denom": "uatom", "amount": 1, "increase": true},
		"AdjustDebt":       {"owner": "a", "amount": 1, "borrow": true},
		"ClosePosition":    {"owner": "a"},
		"Stake":            {"staker": "a", "amount": 1},
		"Unstake":          {"staker": "a", "amount": 1},
		"WithdrawGains":    {"staker": "a", "denom": "uatom"},
		"Liquidate":        {"denom": "uatom", "target": "b"},
		"LiquidateBatch":   {"denom": "uatom", "targets": []string{"b", "c"}},
		"Redeem":           {"redeemer": "a", "denom": "uatom", "amount": 1, "targets": []string{"b"}},
		"PriceUpdate":      {"denom": "uatom", "price": 1, "source_sequence": 1},
		"FundsDeposited":   {"owner": "a", "asset": "uatom", "amount": 1},
		"FundsWithdrawn":   {"owner": "a", "asset": "uatom", "amount": 1},
		"TransferFunds":    {"from": "a", "to": "b", "asset": "ucdp", "amount": 1},
	}

	for name, fields := range payloads {
		evt, err := ingestion.ParseRawEvent(rawFromJSON(t, withMeta(fields)), name)
		if err != nil {
			t.Errorf("%s: parse failed: %v", name, err)
			continue
		}
		if evt.EventType().String() != name {
			t.Errorf("%s: got event type %s", name, evt.EventType())
		}
	}
}

// ===========================================================================
// Rejections
// ===========================================================================

func TestParseRejections(t *testing.T) {
	tooMany := make([]string, ingestion.MaxTargets+1)
	for i := range tooMany {
		tooMany[i] = fmt.Sprintf("owner-%d", i)
	}

	tests := []struct {
		name      string
		eventType string
		payload   map[string]interface{}
		wantErr   string
	}{
		{"unknown type", "TradeFill", withMeta(nil), "unknown event type"},
		{"unknown field", "ClosePosition", withMeta(map[string]interface{}{"owner": "a", "market": "x"}), "unknown field"},
		{"missing owner", "ClosePosition", withMeta(nil), "missing owner"},
		{"missing denom", "Liquidate", withMeta(map[string]interface{}{"target": "b"}), "missing denom"},
		{"missing command id", "ClosePosition", map[string]interface{}{"owner": "a", "caller": "a", "timestamp_us": 1}, "missing command_id"},
		{"missing caller", "ClosePosition", withMeta(map[string]interface{}{"owner": "a", "caller": ""}), "missing caller"},
		{"missing timestamp", "ClosePosition", withMeta(map[string]interface{}{"owner": "a", "timestamp_us": 0}), "missing timestamp_us"},
		{"negative source sequence", "ClosePosition", withMeta(map[string]interface{}{"owner": "a", "source": "s", "source_sequence": -1}), "negative"},
		{"source sequence without source", "ClosePosition", withMeta(map[string]interface{}{"owner": "a", "source_sequence": 4}), "without source"},
		{"price without sequence", "PriceUpdate", withMeta(map[string]interface{}{"denom": "uatom", "price": 1}), "positive source_sequence"},
		{"empty targets", "LiquidateBatch", withMeta(map[string]interface{}{"denom": "uatom", "targets": []string{}}), "missing targets"},
		{"empty target entry", "Redeem", withMeta(map[string]interface{}{"redeemer": "a", "denom": "uatom", "targets": []string{"b", ""}}), "empty target"},
		{"too many targets", "LiquidateBatch", withMeta(map[string]interface{}{"denom": "uatom", "targets": tooMany}), "at most"},
	}

	for _, tt := range tests {
		_, err := ingestion.ParseRawEvent(rawFromJSON(t, tt.payload), tt.eventType)
		if err == nil {
			t.Errorf("%s: expected error", tt.name)
			continue
		}
		if !strings.Contains(err.Error(), tt.wantErr) {
			t.Errorf("%s: error %q does not mention %q", tt.name, err, tt.wantErr)
		}
	}
}

func TestParseInvalidJSON_Fails(t *testing.T) {
	raw := ingestion.RawEvent{Subject: "test", Data: []byte("{invalid")}
	if _, err := ingestion.ParseRawEvent(raw, "OpenPosition"); err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}

func TestParseInvalidUUID_Fails(t *testing.T) {
	payload := withMeta(map[string]interface{}{"owner": "a"})
	payload["command_id"] = "not-a-uuid"
	if _, err := ingestion.ParseRawEvent(rawFromJSON(t, payload), "ClosePosition"); err == nil {
		t.Fatal("expected error for invalid UUID")
	}
}

// ===========================================================================
// Routing
// ===========================================================================

func TestSubjectRouter_Resolve(t *testing.T) {
	r := ingestion.NewSubjectRouter(ingestion.DefaultSubjects())

	tests := []struct {
		subject string
		want    string
	}{
		{"cdp.positions.open.alice", "OpenPosition"},
		{"cdp.positions.collateral.alice", "AdjustCollateral"},
		{"cdp.liquidations.batch.uatom", "LiquidateBatch"},
		{"cdp.redemptions.carol", "Redeem"},
		{"cdp.prices.uatom", "PriceUpdate"},
		{"cdp.funds.transfer.alice", "TransferFunds"},
		{"cdp.positions.opener.alice", ""},
		{"perp.fills.x", ""},
	}

	for _, tt := range tests {
		if got := r.Resolve(tt.subject); got != tt.want {
			t.Errorf("Resolve(%s): got %q, want %q", tt.subject, got, tt.want)
		}
	}
}

func TestDefaultSubjects_CoverEveryCommand(t *testing.T) {
	seen := map[string]bool{}
	for _, cfg := range ingestion.DefaultSubjects() {
		if event.ParseEventType(cfg.EventType) == event.EventTypeUnknown {
			t.Errorf("subject %s maps to unknown type %s", cfg.Subject, cfg.EventType)
		}
		if !strings.HasPrefix(cfg.Subject, "cdp.") || !strings.HasSuffix(cfg.Subject, ".>") {
			t.Errorf("subject %s is not a cdp wildcard subject", cfg.Subject)
		}
		seen[cfg.EventType] = true
	}
	if len(seen) != 14 {
		t.Errorf("got %d command types, want 14", len(seen))
	}
}

func TestOutboundSubject(t *testing.T) {
	if got := ingestion.OutboundSubject("Redeem", "carol"); got != "cdp.ledger.events.Redeem.carol" {
		t.Errorf("got %s", got)
	}
	if got := ingestion.OutboundSubject("PriceUpdate", ""); got != "cdp.ledger.events.PriceUpdate" {
		t.Errorf("got %s", got)
	}
	if got := ingestion.OutboundSubject("OpenPosition", "a.b*c"); got != "cdp.ledger.events.OpenPosition.a_b_c" {
		t.Errorf("got %s", got)
	}
}

func TestPublishable(t *testing.T) {
	ts := time.UnixMicro(1700000000000000).UTC()
	out := core.CoreOutput{
		Envelope: &event.EventEnvelope{
			Sequence:       7,
			IdempotencyKey: commandID,
			EventType:      event.EventTypeStake,
			Subject:        "alice",
			StateHash:      [32]byte{0xab},
			Timestamp:      ts,
		},
		Receipt: &core.Receipt{Sequence: 7, EventType: "Stake"},
	}
	pub := ingestion.Publishable(out)
	if pub.Sequence != 7 || pub.EventType != "Stake" || pub.Subject != "alice" || pub.IdempotencyKey != commandID {
		t.Errorf("unexpected %+v", pub)
	}
	if !strings.HasPrefix(pub.StateHash, "ab00") || len(pub.StateHash) != 64 {
		t.Errorf("state hash = %s", pub.StateHash)
	}
	if !pub.Timestamp.Equal(ts) {
		t.Errorf("timestamp = %v", pub.Timestamp)
	}
	if pub.Receipt == nil {
		t.Error("receipt not carried")
	}
}

func TestTee(t *testing.T) {
	in := make(chan core.CoreOutput, 4)
	persist := make(chan core.CoreOutput, 4)
	publish := make(chan ingestion.PublishableEvent, 1)

	for seq := int64(0); seq < 3; seq++ {
		in <- core.CoreOutput{Envelope: &event.EventEnvelope{Sequence: seq, EventType: event.EventTypePriceUpdate}}
	}
	close(in)

	done := make(chan struct{})
	go func() {
		ingestion.Tee(context.Background(), in, persist, publish, nil)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("tee did not return after input closed")
	}

	var persisted []int64
	for out := range persist {
		persisted = append(persisted, out.Envelope.Sequence)
	}
	if fmt.Sprint(persisted) != "[0 1 2]" {
		t.Errorf("persisted = %v", persisted)
	}

	// publish has room for one; the rest are dropped, never blocking.
	var published []int64
	for evt := range publish {
		published = append(published, evt.Sequence)
	}
	if fmt.Sprint(published) != "[0]" {
		t.Errorf("published = %v", published)
	}
}

// ===========================================================================
// Loop
// ===========================================================================

type recordingSubmitter struct {
	mu   sync.Mutex
	seen []event.Event
	err  error
}

func (s *recordingSubmitter) Submit(_ context.Context, evt event.Event) (*core.Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seen = append(s.seen, evt)
	if s.err != nil {
		return nil, s.err
	}
	return &core.Receipt{Sequence: int64(len(s.seen)), EventType: evt.EventType().String()}, nil
}

func TestLoop_AcksAndSubmits(t *testing.T) {
	sub := &recordingSubmitter{}
	loop := ingestion.NewLoop(ingestion.DefaultSubjects(), sub, 8)

	var mu sync.Mutex
	acks, naks := 0, 0
	mk := func(subject string, v interface{}) ingestion.RawEvent {
		raw := rawFromJSON(t, v)
		raw.Subject = subject
		raw.AckFunc = func() { mu.Lock(); acks++; mu.Unlock() }
		raw.NakFunc = func() { mu.Lock(); naks++; mu.Unlock() }
		return raw
	}

	rawChan := make(chan ingestion.RawEvent, 4)
	rawChan <- mk("cdp.positions.close.alice", withMeta(map[string]interface{}{"owner": "alice"}))
	rawChan <- mk("cdp.unknown.alice", withMeta(map[string]interface{}{"owner": "alice"}))
	rawChan <- mk("cdp.positions.close.bob", withMeta(map[string]interface{}{"owner": "bob", "bogus": 1}))
	rawChan <- mk("cdp.pool.stake.carol", withMeta(map[string]interface{}{"staker": "carol", "amount": 5}))
	close(rawChan)

	if err := loop.Run(context.Background(), rawChan); err != nil {
		t.Fatalf("run: %v", err)
	}

	if len(sub.seen) != 2 {
		t.Fatalf("submitted %d commands, want 2", len(sub.seen))
	}
	if sub.seen[0].EventType() != event.EventTypeClosePosition || sub.seen[1].EventType() != event.EventTypeStake {
		t.Errorf("unexpected order: %v, %v", sub.seen[0].EventType(), sub.seen[1].EventType())
	}
	// Invalid messages are ACKed too so they are not redelivered.
	if acks != 4 || naks != 0 {
		t.Errorf("acks=%d naks=%d, want 4/0", acks, naks)
	}
}

func TestLoop_RejectedCommandDoesNotStop(t *testing.T) {
	sub := &recordingSubmitter{err: fmt.Errorf("rejected")}
	loop := ingestion.NewLoop(ingestion.DefaultSubjects(), sub, 8)

	rawChan := make(chan ingestion.RawEvent, 2)
	for _, owner := range []string{"alice", "bob"} {
		raw := rawFromJSON(t, withMeta(map[string]interface{}{"owner": owner}))
		raw.Subject = "cdp.positions.close." + owner
		rawChan <- raw
	}
	close(rawChan)

	if err := loop.Run(context.Background(), rawChan); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(sub.seen) != 2 {
		t.Errorf("submitted %d commands, want 2", len(sub.seen))
	}
}

func TestGRPCIngest_InjectPrice(t *testing.T) {
	sub := &recordingSubmitter{}
	svc := ingestion.NewGRPCIngestService(sub, "oracle")

	if _, err := svc.InjectPrice(context.Background(), "uatom", 0, 8, 1, 1); !errors.Is(err, ingestion.ErrMalformedCommand) {
		t.Fatalf("zero price: got %v", err)
	}
	if _, err := svc.InjectPrice(context.Background(), "uatom", 1_000_000_000, 8, 0, 1); !errors.Is(err, ingestion.ErrMalformedCommand) {
		t.Fatalf("zero confidence: got %v", err)
	}
	r, err := svc.InjectPrice(context.Background(), "uatom", 1_000_000_000, 8, 1, 9)
	if err != nil {
		t.Fatalf("inject: %v", err)
	}
	if r.EventType != "PriceUpdate" {
		t.Errorf("receipt type: got %s", r.EventType)
	}
	pu := sub.seen[0].(*event.PriceUpdate)
	if pu.SourceSeq != 9 || pu.Caller != "oracle" || pu.Timestamp == 0 || pu.Confidence != 1 {
		t.Errorf("meta: got %+v", pu.Meta)
	}
}

func TestGRPCIngest_OracleCaller(t *testing.T) {
	sub := &recordingSubmitter{}
	svc := ingestion.NewGRPCIngestService(sub, "bridge").WithOracle("oracle")

	if _, err := svc.InjectDeposit(context.Background(), "alice", "uatom", 10, "ref"); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if _, err := svc.InjectPrice(context.Background(), "uatom", 1_000_000_000, 8, 1, 1); err != nil {
		t.Fatalf("price: %v", err)
	}
	if got := sub.seen[0].Header().Caller; got != "bridge" {
		t.Errorf("deposit caller: got %s", got)
	}
	if got := sub.seen[1].Header().Caller; got != "oracle" {
		t.Errorf("price caller: got %s", got)
	}
}

func TestGRPCIngest_InjectCommand(t *testing.T) {
	sub := &recordingSubmitter{}
	svc := ingestion.NewGRPCIngestService(sub, "bridge")

	data, _ := json.Marshal(withMeta(map[string]interface{}{"owner": "alice", "asset": "uatom", "amount": 10}))
	if _, err := svc.InjectCommand(context.Background(), "FundsDeposited", data); err != nil {
		t.Fatalf("inject: %v", err)
	}
	if _, err := svc.InjectCommand(context.Background(), "Nope", data); !errors.Is(err, ingestion.ErrMalformedCommand) {
		t.Fatalf("unknown type: got %v", err)
	}
	if len(sub.seen) != 1 {
		t.Errorf("submitted %d commands, want 1", len(sub.seen))
	}
}
