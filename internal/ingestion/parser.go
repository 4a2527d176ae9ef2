package ingestion

import (
	"CDPLedger/internal/event"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrMalformedCommand wraps every parse and shape failure, so transports can
// tell a bad request from a ledger rejection.
var ErrMalformedCommand = errors.New("malformed command")

// MaxTargets bounds the target list of one liquidation batch or redemption.
const MaxTargets = 256

// ParseRawEvent converts a RawEvent (JSON bytes + event type name) into a
// typed command. Unknown fields are rejected so a producer on a newer schema
// fails loudly instead of having fields silently dropped.
func ParseRawEvent(raw RawEvent, eventType string) (event.Event, error) {
	et := event.ParseEventType(eventType)
	if et == event.EventTypeUnknown {
		return nil, fmt.Errorf("%w: unknown event type: %s", ErrMalformedCommand, eventType)
	}

	evt, err := event.New(et)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(raw.Data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(evt); err != nil {
		return nil, fmt.Errorf("%w: parse %s: %w", ErrMalformedCommand, eventType, err)
	}

	if err := ValidateShape(evt); err != nil {
		return nil, fmt.Errorf("%w: parse %s: %w", ErrMalformedCommand, eventType, err)
	}
	return evt, nil
}

// ValidateShape checks what can be checked without ledger state. Everything
// else (ownership, balances, ratios) is the core's job.
func ValidateShape(evt event.Event) error {
	m := evt.Header()
	if m.CommandID == uuid.Nil {
		return fmt.Errorf("missing command_id")
	}
	if m.Caller == "" {
		return fmt.Errorf("missing caller")
	}
	if m.Timestamp <= 0 {
		return fmt.Errorf("missing timestamp_us")
	}
	if m.SourceSeq < 0 {
		return fmt.Errorf("negative source_sequence %d", m.SourceSeq)
	}
	if m.SourceSeq > 0 && m.Source == "" && evt.EventType() != event.EventTypePriceUpdate {
		return fmt.Errorf("source_sequence without source")
	}

	switch e := evt.(type) {
	case *event.OpenPosition:
		return requireFields(map[string]string{"owner": e.Owner, "denom": e.Denom})
	case *event.AdjustCollateral:
		return requireFields(map[string]string{"owner": e.Owner, "denom": e.Denom})
	case *event.AdjustDebt:
		return requireFields(map[string]string{"owner": e.Owner})
	case *event.ClosePosition:
		return requireFields(map[string]string{"owner": e.Owner})
	case *event.Stake:
		return requireFields(map[string]string{"staker": e.Staker})
	case *event.Unstake:
		return requireFields(map[string]string{"staker": e.Staker})
	case *event.WithdrawGains:
		return requireFields(map[string]string{"staker": e.Staker, "denom": e.Denom})
	case *event.Liquidate:
		return requireFields(map[string]string{"denom": e.Denom, "target": e.Target})
	case *event.LiquidateBatch:
		if err := requireTargets(e.Targets); err != nil {
			return err
		}
		return requireFields(map[string]string{"denom": e.Denom})
	case *event.Redeem:
		if err := requireTargets(e.Targets); err != nil {
			return err
		}
		return requireFields(map[string]string{"redeemer": e.Redeemer, "denom": e.Denom})
	case *event.PriceUpdate:
		if e.SourceSeq <= 0 {
			return fmt.Errorf("price update needs a positive source_sequence")
		}
		return requireFields(map[string]string{"denom": e.Denom})
	case *event.FundsDeposited:
		return requireFields(map[string]string{"owner": e.Owner, "asset": e.Asset})
	case *event.FundsWithdrawn:
		return requireFields(map[string]string{"owner": e.Owner, "asset": e.Asset})
	case *event.TransferFunds:
		return requireFields(map[string]string{"from": e.From, "to": e.To, "asset": e.Asset})
	}
	return nil
}

func requireFields(fields map[string]string) error {
	for name, v := range fields {
		if v == "" {
			return fmt.Errorf("missing %s", name)
		}
	}
	return nil
}

func requireTargets(targets []string) error {
	if len(targets) == 0 {
		return fmt.Errorf("missing targets")
	}
	if len(targets) > MaxTargets {
		return fmt.Errorf("%d targets, at most %d", len(targets), MaxTargets)
	}
	for i, t := range targets {
		if t == "" {
			return fmt.Errorf("empty target at %d", i)
		}
	}
	return nil
}
