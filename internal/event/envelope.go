package event

import (
	"time"

	"github.com/google/uuid"
)

// EventType discriminator for command payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeOpenPosition
	EventTypeAdjustCollateral
	EventTypeAdjustDebt
	EventTypeClosePosition
	EventTypeStake
	EventTypeUnstake
	EventTypeWithdrawGains
	EventTypeLiquidate
	EventTypeLiquidateBatch
	EventTypeRedeem
	EventTypePriceUpdate
	EventTypeFundsDeposited
	EventTypeFundsWithdrawn
	EventTypeTransferFunds
)

// EventEnvelope wraps every applied command in the log
type EventEnvelope struct {
	// Global monotonic sequence assigned by core
	Sequence int64

	// Stable idempotency key from upstream
	IdempotencyKey string

	// Event type discriminator
	EventType EventType

	// Owner the command acted on (empty for global commands)
	Subject string

	// Versioned input timestamp (NOT wall-clock)
	Timestamp time.Time

	// Upstream source and its sequence for ordering validation
	Source         string
	SourceSequence int64

	// JSON-encoded command
	Payload []byte

	// SHA-256 of state AFTER applying this command
	StateHash [32]byte

	// Previous command's state hash (chain integrity)
	PrevHash [32]byte
}

// Event is the interface all command payloads implement
type Event interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	// EventType returns the discriminator
	EventType() EventType

	// Header returns the fields common to every command
	Header() *Meta

	// Subject returns the owner the command acts on (empty for global commands)
	Subject() string
}

// Meta is embedded in every command.
type Meta struct {
	CommandID uuid.UUID `json:"command_id"`
	Caller    string    `json:"caller"`
	// Epoch microseconds. Versioned input: the core never reads the clock.
	Timestamp int64 `json:"timestamp_us"`
	// Source names the upstream producer. Commands with a source must arrive
	// with strictly increasing SourceSeq.
	Source    string `json:"source,omitempty"`
	SourceSeq int64  `json:"source_sequence,omitempty"`
}

func (m *Meta) IdempotencyKey() string {
	return m.CommandID.String()
}

func (m *Meta) Header() *Meta {
	return m
}

func (m *Meta) SourceSequence() int64 {
	return m.SourceSeq
}

func (m *Meta) Time() time.Time {
	return time.UnixMicro(m.Timestamp).UTC()
}

var eventTypeNames = map[EventType]string{
	EventTypeOpenPosition:     "OpenPosition",
	EventTypeAdjustCollateral: "AdjustCollateral",
	EventTypeAdjustDebt:       "AdjustDebt",
	EventTypeClosePosition:    "ClosePosition",
	EventTypeStake:            "Stake",
	EventTypeUnstake:          "Unstake",
	EventTypeWithdrawGains:    "WithdrawGains",
	EventTypeLiquidate:        "Liquidate",
	EventTypeLiquidateBatch:   "LiquidateBatch",
	EventTypeRedeem:           "Redeem",
	EventTypePriceUpdate:      "PriceUpdate",
	EventTypeFundsDeposited:   "FundsDeposited",
	EventTypeFundsWithdrawn:   "FundsWithdrawn",
	EventTypeTransferFunds:    "TransferFunds",
}

func (et EventType) String() string {
	if name, ok := eventTypeNames[et]; ok {
		return name
	}
	return "Unknown"
}

// ParseEventType is the inverse of String.
func ParseEventType(name string) EventType {
	for et, n := range eventTypeNames {
		if n == name {
			return et
		}
	}
	return EventTypeUnknown
}
