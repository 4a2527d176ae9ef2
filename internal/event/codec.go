package event

import (
	"encoding/json"
	"fmt"
)

// New returns an empty command of the given type.
func New(et EventType) (Event, error) {
	switch et {
	case EventTypeOpenPosition:
		return &OpenPosition{}, nil
	case EventTypeAdjustCollateral:
		return &AdjustCollateral{}, nil
	case EventTypeAdjustDebt:
		return &AdjustDebt{}, nil
	case EventTypeClosePosition:
		return &ClosePosition{}, nil
	case EventTypeStake:
		return &Stake{}, nil
	case EventTypeUnstake:
		return &Unstake{}, nil
	case EventTypeWithdrawGains:
		return &WithdrawGains{}, nil
	case EventTypeLiquidate:
		return &Liquidate{}, nil
	case EventTypeLiquidateBatch:
		return &LiquidateBatch{}, nil
	case EventTypeRedeem:
		return &Redeem{}, nil
	case EventTypePriceUpdate:
		return &PriceUpdate{}, nil
	case EventTypeFundsDeposited:
		return &FundsDeposited{}, nil
	case EventTypeFundsWithdrawn:
		return &FundsWithdrawn{}, nil
	case EventTypeTransferFunds:
		return &TransferFunds{}, nil
	default:
		return nil, fmt.Errorf("unknown event type: %d", et)
	}
}

// Encode serializes a command for the event log and the wire.
func Encode(e Event) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", e.EventType(), err)
	}
	return data, nil
}

// Decode is the inverse of Encode.
func Decode(et EventType, payload []byte) (Event, error) {
	e, err := New(et)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(payload, e); err != nil {
		return nil, fmt.Errorf("decode %s: %w", et, err)
	}
	return e, nil
}
