package core

import (
	"CDPLedger/internal/state"
	"CDPLedger/internal/valuation"
)

// Receipt is returned to the caller of an applied command.
type Receipt struct {
	Sequence  int64    `json:"sequence"`
	EventType string   `json:"event_type"`
	StateHash [32]byte `json:"-"`
	// Duplicate is set when the command was already applied; nothing else is.
	Duplicate bool `json:"duplicate,omitempty"`

	Position     *PositionSummary     `json:"position,omitempty"`
	Deposit      *DepositSummary      `json:"deposit,omitempty"`
	Liquidations []LiquidationSummary `json:"liquidations,omitempty"`
	Redemption   *RedemptionSummary   `json:"redemption,omitempty"`
	PriceApplied bool                 `json:"price_applied,omitempty"`
	Balance      *BalanceSummary      `json:"balance,omitempty"`
}

type PositionSummary struct {
	Owner      string `json:"owner"`
	Denom      string `json:"denom"`
	Debt       uint64 `json:"debt"`
	Collateral uint64 `json:"collateral"`
	ICR        uint64 `json:"icr"` // micro-percent; 0 when no price was needed
	Status     string `json:"status"`
	// Released is collateral returned to the owner's wallet by this command.
	Released uint64 `json:"released,omitempty"`
	// Fee is the borrow fee carved by this command.
	Fee uint64 `json:"fee,omitempty"`
}

type DepositSummary struct {
	Staker  string            `json:"staker"`
	Stake   uint64            `json:"stake"`
	Pending map[string]uint64 `json:"pending,omitempty"`
	Paid    uint64            `json:"paid,omitempty"`
}

type LiquidationSummary struct {
	Owner             string `json:"owner"`
	Denom             string `json:"denom"`
	Path              string `json:"path"`
	Debt              uint64 `json:"debt"`
	Collateral        uint64 `json:"collateral"`
	ICR               uint64 `json:"icr"`
	Burned            uint64 `json:"burned"`
	CollateralToPool  uint64 `json:"collateral_to_pool"`
	RedistributedDebt uint64 `json:"redistributed_debt"`
	RedistributedColl uint64 `json:"redistributed_collateral"`
}

type RedemptionFill struct {
	Owner      string `json:"owner"`
	Debt       uint64 `json:"debt"`       // redeemed from this position
	Collateral uint64 `json:"collateral"` // paid to the redeemer
	Closed     bool   `json:"closed"`
}

type RedemptionSummary struct {
	Redeemer      string           `json:"redeemer"`
	Denom         string           `json:"denom"`
	Redeemed      uint64           `json:"redeemed"`
	CollateralOut uint64           `json:"collateral_out"`
	Fills         []RedemptionFill `json:"fills"`
}

type BalanceSummary struct {
	Owner   string `json:"owner"`
	Asset   string `json:"asset"`
	Balance uint64 `json:"balance"`
}

func summarizePosition(pos *state.Position, icr uint64) *PositionSummary {
	return &PositionSummary{
		Owner:      pos.Owner,
		Denom:      pos.Denom,
		Debt:       pos.Debt,
		Collateral: pos.Collateral,
		ICR:        icr,
		Status:     pos.Status.String(),
	}
}

func summarizeDeposit(d *state.Deposit) *DepositSummary {
	pending := make(map[string]uint64, len(d.Pending))
	for denom, amount := range d.Pending {
		if amount > 0 {
			pending[denom] = amount
		}
	}
	return &DepositSummary{Staker: d.Staker, Stake: d.Amount, Pending: pending}
}

// closedICR is reported for positions without debt.
const closedICR = valuation.MaxICR
