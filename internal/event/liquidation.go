package event

import "CDPLedger/internal/index"

// Liquidate closes one undercollateralized position. Anyone may call it.
type Liquidate struct {
	Meta
	Denom  string `json:"denom"`
	Target string `json:"target"`
}

func (c *Liquidate) EventType() EventType { return EventTypeLiquidate }
func (c *Liquidate) Subject() string      { return c.Target }

// LiquidateBatch liquidates every liquidatable position among Targets, in order.
type LiquidateBatch struct {
	Meta
	Denom   string   `json:"denom"`
	Targets []string `json:"targets"`
}

func (c *LiquidateBatch) EventType() EventType { return EventTypeLiquidateBatch }
func (c *LiquidateBatch) Subject() string      { return "" }

// Redeem swaps stable for collateral at face value against the lowest-ICR
// positions, given in ascending order.
type Redeem struct {
	Meta
	Redeemer string   `json:"redeemer"`
	Denom    string   `json:"denom"`
	Amount   uint64   `json:"amount"`
	Targets  []string `json:"targets"`
	// PartialHint re-positions the last target if it is only partially redeemed.
	PartialHint index.Hint `json:"partial_hint"`
}

func (c *Redeem) EventType() EventType { return EventTypeRedeem }
func (c *Redeem) Subject() string      { return c.Redeemer }
