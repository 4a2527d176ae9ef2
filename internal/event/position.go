package event

import "CDPLedger/internal/index"

// OpenPosition locks collateral and borrows against it.
type OpenPosition struct {
	Meta
	Owner      string     `json:"owner"`
	Denom      string     `json:"denom"`
	Collateral uint64     `json:"collateral"` // native units of Denom
	Loan       uint64     `json:"loan"`       // gross, micro-peg-units; the fee is carved from it
	Hint       index.Hint `json:"hint"`
}

func (c *OpenPosition) EventType() EventType { return EventTypeOpenPosition }
func (c *OpenPosition) Subject() string      { return c.Owner }

// AdjustCollateral adds (Increase) or withdraws collateral.
type AdjustCollateral struct {
	Meta
	Owner    string     `json:"owner"`
	Denom    string     `json:"denom"`
	Amount   uint64     `json:"amount"`
	Increase bool       `json:"increase"`
	Hint     index.Hint `json:"hint"`
}

func (c *AdjustCollateral) EventType() EventType { return EventTypeAdjustCollateral }
func (c *AdjustCollateral) Subject() string      { return c.Owner }

// AdjustDebt borrows more (Borrow) or repays part of the debt.
type AdjustDebt struct {
	Meta
	Owner  string     `json:"owner"`
	Amount uint64     `json:"amount"`
	Borrow bool       `json:"borrow"`
	Hint   index.Hint `json:"hint"`
}

func (c *AdjustDebt) EventType() EventType { return EventTypeAdjustDebt }
func (c *AdjustDebt) Subject() string      { return c.Owner }

// ClosePosition repays the whole debt and releases all collateral.
type ClosePosition struct {
	Meta
	Owner string `json:"owner"`
}

func (c *ClosePosition) EventType() EventType { return EventTypeClosePosition }
func (c *ClosePosition) Subject() string      { return c.Owner }
