package event

// FundsDeposited credits an owner's wallet from the bridge (admin only).
type FundsDeposited struct {
	Meta
	Owner     string `json:"owner"`
	Asset     string `json:"asset"`
	Amount    uint64 `json:"amount"`
	Reference string `json:"reference,omitempty"` // upstream transfer id
}

func (c *FundsDeposited) EventType() EventType { return EventTypeFundsDeposited }
func (c *FundsDeposited) Subject() string      { return c.Owner }

// FundsWithdrawn debits an owner's wallet back to the bridge.
type FundsWithdrawn struct {
	Meta
	Owner     string `json:"owner"`
	Asset     string `json:"asset"`
	Amount    uint64 `json:"amount"`
	Reference string `json:"reference,omitempty"`
}

func (c *FundsWithdrawn) EventType() EventType { return EventTypeFundsWithdrawn }
func (c *FundsWithdrawn) Subject() string      { return c.Owner }

// TransferFunds moves an asset between two wallets. The caller must be From.
type TransferFunds struct {
	Meta
	From   string `json:"from"`
	To     string `json:"to"`
	Asset  string `json:"asset"`
	Amount uint64 `json:"amount"`
}

func (c *TransferFunds) EventType() EventType { return EventTypeTransferFunds }
func (c *TransferFunds) Subject() string      { return c.From }
