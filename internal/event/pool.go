package event

// Stake deposits stable into the stability pool.
type Stake struct {
	Meta
	Staker string `json:"staker"`
	Amount uint64 `json:"amount"`
}

func (c *Stake) EventType() EventType { return EventTypeStake }
func (c *Stake) Subject() string      { return c.Staker }

// Unstake withdraws stable from the compounded deposit.
type Unstake struct {
	Meta
	Staker string `json:"staker"`
	Amount uint64 `json:"amount"`
}

func (c *Unstake) EventType() EventType { return EventTypeUnstake }
func (c *Unstake) Subject() string      { return c.Staker }

// WithdrawGains pays out accrued collateral gains of one denom.
type WithdrawGains struct {
	Meta
	Staker string `json:"staker"`
	Denom  string `json:"denom"`
}

func (c *WithdrawGains) EventType() EventType { return EventTypeWithdrawGains }
func (c *WithdrawGains) Subject() string      { return c.Staker }
