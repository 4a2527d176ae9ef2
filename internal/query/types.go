package query

import "CDPLedger/internal/index"

// Amounts are integer base units; the *Display twins render them with the
// asset's decimals. Every response carries the sequence it reflects.

type PositionResponse struct {
	Owner             string `json:"owner"`
	Denom             string `json:"denom"`
	Status            string `json:"status"`
	Debt              uint64 `json:"debt"`
	DebtDisplay       string `json:"debt_display"`
	Collateral        uint64 `json:"collateral"`
	CollateralDisplay string `json:"collateral_display"`
	// ICR in micro-percent; 0 when no fresh price exists.
	ICR          uint64 `json:"icr"`
	ICRPercent   string `json:"icr_percent"`
	Liquidatable bool   `json:"liquidatable"`
	AsOfSequence int64  `json:"as_of_sequence"`
}

type DepositResponse struct {
	Staker       string            `json:"staker"`
	Stake        uint64            `json:"stake"`
	StakeDisplay string            `json:"stake_display"`
	Gains        map[string]uint64 `json:"gains,omitempty"`
	AsOfSequence int64             `json:"as_of_sequence"`
}

type PoolResponse struct {
	TotalStake        uint64 `json:"total_stake"`
	TotalStakeDisplay string `json:"total_stake_display"`
	Epoch             uint64 `json:"epoch"`
	Scale             uint64 `json:"scale"`
	// Product is P as a decimal fraction of 1.
	Product      string `json:"product"`
	AsOfSequence int64  `json:"as_of_sequence"`
}

type TotalsResponse struct {
	Debt         uint64            `json:"debt"`
	DebtDisplay  string            `json:"debt_display"`
	StableSupply uint64            `json:"stable_supply"`
	Collateral   map[string]uint64 `json:"collateral"`
	OpenCount    map[string]uint64 `json:"open_count"`
	AsOfSequence int64             `json:"as_of_sequence"`
}

type BalanceResponse struct {
	Owner        string `json:"owner"`
	Asset        string `json:"asset"`
	Amount       uint64 `json:"amount"`
	Display      string `json:"display"`
	AsOfSequence int64  `json:"as_of_sequence"`
}

type PriceResponse struct {
	Denom        string `json:"denom"`
	Price        uint64 `json:"price"`
	Exponent     int32  `json:"exponent"`
	Display      string `json:"display"`
	PublishedAt  int64  `json:"published_at"`
	Sequence     int64  `json:"price_sequence"`
	AsOfSequence int64  `json:"as_of_sequence"`
}

type HintResponse struct {
	Denom string     `json:"denom"`
	Hint  index.Hint `json:"hint"`
}

// CandidatesResponse lists owners in ascending ICR.
type CandidatesResponse struct {
	Denom        string   `json:"denom"`
	Owners       []string `json:"owners"`
	AsOfSequence int64    `json:"as_of_sequence"`
}

type LiquidationRecord struct {
	Sequence          int64  `json:"sequence"`
	Owner             string `json:"owner"`
	Denom             string `json:"denom"`
	Path              string `json:"path"`
	Debt              uint64 `json:"debt"`
	Collateral        uint64 `json:"collateral"`
	ICR               uint64 `json:"icr"`
	Burned            uint64 `json:"burned"`
	RedistributedDebt uint64 `json:"redistributed_debt"`
	Timestamp         int64  `json:"timestamp"`
}

type RedemptionRecord struct {
	Sequence      int64  `json:"sequence"`
	Redeemer      string `json:"redeemer"`
	Denom         string `json:"denom"`
	Redeemed      uint64 `json:"redeemed"`
	CollateralOut uint64 `json:"collateral_out"`
	Targets       int    `json:"targets"`
	Timestamp     int64  `json:"timestamp"`
}

// JournalHistoryEntry is one journal leg touching an owner's wallet.
type JournalHistoryEntry struct {
	JournalID     string `json:"journal_id"`
	BatchID       string `json:"batch_id"`
	EventRef      string `json:"event_ref"`
	Sequence      int64  `json:"sequence"`
	DebitAccount  string `json:"debit_account"`
	CreditAccount string `json:"credit_account"`
	Asset         string `json:"asset"`
	Amount        uint64 `json:"amount"`
	JournalType   string `json:"journal_type"`
	Timestamp     int64  `json:"timestamp"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy       bool    `json:"is_healthy"`
	HashChainBreaks []int64 `json:"hash_chain_breaks,omitempty"`
	SequenceGaps    []int64 `json:"sequence_gaps,omitempty"`
	// StateError is set when full recomputation of live state disagrees
	// with the tracked aggregates.
	StateError   string `json:"state_error,omitempty"`
	AsOfSequence int64  `json:"as_of_sequence"`
}
