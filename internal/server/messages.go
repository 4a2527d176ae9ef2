package server

import (
	"CDPLedger/internal/query"
	"encoding/json"
)

// Request and response messages of the ledger services. They travel as JSON
// over gRPC (content subtype "json") and over the HTTP gateway.

type Empty struct{}

type SubmitRequest struct {
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
}

type FundsRequest struct {
	Owner     string `json:"owner"`
	Asset     string `json:"asset"`
	Amount    uint64 `json:"amount"`
	Reference string `json:"reference,omitempty"`
}

type PriceRequest struct {
	Denom         string `json:"denom"`
	Price         uint64 `json:"price"`
	Exponent      int32  `json:"exponent"`
	Confidence    uint64 `json:"confidence"`
	PriceSequence int64  `json:"price_sequence"`
}

type OwnerRequest struct {
	Owner string `json:"owner"`
}

type BalanceRequest struct {
	Owner string `json:"owner"`
	Asset string `json:"asset"`
}

type DenomRequest struct {
	Denom string `json:"denom"`
}

type HintRequest struct {
	Owner      string `json:"owner"`
	Denom      string `json:"denom"`
	Collateral uint64 `json:"collateral"`
	Debt       uint64 `json:"debt"`
}

type CandidatesRequest struct {
	Denom string `json:"denom"`
	Limit int    `json:"limit,omitempty"`
}

// HistoryRequest pages backwards: BeforeSequence 0 starts at the newest row.
type HistoryRequest struct {
	Owner          string `json:"owner,omitempty"`
	Limit          int    `json:"limit,omitempty"`
	BeforeSequence int64  `json:"before_sequence,omitempty"`
}

func (r *HistoryRequest) before() *int64 {
	if r.BeforeSequence <= 0 {
		return nil
	}
	return &r.BeforeSequence
}

type LiquidationsResponse struct {
	Liquidations []query.LiquidationRecord `json:"liquidations"`
}

type RedemptionsResponse struct {
	Redemptions []query.RedemptionRecord `json:"redemptions"`
}

type JournalsResponse struct {
	Journals []query.JournalHistoryEntry `json:"journals"`
}

type SnapshotResponse struct {
	Taken      bool   `json:"taken"`
	Sequence   int64  `json:"sequence"`
	ArchiveKey string `json:"archive_key,omitempty"`
}

type RebuildResponse struct {
	Rebuilt string `json:"rebuilt"`
}

type EventLogInfoResponse struct {
	// LastPersisted is -1 when the event log is empty.
	LastPersisted int64  `json:"last_persisted"`
	LastApplied   int64  `json:"last_applied"`
	StateHash     string `json:"state_hash"`
}
