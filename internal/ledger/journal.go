package ledger

import (
	"fmt"

	"github.com/google/uuid"
)

// JournalType represents the purpose of a journal entry
type JournalType int32

const (
	JournalTypeDeposit JournalType = iota
	JournalTypeWithdrawal
	JournalTypeCollateralLock
	JournalTypeCollateralRelease
	JournalTypeBorrow
	JournalTypeBorrowFee
	JournalTypeRepay
	JournalTypeStake
	JournalTypeUnstake
	JournalTypeGainsWithdraw
	JournalTypeLiquidationBurn
	JournalTypeLiquidationCollateral
	JournalTypeRedemptionBurn
	JournalTypeRedemptionCollateral
	JournalTypeTransfer
)

func (jt JournalType) String() string {
	switch jt {
	case JournalTypeDeposit:
		return "deposit"
	case JournalTypeWithdrawal:
		return "withdrawal"
	case JournalTypeCollateralLock:
		return "collateral_lock"
	case JournalTypeCollateralRelease:
		return "collateral_release"
	case JournalTypeBorrow:
		return "borrow"
	case JournalTypeBorrowFee:
		return "borrow_fee"
	case JournalTypeRepay:
		return "repay"
	case JournalTypeStake:
		return "stake"
	case JournalTypeUnstake:
		return "unstake"
	case JournalTypeGainsWithdraw:
		return "gains_withdraw"
	case JournalTypeLiquidationBurn:
		return "liquidation_burn"
	case JournalTypeLiquidationCollateral:
		return "liquidation_collateral"
	case JournalTypeRedemptionBurn:
		return "redemption_burn"
	case JournalTypeRedemptionCollateral:
		return "redemption_collateral"
	case JournalTypeTransfer:
		return "transfer"
	default:
		return "unknown"
	}
}

// Journal represents a single double-entry journal entry.
// Mints credit the external bridge account and burns debit it; the bridge
// has no tracked balance, its movements are what TotalSupply measures.
type Journal struct {
	JournalID     uuid.UUID   // Deterministic: derived from the batch and leg index
	BatchID       uuid.UUID   // Groups entries of one command
	EventRef      string      // Idempotency key of source command
	Sequence      int64       // Global command sequence
	DebitAccount  AccountKey  // Account receiving funds
	CreditAccount AccountKey  // Account giving funds
	Asset         string      // Asset being moved
	Amount        uint64      // Always positive
	JournalType   JournalType // Entry type
	Timestamp     int64       // Versioned input timestamp (epoch microseconds)
}

// Batch represents the journal entries produced by one command
type Batch struct {
	BatchID   uuid.UUID
	EventRef  string
	Sequence  int64
	Timestamp int64
	Journals  []Journal
}

var journalNamespace = uuid.MustParse("6f1c2a8e-5b7d-4e0f-9a3c-1d2e3f405162")

// NewBatch creates an empty batch whose ids derive from the command key, so a
// replayed command produces byte-identical journals.
func NewBatch(eventRef string, sequence, timestamp int64) *Batch {
	return &Batch{
		BatchID:   uuid.NewSHA1(journalNamespace, []byte(fmt.Sprintf("%s:%d", eventRef, sequence))),
		EventRef:  eventRef,
		Sequence:  sequence,
		Timestamp: timestamp,
		Journals:  make([]Journal, 0, 4),
	}
}

// Append adds one leg to the batch.
func (b *Batch) Append(jt JournalType, asset string, debit, credit AccountKey, amount uint64) {
	leg := len(b.Journals)
	b.Journals = append(b.Journals, Journal{
		JournalID:     uuid.NewSHA1(b.BatchID, []byte(fmt.Sprintf("%d", leg))),
		BatchID:       b.BatchID,
		EventRef:      b.EventRef,
		Sequence:      b.Sequence,
		DebitAccount:  debit,
		CreditAccount: credit,
		Asset:         asset,
		Amount:        amount,
		JournalType:   jt,
		Timestamp:     b.Timestamp,
	})
}

// Validate ensures the batch is well-formed. Each entry moves one positive
// amount from the credit to the debit account, so every leg balances on its own.
func (b *Batch) Validate() error {
	for _, j := range b.Journals {
		if j.Amount == 0 {
			return fmt.Errorf("journal %s has zero amount", j.JournalID)
		}

		if j.BatchID != b.BatchID {
			return fmt.Errorf("journal %s has mismatched batch_id", j.JournalID)
		}

		if j.DebitAccount == j.CreditAccount {
			return fmt.Errorf("journal %s has same debit and credit account", j.JournalID)
		}
	}

	return nil
}
