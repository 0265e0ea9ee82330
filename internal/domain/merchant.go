package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Merchant is the settlement engine's view of the merchant directory. Fields
// beyond these (display name, contact data, payout account) live in the
// directory service and are not needed here.
type Merchant struct {
	ID                    string          `json:"id"`
	Active                bool            `json:"active"`
	Verified              bool            `json:"verified"`
	OnboardedAt           time.Time       `json:"onboarded_at"`
	CommissionRate        decimal.Decimal `json:"commission_rate"`
	AutoSettlementEnabled bool            `json:"auto_settlement_enabled"`
	SettlementDelayDays   int             `json:"settlement_delay_days"`
}

type TransactionStatus string

const (
	TxCompleted TransactionStatus = "completed"
	TxPending   TransactionStatus = "pending"
	TxFailed    TransactionStatus = "failed"
)

// SourceTransaction is a completed payment or refund exposed by the
// transaction source, candidate for inclusion in a settlement batch.
// Refunds carry a negative amount.
type SourceTransaction struct {
	ID          string            `json:"id"`
	MerchantID  string            `json:"merchant_id"`
	Kind        TransactionKind   `json:"kind"`
	Amount      decimal.Decimal   `json:"amount"`
	Fee         decimal.Decimal   `json:"fee"`
	Currency    string            `json:"currency"`
	Status      TransactionStatus `json:"status"`
	CompletedAt time.Time         `json:"completed_at"`
}
