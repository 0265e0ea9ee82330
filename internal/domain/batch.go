package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type BatchStatus string

const (
	BatchPending    BatchStatus = "pending"
	BatchProcessing BatchStatus = "processing"
	BatchCompleted  BatchStatus = "completed"
	BatchFailed     BatchStatus = "failed"
	BatchCancelled  BatchStatus = "cancelled"
)

// CanTransitionTo reports whether the status transition is legal. Completed
// and Failed are reachable only from Processing; Cancelled only from Pending
// or Failed.
func (s BatchStatus) CanTransitionTo(next BatchStatus) bool {
	switch s {
	case BatchPending:
		return next == BatchProcessing || next == BatchCancelled
	case BatchProcessing:
		return next == BatchCompleted || next == BatchFailed
	case BatchFailed:
		return next == BatchProcessing || next == BatchCancelled
	default:
		return false
	}
}

// Terminal reports whether no further transition is possible.
func (s BatchStatus) Terminal() bool {
	return s == BatchCompleted || s == BatchCancelled
}

type SettlementBatch struct {
	ID               string          `json:"id"`
	MerchantID       string          `json:"merchant_id"`
	Currency         string          `json:"currency"`
	GrossAmount      decimal.Decimal `json:"gross_amount"`
	TotalFees        decimal.Decimal `json:"total_fees"`
	NetAmount        decimal.Decimal `json:"net_amount"`
	TransactionCount int             `json:"transaction_count"`
	Status           BatchStatus     `json:"status"`
	SettlementDate   time.Time       `json:"settlement_date"`
	BankReference    string          `json:"bank_reference,omitempty"`
	FailureReason    string          `json:"failure_reason,omitempty"`
	RetryCount       int             `json:"retry_count"`
	NextRetryAt      *time.Time      `json:"next_retry_at,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	ProcessedAt      *time.Time      `json:"processed_at,omitempty"`
}

type TransactionKind string

const (
	KindPayment TransactionKind = "payment"
	KindRefund  TransactionKind = "refund"
)

type SettlementLineItem struct {
	ID            string          `json:"id"`
	BatchID       string          `json:"batch_id"`
	TransactionID string          `json:"transaction_id"`
	Kind          TransactionKind `json:"kind"`
	Amount        decimal.Decimal `json:"amount"`
	Fee           decimal.Decimal `json:"fee"`
	NetAmount     decimal.Decimal `json:"net_amount"`
}
