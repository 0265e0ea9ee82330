package webhook

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/nordpay/settlements/internal/domain"
)

// EventPayload is the wire shape of a settlement lifecycle notification.
// Serialized once per event; the signature covers these exact bytes.
type EventPayload struct {
	EventType         string          `json:"eventType"`
	SettlementID      string          `json:"settlementId"`
	MerchantID        string          `json:"merchantId"`
	Amount            decimal.Decimal `json:"amount"`
	Currency          string          `json:"currency"`
	Status            string          `json:"status"`
	SettlementDate    string          `json:"settlementDate"`
	TransactionCount  int             `json:"transactionCount"`
	BankTransactionID string          `json:"bankTransactionId,omitempty"`
	ProcessedAt       *time.Time      `json:"processedAt,omitempty"`
	FailureReason     string          `json:"failureReason,omitempty"`
	RetryCount        int             `json:"retryCount,omitempty"`
	NextRetryAt       *time.Time      `json:"nextRetryAt,omitempty"`
	CreatedAt         time.Time       `json:"createdAt"`
	Timestamp         time.Time       `json:"timestamp"`
}

func payloadFor(event string, b *domain.SettlementBatch, now time.Time) EventPayload {
	return EventPayload{
		EventType:         event,
		SettlementID:      b.ID,
		MerchantID:        b.MerchantID,
		Amount:            b.NetAmount,
		Currency:          b.Currency,
		Status:            string(b.Status),
		SettlementDate:    b.SettlementDate.Format("2006-01-02"),
		TransactionCount:  b.TransactionCount,
		BankTransactionID: b.BankReference,
		ProcessedAt:       b.ProcessedAt,
		FailureReason:     b.FailureReason,
		RetryCount:        b.RetryCount,
		NextRetryAt:       b.NextRetryAt,
		CreatedAt:         b.CreatedAt,
		Timestamp:         now,
	}
}
