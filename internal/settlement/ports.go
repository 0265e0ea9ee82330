package settlement

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/nordpay/settlements/internal/domain"
)

// TransactionSource exposes completed, not-yet-settled transactions. The
// sqlite transaction repository satisfies it; a real deployment may plug the
// upstream ledger in instead.
type TransactionSource interface {
	ListCompletedUnsettled(merchantID string, from, to time.Time) ([]domain.SourceTransaction, error)
	TrailingAverageNet(merchantID string, since time.Time) (decimal.Decimal, error)
}

// MerchantDirectory resolves merchant eligibility data.
type MerchantDirectory interface {
	Get(id string) (*domain.Merchant, error)
}

// EventPublisher fans a settlement lifecycle event out to merchant webhooks.
type EventPublisher interface {
	Publish(ctx context.Context, eventType string, batch *domain.SettlementBatch) error
}
