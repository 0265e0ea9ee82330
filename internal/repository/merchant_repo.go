package repository

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/nordpay/settlements/internal/domain"
)

// MerchantRepo is the sqlite-backed merchant directory.
type MerchantRepo struct {
	db *sql.DB
}

func NewMerchantRepo(db *sql.DB) *MerchantRepo {
	return &MerchantRepo{db: db}
}

func (r *MerchantRepo) Get(id string) (*domain.Merchant, error) {
	var m domain.Merchant
	var active, verified, autoSettle int
	var onboardedAt, rate string

	err := r.db.QueryRow(
		`SELECT id, active, verified, onboarded_at, commission_rate,
		        auto_settlement_enabled, settlement_delay_days
		 FROM merchants WHERE id = ?`, id,
	).Scan(&m.ID, &active, &verified, &onboardedAt, &rate, &autoSettle, &m.SettlementDelayDays)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	m.Active = active == 1
	m.Verified = verified == 1
	m.AutoSettlementEnabled = autoSettle == 1
	m.OnboardedAt, _ = time.Parse(time.RFC3339, onboardedAt)
	if m.CommissionRate, err = decimal.NewFromString(rate); err != nil {
		return nil, fmt.Errorf("parse commission rate: %w", err)
	}
	return &m, nil
}

func (r *MerchantRepo) Upsert(m *domain.Merchant) error {
	_, err := r.db.Exec(
		`INSERT INTO merchants
		(id, active, verified, onboarded_at, commission_rate, auto_settlement_enabled, settlement_delay_days)
		VALUES (?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET
			active=excluded.active, verified=excluded.verified,
			commission_rate=excluded.commission_rate,
			auto_settlement_enabled=excluded.auto_settlement_enabled,
			settlement_delay_days=excluded.settlement_delay_days`,
		m.ID, boolToInt(m.Active), boolToInt(m.Verified),
		m.OnboardedAt.Format(time.RFC3339), m.CommissionRate.String(),
		boolToInt(m.AutoSettlementEnabled), m.SettlementDelayDays,
	)
	if err != nil {
		return fmt.Errorf("upsert merchant: %w", err)
	}
	return nil
}

func (r *MerchantRepo) Count() (int, error) {
	var count int
	err := r.db.QueryRow("SELECT COUNT(*) FROM merchants").Scan(&count)
	return count, err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
