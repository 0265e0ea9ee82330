package repository

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/nordpay/settlements/internal/domain"
)

// TransactionRepo is the sqlite-backed transaction source: completed payments
// and refunds waiting to be folded into a settlement batch.
type TransactionRepo struct {
	db *sql.DB
}

func NewTransactionRepo(db *sql.DB) *TransactionRepo {
	return &TransactionRepo{db: db}
}

func (r *TransactionRepo) BulkInsert(txns []domain.SourceTransaction) (int, error) {
	sqlTx, err := r.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer sqlTx.Rollback()

	stmt, err := sqlTx.Prepare(
		`INSERT OR IGNORE INTO transactions
		(id, merchant_id, kind, amount, fee, currency, status, completed_at)
		VALUES (?,?,?,?,?,?,?,?)`,
	)
	if err != nil {
		return 0, fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	inserted := 0
	for i := range txns {
		tx := &txns[i]
		res, err := stmt.Exec(
			tx.ID, tx.MerchantID, string(tx.Kind), tx.Amount.String(), tx.Fee.String(),
			tx.Currency, string(tx.Status), tx.CompletedAt.Format(time.RFC3339),
		)
		if err != nil {
			return inserted, fmt.Errorf("insert row %d: %w", i, err)
		}
		ra, _ := res.RowsAffected()
		inserted += int(ra)
	}

	if err := sqlTx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return inserted, nil
}

func (r *TransactionRepo) Count() (int, error) {
	var count int
	err := r.db.QueryRow("SELECT COUNT(*) FROM transactions").Scan(&count)
	return count, err
}

// ListCompletedUnsettled returns completed transactions for the merchant in
// the window that are not claimed by any non-cancelled batch. This is the
// builder's selection predicate; the atomic claim itself happens at insert
// time via the line-item unique index.
func (r *TransactionRepo) ListCompletedUnsettled(merchantID string, from, to time.Time) ([]domain.SourceTransaction, error) {
	query := `
		SELECT t.id, t.merchant_id, t.kind, t.amount, t.fee, t.currency, t.status, t.completed_at
		FROM transactions t
		LEFT JOIN settlement_line_items li ON li.transaction_id = t.id AND li.released = 0
		WHERE t.merchant_id = ?
		  AND t.status = 'completed'
		  AND t.completed_at >= ?
		  AND t.completed_at <= ?
		  AND li.id IS NULL
		ORDER BY t.completed_at, t.id
	`
	rows, err := r.db.Query(query, merchantID, from.Format(time.RFC3339), to.Format(time.RFC3339))
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	var txns []domain.SourceTransaction
	for rows.Next() {
		tx, err := scanSourceTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		txns = append(txns, *tx)
	}
	return txns, rows.Err()
}

// TrailingAverageNet returns the merchant's average per-batch net amount over
// the trailing window, used by the suspicious-amount heuristic. Zero when the
// merchant has no history.
func (r *TransactionRepo) TrailingAverageNet(merchantID string, since time.Time) (decimal.Decimal, error) {
	var avg sql.NullFloat64
	err := r.db.QueryRow(
		`SELECT AVG(CAST(net_amount AS REAL)) FROM settlement_batches
		 WHERE merchant_id = ? AND status != 'cancelled' AND created_at >= ?`,
		merchantID, since.Format(time.RFC3339),
	).Scan(&avg)
	if err != nil {
		return decimal.Zero, err
	}
	if !avg.Valid {
		return decimal.Zero, nil
	}
	return decimal.NewFromFloat(avg.Float64), nil
}

func scanSourceTransaction(rows *sql.Rows) (*domain.SourceTransaction, error) {
	var tx domain.SourceTransaction
	var kind, amount, fee, status, completedAt string

	err := rows.Scan(&tx.ID, &tx.MerchantID, &kind, &amount, &fee, &tx.Currency, &status, &completedAt)
	if err != nil {
		return nil, err
	}

	tx.Kind = domain.TransactionKind(kind)
	tx.Status = domain.TransactionStatus(status)
	if tx.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("parse amount: %w", err)
	}
	if tx.Fee, err = decimal.NewFromString(fee); err != nil {
		return nil, fmt.Errorf("parse fee: %w", err)
	}
	tx.CompletedAt, _ = time.Parse(time.RFC3339, completedAt)
	return &tx, nil
}
