package repository

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/nordpay/settlements/internal/domain"
)

type BatchRepo struct {
	db *sql.DB
}

func NewBatchRepo(db *sql.DB) *BatchRepo {
	return &BatchRepo{db: db}
}

// CreateWithLineItems inserts the batch and all of its line items in a single
// transaction. The partial unique index on active line items makes this the
// atomic claim of the source transactions: if any transaction already belongs
// to a non-cancelled batch the whole insert rolls back with
// domain.ErrTransactionAlreadySettled.
func (r *BatchRepo) CreateWithLineItems(b *domain.SettlementBatch, items []domain.SettlementLineItem) error {
	tx, err := r.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(
		`INSERT INTO settlement_batches
		(id, merchant_id, currency, gross_amount, total_fees, net_amount,
		 transaction_count, status, settlement_date, bank_reference, failure_reason,
		 retry_count, next_retry_at, created_at, processed_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		b.ID, b.MerchantID, b.Currency, b.GrossAmount.String(), b.TotalFees.String(),
		b.NetAmount.String(), b.TransactionCount, string(b.Status),
		b.SettlementDate.Format(time.RFC3339), nullableString(b.BankReference),
		nullableString(b.FailureReason), b.RetryCount, formatNullableTime(b.NextRetryAt),
		b.CreatedAt.Format(time.RFC3339), formatNullableTime(b.ProcessedAt),
	)
	if err != nil {
		return fmt.Errorf("insert batch: %w", err)
	}

	stmt, err := tx.Prepare(
		`INSERT INTO settlement_line_items
		(id, batch_id, transaction_id, kind, amount, fee, net_amount, released)
		VALUES (?,?,?,?,?,?,?,0)`,
	)
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	for i := range items {
		it := &items[i]
		_, err := stmt.Exec(
			it.ID, it.BatchID, it.TransactionID, string(it.Kind),
			it.Amount.String(), it.Fee.String(), it.NetAmount.String(),
		)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("claim transaction %s: %w", it.TransactionID, domain.ErrTransactionAlreadySettled)
			}
			return fmt.Errorf("insert line item %d: %w", i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (r *BatchRepo) GetByID(id string) (*domain.SettlementBatch, error) {
	row := r.db.QueryRow(selectBatch+" WHERE id = ?", id)
	b, err := scanBatch(row)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	return b, err
}

func (r *BatchRepo) GetLineItems(batchID string) ([]domain.SettlementLineItem, error) {
	rows, err := r.db.Query(
		`SELECT id, batch_id, transaction_id, kind, amount, fee, net_amount
		 FROM settlement_line_items WHERE batch_id = ? ORDER BY id`, batchID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []domain.SettlementLineItem
	for rows.Next() {
		var it domain.SettlementLineItem
		var kind, amount, fee, net string
		if err := rows.Scan(&it.ID, &it.BatchID, &it.TransactionID, &kind, &amount, &fee, &net); err != nil {
			return nil, err
		}
		it.Kind = domain.TransactionKind(kind)
		if it.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("parse amount: %w", err)
		}
		if it.Fee, err = decimal.NewFromString(fee); err != nil {
			return nil, fmt.Errorf("parse fee: %w", err)
		}
		if it.NetAmount, err = decimal.NewFromString(net); err != nil {
			return nil, fmt.Errorf("parse net: %w", err)
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// SumLineItems returns the exact decimal sums over the batch's line items,
// for the reconciliation identity check.
func (r *BatchRepo) SumLineItems(batchID string) (gross, fees, net decimal.Decimal, err error) {
	items, err := r.GetLineItems(batchID)
	if err != nil {
		return decimal.Zero, decimal.Zero, decimal.Zero, err
	}
	for i := range items {
		gross = gross.Add(items[i].Amount)
		fees = fees.Add(items[i].Fee)
		net = net.Add(items[i].NetAmount)
	}
	return gross, fees, net, nil
}

// MarkProcessing transitions a batch from the expected status into
// processing. Conditional update: a raced or illegal transition affects zero
// rows and returns domain.ErrInvalidTransition.
func (r *BatchRepo) MarkProcessing(id string, from domain.BatchStatus) error {
	res, err := r.db.Exec(
		"UPDATE settlement_batches SET status = ? WHERE id = ? AND status = ?",
		string(domain.BatchProcessing), id, string(from),
	)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (r *BatchRepo) MarkCompleted(id, bankRef string, processedAt time.Time) error {
	res, err := r.db.Exec(
		`UPDATE settlement_batches
		 SET status = ?, bank_reference = ?, failure_reason = NULL, next_retry_at = NULL, processed_at = ?
		 WHERE id = ? AND status = ?`,
		string(domain.BatchCompleted), bankRef, processedAt.Format(time.RFC3339),
		id, string(domain.BatchProcessing),
	)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (r *BatchRepo) MarkFailed(id, reason string, retryCount int, nextRetryAt *time.Time) error {
	res, err := r.db.Exec(
		`UPDATE settlement_batches
		 SET status = ?, failure_reason = ?, retry_count = ?, next_retry_at = ?
		 WHERE id = ? AND status = ?`,
		string(domain.BatchFailed), reason, retryCount, formatNullableTime(nextRetryAt),
		id, string(domain.BatchProcessing),
	)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// MarkCancelled cancels a pending or failed batch and releases its line
// items so the underlying transactions become settleable again.
func (r *BatchRepo) MarkCancelled(id, reason string) error {
	tx, err := r.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(
		`UPDATE settlement_batches SET status = ?, failure_reason = ?, next_retry_at = NULL
		 WHERE id = ? AND status IN (?, ?)`,
		string(domain.BatchCancelled), reason, id,
		string(domain.BatchPending), string(domain.BatchFailed),
	)
	if err != nil {
		return err
	}
	if err := requireRow(res); err != nil {
		return err
	}

	if _, err := tx.Exec(
		"UPDATE settlement_line_items SET released = 1 WHERE batch_id = ?", id,
	); err != nil {
		return fmt.Errorf("release line items: %w", err)
	}

	return tx.Commit()
}

// FailureStats returns the failed and total batch counts for a merchant
// since the given cutoff, for the eligibility failure-rate check.
func (r *BatchRepo) FailureStats(merchantID string, since time.Time) (failed, total int, err error) {
	err = r.db.QueryRow(
		`SELECT
			COALESCE(SUM(CASE WHEN status='failed' THEN 1 ELSE 0 END), 0),
			COUNT(*)
		 FROM settlement_batches WHERE merchant_id = ? AND created_at >= ?`,
		merchantID, since.Format(time.RFC3339),
	).Scan(&failed, &total)
	return failed, total, err
}

// --- list / filter ---

type BatchFilter struct {
	MerchantID string
	Status     string
	Currency   string
	From       *time.Time
	To         *time.Time
	MinAmount  *decimal.Decimal
	MaxAmount  *decimal.Decimal
	Search     string
	SortBy     string // settlement_date | created_at | net_amount | status
	SortDesc   bool
	Page       int
	Limit      int
}

// sortColumns whitelists sortable columns; anything else falls back to
// settlement_date. Every ordering carries an id tiebreak so pagination stays
// stable under concurrent writes.
var sortColumns = map[string]string{
	"settlement_date": "settlement_date",
	"created_at":      "created_at",
	"net_amount":      "CAST(net_amount AS REAL)",
	"status":          "status",
}

func (r *BatchRepo) List(f BatchFilter) ([]domain.SettlementBatch, int, error) {
	where, args := buildBatchWhere(f)

	var total int
	if err := r.db.QueryRow("SELECT COUNT(*) FROM settlement_batches"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count: %w", err)
	}

	if f.Limit <= 0 {
		f.Limit = 50
	}
	if f.Page <= 0 {
		f.Page = 1
	}
	offset := (f.Page - 1) * f.Limit

	col, ok := sortColumns[f.SortBy]
	if !ok {
		col = "settlement_date"
		f.SortDesc = true
	}
	dir := "ASC"
	if f.SortDesc {
		dir = "DESC"
	}

	q := selectBatch + where + fmt.Sprintf(" ORDER BY %s %s, id ASC LIMIT ? OFFSET ?", col, dir)
	args = append(args, f.Limit, offset)

	rows, err := r.db.Query(q, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	var batches []domain.SettlementBatch
	for rows.Next() {
		b, err := scanBatchRows(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan: %w", err)
		}
		batches = append(batches, *b)
	}
	return batches, total, rows.Err()
}

func buildBatchWhere(f BatchFilter) (string, []any) {
	var clauses []string
	var args []any

	if f.MerchantID != "" {
		clauses = append(clauses, "merchant_id = ?")
		args = append(args, f.MerchantID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, f.Status)
	}
	if f.Currency != "" {
		clauses = append(clauses, "currency = ?")
		args = append(args, f.Currency)
	}
	if f.From != nil {
		clauses = append(clauses, "settlement_date >= ?")
		args = append(args, f.From.Format(time.RFC3339))
	}
	if f.To != nil {
		clauses = append(clauses, "settlement_date <= ?")
		args = append(args, f.To.Format(time.RFC3339))
	}
	if f.MinAmount != nil {
		clauses = append(clauses, "CAST(net_amount AS REAL) >= ?")
		args = append(args, f.MinAmount.InexactFloat64())
	}
	if f.MaxAmount != nil {
		clauses = append(clauses, "CAST(net_amount AS REAL) <= ?")
		args = append(args, f.MaxAmount.InexactFloat64())
	}
	if f.Search != "" {
		clauses = append(clauses, "(id LIKE ? OR bank_reference LIKE ? OR failure_reason LIKE ?)")
		like := "%" + f.Search + "%"
		args = append(args, like, like, like)
	}

	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

// --- analytics / reconciliation ---

type StatusBreakdown struct {
	Status string          `json:"status"`
	Count  int             `json:"count"`
	Net    decimal.Decimal `json:"net_amount"`
}

type CurrencyBreakdown struct {
	Currency string          `json:"currency"`
	Count    int             `json:"count"`
	Net      decimal.Decimal `json:"net_amount"`
}

type Analytics struct {
	TotalBatches int                 `json:"total_batches"`
	ByStatus     []StatusBreakdown   `json:"by_status"`
	ByCurrency   []CurrencyBreakdown `json:"by_currency"`
}

func (r *BatchRepo) GetAnalytics() (*Analytics, error) {
	a := &Analytics{}

	if err := r.db.QueryRow("SELECT COUNT(*) FROM settlement_batches").Scan(&a.TotalBatches); err != nil {
		return nil, err
	}

	rows, err := r.db.Query(
		"SELECT status, COUNT(*), COALESCE(SUM(CAST(net_amount AS REAL)),0) FROM settlement_batches GROUP BY status",
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var sb StatusBreakdown
		var net float64
		if err := rows.Scan(&sb.Status, &sb.Count, &net); err != nil {
			return nil, err
		}
		sb.Net = decimal.NewFromFloat(net).Round(2)
		a.ByStatus = append(a.ByStatus, sb)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	crows, err := r.db.Query(
		"SELECT currency, COUNT(*), COALESCE(SUM(CAST(net_amount AS REAL)),0) FROM settlement_batches GROUP BY currency",
	)
	if err != nil {
		return nil, err
	}
	defer crows.Close()
	for crows.Next() {
		var cb CurrencyBreakdown
		var net float64
		if err := crows.Scan(&cb.Currency, &cb.Count, &net); err != nil {
			return nil, err
		}
		cb.Net = decimal.NewFromFloat(net).Round(2)
		a.ByCurrency = append(a.ByCurrency, cb)
	}
	return a, crows.Err()
}

type ReconciliationRow struct {
	BatchID     string          `json:"batch_id"`
	Status      string          `json:"status"`
	StoredGross decimal.Decimal `json:"stored_gross"`
	StoredFees  decimal.Decimal `json:"stored_fees"`
	StoredNet   decimal.Decimal `json:"stored_net"`
	ItemGross   decimal.Decimal `json:"item_gross"`
	ItemFees    decimal.Decimal `json:"item_fees"`
	ItemNet     decimal.Decimal `json:"item_net"`
	Consistent  bool            `json:"consistent"`
}

// ReconciliationReport recomputes line-item sums for every non-cancelled
// batch and compares them to the stored totals, exactly.
func (r *BatchRepo) ReconciliationReport() ([]ReconciliationRow, error) {
	rows, err := r.db.Query(
		selectBatch + " WHERE status != 'cancelled' ORDER BY settlement_date DESC, id ASC",
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var batches []domain.SettlementBatch
	for rows.Next() {
		b, err := scanBatchRows(rows)
		if err != nil {
			return nil, err
		}
		batches = append(batches, *b)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var report []ReconciliationRow
	for i := range batches {
		b := &batches[i]
		gross, fees, net, err := r.SumLineItems(b.ID)
		if err != nil {
			return nil, fmt.Errorf("sum line items for %s: %w", b.ID, err)
		}
		row := ReconciliationRow{
			BatchID:     b.ID,
			Status:      string(b.Status),
			StoredGross: b.GrossAmount,
			StoredFees:  b.TotalFees,
			StoredNet:   b.NetAmount,
			ItemGross:   gross,
			ItemFees:    fees,
			ItemNet:     net,
		}
		row.Consistent = b.GrossAmount.Equal(gross) &&
			b.TotalFees.Equal(fees) &&
			b.NetAmount.Equal(net) &&
			b.NetAmount.Equal(b.GrossAmount.Sub(b.TotalFees))
		report = append(report, row)
	}
	return report, nil
}

// --- scan helpers ---

const selectBatch = `SELECT id, merchant_id, currency, gross_amount, total_fees,
	net_amount, transaction_count, status, settlement_date, bank_reference,
	failure_reason, retry_count, next_retry_at, created_at, processed_at
	FROM settlement_batches`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBatch(row *sql.Row) (*domain.SettlementBatch, error) {
	return scanBatchFrom(row)
}

func scanBatchRows(rows *sql.Rows) (*domain.SettlementBatch, error) {
	return scanBatchFrom(rows)
}

func scanBatchFrom(s rowScanner) (*domain.SettlementBatch, error) {
	var b domain.SettlementBatch
	var gross, fees, net, status, settlementDate, createdAt string
	var bankRef, failReason, nextRetry, processedAt sql.NullString

	err := s.Scan(
		&b.ID, &b.MerchantID, &b.Currency, &gross, &fees, &net,
		&b.TransactionCount, &status, &settlementDate, &bankRef,
		&failReason, &b.RetryCount, &nextRetry, &createdAt, &processedAt,
	)
	if err != nil {
		return nil, err
	}

	if b.GrossAmount, err = decimal.NewFromString(gross); err != nil {
		return nil, fmt.Errorf("parse gross: %w", err)
	}
	if b.TotalFees, err = decimal.NewFromString(fees); err != nil {
		return nil, fmt.Errorf("parse fees: %w", err)
	}
	if b.NetAmount, err = decimal.NewFromString(net); err != nil {
		return nil, fmt.Errorf("parse net: %w", err)
	}
	b.Status = domain.BatchStatus(status)
	b.SettlementDate, _ = time.Parse(time.RFC3339, settlementDate)
	b.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	if bankRef.Valid {
		b.BankReference = bankRef.String
	}
	if failReason.Valid {
		b.FailureReason = failReason.String
	}
	if nextRetry.Valid {
		t, _ := time.Parse(time.RFC3339, nextRetry.String)
		b.NextRetryAt = &t
	}
	if processedAt.Valid {
		t, _ := time.Parse(time.RFC3339, processedAt.String)
		b.ProcessedAt = &t
	}
	return &b, nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrInvalidTransition
	}
	return nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func formatNullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Format(time.RFC3339)
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
