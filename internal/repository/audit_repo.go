package repository

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/nordpay/settlements/internal/domain"
)

// AuditRepo persists validator findings. Warnings never block an operation
// but every one of them lands here.
type AuditRepo struct {
	db *sql.DB
}

func NewAuditRepo(db *sql.DB) *AuditRepo {
	return &AuditRepo{db: db}
}

func (r *AuditRepo) BulkInsert(records []domain.AuditRecord) (int, error) {
	tx, err := r.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(
		`INSERT OR IGNORE INTO audit_records
		(id, batch_id, merchant_id, operation, severity, field, message, recorded_at)
		VALUES (?,?,?,?,?,?,?,?)`,
	)
	if err != nil {
		return 0, fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	inserted := 0
	for i := range records {
		rec := &records[i]
		res, err := stmt.Exec(
			rec.ID, nullableString(rec.BatchID), rec.MerchantID, rec.Operation,
			string(rec.Severity), rec.Field, rec.Message, rec.RecordedAt.Format(time.RFC3339),
		)
		if err != nil {
			return inserted, fmt.Errorf("insert %d: %w", i, err)
		}
		ra, _ := res.RowsAffected()
		inserted += int(ra)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return inserted, nil
}

type AuditFilter struct {
	MerchantID string
	BatchID    string
	Severity   string
	Operation  string
	From       *time.Time
	To         *time.Time
	Page       int
	Limit      int
}

func (r *AuditRepo) List(f AuditFilter) ([]domain.AuditRecord, int, error) {
	where, args := buildAuditWhere(f)

	var total int
	if err := r.db.QueryRow("SELECT COUNT(*) FROM audit_records"+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	if f.Limit <= 0 {
		f.Limit = 50
	}
	if f.Page <= 0 {
		f.Page = 1
	}
	offset := (f.Page - 1) * f.Limit

	q := `SELECT id, batch_id, merchant_id, operation, severity, field, message, recorded_at
		FROM audit_records` + where + " ORDER BY recorded_at DESC, id ASC LIMIT ? OFFSET ?"
	args = append(args, f.Limit, offset)

	rows, err := r.db.Query(q, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var records []domain.AuditRecord
	for rows.Next() {
		var rec domain.AuditRecord
		var sev, recordedAt string
		var batchID sql.NullString
		if err := rows.Scan(&rec.ID, &batchID, &rec.MerchantID, &rec.Operation,
			&sev, &rec.Field, &rec.Message, &recordedAt); err != nil {
			return nil, 0, err
		}
		rec.Severity = domain.AuditSeverity(sev)
		rec.RecordedAt, _ = time.Parse(time.RFC3339, recordedAt)
		if batchID.Valid {
			rec.BatchID = batchID.String
		}
		records = append(records, rec)
	}
	return records, total, rows.Err()
}

type AuditSummary struct {
	TotalCount  int            `json:"total_count"`
	BySeverity  map[string]int `json:"by_severity"`
	ByOperation map[string]int `json:"by_operation"`
}

func (r *AuditRepo) GetSummary() (*AuditSummary, error) {
	s := &AuditSummary{
		BySeverity:  make(map[string]int),
		ByOperation: make(map[string]int),
	}

	if err := r.db.QueryRow("SELECT COUNT(*) FROM audit_records").Scan(&s.TotalCount); err != nil {
		return nil, err
	}
	if err := scanGroupCount(r.db, "severity", s.BySeverity); err != nil {
		return nil, err
	}
	if err := scanGroupCount(r.db, "operation", s.ByOperation); err != nil {
		return nil, err
	}
	return s, nil
}

func buildAuditWhere(f AuditFilter) (string, []any) {
	var clauses []string
	var args []any

	if f.MerchantID != "" {
		clauses = append(clauses, "merchant_id = ?")
		args = append(args, f.MerchantID)
	}
	if f.BatchID != "" {
		clauses = append(clauses, "batch_id = ?")
		args = append(args, f.BatchID)
	}
	if f.Severity != "" {
		clauses = append(clauses, "severity = ?")
		args = append(args, f.Severity)
	}
	if f.Operation != "" {
		clauses = append(clauses, "operation = ?")
		args = append(args, f.Operation)
	}
	if f.From != nil {
		clauses = append(clauses, "recorded_at >= ?")
		args = append(args, f.From.Format(time.RFC3339))
	}
	if f.To != nil {
		clauses = append(clauses, "recorded_at <= ?")
		args = append(args, f.To.Format(time.RFC3339))
	}

	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func scanGroupCount(db *sql.DB, col string, m map[string]int) error {
	rows, err := db.Query(
		"SELECT " + col + ", COUNT(*) FROM audit_records GROUP BY " + col,
	)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var k string
		var v int
		if err := rows.Scan(&k, &v); err != nil {
			return err
		}
		m[k] = v
	}
	return rows.Err()
}
