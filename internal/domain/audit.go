package domain

import "time"

type AuditSeverity string

const (
	AuditWarning AuditSeverity = "warning"
	AuditError   AuditSeverity = "error"
)

// AuditRecord captures one validator finding for later review. Warnings never
// block an operation but are always recorded.
type AuditRecord struct {
	ID         string        `json:"id"`
	BatchID    string        `json:"batch_id,omitempty"`
	MerchantID string        `json:"merchant_id"`
	Operation  string        `json:"operation"`
	Severity   AuditSeverity `json:"severity"`
	Field      string        `json:"field"`
	Message    string        `json:"message"`
	RecordedAt time.Time     `json:"recorded_at"`
}
