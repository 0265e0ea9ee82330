package repository

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// InitDB opens (or creates) a SQLite database at the given path and ensures
// all required tables exist. Pass ":memory:" for an in-memory database.
func InitDB(dsn string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set wal mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	if err := createTables(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}

	return db, nil
}

func createTables(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS merchants (
			id TEXT PRIMARY KEY,
			active INTEGER NOT NULL,
			verified INTEGER NOT NULL,
			onboarded_at DATETIME NOT NULL,
			commission_rate TEXT NOT NULL,
			auto_settlement_enabled INTEGER NOT NULL DEFAULT 0,
			settlement_delay_days INTEGER NOT NULL DEFAULT 1
		)`,

		`CREATE TABLE IF NOT EXISTS transactions (
			id TEXT PRIMARY KEY,
			merchant_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			amount TEXT NOT NULL,
			fee TEXT NOT NULL,
			currency TEXT NOT NULL,
			status TEXT NOT NULL,
			completed_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_transactions_merchant ON transactions(merchant_id)`,
		`CREATE INDEX IF NOT EXISTS idx_transactions_status ON transactions(status)`,
		`CREATE INDEX IF NOT EXISTS idx_transactions_completed_at ON transactions(completed_at)`,

		`CREATE TABLE IF NOT EXISTS settlement_batches (
			id TEXT PRIMARY KEY,
			merchant_id TEXT NOT NULL,
			currency TEXT NOT NULL,
			gross_amount TEXT NOT NULL,
			total_fees TEXT NOT NULL,
			net_amount TEXT NOT NULL,
			transaction_count INTEGER NOT NULL,
			status TEXT NOT NULL,
			settlement_date DATETIME NOT NULL,
			bank_reference TEXT,
			failure_reason TEXT,
			retry_count INTEGER NOT NULL DEFAULT 0,
			next_retry_at DATETIME,
			created_at DATETIME NOT NULL,
			processed_at DATETIME
		)`,
		`CREATE INDEX IF NOT EXISTS idx_batches_merchant ON settlement_batches(merchant_id)`,
		`CREATE INDEX IF NOT EXISTS idx_batches_status ON settlement_batches(status)`,
		`CREATE INDEX IF NOT EXISTS idx_batches_settlement_date ON settlement_batches(settlement_date)`,

		`CREATE TABLE IF NOT EXISTS settlement_line_items (
			id TEXT PRIMARY KEY,
			batch_id TEXT NOT NULL,
			transaction_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			amount TEXT NOT NULL,
			fee TEXT NOT NULL,
			net_amount TEXT NOT NULL,
			released INTEGER NOT NULL DEFAULT 0,
			FOREIGN KEY (batch_id) REFERENCES settlement_batches(id)
		)`,
		// Double-settlement guard: a transaction may appear in at most one
		// non-cancelled batch. Cancellation releases line items instead of
		// deleting them, freeing the transaction for a future batch while
		// keeping the audit trail.
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_line_items_txn_active
			ON settlement_line_items(transaction_id) WHERE released = 0`,
		`CREATE INDEX IF NOT EXISTS idx_line_items_batch ON settlement_line_items(batch_id)`,

		`CREATE TABLE IF NOT EXISTS settlement_schedules (
			merchant_id TEXT PRIMARY KEY,
			frequency TEXT NOT NULL,
			day_of_week INTEGER NOT NULL DEFAULT 0,
			day_of_month INTEGER NOT NULL DEFAULT 0,
			processing_time TEXT NOT NULL DEFAULT '08:00',
			minimum_amount TEXT NOT NULL,
			auto_process INTEGER NOT NULL DEFAULT 0,
			active INTEGER NOT NULL DEFAULT 1,
			next_scheduled DATETIME,
			last_processed DATETIME,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_schedules_next ON settlement_schedules(next_scheduled)`,

		`CREATE TABLE IF NOT EXISTS webhook_endpoints (
			id TEXT PRIMARY KEY,
			merchant_id TEXT NOT NULL,
			url TEXT NOT NULL,
			events TEXT NOT NULL,
			secret TEXT NOT NULL,
			active INTEGER NOT NULL DEFAULT 1,
			headers TEXT,
			created_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_endpoints_merchant ON webhook_endpoints(merchant_id)`,

		`CREATE TABLE IF NOT EXISTS webhook_deliveries (
			id TEXT PRIMARY KEY,
			endpoint_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			payload BLOB NOT NULL,
			status TEXT NOT NULL,
			attempt_count INTEGER NOT NULL DEFAULT 0,
			last_attempt_at DATETIME,
			next_attempt DATETIME,
			response_code INTEGER NOT NULL DEFAULT 0,
			response_body TEXT NOT NULL DEFAULT '',
			error_message TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL,
			FOREIGN KEY (endpoint_id) REFERENCES webhook_endpoints(id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_deliveries_endpoint ON webhook_deliveries(endpoint_id)`,
		`CREATE INDEX IF NOT EXISTS idx_deliveries_next_attempt ON webhook_deliveries(next_attempt)`,

		`CREATE TABLE IF NOT EXISTS audit_records (
			id TEXT PRIMARY KEY,
			batch_id TEXT,
			merchant_id TEXT NOT NULL,
			operation TEXT NOT NULL,
			severity TEXT NOT NULL,
			field TEXT NOT NULL,
			message TEXT NOT NULL,
			recorded_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_merchant ON audit_records(merchant_id)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_batch ON audit_records(batch_id)`,

		`CREATE TABLE IF NOT EXISTS idempotency_records (
			scope TEXT NOT NULL,
			key TEXT NOT NULL,
			fingerprint TEXT NOT NULL,
			status TEXT NOT NULL,
			result BLOB,
			status_code INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL,
			expires_at DATETIME NOT NULL,
			PRIMARY KEY (scope, key)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_idempotency_expires ON idempotency_records(expires_at)`,
	}

	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("exec %q: %w", stmt[:60], err)
		}
	}

	return nil
}
