package idempotency

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// SQLiteStore keeps idempotency records in the settlement database so they
// survive process restarts. The claim is a single conditional upsert: an
// absent or expired row is taken over, anything else is inspected.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db, now: time.Now}
}

func (s *SQLiteStore) Begin(ctx context.Context, scope, key, fingerprint string, ttl time.Duration) (BeginResult, error) {
	now := s.now().UTC()

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO idempotency_records (scope, key, fingerprint, status, result, status_code, created_at, expires_at)
		 VALUES (?,?,?,'in_progress',NULL,0,?,?)
		 ON CONFLICT(scope, key) DO UPDATE SET
			fingerprint = excluded.fingerprint,
			status = 'in_progress',
			result = NULL,
			status_code = 0,
			created_at = excluded.created_at,
			expires_at = excluded.expires_at
		 WHERE idempotency_records.expires_at <= excluded.created_at`,
		scope, key, fingerprint,
		now.Format(time.RFC3339), now.Add(ttl).Format(time.RFC3339),
	)
	if err != nil {
		return BeginResult{}, fmt.Errorf("claim record: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return BeginResult{State: StateNew}, nil
	}

	// Someone holds the key. Decide replay vs conflict vs in-progress.
	var storedFP, status string
	var body []byte
	var statusCode int
	err = s.db.QueryRowContext(ctx,
		"SELECT fingerprint, status, result, status_code FROM idempotency_records WHERE scope = ? AND key = ?",
		scope, key,
	).Scan(&storedFP, &status, &body, &statusCode)
	if err != nil {
		return BeginResult{}, fmt.Errorf("read record: %w", err)
	}

	if storedFP != fingerprint {
		return BeginResult{State: StateConflict}, nil
	}
	if status == "completed" {
		return BeginResult{
			State:  StateReplay,
			Cached: &CachedResult{StatusCode: statusCode, Body: body},
		}, nil
	}
	return BeginResult{State: StateInProgress}, nil
}

func (s *SQLiteStore) Complete(ctx context.Context, scope, key, fingerprint string, result CachedResult, ttl time.Duration) error {
	now := s.now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE idempotency_records
		 SET status = 'completed', result = ?, status_code = ?, expires_at = ?
		 WHERE scope = ? AND key = ? AND fingerprint = ?`,
		result.Body, result.StatusCode, now.Add(ttl).Format(time.RFC3339),
		scope, key, fingerprint,
	)
	if err != nil {
		return fmt.Errorf("complete record: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("complete record: claim lost for %s/%s", scope, key)
	}
	return nil
}

func (s *SQLiteStore) Abandon(ctx context.Context, scope, key, fingerprint string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM idempotency_records
		 WHERE scope = ? AND key = ? AND fingerprint = ? AND status = 'in_progress'`,
		scope, key, fingerprint,
	)
	return err
}
