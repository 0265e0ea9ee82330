package repository

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/nordpay/settlements/internal/domain"
)

type ScheduleRepo struct {
	db *sql.DB
}

func NewScheduleRepo(db *sql.DB) *ScheduleRepo {
	return &ScheduleRepo{db: db}
}

func (r *ScheduleRepo) Upsert(s *domain.SettlementSchedule) error {
	_, err := r.db.Exec(
		`INSERT INTO settlement_schedules
		(merchant_id, frequency, day_of_week, day_of_month, processing_time,
		 minimum_amount, auto_process, active, next_scheduled, last_processed,
		 created_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(merchant_id) DO UPDATE SET
			frequency=excluded.frequency, day_of_week=excluded.day_of_week,
			day_of_month=excluded.day_of_month, processing_time=excluded.processing_time,
			minimum_amount=excluded.minimum_amount, auto_process=excluded.auto_process,
			active=excluded.active, next_scheduled=excluded.next_scheduled,
			updated_at=excluded.updated_at`,
		s.MerchantID, string(s.Frequency), int(s.DayOfWeek), s.DayOfMonth,
		s.ProcessingTime, s.MinimumAmount.String(), boolToInt(s.AutoProcess),
		boolToInt(s.Active), formatNullableTime(s.NextScheduled),
		formatNullableTime(s.LastProcessed), s.CreatedAt.Format(time.RFC3339),
		s.UpdatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("upsert schedule: %w", err)
	}
	return nil
}

func (r *ScheduleRepo) Get(merchantID string) (*domain.SettlementSchedule, error) {
	row := r.db.QueryRow(selectSchedule+" WHERE merchant_id = ?", merchantID)
	s, err := scanScheduleFrom(row)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	return s, err
}

func (r *ScheduleRepo) Delete(merchantID string) error {
	res, err := r.db.Exec("DELETE FROM settlement_schedules WHERE merchant_id = ?", merchantID)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// ListDue returns active schedules whose next run is at or before the given
// instant, ordered by due time for fair sweeping.
func (r *ScheduleRepo) ListDue(asOf time.Time) ([]domain.SettlementSchedule, error) {
	rows, err := r.db.Query(
		selectSchedule+` WHERE active = 1 AND next_scheduled IS NOT NULL AND next_scheduled <= ?
		 ORDER BY next_scheduled, merchant_id`,
		asOf.Format(time.RFC3339),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var schedules []domain.SettlementSchedule
	for rows.Next() {
		s, err := scanScheduleFrom(rows)
		if err != nil {
			return nil, err
		}
		schedules = append(schedules, *s)
	}
	return schedules, rows.Err()
}

// MarkProcessed records a successful run: each merchant's update commits
// independently so a cancelled sweep never leaves a half-updated schedule.
func (r *ScheduleRepo) MarkProcessed(merchantID string, lastProcessed, nextScheduled time.Time) error {
	_, err := r.db.Exec(
		`UPDATE settlement_schedules
		 SET last_processed = ?, next_scheduled = ?, updated_at = ?
		 WHERE merchant_id = ?`,
		lastProcessed.Format(time.RFC3339), nextScheduled.Format(time.RFC3339),
		time.Now().UTC().Format(time.RFC3339), merchantID,
	)
	return err
}

// UpdateNextScheduled pushes the schedule forward without touching
// last_processed, for sweeps that found nothing to settle.
func (r *ScheduleRepo) UpdateNextScheduled(merchantID string, nextScheduled time.Time) error {
	_, err := r.db.Exec(
		`UPDATE settlement_schedules SET next_scheduled = ?, updated_at = ? WHERE merchant_id = ?`,
		nextScheduled.Format(time.RFC3339), time.Now().UTC().Format(time.RFC3339), merchantID,
	)
	return err
}

const selectSchedule = `SELECT merchant_id, frequency, day_of_week, day_of_month,
	processing_time, minimum_amount, auto_process, active, next_scheduled,
	last_processed, created_at, updated_at
	FROM settlement_schedules`

func scanScheduleFrom(s rowScanner) (*domain.SettlementSchedule, error) {
	var sched domain.SettlementSchedule
	var freq, minAmount, createdAt, updatedAt string
	var dayOfWeek, autoProcess, active int
	var nextScheduled, lastProcessed sql.NullString

	err := s.Scan(
		&sched.MerchantID, &freq, &dayOfWeek, &sched.DayOfMonth,
		&sched.ProcessingTime, &minAmount, &autoProcess, &active,
		&nextScheduled, &lastProcessed, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	sched.Frequency = domain.ScheduleFrequency(freq)
	sched.DayOfWeek = time.Weekday(dayOfWeek)
	sched.AutoProcess = autoProcess == 1
	sched.Active = active == 1
	if sched.MinimumAmount, err = decimal.NewFromString(minAmount); err != nil {
		return nil, fmt.Errorf("parse minimum amount: %w", err)
	}
	sched.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	sched.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	if nextScheduled.Valid {
		t, _ := time.Parse(time.RFC3339, nextScheduled.String)
		sched.NextScheduled = &t
	}
	if lastProcessed.Valid {
		t, _ := time.Parse(time.RFC3339, lastProcessed.String)
		sched.LastProcessed = &t
	}
	return &sched, nil
}
