package settlement

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/nordpay/settlements/internal/config"
	"github.com/nordpay/settlements/internal/domain"
	"github.com/nordpay/settlements/internal/repository"
)

// NextRunAt computes the next due timestamp for a schedule. Pure function of
// the schedule and now; recomputing from the same inputs always yields the
// same instant. Manual schedules return the zero time.
func NextRunAt(s *domain.SettlementSchedule, now time.Time) time.Time {
	hour, minute := s.ProcessingClock()
	today := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())

	switch s.Frequency {
	case domain.FrequencyDaily:
		if today.After(now) {
			return today
		}
		return today.AddDate(0, 0, 1)

	case domain.FrequencyWeekly, domain.FrequencyBiWeekly:
		offset := (int(s.DayOfWeek) - int(now.Weekday()) + 7) % 7
		candidate := today.AddDate(0, 0, offset)
		if !candidate.After(now) {
			candidate = candidate.AddDate(0, 0, 7)
		}
		// Biweekly cadence: hold off one more week when the previous run
		// was under 14 days before the candidate.
		if s.Frequency == domain.FrequencyBiWeekly && s.LastProcessed != nil {
			if candidate.Sub(*s.LastProcessed) < 14*24*time.Hour {
				candidate = candidate.AddDate(0, 0, 7)
			}
		}
		return candidate

	case domain.FrequencyMonthly:
		day := s.DayOfMonth
		if day < 1 {
			day = 1
		}
		candidate := monthlyOccurrence(now.Year(), now.Month(), day, hour, minute, now.Location())
		if !candidate.After(now) {
			next := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location()).AddDate(0, 1, 0)
			candidate = monthlyOccurrence(next.Year(), next.Month(), day, hour, minute, now.Location())
		}
		return candidate

	default: // manual
		return time.Time{}
	}
}

// monthlyOccurrence clamps the configured day to the month's last day.
func monthlyOccurrence(year int, month time.Month, day, hour, minute int, loc *time.Location) time.Time {
	lastDay := time.Date(year, month, 1, 0, 0, 0, 0, loc).AddDate(0, 1, -1).Day()
	if day > lastDay {
		day = lastDay
	}
	return time.Date(year, month, day, hour, minute, 0, 0, loc)
}

// SweepResult summarises one scheduler pass.
type SweepResult struct {
	Due       int               `json:"due"`
	Settled   int               `json:"settled"`
	Skipped   int               `json:"skipped"`
	Failures  map[string]string `json:"failures,omitempty"`
	SweptAsOf time.Time         `json:"swept_as_of"`
}

// Scheduler fires due per-merchant schedules through the builder/processor
// pipeline.
type Scheduler struct {
	cfg       *config.Config
	schedules *repository.ScheduleRepo
	builder   *Builder
	processor *Processor
	now       func() time.Time
}

func NewScheduler(cfg *config.Config, schedules *repository.ScheduleRepo, builder *Builder, processor *Processor) *Scheduler {
	return &Scheduler{
		cfg:       cfg,
		schedules: schedules,
		builder:   builder,
		processor: processor,
		now:       time.Now,
	}
}

// WithClock fixes the scheduler's notion of now. Tests only.
func (s *Scheduler) WithClock(now func() time.Time) *Scheduler {
	s.now = now
	return s
}

// Reschedule recomputes and persists next_scheduled after a schedule is
// created or edited.
func (s *Scheduler) Reschedule(sched *domain.SettlementSchedule) {
	next := NextRunAt(sched, s.now())
	if next.IsZero() {
		sched.NextScheduled = nil
	} else {
		sched.NextScheduled = &next
	}
}

// Sweep settles every merchant whose schedule is due as of the given
// instant. One merchant's failure never blocks the rest; failures are
// collected per merchant and reported in the result.
func (s *Scheduler) Sweep(ctx context.Context, asOf time.Time) (*SweepResult, error) {
	due, err := s.schedules.ListDue(asOf)
	if err != nil {
		return nil, fmt.Errorf("list due schedules: %w", err)
	}

	result := &SweepResult{
		Due:       len(due),
		Failures:  make(map[string]string),
		SweptAsOf: asOf,
	}

	for i := range due {
		if err := ctx.Err(); err != nil {
			// Every processed merchant is already committed; stop cleanly.
			return result, err
		}
		sched := &due[i]
		if err := s.sweepOne(ctx, sched, asOf, result); err != nil {
			log.Printf("[scheduler] WARNING: merchant %s: %v", sched.MerchantID, err)
			result.Failures[sched.MerchantID] = err.Error()
		}
	}

	log.Printf("[scheduler] sweep done: due=%d settled=%d skipped=%d failed=%d",
		result.Due, result.Settled, result.Skipped, len(result.Failures))
	return result, nil
}

func (s *Scheduler) sweepOne(ctx context.Context, sched *domain.SettlementSchedule, asOf time.Time, result *SweepResult) error {
	from, to := s.window(sched, asOf)
	if !to.After(from) {
		// Nothing to settle yet (ran earlier today); push the schedule on.
		result.Skipped++
		return s.advance(sched, asOf, false)
	}

	outcome, err := s.builder.Build(ctx, BuildRequest{
		MerchantID:    sched.MerchantID,
		From:          from,
		To:            to,
		MinimumAmount: &sched.MinimumAmount,
		AutoProcess:   sched.AutoProcess,
	})
	switch {
	case errors.Is(err, domain.ErrNoEligibleTransactions), errors.Is(err, domain.ErrBelowMinimum):
		result.Skipped++
		return s.advance(sched, asOf, false)
	case err != nil:
		return fmt.Errorf("build: %w", err)
	}

	if sched.AutoProcess && !outcome.Replayed {
		for _, batch := range outcome.Batches {
			if _, err := s.processor.Process(ctx, batch.ID); err != nil {
				// The batch exists and can be retried; still advance the
				// schedule so the merchant is not re-swept immediately.
				if advErr := s.advance(sched, asOf, true); advErr != nil {
					log.Printf("[scheduler] WARNING: advance %s: %v", sched.MerchantID, advErr)
				}
				return fmt.Errorf("process batch %s: %w", batch.ID, err)
			}
		}
	}

	result.Settled++
	return s.advance(sched, asOf, true)
}

// window returns the T-1 settlement window: from the day after the last run
// through the end of yesterday, capped at the configured range ceiling. The
// cap applies to stale schedules too, so a merchant re-enabled after a long
// pause still produces a valid window.
func (s *Scheduler) window(sched *domain.SettlementSchedule, asOf time.Time) (time.Time, time.Time) {
	startOfToday := time.Date(asOf.Year(), asOf.Month(), asOf.Day(), 0, 0, 0, 0, asOf.Location())
	to := startOfToday.Add(-time.Second)
	floor := startOfToday.AddDate(0, 0, -s.cfg.MaxDateRangeDays)

	from := floor
	if sched.LastProcessed != nil {
		lp := *sched.LastProcessed
		from = time.Date(lp.Year(), lp.Month(), lp.Day(), 0, 0, 0, 0, lp.Location()).AddDate(0, 0, 1)
		if from.Before(floor) {
			from = floor
		}
	}
	return from, to
}

// advance persists the recomputed next run. A run that settled a batch also
// moves last_processed; a skip only pushes next_scheduled so the unsettled
// window stays open.
func (s *Scheduler) advance(sched *domain.SettlementSchedule, asOf time.Time, processed bool) error {
	next := NextRunAt(sched, asOf)
	if next.IsZero() {
		// Manual schedules should not be in a sweep, but guard anyway.
		return nil
	}
	if processed {
		if err := s.schedules.MarkProcessed(sched.MerchantID, asOf, next); err != nil {
			return fmt.Errorf("mark processed: %w", err)
		}
		return nil
	}
	if err := s.schedules.UpdateNextScheduled(sched.MerchantID, next); err != nil {
		return fmt.Errorf("update next scheduled: %w", err)
	}
	return nil
}
