package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type ScheduleFrequency string

const (
	FrequencyDaily    ScheduleFrequency = "daily"
	FrequencyWeekly   ScheduleFrequency = "weekly"
	FrequencyBiWeekly ScheduleFrequency = "biweekly"
	FrequencyMonthly  ScheduleFrequency = "monthly"
	FrequencyManual   ScheduleFrequency = "manual"
)

// SettlementSchedule is the per-merchant recurring settlement configuration.
// DayOfWeek applies to weekly/biweekly, DayOfMonth to monthly. NextScheduled
// is derived and recomputed on every create, update and successful run.
type SettlementSchedule struct {
	MerchantID     string            `json:"merchant_id"`
	Frequency      ScheduleFrequency `json:"frequency"`
	DayOfWeek      time.Weekday      `json:"day_of_week"`
	DayOfMonth     int               `json:"day_of_month"`
	ProcessingTime string            `json:"processing_time"` // "15:04"
	MinimumAmount  decimal.Decimal   `json:"minimum_amount"`
	AutoProcess    bool              `json:"auto_process"`
	Active         bool              `json:"active"`
	NextScheduled  *time.Time        `json:"next_scheduled,omitempty"`
	LastProcessed  *time.Time        `json:"last_processed,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// ProcessingClock returns the configured processing time-of-day, defaulting
// to 08:00 when unset or malformed.
func (s *SettlementSchedule) ProcessingClock() (hour, minute int) {
	if t, err := time.Parse("15:04", s.ProcessingTime); err == nil {
		return t.Hour(), t.Minute()
	}
	return 8, 0
}
