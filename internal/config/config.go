package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Config carries every tunable threshold of the settlement engine. Components
// receive it at construction; nothing reads process-wide state at runtime.
type Config struct {
	HTTPPort string `yaml:"http_port"`
	DBPath   string `yaml:"db_path"`

	// Builder / validator thresholds.
	DefaultMinimumAmount decimal.Decimal `yaml:"default_minimum_amount"`
	MaxDateRangeDays     int             `yaml:"max_date_range_days"`
	MaxSettlementAgeDays int             `yaml:"max_settlement_age_days"`
	RecentOnboardingDays int             `yaml:"recent_onboarding_days"`
	FailureRateCeiling   float64         `yaml:"failure_rate_ceiling"`
	FailureCountCeiling  int             `yaml:"failure_count_ceiling"`
	FailureWindowDays    int             `yaml:"failure_window_days"`
	FeeVarianceTolerance float64         `yaml:"fee_variance_tolerance"`
	SuspiciousRoundFloor decimal.Decimal `yaml:"suspicious_round_floor"`
	SuspiciousAvgFactor  int             `yaml:"suspicious_avg_factor"`
	AllowWeekendRuns     bool            `yaml:"allow_weekend_runs"`

	// Processor.
	TransferTimeout  time.Duration `yaml:"transfer_timeout"`
	MaxRetries       int           `yaml:"max_retries"`
	RetryBackoffBase time.Duration `yaml:"retry_backoff_base"`

	// Webhook delivery.
	WebhookTimeout        time.Duration `yaml:"webhook_timeout"`
	WebhookMaxAttempts    int           `yaml:"webhook_max_attempts"`
	WebhookBackoffBase    time.Duration `yaml:"webhook_backoff_base"`
	WebhookBackoffCap     time.Duration `yaml:"webhook_backoff_cap"`
	WebhookSyncRetries    int           `yaml:"webhook_sync_retries"`
	WebhookSweepInterval  time.Duration `yaml:"webhook_sweep_interval"`
	ScheduleSweepInterval time.Duration `yaml:"schedule_sweep_interval"`

	// Idempotency.
	IdempotencyBackend string        `yaml:"idempotency_backend"` // "sqlite" or "redis"
	IdempotencyTTL     time.Duration `yaml:"idempotency_ttl"`
	RedisAddr          string        `yaml:"redis_addr"`
}

// Default returns the built-in thresholds. These match the documented
// defaults: 90-day range ceiling, 30-day settlement age, 20% / 5-failure
// eligibility ceilings, 5% fee variance, 5-attempt webhook delivery with
// 5-minute base backoff.
func Default() *Config {
	return &Config{
		HTTPPort: "8080",
		DBPath:   "settlements.db",

		DefaultMinimumAmount: decimal.NewFromInt(100),
		MaxDateRangeDays:     90,
		MaxSettlementAgeDays: 30,
		RecentOnboardingDays: 7,
		FailureRateCeiling:   0.20,
		FailureCountCeiling:  5,
		FailureWindowDays:    7,
		FeeVarianceTolerance: 0.05,
		SuspiciousRoundFloor: decimal.NewFromInt(10000),
		SuspiciousAvgFactor:  10,
		AllowWeekendRuns:     false,

		TransferTimeout:  30 * time.Second,
		MaxRetries:       3,
		RetryBackoffBase: time.Minute,

		WebhookTimeout:        30 * time.Second,
		WebhookMaxAttempts:    5,
		WebhookBackoffBase:    5 * time.Minute,
		WebhookBackoffCap:     6 * time.Hour,
		WebhookSyncRetries:    3,
		WebhookSweepInterval:  time.Minute,
		ScheduleSweepInterval: time.Minute,

		IdempotencyBackend: "sqlite",
		IdempotencyTTL:     24 * time.Hour,
		RedisAddr:          "localhost:6379",
	}
}

// fileConfig is the YAML overlay shape. Durations are Go duration strings
// ("5m", "30s") and amounts decimal strings; absent keys leave the default.
type fileConfig struct {
	HTTPPort *string `yaml:"http_port"`
	DBPath   *string `yaml:"db_path"`

	DefaultMinimumAmount *string  `yaml:"default_minimum_amount"`
	MaxDateRangeDays     *int     `yaml:"max_date_range_days"`
	MaxSettlementAgeDays *int     `yaml:"max_settlement_age_days"`
	RecentOnboardingDays *int     `yaml:"recent_onboarding_days"`
	FailureRateCeiling   *float64 `yaml:"failure_rate_ceiling"`
	FailureCountCeiling  *int     `yaml:"failure_count_ceiling"`
	FailureWindowDays    *int     `yaml:"failure_window_days"`
	FeeVarianceTolerance *float64 `yaml:"fee_variance_tolerance"`
	SuspiciousRoundFloor *string  `yaml:"suspicious_round_floor"`
	SuspiciousAvgFactor  *int     `yaml:"suspicious_avg_factor"`
	AllowWeekendRuns     *bool    `yaml:"allow_weekend_runs"`

	TransferTimeout  *string `yaml:"transfer_timeout"`
	MaxRetries       *int    `yaml:"max_retries"`
	RetryBackoffBase *string `yaml:"retry_backoff_base"`

	WebhookTimeout        *string `yaml:"webhook_timeout"`
	WebhookMaxAttempts    *int    `yaml:"webhook_max_attempts"`
	WebhookBackoffBase    *string `yaml:"webhook_backoff_base"`
	WebhookBackoffCap     *string `yaml:"webhook_backoff_cap"`
	WebhookSyncRetries    *int    `yaml:"webhook_sync_retries"`
	WebhookSweepInterval  *string `yaml:"webhook_sweep_interval"`
	ScheduleSweepInterval *string `yaml:"schedule_sweep_interval"`

	IdempotencyBackend *string `yaml:"idempotency_backend"`
	IdempotencyTTL     *string `yaml:"idempotency_ttl"`
	RedisAddr          *string `yaml:"redis_addr"`
}

func (fc *fileConfig) apply(cfg *Config) error {
	setString := func(dst *string, src *string) {
		if src != nil {
			*dst = *src
		}
	}
	setInt := func(dst *int, src *int) {
		if src != nil {
			*dst = *src
		}
	}
	setDuration := func(dst *time.Duration, src *string) error {
		if src == nil {
			return nil
		}
		d, err := time.ParseDuration(*src)
		if err != nil {
			return fmt.Errorf("parse duration %q: %w", *src, err)
		}
		*dst = d
		return nil
	}
	setDecimal := func(dst *decimal.Decimal, src *string) error {
		if src == nil {
			return nil
		}
		d, err := decimal.NewFromString(*src)
		if err != nil {
			return fmt.Errorf("parse amount %q: %w", *src, err)
		}
		*dst = d
		return nil
	}

	setString(&cfg.HTTPPort, fc.HTTPPort)
	setString(&cfg.DBPath, fc.DBPath)
	setString(&cfg.IdempotencyBackend, fc.IdempotencyBackend)
	setString(&cfg.RedisAddr, fc.RedisAddr)
	setInt(&cfg.MaxDateRangeDays, fc.MaxDateRangeDays)
	setInt(&cfg.MaxSettlementAgeDays, fc.MaxSettlementAgeDays)
	setInt(&cfg.RecentOnboardingDays, fc.RecentOnboardingDays)
	setInt(&cfg.FailureCountCeiling, fc.FailureCountCeiling)
	setInt(&cfg.FailureWindowDays, fc.FailureWindowDays)
	setInt(&cfg.SuspiciousAvgFactor, fc.SuspiciousAvgFactor)
	setInt(&cfg.MaxRetries, fc.MaxRetries)
	setInt(&cfg.WebhookMaxAttempts, fc.WebhookMaxAttempts)
	setInt(&cfg.WebhookSyncRetries, fc.WebhookSyncRetries)
	if fc.FailureRateCeiling != nil {
		cfg.FailureRateCeiling = *fc.FailureRateCeiling
	}
	if fc.FeeVarianceTolerance != nil {
		cfg.FeeVarianceTolerance = *fc.FeeVarianceTolerance
	}
	if fc.AllowWeekendRuns != nil {
		cfg.AllowWeekendRuns = *fc.AllowWeekendRuns
	}
	if err := setDecimal(&cfg.DefaultMinimumAmount, fc.DefaultMinimumAmount); err != nil {
		return err
	}
	if err := setDecimal(&cfg.SuspiciousRoundFloor, fc.SuspiciousRoundFloor); err != nil {
		return err
	}
	for _, d := range []struct {
		dst *time.Duration
		src *string
	}{
		{&cfg.TransferTimeout, fc.TransferTimeout},
		{&cfg.RetryBackoffBase, fc.RetryBackoffBase},
		{&cfg.WebhookTimeout, fc.WebhookTimeout},
		{&cfg.WebhookBackoffBase, fc.WebhookBackoffBase},
		{&cfg.WebhookBackoffCap, fc.WebhookBackoffCap},
		{&cfg.WebhookSweepInterval, fc.WebhookSweepInterval},
		{&cfg.ScheduleSweepInterval, fc.ScheduleSweepInterval},
		{&cfg.IdempotencyTTL, fc.IdempotencyTTL},
	} {
		if err := setDuration(d.dst, d.src); err != nil {
			return err
		}
	}
	return nil
}

// Load builds the configuration from defaults, an optional YAML overlay
// (SETTLEMENT_CONFIG=path) and environment variables, in that order.
func Load() (*Config, error) {
	cfg := Default()

	if path := os.Getenv("SETTLEMENT_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		var fc fileConfig
		if err := yaml.Unmarshal(data, &fc); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
		if err := fc.apply(cfg); err != nil {
			return nil, fmt.Errorf("apply config file %s: %w", path, err)
		}
	}

	cfg.HTTPPort = getEnv("PORT", cfg.HTTPPort)
	cfg.DBPath = getEnv("DB_PATH", cfg.DBPath)
	cfg.IdempotencyBackend = getEnv("IDEMPOTENCY_BACKEND", cfg.IdempotencyBackend)
	cfg.RedisAddr = getEnv("REDIS_ADDR", cfg.RedisAddr)
	cfg.MaxDateRangeDays = getEnvInt("MAX_DATE_RANGE_DAYS", cfg.MaxDateRangeDays)
	cfg.MaxSettlementAgeDays = getEnvInt("MAX_SETTLEMENT_AGE_DAYS", cfg.MaxSettlementAgeDays)
	cfg.WebhookMaxAttempts = getEnvInt("WEBHOOK_MAX_ATTEMPTS", cfg.WebhookMaxAttempts)
	cfg.MaxRetries = getEnvInt("SETTLEMENT_MAX_RETRIES", cfg.MaxRetries)
	cfg.TransferTimeout = getEnvDuration("TRANSFER_TIMEOUT", cfg.TransferTimeout)
	cfg.WebhookTimeout = getEnvDuration("WEBHOOK_TIMEOUT", cfg.WebhookTimeout)
	cfg.IdempotencyTTL = getEnvDuration("IDEMPOTENCY_TTL", cfg.IdempotencyTTL)
	cfg.ScheduleSweepInterval = getEnvDuration("SCHEDULE_SWEEP_INTERVAL", cfg.ScheduleSweepInterval)
	cfg.WebhookSweepInterval = getEnvDuration("WEBHOOK_SWEEP_INTERVAL", cfg.WebhookSweepInterval)

	if cfg.IdempotencyBackend != "sqlite" && cfg.IdempotencyBackend != "redis" {
		return nil, fmt.Errorf("unknown idempotency backend %q", cfg.IdempotencyBackend)
	}
	return cfg, nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	return def
}
