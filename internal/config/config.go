// Package config defines service configuration structures and loading hooks.
//
// Conventions:
//   - New(ctx) builds a Config with defaults, Load(ctx) layers file and env on top.
//   - Money values are strings so they parse exactly into decimals.
//   - External errors are wrapped with this package's sentinels.
package config

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// Config contains process configuration.
type Config struct {
	// LogLevel controls verbosity: debug, info, warn, error.
	LogLevel string `koanf:"log_level"`
	// LogFormat selects text or json output.
	LogFormat string `koanf:"log_format"`

	// Addr configures the HTTP listen address, e.g. ":8080".
	Addr string `koanf:"addr"`
	// JWTSecret enables bearer authentication on worker routes when set.
	JWTSecret string `koanf:"jwt_secret"`

	// DatabaseDriver is "sqlite" or "mysql".
	DatabaseDriver string `koanf:"database_driver"`
	DatabaseDSN    string `koanf:"database_dsn"`

	// RedisAddr enables the distributed sweep lock when set.
	RedisAddr     string `koanf:"redis_addr"`
	RedisPassword string `koanf:"redis_password"`

	// FanOut is the number of independent answers collected per task (K).
	FanOut int `koanf:"fan_out"`
	// MinAgreement is the smallest winning count that counts as consensus.
	MinAgreement int `koanf:"min_agreement"`
	// MaxHeldTasks caps unanswered tasks a worker may hold per type; 0 means FanOut.
	MaxHeldTasks int `koanf:"max_held_tasks"`
	// GoldenRate is the probability a request is served a golden item.
	GoldenRate float64 `koanf:"golden_rate"`
	// TypeMinVerification maps task type to the verification level it requires.
	TypeMinVerification map[string]int `koanf:"type_min_verification"`

	PointsPerUSD         int64  `koanf:"points_per_usd"`
	MinRedemptionPoints  int64  `koanf:"min_redemption_points"`
	PoolShare            string `koanf:"pool_share"`
	PointsExpiryMonths   int    `koanf:"points_expiry_months"`
	ActiveWindowDays     int    `koanf:"active_window_days"`
	TaskCompletionPoints int64  `koanf:"task_completion_points"`
	GoldenBonusPoints    int64  `koanf:"golden_bonus_points"`
	QualityBonusPoints   int64  `koanf:"quality_bonus_points"`

	// StreakMilestones maps day counts to USD bonuses.
	StreakMilestones map[string]string `koanf:"streak_milestones"`
	// StreakPoints maps day counts to bonus points awarded alongside the payout.
	StreakPoints map[string]int64 `koanf:"streak_points"`

	ReferralThreshold   int64  `koanf:"referral_threshold"`
	ReferrerBonusUSD    string `koanf:"referrer_bonus_usd"`
	RefereeBonusUSD     string `koanf:"referee_bonus_usd"`
	ReferralBonusPoints int64  `koanf:"referral_bonus_points"`
	MinTaskPriceUSD     string `koanf:"min_task_price_usd"`
	MaxTasksPerProject  int    `koanf:"max_tasks_per_project"`

	// RailMode is "simulated" or "http".
	RailMode       string        `koanf:"rail_mode"`
	RailURL        string        `koanf:"rail_url"`
	RailClientID   string        `koanf:"rail_client_id"`
	RailSecret     string        `koanf:"rail_secret"`
	SendTimeout    time.Duration `koanf:"send_timeout"`
	ConfirmTimeout time.Duration `koanf:"confirm_timeout"`

	// PayoutQueueSize bounds the in-memory payout queue.
	PayoutQueueSize int `koanf:"payout_queue_size"`
	// PayoutWorkers sets the number of payout executors.
	PayoutWorkers int `koanf:"payout_workers"`
	// DedupeSize bounds the in-flight payout deduper.
	DedupeSize        int           `koanf:"dedupe_size"`
	PayoutLease       time.Duration `koanf:"payout_lease"`
	MaxPayoutAttempts int           `koanf:"max_payout_attempts"`

	SweepInterval time.Duration `koanf:"sweep_interval"`
	SweepBatch    int           `koanf:"sweep_batch"`
}

// New creates a Config with defaults.
func New(_ context.Context) *Config {
	return &Config{
		LogLevel:       "info",
		LogFormat:      "text",
		Addr:           ":9080",
		DatabaseDriver: "sqlite",
		DatabaseDSN:    "file:bawo.db?cache=shared&_busy_timeout=5000",

		FanOut:       3,
		MinAgreement: 2,
		GoldenRate:   0.10,
		TypeMinVerification: map[string]int{
			"sentiment":      0,
			"classification": 0,
			"rlhf":           2,
		},

		PointsPerUSD:         100,
		MinRedemptionPoints:  1000,
		PoolShare:            "0.20",
		PointsExpiryMonths:   12,
		ActiveWindowDays:     30,
		TaskCompletionPoints: 5,
		GoldenBonusPoints:    2,
		QualityBonusPoints:   100,

		StreakMilestones: map[string]string{"7": "0.50", "30": "5.00"},
		StreakPoints:     map[string]int64{"7": 50, "30": 300},

		ReferralThreshold:   10,
		ReferrerBonusUSD:    "1.00",
		RefereeBonusUSD:     "0.50",
		ReferralBonusPoints: 100,
		MinTaskPriceUSD:     "0.05",
		MaxTasksPerProject:  10_000,

		RailMode:       "simulated",
		SendTimeout:    10 * time.Second,
		ConfirmTimeout: 30 * time.Second,

		PayoutQueueSize:   10_000,
		PayoutWorkers:     runtime.NumCPU() * 2,
		DedupeSize:        50_000,
		PayoutLease:       2 * time.Minute,
		MaxPayoutAttempts: 5,

		SweepInterval: 30 * time.Second,
		SweepBatch:    200,
	}
}

// Milestone is a streak length and the bonus it pays.
type Milestone struct {
	Days   int
	Amount decimal.Decimal
	Points int64
}

// Milestones returns the configured streak milestones sorted by day count.
func (c *Config) Milestones() ([]Milestone, error) {
	out := make([]Milestone, 0, len(c.StreakMilestones))
	for k, v := range c.StreakMilestones {
		days, err := strconv.Atoi(k)
		if err != nil || days <= 0 {
			return nil, fmt.Errorf("%w: streak milestone %q", ErrInvalidConfig, k)
		}
		amt, err := decimal.NewFromString(v)
		if err != nil || !amt.IsPositive() {
			return nil, fmt.Errorf("%w: streak milestone amount %q", ErrInvalidConfig, v)
		}
		out = append(out, Milestone{Days: days, Amount: amt, Points: c.StreakPoints[k]})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Days < out[j].Days })
	return out, nil
}

// Money parses a decimal USD field by its koanf key name for error reporting.
func Money(name, v string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(v)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %s=%q", ErrInvalidConfig, name, v)
	}
	if d.IsNegative() {
		return decimal.Zero, fmt.Errorf("%w: %s must not be negative", ErrInvalidConfig, name)
	}
	return d, nil
}

// HeldLimit returns the per-type held-task cap.
func (c *Config) HeldLimit() int {
	if c.MaxHeldTasks > 0 {
		return c.MaxHeldTasks
	}
	return c.FanOut
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	switch {
	case c.Addr == "":
		return fmt.Errorf("%w: addr must not be empty", ErrInvalidConfig)
	case c.FanOut < 1:
		return fmt.Errorf("%w: fan_out must be positive", ErrInvalidConfig)
	case c.MinAgreement < 1 || c.MinAgreement > c.FanOut:
		return fmt.Errorf("%w: min_agreement must be within [1, fan_out]", ErrInvalidConfig)
	case c.GoldenRate < 0 || c.GoldenRate > 1:
		return fmt.Errorf("%w: golden_rate must be within [0, 1]", ErrInvalidConfig)
	case c.PointsPerUSD <= 0:
		return fmt.Errorf("%w: points_per_usd must be positive", ErrInvalidConfig)
	case c.MinRedemptionPoints <= 0:
		return fmt.Errorf("%w: min_redemption_points must be positive", ErrInvalidConfig)
	case c.PointsExpiryMonths <= 0:
		return fmt.Errorf("%w: points_expiry_months must be positive", ErrInvalidConfig)
	case c.DatabaseDriver != "sqlite" && c.DatabaseDriver != "mysql":
		return fmt.Errorf("%w: unknown database_driver %q", ErrInvalidConfig, c.DatabaseDriver)
	case c.RailMode != "simulated" && c.RailMode != "http":
		return fmt.Errorf("%w: unknown rail_mode %q", ErrInvalidConfig, c.RailMode)
	case c.RailMode == "http" && c.RailURL == "":
		return fmt.Errorf("%w: rail_url is required for the http rail", ErrInvalidConfig)
	case c.SendTimeout <= 0 || c.ConfirmTimeout <= 0:
		return fmt.Errorf("%w: rail timeouts must be positive", ErrInvalidConfig)
	}

	share, err := Money("pool_share", c.PoolShare)
	if err != nil {
		return err
	}
	if share.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("%w: pool_share must not exceed 1", ErrInvalidConfig)
	}
	for name, v := range map[string]string{
		"referrer_bonus_usd": c.ReferrerBonusUSD,
		"referee_bonus_usd":  c.RefereeBonusUSD,
		"min_task_price_usd": c.MinTaskPriceUSD,
	} {
		if _, err := Money(name, v); err != nil {
			return err
		}
	}
	if _, err := c.Milestones(); err != nil {
		return err
	}
	return nil
}
