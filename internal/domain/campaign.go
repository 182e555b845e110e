package domain

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// Configuration validation errors, raised at campaign activation.
// A campaign that fails validation is never allowed to go active.
var (
	ErrBadTierTable    = errors.New("tier probabilities must sum to 100")
	ErrMarginViolation = errors.New("expected tier payout must stay below CPVE")
	ErrBadDates        = errors.New("endDate must not be before startDate")
	ErrBadBudget       = errors.New("totalBudget, cpve and dailyCap must be positive")
	ErrBadTimezone     = errors.New("timezone must be a valid IANA zone name")
)

// probSumTolerance is the allowed drift from 100 before normalization is
// refused. Floating configuration (e.g. 33.33 * 3) stays inside this.
const probSumTolerance = 0.5

// RewardTier is a reward bracket with a win probability and fixed payout.
type RewardTier struct {
	ID             string  `json:"tierId"`
	ProbabilityPct float64 `json:"probabilityPct"`
	// PayoutAmount in integer minor units (paise).
	PayoutAmount int64 `json:"payoutAmount"`
	// MaxWinners caps distinct wins for this tier; 0 means unlimited.
	MaxWinners int `json:"maxWinners,omitempty"`
}

// CampaignConfig is the immutable reward configuration for one campaign.
// It is produced by the campaign CRUD module and snapshotted at activation.
type CampaignConfig struct {
	ID       string `json:"campaignId"`
	TenantID string `json:"tenantId"`
	Name     string `json:"name,omitempty"`

	// Currency values in integer minor units.
	TotalBudget int64 `json:"totalBudget"`
	CPVE        int64 `json:"cpve"`
	DailyCap    int64 `json:"dailyCap"`

	StartDate time.Time `json:"startDate"`
	EndDate   time.Time `json:"endDate"`

	// Timezone is the IANA zone that defines the daily-cap boundary.
	// Defaults to UTC when empty.
	Timezone string `json:"timezone,omitempty"`

	// RedemptionWindowHours is how long an issued coupon stays redeemable.
	RedemptionWindowHours int `json:"redemptionWindowHours,omitempty"`

	Tiers []RewardTier      `json:"tiers"`
	Rules []FraudRuleConfig `json:"rules,omitempty"`

	Version   string    `json:"version"`
	CreatedAt time.Time `json:"createdAt"`
}

// ExpectedValue returns the probability-weighted average payout in minor units.
func (c *CampaignConfig) ExpectedValue() float64 {
	var ev float64
	for _, t := range c.Tiers {
		ev += t.ProbabilityPct / 100.0 * float64(t.PayoutAmount)
	}
	return ev
}

// Normalize rescales tier probabilities to sum to exactly 100.
// It must be called at load/activation time, never at draw time.
func (c *CampaignConfig) Normalize() error {
	var sum float64
	for _, t := range c.Tiers {
		sum += t.ProbabilityPct
	}
	if sum <= 0 || math.Abs(sum-100.0) > probSumTolerance {
		return fmt.Errorf("%w: got %.4f", ErrBadTierTable, sum)
	}
	for i := range c.Tiers {
		c.Tiers[i].ProbabilityPct = c.Tiers[i].ProbabilityPct * 100.0 / sum
	}
	return nil
}

// Validate checks every activation-time invariant. All configuration
// errors surface here; none are discovered lazily mid-engagement.
func (c *CampaignConfig) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("campaignId is required")
	}
	if c.TotalBudget <= 0 || c.CPVE <= 0 || c.DailyCap <= 0 {
		return ErrBadBudget
	}
	if c.EndDate.Before(c.StartDate) {
		return ErrBadDates
	}
	if len(c.Tiers) == 0 {
		return fmt.Errorf("at least one reward tier is required")
	}
	for _, t := range c.Tiers {
		if t.ID == "" {
			return fmt.Errorf("tierId is required")
		}
		if t.PayoutAmount < 0 || t.ProbabilityPct < 0 {
			return fmt.Errorf("tier %s: payout and probability must be non-negative", t.ID)
		}
	}
	if err := c.Normalize(); err != nil {
		return err
	}
	if ev := c.ExpectedValue(); ev >= float64(c.CPVE) {
		return fmt.Errorf("%w: EV %.2f >= CPVE %d", ErrMarginViolation, ev, c.CPVE)
	}
	if _, err := c.Location(); err != nil {
		return fmt.Errorf("%w: %q", ErrBadTimezone, c.Timezone)
	}
	return nil
}

// Location resolves the campaign's daily-boundary timezone.
func (c *CampaignConfig) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(c.Timezone)
}

// ActiveAt reports whether now falls inside [startDate, endDate].
// The end date is inclusive to the end of its calendar day.
func (c *CampaignConfig) ActiveAt(now time.Time) bool {
	return !now.Before(c.StartDate) && now.Before(c.EndDate.Add(24*time.Hour))
}

// CampaignDays is the scheduled length in calendar days, inclusive.
func (c *CampaignConfig) CampaignDays() int {
	days := int(math.Ceil(c.EndDate.Sub(c.StartDate).Hours()/24)) + 1
	if days < 1 {
		days = 1
	}
	return days
}

// EngagementTarget is the advisory number of engagements the budget funds.
func (c *CampaignConfig) EngagementTarget() int64 {
	return c.TotalBudget / c.CPVE
}

// DailyTarget is the advisory engagements-per-day pace. It never gates
// admission; only the currency caps do.
func (c *CampaignConfig) DailyTarget() int64 {
	return c.EngagementTarget() / int64(c.CampaignDays())
}

// RedemptionWindow returns the coupon lifetime, defaulting to 7 days.
func (c *CampaignConfig) RedemptionWindow() time.Duration {
	if c.RedemptionWindowHours <= 0 {
		return 7 * 24 * time.Hour
	}
	return time.Duration(c.RedemptionWindowHours) * time.Hour
}
