package domain

import (
	"time"
)

// AwardStatus is the lifecycle state of an award.
//
// State machine:
//
//	pending_risk_check -> {blocked | pending_budget_check}
//	pending_budget_check -> {rejected_budget | awarded}
//	awarded -> {redeemed | expired}
//
// blocked, rejected_budget, redeemed and expired are terminal.
// Only awarded carries a coupon.
type AwardStatus string

const (
	StatusPendingRisk    AwardStatus = "pending_risk_check"
	StatusBlocked        AwardStatus = "blocked"
	StatusPendingBudget  AwardStatus = "pending_budget_check"
	StatusRejectedBudget AwardStatus = "rejected_budget"
	StatusAwarded        AwardStatus = "awarded"
	StatusRedeemed       AwardStatus = "redeemed"
	StatusExpired        AwardStatus = "expired"
)

// Terminal reports whether no further transition is allowed from s.
func (s AwardStatus) Terminal() bool {
	switch s {
	case StatusBlocked, StatusRejectedBudget, StatusRedeemed, StatusExpired:
		return true
	}
	return false
}

// CanTransition reports whether s -> next is a legal transition.
func (s AwardStatus) CanTransition(next AwardStatus) bool {
	switch s {
	case StatusPendingRisk:
		return next == StatusBlocked || next == StatusPendingBudget
	case StatusPendingBudget:
		return next == StatusRejectedBudget || next == StatusAwarded
	case StatusAwarded:
		return next == StatusRedeemed || next == StatusExpired
	}
	return false
}

// Rejection reasons recorded on terminal non-awarded states.
const (
	ReasonBudgetExhausted   = "budget_exhausted"
	ReasonDailyCapExhausted = "daily_cap_exhausted"
	ReasonCampaignInactive  = "campaign_inactive"
	ReasonRiskBlocked       = "risk_blocked"
)

// Award is the canonical record of a reward decision. Exactly one Award
// exists per engagement; the engagement id is the idempotency key.
type Award struct {
	EngagementID string `json:"engagementId"`
	TenantID     string `json:"tenantId"`
	UserID       string `json:"userId"`
	CampaignID   string `json:"campaignId"`

	// TierID is empty for blocked/rejected awards and for the no-tier
	// outcome (all tiers exhausted, zero payout).
	TierID string `json:"tierId,omitempty"`

	// Amount in integer minor units. Zero for non-awarded states.
	Amount int64 `json:"amount"`

	RiskScore float64     `json:"riskScore"`
	Action    GateAction  `json:"action"`
	Status    AwardStatus `json:"status"`
	Reason    string      `json:"reason,omitempty"`

	CouponCode string `json:"couponCode,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// AwardResponse is the API response for a reward decision. End users see
// only coarse eligibility; rule detail stays in the ledger for operators.
type AwardResponse struct {
	EngagementID string      `json:"engagementId"`
	CampaignID   string      `json:"campaignId"`
	Status       AwardStatus `json:"status"`
	TierID       string      `json:"tierId,omitempty"`
	Amount       int64       `json:"amount"`
	CouponCode   string      `json:"couponCode,omitempty"`
	RiskScore    float64     `json:"riskScore"`
	Eligible     bool        `json:"eligible"`
	Reason       string      `json:"reason,omitempty"`
	Metadata     struct {
		TraceID string `json:"traceId"`
		TotalMs int64  `json:"totalMs"`
		Version string `json:"version"`
	} `json:"metadata"`
}

// ToResponse converts an Award to its API shape.
func (a *Award) ToResponse() *AwardResponse {
	return &AwardResponse{
		EngagementID: a.EngagementID,
		CampaignID:   a.CampaignID,
		Status:       a.Status,
		TierID:       a.TierID,
		Amount:       a.Amount,
		CouponCode:   a.CouponCode,
		RiskScore:    a.RiskScore,
		Eligible:     a.Status == StatusAwarded || a.Status == StatusRedeemed,
		Reason:       a.Reason,
	}
}

// PacingSnapshot is the advisory aggregate feed for dashboards.
// The ledger remains authoritative.
type PacingSnapshot struct {
	CampaignID       string           `json:"campaignId"`
	SpentTotal       int64            `json:"spentTotal"`
	SpentToday       int64            `json:"spentToday"`
	RemainingBudget  int64            `json:"remainingBudget"`
	WinnersPerTier   map[string]int64 `json:"winnersPerTier"`
	EngagementTarget int64            `json:"engagementTarget"`
	DailyTarget      int64            `json:"dailyTarget"`
}
