package domain

import (
	"time"
)

// CouponStatus is the lifecycle state of a coupon.
//
// created unused -> assigned when bound to an award -> redeemed (terminal)
// or expired (terminal, after expiry passes unredeemed).
type CouponStatus string

const (
	CouponUnused   CouponStatus = "unused"
	CouponAssigned CouponStatus = "assigned"
	CouponRedeemed CouponStatus = "redeemed"
	CouponExpired  CouponStatus = "expired"
)

// Terminal reports whether no further transition is allowed from s.
func (s CouponStatus) Terminal() bool {
	return s == CouponRedeemed || s == CouponExpired
}

// Coupon is a unique redemption code bound one-to-one to an awarded Award.
// It back-references the award by engagement id; the ledger owns the award.
type Coupon struct {
	Code         string `json:"couponCode"`
	TenantID     string `json:"tenantId"`
	CampaignID   string `json:"campaignId"`
	TierID       string `json:"tierId,omitempty"`
	EngagementID string `json:"engagementId"`

	// AssignedTo is the user who may redeem this coupon.
	AssignedTo string `json:"assignedTo"`

	Status CouponStatus `json:"status"`

	Expiry     time.Time  `json:"expiry"`
	IssuedAt   time.Time  `json:"issuedAt"`
	RedeemedAt *time.Time `json:"redeemedAt,omitempty"`
}

// RedeemRequest is the API request payload for POST /coupons/{code}/redeem.
type RedeemRequest struct {
	UserID string `json:"userId"`
}
