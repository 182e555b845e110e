// Package coupon issues and redeems reward coupons.
package coupon

import (
	"context"
	"crypto/rand"
	"fmt"
	"time"

	"github.com/brandreach/kestrel/internal/domain"
)

// codeAlphabet excludes easily confused characters (0/O, 1/I/L).
const codeAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"

// Issuer creates unique coupon codes and drives the redemption lifecycle.
type Issuer struct {
	repo domain.Repository
}

// NewIssuer creates a coupon issuer backed by the ledger.
func NewIssuer(repo domain.Repository) *Issuer {
	return &Issuer{repo: repo}
}

// GenerateCode returns a fresh coupon code of the form KST-XXXX-XXXX.
// The 8 random characters over a 31-letter alphabet give ~40 bits of
// entropy, so a collision indicates a broken entropy source and is
// treated as fatal by Issue, never retried.
func GenerateCode() (string, error) {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	for i := range buf {
		buf[i] = codeAlphabet[int(buf[i])%len(codeAlphabet)]
	}
	return fmt.Sprintf("KST-%s-%s", buf[:4], buf[4:]), nil
}

// Issue creates a coupon for an awarded engagement and attaches its code
// to the award record. The expiry is the campaign's redemption window
// from the time of issue.
func (i *Issuer) Issue(ctx context.Context, tenantID string, award *domain.Award, cfg *domain.CampaignConfig, now time.Time) (*domain.Coupon, error) {
	code, err := GenerateCode()
	if err != nil {
		return nil, err
	}

	c := &domain.Coupon{
		Code:         code,
		TenantID:     tenantID,
		CampaignID:   award.CampaignID,
		TierID:       award.TierID,
		EngagementID: award.EngagementID,
		AssignedTo:   award.UserID,
		Status:       domain.CouponAssigned,
		Expiry:       now.Add(cfg.RedemptionWindow()),
		IssuedAt:     now,
	}

	if err := i.repo.SaveCoupon(ctx, tenantID, c); err != nil {
		return nil, err
	}

	if err := i.repo.AttachCoupon(ctx, tenantID, award.EngagementID, code); err != nil {
		return nil, fmt.Errorf("failed to attach coupon to award: %w", err)
	}

	return c, nil
}

// Redeem transitions a coupon to redeemed for the assigned user.
// All failures are typed domain errors and safe to surface to the API.
func (i *Issuer) Redeem(ctx context.Context, tenantID string, code string, userID string, now time.Time) (*domain.Coupon, error) {
	if code == "" || userID == "" {
		return nil, fmt.Errorf("%w: code and userId are required", domain.ErrInvalidInput)
	}
	return i.repo.RedeemCoupon(ctx, tenantID, code, userID, now)
}

// ExpireDue sweeps assigned coupons whose redemption window has passed.
// Returns the number of coupons expired.
func (i *Issuer) ExpireDue(ctx context.Context, tenantID string, now time.Time) (int64, error) {
	return i.repo.ExpireCoupons(ctx, tenantID, now)
}
