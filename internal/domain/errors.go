package domain

import "errors"

// Integrity and decision-time errors surfaced to callers as typed failures.
// UserMismatch, Expired and AlreadyRedeemed are not transient; callers must
// not retry them blindly. DuplicateEngagement is resolved by the ledger
// returning the existing award instead of erroring.
var (
	ErrNotFound            = errors.New("record not found")
	ErrInvalidInput        = errors.New("invalid input")
	ErrDuplicateEngagement = errors.New("award already exists for engagement")
	ErrCouponCollision     = errors.New("coupon code collision")
	ErrAlreadyRedeemed     = errors.New("coupon already redeemed")
	ErrCouponExpired       = errors.New("coupon expired")
	ErrUserMismatch        = errors.New("coupon assigned to a different user")
	ErrInvalidTransition   = errors.New("invalid award state transition")
	ErrCampaignNotActive   = errors.New("campaign is not active")
)
