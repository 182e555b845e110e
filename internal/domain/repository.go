// Package domain defines the core interfaces and types for Kestrel.
package domain

import (
	"context"
	"time"
)

// Repository defines the interface for the reward ledger and its
// supporting persistence. All methods require tenantID for strict
// multi-tenancy isolation.
type Repository interface {
	// Engagement event operations (velocity source for the risk gate)
	SaveEngagement(ctx context.Context, tenantID string, ev *EngagementEvent) error
	GetEngagement(ctx context.Context, tenantID string, engagementID string) (*EngagementEvent, error)
	CountEngagementsByUser(ctx context.Context, tenantID string, campaignID string, userID string, since time.Time) (int64, error)

	// Campaign configuration snapshots
	SaveCampaign(ctx context.Context, tenantID string, cfg *CampaignConfig) error
	GetCampaign(ctx context.Context, tenantID string, campaignID string) (*CampaignConfig, error)
	ListCampaigns(ctx context.Context, tenantID string) ([]*CampaignConfig, error)

	// Award operations. CommitAward is the idempotent commit point: if an
	// award already exists for the engagement id it returns the existing
	// record with created=false and writes nothing.
	CommitAward(ctx context.Context, tenantID string, award *Award) (result *Award, created bool, err error)
	GetAward(ctx context.Context, tenantID string, engagementID string) (*Award, error)
	AttachCoupon(ctx context.Context, tenantID string, engagementID string, couponCode string) error

	// Spend aggregates recomputed from committed awards. dayStart is the
	// campaign-local start of the current day.
	SpentAggregates(ctx context.Context, tenantID string, campaignID string, dayStart time.Time) (total int64, today int64, err error)
	WinnersPerTier(ctx context.Context, tenantID string, campaignID string) (map[string]int64, error)

	// Coupon operations. SaveCoupon fails with ErrCouponCollision when the
	// code already exists. RedeemCoupon enforces the coupon state machine
	// and the assigned-user check, updating the backing award in the same
	// transaction. ExpireCoupons sweeps assigned coupons past expiry.
	SaveCoupon(ctx context.Context, tenantID string, c *Coupon) error
	GetCoupon(ctx context.Context, tenantID string, code string) (*Coupon, error)
	RedeemCoupon(ctx context.Context, tenantID string, code string, userID string, now time.Time) (*Coupon, error)
	ExpireCoupons(ctx context.Context, tenantID string, now time.Time) (int64, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for ledger initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string

	// SQLite specific
	SQLitePath string

	// PostgreSQL specific
	PostgresHost     string
	PostgresPort     int
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Connection pool settings
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}
