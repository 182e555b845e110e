// Package velocity provides engagement velocity calculation.
package velocity

import (
	"context"
	"fmt"
	"time"

	"github.com/brandreach/kestrel/internal/domain"
)

// Service counts a user's recent engagements against a campaign. The
// count feeds the velocity_count variable of gate rule expressions.
type Service struct {
	repo  domain.Repository
	cache domain.Cache
}

// NewService creates a new velocity service.
func NewService(repo domain.Repository, cache domain.Cache) *Service {
	return &Service{
		repo:  repo,
		cache: cache,
	}
}

// GetEngagementCount returns the number of engagements a user submitted
// for a campaign inside the lookback window.
func (s *Service) GetEngagementCount(ctx context.Context, tenantID, campaignID, userID string, windowSecs int) (int64, error) {
	if tenantID == "" || campaignID == "" || userID == "" {
		return 0, fmt.Errorf("tenantID, campaignID and userID are required")
	}

	since := time.Now().Add(-time.Duration(windowSecs) * time.Second)
	return s.repo.CountEngagementsByUser(ctx, tenantID, campaignID, userID, since)
}

// Bump increments the cached rolling counter for a user/campaign pair.
// Best effort: the ledger count remains authoritative, the counter only
// serves operators watching for bursts.
func (s *Service) Bump(ctx context.Context, tenantID, campaignID, userID string, window time.Duration) (int64, error) {
	if s.cache == nil {
		return 0, nil
	}
	key := fmt.Sprintf("velocity:%s:%s", campaignID, userID)
	return s.cache.IncrementCounter(ctx, tenantID, key, window)
}
