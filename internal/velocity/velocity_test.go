package velocity

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/brandreach/kestrel/internal/cache"
	"github.com/brandreach/kestrel/internal/domain"
	"github.com/brandreach/kestrel/internal/ledger"
)

func TestVelocityService(t *testing.T) {
	// Create temp database
	tmpFile, err := os.CreateTemp("", "velocity-test-*.db")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	tmpPath := tmpFile.Name()
	tmpFile.Close()
	defer os.Remove(tmpPath)

	repo, err := ledger.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: tmpPath,
	})
	if err != nil {
		t.Fatalf("failed to create ledger: %v", err)
	}
	defer repo.Close()

	lruCache := cache.NewLRUCache(100)
	defer lruCache.Close()

	svc := NewService(repo, lruCache)

	ctx := context.Background()
	tenantID := "tenant-001"

	t.Run("EmptyDatabase", func(t *testing.T) {
		count, err := svc.GetEngagementCount(ctx, tenantID, "camp-001", "user-001", 3600)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if count != 0 {
			t.Errorf("expected count 0 for empty database, got %d", count)
		}
	})

	t.Run("WithEngagements", func(t *testing.T) {
		for i := 0; i < 5; i++ {
			ev := &domain.EngagementEvent{
				ID:         fmt.Sprintf("eng-%d", i),
				TenantID:   tenantID,
				UserID:     "user-001",
				CampaignID: "camp-001",
				Timestamp:  time.Now().UTC(),
				CreatedAt:  time.Now().UTC(),
			}
			if err := repo.SaveEngagement(ctx, tenantID, ev); err != nil {
				t.Fatalf("failed to save engagement: %v", err)
			}
		}

		count, err := svc.GetEngagementCount(ctx, tenantID, "camp-001", "user-001", 3600)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if count != 5 {
			t.Errorf("expected count 5, got %d", count)
		}

		// Other campaigns do not contribute to the count.
		count, err = svc.GetEngagementCount(ctx, tenantID, "camp-002", "user-001", 3600)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if count != 0 {
			t.Errorf("expected count 0 for other campaign, got %d", count)
		}

		count, err = svc.GetEngagementCount(ctx, tenantID, "camp-001", "unknown-user", 3600)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if count != 0 {
			t.Errorf("expected count 0 for unknown user, got %d", count)
		}
	})

	t.Run("WindowExcludesOldEngagements", func(t *testing.T) {
		old := &domain.EngagementEvent{
			ID:         "eng-old",
			TenantID:   tenantID,
			UserID:     "user-001",
			CampaignID: "camp-001",
			Timestamp:  time.Now().UTC().Add(-2 * time.Hour),
			CreatedAt:  time.Now().UTC(),
		}
		if err := repo.SaveEngagement(ctx, tenantID, old); err != nil {
			t.Fatalf("failed to save engagement: %v", err)
		}

		count, err := svc.GetEngagementCount(ctx, tenantID, "camp-001", "user-001", 3600)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if count != 5 {
			t.Errorf("expected count 5 inside window, got %d", count)
		}
	})

	t.Run("TenantIsolation", func(t *testing.T) {
		count, err := svc.GetEngagementCount(ctx, "other-tenant", "camp-001", "user-001", 3600)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if count != 0 {
			t.Errorf("expected count 0 for different tenant, got %d", count)
		}
	})

	t.Run("RequiresTenantID", func(t *testing.T) {
		if _, err := svc.GetEngagementCount(ctx, "", "camp-001", "user-001", 3600); err == nil {
			t.Error("expected error for empty tenantID")
		}
	})

	t.Run("RequiresUserID", func(t *testing.T) {
		if _, err := svc.GetEngagementCount(ctx, tenantID, "camp-001", "", 3600); err == nil {
			t.Error("expected error for empty userID")
		}
	})

	t.Run("Bump", func(t *testing.T) {
		for want := int64(1); want <= 3; want++ {
			got, err := svc.Bump(ctx, tenantID, "camp-001", "user-001", time.Minute)
			if err != nil {
				t.Fatalf("Bump failed: %v", err)
			}
			if got != want {
				t.Errorf("expected counter %d, got %d", want, got)
			}
		}
	})
}

func TestBumpWithoutCache(t *testing.T) {
	svc := NewService(nil, nil)
	if _, err := svc.Bump(context.Background(), "tenant", "camp", "user", time.Minute); err != nil {
		t.Errorf("Bump without cache must be a no-op, got %v", err)
	}
}
