// Package ledger provides the SQL-backed reward ledger.
package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/brandreach/kestrel/internal/domain"
)

// SQLLedger implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLLedger struct {
	db     *sql.DB
	driver string
}

// New creates a new ledger based on configuration.
func New(cfg domain.RepositoryConfig) (domain.Repository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	l := &SQLLedger{
		db:     db,
		driver: cfg.Driver,
	}

	// Run migrations
	if err := l.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return l, nil
}

func (l *SQLLedger) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := l.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// SaveEngagement stores an engagement event with tenant isolation.
func (l *SQLLedger) SaveEngagement(ctx context.Context, tenantID string, ev *domain.EngagementEvent) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}

	telemetry, _ := json.Marshal(ev.Telemetry)

	query := `
		INSERT INTO engagements (
			id, tenant_id, user_id, campaign_id, location_id,
			timestamp, created_at, telemetry
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id, tenant_id) DO NOTHING
	`

	_, err := l.db.ExecContext(ctx, l.rebind(query),
		ev.ID, tenantID, ev.UserID, ev.CampaignID, ev.LocationID,
		ev.Timestamp, ev.CreatedAt, string(telemetry),
	)
	return err
}

// GetEngagement retrieves an engagement event with tenant isolation.
func (l *SQLLedger) GetEngagement(ctx context.Context, tenantID string, engagementID string) (*domain.EngagementEvent, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, user_id, campaign_id, location_id,
		       timestamp, created_at, telemetry
		FROM engagements
		WHERE tenant_id = ? AND id = ?
	`

	var ev domain.EngagementEvent
	var locationID, telemetry sql.NullString

	err := l.db.QueryRowContext(ctx, l.rebind(query), tenantID, engagementID).Scan(
		&ev.ID, &ev.TenantID, &ev.UserID, &ev.CampaignID, &locationID,
		&ev.Timestamp, &ev.CreatedAt, &telemetry,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	ev.LocationID = locationID.String
	if telemetry.String != "" {
		json.Unmarshal([]byte(telemetry.String), &ev.Telemetry)
	}

	return &ev, nil
}

// CountEngagementsByUser counts a user's engagements for a campaign since
// the given time. This feeds the velocity context of the risk gate.
func (l *SQLLedger) CountEngagementsByUser(ctx context.Context, tenantID string, campaignID string, userID string, since time.Time) (int64, error) {
	if tenantID == "" {
		return 0, fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}

	query := `
		SELECT COUNT(*) FROM engagements
		WHERE tenant_id = ? AND campaign_id = ? AND user_id = ? AND timestamp >= ?
	`

	var count int64
	err := l.db.QueryRowContext(ctx, l.rebind(query), tenantID, campaignID, userID, since).Scan(&count)
	return count, err
}

// SaveCampaign stores a campaign configuration snapshot.
func (l *SQLLedger) SaveCampaign(ctx context.Context, tenantID string, cfg *domain.CampaignConfig) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}

	tiers, _ := json.Marshal(cfg.Tiers)
	rules, _ := json.Marshal(cfg.Rules)

	query := `
		INSERT INTO campaigns (
			id, tenant_id, name, total_budget, cpve, daily_cap,
			start_date, end_date, timezone, redemption_window_hours,
			tiers, rules, version, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id, tenant_id) DO UPDATE SET
			name = excluded.name,
			total_budget = excluded.total_budget,
			cpve = excluded.cpve,
			daily_cap = excluded.daily_cap,
			start_date = excluded.start_date,
			end_date = excluded.end_date,
			timezone = excluded.timezone,
			redemption_window_hours = excluded.redemption_window_hours,
			tiers = excluded.tiers,
			rules = excluded.rules,
			version = excluded.version
	`

	_, err := l.db.ExecContext(ctx, l.rebind(query),
		cfg.ID, tenantID, cfg.Name, cfg.TotalBudget, cfg.CPVE, cfg.DailyCap,
		cfg.StartDate, cfg.EndDate, cfg.Timezone, cfg.RedemptionWindowHours,
		string(tiers), string(rules), cfg.Version, cfg.CreatedAt,
	)
	return err
}

// GetCampaign retrieves a campaign configuration snapshot.
func (l *SQLLedger) GetCampaign(ctx context.Context, tenantID string, campaignID string) (*domain.CampaignConfig, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, name, total_budget, cpve, daily_cap,
		       start_date, end_date, timezone, redemption_window_hours,
		       tiers, rules, version, created_at
		FROM campaigns
		WHERE tenant_id = ? AND id = ?
	`

	row := l.db.QueryRowContext(ctx, l.rebind(query), tenantID, campaignID)
	cfg, err := scanCampaign(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	return cfg, err
}

// ListCampaigns retrieves all campaign snapshots for a tenant.
func (l *SQLLedger) ListCampaigns(ctx context.Context, tenantID string) ([]*domain.CampaignConfig, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, name, total_budget, cpve, daily_cap,
		       start_date, end_date, timezone, redemption_window_hours,
		       tiers, rules, version, created_at
		FROM campaigns
		WHERE tenant_id = ?
		ORDER BY id
	`

	rows, err := l.db.QueryContext(ctx, l.rebind(query), tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var campaigns []*domain.CampaignConfig
	for rows.Next() {
		cfg, err := scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		campaigns = append(campaigns, cfg)
	}

	return campaigns, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCampaign(row rowScanner) (*domain.CampaignConfig, error) {
	var cfg domain.CampaignConfig
	var name, timezone, tiers, rules sql.NullString

	err := row.Scan(
		&cfg.ID, &cfg.TenantID, &name, &cfg.TotalBudget, &cfg.CPVE, &cfg.DailyCap,
		&cfg.StartDate, &cfg.EndDate, &timezone, &cfg.RedemptionWindowHours,
		&tiers, &rules, &cfg.Version, &cfg.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	cfg.Name = name.String
	cfg.Timezone = timezone.String
	if tiers.String != "" {
		if err := json.Unmarshal([]byte(tiers.String), &cfg.Tiers); err != nil {
			return nil, fmt.Errorf("failed to parse tier table for %s: %w", cfg.ID, err)
		}
	}
	if rules.String != "" {
		json.Unmarshal([]byte(rules.String), &cfg.Rules)
	}

	return &cfg, nil
}

// CommitAward writes the award record for an engagement. The insert is
// guarded by the primary key on (engagement_id, tenant_id): when an award
// already exists, nothing is written and the existing record is returned
// with created=false. Retries of the full pipeline are therefore safe.
func (l *SQLLedger) CommitAward(ctx context.Context, tenantID string, award *domain.Award) (*domain.Award, bool, error) {
	if tenantID == "" {
		return nil, false, fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}

	query := `
		INSERT INTO awards (
			engagement_id, tenant_id, user_id, campaign_id, tier_id,
			amount, risk_score, action, status, reason, coupon_code,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (engagement_id, tenant_id) DO NOTHING
	`

	res, err := l.db.ExecContext(ctx, l.rebind(query),
		award.EngagementID, tenantID, award.UserID, award.CampaignID, award.TierID,
		award.Amount, award.RiskScore, string(award.Action), string(award.Status),
		award.Reason, award.CouponCode, award.CreatedAt, award.UpdatedAt,
	)
	if err != nil {
		return nil, false, err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, err
	}
	if n > 0 {
		return award, true, nil
	}

	existing, err := l.GetAward(ctx, tenantID, award.EngagementID)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", domain.ErrDuplicateEngagement, err)
	}
	return existing, false, nil
}

// GetAward retrieves an award by engagement id with tenant isolation.
func (l *SQLLedger) GetAward(ctx context.Context, tenantID string, engagementID string) (*domain.Award, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}

	query := `
		SELECT engagement_id, tenant_id, user_id, campaign_id, tier_id,
		       amount, risk_score, action, status, reason, coupon_code,
		       created_at, updated_at
		FROM awards
		WHERE tenant_id = ? AND engagement_id = ?
	`

	var a domain.Award
	var tierID, reason, couponCode sql.NullString
	var action, status string

	err := l.db.QueryRowContext(ctx, l.rebind(query), tenantID, engagementID).Scan(
		&a.EngagementID, &a.TenantID, &a.UserID, &a.CampaignID, &tierID,
		&a.Amount, &a.RiskScore, &action, &status, &reason, &couponCode,
		&a.CreatedAt, &a.UpdatedAt,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	a.TierID = tierID.String
	a.Reason = reason.String
	a.CouponCode = couponCode.String
	a.Action = domain.GateAction(action)
	a.Status = domain.AwardStatus(status)

	return &a, nil
}

// AttachCoupon binds an issued coupon code to its award.
func (l *SQLLedger) AttachCoupon(ctx context.Context, tenantID string, engagementID string, couponCode string) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}

	query := `
		UPDATE awards
		SET coupon_code = ?, updated_at = ?
		WHERE tenant_id = ? AND engagement_id = ?
	`

	res, err := l.db.ExecContext(ctx, l.rebind(query), couponCode, time.Now().UTC(), tenantID, engagementID)
	if err != nil {
		return err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// spendStatuses are the award states that count as committed spend.
const spendStatuses = `('awarded', 'redeemed', 'expired')`

// SpentAggregates recomputes committed spend from the awards table.
func (l *SQLLedger) SpentAggregates(ctx context.Context, tenantID string, campaignID string, dayStart time.Time) (int64, int64, error) {
	if tenantID == "" {
		return 0, 0, fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}

	query := `
		SELECT COALESCE(SUM(amount), 0),
		       COALESCE(SUM(CASE WHEN created_at >= ? THEN amount ELSE 0 END), 0)
		FROM awards
		WHERE tenant_id = ? AND campaign_id = ? AND status IN ` + spendStatuses

	var total, today int64
	err := l.db.QueryRowContext(ctx, l.rebind(query), dayStart, tenantID, campaignID).Scan(&total, &today)
	return total, today, err
}

// WinnersPerTier counts committed awards per tier for a campaign.
func (l *SQLLedger) WinnersPerTier(ctx context.Context, tenantID string, campaignID string) (map[string]int64, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}

	query := `
		SELECT tier_id, COUNT(*)
		FROM awards
		WHERE tenant_id = ? AND campaign_id = ? AND tier_id IS NOT NULL AND tier_id != ''
		  AND status IN ` + spendStatuses + `
		GROUP BY tier_id
	`

	rows, err := l.db.QueryContext(ctx, l.rebind(query), tenantID, campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	winners := make(map[string]int64)
	for rows.Next() {
		var tierID string
		var count int64
		if err := rows.Scan(&tierID, &count); err != nil {
			return nil, err
		}
		winners[tierID] = count
	}

	return winners, rows.Err()
}

// SaveCoupon stores a coupon. The global primary key on code turns any
// collision into ErrCouponCollision; the caller must treat that as fatal,
// not retry into a duplicate.
func (l *SQLLedger) SaveCoupon(ctx context.Context, tenantID string, c *domain.Coupon) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}

	query := `
		INSERT INTO coupons (
			code, tenant_id, campaign_id, tier_id, engagement_id,
			assigned_to, status, expiry, issued_at, redeemed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (code) DO NOTHING
	`

	res, err := l.db.ExecContext(ctx, l.rebind(query),
		c.Code, tenantID, c.CampaignID, c.TierID, c.EngagementID,
		c.AssignedTo, string(c.Status), c.Expiry, c.IssuedAt, c.RedeemedAt,
	)
	if err != nil {
		return err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", domain.ErrCouponCollision, c.Code)
	}
	return nil
}

// GetCoupon retrieves a coupon by code with tenant isolation.
func (l *SQLLedger) GetCoupon(ctx context.Context, tenantID string, code string) (*domain.Coupon, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}

	query := `
		SELECT code, tenant_id, campaign_id, tier_id, engagement_id,
		       assigned_to, status, expiry, issued_at, redeemed_at
		FROM coupons
		WHERE tenant_id = ? AND code = ?
	`

	var c domain.Coupon
	var tierID sql.NullString
	var status string
	var redeemedAt sql.NullTime

	err := l.db.QueryRowContext(ctx, l.rebind(query), tenantID, code).Scan(
		&c.Code, &c.TenantID, &c.CampaignID, &tierID, &c.EngagementID,
		&c.AssignedTo, &status, &c.Expiry, &c.IssuedAt, &redeemedAt,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	c.TierID = tierID.String
	c.Status = domain.CouponStatus(status)
	if redeemedAt.Valid {
		t := redeemedAt.Time
		c.RedeemedAt = &t
	}

	return &c, nil
}

// RedeemCoupon transitions an assigned coupon to redeemed and its award to
// redeemed in one transaction. Failures are typed and non-transient:
// ErrNotFound, ErrAlreadyRedeemed, ErrCouponExpired, ErrUserMismatch.
func (l *SQLLedger) RedeemCoupon(ctx context.Context, tenantID string, code string, userID string, now time.Time) (*domain.Coupon, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}

	coupon, err := l.GetCoupon(ctx, tenantID, code)
	if err != nil {
		return nil, err
	}

	switch coupon.Status {
	case domain.CouponRedeemed:
		return nil, domain.ErrAlreadyRedeemed
	case domain.CouponExpired:
		return nil, domain.ErrCouponExpired
	}
	if now.After(coupon.Expiry) {
		return nil, domain.ErrCouponExpired
	}
	if coupon.AssignedTo != userID {
		return nil, domain.ErrUserMismatch
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	// Status guard in the UPDATE catches a concurrent redemption that won
	// the race between our read and this write.
	res, err := tx.ExecContext(ctx, l.rebind(`
		UPDATE coupons
		SET status = ?, redeemed_at = ?
		WHERE tenant_id = ? AND code = ? AND status = ?
	`), string(domain.CouponRedeemed), now, tenantID, code, string(domain.CouponAssigned))
	if err != nil {
		return nil, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, domain.ErrAlreadyRedeemed
	}

	if _, err := tx.ExecContext(ctx, l.rebind(`
		UPDATE awards
		SET status = ?, updated_at = ?
		WHERE tenant_id = ? AND engagement_id = ? AND status = ?
	`), string(domain.StatusRedeemed), now, tenantID, coupon.EngagementID, string(domain.StatusAwarded)); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	coupon.Status = domain.CouponRedeemed
	coupon.RedeemedAt = &now
	return coupon, nil
}

// ExpireCoupons sweeps assigned coupons past expiry, transitioning the
// coupon and its award to expired. Redeemed coupons are never touched.
func (l *SQLLedger) ExpireCoupons(ctx context.Context, tenantID string, now time.Time) (int64, error) {
	if tenantID == "" {
		return 0, fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	// Awards first, while the coupons are still marked assigned.
	if _, err := tx.ExecContext(ctx, l.rebind(`
		UPDATE awards
		SET status = ?, updated_at = ?
		WHERE tenant_id = ? AND status = ? AND engagement_id IN (
			SELECT engagement_id FROM coupons
			WHERE tenant_id = ? AND status = ? AND expiry <= ?
		)
	`), string(domain.StatusExpired), now, tenantID, string(domain.StatusAwarded),
		tenantID, string(domain.CouponAssigned), now); err != nil {
		return 0, err
	}

	res, err := tx.ExecContext(ctx, l.rebind(`
		UPDATE coupons
		SET status = ?
		WHERE tenant_id = ? AND status = ? AND expiry <= ?
	`), string(domain.CouponExpired), tenantID, string(domain.CouponAssigned), now)
	if err != nil {
		return 0, err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return n, nil
}

// Ping checks database connectivity.
func (l *SQLLedger) Ping(ctx context.Context) error {
	return l.db.PingContext(ctx)
}

// Close closes the database connection.
func (l *SQLLedger) Close() error {
	return l.db.Close()
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (l *SQLLedger) rebind(query string) string {
	if l.driver != "postgres" {
		return query
	}

	var result []byte
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, '$')
			result = append(result, fmt.Sprintf("%d", n)...)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}
