package ledger

// Schema definitions for the Kestrel reward ledger.
// Compatible with both SQLite and PostgreSQL.

const schemaCampaigns = `
CREATE TABLE IF NOT EXISTS campaigns (
    id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    name TEXT,
    total_budget BIGINT NOT NULL,
    cpve BIGINT NOT NULL,
    daily_cap BIGINT NOT NULL,
    start_date TIMESTAMP NOT NULL,
    end_date TIMESTAMP NOT NULL,
    timezone TEXT,
    redemption_window_hours INTEGER NOT NULL DEFAULT 0,
    tiers TEXT NOT NULL,
    rules TEXT,
    version TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    PRIMARY KEY (id, tenant_id)
);

CREATE INDEX IF NOT EXISTS idx_campaigns_tenant ON campaigns(tenant_id);
`

const schemaEngagements = `
CREATE TABLE IF NOT EXISTS engagements (
    id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    user_id TEXT NOT NULL,
    campaign_id TEXT NOT NULL,
    location_id TEXT,
    timestamp TIMESTAMP NOT NULL,
    created_at TIMESTAMP NOT NULL,
    telemetry TEXT,
    PRIMARY KEY (id, tenant_id)
);

CREATE INDEX IF NOT EXISTS idx_engagements_tenant ON engagements(tenant_id);
CREATE INDEX IF NOT EXISTS idx_engagements_user ON engagements(tenant_id, campaign_id, user_id, timestamp);
`

// The awards table is the append-only decision record. The primary key on
// (engagement_id, tenant_id) is the idempotency guarantee: a second commit
// for the same engagement conflicts instead of duplicating.
const schemaAwards = `
CREATE TABLE IF NOT EXISTS awards (
    engagement_id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    user_id TEXT NOT NULL,
    campaign_id TEXT NOT NULL,
    tier_id TEXT,
    amount BIGINT NOT NULL DEFAULT 0,
    risk_score REAL NOT NULL DEFAULT 0,
    action TEXT NOT NULL,
    status TEXT NOT NULL,
    reason TEXT,
    coupon_code TEXT,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (engagement_id, tenant_id)
);

CREATE INDEX IF NOT EXISTS idx_awards_campaign ON awards(tenant_id, campaign_id, status);
CREATE INDEX IF NOT EXISTS idx_awards_spend ON awards(tenant_id, campaign_id, created_at);
CREATE INDEX IF NOT EXISTS idx_awards_user ON awards(tenant_id, user_id);
`

// Coupon codes are globally unique across tenants: the primary key on
// code alone makes any collision a constraint violation.
const schemaCoupons = `
CREATE TABLE IF NOT EXISTS coupons (
    code TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    campaign_id TEXT NOT NULL,
    tier_id TEXT,
    engagement_id TEXT NOT NULL,
    assigned_to TEXT NOT NULL,
    status TEXT NOT NULL,
    expiry TIMESTAMP NOT NULL,
    issued_at TIMESTAMP NOT NULL,
    redeemed_at TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_coupons_tenant ON coupons(tenant_id);
CREATE INDEX IF NOT EXISTS idx_coupons_expiry ON coupons(tenant_id, status, expiry);
CREATE INDEX IF NOT EXISTS idx_coupons_engagement ON coupons(tenant_id, engagement_id);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaCampaigns,
		schemaEngagements,
		schemaAwards,
		schemaCoupons,
	}
}
