// Package engine orchestrates the reward decision pipeline: risk gate,
// tier draw, budget pacing and ledger commit.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/brandreach/kestrel/internal/coupon"
	"github.com/brandreach/kestrel/internal/domain"
	"github.com/brandreach/kestrel/internal/pacing"
	"github.com/brandreach/kestrel/internal/riskgate"
	"github.com/brandreach/kestrel/internal/tierdraw"
	"github.com/brandreach/kestrel/internal/velocity"
)

const engineVersion = "kestrel-1.0"

// Engine runs the decision pipeline for engagement events.
//
// The pipeline is: idempotency check -> risk gate -> tier draw -> budget
// admission -> ledger commit -> coupon issue. The ledger commit is the
// idempotency point; everything before it is recomputable, everything
// after it is best-effort and logged.
type Engine struct {
	repo     domain.Repository
	cache    domain.Cache
	bus      domain.EventBus
	gate     *riskgate.Gate
	selector *tierdraw.Selector
	pacer    *pacing.Pacer
	issuer   *coupon.Issuer
	vel      *velocity.Service
	cfg      domain.EngineConfig
	tracer   trace.Tracer
}

// New creates a decision engine wired to the given backends.
func New(repo domain.Repository, cache domain.Cache, bus domain.EventBus, cfg domain.EngineConfig) (*Engine, error) {
	gate, err := riskgate.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create risk gate: %w", err)
	}

	if cfg.VelocityWindowSecs <= 0 {
		cfg.VelocityWindowSecs = 3600
	}
	if cfg.CampaignCacheTTLSecs <= 0 {
		cfg.CampaignCacheTTLSecs = 60
	}

	return &Engine{
		repo:     repo,
		cache:    cache,
		bus:      bus,
		gate:     gate,
		selector: tierdraw.New(),
		pacer:    pacing.New(),
		issuer:   coupon.NewIssuer(repo),
		vel:      velocity.NewService(repo, cache),
		cfg:      cfg,
		tracer:   otel.Tracer("kestrel-engine"),
	}, nil
}

// ActivateCampaign validates a campaign configuration, persists the
// snapshot and loads it into the gate, selector and pacer. Every
// configuration error surfaces here; none are discovered mid-engagement.
func (e *Engine) ActivateCampaign(ctx context.Context, tenantID string, cfg *domain.CampaignConfig) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrInvalidInput, err)
	}
	if err := e.gate.ValidateRules(cfg.Rules); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
	}

	cfg.TenantID = tenantID
	if cfg.CreatedAt.IsZero() {
		cfg.CreatedAt = time.Now().UTC()
	}
	if err := e.repo.SaveCampaign(ctx, tenantID, cfg); err != nil {
		return fmt.Errorf("failed to persist campaign: %w", err)
	}
	if e.cache != nil {
		_ = e.cache.SetCampaign(ctx, tenantID, cfg, e.campaignTTL())
	}

	return e.loadCampaign(ctx, tenantID, cfg)
}

// loadCampaign installs a campaign into the in-memory components,
// recovering spend and winner counts from the ledger.
func (e *Engine) loadCampaign(ctx context.Context, tenantID string, cfg *domain.CampaignConfig) error {
	if err := e.gate.LoadCampaign(cfg.ID, cfg.Rules); err != nil {
		return err
	}

	winners, err := e.repo.WinnersPerTier(ctx, tenantID, cfg.ID)
	if err != nil {
		return fmt.Errorf("failed to recover winner counts: %w", err)
	}
	e.selector.LoadCampaign(cfg, winners)

	now := time.Now().UTC()
	loc, err := cfg.Location()
	if err != nil {
		return err
	}
	dayStart := dayStartIn(now, loc)

	total, today, err := e.repo.SpentAggregates(ctx, tenantID, cfg.ID, dayStart)
	if err != nil {
		return fmt.Errorf("failed to recover spend aggregates: %w", err)
	}
	if err := e.pacer.LoadCampaign(cfg, total, today, now); err != nil {
		return err
	}

	slog.Info("campaign loaded",
		"campaign_id", cfg.ID,
		"tenant_id", tenantID,
		"rules", e.gate.RulesCount(cfg.ID),
		"spent_total", total,
		"spent_today", today,
	)
	return nil
}

// Decide runs the full decision pipeline for one engagement event.
// Safe to retry: a replayed engagement id returns the original award.
func (e *Engine) Decide(ctx context.Context, tenantID string, req *domain.DecisionRequest) (*domain.AwardResponse, error) {
	start := time.Now()

	ctx, span := e.tracer.Start(ctx, "engine.decide")
	defer span.End()
	span.SetAttributes(
		attribute.String("engagement.id", req.EngagementID),
		attribute.String("campaign.id", req.CampaignID),
	)

	if req.EngagementID == "" || req.UserID == "" || req.CampaignID == "" {
		return nil, fmt.Errorf("%w: engagementId, userId and campaignId are required", domain.ErrInvalidInput)
	}

	// Idempotency short-circuit before any side effect.
	if existing, err := e.repo.GetAward(ctx, tenantID, req.EngagementID); err == nil {
		return e.respond(existing, span, start), nil
	} else if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}

	cfg, err := e.campaign(ctx, tenantID, req.CampaignID)
	if err != nil {
		return nil, err
	}

	ev := req.ToEvent(tenantID)
	if err := e.repo.SaveEngagement(ctx, tenantID, ev); err != nil {
		return nil, fmt.Errorf("failed to persist engagement: %w", err)
	}
	_ = e.publish(ctx, tenantID, domain.TopicEngagementIngested, ev)

	// Advisory burst counter; the ledger count below stays authoritative.
	if _, err := e.vel.Bump(ctx, tenantID, req.CampaignID, req.UserID, time.Duration(e.cfg.VelocityWindowSecs)*time.Second); err != nil {
		slog.Warn("velocity counter bump failed",
			"engagement_id", req.EngagementID,
			"error", err,
		)
	}

	// Velocity is context for the gate; a failed lookup degrades to zero
	// instead of failing the decision.
	velCount, err := e.vel.GetEngagementCount(ctx, tenantID, req.CampaignID, req.UserID, e.cfg.VelocityWindowSecs)
	if err != nil {
		slog.Warn("velocity lookup failed, using zero",
			"engagement_id", req.EngagementID,
			"error", err,
		)
		velCount = 0
	}

	gateRes := e.gate.Evaluate(ctx, &riskgate.Input{
		CampaignID:    req.CampaignID,
		UserID:        req.UserID,
		LocationID:    req.LocationID,
		Telemetry:     req.Telemetry,
		VelocityCount: velCount,
	})
	for _, w := range gateRes.Warnings {
		slog.Warn("gate warning", "engagement_id", req.EngagementID, "warning", w)
	}

	now := time.Now().UTC()
	award := &domain.Award{
		EngagementID: req.EngagementID,
		TenantID:     tenantID,
		UserID:       req.UserID,
		CampaignID:   req.CampaignID,
		RiskScore:    gateRes.RiskScore,
		Action:       gateRes.Action,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if gateRes.Action == domain.ActionBlock {
		award.Status = domain.StatusBlocked
		award.Reason = domain.ReasonRiskBlocked
		resp, err := e.commit(ctx, tenantID, award, nil, span, start)
		if err != nil {
			return nil, err
		}
		_ = e.publish(ctx, tenantID, domain.TopicAlert, gateAlert(req, gateRes))
		return resp, nil
	}

	// flag and alert proceed to the draw; the elevated score and fired
	// rules stay on the record for operators.
	if gateRes.Action != domain.ActionAllow {
		_ = e.publish(ctx, tenantID, domain.TopicAlert, gateAlert(req, gateRes))
	}

	tier, won, err := e.selector.Draw(req.CampaignID, req.EngagementID)
	if err != nil {
		return nil, err
	}

	var amount int64
	if won {
		award.TierID = tier.ID
		amount = tier.PayoutAmount
	}

	res, err := e.pacer.Admit(req.CampaignID, amount, now)
	if err != nil {
		// The drawn slot stays reserved only for a committed award.
		if won {
			e.selector.ReleaseWin(req.CampaignID, tier.ID)
		}
		reason, rejErr := rejectionReason(err)
		if rejErr != nil {
			return nil, rejErr
		}
		award.TierID = ""
		award.Status = domain.StatusRejectedBudget
		award.Reason = reason
		return e.commit(ctx, tenantID, award, nil, span, start)
	}

	award.Status = domain.StatusAwarded
	award.Amount = amount

	resp, err := e.commit(ctx, tenantID, award, res, span, start)
	if err != nil {
		return nil, err
	}
	if resp.Status == domain.StatusAwarded && award.TierID != "" {
		e.issueCoupon(ctx, tenantID, award, cfg, resp)
	}
	return resp, nil
}

// commit writes the award through the idempotent ledger commit and
// settles the budget reservation and the drawn winner slot accordingly.
func (e *Engine) commit(ctx context.Context, tenantID string, award *domain.Award, res *pacing.Reservation, span trace.Span, start time.Time) (*domain.AwardResponse, error) {
	stored, created, err := e.repo.CommitAward(ctx, tenantID, award)
	if err != nil {
		if res != nil {
			_ = res.Release()
		}
		e.selector.ReleaseWin(award.CampaignID, award.TierID)
		return nil, fmt.Errorf("failed to commit award: %w", err)
	}

	if !created {
		// A concurrent request for the same engagement won the race.
		if res != nil {
			_ = res.Release()
		}
		e.selector.ReleaseWin(award.CampaignID, award.TierID)
		return e.respond(stored, span, start), nil
	}

	if res != nil {
		_ = res.Commit()
	}

	resp := e.respond(stored, span, start)
	_ = e.publish(ctx, tenantID, domain.TopicAwardDecided, resp)

	slog.Info("award decided",
		"engagement_id", stored.EngagementID,
		"campaign_id", stored.CampaignID,
		"status", stored.Status,
		"tier_id", stored.TierID,
		"amount", stored.Amount,
		"risk_score", stored.RiskScore,
	)
	return resp, nil
}

// issueCoupon is best effort after the award is committed. A code
// collision means the entropy source is broken; the award stands without
// a coupon and an alert goes out for operators.
func (e *Engine) issueCoupon(ctx context.Context, tenantID string, award *domain.Award, cfg *domain.CampaignConfig, resp *domain.AwardResponse) {
	c, err := e.issuer.Issue(ctx, tenantID, award, cfg, time.Now().UTC())
	if err != nil {
		slog.Error("coupon issue failed",
			"engagement_id", award.EngagementID,
			"error", err,
		)
		_ = e.publish(ctx, tenantID, domain.TopicAlert, &domain.AlertEvent{
			Kind:         domain.AlertCouponIssue,
			EngagementID: award.EngagementID,
			CampaignID:   award.CampaignID,
			UserID:       award.UserID,
			Detail:       err.Error(),
		})
		return
	}
	resp.CouponCode = c.Code
}

// GetAward returns the recorded decision for an engagement.
func (e *Engine) GetAward(ctx context.Context, tenantID string, engagementID string) (*domain.AwardResponse, error) {
	award, err := e.repo.GetAward(ctx, tenantID, engagementID)
	if err != nil {
		return nil, err
	}
	resp := award.ToResponse()
	resp.Metadata.Version = engineVersion
	return resp, nil
}

// pacingCacheTTL bounds staleness of the dashboard pacing feed.
const pacingCacheTTL = 3 * time.Second

// Pacing returns the advisory spend snapshot for a campaign, including
// per-tier winner counts. Snapshots are cached for a few seconds so
// dashboard polling never contends with the decision path.
func (e *Engine) Pacing(ctx context.Context, tenantID string, campaignID string) (*domain.PacingSnapshot, error) {
	if _, err := e.campaign(ctx, tenantID, campaignID); err != nil {
		return nil, err
	}

	key := "pacing:" + campaignID
	if e.cache != nil {
		if data, err := e.cache.Get(ctx, tenantID, key); err == nil && data != nil {
			var snap domain.PacingSnapshot
			if json.Unmarshal(data, &snap) == nil {
				return &snap, nil
			}
		}
	}

	snap, err := e.pacer.Snapshot(campaignID, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	snap.WinnersPerTier = e.selector.Winners(campaignID)

	if e.cache != nil {
		if data, err := json.Marshal(snap); err == nil {
			_ = e.cache.Set(ctx, tenantID, key, data, pacingCacheTTL)
		}
	}
	return snap, nil
}

// Redeem transitions a coupon to redeemed for the assigned user.
func (e *Engine) Redeem(ctx context.Context, tenantID string, code string, userID string) (*domain.Coupon, error) {
	c, err := e.issuer.Redeem(ctx, tenantID, code, userID, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	_ = e.publish(ctx, tenantID, domain.TopicCouponRedeemed, c)
	return c, nil
}

// SweepExpired expires overdue coupons for a tenant. Expired awards keep
// their spend committed, so pacing is untouched.
func (e *Engine) SweepExpired(ctx context.Context, tenantID string) (int64, error) {
	n, err := e.issuer.ExpireDue(ctx, tenantID, time.Now().UTC())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		slog.Info("coupon sweep", "tenant_id", tenantID, "expired", n)
	}
	return n, nil
}

// Campaign returns a campaign snapshot, loading it into the pipeline if
// this instance has not served it yet (e.g. after a restart).
func (e *Engine) Campaign(ctx context.Context, tenantID string, campaignID string) (*domain.CampaignConfig, error) {
	return e.campaign(ctx, tenantID, campaignID)
}

// ListCampaigns returns all campaign snapshots for a tenant.
func (e *Engine) ListCampaigns(ctx context.Context, tenantID string) ([]*domain.CampaignConfig, error) {
	return e.repo.ListCampaigns(ctx, tenantID)
}

func (e *Engine) campaign(ctx context.Context, tenantID string, campaignID string) (*domain.CampaignConfig, error) {
	if e.cache != nil {
		if cfg, err := e.cache.GetCampaign(ctx, tenantID, campaignID); err == nil && cfg != nil {
			if err := e.ensureLoaded(ctx, tenantID, cfg); err != nil {
				return nil, err
			}
			return cfg, nil
		}
	}

	cfg, err := e.repo.GetCampaign(ctx, tenantID, campaignID)
	if err != nil {
		return nil, err
	}
	if e.cache != nil {
		_ = e.cache.SetCampaign(ctx, tenantID, cfg, e.campaignTTL())
	}
	if err := e.ensureLoaded(ctx, tenantID, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ensureLoaded lazily installs a persisted campaign into the in-memory
// components after a process restart.
func (e *Engine) ensureLoaded(ctx context.Context, tenantID string, cfg *domain.CampaignConfig) error {
	if _, err := e.pacer.Snapshot(cfg.ID, time.Now().UTC()); err == nil {
		return nil
	}
	return e.loadCampaign(ctx, tenantID, cfg)
}

func (e *Engine) respond(award *domain.Award, span trace.Span, start time.Time) *domain.AwardResponse {
	resp := award.ToResponse()
	resp.Metadata.TraceID = span.SpanContext().TraceID().String()
	resp.Metadata.TotalMs = time.Since(start).Milliseconds()
	resp.Metadata.Version = engineVersion
	return resp
}

func (e *Engine) publish(ctx context.Context, tenantID string, topic string, payload any) error {
	if e.bus == nil {
		return nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return e.bus.Publish(ctx, tenantID, topic, data)
}

func (e *Engine) campaignTTL() time.Duration {
	return time.Duration(e.cfg.CampaignCacheTTLSecs) * time.Second
}

// gateAlert builds the typed alert payload for a fired risk gate.
func gateAlert(req *domain.DecisionRequest, res domain.GateResult) *domain.AlertEvent {
	ev := &domain.AlertEvent{
		Kind:         domain.AlertRiskGate,
		EngagementID: req.EngagementID,
		CampaignID:   req.CampaignID,
		UserID:       req.UserID,
		Action:       res.Action,
		RiskScore:    res.RiskScore,
	}
	for _, f := range res.Fired {
		ev.FiredRules = append(ev.FiredRules, f.RuleID)
	}
	return ev
}

// rejectionReason maps a pacer admission error to its recorded reason.
// Unknown errors are returned to the caller instead of being committed.
func rejectionReason(err error) (string, error) {
	switch {
	case errors.Is(err, pacing.ErrBudgetExhausted):
		return domain.ReasonBudgetExhausted, nil
	case errors.Is(err, pacing.ErrDailyCapExhausted):
		return domain.ReasonDailyCapExhausted, nil
	case errors.Is(err, pacing.ErrCampaignInactive):
		return domain.ReasonCampaignInactive, nil
	default:
		return "", err
	}
}

func dayStartIn(now time.Time, loc *time.Location) time.Time {
	local := now.In(loc)
	y, m, d := local.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, loc)
}
