package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/brandreach/kestrel/internal/domain"
	"github.com/brandreach/kestrel/internal/engine"
)

// Handler holds dependencies for API handlers.
type Handler struct {
	repo    domain.Repository
	cache   domain.Cache
	bus     domain.EventBus
	engine  *engine.Engine
	version string
}

// NewHandler creates a new API handler.
func NewHandler(repo domain.Repository, cache domain.Cache, bus domain.EventBus, eng *engine.Engine, version string) *Handler {
	return &Handler{
		repo:    repo,
		cache:   cache,
		bus:     bus,
		engine:  eng,
		version: version,
	}
}

// CreateCampaign handles POST /campaigns: validates and activates a
// campaign configuration. All validation failures surface here, before
// any engagement is served.
func (h *Handler) CreateCampaign(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	var cfg domain.CampaignConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	if err := h.engine.ActivateCampaign(ctx, tenantID, &cfg); err != nil {
		writeError(w, err)
		return
	}

	slog.Info("campaign activated",
		"campaign_id", cfg.ID,
		"tenant_id", tenantID,
		"tiers", len(cfg.Tiers),
		"rules", len(cfg.Rules),
	)
	writeJSON(w, http.StatusCreated, &cfg)
}

// GetCampaign handles GET /campaigns/{id}.
func (h *Handler) GetCampaign(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	campaignID := chi.URLParam(r, "id")

	cfg, err := h.engine.Campaign(ctx, tenantID, campaignID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

// ListCampaigns handles GET /campaigns.
func (h *Handler) ListCampaigns(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	campaigns, err := h.engine.ListCampaigns(ctx, tenantID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"campaigns": campaigns,
		"count":     len(campaigns),
	})
}

// GetPacing handles GET /campaigns/{id}/pacing: advisory spend and
// winner aggregates for dashboards.
func (h *Handler) GetPacing(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	campaignID := chi.URLParam(r, "id")

	snap, err := h.engine.Pacing(ctx, tenantID, campaignID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// Decide handles POST /engagement-decision: the synchronous decision
// path. Retries with the same engagement id return the original award.
func (h *Handler) Decide(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	traceID := GetTraceID(ctx)

	var req domain.DecisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	if req.EngagementID == "" || req.UserID == "" || req.CampaignID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "engagementId, userId and campaignId are required",
		})
		return
	}

	resp, err := h.engine.Decide(ctx, tenantID, &req)
	if err != nil {
		writeError(w, err)
		return
	}

	resp.Metadata.TraceID = traceID
	resp.Metadata.TotalMs = time.Since(start).Milliseconds()
	writeJSON(w, http.StatusOK, resp)
}

// GetAward handles GET /awards/{engagementId}.
func (h *Handler) GetAward(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	engagementID := chi.URLParam(r, "engagementId")

	resp, err := h.engine.GetAward(ctx, tenantID, engagementID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// Redeem handles POST /coupons/{code}/redeem.
func (h *Handler) Redeem(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	code := chi.URLParam(r, "code")

	var req domain.RedeemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}
	if req.UserID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "userId is required",
		})
		return
	}

	c, err := h.engine.Redeem(ctx, tenantID, code, req.UserID)
	if err != nil {
		writeError(w, err)
		return
	}

	slog.Info("coupon redeemed",
		"coupon_code", c.Code,
		"tenant_id", tenantID,
		"engagement_id", c.EngagementID,
	)
	writeJSON(w, http.StatusOK, c)
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}
	if h.cache != nil {
		if err := h.cache.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  status,
		"version": h.version,
	})
}

// Ready returns whether the server is ready to accept traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

// writeError maps typed domain errors to HTTP statuses. Unexpected
// errors are logged and returned as opaque 500s.
func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
	case errors.Is(err, domain.ErrInvalidInput):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	case errors.Is(err, domain.ErrAlreadyRedeemed),
		errors.Is(err, domain.ErrCouponExpired),
		errors.Is(err, domain.ErrUserMismatch):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	default:
		slog.Error("request failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
	}
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
