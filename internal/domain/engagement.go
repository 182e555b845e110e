package domain

import (
	"time"
)

// EngagementEvent is one verified user interaction entering the engine.
type EngagementEvent struct {
	ID         string `json:"engagementId"`
	TenantID   string `json:"tenantId"`
	UserID     string `json:"userId"`
	CampaignID string `json:"campaignId"`
	LocationID string `json:"locationId,omitempty"`

	Timestamp time.Time `json:"timestamp"`
	CreatedAt time.Time `json:"createdAt"`

	// Telemetry carries raw fraud signals (device id, IP, geo, derived
	// scores). Opaque to the engine except as consumed by gate rules.
	Telemetry map[string]interface{} `json:"telemetry,omitempty"`
}

// DecisionRequest is the API request payload for POST /engagement-decision.
type DecisionRequest struct {
	EngagementID string                 `json:"engagementId"`
	UserID       string                 `json:"userId"`
	CampaignID   string                 `json:"campaignId"`
	LocationID   string                 `json:"locationId,omitempty"`
	Telemetry    map[string]interface{} `json:"telemetry,omitempty"`
}

// ToEvent converts a request to an EngagementEvent domain object.
func (r *DecisionRequest) ToEvent(tenantID string) *EngagementEvent {
	now := time.Now().UTC()
	return &EngagementEvent{
		ID:         r.EngagementID,
		TenantID:   tenantID,
		UserID:     r.UserID,
		CampaignID: r.CampaignID,
		LocationID: r.LocationID,
		Timestamp:  now,
		CreatedAt:  now,
		Telemetry:  r.Telemetry,
	}
}
