package domain

import (
	"context"
)

// EventBus defines the interface for event-driven communication.
// Supports Go channels (Community) or NATS (Pro).
// All methods require tenantID for strict multi-tenancy isolation.
type EventBus interface {
	// Publish sends a message to a topic.
	Publish(ctx context.Context, tenantID string, topic string, payload []byte) error

	// Subscribe registers a handler for a topic.
	// Returns a subscription that can be used to unsubscribe.
	Subscribe(ctx context.Context, tenantID string, topic string, handler MessageHandler) (Subscription, error)

	// Request sends a message and waits for a response (request-reply pattern).
	Request(ctx context.Context, tenantID string, topic string, payload []byte) ([]byte, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// MessageHandler processes incoming messages.
type MessageHandler func(ctx context.Context, msg *Message) error

// Message represents an event message.
type Message struct {
	ID        string            `json:"id"`
	TenantID  string            `json:"tenantId"`
	Topic     string            `json:"topic"`
	Payload   []byte            `json:"payload"`
	Metadata  map[string]string `json:"metadata"`
	Timestamp int64             `json:"timestamp"`
}

// Subscription represents an active subscription.
type Subscription interface {
	// Unsubscribe stops receiving messages.
	Unsubscribe() error

	// Topic returns the subscribed topic.
	Topic() string
}

// EventBusConfig holds configuration for event bus initialization.
type EventBusConfig struct {
	// Type is the bus type: "channel" or "nats"
	Type string

	// Channel settings (Community tier)
	ChannelBufferSize int

	// NATS settings (Pro tier)
	NATSUrl           string
	NATSToken         string
	NATSMaxReconnects int
	NATSReconnectWait int // seconds
}

// Standard topic names for the decision pipeline.
const (
	TopicDecisionRequest    = "kestrel.decision.request"
	TopicEngagementIngested = "kestrel.engagement.ingested"
	TopicAwardDecided       = "kestrel.award.decided"
	TopicCouponRedeemed     = "kestrel.coupon.redeemed"
	TopicAlert              = "kestrel.alert"
)

// Alert event kinds published on TopicAlert.
const (
	AlertRiskGate    = "risk_gate"
	AlertCouponIssue = "coupon_issue"
)

// AlertEvent is the typed payload for TopicAlert. The risk gate and the
// coupon issuer both publish it, so operator tooling decodes one shape.
type AlertEvent struct {
	Kind         string     `json:"kind"`
	EngagementID string     `json:"engagementId"`
	CampaignID   string     `json:"campaignId"`
	UserID       string     `json:"userId,omitempty"`
	Action       GateAction `json:"action,omitempty"`
	RiskScore    float64    `json:"riskScore,omitempty"`
	FiredRules   []string   `json:"firedRules,omitempty"`
	Detail       string     `json:"detail,omitempty"`
}
