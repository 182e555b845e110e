// Package worker provides async decision processing and the coupon
// expiry sweeper.
package worker

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/brandreach/kestrel/internal/domain"
	"github.com/brandreach/kestrel/internal/engine"
)

// Worker consumes decision requests from the EventBus and runs them
// through the engine, and periodically sweeps expired coupons.
type Worker struct {
	bus    domain.EventBus
	engine *engine.Engine

	subscriptions []domain.Subscription
	wg            sync.WaitGroup
	ctx           context.Context
	cancel        context.CancelFunc
}

// Config holds worker configuration.
type Config struct {
	// TenantIDs is the list of tenants to process.
	TenantIDs []string

	// SweepInterval is how often the coupon expiry sweeper runs.
	// Zero disables the sweeper.
	SweepInterval time.Duration
}

// NewWorker creates a new async worker.
func NewWorker(bus domain.EventBus, eng *engine.Engine) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:    bus,
		engine: eng,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start begins consuming decision requests for the given tenants and
// launches the expiry sweeper.
func (w *Worker) Start(cfg Config) error {
	for _, tenantID := range cfg.TenantIDs {
		if err := w.startTenantWorker(tenantID); err != nil {
			slog.Error("failed to start worker for tenant",
				"tenant_id", tenantID,
				"error", err,
			)
			continue
		}
	}

	if cfg.SweepInterval > 0 {
		w.wg.Add(1)
		go w.sweepLoop(cfg.TenantIDs, cfg.SweepInterval)
	}

	slog.Info("workers started",
		"tenant_count", len(cfg.TenantIDs),
		"sweep_interval", cfg.SweepInterval,
	)
	return nil
}

func (w *Worker) startTenantWorker(tenantID string) error {
	sub, err := w.bus.Subscribe(w.ctx, tenantID, domain.TopicDecisionRequest, func(ctx context.Context, msg *domain.Message) error {
		return w.processRequest(ctx, tenantID, msg)
	})
	if err != nil {
		return err
	}
	w.subscriptions = append(w.subscriptions, sub)

	slog.Info("tenant worker started",
		"tenant_id", tenantID,
		"topic", domain.TopicDecisionRequest,
	)
	return nil
}

// processRequest runs one queued engagement through the decision pipeline.
// The engine's ledger commit makes redelivery safe.
func (w *Worker) processRequest(ctx context.Context, tenantID string, msg *domain.Message) error {
	start := time.Now()

	var req domain.DecisionRequest
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		slog.Error("failed to parse decision request",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}

	resp, err := w.engine.Decide(ctx, tenantID, &req)
	if err != nil {
		slog.Error("async decision failed",
			"engagement_id", req.EngagementID,
			"tenant_id", tenantID,
			"error", err,
		)
		return err
	}

	slog.Info("async decision processed",
		"engagement_id", req.EngagementID,
		"tenant_id", tenantID,
		"status", resp.Status,
		"amount", resp.Amount,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

// sweepLoop runs the coupon expiry sweep on a fixed interval until Stop.
func (w *Worker) sweepLoop(tenantIDs []string, interval time.Duration) {
	defer w.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			for _, tenantID := range tenantIDs {
				if _, err := w.engine.SweepExpired(w.ctx, tenantID); err != nil {
					slog.Error("coupon sweep failed",
						"tenant_id", tenantID,
						"error", err,
					)
				}
			}
		}
	}
}

// Stop gracefully stops all workers.
func (w *Worker) Stop() error {
	w.cancel()

	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil

	w.wg.Wait()

	slog.Info("workers stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
	}
}
