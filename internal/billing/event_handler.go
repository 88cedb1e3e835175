package billing

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/creatorhub/membership-billing/internal/core/events"
	"github.com/creatorhub/membership-billing/internal/metrics"
)

// EventHandler consumes billing lifecycle events for observability. The
// orchestrator already committed the state change before publishing, so
// these handlers only record, never mutate.
type EventHandler struct {
	logger *slog.Logger
}

func NewEventHandler(logger *slog.Logger) *EventHandler {
	return &EventHandler{logger: logger}
}

func (h *EventHandler) HandleUpgradeCompleted(ctx context.Context, event events.Event) error {
	completed, ok := event.(*events.UpgradeCompletedEvent)
	if !ok {
		h.logger.Error("invalid event type for upgrade completed handler", "event_type", event.EventType())
		return fmt.Errorf("expected UpgradeCompletedEvent, got %T", event)
	}

	metrics.UpgradesCompleted.WithLabelValues(completed.Gateway, completed.TargetTier).Inc()

	h.logger.Info("membership upgraded",
		"transaction_id", completed.TransactionID,
		"user_id", completed.UserID,
		"previous_tier", completed.PreviousTier,
		"target_tier", completed.TargetTier,
		"amount_cents", completed.AmountCents,
		"gateway", completed.Gateway,
		"event_id", completed.EventID())
	return nil
}

func (h *EventHandler) HandleUpgradeFailed(ctx context.Context, event events.Event) error {
	failed, ok := event.(*events.UpgradeFailedEvent)
	if !ok {
		h.logger.Error("invalid event type for upgrade failed handler", "event_type", event.EventType())
		return fmt.Errorf("expected UpgradeFailedEvent, got %T", event)
	}

	metrics.UpgradesFailed.WithLabelValues(failed.Gateway, failed.ErrorCode).Inc()

	h.logger.Warn("membership upgrade failed",
		"transaction_id", failed.TransactionID,
		"user_id", failed.UserID,
		"target_tier", failed.TargetTier,
		"error_code", failed.ErrorCode,
		"failure_reason", failed.FailureReason,
		"event_id", failed.EventID())
	return nil
}

func (h *EventHandler) HandleUpgradeInconsistent(ctx context.Context, event events.Event) error {
	drift, ok := event.(*events.UpgradeInconsistentEvent)
	if !ok {
		h.logger.Error("invalid event type for upgrade inconsistent handler", "event_type", event.EventType())
		return fmt.Errorf("expected UpgradeInconsistentEvent, got %T", event)
	}

	h.logger.Error("tier drift detected on completed transaction",
		"transaction_id", drift.TransactionID,
		"user_id", drift.UserID,
		"expected_tier", drift.ExpectedTier,
		"actual_tier", drift.ActualTier,
		"event_id", drift.EventID())
	return nil
}

func (h *EventHandler) RegisterEventHandlers(eventBus *events.EventBus) {
	eventBus.Subscribe(events.EventTypeUpgradeCompleted, h.HandleUpgradeCompleted)
	eventBus.Subscribe(events.EventTypeUpgradeFailed, h.HandleUpgradeFailed)
	eventBus.Subscribe(events.EventTypeUpgradeInconsistent, h.HandleUpgradeInconsistent)

	h.logger.Info("billing event handlers registered",
		"handlers", []string{
			events.EventTypeUpgradeCompleted,
			events.EventTypeUpgradeFailed,
			events.EventTypeUpgradeInconsistent,
		})
}
