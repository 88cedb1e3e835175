package events

import (
	"time"

	"github.com/google/uuid"
)

const (
	EventTypeUpgradeCompleted    = "upgrade.completed"
	EventTypeUpgradeFailed       = "upgrade.failed"
	EventTypeUpgradeInconsistent = "upgrade.inconsistent"
)

type UpgradeCompletedEvent struct {
	BaseEvent
	TransactionID string `json:"transaction_id"`
	UserID        int64  `json:"user_id"`
	PreviousTier  string `json:"previous_tier"`
	TargetTier    string `json:"target_tier"`
	AmountCents   int64  `json:"amount_cents"`
	Gateway       string `json:"gateway"`
	ProviderRef   string `json:"provider_ref"`
}

func NewUpgradeCompletedEvent(transactionID string, userID int64, previousTier, targetTier string, amountCents int64, gateway, providerRef string) *UpgradeCompletedEvent {
	return &UpgradeCompletedEvent{
		BaseEvent: BaseEvent{
			ID:        uuid.New().String(),
			Type:      EventTypeUpgradeCompleted,
			Timestamp: time.Now(),
			Data: map[string]interface{}{
				"transaction_id": transactionID,
				"user_id":        userID,
				"previous_tier":  previousTier,
				"target_tier":    targetTier,
				"amount_cents":   amountCents,
				"gateway":        gateway,
				"provider_ref":   providerRef,
			},
		},
		TransactionID: transactionID,
		UserID:        userID,
		PreviousTier:  previousTier,
		TargetTier:    targetTier,
		AmountCents:   amountCents,
		Gateway:       gateway,
		ProviderRef:   providerRef,
	}
}

type UpgradeFailedEvent struct {
	BaseEvent
	TransactionID string `json:"transaction_id"`
	UserID        int64  `json:"user_id"`
	TargetTier    string `json:"target_tier"`
	ErrorCode     string `json:"error_code"`
	FailureReason string `json:"failure_reason"`
	Gateway       string `json:"gateway"`
}

func NewUpgradeFailedEvent(transactionID string, userID int64, targetTier, errorCode, failureReason, gateway string) *UpgradeFailedEvent {
	return &UpgradeFailedEvent{
		BaseEvent: BaseEvent{
			ID:        uuid.New().String(),
			Type:      EventTypeUpgradeFailed,
			Timestamp: time.Now(),
			Data: map[string]interface{}{
				"transaction_id": transactionID,
				"user_id":        userID,
				"target_tier":    targetTier,
				"error_code":     errorCode,
				"failure_reason": failureReason,
				"gateway":        gateway,
			},
		},
		TransactionID: transactionID,
		UserID:        userID,
		TargetTier:    targetTier,
		ErrorCode:     errorCode,
		FailureReason: failureReason,
		Gateway:       gateway,
	}
}

// UpgradeInconsistentEvent flags a completed transaction whose user tier
// does not match the target tier. Raised by the reconciliation sweep so
// the drift is investigated instead of silently lost.
type UpgradeInconsistentEvent struct {
	BaseEvent
	TransactionID string `json:"transaction_id"`
	UserID        int64  `json:"user_id"`
	ExpectedTier  string `json:"expected_tier"`
	ActualTier    string `json:"actual_tier"`
}

func NewUpgradeInconsistentEvent(transactionID string, userID int64, expectedTier, actualTier string) *UpgradeInconsistentEvent {
	return &UpgradeInconsistentEvent{
		BaseEvent: BaseEvent{
			ID:        uuid.New().String(),
			Type:      EventTypeUpgradeInconsistent,
			Timestamp: time.Now(),
			Data: map[string]interface{}{
				"transaction_id": transactionID,
				"user_id":        userID,
				"expected_tier":  expectedTier,
				"actual_tier":    actualTier,
			},
		},
		TransactionID: transactionID,
		UserID:        userID,
		ExpectedTier:  expectedTier,
		ActualTier:    actualTier,
	}
}
