package billing

import (
	"encoding/json"
	"time"
)

// Webhook event processing statuses.
const (
	EventReceived   = "received"
	EventProcessing = "processing"
	EventProcessed  = "processed"
	EventFailed     = "failed"
	EventSkipped    = "skipped"
)

// WebhookEvent is a received provider notification. The (gateway,
// provider_event_id) pair is the deduplication key: redelivery of the same
// event must be a no-op. Rows are never mutated once they reach a terminal
// processing status.
type WebhookEvent struct {
	ID              int64           `gorm:"primaryKey"`
	Gateway         string          `gorm:"column:gateway;not null;uniqueIndex:uq_gateway_event,priority:1"`
	ProviderEventID string          `gorm:"column:provider_event_id;not null;uniqueIndex:uq_gateway_event,priority:2"`
	TransactionID   *string         `gorm:"column:transaction_id;type:uuid"`
	Payload         json.RawMessage `gorm:"column:payload;type:jsonb"`
	Signature       string          `gorm:"column:signature"`
	Verified        bool            `gorm:"column:verified;not null;default:false"`
	Status          string          `gorm:"column:status;not null;default:received"`
	Error           *string         `gorm:"column:error"`
	CreatedAt       time.Time       `gorm:"column:created_at;default:now()"`
	ProcessedAt     *time.Time      `gorm:"column:processed_at"`
}

func (WebhookEvent) TableName() string {
	return "webhook_events"
}

func (e *WebhookEvent) IsSettled() bool {
	switch e.Status {
	case EventProcessed, EventFailed, EventSkipped:
		return true
	}
	return false
}
