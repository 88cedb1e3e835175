package billing

import (
	"encoding/json"
	"time"
)

// Audit actions, one per transition attempt.
const (
	AuditActionInit     = "init"
	AuditActionVerify   = "verify"
	AuditActionComplete = "complete"
	AuditActionFail     = "fail"
	AuditActionCancel   = "cancel"
	AuditActionRetry    = "retry"
)

// AuditEntry is an append-only record of a transition attempt, including
// rejected ones. Entries are never updated or deleted; the trail's value
// is its immutability.
type AuditEntry struct {
	ID            int64           `gorm:"primaryKey"`
	TransactionID string          `gorm:"column:transaction_id;type:uuid;not null;index"`
	Action        string          `gorm:"column:action;not null"`
	PrevStatus    string          `gorm:"column:prev_status;not null"`
	NewStatus     string          `gorm:"column:new_status;not null"`
	Details       json.RawMessage `gorm:"column:details;type:jsonb"`
	CreatedAt     time.Time       `gorm:"column:created_at;default:now()"`
}

func (AuditEntry) TableName() string {
	return "audit_log"
}
