package billing

import (
	"encoding/json"
	"time"
)

// Transaction statuses. Status only moves forward: once a transaction
// reaches a terminal status it never returns to pending or processing.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusCancelled  = "cancelled"
	StatusRefunded   = "refunded"
)

const (
	CycleMonthly = "monthly"
	CycleAnnual  = "annual"
)

// SubjectTypeMembership is the discriminator for tier-upgrade charges.
// One transactions table serves all billable subjects.
const SubjectTypeMembership = "membership"

// Transaction is one attempted tier upgrade. Economic facts are immutable
// once set; only the orchestrator mutates status.
type Transaction struct {
	ID             string `gorm:"primaryKey;type:uuid"`
	SubjectType    string `gorm:"column:subject_type;not null;default:membership"`
	UserID         int64  `gorm:"column:user_id;not null"`
	IdempotencyKey string `gorm:"column:idempotency_key;not null;index"`

	PreviousTier string `gorm:"column:previous_tier;not null"`
	TargetTier   string `gorm:"column:target_tier;not null"`
	AmountCents  int64  `gorm:"column:amount_cents;not null"`
	Currency     string `gorm:"column:currency;not null"`
	BillingCycle string `gorm:"column:billing_cycle;not null"`

	PaymentMethod string  `gorm:"column:payment_method;not null"`
	Gateway       string  `gorm:"column:gateway;not null"`
	ProviderRef   *string `gorm:"column:provider_ref"`
	CheckoutURL   *string `gorm:"column:checkout_url"`

	Status string `gorm:"column:status;not null;default:pending"`

	ErrorCode    *string         `gorm:"column:error_code"`
	ErrorMessage *string         `gorm:"column:error_message"`
	ErrorDetails json.RawMessage `gorm:"column:error_details;type:jsonb"`

	VerifyAttempts int        `gorm:"column:verify_attempts;not null;default:0"`
	NextVerifyAt   *time.Time `gorm:"column:next_verify_at"`

	CustomerEmail string `gorm:"column:customer_email"`
	CustomerName  string `gorm:"column:customer_name"`
	CustomerPhone string `gorm:"column:customer_phone"`
	RequestIP     string `gorm:"column:request_ip"`
	UserAgent     string `gorm:"column:user_agent"`

	CreatedAt    time.Time  `gorm:"column:created_at;default:now()"`
	InitiatedAt  *time.Time `gorm:"column:initiated_at"`
	ProcessingAt *time.Time `gorm:"column:processing_at"`
	CompletedAt  *time.Time `gorm:"column:completed_at"`
	FailedAt     *time.Time `gorm:"column:failed_at"`
	UpdatedAt    time.Time  `gorm:"column:updated_at;default:now()"`
}

func (Transaction) TableName() string {
	return "transactions"
}

var allowedTransitions = map[string][]string{
	StatusPending:    {StatusProcessing, StatusFailed, StatusCancelled},
	StatusProcessing: {StatusCompleted, StatusFailed, StatusCancelled},
	StatusCompleted:  {StatusRefunded},
}

func (t *Transaction) IsTerminal() bool {
	switch t.Status {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusRefunded:
		return true
	}
	return false
}

func (t *Transaction) CanTransitionTo(status string) bool {
	for _, next := range allowedTransitions[t.Status] {
		if next == status {
			return true
		}
	}
	return false
}

// NonTerminalStatuses lists the statuses blocked by the one-active-upgrade
// uniqueness constraint.
func NonTerminalStatuses() []string {
	return []string{StatusPending, StatusProcessing}
}

func ValidCycle(cycle string) bool {
	return cycle == CycleMonthly || cycle == CycleAnnual
}
