package postgres

import (
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/creatorhub/membership-billing/internal/billing"
	billingmodel "github.com/creatorhub/membership-billing/internal/core/datamodel/billing"
)

type WebhookEventRepository struct {
	db *gorm.DB
}

func NewWebhookEventRepository(db *gorm.DB) billing.WebhookEventRepository {
	return &WebhookEventRepository{db: db}
}

func (r *WebhookEventRepository) Create(e *billingmodel.WebhookEvent) error {
	if err := r.db.Create(e).Error; err != nil {
		if isUniqueViolation(err) {
			return billing.ErrDuplicateEvent
		}
		return err
	}
	return nil
}

func (r *WebhookEventRepository) GetByProviderEventID(gateway, providerEventID string) (*billingmodel.WebhookEvent, error) {
	var e billingmodel.WebhookEvent
	err := r.db.Where("gateway = ? AND provider_event_id = ?", gateway, providerEventID).First(&e).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// Settle finalizes the event's processing status. Already-settled rows
// are left untouched so the first settlement is the one that sticks.
func (r *WebhookEventRepository) Settle(id int64, status string, transactionID *string, processingError *string) error {
	updates := map[string]interface{}{
		"status":       status,
		"processed_at": time.Now(),
	}
	if transactionID != nil {
		updates["transaction_id"] = *transactionID
	}
	if processingError != nil {
		updates["error"] = *processingError
	}
	return r.db.Model(&billingmodel.WebhookEvent{}).
		Where("id = ? AND status IN ?", id, []string{billingmodel.EventReceived, billingmodel.EventProcessing}).
		Updates(updates).Error
}
