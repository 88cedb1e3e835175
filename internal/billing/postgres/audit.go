package postgres

import (
	"gorm.io/gorm"

	"github.com/creatorhub/membership-billing/internal/billing"
	billingmodel "github.com/creatorhub/membership-billing/internal/core/datamodel/billing"
)

type AuditRepository struct {
	db *gorm.DB
}

func NewAuditRepository(db *gorm.DB) billing.AuditRepository {
	return &AuditRepository{db: db}
}

func (r *AuditRepository) Append(entry *billingmodel.AuditEntry) error {
	return r.db.Create(entry).Error
}

func (r *AuditRepository) ListByTransaction(transactionID string) ([]*billingmodel.AuditEntry, error) {
	var entries []*billingmodel.AuditEntry
	err := r.db.Where("transaction_id = ?", transactionID).Order("created_at ASC, id ASC").Find(&entries).Error
	return entries, err
}
