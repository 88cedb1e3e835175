package postgres

import (
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/creatorhub/membership-billing/internal/billing"
	billingmodel "github.com/creatorhub/membership-billing/internal/core/datamodel/billing"
)

type TransactionRepository struct {
	db *gorm.DB
}

func NewTransactionRepository(db *gorm.DB) billing.TransactionRepository {
	return &TransactionRepository{db: db}
}

func (r *TransactionRepository) Create(t *billingmodel.Transaction) error {
	if err := r.db.Create(t).Error; err != nil {
		if isUniqueViolation(err) {
			return billing.ErrDuplicateTransaction
		}
		return err
	}
	return nil
}

func (r *TransactionRepository) GetByID(id string) (*billingmodel.Transaction, error) {
	var t billingmodel.Transaction
	err := r.db.Where("id = ?", id).First(&t).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *TransactionRepository) GetByProviderRef(gateway, providerRef string) (*billingmodel.Transaction, error) {
	var t billingmodel.Transaction
	err := r.db.Where("gateway = ? AND provider_ref = ?", gateway, providerRef).First(&t).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *TransactionRepository) GetActiveByIdempotencyKey(key string) (*billingmodel.Transaction, error) {
	var t billingmodel.Transaction
	err := r.db.
		Where("idempotency_key = ? AND status IN ?", key, billingmodel.NonTerminalStatuses()).
		First(&t).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *TransactionRepository) GetActiveByUserAndTier(subjectType string, userID int64, targetTier string) (*billingmodel.Transaction, error) {
	var t billingmodel.Transaction
	err := r.db.
		Where("subject_type = ? AND user_id = ? AND target_tier = ? AND status IN ?",
			subjectType, userID, targetTier, billingmodel.NonTerminalStatuses()).
		First(&t).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *TransactionRepository) MarkProcessing(id, providerRef, checkoutURL string, at time.Time) (bool, error) {
	res := r.db.Model(&billingmodel.Transaction{}).
		Where("id = ? AND status = ?", id, billingmodel.StatusPending).
		Updates(map[string]interface{}{
			"status":        billingmodel.StatusProcessing,
			"provider_ref":  providerRef,
			"checkout_url":  checkoutURL,
			"processing_at": at,
			"updated_at":    at,
		})
	return res.RowsAffected > 0, res.Error
}

func (r *TransactionRepository) MarkCompleted(id string, at time.Time) (bool, error) {
	res := r.db.Model(&billingmodel.Transaction{}).
		Where("id = ? AND status = ?", id, billingmodel.StatusProcessing).
		Updates(map[string]interface{}{
			"status":       billingmodel.StatusCompleted,
			"completed_at": at,
			"updated_at":   at,
		})
	return res.RowsAffected > 0, res.Error
}

func (r *TransactionRepository) MarkFailed(id, errorCode, errorMessage string, details []byte, at time.Time) (bool, error) {
	updates := map[string]interface{}{
		"status":        billingmodel.StatusFailed,
		"error_code":    errorCode,
		"error_message": errorMessage,
		"failed_at":     at,
		"updated_at":    at,
	}
	if details != nil {
		updates["error_details"] = details
	}
	res := r.db.Model(&billingmodel.Transaction{}).
		Where("id = ? AND status IN ?", id, billingmodel.NonTerminalStatuses()).
		Updates(updates)
	return res.RowsAffected > 0, res.Error
}

func (r *TransactionRepository) MarkCancelled(id string, at time.Time) (bool, error) {
	res := r.db.Model(&billingmodel.Transaction{}).
		Where("id = ? AND status = ?", id, billingmodel.StatusPending).
		Updates(map[string]interface{}{
			"status":     billingmodel.StatusCancelled,
			"failed_at":  at,
			"updated_at": at,
		})
	return res.RowsAffected > 0, res.Error
}

func (r *TransactionRepository) MarkRefunded(id string, at time.Time) (bool, error) {
	res := r.db.Model(&billingmodel.Transaction{}).
		Where("id = ? AND status = ?", id, billingmodel.StatusCompleted).
		Updates(map[string]interface{}{
			"status":     billingmodel.StatusRefunded,
			"updated_at": at,
		})
	return res.RowsAffected > 0, res.Error
}

func (r *TransactionRepository) IncrementVerifyAttempts(id string, nextVerifyAt time.Time) error {
	return r.db.Model(&billingmodel.Transaction{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"verify_attempts": gorm.Expr("verify_attempts + 1"),
			"next_verify_at":  nextVerifyAt,
		}).Error
}

func (r *TransactionRepository) ListStuckProcessing(processingBefore, dueAt time.Time, limit int) ([]*billingmodel.Transaction, error) {
	var txns []*billingmodel.Transaction
	err := r.db.
		Where("status = ? AND processing_at < ? AND (next_verify_at IS NULL OR next_verify_at <= ?)",
			billingmodel.StatusProcessing, processingBefore, dueAt).
		Order("processing_at ASC").
		Limit(limit).
		Find(&txns).Error
	return txns, err
}

func (r *TransactionRepository) ListStalePending(createdBefore time.Time, limit int) ([]*billingmodel.Transaction, error) {
	var txns []*billingmodel.Transaction
	err := r.db.
		Where("status = ? AND created_at < ?", billingmodel.StatusPending, createdBefore).
		Order("created_at ASC").
		Limit(limit).
		Find(&txns).Error
	return txns, err
}

func (r *TransactionRepository) ListTierMismatches(limit int) ([]billing.TierMismatch, error) {
	var mismatches []billing.TierMismatch
	err := r.db.
		Table("transactions").
		Select("transactions.id AS transaction_id, transactions.user_id, transactions.target_tier AS expected_tier, users.tier AS actual_tier").
		Joins("JOIN users ON users.id = transactions.user_id").
		Where("transactions.status = ? AND transactions.target_tier <> users.tier", billingmodel.StatusCompleted).
		Where("NOT EXISTS (SELECT 1 FROM transactions later WHERE later.user_id = transactions.user_id AND later.status = ? AND later.completed_at > transactions.completed_at)",
			billingmodel.StatusCompleted).
		Limit(limit).
		Scan(&mismatches).Error
	return mismatches, err
}
