package postgres

import (
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/creatorhub/membership-billing/internal/billing"
	profilemodel "github.com/creatorhub/membership-billing/internal/core/datamodel/profile"
)

type ProfileRepository struct {
	db *gorm.DB
}

func NewProfileRepository(db *gorm.DB) billing.ProfileStore {
	return &ProfileRepository{db: db}
}

func (r *ProfileRepository) SetUserTier(userID int64, newTier string) error {
	res := r.db.Model(&profilemodel.User{}).
		Where("id = ?", userID).
		Updates(map[string]interface{}{
			"tier":       newTier,
			"updated_at": time.Now(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

func (r *ProfileRepository) GetUserTier(userID int64) (string, error) {
	var u profilemodel.User
	err := r.db.Select("tier").Where("id = ?", userID).First(&u).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", err
	}
	if err != nil {
		return "", err
	}
	return u.Tier, nil
}
