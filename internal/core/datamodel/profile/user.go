package profile

import "time"

// User is the slice of the platform profile this service touches: the
// membership tier. All other profile fields live with the profile service.
type User struct {
	ID          int64     `gorm:"primaryKey"`
	Email       string    `gorm:"column:email;not null;uniqueIndex"`
	DisplayName string    `gorm:"column:display_name"`
	Tier        string    `gorm:"column:tier;not null;default:welcome"`
	CreatedAt   time.Time `gorm:"column:created_at;default:now()"`
	UpdatedAt   time.Time `gorm:"column:updated_at;default:now()"`
}

func (User) TableName() string {
	return "users"
}
