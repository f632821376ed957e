package models

import "time"

const (
	TierBasic = "basic"
	TierPro   = "pro"
)

type User struct {
	ID           uint64 `gorm:"primaryKey;autoIncrement" json:"id"`
	Email        string `gorm:"type:varchar(255);uniqueIndex;not null" json:"email"`
	Username     string `gorm:"type:varchar(64);not null" json:"username"`
	PasswordHash string `gorm:"type:varchar(128);not null" json:"-"`

	SubscriptionTier string `gorm:"type:varchar(16);not null;default:basic" json:"subscription_tier"`

	// Daily quota bookkeeping. LastMessageDate holds a YYYY-MM-DD day stamp;
	// both columns are only ever mutated by single conditional UPDATEs.
	DailyMessageCount int    `gorm:"not null;default:0" json:"daily_message_count"`
	LastMessageDate   string `gorm:"type:varchar(10);not null;default:''" json:"-"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"-"`
}

func (User) TableName() string { return "users" }
