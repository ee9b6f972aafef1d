package models

import (
	"time"

	"github.com/streamclub/allocator/pkg/enums"
)

// Account is the local record of a media-server account created for a user.
type Account struct {
	UserID       int64               `gorm:"column:user_id;primaryKey;autoIncrement:false" json:"user_id"`
	ExternalID   string              `gorm:"column:external_id;type:text;not null" json:"external_id"`
	Username     string              `gorm:"column:username;type:text;not null;uniqueIndex:uq_accounts_username" json:"username"`
	PasswordHash string              `gorm:"column:password_hash;type:text;not null" json:"-"`
	Status       enums.AccountStatus `gorm:"column:status;type:text;not null;index:idx_accounts_status_expires,priority:1" json:"status"`
	ExpiresAt    *time.Time          `gorm:"column:expires_at;index:idx_accounts_status_expires,priority:2" json:"expires_at,omitempty"`
	CreatedAt    time.Time           `gorm:"column:created_at;autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time           `gorm:"column:updated_at;autoUpdateTime" json:"updated_at"`
}

func (Account) TableName() string { return "accounts" }

// IsActive reports whether the account is usable at now.
func (a Account) IsActive(now time.Time) bool {
	if a.Status != enums.AccountStatusActive {
		return false
	}
	return a.ExpiresAt == nil || a.ExpiresAt.After(now)
}
