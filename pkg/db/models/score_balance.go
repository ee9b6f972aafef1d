package models

import "time"

// ScoreBalance is a user's point balance. Only the ledger service writes it.
type ScoreBalance struct {
	UserID       int64      `gorm:"column:user_id;primaryKey;autoIncrement:false" json:"user_id"`
	Balance      int64      `gorm:"column:balance;not null;default:0;check:chk_score_balances_non_negative,balance >= 0" json:"balance"`
	LastSignInAt *time.Time `gorm:"column:last_sign_in_at" json:"last_sign_in_at,omitempty"`
	CreatedAt    time.Time  `gorm:"column:created_at;autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time  `gorm:"column:updated_at;autoUpdateTime" json:"updated_at"`
}

func (ScoreBalance) TableName() string { return "score_balances" }
