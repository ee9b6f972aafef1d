package models

import (
	"time"

	"github.com/streamclub/allocator/pkg/enums"
)

// Token is a single-use invite or renewal code.
type Token struct {
	Code       string          `gorm:"column:code;type:varchar(32);primaryKey" json:"code"`
	Kind       enums.TokenKind `gorm:"column:kind;type:text;not null;index:idx_tokens_kind_used,priority:1" json:"kind"`
	IssuerID   int64           `gorm:"column:issuer_id;not null" json:"issuer_id"`
	ExpireDays int             `gorm:"column:expire_days;not null" json:"expire_days"`
	Used       bool            `gorm:"column:used;not null;default:false;index:idx_tokens_kind_used,priority:2" json:"used"`
	RedeemedBy *int64          `gorm:"column:redeemed_by" json:"redeemed_by,omitempty"`
	RedeemedAt *time.Time      `gorm:"column:redeemed_at" json:"redeemed_at,omitempty"`
	CreatedAt  time.Time       `gorm:"column:created_at;not null" json:"created_at"`
}

func (Token) TableName() string { return "tokens" }

// ExpiresAt is the last instant the token can be redeemed.
func (t Token) ExpiresAt() time.Time {
	return t.CreatedAt.AddDate(0, 0, t.ExpireDays)
}

func (t Token) IsExpired(now time.Time) bool {
	return now.After(t.ExpiresAt())
}
