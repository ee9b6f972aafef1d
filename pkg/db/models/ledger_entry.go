package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/streamclub/allocator/pkg/enums"
)

// LedgerEntry is the append-only audit trail of every balance mutation.
type LedgerEntry struct {
	ID           uuid.UUID             `gorm:"column:id;type:uuid;primaryKey" json:"id"`
	UserID       int64                 `gorm:"column:user_id;not null;index:idx_ledger_entries_user_created,priority:1" json:"user_id"`
	Type         enums.LedgerEntryType `gorm:"column:type;type:text;not null" json:"type"`
	Amount       int64                 `gorm:"column:amount;not null" json:"amount"`
	BalanceAfter int64                 `gorm:"column:balance_after;not null" json:"balance_after"`
	Reference    string                `gorm:"column:reference;type:text" json:"reference"`
	CreatedAt    time.Time             `gorm:"column:created_at;autoCreateTime;index:idx_ledger_entries_user_created,priority:2" json:"created_at"`
}

func (LedgerEntry) TableName() string { return "ledger_entries" }

func (e *LedgerEntry) BeforeCreate(*gorm.DB) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	return nil
}
