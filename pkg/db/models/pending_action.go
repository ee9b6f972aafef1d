package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/streamclub/allocator/pkg/enums"
)

// PendingAction holds an operation awaiting confirmation until ExpiresAt.
type PendingAction struct {
	Token      uuid.UUID               `gorm:"column:token;type:uuid;primaryKey" json:"token"`
	Kind       enums.PendingActionKind `gorm:"column:kind;type:text;not null" json:"kind"`
	ActorID    int64                   `gorm:"column:actor_id;not null" json:"actor_id"`
	Payload    json.RawMessage         `gorm:"column:payload;type:jsonb;serializer:json" json:"payload"`
	ExpiresAt  time.Time               `gorm:"column:expires_at;not null;index" json:"expires_at"`
	ConsumedAt *time.Time              `gorm:"column:consumed_at" json:"consumed_at,omitempty"`
	CreatedAt  time.Time               `gorm:"column:created_at;autoCreateTime" json:"created_at"`
}

func (PendingAction) TableName() string { return "pending_actions" }
