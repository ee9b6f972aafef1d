package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/streamclub/allocator/pkg/enums"
)

// OutboxEvent represents an append-only event emitted via the outbox pattern.
type OutboxEvent struct {
	ID            uuid.UUID                 `gorm:"column:id;type:uuid;primaryKey" json:"id"`
	EventType     enums.OutboxEventType     `gorm:"column:event_type;type:text;not null" json:"event_type"`
	AggregateType enums.OutboxAggregateType `gorm:"column:aggregate_type;type:text;not null" json:"aggregate_type"`
	AggregateID   string                    `gorm:"column:aggregate_id;type:text;not null" json:"aggregate_id"`
	Payload       json.RawMessage           `gorm:"column:payload;type:jsonb;serializer:json;not null" json:"payload"`
	CreatedAt     time.Time                 `gorm:"column:created_at;autoCreateTime;index:idx_outbox_events_unpublished,priority:2" json:"created_at"`
	PublishedAt   *time.Time                `gorm:"column:published_at;index:idx_outbox_events_unpublished,priority:1" json:"published_at,omitempty"`
	AttemptCount  int                       `gorm:"column:attempt_count;not null;default:0" json:"attempt_count"`
	LastError     *string                   `gorm:"column:last_error" json:"last_error,omitempty"`
}

func (OutboxEvent) TableName() string { return "outbox_events" }

func (e *OutboxEvent) BeforeCreate(*gorm.DB) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	return nil
}
