package models

import (
	"time"

	"github.com/google/uuid"
)

// DistributionEvent is a pre-funded pool split into ParticipantCount shares.
// ClaimedCount doubles as the optimistic guard for the next free position.
type DistributionEvent struct {
	ID               uuid.UUID  `gorm:"column:id;type:uuid;primaryKey" json:"id"`
	OrganizerID      int64      `gorm:"column:organizer_id;not null;index" json:"organizer_id"`
	TotalPool        int64      `gorm:"column:total_pool;not null;check:chk_distribution_events_pool,total_pool >= participant_count" json:"total_pool"`
	ParticipantCount int        `gorm:"column:participant_count;not null;check:chk_distribution_events_participants,participant_count > 0" json:"participant_count"`
	ClaimedCount     int        `gorm:"column:claimed_count;not null;default:0" json:"claimed_count"`
	Version          int64      `gorm:"column:version;not null;default:0" json:"version"`
	FinishedAt       *time.Time `gorm:"column:finished_at" json:"finished_at,omitempty"`
	CreatedAt        time.Time  `gorm:"column:created_at;autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time  `gorm:"column:updated_at;autoUpdateTime" json:"updated_at"`
}

func (DistributionEvent) TableName() string { return "distribution_events" }

func (e DistributionEvent) IsFinished() bool {
	return e.ClaimedCount >= e.ParticipantCount
}

// EventShare is one precomputed slot of an event's pool.
type EventShare struct {
	EventID  uuid.UUID `gorm:"column:event_id;type:uuid;primaryKey" json:"event_id"`
	Position int       `gorm:"column:position;primaryKey;autoIncrement:false" json:"position"`
	Amount   int64     `gorm:"column:amount;not null;check:chk_event_shares_positive,amount >= 1" json:"amount"`
}

func (EventShare) TableName() string { return "event_shares" }

// EventClaim records which user took which position. (event_id, user_id) is unique.
type EventClaim struct {
	EventID   uuid.UUID `gorm:"column:event_id;type:uuid;primaryKey;uniqueIndex:uq_event_claims_event_user,priority:1" json:"event_id"`
	Position  int       `gorm:"column:position;primaryKey;autoIncrement:false" json:"position"`
	UserID    int64     `gorm:"column:user_id;not null;uniqueIndex:uq_event_claims_event_user,priority:2" json:"user_id"`
	Amount    int64     `gorm:"column:amount;not null" json:"amount"`
	ClaimedAt time.Time `gorm:"column:claimed_at;not null" json:"claimed_at"`
}

func (EventClaim) TableName() string { return "event_claims" }
