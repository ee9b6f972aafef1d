package events

import "github.com/google/uuid"

// CreatedEvent is the payload of a distribution_event_created notification.
type CreatedEvent struct {
	EventID          uuid.UUID `json:"eventId"`
	OrganizerID      int64     `json:"organizerId"`
	TotalPool        int64     `json:"totalPool"`
	ParticipantCount int       `json:"participantCount"`
}
