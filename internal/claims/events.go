package claims

import "github.com/google/uuid"

// ClaimedEvent is the payload of a distribution_event_claimed notification.
type ClaimedEvent struct {
	EventID   uuid.UUID `json:"eventId"`
	UserID    int64     `json:"userId"`
	Position  int       `json:"position"`
	Amount    int64     `json:"amount"`
	Remaining int       `json:"remaining"`
}

// FinishedEvent is the payload of a distribution_event_finished notification.
type FinishedEvent struct {
	EventID     uuid.UUID    `json:"eventId"`
	OrganizerID int64        `json:"organizerId"`
	TotalPool   int64        `json:"totalPool"`
	Results     []ClaimEntry `json:"results"`
}

// ClaimEntry is one line of a finished event's results.
type ClaimEntry struct {
	UserID   int64 `json:"userId"`
	Position int   `json:"position"`
	Amount   int64 `json:"amount"`
}
