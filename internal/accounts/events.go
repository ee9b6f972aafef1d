package accounts

import "time"

// ProvisionedEvent is the payload of an account_provisioned notification.
type ProvisionedEvent struct {
	UserID    int64      `json:"userId"`
	Username  string     `json:"username"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

// ExpiredEvent is the payload of an account_expired notification.
type ExpiredEvent struct {
	UserID    int64     `json:"userId"`
	Username  string    `json:"username"`
	ExpiredAt time.Time `json:"expiredAt"`
}

// ExtendedEvent is the payload of a subscription_extended notification.
type ExtendedEvent struct {
	UserID      int64      `json:"userId"`
	Days        int        `json:"days"`
	PreviousEnd *time.Time `json:"previousEnd,omitempty"`
	ExpiresAt   time.Time  `json:"expiresAt"`
	Lapsed      bool       `json:"lapsed"`
}
