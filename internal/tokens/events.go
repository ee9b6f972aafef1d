package tokens

import "time"

// IssuedEvent is the payload of a token_issued notification.
type IssuedEvent struct {
	Code       string `json:"code"`
	Kind       string `json:"kind"`
	IssuerID   int64  `json:"issuerId"`
	ExpireDays int    `json:"expireDays"`
	Purchased  bool   `json:"purchased"`
}

// RedeemedEvent is the payload of a token_redeemed notification.
type RedeemedEvent struct {
	Code       string     `json:"code"`
	Kind       string     `json:"kind"`
	RedeemedBy int64      `json:"redeemedBy"`
	ExpiresAt  *time.Time `json:"expiresAt,omitempty"`
}

// RedeemFailedEvent is the payload of a token_redeem_failed notification.
type RedeemFailedEvent struct {
	Code   string `json:"code"`
	Kind   string `json:"kind"`
	UserID int64  `json:"userId"`
	Reason string `json:"reason"`
}
