package enums

import "fmt"

// OutboxAggregateType identifies the entity an outbox row describes.
type OutboxAggregateType string

const (
	AggregateToken             OutboxAggregateType = "token"
	AggregateDistributionEvent OutboxAggregateType = "distribution_event"
	AggregateScoreBalance      OutboxAggregateType = "score_balance"
	AggregateAccount           OutboxAggregateType = "account"
)

var validAggregateTypes = []OutboxAggregateType{
	AggregateToken,
	AggregateDistributionEvent,
	AggregateScoreBalance,
	AggregateAccount,
}

// IsValid reports whether the value matches a known aggregate type.
func (a OutboxAggregateType) IsValid() bool {
	for _, candidate := range validAggregateTypes {
		if candidate == a {
			return true
		}
	}
	return false
}

// ParseOutboxAggregateType converts raw input into OutboxAggregateType.
func ParseOutboxAggregateType(value string) (OutboxAggregateType, error) {
	for _, candidate := range validAggregateTypes {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid aggregate type %q", value)
}

// OutboxEventType is the notification kind handed to the presentation layer.
type OutboxEventType string

const (
	EventTokenIssued          OutboxEventType = "token_issued"
	EventTokenRedeemed        OutboxEventType = "token_redeemed"
	EventTokenRedeemFailed    OutboxEventType = "token_redeem_failed"
	EventDistributionCreated  OutboxEventType = "distribution_event_created"
	EventDistributionClaimed  OutboxEventType = "distribution_event_claimed"
	EventDistributionFinished OutboxEventType = "distribution_event_finished"
	EventInsufficientBalance  OutboxEventType = "insufficient_balance"
	EventAccountProvisioned   OutboxEventType = "account_provisioned"
	EventAccountExpired       OutboxEventType = "account_expired"
	EventSubscriptionExtended OutboxEventType = "subscription_extended"
)

var validEventTypes = []OutboxEventType{
	EventTokenIssued,
	EventTokenRedeemed,
	EventTokenRedeemFailed,
	EventDistributionCreated,
	EventDistributionClaimed,
	EventDistributionFinished,
	EventInsufficientBalance,
	EventAccountProvisioned,
	EventAccountExpired,
	EventSubscriptionExtended,
}

// IsValid reports whether the value matches a known event type.
func (e OutboxEventType) IsValid() bool {
	for _, candidate := range validEventTypes {
		if candidate == e {
			return true
		}
	}
	return false
}

// ParseOutboxEventType converts raw input into OutboxEventType.
func ParseOutboxEventType(value string) (OutboxEventType, error) {
	for _, candidate := range validEventTypes {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid event type %q", value)
}
