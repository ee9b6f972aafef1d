package enums

import "fmt"

// PendingActionKind names an operation that waits for an explicit confirmation.
type PendingActionKind string

const (
	PendingDeleteToken   PendingActionKind = "delete_token"
	PendingSetBalance    PendingActionKind = "set_balance"
	PendingExpireAccount PendingActionKind = "expire_account"
)

var validPendingActionKinds = []PendingActionKind{
	PendingDeleteToken,
	PendingSetBalance,
	PendingExpireAccount,
}

func (k PendingActionKind) IsValid() bool {
	for _, candidate := range validPendingActionKinds {
		if candidate == k {
			return true
		}
	}
	return false
}

func ParsePendingActionKind(value string) (PendingActionKind, error) {
	for _, candidate := range validPendingActionKinds {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid pending action kind %q", value)
}
