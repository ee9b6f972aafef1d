package enums

import "fmt"

// AccountStatus tracks the lifecycle of a provisioned media-server account.
type AccountStatus string

const (
	AccountStatusActive AccountStatus = "active"
	// AccountStatusExpiring marks a row whose media-server account is being
	// deleted. Renewals and new invites are refused until the sweep settles it.
	AccountStatusExpiring AccountStatus = "expiring"
	AccountStatusExpired  AccountStatus = "expired"
)

var validAccountStatuses = []AccountStatus{
	AccountStatusActive,
	AccountStatusExpiring,
	AccountStatusExpired,
}

func (s AccountStatus) IsValid() bool {
	for _, candidate := range validAccountStatuses {
		if candidate == s {
			return true
		}
	}
	return false
}

func ParseAccountStatus(value string) (AccountStatus, error) {
	for _, candidate := range validAccountStatuses {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid account status %q", value)
}
