package enums

import "fmt"

// TokenKind is what a redemption code grants.
type TokenKind string

const (
	TokenKindInvite TokenKind = "invite"
	TokenKindRenew  TokenKind = "renew"
)

var validTokenKinds = []TokenKind{
	TokenKindInvite,
	TokenKindRenew,
}

// IsValid reports whether the value matches a known token kind.
func (k TokenKind) IsValid() bool {
	for _, candidate := range validTokenKinds {
		if candidate == k {
			return true
		}
	}
	return false
}

// ParseTokenKind converts raw input into TokenKind.
func ParseTokenKind(value string) (TokenKind, error) {
	for _, candidate := range validTokenKinds {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid token kind %q", value)
}
