package enums

import "fmt"

// LedgerEntryType labels each audit row written alongside a balance mutation.
type LedgerEntryType string

const (
	LedgerEntryCredit        LedgerEntryType = "credit"
	LedgerEntryDebit         LedgerEntryType = "debit"
	LedgerEntryTransferIn    LedgerEntryType = "transfer_in"
	LedgerEntryTransferOut   LedgerEntryType = "transfer_out"
	LedgerEntrySet           LedgerEntryType = "set"
	LedgerEntrySignIn        LedgerEntryType = "sign_in"
	LedgerEntryBonus         LedgerEntryType = "bonus"
	LedgerEntryEventFund     LedgerEntryType = "event_fund"
	LedgerEntryEventClaim    LedgerEntryType = "event_claim"
	LedgerEntryTokenPurchase LedgerEntryType = "token_purchase"
)

var validLedgerEntryTypes = []LedgerEntryType{
	LedgerEntryCredit,
	LedgerEntryDebit,
	LedgerEntryTransferIn,
	LedgerEntryTransferOut,
	LedgerEntrySet,
	LedgerEntrySignIn,
	LedgerEntryBonus,
	LedgerEntryEventFund,
	LedgerEntryEventClaim,
	LedgerEntryTokenPurchase,
}

// IsValid reports whether the value matches a known ledger entry type.
func (t LedgerEntryType) IsValid() bool {
	for _, candidate := range validLedgerEntryTypes {
		if candidate == t {
			return true
		}
	}
	return false
}

// ParseLedgerEntryType converts raw input into LedgerEntryType.
func ParseLedgerEntryType(value string) (LedgerEntryType, error) {
	for _, candidate := range validLedgerEntryTypes {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid ledger entry type %q", value)
}
