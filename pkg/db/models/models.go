package models

// All lists every persisted model, in dependency order, for AutoMigrate in dev and tests.
func All() []any {
	return []any{
		&ScoreBalance{},
		&LedgerEntry{},
		&Account{},
		&Token{},
		&DistributionEvent{},
		&EventShare{},
		&EventClaim{},
		&PendingAction{},
		&OutboxEvent{},
	}
}
