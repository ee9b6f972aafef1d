package ledger

// InsufficientBalanceEvent is the payload of an insufficient_balance notification.
type InsufficientBalanceEvent struct {
	UserID    int64  `json:"userId"`
	Requested int64  `json:"requested"`
	Balance   int64  `json:"balance"`
	Reference string `json:"reference"`
}
