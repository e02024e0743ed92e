package events

import (
	"time"

	"github.com/shopspring/decimal"
)

// TransferCompleted is published after a transfer succeeds and both
// balances have been written.
type TransferCompleted struct {
	TransactionID string          `json:"transaction_id"`
	SenderID      string          `json:"sender_id"`
	ReceiverID    string          `json:"receiver_id"`
	Amount        decimal.Decimal `json:"amount"`
	OccurredAt    time.Time       `json:"occurred_at"`
}
