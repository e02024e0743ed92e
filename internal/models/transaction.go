package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// TransferStatus is the outcome of an evaluated transfer.
type TransferStatus string

const (
	StatusSuccess  TransferStatus = "SUCCESS"
	StatusRejected TransferStatus = "REJECTED"
)

// RejectReason says why a transfer was rejected. Empty on success.
type RejectReason string

const (
	ReasonInsufficientBalance RejectReason = "INSUFFICIENT_BALANCE"
	ReasonUnknownParticipant  RejectReason = "UNKNOWN_PARTICIPANT"
	ReasonInvalidAmount       RejectReason = "INVALID_AMOUNT"
	ReasonSelfTransfer        RejectReason = "SELF_TRANSFER"
)

// TransferRequest is an intent to move credits between two participants.
// It is never persisted; only the resulting TransactionRecord is.
type TransferRequest struct {
	SenderID   string          `json:"sender_id"`
	ReceiverID string          `json:"receiver_id"`
	Amount     decimal.Decimal `json:"amount"`
}

// TransactionRecord is one immutable audit entry per evaluated transfer,
// appended to the log whether the transfer succeeded or was rejected.
type TransactionRecord struct {
	ID         string          `json:"tx_id"`
	SenderID   string          `json:"sender_id"`
	ReceiverID string          `json:"receiver_id"`
	Amount     decimal.Decimal `json:"amount"`
	Timestamp  time.Time       `json:"timestamp"`
	Status     TransferStatus  `json:"status"`
	Reason     RejectReason    `json:"reason,omitempty"`
}

// Rejected reports whether the record describes a rejected transfer.
func (r TransactionRecord) Rejected() bool {
	return r.Status == StatusRejected
}

// TransactionFilter narrows ListTransactions. Zero values mean "any".
type TransactionFilter struct {
	ParticipantID string
	Status        TransferStatus
	Limit         int
}

// SummaryStatistics aggregates the system state for dashboards.
type SummaryStatistics struct {
	ParticipantCount int             `json:"participant_count"`
	TotalCredits     decimal.Decimal `json:"total_credits"`
	SuccessCount     int             `json:"success_count"`
	RejectedCount    int             `json:"rejected_count"`
	MostActiveID     string          `json:"most_active_id,omitempty"`
	MostActiveCount  int             `json:"most_active_count,omitempty"`
}
