package interfaces

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/microgrid-labs/energy-credit-ledger/internal/models"
)

// LedgerStore is the persistence boundary of the transfer engine. One
// balance record exists per participant id; transaction records are
// append-only and never mutated.
//
// Implementations must make SetBalances all-or-nothing: either every entry
// in the map is written or none is. ListTransactions returns records
// newest-first.
type LedgerStore interface {
	GetBalance(ctx context.Context, id string) (decimal.Decimal, bool, error)
	SetBalances(ctx context.Context, balances map[string]decimal.Decimal) error
	CreateParticipant(ctx context.Context, p models.Participant) error
	AppendTransaction(ctx context.Context, record models.TransactionRecord) error
	ListTransactions(ctx context.Context, filter models.TransactionFilter) ([]models.TransactionRecord, error)
	ListParticipants(ctx context.Context) ([]models.Participant, error)
}
