// Package memory provides an in-memory LedgerStore, used by tests and as
// the default backend when no database is configured.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/microgrid-labs/energy-credit-ledger/internal/interfaces"
	"github.com/microgrid-labs/energy-credit-ledger/internal/models"
)

// Store keeps participants and the transaction log in process memory.
// All methods are safe for concurrent use.
type Store struct {
	mu           sync.Mutex
	participants map[string]models.Participant
	transactions []models.TransactionRecord
}

// NewStore returns an empty in-memory store.
func NewStore() *Store {
	return &Store{
		participants: make(map[string]models.Participant),
	}
}

func (s *Store) GetBalance(ctx context.Context, id string) (decimal.Decimal, bool, error) {
	if err := ctx.Err(); err != nil {
		return decimal.Zero, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.participants[id]
	if !ok {
		return decimal.Zero, false, nil
	}
	return p.Balance, true, nil
}

// SetBalances applies every entry or none. All ids are verified to exist
// before any balance is touched.
func (s *Store) SetBalances(ctx context.Context, balances map[string]decimal.Decimal) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock() // one lock spans the whole batch, so readers never see a partial write
	defer s.mu.Unlock()

	// Verify every id before touching any balance; a single unknown
	// participant must leave the batch unapplied.
	for id := range balances {
		if _, ok := s.participants[id]; !ok {
			return fmt.Errorf("unknown participant %s", id)
		}
	}
	for id, balance := range balances {
		p := s.participants[id]
		p.Balance = balance
		s.participants[id] = p
	}
	return nil
}

func (s *Store) CreateParticipant(ctx context.Context, p models.Participant) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.participants[p.ID]; ok {
		return fmt.Errorf("participant %s already exists", p.ID)
	}
	s.participants[p.ID] = p
	return nil
}

func (s *Store) AppendTransaction(ctx context.Context, record models.TransactionRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.transactions = append(s.transactions, record)
	return nil
}

// ListTransactions returns matching records newest-first.
func (s *Store) ListTransactions(ctx context.Context, filter models.TransactionFilter) ([]models.TransactionRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Records are appended in arrival order, so walking the slice backwards
	// yields them newest-first without sorting.
	var result []models.TransactionRecord
	for i := len(s.transactions) - 1; i >= 0; i-- {
		r := s.transactions[i]
		if filter.ParticipantID != "" && r.SenderID != filter.ParticipantID && r.ReceiverID != filter.ParticipantID {
			continue
		}
		if filter.Status != "" && r.Status != filter.Status {
			continue
		}
		result = append(result, r)
		if filter.Limit > 0 && len(result) == filter.Limit {
			break
		}
	}
	return result, nil
}

func (s *Store) ListParticipants(ctx context.Context) ([]models.Participant, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Copy into a fresh slice so callers can't mutate internal state.
	result := make([]models.Participant, 0, len(s.participants))
	for _, p := range s.participants {
		result = append(result, p)
	}
	return result, nil
}

var _ interfaces.LedgerStore = (*Store)(nil)
