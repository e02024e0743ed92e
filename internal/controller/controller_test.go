package controller

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/microgrid-labs/energy-credit-ledger/internal/interfaces"
	"github.com/microgrid-labs/energy-credit-ledger/internal/models"
	"github.com/microgrid-labs/energy-credit-ledger/internal/storage/memory"
)

func newTestController(t *testing.T, cfg Config) (*Controller, *memory.Store) {
	t.Helper()

	store := memory.NewStore()
	ctrl, err := New(context.Background(), store, nil, cfg, nil)
	require.NoError(t, err)
	return ctrl, store
}

func addHouse(t *testing.T, store *memory.Store, id string, balance int64) {
	t.Helper()

	err := store.CreateParticipant(context.Background(), models.Participant{
		ID:      id,
		Name:    id,
		Kind:    models.KindHouse,
		Balance: decimal.NewFromInt(balance),
	})
	require.NoError(t, err)
}

func balanceOf(t *testing.T, store *memory.Store, id string) decimal.Decimal {
	t.Helper()

	balance, found, err := store.GetBalance(context.Background(), id)
	require.NoError(t, err)
	require.True(t, found)
	return balance
}

func TestExecuteTransferSuccess(t *testing.T) {
	ctrl, store := newTestController(t, Config{})
	addHouse(t, store, "A", 100)
	addHouse(t, store, "B", 50)

	record, err := ctrl.ExecuteTransfer(context.Background(), models.TransferRequest{
		SenderID: "A", ReceiverID: "B", Amount: decimal.NewFromInt(30),
	})
	require.NoError(t, err)

	assert.Equal(t, models.StatusSuccess, record.Status)
	assert.Empty(t, record.Reason)
	assert.NotEmpty(t, record.ID)
	assert.False(t, record.Timestamp.IsZero())
	assert.True(t, balanceOf(t, store, "A").Equal(decimal.NewFromInt(70)))
	assert.True(t, balanceOf(t, store, "B").Equal(decimal.NewFromInt(80)))
}

func TestExecuteTransferInsufficientBalance(t *testing.T) {
	ctrl, store := newTestController(t, Config{})
	addHouse(t, store, "A", 10)
	addHouse(t, store, "B", 0)

	record, err := ctrl.ExecuteTransfer(context.Background(), models.TransferRequest{
		SenderID: "A", ReceiverID: "B", Amount: decimal.NewFromInt(50),
	})
	require.NoError(t, err)

	assert.Equal(t, models.StatusRejected, record.Status)
	assert.Equal(t, models.ReasonInsufficientBalance, record.Reason)
	assert.True(t, balanceOf(t, store, "A").Equal(decimal.NewFromInt(10)))
	assert.True(t, balanceOf(t, store, "B").Equal(decimal.Zero))
}

func TestExecuteTransferSelfTransfer(t *testing.T) {
	ctrl, store := newTestController(t, Config{})
	addHouse(t, store, "A", 100)

	record, err := ctrl.ExecuteTransfer(context.Background(), models.TransferRequest{
		SenderID: "A", ReceiverID: "A", Amount: decimal.NewFromInt(10),
	})
	require.NoError(t, err)

	assert.Equal(t, models.StatusRejected, record.Status)
	assert.Equal(t, models.ReasonSelfTransfer, record.Reason)
	assert.True(t, balanceOf(t, store, "A").Equal(decimal.NewFromInt(100)))
}

func TestExecuteTransferUnknownParticipant(t *testing.T) {
	ctrl, store := newTestController(t, Config{})
	addHouse(t, store, "A", 100)

	record, err := ctrl.ExecuteTransfer(context.Background(), models.TransferRequest{
		SenderID: "A", ReceiverID: "nonexistent", Amount: decimal.NewFromInt(10),
	})
	require.NoError(t, err)

	assert.Equal(t, models.StatusRejected, record.Status)
	assert.Equal(t, models.ReasonUnknownParticipant, record.Reason)
	assert.True(t, balanceOf(t, store, "A").Equal(decimal.NewFromInt(100)))
}

func TestExecuteTransferInvalidAmount(t *testing.T) {
	ctrl, store := newTestController(t, Config{})
	addHouse(t, store, "A", 100)
	addHouse(t, store, "B", 50)

	for _, amount := range []decimal.Decimal{decimal.NewFromInt(-5), decimal.Zero} {
		record, err := ctrl.ExecuteTransfer(context.Background(), models.TransferRequest{
			SenderID: "A", ReceiverID: "B", Amount: amount,
		})
		require.NoError(t, err)

		assert.Equal(t, models.StatusRejected, record.Status)
		assert.Equal(t, models.ReasonInvalidAmount, record.Reason)
	}
	assert.True(t, balanceOf(t, store, "A").Equal(decimal.NewFromInt(100)))
	assert.True(t, balanceOf(t, store, "B").Equal(decimal.NewFromInt(50)))
}

// Unknown participants win over the self-transfer check.
func TestValidationOrder(t *testing.T) {
	ctrl, _ := newTestController(t, Config{})

	record, err := ctrl.ExecuteTransfer(context.Background(), models.TransferRequest{
		SenderID: "ghost", ReceiverID: "ghost", Amount: decimal.NewFromInt(-1),
	})
	require.NoError(t, err)
	assert.Equal(t, models.ReasonUnknownParticipant, record.Reason)
}

func TestConcurrentOverdrawPrevented(t *testing.T) {
	ctrl, store := newTestController(t, Config{})
	addHouse(t, store, "A", 100)
	addHouse(t, store, "B", 0)
	addHouse(t, store, "C", 0)

	var wg sync.WaitGroup
	records := make([]models.TransactionRecord, 2)
	for i, receiver := range []string{"B", "C"} {
		wg.Add(1)
		go func(i int, receiver string) {
			defer wg.Done()
			record, err := ctrl.ExecuteTransfer(context.Background(), models.TransferRequest{
				SenderID: "A", ReceiverID: receiver, Amount: decimal.NewFromInt(60),
			})
			assert.NoError(t, err)
			records[i] = record
		}(i, receiver)
	}
	wg.Wait()

	succeeded, rejected := 0, 0
	for _, r := range records {
		if r.Rejected() {
			rejected++
			assert.Equal(t, models.ReasonInsufficientBalance, r.Reason)
		} else {
			succeeded++
		}
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, rejected)
	assert.True(t, balanceOf(t, store, "A").Equal(decimal.NewFromInt(40)))
	assert.False(t, balanceOf(t, store, "A").IsNegative())
}

func TestCreditsConserved(t *testing.T) {
	ctrl, store := newTestController(t, Config{GridUnlimited: false})
	addHouse(t, store, "A", 100)
	addHouse(t, store, "B", 50)
	addHouse(t, store, "C", 25)

	total := func() decimal.Decimal {
		participants, err := store.ListParticipants(context.Background())
		require.NoError(t, err)
		sum := decimal.Zero
		for _, p := range participants {
			sum = sum.Add(p.Balance)
		}
		return sum
	}

	before := total()
	requests := []models.TransferRequest{
		{SenderID: "A", ReceiverID: "B", Amount: decimal.NewFromInt(30)},
		{SenderID: "B", ReceiverID: "C", Amount: decimal.NewFromInt(70)},
		{SenderID: "C", ReceiverID: "A", Amount: decimal.NewFromInt(95)},
		{SenderID: "C", ReceiverID: "A", Amount: decimal.NewFromInt(9999)}, // rejected
		{SenderID: "A", ReceiverID: "A", Amount: decimal.NewFromInt(5)},   // rejected
	}
	for _, req := range requests {
		_, err := ctrl.ExecuteTransfer(context.Background(), req)
		require.NoError(t, err)
	}

	assert.True(t, total().Equal(before), "total credits changed: %s != %s", total(), before)
}

// Every invocation appends exactly one record, rejected ones included.
func TestEveryInvocationLogged(t *testing.T) {
	ctrl, store := newTestController(t, Config{})
	addHouse(t, store, "A", 100)
	addHouse(t, store, "B", 50)

	requests := []models.TransferRequest{
		{SenderID: "A", ReceiverID: "B", Amount: decimal.NewFromInt(10)},
		{SenderID: "A", ReceiverID: "A", Amount: decimal.NewFromInt(10)},
		{SenderID: "A", ReceiverID: "ghost", Amount: decimal.NewFromInt(10)},
		{SenderID: "A", ReceiverID: "B", Amount: decimal.Zero},
		{SenderID: "B", ReceiverID: "A", Amount: decimal.NewFromInt(9999)},
	}
	for _, req := range requests {
		_, err := ctrl.ExecuteTransfer(context.Background(), req)
		require.NoError(t, err)
	}

	records, err := store.ListTransactions(context.Background(), models.TransactionFilter{})
	require.NoError(t, err)
	assert.Len(t, records, len(requests))
}

func TestRejectionIsDeterministic(t *testing.T) {
	ctrl, store := newTestController(t, Config{})
	addHouse(t, store, "A", 10)
	addHouse(t, store, "B", 0)

	req := models.TransferRequest{SenderID: "A", ReceiverID: "B", Amount: decimal.NewFromInt(50)}
	for i := 0; i < 3; i++ {
		record, err := ctrl.ExecuteTransfer(context.Background(), req)
		require.NoError(t, err)
		assert.Equal(t, models.ReasonInsufficientBalance, record.Reason)
	}
	assert.True(t, balanceOf(t, store, "A").Equal(decimal.NewFromInt(10)))
}

func TestGridUnlimitedOverdraws(t *testing.T) {
	ctrl, store := newTestController(t, Config{GridUnlimited: true})
	addHouse(t, store, "A", 0)

	record, err := ctrl.ExecuteTransfer(context.Background(), models.TransferRequest{
		SenderID: models.GridID, ReceiverID: "A", Amount: decimal.NewFromInt(5000),
	})
	require.NoError(t, err)

	assert.Equal(t, models.StatusSuccess, record.Status)
	assert.True(t, balanceOf(t, store, "A").Equal(decimal.NewFromInt(5000)))
	// Grid started at 1000 and is allowed to go negative.
	assert.True(t, balanceOf(t, store, models.GridID).Equal(decimal.NewFromInt(-4000)))
}

func TestGridBoundedWhenConfigured(t *testing.T) {
	ctrl, store := newTestController(t, Config{GridUnlimited: false})
	addHouse(t, store, "A", 0)

	record, err := ctrl.ExecuteTransfer(context.Background(), models.TransferRequest{
		SenderID: models.GridID, ReceiverID: "A", Amount: decimal.NewFromInt(5000),
	})
	require.NoError(t, err)

	assert.Equal(t, models.StatusRejected, record.Status)
	assert.Equal(t, models.ReasonInsufficientBalance, record.Reason)
}

func TestGridBootstrappedOnce(t *testing.T) {
	ctrl, store := newTestController(t, Config{})

	balance, found, err := store.GetBalance(context.Background(), models.GridID)
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, balance.Equal(decimal.NewFromInt(1000)))

	// A second controller over the same store must not recreate the grid.
	_, err = New(context.Background(), store, nil, Config{}, nil)
	require.NoError(t, err)

	participants, err := ctrl.Participants(context.Background())
	require.NoError(t, err)
	assert.Len(t, participants, 1)
}

func TestCreateParticipant(t *testing.T) {
	ctrl, _ := newTestController(t, Config{})

	p, err := ctrl.CreateParticipant(context.Background(), "HouseA", decimal.NewFromInt(150))
	require.NoError(t, err)
	assert.Equal(t, models.KindHouse, p.Kind)
	assert.Contains(t, p.ID, "USER_")
	assert.True(t, p.Balance.Equal(decimal.NewFromInt(150)))

	_, err = ctrl.CreateParticipant(context.Background(), "HouseB", decimal.NewFromInt(-1))
	assert.Error(t, err)
}

func TestStatistics(t *testing.T) {
	ctrl, store := newTestController(t, Config{})
	addHouse(t, store, "A", 100)
	addHouse(t, store, "B", 50)

	for i := 0; i < 2; i++ {
		_, err := ctrl.ExecuteTransfer(context.Background(), models.TransferRequest{
			SenderID: "A", ReceiverID: "B", Amount: decimal.NewFromInt(10),
		})
		require.NoError(t, err)
	}
	_, err := ctrl.ExecuteTransfer(context.Background(), models.TransferRequest{
		SenderID: "A", ReceiverID: "A", Amount: decimal.NewFromInt(1),
	})
	require.NoError(t, err)

	stats, err := ctrl.Statistics(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, stats.ParticipantCount) // grid + A + B
	assert.True(t, stats.TotalCredits.Equal(decimal.NewFromInt(1150)))
	assert.Equal(t, 2, stats.SuccessCount)
	assert.Equal(t, 1, stats.RejectedCount)
	// A appears in every record: sender twice on the successes and both
	// sides of the rejected self-transfer.
	assert.Equal(t, "A", stats.MostActiveID)
	assert.Equal(t, 4, stats.MostActiveCount)
}

// failingStore wraps the memory store and fails selected operations.
type failingStore struct {
	*memory.Store
	failGet    bool
	failSet    bool
	failAppend bool
}

var errStoreDown = errors.New("store unavailable")

func (f *failingStore) GetBalance(ctx context.Context, id string) (decimal.Decimal, bool, error) {
	if f.failGet {
		return decimal.Zero, false, errStoreDown
	}
	return f.Store.GetBalance(ctx, id)
}

func (f *failingStore) SetBalances(ctx context.Context, balances map[string]decimal.Decimal) error {
	if f.failSet {
		return errStoreDown
	}
	return f.Store.SetBalances(ctx, balances)
}

func (f *failingStore) AppendTransaction(ctx context.Context, record models.TransactionRecord) error {
	if f.failAppend {
		return errStoreDown
	}
	return f.Store.AppendTransaction(ctx, record)
}

var _ interfaces.LedgerStore = (*failingStore)(nil)

// An unreachable store is an error, not a rejection, and no record is
// fabricated for it.
func TestStoreFailureIsNotARejection(t *testing.T) {
	store := &failingStore{Store: memory.NewStore()}
	ctrl, err := New(context.Background(), store, nil, Config{}, nil)
	require.NoError(t, err)
	addHouse(t, store.Store, "A", 100)
	addHouse(t, store.Store, "B", 50)

	req := models.TransferRequest{SenderID: "A", ReceiverID: "B", Amount: decimal.NewFromInt(10)}

	store.failGet = true
	record, err := ctrl.ExecuteTransfer(context.Background(), req)
	require.ErrorIs(t, err, errStoreDown)
	assert.Empty(t, record.ID)
	store.failGet = false

	store.failSet = true
	_, err = ctrl.ExecuteTransfer(context.Background(), req)
	require.ErrorIs(t, err, errStoreDown)
	assert.True(t, balanceOf(t, store.Store, "A").Equal(decimal.NewFromInt(100)))
	store.failSet = false

	records, err := store.ListTransactions(context.Background(), models.TransactionFilter{})
	require.NoError(t, err)
	assert.Empty(t, records)
}

// A transfer whose audit record cannot be appended must not leave the
// balances mutated: the debit and credit are rolled back.
func TestAppendFailureRollsBackBalances(t *testing.T) {
	store := &failingStore{Store: memory.NewStore()}
	ctrl, err := New(context.Background(), store, nil, Config{}, nil)
	require.NoError(t, err)
	addHouse(t, store.Store, "A", 100)
	addHouse(t, store.Store, "B", 50)

	store.failAppend = true
	record, err := ctrl.ExecuteTransfer(context.Background(), models.TransferRequest{
		SenderID: "A", ReceiverID: "B", Amount: decimal.NewFromInt(30),
	})
	require.ErrorIs(t, err, errStoreDown)
	assert.Empty(t, record.ID)

	assert.True(t, balanceOf(t, store.Store, "A").Equal(decimal.NewFromInt(100)))
	assert.True(t, balanceOf(t, store.Store, "B").Equal(decimal.NewFromInt(50)))

	// Rejections hit the same append; balances were never touched there.
	record, err = ctrl.ExecuteTransfer(context.Background(), models.TransferRequest{
		SenderID: "A", ReceiverID: "A", Amount: decimal.NewFromInt(10),
	})
	require.ErrorIs(t, err, errStoreDown)
	assert.Empty(t, record.ID)
	assert.True(t, balanceOf(t, store.Store, "A").Equal(decimal.NewFromInt(100)))
	store.failAppend = false

	// Once the store recovers the same transfer goes through cleanly.
	record, err = ctrl.ExecuteTransfer(context.Background(), models.TransferRequest{
		SenderID: "A", ReceiverID: "B", Amount: decimal.NewFromInt(30),
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusSuccess, record.Status)
	assert.True(t, balanceOf(t, store.Store, "A").Equal(decimal.NewFromInt(70)))
	assert.True(t, balanceOf(t, store.Store, "B").Equal(decimal.NewFromInt(80)))

	records, err := store.ListTransactions(context.Background(), models.TransactionFilter{})
	require.NoError(t, err)
	assert.Len(t, records, 1)
}
