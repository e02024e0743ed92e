// Package controller implements the transfer engine: the single component
// allowed to read and mutate participant balances. Every evaluated transfer,
// successful or rejected, produces exactly one transaction record.
package controller

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/microgrid-labs/energy-credit-ledger/internal/interfaces"
	"github.com/microgrid-labs/energy-credit-ledger/internal/models"
	"github.com/microgrid-labs/energy-credit-ledger/internal/models/events"
)

// gridSeedBalance is the grid's initial credit pool when it is bootstrapped.
var gridSeedBalance = decimal.NewFromInt(1000)

// Config tunes engine behavior.
type Config struct {
	// GridUnlimited treats the grid as an unconstrained supply: the
	// insufficient-balance check is skipped when the grid is the sender and
	// its balance may go negative.
	GridUnlimited bool
	// StoreTimeout bounds every individual store operation.
	StoreTimeout time.Duration
}

// Controller validates transfer requests, applies balance mutations, and
// appends the audit log. It holds a mutex per participant so that the
// check-then-act sequence for a given sender is serialized across
// concurrent callers.
type Controller struct {
	store     interfaces.LedgerStore
	publisher interfaces.EventPublisher
	cfg       Config
	logger    *zap.Logger

	mapMu sync.Mutex
	muMap map[string]*sync.Mutex
}

// New builds a controller and ensures the distinguished grid participant
// exists in the store.
func New(ctx context.Context, store interfaces.LedgerStore, publisher interfaces.EventPublisher, cfg Config, logger *zap.Logger) (*Controller, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = 5 * time.Second
	}

	c := &Controller{
		store:     store,
		publisher: publisher,
		cfg:       cfg,
		logger:    logger,
		muMap:     make(map[string]*sync.Mutex),
	}

	if err := c.ensureGrid(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Controller) ensureGrid(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.StoreTimeout)
	defer cancel()

	_, found, err := c.store.GetBalance(ctx, models.GridID)
	if err != nil {
		return fmt.Errorf("checking grid participant: %w", err)
	}
	if found {
		return nil
	}

	grid := models.Participant{
		ID:      models.GridID,
		Name:    "Central Microgrid",
		Kind:    models.KindGrid,
		Balance: gridSeedBalance,
	}
	if err := c.store.CreateParticipant(ctx, grid); err != nil {
		return fmt.Errorf("creating grid participant: %w", err)
	}
	c.logger.Info("bootstrapped grid participant",
		zap.String("id", grid.ID),
		zap.String("balance", grid.Balance.String()))
	return nil
}

func (c *Controller) lockFor(id string) *sync.Mutex {
	c.mapMu.Lock()
	defer c.mapMu.Unlock()

	mu, ok := c.muMap[id]
	if !ok {
		mu = &sync.Mutex{}
		c.muMap[id] = mu
	}
	return mu
}

// lockPair acquires the mutexes for both participants in id order to avoid
// deadlock, taking a single lock when the ids are equal.
func (c *Controller) lockPair(a, b string) func() {
	if a == b {
		mu := c.lockFor(a)
		mu.Lock()
		return mu.Unlock
	}

	first, second := a, b
	if second < first {
		first, second = second, first
	}
	muFirst := c.lockFor(first)
	muSecond := c.lockFor(second)
	muFirst.Lock()
	muSecond.Lock()
	return func() {
		muSecond.Unlock()
		muFirst.Unlock()
	}
}

// ExecuteTransfer evaluates one transfer request. Domain rejections come
// back as a REJECTED record with a reason and a nil error; a non-nil error
// means the transfer could not be evaluated at all (store failure) and no
// record was produced for it.
func (c *Controller) ExecuteTransfer(ctx context.Context, req models.TransferRequest) (models.TransactionRecord, error) {
	unlock := c.lockPair(req.SenderID, req.ReceiverID)
	defer unlock()

	record := models.TransactionRecord{
		ID:         uuid.New().String(),
		SenderID:   req.SenderID,
		ReceiverID: req.ReceiverID,
		Amount:     req.Amount,
		Timestamp:  time.Now().UTC(),
	}

	senderBalance, senderFound, err := c.getBalance(ctx, req.SenderID)
	if err != nil {
		return models.TransactionRecord{}, err
	}
	receiverBalance, receiverFound, err := c.getBalance(ctx, req.ReceiverID)
	if err != nil {
		return models.TransactionRecord{}, err
	}

	reason := c.validate(req, senderFound, receiverFound, senderBalance)
	if reason != "" {
		record.Status = models.StatusRejected
		record.Reason = reason
		if err := c.appendRecord(ctx, record); err != nil {
			return models.TransactionRecord{}, err
		}
		c.logger.Info("transfer rejected",
			zap.String("tx_id", record.ID),
			zap.String("sender_id", req.SenderID),
			zap.String("receiver_id", req.ReceiverID),
			zap.String("amount", req.Amount.String()),
			zap.String("reason", string(reason)))
		return record, nil
	}

	err = c.setBalances(ctx, map[string]decimal.Decimal{
		req.SenderID:   senderBalance.Sub(req.Amount),
		req.ReceiverID: receiverBalance.Add(req.Amount),
	})
	if err != nil {
		return models.TransactionRecord{}, err
	}

	record.Status = models.StatusSuccess
	if err := c.appendRecord(ctx, record); err != nil {
		// The mutation is only observable together with its audit record.
		// Roll the balances back so the failed transfer leaves no trace.
		restoreErr := c.setBalances(ctx, map[string]decimal.Decimal{
			req.SenderID:   senderBalance,
			req.ReceiverID: receiverBalance,
		})
		if restoreErr != nil {
			c.logger.Error("failed to roll back balances after append failure",
				zap.String("tx_id", record.ID),
				zap.String("sender_id", req.SenderID),
				zap.String("receiver_id", req.ReceiverID),
				zap.Error(restoreErr))
		}
		return models.TransactionRecord{}, err
	}

	c.logger.Info("transfer completed",
		zap.String("tx_id", record.ID),
		zap.String("sender_id", req.SenderID),
		zap.String("receiver_id", req.ReceiverID),
		zap.String("amount", req.Amount.String()))

	c.publish(ctx, record)
	return record, nil
}

// validate runs the rejection checks in order and returns the first failing
// reason, or "" when the transfer may proceed.
func (c *Controller) validate(req models.TransferRequest, senderFound, receiverFound bool, senderBalance decimal.Decimal) models.RejectReason {
	if !senderFound || !receiverFound {
		return models.ReasonUnknownParticipant
	}
	if req.SenderID == req.ReceiverID {
		return models.ReasonSelfTransfer
	}
	if req.Amount.Cmp(decimal.Zero) <= 0 {
		return models.ReasonInvalidAmount
	}
	if c.cfg.GridUnlimited && req.SenderID == models.GridID {
		return ""
	}
	if senderBalance.Cmp(req.Amount) < 0 {
		return models.ReasonInsufficientBalance
	}
	return ""
}

func (c *Controller) getBalance(ctx context.Context, id string) (decimal.Decimal, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.StoreTimeout)
	defer cancel()

	balance, found, err := c.store.GetBalance(ctx, id)
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("reading balance of %s: %w", id, err)
	}
	return balance, found, nil
}

func (c *Controller) setBalances(ctx context.Context, balances map[string]decimal.Decimal) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.StoreTimeout)
	defer cancel()

	if err := c.store.SetBalances(ctx, balances); err != nil {
		return fmt.Errorf("writing balances: %w", err)
	}
	return nil
}

func (c *Controller) appendRecord(ctx context.Context, record models.TransactionRecord) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.StoreTimeout)
	defer cancel()

	if err := c.store.AppendTransaction(ctx, record); err != nil {
		return fmt.Errorf("appending transaction %s: %w", record.ID, err)
	}
	return nil
}

func (c *Controller) publish(ctx context.Context, record models.TransactionRecord) {
	if c.publisher == nil {
		return
	}
	event := events.TransferCompleted{
		TransactionID: record.ID,
		SenderID:      record.SenderID,
		ReceiverID:    record.ReceiverID,
		Amount:        record.Amount,
		OccurredAt:    record.Timestamp,
	}
	if err := c.publisher.Publish(ctx, event); err != nil {
		c.logger.Warn("failed to publish transfer event",
			zap.String("tx_id", record.ID), zap.Error(err))
	}
}

// CreateParticipant registers a new house with an initial balance and a
// generated id. This is the only balance write outside a transfer.
func (c *Controller) CreateParticipant(ctx context.Context, name string, initialBalance decimal.Decimal) (models.Participant, error) {
	if initialBalance.IsNegative() {
		return models.Participant{}, fmt.Errorf("initial balance must not be negative")
	}

	p := models.Participant{
		ID:      newParticipantID(),
		Name:    name,
		Kind:    models.KindHouse,
		Balance: initialBalance,
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.StoreTimeout)
	defer cancel()

	if err := c.store.CreateParticipant(ctx, p); err != nil {
		return models.Participant{}, fmt.Errorf("creating participant %s: %w", p.ID, err)
	}
	c.logger.Info("created participant", zap.String("id", p.ID), zap.String("name", name))
	return p, nil
}

func newParticipantID() string {
	return fmt.Sprintf("USER_%s_%06d",
		time.Now().UTC().Format("20060102_150405"),
		rand.IntN(1000000))
}

// Participants returns all participants with their current balances.
func (c *Controller) Participants(ctx context.Context) ([]models.Participant, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.StoreTimeout)
	defer cancel()

	participants, err := c.store.ListParticipants(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing participants: %w", err)
	}
	return participants, nil
}

// Transactions returns the audit log, newest-first, optionally filtered.
func (c *Controller) Transactions(ctx context.Context, filter models.TransactionFilter) ([]models.TransactionRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.StoreTimeout)
	defer cancel()

	records, err := c.store.ListTransactions(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("listing transactions: %w", err)
	}
	return records, nil
}

// Statistics summarizes the system: participant count, total credits, and
// transfer activity including the most active participant.
func (c *Controller) Statistics(ctx context.Context) (models.SummaryStatistics, error) {
	participants, err := c.Participants(ctx)
	if err != nil {
		return models.SummaryStatistics{}, err
	}
	records, err := c.Transactions(ctx, models.TransactionFilter{})
	if err != nil {
		return models.SummaryStatistics{}, err
	}

	stats := models.SummaryStatistics{
		ParticipantCount: len(participants),
		TotalCredits:     decimal.Zero,
	}
	for _, p := range participants {
		stats.TotalCredits = stats.TotalCredits.Add(p.Balance)
	}

	// Activity counts appearances in the log; rejected attempts are part of
	// the audit trail and count too.
	activity := make(map[string]int)
	for _, r := range records {
		if r.Rejected() {
			stats.RejectedCount++
		} else {
			stats.SuccessCount++
		}
		activity[r.SenderID]++
		activity[r.ReceiverID]++
	}
	for id, n := range activity {
		if n > stats.MostActiveCount || (n == stats.MostActiveCount && id < stats.MostActiveID) {
			stats.MostActiveID = id
			stats.MostActiveCount = n
		}
	}
	return stats, nil
}
