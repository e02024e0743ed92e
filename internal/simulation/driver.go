// Package simulation drives random credit transfers through the transfer
// engine. It carries no validation logic of its own; rejected transfers are
// just logged outcomes.
package simulation

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/microgrid-labs/energy-credit-ledger/internal/models"
)

// Engine is the subset of the controller the driver calls.
type Engine interface {
	ExecuteTransfer(ctx context.Context, req models.TransferRequest) (models.TransactionRecord, error)
	Participants(ctx context.Context) ([]models.Participant, error)
}

// Config tunes a simulation run.
type Config struct {
	// Iterations is the number of transfers to attempt.
	Iterations int
	// MaxAmount caps every random amount; it is also the effective bound for
	// the grid, whose balance does not limit it.
	MaxAmount decimal.Decimal
	// Interval is an optional pause between iterations.
	Interval time.Duration
}

// Report summarizes a finished run.
type Report struct {
	Attempted int
	Succeeded int
	Rejected  map[models.RejectReason]int
}

// Driver repeatedly picks two distinct participants and a random amount and
// submits the transfer.
type Driver struct {
	engine Engine
	cfg    Config
	logger *zap.Logger
	rng    *rand.Rand
}

// NewDriver builds a driver. A nil rng gets a time-seeded source.
func NewDriver(engine Engine, cfg Config, logger *zap.Logger, rng *rand.Rand) *Driver {
	if logger == nil {
		logger = zap.NewNop()
	}
	if rng == nil {
		rng = rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0))
	}
	return &Driver{engine: engine, cfg: cfg, logger: logger, rng: rng}
}

// Run executes the configured number of iterations, stopping early when ctx
// is cancelled. An in-flight transfer is never interrupted; cancellation is
// only observed between iterations.
func (d *Driver) Run(ctx context.Context) (Report, error) {
	report := Report{Rejected: make(map[models.RejectReason]int)}

	select {
	case <-ctx.Done():
		return report, nil
	default:
	}

	participants, err := d.engine.Participants(ctx)
	if err != nil {
		return report, err
	}
	if len(participants) < 2 {
		return report, fmt.Errorf("need at least two participants, have %d", len(participants))
	}

	for i := 0; i < d.cfg.Iterations; i++ {
		select {
		case <-ctx.Done():
			d.logger.Info("simulation cancelled", zap.Int("completed", report.Attempted))
			return report, nil
		default:
		}

		// Balances move every iteration, so re-read them each time.
		participants, err = d.engine.Participants(ctx)
		if err != nil {
			return report, err
		}

		sender := participants[d.rng.IntN(len(participants))]
		receiver := participants[d.rng.IntN(len(participants))]
		for receiver.ID == sender.ID {
			receiver = participants[d.rng.IntN(len(participants))]
		}

		req := models.TransferRequest{
			SenderID:   sender.ID,
			ReceiverID: receiver.ID,
			Amount:     d.randomAmount(sender),
		}

		record, err := d.engine.ExecuteTransfer(ctx, req)
		if err != nil {
			return report, fmt.Errorf("iteration %d: %w", i, err)
		}

		report.Attempted++
		if record.Rejected() {
			report.Rejected[record.Reason]++
		} else {
			report.Succeeded++
		}

		if d.cfg.Interval > 0 {
			select {
			case <-ctx.Done():
				return report, nil
			case <-time.After(d.cfg.Interval):
			}
		}
	}

	d.logger.Info("simulation finished",
		zap.Int("attempted", report.Attempted),
		zap.Int("succeeded", report.Succeeded))
	return report, nil
}

// randomAmount draws uniformly from (0, bound] with two decimal places,
// where bound is the sender's balance capped by MaxAmount. The grid ignores
// its balance. A broke sender still produces a small positive amount, which
// the engine then rejects and logs.
func (d *Driver) randomAmount(sender models.Participant) decimal.Decimal {
	bound := d.cfg.MaxAmount
	if sender.Kind != models.KindGrid && sender.Balance.LessThan(bound) {
		bound = sender.Balance
	}

	cents := bound.Mul(decimal.NewFromInt(100)).IntPart()
	if cents < 1 {
		cents = 1
	}
	return decimal.New(1+d.rng.Int64N(cents), -2)
}
