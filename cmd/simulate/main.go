// Command simulate runs a batch of random credit transfers against a fresh
// or existing ledger and prints a summary of the outcomes.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/microgrid-labs/energy-credit-ledger/internal/config"
	"github.com/microgrid-labs/energy-credit-ledger/internal/controller"
	"github.com/microgrid-labs/energy-credit-ledger/internal/interfaces"
	"github.com/microgrid-labs/energy-credit-ledger/internal/seed"
	"github.com/microgrid-labs/energy-credit-ledger/internal/simulation"
	"github.com/microgrid-labs/energy-credit-ledger/internal/storage/memory"
	"github.com/microgrid-labs/energy-credit-ledger/internal/storage/mongodb"
	"github.com/microgrid-labs/energy-credit-ledger/internal/storage/postgres"
)

func main() {
	logger, err := zap.NewDevelopment()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	if err := run(logger); err != nil {
		logger.Fatal("simulation failed", zap.Error(err))
	}
}

func run(logger *zap.Logger) error {
	iterations := flag.Int("n", 0, "number of transfers to attempt (overrides SIM_ITERATIONS)")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if *iterations > 0 {
		cfg.SimIterations = *iterations
	}

	maxAmount, err := decimal.NewFromString(cfg.SimMaxAmount)
	if err != nil {
		return err
	}

	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	ctrl, err := controller.New(ctx, store, nil, controller.Config{
		GridUnlimited: cfg.GridUnlimited,
		StoreTimeout:  cfg.StoreTimeout,
	}, logger)
	if err != nil {
		return err
	}

	created, err := seed.EnsureDefaults(ctx, ctrl)
	if err != nil {
		return err
	}
	if created > 0 {
		logger.Info("seeded default participants", zap.Int("count", created))
	}

	driver := simulation.NewDriver(ctrl, simulation.Config{
		Iterations: cfg.SimIterations,
		MaxAmount:  maxAmount,
	}, logger, nil)

	report, err := driver.Run(ctx)
	if err != nil {
		return err
	}

	fields := []zap.Field{
		zap.Int("attempted", report.Attempted),
		zap.Int("succeeded", report.Succeeded),
	}
	for reason, count := range report.Rejected {
		fields = append(fields, zap.Int("rejected_"+string(reason), count))
	}
	logger.Info("simulation report", fields...)

	stats, err := ctrl.Statistics(ctx)
	if err != nil {
		return err
	}
	logger.Info("system state",
		zap.Int("participants", stats.ParticipantCount),
		zap.String("total_credits", stats.TotalCredits.String()),
		zap.String("most_active", stats.MostActiveID))
	return nil
}

func openStore(ctx context.Context, cfg config.Config, logger *zap.Logger) (interfaces.LedgerStore, func(), error) {
	switch cfg.StoreBackend {
	case "mongo":
		store, err := mongodb.Connect(ctx, cfg.MongoURI, cfg.MongoDatabase, logger)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { store.Close(context.Background()) }, nil
	case "postgres":
		store, err := postgres.Connect(ctx, cfg.PostgresDSN, logger)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { store.Close() }, nil
	default:
		return memory.NewStore(), func() {}, nil
	}
}
