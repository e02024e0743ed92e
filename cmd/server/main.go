package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/microgrid-labs/energy-credit-ledger/internal/config"
	"github.com/microgrid-labs/energy-credit-ledger/internal/controller"
	"github.com/microgrid-labs/energy-credit-ledger/internal/events/kafka"
	"github.com/microgrid-labs/energy-credit-ledger/internal/interfaces"
	"github.com/microgrid-labs/energy-credit-ledger/internal/models"
	"github.com/microgrid-labs/energy-credit-ledger/internal/seed"
	"github.com/microgrid-labs/energy-credit-ledger/internal/storage/memory"
	"github.com/microgrid-labs/energy-credit-ledger/internal/storage/mongodb"
	"github.com/microgrid-labs/energy-credit-ledger/internal/storage/postgres"
)

type Service struct {
	controller *controller.Controller
	logger     *zap.Logger
}

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	if err := run(logger); err != nil {
		logger.Fatal("server exited", zap.Error(err))
	}
}

func run(logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	var publisher interfaces.EventPublisher
	if len(cfg.KafkaBrokers) > 0 {
		kp := kafka.NewPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer kp.Close()
		publisher = kp
		logger.Info("kafka publisher enabled", zap.Strings("brokers", cfg.KafkaBrokers))
	}

	ctrl, err := controller.New(ctx, store, publisher, controller.Config{
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

	svc := &Service{controller: ctrl, logger: logger}

	router := mux.NewRouter()
	router.HandleFunc("/health", svc.HealthHandler).Methods(http.MethodGet)
	router.HandleFunc("/participants", svc.ListParticipantsHandler).Methods(http.MethodGet)
	router.HandleFunc("/participants", svc.CreateParticipantHandler).Methods(http.MethodPost)
	router.HandleFunc("/transfers", svc.TransferHandler).Methods(http.MethodPost)
	router.HandleFunc("/transactions", svc.ListTransactionsHandler).Methods(http.MethodGet)
	router.HandleFunc("/stats", svc.StatsHandler).Methods(http.MethodGet)

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting server", zap.String("addr", server.Addr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	logger.Info("shutting down")
	return server.Shutdown(shutdownCtx)
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

func (s *Service) HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Service) ListParticipantsHandler(w http.ResponseWriter, r *http.Request) {
	participants, err := s.controller.Participants(r.Context())
	if err != nil {
		s.serverError(w, "listing participants", err)
		return
	}
	writeJSON(w, http.StatusOK, participants)
}

func (s *Service) CreateParticipantHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name           string          `json:"name"`
		InitialBalance decimal.Decimal `json:"initial_balance"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Name == "" {
		http.Error(w, "name is required", http.StatusBadRequest)
		return
	}

	participant, err := s.controller.CreateParticipant(r.Context(), req.Name, req.InitialBalance)
	if err != nil {
		s.serverError(w, "creating participant", err)
		return
	}
	writeJSON(w, http.StatusCreated, participant)
}

// TransferHandler submits one transfer. A rejected transfer is still a 200
// with the record; only infrastructure failures become 5xx.
func (s *Service) TransferHandler(w http.ResponseWriter, r *http.Request) {
	var req models.TransferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.SenderID == "" || req.ReceiverID == "" {
		http.Error(w, "sender_id and receiver_id are required", http.StatusBadRequest)
		return
	}

	record, err := s.controller.ExecuteTransfer(r.Context(), req)
	if err != nil {
		s.serverError(w, "executing transfer", err)
		return
	}

	status := http.StatusCreated
	if record.Rejected() {
		status = http.StatusOK
	}
	writeJSON(w, status, record)
}

func (s *Service) ListTransactionsHandler(w http.ResponseWriter, r *http.Request) {
	filter := models.TransactionFilter{
		ParticipantID: r.URL.Query().Get("participant_id"),
		Status:        models.TransferStatus(r.URL.Query().Get("status")),
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := parseLimit(raw)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		filter.Limit = limit
	}

	records, err := s.controller.Transactions(r.Context(), filter)
	if err != nil {
		s.serverError(w, "listing transactions", err)
		return
	}
	if records == nil {
		records = []models.TransactionRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Service) StatsHandler(w http.ResponseWriter, r *http.Request) {
	stats, err := s.controller.Statistics(r.Context())
	if err != nil {
		s.serverError(w, "computing statistics", err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Service) serverError(w http.ResponseWriter, action string, err error) {
	s.logger.Error(action, zap.Error(err))
	http.Error(w, "internal server error", http.StatusInternalServerError)
}

func parseLimit(raw string) (int, error) {
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		return 0, errors.New("limit must be a non-negative integer")
	}
	return limit, nil
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
