// Package postgres implements the LedgerStore on PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/LerianStudio/lib-uncommons/v2/uncommons/backoff"
	_ "github.com/lib/pq" // postgres driver
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/microgrid-labs/energy-credit-ledger/internal/interfaces"
	"github.com/microgrid-labs/energy-credit-ledger/internal/models"
)

const connectAttempts = 5

const schema = `
CREATE TABLE IF NOT EXISTS participants (
	id      TEXT PRIMARY KEY,
	name    TEXT NOT NULL,
	kind    TEXT NOT NULL,
	balance NUMERIC NOT NULL
);
CREATE TABLE IF NOT EXISTS transactions (
	tx_id       TEXT PRIMARY KEY,
	sender_id   TEXT NOT NULL,
	receiver_id TEXT NOT NULL,
	amount      NUMERIC NOT NULL,
	timestamp   TIMESTAMPTZ NOT NULL,
	status      TEXT NOT NULL,
	reason      TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_transactions_timestamp ON transactions (timestamp DESC);
`

// Store persists participants and the transaction log in PostgreSQL.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

// Connect opens the database, waits for it to become reachable, and ensures
// the schema exists.
func Connect(ctx context.Context, dsn string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening postgres connection: %w", err)
	}

	for attempt := 0; ; attempt++ {
		err = db.PingContext(ctx)
		if err == nil {
			break
		}
		if attempt == connectAttempts-1 {
			db.Close()
			return nil, fmt.Errorf("pinging postgres: %w", err)
		}
		logger.Warn("waiting for postgres",
			zap.Int("attempt", attempt+1), zap.Error(err))
		if sleepErr := backoff.WaitContext(ctx, backoff.ExponentialWithJitter(time.Second, attempt)); sleepErr != nil {
			db.Close()
			return nil, sleepErr
		}
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensuring schema: %w", err)
	}

	logger.Info("connected to postgres")
	return &Store{db: db, logger: logger}, nil
}

// Close releases the database connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) GetBalance(ctx context.Context, id string) (decimal.Decimal, bool, error) {
	const query = `SELECT balance FROM participants WHERE id = $1`

	var balance decimal.Decimal
	err := s.db.QueryRowContext(ctx, query, id).Scan(&balance)
	if err == sql.ErrNoRows {
		return decimal.Zero, false, nil
	}
	if err != nil {
		return decimal.Zero, false, err
	}
	return balance, true, nil
}

// SetBalances writes every entry inside one SQL transaction.
func (s *Store) SetBalances(ctx context.Context, balances map[string]decimal.Decimal) error {
	const query = `UPDATE participants SET balance = $1 WHERE id = $2`

	dbTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	// Roll back on any failure so no subset of the batch is committed.
	defer func() {
		if err != nil {
			dbTx.Rollback()
		}
	}()

	for id, balance := range balances {
		var result sql.Result
		result, err = dbTx.ExecContext(ctx, query, balance, id)
		if err != nil {
			return err
		}
		var affected int64
		affected, err = result.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			err = fmt.Errorf("unknown participant %s", id)
			return err
		}
	}
	return dbTx.Commit()
}

func (s *Store) CreateParticipant(ctx context.Context, p models.Participant) error {
	const query = `INSERT INTO participants (id, name, kind, balance) VALUES ($1, $2, $3, $4)`

	_, err := s.db.ExecContext(ctx, query, p.ID, p.Name, string(p.Kind), p.Balance)
	return err
}

func (s *Store) AppendTransaction(ctx context.Context, record models.TransactionRecord) error {
	const query = `INSERT INTO transactions (tx_id, sender_id, receiver_id, amount, timestamp, status, reason)
	VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err := s.db.ExecContext(ctx, query,
		record.ID, record.SenderID, record.ReceiverID, record.Amount,
		record.Timestamp, string(record.Status), string(record.Reason))
	return err
}

func (s *Store) ListTransactions(ctx context.Context, filter models.TransactionFilter) ([]models.TransactionRecord, error) {
	query := `SELECT tx_id, sender_id, receiver_id, amount, timestamp, status, reason FROM transactions`
	var args []any
	var conds []string

	if filter.ParticipantID != "" {
		args = append(args, filter.ParticipantID)
		ph := fmt.Sprintf("$%d", len(args))
		conds = append(conds, fmt.Sprintf("(sender_id = %s OR receiver_id = %s)", ph, ph))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY timestamp DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []models.TransactionRecord
	for rows.Next() {
		var r models.TransactionRecord
		if err := rows.Scan(&r.ID, &r.SenderID, &r.ReceiverID, &r.Amount, &r.Timestamp, &r.Status, &r.Reason); err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

func (s *Store) ListParticipants(ctx context.Context) ([]models.Participant, error) {
	const query = `SELECT id, name, kind, balance FROM participants ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var participants []models.Participant
	for rows.Next() {
		var p models.Participant
		if err := rows.Scan(&p.ID, &p.Name, &p.Kind, &p.Balance); err != nil {
			return nil, err
		}
		participants = append(participants, p)
	}
	return participants, rows.Err()
}

var _ interfaces.LedgerStore = (*Store)(nil)
