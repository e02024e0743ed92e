// Package mongodb implements the LedgerStore on MongoDB. Participants live
// in the "participants" collection, transaction records in "transactions";
// credit amounts are stored as decimal strings so they round-trip exactly.
package mongodb

import (
	"context"
	"fmt"
	"time"

	"github.com/LerianStudio/lib-uncommons/v2/uncommons/backoff"
	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/microgrid-labs/energy-credit-ledger/internal/interfaces"
	"github.com/microgrid-labs/energy-credit-ledger/internal/models"
)

const (
	participantsCollection = "participants"
	transactionsCollection = "transactions"

	connectAttempts        = 5
	serverSelectionTimeout = 5 * time.Second
)

// Store persists the ledger in a MongoDB database.
type Store struct {
	client       *mongo.Client
	participants *mongo.Collection
	transactions *mongo.Collection
	logger       *zap.Logger
}

type participantDoc struct {
	ID      string `bson:"id"`
	Name    string `bson:"name"`
	Kind    string `bson:"kind"`
	Balance string `bson:"balance"`
}

type transactionDoc struct {
	TxID       string    `bson:"tx_id"`
	SenderID   string    `bson:"sender_id"`
	ReceiverID string    `bson:"receiver_id"`
	Amount     string    `bson:"amount"`
	Timestamp  time.Time `bson:"timestamp"`
	Status     string    `bson:"status"`
	Reason     string    `bson:"reason,omitempty"`
}

// Connect establishes the MongoDB connection, retrying until the server is
// reachable, and ensures the unique indexes on participant and transaction
// ids.
func Connect(ctx context.Context, uri, database string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	opts := options.Client().
		ApplyURI(uri).
		SetServerSelectionTimeout(serverSelectionTimeout)

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("connecting to mongo: %w", err)
	}

	for attempt := 0; ; attempt++ {
		err = client.Ping(ctx, nil)
		if err == nil {
			break
		}
		if attempt == connectAttempts-1 {
			client.Disconnect(ctx)
			return nil, fmt.Errorf("pinging mongo: %w", err)
		}
		logger.Warn("waiting for mongo", zap.Int("attempt", attempt+1), zap.Error(err))
		if sleepErr := backoff.WaitContext(ctx, backoff.ExponentialWithJitter(time.Second, attempt)); sleepErr != nil {
			client.Disconnect(ctx)
			return nil, sleepErr
		}
	}

	db := client.Database(database)
	s := &Store{
		client:       client,
		participants: db.Collection(participantsCollection),
		transactions: db.Collection(transactionsCollection),
		logger:       logger,
	}

	unique := options.Index().SetUnique(true)
	indexes := []struct {
		coll  *mongo.Collection
		model mongo.IndexModel
	}{
		{s.participants, mongo.IndexModel{Keys: bson.D{{Key: "id", Value: 1}}, Options: unique}},
		{s.transactions, mongo.IndexModel{Keys: bson.D{{Key: "tx_id", Value: 1}}, Options: unique}},
		{s.transactions, mongo.IndexModel{Keys: bson.D{{Key: "timestamp", Value: -1}}}},
	}
	for _, idx := range indexes {
		if _, err := idx.coll.Indexes().CreateOne(ctx, idx.model); err != nil {
			client.Disconnect(ctx)
			return nil, fmt.Errorf("ensuring index on %s: %w", idx.coll.Name(), err)
		}
	}

	logger.Info("connected to mongo", zap.String("database", database))
	return s, nil
}

// Close disconnects from MongoDB.
func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

func (s *Store) GetBalance(ctx context.Context, id string) (decimal.Decimal, bool, error) {
	var doc participantDoc
	err := s.participants.FindOne(ctx, bson.M{"id": id}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return decimal.Zero, false, nil
	}
	if err != nil {
		return decimal.Zero, false, err
	}

	balance, err := decimal.NewFromString(doc.Balance)
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("corrupt balance for %s: %w", id, err)
	}
	return balance, true, nil
}

// SetBalances writes every entry inside one multi-document transaction, so
// the mutation is all-or-nothing. Requires the server to run as a replica
// set, which is MongoDB's precondition for transactions.
func (s *Store) SetBalances(ctx context.Context, balances map[string]decimal.Decimal) error {
	session, err := s.client.StartSession()
	if err != nil {
		return fmt.Errorf("starting mongo session: %w", err)
	}
	defer session.EndSession(ctx)

	_, err = session.WithTransaction(ctx, func(sessCtx mongo.SessionContext) (any, error) {
		for id, balance := range balances {
			result, err := s.participants.UpdateOne(sessCtx,
				bson.M{"id": id},
				bson.M{"$set": bson.M{"balance": balance.String()}})
			if err != nil {
				return nil, err
			}
			if result.MatchedCount == 0 {
				// Unknown id: returning an error aborts the whole
				// transaction, so earlier updates in the batch are undone.
				return nil, fmt.Errorf("unknown participant %s", id)
			}
		}
		return nil, nil
	})
	return err
}

func (s *Store) CreateParticipant(ctx context.Context, p models.Participant) error {
	doc := participantDoc{
		ID:      p.ID,
		Name:    p.Name,
		Kind:    string(p.Kind),
		Balance: p.Balance.String(),
	}
	_, err := s.participants.InsertOne(ctx, doc)
	return err
}

func (s *Store) AppendTransaction(ctx context.Context, record models.TransactionRecord) error {
	doc := transactionDoc{
		TxID:       record.ID,
		SenderID:   record.SenderID,
		ReceiverID: record.ReceiverID,
		Amount:     record.Amount.String(),
		Timestamp:  record.Timestamp,
		Status:     string(record.Status),
		Reason:     string(record.Reason),
	}
	_, err := s.transactions.InsertOne(ctx, doc)
	return err
}

func (s *Store) ListTransactions(ctx context.Context, filter models.TransactionFilter) ([]models.TransactionRecord, error) {
	query := bson.M{}
	if filter.ParticipantID != "" {
		query["$or"] = bson.A{
			bson.M{"sender_id": filter.ParticipantID},
			bson.M{"receiver_id": filter.ParticipantID},
		}
	}
	if filter.Status != "" {
		query["status"] = string(filter.Status)
	}

	opts := options.Find().SetSort(bson.D{{Key: "timestamp", Value: -1}})
	if filter.Limit > 0 {
		opts.SetLimit(int64(filter.Limit))
	}

	cursor, err := s.transactions.Find(ctx, query, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var records []models.TransactionRecord
	for cursor.Next(ctx) {
		var doc transactionDoc
		if err := cursor.Decode(&doc); err != nil {
			return nil, err
		}
		record, err := doc.toRecord()
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, cursor.Err()
}

func (s *Store) ListParticipants(ctx context.Context) ([]models.Participant, error) {
	opts := options.Find().SetSort(bson.D{{Key: "id", Value: 1}})

	cursor, err := s.participants.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var participants []models.Participant
	for cursor.Next(ctx) {
		var doc participantDoc
		if err := cursor.Decode(&doc); err != nil {
			return nil, err
		}
		balance, err := decimal.NewFromString(doc.Balance)
		if err != nil {
			return nil, fmt.Errorf("corrupt balance for %s: %w", doc.ID, err)
		}
		participants = append(participants, models.Participant{
			ID:      doc.ID,
			Name:    doc.Name,
			Kind:    models.ParticipantKind(doc.Kind),
			Balance: balance,
		})
	}
	return participants, cursor.Err()
}

func (d transactionDoc) toRecord() (models.TransactionRecord, error) {
	amount, err := decimal.NewFromString(d.Amount)
	if err != nil {
		return models.TransactionRecord{}, fmt.Errorf("corrupt amount for %s: %w", d.TxID, err)
	}
	return models.TransactionRecord{
		ID:         d.TxID,
		SenderID:   d.SenderID,
		ReceiverID: d.ReceiverID,
		Amount:     amount,
		Timestamp:  d.Timestamp,
		Status:     models.TransferStatus(d.Status),
		Reason:     models.RejectReason(d.Reason),
	}, nil
}

var _ interfaces.LedgerStore = (*Store)(nil)
