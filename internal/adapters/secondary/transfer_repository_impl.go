package secondary

import (
	"context"
	"strings"
	"time"

	"wallet-stream/internal/domain/entity"
	"wallet-stream/internal/domain/repository"
	"wallet-stream/internal/infrastructure/database"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// TransferRepositoryImpl implements TransferRepository interface
type TransferRepositoryImpl struct {
	db         *database.MongoDB
	collection *mongo.Collection
	retryDelay time.Duration
}

// NewTransferRepository creates new transfer repository
func NewTransferRepository(db *database.MongoDB) repository.TransferRepository {
	return &TransferRepositoryImpl{
		db:         db,
		collection: db.GetCollection(database.TransfersCollection),
		retryDelay: time.Second,
	}
}

// retryOperation executes an operation with retry logic for MongoDB connection issues
func (r *TransferRepositoryImpl) retryOperation(ctx context.Context, operation func() error) error {
	maxRetries := 3

	for attempt := 0; attempt < maxRetries; attempt++ {
		err := operation()
		if err == nil {
			return nil
		}

		if isConnectionError(err) && attempt < maxRetries-1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(r.retryDelay * time.Duration(attempt+1)):
			}
			continue
		}

		return err
	}

	return nil
}

// isConnectionError checks if the error is related to MongoDB connection issues
func isConnectionError(err error) bool {
	if err == nil {
		return false
	}

	errStr := strings.ToLower(err.Error())
	connectionErrors := []string{
		"connection",
		"network",
		"timeout",
		"server selection",
		"no reachable servers",
		"socket",
		"broken pipe",
	}

	for _, connErr := range connectionErrors {
		if strings.Contains(errStr, connErr) {
			return true
		}
	}

	return false
}

// upsertModels builds one upsert per transfer keyed by event id, so a
// redelivered event overwrites its earlier copy
func upsertModels(transfers []*entity.Transfer) []mongo.WriteModel {
	models := make([]mongo.WriteModel, 0, len(transfers))
	for _, transfer := range transfers {
		models = append(models, mongo.NewUpdateOneModel().
			SetFilter(bson.M{"event_id": transfer.EventID}).
			SetUpdate(bson.M{"$set": transfer}).
			SetUpsert(true))
	}
	return models
}

// subjectQuery matches transfers recorded for a subject
func subjectQuery(subject string) bson.M {
	return bson.M{"subject": subject}
}

// UpsertTransfers upserts transfers using bulk operations with retry logic
func (r *TransferRepositoryImpl) UpsertTransfers(ctx context.Context, transfers []*entity.Transfer) error {
	if len(transfers) == 0 {
		return nil
	}

	return r.retryOperation(ctx, func() error {
		opts := options.BulkWrite().SetOrdered(false)
		_, err := r.collection.BulkWrite(ctx, upsertModels(transfers), opts)
		return err
	})
}

// GetTransferByEventID gets a transfer by its event id
func (r *TransferRepositoryImpl) GetTransferByEventID(ctx context.Context, eventID string) (*entity.Transfer, error) {
	var transfer entity.Transfer
	err := r.collection.FindOne(ctx, bson.M{"event_id": eventID}).Decode(&transfer)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, nil
		}
		return nil, err
	}

	return &transfer, nil
}

// GetTransfersBySubject gets the newest transfers for a subject
func (r *TransferRepositoryImpl) GetTransfersBySubject(ctx context.Context, subject string, limit int, offset int) ([]*entity.Transfer, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "timestamp", Value: -1}}).
		SetLimit(int64(limit)).
		SetSkip(int64(offset))

	cursor, err := r.collection.Find(ctx, subjectQuery(subject), opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var transfers []*entity.Transfer
	for cursor.Next(ctx) {
		var transfer entity.Transfer
		if err := cursor.Decode(&transfer); err != nil {
			return nil, err
		}
		transfers = append(transfers, &transfer)
	}

	return transfers, cursor.Err()
}

// MarkRemovedAbove flags transfers above a rolled-back level as removed
func (r *TransferRepositoryImpl) MarkRemovedAbove(ctx context.Context, endpointKey string, level uint64) (int64, error) {
	filter := bson.M{
		"endpoint_key": endpointKey,
		"block_level":  bson.M{"$gt": level},
		"removed":      false,
	}

	var modified int64
	err := r.retryOperation(ctx, func() error {
		result, err := r.collection.UpdateMany(ctx, filter, bson.M{"$set": bson.M{"removed": true}})
		if err != nil {
			return err
		}
		modified = result.ModifiedCount
		return nil
	})
	return modified, err
}

// MarkRemovedByLog flags every transfer recorded from one log as removed
func (r *TransferRepositoryImpl) MarkRemovedByLog(ctx context.Context, endpointKey, txHash string, logIndex uint) (int64, error) {
	filter := removedLogQuery(endpointKey, txHash, logIndex)

	var modified int64
	err := r.retryOperation(ctx, func() error {
		result, err := r.collection.UpdateMany(ctx, filter, bson.M{"$set": bson.M{"removed": true}})
		if err != nil {
			return err
		}
		modified = result.ModifiedCount
		return nil
	})
	return modified, err
}

func removedLogQuery(endpointKey, txHash string, logIndex uint) bson.M {
	return bson.M{
		"endpoint_key": endpointKey,
		"tx_hash":      txHash,
		"log_index":    logIndex,
		"removed":      false,
	}
}

// CountTransfers counts transfers for a subject
func (r *TransferRepositoryImpl) CountTransfers(ctx context.Context, subject string) (int64, error) {
	return r.collection.CountDocuments(ctx, subjectQuery(subject))
}

// DeleteOlderThan removes transfers received before olderThan
func (r *TransferRepositoryImpl) DeleteOlderThan(ctx context.Context, olderThan time.Time) (int64, error) {
	result, err := r.collection.DeleteMany(ctx, bson.M{
		"received_at": bson.M{"$lt": olderThan},
	})
	if err != nil {
		return 0, err
	}
	return result.DeletedCount, nil
}
