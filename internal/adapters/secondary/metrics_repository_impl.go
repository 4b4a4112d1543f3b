package secondary

import (
	"context"
	"time"

	"wallet-stream/internal/domain/entity"
	"wallet-stream/internal/domain/repository"
	"wallet-stream/internal/infrastructure/database"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MetricsRepositoryImpl implements MetricsRepository interface
type MetricsRepositoryImpl struct {
	db                *database.MongoDB
	metricsCollection *mongo.Collection
	eventsCollection  *mongo.Collection
}

// NewMetricsRepository creates new metrics repository
func NewMetricsRepository(db *database.MongoDB) repository.MetricsRepository {
	return &MetricsRepositoryImpl{
		db:                db,
		metricsCollection: db.GetCollection(database.ConnectionMetricsCollection),
		eventsCollection:  db.GetCollection(database.ConnectionEventsCollection),
	}
}

// SaveConnectionMetrics saves a connection metrics snapshot
func (r *MetricsRepositoryImpl) SaveConnectionMetrics(ctx context.Context, metrics *entity.ConnectionMetrics) error {
	metrics.ID = primitive.NewObjectID()
	_, err := r.metricsCollection.InsertOne(ctx, metrics)
	return err
}

// GetLatestConnectionMetrics gets the latest snapshot for an endpoint
func (r *MetricsRepositoryImpl) GetLatestConnectionMetrics(ctx context.Context, endpointKey string) (*entity.ConnectionMetrics, error) {
	filter := bson.M{"endpoint_key": endpointKey}
	opts := options.FindOne().SetSort(bson.D{{Key: "timestamp", Value: -1}})

	var metrics entity.ConnectionMetrics
	err := r.metricsCollection.FindOne(ctx, filter, opts).Decode(&metrics)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, nil
		}
		return nil, err
	}

	return &metrics, nil
}

// GetConnectionMetricsHistory gets the newest snapshots for an endpoint
func (r *MetricsRepositoryImpl) GetConnectionMetricsHistory(ctx context.Context, endpointKey string, limit int) ([]*entity.ConnectionMetrics, error) {
	filter := bson.M{"endpoint_key": endpointKey}
	opts := options.Find().
		SetSort(bson.D{{Key: "timestamp", Value: -1}}).
		SetLimit(int64(limit))

	cursor, err := r.metricsCollection.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var metrics []*entity.ConnectionMetrics
	for cursor.Next(ctx) {
		var m entity.ConnectionMetrics
		if err := cursor.Decode(&m); err != nil {
			return nil, err
		}
		metrics = append(metrics, &m)
	}

	return metrics, cursor.Err()
}

// SaveConnectionEvent saves a status transition
func (r *MetricsRepositoryImpl) SaveConnectionEvent(ctx context.Context, event *entity.ConnectionEvent) error {
	event.ID = primitive.NewObjectID()
	_, err := r.eventsCollection.InsertOne(ctx, event)
	return err
}

// GetConnectionEvents gets transitions for an endpoint since a time, oldest first
func (r *MetricsRepositoryImpl) GetConnectionEvents(ctx context.Context, endpointKey string, since time.Time) ([]*entity.ConnectionEvent, error) {
	filter := bson.M{
		"endpoint_key": endpointKey,
		"timestamp": bson.M{
			"$gte": since,
		},
	}

	opts := options.Find().SetSort(bson.D{{Key: "timestamp", Value: 1}})
	cursor, err := r.eventsCollection.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var events []*entity.ConnectionEvent
	for cursor.Next(ctx) {
		var e entity.ConnectionEvent
		if err := cursor.Decode(&e); err != nil {
			return nil, err
		}
		events = append(events, &e)
	}

	return events, cursor.Err()
}

// reconnectRatePipeline counts drops into reconnecting since a time
func reconnectRatePipeline(endpointKey string, since time.Time) []bson.M {
	return []bson.M{
		{
			"$match": bson.M{
				"endpoint_key": endpointKey,
				"to":           entity.ConnectionStatusReconnecting,
				"timestamp": bson.M{
					"$gte": since,
				},
			},
		},
		{
			"$group": bson.M{
				"_id":   nil,
				"drops": bson.M{"$sum": 1},
			},
		},
	}
}

// GetReconnectRate returns drops per hour over the given range
func (r *MetricsRepositoryImpl) GetReconnectRate(ctx context.Context, endpointKey string, timeRange time.Duration) (float64, error) {
	if timeRange <= 0 {
		return 0, nil
	}

	cursor, err := r.eventsCollection.Aggregate(ctx, reconnectRatePipeline(endpointKey, time.Now().Add(-timeRange)))
	if err != nil {
		return 0, err
	}
	defer cursor.Close(ctx)

	var result struct {
		Drops int64 `bson:"drops"`
	}

	if cursor.Next(ctx) {
		if err := cursor.Decode(&result); err != nil {
			return 0, err
		}
		return float64(result.Drops) / timeRange.Hours(), nil
	}

	return 0, cursor.Err()
}

// CleanupOldMetrics cleans up old metrics and connection events
func (r *MetricsRepositoryImpl) CleanupOldMetrics(ctx context.Context, olderThan time.Time) error {
	filter := bson.M{
		"timestamp": bson.M{
			"$lt": olderThan,
		},
	}

	if _, err := r.metricsCollection.DeleteMany(ctx, filter); err != nil {
		return err
	}

	if _, err := r.eventsCollection.DeleteMany(ctx, filter); err != nil {
		return err
	}

	return nil
}
