package database

import (
	"context"
	"time"

	"wallet-stream/internal/infrastructure/config"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Collection names
const (
	TransfersCollection         = "transfers"
	ConnectionMetricsCollection = "connection_metrics"
	ConnectionEventsCollection  = "connection_events"
)

// Collections lists every collection the service owns
var Collections = []string{
	TransfersCollection,
	ConnectionMetricsCollection,
	ConnectionEventsCollection,
}

// MongoDB represents MongoDB database connection
type MongoDB struct {
	Client   *mongo.Client
	Database *mongo.Database
	config   *config.MongoDBConfig
}

// clientOptions uses conservative settings for long-running stability
func clientOptions(cfg *config.MongoDBConfig) *options.ClientOptions {
	return options.Client().
		ApplyURI(cfg.URI).
		SetMaxPoolSize(cfg.MaxPoolSize).
		SetMinPoolSize(2).
		SetMaxConnIdleTime(60 * time.Second).
		SetConnectTimeout(cfg.ConnectTimeout).
		SetSocketTimeout(60 * time.Second).
		SetServerSelectionTimeout(10 * time.Second).
		SetHeartbeatInterval(30 * time.Second).
		SetMaxConnecting(3).
		SetRetryWrites(true).
		SetRetryReads(true).
		SetCompressors([]string{"snappy"})
}

// NewMongoDB creates new MongoDB connection
func NewMongoDB(cfg *config.MongoDBConfig) (*MongoDB, error) {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()

	client, err := mongo.Connect(ctx, clientOptions(cfg))
	if err != nil {
		return nil, err
	}

	// Ping to verify connection with retry logic
	maxRetries := 3
	for i := 0; i < maxRetries; i++ {
		if err := client.Ping(ctx, nil); err != nil {
			if i == maxRetries-1 {
				client.Disconnect(ctx)
				return nil, err
			}
			time.Sleep(time.Duration(i+1) * time.Second)
			continue
		}
		break
	}

	return &MongoDB{
		Client:   client,
		Database: client.Database(cfg.Database),
		config:   cfg,
	}, nil
}

// Close closes MongoDB connection
func (m *MongoDB) Close(ctx context.Context) error {
	return m.Client.Disconnect(ctx)
}

// GetCollection returns a collection
func (m *MongoDB) GetCollection(name string) *mongo.Collection {
	return m.Database.Collection(name)
}

// IndexModels returns the indexes for each collection
func IndexModels() map[string][]mongo.IndexModel {
	return map[string][]mongo.IndexModel{
		TransfersCollection: {
			{
				Keys:    bson.D{{Key: "event_id", Value: 1}},
				Options: options.Index().SetUnique(true),
			},
			{
				Keys: bson.D{{Key: "subject", Value: 1}, {Key: "timestamp", Value: -1}},
			},
			{
				Keys: bson.D{{Key: "network", Value: 1}, {Key: "block_level", Value: 1}},
			},
			{
				Keys: bson.D{{Key: "asset", Value: 1}},
			},
			{
				Keys: bson.D{{Key: "endpoint_key", Value: 1}, {Key: "tx_hash", Value: 1}, {Key: "log_index", Value: 1}},
			},
			{
				Keys: bson.D{{Key: "received_at", Value: 1}},
			},
		},
		ConnectionMetricsCollection: {
			{
				Keys: bson.D{{Key: "timestamp", Value: 1}},
			},
			{
				Keys: bson.D{{Key: "endpoint_key", Value: 1}, {Key: "timestamp", Value: -1}},
			},
		},
		ConnectionEventsCollection: {
			{
				Keys: bson.D{{Key: "endpoint_key", Value: 1}, {Key: "timestamp", Value: 1}},
			},
			{
				Keys: bson.D{{Key: "to", Value: 1}},
			},
		},
	}
}

// CreateIndexes creates necessary indexes for collections
func (m *MongoDB) CreateIndexes(ctx context.Context) error {
	for _, name := range Collections {
		if _, err := m.GetCollection(name).Indexes().CreateMany(ctx, IndexModels()[name]); err != nil {
			return err
		}
	}
	return nil
}

// DropCollections drops every collection the service owns
func (m *MongoDB) DropCollections(ctx context.Context) error {
	for _, name := range Collections {
		if err := m.GetCollection(name).Drop(ctx); err != nil {
			return err
		}
	}
	return nil
}

// HealthCheck performs MongoDB health check with retry logic
func (m *MongoDB) HealthCheck(ctx context.Context) error {
	maxRetries := 3
	for i := 0; i < maxRetries; i++ {
		if err := m.Client.Ping(ctx, nil); err != nil {
			if i == maxRetries-1 {
				return err
			}
			time.Sleep(time.Duration(i+1) * time.Second)
			continue
		}
		return nil
	}
	return nil
}

// Reconnect attempts to reconnect to MongoDB
func (m *MongoDB) Reconnect(ctx context.Context) error {
	// A failed disconnect still leaves us free to dial again
	_ = m.Client.Disconnect(ctx)

	client, err := mongo.Connect(ctx, clientOptions(m.config))
	if err != nil {
		return err
	}

	if err := client.Ping(ctx, nil); err != nil {
		client.Disconnect(ctx)
		return err
	}

	m.Client = client
	m.Database = client.Database(m.config.Database)

	return nil
}

// IsConnected checks if MongoDB connection is active
func (m *MongoDB) IsConnected(ctx context.Context) bool {
	return m.Client.Ping(ctx, nil) == nil
}
