package journal

import (
	"context"
	"fmt"
	"time"

	"github.com/chicogong/gpu-gateway/pkg/logger"
	"github.com/chicogong/gpu-gateway/pkg/models"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

const eventsCollection = "events"

// Mongo stores events in a TTL-indexed MongoDB collection
type Mongo struct {
	client *mongo.Client
	coll   *mongo.Collection
}

// NewMongo connects to uri and prepares the events collection
func NewMongo(ctx context.Context, uri, database string, ttlDays int, log *logger.Logger) (*Mongo, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("mongo connect failed: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongo ping failed: %w", err)
	}

	coll := client.Database(database).Collection(eventsCollection)

	ttlSeconds := int32(ttlDays * 24 * 3600)
	indexModel := mongo.IndexModel{
		Keys: bson.D{{Key: "time", Value: 1}},
		Options: options.Index().
			SetName("ttl_time").
			SetExpireAfterSeconds(ttlSeconds),
	}
	if _, err := coll.Indexes().CreateOne(ctx, indexModel); err != nil {
		log.Warn("Create TTL index failed", zap.String("collection", eventsCollection), zap.Error(err))
	}

	log.Info("MongoDB journal initialized",
		zap.String("database", database),
		zap.Int("ttl_days", ttlDays),
	)
	return &Mongo{client: client, coll: coll}, nil
}

// Record inserts ev
func (m *Mongo) Record(ctx context.Context, ev models.Event) error {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	if _, err := m.coll.InsertOne(ctx, ev); err != nil {
		return fmt.Errorf("mongo insert failed: %w", err)
	}
	return nil
}

// Recent returns up to limit events, newest first
func (m *Mongo) Recent(ctx context.Context, limit int) ([]models.Event, error) {
	opts := options.Find().SetSort(bson.D{{Key: "time", Value: -1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}

	cursor, err := m.coll.Find(ctx, bson.D{}, opts)
	if err != nil {
		return nil, fmt.Errorf("query events failed: %w", err)
	}

	events := []models.Event{}
	if err := cursor.All(ctx, &events); err != nil {
		return nil, fmt.Errorf("decode events failed: %w", err)
	}
	return events, nil
}

// Close disconnects the client
func (m *Mongo) Close(ctx context.Context) error {
	return m.client.Disconnect(ctx)
}
