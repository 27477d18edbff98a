package store

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/ppiankov/threatintel/internal/model"
)

const mongoServerSelectionTimeout = 5 * time.Second

// MongoStore keeps indicators in a MongoDB collection
type MongoStore struct {
	client *mongo.Client // nil when the collection is borrowed (tests)
	coll   *mongo.Collection
}

// OpenMongo connects to cfg.URI and ensures the collection indexes exist
func OpenMongo(ctx context.Context, cfg model.StoreConfig) (*MongoStore, error) {
	opts := options.Client().
		ApplyURI(cfg.URI).
		SetServerSelectionTimeout(mongoServerSelectionTimeout)

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, unavailable("connect", err)
	}

	s := &MongoStore{
		client: client,
		coll:   client.Database(cfg.Database).Collection(cfg.Collection),
	}
	if err := s.EnsureIndexes(ctx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}
	return s, nil
}

// NewMongoStore wraps an existing collection. Close does not disconnect it.
func NewMongoStore(coll *mongo.Collection) *MongoStore {
	return &MongoStore{coll: coll}
}

// EnsureIndexes creates the unique natural-key index and the timestamp
// index used by Find. Both are no-ops when present.
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	models := []mongo.IndexModel{
		{
			Keys: bson.D{
				{Key: "indicator", Value: 1},
				{Key: "type", Value: 1},
				{Key: "timestamp", Value: 1},
			},
			Options: options.Index().SetUnique(true).SetName("natural_key"),
		},
		{
			Keys:    bson.D{{Key: "timestamp", Value: -1}},
			Options: options.Index().SetName("timestamp_desc"),
		},
	}
	if _, err := s.coll.Indexes().CreateMany(ctx, models); err != nil {
		return unavailable("create indexes", err)
	}
	return nil
}

// InsertIfAbsent upserts with $setOnInsert so an existing document is never
// modified. A duplicate-key error means a concurrent writer won the race.
func (s *MongoStore) InsertIfAbsent(ctx context.Context, doc model.Indicator) (Outcome, error) {
	filter := bson.D{
		{Key: "indicator", Value: doc.Indicator},
		{Key: "type", Value: doc.Type},
		{Key: "timestamp", Value: doc.Timestamp},
	}
	update := bson.D{{Key: "$setOnInsert", Value: doc}}

	res, err := s.coll.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return AlreadyExists, nil
		}
		return 0, unavailable("upsert", err)
	}
	if res.UpsertedCount == 1 {
		return Inserted, nil
	}
	return AlreadyExists, nil
}

func (s *MongoStore) Find(ctx context.Context, f Filter) ([]model.Indicator, error) {
	query := bson.D{}
	if f.Type != "" {
		query = append(query, bson.E{Key: "type", Value: f.Type})
	}
	if f.Severity != "" {
		query = append(query, bson.E{Key: "severity", Value: f.Severity})
	}

	opts := options.Find().
		SetSort(bson.D{{Key: "timestamp", Value: -1}}).
		SetLimit(int64(f.limit())).
		SetProjection(bson.D{{Key: "_id", Value: 0}})

	cursor, err := s.coll.Find(ctx, query, opts)
	if err != nil {
		return nil, unavailable("find", err)
	}

	var docs []model.Indicator
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, unavailable("decode", err)
	}
	return docs, nil
}

func (s *MongoStore) Ping(ctx context.Context) error {
	if s.client == nil {
		return nil
	}
	if err := s.client.Ping(ctx, nil); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

func (s *MongoStore) Close(ctx context.Context) error {
	if s.client == nil {
		return nil
	}
	if err := s.client.Disconnect(ctx); err != nil {
		return fmt.Errorf("disconnect mongo: %w", err)
	}
	return nil
}
