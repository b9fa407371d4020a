package store

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type mongoRecord struct {
	Key       string    `bson:"_id"`
	Value     string    `bson:"value"`
	UpdatedAt time.Time `bson:"updated_at"`
}

// MongoStore keeps one document per key.
type MongoStore struct {
	client     *mongo.Client
	database   string
	collection string
}

func NewMongoStore(client *mongo.Client, database, collection string) *MongoStore {
	return &MongoStore{
		client:     client,
		database:   database,
		collection: collection,
	}
}

func (m *MongoStore) coll() *mongo.Collection {
	return m.client.Database(m.database).Collection(m.collection)
}

func (m *MongoStore) Get(ctx context.Context, key string) (value string, found bool, err error) {
	ctx, span := startSpan(ctx, "mongodb", "Get", key)
	defer func() { endSpan(span, err) }()

	startTime := time.Now()
	var record mongoRecord
	err = m.coll().FindOne(ctx, bson.M{"_id": key}).Decode(&record)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}

	addDBStatsToSpan(span, "findOne", len(record.Value), time.Since(startTime))
	return record.Value, true, nil
}

func (m *MongoStore) Set(ctx context.Context, key, value string) (err error) {
	ctx, span := startSpan(ctx, "mongodb", "Set", key)
	defer func() { endSpan(span, err) }()

	startTime := time.Now()
	record := mongoRecord{Key: key, Value: value, UpdatedAt: time.Now().UTC()}
	opts := options.Replace().SetUpsert(true)
	if _, err = m.coll().ReplaceOne(ctx, bson.M{"_id": key}, record, opts); err != nil {
		return err
	}

	addDBStatsToSpan(span, "replaceOne", len(value), time.Since(startTime))
	return nil
}

func (m *MongoStore) Delete(ctx context.Context, key string) (err error) {
	ctx, span := startSpan(ctx, "mongodb", "Delete", key)
	defer func() { endSpan(span, err) }()

	_, err = m.coll().DeleteOne(ctx, bson.M{"_id": key})
	return err
}

func (m *MongoStore) Close() error {
	return m.client.Disconnect(context.Background())
}
