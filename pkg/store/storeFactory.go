package store

import (
	"context"
	"database/sql"
	"fmt"

	"cloud.google.com/go/spanner"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/zoff-tech/go-offline/pkg/config"

	_ "github.com/lib/pq" // PostgreSQL driver
	_ "modernc.org/sqlite"
)

var sqlOpen = sql.Open

var NewSpannerStoreFactory = func(client *spanner.Client) KVStore {
	return &SpannerStore{client: client}
}

var newMongoClient = func(ctx context.Context, uri string) (*mongo.Client, error) {
	return mongo.Connect(ctx, options.Client().ApplyURI(uri))
}

// NewStore opens the backend named by cfg.Type. SQL backends get their table created.
func NewStore(ctx context.Context, cfg config.StorageSettings) (KVStore, error) {
	switch cfg.Type {
	case "memory":
		return NewMemoryStore(), nil
	case "sqlite":
		dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)", cfg.DSN)
		db, err := sqlOpen("sqlite", dsn)
		if err != nil {
			return nil, err
		}
		db.SetMaxOpenConns(1) // SQLite single writer
		return ensure(ctx, NewSQLiteStore(db))
	case "postgres":
		db, err := sqlOpen("postgres", cfg.DSN)
		if err != nil {
			return nil, err
		}
		return ensure(ctx, NewPostgresStore(db))
	case "mongo":
		client, err := newMongoClient(ctx, cfg.URI)
		if err != nil {
			return nil, err
		}
		collection := cfg.Collection
		if collection == "" {
			collection = tableName
		}
		return NewMongoStore(client, cfg.Database, collection), nil
	case "spanner":
		client, err := spanner.NewClient(ctx, cfg.URI)
		if err != nil {
			return nil, err
		}
		return NewSpannerStoreFactory(client), nil
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", cfg.Type)
	}
}

func ensure(ctx context.Context, s *SQLStore) (KVStore, error) {
	if err := s.EnsureSchema(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}
