package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const tableName = "offline_kv"

// dialect holds the statements that differ between SQL backends.
type dialect struct {
	system string
	schema string
	get    string
	set    string
	delete string
}

var postgresDialect = dialect{
	system: "postgresql",
	schema: `CREATE TABLE IF NOT EXISTS offline_kv (
  record_key TEXT PRIMARY KEY,
  record_value TEXT NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL
)`,
	get: `SELECT record_value FROM offline_kv WHERE record_key=$1`,
	set: `INSERT INTO offline_kv (record_key, record_value, updated_at) VALUES ($1, $2, $3)
ON CONFLICT (record_key) DO UPDATE SET record_value=EXCLUDED.record_value, updated_at=EXCLUDED.updated_at`,
	delete: `DELETE FROM offline_kv WHERE record_key=$1`,
}

var sqliteDialect = dialect{
	system: "sqlite",
	schema: `CREATE TABLE IF NOT EXISTS offline_kv (
  record_key TEXT PRIMARY KEY,
  record_value TEXT NOT NULL,
  updated_at DATETIME NOT NULL
)`,
	get: `SELECT record_value FROM offline_kv WHERE record_key=?`,
	set: `INSERT INTO offline_kv (record_key, record_value, updated_at) VALUES (?, ?, ?)
ON CONFLICT (record_key) DO UPDATE SET record_value=excluded.record_value, updated_at=excluded.updated_at`,
	delete: `DELETE FROM offline_kv WHERE record_key=?`,
}

// SQLStore keeps records in a single table through database/sql.
type SQLStore struct {
	db      *sql.DB
	dialect dialect
	now     func() time.Time
}

func NewPostgresStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db, dialect: postgresDialect, now: time.Now}
}

func NewSQLiteStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db, dialect: sqliteDialect, now: time.Now}
}

// EnsureSchema creates the key-value table if it doesn't exist.
func (s *SQLStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, s.dialect.schema); err != nil {
		return fmt.Errorf("create %s table: %w", tableName, err)
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, key string) (value string, found bool, err error) {
	ctx, span := startSpan(ctx, s.dialect.system, "Get", key)
	defer func() { endSpan(span, err) }()

	start := time.Now()
	err = s.db.QueryRowContext(ctx, s.dialect.get, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	addDBStatsToSpan(span, s.dialect.get, len(value), time.Since(start))
	return value, true, nil
}

func (s *SQLStore) Set(ctx context.Context, key, value string) error {
	return s.withTransaction(ctx, "Set", key, func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, s.dialect.set, key, value, s.now().UTC())
		return err
	})
}

func (s *SQLStore) Delete(ctx context.Context, key string) error {
	return s.withTransaction(ctx, "Delete", key, func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, s.dialect.delete, key)
		return err
	})
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) withTransaction(ctx context.Context, op, key string, fn func(ctx context.Context, tx *sql.Tx) error) (err error) {
	ctx, span := startSpan(ctx, s.dialect.system, op, key)
	defer func() { endSpan(span, err) }()

	start := time.Now()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	if err = fn(ctx, tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err = tx.Commit(); err != nil {
		return err
	}

	addDBStatsToSpan(span, op, 0, time.Since(start))
	return nil
}
