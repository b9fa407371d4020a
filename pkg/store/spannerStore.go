package store

import (
	"context"
	"time"

	"cloud.google.com/go/spanner"
	"google.golang.org/grpc/codes"
)

const spannerTable = "OfflineKV"

var spannerColumns = []string{"RecordKey", "RecordValue", "UpdatedAt"}

// SpannerStoreSchema is the DDL the Spanner store expects.
const SpannerStoreSchema = `CREATE TABLE OfflineKV (
  RecordKey STRING(MAX) NOT NULL,
  RecordValue STRING(MAX) NOT NULL,
  UpdatedAt TIMESTAMP NOT NULL
) PRIMARY KEY (RecordKey)`

type SpannerStore struct {
	client *spanner.Client
}

func (s *SpannerStore) Get(ctx context.Context, key string) (value string, found bool, err error) {
	ctx, span := startSpan(ctx, "spanner", "Get", key)
	defer func() { endSpan(span, err) }()

	startTime := time.Now()
	row, err := s.client.Single().ReadRow(ctx, spannerTable, spanner.Key{key}, []string{"RecordValue"})
	if spanner.ErrCode(err) == codes.NotFound {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	if err = row.Columns(&value); err != nil {
		return "", false, err
	}

	addDBStatsToSpan(span, "ReadRow", len(value), time.Since(startTime))
	return value, true, nil
}

func (s *SpannerStore) Set(ctx context.Context, key, value string) (err error) {
	ctx, span := startSpan(ctx, "spanner", "Set", key)
	defer func() { endSpan(span, err) }()

	startTime := time.Now()
	_, err = s.client.Apply(ctx, []*spanner.Mutation{
		spanner.InsertOrUpdate(spannerTable, spannerColumns, []interface{}{key, value, time.Now().UTC()}),
	})
	if err != nil {
		return err
	}

	addDBStatsToSpan(span, "InsertOrUpdate", len(value), time.Since(startTime))
	return nil
}

func (s *SpannerStore) Delete(ctx context.Context, key string) (err error) {
	ctx, span := startSpan(ctx, "spanner", "Delete", key)
	defer func() { endSpan(span, err) }()

	_, err = s.client.Apply(ctx, []*spanner.Mutation{
		spanner.Delete(spannerTable, spanner.Key{key}),
	})
	return err
}

func (s *SpannerStore) Close() error {
	s.client.Close()
	return nil
}
