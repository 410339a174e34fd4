package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/basis-company/data-registry/internal/errors"
	"github.com/basis-company/data-registry/internal/model"
	"github.com/basis-company/data-registry/internal/retry"
)

// PostgresRecordStore implements RecordStore for PostgreSQL
type PostgresRecordStore struct {
	pool        *pgxpool.Pool
	retryPolicy retry.Policy
	logger      *zap.Logger
}

// NewPostgresRecordStore creates a new PostgreSQL record store and ensures
// the records table exists
func NewPostgresRecordStore(
	host string,
	port int,
	database, user, password string,
	maxConns, minConns int,
	retryPolicy retry.Policy,
	logger *zap.Logger,
) (RecordStore, error) {
	connString := fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s pool_max_conns=%d pool_min_conns=%d",
		host, port, database, user, password, maxConns, minConns,
	)

	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(context.Background(), config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	// Test connection
	if err := pool.Ping(context.Background()); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &PostgresRecordStore{
		pool:        pool,
		retryPolicy: retryPolicy,
		logger:      logger,
	}

	if err := store.initSchema(context.Background()); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

func (s *PostgresRecordStore) initSchema(ctx context.Context) error {
	schema := `
		CREATE TABLE IF NOT EXISTS records (
			key           TEXT PRIMARY KEY,
			value         BYTEA NOT NULL,
			version       BIGINT NOT NULL,
			deleted       BOOLEAN NOT NULL DEFAULT FALSE,
			last_modified TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS records_tombstone_idx
			ON records (last_modified) WHERE deleted
	`

	_, err := s.pool.Exec(ctx, schema)
	return err
}

// ReadRecord retrieves the record for a key, tombstones included
func (s *PostgresRecordStore) ReadRecord(ctx context.Context, key string) (*model.Record, error) {
	query := `
		SELECT key, value, version, deleted, last_modified
		FROM records
		WHERE key = $1
	`

	var record model.Record
	err := s.withRetry(ctx, "read_record", func(ctx context.Context) error {
		err := s.pool.QueryRow(ctx, query, key).Scan(
			&record.Key,
			&record.Value,
			&record.Version,
			&record.Deleted,
			&record.LastModified,
		)
		if errors.Is(err, pgx.ErrNoRows) {
			return retry.Permanent(ErrNotFound)
		}
		return err
	})

	if err != nil {
		return nil, err
	}

	return &record, nil
}

// WriteRecord stores a value and returns the version the database assigned.
// The version column only ever moves forward; the write that resurrects a
// tombstoned key continues its version sequence.
func (s *PostgresRecordStore) WriteRecord(ctx context.Context, key string, value []byte, expectedVersion int64) (int64, error) {
	var query string
	var args []interface{}

	switch {
	case expectedVersion == WriteAnyVersion:
		query = `
			INSERT INTO records (key, value, version, deleted, last_modified)
			VALUES ($1, $2, 1, FALSE, NOW())
			ON CONFLICT (key) DO UPDATE
			SET value = EXCLUDED.value, version = records.version + 1, deleted = FALSE, last_modified = NOW()
			RETURNING version
		`
		args = []interface{}{key, value}
	case expectedVersion == 0:
		// Create-only: the insert may replace a tombstone but never a
		// live record.
		query = `
			INSERT INTO records (key, value, version, deleted, last_modified)
			VALUES ($1, $2, 1, FALSE, NOW())
			ON CONFLICT (key) DO UPDATE
			SET value = EXCLUDED.value, version = records.version + 1, deleted = FALSE, last_modified = NOW()
			WHERE records.deleted
			RETURNING version
		`
		args = []interface{}{key, value}
	default:
		query = `
			UPDATE records
			SET value = $2, version = version + 1, deleted = FALSE, last_modified = NOW()
			WHERE key = $1 AND version = $3
			RETURNING version
		`
		args = []interface{}{key, value, expectedVersion}
	}

	var newVersion int64
	err := s.withRetry(ctx, "write_record", func(ctx context.Context) error {
		err := s.pool.QueryRow(ctx, query, args...).Scan(&newVersion)
		if errors.Is(err, pgx.ErrNoRows) {
			return retry.Permanent(ErrVersionConflict)
		}
		return err
	})

	if err != nil {
		return 0, err
	}

	return newVersion, nil
}

// DeleteRecord tombstones the live record for a key
func (s *PostgresRecordStore) DeleteRecord(ctx context.Context, key string) (int64, error) {
	query := `
		UPDATE records
		SET deleted = TRUE, value = ''::bytea, version = version + 1, last_modified = NOW()
		WHERE key = $1 AND NOT deleted
		RETURNING version
	`

	var newVersion int64
	err := s.withRetry(ctx, "delete_record", func(ctx context.Context) error {
		err := s.pool.QueryRow(ctx, query, key).Scan(&newVersion)
		if errors.Is(err, pgx.ErrNoRows) {
			return retry.Permanent(ErrNotFound)
		}
		return err
	})

	if err != nil {
		return 0, err
	}

	return newVersion, nil
}

// ListKeys enumerates keys after afterKey in key order
func (s *PostgresRecordStore) ListKeys(ctx context.Context, afterKey string, limit int) ([]*model.KeyVersion, error) {
	query := `
		SELECT key, version, deleted, last_modified
		FROM records
		WHERE key > $1
		ORDER BY key
		LIMIT $2
	`

	var keys []*model.KeyVersion
	err := s.withRetry(ctx, "list_keys", func(ctx context.Context) error {
		rows, err := s.pool.Query(ctx, query, afterKey, limit)
		if err != nil {
			return err
		}
		defer rows.Close()

		keys = make([]*model.KeyVersion, 0, limit)
		for rows.Next() {
			var kv model.KeyVersion
			if err := rows.Scan(&kv.Key, &kv.Version, &kv.Deleted, &kv.LastModified); err != nil {
				return err
			}
			keys = append(keys, &kv)
		}

		return rows.Err()
	})

	if err != nil {
		return nil, err
	}

	return keys, nil
}

// PurgeTombstones deletes tombstones older than the retention window
func (s *PostgresRecordStore) PurgeTombstones(ctx context.Context, olderThan time.Duration) (int64, error) {
	query := `DELETE FROM records WHERE deleted AND last_modified < $1`

	cutoffTime := time.Now().Add(-olderThan)

	var purged int64
	err := s.withRetry(ctx, "purge_tombstones", func(ctx context.Context) error {
		result, err := s.pool.Exec(ctx, query, cutoffTime)
		if err != nil {
			return err
		}
		purged = result.RowsAffected()
		return nil
	})

	if err != nil {
		return 0, err
	}

	return purged, nil
}

// Ping checks the database connection
func (s *PostgresRecordStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close closes the connection pool
func (s *PostgresRecordStore) Close() {
	s.pool.Close()
}

// withRetry runs fn under the bounded-attempt policy and maps exhaustion to
// the operation's terminal error: Timeout when the caller's deadline ran
// out, StorageUnavailable otherwise. Logical outcomes pass through.
func (s *PostgresRecordStore) withRetry(ctx context.Context, operation string, fn func(context.Context) error) error {
	err := s.retryPolicy.Do(ctx, s.logger, operation, fn)
	if err == nil {
		return nil
	}

	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrVersionConflict) {
		return err
	}

	if ctx.Err() != nil {
		return errors.Timeout(operation, err)
	}

	return errors.StorageUnavailable(operation, err)
}
