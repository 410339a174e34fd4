package store

import (
	"context"
	"errors"
	"time"

	"github.com/basis-company/data-registry/internal/model"
)

// ErrNotFound is returned when a key has no record in the durable store
var ErrNotFound = errors.New("not found")

// ErrCacheMiss is returned when a key has no entry in the volatile store
var ErrCacheMiss = errors.New("cache miss")

// ErrVersionConflict is returned by conditional writes when the expected
// version does not match the stored one
var ErrVersionConflict = errors.New("version conflict")

// WriteAnyVersion disables the version check on WriteRecord. Passing 0
// instead demands that the key does not exist yet.
const WriteAnyVersion int64 = -1

// RecordStore is the durable driver contract. The durable store is the
// single source of truth: it assigns versions and keeps tombstones.
type RecordStore interface {
	// ReadRecord returns the record for key, tombstones included.
	ReadRecord(ctx context.Context, key string) (*model.Record, error)

	// WriteRecord stores value under key and returns the new version.
	// With expectedVersion >= 0 the write is conditional and fails with
	// ErrVersionConflict on mismatch; 0 means the key must not exist yet.
	WriteRecord(ctx context.Context, key string, value []byte, expectedVersion int64) (int64, error)

	// DeleteRecord tombstones the live record for key and returns the
	// tombstone's version. Absent or already tombstoned keys fail with
	// ErrNotFound.
	DeleteRecord(ctx context.Context, key string) (int64, error)

	// ListKeys enumerates keys after afterKey in key order, tombstones
	// included, up to limit rows.
	ListKeys(ctx context.Context, afterKey string, limit int) ([]*model.KeyVersion, error)

	// PurgeTombstones deletes tombstones older than the retention window
	// and returns how many were removed.
	PurgeTombstones(ctx context.Context, olderThan time.Duration) (int64, error)

	// Health check
	Ping(ctx context.Context) error
	Close()
}

// EntryCache is the volatile driver contract. Everything here is
// best-effort: callers degrade to the durable store when it fails.
type EntryCache interface {
	// ReadEntry returns the cache entry for key, expired entries included;
	// callers compare ExpiresAt themselves.
	ReadEntry(ctx context.Context, key string) (*model.CacheEntry, error)

	// WriteEntry stores the entry with the given time-to-live.
	WriteEntry(ctx context.Context, entry *model.CacheEntry, ttl time.Duration) error

	// Evict removes the entry for key. Evicting an absent key is not an
	// error.
	Evict(ctx context.Context, key string) error

	// ScanKeys walks the cached key space incrementally. A returned cursor
	// of "" means the scan is complete.
	ScanKeys(ctx context.Context, cursor string, count int) ([]string, string, error)

	// Health check
	Ping(ctx context.Context) error
	Close() error
}
