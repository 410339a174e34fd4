package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/basis-company/data-registry/internal/errors"
	"github.com/basis-company/data-registry/internal/metrics"
	"github.com/basis-company/data-registry/internal/model"
	"github.com/basis-company/data-registry/internal/store"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

// RegistryService is the single entry point for registry operations. Reads
// consult the volatile store first and fall back to the durable store;
// writes commit durably first and then refresh the volatile store. The
// durable store is the only source of truth: volatile failures degrade the
// service, never fail it.
type RegistryService struct {
	records  store.RecordStore
	cache    store.EntryCache
	leases   *LeaseService
	cacheTTL time.Duration
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

// NewRegistryService creates a new registry service
func NewRegistryService(
	records store.RecordStore,
	cache store.EntryCache,
	leases *LeaseService,
	cacheTTL time.Duration,
	m *metrics.Metrics,
	logger *zap.Logger,
) *RegistryService {
	return &RegistryService{
		records:  records,
		cache:    cache,
		leases:   leases,
		cacheTTL: cacheTTL,
		metrics:  m,
		logger:   logger,
	}
}

// Get retrieves the record for a key, serving from the volatile store when
// it holds a fresh entry
func (s *RegistryService) Get(ctx context.Context, key string) (*model.Record, error) {
	// Try cache first
	entry, err := s.cache.ReadEntry(ctx, key)
	if err == nil && !entry.Expired(time.Now()) {
		s.metrics.RecordCacheHit()
		s.logger.Debug("Record served from cache",
			zap.String("key", key),
			zap.Int64("version", entry.Version))
		return entry.Record(), nil
	}
	if err != nil && !errors.Is(err, store.ErrCacheMiss) {
		s.degraded("get", key, err)
	}
	s.metrics.RecordCacheMiss()

	// Cache miss or expired entry, fetch from the durable store
	record, err := s.records.ReadRecord(ctx, key)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, errors.NotFound(key)
		}
		return nil, err
	}

	if record.Deleted {
		return nil, errors.NotFound(key)
	}

	// Refresh the cache for subsequent reads
	s.writeThrough(ctx, record, "get")

	return record, nil
}

// Put writes a value under a key and returns the version the durable store
// assigned
func (s *RegistryService) Put(ctx context.Context, key string, value []byte) (int64, error) {
	lease, err := s.leases.Acquire(ctx, key)
	if err != nil {
		return 0, err
	}
	defer s.leases.Release(key, lease.Token)

	// Durable commit first; the cache is never written ahead of it
	version, err := s.records.WriteRecord(ctx, key, value, store.WriteAnyVersion)
	if err != nil {
		return 0, err
	}

	record := &model.Record{
		Key:          key,
		Value:        value,
		Version:      version,
		LastModified: time.Now(),
	}
	s.writeThrough(ctx, record, "put")

	s.logger.Debug("Record written",
		zap.String("key", key),
		zap.Int64("version", version))

	return version, nil
}

// GetOrPut returns the existing live record for a key, creating it with the
// given value when absent. The created flag reports which happened. A create
// race against another writer is absorbed by returning the winner's record.
func (s *RegistryService) GetOrPut(ctx context.Context, key string, value []byte) (*model.Record, bool, error) {
	record, err := s.Get(ctx, key)
	if err == nil {
		return record, false, nil
	}
	if !errors.IsNotFound(err) {
		return nil, false, err
	}

	lease, err := s.leases.Acquire(ctx, key)
	if err != nil {
		return nil, false, err
	}
	defer s.leases.Release(key, lease.Token)

	version, err := s.records.WriteRecord(ctx, key, value, 0)
	if err != nil {
		if errors.Is(err, store.ErrVersionConflict) {
			return s.getOrPutRaceLoser(ctx, key)
		}
		return nil, false, err
	}

	record = &model.Record{
		Key:          key,
		Value:        value,
		Version:      version,
		LastModified: time.Now(),
	}
	s.writeThrough(ctx, record, "get_or_put")

	s.logger.Info("Record created",
		zap.String("key", key),
		zap.Int64("version", version))

	return record, true, nil
}

// getOrPutRaceLoser re-reads the key after losing a create race. The winner
// committed a live record between our read and our conditional write.
func (s *RegistryService) getOrPutRaceLoser(ctx context.Context, key string) (*model.Record, bool, error) {
	record, err := s.records.ReadRecord(ctx, key)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, false, errors.NotFound(key)
		}
		return nil, false, err
	}
	if record.Deleted {
		return nil, false, errors.NotFound(key)
	}
	return record, false, nil
}

// Delete tombstones the record for a key and immediately evicts its cache
// entry so no stale positive read survives a confirmed delete
func (s *RegistryService) Delete(ctx context.Context, key string) error {
	lease, err := s.leases.Acquire(ctx, key)
	if err != nil {
		return err
	}
	defer s.leases.Release(key, lease.Token)

	version, err := s.records.DeleteRecord(ctx, key)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return errors.NotFound(key)
		}
		return err
	}

	if err := s.cache.Evict(ctx, key); err != nil {
		s.degraded("delete", key, err)
	}

	s.logger.Info("Record deleted",
		zap.String("key", key),
		zap.Int64("tombstone_version", version))

	return nil
}

// ListKeys enumerates keys from the durable store, tombstones included
func (s *RegistryService) ListKeys(ctx context.Context, afterKey string, limit int) ([]*model.KeyVersion, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	return s.records.ListKeys(ctx, afterKey, limit)
}

// SyncStatus classifies a key's consistency between the two stores
func (s *RegistryService) SyncStatus(ctx context.Context, key string) (*model.SyncStatus, error) {
	record, err := s.records.ReadRecord(ctx, key)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, errors.NotFound(key)
		}
		return nil, err
	}
	if record.Deleted {
		return nil, errors.NotFound(key)
	}

	status := &model.SyncStatus{
		Key:            key,
		DurableVersion: record.Version,
	}

	entry, err := s.cache.ReadEntry(ctx, key)
	if err != nil {
		if !errors.Is(err, store.ErrCacheMiss) {
			s.degraded("sync_status", key, err)
		}
		status.State = model.SyncStateMissing
		return status, nil
	}

	status.CacheVersion = entry.Version
	switch {
	case entry.Expired(time.Now()):
		status.State = model.SyncStateMissing
	case entry.Version == record.Version:
		status.State = model.SyncStateSynced
	default:
		status.State = model.SyncStateStale
	}

	return status, nil
}

// writeThrough mirrors a durably committed record into the volatile store.
// Failures leave the key stale until reconciliation and are absorbed.
func (s *RegistryService) writeThrough(ctx context.Context, record *model.Record, operation string) {
	entry := &model.CacheEntry{
		Key:          record.Key,
		Value:        record.Value,
		Version:      record.Version,
		LastModified: record.LastModified,
		ExpiresAt:    time.Now().Add(s.cacheTTL),
	}

	if err := s.cache.WriteEntry(ctx, entry, s.cacheTTL); err != nil {
		s.degraded(operation, record.Key, err)
	}
}

// degraded logs and counts an absorbed volatile store failure
func (s *RegistryService) degraded(operation, key string, err error) {
	s.metrics.RecordCacheDegraded(operation)
	s.logger.Warn("Volatile store unavailable, degrading to durable store",
		zap.String("operation", operation),
		zap.String("key", key),
		zap.Error(err))
}
