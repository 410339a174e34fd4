package service

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/basis-company/data-registry/internal/errors"
	"github.com/basis-company/data-registry/internal/metrics"
	"github.com/basis-company/data-registry/internal/model"
	"github.com/basis-company/data-registry/internal/store"
	"github.com/basis-company/data-registry/internal/util/workerpool"
)

// ReconcilerConfig holds the knobs for the background reconciliation sweep
type ReconcilerConfig struct {
	Interval           time.Duration
	BatchSize          int
	Parallelism        int
	SweepRateLimit     float64
	TombstoneRetention time.Duration
	PurgeInterval      time.Duration
	CacheTTL           time.Duration
}

// ReconcilerService periodically walks the durable store and drives every
// key's cache entry back to the synced state: missing or stale entries are
// refreshed, entries for tombstoned or purged records are evicted. Each
// per-key repair is independent, so an interrupted sweep leaves nothing
// half-done that the next sweep cannot finish.
type ReconcilerService struct {
	records store.RecordStore
	cache   store.EntryCache
	pool    *workerpool.WorkerPool
	limiter *rate.Limiter
	config  ReconcilerConfig
	metrics *metrics.Metrics
	logger  *zap.Logger

	triggerChan chan struct{}
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	startOnce   sync.Once
	stopOnce    sync.Once
}

// NewReconcilerService creates a reconciler over the given stores
func NewReconcilerService(
	records store.RecordStore,
	cache store.EntryCache,
	config ReconcilerConfig,
	m *metrics.Metrics,
	logger *zap.Logger,
) *ReconcilerService {
	if config.BatchSize <= 0 {
		config.BatchSize = 200
	}
	if config.Parallelism <= 0 {
		config.Parallelism = 4
	}

	limit := rate.Inf
	if config.SweepRateLimit > 0 {
		limit = rate.Limit(config.SweepRateLimit)
	}
	burst := int(config.SweepRateLimit)
	if burst < 1 {
		burst = 1
	}

	return &ReconcilerService{
		records:     records,
		cache:       cache,
		pool:        workerpool.NewWorkerPool("reconciler", config.Parallelism, config.BatchSize, logger),
		limiter:     rate.NewLimiter(limit, burst),
		config:      config,
		metrics:     m,
		logger:      logger,
		triggerChan: make(chan struct{}, 1),
	}
}

// Start launches the background sweep and tombstone purge loops
func (s *ReconcilerService) Start() {
	s.startOnce.Do(func() {
		ctx, cancel := context.WithCancel(context.Background())
		s.cancel = cancel

		s.wg.Add(2)
		go s.sweepLoop(ctx)
		go s.purgeLoop(ctx)

		s.logger.Info("Reconciler started",
			zap.Duration("interval", s.config.Interval),
			zap.Int("batch_size", s.config.BatchSize),
			zap.Int("parallelism", s.config.Parallelism))
	})
}

// Stop halts the loops and waits up to timeout for in-flight repairs
func (s *ReconcilerService) Stop(timeout time.Duration) error {
	var err error
	s.stopOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}

		done := make(chan struct{})
		go func() {
			s.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(timeout):
			err = fmt.Errorf("reconciler stop timeout after %v", timeout)
		}

		if poolErr := s.pool.Stop(timeout); poolErr != nil && err == nil {
			err = poolErr
		}
		s.logger.Info("Reconciler stopped")
	})
	return err
}

// TriggerSweep requests an immediate sweep. Requests arriving while a
// trigger is already pending coalesce into a single sweep.
func (s *ReconcilerService) TriggerSweep() {
	select {
	case s.triggerChan <- struct{}{}:
	default:
	}
}

func (s *ReconcilerService) sweepLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-s.triggerChan:
		}

		if err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("Reconciliation sweep failed", zap.Error(err))
		}
	}
}

func (s *ReconcilerService) purgeLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.PurgeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			purged, err := s.records.PurgeTombstones(ctx, s.config.TombstoneRetention)
			if err != nil {
				if ctx.Err() == nil {
					s.logger.Error("Tombstone purge failed", zap.Error(err))
				}
				continue
			}
			if purged > 0 {
				s.metrics.RecordTombstonesPurged(purged)
				s.logger.Info("Purged expired tombstones", zap.Int64("purged", purged))
			}
		}
	}
}

// Sweep runs one full reconciliation pass: every durable key is checked
// against its cache entry and repaired, then cache keys with no durable
// record are evicted. Per-key failures are counted and skipped so a single
// bad key cannot stall the sweep.
func (s *ReconcilerService) Sweep(ctx context.Context) error {
	start := time.Now()
	var scanned, repaired, failed uint64

	afterKey := ""
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		keys, err := s.records.ListKeys(ctx, afterKey, s.config.BatchSize)
		if err != nil {
			return fmt.Errorf("failed to list keys for sweep: %w", err)
		}
		if len(keys) == 0 {
			break
		}

		scanned += uint64(len(keys))
		s.repairBatch(ctx, keys, &repaired, &failed)

		afterKey = keys[len(keys)-1].Key
		if len(keys) < s.config.BatchSize {
			break
		}
	}
	s.metrics.RecordKeysScanned(int(scanned))

	orphans, err := s.sweepOrphans(ctx, &failed)
	if err != nil {
		// The volatile store being down is not fatal to the sweep; the
		// durable pass already completed
		s.logger.Warn("Orphan scan aborted", zap.Error(err))
	}
	repaired += orphans

	duration := time.Since(start)
	s.metrics.RecordSweep(duration.Seconds())
	s.logger.Info("Reconciliation sweep completed",
		zap.Uint64("keys_scanned", scanned),
		zap.Uint64("repaired", repaired),
		zap.Uint64("failed", failed),
		zap.Duration("duration", duration))

	return nil
}

func (s *ReconcilerService) repairBatch(ctx context.Context, keys []*model.KeyVersion, repaired, failed *uint64) {
	var wg sync.WaitGroup
	for _, kv := range keys {
		if err := s.limiter.Wait(ctx); err != nil {
			break
		}

		key := kv.Key
		wg.Add(1)
		task := workerpool.Task{
			ID:      key,
			Context: ctx,
			Fn: func(taskCtx context.Context) error {
				defer wg.Done()
				didRepair, err := s.repairKey(taskCtx, key)
				if err != nil {
					atomic.AddUint64(failed, 1)
					s.metrics.RecordRepairFailure()
					s.logger.Warn("Key repair failed",
						zap.String("key", key),
						zap.Error(err))
					return err
				}
				if didRepair {
					atomic.AddUint64(repaired, 1)
				}
				return nil
			},
		}

		if err := s.pool.Submit(ctx, task); err != nil {
			wg.Done()
			break
		}
	}
	wg.Wait()
}

// repairKey drives a single key to the synced state. The durable record is
// re-read here rather than trusted from the listing, so a write that landed
// after the listing cannot be undone by a stale repair.
func (s *ReconcilerService) repairKey(ctx context.Context, key string) (bool, error) {
	record, err := s.records.ReadRecord(ctx, key)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// Purged between listing and repair; drop any leftover entry
			return s.evictEntry(ctx, key)
		}
		return false, err
	}

	entry, err := s.cache.ReadEntry(ctx, key)
	missing := err != nil && errors.Is(err, store.ErrCacheMiss)
	if err != nil && !missing {
		return false, err
	}

	if record.Deleted {
		if missing {
			return false, nil
		}
		return s.evictEntry(ctx, key)
	}

	now := time.Now()
	switch {
	case missing || entry.Expired(now):
		return s.refreshEntry(ctx, record, "backfill")
	case entry.Version == record.Version:
		return false, nil
	case entry.Version < record.Version:
		return s.refreshEntry(ctx, record, "refresh")
	default:
		// A cache entry ahead of the durable store means someone wrote
		// around the registry; the durable store wins
		s.logger.Warn("Cache entry ahead of durable record, evicting",
			zap.String("key", key),
			zap.Int64("cache_version", entry.Version),
			zap.Int64("durable_version", record.Version))
		return s.evictEntry(ctx, key)
	}
}

// refreshEntry writes the durable record into the cache, then verifies the
// durable version did not advance underneath the write. If it did, the
// entry is evicted so the next read backfills the newer version instead of
// serving the one this repair raced against.
func (s *ReconcilerService) refreshEntry(ctx context.Context, record *model.Record, action string) (bool, error) {
	entry := &model.CacheEntry{
		Key:          record.Key,
		Value:        record.Value,
		Version:      record.Version,
		LastModified: record.LastModified,
		ExpiresAt:    time.Now().Add(s.config.CacheTTL),
	}
	if err := s.cache.WriteEntry(ctx, entry, s.config.CacheTTL); err != nil {
		return false, err
	}

	current, err := s.records.ReadRecord(ctx, record.Key)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return s.evictEntry(ctx, record.Key)
		}
		// Verification is best effort; the entry just written is valid
		// for the version observed above
		s.metrics.RecordRepair(action)
		return true, nil
	}
	if current.Version != record.Version || current.Deleted {
		return s.evictEntry(ctx, record.Key)
	}

	s.metrics.RecordRepair(action)
	s.logger.Debug("Repaired cache entry",
		zap.String("key", record.Key),
		zap.String("action", action),
		zap.Int64("version", record.Version))
	return true, nil
}

func (s *ReconcilerService) evictEntry(ctx context.Context, key string) (bool, error) {
	if err := s.cache.Evict(ctx, key); err != nil {
		return false, err
	}
	s.metrics.RecordRepair("evict")
	return true, nil
}

// sweepOrphans walks the volatile store and evicts entries whose key no
// longer exists durably, so purged records cannot linger in the cache
func (s *ReconcilerService) sweepOrphans(ctx context.Context, failed *uint64) (uint64, error) {
	var evicted uint64
	cursor := ""
	for {
		if ctx.Err() != nil {
			return evicted, ctx.Err()
		}

		keys, next, err := s.cache.ScanKeys(ctx, cursor, s.config.BatchSize)
		if err != nil {
			return evicted, err
		}

		for _, key := range keys {
			if err := s.limiter.Wait(ctx); err != nil {
				return evicted, err
			}

			_, err := s.records.ReadRecord(ctx, key)
			if err == nil {
				continue
			}
			if !errors.Is(err, store.ErrNotFound) {
				atomic.AddUint64(failed, 1)
				s.metrics.RecordRepairFailure()
				continue
			}

			if _, err := s.evictEntry(ctx, key); err != nil {
				atomic.AddUint64(failed, 1)
				s.metrics.RecordRepairFailure()
				continue
			}
			evicted++
			s.logger.Debug("Evicted orphaned cache entry", zap.String("key", key))
		}

		if next == "" {
			break
		}
		cursor = next
	}
	return evicted, nil
}
