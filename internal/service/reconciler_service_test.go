package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"go.uber.org/zap"

	"github.com/basis-company/data-registry/internal/metrics"
	"github.com/basis-company/data-registry/internal/model"
	"github.com/basis-company/data-registry/internal/store"
)

func newTestReconciler(records store.RecordStore, cache store.EntryCache, batchSize int) *ReconcilerService {
	m := metrics.NewMetrics(prometheus.NewRegistry())
	return NewReconcilerService(records, cache, ReconcilerConfig{
		Interval:           time.Hour,
		BatchSize:          batchSize,
		Parallelism:        2,
		TombstoneRetention: 24 * time.Hour,
		PurgeInterval:      time.Hour,
		CacheTTL:           time.Minute,
	}, m, zap.NewNop())
}

func TestReconcilerService_Sweep_BackfillsMissingEntry(t *testing.T) {
	mockRecords := new(MockRecordStore)
	mockCache := new(MockEntryCache)
	service := newTestReconciler(mockRecords, mockCache, 10)
	defer service.Stop(time.Second)

	ctx := context.Background()
	record := &model.Record{Key: "k1", Value: []byte(`"v"`), Version: 3, LastModified: time.Now()}

	mockRecords.On("ListKeys", ctx, "", 10).
		Return([]*model.KeyVersion{{Key: "k1", Version: 3}}, nil)
	mockRecords.On("ReadRecord", ctx, "k1").Return(record, nil)
	mockCache.On("ReadEntry", ctx, "k1").Return(nil, store.ErrCacheMiss)
	mockCache.On("WriteEntry", ctx, mock.MatchedBy(func(e *model.CacheEntry) bool {
		return e.Key == "k1" && e.Version == 3
	}), time.Minute).Return(nil)
	mockCache.On("ScanKeys", ctx, "", 10).Return([]string{}, "", nil)

	err := service.Sweep(ctx)

	assert.NoError(t, err)
	mockCache.AssertExpectations(t)
	mockCache.AssertNotCalled(t, "Evict", mock.Anything, mock.Anything)
}

func TestReconcilerService_Sweep_RefreshesStaleEntry(t *testing.T) {
	mockRecords := new(MockRecordStore)
	mockCache := new(MockEntryCache)
	service := newTestReconciler(mockRecords, mockCache, 10)
	defer service.Stop(time.Second)

	ctx := context.Background()
	record := &model.Record{Key: "k1", Value: []byte(`"new"`), Version: 3, LastModified: time.Now()}
	stale := freshEntry("k1", []byte(`"old"`), 2)

	mockRecords.On("ListKeys", ctx, "", 10).
		Return([]*model.KeyVersion{{Key: "k1", Version: 3}}, nil)
	mockRecords.On("ReadRecord", ctx, "k1").Return(record, nil)
	mockCache.On("ReadEntry", ctx, "k1").Return(stale, nil)
	mockCache.On("WriteEntry", ctx, mock.MatchedBy(func(e *model.CacheEntry) bool {
		return e.Version == 3
	}), time.Minute).Return(nil)
	mockCache.On("ScanKeys", ctx, "", 10).Return([]string{}, "", nil)

	err := service.Sweep(ctx)

	assert.NoError(t, err)
	mockCache.AssertExpectations(t)
}

func TestReconcilerService_Sweep_SyncedEntryUntouched(t *testing.T) {
	mockRecords := new(MockRecordStore)
	mockCache := new(MockEntryCache)
	service := newTestReconciler(mockRecords, mockCache, 10)
	defer service.Stop(time.Second)

	ctx := context.Background()
	record := &model.Record{Key: "k1", Value: []byte(`"v"`), Version: 3, LastModified: time.Now()}

	mockRecords.On("ListKeys", ctx, "", 10).
		Return([]*model.KeyVersion{{Key: "k1", Version: 3}}, nil)
	mockRecords.On("ReadRecord", ctx, "k1").Return(record, nil)
	mockCache.On("ReadEntry", ctx, "k1").Return(freshEntry("k1", []byte(`"v"`), 3), nil)
	mockCache.On("ScanKeys", ctx, "", 10).Return([]string{}, "", nil)

	err := service.Sweep(ctx)

	assert.NoError(t, err)
	mockCache.AssertNotCalled(t, "WriteEntry", mock.Anything, mock.Anything, mock.Anything)
	mockCache.AssertNotCalled(t, "Evict", mock.Anything, mock.Anything)
}

func TestReconcilerService_Sweep_SecondSweepIsNoOp(t *testing.T) {
	mockRecords := new(MockRecordStore)
	mockCache := new(MockEntryCache)
	service := newTestReconciler(mockRecords, mockCache, 10)
	defer service.Stop(time.Second)

	ctx := context.Background()
	record := &model.Record{Key: "k1", Value: []byte(`"v"`), Version: 3, LastModified: time.Now()}

	mockRecords.On("ListKeys", ctx, "", 10).
		Return([]*model.KeyVersion{{Key: "k1", Version: 3}}, nil)
	mockRecords.On("ReadRecord", ctx, "k1").Return(record, nil)
	mockCache.On("ReadEntry", ctx, "k1").Return(nil, store.ErrCacheMiss).Once()
	mockCache.On("ReadEntry", ctx, "k1").Return(freshEntry("k1", []byte(`"v"`), 3), nil)
	mockCache.On("WriteEntry", ctx, mock.AnythingOfType("*model.CacheEntry"), time.Minute).Return(nil).Once()
	mockCache.On("ScanKeys", ctx, "", 10).Return([]string{}, "", nil)

	assert.NoError(t, service.Sweep(ctx))
	assert.NoError(t, service.Sweep(ctx))

	// The first sweep backfilled; the second found the key synced
	mockCache.AssertNumberOfCalls(t, "WriteEntry", 1)
	mockCache.AssertNotCalled(t, "Evict", mock.Anything, mock.Anything)
}

func TestReconcilerService_Sweep_EvictsEntryForTombstone(t *testing.T) {
	mockRecords := new(MockRecordStore)
	mockCache := new(MockEntryCache)
	service := newTestReconciler(mockRecords, mockCache, 10)
	defer service.Stop(time.Second)

	ctx := context.Background()
	tombstone := &model.Record{Key: "k1", Version: 4, Deleted: true, LastModified: time.Now()}

	mockRecords.On("ListKeys", ctx, "", 10).
		Return([]*model.KeyVersion{{Key: "k1", Version: 4, Deleted: true}}, nil)
	mockRecords.On("ReadRecord", ctx, "k1").Return(tombstone, nil)
	mockCache.On("ReadEntry", ctx, "k1").Return(freshEntry("k1", []byte(`"v"`), 3), nil)
	mockCache.On("Evict", ctx, "k1").Return(nil)
	mockCache.On("ScanKeys", ctx, "", 10).Return([]string{}, "", nil)

	err := service.Sweep(ctx)

	assert.NoError(t, err)
	mockCache.AssertExpectations(t)
	mockCache.AssertNotCalled(t, "WriteEntry", mock.Anything, mock.Anything, mock.Anything)
}

func TestReconcilerService_Sweep_EvictsEntryAheadOfDurable(t *testing.T) {
	mockRecords := new(MockRecordStore)
	mockCache := new(MockEntryCache)
	service := newTestReconciler(mockRecords, mockCache, 10)
	defer service.Stop(time.Second)

	ctx := context.Background()
	record := &model.Record{Key: "k1", Value: []byte(`"v"`), Version: 3, LastModified: time.Now()}

	mockRecords.On("ListKeys", ctx, "", 10).
		Return([]*model.KeyVersion{{Key: "k1", Version: 3}}, nil)
	mockRecords.On("ReadRecord", ctx, "k1").Return(record, nil)
	// A version the durable store never assigned; the durable store wins
	mockCache.On("ReadEntry", ctx, "k1").Return(freshEntry("k1", []byte(`"x"`), 9), nil)
	mockCache.On("Evict", ctx, "k1").Return(nil)
	mockCache.On("ScanKeys", ctx, "", 10).Return([]string{}, "", nil)

	err := service.Sweep(ctx)

	assert.NoError(t, err)
	mockCache.AssertExpectations(t)
}

func TestReconcilerService_Sweep_EvictsOrphanedEntries(t *testing.T) {
	mockRecords := new(MockRecordStore)
	mockCache := new(MockEntryCache)
	service := newTestReconciler(mockRecords, mockCache, 10)
	defer service.Stop(time.Second)

	ctx := context.Background()

	mockRecords.On("ListKeys", ctx, "", 10).Return([]*model.KeyVersion{}, nil)
	mockCache.On("ScanKeys", ctx, "", 10).Return([]string{"ghost"}, "", nil)
	mockRecords.On("ReadRecord", ctx, "ghost").Return(nil, store.ErrNotFound)
	mockCache.On("Evict", ctx, "ghost").Return(nil)

	err := service.Sweep(ctx)

	assert.NoError(t, err)
	mockCache.AssertExpectations(t)
}

func TestReconcilerService_Sweep_KeyFailureDoesNotAbortSweep(t *testing.T) {
	mockRecords := new(MockRecordStore)
	mockCache := new(MockEntryCache)
	service := newTestReconciler(mockRecords, mockCache, 10)
	defer service.Stop(time.Second)

	ctx := context.Background()
	record := &model.Record{Key: "k2", Value: []byte(`"v"`), Version: 1, LastModified: time.Now()}

	mockRecords.On("ListKeys", ctx, "", 10).
		Return([]*model.KeyVersion{{Key: "k1", Version: 1}, {Key: "k2", Version: 1}}, nil)
	mockRecords.On("ReadRecord", ctx, "k1").Return(nil, fmt.Errorf("connection refused"))
	mockRecords.On("ReadRecord", ctx, "k2").Return(record, nil)
	mockCache.On("ReadEntry", ctx, "k2").Return(nil, store.ErrCacheMiss)
	mockCache.On("WriteEntry", ctx, mock.MatchedBy(func(e *model.CacheEntry) bool {
		return e.Key == "k2"
	}), time.Minute).Return(nil)
	mockCache.On("ScanKeys", ctx, "", 10).Return([]string{}, "", nil)

	err := service.Sweep(ctx)

	// The broken key is skipped; the healthy one is still repaired
	assert.NoError(t, err)
	mockCache.AssertExpectations(t)
}

func TestReconcilerService_Sweep_PagesThroughKeys(t *testing.T) {
	mockRecords := new(MockRecordStore)
	mockCache := new(MockEntryCache)
	service := newTestReconciler(mockRecords, mockCache, 2)
	defer service.Stop(time.Second)

	ctx := context.Background()

	mockRecords.On("ListKeys", ctx, "", 2).
		Return([]*model.KeyVersion{{Key: "a", Version: 1}, {Key: "b", Version: 1}}, nil).Once()
	mockRecords.On("ListKeys", ctx, "b", 2).
		Return([]*model.KeyVersion{{Key: "c", Version: 1}}, nil).Once()

	for _, key := range []string{"a", "b", "c"} {
		record := &model.Record{Key: key, Value: []byte(`"v"`), Version: 1, LastModified: time.Now()}
		mockRecords.On("ReadRecord", ctx, key).Return(record, nil)
		mockCache.On("ReadEntry", ctx, key).Return(freshEntry(key, []byte(`"v"`), 1), nil)
	}
	mockCache.On("ScanKeys", ctx, "", 2).Return([]string{}, "", nil)

	err := service.Sweep(ctx)

	assert.NoError(t, err)
	mockRecords.AssertExpectations(t)
}

func TestReconcilerService_Sweep_RepairSteppedOnByNewerWrite(t *testing.T) {
	mockRecords := new(MockRecordStore)
	mockCache := new(MockEntryCache)
	service := newTestReconciler(mockRecords, mockCache, 10)
	defer service.Stop(time.Second)

	ctx := context.Background()
	v3 := &model.Record{Key: "k1", Value: []byte(`"v3"`), Version: 3, LastModified: time.Now()}
	v4 := &model.Record{Key: "k1", Value: []byte(`"v4"`), Version: 4, LastModified: time.Now()}

	mockRecords.On("ListKeys", ctx, "", 10).
		Return([]*model.KeyVersion{{Key: "k1", Version: 3}}, nil)
	// A writer commits version 4 while the repair writes version 3
	mockRecords.On("ReadRecord", ctx, "k1").Return(v3, nil).Once()
	mockCache.On("ReadEntry", ctx, "k1").Return(nil, store.ErrCacheMiss)
	mockCache.On("WriteEntry", ctx, mock.AnythingOfType("*model.CacheEntry"), time.Minute).Return(nil)
	mockRecords.On("ReadRecord", ctx, "k1").Return(v4, nil).Once()
	mockCache.On("Evict", ctx, "k1").Return(nil)
	mockCache.On("ScanKeys", ctx, "", 10).Return([]string{}, "", nil)

	err := service.Sweep(ctx)

	assert.NoError(t, err)
	// The entry written for the raced version is evicted, not served
	mockCache.AssertExpectations(t)
}

func TestReconcilerService_PurgesTombstonesOnSchedule(t *testing.T) {
	mockRecords := new(MockRecordStore)
	mockCache := new(MockEntryCache)

	m := metrics.NewMetrics(prometheus.NewRegistry())
	service := NewReconcilerService(mockRecords, mockCache, ReconcilerConfig{
		Interval:           time.Hour,
		BatchSize:          10,
		Parallelism:        2,
		TombstoneRetention: 24 * time.Hour,
		PurgeInterval:      20 * time.Millisecond,
		CacheTTL:           time.Minute,
	}, m, zap.NewNop())

	mockRecords.On("PurgeTombstones", mock.Anything, 24*time.Hour).Return(int64(5), nil).Maybe()

	service.Start()
	time.Sleep(70 * time.Millisecond)
	assert.NoError(t, service.Stop(time.Second))

	mockRecords.AssertCalled(t, "PurgeTombstones", mock.Anything, 24*time.Hour)
}

func TestReconcilerService_TriggerSweep_RunsImmediately(t *testing.T) {
	mockRecords := new(MockRecordStore)
	mockCache := new(MockEntryCache)
	service := newTestReconciler(mockRecords, mockCache, 10)

	mockRecords.On("ListKeys", mock.Anything, "", 10).Return([]*model.KeyVersion{}, nil).Maybe()
	mockCache.On("ScanKeys", mock.Anything, "", 10).Return([]string{}, "", nil).Maybe()

	service.Start()
	service.TriggerSweep()
	time.Sleep(50 * time.Millisecond)
	assert.NoError(t, service.Stop(time.Second))

	// The hourly ticker never fired; only the trigger can have caused this
	mockRecords.AssertCalled(t, "ListKeys", mock.Anything, "", 10)
}
