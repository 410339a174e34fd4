package service

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/basis-company/data-registry/internal/errors"
	"github.com/basis-company/data-registry/internal/metrics"
)

func newTestLeaseService(leaseTTL, acquireWait time.Duration) *LeaseService {
	m := metrics.NewMetrics(prometheus.NewRegistry())
	return NewLeaseService(leaseTTL, acquireWait, m, zap.NewNop())
}

func TestLeaseService_AcquireAndRelease(t *testing.T) {
	service := newTestLeaseService(time.Second, 100*time.Millisecond)
	ctx := context.Background()

	lease, err := service.Acquire(ctx, "k1")

	require.NoError(t, err)
	assert.Equal(t, "k1", lease.Key)
	assert.NotEmpty(t, lease.Token)
	assert.Equal(t, 1, service.ActiveLeases())

	service.Release("k1", lease.Token)
	assert.Equal(t, 0, service.ActiveLeases())
}

func TestLeaseService_Acquire_BusyWhileHeld(t *testing.T) {
	service := newTestLeaseService(time.Second, 50*time.Millisecond)
	ctx := context.Background()

	lease, err := service.Acquire(ctx, "k1")
	require.NoError(t, err)

	// Second writer exhausts the bounded acquire window
	_, err = service.Acquire(ctx, "k1")

	assert.True(t, errors.IsBusy(err))
	assert.Equal(t, errors.ErrCodeBusy, errors.GetCode(err))

	service.Release("k1", lease.Token)
}

func TestLeaseService_Acquire_WaitsForRelease(t *testing.T) {
	service := newTestLeaseService(time.Second, 500*time.Millisecond)
	ctx := context.Background()

	lease, err := service.Acquire(ctx, "k1")
	require.NoError(t, err)

	go func() {
		time.Sleep(30 * time.Millisecond)
		service.Release("k1", lease.Token)
	}()

	second, err := service.Acquire(ctx, "k1")

	require.NoError(t, err)
	assert.NotEqual(t, lease.Token, second.Token)
	service.Release("k1", second.Token)
}

func TestLeaseService_Acquire_ReclaimsExpiredLease(t *testing.T) {
	service := newTestLeaseService(20*time.Millisecond, 500*time.Millisecond)
	ctx := context.Background()

	stale, err := service.Acquire(ctx, "k1")
	require.NoError(t, err)

	// Holder exceeded its TTL without releasing
	time.Sleep(40 * time.Millisecond)

	fresh, err := service.Acquire(ctx, "k1")

	require.NoError(t, err)
	assert.NotEqual(t, stale.Token, fresh.Token)

	// The stale holder's late release must not free the new lease
	service.Release("k1", stale.Token)
	assert.Equal(t, 1, service.ActiveLeases())

	service.Release("k1", fresh.Token)
	assert.Equal(t, 0, service.ActiveLeases())
}

func TestLeaseService_Acquire_DistinctKeysDoNotContend(t *testing.T) {
	service := newTestLeaseService(time.Second, 50*time.Millisecond)
	ctx := context.Background()

	a, err := service.Acquire(ctx, "key-a")
	require.NoError(t, err)

	b, err := service.Acquire(ctx, "key-b")
	require.NoError(t, err)

	assert.Equal(t, 2, service.ActiveLeases())
	service.Release("key-a", a.Token)
	service.Release("key-b", b.Token)
}

func TestLeaseService_Acquire_ContextCanceled(t *testing.T) {
	service := newTestLeaseService(time.Second, time.Second)

	lease, err := service.Acquire(context.Background(), "k1")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err = service.Acquire(ctx, "k1")

	assert.Equal(t, errors.ErrCodeTimeout, errors.GetCode(err))
	service.Release("k1", lease.Token)
}

func TestLeaseService_MutualExclusion(t *testing.T) {
	service := newTestLeaseService(time.Second, time.Second)
	ctx := context.Background()

	var active int32
	var violations int32
	var wg sync.WaitGroup

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			lease, err := service.Acquire(ctx, "shared")
			if err != nil {
				atomic.AddInt32(&violations, 1)
				return
			}

			if atomic.AddInt32(&active, 1) != 1 {
				atomic.AddInt32(&violations, 1)
			}
			time.Sleep(2 * time.Millisecond)
			atomic.AddInt32(&active, -1)

			service.Release("shared", lease.Token)
		}()
	}

	wg.Wait()

	assert.Equal(t, int32(0), violations)
	assert.Equal(t, 0, service.ActiveLeases())
}
