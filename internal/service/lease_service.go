package service

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/basis-company/data-registry/internal/errors"
	"github.com/basis-company/data-registry/internal/metrics"
	"github.com/basis-company/data-registry/internal/model"
)

// LeaseService hands out per-key exclusive leases to writers. Leases are the
// only exclusive-access primitive in the registry: they are scoped to a
// single key, so writes to distinct keys never serialize against each other.
type LeaseService struct {
	mu          sync.Mutex
	leases      map[string]*leaseState
	leaseTTL    time.Duration
	acquireWait time.Duration
	baseDelay   time.Duration
	maxDelay    time.Duration
	metrics     *metrics.Metrics
	logger      *zap.Logger
}

type leaseState struct {
	lease    *model.Lease
	released chan struct{}
}

// NewLeaseService creates a new lease service. leaseTTL bounds how long a
// writer may hold a key before the lease is forcibly released; acquireWait
// bounds how long a contending writer waits before giving up with Busy.
func NewLeaseService(
	leaseTTL time.Duration,
	acquireWait time.Duration,
	m *metrics.Metrics,
	logger *zap.Logger,
) *LeaseService {
	return &LeaseService{
		leases:      make(map[string]*leaseState),
		leaseTTL:    leaseTTL,
		acquireWait: acquireWait,
		baseDelay:   10 * time.Millisecond,  // First retry after contention
		maxDelay:    250 * time.Millisecond, // Backoff ceiling between retries
		metrics:     m,
		logger:      logger,
	}
}

// Acquire claims the lease for key, waiting up to the bounded acquire window
// when another writer holds it. Contention past the window fails with Busy;
// a caller deadline expiring first fails with Timeout.
func (s *LeaseService) Acquire(ctx context.Context, key string) (*model.Lease, error) {
	deadline := time.Now().Add(s.acquireWait)
	delay := s.baseDelay

	for {
		lease, releasedCh := s.tryAcquire(key)
		if lease != nil {
			s.metrics.RecordLeaseOutcome("acquired")
			return lease, nil
		}

		if time.Now().After(deadline) {
			s.metrics.RecordLeaseOutcome("busy")
			s.logger.Debug("Lease contention exceeded acquire window",
				zap.String("key", key),
				zap.Duration("acquire_wait", s.acquireWait))
			return nil, errors.Busy(key)
		}

		select {
		case <-ctx.Done():
			s.metrics.RecordLeaseOutcome("timeout")
			return nil, errors.Timeout("acquire_lease", ctx.Err())
		case <-releasedCh:
			// Holder released; retry immediately
		case <-time.After(delay):
		}

		delay *= 2
		if delay > s.maxDelay {
			delay = s.maxDelay
		}
	}
}

// tryAcquire claims the lease if it is free or expired. When the key is
// held it returns the holder's release channel so the caller can wait on it.
func (s *LeaseService) tryAcquire(key string) (*model.Lease, chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if state, exists := s.leases[key]; exists {
		if now.Before(state.lease.ExpiresAt) {
			return nil, state.released
		}

		// Forced release: the holder exceeded the lease TTL
		s.logger.Warn("Lease expired, forcing release",
			zap.String("key", key),
			zap.String("token", state.lease.Token),
			zap.Time("acquired_at", state.lease.AcquiredAt))
		close(state.released)
		delete(s.leases, key)
	}

	state := &leaseState{
		lease: &model.Lease{
			Key:        key,
			Token:      uuid.New().String(),
			AcquiredAt: now,
			ExpiresAt:  now.Add(s.leaseTTL),
		},
		released: make(chan struct{}),
	}
	s.leases[key] = state

	return state.lease, nil
}

// Release returns the lease identified by token. A stale token (the lease
// was forcibly released and re-claimed) is ignored so a slow writer cannot
// release its successor's lease.
func (s *LeaseService) Release(key, token string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, exists := s.leases[key]
	if !exists || state.lease.Token != token {
		s.logger.Debug("Ignoring release of stale lease token",
			zap.String("key", key))
		return
	}

	delete(s.leases, key)
	close(state.released)
}

// ActiveLeases returns the number of currently held leases
func (s *LeaseService) ActiveLeases() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.leases)
}
