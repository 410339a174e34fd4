// Package health provides liveness and readiness endpoints for the registry.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Pinger reports whether a backing store is reachable
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthCheck manages health check state. Readiness requires the durable
// store to be reachable; the volatile store is reported but never gates
// readiness, matching the registry's fail-open read path.
type HealthCheck struct {
	durable       Pinger
	volatile      Pinger
	logger        *zap.Logger
	mu            sync.RWMutex
	ready         bool
	cacheHealthy  bool
	lastCheck     time.Time
	checkInterval time.Duration
	stopChan      chan struct{}
	stopOnce      sync.Once
}

// NewHealthCheck creates a HealthCheck polling both stores in the background
func NewHealthCheck(durable, volatile Pinger, logger *zap.Logger) *HealthCheck {
	hc := &HealthCheck{
		durable:       durable,
		volatile:      volatile,
		logger:        logger,
		checkInterval: 5 * time.Second,
		stopChan:      make(chan struct{}),
	}

	go hc.backgroundCheck()

	return hc
}

// LivenessResponse represents the response for the liveness check
type LivenessResponse struct {
	Status string `json:"status"`
}

// ReadinessResponse represents the response for the readiness check
type ReadinessResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
	Error  string            `json:"error,omitempty"`
}

// LivenessHandler handles GET /health/live requests.
// Returns 200 OK if the process is running.
func (hc *HealthCheck) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	resp := LivenessResponse{
		Status: "healthy",
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(resp)
}

// ReadinessHandler handles GET /health/ready requests.
// Returns 200 OK if the durable store is reachable.
func (hc *HealthCheck) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	hc.mu.RLock()
	isReady := hc.ready
	cacheHealthy := hc.cacheHealthy
	hc.mu.RUnlock()

	w.Header().Set("Content-Type", "application/json")

	if isReady {
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(ReadinessResponse{
			Status: "ready",
			Checks: hc.checks(true, cacheHealthy),
		})
		return
	}

	// Perform a fresh check if not ready
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if err := hc.durable.Ping(ctx); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(ReadinessResponse{
			Status: "not_ready",
			Checks: hc.checks(false, cacheHealthy),
			Error:  err.Error(),
		})
		return
	}

	hc.mu.Lock()
	hc.ready = true
	hc.lastCheck = time.Now()
	hc.mu.Unlock()

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(ReadinessResponse{
		Status: "ready",
		Checks: hc.checks(true, cacheHealthy),
	})
}

func (hc *HealthCheck) checks(durableHealthy, cacheHealthy bool) map[string]string {
	checks := map[string]string{
		"durable":  "healthy",
		"volatile": "healthy",
	}
	if !durableHealthy {
		checks["durable"] = "unhealthy"
	}
	if !cacheHealthy {
		checks["volatile"] = "degraded"
	}
	return checks
}

// backgroundCheck performs periodic health checks
func (hc *HealthCheck) backgroundCheck() {
	ticker := time.NewTicker(hc.checkInterval)
	defer ticker.Stop()

	hc.runCheck()

	for {
		select {
		case <-hc.stopChan:
			return
		case <-ticker.C:
			hc.runCheck()
		}
	}
}

func (hc *HealthCheck) runCheck() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	durableErr := hc.durable.Ping(ctx)
	volatileErr := hc.volatile.Ping(ctx)
	cancel()

	hc.mu.Lock()
	hc.ready = durableErr == nil
	hc.cacheHealthy = volatileErr == nil
	hc.lastCheck = time.Now()
	hc.mu.Unlock()

	if durableErr != nil {
		hc.logger.Warn("Durable store health check failed", zap.Error(durableErr))
	}
	if volatileErr != nil {
		hc.logger.Warn("Volatile store health check failed", zap.Error(volatileErr))
	}
}

// Stop halts the background health check loop
func (hc *HealthCheck) Stop() {
	hc.stopOnce.Do(func() {
		close(hc.stopChan)
	})
}

// IsReady returns the current readiness status
func (hc *HealthCheck) IsReady() bool {
	hc.mu.RLock()
	defer hc.mu.RUnlock()
	return hc.ready
}

// SetReady sets the readiness status (for testing)
func (hc *HealthCheck) SetReady(ready bool) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.ready = ready
}
