// Package handler provides HTTP request handlers for the registry API.
package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/basis-company/data-registry/internal/errors"
	"github.com/basis-company/data-registry/internal/metrics"
	"github.com/basis-company/data-registry/internal/model"
)

// Registry is the record API consumed by the HTTP handlers
type Registry interface {
	Get(ctx context.Context, key string) (*model.Record, error)
	Put(ctx context.Context, key string, value []byte) (int64, error)
	GetOrPut(ctx context.Context, key string, value []byte) (*model.Record, bool, error)
	Delete(ctx context.Context, key string) error
	ListKeys(ctx context.Context, afterKey string, limit int) ([]*model.KeyVersion, error)
	SyncStatus(ctx context.Context, key string) (*model.SyncStatus, error)
}

// Reconciler is the sweep trigger consumed by the admin handlers
type Reconciler interface {
	TriggerSweep()
}

// Handlers contains all HTTP handlers and their dependencies
type Handlers struct {
	registry   Registry
	reconciler Reconciler
	metrics    *metrics.Metrics
	logger     *zap.Logger
	timeout    time.Duration
}

// NewHandlers creates a new Handlers instance
func NewHandlers(registry Registry, reconciler Reconciler, m *metrics.Metrics, logger *zap.Logger, requestTimeout time.Duration) *Handlers {
	return &Handlers{
		registry:   registry,
		reconciler: reconciler,
		metrics:    m,
		logger:     logger,
		timeout:    requestTimeout,
	}
}

// PutRecordRequest is the body of PUT and POST /v1/records/{key}
type PutRecordRequest struct {
	Value json.RawMessage `json:"value"`
}

// PutRecordResponse is the body returned by PUT /v1/records/{key}
type PutRecordResponse struct {
	Key     string `json:"key"`
	Version int64  `json:"version"`
}

// RecordResponse is the body returned for a single record
type RecordResponse struct {
	Key          string          `json:"key"`
	Value        json.RawMessage `json:"value"`
	Version      int64           `json:"version"`
	LastModified time.Time       `json:"last_modified"`
}

// ErrorDetail carries the code and message of a failed request
type ErrorDetail struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

// ErrorResponse is the standard error response format
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// GetRecord handles GET /v1/records/{key} requests
func (h *Handlers) GetRecord(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	key := mux.Vars(r)["key"]
	if key == "" {
		h.writeError(w, r, "get", start, errors.InvalidArgument("key is required", nil))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	record, err := h.registry.Get(ctx, key)
	if err != nil {
		h.writeError(w, r, "get", start, err)
		return
	}

	h.observe("get", "OK", start)
	h.writeJSONResponse(w, http.StatusOK, recordResponse(record))
}

// PutRecord handles PUT /v1/records/{key} requests
func (h *Handlers) PutRecord(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	key := mux.Vars(r)["key"]
	if key == "" {
		h.writeError(w, r, "put", start, errors.InvalidArgument("key is required", nil))
		return
	}

	value, err := decodeValue(r)
	if err != nil {
		h.writeError(w, r, "put", start, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	version, err := h.registry.Put(ctx, key, value)
	if err != nil {
		h.writeError(w, r, "put", start, err)
		return
	}

	h.observe("put", "OK", start)
	h.writeJSONResponse(w, http.StatusOK, PutRecordResponse{Key: key, Version: version})
}

// GetOrPutRecord handles POST /v1/records/{key} requests. The record is
// created with the given value unless it already exists, in which case the
// existing record is returned untouched.
func (h *Handlers) GetOrPutRecord(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	key := mux.Vars(r)["key"]
	if key == "" {
		h.writeError(w, r, "get_or_put", start, errors.InvalidArgument("key is required", nil))
		return
	}

	value, err := decodeValue(r)
	if err != nil {
		h.writeError(w, r, "get_or_put", start, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	record, created, err := h.registry.GetOrPut(ctx, key, value)
	if err != nil {
		h.writeError(w, r, "get_or_put", start, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	h.observe("get_or_put", "OK", start)
	h.writeJSONResponse(w, status, recordResponse(record))
}

// DeleteRecord handles DELETE /v1/records/{key} requests
func (h *Handlers) DeleteRecord(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	key := mux.Vars(r)["key"]
	if key == "" {
		h.writeError(w, r, "delete", start, errors.InvalidArgument("key is required", nil))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	if err := h.registry.Delete(ctx, key); err != nil {
		h.writeError(w, r, "delete", start, err)
		return
	}

	h.observe("delete", "OK", start)
	w.WriteHeader(http.StatusNoContent)
}

// decodeValue extracts the value payload from a write request body
func decodeValue(r *http.Request) ([]byte, error) {
	var req PutRecordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, errors.InvalidArgument("invalid request body", err)
	}
	if len(req.Value) == 0 || string(req.Value) == "null" {
		return nil, errors.InvalidArgument("value is required", nil)
	}
	return req.Value, nil
}

func recordResponse(record *model.Record) RecordResponse {
	return RecordResponse{
		Key:          record.Key,
		Value:        json.RawMessage(record.Value),
		Version:      record.Version,
		LastModified: record.LastModified,
	}
}

// writeError translates a service error into the standard error response
func (h *Handlers) writeError(w http.ResponseWriter, r *http.Request, operation string, start time.Time, err error) {
	var regErr *errors.RegistryError
	if !errors.As(err, &regErr) {
		regErr = errors.Internal("internal error", err)
	}

	requestID := r.Header.Get("X-Request-ID")
	statusCode := regErr.HTTPStatus()
	h.observe(operation, regErr.Code.String(), start)

	h.logger.Warn("Request failed",
		zap.String("operation", operation),
		zap.Int("status_code", statusCode),
		zap.String("error_code", regErr.Code.String()),
		zap.String("request_id", requestID),
		zap.Error(err))

	resp := ErrorResponse{
		Error: ErrorDetail{
			Code:      regErr.Code.String(),
			Message:   regErr.Message,
			RequestID: requestID,
		},
	}
	h.writeJSONResponse(w, statusCode, resp)
}

// writeJSONResponse writes a JSON response to the HTTP response writer
func (h *Handlers) writeJSONResponse(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", zap.Error(err))
	}
}

func (h *Handlers) observe(operation, status string, start time.Time) {
	h.metrics.RecordRequest(operation, status, time.Since(start).Seconds())
}
