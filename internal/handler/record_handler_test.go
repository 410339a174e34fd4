package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/basis-company/data-registry/internal/errors"
	"github.com/basis-company/data-registry/internal/metrics"
	"github.com/basis-company/data-registry/internal/model"
)

// MockRegistry is a mock implementation of the Registry interface
type MockRegistry struct {
	mock.Mock
}

func (m *MockRegistry) Get(ctx context.Context, key string) (*model.Record, error) {
	args := m.Called(ctx, key)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Record), args.Error(1)
}

func (m *MockRegistry) Put(ctx context.Context, key string, value []byte) (int64, error) {
	args := m.Called(ctx, key, value)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockRegistry) GetOrPut(ctx context.Context, key string, value []byte) (*model.Record, bool, error) {
	args := m.Called(ctx, key, value)
	if args.Get(0) == nil {
		return nil, args.Bool(1), args.Error(2)
	}
	return args.Get(0).(*model.Record), args.Bool(1), args.Error(2)
}

func (m *MockRegistry) Delete(ctx context.Context, key string) error {
	args := m.Called(ctx, key)
	return args.Error(0)
}

func (m *MockRegistry) ListKeys(ctx context.Context, afterKey string, limit int) ([]*model.KeyVersion, error) {
	args := m.Called(ctx, afterKey, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*model.KeyVersion), args.Error(1)
}

func (m *MockRegistry) SyncStatus(ctx context.Context, key string) (*model.SyncStatus, error) {
	args := m.Called(ctx, key)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.SyncStatus), args.Error(1)
}

// MockReconciler is a mock implementation of the Reconciler interface
type MockReconciler struct {
	mock.Mock
}

func (m *MockReconciler) TriggerSweep() {
	m.Called()
}

func newTestHandlers(registry Registry, reconciler Reconciler) *Handlers {
	m := metrics.NewMetrics(prometheus.NewRegistry())
	return NewHandlers(registry, reconciler, m, zap.NewNop(), time.Second)
}

func recordRequest(method, key string, body string) *http.Request {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, "/v1/records/"+key, nil)
	} else {
		req = httptest.NewRequest(method, "/v1/records/"+key, bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
	}
	return mux.SetURLVars(req, map[string]string{"key": key})
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	return resp
}

func TestHandlers_GetRecord_Success(t *testing.T) {
	registry := new(MockRegistry)
	handlers := newTestHandlers(registry, new(MockReconciler))

	record := &model.Record{
		Key:          "user:1",
		Value:        []byte(`{"name":"alice"}`),
		Version:      3,
		LastModified: time.Now().UTC(),
	}
	registry.On("Get", mock.Anything, "user:1").Return(record, nil).Once()

	w := httptest.NewRecorder()
	handlers.GetRecord(w, recordRequest(http.MethodGet, "user:1", ""))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var resp RecordResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, "user:1", resp.Key)
	assert.JSONEq(t, `{"name":"alice"}`, string(resp.Value))
	assert.Equal(t, int64(3), resp.Version)

	registry.AssertExpectations(t)
}

func TestHandlers_GetRecord_NotFound(t *testing.T) {
	registry := new(MockRegistry)
	handlers := newTestHandlers(registry, new(MockReconciler))

	registry.On("Get", mock.Anything, "ghost").Return(nil, errors.NotFound("ghost")).Once()

	w := httptest.NewRecorder()
	handlers.GetRecord(w, recordRequest(http.MethodGet, "ghost", ""))

	assert.Equal(t, http.StatusNotFound, w.Code)
	resp := decodeError(t, w)
	assert.Equal(t, "NOT_FOUND", resp.Error.Code)
	assert.Contains(t, resp.Error.Message, "ghost")
}

func TestHandlers_GetRecord_StorageUnavailable(t *testing.T) {
	registry := new(MockRegistry)
	handlers := newTestHandlers(registry, new(MockReconciler))

	registry.On("Get", mock.Anything, "user:1").
		Return(nil, errors.StorageUnavailable("read_record", fmt.Errorf("connection refused"))).Once()

	w := httptest.NewRecorder()
	handlers.GetRecord(w, recordRequest(http.MethodGet, "user:1", ""))

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "STORAGE_UNAVAILABLE", decodeError(t, w).Error.Code)
}

func TestHandlers_GetRecord_UnknownErrorMapsToInternal(t *testing.T) {
	registry := new(MockRegistry)
	handlers := newTestHandlers(registry, new(MockReconciler))

	registry.On("Get", mock.Anything, "user:1").Return(nil, fmt.Errorf("boom")).Once()

	w := httptest.NewRecorder()
	handlers.GetRecord(w, recordRequest(http.MethodGet, "user:1", ""))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "INTERNAL", decodeError(t, w).Error.Code)
}

func TestHandlers_GetRecord_AppliesRequestTimeout(t *testing.T) {
	registry := new(MockRegistry)
	handlers := newTestHandlers(registry, new(MockReconciler))

	record := &model.Record{Key: "user:1", Value: []byte(`1`), Version: 1}
	registry.On("Get", mock.MatchedBy(func(ctx context.Context) bool {
		_, ok := ctx.Deadline()
		return ok
	}), "user:1").Return(record, nil).Once()

	w := httptest.NewRecorder()
	handlers.GetRecord(w, recordRequest(http.MethodGet, "user:1", ""))

	assert.Equal(t, http.StatusOK, w.Code)
	registry.AssertExpectations(t)
}

func TestHandlers_PutRecord_Success(t *testing.T) {
	registry := new(MockRegistry)
	handlers := newTestHandlers(registry, new(MockReconciler))

	registry.On("Put", mock.Anything, "user:1", []byte(`{"name":"alice"}`)).
		Return(int64(3), nil).Once()

	w := httptest.NewRecorder()
	handlers.PutRecord(w, recordRequest(http.MethodPut, "user:1", `{"value":{"name":"alice"}}`))

	assert.Equal(t, http.StatusOK, w.Code)

	var resp PutRecordResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, "user:1", resp.Key)
	assert.Equal(t, int64(3), resp.Version)

	registry.AssertExpectations(t)
}

func TestHandlers_PutRecord_ValidationError(t *testing.T) {
	registry := new(MockRegistry)
	handlers := newTestHandlers(registry, new(MockReconciler))

	t.Run("invalid JSON", func(t *testing.T) {
		w := httptest.NewRecorder()
		handlers.PutRecord(w, recordRequest(http.MethodPut, "user:1", `{invalid}`))

		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, "INVALID_ARGUMENT", decodeError(t, w).Error.Code)
	})

	t.Run("missing value", func(t *testing.T) {
		w := httptest.NewRecorder()
		handlers.PutRecord(w, recordRequest(http.MethodPut, "user:1", `{}`))

		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Contains(t, w.Body.String(), "value is required")
	})

	t.Run("null value", func(t *testing.T) {
		w := httptest.NewRecorder()
		handlers.PutRecord(w, recordRequest(http.MethodPut, "user:1", `{"value":null}`))

		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Contains(t, w.Body.String(), "value is required")
	})

	registry.AssertNotCalled(t, "Put", mock.Anything, mock.Anything, mock.Anything)
}

func TestHandlers_PutRecord_Busy(t *testing.T) {
	registry := new(MockRegistry)
	handlers := newTestHandlers(registry, new(MockReconciler))

	registry.On("Put", mock.Anything, "user:1", mock.Anything).
		Return(int64(0), errors.Busy("user:1")).Once()

	w := httptest.NewRecorder()
	handlers.PutRecord(w, recordRequest(http.MethodPut, "user:1", `{"value":1}`))

	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "BUSY", decodeError(t, w).Error.Code)
}

func TestHandlers_PutRecord_Timeout(t *testing.T) {
	registry := new(MockRegistry)
	handlers := newTestHandlers(registry, new(MockReconciler))

	registry.On("Put", mock.Anything, "user:1", mock.Anything).
		Return(int64(0), errors.Timeout("acquire_lease", context.DeadlineExceeded)).Once()

	w := httptest.NewRecorder()
	handlers.PutRecord(w, recordRequest(http.MethodPut, "user:1", `{"value":1}`))

	assert.Equal(t, http.StatusGatewayTimeout, w.Code)
	assert.Equal(t, "TIMEOUT", decodeError(t, w).Error.Code)
}

func TestHandlers_GetOrPutRecord_Created(t *testing.T) {
	registry := new(MockRegistry)
	handlers := newTestHandlers(registry, new(MockReconciler))

	record := &model.Record{Key: "user:1", Value: []byte(`{"name":"alice"}`), Version: 1}
	registry.On("GetOrPut", mock.Anything, "user:1", []byte(`{"name":"alice"}`)).
		Return(record, true, nil).Once()

	w := httptest.NewRecorder()
	handlers.GetOrPutRecord(w, recordRequest(http.MethodPost, "user:1", `{"value":{"name":"alice"}}`))

	assert.Equal(t, http.StatusCreated, w.Code)

	var resp RecordResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, int64(1), resp.Version)
}

func TestHandlers_GetOrPutRecord_ExistingReturnsOK(t *testing.T) {
	registry := new(MockRegistry)
	handlers := newTestHandlers(registry, new(MockReconciler))

	existing := &model.Record{Key: "user:1", Value: []byte(`{"name":"bob"}`), Version: 5}
	registry.On("GetOrPut", mock.Anything, "user:1", mock.Anything).
		Return(existing, false, nil).Once()

	w := httptest.NewRecorder()
	handlers.GetOrPutRecord(w, recordRequest(http.MethodPost, "user:1", `{"value":{"name":"alice"}}`))

	assert.Equal(t, http.StatusOK, w.Code)

	var resp RecordResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.JSONEq(t, `{"name":"bob"}`, string(resp.Value))
	assert.Equal(t, int64(5), resp.Version)
}

func TestHandlers_DeleteRecord_Success(t *testing.T) {
	registry := new(MockRegistry)
	handlers := newTestHandlers(registry, new(MockReconciler))

	registry.On("Delete", mock.Anything, "user:1").Return(nil).Once()

	w := httptest.NewRecorder()
	handlers.DeleteRecord(w, recordRequest(http.MethodDelete, "user:1", ""))

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Zero(t, w.Body.Len())

	registry.AssertExpectations(t)
}

func TestHandlers_DeleteRecord_NotFound(t *testing.T) {
	registry := new(MockRegistry)
	handlers := newTestHandlers(registry, new(MockReconciler))

	registry.On("Delete", mock.Anything, "ghost").Return(errors.NotFound("ghost")).Once()

	w := httptest.NewRecorder()
	handlers.DeleteRecord(w, recordRequest(http.MethodDelete, "ghost", ""))

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "NOT_FOUND", decodeError(t, w).Error.Code)
}

func TestHandlers_ErrorResponseEchoesRequestID(t *testing.T) {
	registry := new(MockRegistry)
	handlers := newTestHandlers(registry, new(MockReconciler))

	registry.On("Get", mock.Anything, "ghost").Return(nil, errors.NotFound("ghost")).Once()

	req := recordRequest(http.MethodGet, "ghost", "")
	req.Header.Set("X-Request-ID", "req-123")

	w := httptest.NewRecorder()
	handlers.GetRecord(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "req-123", decodeError(t, w).Error.RequestID)
}
