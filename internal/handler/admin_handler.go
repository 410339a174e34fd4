package handler

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/basis-company/data-registry/internal/errors"
	"github.com/basis-company/data-registry/internal/model"
)

// KeyInfo describes one key in a listing response
type KeyInfo struct {
	Key          string    `json:"key"`
	Version      int64     `json:"version"`
	Deleted      bool      `json:"deleted"`
	LastModified time.Time `json:"last_modified"`
}

// ListKeysResponse is the body returned by GET /v1/admin/keys
type ListKeysResponse struct {
	Keys         []KeyInfo `json:"keys"`
	NextAfterKey string    `json:"next_after_key,omitempty"`
}

// SyncStatusResponse is the body returned by GET /v1/admin/keys/{key}/sync
type SyncStatusResponse struct {
	Key            string `json:"key"`
	State          string `json:"state"`
	DurableVersion int64  `json:"durable_version"`
	CacheVersion   int64  `json:"cache_version,omitempty"`
}

// ReconcileResponse is the body returned by POST /v1/admin/reconcile
type ReconcileResponse struct {
	Status string `json:"status"`
}

// ListKeys handles GET /v1/admin/keys requests. Pages through durable keys
// with keyset pagination; tombstoned keys are included so operators can see
// pending purges.
func (h *Handlers) ListKeys(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	afterKey := r.URL.Query().Get("after_key")
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			h.writeError(w, r, "list_keys", start, errors.InvalidArgument("limit must be a non-negative integer", err))
			return
		}
		limit = parsed
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	keys, err := h.registry.ListKeys(ctx, afterKey, limit)
	if err != nil {
		h.writeError(w, r, "list_keys", start, err)
		return
	}

	resp := ListKeysResponse{Keys: make([]KeyInfo, 0, len(keys))}
	for _, kv := range keys {
		resp.Keys = append(resp.Keys, KeyInfo{
			Key:          kv.Key,
			Version:      kv.Version,
			Deleted:      kv.Deleted,
			LastModified: kv.LastModified,
		})
	}
	if len(keys) > 0 {
		resp.NextAfterKey = keys[len(keys)-1].Key
	}

	h.observe("list_keys", "OK", start)
	h.writeJSONResponse(w, http.StatusOK, resp)
}

// GetSyncStatus handles GET /v1/admin/keys/{key}/sync requests
func (h *Handlers) GetSyncStatus(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	key := mux.Vars(r)["key"]
	if key == "" {
		h.writeError(w, r, "sync_status", start, errors.InvalidArgument("key is required", nil))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	status, err := h.registry.SyncStatus(ctx, key)
	if err != nil {
		h.writeError(w, r, "sync_status", start, err)
		return
	}

	h.observe("sync_status", "OK", start)
	h.writeJSONResponse(w, http.StatusOK, syncStatusResponse(status))
}

// TriggerReconcile handles POST /v1/admin/reconcile requests. The sweep
// runs on the reconciler's own goroutines; the request only schedules it.
func (h *Handlers) TriggerReconcile(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	h.reconciler.TriggerSweep()

	h.observe("reconcile", "OK", start)
	h.writeJSONResponse(w, http.StatusAccepted, ReconcileResponse{Status: "scheduled"})
}

func syncStatusResponse(status *model.SyncStatus) SyncStatusResponse {
	return SyncStatusResponse{
		Key:            status.Key,
		State:          string(status.State),
		DurableVersion: status.DurableVersion,
		CacheVersion:   status.CacheVersion,
	}
}
