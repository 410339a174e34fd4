package model

import "time"

// Record is the durable form of a registry entry. The durable store assigns
// Version; it increases by one on every write to the key, including the
// tombstone write that marks a delete.
type Record struct {
	Key          string
	Value        []byte
	Version      int64
	Deleted      bool
	LastModified time.Time
}

// Live reports whether the record is visible to readers.
func (r *Record) Live() bool {
	return !r.Deleted
}

// CacheEntry is the volatile store's copy of a record. It mirrors a version
// previously committed durably and never originates one.
type CacheEntry struct {
	Key          string    `json:"key"`
	Value        []byte    `json:"value"`
	Version      int64     `json:"version"`
	LastModified time.Time `json:"last_modified"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Record converts the entry back to the record it mirrors.
func (e *CacheEntry) Record() *Record {
	return &Record{
		Key:          e.Key,
		Value:        e.Value,
		Version:      e.Version,
		LastModified: e.LastModified,
	}
}

// Expired reports whether the entry's TTL has passed. Backends may expire
// entries passively, so readers check this themselves.
func (e *CacheEntry) Expired(now time.Time) bool {
	return now.After(e.ExpiresAt)
}

// KeyVersion is a durable enumeration row used by reconciliation and key
// listing.
type KeyVersion struct {
	Key          string
	Version      int64
	Deleted      bool
	LastModified time.Time
}

// Lease is the per-key exclusive token held by the writer currently
// performing a put or delete. An expired lease is treated as released.
type Lease struct {
	Key        string
	Token      string
	AcquiredAt time.Time
	ExpiresAt  time.Time
}

// SyncState classifies a key's consistency between the two stores.
type SyncState string

const (
	// SyncStateSynced means the cache entry mirrors the durable version.
	SyncStateSynced SyncState = "synced"

	// SyncStateStale means a cache entry exists but its version is behind
	// the durable one.
	SyncStateStale SyncState = "stale"

	// SyncStateMissing means no cache entry exists for a live durable record.
	SyncStateMissing SyncState = "missing"
)

// SyncStatus is the result of inspecting a single key's consistency.
type SyncStatus struct {
	Key            string
	State          SyncState
	DurableVersion int64
	CacheVersion   int64
}
