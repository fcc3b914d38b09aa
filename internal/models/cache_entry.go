// Package models provides data model definitions for the fieldsync engine.
package models

import (
	"encoding/json"
	"time"
)

// CacheEntry is a TTL-scoped key/value entry, independent of the typed
// collections. Timestamps are Unix milliseconds so sub-second TTLs work.
type CacheEntry struct {
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value"`
	WrittenAt int64           `json:"writtenAt"` // Unix millis
	TTLMillis int64           `json:"ttlMillis"`
}

// ExpiredAt reports whether the entry is expired at the given instant.
func (c *CacheEntry) ExpiredAt(now time.Time) bool {
	return now.UnixMilli()-c.WrittenAt > c.TTLMillis
}

// Expired reports whether the entry is expired now.
func (c *CacheEntry) Expired() bool {
	return c.ExpiredAt(time.Now())
}
