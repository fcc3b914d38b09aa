// Package store provides unit tests for the TTL cache sub-component.
package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

// TestCacheSetGet tests an immediate read-back within the TTL.
func TestCacheSetGet(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	value := json.RawMessage(`{"forecast":"sunny"}`)
	if err := st.CacheSet(ctx, "weather:today", value, time.Second); err != nil {
		t.Fatalf("CacheSet failed: %v", err)
	}

	got, ok, err := st.CacheGet(ctx, "weather:today")
	if err != nil {
		t.Fatalf("CacheGet failed: %v", err)
	}
	if !ok {
		t.Fatal("Expected cache hit")
	}
	if string(got) != string(value) {
		t.Errorf("Value mismatch: %s", got)
	}
}

// TestCacheGetMissing tests a read of an absent key.
func TestCacheGetMissing(t *testing.T) {
	st := openTestStore(t)

	_, ok, err := st.CacheGet(context.Background(), "nope")
	if err != nil {
		t.Fatalf("CacheGet failed: %v", err)
	}
	if ok {
		t.Error("Expected cache miss for absent key")
	}
}

// TestCacheLazyExpiry tests that an expired entry reads as absent and is
// evicted at read time, without any sweep call.
func TestCacheLazyExpiry(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	st.CacheSet(ctx, "k", json.RawMessage(`1`), 50*time.Millisecond)

	time.Sleep(80 * time.Millisecond)

	_, ok, err := st.CacheGet(ctx, "k")
	if err != nil {
		t.Fatalf("CacheGet failed: %v", err)
	}
	if ok {
		t.Error("Expected expired entry to read as absent")
	}

	// The read evicted the row, not just masked it.
	n, err := st.CacheSize(ctx)
	if err != nil {
		t.Fatalf("CacheSize failed: %v", err)
	}
	if n != 0 {
		t.Errorf("Expected expired entry evicted on read, %d entries remain", n)
	}
}

// TestCacheOverwriteResetsTTL tests that rewriting a key restarts its TTL.
func TestCacheOverwriteResetsTTL(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	st.CacheSet(ctx, "k", json.RawMessage(`1`), 50*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	st.CacheSet(ctx, "k", json.RawMessage(`2`), 200*time.Millisecond)
	time.Sleep(40 * time.Millisecond)

	got, ok, _ := st.CacheGet(ctx, "k")
	if !ok {
		t.Fatal("Expected hit: overwrite should have reset the TTL")
	}
	if string(got) != "2" {
		t.Errorf("Expected overwritten value, got %s", got)
	}
}

// TestCacheInvalidate tests explicit invalidation.
func TestCacheInvalidate(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	st.CacheSet(ctx, "k", json.RawMessage(`1`), time.Hour)
	if err := st.CacheInvalidate(ctx, "k"); err != nil {
		t.Fatalf("CacheInvalidate failed: %v", err)
	}

	_, ok, _ := st.CacheGet(ctx, "k")
	if ok {
		t.Error("Expected miss after invalidation")
	}
}

// TestCacheSweep tests bulk eviction of expired entries only.
func TestCacheSweep(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	st.CacheSet(ctx, "short1", json.RawMessage(`1`), 30*time.Millisecond)
	st.CacheSet(ctx, "short2", json.RawMessage(`2`), 30*time.Millisecond)
	st.CacheSet(ctx, "long", json.RawMessage(`3`), time.Hour)

	time.Sleep(60 * time.Millisecond)

	evicted, err := st.CacheSweep(ctx)
	if err != nil {
		t.Fatalf("CacheSweep failed: %v", err)
	}
	if evicted != 2 {
		t.Errorf("Expected 2 evictions, got %d", evicted)
	}

	_, ok, _ := st.CacheGet(ctx, "long")
	if !ok {
		t.Error("Unexpired entry must survive sweep")
	}
}
