// Package models provides unit tests for fieldsync data models.
package models

import (
	"encoding/json"
	"testing"
	"time"
)

// TestUUIDScan tests scanning UUIDs from driver values.
func TestUUIDScan(t *testing.T) {
	var u UUID

	if err := u.Scan("abc-123"); err != nil {
		t.Fatalf("Scan string failed: %v", err)
	}
	if u != "abc-123" {
		t.Errorf("Expected abc-123, got %s", u)
	}

	if err := u.Scan([]byte("def-456")); err != nil {
		t.Fatalf("Scan bytes failed: %v", err)
	}
	if u != "def-456" {
		t.Errorf("Expected def-456, got %s", u)
	}

	if err := u.Scan(nil); err != nil {
		t.Fatalf("Scan nil failed: %v", err)
	}
	if u != "" {
		t.Errorf("Expected empty UUID after nil scan, got %s", u)
	}

	if err := u.Scan(42); err == nil {
		t.Error("Expected error scanning int into UUID")
	}
}

// TestTaskTouch tests that Touch updates the timestamp.
func TestTaskTouch(t *testing.T) {
	task := &Task{
		ID:        "t1",
		Title:     "Irrigate paddock 4",
		Status:    TaskStatusPending,
		Priority:  "high",
		UpdatedAt: 0,
	}

	task.Touch()

	if task.UpdatedAt == 0 {
		t.Error("Expected UpdatedAt to be set after Touch")
	}
}

// TestCollectionNames tests that models map to their declared collections.
func TestCollectionNames(t *testing.T) {
	if (Task{}).Collection() != CollectionTasks {
		t.Errorf("Task collection mismatch: %s", (Task{}).Collection())
	}
	if (LeaveRequest{}).Collection() != CollectionLeaveRequests {
		t.Errorf("LeaveRequest collection mismatch: %s", (LeaveRequest{}).Collection())
	}
	if (PendingMedia{}).Collection() != CollectionPendingMedia {
		t.Errorf("PendingMedia collection mismatch: %s", (PendingMedia{}).Collection())
	}
}

// TestCacheEntryExpiry tests TTL expiry evaluation.
func TestCacheEntryExpiry(t *testing.T) {
	now := time.Now()

	entry := &CacheEntry{
		Key:       "weather",
		Value:     json.RawMessage(`{"temp":21}`),
		WrittenAt: now.UnixMilli(),
		TTLMillis: 1000,
	}

	if entry.ExpiredAt(now) {
		t.Error("Entry should not be expired immediately after write")
	}

	if entry.ExpiredAt(now.Add(999 * time.Millisecond)) {
		t.Error("Entry should not be expired before TTL elapses")
	}

	if !entry.ExpiredAt(now.Add(1001 * time.Millisecond)) {
		t.Error("Entry should be expired after TTL elapses")
	}
}

// TestSyncEntryToMutation tests converting a queue entry back to a mutation.
func TestSyncEntryToMutation(t *testing.T) {
	entry := &SyncEntry{
		SequenceID:       7,
		Type:             MutationUpdate,
		TargetCollection: CollectionTasks,
		Key:              "t1",
		Payload:          json.RawMessage(`{"status":"completed"}`),
	}

	m := entry.ToMutation()

	if m.Type != MutationUpdate {
		t.Errorf("Expected update mutation, got %s", m.Type)
	}
	if m.TargetCollection != CollectionTasks {
		t.Errorf("Expected tasks collection, got %s", m.TargetCollection)
	}
	if m.Key != "t1" {
		t.Errorf("Expected key t1, got %s", m.Key)
	}
	if string(m.Payload) != `{"status":"completed"}` {
		t.Errorf("Payload mismatch: %s", m.Payload)
	}
}
