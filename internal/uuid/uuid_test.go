// Package uuid provides unit tests for key generation.
package uuid

import "testing"

// TestNewIsValidV4 tests that generated UUIDs validate.
func TestNewIsValidV4(t *testing.T) {
	id := New()
	if !IsValid(id) {
		t.Errorf("Generated UUID is not valid v4: %s", id)
	}
}

// TestProvisionalKeys tests provisional key generation and detection.
func TestProvisionalKeys(t *testing.T) {
	key := NewProvisional()

	if !IsProvisional(key) {
		t.Errorf("Expected provisional key, got %s", key)
	}
	if IsProvisional(New()) {
		t.Error("Plain UUID must not be provisional")
	}
	if err := Validate(key); err != nil {
		t.Errorf("Provisional key should validate: %v", err)
	}
}

// TestValidateRejectsGarbage tests validation of malformed keys.
func TestValidateRejectsGarbage(t *testing.T) {
	cases := []string{"", "not-a-uuid", "local-", "local-xyz", "12345"}
	for _, c := range cases {
		if err := Validate(c); err == nil {
			t.Errorf("Expected validation error for %q", c)
		}
	}
}

// TestUniqueness tests that successive keys differ.
func TestUniqueness(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := New()
		if seen[id] {
			t.Fatalf("Duplicate UUID generated: %s", id)
		}
		seen[id] = true
	}
}
