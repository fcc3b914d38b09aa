// Package uuid provides UUID v4 generation and provisional key utilities.
package uuid

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// ProvisionalPrefix marks client-generated keys that have not yet been
// replaced by a server-assigned identifier.
const ProvisionalPrefix = "local-"

// UUID v4 format: xxxxxxxx-xxxx-4xxx-yxxx-xxxxxxxxxxxx
// where y is one of [8, 9, a, b] (variant bits)
var uuidV4Regex = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-4[0-9a-fA-F]{3}-[89abAB][0-9a-fA-F]{3}-[0-9a-fA-F]{12}$`)

// New generates a new UUID v4.
func New() string {
	return uuid.New().String()
}

// NewProvisional generates a provisional client-side record key.
func NewProvisional() string {
	return ProvisionalPrefix + uuid.New().String()
}

// IsProvisional reports whether a key is a client-generated provisional key.
func IsProvisional(key string) bool {
	return strings.HasPrefix(key, ProvisionalPrefix)
}

// IsValid checks if a string is a valid UUID v4.
// Enforces strict format with dashes and correct variant bits.
func IsValid(s string) bool {
	return uuidV4Regex.MatchString(s)
}

// Validate returns an error if the string is neither a valid UUID v4 nor a
// provisional key wrapping one.
func Validate(s string) error {
	if IsProvisional(s) {
		s = strings.TrimPrefix(s, ProvisionalPrefix)
	}
	if !IsValid(s) {
		return fmt.Errorf("invalid record key: %q", s)
	}
	return nil
}
