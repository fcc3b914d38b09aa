// Package models provides data model definitions for the fieldsync engine.
package models

import (
	"database/sql/driver"
	"fmt"
)

// Collection names persisted in the local store.
const (
	CollectionTasks         = "tasks"
	CollectionLeaveRequests = "leaveRequests"
	CollectionPendingMedia  = "pendingMedia"
)

// UUID is a wrapper around string for record key type safety.
// A key is either server-assigned or a client-generated provisional key
// (see internal/uuid) that is rebound once the server assigns one.
type UUID string

// Value implements driver.Valuer for UUID.
func (u UUID) Value() (driver.Value, error) {
	return string(u), nil
}

// Scan implements sql.Scanner for UUID.
func (u *UUID) Scan(value interface{}) error {
	switch v := value.(type) {
	case nil:
		*u = ""
	case string:
		*u = UUID(v)
	case []byte:
		*u = UUID(v)
	default:
		return fmt.Errorf("cannot scan %T into UUID", value)
	}
	return nil
}

// String returns the string representation of the UUID.
func (u UUID) String() string {
	return string(u)
}
