// Package models provides data model definitions for the fieldsync engine.
package models

import "time"

// LeaveRequest represents a worker's request for time off.
type LeaveRequest struct {
	ID        UUID   `json:"id"`
	WorkerID  string `json:"workerId"`
	StartDate string `json:"startDate"` // YYYY-MM-DD
	EndDate   string `json:"endDate"`   // YYYY-MM-DD
	Reason    string `json:"reason,omitempty"`
	Status    string `json:"status"` // pending, approved, rejected
	CreatedAt int64  `json:"createdAt"`
	UpdatedAt int64  `json:"updatedAt"`
}

// Collection returns the local store collection for LeaveRequest.
func (LeaveRequest) Collection() string {
	return CollectionLeaveRequests
}

// Touch updates the UpdatedAt timestamp.
func (l *LeaveRequest) Touch() {
	l.UpdatedAt = time.Now().Unix()
}
