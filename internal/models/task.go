// Package models provides data model definitions for the fieldsync engine.
package models

import "time"

// Task statuses as used by the farm-operations backend.
const (
	TaskStatusPending    = "pending"
	TaskStatusInProgress = "in_progress"
	TaskStatusCompleted  = "completed"
)

// Task represents a farm work task assigned to a field worker.
type Task struct {
	ID          UUID   `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Status      string `json:"status"`   // pending, in_progress, completed
	Priority    string `json:"priority"` // low, medium, high
	AssignedTo  string `json:"assignedTo"`
	DueAt       int64  `json:"dueAt,omitempty"`
	CreatedAt   int64  `json:"createdAt"`
	UpdatedAt   int64  `json:"updatedAt"`
}

// Collection returns the local store collection for Task.
func (Task) Collection() string {
	return CollectionTasks
}

// Touch updates the UpdatedAt timestamp.
func (t *Task) Touch() {
	t.UpdatedAt = time.Now().Unix()
}
