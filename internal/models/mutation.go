// Package models provides data model definitions for the fieldsync engine.
package models

import "encoding/json"

// MutationType classifies a pending mutation.
type MutationType string

const (
	MutationCreate   MutationType = "create"
	MutationUpdate   MutationType = "update"
	MutationComplete MutationType = "complete"
	MutationDelete   MutationType = "delete"
	MutationCustom   MutationType = "custom"
)

// Mutation is an action the client attempted while offline (or speculatively),
// expressed independently of the remote API's wire format.
type Mutation struct {
	Type             MutationType    `json:"type"`
	TargetCollection string          `json:"targetCollection"`
	Key              string          `json:"key"`
	Payload          json.RawMessage `json:"payload,omitempty"`
}

// SyncEntry is a durable sync queue row. SequenceID is assigned monotonically
// at enqueue time and determines drain order.
type SyncEntry struct {
	SequenceID       int64           `json:"sequenceId"`
	Type             MutationType    `json:"type"`
	TargetCollection string          `json:"targetCollection"`
	Key              string          `json:"key"`
	Payload          json.RawMessage `json:"payload,omitempty"`
	EnqueuedAt       int64           `json:"enqueuedAt"`
}

// ToMutation converts a queue entry back into its mutation.
func (e *SyncEntry) ToMutation() Mutation {
	return Mutation{
		Type:             e.Type,
		TargetCollection: e.TargetCollection,
		Key:              e.Key,
		Payload:          e.Payload,
	}
}
