// Package reconcile provides the drain-then-refresh reconciliation controller.
package reconcile

import (
	"time"

	"github.com/agridesk/fieldsync/internal/logging"
	"github.com/agridesk/fieldsync/internal/models"
)

// Broadcaster receives progress notifications for UI consumption. The
// controller owns no UI state; it only reports.
type Broadcaster interface {
	BroadcastDrainStarted(pending int)
	BroadcastDrainProgress(remaining int, lastSeq int64)
	BroadcastDrainCompleted(applied, rejected int)
	BroadcastMutationRejected(entry *models.SyncEntry, reason string)
	BroadcastRefreshCompleted(collections []string, at time.Time)
	BroadcastSyncFailed(code string, err error)
}

// NopBroadcaster discards all notifications.
type NopBroadcaster struct{}

func (NopBroadcaster) BroadcastDrainStarted(pending int)                          {}
func (NopBroadcaster) BroadcastDrainProgress(remaining int, lastSeq int64)        {}
func (NopBroadcaster) BroadcastDrainCompleted(applied, rejected int)              {}
func (NopBroadcaster) BroadcastMutationRejected(entry *models.SyncEntry, reason string) {
}
func (NopBroadcaster) BroadcastRefreshCompleted(collections []string, at time.Time) {}
func (NopBroadcaster) BroadcastSyncFailed(code string, err error)                   {}

// LogBroadcaster writes every notification to the structured log. The daemon
// uses it where no UI bridge is attached.
type LogBroadcaster struct{}

func (LogBroadcaster) BroadcastDrainStarted(pending int) {
	logging.Debug("Drain notification: started", map[string]interface{}{"pending": pending})
}

func (LogBroadcaster) BroadcastDrainProgress(remaining int, lastSeq int64) {
	logging.Debug("Drain progress", map[string]interface{}{
		"remaining": remaining,
		"last_seq":  lastSeq,
	})
}

func (LogBroadcaster) BroadcastDrainCompleted(applied, rejected int) {
	logging.Debug("Drain notification: completed", map[string]interface{}{
		"applied":  applied,
		"rejected": rejected,
	})
}

func (LogBroadcaster) BroadcastMutationRejected(entry *models.SyncEntry, reason string) {
	logging.Warn("Mutation rejected", map[string]interface{}{
		"seq":        entry.SequenceID,
		"collection": entry.TargetCollection,
		"key":        entry.Key,
		"reason":     reason,
	})
}

func (LogBroadcaster) BroadcastRefreshCompleted(collections []string, at time.Time) {
	logging.Debug("Refresh notification: completed", map[string]interface{}{
		"collections": collections,
		"at":          at.Unix(),
	})
}

func (LogBroadcaster) BroadcastSyncFailed(code string, err error) {
	logging.ErrorWithCode("Sync cycle failed", code, err)
}
