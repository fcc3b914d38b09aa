// Package reconcile provides the drain-then-refresh reconciliation controller.
//
// The controller is a pure coordinator: it owns no persistent state of its
// own. While offline, writes take the optimistic-write-then-enqueue path;
// on reconnect it drains the sync queue strictly in sequence order against
// the backend, then refreshes the authoritative collections into the local
// store. Drain failures are never propagated upward as errors; they are
// recorded as controller-visible state so the UI can display sync health.
package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/agridesk/fieldsync/internal/api"
	"github.com/agridesk/fieldsync/internal/connectivity"
	fielderrors "github.com/agridesk/fieldsync/internal/errors"
	"github.com/agridesk/fieldsync/internal/logging"
	"github.com/agridesk/fieldsync/internal/models"
	"github.com/agridesk/fieldsync/internal/store"
	"github.com/agridesk/fieldsync/internal/syncqueue"
	"github.com/agridesk/fieldsync/internal/worker"
)

// State is the controller's reconciliation state.
type State string

const (
	// StateIdle: offline; reads and writes are local-only.
	StateIdle State = "idle"
	// StateDraining: applying queued mutations in sequence order.
	StateDraining State = "draining"
	// StateRefreshing: overwriting local collections from server truth.
	StateRefreshing State = "refreshing"
	// StateIdleOnline: in sync; a new mutation re-enters draining.
	StateIdleOnline State = "idle_online"
)

// RejectedAction is a permanently rejected mutation, surfaced to the UI
// instead of silently disappearing.
type RejectedAction struct {
	SequenceID       int64               `json:"sequenceId"`
	Type             models.MutationType `json:"type"`
	TargetCollection string              `json:"targetCollection"`
	Key              string              `json:"key"`
	Reason           string              `json:"reason"`
	RejectedAt       int64               `json:"rejectedAt"`
}

// Config holds reconciliation tuning.
type Config struct {
	// RefreshCollections are re-fetched wholesale after a drain.
	RefreshCollections []string
	// MaxRetries bounds transient retries per entry within one drain cycle.
	MaxRetries int
	// BackoffBase is the first retry delay; it doubles up to BackoffMax.
	// A new drain cycle (i.e. a connectivity transition) starts fresh.
	BackoffBase time.Duration
	BackoffMax  time.Duration
	// DrainTimeout bounds each in-flight remote call.
	DrainTimeout time.Duration
	// WarmURLs are handed to the worker registration after a refresh.
	WarmURLs []string
}

// DefaultConfig returns the default reconciliation configuration.
func DefaultConfig() *Config {
	return &Config{
		RefreshCollections: []string{models.CollectionTasks, models.CollectionLeaveRequests},
		MaxRetries:         3,
		BackoffBase:        time.Second,
		BackoffMax:         30 * time.Second,
		DrainTimeout:       30 * time.Second,
	}
}

// Controller coordinates the local store, the sync queue, the connectivity
// monitor and the backend client.
type Controller struct {
	store   *store.Store
	queue   *syncqueue.Queue
	client  api.Client
	monitor *connectivity.Monitor
	reg     worker.Registration
	events  Broadcaster
	config  *Config

	mu       sync.Mutex
	state    State
	draining bool // drain cycle in flight; a second online signal is a no-op
	lastSync *time.Time
	lastErr  error
	rejected []RejectedAction

	stopCh    chan struct{}
	wg        sync.WaitGroup
	cancelSub func()
	started   bool
	// runCtx is the Start context. Cycles kicked off by Do or TriggerSync run
	// on it rather than the caller's context, which may be request-scoped and
	// die before the drain finishes.
	runCtx context.Context
}

// NewController creates a controller. The initial state follows the
// monitor's current state.
func NewController(st *store.Store, queue *syncqueue.Queue, client api.Client,
	monitor *connectivity.Monitor, reg worker.Registration, events Broadcaster, config *Config) *Controller {
	if config == nil {
		config = DefaultConfig()
	}
	if reg == nil {
		reg = worker.NopRegistration{}
	}
	if events == nil {
		events = NopBroadcaster{}
	}

	state := StateIdle
	if monitor.Current() == connectivity.StateOnline {
		state = StateIdleOnline
	}

	return &Controller{
		store:   st,
		queue:   queue,
		client:  client,
		monitor: monitor,
		reg:     reg,
		events:  events,
		config:  config,
		state:   state,
		stopCh:  make(chan struct{}),
	}
}

// Start subscribes to connectivity transitions. If the client starts online
// with a backlog from a previous run, a reconcile cycle is kicked off
// immediately.
func (c *Controller) Start(ctx context.Context) {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.runCtx = ctx
	c.mu.Unlock()

	events, cancel := c.monitor.Subscribe()
	c.cancelSub = cancel

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stopCh:
				return
			case _, ok := <-events:
				if !ok {
					return
				}
				// Events are wake-ups; the monitor may drop intermediate
				// transitions for slow consumers, so re-query for truth.
				switch c.monitor.Current() {
				case connectivity.StateOnline:
					c.startCycle(ctx)
				case connectivity.StateOffline:
					c.setState(StateIdle)
				}
			}
		}
	}()

	if c.monitor.Current() == connectivity.StateOnline {
		c.startCycle(ctx)
	}

	logging.Info("Reconciliation controller started", map[string]interface{}{
		"state": string(c.CurrentState()),
	})
}

// Stop shuts the controller down and waits for the in-flight cycle to
// observe the stop signal.
func (c *Controller) Stop() {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return
	}
	c.started = false
	c.mu.Unlock()

	if c.cancelSub != nil {
		c.cancelSub()
	}
	close(c.stopCh)
	c.wg.Wait()
}

// CurrentState returns the controller's reconciliation state.
func (c *Controller) CurrentState() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Status is a snapshot of sync health for UI consumption.
type Status struct {
	State           State            `json:"state"`
	QueueDepth      int              `json:"queueDepth"`
	LastSync        *time.Time       `json:"lastSync,omitempty"`
	LastError       string           `json:"lastError,omitempty"`
	RejectedActions []RejectedAction `json:"rejectedActions,omitempty"`
}

// Status returns the current sync health snapshot.
func (c *Controller) Status(ctx context.Context) Status {
	depth, err := c.queue.Size(ctx)
	if err != nil {
		depth = -1
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	status := Status{
		State:           c.state,
		QueueDepth:      depth,
		LastSync:        c.lastSync,
		RejectedActions: append([]RejectedAction(nil), c.rejected...),
	}
	if c.lastErr != nil {
		status.LastError = c.lastErr.Error()
	}
	return status
}

// Do applies a UI mutation. The write appears to succeed immediately: it is
// applied optimistically to the local store and appended to the sync queue;
// if the client is online the queue is drained right away (drain-on-write).
func (c *Controller) Do(ctx context.Context, m models.Mutation) error {
	if err := c.applyLocal(ctx, m); err != nil {
		return err
	}

	if _, err := c.queue.Enqueue(ctx, m); err != nil {
		return err
	}

	if c.monitor.Current() == connectivity.StateOnline {
		c.startCycle(c.cycleContext())
	}
	return nil
}

// cycleContext returns the context reconcile cycles run on.
func (c *Controller) cycleContext() context.Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.runCtx != nil {
		return c.runCtx
	}
	return context.Background()
}

// startCycle runs a reconcile cycle on a goroutine tracked by the controller's
// WaitGroup, so Stop can wait for it. After Stop has begun no new cycle is
// admitted.
func (c *Controller) startCycle(ctx context.Context) {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return
	}
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()
		c.reconcile(ctx)
	}()
}

// applyLocal performs the optimistic local effect of a mutation.
func (c *Controller) applyLocal(ctx context.Context, m models.Mutation) error {
	switch m.Type {
	case models.MutationCreate, models.MutationUpdate:
		return c.store.Put(ctx, m.TargetCollection, m.Key, m.Payload)
	case models.MutationComplete:
		data, err := c.store.Get(ctx, m.TargetCollection, m.Key)
		if err != nil {
			return err
		}
		var fields map[string]interface{}
		if err := json.Unmarshal(data, &fields); err != nil {
			return fielderrors.Wrap(fielderrors.ErrStorage, "stored record is not a JSON object", err)
		}
		fields["status"] = models.TaskStatusCompleted
		fields["updatedAt"] = time.Now().Unix()
		return c.store.Put(ctx, m.TargetCollection, m.Key, fields)
	case models.MutationDelete:
		return c.store.Delete(ctx, m.TargetCollection, m.Key)
	case models.MutationCustom:
		// Server-side action with no local record effect.
		return nil
	default:
		return fielderrors.New(fielderrors.ErrInvalid, fmt.Sprintf("unknown mutation type: %q", m.Type))
	}
}

// TriggerSync starts a reconcile cycle if online. Returns false when offline
// or when a cycle is already in flight.
func (c *Controller) TriggerSync(ctx context.Context) bool {
	if c.monitor.Current() != connectivity.StateOnline {
		return false
	}
	c.mu.Lock()
	inFlight := c.draining
	c.mu.Unlock()
	if inFlight {
		return false
	}

	c.startCycle(c.cycleContext())
	return true
}

// reconcile runs one drain-then-refresh cycle. At most one cycle runs at a
// time; overlapping online signals are no-ops.
func (c *Controller) reconcile(ctx context.Context) {
	c.mu.Lock()
	if c.draining {
		c.mu.Unlock()
		return
	}
	c.draining = true
	c.lastErr = nil
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.draining = false
		c.mu.Unlock()
	}()

	if !c.drain(ctx) {
		return
	}
	if c.monitor.Current() != connectivity.StateOnline {
		c.setState(StateIdle)
		return
	}
	c.refresh(ctx)
}

// drain processes the queue in sequence order until empty or blocked.
// Returns true when the queue emptied and the cycle may proceed to refresh.
func (c *Controller) drain(ctx context.Context) bool {
	pending, err := c.queue.Size(ctx)
	if err != nil {
		c.recordFailure(err)
		return false
	}
	if pending == 0 {
		return true
	}

	c.setState(StateDraining)
	c.events.BroadcastDrainStarted(pending)
	logging.Info("Drain started", map[string]interface{}{"pending": pending})

	applied, rejected := 0, 0
	for {
		if c.monitor.Current() != connectivity.StateOnline {
			c.setState(StateIdle)
			return false
		}
		select {
		case <-c.stopCh:
			c.setState(StateIdle)
			return false
		case <-ctx.Done():
			c.setState(StateIdle)
			return false
		default:
		}

		entry, err := c.queue.PeekNext(ctx)
		if err != nil {
			c.recordFailure(err)
			c.setState(StateIdle)
			return false
		}
		if entry == nil {
			break
		}

		switch c.applyEntry(ctx, entry) {
		case drainApplied:
			applied++
			if remaining, err := c.queue.Size(ctx); err == nil {
				c.events.BroadcastDrainProgress(remaining, entry.SequenceID)
			} else {
				logging.Warn("Skipping drain progress event", map[string]interface{}{
					"seq":   entry.SequenceID,
					"error": err.Error(),
				})
			}
		case drainRejected:
			rejected++
		case drainBlocked:
			// Transient retries exhausted; the entry stays at the head of
			// the queue for the next cycle.
			c.setState(StateIdle)
			return false
		}
	}

	c.events.BroadcastDrainCompleted(applied, rejected)
	logging.Info("Drain completed", map[string]interface{}{
		"applied":  applied,
		"rejected": rejected,
	})
	return true
}

// locallyUnrecoverable reports whether an entry failed for a reason no retry
// can cure: its backing record is gone or its media blob is invalid or
// missing. Such entries are discarded like remote rejections so they cannot
// block the queue.
func locallyUnrecoverable(err error) bool {
	return fielderrors.Is(err, fielderrors.ErrMediaInvalid) ||
		fielderrors.Is(err, fielderrors.ErrNotFound)
}

type drainOutcome int

const (
	drainApplied drainOutcome = iota
	drainRejected
	drainBlocked
)

// applyEntry applies one queue entry, retrying transient failures with
// exponential backoff up to the configured cap.
func (c *Controller) applyEntry(ctx context.Context, entry *models.SyncEntry) drainOutcome {
	backoff := c.config.BackoffBase

	for attempt := 0; ; attempt++ {
		result, err := c.applyRemote(ctx, entry)
		if err == nil {
			if err := c.confirmApplied(ctx, entry, result); err != nil {
				c.recordFailure(err)
				return drainBlocked
			}
			return drainApplied
		}

		if api.IsRejected(err) || locallyUnrecoverable(err) {
			c.discardRejected(ctx, entry, err)
			return drainRejected
		}

		// Transient failure: retry with backoff, bounded per cycle.
		if attempt >= c.config.MaxRetries {
			c.recordFailure(fielderrors.Wrap(fielderrors.ErrSyncFailed,
				fmt.Sprintf("entry %d still failing after %d attempts", entry.SequenceID, attempt+1), err))
			return drainBlocked
		}

		logging.Warn("Transient drain failure, backing off", map[string]interface{}{
			"seq":     entry.SequenceID,
			"attempt": attempt + 1,
			"backoff": backoff.String(),
			"error":   err.Error(),
		})

		select {
		case <-time.After(backoff):
		case <-c.stopCh:
			return drainBlocked
		case <-ctx.Done():
			return drainBlocked
		}

		if c.monitor.Current() != connectivity.StateOnline {
			return drainBlocked
		}

		backoff *= 2
		if backoff > c.config.BackoffMax {
			backoff = c.config.BackoffMax
		}
	}
}

// applyRemote issues the remote call for one entry under the drain timeout.
func (c *Controller) applyRemote(ctx context.Context, entry *models.SyncEntry) (*api.ApplyResult, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.config.DrainTimeout)
	defer cancel()

	// Media uploads carry the blob alongside the metadata mutation.
	if entry.TargetCollection == models.CollectionPendingMedia && entry.Type == models.MutationCreate {
		return c.uploadMedia(callCtx, entry)
	}
	return c.client.Apply(callCtx, entry.ToMutation())
}

func (c *Controller) uploadMedia(ctx context.Context, entry *models.SyncEntry) (*api.ApplyResult, error) {
	data, err := c.store.Get(ctx, models.CollectionPendingMedia, entry.Key)
	if err != nil {
		return nil, err
	}
	var media models.PendingMedia
	if err := json.Unmarshal(data, &media); err != nil {
		// Undecodable metadata is as unretryable as a missing blob.
		return nil, fielderrors.Wrap(fielderrors.ErrMediaInvalid, "corrupt pending media record", err)
	}

	blob, err := os.Open(media.Path)
	if err != nil {
		return nil, fielderrors.Wrap(fielderrors.ErrMediaInvalid, "media blob missing", err)
	}
	defer blob.Close()

	return c.client.UploadMedia(ctx, &media, blob)
}

// confirmApplied acks the entry and rebinds a provisional key to the
// server-assigned one when they differ.
func (c *Controller) confirmApplied(ctx context.Context, entry *models.SyncEntry, result *api.ApplyResult) error {
	if entry.Type == models.MutationCreate && result != nil && result.Key != "" && result.Key != entry.Key {
		if err := c.rekeyRecord(ctx, entry.TargetCollection, entry.Key, result.Key); err != nil {
			return err
		}
	}
	return c.queue.Ack(ctx, entry.SequenceID)
}

// rekeyRecord moves a record from its provisional key to the server-assigned
// one. The put lands before the delete so the record never disappears.
func (c *Controller) rekeyRecord(ctx context.Context, collection, oldKey, newKey string) error {
	data, err := c.store.Get(ctx, collection, oldKey)
	if err != nil {
		if fielderrors.Is(err, fielderrors.ErrNotFound) {
			return nil
		}
		return err
	}

	var fields map[string]interface{}
	if err := json.Unmarshal(data, &fields); err != nil {
		return fielderrors.Wrap(fielderrors.ErrStorage, "stored record is not a JSON object", err)
	}
	fields["id"] = newKey

	if err := c.store.Put(ctx, collection, newKey, fields); err != nil {
		return err
	}
	return c.store.Delete(ctx, collection, oldKey)
}

// discardRejected removes a poisoned entry so it cannot block the queue, and
// surfaces it as a failed action.
func (c *Controller) discardRejected(ctx context.Context, entry *models.SyncEntry, cause error) {
	action := RejectedAction{
		SequenceID:       entry.SequenceID,
		Type:             entry.Type,
		TargetCollection: entry.TargetCollection,
		Key:              entry.Key,
		Reason:           cause.Error(),
		RejectedAt:       time.Now().Unix(),
	}

	c.mu.Lock()
	c.rejected = append(c.rejected, action)
	c.mu.Unlock()

	if err := c.queue.Ack(ctx, entry.SequenceID); err != nil {
		c.recordFailure(err)
	}

	c.events.BroadcastMutationRejected(entry, cause.Error())
	logging.ErrorWithCode("Mutation rejected by backend", string(fielderrors.ErrMutationRejected), cause,
		map[string]interface{}{
			"seq":        entry.SequenceID,
			"collection": entry.TargetCollection,
			"key":        entry.Key,
		})
}

// refresh re-fetches the authoritative collections and overwrites local
// state for them. Entries just drained are untouched: the server has already
// accepted them, so the fetched state includes their effects.
func (c *Controller) refresh(ctx context.Context) {
	c.setState(StateRefreshing)

	var refreshed []string
	for _, collection := range c.config.RefreshCollections {
		if err := c.refreshCollection(ctx, collection); err != nil {
			c.recordFailure(err)
			continue
		}
		refreshed = append(refreshed, collection)
	}

	if len(c.config.WarmURLs) > 0 {
		if err := c.reg.CacheURLs(ctx, c.config.WarmURLs); err != nil {
			logging.Warn("Worker cache warm failed", map[string]interface{}{"error": err.Error()})
		}
	}

	now := time.Now()
	c.mu.Lock()
	c.lastSync = &now
	c.mu.Unlock()

	c.events.BroadcastRefreshCompleted(refreshed, now)
	logging.Info("Refresh completed", map[string]interface{}{"collections": refreshed})

	if c.monitor.Current() == connectivity.StateOnline {
		c.setState(StateIdleOnline)
	} else {
		c.setState(StateIdle)
	}
}

// refreshCollection fetches one collection and replaces local state with it.
func (c *Controller) refreshCollection(ctx context.Context, collection string) error {
	callCtx, cancel := context.WithTimeout(ctx, c.config.DrainTimeout)
	defer cancel()

	records, err := c.client.FetchCollection(callCtx, collection)
	if err != nil {
		return fielderrors.Wrap(fielderrors.ErrSyncFailed,
			fmt.Sprintf("refresh of %q failed", collection), err)
	}

	keyed := make(map[string]json.RawMessage, len(records))
	for _, r := range records {
		keyed[r.Key] = r.Data
	}
	return c.store.ReplaceAll(ctx, collection, keyed)
}

// RefreshCollection runs an ad hoc refresh for one collection, typically in
// response to a server-initiated invalidation event. No-op while offline.
func (c *Controller) RefreshCollection(ctx context.Context, collection string) error {
	if c.monitor.Current() != connectivity.StateOnline {
		return nil
	}
	if err := c.refreshCollection(ctx, collection); err != nil {
		c.recordFailure(err)
		return err
	}

	now := time.Now()
	c.mu.Lock()
	c.lastSync = &now
	c.mu.Unlock()
	c.events.BroadcastRefreshCompleted([]string{collection}, now)
	return nil
}

// ClearRejected drops the surfaced failed-action list once the UI has shown it.
func (c *Controller) ClearRejected() {
	c.mu.Lock()
	c.rejected = nil
	c.mu.Unlock()
}

func (c *Controller) recordFailure(err error) {
	c.mu.Lock()
	c.lastErr = err
	c.mu.Unlock()
	c.events.BroadcastSyncFailed(string(fielderrors.CodeOf(err)), err)
}
