// Package push maintains a WebSocket connection to the backend and turns
// server push events into local refreshes.
package push

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/agridesk/fieldsync/internal/connectivity"
	"github.com/agridesk/fieldsync/internal/logging"
)

// Envelope wraps all push messages.
type Envelope struct {
	Type      string                 `json:"type"`
	Data      map[string]interface{} `json:"data"`
	Timestamp int64                  `json:"timestamp"`
}

const (
	// EventInvalidate asks the client to re-fetch one collection.
	EventInvalidate = "sync.invalidate"
	// EventSyncRequested asks the client to run a full reconcile cycle.
	EventSyncRequested = "sync.requested"
)

// Refresher is the slice of the reconciliation controller the listener needs.
type Refresher interface {
	RefreshCollection(ctx context.Context, collection string) error
	TriggerSync(ctx context.Context) bool
}

// Config holds push listener settings.
type Config struct {
	// URL is the backend push endpoint, e.g. ws://host/api/push.
	URL       string
	AuthToken string
	// ReconnectBase is the first reconnect delay; it doubles up to
	// ReconnectMax and resets after a successful connect.
	ReconnectBase time.Duration
	ReconnectMax  time.Duration
	// PingInterval keeps the connection alive through NAT timeouts.
	PingInterval time.Duration
	ReadTimeout  time.Duration
}

// DefaultConfig returns the default push listener configuration.
func DefaultConfig(url string) *Config {
	return &Config{
		URL:           url,
		ReconnectBase: time.Second,
		ReconnectMax:  30 * time.Second,
		PingInterval:  30 * time.Second,
		ReadTimeout:   60 * time.Second,
	}
}

// Listener dials the backend push endpoint and dispatches events. It only
// connects while the connectivity monitor reports online, and treats a read
// failure as a hint that the link may be down.
type Listener struct {
	config    *Config
	refresher Refresher
	monitor   *connectivity.Monitor
	dialer    *websocket.Dialer

	mu      sync.Mutex
	conn    *websocket.Conn
	stopCh  chan struct{}
	wg      sync.WaitGroup
	started bool
}

// NewListener creates a push listener.
func NewListener(config *Config, refresher Refresher, monitor *connectivity.Monitor) *Listener {
	return &Listener{
		config:    config,
		refresher: refresher,
		monitor:   monitor,
		dialer:    websocket.DefaultDialer,
		stopCh:    make(chan struct{}),
	}
}

// Start runs the connect loop in the background.
func (l *Listener) Start(ctx context.Context) {
	l.mu.Lock()
	if l.started {
		l.mu.Unlock()
		return
	}
	l.started = true
	l.mu.Unlock()

	l.wg.Add(1)
	go l.run(ctx)
}

// Stop closes the connection and waits for the loop to exit.
func (l *Listener) Stop() {
	l.mu.Lock()
	if !l.started {
		l.mu.Unlock()
		return
	}
	close(l.stopCh)
	if l.conn != nil {
		l.conn.Close()
	}
	l.mu.Unlock()
	l.wg.Wait()
}

// run connects, reads until failure, and reconnects with capped backoff.
func (l *Listener) run(ctx context.Context) {
	defer l.wg.Done()

	backoff := l.config.ReconnectBase
	online, cancel := l.monitor.Subscribe()
	defer cancel()

	for {
		select {
		case <-l.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		if l.monitor.Current() != connectivity.StateOnline {
			// Wait for the link instead of dialing into the void.
			select {
			case <-online:
			case <-l.stopCh:
				return
			case <-ctx.Done():
				return
			}
			continue
		}

		conn, err := l.dial(ctx)
		if err != nil {
			logging.Warn("Push connect failed", map[string]interface{}{
				"url":   l.config.URL,
				"error": err.Error(),
			})
			select {
			case <-time.After(backoff):
			case <-l.stopCh:
				return
			case <-ctx.Done():
				return
			}
			backoff *= 2
			if backoff > l.config.ReconnectMax {
				backoff = l.config.ReconnectMax
			}
			continue
		}

		backoff = l.config.ReconnectBase
		logging.Info("Push channel connected", map[string]interface{}{"url": l.config.URL})
		l.readLoop(ctx, conn)
	}
}

func (l *Listener) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if l.config.AuthToken != "" {
		header.Set("Authorization", "Bearer "+l.config.AuthToken)
	}

	conn, resp, err := l.dialer.DialContext(ctx, l.config.URL, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	l.conn = conn
	l.mu.Unlock()
	return conn, nil
}

// readLoop consumes envelopes until the connection drops.
func (l *Listener) readLoop(ctx context.Context, conn *websocket.Conn) {
	defer func() {
		conn.Close()
		l.mu.Lock()
		l.conn = nil
		l.mu.Unlock()
	}()

	conn.SetReadDeadline(time.Now().Add(l.config.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(l.config.ReadTimeout))
		return nil
	})

	pingDone := make(chan struct{})
	defer close(pingDone)
	go l.pingLoop(conn, pingDone)

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logging.Warn("Push channel dropped", map[string]interface{}{"error": err.Error()})
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(l.config.ReadTimeout))

		var envelope Envelope
		if err := json.Unmarshal(message, &envelope); err != nil {
			logging.Warn("Malformed push message", map[string]interface{}{"error": err.Error()})
			continue
		}
		l.dispatch(ctx, &envelope)
	}
}

func (l *Listener) pingLoop(conn *websocket.Conn, done chan struct{}) {
	ticker := time.NewTicker(l.config.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		case <-l.stopCh:
			return
		}
	}
}

// dispatch routes one envelope to the controller.
func (l *Listener) dispatch(ctx context.Context, envelope *Envelope) {
	switch envelope.Type {
	case EventInvalidate:
		collection, ok := envelope.Data["collection"].(string)
		if !ok || collection == "" {
			logging.Warn("Invalidate event without collection", nil)
			return
		}
		if err := l.refresher.RefreshCollection(ctx, collection); err != nil {
			logging.Warn("Push-triggered refresh failed", map[string]interface{}{
				"collection": collection,
				"error":      err.Error(),
			})
		}

	case EventSyncRequested:
		l.refresher.TriggerSync(ctx)

	default:
		// Unknown event types are ignored so the server can evolve.
	}
}
