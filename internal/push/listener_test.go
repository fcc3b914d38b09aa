package push

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/agridesk/fieldsync/internal/connectivity"
)

type fakeRefresher struct {
	mu        sync.Mutex
	refreshed []string
	triggers  int
}

func (f *fakeRefresher) RefreshCollection(ctx context.Context, collection string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshed = append(f.refreshed, collection)
	return nil
}

func (f *fakeRefresher) TriggerSync(ctx context.Context) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.triggers++
	return true
}

func (f *fakeRefresher) refreshedCollections() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.refreshed...)
}

func (f *fakeRefresher) triggerCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.triggers
}

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// pushServer is a test backend that feeds envelopes to each connection.
type pushServer struct {
	server    *httptest.Server
	mu        sync.Mutex
	conns     []*websocket.Conn
	gotAuth   string
	connected chan struct{}
}

func newPushServer(t *testing.T) *pushServer {
	t.Helper()
	ps := &pushServer{connected: make(chan struct{}, 16)}
	ps.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		ps.mu.Lock()
		ps.conns = append(ps.conns, conn)
		ps.gotAuth = r.Header.Get("Authorization")
		ps.mu.Unlock()
		ps.connected <- struct{}{}
		// Keep the read side alive so pings are answered.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(ps.server.Close)
	return ps
}

func (ps *pushServer) url() string {
	return "ws" + strings.TrimPrefix(ps.server.URL, "http")
}

func (ps *pushServer) send(t *testing.T, envelope Envelope) {
	t.Helper()
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if len(ps.conns) == 0 {
		t.Fatal("No push connection established")
	}
	conn := ps.conns[len(ps.conns)-1]
	data, _ := json.Marshal(envelope)
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("Failed to send envelope: %v", err)
	}
}

func (ps *pushServer) dropAll() {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	for _, conn := range ps.conns {
		conn.Close()
	}
	ps.conns = nil
}

func newTestListener(t *testing.T, url string, refresher Refresher, state connectivity.State) (*Listener, *connectivity.Monitor) {
	t.Helper()
	config := DefaultConfig(url)
	config.AuthToken = "field-token"
	config.ReconnectBase = 10 * time.Millisecond
	config.ReconnectMax = 50 * time.Millisecond
	monitor := connectivity.NewMonitor(state)
	listener := NewListener(config, refresher, monitor)
	listener.Start(context.Background())
	t.Cleanup(listener.Stop)
	return listener, monitor
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}

func TestInvalidateEventTriggersRefresh(t *testing.T) {
	server := newPushServer(t)
	refresher := &fakeRefresher{}
	newTestListener(t, server.url(), refresher, connectivity.StateOnline)

	<-server.connected

	server.send(t, Envelope{
		Type:      EventInvalidate,
		Data:      map[string]interface{}{"collection": "tasks"},
		Timestamp: time.Now().Unix(),
	})

	waitFor(t, "refresh call", func() bool {
		got := refresher.refreshedCollections()
		return len(got) == 1 && got[0] == "tasks"
	})
}

func TestSyncRequestedEventTriggersSync(t *testing.T) {
	server := newPushServer(t)
	refresher := &fakeRefresher{}
	newTestListener(t, server.url(), refresher, connectivity.StateOnline)

	<-server.connected

	server.send(t, Envelope{Type: EventSyncRequested, Timestamp: time.Now().Unix()})

	waitFor(t, "sync trigger", func() bool {
		return refresher.triggerCount() == 1
	})
}

func TestMalformedAndUnknownEventsIgnored(t *testing.T) {
	server := newPushServer(t)
	refresher := &fakeRefresher{}
	newTestListener(t, server.url(), refresher, connectivity.StateOnline)

	<-server.connected

	server.mu.Lock()
	conn := server.conns[len(server.conns)-1]
	server.mu.Unlock()
	conn.WriteMessage(websocket.TextMessage, []byte("not json"))

	server.send(t, Envelope{Type: "roster.changed", Timestamp: time.Now().Unix()})
	server.send(t, Envelope{Type: EventInvalidate, Data: map[string]interface{}{"collection": "tasks"}})

	// The good event after the garbage still gets through.
	waitFor(t, "refresh call", func() bool {
		return len(refresher.refreshedCollections()) == 1
	})
	if refresher.triggerCount() != 0 {
		t.Errorf("Unknown event must not trigger sync, got %d triggers", refresher.triggerCount())
	}
}

func TestReconnectAfterDrop(t *testing.T) {
	server := newPushServer(t)
	refresher := &fakeRefresher{}
	newTestListener(t, server.url(), refresher, connectivity.StateOnline)

	<-server.connected
	server.dropAll()

	// The listener redials on its own.
	select {
	case <-server.connected:
	case <-time.After(5 * time.Second):
		t.Fatal("Listener did not reconnect after drop")
	}

	server.send(t, Envelope{
		Type: EventInvalidate,
		Data: map[string]interface{}{"collection": "leaveRequests"},
	})
	waitFor(t, "refresh after reconnect", func() bool {
		got := refresher.refreshedCollections()
		return len(got) == 1 && got[0] == "leaveRequests"
	})
}

func TestNoDialWhileOffline(t *testing.T) {
	server := newPushServer(t)
	refresher := &fakeRefresher{}
	_, monitor := newTestListener(t, server.url(), refresher, connectivity.StateOffline)

	select {
	case <-server.connected:
		t.Fatal("Listener must not dial while offline")
	case <-time.After(100 * time.Millisecond):
	}

	monitor.Signal(connectivity.StateOnline)
	select {
	case <-server.connected:
	case <-time.After(5 * time.Second):
		t.Fatal("Listener did not connect after going online")
	}

	server.mu.Lock()
	auth := server.gotAuth
	server.mu.Unlock()
	if auth != "Bearer field-token" {
		t.Errorf("Expected bearer auth on dial, got %q", auth)
	}
}
