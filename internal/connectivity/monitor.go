// Package connectivity provides the online/offline state machine.
//
// The monitor only reports: platform network-change signals are fed in via
// Signal, duplicate consecutive signals are coalesced, and each real
// transition is delivered exactly once to every subscriber. It never polls
// and never acts on transitions itself.
package connectivity

import (
	"sync"

	"github.com/agridesk/fieldsync/internal/logging"
)

// State is the process-wide connectivity state.
type State string

const (
	StateOnline  State = "online"
	StateOffline State = "offline"
)

// Monitor observes network state transitions and fans them out to
// subscribers.
type Monitor struct {
	mu     sync.Mutex
	state  State
	subs   map[int]chan State
	nextID int
}

// NewMonitor creates a monitor with the platform's current network status as
// the initial state.
func NewMonitor(initial State) *Monitor {
	return &Monitor{
		state: initial,
		subs:  make(map[int]chan State),
	}
}

// Current returns the current state.
func (m *Monitor) Current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Signal feeds a platform network-change signal into the monitor. A signal
// matching the current state is coalesced and emits nothing.
func (m *Monitor) Signal(state State) {
	m.mu.Lock()
	if state == m.state {
		m.mu.Unlock()
		return
	}
	m.state = state
	// Deliver under the lock so an unsubscribe cannot close a channel
	// mid-send. Sends never block: a slow subscriber has its oldest queued
	// transition dropped so the newest is always observable and Signal can
	// never wedge the monitor.
	for _, ch := range m.subs {
		select {
		case ch <- state:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- state:
			default:
			}
		}
	}
	m.mu.Unlock()

	logging.Info("Connectivity changed", map[string]interface{}{"state": string(state)})
}

// Subscribe registers for transition events. The returned channel receives
// transition events; the cancel function unsubscribes and closes the channel.
// A subscriber that falls behind loses its oldest queued transitions, so an
// event is a wake-up, not a full history: consumers must re-query Current
// for the authoritative state.
func (m *Monitor) Subscribe() (<-chan State, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextID
	m.nextID++
	ch := make(chan State, 8)
	m.subs[id] = ch

	cancel := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if sub, ok := m.subs[id]; ok {
			delete(m.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}
