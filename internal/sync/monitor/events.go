package monitor

import (
	"fmt"

	"github.com/nf-motors/vehicle-eval/backend/internal/sync"
)

// Event is published to subscribers.
type Event interface {
	// Type names the event on the wire.
	Type() string
	// Message is the user-facing phrasing of the event.
	Message() string
}

// StateChanged is published on every connectivity transition.
type StateChanged struct {
	From State `json:"from"`
	To   State `json:"to"`
	Mode Mode  `json:"mode"`
}

func (StateChanged) Type() string { return "connection.changed" }

func (e StateChanged) Message() string {
	switch e.Mode {
	case ModeConnected:
		return "connected"
	case ModeOffline:
		return "offline, changes are saved locally"
	default:
		return "server unreachable, changes are saved locally"
	}
}

// SyncStarted is published before each drain pass.
type SyncStarted struct {
	Queued int `json:"queued"`
}

func (SyncStarted) Type() string { return "sync.started" }

func (e SyncStarted) Message() string {
	return fmt.Sprintf("%d items queued", e.Queued)
}

// SyncCompleted is published after each drain pass. Err is set when the
// pass could not run.
type SyncCompleted struct {
	Result *sync.DrainResult `json:"result,omitempty"`
	Err    error             `json:"-"`
}

func (SyncCompleted) Type() string { return "sync.completed" }

func (e SyncCompleted) Message() string {
	if e.Result == nil {
		return "sync did not run"
	}
	return e.Result.Summary()
}

// Subscribe returns a channel receiving events and a function that cancels
// the subscription. Events are dropped for a subscriber whose buffer is
// full. The channel is closed on cancel or when the monitor stops.
func (m *Monitor) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Event, buffer)

	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = ch
	m.mu.Unlock()

	return ch, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if c, ok := m.subs[id]; ok {
			close(c)
			delete(m.subs, id)
		}
	}
}

func (m *Monitor) publish(ev Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.publishLocked(ev)
}

func (m *Monitor) publishLocked(ev Event) {
	for _, ch := range m.subs {
		select {
		case ch <- ev:
		default:
			m.log.Debug("Dropping event for slow subscriber", map[string]interface{}{"event": ev.Type()})
		}
	}
}
