package duel

import (
	"encoding/json"
	"sync"

	"github.com/rs/zerolog"

	"github.com/mathduel/mathduel/pkg/ws"
)

// Local event names dispatched alongside the wire vocabulary. They never
// cross the socket.
const (
	// EventConnectionLost fires when the transport drops, before any
	// reconnect attempt. Active match state unwinds on it.
	EventConnectionLost = "connection-lost"

	// EventConnectionRestored fires after a successful automatic reconnect.
	// No application state is replayed; subscribers refresh what they need.
	EventConnectionRestored = "connection-restored"

	// EventCountdownTick fires once per ready-countdown tick with
	// {"remaining": n}. Cosmetic; Playing still waits for game-start.
	EventCountdownTick = "countdown-tick"
)

// EventHandler consumes one event payload. Handlers run sequentially on the
// read-pump goroutine; they must not block.
type EventHandler func(payload json.RawMessage)

type subscription struct {
	id uint64
	fn EventHandler
}

// Dispatcher fans events out to any number of subscribers per event type.
// Multiple screens or components can watch the same event without clobbering
// each other's handlers.
type Dispatcher struct {
	mu     sync.Mutex
	subs   map[string][]subscription
	nextID uint64
	logger zerolog.Logger
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher(logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		subs:   make(map[string][]subscription),
		logger: logger,
	}
}

// Subscribe registers a handler for an event type and returns its
// unsubscribe func. Unsubscribing twice is a no-op. Handlers for one event
// fire in subscribe order.
func (d *Dispatcher) Subscribe(event string, fn EventHandler) func() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.nextID++
	id := d.nextID
	d.subs[event] = append(d.subs[event], subscription{id: id, fn: fn})

	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		subs := d.subs[event]
		for i, s := range subs {
			if s.id == id {
				d.subs[event] = append(subs[:i], subs[i+1:]...)
				return
			}
		}
	}
}

// dispatch delivers one message to every subscriber of its type, in
// subscribe order. The handler list is snapshotted so handlers may subscribe
// or unsubscribe while running.
func (d *Dispatcher) dispatch(msg ws.Message) {
	d.mu.Lock()
	subs := append([]subscription(nil), d.subs[msg.Type]...)
	d.mu.Unlock()

	if len(subs) == 0 {
		d.logger.Debug().Str("type", msg.Type).Msg("event without subscribers")
		return
	}

	for _, s := range subs {
		s.fn(msg.Payload)
	}
}

// emit builds a local event and dispatches it.
func (d *Dispatcher) emit(event string, payload any) {
	msg, err := ws.NewMessage(event, payload)
	if err != nil {
		d.logger.Error().Err(err).Str("type", event).Msg("marshal local event")
		return
	}
	d.dispatch(msg)
}
