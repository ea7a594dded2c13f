package signal

import (
	"encoding/json"
	"sync"
	"time"

	"classroom_live/native/internal/domain"
)

// Local events emitted by the channel itself.
const (
	EventMessage      = "message"
	EventConnected    = "connected"
	EventDisconnected = "disconnected"
	EventReconnecting = "reconnecting"
	EventError        = "error"
)

// Event is what handlers receive. Inbound frames carry Frame and Raw; local
// events carry the channel State and, where relevant, Err or the retry
// Attempt and Delay.
type Event struct {
	Type  string
	Frame domain.Frame
	Raw   json.RawMessage

	State   State
	Err     error
	Attempt int
	Delay   time.Duration
}

// Handler reacts to one event.
type Handler func(Event)

// HandlerID identifies a registration for Off.
type HandlerID uint64

type registration struct {
	id HandlerID
	fn Handler
}

// Router demultiplexes frames by type to registered handlers.
type Router struct {
	mu       sync.RWMutex
	handlers map[string][]registration
	nextID   HandlerID
}

// NewRouter creates an empty router.
func NewRouter() *Router {
	return &Router{handlers: make(map[string][]registration)}
}

// On registers fn for eventType. Handlers run in registration order.
func (r *Router) On(eventType string, fn Handler) HandlerID {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	r.handlers[eventType] = append(r.handlers[eventType], registration{id: r.nextID, fn: fn})
	return r.nextID
}

// Off removes a registration. Unknown ids are ignored.
func (r *Router) Off(eventType string, id HandlerID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	regs := r.handlers[eventType]
	for i, reg := range regs {
		if reg.id == id {
			r.handlers[eventType] = append(regs[:i:i], regs[i+1:]...)
			break
		}
	}
	if len(r.handlers[eventType]) == 0 {
		delete(r.handlers, eventType)
	}
}

// Clear drops every registration.
func (r *Router) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers = make(map[string][]registration)
}

// Dispatch parses one inbound frame and runs the handlers for its type,
// then the "message" handlers. Malformed frames are logged and dropped.
func (r *Router) Dispatch(data []byte) {
	var f domain.Frame
	if err := json.Unmarshal(data, &f); err != nil {
		log.Warnf("dropping malformed frame: %v", err)
		return
	}
	if f.Type == "" {
		log.Warnf("dropping frame without type: %s", truncate(data))
		return
	}

	ev := Event{Type: f.Type, Frame: f, Raw: append(json.RawMessage(nil), data...)}
	r.invoke(f.Type, ev)
	r.invoke(EventMessage, ev)
}

// Emit delivers a local event to the handlers registered for its type.
func (r *Router) Emit(ev Event) {
	r.invoke(ev.Type, ev)
}

func (r *Router) invoke(eventType string, ev Event) {
	r.mu.RLock()
	regs := append([]registration(nil), r.handlers[eventType]...)
	r.mu.RUnlock()

	for _, reg := range regs {
		r.call(eventType, reg.fn, ev)
	}
}

func (r *Router) call(eventType string, fn Handler, ev Event) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Errorf("handler for %s panicked: %v", eventType, rec)
		}
	}()
	fn(ev)
}

func truncate(data []byte) string {
	const max = 120
	if len(data) <= max {
		return string(data)
	}
	return string(data[:max]) + "..."
}
