package manager

import (
	"log/slog"
	"sync"

	"pldmd/internal/history"
	"pldmd/internal/sseb"
)

// EventType names a manager event.
type EventType string

const (
	EventSessionStarted     EventType = "session_started"
	EventSessionCompleted   EventType = "session_completed"
	EventActivationProgress EventType = "activation_progress"
	EventSensorEvent        EventType = "sensor_event"
)

// Event is one observable manager occurrence. Exactly one payload field is
// set, matching Type: Session for a completed session, Sensor for an emitted
// sensor event; the start/progress events carry only the endpoint id.
type Event struct {
	Type    EventType              `json:"type"`
	EID     uint8                  `json:"eid,omitempty"`
	Session *history.SessionRecord `json:"session,omitempty"`
	Sensor  *sseb.EmittedEvent     `json:"sensor,omitempty"`
}

// EventHandler is a callback for events.
type EventHandler func(Event)

type subscription struct {
	eventType EventType // empty means every event
	handler   EventHandler
}

// EventBus fans manager events out to observers (dashboard, publisher).
// Subscribers only observe; nothing downstream of the bus reaches back into
// protocol state. The history store is not a subscriber: the Manager writes
// to it directly.
type EventBus struct {
	mu     sync.RWMutex
	subs   map[uint64]*subscription
	nextID uint64
	logger *slog.Logger
}

// NewEventBus creates a new event bus.
func NewEventBus(logger *slog.Logger) *EventBus {
	return &EventBus{
		subs:   make(map[uint64]*subscription),
		logger: logger,
	}
}

// Subscribe registers a handler for one event type.
// Returns an unsubscribe function.
func (eb *EventBus) Subscribe(eventType EventType, handler EventHandler) func() {
	return eb.add(&subscription{eventType: eventType, handler: handler})
}

// SubscribeAll registers a handler that receives every event.
// Returns an unsubscribe function.
func (eb *EventBus) SubscribeAll(handler EventHandler) func() {
	return eb.add(&subscription{handler: handler})
}

func (eb *EventBus) add(sub *subscription) func() {
	eb.mu.Lock()
	id := eb.nextID
	eb.nextID++
	eb.subs[id] = sub
	eb.mu.Unlock()
	return func() {
		eb.mu.Lock()
		delete(eb.subs, id)
		eb.mu.Unlock()
	}
}

// Emit delivers event to every matching subscriber.
// Handlers are called synchronously; a panicking handler is recovered.
func (eb *EventBus) Emit(event Event) {
	eb.mu.RLock()
	handlers := make([]EventHandler, 0, len(eb.subs))
	for _, sub := range eb.subs {
		if sub.eventType == "" || sub.eventType == event.Type {
			handlers = append(handlers, sub.handler)
		}
	}
	eb.mu.RUnlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					eb.logger.Error("event handler panic", "type", event.Type, "panic", r)
				}
			}()
			h(event)
		}()
	}
}
