package muc

import (
	"sync"

	"mellium.im/xmpp/jid"
)

// EventType represents the type of room event
type EventType int

const (
	EventRoomInitialized EventType = iota
	EventStatusChanged
	EventEntered
	EventLeft
	EventDisconnected
	EventMessage
	EventMessageUpdated
	EventSubject
	EventConfigurationRequired
	EventNicknameRequired
	EventActivity
	EventOccupantChanged
)

// Event is a state-change notification produced by one room.
type Event struct {
	Type       EventType
	Room       jid.JID
	Status     ConnectionStatus
	Message    *ChatMessage
	Occupant   *Occupant
	Disconnect *Disconnect
	Subject    *Subject
}

// EventHandler is a function that handles events
type EventHandler func(event Event)

// EventBus handles event subscription and publishing for a single
// room. Publishing is synchronous: events for one room are delivered
// in the order the stanzas that caused them were processed.
type EventBus struct {
	mu       sync.RWMutex
	handlers map[EventType][]EventHandler
	all      []EventHandler
}

// NewEventBus creates a new event bus
func NewEventBus() *EventBus {
	return &EventBus{
		handlers: make(map[EventType][]EventHandler),
	}
}

// Subscribe subscribes to an event type
func (b *EventBus) Subscribe(eventType EventType, handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eventType] = append(b.handlers[eventType], handler)
}

// SubscribeAll subscribes to every event type
func (b *EventBus) SubscribeAll(handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.all = append(b.all, handler)
}

// Publish publishes an event to all subscribers
func (b *EventBus) Publish(event Event) {
	b.mu.RLock()
	handlers := b.handlers[event.Type]
	all := b.all
	b.mu.RUnlock()

	for _, handler := range handlers {
		handler(event)
	}
	for _, handler := range all {
		handler(event)
	}
}

// Clear removes all handlers
func (b *EventBus) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = make(map[EventType][]EventHandler)
	b.all = nil
}
