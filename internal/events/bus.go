// Package events implements the in-process pub/sub bus used to surface
// refresh and upgrade progress to the HTTP API and CLI.
package events

import (
	"encoding/json"
	"sync"
)

// Event types published by the query and upgrade pipelines.
const (
	EventRefreshProgress   = "refresh.progress"
	EventRefreshComplete   = "refresh.complete"
	EventUpdateDetected    = "update.detected"
	EventUpgradeProgress   = "upgrade.progress"
	EventUpgradeComplete   = "upgrade.complete"
	EventNotificationSent  = "notification.sent"
	EventNotificationError = "notification.error"
)

// Event is a single bus message.
type Event struct {
	Type    string                 `json:"type"`
	Payload map[string]interface{} `json:"payload"`
}

// Subscriber is a channel that receives events.
type Subscriber chan Event

// Bus manages event subscriptions and publishing.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string][]Subscriber
}

// NewBus creates a new event bus.
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[string][]Subscriber),
	}
}

// Subscribe registers a subscriber for a specific event type, or "*" for all.
// Returns the receiving channel and an unsubscribe function.
func (b *Bus) Subscribe(eventType string) (Subscriber, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, 100) // buffered so slow consumers never block publishers
	b.subscribers[eventType] = append(b.subscribers[eventType], ch)

	unsubscribe := func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		subs := b.subscribers[eventType]
		for i, sub := range subs {
			if sub == ch {
				b.subscribers[eventType] = append(subs[:i], subs[i+1:]...)
				close(ch)
				break
			}
		}
	}

	return ch, unsubscribe
}

// Publish delivers an event to all subscribers of its type and to wildcard
// subscribers. Full subscriber channels are skipped rather than blocked on.
func (b *Bus) Publish(eventType string, payload map[string]interface{}) {
	b.publish(Event{Type: eventType, Payload: payload})
}

func (b *Bus) publish(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subscribers[event.Type] {
		select {
		case ch <- event:
		default:
		}
	}

	for _, ch := range b.subscribers["*"] {
		select {
		case ch <- event:
		default:
		}
	}
}

// MarshalEvent converts an event to JSON.
func MarshalEvent(event Event) ([]byte, error) {
	return json.Marshal(event)
}
