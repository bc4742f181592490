// Package events provides an SSE broadcaster for filesystem change
// events. Fan-out is transport only: publishers never wait for delivery,
// and a slow subscriber loses events rather than stalling mutations.
package events

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/quincecloud/quince/internal/metrics"
)

const (
	OpCreate = "create"
	OpUpdate = "update"
	OpMove   = "move"
	OpDelete = "delete"
)

// Event represents a committed filesystem change.
type Event struct {
	Account   string `json:"account"`
	Path      string `json:"path"`
	Kind      string `json:"kind"` // dir or file
	Op        string `json:"op"`
	Size      int64  `json:"size,omitempty"`
	CID       string `json:"cid,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// Broadcaster manages SSE subscribers and publishes events. Every
// subscription is scoped to one account; accounts never observe each
// other's changes.
type Broadcaster struct {
	mu sync.RWMutex
	// subscribers maps each channel to its account filter; "" receives
	// every event (internal observers).
	subscribers map[chan Event]string
}

// NewBroadcaster creates a new event broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		subscribers: make(map[chan Event]string),
	}
}

// Subscribe adds a subscriber receiving the given account's events, or
// all events when account is empty. The caller must call Unsubscribe
// when done.
func (b *Broadcaster) Subscribe(account string) chan Event {
	ch := make(chan Event, 64)
	b.mu.Lock()
	b.subscribers[ch] = account
	b.mu.Unlock()
	metrics.SetSSEConnectionsActive(int64(b.Count()))
	return ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Broadcaster) Unsubscribe(ch chan Event) {
	b.mu.Lock()
	delete(b.subscribers, ch)
	close(ch)
	b.mu.Unlock()
	metrics.SetSSEConnectionsActive(int64(b.Count()))
}

// Publish sends an event to the subscribers whose filter matches its
// account. Non-blocking: drops events for slow consumers.
func (b *Broadcaster) Publish(event Event) {
	if event.Timestamp == 0 {
		event.Timestamp = time.Now().Unix()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch, account := range b.subscribers {
		if account != "" && account != event.Account {
			continue
		}
		select {
		case ch <- event:
		default:
			// Drop event for slow consumer
		}
	}
	metrics.RecordSSEEvent(event.Op)
}

// Count returns the current number of subscribers.
func (b *Broadcaster) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// MarshalEvent serializes an event to JSON.
func MarshalEvent(e Event) ([]byte, error) {
	return json.Marshal(e)
}
