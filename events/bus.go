// Package events delivers the client core's notifications to UI
// collaborators: a sign-in prompt request on terminal auth failure, the
// active account changing, and the account list changing.
package events

import (
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Type identifies a notification.
type Type string

const (
	// AuthRequired signals a terminal authentication failure. Emitted
	// exactly once per failure, regardless of how many requests the
	// failure rejected.
	AuthRequired Type = "auth_required"

	// SessionSwitched signals that a different account became active.
	// Payload is the new active session ID.
	SessionSwitched Type = "session_switched"

	// SessionListChanged signals that an account was added or removed.
	SessionListChanged Type = "session_list_changed"

	// RealtimeDown signals a persistent realtime disconnect after the
	// reconnect budget and the fallback transport were both exhausted.
	RealtimeDown Type = "realtime_down"
)

// Event is one delivered notification.
type Event struct {
	Type    Type
	Payload string
}

const (
	subscriberBuffer = 16
	maxSubscribers   = 64
)

// Bus fans events out to subscribers. Delivery is non-blocking: a
// subscriber whose buffer is full misses the event rather than stalling
// the core. The subscriber registry is bounded; Subscribe fails once the
// cap is reached, and Unsubscribe releases the slot.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]chan Event
	log         zerolog.Logger
}

// NewBus creates an empty Bus.
func NewBus(log zerolog.Logger) *Bus {
	return &Bus{
		subscribers: make(map[string]chan Event),
		log:         log,
	}
}

// Subscribe registers a listener. The returned cancel function removes
// the subscription and closes the channel; it is safe to call more than
// once. ok is false when the subscriber cap is reached.
func (b *Bus) Subscribe() (ch <-chan Event, cancel func(), ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.subscribers) >= maxSubscribers {
		b.log.Warn().Int("subscribers", len(b.subscribers)).Msg("event subscriber cap reached")
		return nil, nil, false
	}

	id := uuid.New().String()
	c := make(chan Event, subscriberBuffer)
	b.subscribers[id] = c

	var once sync.Once
	cancel = func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if sub, exists := b.subscribers[id]; exists {
				delete(b.subscribers, id)
				close(sub)
			}
		})
	}
	return c, cancel, true
}

// Publish delivers the event to every current subscriber without
// blocking.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for id, sub := range b.subscribers {
		select {
		case sub <- ev:
		default:
			b.log.Warn().Str("subscriber", id).Str("event", string(ev.Type)).Msg("subscriber buffer full, event dropped")
		}
	}
}

// Len returns the current subscriber count.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
