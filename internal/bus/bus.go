package bus

import (
	"strings"
	"sync"
)

const defaultBufferSize = 100

// Event is a message published on the bus.
type Event struct {
	Topic   string
	Payload interface{}
}

// Turn and lifecycle event topics.
const (
	TopicTurnCreated        = "turn.created"
	TopicTurnEdge           = "turn.edge"
	TopicTurnStateChanged   = "turn.state_changed"
	TopicTurnStaleRecovered = "turn.stale_recovered"
	TopicLifecycle          = "lifecycle.transition"
	TopicJobFired           = "job.fired"
)

// TurnEdgeEvent is published for every execution edge appended to a turn.
type TurnEdgeEvent struct {
	TurnID       string // Turn ID
	Organization string // Owning organization
	SessionID    string // Session ID
	AgentID      string // Agent ID
	Transition   string // Edge transition name (e.g. lease_acquired)
	FromState    string // State before the transition, if any
	ToState      string // State after the transition, if any
	EdgeOrdinal  int64  // Dense per-turn ordinal, starts at 1
}

// TurnStateChangedEvent is published when a turn's state changes.
type TurnStateChangedEvent struct {
	TurnID            string // Turn ID
	SessionID         string // Session ID
	OldState          string // Previous state (e.g. queued)
	NewState          string // New state (e.g. running)
	TransitionVersion int64  // Version after the mutation
}

// LifecycleEvent is published when a session lifecycle transition is recorded.
type LifecycleEvent struct {
	SessionID    string // Session ID
	Organization string // Owning organization
	FromState    string // Expected prior state
	ObservedFrom string // Observed prior state (may disagree with FromState)
	ToState      string // New lifecycle state
	Checkpoint   string // Checkpoint that authorized the move
	ActorType    string // agent / operator / system
}

// JobFiredEvent is published when a deferred job becomes due.
type JobFiredEvent struct {
	JobID   string // Job ID
	Kind    string // Job kind (e.g. summary_generation)
	Payload string // Opaque JSON payload
}

// Subscription represents an active subscription.
type Subscription struct {
	id     int
	prefix string
	ch     chan Event
}

// Ch returns the channel to receive events on.
func (s *Subscription) Ch() <-chan Event {
	return s.ch
}

// Bus is a simple in-process pub/sub message bus with topic prefix matching.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]*Subscription
	nextID int
}

// New creates a new Bus.
func New() *Bus {
	return &Bus{
		subs: make(map[int]*Subscription),
	}
}

// Subscribe creates a subscription for events matching the given topic prefix.
// An empty prefix matches all topics.
// The returned channel has a buffer of 100 events; slow consumers will miss
// events (non-blocking send).
func (b *Bus) Subscribe(topicPrefix string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		id:     b.nextID,
		prefix: topicPrefix,
		ch:     make(chan Event, defaultBufferSize),
	}
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[sub.id]; ok {
		delete(b.subs, sub.id)
		close(sub.ch)
	}
}

// Publish sends an event to all matching subscribers.
// Delivery is non-blocking: if a subscriber's buffer is full, the event is
// dropped for that subscriber.
func (b *Bus) Publish(topic string, payload interface{}) {
	event := Event{
		Topic:   topic,
		Payload: payload,
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if sub.prefix == "" || strings.HasPrefix(topic, sub.prefix) {
			select {
			case sub.ch <- event:
			default:
				// Buffer full, drop event for this subscriber.
			}
		}
	}
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
