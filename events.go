package gatherly

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Event is the closed set of notifications published on a Bus. Consumers
// type-switch on the concrete variant.
type Event interface {
	Kind() string
	sealed()
}

// ConnectionStateChanged is published on every connection state transition.
type ConnectionStateChanged struct {
	State        ConnectionState
	Previous     ConnectionState
	Attempt      int
	Delay        time.Duration // set when State is reconnecting
	AuthRejected bool
	Err          error
}

// PresenceUpdate is published when a member goes online or offline.
type PresenceUpdate struct {
	RoomID     string
	MemberID   string
	MemberName string
	Online     bool
}

// Typing is published when a typing frame arrives.
type Typing struct {
	RoomID     string
	MemberID   string
	MemberName string
	IsTyping   bool
}

// QueueDrained is published after each drain pass.
type QueueDrained struct {
	Result DrainResult
}

// MessageReceived is published for inbound messages after they are merged
// into the cache.
type MessageReceived struct {
	Message Message
}

// MutationFailed is published when a mutation exceeds its retry budget.
type MutationFailed struct {
	Mutation QueuedMutation
}

// ServerError is published for "error" frames.
type ServerError struct {
	Err *APIError
}

func (ConnectionStateChanged) Kind() string { return "connection_state_changed" }
func (PresenceUpdate) Kind() string         { return "presence_update" }
func (Typing) Kind() string                 { return "typing" }
func (QueueDrained) Kind() string           { return "queue_drained" }
func (MessageReceived) Kind() string        { return "message_received" }
func (MutationFailed) Kind() string         { return "mutation_failed" }
func (ServerError) Kind() string            { return "server_error" }

func (ConnectionStateChanged) sealed() {}
func (PresenceUpdate) sealed()         {}
func (Typing) sealed()                 {}
func (QueueDrained) sealed()           {}
func (MessageReceived) sealed()        {}
func (MutationFailed) sealed()         {}
func (ServerError) sealed()            {}

// DefaultSubscriberBuffer is used when Subscribe is called with a buffer <= 0.
const DefaultSubscriberBuffer = 64

// Bus fans events out to subscribers. Publish never blocks: a subscriber whose
// buffer is full misses the event.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]chan Event
	nextID int
	closed bool
	log    zerolog.Logger
}

// NewBus creates an empty bus.
func NewBus(logger zerolog.Logger) *Bus {
	return &Bus{
		subs: make(map[int]chan Event),
		log:  componentLogger(logger, "bus"),
	}
}

// Subscribe registers a new subscriber. The returned func unsubscribes and
// closes the channel; it is safe to call more than once.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if c, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(c)
			}
		})
	}
}

// Publish delivers ev to every subscriber with room in its buffer.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for id, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			EventsDropped.WithLabelValues(ev.Kind()).Inc()
			b.log.Warn().Str(FieldEvent, ev.Kind()).Int("subscriber", id).Msg("subscriber full, event dropped")
		}
	}
}

// Close unsubscribes everyone. Later Subscribe calls get a closed channel.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
