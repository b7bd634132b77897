package events

import (
	"context"
	"sync"
	"time"
)

// Envelope wraps an event with its kind and emission time for stream
// consumers such as the websocket endpoint.
type Envelope struct {
	Kind    Kind      `json:"kind"`
	At      time.Time `json:"at"`
	Payload any       `json:"payload"`
}

// Broadcaster fans events out to subscribers over buffered channels. A slow
// subscriber drops events instead of blocking the routing path.
type Broadcaster struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]chan Envelope
	buffer int
}

// NewBroadcaster creates a broadcaster whose subscriber channels hold up to
// buffer pending events.
func NewBroadcaster(buffer int) *Broadcaster {
	if buffer <= 0 {
		buffer = 64
	}
	return &Broadcaster{
		subs:   make(map[int]chan Envelope),
		buffer: buffer,
	}
}

// Subscribe registers a new subscriber. The returned cancel function must be
// called to release the subscription.
func (b *Broadcaster) Subscribe() (<-chan Envelope, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan Envelope, b.buffer)
	b.subs[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if ch, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(ch)
		}
	}
	return ch, cancel
}

// SubscriberCount returns the number of active subscribers.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func (b *Broadcaster) publish(kind Kind, payload any) {
	envelope := Envelope{Kind: kind, At: time.Now(), Payload: payload}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- envelope:
		default:
			// Subscriber is not keeping up; drop rather than block routing.
		}
	}
}

// Decision implements Emitter.
func (b *Broadcaster) Decision(_ context.Context, ev DecisionEvent) {
	b.publish(KindDecision, ev)
}

// BreakerTransition implements Emitter.
func (b *Broadcaster) BreakerTransition(_ context.Context, ev BreakerTransitionEvent) {
	b.publish(KindBreakerTransition, ev)
}

// ExperimentAssignment implements Emitter.
func (b *Broadcaster) ExperimentAssignment(_ context.Context, ev ExperimentAssignmentEvent) {
	b.publish(KindExperimentAssignment, ev)
}

// OracleCall implements Emitter.
func (b *Broadcaster) OracleCall(_ context.Context, ev OracleCallEvent) {
	b.publish(KindOracleCall, ev)
}

// RoutesExhausted implements Emitter.
func (b *Broadcaster) RoutesExhausted(_ context.Context, ev RoutesExhaustedEvent) {
	b.publish(KindRoutesExhausted, ev)
}
