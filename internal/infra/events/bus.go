package events

import (
	"sync"

	"llm-jobqueue/internal/domain/model"
	"llm-jobqueue/internal/infra/metrics"

	"github.com/rs/zerolog"
)

// Publisher is what job-state producers depend on.
type Publisher interface {
	// Publish delivers ev to every subscription of userID.
	Publish(userID string, ev model.Event)
	// Broadcast delivers ev to every subscription.
	Broadcast(ev model.Event)
}

// Subscription is one consumer of a user's events.
type Subscription struct {
	id     uint64
	userID string
	ch     chan model.Event
	bus    *Bus
	once   sync.Once
}

// C returns the event channel. It is closed by Close.
func (s *Subscription) C() <-chan model.Event { return s.ch }

func (s *Subscription) UserID() string { return s.userID }

// Close unsubscribes and closes the channel. Safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() { s.bus.unsubscribe(s) })
}

// Bus routes events to subscriptions by user id. Delivery is best effort and
// at most once: an event is dropped for a subscriber whose buffer is full, and
// nothing is kept for users without a subscription.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string]map[uint64]*Subscription
	nextID uint64
	buffer int
	log    *zerolog.Logger
}

var _ Publisher = (*Bus)(nil)

func NewBus(buffer int, logger *zerolog.Logger) *Bus {
	if buffer <= 0 {
		buffer = 64
	}
	l := logger.With().Str("component", "event_bus").Logger()
	return &Bus{
		subs:   make(map[string]map[uint64]*Subscription),
		buffer: buffer,
		log:    &l,
	}
}

func (b *Bus) Subscribe(userID string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		id:     b.nextID,
		userID: userID,
		ch:     make(chan model.Event, b.buffer),
		bus:    b,
	}
	set, ok := b.subs[userID]
	if !ok {
		set = make(map[uint64]*Subscription)
		b.subs[userID] = set
	}
	set[sub.id] = sub
	return sub
}

func (b *Bus) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if set, ok := b.subs[sub.userID]; ok {
		delete(set, sub.id)
		if len(set) == 0 {
			delete(b.subs, sub.userID)
		}
	}
	close(sub.ch)
}

// Publish never blocks. Sends happen under the read lock so the per-user order
// of events matches the order of Publish calls from a single producer.
func (b *Bus) Publish(userID string, ev model.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs[userID] {
		b.deliver(sub, ev)
	}
}

func (b *Bus) Broadcast(ev model.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, set := range b.subs {
		for _, sub := range set {
			b.deliver(sub, ev)
		}
	}
}

func (b *Bus) deliver(sub *Subscription, ev model.Event) {
	select {
	case sub.ch <- ev:
		metrics.IncEventDelivered(string(ev.Type()))
	default:
		metrics.IncEventDropped(string(ev.Type()))
		b.log.Warn().Str("user_id", sub.userID).Str("type", string(ev.Type())).Msg("subscriber buffer full, event dropped")
	}
}

// SubscriberCount returns the number of live subscriptions for userID,
// or for all users when userID is empty.
func (b *Bus) SubscriberCount(userID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if userID != "" {
		return len(b.subs[userID])
	}
	n := 0
	for _, set := range b.subs {
		n += len(set)
	}
	return n
}
