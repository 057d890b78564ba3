// Package bus is the in-process event sink the orchestrator publishes
// lifecycle notifications to. Subscribers match on topic prefix; delivery is
// best-effort and never blocks the publisher.
package bus

import (
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const defaultBufferSize = 100

// Event is a message published on the bus.
type Event struct {
	Topic   string    `json:"topic"`
	Payload any       `json:"payload"`
	At      time.Time `json:"at"`
}

// Subscription is one consumer's view of the bus. Events it could not
// buffer are counted, not queued.
type Subscription struct {
	prefix  string
	ch      chan Event
	dropped atomic.Int64

	mu     sync.Mutex // guards closed and sends on ch
	closed bool
}

// Ch returns the channel to receive events on. It is closed by
// Bus.Unsubscribe.
func (s *Subscription) Ch() <-chan Event {
	return s.ch
}

// Prefix returns the topic prefix the subscription matches.
func (s *Subscription) Prefix() string {
	return s.prefix
}

// Dropped returns how many events this subscription missed because its
// buffer was full.
func (s *Subscription) Dropped() int64 {
	return s.dropped.Load()
}

func (s *Subscription) matches(topic string) bool {
	return s.prefix == "" || strings.HasPrefix(topic, s.prefix)
}

// offer hands ev to the subscriber without waiting. It reports false when
// the event was dropped.
func (s *Subscription) offer(ev Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return true
	}
	select {
	case s.ch <- ev:
		return true
	default:
		s.dropped.Add(1)
		return false
	}
}

func (s *Subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// Bus fans events out to prefix subscriptions. Publishers read an immutable
// snapshot of the subscriber list, so Publish never takes the registry
// lock.
type Bus struct {
	mu      sync.Mutex // serializes registry writers
	subs    atomic.Pointer[[]*Subscription]
	dropped atomic.Int64
}

// New creates an empty Bus.
func New() *Bus {
	b := &Bus{}
	b.subs.Store(&[]*Subscription{})
	return b
}

// Subscribe registers a consumer for topics starting with topicPrefix; an
// empty prefix matches everything. The channel buffers 100 events.
func (b *Bus) Subscribe(topicPrefix string) *Subscription {
	return b.SubscribeBuffered(topicPrefix, defaultBufferSize)
}

// SubscribeBuffered is Subscribe with an explicit channel buffer size.
func (b *Bus) SubscribeBuffered(topicPrefix string, size int) *Subscription {
	if size <= 0 {
		size = defaultBufferSize
	}
	sub := &Subscription{prefix: topicPrefix, ch: make(chan Event, size)}

	b.mu.Lock()
	defer b.mu.Unlock()
	cur := *b.subs.Load()
	next := make([]*Subscription, len(cur), len(cur)+1)
	copy(next, cur)
	next = append(next, sub)
	b.subs.Store(&next)
	return sub
}

// Unsubscribe removes sub and closes its channel. Repeated calls and nil are
// no-ops.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	cur := *b.subs.Load()
	if i := slices.Index(cur, sub); i >= 0 {
		next := slices.Delete(slices.Clone(cur), i, i+1)
		b.subs.Store(&next)
	}
	b.mu.Unlock()
	sub.close()
}

// Publish stamps the event and offers it to every matching subscription.
func (b *Bus) Publish(topic string, payload any) {
	ev := Event{Topic: topic, Payload: payload, At: time.Now().UTC()}
	for _, sub := range *b.subs.Load() {
		if sub.matches(topic) && !sub.offer(ev) {
			b.dropped.Add(1)
		}
	}
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	return len(*b.subs.Load())
}

// Dropped returns the bus-wide count of deliveries lost to full buffers.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}
