// Package eventbus is the in-process publish/subscribe hub. Every topic keeps a
// bounded history so late subscribers can catch up.
package eventbus

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

const (
	TopicOrderCreated      = "order.created"
	TopicOrderUpdated      = "order.updated"
	TopicPayment           = "payment"
	TopicTableUpdated      = "table.updated"
	TopicAlertCreated      = "alert.created"
	TopicAlertAcknowledged = "alert.acknowledged"

	// TopicHeartbeat is only emitted by the realtime gateway, never published.
	TopicHeartbeat = "heartbeat"
)

// DashboardTopics are the topics a dashboard connection streams.
var DashboardTopics = []string{
	TopicOrderCreated,
	TopicOrderUpdated,
	TopicPayment,
	TopicTableUpdated,
	TopicAlertCreated,
	TopicAlertAcknowledged,
}

// Envelope is immutable once published. Seq is global and increases in
// publish order across all topics.
type Envelope struct {
	Seq       uint64          `json:"seq"`
	Topic     string          `json:"topic"`
	TenantID  string          `json:"tenantId,omitempty"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// Handler runs synchronously inside Publish and must not block or publish on
// the same topic. Use a Queue to hand work to another goroutine.
type Handler func(Envelope)

// Publisher is the write side of the bus that domain services depend on.
type Publisher interface {
	Publish(topic, tenantID string, payload any) (Envelope, error)
}

type Bus struct {
	capacity int
	now      func() time.Time
	seq      atomic.Uint64

	mu     sync.RWMutex
	topics map[string]*topic
}

type subscription struct {
	id uint64
	fn Handler
}

type topic struct {
	// dispatch serializes append and delivery so subscribers see publish order.
	dispatch sync.Mutex

	mu      sync.Mutex
	ring    []Envelope
	start   int
	size    int
	subs    []*subscription
	nextSub uint64
}

// New creates a bus whose topics keep at most capacity envelopes each.
func New(capacity int) *Bus {
	if capacity <= 0 {
		capacity = 1
	}
	return &Bus{
		capacity: capacity,
		now:      time.Now,
		topics:   make(map[string]*topic),
	}
}

func (b *Bus) topic(name string) *topic {
	b.mu.RLock()
	t, ok := b.topics[name]
	b.mu.RUnlock()
	if ok {
		return t
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if t, ok = b.topics[name]; ok {
		return t
	}
	t = &topic{ring: make([]Envelope, b.capacity)}
	b.topics[name] = t
	return t
}

// Publish marshals payload, appends the envelope to the topic history and
// calls every subscriber registered at that moment.
func (b *Bus) Publish(topicName, tenantID string, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", topicName, err)
	}

	t := b.topic(topicName)
	t.dispatch.Lock()
	defer t.dispatch.Unlock()

	env := Envelope{
		Seq:       b.seq.Add(1),
		Topic:     topicName,
		TenantID:  tenantID,
		Payload:   raw,
		Timestamp: b.now().UTC(),
	}

	t.mu.Lock()
	t.push(env)
	subs := make([]*subscription, len(t.subs))
	copy(subs, t.subs)
	t.mu.Unlock()

	for _, s := range subs {
		s.fn(env)
	}
	return env, nil
}

// Subscribe registers fn on a topic. The returned func deregisters it; calling
// it more than once is harmless.
func (b *Bus) Subscribe(topicName string, fn Handler) (unsubscribe func()) {
	t := b.topic(topicName)

	t.mu.Lock()
	t.nextSub++
	id := t.nextSub
	t.subs = append(t.subs, &subscription{id: id, fn: fn})
	t.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			defer t.mu.Unlock()
			for i, s := range t.subs {
				if s.id == id {
					t.subs = append(t.subs[:i], t.subs[i+1:]...)
					return
				}
			}
		})
	}
}

// SubscribeMany registers fn on several topics behind a single unsubscribe.
func (b *Bus) SubscribeMany(topics []string, fn Handler) (unsubscribe func()) {
	unsubs := make([]func(), 0, len(topics))
	for _, name := range topics {
		unsubs = append(unsubs, b.Subscribe(name, fn))
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			for _, u := range unsubs {
				u()
			}
		})
	}
}

// History returns the buffered envelopes of one topic, oldest first.
func (b *Bus) History(topicName string) []Envelope {
	t := b.topic(topicName)
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshot()
}

// DrainAllHistory returns every buffered envelope across topics in publish
// order. The buffers are left untouched.
func (b *Bus) DrainAllHistory() []Envelope {
	b.mu.RLock()
	topics := make([]*topic, 0, len(b.topics))
	for _, t := range b.topics {
		topics = append(topics, t)
	}
	b.mu.RUnlock()

	var all []Envelope
	for _, t := range topics {
		t.mu.Lock()
		all = append(all, t.snapshot()...)
		t.mu.Unlock()
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Seq < all[j].Seq })
	return all
}

// LastSeq is the sequence number of the most recent publish.
func (b *Bus) LastSeq() uint64 {
	return b.seq.Load()
}

func (t *topic) push(env Envelope) {
	capacity := len(t.ring)
	if t.size < capacity {
		t.ring[(t.start+t.size)%capacity] = env
		t.size++
		return
	}
	t.ring[t.start] = env
	t.start = (t.start + 1) % capacity
}

func (t *topic) snapshot() []Envelope {
	out := make([]Envelope, t.size)
	for i := 0; i < t.size; i++ {
		out[i] = t.ring[(t.start+i)%len(t.ring)]
	}
	return out
}
