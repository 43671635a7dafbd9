// Package events fans intent state transitions out to in-process listeners.
package events

import (
	"errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/fx"
)

// AllPools subscribes to transitions of every pool.
const AllPools = "*"

const (
	DefaultBufferSize       = 50
	DefaultSubscriberBuffer = 16
)

var ErrHubUnavailable = errors.New("hub_unavailable")
var ErrInvalidTopic = errors.New("invalid_topic")

var Module = fx.Module("events",
	fx.Provide(NewHub),
)

// IntentTransitioned is published after an intent status change is durable.
type IntentTransitioned struct {
	IntentID          string    `json:"intent_id"`
	ExternalRequestID string    `json:"external_request_id"`
	PoolRef           string    `json:"pool_ref"`
	From              string    `json:"from"`
	To                string    `json:"to"`
	OccurredAt        time.Time `json:"occurred_at"`
}

// Hub keeps a short replay buffer per topic and delivers without blocking.
// Slow subscribers miss events rather than stall publishers.
type Hub struct {
	mu               sync.RWMutex
	streams          map[string]*stream
	bufferSize       int
	subscriberBuffer int
}

type stream struct {
	mu     sync.Mutex
	buffer []IntentTransitioned
	subs   map[uint64]chan IntentTransitioned
	nextID uint64
}

type Subscription struct {
	hub   *Hub
	topic string
	id    uint64
	ch    chan IntentTransitioned
	once  sync.Once
}

func NewHub() *Hub {
	return &Hub{
		streams:          make(map[string]*stream),
		bufferSize:       DefaultBufferSize,
		subscriberBuffer: DefaultSubscriberBuffer,
	}
}

// Publish delivers event to subscribers of its pool and of AllPools.
func (h *Hub) Publish(event IntentTransitioned) {
	if h == nil {
		return
	}
	if pool := strings.TrimSpace(event.PoolRef); pool != "" {
		h.publish(pool, event)
	}
	h.publish(AllPools, event)
}

func (h *Hub) publish(topic string, event IntentTransitioned) {
	h.mu.RLock()
	current := h.streams[topic]
	h.mu.RUnlock()
	if current == nil {
		return
	}

	current.mu.Lock()
	current.buffer = append(current.buffer, event)
	if len(current.buffer) > h.bufferSize {
		current.buffer = current.buffer[len(current.buffer)-h.bufferSize:]
	}
	// sends stay under the lock so unsubscribe cannot close a channel mid-send
	for _, ch := range current.subs {
		select {
		case ch <- event:
		default:
		}
	}
	current.mu.Unlock()
}

// Subscribe registers a listener for topic, a pool ref or AllPools. The
// returned slice holds buffered events published while the topic had listeners.
func (h *Hub) Subscribe(topic string) (*Subscription, []IntentTransitioned, error) {
	if h == nil {
		return nil, nil, ErrHubUnavailable
	}
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return nil, nil, ErrInvalidTopic
	}

	current := h.ensureStream(topic)
	current.mu.Lock()
	id := current.nextID
	current.nextID++
	ch := make(chan IntentTransitioned, h.subscriberBuffer)
	current.subs[id] = ch
	buffer := append([]IntentTransitioned(nil), current.buffer...)
	current.mu.Unlock()

	return &Subscription{hub: h, topic: topic, id: id, ch: ch}, buffer, nil
}

func (h *Hub) ensureStream(topic string) *stream {
	h.mu.RLock()
	current := h.streams[topic]
	h.mu.RUnlock()
	if current != nil {
		return current
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	current = h.streams[topic]
	if current == nil {
		current = &stream{subs: make(map[uint64]chan IntentTransitioned)}
		h.streams[topic] = current
	}
	return current
}

func (h *Hub) unsubscribe(topic string, id uint64) {
	h.mu.RLock()
	current := h.streams[topic]
	h.mu.RUnlock()
	if current == nil {
		return
	}

	current.mu.Lock()
	if ch, ok := current.subs[id]; ok {
		delete(current.subs, id)
		close(ch)
	}
	remaining := len(current.subs)
	current.mu.Unlock()
	if remaining != 0 {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.streams[topic] != current {
		return
	}
	current.mu.Lock()
	empty := len(current.subs) == 0
	current.mu.Unlock()
	if empty {
		delete(h.streams, topic)
	}
}

// Events is closed when the subscription is closed.
func (s *Subscription) Events() <-chan IntentTransitioned {
	if s == nil {
		return nil
	}
	return s.ch
}

func (s *Subscription) Close() {
	if s == nil || s.hub == nil {
		return
	}
	s.once.Do(func() {
		s.hub.unsubscribe(s.topic, s.id)
	})
}
