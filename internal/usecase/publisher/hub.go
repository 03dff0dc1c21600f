package publisher

import (
	"sync"

	changelogv1 "github.com/quantfabric/exchange-core/internal/domain/changelog/v1"
)

// Event is one published entry with its topic.
type Event struct {
	Topic string            `json:"topic"`
	Entry changelogv1.Entry `json:"entry"`
}

// Subscription receives events for its topics.
type Subscription struct {
	ch     chan Event
	topics map[string]struct{}
}

// C returns the subscription's receive channel. It is closed on
// Unsubscribe.
func (s *Subscription) C() <-chan Event { return s.ch }

// Hub fans published entries out to websocket subscribers. Slow subscribers
// drop events instead of stalling the pipeline.
type Hub struct {
	mu   sync.RWMutex
	subs map[*Subscription]struct{}
}

func NewHub() *Hub {
	return &Hub{subs: map[*Subscription]struct{}{}}
}

// Subscribe registers a subscriber for the topics; an empty list means every
// topic.
func (h *Hub) Subscribe(buffer int, topics ...string) *Subscription {
	if buffer <= 0 {
		buffer = 32
	}
	sub := &Subscription{ch: make(chan Event, buffer)}
	if len(topics) > 0 {
		sub.topics = make(map[string]struct{}, len(topics))
		for _, t := range topics {
			sub.topics[t] = struct{}{}
		}
	}
	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()
	return sub
}

func (h *Hub) Unsubscribe(sub *Subscription) {
	h.mu.Lock()
	if _, ok := h.subs[sub]; ok {
		delete(h.subs, sub)
		close(sub.ch)
	}
	h.mu.Unlock()
}

// Broadcast delivers the entry to every matching subscriber without
// blocking.
func (h *Hub) Broadcast(topic string, entry changelogv1.Entry) {
	event := Event{Topic: topic, Entry: entry}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.subs {
		if sub.topics != nil {
			if _, ok := sub.topics[topic]; !ok {
				continue
			}
		}
		select {
		case sub.ch <- event:
		default:
		}
	}
}

// SubscriberCount returns the number of active subscriptions.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
