package notify

import (
	"context"
	"fmt"
	"sync"

	"github.com/cordum/masher/core/infra/logging"
)

// JSONPublisher is the bus surface the notifier needs.
type JSONPublisher interface {
	PublishJSON(subject string, v any) error
}

// BusNotifier publishes each event on <base><topic>.
type BusNotifier struct {
	Bus  JSONPublisher
	Base string
}

func (n *BusNotifier) Notify(_ context.Context, evt Event) error {
	subject := n.Base + evt.Topic
	if err := n.Bus.PublishJSON(subject, evt); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

// LogNotifier writes events to the log.
type LogNotifier struct{}

func (LogNotifier) Notify(_ context.Context, evt Event) error {
	logging.Info("notify", evt.Topic, "push_id", evt.PushID, "msg", evt.Msg)
	return nil
}

// Hub broadcasts events to in-process subscribers such as websocket
// clients. A subscriber whose buffer is full is dropped.
type Hub struct {
	mu     sync.RWMutex
	subs   map[chan Event]struct{}
	buffer int
}

func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = 100
	}
	return &Hub{subs: map[chan Event]struct{}{}, buffer: buffer}
}

// Subscribe returns a channel of events and a function that unsubscribes.
// The channel is closed on unsubscribe or when the subscriber falls behind.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, h.buffer)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch, func() { h.drop(ch) }
}

func (h *Hub) drop(ch chan Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[ch]; ok {
		delete(h.subs, ch)
		close(ch)
	}
}

func (h *Hub) Notify(_ context.Context, evt Event) error {
	var slow []chan Event
	h.mu.RLock()
	for ch := range h.subs {
		select {
		case ch <- evt:
		default:
			slow = append(slow, ch)
		}
	}
	h.mu.RUnlock()
	for _, ch := range slow {
		logging.Warn("notify", "dropping slow subscriber")
		h.drop(ch)
	}
	return nil
}

// Subscribers reports the current subscriber count.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
