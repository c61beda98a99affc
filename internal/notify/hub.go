package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/garmaxai/backend/internal/models"
)

// SessionTopic is the hub topic carrying one session's events.
func SessionTopic(sessionID string) string { return "session:" + sessionID }

// OwnerTopic is the hub topic carrying every event of one owner.
func OwnerTopic(ownerID string) string { return "owner:" + ownerID }

var errHubStopped = errors.New("status hub stopped")

type subscription struct {
	ch    chan []byte
	topic string
}

type topicMessage struct {
	topic string
	msg   []byte
}

// Hub manages topic based subscribers for live status streams. All topic
// bookkeeping happens on the Run goroutine; slow readers miss messages rather
// than block publishers.
type Hub struct {
	topics map[string]map[chan []byte]struct{}

	subscribe   chan subscription
	unsubscribe chan subscription
	publish     chan topicMessage
	done        chan struct{}
	bufferSize  int
}

// NewHub creates an idle hub. Call Run to start dispatching.
func NewHub() *Hub {
	return &Hub{
		topics:      make(map[string]map[chan []byte]struct{}),
		subscribe:   make(chan subscription),
		unsubscribe: make(chan subscription),
		publish:     make(chan topicMessage, 100),
		done:        make(chan struct{}),
		bufferSize:  16,
	}
}

// Run processes subscriptions and publications until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			close(h.done)
			for topic, subs := range h.topics {
				for ch := range subs {
					close(ch)
				}
				delete(h.topics, topic)
			}
			return
		case s := <-h.subscribe:
			subs, ok := h.topics[s.topic]
			if !ok {
				subs = make(map[chan []byte]struct{})
				h.topics[s.topic] = subs
			}
			subs[s.ch] = struct{}{}
		case s := <-h.unsubscribe:
			if subs, ok := h.topics[s.topic]; ok {
				if _, present := subs[s.ch]; present {
					delete(subs, s.ch)
					close(s.ch)
				}
				if len(subs) == 0 {
					delete(h.topics, s.topic)
				}
			}
		case tm := <-h.publish:
			for ch := range h.topics[tm.topic] {
				select {
				case ch <- tm.msg:
				default:
					// drop if client not reading
				}
			}
		}
	}
}

// Subscribe registers a new reader on topic. The returned cancel function
// unsubscribes and closes the channel.
func (h *Hub) Subscribe(ctx context.Context, topic string) (<-chan []byte, func(), error) {
	ch := make(chan []byte, h.bufferSize)
	select {
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	case <-h.done:
		return nil, nil, errHubStopped
	case h.subscribe <- subscription{ch: ch, topic: topic}:
	}
	cancel := func() {
		select {
		case h.unsubscribe <- subscription{ch: ch, topic: topic}:
		case <-h.done:
		}
	}
	return ch, cancel, nil
}

// PublishTopic queues msg for every subscriber of topic.
func (h *Hub) PublishTopic(ctx context.Context, topic string, msg []byte) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-h.done:
		return errHubStopped
	case h.publish <- topicMessage{topic: topic, msg: msg}:
		return nil
	}
}

// Broadcast sends ev to its session and owner topics.
func (h *Hub) Broadcast(ctx context.Context, ev models.StatusEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode status event: %w", err)
	}
	if err := h.PublishTopic(ctx, SessionTopic(ev.SessionID), payload); err != nil {
		return err
	}
	if ev.OwnerID == "" {
		return nil
	}
	return h.PublishTopic(ctx, OwnerTopic(ev.OwnerID), payload)
}

// Name implements Sink.
func (h *Hub) Name() string { return "live-hub" }

// Deliver implements Sink.
func (h *Hub) Deliver(ctx context.Context, ev models.StatusEvent) error {
	return h.Broadcast(ctx, ev)
}
