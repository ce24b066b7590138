// Package pubsub fans out shadow lifecycle events (accepted, rejected,
// delta, documents) to local subscribers such as the admin websocket
// UI; the structured logger's broadcast core also publishes log entries
// through it.
package pubsub

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"
)

// Message is one published event, always tied to a shadow topic.
type Message struct {
	Topic     string          `json:"topic"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// Subscriber receives a filtered slice of published messages.
type Subscriber struct {
	id     string
	filter string // topic prefix; empty matches everything
	send   chan Message
}

// Hub is a topic-addressed broadcaster, generalized from a flat
// broadcast-to-everyone model into prefix-filtered subscriptions so a
// client can watch one thing's shadow without seeing the whole fleet.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[string]*Subscriber
	logger      *zap.Logger
}

func NewHub(logger *zap.Logger) *Hub {
	return &Hub{subscribers: make(map[string]*Subscriber), logger: logger}
}

// Subscribe registers a new subscriber filtered to topics with the
// given prefix (pass "" to receive everything) and returns its receive
// channel plus an unsubscribe func.
func (h *Hub) Subscribe(id, topicPrefix string) (<-chan Message, func()) {
	sub := &Subscriber{id: id, filter: topicPrefix, send: make(chan Message, 64)}

	h.mu.Lock()
	h.subscribers[id] = sub
	h.mu.Unlock()

	return sub.send, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if s, ok := h.subscribers[id]; ok {
			close(s.send)
			delete(h.subscribers, id)
		}
	}
}

// Publish fans out msg to every subscriber whose filter matches its
// topic. A full subscriber buffer is logged and dropped rather than
// blocking the publisher, matching the best-effort publish policy.
func (h *Hub) Publish(msg Message) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.subscribers {
		if sub.filter != "" && !hasPrefix(msg.Topic, sub.filter) {
			continue
		}
		select {
		case sub.send <- msg:
		default:
			h.logger.Warn("dropping publish, subscriber buffer full", zap.String("subscriber", sub.id), zap.String("topic", msg.Topic))
		}
	}
}

func hasPrefix(topic, prefix string) bool {
	return len(topic) >= len(prefix) && topic[:len(prefix)] == prefix
}

// ServeWebSocket bridges a fiber websocket connection to a hub
// subscription, mirroring the teacher's Hub.HandleWebSocket
// register/unregister/writePump shape.
func (h *Hub) ServeWebSocket(c *websocket.Conn, topicPrefix string) {
	id := c.Params("id")
	if id == "" {
		id = c.Query("id")
	}
	recv, unsubscribe := h.Subscribe(id, topicPrefix)
	defer unsubscribe()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-recv:
			if !ok {
				return
			}
			if err := c.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}
