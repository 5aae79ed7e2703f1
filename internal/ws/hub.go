package ws

import "sync"

// Subscriber abstracts a streaming client.
type Subscriber interface {
	Send([]byte) error
	Close()
}

// Topic names a broadcast stream. Environment topics carry release activity
// for one environment, the bundles topic carries publisher activity, and the
// all topic mirrors every event for unfiltered subscribers.
const (
	TopicBundles = "bundles"
	TopicAll     = "all"
)

// TopicEnvironment returns the stream topic for an environment slug.
func TopicEnvironment(slug string) string {
	return "environments/" + slug
}

// Hub fans event payloads out to stream subscribers by topic.
type Hub struct {
	mu        sync.RWMutex
	clients   map[string]map[Subscriber]struct{}
	register  chan subscription
	unreg     chan subscription
	broadcast chan message
}

// message couples payload with its topic.
type message struct {
	topic   string
	payload []byte
}

// subscription defines register/unregister requests.
type subscription struct {
	topic  string
	client Subscriber
}

// NewHub creates an initialized Hub.
func NewHub() *Hub {
	h := &Hub{
		clients:   make(map[string]map[Subscriber]struct{}),
		register:  make(chan subscription),
		unreg:     make(chan subscription),
		broadcast: make(chan message),
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	for {
		select {
		case sub := <-h.register:
			h.mu.Lock()
			if _, ok := h.clients[sub.topic]; !ok {
				h.clients[sub.topic] = make(map[Subscriber]struct{})
			}
			h.clients[sub.topic][sub.client] = struct{}{}
			h.mu.Unlock()
		case sub := <-h.unreg:
			h.mu.Lock()
			if clients, ok := h.clients[sub.topic]; ok {
				delete(clients, sub.client)
				if len(clients) == 0 {
					delete(h.clients, sub.topic)
				}
			}
			h.mu.Unlock()
		case msg := <-h.broadcast:
			h.mu.Lock()
			if clients, ok := h.clients[msg.topic]; ok {
				for c := range clients {
					if err := c.Send(msg.payload); err != nil {
						c.Close()
						delete(clients, c)
					}
				}
				if len(clients) == 0 {
					delete(h.clients, msg.topic)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Register adds a client to a topic stream.
func (h *Hub) Register(topic string, client Subscriber) {
	h.register <- subscription{topic: topic, client: client}
}

// Unregister removes a client.
func (h *Hub) Unregister(topic string, client Subscriber) {
	h.unreg <- subscription{topic: topic, client: client}
}

// Broadcast sends payload to all topic subscribers.
func (h *Hub) Broadcast(topic string, payload []byte) {
	h.broadcast <- message{topic: topic, payload: payload}
}

// Count reports current subscribers on a topic.
func (h *Hub) Count(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[topic])
}
