package swcache

import (
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

type ConsumerID string

// BroadcastEvent is sent from the engine to every registered consumer.
type BroadcastEvent interface {
	// Type is the wire tag of the event.
	Type() string
	isBroadcastEvent()
}

// BackOnline follows a successful reachability probe after a failure window.
type BackOnline struct {
	At time.Time `json:"timestamp"`
}

func (BackOnline) Type() string      { return "BACK_ONLINE" }
func (BackOnline) isBroadcastEvent() {}

// PushReceived carries a push notification for consumer-side display.
type PushReceived struct {
	Notification Notification `json:"notification"`
}

func (PushReceived) Type() string      { return "PUSH_RECEIVED" }
func (PushReceived) isBroadcastEvent() {}

// Subscription is a consumer's handle on the hub.
type Subscription struct {
	ID     ConsumerID
	Events <-chan BroadcastEvent
}

type consumer struct {
	events     chan BroadcastEvent
	controlled bool
}

// Hub tracks registered consumers. Broadcasts never block: a consumer whose
// buffer is full misses the event.
type Hub struct {
	mu        sync.RWMutex
	consumers map[ConsumerID]*consumer
	claimed   bool
	buffer    int
	dropLog   *rateLimitedLogger
}

func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = 16
	}
	return &Hub{
		consumers: map[ConsumerID]*consumer{},
		buffer:    buffer,
		dropLog:   newRateLimitedLogger(time.Minute),
	}
}

// Register adds a consumer. Once the hub has claimed its consumers, new ones
// start out controlled.
func (h *Hub) Register() *Subscription {
	id := ConsumerID(uuid.NewString())
	c := &consumer{events: make(chan BroadcastEvent, h.buffer)}
	h.mu.Lock()
	c.controlled = h.claimed
	h.consumers[id] = c
	h.mu.Unlock()
	return &Subscription{ID: id, Events: c.events}
}

func (h *Hub) Unregister(id ConsumerID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.consumers[id]
	if !ok {
		return
	}
	delete(h.consumers, id)
	close(c.events)
}

// Broadcast delivers ev to every consumer and returns how many received it.
func (h *Hub) Broadcast(ev BroadcastEvent) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for id, c := range h.consumers {
		select {
		case c.events <- ev:
			n++
		default:
			h.dropLog.Printf("drop:"+string(id), "swcache: consumer %s is not reading, dropped %s", id, ev.Type())
		}
	}
	return n
}

// Claim takes control of every registered consumer and returns how many
// were newly claimed.
func (h *Hub) Claim() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.claimed = true
	n := 0
	for _, c := range h.consumers {
		if !c.controlled {
			c.controlled = true
			n++
		}
	}
	if n > 0 {
		log.Printf("swcache: claimed %d consumers", n)
	}
	return n
}

func (h *Hub) Controlled(id ConsumerID) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.consumers[id]
	return ok && c.controlled
}

func (h *Hub) Known(id ConsumerID) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.consumers[id]
	return ok
}

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.consumers)
}
