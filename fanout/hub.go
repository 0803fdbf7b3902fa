// Package fanout delivers freshly created notifications to every live
// connection of their recipient. Delivery here is best effort ("push when
// connected"); the backfill query owns correctness after any gap.
package fanout

import (
	"sync"

	log "github.com/sirupsen/logrus"

	"billing-pipeline/domain"
)

const defaultChannelBuffer = 16

// Conn is one live, process-local push channel for a connected session.
// Created on connect, destroyed on disconnect or error, never persisted.
type Conn struct {
	userID string
	ch     chan domain.Notification
	hub    *Hub
	once   sync.Once
}

// Events returns the channel notifications are delivered on. It is closed
// when the connection is dropped, including when the consumer falls behind.
func (c *Conn) Events() <-chan domain.Notification {
	return c.ch
}

// Close unregisters the connection. Safe to call more than once.
func (c *Conn) Close() {
	c.hub.unregister(c)
}

// Hub is the live-channel registry. A user may hold several connections at
// once (multiple tabs or devices); each receives every broadcast.
type Hub struct {
	mu     sync.Mutex
	conns  map[string]map[*Conn]struct{}
	buffer int
	log    *log.Logger
}

// NewHub creates a Hub whose per-connection buffer holds buffer pending
// notifications; zero or negative selects the default.
func NewHub(logger *log.Logger, buffer int) *Hub {
	if logger == nil {
		panic("fanout: logger is required")
	}
	if buffer <= 0 {
		buffer = defaultChannelBuffer
	}
	return &Hub{
		conns:  make(map[string]map[*Conn]struct{}),
		buffer: buffer,
		log:    logger,
	}
}

// Register opens a connection for userID.
func (h *Hub) Register(userID string) *Conn {
	c := &Conn{userID: userID, ch: make(chan domain.Notification, h.buffer), hub: h}
	h.mu.Lock()
	set, ok := h.conns[userID]
	if !ok {
		set = make(map[*Conn]struct{})
		h.conns[userID] = set
	}
	set[c] = struct{}{}
	h.mu.Unlock()
	h.log.WithField("user", userID).Debug("live channel opened")
	return c
}

func (h *Hub) unregister(c *Conn) {
	h.mu.Lock()
	removed := h.removeLocked(c)
	h.mu.Unlock()
	if removed {
		c.once.Do(func() { close(c.ch) })
		h.log.WithField("user", c.userID).Debug("live channel closed")
	}
}

// removeLocked detaches c from the registry and reports whether it was still
// registered. Callers hold h.mu.
func (h *Hub) removeLocked(c *Conn) bool {
	set, ok := h.conns[c.userID]
	if !ok {
		return false
	}
	if _, ok := set[c]; !ok {
		return false
	}
	delete(set, c)
	if len(set) == 0 {
		delete(h.conns, c.userID)
	}
	return true
}

// Broadcast pushes n to every open connection of its recipient, in creation
// order per connection. A connection whose buffer is full cannot keep up and
// is dropped instead of buffered without bound; its consumer reconnects and
// backfills. Broadcast never blocks on a consumer.
func (h *Hub) Broadcast(n domain.Notification) {
	var dropped []*Conn
	h.mu.Lock()
	for c := range h.conns[n.RecipientUserID] {
		select {
		case c.ch <- n:
		default:
			dropped = append(dropped, c)
		}
	}
	for _, c := range dropped {
		h.removeLocked(c)
	}
	h.mu.Unlock()

	for _, c := range dropped {
		c.once.Do(func() { close(c.ch) })
		h.log.WithField("user", c.userID).Warn("slow consumer, live channel dropped")
	}
}

// Connected reports the number of open connections for userID.
func (h *Hub) Connected(userID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns[userID])
}
