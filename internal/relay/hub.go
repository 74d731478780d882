package relay

import (
	"sync"

	"github.com/clubhouse/callengine/internal/domain"

	"github.com/sirupsen/logrus"
)

// Envelope delivery outcomes reported to Metrics.
const (
	StatusDelivered   = "delivered"
	StatusOffline     = "offline"
	StatusRateLimited = "rate_limited"
)

// Metrics observes relay traffic.
type Metrics interface {
	ConnectionOpened()
	ConnectionClosed()
	Envelope(status string)
}

type nopMetrics struct{}

func (nopMetrics) ConnectionOpened() {}
func (nopMetrics) ConnectionClosed() {}
func (nopMetrics) Envelope(string)   {}

// Hub tracks live connections by identity. An identity may hold several
// connections; envelopes fan out to all of them.
type Hub struct {
	mu      sync.RWMutex
	clients map[domain.Identity]map[*conn]bool

	metrics Metrics
	log     *logrus.Entry
}

// NewHub creates an empty hub.
func NewHub(m Metrics, log *logrus.Entry) *Hub {
	if m == nil {
		m = nopMetrics{}
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Hub{
		clients: make(map[domain.Identity]map[*conn]bool),
		metrics: m,
		log:     log.WithField("component", "hub"),
	}
}

func (h *Hub) add(c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[c.identity]; !ok {
		h.clients[c.identity] = make(map[*conn]bool)
	}
	h.clients[c.identity][c] = true
	h.metrics.ConnectionOpened()

	h.log.WithFields(logrus.Fields{
		"identity":    c.identity,
		"conn_id":     c.id,
		"connections": len(h.clients[c.identity]),
	}).Info("client connected")
}

// remove unregisters c and closes its send queue. Safe to call twice.
func (h *Hub) remove(c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	clients, ok := h.clients[c.identity]
	if !ok || !clients[c] {
		return
	}
	delete(clients, c)
	close(c.send)
	h.metrics.ConnectionClosed()
	if len(clients) == 0 {
		delete(h.clients, c.identity)
	}

	h.log.WithFields(logrus.Fields{
		"identity":  c.identity,
		"conn_id":   c.id,
		"remaining": len(clients),
	}).Info("client disconnected")
}

// Online reports whether id has at least one connection.
func (h *Hub) Online(id domain.Identity) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[id]) > 0
}

// deliver queues data on every connection of to and returns how many
// connections accepted it. Slow connections with a full queue are dropped.
func (h *Hub) deliver(to domain.Identity, data []byte) int {
	var slow []*conn
	n := 0

	h.mu.RLock()
	for c := range h.clients[to] {
		select {
		case c.send <- data:
			n++
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.log.WithField("conn_id", c.id).Warn("send queue full, dropping connection")
		h.remove(c)
	}
	return n
}

// Shutdown disconnects every client.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	var all []*conn
	for _, set := range h.clients {
		for c := range set {
			all = append(all, c)
		}
	}
	h.mu.Unlock()

	for _, c := range all {
		h.remove(c)
	}
}
