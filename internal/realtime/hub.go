// Package realtime streams reservation lifecycle events over WebSocket.
//
// Clients connect to /ws and receive every event by default. Sending a
// Subscription JSON message narrows the stream to event types, parties or
// listings.
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mbd888/reservo/internal/metrics"
	"github.com/mbd888/reservo/internal/reservation"
)

const (
	// DefaultMaxClients caps concurrent WebSocket connections.
	DefaultMaxClients = 10000

	sendBuffer      = 256
	queueSize       = 256
	maxMessageBytes = 4 << 10
	pongWait        = 60 * time.Second
	pingEvery       = 30 * time.Second
	writeWait       = 10 * time.Second
)

// expectedClose lists close codes that are not worth logging.
var expectedClose = []int{
	websocket.CloseNormalClosure,
	websocket.CloseGoingAway,
	websocket.CloseNoStatusReceived,
}

// Event is the wire form of a reservation lifecycle event.
type Event struct {
	Type        string                   `json:"type"`
	Timestamp   time.Time                `json:"timestamp"`
	Reservation *reservation.Reservation `json:"reservation"`
}

// Subscription filters for a client. Empty filters match everything.
type Subscription struct {
	AllEvents  bool     `json:"allEvents"`
	EventTypes []string `json:"eventTypes"`
	Parties    []string `json:"parties"` // renter or owner address
	ListingIDs []uint64 `json:"listingIds"`
}

// Client is one WebSocket connection and its current subscription.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	mu   sync.RWMutex
	sub  Subscription
}

// Stats is a point-in-time view of the hub, served on the info endpoint.
type Stats struct {
	ConnectedClients int   `json:"connectedClients"`
	PeakClients      int64 `json:"peakClients"`
	TotalClients     int64 `json:"totalClients"`
	TotalEvents      int64 `json:"totalEvents"`
	DroppedEvents    int64 `json:"droppedEvents"`
}

// Option configures a Hub.
type Option func(*Hub)

// WithAllowedOrigins accepts browser connections from these origins. With no
// origins only same-host browsers may connect; "*" accepts any origin.
func WithAllowedOrigins(origins []string) Option {
	return func(h *Hub) {
		h.origins = origins
	}
}

// WithMaxClients overrides DefaultMaxClients.
func WithMaxClients(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.maxClients = n
		}
	}
}

// Hub fans events out to connected clients. It implements
// reservation.EventSink; Publish never blocks the engine.
type Hub struct {
	logger     *slog.Logger
	upgrader   websocket.Upgrader
	origins    []string
	maxClients int
	now        func() time.Time

	mu      sync.RWMutex
	clients map[*Client]struct{}

	queue      chan *Event
	register   chan *Client
	unregister chan *Client
	done       chan struct{} // closed when Run exits

	totalEvents   atomic.Int64
	droppedEvents atomic.Int64
	totalClients  atomic.Int64
	peakClients   atomic.Int64
}

var _ reservation.EventSink = (*Hub)(nil)

// NewHub creates a hub. Call Run to start delivering.
func NewHub(logger *slog.Logger, opts ...Option) *Hub {
	h := &Hub{
		logger:     logger,
		maxClients: DefaultMaxClients,
		now:        time.Now,
		clients:    make(map[*Client]struct{}),
		queue:      make(chan *Event, queueSize),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true // not a browser
	}
	if len(h.origins) == 0 {
		return origin == "http://"+r.Host || origin == "https://"+r.Host
	}
	return slices.Contains(h.origins, "*") || slices.Contains(h.origins, origin)
}

// Run owns the client set until ctx is done, then closes every connection.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("realtime hub started")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.dropAll()
			h.logger.Info("realtime hub stopped")
			return
		case c := <-h.register:
			h.add(c)
		case c := <-h.unregister:
			h.remove(c)
		case ev := <-h.queue:
			h.deliver(ev)
		}
	}
}

func (h *Hub) add(c *Client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()

	h.totalClients.Add(1)
	if int64(n) > h.peakClients.Load() {
		h.peakClients.Store(int64(n))
	}
	metrics.ActiveWebSocketClients.Set(float64(n))
	h.logger.Debug("websocket client connected", "clients", n)
}

// remove closes the client's send channel, which makes writePump hang up.
func (h *Hub) remove(clients ...*Client) int {
	h.mu.Lock()
	for _, c := range clients {
		if _, ok := h.clients[c]; ok {
			delete(h.clients, c)
			close(c.send)
		}
	}
	n := len(h.clients)
	h.mu.Unlock()

	metrics.ActiveWebSocketClients.Set(float64(n))
	return n
}

func (h *Hub) dropAll() {
	h.mu.RLock()
	all := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		all = append(all, c)
	}
	h.mu.RUnlock()
	h.remove(all...)
}

func (h *Hub) deliver(ev *Event) {
	h.totalEvents.Add(1)
	payload, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("failed to encode event", "type", ev.Type, "error", err)
		return
	}

	var slow []*Client
	h.mu.RLock()
	for c := range h.clients {
		if !c.matches(ev) {
			continue
		}
		select {
		case c.send <- payload:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	if len(slow) > 0 {
		n := h.remove(slow...)
		h.logger.Warn("dropped slow websocket clients", "dropped", len(slow), "clients", n)
	}
}

// matches checks the event against the client's subscription.
func (c *Client) matches(ev *Event) bool {
	c.mu.RLock()
	sub := c.sub
	c.mu.RUnlock()

	if sub.AllEvents {
		return true
	}
	if len(sub.EventTypes) > 0 && !slices.Contains(sub.EventTypes, ev.Type) {
		return false
	}

	r := ev.Reservation
	if r == nil {
		return len(sub.Parties) == 0 && len(sub.ListingIDs) == 0
	}
	if len(sub.Parties) > 0 && !slices.ContainsFunc(sub.Parties, func(p string) bool {
		return strings.EqualFold(p, r.Renter) || strings.EqualFold(p, r.Owner)
	}) {
		return false
	}
	return len(sub.ListingIDs) == 0 || slices.Contains(sub.ListingIDs, r.ListingID)
}

// Broadcast queues an event. When the queue is full the event is dropped
// and counted.
func (h *Hub) Broadcast(ev *Event) {
	select {
	case h.queue <- ev:
	default:
		h.droppedEvents.Add(1)
		h.logger.Warn("realtime queue full, dropping event", "type", ev.Type)
	}
}

// Publish implements reservation.EventSink.
func (h *Hub) Publish(_ context.Context, ev reservation.Event) {
	h.Broadcast(&Event{
		Type:        ev.Type,
		Timestamp:   h.now(),
		Reservation: ev.Reservation,
	})
}

// Stats returns hub counters.
func (h *Hub) Stats() Stats {
	h.mu.RLock()
	n := len(h.clients)
	h.mu.RUnlock()

	return Stats{
		ConnectedClients: n,
		PeakClients:      h.peakClients.Load(),
		TotalClients:     h.totalClients.Load(),
		TotalEvents:      h.totalEvents.Load(),
		DroppedEvents:    h.droppedEvents.Load(),
	}
}

// HandleWebSocket upgrades the request and attaches the connection to the hub.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	select {
	case <-h.done:
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	if h.Stats().ConnectedClients >= h.maxClients {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := &Client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, sendBuffer),
		sub:  Subscription{AllEvents: true},
	}
	select {
	case h.register <- c:
	case <-h.done:
		_ = conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}

// readPump applies subscription updates until the connection drops.
// Messages that are not a Subscription are ignored.
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, expectedClose...) {
				c.hub.logger.Debug("websocket read error", "error", err)
			}
			return
		}

		var sub Subscription
		if json.Unmarshal(msg, &sub) != nil {
			continue
		}
		c.mu.Lock()
		c.sub = sub
		c.mu.Unlock()
	}
}

// writePump drains the send channel and pings; a closed channel means the
// hub dropped the client.
func (c *Client) writePump() {
	ping := time.NewTicker(pingEvery)
	defer func() {
		ping.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.hub.logger.Debug("websocket write error", "error", err)
				return
			}
		case <-ping.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
