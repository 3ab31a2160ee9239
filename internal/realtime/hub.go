// Package realtime streams risk decisions to analysts over WebSocket.
//
// Analysts working the review queues subscribe with a minimum risk level
// (MÉDIO by default) and optionally narrow the feed to specific users or
// merchant categories. Subscriptions can be changed at any time by sending
// a new Subscription as a JSON text message.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mbd888/fraudguard/internal/events"
	"github.com/mbd888/fraudguard/internal/metrics"
	"github.com/mbd888/fraudguard/internal/risk"
)

// ErrBacklogFull is returned by Publish when the broadcast queue is full.
var ErrBacklogFull = errors.New("realtime: broadcast backlog full")

// normalCloseCodes are WebSocket close codes that indicate an expected disconnect.
var normalCloseCodes = []int{
	websocket.CloseNormalClosure,
	websocket.CloseGoingAway,
	websocket.CloseNoStatusReceived,
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true // non-browser clients
		}
		host := r.Host
		return origin == "http://"+host || origin == "https://"+host
	},
}

// Subscription filters the decisions a client receives. Empty lists match
// everything.
type Subscription struct {
	MinLevel   risk.Level `json:"min_level"`
	UserIDs    []string   `json:"user_ids,omitempty"`
	Categories []string   `json:"merchant_categories,omitempty"`
}

// DefaultSubscription is the feed of every decision that needs a human.
func DefaultSubscription() Subscription {
	return Subscription{MinLevel: risk.LevelMedium}
}

// Matches reports whether e passes the subscription's filters.
func (s Subscription) Matches(e *events.Event) bool {
	min := s.MinLevel
	if min == "" {
		min = risk.LevelMedium
	}
	if !e.RiskLevel.AtLeast(min) {
		return false
	}
	if len(s.UserIDs) > 0 && !contains(s.UserIDs, e.UserID) {
		return false
	}
	if len(s.Categories) > 0 && !contains(s.Categories, e.MerchantCategory) {
		return false
	}
	return true
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// Client represents a WebSocket connection
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	mu   sync.RWMutex
	sub  Subscription
}

func (c *Client) subscription() Subscription {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sub
}

// MaxClients is the default limit of concurrent review feed connections.
const MaxClients = 1000

const clientBuffer = 256

// Stats summarizes hub activity.
type Stats struct {
	ConnectedClients int   `json:"connected_clients"`
	TotalEvents      int64 `json:"total_events"`
	DroppedEvents    int64 `json:"dropped_events"`
	TotalClients     int64 `json:"total_clients"`
	PeakClients      int64 `json:"peak_clients"`
}

// Hub fans decision events out to subscribed clients.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan *events.Event
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
	logger     *slog.Logger
	done       chan struct{} // closed when Run exits; rejects late upgrades
	maxClients int

	totalEvents   atomic.Int64
	droppedEvents atomic.Int64
	totalClients  atomic.Int64
	peakClients   atomic.Int64
}

// NewHub creates a hub; maxClients <= 0 uses MaxClients.
func NewHub(logger *slog.Logger, maxClients int) *Hub {
	if maxClients <= 0 {
		maxClients = MaxClients
	}
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan *events.Event, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		logger:     logger,
		done:       make(chan struct{}),
		maxClients: maxClients,
	}
}

// Run starts the hub's main loop
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("review feed started")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				close(client.send) // writePump sends CloseMessage on closed channel
				delete(h.clients, client)
			}
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(0)
			h.logger.Info("review feed stopped")
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.totalClients.Add(1)
			if current := int64(len(h.clients)); current > h.peakClients.Load() {
				h.peakClients.Store(current)
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Debug("review feed client connected", "total", n)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Debug("review feed client disconnected", "total", n)

		case event := <-h.broadcast:
			h.totalEvents.Add(1)
			h.deliver(event)
		}
	}
}

// deliver sends event to matching clients, dropping any whose buffer is full.
func (h *Hub) deliver(event *events.Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		h.logger.Error("encode decision event", "error", err)
		return
	}

	h.mu.RLock()
	var slow []*Client
	for client := range h.clients {
		if !client.subscription().Matches(event) {
			continue
		}
		select {
		case client.send <- payload:
		default:
			slow = append(slow, client)
		}
	}
	h.mu.RUnlock()

	if len(slow) == 0 {
		return
	}
	h.mu.Lock()
	for _, client := range slow {
		if _, ok := h.clients[client]; ok {
			close(client.send)
			delete(h.clients, client)
		}
	}
	n := len(h.clients)
	h.mu.Unlock()
	metrics.ActiveWebSocketClients.Set(float64(n))
	h.logger.Warn("dropped slow review feed clients", "count", len(slow))
}

// Publish queues a decision for broadcast without blocking.
func (h *Hub) Publish(_ context.Context, e events.Event) error {
	select {
	case h.broadcast <- &e:
		metrics.EventsPublishedTotal.WithLabelValues("websocket", "delivered").Inc()
		return nil
	default:
		h.droppedEvents.Add(1)
		metrics.EventsPublishedTotal.WithLabelValues("websocket", "dropped").Inc()
		return ErrBacklogFull
	}
}

// Stats returns hub statistics
func (h *Hub) Stats() Stats {
	h.mu.RLock()
	n := len(h.clients)
	h.mu.RUnlock()

	return Stats{
		ConnectedClients: n,
		TotalEvents:      h.totalEvents.Load(),
		DroppedEvents:    h.droppedEvents.Load(),
		TotalClients:     h.totalClients.Load(),
		PeakClients:      h.peakClients.Load(),
	}
}

// subscriptionFromQuery reads ?min_level=, ?user_id= and ?category=.
func subscriptionFromQuery(r *http.Request) (Subscription, bool) {
	sub := DefaultSubscription()
	q := r.URL.Query()
	if raw := q.Get("min_level"); raw != "" {
		level, ok := risk.ParseLevel(raw)
		if !ok {
			return sub, false
		}
		sub.MinLevel = level
	}
	for _, v := range q["user_id"] {
		if v = strings.TrimSpace(v); v != "" {
			sub.UserIDs = append(sub.UserIDs, v)
		}
	}
	for _, v := range q["category"] {
		if v = strings.TrimSpace(v); v != "" {
			sub.Categories = append(sub.Categories, v)
		}
	}
	return sub, true
}

// HandleWebSocket upgrades HTTP to WebSocket
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	select {
	case <-h.done:
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	sub, ok := subscriptionFromQuery(r)
	if !ok {
		http.Error(w, "invalid min_level", http.StatusBadRequest)
		return
	}

	h.mu.RLock()
	n := len(h.clients)
	h.mu.RUnlock()
	if n >= h.maxClients {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	client := &Client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, clientBuffer),
		sub:  sub,
	}

	select {
	case h.register <- client:
	case <-h.done:
		_ = conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

// readPump applies subscription updates until the connection closes.
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(16 * 1024)
	_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, normalCloseCodes...) {
				c.hub.logger.Debug("websocket read error", "error", err)
			}
			return
		}

		var sub Subscription
		if err := json.Unmarshal(message, &sub); err != nil {
			continue
		}
		if sub.MinLevel != "" {
			level, ok := risk.ParseLevel(string(sub.MinLevel))
			if !ok {
				continue
			}
			sub.MinLevel = level
		}
		c.mu.Lock()
		c.sub = sub
		c.mu.Unlock()
	}
}

// writePump writes messages to WebSocket
func (c *Client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.hub.logger.Debug("websocket write error", "error", err)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
