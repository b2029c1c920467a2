// Package ws pushes status broadcasts to WebSocket observers. The channel is
// one-way: clients may only narrow which symbols they receive.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/titanhub/internal/domain"
	"github.com/alanyoungcy/titanhub/internal/metrics"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBufferSize = 256
)

// Snapshot supplies the payload of the CONNECTED greeting.
type Snapshot func() map[string]any

// Config holds hub settings.
type Config struct {
	// AllowedOrigins restricts browser origins. Empty allows all.
	AllowedOrigins []string
	// Snapshot, when set, is sent to each client on connect.
	Snapshot Snapshot
}

// client is one WebSocket connection. An empty symbols set means no filter.
type client struct {
	hub     *Hub
	conn    *websocket.Conn
	send    chan []byte
	mu      sync.RWMutex
	symbols map[string]bool
	closed  bool
}

// controlMsg is the only frame clients send: a symbol filter change.
type controlMsg struct {
	Action  string   `json:"action"` // subscribe, unsubscribe, ping
	Symbols []string `json:"symbols"`
}

// outbound is a status message encoded once and routed by symbol.
type outbound struct {
	symbol string
	data   []byte
}

// Hub fans status messages out to connected clients. With a SignalBus it
// relays the shared status channel so every hub instance sees every
// broadcast; without one, Broadcast delivers directly.
type Hub struct {
	cfg      Config
	bus      domain.SignalBus
	metrics  *metrics.Metrics
	logger   *slog.Logger
	upgrader websocket.Upgrader

	clients    map[*client]bool
	broadcast  chan outbound
	register   chan *client
	unregister chan *client
	done       chan struct{}
	mu         sync.RWMutex
}

// NewHub creates a hub. bus may be nil.
func NewHub(bus domain.SignalBus, cfg Config, m *metrics.Metrics, logger *slog.Logger) *Hub {
	h := &Hub{
		cfg:        cfg,
		bus:        bus,
		metrics:    m,
		logger:     logger.With(slog.String("component", "ws_hub")),
		clients:    make(map[*client]bool),
		broadcast:  make(chan outbound, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		done:       make(chan struct{}),
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
	if origin == "" || len(h.cfg.AllowedOrigins) == 0 {
		return true
	}
	for _, o := range h.cfg.AllowedOrigins {
		if o == "*" || strings.EqualFold(o, origin) {
			return true
		}
	}
	return false
}

// Broadcast encodes msg and queues it for delivery. It implements the status
// sink used by the status publisher.
func (h *Hub) Broadcast(ctx context.Context, msg domain.StatusMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("ws: encode %s: %w", msg.Type, err)
	}
	return h.enqueue(ctx, outbound{symbol: msg.Symbol, data: data})
}

func (h *Hub) enqueue(ctx context.Context, out outbound) error {
	select {
	case h.broadcast <- out:
		return nil
	case <-h.done:
		return fmt.Errorf("ws: hub stopped")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run drives registration and fan-out until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) error {
	defer close(h.done)
	if h.bus != nil {
		go h.relay(ctx)
	}

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				c.close()
				delete(h.clients, c)
			}
			h.mu.Unlock()
			h.metrics.SetWSClients(0)
			return ctx.Err()

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			n := len(h.clients)
			h.mu.Unlock()
			h.metrics.SetWSClients(n)
			h.logger.Info("ws: client connected", slog.Int("total_clients", n))

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				c.close()
			}
			n := len(h.clients)
			h.mu.Unlock()
			h.metrics.SetWSClients(n)
			h.logger.Info("ws: client disconnected", slog.Int("total_clients", n))

		case msg := <-h.broadcast:
			h.deliver(msg)
		}
	}
}

func (h *Hub) deliver(msg outbound) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if !c.wants(msg.symbol) {
			continue
		}
		select {
		case c.send <- msg.data:
		default:
			h.metrics.StatusDrop()
			h.logger.Warn("ws: dropping message for slow client")
		}
	}
}

// relay forwards the shared status channel to local clients.
func (h *Hub) relay(ctx context.Context) {
	msgs, err := h.bus.Subscribe(ctx, domain.ChannelStatus)
	if err != nil {
		h.logger.Error("ws: failed to subscribe to status channel",
			slog.String("channel", domain.ChannelStatus),
			slog.String("error", err.Error()),
		)
		return
	}
	h.logger.Info("ws: subscribed to status channel", slog.String("channel", domain.ChannelStatus))

	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-msgs:
			if !ok {
				h.logger.Warn("ws: status subscription closed")
				return
			}
			var head struct {
				Symbol string `json:"symbol"`
			}
			if err := json.Unmarshal(data, &head); err != nil {
				h.logger.Warn("ws: dropping malformed status payload", slog.String("error", err.Error()))
				continue
			}
			if err := h.enqueue(ctx, outbound{symbol: head.Symbol, data: data}); err != nil {
				return
			}
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// HandleWS upgrades the request and registers the client.
// GET /ws?symbols=BTCUSDT,ETHUSDT
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("ws: upgrade failed", slog.String("error", err.Error()))
		return
	}

	c := &client{
		hub:     h,
		conn:    conn,
		send:    make(chan []byte, sendBufferSize),
		symbols: make(map[string]bool),
	}
	if q := r.URL.Query().Get("symbols"); q != "" {
		c.subscribe(strings.Split(q, ","))
	}
	c.greet()

	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}

// wants reports whether the client receives messages for symbol. Messages
// without a symbol reach everyone.
func (c *client) wants(symbol string) bool {
	if symbol == "" {
		return true
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.symbols) == 0 || c.symbols[strings.ToUpper(symbol)]
}

func (c *client) subscribe(symbols []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range symbols {
		if s = strings.ToUpper(strings.TrimSpace(s)); s != "" {
			c.symbols[s] = true
		}
	}
}

func (c *client) unsubscribe(symbols []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(symbols) == 0 {
		c.symbols = make(map[string]bool)
		return
	}
	for _, s := range symbols {
		delete(c.symbols, strings.ToUpper(strings.TrimSpace(s)))
	}
}

func (c *client) filter() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.symbols))
	for s := range c.symbols {
		out = append(out, s)
	}
	return out
}

func (c *client) handleControl(msg controlMsg) {
	switch strings.ToLower(msg.Action) {
	case "subscribe":
		c.subscribe(msg.Symbols)
	case "unsubscribe":
		c.unsubscribe(msg.Symbols)
	case "ping":
	default:
		return
	}
	c.reply(map[string]any{"type": "SUBSCRIPTIONS", "symbols": c.filter()})
}

// greet queues the CONNECTED message ahead of any broadcast.
func (c *client) greet() {
	payload := map[string]any{"type": "CONNECTED", "symbols": c.filter()}
	if c.hub.cfg.Snapshot != nil {
		payload["data"] = c.hub.cfg.Snapshot()
	}
	c.reply(payload)
}

// close ends the write pump. Replies racing with it are dropped.
func (c *client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *client) reply(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

func (c *client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("ws: unexpected close error",
					slog.String("error", err.Error()),
				)
			}
			return
		}
		var msg controlMsg
		if err := json.Unmarshal(message, &msg); err == nil && msg.Action != "" {
			c.handleControl(msg)
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
