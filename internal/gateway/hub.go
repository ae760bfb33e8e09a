// Package gateway is the Go side of the presentation shell: it serves one
// chart session per WebSocket connection, proxies widget and overlay
// operations to the browser renderer, and exposes the REST API.
package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"chartdesk/internal/chart"
	"chartdesk/internal/feed"
	"chartdesk/internal/layout"
	"chartdesk/internal/metrics"
	"chartdesk/internal/model"

	"github.com/gorilla/websocket"
)

// Deps are the shared services every chart session uses.
type Deps struct {
	Series  chart.Loader
	Layouts *layout.Service
	Feed    feed.Factory
	// Events announces series refreshed by any instance. Nil disables it.
	Events SeriesEvents

	TickInterval  time.Duration
	GridSize      float64
	SnapThreshold float64
	Theme         model.Theme

	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Hub tracks connected clients and fans out series refresh events.
type Hub struct {
	ctx  context.Context
	deps Deps
	log  *slog.Logger

	mu      sync.RWMutex
	clients map[*Client]bool

	// Loads records how long sessions wait for a chart to go live.
	Loads *LoadTimes
}

// NewHub creates a hub. Sessions live no longer than ctx.
func NewHub(ctx context.Context, deps Deps) *Hub {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Theme.Name == "" {
		deps.Theme = model.DarkTheme()
	}
	return &Hub{
		ctx:     ctx,
		deps:    deps,
		log:     deps.Logger.With("component", "gateway"),
		clients: make(map[*Client]bool),
		Loads:   NewLoadTimes(1000),
	}
}

// HandleWS upgrades the request and starts a chart session on it.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("ws upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}
	h.attach(conn)
}

func (h *Hub) attach(conn *websocket.Conn) *Client {
	c := &Client{
		conn:    conn,
		hub:     h,
		out:     make(chan []byte, 512),
		metrics: h.deps.Metrics,
		log:     h.log,
	}
	c.session = newSession(h.ctx, c, h.deps, h.Loads)
	c.log = c.session.log

	conn.EnableWriteCompression(true)

	h.mu.Lock()
	h.clients[c] = true
	count := len(h.clients)
	h.mu.Unlock()

	h.deps.Metrics.SessionOpened()
	c.log.Info("ws client connected", "clients", count)

	go c.writePump()
	go c.readPump()
	return c
}

// RemoveClient closes the client's session and send queue.
func (h *Hub) RemoveClient(c *Client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	h.mu.Unlock()
	if !ok {
		return
	}
	c.session.close()
	c.closeSend()
	h.deps.Metrics.SessionClosed()
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// notifySeries tells every session showing key that a newer bar exists.
func (h *Hub) notifySeries(key string, bar []byte) {
	env := Envelope{Type: "series", Op: "refreshed", Data: map[string]any{
		"key": key,
		"bar": rawJSON(bar),
	}}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if c.session.showing(key) {
			c.send(env)
		}
	}
}
