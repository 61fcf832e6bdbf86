package websocket

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/servitor-dev/servitor/internal/agent"
	"github.com/servitor-dev/servitor/internal/common/logger"
)

// Hub tracks connected clients and pushes global status transitions to all
// of them. Per-workspace event subscriptions live on the clients themselves.
type Hub struct {
	registry *agent.Manager
	logger   *logger.Logger

	register   chan *Client
	unregister chan *Client

	mu      sync.RWMutex
	clients map[*Client]bool
}

// NewHub builds a hub fanning out from the given registry.
func NewHub(registry *agent.Manager, log *logger.Logger) *Hub {
	return &Hub{
		registry:   registry,
		logger:     log.WithFields(zap.String("component", "ws-hub")),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		clients:    make(map[*Client]bool),
	}
}

// Run processes client lifecycle until ctx is canceled. It holds one global
// status subscription for the life of the hub; each connecting client gets
// a snapshot first so it never misses a transition.
func (h *Hub) Run(ctx context.Context) {
	_, unsubscribe := h.registry.SubscribeGlobalStatus(func(ev agent.StatusEvent) {
		data, err := statusMessage(ev)
		if err != nil {
			return
		}
		h.broadcast(data)
	})
	defer unsubscribe()

	h.logger.Info("websocket hub started")
	defer h.logger.Info("websocket hub stopped")

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.Debug("client connected", zap.String("client_id", client.ID))

			if data, err := snapshotMessage(h.registry.GetAllStatuses()); err == nil {
				client.enqueue(data)
			}

		case client := <-h.unregister:
			h.remove(client)
		}
	}
}

// Register hands a new client to the hub loop.
func (h *Hub) Register(c *Client) {
	h.register <- c
}

// Unregister detaches a client; safe to call more than once.
func (h *Hub) Unregister(c *Client) {
	h.unregister <- c
}

func (h *Hub) remove(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	c.teardown()
	h.logger.Debug("client disconnected", zap.String("client_id", c.ID))
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		c.teardown()
		delete(h.clients, c)
	}
}

func (h *Hub) broadcast(data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		c.enqueue(data)
	}
}
