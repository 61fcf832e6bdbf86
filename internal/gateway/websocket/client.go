package websocket

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/servitor-dev/servitor/internal/agent"
	"github.com/servitor-dev/servitor/internal/common/logger"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	sendBufferSize = 256
)

// Client is one WebSocket connection. It relays global status from the hub
// and manages its own per-workspace event subscriptions against the
// registry.
type Client struct {
	ID   string
	conn *websocket.Conn
	hub  *Hub
	send chan []byte
	log  *logger.Logger

	mu            sync.Mutex
	subscriptions map[string]func()
	closed        bool
}

// NewClient wraps an upgraded connection.
func NewClient(id string, conn *websocket.Conn, hub *Hub, log *logger.Logger) *Client {
	return &Client{
		ID:            id,
		conn:          conn,
		hub:           hub,
		send:          make(chan []byte, sendBufferSize),
		log:           log.WithFields(zap.String("client_id", id)),
		subscriptions: make(map[string]func()),
	}
}

// enqueue hands a frame to the write pump, dropping it when the client is
// too slow to keep up.
func (c *Client) enqueue(data []byte) {
	select {
	case c.send <- data:
	default:
		c.log.Warn("dropping frame for slow client")
	}
}

// teardown detaches all registry subscriptions and closes the send channel.
// Called by the hub exactly once.
func (c *Client) teardown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	for _, unsub := range c.subscriptions {
		unsub()
	}
	c.subscriptions = nil
	close(c.send)
}

// ReadPump consumes subscription requests until the connection drops.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Warn("websocket read error", zap.Error(err))
			}
			return
		}

		var msg InboundMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.sendError("invalid message")
			continue
		}
		c.handle(msg)
	}
}

func (c *Client) handle(msg InboundMessage) {
	if msg.Workspace == "" {
		c.sendError("workspace is required")
		return
	}
	switch msg.Action {
	case ActionSubscribe:
		c.subscribe(msg.Workspace)
	case ActionUnsubscribe:
		c.unsubscribe(msg.Workspace)
	default:
		c.sendError("unknown action: " + msg.Action)
	}
}

func (c *Client) subscribe(workspace string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	if _, ok := c.subscriptions[workspace]; ok {
		return
	}
	c.subscriptions[workspace] = c.hub.registry.Subscribe(workspace, func(ev agent.Event) {
		if data, err := eventMessage(workspace, ev); err == nil {
			c.enqueue(data)
		}
	})
}

func (c *Client) unsubscribe(workspace string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if unsub, ok := c.subscriptions[workspace]; ok {
		unsub()
		delete(c.subscriptions, workspace)
	}
}

func (c *Client) sendError(message string) {
	data, err := json.Marshal(OutboundMessage{Type: MessageTypeError, Message: message})
	if err != nil {
		return
	}
	c.enqueue(data)
}

// WritePump drains the send channel to the connection, pinging to keep
// intermediaries from dropping the socket.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
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
