package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/servitor-dev/servitor/internal/agent"
)

// heartbeatInterval keeps proxies from reaping idle SSE connections.
const heartbeatInterval = 15 * time.Second

// streamBufferSize bounds how far a slow SSE client may lag before frames
// are dropped.
const streamBufferSize = 64

func sseHeaders(c *gin.Context) (http.Flusher, bool) {
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming unsupported"})
		return nil, false
	}
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	return flusher, true
}

func writeSSE(c *gin.Context, flusher http.Flusher, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(c.Writer, "data: %s\n\n", data); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

func writeHeartbeat(c *gin.Context, flusher http.Flusher) error {
	if _, err := fmt.Fprint(c.Writer, ": heartbeat\n\n"); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

// connectedEvent opens every conversation stream so the client can render
// current state before any live event arrives.
type connectedEvent struct {
	Type               string      `json:"type"`
	Busy               bool        `json:"busy"`
	ExecutionMode      string      `json:"executionMode,omitempty"`
	PendingInteraction interface{} `json:"pendingInteraction,omitempty"`
}

func (s *Server) handleConversationStream(c *gin.Context) {
	name, dir, ok := s.resolveWorkspace(c)
	if !ok {
		return
	}
	flusher, ok := sseHeaders(c)
	if !ok {
		return
	}

	events := make(chan agent.Event, streamBufferSize)
	unsubscribe := s.registry.Subscribe(name, func(ev agent.Event) {
		select {
		case events <- ev:
		default:
		}
	})
	defer unsubscribe()

	connected := connectedEvent{Type: "connected", Busy: s.registry.IsBusy(name)}
	if meta, err := s.convs.GetMeta(dir); err == nil {
		connected.ExecutionMode = string(meta.ExecutionMode)
		if meta.PendingInteraction != nil {
			connected.PendingInteraction = meta.PendingInteraction
		}
	}
	if err := writeSSE(c, flusher, connected); err != nil {
		return
	}

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			if err := writeSSE(c, flusher, ev); err != nil {
				return
			}
		case <-heartbeat.C:
			if err := writeHeartbeat(c, flusher); err != nil {
				return
			}
		}
	}
}

func (s *Server) handleStatusStream(c *gin.Context) {
	flusher, ok := sseHeaders(c)
	if !ok {
		return
	}

	statuses := make(chan agent.StatusEvent, streamBufferSize)
	snapshot, unsubscribe := s.registry.SubscribeGlobalStatus(func(ev agent.StatusEvent) {
		select {
		case statuses <- ev:
		default:
		}
	})
	defer unsubscribe()

	if err := writeSSE(c, flusher, gin.H{"type": "snapshot", "statuses": snapshot}); err != nil {
		return
	}

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-statuses:
			if err := writeSSE(c, flusher, ev); err != nil {
				return
			}
		case <-heartbeat.C:
			if err := writeHeartbeat(c, flusher); err != nil {
				return
			}
		}
	}
}
