package websocket

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/servitor-dev/servitor/internal/common/logger"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The API is same-host or proxied; origin enforcement belongs to the
	// reverse proxy in front of it.
	CheckOrigin: func(*http.Request) bool { return true },
}

// Handler upgrades HTTP requests onto the hub.
func Handler(hub *Hub, log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			log.Warn("websocket upgrade failed", zap.Error(err))
			return
		}

		client := NewClient(uuid.New().String(), conn, hub, log)
		hub.Register(client)

		go client.WritePump()
		go client.ReadPump()
	}
}
