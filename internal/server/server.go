// Package server provides the HTTP API: workspace management, conversation
// messaging, and the SSE/WebSocket event streams.
package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/servitor-dev/servitor/internal/agent"
	"github.com/servitor-dev/servitor/internal/common/config"
	"github.com/servitor-dev/servitor/internal/common/httpmw"
	"github.com/servitor-dev/servitor/internal/common/logger"
	"github.com/servitor-dev/servitor/internal/conversation"
	gws "github.com/servitor-dev/servitor/internal/gateway/websocket"
	"github.com/servitor-dev/servitor/internal/workspace"
)

// WorkspaceService is the workspace surface the API needs.
type WorkspaceService interface {
	List(ctx context.Context) ([]*workspace.Workspace, error)
	Get(ctx context.Context, name string) (*workspace.Workspace, error)
	Create(ctx context.Context, name string) (*workspace.Workspace, error)
	Delete(ctx context.Context, name string, deleteBranch bool) error
	Resolve(ctx context.Context, name string) (string, error)
}

// Server is the HTTP API server.
type Server struct {
	cfg        *config.Config
	logger     *logger.Logger
	router     *gin.Engine
	httpServer *http.Server

	registry   *agent.Manager
	convs      *conversation.Store
	workspaces WorkspaceService
	hub        *gws.Hub
}

// NewServer wires the API around the registry and stores.
func NewServer(cfg *config.Config, registry *agent.Manager, convs *conversation.Store, workspaces WorkspaceService, hub *gws.Hub, log *logger.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		cfg:        cfg,
		logger:     log.WithFields(zap.String("component", "api-server")),
		router:     gin.New(),
		registry:   registry,
		convs:      convs,
		workspaces: workspaces,
		hub:        hub,
	}
	s.router.Use(gin.Recovery())
	s.router.Use(httpmw.RequestLogger(s.logger, "servitor"))
	s.setupRoutes()
	return s
}

// Router returns the HTTP handler, for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)

	api := s.router.Group("/api/v1")
	{
		api.GET("/workspaces", s.handleListWorkspaces)
		api.POST("/workspaces", s.handleCreateWorkspace)
		api.GET("/workspaces/:name", s.handleGetWorkspace)
		api.DELETE("/workspaces/:name", s.handleDeleteWorkspace)

		api.GET("/workspaces/:name/messages", s.handleGetMessages)
		api.GET("/workspaces/:name/attachments/:file", s.handleGetAttachment)
		api.POST("/workspaces/:name/messages", s.handleSendMessage)
		api.POST("/workspaces/:name/answer", s.handleAnswer)
		api.POST("/workspaces/:name/tool-result", s.handleToolResult)
		api.POST("/workspaces/:name/kill", s.handleKill)
		api.PUT("/workspaces/:name/mode", s.handleSetMode)
		api.GET("/workspaces/:name/stream", s.handleConversationStream)

		api.GET("/status/stream", s.handleStatusStream)
		api.GET("/ws", gws.Handler(s.hub, s.logger))
	}
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)
	s.httpServer = &http.Server{
		Addr:        addr,
		Handler:     s.router,
		ReadTimeout: s.cfg.Server.ReadTimeoutDuration(),
		// Write timeout must stay unset: SSE responses are open-ended.
	}
	s.logger.Info("http server listening", zap.String("addr", addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
