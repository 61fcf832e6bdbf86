package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/servitor-dev/servitor/internal/conversation"
	"github.com/servitor-dev/servitor/internal/workspace"
)

type createWorkspaceRequest struct {
	Name string `json:"name" binding:"required"`
}

type workspaceResponse struct {
	*workspace.Workspace
	Busy               bool        `json:"busy"`
	PendingInteraction interface{} `json:"pendingInteraction,omitempty"`
	ExecutionMode      string      `json:"executionMode,omitempty"`
}

func (s *Server) workspaceResponse(c *gin.Context, ws *workspace.Workspace) workspaceResponse {
	resp := workspaceResponse{
		Workspace: ws,
		Busy:      s.registry.IsBusy(ws.Name),
	}
	meta, err := s.convs.GetMeta(ws.Path)
	if err == nil {
		resp.ExecutionMode = string(meta.ExecutionMode)
		if meta.PendingInteraction != nil {
			resp.PendingInteraction = meta.PendingInteraction
		}
	} else if !errors.Is(err, conversation.ErrNotFound) {
		s.logger.WithWorkspace(ws.Name).WithError(err).Warn("failed to load conversation meta")
	}
	return resp
}

func (s *Server) handleListWorkspaces(c *gin.Context) {
	list, err := s.workspaces.List(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	out := make([]workspaceResponse, 0, len(list))
	for _, ws := range list {
		out = append(out, s.workspaceResponse(c, ws))
	}
	c.JSON(http.StatusOK, gin.H{"workspaces": out})
}

func (s *Server) handleGetWorkspace(c *gin.Context) {
	ws, err := s.workspaces.Get(c.Request.Context(), c.Param("name"))
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, workspace.ErrWorkspaceNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, s.workspaceResponse(c, ws))
}

func (s *Server) handleCreateWorkspace(c *gin.Context) {
	var req createWorkspaceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ws, err := s.workspaces.Create(c.Request.Context(), req.Name)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, s.workspaceResponse(c, ws))
}

func (s *Server) handleDeleteWorkspace(c *gin.Context) {
	name := c.Param("name")
	// A running agent holds files open inside the worktree.
	s.registry.KillProcess(name)

	deleteBranch := c.Query("deleteBranch") == "true"
	if err := s.workspaces.Delete(c.Request.Context(), name, deleteBranch); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, workspace.ErrWorkspaceNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}
