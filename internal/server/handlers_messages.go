package server

import (
	"encoding/base64"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/servitor-dev/servitor/internal/agent"
	"github.com/servitor-dev/servitor/internal/conversation"
	"github.com/servitor-dev/servitor/internal/workspace"
)

type attachmentRequest struct {
	Name      string `json:"name" binding:"required"`
	Data      string `json:"data" binding:"required"` // base64
	MediaType string `json:"mediaType"`
}

type sendMessageRequest struct {
	ID            string              `json:"id"`
	Content       string              `json:"content" binding:"required"`
	ExecutionMode agent.ExecutionMode `json:"executionMode"`
	Attachments   []attachmentRequest `json:"attachments"`
}

type answerRequest struct {
	ID      string                        `json:"id"`
	Answers []conversation.QuestionAnswer `json:"answers"`
	// Prompt carries the selected continuation for enter_plan/exit_plan
	// interactions that answer with free text instead of selections.
	Prompt        string              `json:"prompt"`
	ExecutionMode agent.ExecutionMode `json:"executionMode"`
}

type toolResultRequest struct {
	ToolUseID string `json:"toolUseId" binding:"required"`
	Result    string `json:"result"`
}

type setModeRequest struct {
	Mode agent.ExecutionMode `json:"mode" binding:"required"`
}

func (s *Server) resolveWorkspace(c *gin.Context) (name, dir string, ok bool) {
	name = c.Param("name")
	dir, err := s.workspaces.Resolve(c.Request.Context(), name)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, workspace.ErrWorkspaceNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return "", "", false
	}
	return name, dir, true
}

func (s *Server) handleGetMessages(c *gin.Context) {
	_, dir, ok := s.resolveWorkspace(c)
	if !ok {
		return
	}
	messages, err := s.convs.LoadMessages(dir)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if messages == nil {
		messages = []conversation.Message{}
	}
	c.JSON(http.StatusOK, gin.H{"messages": messages})
}

func (s *Server) handleSendMessage(c *gin.Context) {
	var req sendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	name, dir, ok := s.resolveWorkspace(c)
	if !ok {
		return
	}
	if s.registry.IsBusy(name) {
		c.JSON(http.StatusConflict, gin.H{"error": "conversation is busy"})
		return
	}

	var attachments []conversation.Attachment
	for _, a := range req.Attachments {
		data, err := base64.StdEncoding.DecodeString(a.Data)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid attachment encoding"})
			return
		}
		path, err := s.convs.SaveAttachment(dir, a.Name, data)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		attachments = append(attachments, conversation.Attachment{
			Name:      a.Name,
			Path:      path,
			MediaType: a.MediaType,
		})
	}

	if err := s.deliver(c, name, dir, deliverOptions{
		messageID:   req.ID,
		content:     req.Content,
		mode:        req.ExecutionMode,
		attachments: attachments,
	}); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
}

// handleAnswer resumes a conversation paused on a blocking interaction.
func (s *Server) handleAnswer(c *gin.Context) {
	var req answerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	name, dir, ok := s.resolveWorkspace(c)
	if !ok {
		return
	}

	content := req.Prompt
	if content == "" {
		content = conversation.FormatAnswer(req.Answers)
	}
	if content == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "answer requires a prompt or answers"})
		return
	}

	if err := s.deliver(c, name, dir, deliverOptions{
		messageID: req.ID,
		content:   content,
		mode:      req.ExecutionMode,
		answers:   req.Answers,
	}); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
}

type deliverOptions struct {
	messageID   string
	content     string
	mode        agent.ExecutionMode
	attachments []conversation.Attachment
	answers     []conversation.QuestionAnswer
}

// deliver persists the user message, clears any pending interaction, and
// hands the message to the registry with a completion handler that persists
// the assistant's turn when it flushes.
func (s *Server) deliver(c *gin.Context, name, dir string, opts deliverOptions) error {
	meta, err := s.convs.Ensure(dir, s.cfg.Agent.DefaultKind)
	if err != nil {
		return err
	}

	mode := opts.mode
	if mode == "" {
		mode = meta.ExecutionMode
	}
	if mode != "" && mode != meta.ExecutionMode {
		if _, err := s.convs.UpdateMeta(dir, func(m *conversation.Meta) {
			m.ExecutionMode = mode
		}); err != nil {
			return err
		}
	}

	if err := s.convs.AppendMessage(dir, conversation.Message{
		Role:           conversation.RoleUser,
		Content:        opts.content,
		Attachments:    opts.attachments,
		AskUserAnswers: opts.answers,
	}); err != nil {
		return err
	}
	if err := s.convs.ClearPendingInteraction(dir); err != nil {
		return err
	}

	messageID := opts.messageID
	if messageID == "" {
		messageID = uuid.New().String()
	}

	log := s.logger.WithWorkspace(name)
	s.registry.SendMessage(name, agent.SendMessageOptions{
		MessageID:  messageID,
		Content:    opts.content,
		AgentKind:  meta.AgentType,
		WorkingDir: dir,
		SessionID:  meta.AgentSessionID,
		Mode:       mode,
		OnComplete: func(text, sessionID string, tools []agent.ToolInvocation, thinking string, parts []agent.Part) {
			if err := s.convs.AppendMessage(dir, conversation.Message{
				Role:            conversation.RoleAssistant,
				Content:         text,
				Thinking:        thinking,
				ToolInvocations: tools,
				Parts:           parts,
			}); err != nil {
				log.WithError(err).Error("failed to persist assistant message")
			}
			if err := s.convs.SetSessionID(dir, sessionID); err != nil {
				log.WithError(err).Error("failed to persist session id")
			}
		},
	})
	return nil
}

func (s *Server) handleGetAttachment(c *gin.Context) {
	_, dir, ok := s.resolveWorkspace(c)
	if !ok {
		return
	}
	path, err := s.convs.AttachmentPath(dir, c.Param("file"))
	if err != nil {
		if errors.Is(err, conversation.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "attachment not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.File(path)
}

func (s *Server) handleToolResult(c *gin.Context) {
	var req toolResultRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	name := c.Param("name")
	if err := s.registry.SendToolResult(name, req.ToolUseID, req.Result); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
}

func (s *Server) handleKill(c *gin.Context) {
	s.registry.KillProcess(c.Param("name"))
	c.JSON(http.StatusOK, gin.H{"status": "killed"})
}

func (s *Server) handleSetMode(c *gin.Context) {
	var req setModeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Mode != agent.ModePlan && req.Mode != agent.ModeBuild {
		c.JSON(http.StatusBadRequest, gin.H{"error": "mode must be plan or build"})
		return
	}
	name, dir, ok := s.resolveWorkspace(c)
	if !ok {
		return
	}
	if _, err := s.convs.Ensure(dir, s.cfg.Agent.DefaultKind); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if _, err := s.convs.UpdateMeta(dir, func(m *conversation.Meta) {
		m.ExecutionMode = req.Mode
	}); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	// Permission mode is a spawn-time flag, so a running process keeps the
	// old one. Kill it; the next message respawns with the new mode.
	s.registry.KillProcess(name)
	s.logger.WithWorkspace(name).Info("execution mode updated")
	c.JSON(http.StatusOK, gin.H{"mode": req.Mode})
}
