package server

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/servitor-dev/servitor/internal/agent"
	"github.com/servitor-dev/servitor/internal/common/config"
	"github.com/servitor-dev/servitor/internal/common/logger"
	"github.com/servitor-dev/servitor/internal/conversation"
	gws "github.com/servitor-dev/servitor/internal/gateway/websocket"
	"github.com/servitor-dev/servitor/internal/workspace"
)

type stubProcess struct {
	mu   sync.Mutex
	sent []string
}

func (p *stubProcess) Send(content string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, content)
	return nil
}

func (p *stubProcess) SendToolResult(string, string) error { return nil }
func (p *stubProcess) OnEvent(func(agent.Event))           {}
func (p *stubProcess) Kill()                               {}

func (p *stubProcess) sentMessages() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.sent...)
}

type stubAdapter struct {
	mu     sync.Mutex
	starts []agent.StartConfig
	procs  []*stubProcess
}

func (a *stubAdapter) Start(cfg agent.StartConfig) (agent.AgentProcess, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	p := &stubProcess{}
	a.starts = append(a.starts, cfg)
	a.procs = append(a.procs, p)
	return p, nil
}

type stubWorkspaces struct {
	dirs map[string]string
}

func (s *stubWorkspaces) toWorkspace(name string) *workspace.Workspace {
	return &workspace.Workspace{ID: name, Name: name, Path: s.dirs[name]}
}

func (s *stubWorkspaces) List(context.Context) ([]*workspace.Workspace, error) {
	var out []*workspace.Workspace
	for name := range s.dirs {
		out = append(out, s.toWorkspace(name))
	}
	return out, nil
}

func (s *stubWorkspaces) Get(_ context.Context, name string) (*workspace.Workspace, error) {
	if _, ok := s.dirs[name]; !ok {
		return nil, workspace.ErrWorkspaceNotFound
	}
	return s.toWorkspace(name), nil
}

func (s *stubWorkspaces) Create(_ context.Context, name string) (*workspace.Workspace, error) {
	return s.toWorkspace(name), nil
}

func (s *stubWorkspaces) Delete(context.Context, string, bool) error { return nil }

func (s *stubWorkspaces) Resolve(_ context.Context, name string) (string, error) {
	dir, ok := s.dirs[name]
	if !ok {
		return "", workspace.ErrWorkspaceNotFound
	}
	return dir, nil
}

type testEnv struct {
	server   *Server
	adapter  *stubAdapter
	registry *agent.Manager
	convs    *conversation.Store
	dir      string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)

	registry := agent.NewManager(log, agent.ManagerOptions{})
	adapter := &stubAdapter{}
	registry.RegisterAdapter("claude-code", adapter)
	convs := conversation.NewStore(log)

	dir := t.TempDir()
	workspaces := &stubWorkspaces{dirs: map[string]string{"feature": dir}}

	cfg := &config.Config{}
	cfg.Agent.DefaultKind = "claude-code"

	hub := gws.NewHub(registry, log)
	srv := NewServer(cfg, registry, convs, workspaces, hub, log)
	return &testEnv{server: srv, adapter: adapter, registry: registry, convs: convs, dir: dir}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.server.Router().ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSendMessageAcceptsAndSpawns(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/v1/workspaces/feature/messages", jsonBody{
		"id": "msg-1", "content": "hello agent",
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	require.Len(t, env.adapter.starts, 1)
	assert.Equal(t, env.dir, env.adapter.starts[0].WorkingDir)
	assert.Equal(t, []string{"hello agent"}, env.adapter.procs[0].sentMessages())
	assert.True(t, env.registry.IsBusy("feature"))

	messages, err := env.convs.LoadMessages(env.dir)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, conversation.RoleUser, messages[0].Role)
	assert.Equal(t, "hello agent", messages[0].Content)

	meta, err := env.convs.GetMeta(env.dir)
	require.NoError(t, err)
	assert.Equal(t, "claude-code", meta.AgentType)
}

func TestSendMessageWhileBusy(t *testing.T) {
	env := newTestEnv(t)
	env.do(t, http.MethodPost, "/api/v1/workspaces/feature/messages", jsonBody{"content": "one"})

	rec := env.do(t, http.MethodPost, "/api/v1/workspaces/feature/messages", jsonBody{"content": "two"})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestSendMessageUnknownWorkspace(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodPost, "/api/v1/workspaces/nope/messages", jsonBody{"content": "x"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSendMessageValidation(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodPost, "/api/v1/workspaces/feature/messages", jsonBody{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSendMessagePassesExecutionMode(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodPost, "/api/v1/workspaces/feature/messages", jsonBody{
		"content": "plan this", "executionMode": "plan",
	})
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Len(t, env.adapter.starts, 1)
	assert.Equal(t, agent.ModePlan, env.adapter.starts[0].Mode)

	meta, err := env.convs.GetMeta(env.dir)
	require.NoError(t, err)
	assert.Equal(t, agent.ModePlan, meta.ExecutionMode)
}

func TestAnswerFormatsSelections(t *testing.T) {
	env := newTestEnv(t)
	// Simulate a stored pending interaction from an earlier turn.
	_, err := env.convs.Ensure(env.dir, "claude-code")
	require.NoError(t, err)
	require.NoError(t, env.convs.SetPendingInteraction(env.dir, agent.PendingInteraction{
		Type: agent.EventAskUser,
	}))

	rec := env.do(t, http.MethodPost, "/api/v1/workspaces/feature/answer", jsonBody{
		"answers": []jsonBody{{"question": "Which?", "selected": []string{"a"}}},
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	require.Len(t, env.adapter.procs, 1)
	sent := env.adapter.procs[0].sentMessages()
	require.Len(t, sent, 1)
	assert.Equal(t, `For "Which?", I selected: a`, sent[0])

	// Answering clears the stored interaction.
	meta, err := env.convs.GetMeta(env.dir)
	require.NoError(t, err)
	assert.Nil(t, meta.PendingInteraction)
}

func TestAnswerRequiresContent(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodPost, "/api/v1/workspaces/feature/answer", jsonBody{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSetMode(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPut, "/api/v1/workspaces/feature/mode", jsonBody{"mode": "build"})
	require.Equal(t, http.StatusOK, rec.Code)
	meta, err := env.convs.GetMeta(env.dir)
	require.NoError(t, err)
	assert.Equal(t, agent.ModeBuild, meta.ExecutionMode)

	rec = env.do(t, http.MethodPut, "/api/v1/workspaces/feature/mode", jsonBody{"mode": "yolo"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSetModeKillsRunningProcess(t *testing.T) {
	env := newTestEnv(t)
	env.do(t, http.MethodPost, "/api/v1/workspaces/feature/messages", jsonBody{"content": "go"})
	require.True(t, env.registry.IsBusy("feature"))

	rec := env.do(t, http.MethodPut, "/api/v1/workspaces/feature/mode", jsonBody{"mode": "plan"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, env.registry.IsBusy("feature"))
}

func TestAttachmentUploadAndRetrieve(t *testing.T) {
	env := newTestEnv(t)
	data := base64.StdEncoding.EncodeToString([]byte("diagram bytes"))
	rec := env.do(t, http.MethodPost, "/api/v1/workspaces/feature/messages", jsonBody{
		"content": "see attached",
		"attachments": []jsonBody{
			{"name": "diagram.png", "data": data, "mediaType": "image/png"},
		},
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/v1/workspaces/feature/attachments/diagram.png", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "diagram bytes", rec.Body.String())

	rec = env.do(t, http.MethodGet, "/api/v1/workspaces/feature/attachments/missing.png", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestToolResultWithoutProcess(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodPost, "/api/v1/workspaces/feature/tool-result", jsonBody{
		"toolUseId": "tu-1", "result": "ok",
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestKillEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.do(t, http.MethodPost, "/api/v1/workspaces/feature/messages", jsonBody{"content": "go"})
	require.True(t, env.registry.IsBusy("feature"))

	rec := env.do(t, http.MethodPost, "/api/v1/workspaces/feature/kill", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, env.registry.IsBusy("feature"))
}

func TestGetMessagesEmpty(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/api/v1/workspaces/feature/messages", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"messages":[]}`, rec.Body.String())
}

func TestListWorkspaces(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/api/v1/workspaces", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Workspaces []struct {
			Name string `json:"name"`
			Busy bool   `json:"busy"`
		} `json:"workspaces"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Workspaces, 1)
	assert.Equal(t, "feature", body.Workspaces[0].Name)
	assert.False(t, body.Workspaces[0].Busy)
}

// jsonBody is shorthand for request payloads.
type jsonBody = map[string]any
