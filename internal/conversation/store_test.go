package conversation

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/servitor-dev/servitor/internal/agent"
	"github.com/servitor-dev/servitor/internal/common/logger"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)
	return NewStore(log)
}

func TestEnsureCreatesMeta(t *testing.T) {
	s := newTestStore(t)
	dir := t.TempDir()

	meta, err := s.Ensure(dir, "claude-code")
	require.NoError(t, err)
	assert.Equal(t, "claude-code", meta.AgentType)
	assert.False(t, meta.CreatedAt.IsZero())

	// Idempotent: a second call returns the existing metadata.
	again, err := s.Ensure(dir, "other-kind")
	require.NoError(t, err)
	assert.Equal(t, "claude-code", again.AgentType)
	assert.Equal(t, meta.CreatedAt, again.CreatedAt)

	_, err = os.Stat(filepath.Join(dir, ".servitor", "conversation", "meta.json"))
	require.NoError(t, err)
}

func TestGetMetaMissing(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetMeta(t.TempDir())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPendingInteractionRoundTrip(t *testing.T) {
	s := newTestStore(t)
	dir := t.TempDir()
	_, err := s.Ensure(dir, "claude-code")
	require.NoError(t, err)

	pending := agent.PendingInteraction{
		Type: agent.EventAskUser,
		Questions: []agent.Question{{
			Question: "Which one?",
			Options:  []agent.QuestionOption{{Label: "a"}, {Label: "b"}},
		}},
	}
	require.NoError(t, s.SetPendingInteraction(dir, pending))

	meta, err := s.GetMeta(dir)
	require.NoError(t, err)
	require.NotNil(t, meta.PendingInteraction)
	assert.Equal(t, pending, *meta.PendingInteraction)

	require.NoError(t, s.ClearPendingInteraction(dir))
	meta, err = s.GetMeta(dir)
	require.NoError(t, err)
	assert.Nil(t, meta.PendingInteraction)
}

func TestClearPendingInteractionWithoutConversation(t *testing.T) {
	s := newTestStore(t)
	assert.NoError(t, s.ClearPendingInteraction(t.TempDir()))
}

func TestSetSessionID(t *testing.T) {
	s := newTestStore(t)
	dir := t.TempDir()
	_, err := s.Ensure(dir, "claude-code")
	require.NoError(t, err)

	require.NoError(t, s.SetSessionID(dir, "sess-1"))
	meta, err := s.GetMeta(dir)
	require.NoError(t, err)
	assert.Equal(t, "sess-1", meta.AgentSessionID)

	// Empty tokens never erase a stored one.
	require.NoError(t, s.SetSessionID(dir, ""))
	meta, err = s.GetMeta(dir)
	require.NoError(t, err)
	assert.Equal(t, "sess-1", meta.AgentSessionID)
}

func TestAppendAndLoadMessages(t *testing.T) {
	s := newTestStore(t)
	dir := t.TempDir()

	require.NoError(t, s.AppendMessage(dir, Message{Role: RoleUser, Content: "hello"}))
	require.NoError(t, s.AppendMessage(dir, Message{
		Role:     RoleAssistant,
		Content:  "hi there",
		Thinking: "greeting",
		ToolInvocations: []agent.ToolInvocation{
			{Tool: "Read", ToolUseID: "tu-1", Input: "/tmp/a.go"},
		},
		Parts: []agent.Part{
			{Type: agent.PartText, Text: "hi there"},
		},
	}))

	messages, err := s.LoadMessages(dir)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, RoleUser, messages[0].Role)
	assert.Equal(t, "hello", messages[0].Content)
	assert.False(t, messages[0].Timestamp.IsZero())
	assert.Equal(t, "hi there", messages[1].Content)
	assert.Equal(t, "greeting", messages[1].Thinking)
	require.Len(t, messages[1].ToolInvocations, 1)
	assert.Equal(t, "Read", messages[1].ToolInvocations[0].Tool)
}

func TestLoadMessagesMissingFile(t *testing.T) {
	s := newTestStore(t)
	messages, err := s.LoadMessages(t.TempDir())
	require.NoError(t, err)
	assert.Empty(t, messages)
}

func TestLoadMessagesSkipsCorruptLines(t *testing.T) {
	s := newTestStore(t)
	dir := t.TempDir()
	require.NoError(t, s.AppendMessage(dir, Message{Role: RoleUser, Content: "ok"}))

	path := filepath.Join(dir, ".servitor", "conversation", "messages.jsonl")
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("{not json\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())
	require.NoError(t, s.AppendMessage(dir, Message{Role: RoleAssistant, Content: "also ok"}))

	messages, err := s.LoadMessages(dir)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, "ok", messages[0].Content)
	assert.Equal(t, "also ok", messages[1].Content)
}

func TestSaveAttachment(t *testing.T) {
	s := newTestStore(t)
	dir := t.TempDir()

	rel, err := s.SaveAttachment(dir, "../../escape.png", []byte{0x89, 0x50})
	require.NoError(t, err)
	assert.Equal(t, ".servitor/conversation/attachments/escape.png", rel)

	data, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(rel)))
	require.NoError(t, err)
	assert.Equal(t, []byte{0x89, 0x50}, data)
}

func TestAttachmentPath(t *testing.T) {
	s := newTestStore(t)
	dir := t.TempDir()

	_, err := s.SaveAttachment(dir, "diagram.png", []byte("png bytes"))
	require.NoError(t, err)

	path, err := s.AttachmentPath(dir, "diagram.png")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, ".servitor", "conversation", "attachments", "diagram.png"), path)

	// Path traversal resolves to the bare file name.
	path, err = s.AttachmentPath(dir, "../../diagram.png")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, ".servitor", "conversation", "attachments", "diagram.png"), path)

	_, err = s.AttachmentPath(dir, "missing.png")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFormatAnswer(t *testing.T) {
	assert.Empty(t, FormatAnswer(nil))

	got := FormatAnswer([]QuestionAnswer{
		{Question: "Which database?", Selected: []string{"sqlite"}},
		{Question: "Which transports?", Selected: []string{"http", "websocket"}},
		{Question: "Anything else?"},
	})
	assert.Equal(t, `For "Which database?", I selected: sqlite`+"\n\n"+
		`For "Which transports?", I selected: http, websocket`, got)
}
