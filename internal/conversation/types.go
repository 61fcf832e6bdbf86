package conversation

import (
	"time"

	"github.com/servitor-dev/servitor/internal/agent"
)

// Role values for stored messages.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Meta is the per-workspace conversation metadata, stored as
// .servitor/conversation/meta.json in the workspace's working tree so it
// travels with the worktree.
type Meta struct {
	Title              string                    `json:"title,omitempty"`
	AgentType          string                    `json:"agentType"`
	AgentSessionID     string                    `json:"agentSessionId,omitempty"`
	ExecutionMode      agent.ExecutionMode       `json:"executionMode,omitempty"`
	PendingInteraction *agent.PendingInteraction `json:"pendingInteraction,omitempty"`
	CreatedAt          time.Time                 `json:"createdAt"`
}

// Message is one transcript entry, appended to messages.jsonl.
type Message struct {
	Role            string                 `json:"role"`
	Content         string                 `json:"content"`
	Thinking        string                 `json:"thinking,omitempty"`
	ToolInvocations []agent.ToolInvocation `json:"toolInvocations,omitempty"`
	Parts           []agent.Part           `json:"parts,omitempty"`
	AskUserAnswers  []QuestionAnswer       `json:"askUserAnswers,omitempty"`
	Attachments     []Attachment           `json:"attachments,omitempty"`
	Timestamp       time.Time              `json:"timestamp"`
}

// QuestionAnswer records the user's selections for one ask_user question.
type QuestionAnswer struct {
	Question string   `json:"question"`
	Selected []string `json:"selected"`
}

// Attachment references a file the user attached to a message, stored under
// the conversation directory.
type Attachment struct {
	Name      string `json:"name"`
	Path      string `json:"path"`
	MediaType string `json:"mediaType,omitempty"`
}
