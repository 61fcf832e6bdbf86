// Package claudecode provides types for the Claude Code CLI stream-json protocol.
// The CLI emits newline-delimited JSON on stdout and accepts newline-delimited
// JSON user messages and tool results on stdin.
package claudecode

import "encoding/json"

// Message types from Claude Code CLI stdout.
const (
	// MessageTypeSystem is a system message (init, hook_started, hook_response).
	// These carry no conversational content and are skipped.
	MessageTypeSystem = "system"
	// MessageTypeAssistant contains the assistant's content blocks
	MessageTypeAssistant = "assistant"
	// MessageTypeResult is the final result message ending the turn
	MessageTypeResult = "result"
	// MessageTypeUser is an input message written to stdin
	MessageTypeUser = "user"
)

// Content block types inside an assistant message.
const (
	BlockTypeText     = "text"
	BlockTypeThinking = "thinking"
	BlockTypeToolUse  = "tool_use"
)

// Reserved tool names that suspend the conversation for a human decision.
const (
	ToolEnterPlanMode   = "EnterPlanMode"
	ToolAskUserQuestion = "AskUserQuestion"
	ToolExitPlanMode    = "ExitPlanMode"
)

// Common tool names, used for input summarization.
const (
	ToolBash       = "Bash"
	ToolRead       = "Read"
	ToolWrite      = "Write"
	ToolEdit       = "Edit"
	ToolGlob       = "Glob"
	ToolGrep       = "Grep"
	ToolWebFetch   = "WebFetch"
	ToolWebSearch  = "WebSearch"
	ToolTask       = "Task"
	ToolTodoWrite  = "TodoWrite"
	ToolTaskCreate = "TaskCreate"
	ToolTaskUpdate = "TaskUpdate"
	ToolTaskGet    = "TaskGet"
	ToolTaskList   = "TaskList"
)

// CLIMessage represents one line of Claude Code CLI stdout.
// The message type determines which fields are populated.
type CLIMessage struct {
	// Type is the message type (system, assistant, result, ...)
	Type string `json:"type"`

	// SessionID is present on most message types and identifies the
	// CLI-side session used for --resume.
	SessionID string `json:"session_id,omitempty"`

	// For assistant messages
	Message *AssistantMessage `json:"message,omitempty"`

	// For result messages. Result is the final text; the CLI sometimes
	// reports an empty result despite having streamed content.
	Result  string `json:"result,omitempty"`
	Subtype string `json:"subtype,omitempty"`
	IsError bool   `json:"is_error,omitempty"`
}

// AssistantMessage contains the assistant's response content.
type AssistantMessage struct {
	Role    string         `json:"role"`
	Content []ContentBlock `json:"content,omitempty"`
	Model   string         `json:"model,omitempty"`
}

// ContentBlock represents a block of content in an assistant message.
type ContentBlock struct {
	Type string `json:"type"`

	// For text blocks
	Text string `json:"text,omitempty"`

	// For thinking blocks
	Thinking string `json:"thinking,omitempty"`

	// For tool_use blocks
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`
}

// UserMessage is written to stdin to deliver a prompt.
type UserMessage struct {
	Type    string          `json:"type"` // "user"
	Message UserMessageBody `json:"message"`
}

// UserMessageBody contains the user message content.
type UserMessageBody struct {
	Role    string          `json:"role"` // "user"
	Content json.RawMessage `json:"content"`
}

// NewUserMessage builds a plain-text user message.
func NewUserMessage(content string) (*UserMessage, error) {
	raw, err := json.Marshal(content)
	if err != nil {
		return nil, err
	}
	return &UserMessage{
		Type:    MessageTypeUser,
		Message: UserMessageBody{Role: "user", Content: raw},
	}, nil
}

// ToolResultBlock is the content block answering a tool invocation.
type ToolResultBlock struct {
	Type      string `json:"type"` // "tool_result"
	ToolUseID string `json:"tool_use_id"`
	Content   string `json:"content"`
}

// NewToolResultMessage builds a user message carrying one tool result.
func NewToolResultMessage(toolUseID, result string) (*UserMessage, error) {
	raw, err := json.Marshal([]ToolResultBlock{{
		Type:      "tool_result",
		ToolUseID: toolUseID,
		Content:   result,
	}})
	if err != nil {
		return nil, err
	}
	return &UserMessage{
		Type:    MessageTypeUser,
		Message: UserMessageBody{Role: "user", Content: raw},
	}, nil
}
