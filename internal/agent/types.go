package agent

// ExecutionMode controls how much autonomy the agent subprocess gets for a
// turn. Plan mode asks the agent to produce a plan without touching files,
// build mode lets it edit the working tree directly.
type ExecutionMode string

const (
	ModePlan  ExecutionMode = "plan"
	ModeBuild ExecutionMode = "build"
)

// Conversation event types emitted by adapters and fanned out to listeners.
const (
	EventUserMessage     = "user_message"
	EventTextDelta       = "text_delta"
	EventThinking        = "thinking"
	EventToolUseStart    = "tool_use_start"
	EventEnterPlan       = "enter_plan"
	EventAskUser         = "ask_user"
	EventExitPlan        = "exit_plan"
	EventMessageComplete = "message_complete"
	EventError           = "error"
	EventDone            = "done"
)

// Event is a single conversation event. It is a flat union: Type selects
// which of the optional fields are meaningful. Events are immutable once
// emitted; enrichment produces a new value.
type Event struct {
	Type string `json:"type"`

	// MessageID echoes the client-supplied id on user_message events.
	MessageID string `json:"messageId,omitempty"`
	// Content carries the user message text on user_message events.
	Content string `json:"content,omitempty"`

	// Text carries the full accumulated value on text_delta and thinking
	// events, and the authoritative turn text on message_complete.
	Text string `json:"text,omitempty"`

	// Tool fields are set on tool_use_start events.
	Tool      string `json:"tool,omitempty"`
	ToolUseID string `json:"toolUseId,omitempty"`
	Input     string `json:"input,omitempty"`

	// Blocking-interaction payloads.
	Questions      []Question      `json:"questions,omitempty"`
	AllowedPrompts []AllowedPrompt `json:"allowedPrompts,omitempty"`
	PlanContent    string          `json:"planContent,omitempty"`
	PlanFilePath   string          `json:"planFilePath,omitempty"`

	// SessionID is the resumption token, present on message_complete,
	// blocking-interaction and done events when the adapter knows it.
	SessionID string `json:"sessionId,omitempty"`

	// Message carries a human-readable description on error events.
	Message string `json:"message,omitempty"`
}

// Question is one multiple-choice question from an ask_user interaction.
type Question struct {
	Question    string           `json:"question"`
	Header      string           `json:"header,omitempty"`
	MultiSelect bool             `json:"multiSelect,omitempty"`
	Options     []QuestionOption `json:"options,omitempty"`
}

// QuestionOption is a selectable answer for a Question.
type QuestionOption struct {
	Label       string `json:"label"`
	Description string `json:"description,omitempty"`
}

// AllowedPrompt is one of the follow-up actions offered by an exit_plan
// interaction: a tool to run and the prompt text that would drive it.
type AllowedPrompt struct {
	Tool   string `json:"tool"`
	Prompt string `json:"prompt"`
}

// ToolInvocation records one tool call observed during a turn, with a short
// human-readable summary of its input.
type ToolInvocation struct {
	Tool      string `json:"tool"`
	ToolUseID string `json:"toolUseId,omitempty"`
	Input     string `json:"input,omitempty"`
}

// Part types for ordered turn content.
const (
	PartText    = "text"
	PartToolUse = "tool_use"
)

// Part is one ordered segment of a completed turn: either a run of
// consolidated text or a single tool call in the position it occurred.
type Part struct {
	Type      string `json:"type"`
	Text      string `json:"text,omitempty"`
	Tool      string `json:"tool,omitempty"`
	ToolUseID string `json:"toolUseId,omitempty"`
	Input     string `json:"input,omitempty"`
}

// PendingInteraction is a persisted blocking interaction awaiting a user
// response. Type is one of enter_plan, ask_user or exit_plan.
type PendingInteraction struct {
	Type           string          `json:"type"`
	Questions      []Question      `json:"questions,omitempty"`
	AllowedPrompts []AllowedPrompt `json:"allowedPrompts,omitempty"`
	PlanContent    string          `json:"planContent,omitempty"`
	PlanFilePath   string          `json:"planFilePath,omitempty"`
}

// InteractionStore persists pending interactions so they survive the process
// teardown that accompanies every blocking tool call.
type InteractionStore interface {
	SetPendingInteraction(workingDir string, p PendingInteraction) error
}

// CompletionFunc receives the flushed contents of a completed turn: the
// authoritative text, the resumption token known at flush time, the tool
// calls in order, the joined thinking text, and the ordered parts.
type CompletionFunc func(text, sessionID string, tools []ToolInvocation, thinking string, parts []Part)

// StartConfig describes how to spawn an agent subprocess.
type StartConfig struct {
	// WorkingDir is the directory the subprocess runs in.
	WorkingDir string
	// SessionID, when non-empty, resumes a previous session.
	SessionID string
	// Mode selects plan or build permission behavior.
	Mode ExecutionMode
}

// AgentProcess is a running agent subprocess. Send and SendToolResult write
// to its stdin; OnEvent attaches the single event consumer; Kill is
// idempotent and safe to call on an already-exited process.
type AgentProcess interface {
	Send(content string) error
	SendToolResult(toolUseID, result string) error
	OnEvent(fn func(Event))
	Kill()
}

// AgentAdapter spawns processes for one agent kind.
type AgentAdapter interface {
	Start(cfg StartConfig) (AgentProcess, error)
}
