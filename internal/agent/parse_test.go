package agent

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/servitor-dev/servitor/pkg/claudecode"
)

func decodeLine(t *testing.T, line string) *claudecode.CLIMessage {
	t.Helper()
	var msg claudecode.CLIMessage
	require.NoError(t, json.Unmarshal([]byte(line), &msg))
	return &msg
}

func TestParseEventsIgnoresSystemMessages(t *testing.T) {
	msg := decodeLine(t, `{"type":"system","subtype":"init","session_id":"sess-1"}`)
	assert.Empty(t, ParseEvents(msg, ""))
}

func TestParseEventsAssistantBlocksInOrder(t *testing.T) {
	msg := decodeLine(t, `{"type":"assistant","message":{"role":"assistant","content":[
		{"type":"thinking","thinking":"hmm"},
		{"type":"text","text":"Hello"},
		{"type":"tool_use","id":"tu-1","name":"Bash","input":{"command":"ls -la"}}
	]}}`)

	events := ParseEvents(msg, "sess-1")
	require.Len(t, events, 3)
	assert.Equal(t, Event{Type: EventThinking, Text: "hmm"}, events[0])
	assert.Equal(t, Event{Type: EventTextDelta, Text: "Hello"}, events[1])
	assert.Equal(t, Event{
		Type:      EventToolUseStart,
		Tool:      "Bash",
		ToolUseID: "tu-1",
		Input:     "ls -la",
	}, events[2])
}

func TestParseEventsSkipsEmptyBlocks(t *testing.T) {
	msg := decodeLine(t, `{"type":"assistant","message":{"role":"assistant","content":[
		{"type":"text","text":""},
		{"type":"thinking","thinking":""}
	]}}`)
	assert.Empty(t, ParseEvents(msg, ""))
}

func TestParseEventsResultProducesMessageComplete(t *testing.T) {
	msg := decodeLine(t, `{"type":"result","result":"All done.","session_id":"sess-2"}`)

	events := ParseEvents(msg, "sess-1")
	require.Len(t, events, 1)
	assert.Equal(t, Event{
		Type:      EventMessageComplete,
		Text:      "All done.",
		SessionID: "sess-2",
	}, events[0])
}

func TestParseEventsResultFallsBackToKnownSession(t *testing.T) {
	msg := decodeLine(t, `{"type":"result","result":"done"}`)

	events := ParseEvents(msg, "sess-1")
	require.Len(t, events, 1)
	assert.Equal(t, "sess-1", events[0].SessionID)
}

func TestParseEventsEnterPlanMode(t *testing.T) {
	msg := decodeLine(t, `{"type":"assistant","session_id":"sess-3","message":{"role":"assistant","content":[
		{"type":"tool_use","id":"tu-2","name":"EnterPlanMode","input":{
			"allowedPrompts":[{"tool":"Task","prompt":"Research the codebase"}]
		}}
	]}}`)

	events := ParseEvents(msg, "")
	require.Len(t, events, 1)
	assert.Equal(t, EventEnterPlan, events[0].Type)
	assert.Equal(t, "tu-2", events[0].ToolUseID)
	assert.Equal(t, "sess-3", events[0].SessionID)
	// allowedPrompts belong to exit_plan; enter_plan carries no payload even
	// when the CLI echoes the field.
	assert.Empty(t, events[0].AllowedPrompts)
}

func TestParseEventsAskUserQuestion(t *testing.T) {
	msg := decodeLine(t, `{"type":"assistant","message":{"role":"assistant","content":[
		{"type":"tool_use","id":"tu-3","name":"AskUserQuestion","input":{
			"questions":[{
				"question":"Which database?",
				"header":"Storage",
				"multiSelect":false,
				"options":[{"label":"sqlite","description":"embedded"},{"label":"postgres"}]
			}]
		}}
	]}}`)

	events := ParseEvents(msg, "sess-4")
	require.Len(t, events, 1)
	assert.Equal(t, EventAskUser, events[0].Type)
	assert.Equal(t, "sess-4", events[0].SessionID)
	require.Len(t, events[0].Questions, 1)
	q := events[0].Questions[0]
	assert.Equal(t, "Which database?", q.Question)
	assert.Equal(t, "Storage", q.Header)
	require.Len(t, q.Options, 2)
	assert.Equal(t, "sqlite", q.Options[0].Label)
	assert.Equal(t, "embedded", q.Options[0].Description)
}

func TestParseEventsExitPlanModeCarriesInlinePlan(t *testing.T) {
	msg := decodeLine(t, `{"type":"assistant","message":{"role":"assistant","content":[
		{"type":"tool_use","id":"tu-4","name":"ExitPlanMode","input":{"plan":"1. do the thing"}}
	]}}`)

	events := ParseEvents(msg, "sess-5")
	require.Len(t, events, 1)
	assert.Equal(t, EventExitPlan, events[0].Type)
	assert.Equal(t, "1. do the thing", events[0].PlanContent)
	assert.Equal(t, "sess-5", events[0].SessionID)
}

func TestParseEventsExitPlanModeCarriesAllowedPrompts(t *testing.T) {
	msg := decodeLine(t, `{"type":"assistant","message":{"role":"assistant","content":[
		{"type":"tool_use","id":"tu-5","name":"ExitPlanMode","input":{
			"plan":"1. do the thing",
			"allowedPrompts":[{"tool":"Bash","prompt":"run tests"},{"tool":"Task","prompt":"implement it"}]
		}}
	]}}`)

	events := ParseEvents(msg, "sess-6")
	require.Len(t, events, 1)
	assert.Equal(t, EventExitPlan, events[0].Type)
	require.Len(t, events[0].AllowedPrompts, 2)
	assert.Equal(t, AllowedPrompt{Tool: "Bash", Prompt: "run tests"}, events[0].AllowedPrompts[0])
	assert.Equal(t, AllowedPrompt{Tool: "Task", Prompt: "implement it"}, events[0].AllowedPrompts[1])
}

func TestSummarizeToolInput(t *testing.T) {
	tests := []struct {
		tool  string
		input map[string]any
		want  string
	}{
		{"Read", map[string]any{"file_path": "/tmp/a.go"}, "/tmp/a.go"},
		{"Write", map[string]any{"file_path": "/tmp/b.go"}, "/tmp/b.go"},
		{"Edit", map[string]any{"file_path": "/tmp/c.go"}, "/tmp/c.go"},
		{"Bash", map[string]any{"command": "go vet ./..."}, "go vet ./..."},
		{"Glob", map[string]any{"pattern": "**/*.ts"}, "**/*.ts"},
		{"Grep", map[string]any{"pattern": "TODO"}, "TODO"},
		{"WebFetch", map[string]any{"url": "https://example.com"}, "https://example.com"},
		{"WebSearch", map[string]any{"query": "go sqlite wal"}, "go sqlite wal"},
		{"Task", map[string]any{"description": "explore repo"}, "explore repo"},
		{"TodoWrite", map[string]any{"subject": "write tests"}, "write tests"},
		{"TaskCreate", map[string]any{"subject": "fix bug"}, "fix bug"},
		{"TaskUpdate", map[string]any{"taskId": "7", "status": "done"}, "7 → done"},
		{"TaskUpdate", map[string]any{}, ""},
		{"TaskGet", map[string]any{"taskId": "7"}, "7"},
		{"TaskList", map[string]any{}, ""},
		{"SomeNewTool", map[string]any{"anything": "x"}, ""},
		{"Bash", map[string]any{"command": 42}, ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, SummarizeToolInput(tt.tool, tt.input), "tool %s", tt.tool)
	}
}

func TestIsPlanFilePath(t *testing.T) {
	assert.True(t, isPlanFilePath("/work/plans/feature.md"))
	assert.True(t, isPlanFilePath("docs/Plans/x.md"))
	assert.True(t, isPlanFilePath("/work/PLAN.md"))
	assert.True(t, isPlanFilePath("plan.md"))
	assert.False(t, isPlanFilePath("/work/plans/feature.txt"))
	assert.False(t, isPlanFilePath("/work/notes.md"))
	assert.False(t, isPlanFilePath(""))
}
