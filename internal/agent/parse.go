package agent

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/servitor-dev/servitor/pkg/claudecode"
)

// ParseEvents maps one decoded CLI message to zero or more conversation
// events. Assistant messages expand to one event per content block in order;
// result messages produce exactly one message_complete; everything else
// (system chatter, echoed user messages) produces nothing. sessionID is the
// current known resumption token, used when the message itself carries none.
func ParseEvents(msg *claudecode.CLIMessage, sessionID string) []Event {
	if msg == nil {
		return nil
	}

	switch msg.Type {
	case claudecode.MessageTypeAssistant:
		return parseAssistant(msg, sessionID)
	case claudecode.MessageTypeResult:
		token := msg.SessionID
		if token == "" {
			token = sessionID
		}
		return []Event{{
			Type:      EventMessageComplete,
			Text:      msg.Result,
			SessionID: token,
		}}
	default:
		return nil
	}
}

func parseAssistant(msg *claudecode.CLIMessage, sessionID string) []Event {
	if msg.Message == nil {
		return nil
	}
	token := msg.SessionID
	if token == "" {
		token = sessionID
	}

	var events []Event
	for _, block := range msg.Message.Content {
		switch block.Type {
		case claudecode.BlockTypeText:
			if block.Text == "" {
				continue
			}
			events = append(events, Event{Type: EventTextDelta, Text: block.Text})
		case claudecode.BlockTypeThinking:
			if block.Thinking == "" {
				continue
			}
			events = append(events, Event{Type: EventThinking, Text: block.Thinking})
		case claudecode.BlockTypeToolUse:
			events = append(events, parseToolUse(block, token))
		}
	}
	return events
}

func parseToolUse(block claudecode.ContentBlock, sessionID string) Event {
	switch block.Name {
	case claudecode.ToolEnterPlanMode:
		return Event{
			Type:      EventEnterPlan,
			ToolUseID: block.ID,
			SessionID: sessionID,
		}
	case claudecode.ToolAskUserQuestion:
		return Event{
			Type:      EventAskUser,
			ToolUseID: block.ID,
			Questions: decodeQuestions(block.Input),
			SessionID: sessionID,
		}
	case claudecode.ToolExitPlanMode:
		ev := Event{
			Type:           EventExitPlan,
			ToolUseID:      block.ID,
			AllowedPrompts: decodeAllowedPrompts(block.Input),
			SessionID:      sessionID,
		}
		if plan, ok := block.Input["plan"].(string); ok {
			ev.PlanContent = plan
		}
		return ev
	default:
		return Event{
			Type:      EventToolUseStart,
			Tool:      block.Name,
			ToolUseID: block.ID,
			Input:     SummarizeToolInput(block.Name, block.Input),
		}
	}
}

func decodeQuestions(input map[string]any) []Question {
	raw, ok := input["questions"]
	if !ok {
		return nil
	}
	var questions []Question
	if err := reencode(raw, &questions); err != nil {
		return nil
	}
	return questions
}

func decodeAllowedPrompts(input map[string]any) []AllowedPrompt {
	raw, ok := input["allowedPrompts"]
	if !ok {
		return nil
	}
	var prompts []AllowedPrompt
	if err := reencode(raw, &prompts); err != nil {
		return nil
	}
	return prompts
}

func reencode(raw any, out any) error {
	data, err := json.Marshal(raw)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

// SummarizeToolInput projects a tool's input object to the one field a
// human scanning a transcript cares about. Unknown tools summarize to "".
func SummarizeToolInput(tool string, input map[string]any) string {
	str := func(key string) string {
		v, _ := input[key].(string)
		return v
	}
	switch tool {
	case claudecode.ToolRead, claudecode.ToolWrite, claudecode.ToolEdit:
		return str("file_path")
	case claudecode.ToolBash:
		return str("command")
	case claudecode.ToolGlob, claudecode.ToolGrep:
		return str("pattern")
	case claudecode.ToolWebFetch:
		return str("url")
	case claudecode.ToolWebSearch:
		return str("query")
	case claudecode.ToolTask:
		return str("description")
	case claudecode.ToolTodoWrite, claudecode.ToolTaskCreate:
		return str("subject")
	case claudecode.ToolTaskUpdate:
		id := str("taskId")
		status := str("status")
		if id == "" && status == "" {
			return ""
		}
		return fmt.Sprintf("%s → %s", id, status)
	case claudecode.ToolTaskGet, claudecode.ToolTaskList:
		return str("taskId")
	default:
		return ""
	}
}

// isPlanFilePath reports whether a written file looks like a plan document:
// a markdown file either named PLAN.md or living under a "plans" directory
// segment anywhere in its path.
func isPlanFilePath(path string) bool {
	if path == "" || !strings.EqualFold(filepath.Ext(path), ".md") {
		return false
	}
	if strings.EqualFold(filepath.Base(path), "PLAN.md") {
		return true
	}
	for _, seg := range strings.Split(filepath.ToSlash(path), "/") {
		if strings.EqualFold(seg, "plans") {
			return true
		}
	}
	return false
}
