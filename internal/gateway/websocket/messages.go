// Package websocket provides a WebSocket gateway mirroring the SSE streams:
// global busy/idle status plus per-workspace conversation events, with
// client-driven subscriptions.
package websocket

import (
	"encoding/json"

	"github.com/servitor-dev/servitor/internal/agent"
)

// Outbound message types.
const (
	MessageTypeStatus   = "status"
	MessageTypeSnapshot = "status_snapshot"
	MessageTypeEvent    = "event"
	MessageTypeError    = "error"
)

// Inbound actions.
const (
	ActionSubscribe   = "subscribe"
	ActionUnsubscribe = "unsubscribe"
)

// OutboundMessage is the envelope written to clients.
type OutboundMessage struct {
	Type      string          `json:"type"`
	Workspace string          `json:"workspace,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Message   string          `json:"message,omitempty"`
}

// InboundMessage is a client request to change its subscriptions.
type InboundMessage struct {
	Action    string `json:"action"`
	Workspace string `json:"workspace"`
}

func statusMessage(ev agent.StatusEvent) ([]byte, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	return json.Marshal(OutboundMessage{Type: MessageTypeStatus, Payload: payload})
}

func snapshotMessage(statuses map[string]bool) ([]byte, error) {
	payload, err := json.Marshal(statuses)
	if err != nil {
		return nil, err
	}
	return json.Marshal(OutboundMessage{Type: MessageTypeSnapshot, Payload: payload})
}

func eventMessage(workspace string, ev agent.Event) ([]byte, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	return json.Marshal(OutboundMessage{Type: MessageTypeEvent, Workspace: workspace, Payload: payload})
}
