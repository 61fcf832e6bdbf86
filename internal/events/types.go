// Package events provides event types and utilities for the Servitor event system.
package events

// Event types for conversations
const (
	ConversationStatusChanged = "conversation.status_changed"
	ConversationEventEmitted  = "conversation.event"
	TurnCompleted             = "conversation.turn_completed"
)

// Event types for workspaces
const (
	WorkspaceCreated = "workspace.created"
	WorkspaceDeleted = "workspace.deleted"
)

// Subjects used on the event bus. Subjects are NATS-style dotted paths;
// per-conversation subjects embed the conversation id as the last token.
const (
	SubjectStatus       = "conversation.status"
	SubjectEventsPrefix = "conversation.events."
	SubjectWorkspaces   = "workspace.lifecycle"
)

// EventsSubject returns the bus subject carrying one conversation's events.
func EventsSubject(conversationID string) string {
	return SubjectEventsPrefix + conversationID
}
