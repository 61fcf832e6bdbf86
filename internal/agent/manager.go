package agent

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/servitor-dev/servitor/internal/common/logger"
	"github.com/servitor-dev/servitor/internal/events"
	"github.com/servitor-dev/servitor/internal/events/bus"
)

// Listener receives conversation events for one conversation.
type Listener func(Event)

// StatusListener receives busy/idle transitions across all conversations.
type StatusListener func(StatusEvent)

// StatusEvent is one busy/idle transition of a conversation.
type StatusEvent struct {
	Workspace string `json:"workspace"`
	Busy      bool   `json:"busy"`
}

// SendMessageOptions carries everything the registry needs to deliver one
// user message to a conversation.
type SendMessageOptions struct {
	// MessageID is the client-supplied id echoed on the user_message event.
	MessageID string
	// Content is the message text, including any formatted answer payloads.
	Content string
	// AgentKind selects the adapter when a spawn is needed.
	AgentKind string
	// WorkingDir is the directory the subprocess runs in.
	WorkingDir string
	// SessionID seeds the resumption token when the conversation has none,
	// letting a restarted server resume a prior session.
	SessionID string
	// Mode selects plan or build behavior for a spawn.
	Mode ExecutionMode
	// OnComplete is invoked once when this message's turn flushes. A later
	// message's handler supersedes it.
	OnComplete CompletionFunc
}

// ManagerOptions are the registry's optional collaborators.
type ManagerOptions struct {
	// Interactions persists pending blocking interactions. Nil disables
	// persistence; the event fanout still happens.
	Interactions InteractionStore
	// Bus additionally publishes status transitions and conversation
	// events to the event bus. Nil disables publishing.
	Bus bus.EventBus
	// ReadPlanFile overrides plan file reads, for tests. Nil uses the
	// filesystem.
	ReadPlanFile func(path string) ([]byte, error)
}

// Manager is the conversation registry: it owns at most one running agent
// process per conversation, accumulates each turn's content, fans events out
// to subscribed listeners, and tracks busy state globally. Operations on
// different conversations never block each other.
type Manager struct {
	log          *logger.Logger
	interactions InteractionStore
	bus          bus.EventBus
	readPlanFile func(path string) ([]byte, error)

	mu            sync.RWMutex
	conversations map[string]*convEntry
	adapters      map[string]AgentAdapter

	statusMu        sync.Mutex
	statuses        map[string]bool
	statusListeners map[int]StatusListener
	nextStatusID    int
}

// NewManager builds an empty registry.
func NewManager(log *logger.Logger, opts ManagerOptions) *Manager {
	readPlan := opts.ReadPlanFile
	if readPlan == nil {
		readPlan = os.ReadFile
	}
	return &Manager{
		log:             log.WithFields(zap.String("component", "agent-manager")),
		interactions:    opts.Interactions,
		bus:             opts.Bus,
		readPlanFile:    readPlan,
		conversations:   make(map[string]*convEntry),
		adapters:        make(map[string]AgentAdapter),
		statuses:        make(map[string]bool),
		statusListeners: make(map[int]StatusListener),
	}
}

// RegisterAdapter makes an agent kind available for spawning.
func (m *Manager) RegisterAdapter(kind string, adapter AgentAdapter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.adapters[kind] = adapter
}

// convEntry is the per-conversation state. Its mutex serializes message
// delivery, event handling and listener changes for this conversation only.
type convEntry struct {
	mu sync.Mutex

	id         string
	workingDir string
	process    AgentProcess
	busy       bool
	sessionID  string

	listeners map[int]Listener
	nextLisID int

	// turn accumulator
	parts        []Part
	tools        []ToolInvocation
	thinkingSegs []string
	thinkingOpen bool
	onComplete   CompletionFunc
}

func (m *Manager) getOrCreate(id string) *convEntry {
	m.mu.RLock()
	e := m.conversations[id]
	m.mu.RUnlock()
	if e != nil {
		return e
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if e = m.conversations[id]; e != nil {
		return e
	}
	e = &convEntry{id: id, listeners: make(map[int]Listener)}
	m.conversations[id] = e

	m.statusMu.Lock()
	m.statuses[id] = false
	m.statusMu.Unlock()
	return e
}

func (m *Manager) lookup(id string) *convEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.conversations[id]
}

// SendMessage delivers one user message, spawning a subprocess when the
// conversation has none running. Spawn and delivery failures surface as
// error events to listeners rather than hard errors: the message was
// accepted, the turn just failed.
func (m *Manager) SendMessage(id string, opts SendMessageOptions) {
	e := m.getOrCreate(id)
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.workingDir == "" {
		e.workingDir = opts.WorkingDir
	}
	if e.sessionID == "" && opts.SessionID != "" {
		e.sessionID = opts.SessionID
	}

	m.broadcastLocked(e, Event{
		Type:      EventUserMessage,
		MessageID: opts.MessageID,
		Content:   opts.Content,
	})

	// A new message starts a new turn.
	e.resetTurn()
	e.onComplete = opts.OnComplete

	if e.process != nil {
		m.setBusy(e, true)
		if err := e.process.Send(opts.Content); err != nil {
			m.log.WithConversation(id).WithError(err).Error("failed to write to agent stdin")
			m.broadcastLocked(e, Event{Type: EventError, Message: fmt.Sprintf("failed to send message: %v", err)})
		}
		return
	}

	m.mu.RLock()
	adapter := m.adapters[opts.AgentKind]
	m.mu.RUnlock()
	if adapter == nil {
		m.broadcastLocked(e, Event{
			Type:    EventError,
			Message: fmt.Sprintf("unknown agent type: %s", opts.AgentKind),
		})
		return
	}

	m.setBusy(e, true)
	proc, err := adapter.Start(StartConfig{
		WorkingDir: e.workingDir,
		SessionID:  e.sessionID,
		Mode:       opts.Mode,
	})
	if err != nil {
		m.log.WithConversation(id).WithError(err).Error("failed to spawn agent process")
		m.broadcastLocked(e, Event{Type: EventError, Message: fmt.Sprintf("failed to start agent: %v", err)})
		m.setBusy(e, false)
		return
	}

	e.process = proc
	proc.OnEvent(func(ev Event) {
		m.handleEvent(id, proc, ev)
	})
	if err := proc.Send(opts.Content); err != nil {
		m.log.WithConversation(id).WithError(err).Error("failed to write to agent stdin")
		m.broadcastLocked(e, Event{Type: EventError, Message: fmt.Sprintf("failed to send message: %v", err)})
	}
}

// SendToolResult forwards a tool result to the conversation's running
// process. It errors when nothing is running.
func (m *Manager) SendToolResult(id, toolUseID, result string) error {
	e := m.lookup(id)
	if e == nil {
		return fmt.Errorf("conversation %s: no running process", id)
	}
	e.mu.Lock()
	proc := e.process
	e.mu.Unlock()
	if proc == nil {
		return fmt.Errorf("conversation %s: no running process", id)
	}
	return proc.SendToolResult(toolUseID, result)
}

// Subscribe attaches a listener for one conversation's events and returns
// its detach function. Detaching the last listener of an idle conversation
// removes the entry entirely.
func (m *Manager) Subscribe(id string, fn Listener) func() {
	e := m.getOrCreate(id)
	e.mu.Lock()
	lid := e.nextLisID
	e.nextLisID++
	e.listeners[lid] = fn
	e.mu.Unlock()

	return func() {
		e.mu.Lock()
		delete(e.listeners, lid)
		empty := len(e.listeners) == 0 && e.process == nil
		e.mu.Unlock()
		if empty {
			m.removeIfIdle(id, e)
		}
	}
}

func (m *Manager) removeIfIdle(id string, e *convEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur := m.conversations[id]
	if cur != e {
		return
	}
	e.mu.Lock()
	idle := len(e.listeners) == 0 && e.process == nil
	e.mu.Unlock()
	if !idle {
		return
	}
	delete(m.conversations, id)
	m.statusMu.Lock()
	delete(m.statuses, id)
	m.statusMu.Unlock()
}

// IsBusy reports whether the conversation is mid-turn.
func (m *Manager) IsBusy(id string) bool {
	e := m.lookup(id)
	if e == nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.busy
}

// SessionID returns the conversation's current resumption token.
func (m *Manager) SessionID(id string) string {
	e := m.lookup(id)
	if e == nil {
		return ""
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sessionID
}

// KillProcess flushes any in-flight turn content, kills the conversation's
// process and marks it idle. Unknown conversations are a no-op.
func (m *Manager) KillProcess(id string) {
	e := m.lookup(id)
	if e == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	m.killLocked(e)
}

func (m *Manager) killLocked(e *convEntry) {
	if e.process == nil {
		return
	}
	m.flushTurn(e, "", e.sessionID)
	proc := e.process
	e.process = nil
	proc.Kill()
	m.setBusy(e, false)
}

// KillAll kills every running process and clears the registry. Used at
// shutdown.
func (m *Manager) KillAll() {
	m.mu.Lock()
	entries := make([]*convEntry, 0, len(m.conversations))
	for _, e := range m.conversations {
		entries = append(entries, e)
	}
	m.conversations = make(map[string]*convEntry)
	m.mu.Unlock()

	for _, e := range entries {
		e.mu.Lock()
		m.killLocked(e)
		e.mu.Unlock()
	}

	m.statusMu.Lock()
	m.statuses = make(map[string]bool)
	m.statusMu.Unlock()
}

// GetAllStatuses snapshots the busy flag of every known conversation.
func (m *Manager) GetAllStatuses() map[string]bool {
	m.statusMu.Lock()
	defer m.statusMu.Unlock()
	out := make(map[string]bool, len(m.statuses))
	for k, v := range m.statuses {
		out[k] = v
	}
	return out
}

// SubscribeGlobalStatus registers a listener for busy transitions and
// returns a consistent snapshot taken at registration, plus the detach
// function. No transition between snapshot and registration can be missed.
//
// Listeners run under the status lock to preserve that ordering, so they
// must not call back into the registry; enqueue to a channel instead.
func (m *Manager) SubscribeGlobalStatus(fn StatusListener) (map[string]bool, func()) {
	m.statusMu.Lock()
	id := m.nextStatusID
	m.nextStatusID++
	m.statusListeners[id] = fn
	snapshot := make(map[string]bool, len(m.statuses))
	for k, v := range m.statuses {
		snapshot[k] = v
	}
	m.statusMu.Unlock()

	return snapshot, func() {
		m.statusMu.Lock()
		delete(m.statusListeners, id)
		m.statusMu.Unlock()
	}
}

// setBusy records a busy transition and notifies status listeners. Only
// actual transitions fan out. Called with the entry lock held.
func (m *Manager) setBusy(e *convEntry, busy bool) {
	m.statusMu.Lock()
	if prev, ok := m.statuses[e.id]; ok && prev == busy {
		m.statusMu.Unlock()
		return
	}
	m.statuses[e.id] = busy
	listeners := make([]StatusListener, 0, len(m.statusListeners))
	for _, fn := range m.statusListeners {
		listeners = append(listeners, fn)
	}
	ev := StatusEvent{Workspace: e.id, Busy: busy}
	for _, fn := range listeners {
		m.invoke(func() { fn(ev) })
	}
	m.statusMu.Unlock()
	e.busy = busy

	if m.bus != nil {
		busEv := bus.NewEvent(events.ConversationStatusChanged, "agent-manager", map[string]interface{}{
			"workspace": e.id,
			"busy":      busy,
		})
		if err := m.bus.Publish(context.Background(), events.SubjectStatus, busEv); err != nil {
			m.log.WithError(err).Warn("failed to publish status event")
		}
	}
}

// broadcastLocked fans an event out to this conversation's listeners and the
// event bus. Called with the entry lock held; listener panics are contained.
func (m *Manager) broadcastLocked(e *convEntry, ev Event) {
	for _, fn := range e.listeners {
		lis := fn
		m.invoke(func() { lis(ev) })
	}
	if m.bus != nil {
		busEv := bus.NewEvent(events.ConversationEventEmitted, "agent-manager", map[string]interface{}{
			"workspace": e.id,
			"event":     ev,
		})
		if err := m.bus.Publish(context.Background(), events.EventsSubject(e.id), busEv); err != nil {
			m.log.WithError(err).Warn("failed to publish conversation event")
		}
	}
}

func (m *Manager) invoke(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("listener panicked", zap.Any("panic", r))
		}
	}()
	fn()
}

// handleEvent is the single event handler attached to each spawned process.
// Events for one conversation are processed in order under the entry lock.
func (m *Manager) handleEvent(id string, proc AgentProcess, ev Event) {
	e := m.lookup(id)
	if e == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	// A killed process keeps draining its pipes for a moment; its leftover
	// events must not leak into a successor turn.
	if e.process != proc {
		return
	}

	switch ev.Type {
	case EventTextDelta:
		m.broadcastLocked(e, ev)
		e.accumulateText(ev.Text)
	case EventThinking:
		m.broadcastLocked(e, ev)
		e.accumulateThinking(ev.Text)
	case EventToolUseStart:
		m.broadcastLocked(e, ev)
		e.accumulateTool(ev)
	case EventMessageComplete:
		m.broadcastLocked(e, ev)
		token := e.adoptToken(ev.SessionID)
		m.flushTurn(e, ev.Text, token)
		m.setBusy(e, false)
	case EventEnterPlan, EventAskUser, EventExitPlan:
		m.handleBlocking(e, proc, ev)
	case EventDone:
		m.broadcastLocked(e, ev)
		token := e.adoptToken(ev.SessionID)
		e.process = nil
		// A crash mid-turn still persists whatever accumulated.
		m.flushTurn(e, "", token)
		m.setBusy(e, false)
	default:
		m.broadcastLocked(e, ev)
	}
}

// handleBlocking runs the teardown sequence shared by the three reserved
// tools: freeze the resumption token, flush the partial turn, persist the
// pending interaction, mark idle, fan out the enriched event, then kill the
// process. The next message respawns with the frozen token.
func (m *Manager) handleBlocking(e *convEntry, proc AgentProcess, ev Event) {
	token := e.adoptToken(ev.SessionID)

	enriched := ev
	if ev.Type == EventExitPlan {
		enriched = m.enrichExitPlan(e, ev)
	}

	m.flushTurn(e, "", token)

	if m.interactions != nil {
		pending := PendingInteraction{
			Type:           enriched.Type,
			Questions:      enriched.Questions,
			AllowedPrompts: enriched.AllowedPrompts,
			PlanContent:    enriched.PlanContent,
			PlanFilePath:   enriched.PlanFilePath,
		}
		if err := m.interactions.SetPendingInteraction(e.workingDir, pending); err != nil {
			m.log.WithConversation(e.id).WithError(err).Error("failed to persist pending interaction")
		}
	}

	m.setBusy(e, false)
	m.broadcastLocked(e, enriched)

	proc.Kill()
	if e.process == proc {
		e.process = nil
	}
}

// enrichExitPlan attaches the plan document to an exit_plan event when the
// turn wrote one: the most recent Write whose path looks like a plan file.
// An event already carrying inline plan content passes through unchanged.
func (m *Manager) enrichExitPlan(e *convEntry, ev Event) Event {
	if ev.PlanContent != "" {
		return ev
	}
	for i := len(e.tools) - 1; i >= 0; i-- {
		call := e.tools[i]
		if call.Tool != "Write" || !isPlanFilePath(call.Input) {
			continue
		}
		enriched := ev
		enriched.PlanFilePath = call.Input
		path := call.Input
		if !filepath.IsAbs(path) && e.workingDir != "" {
			path = filepath.Join(e.workingDir, path)
		}
		if content, err := m.readPlanFile(path); err == nil {
			enriched.PlanContent = string(content)
		} else {
			m.log.WithConversation(e.id).WithError(err).Warn("failed to read plan file")
		}
		return enriched
	}
	return ev
}

// flushTurn hands the accumulated turn to the pending completion handler,
// then resets the accumulator. Trivial turns (no text, no thinking, no
// tools) are dropped; the handler fires at most once per turn either way.
func (m *Manager) flushTurn(e *convEntry, textOverride, sessionID string) {
	text := textOverride
	if text == "" {
		text = joinTextParts(e.parts)
	}
	thinking := strings.Join(e.thinkingSegs, "\n\n")

	onComplete := e.onComplete
	parts := e.parts
	tools := e.tools
	e.resetTurn()

	if text == "" && thinking == "" && len(tools) == 0 {
		return
	}

	if m.bus != nil {
		busEv := bus.NewEvent(events.TurnCompleted, "agent-manager", map[string]interface{}{
			"workspace": e.id,
			"sessionId": sessionID,
			"toolCalls": len(tools),
		})
		if err := m.bus.Publish(context.Background(), events.EventsSubject(e.id), busEv); err != nil {
			m.log.WithError(err).Warn("failed to publish turn completion")
		}
	}

	if onComplete != nil {
		onComplete(text, sessionID, tools, thinking, parts)
	}
}

func joinTextParts(parts []Part) string {
	var texts []string
	for _, p := range parts {
		if p.Type == PartText && p.Text != "" {
			texts = append(texts, p.Text)
		}
	}
	return strings.Join(texts, "\n\n")
}

// adoptToken folds a token from a terminal event into the entry. Empty
// tokens never erase a known one.
func (e *convEntry) adoptToken(token string) string {
	if token != "" {
		e.sessionID = token
	}
	return e.sessionID
}

func (e *convEntry) resetTurn() {
	e.parts = nil
	e.tools = nil
	e.thinkingSegs = nil
	e.thinkingOpen = false
	e.onComplete = nil
}

// accumulateText folds a text delta in. Deltas carry the full accumulated
// value, so a delta following another text delta overwrites the open part;
// a delta after a tool call opens a new part.
func (e *convEntry) accumulateText(text string) {
	e.thinkingOpen = false
	if n := len(e.parts); n > 0 && e.parts[n-1].Type == PartText {
		e.parts[n-1].Text = text
		return
	}
	e.parts = append(e.parts, Part{Type: PartText, Text: text})
}

// accumulateThinking mirrors text accumulation for thinking segments, which
// live alongside the ordered parts rather than in them.
func (e *convEntry) accumulateThinking(text string) {
	if e.thinkingOpen && len(e.thinkingSegs) > 0 {
		e.thinkingSegs[len(e.thinkingSegs)-1] = text
		return
	}
	e.thinkingSegs = append(e.thinkingSegs, text)
	e.thinkingOpen = true
}

func (e *convEntry) accumulateTool(ev Event) {
	e.thinkingOpen = false
	e.tools = append(e.tools, ToolInvocation{
		Tool:      ev.Tool,
		ToolUseID: ev.ToolUseID,
		Input:     ev.Input,
	})
	e.parts = append(e.parts, Part{
		Type:      PartToolUse,
		Tool:      ev.Tool,
		ToolUseID: ev.ToolUseID,
		Input:     ev.Input,
	})
}
