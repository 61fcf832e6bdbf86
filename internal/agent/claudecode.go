package agent

import (
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/servitor-dev/servitor/internal/common/logger"
	"github.com/servitor-dev/servitor/internal/common/stringutil"
	"github.com/servitor-dev/servitor/pkg/claudecode"
)

const (
	stdoutChunkSize = 4096
	eventBufferSize = 256
	killGracePeriod = 2 * time.Second
	maxStderrLine   = 2048
)

// ClaudeCodeAdapter spawns Claude Code CLI subprocesses speaking the
// stream-json protocol on stdin/stdout.
type ClaudeCodeAdapter struct {
	binary string
	log    *logger.Logger
}

// NewClaudeCodeAdapter returns an adapter invoking the given binary.
func NewClaudeCodeAdapter(binary string, log *logger.Logger) *ClaudeCodeAdapter {
	if binary == "" {
		binary = "claude"
	}
	return &ClaudeCodeAdapter{
		binary: binary,
		log:    log.WithFields(zap.String("component", "claude-code")),
	}
}

// Start spawns a subprocess in cfg.WorkingDir. A non-empty cfg.SessionID
// resumes the prior session; cfg.Mode maps to the CLI's permission modes.
func (a *ClaudeCodeAdapter) Start(cfg StartConfig) (AgentProcess, error) {
	args := []string{
		"--input-format", "stream-json",
		"--output-format", "stream-json",
		"--verbose",
	}
	switch cfg.Mode {
	case ModePlan:
		args = append(args, "--permission-mode", "plan")
	case ModeBuild:
		args = append(args, "--permission-mode", "acceptEdits")
	}
	if cfg.SessionID != "" {
		args = append(args, "--resume", cfg.SessionID)
	}

	cmd := exec.Command(a.binary, args...)
	cmd.Dir = cfg.WorkingDir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawn %s: %w", a.binary, err)
	}

	p := &claudeProcess{
		cmd:       cmd,
		stdin:     stdin,
		events:    make(chan Event, eventBufferSize),
		exited:    make(chan struct{}),
		sessionID: cfg.SessionID,
		log:       a.log.WithFields(zap.String("working_dir", cfg.WorkingDir)),
	}
	p.log.Info("agent process started",
		zap.Int("pid", cmd.Process.Pid),
		zap.String("mode", string(cfg.Mode)),
		zap.Bool("resumed", cfg.SessionID != ""))

	var pumps sync.WaitGroup
	pumps.Add(2)
	go p.pumpStdout(stdout, &pumps)
	go p.pumpStderr(stderr, &pumps)
	go p.wait(&pumps)

	return p, nil
}

// claudeProcess wraps one running CLI subprocess. Raw stdout lines are
// decoded and parsed on the stdout pump goroutine; the resulting events are
// funneled through a single channel so consumers see them in order, ending
// with exactly one done event when the process exits.
type claudeProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	events chan Event
	exited chan struct{}
	log    *logger.Logger

	writeMu sync.Mutex

	mu            sync.Mutex
	sessionID     string
	killRequested bool

	killOnce sync.Once
	onceCb   sync.Once
}

func (p *claudeProcess) Send(content string) error {
	msg, err := claudecode.NewUserMessage(content)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	return p.writeLine(msg)
}

func (p *claudeProcess) SendToolResult(toolUseID, result string) error {
	msg, err := claudecode.NewToolResultMessage(toolUseID, result)
	if err != nil {
		return fmt.Errorf("encode tool result: %w", err)
	}
	return p.writeLine(msg)
}

func (p *claudeProcess) writeLine(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if _, err := p.stdin.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write stdin: %w", err)
	}
	return nil
}

// OnEvent attaches the event consumer. Only the first call takes effect;
// the consumer runs on its own goroutine and receives events in order,
// the final one being done.
func (p *claudeProcess) OnEvent(fn func(Event)) {
	p.onceCb.Do(func() {
		go func() {
			for ev := range p.events {
				fn(ev)
			}
		}()
	})
}

// Kill closes stdin and terminates the subprocess, escalating to SIGKILL
// if it lingers past a grace period. Safe to call repeatedly and after exit.
func (p *claudeProcess) Kill() {
	p.killOnce.Do(func() {
		p.mu.Lock()
		p.killRequested = true
		p.mu.Unlock()

		p.writeMu.Lock()
		p.stdin.Close()
		p.writeMu.Unlock()

		if p.cmd.Process != nil {
			_ = p.cmd.Process.Signal(syscall.SIGTERM)
		}
		go func() {
			select {
			case <-p.exited:
			case <-time.After(killGracePeriod):
				if p.cmd.Process != nil {
					_ = p.cmd.Process.Kill()
				}
			}
		}()
	})
}

func (p *claudeProcess) pumpStdout(r io.Reader, pumps *sync.WaitGroup) {
	defer pumps.Done()

	var lb lineBuffer
	buf := make([]byte, stdoutChunkSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			for _, line := range lb.Append(buf[:n]) {
				p.handleLine(line)
			}
		}
		if err != nil {
			if rem := lb.Flush(); rem != nil {
				p.handleLine(rem)
			}
			return
		}
	}
}

func (p *claudeProcess) handleLine(line []byte) {
	var msg claudecode.CLIMessage
	if err := json.Unmarshal(line, &msg); err != nil {
		p.log.Debug("dropping unparsable stdout line", zap.Int("len", len(line)))
		return
	}

	p.mu.Lock()
	if msg.SessionID != "" {
		p.sessionID = msg.SessionID
	}
	sessionID := p.sessionID
	p.mu.Unlock()

	for _, ev := range ParseEvents(&msg, sessionID) {
		p.events <- ev
	}
	if msg.Type == claudecode.MessageTypeResult && msg.IsError {
		p.events <- Event{Type: EventError, Message: msg.Result}
	}
}

func (p *claudeProcess) pumpStderr(r io.Reader, pumps *sync.WaitGroup) {
	defer pumps.Done()

	var lb lineBuffer
	buf := make([]byte, stdoutChunkSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			for _, line := range lb.Append(buf[:n]) {
				msg := stringutil.Truncate(string(line), maxStderrLine)
				p.log.Warn("agent stderr", zap.String("line", msg))
				p.events <- Event{Type: EventError, Message: msg}
			}
		}
		if err != nil {
			if rem := lb.Flush(); rem != nil {
				msg := stringutil.Truncate(string(rem), maxStderrLine)
				p.log.Warn("agent stderr", zap.String("line", msg))
				p.events <- Event{Type: EventError, Message: msg}
			}
			return
		}
	}
}

// wait blocks until both pumps drain and the subprocess exits, then emits
// the single done event and closes the stream. An abnormal exit that was not
// requested via Kill surfaces as an error event first.
func (p *claudeProcess) wait(pumps *sync.WaitGroup) {
	pumps.Wait()
	err := p.cmd.Wait()
	close(p.exited)

	p.mu.Lock()
	sessionID := p.sessionID
	killRequested := p.killRequested
	p.mu.Unlock()

	if err != nil {
		p.log.Info("agent process exited", zap.Error(err))
		if !killRequested {
			p.events <- Event{Type: EventError, Message: fmt.Sprintf("agent process exited abnormally: %v", err)}
		}
	} else {
		p.log.Info("agent process exited")
	}
	p.events <- Event{Type: EventDone, SessionID: sessionID}
	close(p.events)
}
