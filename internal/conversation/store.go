package conversation

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/servitor-dev/servitor/internal/agent"
	"github.com/servitor-dev/servitor/internal/common/logger"
)

const (
	conversationDir = ".servitor/conversation"
	metaFile        = "meta.json"
	messagesFile    = "messages.jsonl"
	attachmentsDir  = "attachments"
)

// ErrNotFound is returned when a workspace has no conversation yet.
var ErrNotFound = errors.New("conversation not found")

// Store reads and writes the file-backed conversation state that lives
// inside each workspace's working tree. One Store serves every workspace;
// callers address conversations by working directory.
type Store struct {
	log *logger.Logger
}

// NewStore builds a conversation store.
func NewStore(log *logger.Logger) *Store {
	return &Store{log: log.WithFields(zap.String("component", "conversation-store"))}
}

func (s *Store) dir(workingDir string) string {
	return filepath.Join(workingDir, filepath.FromSlash(conversationDir))
}

// Ensure creates the conversation directory and metadata if missing and
// returns the current metadata.
func (s *Store) Ensure(workingDir, agentType string) (*Meta, error) {
	meta, err := s.GetMeta(workingDir)
	if err == nil {
		return meta, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	meta = &Meta{
		AgentType: agentType,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.writeMeta(workingDir, meta); err != nil {
		return nil, err
	}
	return meta, nil
}

// GetMeta loads the conversation metadata, or ErrNotFound.
func (s *Store) GetMeta(workingDir string) (*Meta, error) {
	data, err := os.ReadFile(filepath.Join(s.dir(workingDir), metaFile))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read meta: %w", err)
	}
	var meta Meta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("decode meta: %w", err)
	}
	return &meta, nil
}

// UpdateMeta applies a mutation to the metadata and writes it back. The
// conversation must already exist.
func (s *Store) UpdateMeta(workingDir string, update func(*Meta)) (*Meta, error) {
	meta, err := s.GetMeta(workingDir)
	if err != nil {
		return nil, err
	}
	update(meta)
	if err := s.writeMeta(workingDir, meta); err != nil {
		return nil, err
	}
	return meta, nil
}

func (s *Store) writeMeta(workingDir string, meta *Meta) error {
	dir := s.dir(workingDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create conversation dir: %w", err)
	}
	data, err := json.MarshalIndent(meta, "", "\t")
	if err != nil {
		return fmt.Errorf("encode meta: %w", err)
	}
	data = append(data, '\n')
	if err := os.WriteFile(filepath.Join(dir, metaFile), data, 0o644); err != nil {
		return fmt.Errorf("write meta: %w", err)
	}
	return nil
}

// SetPendingInteraction persists a blocking interaction. Satisfies
// agent.InteractionStore.
func (s *Store) SetPendingInteraction(workingDir string, p agent.PendingInteraction) error {
	_, err := s.UpdateMeta(workingDir, func(meta *Meta) {
		meta.PendingInteraction = &p
	})
	return err
}

// ClearPendingInteraction removes any stored interaction. Clearing a
// conversation that has none is a no-op.
func (s *Store) ClearPendingInteraction(workingDir string) error {
	_, err := s.UpdateMeta(workingDir, func(meta *Meta) {
		meta.PendingInteraction = nil
	})
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

// SetSessionID records the latest resumption token.
func (s *Store) SetSessionID(workingDir, sessionID string) error {
	if sessionID == "" {
		return nil
	}
	_, err := s.UpdateMeta(workingDir, func(meta *Meta) {
		meta.AgentSessionID = sessionID
	})
	return err
}

// AppendMessage appends one transcript entry to messages.jsonl.
func (s *Store) AppendMessage(workingDir string, msg Message) error {
	dir := s.dir(workingDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create conversation dir: %w", err)
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}

	f, err := os.OpenFile(filepath.Join(dir, messagesFile), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open messages: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

// LoadMessages reads the full transcript. A missing file is an empty
// transcript; corrupt lines are skipped rather than failing the load.
func (s *Store) LoadMessages(workingDir string) ([]Message, error) {
	f, err := os.Open(filepath.Join(s.dir(workingDir), messagesFile))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("open messages: %w", err)
	}
	defer f.Close()

	var messages []Message
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg Message
		if err := json.Unmarshal(line, &msg); err != nil {
			s.log.Warn("skipping corrupt transcript line", zap.Error(err))
			continue
		}
		messages = append(messages, msg)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan messages: %w", err)
	}
	return messages, nil
}

// SaveAttachment stores an attachment under the conversation directory and
// returns its path relative to the working dir.
func (s *Store) SaveAttachment(workingDir, name string, data []byte) (string, error) {
	dir := filepath.Join(s.dir(workingDir), attachmentsDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create attachments dir: %w", err)
	}
	name = filepath.Base(name)
	if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
		return "", fmt.Errorf("write attachment: %w", err)
	}
	return filepath.ToSlash(filepath.Join(conversationDir, attachmentsDir, name)), nil
}

// AttachmentPath resolves a stored attachment by name to its absolute path.
// Returns ErrNotFound when no such attachment exists.
func (s *Store) AttachmentPath(workingDir, name string) (string, error) {
	path := filepath.Join(s.dir(workingDir), attachmentsDir, filepath.Base(name))
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("stat attachment: %w", err)
	}
	return path, nil
}
