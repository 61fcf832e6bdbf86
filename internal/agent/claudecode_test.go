package agent

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeBinary writes an executable shell script standing in for the CLI.
func fakeBinary(t *testing.T, script string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-agent")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+script+"\n"), 0o755))
	return path
}

func collectEvents(t *testing.T, p AgentProcess) []Event {
	t.Helper()
	done := make(chan []Event, 1)
	var events []Event
	p.OnEvent(func(ev Event) {
		events = append(events, ev)
		if ev.Type == EventDone {
			done <- events
		}
	})
	select {
	case got := <-done:
		return got
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for done event")
		return nil
	}
}

func TestClaudeProcessCleanExitEmitsDoneOnly(t *testing.T) {
	adapter := NewClaudeCodeAdapter(fakeBinary(t, `echo '{"type":"result","result":"ok","session_id":"sess-1"}'`), testLogger(t))
	p, err := adapter.Start(StartConfig{WorkingDir: t.TempDir()})
	require.NoError(t, err)

	events := collectEvents(t, p)
	require.Len(t, events, 2)
	assert.Equal(t, EventMessageComplete, events[0].Type)
	assert.Equal(t, "sess-1", events[0].SessionID)
	assert.Equal(t, EventDone, events[1].Type)
	assert.Equal(t, "sess-1", events[1].SessionID)
}

func TestClaudeProcessAbnormalExitEmitsErrorBeforeDone(t *testing.T) {
	adapter := NewClaudeCodeAdapter(fakeBinary(t, "exit 7"), testLogger(t))
	p, err := adapter.Start(StartConfig{WorkingDir: t.TempDir()})
	require.NoError(t, err)

	events := collectEvents(t, p)
	require.Len(t, events, 2)
	assert.Equal(t, EventError, events[0].Type)
	assert.Contains(t, events[0].Message, "exited abnormally")
	assert.Equal(t, EventDone, events[1].Type)
}

func TestClaudeProcessKillDoesNotReportAbnormalExit(t *testing.T) {
	adapter := NewClaudeCodeAdapter(fakeBinary(t, "read line"), testLogger(t))
	p, err := adapter.Start(StartConfig{WorkingDir: t.TempDir()})
	require.NoError(t, err)

	p.Kill()
	events := collectEvents(t, p)
	require.Len(t, events, 1)
	assert.Equal(t, EventDone, events[0].Type)
}

func TestClaudeProcessFlushesTrailingStderrLine(t *testing.T) {
	adapter := NewClaudeCodeAdapter(fakeBinary(t, `printf 'credential helper busted' >&2`), testLogger(t))
	p, err := adapter.Start(StartConfig{WorkingDir: t.TempDir()})
	require.NoError(t, err)

	events := collectEvents(t, p)
	require.Len(t, events, 2)
	assert.Equal(t, EventError, events[0].Type)
	assert.Equal(t, "credential helper busted", events[0].Message)
	assert.Equal(t, EventDone, events[1].Type)
}

func TestClaudeProcessSpawnFailure(t *testing.T) {
	adapter := NewClaudeCodeAdapter(filepath.Join(t.TempDir(), "no-such-binary"), testLogger(t))
	_, err := adapter.Start(StartConfig{WorkingDir: t.TempDir()})
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "spawn"))
}
