package workspace

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/servitor-dev/servitor/internal/common/logger"
	"github.com/servitor-dev/servitor/internal/events"
	"github.com/servitor-dev/servitor/internal/events/bus"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)
	return log
}

func TestLifecycleEventsPublishedToBus(t *testing.T) {
	log := newTestLogger(t)
	eventBus := bus.NewMemoryEventBus(log)
	defer eventBus.Close()

	received := make(chan *bus.Event, 2)
	sub, err := eventBus.Subscribe(events.SubjectWorkspaces, func(ctx context.Context, ev *bus.Event) error {
		received <- ev
		return nil
	})
	require.NoError(t, err)
	defer func() { _ = sub.Unsubscribe() }()

	m := &Manager{
		bus:     eventBus,
		log:     log,
		project: &Project{ID: "p-1", Name: "project"},
	}

	m.publishLifecycle(context.Background(), events.WorkspaceCreated, "feature")
	m.publishLifecycle(context.Background(), events.WorkspaceDeleted, "feature")

	// The memory bus dispatches asynchronously, so collect by type.
	got := make(map[string]*bus.Event)
	for i := 0; i < 2; i++ {
		select {
		case ev := <-received:
			got[ev.Type] = ev
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for lifecycle events")
		}
	}
	for _, want := range []string{events.WorkspaceCreated, events.WorkspaceDeleted} {
		ev := got[want]
		require.NotNil(t, ev, want)
		assert.Equal(t, "project", ev.Data["project"])
		assert.Equal(t, "feature", ev.Data["workspace"])
	}
}

func TestLifecycleEventsWithoutBus(t *testing.T) {
	m := &Manager{log: newTestLogger(t), project: &Project{Name: "project"}}
	// No bus configured; publishing is a no-op rather than a panic.
	m.publishLifecycle(context.Background(), events.WorkspaceCreated, "feature")
}
