package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/servitor-dev/servitor/internal/common/logger"
)

func newTestLogger(t *testing.T) *logger.Logger {
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      "debug",
		Format:     "console",
		OutputPath: "stdout",
	})
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}
	return log
}

func TestNewMemoryEventBus(t *testing.T) {
	bus := NewMemoryEventBus(newTestLogger(t))

	if bus == nil {
		t.Fatal("Expected non-nil bus")
	}
	if !bus.IsConnected() {
		t.Error("Expected bus to be connected")
	}
}

func TestMemoryEventBus_PublishSubscribe(t *testing.T) {
	bus := NewMemoryEventBus(newTestLogger(t))
	defer bus.Close()

	ctx := context.Background()
	received := make(chan *Event, 1)

	sub, err := bus.Subscribe("conversation.events.ws-1", func(ctx context.Context, event *Event) error {
		received <- event
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer func() {
		_ = sub.Unsubscribe()
	}()

	event := NewEvent("conversation.event", "registry", map[string]interface{}{"type": "text_delta"})
	if err := bus.Publish(ctx, "conversation.events.ws-1", event); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	select {
	case got := <-received:
		if got.Type != "conversation.event" {
			t.Errorf("Expected event type conversation.event, got %s", got.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("Timed out waiting for event")
	}
}

func TestMemoryEventBus_WildcardSubscribe(t *testing.T) {
	bus := NewMemoryEventBus(newTestLogger(t))
	defer bus.Close()

	ctx := context.Background()

	var mu sync.Mutex
	var subjects []string
	done := make(chan struct{}, 2)

	sub, err := bus.Subscribe("conversation.events.*", func(ctx context.Context, event *Event) error {
		mu.Lock()
		subjects = append(subjects, event.Source)
		mu.Unlock()
		done <- struct{}{}
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer func() {
		_ = sub.Unsubscribe()
	}()

	for _, id := range []string{"ws-a", "ws-b"} {
		event := NewEvent("conversation.event", id, nil)
		if err := bus.Publish(ctx, "conversation.events."+id, event); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
	}

	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("Timed out waiting for wildcard deliveries")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if len(subjects) != 2 {
		t.Errorf("Expected 2 deliveries, got %d", len(subjects))
	}
}

func TestMemoryEventBus_UnsubscribeStopsDelivery(t *testing.T) {
	bus := NewMemoryEventBus(newTestLogger(t))
	defer bus.Close()

	ctx := context.Background()
	received := make(chan *Event, 1)

	sub, err := bus.Subscribe("conversation.status", func(ctx context.Context, event *Event) error {
		received <- event
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	if err := sub.Unsubscribe(); err != nil {
		t.Fatalf("Unsubscribe failed: %v", err)
	}
	if sub.IsValid() {
		t.Error("Expected subscription to be invalid after unsubscribe")
	}

	if err := bus.Publish(ctx, "conversation.status", NewEvent("conversation.status_changed", "registry", nil)); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	select {
	case <-received:
		t.Fatal("Received event after unsubscribe")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestMemoryEventBus_PublishAfterClose(t *testing.T) {
	bus := NewMemoryEventBus(newTestLogger(t))
	bus.Close()

	if bus.IsConnected() {
		t.Error("Expected bus to be disconnected after close")
	}
	if err := bus.Publish(context.Background(), "conversation.status", NewEvent("x", "y", nil)); err == nil {
		t.Error("Expected publish on closed bus to fail")
	}
}
