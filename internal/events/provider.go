package events

import (
	"fmt"
	"strings"

	"github.com/servitor-dev/servitor/internal/common/config"
	"github.com/servitor-dev/servitor/internal/common/logger"
	"github.com/servitor-dev/servitor/internal/events/bus"
)

// Provide builds the configured event bus implementation. A non-empty
// NATS URL selects the NATS backend; otherwise the in-memory bus is used.
// The returned cleanup function closes the bus.
func Provide(cfg *config.Config, log *logger.Logger) (bus.EventBus, func(), error) {
	if strings.TrimSpace(cfg.NATS.URL) != "" {
		natsBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize NATS event bus: %w", err)
		}
		return natsBus, natsBus.Close, nil
	}

	memBus := bus.NewMemoryEventBus(log)
	return memBus, memBus.Close, nil
}
