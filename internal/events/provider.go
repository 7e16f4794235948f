package events

import (
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/relaydev/relay/internal/common/config"
	"github.com/relaydev/relay/internal/common/logger"
	"github.com/relaydev/relay/internal/events/bus"
)

// ProvideBus builds the configured event bus: NATS when nats.url is set,
// otherwise the in-process bus. The returned cleanup closes the backend.
func ProvideBus(cfg *config.Config, log *logger.Logger) (bus.EventBus, func(), error) {
	if strings.TrimSpace(cfg.NATS.URL) != "" {
		natsBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize NATS event bus: %w", err)
		}
		log.Info("Connected to NATS event bus", zap.String("url", cfg.NATS.URL))
		return natsBus, natsBus.Close, nil
	}

	log.Info("Using in-memory event bus")
	memBus := bus.NewMemoryEventBus(log)
	return memBus, memBus.Close, nil
}
