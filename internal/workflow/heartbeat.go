package workflow

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"beatbridge/internal/inventory"
	"beatbridge/internal/logging"
)

// HeartbeatMonitor keeps the heartbeat column fresh for in-flight items so a
// later run can tell a live phase from a crashed one.
type HeartbeatMonitor struct {
	store    *inventory.Store
	logger   *slog.Logger
	interval time.Duration
}

// NewHeartbeatMonitor creates a new monitor.
func NewHeartbeatMonitor(store *inventory.Store, logger *slog.Logger, interval time.Duration) *HeartbeatMonitor {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &HeartbeatMonitor{
		store:    store,
		logger:   logging.NewComponentLogger(logger, "workflow-heartbeat"),
		interval: interval,
	}
}

// StartLoop updates the heartbeat for one item until the context is
// cancelled.
func (h *HeartbeatMonitor) StartLoop(ctx context.Context, wg *sync.WaitGroup, itemID int64) {
	defer wg.Done()
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := h.store.UpdateHeartbeat(ctx, itemID); err != nil {
				if errors.Is(err, context.Canceled) {
					return
				}
				h.logger.Warn("heartbeat update failed",
					logging.Int64(logging.FieldItemID, itemID),
					logging.Error(err))
			}
		}
	}
}
