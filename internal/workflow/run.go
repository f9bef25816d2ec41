package workflow

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"beatbridge/internal/inventory"
	"beatbridge/internal/logging"
)

// Start begins background processing. Stuck in-flight items left over from an
// unclean shutdown are rolled back to their stable statuses first.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return errors.New("workflow already running")
	}
	lanes := make([]*laneState, 0, len(m.laneOrder))
	for _, kind := range m.laneOrder {
		lane := m.lanes[kind]
		if lane == nil || len(lane.statusOrder) == 0 {
			continue
		}
		lanes = append(lanes, lane)
	}
	if len(lanes) == 0 {
		m.mu.Unlock()
		return errors.New("workflow stages not configured")
	}

	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.running = true
	for _, lane := range lanes {
		lane.logger = m.logger.With(logging.String(logging.FieldLane, string(lane.kind)))
	}
	m.wg.Add(len(lanes))
	m.mu.Unlock()

	reset, err := m.store.ResetStuckProcessing(runCtx)
	if err != nil {
		m.logger.Warn("stuck item recovery failed", logging.Error(err))
	} else if reset > 0 {
		m.logger.Info("rolled back in-flight items from previous run", logging.Int64("count", reset))
	}

	for _, lane := range lanes {
		go m.runLane(runCtx, lane)
	}
	return nil
}

// Stop terminates background processing and waits for the lanes to exit.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	cancel := m.cancel
	m.running = false
	m.cancel = nil
	m.mu.Unlock()

	cancel()
	m.wg.Wait()
}

// RunUntilIdle starts the lanes and blocks until every item has reached a
// terminal status, then stops them. Used by the one-shot CLI run.
func (m *Manager) RunUntilIdle(ctx context.Context) error {
	if err := m.Start(ctx); err != nil {
		return err
	}
	defer m.Stop()

	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			idle, err := m.idle(ctx)
			if err != nil {
				m.logger.Warn("idle check failed", logging.Error(err))
				continue
			}
			if idle {
				return nil
			}
		}
	}
}

// idle reports whether no lane is processing an item and no item sits in a
// status a lane would pick up.
func (m *Manager) idle(ctx context.Context) (bool, error) {
	if m.busyCount() > 0 {
		return false, nil
	}
	stats, err := m.store.Stats(ctx)
	if err != nil {
		return false, err
	}
	for _, status := range m.activeStatuses {
		if stats[status] > 0 {
			return false, nil
		}
	}
	return m.busyCount() == 0, nil
}

func (m *Manager) runLane(ctx context.Context, lane *laneState) {
	defer m.wg.Done()
	logger := lane.logger
	if logger == nil {
		logger = logging.NewNop()
	}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		item, err := m.nextItemForLane(ctx, lane)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			m.handleNextItemError(ctx, logger, err)
			continue
		}
		if item == nil {
			m.waitForItemOrShutdown(ctx)
			continue
		}

		m.markBusy()
		err = m.processItem(ctx, lane, logger, item)
		m.markIdle()
		if errors.Is(err, context.Canceled) {
			return
		}
	}
}

func (m *Manager) nextItemForLane(ctx context.Context, lane *laneState) (*inventory.Item, error) {
	if lane == nil || len(lane.statusOrder) == 0 {
		return nil, nil
	}
	return m.store.NextForStatuses(ctx, lane.statusOrder...)
}

func (m *Manager) handleNextItemError(ctx context.Context, logger *slog.Logger, err error) {
	m.setLastError(err)
	logger.Error("failed to fetch next inventory item",
		logging.Error(err),
		logging.String(logging.FieldEventType, "inventory_fetch_failed"),
		logging.String(logging.FieldErrorHint, "check inventory database access"))
	select {
	case <-ctx.Done():
	case <-time.After(m.errorRetry):
	}
}

func (m *Manager) waitForItemOrShutdown(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(m.pollInterval):
	}
}
