package workflow

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"beatbridge/internal/config"
	"beatbridge/internal/inventory"
	"beatbridge/internal/logging"
	"beatbridge/internal/report"
)

// Manager coordinates inventory processing using the registered phase
// handlers.
type Manager struct {
	cfg          *config.Config
	store        *inventory.Store
	logger       *slog.Logger
	stats        *report.RunStats
	pollInterval time.Duration
	errorRetry   time.Duration

	heartbeat *HeartbeatMonitor

	lanes          map[laneKind]*laneState
	laneOrder      []laneKind
	activeStatuses []inventory.Status

	mu      sync.RWMutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	lastErr error

	busy   int64
	busyMu sync.Mutex
}

// NewManager constructs a workflow manager.
func NewManager(cfg *config.Config, store *inventory.Store, logger *slog.Logger, stats *report.RunStats) *Manager {
	if stats == nil {
		stats = report.NewRunStats()
	}
	return &Manager{
		cfg:          cfg,
		store:        store,
		logger:       logging.NewComponentLogger(logger, "workflow"),
		stats:        stats,
		pollInterval: time.Duration(cfg.Workflow.PollInterval) * time.Second,
		errorRetry:   time.Duration(cfg.Workflow.ErrorRetryInterval) * time.Second,
		heartbeat: NewHeartbeatMonitor(store, logger,
			time.Duration(cfg.Workflow.HeartbeatInterval)*time.Second),
		lanes: make(map[laneKind]*laneState),
	}
}

// LastError returns the most recent lane error, if any.
func (m *Manager) LastError() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastErr
}

func (m *Manager) setLastError(err error) {
	m.mu.Lock()
	m.lastErr = err
	m.mu.Unlock()
}

func (m *Manager) markBusy() {
	m.busyMu.Lock()
	m.busy++
	m.busyMu.Unlock()
}

func (m *Manager) markIdle() {
	m.busyMu.Lock()
	m.busy--
	m.busyMu.Unlock()
}

func (m *Manager) busyCount() int64 {
	m.busyMu.Lock()
	defer m.busyMu.Unlock()
	return m.busy
}
