package workflow

import (
	"context"

	"beatbridge/internal/stage"
)

// HealthCheck runs every configured handler's health check and returns the
// results in lane order.
func (m *Manager) HealthCheck(ctx context.Context) []stage.Health {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var results []stage.Health
	for _, kind := range m.laneOrder {
		lane := m.lanes[kind]
		if lane == nil {
			continue
		}
		for _, stg := range lane.stages {
			if stg.handler == nil {
				continue
			}
			results = append(results, stg.handler.HealthCheck(ctx))
		}
	}
	return results
}
