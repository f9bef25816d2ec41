package workflow

import (
	"log/slog"

	"beatbridge/internal/inventory"
	"beatbridge/internal/stage"
)

// StageSet bundles the concrete phase handlers the manager orchestrates. A
// nil handler leaves its phase unconfigured; items stop at the preceding
// stable status.
type StageSet struct {
	Scraper   stage.Handler
	Extractor stage.Handler
	Publisher stage.Handler
}

type pipelineStage struct {
	name             string
	handler          stage.Handler
	startStatus      inventory.Status
	processingStatus inventory.Status
	doneStatus       inventory.Status
}

type laneKind string

const (
	laneCatalog laneKind = "catalog"
	lanePublish laneKind = "publish"
)

type laneState struct {
	kind         laneKind
	stages       []pipelineStage
	statusOrder  []inventory.Status
	stageByStart map[inventory.Status]pipelineStage
	logger       *slog.Logger
}

func (l *laneState) finalize() {
	if l == nil {
		return
	}
	l.stageByStart = make(map[inventory.Status]pipelineStage, len(l.stages))
	l.statusOrder = make([]inventory.Status, 0, len(l.stages))
	for _, stg := range l.stages {
		l.stageByStart[stg.startStatus] = stg
		l.statusOrder = append(l.statusOrder, stg.startStatus)
	}
}

func (l *laneState) stageForStatus(status inventory.Status) (pipelineStage, bool) {
	if l == nil {
		return pipelineStage{}, false
	}
	stg, ok := l.stageByStart[status]
	return stg, ok
}

// ConfigureStages registers the phase handlers and builds the lane layout.
// Must be called before Start.
func (m *Manager) ConfigureStages(set StageSet) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.lanes = make(map[laneKind]*laneState)
	m.laneOrder = m.laneOrder[:0]

	catalog := &laneState{kind: laneCatalog}
	if set.Scraper != nil {
		catalog.stages = append(catalog.stages, pipelineStage{
			name:             "scrape",
			handler:          set.Scraper,
			startStatus:      inventory.StatusPending,
			processingStatus: inventory.StatusScraping,
			doneStatus:       inventory.StatusScraped,
		})
	}
	if set.Extractor != nil {
		catalog.stages = append(catalog.stages, pipelineStage{
			name:             "extract",
			handler:          set.Extractor,
			startStatus:      inventory.StatusScraped,
			processingStatus: inventory.StatusExtracting,
			doneStatus:       inventory.StatusExtracted,
		})
	}
	if len(catalog.stages) > 0 {
		catalog.finalize()
		m.lanes[laneCatalog] = catalog
		m.laneOrder = append(m.laneOrder, laneCatalog)
	}

	if set.Publisher != nil {
		publish := &laneState{kind: lanePublish}
		publish.stages = append(publish.stages, pipelineStage{
			name:             "publish",
			handler:          set.Publisher,
			startStatus:      inventory.StatusExtracted,
			processingStatus: inventory.StatusPublishing,
			doneStatus:       inventory.StatusPublished,
		})
		publish.finalize()
		m.lanes[lanePublish] = publish
		m.laneOrder = append(m.laneOrder, lanePublish)
	}

	active := make(map[inventory.Status]struct{})
	for _, lane := range m.lanes {
		for _, stg := range lane.stages {
			active[stg.startStatus] = struct{}{}
			active[stg.processingStatus] = struct{}{}
		}
	}
	m.activeStatuses = m.activeStatuses[:0]
	for status := range active {
		m.activeStatuses = append(m.activeStatuses, status)
	}
}
