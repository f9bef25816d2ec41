package workflow_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"beatbridge/internal/config"
	"beatbridge/internal/inventory"
	"beatbridge/internal/logging"
	"beatbridge/internal/report"
	"beatbridge/internal/services"
	"beatbridge/internal/stage"
	"beatbridge/internal/workflow"
)

type fakeStage struct {
	name string

	mu       sync.Mutex
	executed []int64
	fail     error
	onExec   func(ctx context.Context, item *inventory.Item) error
}

func (f *fakeStage) Prepare(ctx context.Context, item *inventory.Item) error {
	item.ErrorMessage = ""
	return nil
}

func (f *fakeStage) Execute(ctx context.Context, item *inventory.Item) error {
	f.mu.Lock()
	f.executed = append(f.executed, item.ID)
	fail := f.fail
	onExec := f.onExec
	f.mu.Unlock()
	if fail != nil {
		return fail
	}
	if onExec != nil {
		return onExec(ctx, item)
	}
	return nil
}

func (f *fakeStage) HealthCheck(ctx context.Context) stage.Health {
	return stage.Healthy(f.name)
}

func (f *fakeStage) executions() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int64(nil), f.executed...)
}

func managerConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	dir := t.TempDir()
	cfg.Storage.LibraryDir = filepath.Join(dir, "library")
	cfg.Storage.StagingDir = filepath.Join(dir, "staging")
	cfg.Storage.LogDir = filepath.Join(dir, "logs")
	cfg.Workflow.PollInterval = 1
	cfg.Workflow.ErrorRetryInterval = 1
	cfg.Workflow.HeartbeatInterval = 1
	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("ensure dirs: %v", err)
	}
	return &cfg
}

func managerStore(t *testing.T, cfg *config.Config) *inventory.Store {
	t.Helper()
	store, err := inventory.OpenPath(filepath.Join(cfg.Storage.LibraryDir, "inventory.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func waitForStatus(t *testing.T, store *inventory.Store, id int64, want inventory.Status) {
	t.Helper()
	deadline := time.Now().Add(15 * time.Second)
	for time.Now().Before(deadline) {
		item, err := store.GetByID(context.Background(), id)
		if err != nil {
			t.Fatalf("get item: %v", err)
		}
		if item != nil && item.Status == want {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	item, _ := store.GetByID(context.Background(), id)
	t.Fatalf("item never reached %s, last state %+v", want, item)
}

func TestRunUntilIdleDrivesItemThroughAllPhases(t *testing.T) {
	cfg := managerConfig(t)
	store := managerStore(t, cfg)
	ctx := context.Background()

	item, err := store.UpsertItem(ctx, "Midnight Drive", "Midnight Drive")
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}

	scrape := &fakeStage{name: "scrape"}
	extract := &fakeStage{name: "extract"}
	publish := &fakeStage{name: "publish"}
	m := workflow.NewManager(cfg, store, logging.NewNop(), report.NewRunStats())
	m.ConfigureStages(workflow.StageSet{Scraper: scrape, Extractor: extract, Publisher: publish})

	runCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := m.RunUntilIdle(runCtx); err != nil {
		t.Fatalf("run: %v", err)
	}

	final, err := store.GetByID(ctx, item.ID)
	if err != nil {
		t.Fatalf("get item: %v", err)
	}
	if final.Status != inventory.StatusPublished {
		t.Fatalf("status = %s", final.Status)
	}
	for _, stg := range []*fakeStage{scrape, extract, publish} {
		if got := stg.executions(); len(got) != 1 || got[0] != item.ID {
			t.Fatalf("%s executions = %v", stg.name, got)
		}
	}
}

func TestStageFailureRoutesToTaxonomyStatus(t *testing.T) {
	cfg := managerConfig(t)
	store := managerStore(t, cfg)
	ctx := context.Background()

	transient, err := store.UpsertItem(ctx, "Transient Beat", "Transient Beat")
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	review, err := store.UpsertItem(ctx, "Review Beat", "Review Beat")
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}

	scrape := &fakeStage{name: "scrape", onExec: func(ctx context.Context, item *inventory.Item) error {
		if item.ID == transient.ID {
			return services.Wrap(services.ErrTransient, "scraping", "download", "network flake", nil)
		}
		return services.Wrap(services.ErrValidation, "scraping", "listing", "bad listing entry", nil)
	}}
	stats := report.NewRunStats()
	m := workflow.NewManager(cfg, store, logging.NewNop(), stats)
	m.ConfigureStages(workflow.StageSet{Scraper: scrape})

	runCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := m.RunUntilIdle(runCtx); err != nil {
		t.Fatalf("run: %v", err)
	}

	waitForStatus(t, store, transient.ID, inventory.StatusFailed)
	waitForStatus(t, store, review.ID, inventory.StatusReview)
	if stats.Failures.Load() != 2 {
		t.Fatalf("failures = %d", stats.Failures.Load())
	}
	// Only the transient failure lands in failed, the retryable bucket.
	if stats.ItemsFailedRetryable.Load() != 1 {
		t.Fatalf("retryable failures = %d", stats.ItemsFailedRetryable.Load())
	}
	got, err := store.GetByID(ctx, transient.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ErrorMessage == "" {
		t.Fatal("error message not recorded")
	}
}

func TestStartRollsBackStuckProcessingItems(t *testing.T) {
	cfg := managerConfig(t)
	store := managerStore(t, cfg)
	ctx := context.Background()

	item, err := store.UpsertItem(ctx, "Stuck Beat", "Stuck Beat")
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	item.Status = inventory.StatusExtracting
	if err := store.Update(ctx, item); err != nil {
		t.Fatalf("update: %v", err)
	}

	extract := &fakeStage{name: "extract"}
	m := workflow.NewManager(cfg, store, logging.NewNop(), report.NewRunStats())
	m.ConfigureStages(workflow.StageSet{Extractor: extract})

	runCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := m.RunUntilIdle(runCtx); err != nil {
		t.Fatalf("run: %v", err)
	}

	// The stuck item rolled back to scraped and was re-extracted.
	final, err := store.GetByID(ctx, item.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if final.Status != inventory.StatusExtracted {
		t.Fatalf("status = %s", final.Status)
	}
	if got := extract.executions(); len(got) != 1 {
		t.Fatalf("executions = %v", got)
	}
}

func TestSkippingPublisherLeavesItemsExtracted(t *testing.T) {
	cfg := managerConfig(t)
	store := managerStore(t, cfg)
	ctx := context.Background()

	item, err := store.UpsertItem(ctx, "Catalog Only", "Catalog Only")
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}

	m := workflow.NewManager(cfg, store, logging.NewNop(), report.NewRunStats())
	m.ConfigureStages(workflow.StageSet{
		Scraper:   &fakeStage{name: "scrape"},
		Extractor: &fakeStage{name: "extract"},
	})

	runCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := m.RunUntilIdle(runCtx); err != nil {
		t.Fatalf("run: %v", err)
	}

	final, err := store.GetByID(ctx, item.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if final.Status != inventory.StatusExtracted {
		t.Fatalf("status = %s", final.Status)
	}
}

func TestStopIsCooperative(t *testing.T) {
	cfg := managerConfig(t)
	store := managerStore(t, cfg)
	ctx := context.Background()

	if _, err := store.UpsertItem(ctx, "Slow Beat", "Slow Beat"); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	release := make(chan struct{})
	started := make(chan struct{})
	var once sync.Once
	scrape := &fakeStage{name: "scrape", onExec: func(ctx context.Context, item *inventory.Item) error {
		once.Do(func() { close(started) })
		<-release
		return nil
	}}
	m := workflow.NewManager(cfg, store, logging.NewNop(), report.NewRunStats())
	m.ConfigureStages(workflow.StageSet{Scraper: scrape})

	if err := m.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	<-started

	done := make(chan struct{})
	go func() {
		close(release)
		m.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(15 * time.Second):
		t.Fatal("stop did not return")
	}
}
