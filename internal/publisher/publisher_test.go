package publisher_test

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"beatbridge/internal/config"
	"beatbridge/internal/inventory"
	"beatbridge/internal/logging"
	"beatbridge/internal/publisher"
	"beatbridge/internal/report"
	"beatbridge/internal/services"
)

type fakeAPI struct {
	products        map[string]*publisher.Product
	existingByTitle map[string]*publisher.Product
	nextProduct     int
	nextVariant     int

	createCalls    int
	createInputs   []publisher.ProductInput
	variantCalls   [][]publisher.VariantInput
	uploads        []string
	published      []string
	collections    []string
	publicationFor string
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		products:        make(map[string]*publisher.Product),
		existingByTitle: make(map[string]*publisher.Product),
	}
}

func (f *fakeAPI) FindProductByTitle(ctx context.Context, title string) (*publisher.Product, error) {
	if product, ok := f.existingByTitle[strings.ToLower(title)]; ok {
		return product, nil
	}
	return nil, nil
}

func (f *fakeAPI) GetProduct(ctx context.Context, productID string) (*publisher.Product, error) {
	return f.products[productID], nil
}

func (f *fakeAPI) CreateProduct(ctx context.Context, input publisher.ProductInput) (*publisher.Product, error) {
	f.createCalls++
	f.createInputs = append(f.createInputs, input)
	f.nextProduct++
	product := &publisher.Product{
		ID:    fmt.Sprintf("gid://shopify/Product/%d", f.nextProduct),
		Title: input.Title,
	}
	f.products[product.ID] = product
	return product, nil
}

func (f *fakeAPI) CreateVariants(ctx context.Context, productID string, variants []publisher.VariantInput) ([]publisher.CreatedVariant, error) {
	f.variantCalls = append(f.variantCalls, variants)
	created := make([]publisher.CreatedVariant, 0, len(variants))
	for _, v := range variants {
		f.nextVariant++
		created = append(created, publisher.CreatedVariant{
			ID:   fmt.Sprintf("gid://shopify/ProductVariant/%d", f.nextVariant),
			Name: v.Name,
		})
	}
	return created, nil
}

func (f *fakeAPI) UploadArtwork(ctx context.Context, productID, path string) error {
	f.uploads = append(f.uploads, path)
	if product, ok := f.products[productID]; ok {
		product.MediaCount++
	}
	return nil
}

func (f *fakeAPI) ResolvePublication(ctx context.Context, name string) (string, error) {
	f.publicationFor = name
	return "gid://shopify/Publication/7", nil
}

func (f *fakeAPI) Publish(ctx context.Context, productID, publicationID string) error {
	f.published = append(f.published, productID)
	return nil
}

func (f *fakeAPI) AddToCollection(ctx context.Context, productID, collectionGID string) error {
	f.collections = append(f.collections, collectionGID)
	return nil
}

var _ publisher.API = (*fakeAPI)(nil)

type fakeAutomation struct {
	attached []string
	closed   bool
}

func (f *fakeAutomation) AttachFile(ctx context.Context, productID, variantID, path string) error {
	f.attached = append(f.attached, variantID+":"+filepath.Base(path))
	return nil
}

func (f *fakeAutomation) Close() error {
	f.closed = true
	return nil
}

func publisherConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	dir := t.TempDir()
	cfg.Storage.LibraryDir = filepath.Join(dir, "library")
	cfg.Storage.StagingDir = filepath.Join(dir, "staging")
	cfg.Storage.LogDir = filepath.Join(dir, "logs")
	cfg.Shopify.StoreURL = "example.myshopify.com"
	cfg.Shopify.AccessToken = "token"
	cfg.Shopify.CollectionID = "4242"
	cfg.Variants = []config.Variant{
		{Name: "MP3 Licence", Price: "29.99", Files: []string{"mp3"}},
		{Name: "Premium Licence", Price: "99.99", Files: []string{"mp3", "wav", "stems"}},
	}
	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("ensure dirs: %v", err)
	}
	return &cfg
}

func publisherStore(t *testing.T, cfg *config.Config) *inventory.Store {
	t.Helper()
	store, err := inventory.OpenPath(filepath.Join(cfg.Storage.LibraryDir, "inventory.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func seedItem(t *testing.T, store *inventory.Store, kinds ...inventory.AssetKind) *inventory.Item {
	t.Helper()
	ctx := context.Background()
	item, err := store.UpsertItem(ctx, "Midnight Drive", "Midnight Drive")
	if err != nil {
		t.Fatalf("upsert item: %v", err)
	}
	if err := store.SetMetadata(ctx, item.ID, inventory.Metadata{BPM: "140", Tags: "trap,dark"}); err != nil {
		t.Fatalf("set metadata: %v", err)
	}
	for _, kind := range kinds {
		asset := &inventory.Asset{
			ItemID:   item.ID,
			Kind:     kind,
			Path:     filepath.Join(t.TempDir(), string(kind)+".bin"),
			Size:     4,
			SHA256:   "x",
			Complete: true,
		}
		if err := store.UpsertAsset(ctx, asset); err != nil {
			t.Fatalf("upsert asset: %v", err)
		}
	}
	reloaded, err := store.GetByID(ctx, item.ID)
	if err != nil {
		t.Fatalf("reload item: %v", err)
	}
	return reloaded
}

func TestExecuteCreatesPublishesAndAttaches(t *testing.T) {
	cfg := publisherConfig(t)
	store := publisherStore(t, cfg)
	api := newFakeAPI()
	automation := &fakeAutomation{}
	stats := report.NewRunStats()
	p := publisher.NewPublisherWithDependencies(cfg, store, logging.NewNop(), stats, api,
		func(ctx context.Context) (publisher.AutomationSession, error) { return automation, nil })

	ctx := context.Background()
	item := seedItem(t, store, inventory.AssetMP3, inventory.AssetWAV, inventory.AssetStems)
	if err := p.Execute(ctx, item); err != nil {
		t.Fatalf("execute: %v", err)
	}

	if item.Status != inventory.StatusPublished {
		t.Fatalf("status = %s", item.Status)
	}
	if api.createCalls != 1 {
		t.Fatalf("create calls = %d", api.createCalls)
	}
	if got := api.createInputs[0].Handle; got != "midnight_drive" {
		t.Fatalf("handle = %q", got)
	}
	pub, err := store.PublishForItem(ctx, item.ID)
	if err != nil || pub == nil {
		t.Fatalf("publish record: %v", err)
	}
	if pub.ProductID == "" || !pub.Published || !pub.CollectionAdded {
		t.Fatalf("publish record = %+v", pub)
	}
	if len(api.collections) != 1 || api.collections[0] != "gid://shopify/Collection/4242" {
		t.Fatalf("collections = %v", api.collections)
	}

	variants, err := store.VariantsForItem(ctx, item.ID)
	if err != nil {
		t.Fatalf("variants: %v", err)
	}
	if len(variants) != 2 {
		t.Fatalf("variant count = %d", len(variants))
	}
	for _, v := range variants {
		if v.VariantID == "" || !v.FileAttached {
			t.Fatalf("variant = %+v", v)
		}
	}
	if !automation.closed {
		t.Fatal("automation session not closed")
	}
	if stats.ProductsCreated.Load() != 1 || stats.FilesAttached.Load() != 2 {
		t.Fatalf("stats: created=%d attached=%d", stats.ProductsCreated.Load(), stats.FilesAttached.Load())
	}
}

func TestExecuteAdoptsExistingProductByTitle(t *testing.T) {
	cfg := publisherConfig(t)
	cfg.Shopify.AutoAttachDigital = false
	store := publisherStore(t, cfg)
	api := newFakeAPI()
	existing := &publisher.Product{ID: "gid://shopify/Product/77", Title: "midnight drive"}
	api.existingByTitle["midnight drive"] = existing
	api.products[existing.ID] = existing
	stats := report.NewRunStats()
	p := publisher.NewPublisherWithDependencies(cfg, store, logging.NewNop(), stats, api, nil)

	ctx := context.Background()
	item := seedItem(t, store, inventory.AssetMP3, inventory.AssetWAV, inventory.AssetStems)
	if err := p.Execute(ctx, item); err != nil {
		t.Fatalf("execute: %v", err)
	}

	if api.createCalls != 0 {
		t.Fatalf("create calls = %d", api.createCalls)
	}
	if stats.DuplicatesAdopted.Load() != 1 {
		t.Fatalf("duplicates adopted = %d", stats.DuplicatesAdopted.Load())
	}
	pub, err := store.PublishForItem(ctx, item.ID)
	if err != nil || pub == nil || pub.ProductID != existing.ID {
		t.Fatalf("publish record = %+v (%v)", pub, err)
	}
}

func TestExecuteOmitsVariantsWithIncompleteAssets(t *testing.T) {
	cfg := publisherConfig(t)
	cfg.Shopify.AutoAttachDigital = false
	store := publisherStore(t, cfg)
	api := newFakeAPI()
	stats := report.NewRunStats()
	p := publisher.NewPublisherWithDependencies(cfg, store, logging.NewNop(), stats, api, nil)

	// Only the MP3 is downloaded, so the premium licence is unsatisfiable.
	item := seedItem(t, store, inventory.AssetMP3)
	if err := p.Execute(context.Background(), item); err != nil {
		t.Fatalf("execute: %v", err)
	}

	if item.Status != inventory.StatusPublished {
		t.Fatalf("status = %s", item.Status)
	}
	if len(api.variantCalls) != 1 || len(api.variantCalls[0]) != 1 {
		t.Fatalf("variant calls = %+v", api.variantCalls)
	}
	if api.variantCalls[0][0].Name != "MP3 Licence" {
		t.Fatalf("created variant = %s", api.variantCalls[0][0].Name)
	}
	if stats.VariantsOmitted.Load() != 1 {
		t.Fatalf("omitted = %d", stats.VariantsOmitted.Load())
	}
}

func TestExecuteNoSatisfiableVariantNeedsReview(t *testing.T) {
	cfg := publisherConfig(t)
	store := publisherStore(t, cfg)
	stats := report.NewRunStats()
	p := publisher.NewPublisherWithDependencies(cfg, store, logging.NewNop(), stats, newFakeAPI(), nil)

	item := seedItem(t, store)
	err := p.Execute(context.Background(), item)
	if err == nil {
		t.Fatal("expected error")
	}
	if services.FailureStatus(err) != inventory.StatusReview {
		t.Fatalf("failure status = %s (%v)", services.FailureStatus(err), err)
	}
	if stats.ItemsWithoutVariant.Load() != 1 {
		t.Fatalf("without variant = %d", stats.ItemsWithoutVariant.Load())
	}
}

func TestExecuteFullyPublishedItemCountsAsSkipped(t *testing.T) {
	cfg := publisherConfig(t)
	cfg.Shopify.AutoAttachDigital = false
	store := publisherStore(t, cfg)
	api := newFakeAPI()
	product := &publisher.Product{ID: "gid://shopify/Product/5", Title: "Midnight Drive", MediaCount: 1}
	api.products[product.ID] = product
	stats := report.NewRunStats()
	p := publisher.NewPublisherWithDependencies(cfg, store, logging.NewNop(), stats, api, nil)

	ctx := context.Background()
	item := seedItem(t, store, inventory.AssetMP3, inventory.AssetWAV, inventory.AssetStems)
	if err := store.UpsertPublish(ctx, &inventory.Publish{
		ItemID: item.ID, ProductID: product.ID, Published: true, CollectionAdded: true,
	}); err != nil {
		t.Fatalf("seed publish: %v", err)
	}
	for i, name := range []string{"MP3 Licence", "Premium Licence"} {
		variant := &inventory.Variant{ItemID: item.ID, Name: name, VariantID: fmt.Sprintf("gid://shopify/ProductVariant/%d", i+1)}
		if err := store.UpsertVariant(ctx, variant); err != nil {
			t.Fatalf("seed variant: %v", err)
		}
	}

	if err := p.Execute(ctx, item); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if api.createCalls != 0 || len(api.variantCalls) != 0 || len(api.published) != 0 {
		t.Fatalf("remote calls made: creates=%d variants=%v published=%v", api.createCalls, api.variantCalls, api.published)
	}
	if stats.ProductsUpdated.Load() != 0 || stats.ItemsAlreadyPublished.Load() != 1 {
		t.Fatalf("stats: updated=%d skipped=%d", stats.ProductsUpdated.Load(), stats.ItemsAlreadyPublished.Load())
	}
}

func TestExecuteResumeFillsOnlyMissingSteps(t *testing.T) {
	cfg := publisherConfig(t)
	cfg.Shopify.AutoAttachDigital = false
	store := publisherStore(t, cfg)
	api := newFakeAPI()
	product := &publisher.Product{ID: "gid://shopify/Product/5", Title: "Midnight Drive"}
	api.products[product.ID] = product
	stats := report.NewRunStats()
	p := publisher.NewPublisherWithDependencies(cfg, store, logging.NewNop(), stats, api, nil)

	ctx := context.Background()
	item := seedItem(t, store, inventory.AssetMP3, inventory.AssetWAV, inventory.AssetStems)
	if err := store.UpsertPublish(ctx, &inventory.Publish{ItemID: item.ID, ProductID: product.ID}); err != nil {
		t.Fatalf("seed publish: %v", err)
	}
	for i, name := range []string{"MP3 Licence", "Premium Licence"} {
		variant := &inventory.Variant{ItemID: item.ID, Name: name, VariantID: fmt.Sprintf("gid://shopify/ProductVariant/%d", i+1)}
		if err := store.UpsertVariant(ctx, variant); err != nil {
			t.Fatalf("seed variant: %v", err)
		}
	}

	if err := p.Execute(ctx, item); err != nil {
		t.Fatalf("execute: %v", err)
	}

	if api.createCalls != 0 || len(api.variantCalls) != 0 {
		t.Fatalf("unexpected creation: products=%d variants=%+v", api.createCalls, api.variantCalls)
	}
	if len(api.published) != 1 || len(api.collections) != 1 {
		t.Fatalf("published=%v collections=%v", api.published, api.collections)
	}
	if stats.ProductsCreated.Load() != 0 || stats.ProductsUpdated.Load() != 1 {
		t.Fatalf("stats: created=%d updated=%d", stats.ProductsCreated.Load(), stats.ProductsUpdated.Load())
	}
}

func TestExecuteAutomationUnavailableIsCapabilityGapNotFailure(t *testing.T) {
	cfg := publisherConfig(t)
	store := publisherStore(t, cfg)
	stats := report.NewRunStats()
	p := publisher.NewPublisherWithDependencies(cfg, store, logging.NewNop(), stats, newFakeAPI(), publisher.NoAutomation)

	item := seedItem(t, store, inventory.AssetMP3, inventory.AssetWAV, inventory.AssetStems)
	if err := p.Execute(context.Background(), item); err != nil {
		t.Fatalf("execute: %v", err)
	}

	if item.Status != inventory.StatusPublished {
		t.Fatalf("status = %s", item.Status)
	}
	if len(stats.CapabilityGaps()) != 1 {
		t.Fatalf("gaps = %v", stats.CapabilityGaps())
	}
	if stats.FilesAttached.Load() != 0 {
		t.Fatalf("attached = %d", stats.FilesAttached.Load())
	}
}
