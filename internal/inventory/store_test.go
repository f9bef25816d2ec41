package inventory_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"beatbridge/internal/inventory"
)

func newStore(t *testing.T) *inventory.Store {
	t.Helper()
	store, err := inventory.OpenPath(filepath.Join(t.TempDir(), "inventory.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestUpsertItemIsIdempotent(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	first, err := store.UpsertItem(ctx, "Midnight Drive", "Midnight Drive")
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if first.Status != inventory.StatusPending {
		t.Fatalf("new item status = %s, want pending", first.Status)
	}

	first.Status = inventory.StatusScraped
	if err := store.Update(ctx, first); err != nil {
		t.Fatalf("update: %v", err)
	}

	second, err := store.UpsertItem(ctx, "Midnight Drive", "Midnight Drive")
	if err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("expected same item, got ids %d and %d", first.ID, second.ID)
	}
	if second.Status != inventory.StatusScraped {
		t.Fatalf("status lost on upsert: %s", second.Status)
	}
}

func TestMetadataCapturedOnce(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	item, err := store.UpsertItem(ctx, "Rough Sketch", "Rough Sketch")
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}

	if err := store.SetMetadata(ctx, item.ID, inventory.Metadata{BPM: "140", Tags: "trap, dark"}); err != nil {
		t.Fatalf("set metadata: %v", err)
	}
	if err := store.SetMetadata(ctx, item.ID, inventory.Metadata{BPM: "999", Tags: "", CreationDate: "2024-01-05"}); err != nil {
		t.Fatalf("second set metadata: %v", err)
	}

	got, err := store.GetByID(ctx, item.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.BPM != "140" {
		t.Fatalf("bpm overwritten: %q", got.BPM)
	}
	if got.Tags != "trap, dark" {
		t.Fatalf("tags = %q", got.Tags)
	}
	if got.CreationDate != "2024-01-05" {
		t.Fatalf("empty field should accept later value, got %q", got.CreationDate)
	}
}

func TestItemCompleteness(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	item, err := store.UpsertItem(ctx, "Midnight Drive", "Midnight Drive")
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}

	for _, kind := range []inventory.AssetKind{inventory.AssetMP3, inventory.AssetWAV} {
		if err := store.UpsertAsset(ctx, &inventory.Asset{
			ItemID: item.ID, Kind: kind, Path: string(kind) + ".bin", Size: 10, SHA256: "abc", Complete: true,
		}); err != nil {
			t.Fatalf("upsert asset %s: %v", kind, err)
		}
	}

	complete, err := store.IsItemComplete(ctx, item.ID)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if complete {
		t.Fatal("item complete without stems")
	}

	if err := store.UpsertAsset(ctx, &inventory.Asset{
		ItemID: item.ID, Kind: inventory.AssetStems, Path: "stems.zip", Size: 10, SHA256: "def", Complete: false,
	}); err != nil {
		t.Fatalf("upsert stems: %v", err)
	}
	complete, err = store.IsItemComplete(ctx, item.ID)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if complete {
		t.Fatal("unverified stems should not count as complete")
	}

	if err := store.UpsertAsset(ctx, &inventory.Asset{
		ItemID: item.ID, Kind: inventory.AssetStems, Path: "stems.zip", Size: 10, SHA256: "def", Complete: true,
	}); err != nil {
		t.Fatalf("upsert stems: %v", err)
	}
	complete, err = store.IsItemComplete(ctx, item.ID)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if !complete {
		t.Fatal("item with mp3+wav+stems should be complete")
	}
}

func TestPublishState(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	item, err := store.UpsertItem(ctx, "Midnight Drive", "Midnight Drive")
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}

	published, err := store.IsItemPublished(ctx, item.ID)
	if err != nil {
		t.Fatalf("published: %v", err)
	}
	if published {
		t.Fatal("unpublished item reported as published")
	}

	if err := store.UpsertPublish(ctx, &inventory.Publish{ItemID: item.ID, ProductID: "gid://shopify/Product/42"}); err != nil {
		t.Fatalf("upsert publish: %v", err)
	}
	published, err = store.IsItemPublished(ctx, item.ID)
	if err != nil {
		t.Fatalf("published: %v", err)
	}
	if published {
		t.Fatal("product recorded but not yet visible should not count as published")
	}

	if err := store.UpsertPublish(ctx, &inventory.Publish{
		ItemID: item.ID, ProductID: "gid://shopify/Product/42", Published: true, CollectionAdded: true,
	}); err != nil {
		t.Fatalf("upsert publish: %v", err)
	}
	published, err = store.IsItemPublished(ctx, item.ID)
	if err != nil {
		t.Fatalf("published: %v", err)
	}
	if !published {
		t.Fatal("expected item to be published")
	}

	if err := store.UpsertVariant(ctx, &inventory.Variant{
		ItemID: item.ID, Name: "Premium", VariantID: "gid://shopify/ProductVariant/7", FileAttached: true,
	}); err != nil {
		t.Fatalf("upsert variant: %v", err)
	}
	variants, err := store.VariantsForItem(ctx, item.ID)
	if err != nil {
		t.Fatalf("variants: %v", err)
	}
	if len(variants) != 1 || !variants[0].FileAttached {
		t.Fatalf("unexpected variant state: %+v", variants)
	}
}

func TestNextForStatusesOrdersByCreation(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	first, err := store.UpsertItem(ctx, "Alpha", "Alpha")
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	if _, err := store.UpsertItem(ctx, "Beta", "Beta"); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	next, err := store.NextForStatuses(ctx, inventory.StatusPending)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if next == nil || next.ID != first.ID {
		t.Fatalf("expected oldest pending item, got %+v", next)
	}
}

func TestResetStuckProcessing(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	item, err := store.UpsertItem(ctx, "Midnight Drive", "Midnight Drive")
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	item.Status = inventory.StatusPublishing
	if err := store.Update(ctx, item); err != nil {
		t.Fatalf("update: %v", err)
	}

	affected, err := store.ResetStuckProcessing(ctx)
	if err != nil {
		t.Fatalf("reset: %v", err)
	}
	if affected != 1 {
		t.Fatalf("affected = %d, want 1", affected)
	}

	got, err := store.GetByID(ctx, item.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != inventory.StatusExtracted {
		t.Fatalf("publishing should roll back to extracted, got %s", got.Status)
	}
}

func TestOpenRebuildsCorruptDatabase(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "inventory.db")
	if err := os.WriteFile(dbPath, []byte("this is not a sqlite database"), 0o644); err != nil {
		t.Fatalf("write garbage: %v", err)
	}

	store, err := inventory.OpenPath(dbPath)
	if err != nil {
		t.Fatalf("open over corrupt file: %v", err)
	}
	defer store.Close()

	if _, err := store.UpsertItem(context.Background(), "Fresh Start", "Fresh Start"); err != nil {
		t.Fatalf("store unusable after rebuild: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	var movedAside bool
	for _, entry := range entries {
		if strings.HasPrefix(entry.Name(), "inventory.db.corrupt") {
			movedAside = true
		}
	}
	if !movedAside {
		t.Fatal("damaged database was not preserved alongside the rebuilt one")
	}
}
