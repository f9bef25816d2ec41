package scraper

import (
	"context"
	"io"

	"beatbridge/internal/inventory"
)

// ListingItem is one entry discovered on the source catalog.
type ListingItem struct {
	Title    string
	Metadata inventory.Metadata
	// Kinds lists the asset kinds the source offers for this item.
	Kinds []inventory.AssetKind
}

// AssetFetch carries a downloadable asset stream plus whatever integrity
// hints the source exposes. Size is -1 and SHA256 empty when unknown.
type AssetFetch struct {
	Body     io.ReadCloser
	Size     int64
	SHA256   string
	Filename string
}

// Source abstracts the authenticated catalog session. The production
// implementation drives a logged-in browser session; tests inject fakes.
type Source interface {
	// Valid reports whether the current session can be used without a
	// fresh login.
	Valid(ctx context.Context) (bool, error)
	// Authenticate establishes a fresh session using configured
	// credentials.
	Authenticate(ctx context.Context) error
	// ListItems walks the catalog listing in display order, invoking fn
	// for each entry. Listing stops when fn returns false. The walk loads
	// further pages lazily, so an early stop avoids scrolling the whole
	// catalog.
	ListItems(ctx context.Context, fn func(ListingItem) (bool, error)) error
	// FetchAsset opens a download stream for one asset of an item.
	FetchAsset(ctx context.Context, title string, kind inventory.AssetKind) (*AssetFetch, error)
}
