package inventory

import (
	"strings"
	"time"
)

// Status represents the lifecycle of a catalog item.
type Status string

const (
	StatusPending      Status = "pending"
	StatusScraping     Status = "scraping"
	StatusScraped      Status = "scraped"
	StatusExtracting   Status = "extracting"
	StatusExtracted    Status = "extracted"
	StatusPublishing   Status = "publishing"
	StatusPublished    Status = "published"
	StatusFailed       Status = "failed"
	StatusReview       Status = "review"
	StatusAuthRequired Status = "auth_required"
)

var allStatuses = []Status{
	StatusPending,
	StatusScraping,
	StatusScraped,
	StatusExtracting,
	StatusExtracted,
	StatusPublishing,
	StatusPublished,
	StatusFailed,
	StatusReview,
	StatusAuthRequired,
}

var statusSet = func() map[Status]struct{} {
	set := make(map[Status]struct{}, len(allStatuses))
	for _, status := range allStatuses {
		set[status] = struct{}{}
	}
	return set
}()

var processingStatuses = map[Status]struct{}{
	StatusScraping:   {},
	StatusExtracting: {},
	StatusPublishing: {},
}

// processingRollbacks maps an in-flight status back to the stable status a
// stuck item should resume from after an unclean shutdown.
var processingRollbacks = map[Status]Status{
	StatusScraping:   StatusPending,
	StatusExtracting: StatusScraped,
	StatusPublishing: StatusExtracted,
}

// AssetKind identifies one of the files that make up a catalog item.
type AssetKind string

const (
	AssetMP3     AssetKind = "mp3"
	AssetWAV     AssetKind = "wav"
	AssetStems   AssetKind = "stems"
	AssetArtwork AssetKind = "artwork"
)

// RequiredKinds are the asset kinds an item needs before it counts as
// complete. Artwork is optional; a product publishes without media.
var RequiredKinds = []AssetKind{AssetMP3, AssetWAV, AssetStems}

// KnownKinds lists every asset kind the scraper understands.
var KnownKinds = []AssetKind{AssetMP3, AssetWAV, AssetStems, AssetArtwork}

// ParseKind converts a string into a known AssetKind.
func ParseKind(value string) (AssetKind, bool) {
	normalized := AssetKind(strings.ToLower(strings.TrimSpace(value)))
	for _, kind := range KnownKinds {
		if kind == normalized {
			return kind, true
		}
	}
	return "", false
}

// Item represents a catalog item persisted in SQLite.
type Item struct {
	ID            int64
	Title         string
	Folder        string
	BPM           string
	Duration      string
	Tags          string
	CreationDate  string
	Status        Status
	ErrorMessage  string
	CreatedAt     time.Time
	UpdatedAt     time.Time
	LastHeartbeat *time.Time
}

// Metadata bundles the descriptive fields captured from the source listing.
// Each field is written to the store at most once; later values never
// overwrite an existing non-empty value.
type Metadata struct {
	BPM          string
	Duration     string
	Tags         string
	CreationDate string
}

// Asset represents one downloaded file belonging to an item.
type Asset struct {
	ItemID    int64
	Kind      AssetKind
	Path      string
	Size      int64
	SHA256    string
	Complete  bool
	UpdatedAt time.Time
}

// Publish records the destination-side state for an item.
type Publish struct {
	ItemID          int64
	ProductID       string
	Published       bool
	CollectionAdded bool
	UpdatedAt       time.Time
}

// Variant records the destination-side state for one product variant.
type Variant struct {
	ItemID       int64
	Name         string
	VariantID    string
	FileAttached bool
	UpdatedAt    time.Time
}

// AllStatuses returns the ordered list of known statuses.
func AllStatuses() []Status {
	cp := make([]Status, len(allStatuses))
	copy(cp, allStatuses)
	return cp
}

// ParseStatus converts a string into a known Status.
func ParseStatus(value string) (Status, bool) {
	normalized := Status(strings.ToLower(strings.TrimSpace(value)))
	if normalized == "" {
		return "", false
	}
	_, ok := statusSet[normalized]
	return normalized, ok
}

// IsProcessing returns true when the status reflects an in-flight phase.
func (i Item) IsProcessing() bool {
	_, ok := processingStatuses[i.Status]
	return ok
}

// IsProcessingStatus reports whether a status reflects an in-flight phase.
func IsProcessingStatus(status Status) bool {
	_, ok := processingStatuses[status]
	return ok
}

// SetFailed marks the item as failed with the given error message.
func (i *Item) SetFailed(message string) {
	i.Status = StatusFailed
	i.ErrorMessage = message
	i.LastHeartbeat = nil
}
