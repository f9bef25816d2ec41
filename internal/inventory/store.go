package inventory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"beatbridge/internal/config"
)

// Store manages catalog state backed by SQLite.
type Store struct {
	db   *sql.DB
	path string
}

// Open initializes or connects to the inventory database under the library
// directory. A corrupt or incompatible database is moved aside and rebuilt so
// a bad state file never blocks a run; downloaded files on disk are
// rediscovered by later scrapes.
func Open(cfg *config.Config) (*Store, error) {
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("ensure directories: %w", err)
	}
	return OpenPath(filepath.Join(cfg.Storage.LibraryDir, "inventory.db"))
}

// OpenPath opens the inventory database at an explicit path.
func OpenPath(dbPath string) (*Store, error) {
	store, err := openAt(dbPath)
	if err == nil {
		return store, nil
	}
	if !recoverable(err) {
		return nil, err
	}

	backup := fmt.Sprintf("%s.corrupt-%s", dbPath, time.Now().UTC().Format("20060102T150405Z"))
	if renameErr := os.Rename(dbPath, backup); renameErr != nil && !errors.Is(renameErr, os.ErrNotExist) {
		return nil, fmt.Errorf("move aside damaged database: %w (open error: %w)", renameErr, err)
	}
	removeSidecars(dbPath)

	store, retryErr := openAt(dbPath)
	if retryErr != nil {
		return nil, fmt.Errorf("rebuild database after damage: %w", retryErr)
	}
	return store, nil
}

func openAt(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	store := &Store{db: db, path: dbPath}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func recoverable(err error) bool {
	if errors.Is(err, ErrSchemaMismatch) {
		return true
	}
	// modernc.org/sqlite surfaces corruption as plain error strings.
	msg := err.Error()
	for _, marker := range []string{"malformed", "not a database", "database corruption"} {
		if containsFold(msg, marker) {
			return true
		}
	}
	return false
}

func containsFold(haystack, needle string) bool {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		match := true
		for j := 0; j < len(needle); j++ {
			a, b := haystack[i+j], needle[j]
			if 'A' <= a && a <= 'Z' {
				a += 'a' - 'A'
			}
			if 'A' <= b && b <= 'Z' {
				b += 'a' - 'A'
			}
			if a != b {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}

func removeSidecars(dbPath string) {
	for _, suffix := range []string{"-wal", "-shm"} {
		_ = os.Remove(dbPath + suffix)
	}
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Path returns the database file location.
func (s *Store) Path() string {
	if s == nil {
		return ""
	}
	return s.path
}

// UpsertItem ensures an item exists for the given title and returns it. An
// existing item keeps its status and metadata; only the folder is refreshed
// when it was previously empty.
func (s *Store) UpsertItem(ctx context.Context, title, folder string) (*Item, error) {
	existing, err := s.GetByTitle(ctx, title)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		if existing.Folder == "" && folder != "" {
			existing.Folder = folder
			if err := s.Update(ctx, existing); err != nil {
				return nil, err
			}
		}
		return existing, nil
	}

	timestamp := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.db.ExecContext(
		ctx,
		`INSERT INTO items (title, folder, status, created_at, updated_at)
         VALUES (?, ?, ?, ?, ?)`,
		title,
		folder,
		StatusPending,
		timestamp,
		timestamp,
	)
	if err != nil {
		return nil, fmt.Errorf("insert item: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}
	return s.GetByID(ctx, id)
}

// GetByID fetches an item by identifier.
func (s *Store) GetByID(ctx context.Context, id int64) (*Item, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM items WHERE id = ?`, id)
	item, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get item: %w", err)
	}
	return item, nil
}

// GetByTitle fetches an item by its exact title.
func (s *Store) GetByTitle(ctx context.Context, title string) (*Item, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM items WHERE title = ?`, title)
	item, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get item by title: %w", err)
	}
	return item, nil
}

// Update persists changes to an existing item. Metadata fields follow the
// capture-once rule: a stored non-empty value is never replaced.
func (s *Store) Update(ctx context.Context, item *Item) error {
	if item == nil {
		return errors.New("item is nil")
	}
	item.UpdatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(
		ctx,
		`UPDATE items
         SET folder = ?, status = ?, error_message = ?, updated_at = ?, last_heartbeat = ?,
             bpm = CASE WHEN bpm = '' THEN ? ELSE bpm END,
             duration = CASE WHEN duration = '' THEN ? ELSE duration END,
             tags = CASE WHEN tags = '' THEN ? ELSE tags END,
             creation_date = CASE WHEN creation_date = '' THEN ? ELSE creation_date END
         WHERE id = ?`,
		item.Folder,
		item.Status,
		nullableString(item.ErrorMessage),
		item.UpdatedAt.Format(time.RFC3339Nano),
		nullableTime(item.LastHeartbeat),
		item.BPM,
		item.Duration,
		item.Tags,
		item.CreationDate,
		item.ID,
	)
	if err != nil {
		return fmt.Errorf("update item: %w", err)
	}
	return nil
}

// SetMetadata records descriptive fields for an item, writing each field only
// when the stored value is still empty.
func (s *Store) SetMetadata(ctx context.Context, id int64, meta Metadata) error {
	_, err := s.db.ExecContext(
		ctx,
		`UPDATE items
         SET bpm = CASE WHEN bpm = '' THEN ? ELSE bpm END,
             duration = CASE WHEN duration = '' THEN ? ELSE duration END,
             tags = CASE WHEN tags = '' THEN ? ELSE tags END,
             creation_date = CASE WHEN creation_date = '' THEN ? ELSE creation_date END,
             updated_at = ?
         WHERE id = ?`,
		meta.BPM,
		meta.Duration,
		meta.Tags,
		meta.CreationDate,
		time.Now().UTC().Format(time.RFC3339Nano),
		id,
	)
	if err != nil {
		return fmt.Errorf("set metadata: %w", err)
	}
	return nil
}

// UpsertAsset records a downloaded asset for an item.
func (s *Store) UpsertAsset(ctx context.Context, asset *Asset) error {
	if asset == nil {
		return errors.New("asset is nil")
	}
	asset.UpdatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO assets (item_id, kind, path, size, sha256, complete, updated_at)
         VALUES (?, ?, ?, ?, ?, ?, ?)
         ON CONFLICT(item_id, kind) DO UPDATE SET
             path = excluded.path, size = excluded.size, sha256 = excluded.sha256,
             complete = excluded.complete, updated_at = excluded.updated_at`,
		asset.ItemID,
		asset.Kind,
		asset.Path,
		asset.Size,
		asset.SHA256,
		boolToInt(asset.Complete),
		asset.UpdatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("upsert asset: %w", err)
	}
	return nil
}

// Asset fetches a single asset record by item and kind.
func (s *Store) Asset(ctx context.Context, itemID int64, kind AssetKind) (*Asset, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT item_id, kind, path, size, sha256, complete, updated_at FROM assets WHERE item_id = ? AND kind = ?`,
		itemID, kind,
	)
	asset, err := scanAsset(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get asset: %w", err)
	}
	return asset, nil
}

// AssetsForItem returns every asset recorded for an item.
func (s *Store) AssetsForItem(ctx context.Context, itemID int64) ([]*Asset, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT item_id, kind, path, size, sha256, complete, updated_at FROM assets WHERE item_id = ? ORDER BY kind`,
		itemID,
	)
	if err != nil {
		return nil, fmt.Errorf("query assets: %w", err)
	}
	defer rows.Close()

	var assets []*Asset
	for rows.Next() {
		asset, err := scanAsset(rows)
		if err != nil {
			return nil, err
		}
		assets = append(assets, asset)
	}
	return assets, rows.Err()
}

// IsAssetComplete reports whether a verified asset of the given kind exists.
func (s *Store) IsAssetComplete(ctx context.Context, itemID int64, kind AssetKind) (bool, error) {
	asset, err := s.Asset(ctx, itemID, kind)
	if err != nil {
		return false, err
	}
	return asset != nil && asset.Complete, nil
}

// IsItemComplete reports whether every required asset kind is present and
// verified for an item.
func (s *Store) IsItemComplete(ctx context.Context, itemID int64) (bool, error) {
	for _, kind := range RequiredKinds {
		ok, err := s.IsAssetComplete(ctx, itemID, kind)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// UpsertPublish records destination-side progress for an item.
func (s *Store) UpsertPublish(ctx context.Context, pub *Publish) error {
	if pub == nil {
		return errors.New("publish is nil")
	}
	pub.UpdatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO publishes (item_id, product_id, published, collection_added, updated_at)
         VALUES (?, ?, ?, ?, ?)
         ON CONFLICT(item_id) DO UPDATE SET
             product_id = excluded.product_id, published = excluded.published,
             collection_added = excluded.collection_added, updated_at = excluded.updated_at`,
		pub.ItemID,
		pub.ProductID,
		boolToInt(pub.Published),
		boolToInt(pub.CollectionAdded),
		pub.UpdatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("upsert publish: %w", err)
	}
	return nil
}

// PublishForItem returns the publish record for an item if one exists.
func (s *Store) PublishForItem(ctx context.Context, itemID int64) (*Publish, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT item_id, product_id, published, collection_added, updated_at FROM publishes WHERE item_id = ?`,
		itemID,
	)
	var (
		pub             Publish
		published       sql.NullInt64
		collectionAdded sql.NullInt64
		updatedRaw      sql.NullString
	)
	err := row.Scan(&pub.ItemID, &pub.ProductID, &published, &collectionAdded, &updatedRaw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get publish: %w", err)
	}
	pub.Published = published.Valid && published.Int64 != 0
	pub.CollectionAdded = collectionAdded.Valid && collectionAdded.Int64 != 0
	if updated, err := parseTimeString(updatedRaw.String); err == nil {
		pub.UpdatedAt = updated
	}
	return &pub, nil
}

// IsItemPublished reports whether an item has a recorded product that has
// been made visible on the sales channel.
func (s *Store) IsItemPublished(ctx context.Context, itemID int64) (bool, error) {
	pub, err := s.PublishForItem(ctx, itemID)
	if err != nil {
		return false, err
	}
	return pub != nil && pub.ProductID != "" && pub.Published, nil
}

// UpsertVariant records destination-side progress for one variant.
func (s *Store) UpsertVariant(ctx context.Context, variant *Variant) error {
	if variant == nil {
		return errors.New("variant is nil")
	}
	variant.UpdatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO publish_variants (item_id, name, variant_id, file_attached, updated_at)
         VALUES (?, ?, ?, ?, ?)
         ON CONFLICT(item_id, name) DO UPDATE SET
             variant_id = excluded.variant_id, file_attached = excluded.file_attached,
             updated_at = excluded.updated_at`,
		variant.ItemID,
		variant.Name,
		variant.VariantID,
		boolToInt(variant.FileAttached),
		variant.UpdatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("upsert variant: %w", err)
	}
	return nil
}

// VariantsForItem returns the recorded variant states for an item.
func (s *Store) VariantsForItem(ctx context.Context, itemID int64) ([]*Variant, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT item_id, name, variant_id, file_attached, updated_at FROM publish_variants WHERE item_id = ? ORDER BY name`,
		itemID,
	)
	if err != nil {
		return nil, fmt.Errorf("query variants: %w", err)
	}
	defer rows.Close()

	var variants []*Variant
	for rows.Next() {
		var (
			variant    Variant
			attached   sql.NullInt64
			updatedRaw sql.NullString
		)
		if err := rows.Scan(&variant.ItemID, &variant.Name, &variant.VariantID, &attached, &updatedRaw); err != nil {
			return nil, err
		}
		variant.FileAttached = attached.Valid && attached.Int64 != 0
		if updated, err := parseTimeString(updatedRaw.String); err == nil {
			variant.UpdatedAt = updated
		}
		variants = append(variants, &variant)
	}
	return variants, rows.Err()
}

// List returns items filtered by status set (or all items when no status is
// provided), ordered by creation time.
func (s *Store) List(ctx context.Context, statuses ...Status) ([]*Item, error) {
	var (
		rows *sql.Rows
		err  error
	)

	baseQuery := `SELECT ` + itemColumns + ` FROM items`
	orderClause := ` ORDER BY created_at`

	if len(statuses) == 0 {
		rows, err = s.db.QueryContext(ctx, baseQuery+orderClause)
	} else {
		placeholders := makePlaceholders(len(statuses))
		args := make([]any, len(statuses))
		for i, status := range statuses {
			args[i] = status
		}
		query := baseQuery + ` WHERE status IN (` + placeholders + `)` + orderClause
		rows, err = s.db.QueryContext(ctx, query, args...)
	}
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	defer rows.Close()

	var items []*Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// NextForStatuses returns the oldest item matching any of the provided
// statuses. Creation order keeps resumed runs deterministic.
func (s *Store) NextForStatuses(ctx context.Context, statuses ...Status) (*Item, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	placeholders := makePlaceholders(len(statuses))
	args := make([]any, len(statuses))
	for i, status := range statuses {
		args[i] = status
	}

	query := `SELECT ` + itemColumns + ` FROM items WHERE status IN (` + placeholders + `) ORDER BY created_at LIMIT 1`
	row := s.db.QueryRowContext(ctx, query, args...)
	item, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return item, nil
}

// ResetStuckProcessing rolls items left in a processing status by an unclean
// shutdown back to the stable status that precedes the interrupted phase.
func (s *Store) ResetStuckProcessing(ctx context.Context) (int64, error) {
	var total int64
	now := time.Now().UTC().Format(time.RFC3339Nano)
	for from, to := range processingRollbacks {
		res, err := s.db.ExecContext(
			ctx,
			`UPDATE items SET status = ?, last_heartbeat = NULL, updated_at = ? WHERE status = ?`,
			to, now, from,
		)
		if err != nil {
			return total, fmt.Errorf("reset stuck items: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return total, fmt.Errorf("rows affected: %w", err)
		}
		total += affected
	}
	return total, nil
}

// RetryFailed moves failed and auth-blocked items back to pending for
// reprocessing.
func (s *Store) RetryFailed(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE items SET status = ?, error_message = NULL, updated_at = ? WHERE status IN (?, ?)`,
		StatusPending,
		time.Now().UTC().Format(time.RFC3339Nano),
		StatusFailed,
		StatusAuthRequired,
	)
	if err != nil {
		return 0, fmt.Errorf("retry failed items: %w", err)
	}
	return res.RowsAffected()
}

// UpdateHeartbeat updates the last heartbeat timestamp for an in-flight item.
func (s *Store) UpdateHeartbeat(ctx context.Context, id int64) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := s.db.ExecContext(
		ctx,
		`UPDATE items SET last_heartbeat = ?, updated_at = ? WHERE id = ?`,
		now, now, id,
	)
	if err != nil {
		return fmt.Errorf("update heartbeat: %w", err)
	}
	return nil
}

// Stats returns a count of items grouped by status.
func (s *Store) Stats(ctx context.Context) (map[Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(1) FROM items GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("inventory stats: %w", err)
	}
	defer rows.Close()

	stats := make(map[Status]int)
	for rows.Next() {
		var status Status
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		stats[status] = count
	}
	return stats, rows.Err()
}

const itemColumns = "id, title, folder, bpm, duration, tags, creation_date, status, error_message, created_at, updated_at, last_heartbeat"

func scanItem(scanner interface{ Scan(dest ...any) error }) (*Item, error) {
	var (
		id               int64
		title            string
		folder           string
		bpm              string
		duration         string
		tags             string
		creationDate     string
		statusStr        string
		errorMessage     sql.NullString
		createdRaw       sql.NullString
		updatedRaw       sql.NullString
		lastHeartbeatRaw sql.NullString
	)

	if err := scanner.Scan(
		&id,
		&title,
		&folder,
		&bpm,
		&duration,
		&tags,
		&creationDate,
		&statusStr,
		&errorMessage,
		&createdRaw,
		&updatedRaw,
		&lastHeartbeatRaw,
	); err != nil {
		return nil, err
	}

	item := &Item{
		ID:           id,
		Title:        title,
		Folder:       folder,
		BPM:          bpm,
		Duration:     duration,
		Tags:         tags,
		CreationDate: creationDate,
		Status:       Status(statusStr),
		ErrorMessage: errorMessage.String,
	}

	if created, err := parseTimeString(createdRaw.String); err == nil {
		item.CreatedAt = created
	}
	if updated, err := parseTimeString(updatedRaw.String); err == nil {
		item.UpdatedAt = updated
	}
	if lastHeartbeatRaw.Valid {
		if heartbeat, err := parseTimeString(lastHeartbeatRaw.String); err == nil {
			item.LastHeartbeat = &heartbeat
		}
	}
	return item, nil
}

func scanAsset(scanner interface{ Scan(dest ...any) error }) (*Asset, error) {
	var (
		asset      Asset
		kindStr    string
		complete   sql.NullInt64
		updatedRaw sql.NullString
	)
	if err := scanner.Scan(&asset.ItemID, &kindStr, &asset.Path, &asset.Size, &asset.SHA256, &complete, &updatedRaw); err != nil {
		return nil, err
	}
	asset.Kind = AssetKind(kindStr)
	asset.Complete = complete.Valid && complete.Int64 != 0
	if updated, err := parseTimeString(updatedRaw.String); err == nil {
		asset.UpdatedAt = updated
	}
	return &asset, nil
}

func nullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func nullableTime(value *time.Time) any {
	if value == nil {
		return nil
	}
	return value.UTC().Format(time.RFC3339Nano)
}

func boolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}

func parseTimeString(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, errors.New("empty")
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02 15:04:05", value)
}

func makePlaceholders(count int) string {
	if count <= 0 {
		return ""
	}
	placeholders := make([]byte, 0, count*2)
	for i := 0; i < count; i++ {
		if i > 0 {
			placeholders = append(placeholders, ',')
		}
		placeholders = append(placeholders, '?')
	}
	return string(placeholders)
}
