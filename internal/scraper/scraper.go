package scraper

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"beatbridge/internal/config"
	"beatbridge/internal/fileutil"
	"beatbridge/internal/inventory"
	"beatbridge/internal/logging"
	"beatbridge/internal/report"
	"beatbridge/internal/services"
	"beatbridge/internal/stage"
	"beatbridge/internal/textutil"
)

// Scraper downloads catalog assets into the library and records them in the
// inventory store.
type Scraper struct {
	cfg    *config.Config
	store  *inventory.Store
	logger *slog.Logger
	source Source
	stats  *report.RunStats
}

// NewScraper constructs the scraper phase handler.
func NewScraper(cfg *config.Config, store *inventory.Store, logger *slog.Logger, source Source, stats *report.RunStats) *Scraper {
	return &Scraper{
		cfg:    cfg,
		store:  store,
		logger: logging.NewComponentLogger(logger, "scraper"),
		source: source,
		stats:  stats,
	}
}

// EnsureSession makes sure an authenticated session exists before any
// catalog access. A stale session triggers an automatic login when
// configured, otherwise the run stops with an auth error.
func (s *Scraper) EnsureSession(ctx context.Context) error {
	logger := logging.WithContext(ctx, s.logger)

	if s.cfg.Source.ForceFreshLogin {
		logger.Info("forcing fresh login, discarding saved session")
		return s.login(ctx)
	}

	valid, err := s.source.Valid(ctx)
	if err != nil {
		return services.Wrap(services.ErrTransient, "scraping", "check session", "Failed to check saved session", err)
	}
	if valid {
		logger.Debug("saved session still valid")
		return nil
	}
	return s.login(ctx)
}

func (s *Scraper) login(ctx context.Context) error {
	if !s.cfg.Source.AutoLogin {
		return services.Wrap(services.ErrAuthExpired, "scraping", "authenticate",
			"Saved session expired and auto_login is disabled; log in manually or enable source.auto_login", nil)
	}
	if strings.TrimSpace(s.cfg.Source.Email) == "" || strings.TrimSpace(s.cfg.Source.Password) == "" {
		return services.Wrap(services.ErrConfiguration, "scraping", "authenticate",
			"source.email and source.password must be set for automatic login", nil)
	}
	if err := s.source.Authenticate(ctx); err != nil {
		return services.Wrap(services.ErrAuthExpired, "scraping", "authenticate", "Login failed", err)
	}
	logging.WithContext(ctx, s.logger).Info("authenticated fresh session")
	return nil
}

// Discover walks the catalog listing and upserts an inventory item for each
// entry. In download-new-only mode the walk stops at the first item whose
// required assets are already complete, matching the listing's
// newest-first order.
func (s *Scraper) Discover(ctx context.Context) error {
	logger := logging.WithContext(ctx, s.logger)
	if err := s.EnsureSession(ctx); err != nil {
		return err
	}

	newOnly := s.cfg.Workflow.Mode == config.ModeDownloadNewOnly
	discovered := 0

	err := s.source.ListItems(ctx, func(entry ListingItem) (bool, error) {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		title := strings.TrimSpace(entry.Title)
		if title == "" {
			return true, nil
		}
		folder := textutil.SanitizeTitle(title)
		item, err := s.store.UpsertItem(ctx, title, folder)
		if err != nil {
			return false, err
		}
		if err := s.store.SetMetadata(ctx, item.ID, entry.Metadata); err != nil {
			return false, err
		}

		if newOnly {
			complete, err := s.store.IsItemComplete(ctx, item.ID)
			if err != nil {
				return false, err
			}
			if complete {
				logger.Info("reached already-complete item, stopping listing",
					logging.String("title", title))
				return false, nil
			}
		}

		if item.Status == inventory.StatusPublished && s.cfg.Workflow.Mode != config.ModeForceRedownload {
			s.stats.ItemsAlreadyPublished.Add(1)
			return true, nil
		}
		discovered++
		s.stats.ItemsDiscovered.Add(1)
		if s.cfg.Workflow.Mode == config.ModeForceRedownload && item.Status != inventory.StatusPending {
			item.Status = inventory.StatusPending
			if err := s.store.Update(ctx, item); err != nil {
				return false, err
			}
		}
		return true, nil
	})
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		return services.Wrap(services.ErrTransient, "scraping", "list catalog", "Catalog listing failed", err)
	}

	logger.Info("catalog discovery finished", logging.Int("items", discovered))
	return nil
}

// Prepare resets per-run state before downloading an item.
func (s *Scraper) Prepare(ctx context.Context, item *inventory.Item) error {
	item.ErrorMessage = ""
	if item.Folder == "" {
		item.Folder = textutil.SanitizeTitle(item.Title)
	}
	logging.WithContext(ctx, s.logger).Info("starting download",
		logging.String("title", item.Title))
	return nil
}

// Execute downloads every missing asset for the item into its folder. Assets
// that are already complete are skipped unless the run forces a redownload.
// A failed required asset gets one retry at the end before the item fails.
func (s *Scraper) Execute(ctx context.Context, item *inventory.Item) error {
	logger := logging.WithContext(ctx, s.logger)
	if err := s.EnsureSession(ctx); err != nil {
		return err
	}

	folder := filepath.Join(s.cfg.Storage.LibraryDir, item.Folder)
	if err := os.MkdirAll(folder, 0o755); err != nil {
		return services.Wrap(services.ErrTransient, "scraping", "create item folder", "Failed to create item folder", err)
	}

	if err := s.writeMetadataFile(item, folder); err != nil {
		logger.Warn("metadata file not written", logging.Error(err))
	}

	force := s.cfg.Workflow.Mode == config.ModeForceRedownload
	var retry []inventory.AssetKind
	for _, kind := range inventory.KnownKinds {
		if err := ctx.Err(); err != nil {
			return err
		}
		downloaded, err := s.downloadAsset(ctx, item, folder, kind, force)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, services.ErrAuthExpired) {
				return err
			}
			logger.Warn("asset download failed, will retry once",
				logging.String("kind", string(kind)),
				logging.Error(err))
			retry = append(retry, kind)
			continue
		}
		if downloaded {
			s.stats.AssetsDownloaded.Add(1)
		} else {
			s.stats.AssetsSkipped.Add(1)
		}
	}

	var lastErr error
	for _, kind := range retry {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := s.downloadAsset(ctx, item, folder, kind, force); err != nil {
			lastErr = err
			continue
		}
		s.stats.AssetsDownloaded.Add(1)
	}
	if lastErr != nil {
		if required(retry) {
			return services.Wrap(services.ErrTransient, "scraping", "download assets",
				fmt.Sprintf("Required assets still missing for %q", item.Title), lastErr)
		}
		logger.Warn("optional asset unavailable", logging.Error(lastErr))
	}

	item.Status = inventory.StatusScraped
	logger.Info("item downloaded", logging.String("title", item.Title))
	return nil
}

func required(kinds []inventory.AssetKind) bool {
	for _, kind := range kinds {
		for _, req := range inventory.RequiredKinds {
			if kind == req {
				return true
			}
		}
	}
	return false
}

// downloadAsset fetches one asset through the staging directory and records
// it. Returns (false, nil) when the asset was skipped as already complete.
func (s *Scraper) downloadAsset(ctx context.Context, item *inventory.Item, folder string, kind inventory.AssetKind, force bool) (bool, error) {
	if !force {
		complete, err := s.store.IsAssetComplete(ctx, item.ID, kind)
		if err != nil {
			return false, err
		}
		if complete {
			return false, nil
		}
	}

	fetch, err := s.source.FetchAsset(ctx, item.Title, kind)
	if err != nil {
		return false, err
	}
	if fetch == nil {
		// Source has no such asset. Not an error; completeness queries
		// decide what that means downstream.
		return false, nil
	}
	defer fetch.Body.Close()

	stagingPath := filepath.Join(s.cfg.Storage.StagingDir, uuid.NewString())
	hash, size, err := writeStaged(stagingPath, fetch.Body)
	if err != nil {
		_ = os.Remove(stagingPath)
		return false, services.Wrap(services.ErrTransient, "scraping", "stage download", "Download interrupted", err)
	}

	if size == 0 {
		_ = os.Remove(stagingPath)
		return false, services.Wrap(services.ErrIntegrity, "scraping", "verify download",
			fmt.Sprintf("Downloaded %s is empty", kind), nil)
	}
	if fetch.Size >= 0 && size != fetch.Size {
		_ = os.Remove(stagingPath)
		return false, services.Wrap(services.ErrIntegrity, "scraping", "verify download",
			fmt.Sprintf("Size mismatch for %s: expected %d bytes, got %d", kind, fetch.Size, size), nil)
	}
	if fetch.SHA256 != "" && !strings.EqualFold(fetch.SHA256, hash) {
		_ = os.Remove(stagingPath)
		return false, services.Wrap(services.ErrIntegrity, "scraping", "verify download",
			fmt.Sprintf("Checksum mismatch for %s", kind), nil)
	}

	finalPath := filepath.Join(folder, assetFilename(item, kind, fetch.Filename))
	if err := fileutil.MoveFile(stagingPath, finalPath); err != nil {
		_ = os.Remove(stagingPath)
		return false, services.Wrap(services.ErrTransient, "scraping", "store asset", "Failed to move asset into library", err)
	}

	if err := s.store.UpsertAsset(ctx, &inventory.Asset{
		ItemID:   item.ID,
		Kind:     kind,
		Path:     finalPath,
		Size:     size,
		SHA256:   hash,
		Complete: true,
	}); err != nil {
		return false, err
	}

	logging.WithContext(ctx, s.logger).Info("asset stored",
		logging.String("kind", string(kind)),
		logging.String("path", filepath.Base(finalPath)),
		logging.Int64("bytes", size))
	return true, nil
}

func writeStaged(path string, body io.Reader) (string, int64, error) {
	out, err := os.Create(path)
	if err != nil {
		return "", 0, err
	}
	defer func() { _ = out.Close() }()

	hasher := sha256.New()
	size, err := io.Copy(io.MultiWriter(out, hasher), body)
	if err != nil {
		return "", 0, err
	}
	if err := out.Close(); err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(hasher.Sum(nil)), size, nil
}

func assetFilename(item *inventory.Item, kind inventory.AssetKind, remote string) string {
	base := textutil.SanitizeTitle(item.Title)
	switch kind {
	case inventory.AssetMP3:
		return base + ".mp3"
	case inventory.AssetWAV:
		return base + ".wav"
	case inventory.AssetStems:
		ext := strings.ToLower(filepath.Ext(remote))
		if ext == "" {
			ext = ".zip"
		}
		if strings.HasSuffix(strings.ToLower(remote), ".tar.gz") {
			ext = ".tar.gz"
		}
		return base + "_stems" + ext
	case inventory.AssetArtwork:
		ext := strings.ToLower(filepath.Ext(remote))
		if ext == "" {
			ext = ".jpg"
		}
		return "artwork" + ext
	default:
		return base + "." + string(kind)
	}
}

// HealthCheck verifies scraper prerequisites.
func (s *Scraper) HealthCheck(ctx context.Context) stage.Health {
	const name = "scraper"
	if s.cfg == nil {
		return stage.Unhealthy(name, "configuration unavailable")
	}
	if strings.TrimSpace(s.cfg.Storage.StagingDir) == "" {
		return stage.Unhealthy(name, "staging directory not configured")
	}
	if s.source == nil {
		return stage.Unhealthy(name, "catalog session unavailable")
	}
	return stage.Healthy(name)
}
