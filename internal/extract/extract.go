// Package extract unpacks each item's stems archive and repacks it as a
// single zip that also carries the item's WAV.
package extract

import (
	"archive/zip"
	"context"
	"fmt"
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

const stemsSuffix = "_stems.zip"

// Extractor is the phase handler that normalizes stems archives.
type Extractor struct {
	cfg    *config.Config
	store  *inventory.Store
	logger *slog.Logger
	stats  *report.RunStats
}

// NewExtractor constructs the extractor phase handler.
func NewExtractor(cfg *config.Config, store *inventory.Store, logger *slog.Logger, stats *report.RunStats) *Extractor {
	return &Extractor{
		cfg:    cfg,
		store:  store,
		logger: logging.NewComponentLogger(logger, "extractor"),
		stats:  stats,
	}
}

func (e *Extractor) Prepare(ctx context.Context, item *inventory.Item) error {
	item.ErrorMessage = ""
	return nil
}

// Execute converts the item's stems archive into <title>_stems.zip. Items
// without a stems archive pass through unchanged; the publisher decides what
// an incomplete item means. The original archive is removed only after the
// replacement zip is fully written and recorded.
func (e *Extractor) Execute(ctx context.Context, item *inventory.Item) error {
	logger := logging.WithContext(ctx, e.logger)

	asset, err := e.store.Asset(ctx, item.ID, inventory.AssetStems)
	if err != nil {
		return err
	}
	if asset == nil || !asset.Complete {
		logger.Info("no stems archive for item, skipping extraction", logging.String("title", item.Title))
		item.Status = inventory.StatusExtracted
		return nil
	}

	// A fresh download can carry the bundle name, so idempotence is decided
	// by content: only a bundle holding the item's WAV came from a previous
	// run.
	if strings.HasSuffix(asset.Path, stemsSuffix) && e.alreadyRepacked(ctx, item, asset.Path) {
		logger.Debug("stems already repacked", logging.String("path", filepath.Base(asset.Path)))
		item.Status = inventory.StatusExtracted
		return nil
	}

	format, ok := DetectFormat(asset.Path)
	if !ok {
		ext := strings.ToLower(filepath.Ext(asset.Path))
		if e.stats.RecordCapabilityGap("archive"+ext, fmt.Sprintf("no extractor for %s archives", ext)) {
			logger.Warn("unsupported stems archive format",
				logging.String("extension", ext),
				logging.String(logging.FieldErrorHint, "convert the archive to zip, rar, 7z, or tar.gz"))
		}
		return services.Wrap(services.ErrCapability, "extracting", "detect format",
			fmt.Sprintf("No extractor available for %q", filepath.Base(asset.Path)), nil)
	}

	scratch := filepath.Join(e.cfg.Storage.StagingDir, "extract-"+uuid.NewString())
	if err := os.MkdirAll(scratch, 0o755); err != nil {
		return services.Wrap(services.ErrTransient, "extracting", "create scratch dir", "Failed to create extraction directory", err)
	}
	defer func() { _ = os.RemoveAll(scratch) }()

	if err := extractArchive(asset.Path, format, scratch); err != nil {
		return services.Wrap(services.ErrArchiveIncomplete, "extracting", "unpack archive",
			fmt.Sprintf("Stems archive for %q is unreadable or truncated", item.Title), err)
	}

	extracted, err := countRegularFiles(scratch)
	if err != nil {
		return services.Wrap(services.ErrTransient, "extracting", "inspect extraction",
			"Failed to inspect extracted files", err)
	}
	if extracted == 0 {
		return services.Wrap(services.ErrArchiveIncomplete, "extracting", "unpack archive",
			fmt.Sprintf("Stems archive for %q contained no files", item.Title), nil)
	}

	if err := e.addWAV(ctx, item, scratch); err != nil {
		logger.Warn("could not add wav to stems bundle", logging.Error(err))
	}

	zipName := textutil.SanitizeTitle(item.Title) + stemsSuffix
	stagedZip := filepath.Join(e.cfg.Storage.StagingDir, "stems-"+uuid.NewString()+".zip")
	if err := buildZip(scratch, stagedZip); err != nil {
		_ = os.Remove(stagedZip)
		return services.Wrap(services.ErrTransient, "extracting", "repack stems", "Failed to build stems zip", err)
	}

	finalPath := filepath.Join(filepath.Dir(asset.Path), zipName)
	if err := fileutil.MoveFile(stagedZip, finalPath); err != nil {
		_ = os.Remove(stagedZip)
		return services.Wrap(services.ErrTransient, "extracting", "store stems zip", "Failed to move stems zip into library", err)
	}

	hash, size, err := fileutil.HashFile(finalPath)
	if err != nil {
		return services.Wrap(services.ErrTransient, "extracting", "hash stems zip", "Failed to hash stems zip", err)
	}
	originalPath := asset.Path
	asset.Path = finalPath
	asset.Size = size
	asset.SHA256 = hash
	asset.Complete = true
	if err := e.store.UpsertAsset(ctx, asset); err != nil {
		return err
	}

	if originalPath != finalPath {
		if err := os.Remove(originalPath); err != nil {
			logger.Warn("original stems archive not removed", logging.Error(err))
		}
	}

	e.stats.ItemsExtracted.Add(1)
	item.Status = inventory.StatusExtracted
	logger.Info("stems repacked",
		logging.String("title", item.Title),
		logging.String("zip", zipName),
		logging.Int64("bytes", size))
	return nil
}

// alreadyRepacked reports whether a zip under the bundle name actually is the
// bundle. The bundle always carries the item's WAV alongside the stems, which
// a raw stems download never does.
func (e *Extractor) alreadyRepacked(ctx context.Context, item *inventory.Item, path string) bool {
	wav, err := e.store.Asset(ctx, item.ID, inventory.AssetWAV)
	if err != nil || wav == nil || !wav.Complete {
		return false
	}
	reader, err := zip.OpenReader(path)
	if err != nil {
		return false
	}
	defer reader.Close()
	want := filepath.Base(wav.Path)
	for _, entry := range reader.File {
		if filepath.Base(entry.Name) == want {
			return true
		}
	}
	return false
}

func countRegularFiles(dir string) (int, error) {
	count := 0
	err := filepath.WalkDir(dir, func(path string, entry os.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if !entry.IsDir() {
			count++
		}
		return nil
	})
	return count, err
}

// addWAV copies the item's WAV into the scratch dir so the final bundle is
// self-contained.
func (e *Extractor) addWAV(ctx context.Context, item *inventory.Item, scratch string) error {
	wav, err := e.store.Asset(ctx, item.ID, inventory.AssetWAV)
	if err != nil {
		return err
	}
	if wav == nil || !wav.Complete {
		return nil
	}
	return fileutil.CopyFileVerified(wav.Path, filepath.Join(scratch, filepath.Base(wav.Path)))
}

// HealthCheck verifies extractor prerequisites.
func (e *Extractor) HealthCheck(ctx context.Context) stage.Health {
	const name = "extractor"
	if e.cfg == nil {
		return stage.Unhealthy(name, "configuration unavailable")
	}
	if strings.TrimSpace(e.cfg.Storage.StagingDir) == "" {
		return stage.Unhealthy(name, "staging directory not configured")
	}
	return stage.Healthy(name)
}
