package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofrs/flock"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"beatbridge/internal/config"
	"beatbridge/internal/extract"
	"beatbridge/internal/inventory"
	"beatbridge/internal/logging"
	"beatbridge/internal/publisher"
	"beatbridge/internal/report"
	"beatbridge/internal/scraper"
	"beatbridge/internal/session"
	"beatbridge/internal/workflow"
)

func newRunCommand(cmdCtx *commandContext) *cobra.Command {
	var modeFlag string
	var skipPublish bool
	var forceFreshLogin bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Mirror the catalog: scrape new items, repack stems, publish products",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := cmdCtx.ensureConfig()
			if err != nil {
				return err
			}
			if modeFlag != "" {
				switch modeFlag {
				case config.ModeDownloadAll, config.ModeDownloadNewOnly, config.ModeForceRedownload:
					cfg.Workflow.Mode = modeFlag
				default:
					return fmt.Errorf("unknown mode %q (expected %s, %s, or %s)",
						modeFlag, config.ModeDownloadAll, config.ModeDownloadNewOnly, config.ModeForceRedownload)
				}
			}
			if forceFreshLogin {
				cfg.Source.ForceFreshLogin = true
			}
			return runOnce(cmd, cfg, skipPublish)
		},
	}

	cmd.Flags().StringVar(&modeFlag, "mode", "", "Run mode: download-all, download-new-only, or force-redownload")
	cmd.Flags().BoolVar(&skipPublish, "skip-publish", false, "Download and extract only; leave items unpublished")
	cmd.Flags().BoolVar(&forceFreshLogin, "fresh-login", false, "Discard the saved catalog session and log in again")
	return cmd
}

func runOnce(cmd *cobra.Command, cfg *config.Config, skipPublish bool) error {
	logger, err := logging.NewFromConfig(cfg)
	if err != nil {
		return fmt.Errorf("initialize logging: %w", err)
	}

	lock := flock.New(cfg.LockPath())
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire run lock: %w", err)
	}
	if !locked {
		return errors.New("another beatbridge run is already active")
	}
	defer func() { _ = lock.Unlock() }()

	store, err := inventory.Open(cfg)
	if err != nil {
		return fmt.Errorf("open inventory: %w", err)
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	stats := report.NewRunStats()

	sessions := session.NewStore(cfg.Source.SessionFile)
	source, err := scraper.NewWebSource(cfg, logger, sessions)
	if err != nil {
		return fmt.Errorf("initialize catalog source: %w", err)
	}
	scr := scraper.NewScraper(cfg, store, logger, source, stats)

	set := workflow.StageSet{
		Scraper:   scr,
		Extractor: extract.NewExtractor(cfg, store, logger, stats),
	}
	if !skipPublish {
		tokens := session.NewTokenCache(cfg.Shopify.SessionFile)
		client := publisher.NewClient(cfg, logger, tokens)
		set.Publisher = publisher.NewPublisher(cfg, store, logger, stats, client)
	}

	if err := scr.Discover(ctx); err != nil {
		return fmt.Errorf("discover catalog: %w", err)
	}

	manager := workflow.NewManager(cfg, store, logger, stats)
	manager.ConfigureStages(set)
	if err := manager.RunUntilIdle(ctx); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if file, ok := out.(*os.File); ok && isTerminal(file) {
		stats.RenderTable(out)
	} else {
		stats.RenderPlain(out)
	}
	return nil
}

func isTerminal(file *os.File) bool {
	fd := file.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}
