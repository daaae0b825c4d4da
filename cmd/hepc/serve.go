package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mrvahepc/hepc/pkg/api"
	"github.com/mrvahepc/hepc/pkg/archivestore"
	"github.com/mrvahepc/hepc/pkg/collector"
	"github.com/mrvahepc/hepc/pkg/config"
	"github.com/mrvahepc/hepc/pkg/metastore"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP serving layer",
	Long: `Serve the collection index, latest-result metadata, and raw
archive downloads over HTTP. With collector.interval set, a background
collection pass also runs periodically.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	if cfgFile == "" {
		return fmt.Errorf("config file is required (use --config)")
	}

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	if err := cfg.ValidateServer(); err != nil {
		return fmt.Errorf("validating server config: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	store := metastore.NewStore(log, &cfg.Database)
	if err := store.Start(ctx); err != nil {
		return fmt.Errorf("starting metadata store: %w", err)
	}

	defer func() {
		if err := store.Stop(); err != nil {
			log.WithError(err).Warn("Metadata store stop error")
		}
	}()

	archives, err := buildArchiveReader(cfg)
	if err != nil {
		return err
	}

	background, err := buildBackgroundCollector(cfg, store)
	if err != nil {
		return err
	}

	srv := api.NewServer(
		log, &cfg.Server, metastore.NewHandle(store), archives, background,
	)

	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("starting server: %w", err)
	}

	sig := <-sigCh
	log.WithField("signal", sig).Info("Shutting down")
	cancel()

	if err := srv.Stop(); err != nil {
		return fmt.Errorf("stopping server: %w", err)
	}

	return nil
}

// buildArchiveReader selects the archive download backend: S3 when
// enabled, otherwise the local archive store directory.
func buildArchiveReader(cfg *config.Config) (archivestore.Reader, error) {
	if cfg.Storage.S3 != nil && cfg.Storage.S3.Enabled {
		log.Info("Serving archives from S3")

		return archivestore.NewS3Reader(cfg.Storage.S3), nil
	}

	if cfg.Collector.StoreDir == "" {
		return nil, fmt.Errorf(
			"collector.store_dir is required for local archive serving",
		)
	}

	return archivestore.NewLocalReader(cfg.Collector.StoreDir), nil
}

// buildBackgroundCollector wires the optional periodic collection
// service. Returns nil when collector.interval is unset.
func buildBackgroundCollector(
	cfg *config.Config, store metastore.Store,
) (collector.Service, error) {
	if cfg.Collector.Interval == "" {
		return nil, nil
	}

	interval, err := time.ParseDuration(cfg.Collector.Interval)
	if err != nil {
		return nil, fmt.Errorf("parsing collector.interval: %w", err)
	}

	if err := cfg.ValidateCollector(); err != nil {
		return nil, fmt.Errorf("validating collector config: %w", err)
	}

	archives, err := archivestore.NewStore(cfg.Collector.StoreDir)
	if err != nil {
		return nil, err
	}

	c, err := collector.New(
		log, &cfg.Collector, cfg.Server.BaseURL, store, archives,
	)
	if err != nil {
		return nil, err
	}

	return collector.NewService(log, c, interval), nil
}
