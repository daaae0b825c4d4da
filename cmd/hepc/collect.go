package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/mrvahepc/hepc/pkg/archivestore"
	"github.com/mrvahepc/hepc/pkg/collector"
	"github.com/mrvahepc/hepc/pkg/config"
	"github.com/mrvahepc/hepc/pkg/metastore"
)

var collectCmd = &cobra.Command{
	Use:   "collect",
	Short: "Run one collection pass over the source tree",
	Long: `Walk the configured source tree, admit up to
collector.max_databases database archives into the archive store, and
record archive and result metadata. The collection report is printed
as YAML on stdout.`,
	RunE: runCollect,
}

func init() {
	rootCmd.AddCommand(collectCmd)
}

func runCollect(cmd *cobra.Command, args []string) error {
	if cfgFile == "" {
		return fmt.Errorf("config file is required (use --config)")
	}

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	if err := cfg.ValidateCollector(); err != nil {
		return fmt.Errorf("validating collector config: %w", err)
	}

	if cfg.Server.BaseURL == "" {
		return fmt.Errorf(
			"server.base_url is required to generate result URLs",
		)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := metastore.NewStore(log, &cfg.Database)
	if err := store.Start(ctx); err != nil {
		return fmt.Errorf("starting metadata store: %w", err)
	}

	defer func() {
		if err := store.Stop(); err != nil {
			log.WithError(err).Warn("Metadata store stop error")
		}
	}()

	archives, err := archivestore.NewStore(cfg.Collector.StoreDir)
	if err != nil {
		return err
	}

	c, err := collector.New(
		log, &cfg.Collector, cfg.Server.BaseURL, store, archives,
	)
	if err != nil {
		return err
	}

	report, err := c.Collect(ctx)
	if err != nil {
		return fmt.Errorf("collection run: %w", err)
	}

	out, err := yaml.Marshal(report)
	if err != nil {
		return fmt.Errorf("rendering report: %w", err)
	}

	if _, err := os.Stdout.Write(out); err != nil {
		return fmt.Errorf("writing report: %w", err)
	}

	return nil
}
