package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mrvahepc/hepc/pkg/migrate"
)

var migrateOpts migrate.Options

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Rewrite result_url prefixes on a copy of the metadata store",
	Long: `Copy the metadata store and rewrite every result_url that
starts with --old-prefix to use --new-prefix instead. The source store
is never modified; cut the server over to the migrated copy once it has
been verified. Matching is a literal string prefix.`,
	RunE: runMigrate,
}

func init() {
	migrateCmd.Flags().StringVar(&migrateOpts.SourcePath, "source", "",
		"path to the live metadata store (required)")
	migrateCmd.Flags().StringVar(&migrateOpts.DestPath, "dest", "",
		"path for the migrated copy (required, must not exist)")
	migrateCmd.Flags().StringVar(&migrateOpts.OldPrefix, "old-prefix", "",
		"literal result_url prefix to replace (required)")
	migrateCmd.Flags().StringVar(&migrateOpts.NewPrefix, "new-prefix", "",
		"replacement prefix (required)")

	_ = migrateCmd.MarkFlagRequired("source")
	_ = migrateCmd.MarkFlagRequired("dest")
	_ = migrateCmd.MarkFlagRequired("old-prefix")
	_ = migrateCmd.MarkFlagRequired("new-prefix")

	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(cmd *cobra.Command, args []string) error {
	count, err := migrate.Migrate(context.Background(), log, migrateOpts)
	if err != nil {
		return fmt.Errorf("migration: %w", err)
	}

	fmt.Printf("rewrote %d result URLs into %s\n", count, migrateOpts.DestPath)

	return nil
}
