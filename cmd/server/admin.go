package main

import (
	"errors"
	"fmt"

	"github.com/erauner12/syncengine/internal/db"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var errNoDatabase = errors.New("command requires postgres storage")

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the PostgreSQL schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		b, err := openBackend(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer b.close()
		if b.pool == nil {
			return errNoDatabase
		}

		if err := db.Migrate(cmd.Context(), b.pool); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		log.Info().Msg("schema up to date")
		return nil
	},
}

var purgeCmd = &cobra.Command{
	Use:   "purge-tombstones",
	Short: "Archive tombstones past retention once and exit",
	Long: `Archive every tombstone that is past the retention period and has been
observed by all of the owner's registered devices.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		b, err := openBackend(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer b.close()
		if b.pool == nil {
			return errNoDatabase
		}

		purged, err := newService(cfg, b).PurgeTombstones(cmd.Context())
		if err != nil {
			return fmt.Errorf("purge: %w", err)
		}
		log.Info().Int("archived", len(purged)).Msg("tombstone purge complete")
		fmt.Fprintf(cmd.OutOrStdout(), "archived %d tombstones\n", len(purged))
		return nil
	},
}
