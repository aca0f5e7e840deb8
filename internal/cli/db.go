package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/healfactory/internal/db"
)

var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Audit database management",
}

// rawDB opens the configured database without migrating it.
func rawDB() (*db.DB, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	database, err := db.Open(cfg.Database.URL)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	return database, nil
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database schema migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		database, err := rawDB()
		if err != nil {
			return err
		}
		defer database.Close()

		before, err := database.SchemaVersion()
		if err != nil {
			return err
		}
		if err := database.Migrate(); err != nil {
			return err
		}
		after, err := database.SchemaVersion()
		if err != nil {
			return err
		}
		if after == before {
			fmt.Fprintf(cmd.OutOrStdout(), "Schema is up to date (v%d).\n", after)
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Migrated schema v%d -> v%d.\n", before, after)
		return nil
	},
}

var dbResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Drop every table and re-create the schema (destructive!)",
	RunE: func(cmd *cobra.Command, args []string) error {
		if yes, _ := cmd.Flags().GetBool("yes"); !yes {
			return fmt.Errorf("refusing to reset without --yes")
		}
		database, err := rawDB()
		if err != nil {
			return err
		}
		defer database.Close()

		if err := database.Reset(); err != nil {
			return err
		}
		v, err := database.SchemaVersion()
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Database reset (schema v%d).\n", v)
		return nil
	},
}

func init() {
	dbResetCmd.Flags().Bool("yes", false, "confirm the reset")
	dbCmd.AddCommand(dbMigrateCmd)
	dbCmd.AddCommand(dbResetCmd)
}
