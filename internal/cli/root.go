package cli

import (
	"github.com/spf13/cobra"

	"github.com/lucasnoah/healfactory/internal/config"
)

var version = "dev"

func SetVersion(v string) {
	version = v
}

var configPath string

var rootCmd = &cobra.Command{
	Use:   "healer",
	Short: "healer, an autonomous CI healing agent",
	Long: `healer clones a repository, runs its test suite, classifies the failures,
asks a model for fixes, commits them to a working branch and watches CI until
the branch passes or the iteration budget runs out.

Run status lives under ~/.healer/runs (JSON), the audit trail in the database
named by database.url (SQLite by default, Postgres supported).`,
	SilenceUsage: true,
}

func Execute() error {
	return rootCmd.Execute()
}

// loadConfig resolves --config, falling back to the default search path.
func loadConfig() (*config.Config, error) {
	if configPath != "" {
		return config.Load(configPath)
	}
	return config.LoadDefault()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to healer config file")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(classifyCmd)
	rootCmd.AddCommand(scoreCmd)
	rootCmd.AddCommand(analyticsCmd)
	rootCmd.AddCommand(dbCmd)
	rootCmd.AddCommand(configCmd)
}
