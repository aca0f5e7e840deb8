package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/lucasnoah/healfactory/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Validate and inspect healer configuration",
	Long: `Configuration is read from --config, else ./healer.yaml, else
~/.healer/config.yaml. Environment variables (GROQ_API_KEYS, GITHUB_TOKEN,
DATABASE_URL, ...) override file values.`,
}

// configSource names where loadConfig reads from, for display.
func configSource() string {
	if configPath != "" {
		return configPath
	}
	if p := config.Locate(); p != "" {
		return p
	}
	return "defaults + environment"
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the resolved configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		errs := config.Validate(cfg)
		if len(errs) == 0 {
			fmt.Fprintf(out, "Configuration is valid (%s).\n", configSource())
			return nil
		}

		fmt.Fprintf(out, "Validation errors in %s:\n", configSource())
		for _, e := range errs {
			fmt.Fprintf(out, "  - %s\n", e)
		}
		return fmt.Errorf("config has %d validation error(s)", len(errs))
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the resolved configuration with defaults and environment merged",
	Long: `Print the configuration healer would run with. LLM keys, the GitHub token
and any database password are masked.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		data, err := yaml.Marshal(cfg.Redacted())
		if err != nil {
			return fmt.Errorf("marshalling config: %w", err)
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "# source: %s\n", configSource())
		fmt.Fprint(out, string(data))
		return nil
	},
}

func init() {
	configCmd.AddCommand(configValidateCmd)
	configCmd.AddCommand(configShowCmd)
}
