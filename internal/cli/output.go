package cli

import (
	"encoding/json"
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/lucasnoah/healfactory/internal/pipeline"
)

func writeJSON(cmd *cobra.Command, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshalling output: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return nil
}

var (
	passColor  = color.New(color.FgGreen, color.Bold).SprintFunc()
	failColor  = color.New(color.FgRed, color.Bold).SprintFunc()
	quarColor  = color.New(color.FgYellow, color.Bold).SprintFunc()
	otherColor = color.New(color.FgCyan).SprintFunc()
)

// colorStatus colours a final or run status for terminal output. Colour is
// dropped automatically when stdout is not a terminal.
func colorStatus(status string) string {
	switch status {
	case pipeline.FinalPassed, pipeline.StatusPassed:
		return passColor(status)
	case pipeline.FinalFailed, pipeline.StatusFailed:
		return failColor(status)
	case pipeline.FinalQuarantined, pipeline.StatusQuarantined:
		return quarColor(status)
	default:
		return otherColor(status)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
