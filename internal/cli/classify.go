package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/healfactory/internal/classify"
	"github.com/lucasnoah/healfactory/internal/pipeline"
)

type classifyOutput struct {
	Source   classify.Source    `json:"source"`
	Failures []pipeline.Failure `json:"failures"`
}

var classifyCmd = &cobra.Command{
	Use:   "classify <file>",
	Short: "Classify saved test output offline",
	Long: `Run the deterministic classifier over a saved test-runner log and print the
failures it finds. Pass "-" to read the log from stdin.

No model is consulted: output the framework parser cannot split yields no
failures.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		framework, _ := cmd.Flags().GetString("framework")
		exitCode, _ := cmd.Flags().GetInt("exit-code")
		repoDir, _ := cmd.Flags().GetString("repo-dir")
		format, _ := cmd.Flags().GetString("format")

		var (
			data []byte
			err  error
		)
		if args[0] == "-" {
			data, err = io.ReadAll(cmd.InOrStdin())
		} else {
			data, err = os.ReadFile(args[0])
		}
		if err != nil {
			return fmt.Errorf("reading test output: %w", err)
		}

		logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: slog.LevelWarn}))
		res := classify.NewClassifier(nil, nil, "", logger).Classify(cmd.Context(), classify.Input{
			Output:    string(data),
			ExitCode:  exitCode,
			Framework: framework,
			RepoDir:   repoDir,
		})

		if format == "json" {
			return writeJSON(cmd, classifyOutput{Source: res.Source, Failures: res.Failures})
		}

		out := cmd.OutOrStdout()
		if len(res.Failures) == 0 {
			fmt.Fprintf(out, "No failures found (source: %s).\n", res.Source)
			return nil
		}
		fmt.Fprintf(out, "%d failure(s) (source: %s, parser: %s)\n\n", len(res.Failures), res.Source, classify.FamilyOf(framework))
		w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "TYPE\tFILE\tLINE\tTEST\tMESSAGE")
		for _, f := range res.Failures {
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n", f.BugType, f.File, f.Line, f.TestName, truncate(f.Message, 60))
		}
		return w.Flush()
	},
}

func init() {
	classifyCmd.Flags().String("framework", "pytest", "test framework that produced the output")
	classifyCmd.Flags().Int("exit-code", 1, "exit code of the test run")
	classifyCmd.Flags().String("repo-dir", "", "repository checkout, used to name the manifest on configuration errors")
	classifyCmd.Flags().String("format", "text", "Output format: text or json")
}
