package classify

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	repoctx "github.com/lucasnoah/healfactory/internal/context"
	"github.com/lucasnoah/healfactory/internal/llm"
	"github.com/lucasnoah/healfactory/internal/pipeline"
	"github.com/lucasnoah/healfactory/internal/prompt"
)

const (
	configErrorMaxLen = 300
	llmExcerptLen     = 4000
)

// configErrorMarkers identify output where the runner itself could not start,
// as opposed to tests that ran and failed.
var configErrorMarkers = []string{
	"no test specified",
	"Error: no test specified",
	"missing script: test",
	"command not found",
	"ERROR: Test command not found",
	"Test execution timed out",
	"npm ERR! missing script",
	"Cannot find module",
	"Could not locate a valid entry",
}

// manifestPriority is searched in order for the synthesized config failure.
var manifestPriority = []string{
	"package.json",
	"pyproject.toml",
	"setup.py",
	"pom.xml",
	"build.gradle",
	"Cargo.toml",
	"go.mod",
	"Gemfile",
	"composer.json",
	"mix.exs",
	"pubspec.yaml",
}

// Source records which path produced a classification.
type Source string

const (
	SourceNone   Source = "none"
	SourceConfig Source = "config_error"
	SourceParser Source = "parser"
	SourceLLM    Source = "llm"
)

// Input is one test run to classify.
type Input struct {
	Output    string
	ExitCode  int
	Framework string
	RepoDir   string
}

// Result is the classifier's answer. Failures is never nil.
type Result struct {
	Failures []pipeline.Failure
	Source   Source
}

// Classifier maps raw test output to failures. It never returns an error:
// unavailable or misbehaving model calls degrade to an empty or synthesized list.
type Classifier struct {
	gen          llm.Generator
	repo         *repoctx.Builder
	templatesDir string
	logger       *slog.Logger
}

// NewClassifier creates a Classifier. gen and repo may be nil, which disables
// the model-backed fallbacks.
func NewClassifier(gen llm.Generator, repo *repoctx.Builder, templatesDir string, logger *slog.Logger) *Classifier {
	if logger == nil {
		logger = slog.Default()
	}
	if repo == nil {
		repo = repoctx.NewBuilder(nil)
	}
	return &Classifier{gen: gen, repo: repo, templatesDir: templatesDir, logger: logger}
}

// IsConfigError reports whether output looks like the runner failed to start.
func IsConfigError(output string) bool {
	if utf8.RuneCountInString(strings.TrimSpace(output)) >= configErrorMaxLen {
		return false
	}
	lower := strings.ToLower(output)
	for _, m := range configErrorMarkers {
		if strings.Contains(lower, strings.ToLower(m)) {
			return true
		}
	}
	return false
}

// Classify runs the ordered strategy: exit 0 short-circuit, config-error
// handling, framework parser, then model fallback.
func (c *Classifier) Classify(ctx context.Context, in Input) Result {
	if in.ExitCode == 0 {
		return Result{Failures: []pipeline.Failure{}, Source: SourceNone}
	}

	if IsConfigError(in.Output) {
		failures := c.diagnoseRepo(ctx, in)
		if len(failures) == 0 {
			failures = []pipeline.Failure{{
				File:     GuessManifest(in.RepoDir),
				TestName: "test_configuration",
				Line:     1,
				Message:  clip(strings.TrimSpace(in.Output), maxMessageLen),
				BugType:  pipeline.BugSyntax,
				Raw:      clip(in.Output, maxRawLen),
			}}
		}
		return Result{Failures: failures, Source: SourceConfig}
	}

	if failures := ParserFor(in.Framework).Parse(in.Output); len(failures) > 0 {
		return Result{Failures: failures, Source: SourceParser}
	}

	failures := c.classifyWithModel(ctx, in.Output)
	if len(failures) == 0 {
		return Result{Failures: []pipeline.Failure{}, Source: SourceNone}
	}
	return Result{Failures: failures, Source: SourceLLM}
}

func (c *Classifier) modelAvailable() bool {
	return c.gen != nil && c.gen.Available()
}

// classifyWithModel asks the model to extract failures from an output excerpt.
func (c *Classifier) classifyWithModel(ctx context.Context, output string) []pipeline.Failure {
	if !c.modelAvailable() {
		c.logger.Warn("no LLM keys, skipping model classification")
		return nil
	}
	user, err := prompt.Build(prompt.ClassifyOutput, c.templatesDir, prompt.Vars{
		"output": clip(output, llmExcerptLen),
	})
	if err != nil {
		c.logger.Error("render classify prompt", "error", err)
		return nil
	}
	reply, err := c.gen.Complete(ctx, llm.Request{
		System:      prompt.SystemClassifier,
		User:        user,
		Temperature: llm.Temp(0),
	})
	if err != nil {
		c.logger.Warn("model classification failed", "error", err)
		return nil
	}
	failures, err := decodeFailures(reply, failureDefaults{
		File:     "unknown",
		TestName: "unknown",
		Message:  "unknown error",
	})
	if err != nil {
		c.logger.Error("model returned invalid JSON for failure classification", "error", err)
		return nil
	}
	return failures
}

// diagnoseRepo shows the model the repository itself when the runner could
// not start, so it can name the real files needing repair.
func (c *Classifier) diagnoseRepo(ctx context.Context, in Input) []pipeline.Failure {
	if !c.modelAvailable() || in.RepoDir == "" {
		return nil
	}
	built, err := c.repo.Build(in.RepoDir, repoctx.BuildOpts{Mode: repoctx.ModeFull})
	if err != nil {
		c.logger.Warn("gather repo context", "error", err)
		return nil
	}
	vars := built.Vars
	vars["framework"] = in.Framework
	vars["test_output"] = strings.TrimSpace(in.Output)

	user, err := prompt.Build(prompt.RepoDiagnosis, c.templatesDir, vars)
	if err != nil {
		c.logger.Error("render diagnosis prompt", "error", err)
		return nil
	}
	reply, err := c.gen.Complete(ctx, llm.Request{
		System:      prompt.SystemReviewer,
		User:        user,
		Temperature: llm.Temp(0),
	})
	if err != nil {
		c.logger.Warn("model repo analysis failed", "error", err)
		return nil
	}
	failures, err := decodeFailures(reply, failureDefaults{
		File:     GuessManifest(in.RepoDir),
		TestName: "config_issue",
		Message:  "Configuration error",
		Raw:      clip(in.Output, maxMessageLen),
	})
	if err != nil {
		c.logger.Warn("model repo analysis returned invalid JSON", "error", err)
		return nil
	}
	return failures
}

// GuessManifest returns the first manifest present in repoDir, or package.json.
func GuessManifest(repoDir string) string {
	if repoDir != "" {
		for _, name := range manifestPriority {
			if _, err := os.Stat(filepath.Join(repoDir, name)); err == nil {
				return name
			}
		}
	}
	return "package.json"
}
