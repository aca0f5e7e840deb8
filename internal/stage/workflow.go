package stage

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	repoctx "github.com/lucasnoah/healfactory/internal/context"
	"github.com/lucasnoah/healfactory/internal/llm"
	"github.com/lucasnoah/healfactory/internal/pipeline"
	"github.com/lucasnoah/healfactory/internal/prompt"
)

const (
	WorkflowPath          = ".github/workflows/ci.yml"
	WorkflowCommitMessage = CommitPrefix + " Add CI workflow for automated testing"
	minWorkflowLen        = 20
)

// Workflow sources.
const (
	WorkflowFromLLM      = "llm"
	WorkflowFromTemplate = "template"
	WorkflowExisting     = "existing"
)

// WorkflowResult reports what the creator did.
type WorkflowResult struct {
	Created bool
	SHA     string
	Source  string
}

// WorkflowCreator adds a GitHub Actions workflow to a repository that has none.
type WorkflowCreator struct {
	gen          llm.Generator
	vcs          VCS
	templatesDir string
	logger       *slog.Logger
}

// NewWorkflowCreator creates a WorkflowCreator. gen may be nil, in which case
// the built-in template for the language is used.
func NewWorkflowCreator(gen llm.Generator, vcs VCS, templatesDir string, logger *slog.Logger) *WorkflowCreator {
	if logger == nil {
		logger = slog.Default()
	}
	return &WorkflowCreator{gen: gen, vcs: vcs, templatesDir: templatesDir, logger: logger}
}

// Create writes, commits and pushes .github/workflows/ci.yml for the run's
// language and framework. A repository that already has a workflow file is
// left untouched.
func (w *WorkflowCreator) Create(ctx context.Context, s *pipeline.RunState) (WorkflowResult, error) {
	if pipeline.IsProtectedBranch(s.Branch) {
		return WorkflowResult{}, fmt.Errorf("%w %q", ErrProtectedBranch, s.Branch)
	}
	if hasWorkflow(s.RepoDir) {
		w.logger.Info("CI workflow already present, skipping generation")
		return WorkflowResult{Source: WorkflowExisting}, nil
	}

	content, source := w.generate(ctx, s)

	path, err := repoctx.SafeJoin(s.RepoDir, WorkflowPath)
	if err != nil {
		return WorkflowResult{}, err
	}
	if err := pipeline.WriteAtomic(path, []byte(content)); err != nil {
		return WorkflowResult{}, fmt.Errorf("write workflow: %w", err)
	}
	if err := os.Chmod(path, 0o644); err != nil {
		return WorkflowResult{}, fmt.Errorf("write workflow: %w", err)
	}

	sha, err := w.vcs.CommitAll(ctx, s.RepoDir, WorkflowCommitMessage)
	if err != nil {
		return WorkflowResult{}, fmt.Errorf("commit workflow: %w", err)
	}
	if err := w.vcs.Push(ctx, s.RepoDir, s.Branch); err != nil {
		return WorkflowResult{}, fmt.Errorf("push workflow: %w", err)
	}
	w.logger.Info("pushed CI workflow", "sha", sha, "source", source)
	return WorkflowResult{Created: true, SHA: sha, Source: source}, nil
}

// generate asks the model first and falls back to the template when the model
// is unavailable or its answer is not a usable workflow.
func (w *WorkflowCreator) generate(ctx context.Context, s *pipeline.RunState) (string, string) {
	if w.gen != nil && w.gen.Available() {
		content, err := w.fromModel(ctx, s)
		if err == nil {
			return content, WorkflowFromLLM
		}
		w.logger.Warn("model workflow rejected, using template", "error", err)
	}
	return TemplateWorkflow(s.Language, s.Framework), WorkflowFromTemplate
}

func (w *WorkflowCreator) fromModel(ctx context.Context, s *pipeline.RunState) (string, error) {
	res, err := repoctx.NewBuilder(nil).Build(s.RepoDir, repoctx.BuildOpts{Mode: repoctx.ModeManifests})
	if err != nil {
		return "", err
	}
	vars := res.Vars
	vars["language"] = s.Language
	vars["framework"] = s.Framework
	vars["test_command"] = strings.Join(TestCommand(s.Framework), " ")

	user, err := prompt.Build(prompt.CIWorkflow, w.templatesDir, vars)
	if err != nil {
		return "", err
	}
	reply, err := w.gen.Complete(ctx, llm.Request{
		System:      prompt.SystemCIAuthor,
		User:        user,
		Temperature: llm.Temp(0.1),
	})
	if err != nil {
		return "", err
	}
	content := llm.StripFences(reply) + "\n"
	if err := ValidateWorkflow(content); err != nil {
		return "", err
	}
	return content, nil
}

// ValidateWorkflow checks that content parses as YAML and declares both
// triggers and jobs.
func ValidateWorkflow(content string) error {
	if len(strings.TrimSpace(content)) < minWorkflowLen {
		return fmt.Errorf("workflow is empty")
	}
	var doc map[string]any
	if err := yaml.Unmarshal([]byte(content), &doc); err != nil {
		return fmt.Errorf("workflow is not valid YAML: %w", err)
	}
	if _, ok := doc["on"]; !ok {
		return fmt.Errorf("workflow has no \"on\" trigger")
	}
	jobs, ok := doc["jobs"].(map[string]any)
	if !ok || len(jobs) == 0 {
		return fmt.Errorf("workflow has no jobs")
	}
	return nil
}

func hasWorkflow(repoDir string) bool {
	for _, pattern := range []string{"*.yml", "*.yaml"} {
		matches, _ := filepath.Glob(filepath.Join(repoDir, ".github", "workflows", pattern))
		if len(matches) > 0 {
			return true
		}
	}
	return false
}

type workflowDoc struct {
	Name string                 `yaml:"name"`
	On   map[string]any         `yaml:"on"`
	Jobs map[string]workflowJob `yaml:"jobs"`
}

type workflowJob struct {
	RunsOn string         `yaml:"runs-on"`
	Steps  []workflowStep `yaml:"steps"`
}

type workflowStep struct {
	Name string            `yaml:"name,omitempty"`
	Uses string            `yaml:"uses,omitempty"`
	With map[string]string `yaml:"with,omitempty"`
	Run  string            `yaml:"run,omitempty"`
}

// toolchainSteps set up and install dependencies for each language.
var toolchainSteps = map[string][]workflowStep{
	"python": {
		{Uses: "actions/setup-python@v5", With: map[string]string{"python-version": "3.11"}},
		{Name: "Install dependencies", Run: "python -m pip install --upgrade pip\n" +
			"if [ -f requirements.txt ]; then pip install -r requirements.txt; fi\n" +
			"if [ -f pyproject.toml ]; then pip install -e . || true; fi\n" +
			"pip install pytest"},
	},
	"javascript": {
		{Uses: "actions/setup-node@v4", With: map[string]string{"node-version": "20"}},
		{Name: "Install dependencies", Run: "npm install --no-audit --no-fund"},
	},
	"go": {
		{Uses: "actions/setup-go@v5", With: map[string]string{"go-version": "stable"}},
	},
	"rust": {
		{Uses: "dtolnay/rust-toolchain@stable"},
	},
	"java": {
		{Uses: "actions/setup-java@v4", With: map[string]string{"distribution": "temurin", "java-version": "21"}},
	},
	"csharp": {
		{Uses: "actions/setup-dotnet@v4", With: map[string]string{"dotnet-version": "8.0.x"}},
	},
	"ruby": {
		{Uses: "ruby/setup-ruby@v1", With: map[string]string{"ruby-version": "3.3", "bundler-cache": "true"}},
	},
}

// TemplateWorkflow renders the built-in workflow for language and framework.
func TemplateWorkflow(language, framework string) string {
	lang := language
	switch lang {
	case "typescript":
		lang = "javascript"
	case "fsharp":
		lang = "csharp"
	}
	if framework == FrameworkUnknown || framework == "" {
		framework = defaultFramework(lang)
	}

	steps := []workflowStep{{Uses: "actions/checkout@v4"}}
	steps = append(steps, toolchainSteps[lang]...)
	steps = append(steps, workflowStep{Name: "Run tests", Run: strings.Join(TestCommand(framework), " ")})

	doc := workflowDoc{
		Name: "CI",
		On: map[string]any{
			"push":         map[string]any{"branches": []string{"**"}},
			"pull_request": map[string]any{},
		},
		Jobs: map[string]workflowJob{
			"test": {RunsOn: "ubuntu-latest", Steps: steps},
		},
	}
	out, err := yaml.Marshal(doc)
	if err != nil {
		// Static document; marshalling cannot fail.
		panic(err)
	}
	return string(out)
}

func defaultFramework(lang string) string {
	switch lang {
	case "javascript":
		return FrameworkNPMTest
	case "go":
		return FrameworkGoTest
	case "rust":
		return FrameworkCargo
	case "java":
		return FrameworkMaven
	case "csharp":
		return FrameworkDotnet
	case "ruby":
		return FrameworkRubyTest
	}
	return FrameworkPytest
}
