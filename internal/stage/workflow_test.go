package stage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/lucasnoah/healfactory/internal/pipeline"
	"github.com/lucasnoah/healfactory/internal/worktree"
)

func newWorkflowState(t *testing.T, lang, framework string) *pipeline.RunState {
	t.Helper()
	s := pipeline.NewRunState("run_1", "https://github.com/org/calc", "TEAM_AI_Fix", 5, pipeline.DefaultFeatureFlags(), time.Now())
	s.RepoDir = t.TempDir()
	s.Language = lang
	s.Framework = framework
	return s
}

func TestTemplateWorkflow_AllLanguagesValidate(t *testing.T) {
	cases := []struct{ lang, framework, wantRun string }{
		{"python", FrameworkPytest, "python -m pytest"},
		{"javascript", FrameworkJest, "npx jest"},
		{"typescript", FrameworkUnknown, "npm test"},
		{"go", FrameworkGoTest, "go test -v ./..."},
		{"rust", FrameworkCargo, "cargo test"},
		{"java", FrameworkGradle, "gradle test"},
		{"csharp", FrameworkDotnet, "dotnet test"},
		{"fsharp", FrameworkUnknown, "dotnet test"},
		{"ruby", FrameworkRSpec, "bundle exec rspec"},
		{"cobol", FrameworkUnknown, "python -m pytest"},
	}
	for _, c := range cases {
		out := TemplateWorkflow(c.lang, c.framework)
		if err := ValidateWorkflow(out); err != nil {
			t.Errorf("%s: template does not validate: %v\n%s", c.lang, err, out)
		}
		if !strings.Contains(out, c.wantRun) {
			t.Errorf("%s: expected %q in workflow:\n%s", c.lang, c.wantRun, out)
		}
		if !strings.Contains(out, "actions/checkout@v4") {
			t.Errorf("%s: workflow does not check out the code", c.lang)
		}
	}
}

func TestValidateWorkflow(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr bool
	}{
		{"valid", "name: CI\non: [push]\njobs:\n  test:\n    runs-on: ubuntu-latest\n", false},
		{"empty", "  ", true},
		{"not yaml", "name: CI\non: [push\njobs: {", true},
		{"no trigger", "name: CI\njobs:\n  test:\n    runs-on: ubuntu-latest\n", true},
		{"no jobs", "name: CI\non: [push]\nenv:\n  A: b\n", true},
	}
	for _, tt := range tests {
		err := ValidateWorkflow(tt.content)
		if (err != nil) != tt.wantErr {
			t.Errorf("%s: ValidateWorkflow error = %v, wantErr %v", tt.name, err, tt.wantErr)
		}
	}
}

func TestWorkflowCreator_TemplateWithoutModel(t *testing.T) {
	git := &mockGit{sha: "wf12345"}
	w := NewWorkflowCreator(nil, worktree.NewManager(git, "/repos"), "", quietLogger())
	s := newWorkflowState(t, "python", FrameworkPytest)

	res, err := w.Create(context.Background(), s)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if !res.Created || res.SHA != "wf12345" || res.Source != WorkflowFromTemplate {
		t.Errorf("unexpected result %+v", res)
	}
	data, err := os.ReadFile(filepath.Join(s.RepoDir, ".github", "workflows", "ci.yml"))
	if err != nil {
		t.Fatalf("workflow not written: %v", err)
	}
	if err := ValidateWorkflow(string(data)); err != nil {
		t.Errorf("written workflow invalid: %v", err)
	}

	cmds := git.commands()
	if !strings.HasSuffix(cmds[1], "commit -m "+WorkflowCommitMessage) {
		t.Errorf("unexpected commit %q", cmds[1])
	}
	if cmds[len(cmds)-1] != "push -u origin TEAM_AI_Fix" {
		t.Errorf("expected push, got %v", cmds)
	}
}

func TestWorkflowCreator_UsesModelYAML(t *testing.T) {
	model := "```yaml\nname: CI\non:\n  push:\njobs:\n  test:\n    runs-on: ubuntu-latest\n    steps:\n      - run: make test\n```"
	gen := &fakeGenerator{available: true, replies: []string{model}}
	w := NewWorkflowCreator(gen, worktree.NewManager(&mockGit{sha: "a"}, "/repos"), "", quietLogger())
	s := newWorkflowState(t, "go", FrameworkGoTest)
	writeFiles(t, s.RepoDir, map[string]string{"go.mod": "module x\n"})

	res, err := w.Create(context.Background(), s)
	if err != nil {
		t.Fatal(err)
	}
	if res.Source != WorkflowFromLLM {
		t.Errorf("expected model workflow, got %s", res.Source)
	}
	data, _ := os.ReadFile(filepath.Join(s.RepoDir, WorkflowPath))
	if !strings.Contains(string(data), "make test") || strings.Contains(string(data), "```") {
		t.Errorf("unexpected workflow content:\n%s", data)
	}
	if !strings.Contains(gen.calls[0].User, "go test -v ./...") || !strings.Contains(gen.calls[0].User, "go.mod") {
		t.Errorf("prompt missing test command or manifest:\n%s", gen.calls[0].User)
	}
}

func TestWorkflowCreator_InvalidModelYAMLFallsBack(t *testing.T) {
	gen := &fakeGenerator{available: true, replies: []string{"I cannot help with that."}}
	w := NewWorkflowCreator(gen, worktree.NewManager(&mockGit{sha: "a"}, "/repos"), "", quietLogger())
	s := newWorkflowState(t, "javascript", FrameworkJest)

	res, err := w.Create(context.Background(), s)
	if err != nil {
		t.Fatal(err)
	}
	if res.Source != WorkflowFromTemplate {
		t.Errorf("expected template fallback, got %s", res.Source)
	}
}

func TestWorkflowCreator_ExistingWorkflow(t *testing.T) {
	git := &mockGit{}
	w := NewWorkflowCreator(nil, worktree.NewManager(git, "/repos"), "", quietLogger())
	s := newWorkflowState(t, "python", FrameworkPytest)
	writeFiles(t, s.RepoDir, map[string]string{".github/workflows/test.yaml": "on: push\n"})

	res, err := w.Create(context.Background(), s)
	if err != nil {
		t.Fatal(err)
	}
	if res.Created || res.Source != WorkflowExisting || len(git.calls) != 0 {
		t.Errorf("expected untouched repo, got %+v with %v", res, git.commands())
	}
}

func TestWorkflowCreator_ProtectedBranch(t *testing.T) {
	w := NewWorkflowCreator(nil, worktree.NewManager(&mockGit{}, "/repos"), "", quietLogger())
	s := newWorkflowState(t, "python", FrameworkPytest)
	s.Branch = "master"

	if _, err := w.Create(context.Background(), s); !errors.Is(err, ErrProtectedBranch) {
		t.Errorf("expected ErrProtectedBranch, got %v", err)
	}
}
