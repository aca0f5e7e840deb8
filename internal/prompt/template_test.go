package prompt

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRender_SimpleVars(t *testing.T) {
	result, err := Render("Fix {{file_path}} at line {{line_number}}.", Vars{
		"file_path":   "src/app.py",
		"line_number": "12",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != "Fix src/app.py at line 12." {
		t.Errorf("got %q", result)
	}
}

func TestRender_MissingVars(t *testing.T) {
	_, err := Render("{{a}} and {{b}} and {{a}}", Vars{})
	if err == nil {
		t.Fatal("expected error")
	}
	if err.Error() != "missing template variables: a, b" {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestRender_Conditional(t *testing.T) {
	tmpl := "Start.{{#if commits}}\nCommits: {{commits}}\n{{/if}}End."

	got, err := Render(tmpl, Vars{"commits": "abc fix"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(got, "Commits: abc fix") {
		t.Errorf("expected block included, got %q", got)
	}

	got, err = Render(tmpl, Vars{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "Start.End." {
		t.Errorf("expected block dropped, got %q", got)
	}

	got, _ = Render(tmpl, Vars{"commits": ""})
	if got != "Start.End." {
		t.Errorf("empty value should drop block, got %q", got)
	}
}

func TestRender_NestedConditionals(t *testing.T) {
	tmpl := "{{#if outer}}O{{#if inner}}I{{/if}}o{{/if}}."

	got, _ := Render(tmpl, Vars{"outer": "1", "inner": "1"})
	if got != "OIo." {
		t.Errorf("both set: got %q", got)
	}
	got, _ = Render(tmpl, Vars{"outer": "1"})
	if got != "Oo." {
		t.Errorf("inner unset: got %q", got)
	}
	got, _ = Render(tmpl, Vars{"inner": "1"})
	if got != "." {
		t.Errorf("outer unset: got %q", got)
	}
}

func TestRender_ValueIsNotReexpanded(t *testing.T) {
	got, err := Render("out: {{output}}", Vars{"output": "literal {{secret}}"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "out: literal {{secret}}" {
		t.Errorf("got %q", got)
	}
}

func TestRender_UnbalancedConditionals(t *testing.T) {
	if _, err := Render("a{{/if}}", Vars{}); err == nil {
		t.Error("expected error for dangling close")
	}
	if _, err := Render("{{#if x}}a", Vars{"x": "1"}); err == nil {
		t.Error("expected error for unclosed block")
	}
}

func TestBuiltinTemplatesRender(t *testing.T) {
	full := Vars{
		"output": "FAILED", "framework": "pytest", "test_output": "boom", "file_listing": "a.py",
		"config_files": "", "source_files": "", "language": "python", "test_command": "pytest",
		"file_path": "a.py", "line_number": "1", "bug_type": "LOGIC", "test_name": "t",
		"error_message": "e", "git_commits": "", "file_content": "x = 1", "context": "c", "question": "q",
	}
	for _, name := range Names() {
		if _, err := Build(name, "", full); err != nil {
			t.Errorf("template %s: %v", name, err)
		}
	}
}

func TestLoad_OverrideWins(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, RunQuery), []byte("custom {{question}}"), 0o644); err != nil {
		t.Fatal(err)
	}
	got, err := Build(RunQuery, dir, Vars{"question": "why"})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if got != "custom why" {
		t.Errorf("got %q", got)
	}

	// Names without an override fall back to built-ins.
	if _, err := Load(CIWorkflow, dir); err != nil {
		t.Errorf("expected built-in fallback, got %v", err)
	}
}

func TestLoad_RejectsTraversal(t *testing.T) {
	dir := t.TempDir()
	if _, err := Load("../etc/passwd", dir); err == nil {
		t.Error("expected traversal to be refused")
	}
}

func TestLoad_Unknown(t *testing.T) {
	if _, err := Load("nope.md", ""); err == nil {
		t.Error("expected error for unknown template")
	}
}

func TestExportSkipsExisting(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, FixFailure), []byte("mine"), 0o644); err != nil {
		t.Fatal(err)
	}
	written, err := Export(dir)
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	if len(written) != len(Names())-1 {
		t.Errorf("wrote %d templates, want %d", len(written), len(Names())-1)
	}
	data, _ := os.ReadFile(filepath.Join(dir, FixFailure))
	if string(data) != "mine" {
		t.Error("existing template was overwritten")
	}
}
