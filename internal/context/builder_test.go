package context

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// mockGit implements GitRunner for testing.
type mockGit struct {
	log string
	err error
}

func (m *mockGit) Log(dir string) (string, error) {
	return m.log, m.err
}

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	path := filepath.Join(root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func newRepo(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	writeFile(t, root, "package.json", `{"name":"demo","scripts":{"test":"jest"}}`)
	writeFile(t, root, "src/index.js", "module.exports = 1;\n")
	writeFile(t, root, "README.md", "# demo\n")
	writeFile(t, root, "node_modules/left-pad/index.js", "x")
	writeFile(t, root, ".git/HEAD", "ref: refs/heads/main")
	writeFile(t, root, "dist/bundle.js", "x")
	return root
}

func TestListFilesSkipsDependencyDirs(t *testing.T) {
	root := newRepo(t)

	files, err := ListFiles(root)
	if err != nil {
		t.Fatalf("ListFiles: %v", err)
	}
	want := []string{"README.md", "package.json", "src/index.js"}
	if strings.Join(files, ",") != strings.Join(want, ",") {
		t.Errorf("files = %v, want %v", files, want)
	}
}

func TestBuild_FullMode(t *testing.T) {
	root := newRepo(t)
	b := NewBuilder(&mockGit{log: "abc123 initial"})

	res, err := b.Build(root, BuildOpts{})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if res.Mode != ModeFull {
		t.Errorf("Mode = %q, want full", res.Mode)
	}
	if !strings.Contains(res.Vars["config_files"], "--- package.json ---") {
		t.Errorf("config_files missing package.json: %q", res.Vars["config_files"])
	}
	if !strings.Contains(res.Vars["source_files"], "--- src/index.js ---") {
		t.Errorf("source_files missing index.js: %q", res.Vars["source_files"])
	}
	if res.Vars["git_commits"] != "abc123 initial" {
		t.Errorf("git_commits = %q", res.Vars["git_commits"])
	}
	if _, ok := res.Manifests["package.json"]; !ok {
		t.Error("Manifests should include package.json")
	}
}

func TestBuild_MinimalMode(t *testing.T) {
	root := newRepo(t)
	b := NewBuilder(&mockGit{err: errors.New("no git")})

	res, err := b.Build(root, BuildOpts{Mode: ModeMinimal})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if res.Vars["config_files"] != "" || res.Vars["source_files"] != "" {
		t.Errorf("minimal mode should not include file contents: %+v", res.Vars)
	}
	if !strings.Contains(res.Vars["file_listing"], "package.json") {
		t.Errorf("file_listing = %q", res.Vars["file_listing"])
	}
}

func TestBuild_ManifestCap(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "pyproject.toml", strings.Repeat("x", 5000))

	res, err := NewBuilder(nil).Build(root, BuildOpts{Mode: ModeManifests})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if got := len(res.Manifests["pyproject.toml"]); got != manifestByteCap {
		t.Errorf("manifest length = %d, want %d", got, manifestByteCap)
	}
}

func TestBuild_InvalidMode(t *testing.T) {
	if _, err := NewBuilder(nil).Build(t.TempDir(), BuildOpts{Mode: "everything"}); err == nil {
		t.Error("expected error for invalid mode")
	}
}

func TestSafeJoin(t *testing.T) {
	root := t.TempDir()

	if _, err := SafeJoin(root, "src/a.py"); err != nil {
		t.Errorf("valid path refused: %v", err)
	}
	for _, bad := range []string{"../outside.txt", "/etc/passwd", "", "src/../../x"} {
		if _, err := SafeJoin(root, bad); err == nil {
			t.Errorf("SafeJoin(%q) should fail", bad)
		}
	}
}

func TestSafeJoin_Symlinks(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "src"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink(outside, filepath.Join(root, "lib")); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}
	if err := os.Symlink(filepath.Join(outside, "gone.py"), filepath.Join(root, "src", "dangling.py")); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink("src", filepath.Join(root, "alias")); err != nil {
		t.Fatal(err)
	}

	for _, bad := range []string{"lib/victim.py", "lib", "lib/new/dir/file.py", "src/dangling.py"} {
		if _, err := SafeJoin(root, bad); err == nil {
			t.Errorf("SafeJoin(%q) should refuse a path leaving the repository", bad)
		}
	}

	got, err := SafeJoin(root, "alias/a.py")
	if err != nil {
		t.Fatalf("link inside the repository refused: %v", err)
	}
	realRoot, _ := filepath.EvalSymlinks(root)
	if want := filepath.Join(realRoot, "src", "a.py"); got != want {
		t.Errorf("SafeJoin = %s, want %s", got, want)
	}
	if _, err := SafeJoin(root, ".github/workflows/ci.yml"); err != nil {
		t.Errorf("missing directories should be allowed: %v", err)
	}
}
