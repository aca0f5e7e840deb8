package context

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/lucasnoah/healfactory/internal/prompt"
)

// FidelityMode controls how much of the repository goes into a prompt.
type FidelityMode string

const (
	ModeFull      FidelityMode = "full"      // listing, manifests and source snippets
	ModeManifests FidelityMode = "manifests" // listing and manifests
	ModeMinimal   FidelityMode = "minimal"   // listing only
)

// ValidModes lists all valid fidelity modes.
var ValidModes = []FidelityMode{ModeFull, ModeManifests, ModeMinimal}

// IsValidMode checks whether a string is a valid fidelity mode.
func IsValidMode(s string) bool {
	for _, m := range ValidModes {
		if string(m) == s {
			return true
		}
	}
	return false
}

const (
	defaultMaxFiles  = 60
	manifestByteCap  = 2000
	sourceByteCap    = 1500
	sourceScanWindow = 15
	maxSourceFiles   = 5
)

// skipDirs are dependency, build and VCS directories never worth showing a model.
var skipDirs = map[string]bool{
	"node_modules": true,
	".git":         true,
	"__pycache__":  true,
	".tox":         true,
	"venv":         true,
	".venv":        true,
	"dist":         true,
	"build":        true,
	".next":        true,
}

// ManifestFiles are read verbatim (capped) into the config_files variable.
var ManifestFiles = []string{
	"package.json", "pyproject.toml", "pom.xml", "build.gradle", "Cargo.toml",
	"go.mod", "Gemfile", "composer.json", "tsconfig.json",
}

var sourceExts = map[string]bool{
	".js": true, ".ts": true, ".py": true, ".java": true, ".cs": true,
	".go": true, ".rb": true, ".php": true, ".rs": true,
}

// GitRunner provides the git history used in prompts.
type GitRunner interface {
	Log(dir string) (string, error)
}

// Builder assembles repository context for model prompts.
type Builder struct {
	git GitRunner
}

// NewBuilder creates a Builder. git may be nil.
func NewBuilder(git GitRunner) *Builder {
	return &Builder{git: git}
}

// BuildOpts configures what context to build.
type BuildOpts struct {
	Mode     FidelityMode
	MaxFiles int
}

// BuildResult holds the assembled context.
type BuildResult struct {
	Vars      prompt.Vars
	Mode      FidelityMode
	Files     []string
	Manifests map[string]string
}

// Build walks repoDir and fills file_listing, config_files, source_files and
// git_commits. Variables not covered by the mode are set to "".
func (b *Builder) Build(repoDir string, opts BuildOpts) (*BuildResult, error) {
	mode := opts.Mode
	if mode == "" {
		mode = ModeFull
	}
	if !IsValidMode(string(mode)) {
		return nil, fmt.Errorf("invalid context mode %q", mode)
	}
	maxFiles := opts.MaxFiles
	if maxFiles <= 0 {
		maxFiles = defaultMaxFiles
	}

	files, err := ListFiles(repoDir)
	if err != nil {
		return nil, err
	}

	res := &BuildResult{
		Mode:      mode,
		Files:     files,
		Manifests: map[string]string{},
		Vars: prompt.Vars{
			"file_listing": strings.Join(head(files, maxFiles), "\n"),
			"config_files": "",
			"source_files": "",
			"git_commits":  "",
		},
	}

	if mode == ModeFull || mode == ModeManifests {
		var sections []string
		for _, name := range ManifestFiles {
			content, err := ReadRepoFile(repoDir, name, manifestByteCap)
			if err != nil {
				continue
			}
			res.Manifests[name] = content
			sections = append(sections, fmt.Sprintf("--- %s ---\n%s", name, content))
		}
		res.Vars["config_files"] = strings.Join(sections, "\n")
	}

	if mode == ModeFull {
		var sections []string
		for _, f := range head(files, sourceScanWindow) {
			if len(sections) == maxSourceFiles {
				break
			}
			if !sourceExts[filepath.Ext(f)] {
				continue
			}
			content, err := ReadRepoFile(repoDir, f, sourceByteCap)
			if err != nil {
				continue
			}
			sections = append(sections, fmt.Sprintf("--- %s ---\n%s", f, content))
		}
		res.Vars["source_files"] = strings.Join(sections, "\n")

		if b.git != nil {
			if log, err := b.git.Log(repoDir); err == nil {
				res.Vars["git_commits"] = log
			}
		}
	}

	return res, nil
}

// ListFiles returns repo-relative, slash-separated paths of regular files under
// root, sorted, skipping dependency and build directories.
func ListFiles(root string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if path != root && skipDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return nil
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", root, err)
	}
	sort.Strings(files)
	return files, nil
}

// SafeJoin resolves rel inside repoDir, refusing absolute paths and anything
// that would land outside the repository, including through symlinks. The
// returned path has its links resolved. rel need not exist yet.
func SafeJoin(repoDir, rel string) (string, error) {
	if rel == "" || filepath.IsAbs(rel) {
		return "", fmt.Errorf("path %q must be relative to the repository", rel)
	}
	root, err := filepath.Abs(repoDir)
	if err != nil {
		return "", err
	}
	full := filepath.Join(root, filepath.FromSlash(rel))
	if !within(root, full) {
		return "", fmt.Errorf("path %q escapes the repository", rel)
	}

	realRoot, err := filepath.EvalSymlinks(root)
	if err != nil {
		return "", fmt.Errorf("resolve repository root: %w", err)
	}
	resolved, err := resolveExisting(full)
	if err != nil {
		return "", fmt.Errorf("resolve %q: %w", rel, err)
	}
	if !within(realRoot, resolved) {
		return "", fmt.Errorf("path %q escapes the repository through a symlink", rel)
	}
	return resolved, nil
}

func within(root, p string) bool {
	return p == root || strings.HasPrefix(p, root+string(filepath.Separator))
}

// resolveExisting evaluates symlinks on the longest existing prefix of p and
// appends the missing remainder. A dangling link is an error since writing
// through it would create its target.
func resolveExisting(p string) (string, error) {
	rest := ""
	for {
		resolved, err := filepath.EvalSymlinks(p)
		if err == nil {
			return filepath.Join(resolved, rest), nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", err
		}
		if info, lerr := os.Lstat(p); lerr == nil && info.Mode()&fs.ModeSymlink != 0 {
			return "", fmt.Errorf("dangling symlink %s", p)
		}
		parent := filepath.Dir(p)
		if parent == p {
			return "", err
		}
		rest = filepath.Join(filepath.Base(p), rest)
		p = parent
	}
}

// ReadRepoFile reads at most limit bytes of a repository file. limit <= 0 reads it all.
func ReadRepoFile(repoDir, rel string, limit int) (string, error) {
	path, err := SafeJoin(repoDir, rel)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	if limit > 0 && len(data) > limit {
		data = data[:limit]
	}
	return string(data), nil
}

func head(s []string, n int) []string {
	if len(s) > n {
		return s[:n]
	}
	return s
}
