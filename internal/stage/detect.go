package stage

import (
	"encoding/json"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
)

// Framework identifiers produced by detection and consumed by the test runner.
const (
	FrameworkPytest   = "pytest"
	FrameworkJest     = "jest"
	FrameworkVitest   = "vitest"
	FrameworkMocha    = "mocha"
	FrameworkNPMTest  = "npm-test"
	FrameworkDotnet   = "dotnet-test"
	FrameworkMaven    = "maven"
	FrameworkGradle   = "gradle"
	FrameworkGoTest   = "go-test"
	FrameworkCargo    = "cargo-test"
	FrameworkRSpec    = "rspec"
	FrameworkRubyTest = "ruby-test"
	FrameworkUnknown  = "unknown"
)

// DefaultLanguage is assumed when nothing in the repository says otherwise.
const DefaultLanguage = "python"

var extLanguages = map[string]string{
	".py":   "python",
	".js":   "javascript",
	".jsx":  "javascript",
	".mjs":  "javascript",
	".vue":  "javascript",
	".ts":   "typescript",
	".tsx":  "typescript",
	".cs":   "csharp",
	".fs":   "fsharp",
	".java": "java",
	".go":   "go",
	".rb":   "ruby",
	".rs":   "rust",
}

// IsJSLanguage reports whether lang runs on the Node toolchain.
func IsJSLanguage(lang string) bool {
	return lang == "javascript" || lang == "typescript"
}

// DetectLanguage picks the language with the most source files. files are
// repo-relative paths with dependency directories already excluded.
func DetectLanguage(files []string) string {
	counts := map[string]int{}
	for _, f := range files {
		if lang, ok := extLanguages[strings.ToLower(path.Ext(f))]; ok {
			counts[lang]++
		}
	}
	best, bestN := "", 0
	for lang, n := range counts {
		if n > bestN || (n == bestN && lang < best) {
			best, bestN = lang, n
		}
	}
	if best != "" {
		return best
	}

	has := fileSet(files)
	switch {
	case has.anyExt(".sln", ".csproj"):
		return "csharp"
	case has.anyExt(".fsproj"):
		return "fsharp"
	case has["pom.xml"] || has["build.gradle"]:
		return "java"
	case has["go.mod"]:
		return "go"
	case has["Cargo.toml"]:
		return "rust"
	case has["Gemfile"]:
		return "ruby"
	case has["package.json"]:
		return "javascript"
	}
	return DefaultLanguage
}

// testGlob matches a test file. dir, when set, is a slash-separated run of
// directory names (each a path.Match pattern) that must appear consecutively
// among the file's parent directories.
type testGlob struct {
	dir       string
	name      string
	framework string
}

func (g testGlob) match(rel string) bool {
	dirPart, base := path.Split(rel)
	if ok, _ := path.Match(g.name, base); !ok {
		return false
	}
	if g.dir == "" {
		return true
	}
	parents := strings.Split(strings.Trim(dirPart, "/"), "/")
	want := strings.Split(g.dir, "/")
	for i := 0; i+len(want) <= len(parents); i++ {
		matched := true
		for j, w := range want {
			if ok, _ := path.Match(w, parents[i+j]); !ok {
				matched = false
				break
			}
		}
		if matched {
			return true
		}
	}
	return false
}

// testGlobs are tried in order per language; the first glob with any match wins.
var testGlobs = map[string][]testGlob{
	"python": {
		{name: "test_*.py", framework: FrameworkPytest},
		{name: "tests.py", framework: FrameworkPytest},
		{name: "*_test.py", framework: FrameworkPytest},
	},
	"javascript": {
		{name: "*.test.js", framework: FrameworkJest},
		{name: "*.spec.js", framework: FrameworkJest},
		{name: "*.test.mjs", framework: FrameworkJest},
		{name: "*.test.jsx", framework: FrameworkJest},
		{dir: "test", name: "*.js", framework: FrameworkMocha},
		{dir: "__tests__", name: "*.js", framework: FrameworkJest},
	},
	"typescript": {
		{name: "*.test.ts", framework: FrameworkJest},
		{name: "*.spec.ts", framework: FrameworkJest},
		{name: "*.test.tsx", framework: FrameworkJest},
		{name: "*.spec.tsx", framework: FrameworkJest},
		{dir: "test", name: "*.ts", framework: FrameworkVitest},
		{dir: "__tests__", name: "*.ts", framework: FrameworkJest},
	},
	"csharp": {
		{name: "*Tests.cs", framework: FrameworkDotnet},
		{name: "*Test.cs", framework: FrameworkDotnet},
		{dir: "*Tests", name: "*.cs", framework: FrameworkDotnet},
		{dir: "Tests", name: "*.cs", framework: FrameworkDotnet},
		{dir: "*.Tests", name: "*.cs", framework: FrameworkDotnet},
	},
	"fsharp": {
		{name: "*Tests.fs", framework: FrameworkDotnet},
		{name: "*Test.fs", framework: FrameworkDotnet},
	},
	"java": {
		{dir: "src/test", name: "*.java", framework: FrameworkMaven},
		{name: "*Test.java", framework: FrameworkMaven},
		{name: "*Tests.java", framework: FrameworkMaven},
	},
	"go": {
		{name: "*_test.go", framework: FrameworkGoTest},
	},
	"ruby": {
		{dir: "test", name: "*_test.rb", framework: FrameworkRubyTest},
		{dir: "spec", name: "*_spec.rb", framework: FrameworkRSpec},
	},
}

// npmFrameworks maps test-related packages to the framework they imply, in
// lookup order.
var npmFrameworks = []struct{ pkg, framework string }{
	{"jest", FrameworkJest},
	{"@jest/core", FrameworkJest},
	{"react-scripts", FrameworkJest},
	{"vitest", FrameworkVitest},
	{"mocha", FrameworkMocha},
	{"@vue/test-utils", FrameworkVitest},
	{"@testing-library/jest-dom", FrameworkJest},
	{"@testing-library/react", FrameworkJest},
	{"@testing-library/vue", FrameworkVitest},
}

// DetectFramework resolves the test framework for lang and lists the test
// files that identified it. Lookup order: test-file globs, framework config
// files, build manifests, package.json dependencies and scripts.
func DetectFramework(repoDir string, files []string, lang string) (string, []string) {
	for _, g := range testGlobs[lang] {
		var matches []string
		for _, f := range files {
			if g.match(f) {
				matches = append(matches, f)
			}
		}
		if len(matches) > 0 {
			sort.Strings(matches)
			return g.framework, matches
		}
	}

	has := fileSet(files)
	switch {
	case has["pytest.ini"] || has["setup.cfg"]:
		return FrameworkPytest, []string{}
	case has.anyRoot("jest.config.js", "jest.config.ts", "jest.config.mjs", "jest.config.cjs"):
		return FrameworkJest, []string{}
	case has.anyRoot("vitest.config.ts", "vitest.config.js"):
		return FrameworkVitest, []string{}
	case has.anyRoot(".mocharc.yml", ".mocharc.json"):
		return FrameworkMocha, []string{}
	case has.anyExt(".sln", ".csproj"):
		projects := []string{}
		for _, f := range files {
			if path.Ext(f) == ".csproj" && strings.Contains(strings.ToLower(f), "test") {
				projects = append(projects, f)
			}
		}
		return FrameworkDotnet, projects
	case has.anyExt(".fsproj"):
		return FrameworkDotnet, []string{}
	case has["pom.xml"]:
		return FrameworkMaven, []string{}
	case has["build.gradle"] || has["build.gradle.kts"]:
		return FrameworkGradle, []string{}
	case has["go.mod"]:
		return FrameworkGoTest, []string{}
	case has["Gemfile"]:
		if has[".rspec"] || hasMatch(files, testGlob{dir: "spec", name: "*_spec.rb"}) {
			return FrameworkRSpec, []string{}
		}
		return FrameworkRubyTest, []string{}
	case has["Cargo.toml"]:
		return FrameworkCargo, []string{}
	}

	if pkg, ok := readPackageJSON(repoDir); ok {
		if fw := pkg.framework(); fw != "" {
			return fw, []string{}
		}
		if strings.TrimSpace(pkg.Scripts["test"]) != "" {
			return FrameworkNPMTest, []string{}
		}
	}
	return FrameworkUnknown, []string{}
}

// ResolveJSFramework picks a runner for a JS/TS repo whose framework could not
// be detected at scan time. It never returns unknown.
func ResolveJSFramework(repoDir string) string {
	pkg, ok := readPackageJSON(repoDir)
	if !ok {
		return FrameworkNPMTest
	}
	deps := pkg.deps()
	switch {
	case deps["vitest"] || deps["@vitest/runner"]:
		return FrameworkVitest
	case deps["jest"] || deps["@jest/core"] || deps["react-scripts"]:
		return FrameworkJest
	case deps["mocha"]:
		return FrameworkMocha
	}
	if fw := pkg.scriptFramework(); fw != "" && fw != FrameworkPytest {
		return fw
	}
	return FrameworkNPMTest
}

type packageJSON struct {
	Dependencies     map[string]string `json:"dependencies"`
	DevDependencies  map[string]string `json:"devDependencies"`
	PeerDependencies map[string]string `json:"peerDependencies"`
	Scripts          map[string]string `json:"scripts"`
}

func readPackageJSON(repoDir string) (*packageJSON, bool) {
	data, err := os.ReadFile(filepath.Join(repoDir, "package.json"))
	if err != nil {
		return nil, false
	}
	var pkg packageJSON
	if err := json.Unmarshal(data, &pkg); err != nil {
		return nil, false
	}
	return &pkg, true
}

func (p *packageJSON) deps() map[string]bool {
	all := map[string]bool{}
	for _, m := range []map[string]string{p.Dependencies, p.DevDependencies, p.PeerDependencies} {
		for name := range m {
			all[name] = true
		}
	}
	return all
}

func (p *packageJSON) framework() string {
	deps := p.deps()
	for _, nf := range npmFrameworks {
		if deps[nf.pkg] {
			return nf.framework
		}
	}
	return p.scriptFramework()
}

func (p *packageJSON) scriptFramework() string {
	script := p.Scripts["test"]
	for _, fw := range []string{FrameworkVitest, FrameworkJest, FrameworkMocha, FrameworkPytest} {
		if strings.Contains(script, fw) {
			return fw
		}
	}
	return ""
}

// files is a set of repo-relative paths.
type fileIndex map[string]bool

func fileSet(list []string) fileIndex {
	s := make(fileIndex, len(list))
	for _, f := range list {
		s[f] = true
	}
	return s
}

// anyRoot reports whether any of names exists at the repository root.
func (s fileIndex) anyRoot(names ...string) bool {
	for _, n := range names {
		if s[n] {
			return true
		}
	}
	return false
}

// anyExt reports whether any file anywhere has one of exts.
func (s fileIndex) anyExt(exts ...string) bool {
	for f := range s {
		for _, e := range exts {
			if path.Ext(f) == e {
				return true
			}
		}
	}
	return false
}

func hasMatch(list []string, g testGlob) bool {
	for _, f := range list {
		if g.match(f) {
			return true
		}
	}
	return false
}
