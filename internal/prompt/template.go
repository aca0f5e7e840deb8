package prompt

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

var (
	varRe     = regexp.MustCompile(`\{\{([a-zA-Z_][a-zA-Z0-9_]*)\}\}`)
	ifOpenRe  = regexp.MustCompile(`\{\{#if\s+([a-zA-Z_][a-zA-Z0-9_]*)\s*\}\}`)
	ifCloseTk = "{{/if}}"
)

// Vars maps template variable names to values.
type Vars map[string]string

// Render expands tmpl with vars.
// {{name}} is replaced by its value; a variable with no entry in vars is an error.
// {{#if name}}...{{/if}} keeps its body only when name is set and non-empty.
// Values are inserted once and never re-expanded.
func Render(tmpl string, vars Vars) (string, error) {
	body, err := resolveConditionals(tmpl, vars)
	if err != nil {
		return "", err
	}

	missing := map[string]bool{}
	out := varRe.ReplaceAllStringFunc(body, func(tok string) string {
		name := varRe.FindStringSubmatch(tok)[1]
		if v, ok := vars[name]; ok {
			return v
		}
		missing[name] = true
		return tok
	})
	if len(missing) > 0 {
		names := make([]string, 0, len(missing))
		for n := range missing {
			names = append(names, n)
		}
		sort.Strings(names)
		return "", fmt.Errorf("missing template variables: %s", strings.Join(names, ", "))
	}
	return out, nil
}

// resolveConditionals collapses {{#if}} blocks innermost first: each {{/if}}
// pairs with the nearest {{#if ...}} before it.
func resolveConditionals(tmpl string, vars Vars) (string, error) {
	s := tmpl
	for {
		end := strings.Index(s, ifCloseTk)
		if end < 0 {
			break
		}
		opens := ifOpenRe.FindAllStringSubmatchIndex(s[:end], -1)
		if len(opens) == 0 {
			return "", fmt.Errorf("dangling {{/if}} without matching {{#if}}")
		}
		o := opens[len(opens)-1]
		name := s[o[2]:o[3]]

		keep := ""
		if vars[name] != "" {
			keep = s[o[1]:end]
		}
		s = s[:o[0]] + keep + s[end+len(ifCloseTk):]
	}
	if loc := ifOpenRe.FindString(s); loc != "" {
		return "", fmt.Errorf("unclosed conditional block: %s", loc)
	}
	return s, nil
}

// Load returns the named template. A file of the same name under overrideDir
// wins over the built-in copy; names that would escape overrideDir are refused.
func Load(name, overrideDir string) (string, error) {
	if overrideDir != "" {
		path := filepath.Join(overrideDir, name)
		absPath, err := filepath.Abs(path)
		if err != nil {
			return "", fmt.Errorf("resolve template %q: %w", name, err)
		}
		absDir, err := filepath.Abs(overrideDir)
		if err != nil {
			return "", fmt.Errorf("resolve template dir: %w", err)
		}
		if !strings.HasPrefix(absPath, absDir+string(filepath.Separator)) {
			return "", fmt.Errorf("template path %q escapes %s", name, overrideDir)
		}
		if data, err := os.ReadFile(absPath); err == nil {
			return string(data), nil
		}
	}

	tmpl, ok := builtinTemplates[name]
	if !ok {
		return "", fmt.Errorf("template %q not found", name)
	}
	return tmpl, nil
}

// Build loads and renders a template in one step.
func Build(name, overrideDir string, vars Vars) (string, error) {
	tmpl, err := Load(name, overrideDir)
	if err != nil {
		return "", err
	}
	return Render(tmpl, vars)
}

// Export writes every built-in template into dir, skipping files that already exist.
func Export(dir string) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create templates dir: %w", err)
	}
	var written []string
	for _, name := range Names() {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err == nil {
			continue
		}
		if err := os.WriteFile(path, []byte(builtinTemplates[name]), 0o644); err != nil {
			return written, fmt.Errorf("write template %q: %w", name, err)
		}
		written = append(written, name)
	}
	return written, nil
}

// Names lists the built-in template names in sorted order.
func Names() []string {
	names := make([]string, 0, len(builtinTemplates))
	for n := range builtinTemplates {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
