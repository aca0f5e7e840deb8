package classify

import (
	"regexp"
	"strings"

	"github.com/lucasnoah/healfactory/internal/pipeline"
)

// PytestParser parses `pytest --tb=short -q` output.
type PytestParser struct{}

var (
	pytestSectionRe = regexp.MustCompile(`_{10,}\s+`)
	// FAILED tests/test_calc.py::test_add - assert 1 == 2
	pytestFailureRe = regexp.MustCompile(`(?m)^(?:FAILED|ERROR)\s+([\w/\\.]+)::(\w+)(?:\s*-\s*(.+))?$`)
	// File "src/calc.py", line 12
	pyFileLineRe = regexp.MustCompile(`File "([^"]+)", line (\d+)`)
	// src/calc.py:12: in add
	pyShortLineRe = regexp.MustCompile(`(?m)^([^:\n]+):(\d+):`)
)

func (p *PytestParser) Parse(output string) []pipeline.Failure {
	var failures []pipeline.Failure
	seen := make(map[string]bool)
	var short map[string]int

	for _, section := range pytestSectionRe.Split(output, -1) {
		for _, m := range pytestFailureRe.FindAllStringSubmatch(section, -1) {
			id := m[1] + "::" + m[2]
			if seen[id] {
				continue
			}
			seen[id] = true

			if short == nil {
				short = pytestShortLines(output)
			}
			msg := m[3]
			if msg == "" {
				msg = clip(section, maxMessageLen)
			}
			failures = append(failures, pipeline.Failure{
				File:     m[1],
				TestName: m[2],
				Line:     pytestLine(section, m[1], short),
				Message:  clip(strings.TrimSpace(msg), maxMessageLen),
				BugType:  BugTypeOf(msg),
				Raw:      clip(section, maxRawLen),
			})
		}
	}
	if len(failures) > 0 {
		return failures
	}

	// Unstructured output: fall back to bare FAILED/ERROR lines.
	for _, line := range strings.Split(output, "\n") {
		s := strings.TrimSpace(line)
		if !strings.HasPrefix(s, "FAILED ") && !strings.HasPrefix(s, "ERROR ") {
			continue
		}
		_, rest, _ := strings.Cut(s, " ")
		loc := strings.Split(rest, "::")
		file, test, msg := loc[0], "unknown", s
		if len(loc) > 1 {
			test = loc[1]
		}
		if len(loc) > 2 {
			msg = strings.Join(loc[2:], " ")
		}
		if file == "" {
			file = "unknown"
		}
		failures = append(failures, pipeline.Failure{
			File:     file,
			TestName: test,
			Line:     1,
			Message:  clip(msg, maxMessageLen),
			BugType:  BugTypeOf(msg),
			Raw:      s,
		})
	}
	return failures
}

// pytestLine finds the failing line: a long-form `File "x", line N` in the
// failure's own section, else a short-form `file.py:N:` traceback entry anywhere.
func pytestLine(section, file string, short map[string]int) int {
	if m := pyFileLineRe.FindStringSubmatch(section); m != nil {
		return atoiDefault(m[2], 1)
	}
	if n, ok := short[file]; ok {
		return n
	}
	return 1
}

// pytestShortLines maps each file to its first short-form traceback line.
func pytestShortLines(output string) map[string]int {
	lines := make(map[string]int)
	for _, m := range pyShortLineRe.FindAllStringSubmatch(output, -1) {
		if _, ok := lines[m[1]]; !ok {
			lines[m[1]] = atoiDefault(m[2], 1)
		}
	}
	return lines
}
