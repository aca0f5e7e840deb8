package classify

import (
	"regexp"
	"strings"

	"github.com/lucasnoah/healfactory/internal/pipeline"
)

// GoTestParser parses `go test` output. With -v a test's log lines come
// between its RUN line and its FAIL header; without -v they follow the header,
// indented:
//
//	=== RUN   TestName
//	    calc_test.go:42: expected X, got Y
//	--- FAIL: TestName (0.00s)
type GoTestParser struct{}

const goBlockCap = 2000

var (
	goRunRe   = regexp.MustCompile(`(?m)^=== RUN\s+(\S+)`)
	goFailRe  = regexp.MustCompile(`(?m)---\s*FAIL:\s+(\S+)\s*\(`)
	goLocusRe = regexp.MustCompile(`(\S+\.go):(\d+):\s*(.+)`)
)

func (p *GoTestParser) Parse(output string) []pipeline.Failure {
	var failures []pipeline.Failure

	// offsets just past each "=== RUN name", by name
	runs := make(map[string][]int)
	for _, m := range goRunRe.FindAllStringSubmatchIndex(output, -1) {
		name := output[m[2]:m[3]]
		runs[name] = append(runs[name], m[1])
	}

	for _, loc := range goFailRe.FindAllStringSubmatchIndex(output, -1) {
		test := output[loc[2]:loc[3]]
		start := loc[0]
		for _, r := range runs[test] {
			if r < loc[0] {
				start = r
			}
		}
		end := goTailEnd(output, loc[1])
		if end-start > goBlockCap {
			end = start + goBlockCap
		}
		block := window(output, start, end)

		file, line, msg := "unknown", 1, clip(strings.TrimSpace(block), maxMessageLen)
		if m := goLocusRe.FindStringSubmatch(block); m != nil {
			file = m[1]
			line = atoiDefault(m[2], 1)
			msg = strings.TrimSpace(m[3])
		}

		failures = append(failures, pipeline.Failure{
			File:     file,
			TestName: test,
			Line:     line,
			Message:  clip(msg, maxMessageLen),
			BugType:  BugTypeOf(msg),
			Raw:      clip(block, maxRawLen),
		})
	}
	return failures
}

// goTailEnd returns the end of the line containing from, extended over the
// indented log lines that follow it.
func goTailEnd(s string, from int) int {
	nl := strings.IndexByte(s[from:], '\n')
	if nl < 0 {
		return len(s)
	}
	end := from + nl
	for end < len(s) {
		next := end + 1
		n := strings.IndexByte(s[next:], '\n')
		if n < 0 {
			n = len(s) - next
		}
		line := s[next : next+n]
		trimmed := strings.TrimLeft(line, " \t")
		if trimmed == line || trimmed == "" || strings.HasPrefix(trimmed, "--- ") || strings.HasPrefix(trimmed, "=== ") {
			break
		}
		end = next + n
	}
	return end
}
