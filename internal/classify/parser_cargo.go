package classify

import (
	"regexp"
	"strings"

	"github.com/lucasnoah/healfactory/internal/pipeline"
)

// CargoParser parses `cargo test` output. The panic for a failed test is
// printed before its "test ... FAILED" line, so each match looks back.
type CargoParser struct{}

const cargoLookback = 2000

var (
	cargoFailRe = regexp.MustCompile(`test\s+([\w:]+)\s+\.\.\.\s+FAILED`)
	// thread 't' panicked at 'assertion failed', src/lib.rs:42:5
	cargoPanicQuotedRe = regexp.MustCompile(`panicked at '([^']+)',\s*([\w/.]+):(\d+):\d+`)
	// thread 't' panicked at src/lib.rs:42:5:
	// assertion `left == right` failed
	cargoPanicLocRe = regexp.MustCompile(`panicked at ([\w/.]+):(\d+):\d+:\s*\n\s*(.+)`)
)

func (p *CargoParser) Parse(output string) []pipeline.Failure {
	var failures []pipeline.Failure

	for _, loc := range cargoFailRe.FindAllStringSubmatchIndex(output, -1) {
		test := output[loc[2]:loc[3]]
		block := window(output, loc[0]-cargoLookback, loc[1])

		file, line, msg := "unknown", 1, "Test "+test+" failed"
		if m := lastMatch(cargoPanicQuotedRe, block); m != nil {
			msg, file, line = m[1], m[2], atoiDefault(m[3], 1)
		} else if m := lastMatch(cargoPanicLocRe, block); m != nil {
			file, line, msg = m[1], atoiDefault(m[2], 1), strings.TrimSpace(m[3])
		}

		failures = append(failures, pipeline.Failure{
			File:     file,
			TestName: test,
			Line:     line,
			Message:  clip(msg, maxMessageLen),
			BugType:  BugTypeOf(msg),
			Raw:      clipTail(block, maxRawLen),
		})
	}
	return failures
}

// lastMatch returns the submatches of the final match of re in s.
func lastMatch(re *regexp.Regexp, s string) []string {
	all := re.FindAllStringSubmatch(s, -1)
	if len(all) == 0 {
		return nil
	}
	return all[len(all)-1]
}
