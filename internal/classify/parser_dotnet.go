package classify

import (
	"regexp"
	"strings"

	"github.com/lucasnoah/healfactory/internal/pipeline"
)

// DotnetParser parses `dotnet test` output:
//
//	Failed MethodName [12 ms]
//	  Error Message:
//	     Assert.Equal() Failure ...
//	  Stack Trace:
//	     at Namespace.Class.Method() in /path/File.cs:line 42
//
// When no test ran it falls back to MSBuild compiler errors.
type DotnetParser struct{}

var (
	dotnetFailedRe  = regexp.MustCompile(`(?m)^\s*Failed\s+(\S+)\s*(?:\[.*\])?\s*$`)
	dotnetMessageRe = regexp.MustCompile(`(?s)Error Message:\s*\n\s*(.+?)(?:\n\s*Stack Trace:|\z)`)
	dotnetStackRe   = regexp.MustCompile(`in\s+(.+?):line\s+(\d+)`)
	csLocationRe    = regexp.MustCompile(`([\w/.\\]+\.cs)\((\d+),\d+\)`)
	csBuildErrorRe  = regexp.MustCompile(`([\w/.\\]+\.cs)\((\d+),\d+\):\s*error\s+(CS\d+):\s*(.+)`)
)

func (p *DotnetParser) Parse(output string) []pipeline.Failure {
	var failures []pipeline.Failure

	locs := dotnetFailedRe.FindAllStringSubmatchIndex(output, -1)
	for i, loc := range locs {
		end := len(output)
		if i+1 < len(locs) {
			end = locs[i+1][0]
		}
		block := output[loc[0]:end]
		test := output[loc[2]:loc[3]]

		msg := ""
		if m := dotnetMessageRe.FindStringSubmatch(block); m != nil {
			msg = clip(strings.TrimSpace(m[1]), maxMessageLen)
		}

		file, line := "unknown", 1
		if m := dotnetStackRe.FindStringSubmatch(block); m != nil {
			file = strings.TrimSpace(m[1])
			line = atoiDefault(m[2], 1)
		} else if m := csLocationRe.FindStringSubmatch(block); m != nil {
			file = m[1]
			line = atoiDefault(m[2], 1)
		}

		if msg == "" {
			msg = clip(strings.TrimSpace(block), maxMessageLen)
		}

		failures = append(failures, pipeline.Failure{
			File:     file,
			TestName: test,
			Line:     line,
			Message:  msg,
			BugType:  BugTypeOf(msg),
			Raw:      clip(block, maxRawLen),
		})
	}
	if len(failures) > 0 {
		return failures
	}

	// error CS1002: ; expected
	for _, m := range csBuildErrorRe.FindAllStringSubmatch(output, -1) {
		failures = append(failures, pipeline.Failure{
			File:     m[1],
			TestName: "Build error " + m[3],
			Line:     atoiDefault(m[2], 1),
			Message:  clip(strings.TrimSpace(m[4]), maxMessageLen),
			BugType:  pipeline.BugSyntax,
			Raw:      m[0],
		})
	}
	return failures
}
