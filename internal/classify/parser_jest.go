package classify

import (
	"regexp"
	"strings"

	"github.com/lucasnoah/healfactory/internal/pipeline"
)

// JestParser parses jest-style verbose output (jest, vitest, ava, jasmine, hardhat, truffle).
//
//	● math › adds numbers
//
//	  expect(received).toBe(expected)
//	  ...
//	  at Object.<anonymous> (src/math.test.js:4:17)
type JestParser struct{}

var (
	jestBlockRe   = regexp.MustCompile(`●\s+`)
	jestLocusRe   = regexp.MustCompile(`at.*?[( ]([\w./\\]+):(\d+):\d+`)
	jestHeaderSep = " › "
)

func (p *JestParser) Parse(output string) []pipeline.Failure {
	var failures []pipeline.Failure

	blocks := jestBlockRe.Split(output, -1)
	for _, block := range blocks[1:] {
		lines := strings.Split(strings.TrimSpace(block), "\n")
		if len(lines) == 0 || lines[0] == "" {
			continue
		}
		header := lines[0]
		msg := clip(strings.Join(lines[1:], "\n"), maxMessageLen)

		file, line := "unknown", 1
		if m := jestLocusRe.FindStringSubmatch(block); m != nil {
			file = m[1]
			line = atoiDefault(m[2], 1)
		}

		parts := strings.Split(header, jestHeaderSep)
		test := strings.TrimSpace(parts[len(parts)-1])

		failures = append(failures, pipeline.Failure{
			File:     file,
			TestName: test,
			Line:     line,
			Message:  strings.TrimSpace(msg),
			BugType:  BugTypeOf(msg),
			Raw:      clip(block, maxRawLen),
		})
	}
	return failures
}
