package classify

import (
	"regexp"
	"strings"

	"github.com/lucasnoah/healfactory/internal/pipeline"
)

// GenericParser is the best-effort fallback for any framework without a
// dedicated parser (maven, gradle, rspec, mocha, ...). It keys on failure
// words and looks for a file:line reference near each one.
type GenericParser struct{}

const (
	genericContext = 500
	dedupeKeyLen   = 80
)

var (
	genericFailRe  = regexp.MustCompile(`(?m)(?:FAIL(?:ED)?|Error|Failure|FAILURE)[:\s]+(.+)`)
	genericLocusRe = regexp.MustCompile(
		`([\w/.\\-]+\.(?:java|kt|scala|rb|php|ex|exs|hs|lua|R|pl|jl|groovy|swift|dart|c|cpp|cc|rs|go|py|js|ts))` +
			`[:\(](\d+)`)
)

func (p *GenericParser) Parse(output string) []pipeline.Failure {
	var failures []pipeline.Failure
	seen := make(map[string]bool)

	for _, loc := range genericFailRe.FindAllStringSubmatchIndex(output, -1) {
		msg := clip(strings.TrimSpace(output[loc[2]:loc[3]]), maxMessageLen)
		key := clip(msg, dedupeKeyLen)
		if seen[key] {
			continue
		}
		seen[key] = true

		ctx := window(output, loc[0]-genericContext, loc[1]+genericContext)
		file, line := "unknown", 1
		if m := genericLocusRe.FindStringSubmatch(ctx); m != nil {
			file = m[1]
			line = atoiDefault(m[2], 1)
		}

		failures = append(failures, pipeline.Failure{
			File:     file,
			TestName: key,
			Line:     line,
			Message:  msg,
			BugType:  BugTypeOf(msg),
			Raw:      clip(ctx, maxRawLen),
		})
	}
	return failures
}
