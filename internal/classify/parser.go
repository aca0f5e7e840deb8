// Package classify turns raw test-runner output into typed Failure records.
//
// Classification is deterministic first: a parser chosen by the declared
// framework splits the output into per-failure blocks and each message is
// categorised by ordered regex groups. Model-backed fallbacks only run when
// the deterministic path finds nothing.
package classify

import (
	"strconv"
	"unicode/utf8"

	"github.com/lucasnoah/healfactory/internal/pipeline"
)

const (
	maxMessageLen = 500
	maxRawLen     = 1000
)

// Parser extracts failures from one ecosystem's test output.
type Parser interface {
	Parse(output string) []pipeline.Failure
}

// family names group frameworks that share an output format.
const (
	FamilyPytest  = "pytest"
	FamilyJest    = "jest"
	FamilyDotnet  = "dotnet"
	FamilyGo      = "go"
	FamilyCargo   = "cargo"
	FamilyGeneric = "generic"
)

var frameworkFamilies = map[string]string{
	"pytest":      FamilyPytest,
	"jest":        FamilyJest,
	"vitest":      FamilyJest,
	"ava":         FamilyJest,
	"jasmine":     FamilyJest,
	"hardhat":     FamilyJest,
	"truffle":     FamilyJest,
	"dotnet-test": FamilyDotnet,
	"go-test":     FamilyGo,
	"cargo-test":  FamilyCargo,
}

var parsers = map[string]Parser{
	FamilyPytest:  &PytestParser{},
	FamilyJest:    &JestParser{},
	FamilyDotnet:  &DotnetParser{},
	FamilyGo:      &GoTestParser{},
	FamilyCargo:   &CargoParser{},
	FamilyGeneric: &GenericParser{},
}

// FamilyOf returns the output family for a framework; unknown frameworks are generic.
func FamilyOf(framework string) string {
	if f, ok := frameworkFamilies[framework]; ok {
		return f
	}
	return FamilyGeneric
}

// ParserFor returns the parser for a framework, falling back to the generic parser.
func ParserFor(framework string) Parser {
	return parsers[FamilyOf(framework)]
}

// clip truncates s to at most n runes.
func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	i, count := 0, 0
	for i < len(s) && count < n {
		_, size := utf8.DecodeRuneInString(s[i:])
		i += size
		count++
	}
	return s[:i]
}

// clipTail keeps at most the last n runes of s.
func clipTail(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	i, count := len(s), 0
	for i > 0 && count < n {
		_, size := utf8.DecodeLastRuneInString(s[:i])
		i -= size
		count++
	}
	return s[i:]
}

// window returns s[from:to] with both bounds clamped to the string and moved
// back onto rune boundaries.
func window(s string, from, to int) string {
	if from < 0 {
		from = 0
	}
	if to > len(s) {
		to = len(s)
	}
	for from > 0 && from < len(s) && !utf8.RuneStart(s[from]) {
		from--
	}
	for to < len(s) && to > from && !utf8.RuneStart(s[to]) {
		to--
	}
	if from >= to {
		return ""
	}
	return s[from:to]
}

func atoiDefault(s string, def int) int {
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 {
		return def
	}
	return n
}
