package classify

import (
	"regexp"
	"strings"

	"github.com/lucasnoah/healfactory/internal/pipeline"
)

type bugPattern struct {
	re      *regexp.Regexp
	bugType pipeline.BugType
}

// bugPatterns is evaluated top to bottom; the first match wins.
// INDENTATION precedes SYNTAX, and the SYNTAX group does not mention
// IndentationError, so indentation failures never fall into SYNTAX.
var bugPatterns = []bugPattern{
	{regexp.MustCompile(`(?i)` +
		`IndentationError|unexpected indent|expected an indented block` +
		`|inconsistent use of tabs and spaces`),
		pipeline.BugIndentation},

	{regexp.MustCompile(`(?i)` +
		`SyntaxError|TabError` +
		`|error CS\d+|error TS\d+` + // C# / TypeScript compilers
		`|ParseError|parse error` +
		`|expected.*\btoken\b|unexpected token` +
		`|syntax error|SyntaxException` +
		`|error\[E\d+\].*expected` + // rustc
		`|\.go:\d+:\d+:.*expected` +
		`|error:.*expected.*;|missing semicolon`),
		pipeline.BugSyntax},

	{regexp.MustCompile(`(?i)` +
		`ImportError|ModuleNotFoundError|No module named` +
		`|cannot find module` +
		`|unresolved import|cannot find type` +
		`|missing.*reference|CS0246` +
		`|package .* is not in GOROOT|no required module provides` +
		`|error\[E0432\]|error\[E0433\]` +
		`|LoadError|require.*cannot load such file` +
		`|Class .* not found|Fatal error.*not found` +
		`|UndefinedFunctionError|module .* is not available` +
		`|Could not resolve` +
		`|error: package .* does not exist` +
		`|import .* could not be resolved`),
		pipeline.BugImport},

	{regexp.MustCompile(`(?i)` +
		`TypeError|type.?error|expected.*got|incompatible type` +
		`|CS0029|CS1503|cannot.?convert` +
		`|error TS\d+:.*Type .* is not assignable` +
		`|type mismatch|expected type|error\[E0308\]` +
		`|cannot use .* as type` +
		`|incompatible types|found.*required` +
		`|Argument .* must be of type`),
		pipeline.BugTypeError},

	{regexp.MustCompile(`(?i)` +
		`flake8|pylint|eslint|E\d{3}|W\d{3}` +
		`|trailing whitespace|line too long` +
		`|CS8600|nullable` +
		`|clippy|warning\[.*\]` +
		`|golint|staticcheck|go vet` +
		`|rubocop|standardrb` +
		`|phpcs|psalm|phpstan` +
		`|credo|dialyzer|hlint` +
		`|dart analyze|analysis_options` +
		`|checkstyle|spotbugs|PMD|ktlint|detekt`),
		pipeline.BugLinting},

	{regexp.MustCompile(`(?i)` +
		`AssertionError|assert\s|Expected.*received|to equal|toBe|not equal` +
		`|Assert\.Equal|Assert\.True|Xunit|NUnit|MSTest` +
		`|FAIL.*Test|test.*failed` +
		`|panicked at|assertion failed` +
		`|FAIL:.*Test|--- FAIL:` +
		`|Failure/Error:|expected.*to\b|RSpec` +
		`|PHPUnit.*Failed|Failed asserting` +
		`|Assertion.*failed|ExUnit` +
		`|assertEqual|assertRaises`),
		pipeline.BugLogic},
}

// BugTypeOf classifies an error message. Unmatched text is LOGIC.
func BugTypeOf(msg string) pipeline.BugType {
	for _, p := range bugPatterns {
		if p.re.MatchString(msg) {
			return p.bugType
		}
	}
	return pipeline.BugLogic
}

// bugTypeAliases folds categories models tend to invent onto the canonical six.
var bugTypeAliases = map[string]pipeline.BugType{
	"CONFIG":             pipeline.BugSyntax,
	"CONFIGURATION":      pipeline.BugSyntax,
	"BUILD":              pipeline.BugSyntax,
	"BUILD_ERROR":        pipeline.BugSyntax,
	"COMPILE":            pipeline.BugSyntax,
	"COMPILE_ERROR":      pipeline.BugSyntax,
	"RUNTIME":            pipeline.BugLogic,
	"RUNTIME_ERROR":      pipeline.BugLogic,
	"ASSERTION":          pipeline.BugLogic,
	"TEST_FAILURE":       pipeline.BugLogic,
	"DEPENDENCY":         pipeline.BugImport,
	"MISSING_DEPENDENCY": pipeline.BugImport,
	"MISSING_MODULE":     pipeline.BugImport,
	"MISSING_IMPORT":     pipeline.BugImport,
	"STYLE":              pipeline.BugLinting,
	"FORMAT":             pipeline.BugLinting,
	"FORMATTING":         pipeline.BugLinting,
	"NULL_REFERENCE":     pipeline.BugTypeError,
	"WHITESPACE":         pipeline.BugIndentation,
}

// SanitizeBugType maps an untrusted category string onto a canonical BugType.
func SanitizeBugType(raw string) pipeline.BugType {
	s := strings.ReplaceAll(strings.ToUpper(strings.TrimSpace(raw)), " ", "_")
	if s == "" {
		return pipeline.BugLogic
	}
	if b := pipeline.BugType(s); b.Valid() {
		return b
	}
	if b, ok := bugTypeAliases[s]; ok {
		return b
	}
	return pipeline.BugLogic
}
