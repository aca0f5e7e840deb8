package classify

import (
	"testing"

	"github.com/lucasnoah/healfactory/internal/pipeline"
)

func TestBugTypeOf(t *testing.T) {
	tests := []struct {
		msg  string
		want pipeline.BugType
	}{
		{"IndentationError: unexpected indent", pipeline.BugIndentation},
		{"IndentationError: expected an indented block after 'if'", pipeline.BugIndentation},
		{"TabError: inconsistent use of tabs and spaces in indentation", pipeline.BugIndentation},
		{"SyntaxError: invalid syntax", pipeline.BugSyntax},
		{"SyntaxError: Unexpected token '}'", pipeline.BugSyntax},
		{"Program.cs(10,5): error CS1002: ; expected", pipeline.BugSyntax},
		{"ModuleNotFoundError: No module named 'requests'", pipeline.BugImport},
		{"Cannot find module './utils' from 'src/index.js'", pipeline.BugImport},
		{"error[E0432]: unresolved import `crate::foo`", pipeline.BugImport},
		{"TypeError: unsupported operand type(s) for +: 'int' and 'str'", pipeline.BugTypeError},
		{"cannot use x (variable of type int) as type string", pipeline.BugTypeError},
		{"flake8 found issues", pipeline.BugLinting},
		{"trailing whitespace", pipeline.BugLinting},
		{"assert add(1, 1) == 3", pipeline.BugLogic},
		{"AssertionError: values differ", pipeline.BugLogic},
		{"expect(received).toBe(expected)", pipeline.BugLogic},
		{"thread 'main' panicked at src/lib.rs", pipeline.BugLogic},
		{"something odd happened", pipeline.BugLogic},
		{"", pipeline.BugLogic},
	}
	for _, tt := range tests {
		if got := BugTypeOf(tt.msg); got != tt.want {
			t.Errorf("BugTypeOf(%q) = %s, want %s", tt.msg, got, tt.want)
		}
	}
}

func TestBugTypeOfIndentationBeatsSyntax(t *testing.T) {
	msg := "SyntaxError raised while parsing: IndentationError: unexpected indent"
	if got := BugTypeOf(msg); got != pipeline.BugIndentation {
		t.Errorf("got %s, want INDENTATION", got)
	}
}

func TestBugTypeOfIsStableAndCanonical(t *testing.T) {
	inputs := []string{
		"weird \x00 bytes", "日本語のエラー", "E501 line too long", "--- FAIL: TestX (0.00s)",
		"panic: runtime error: index out of range",
	}
	for _, in := range inputs {
		a, b := BugTypeOf(in), BugTypeOf(in)
		if a != b {
			t.Errorf("BugTypeOf(%q) not stable: %s vs %s", in, a, b)
		}
		if !a.Valid() {
			t.Errorf("BugTypeOf(%q) = %q, not canonical", in, a)
		}
	}
}

func TestSanitizeBugType(t *testing.T) {
	tests := map[string]pipeline.BugType{
		"SYNTAX":          pipeline.BugSyntax,
		"type_error":      pipeline.BugTypeError,
		"type error":      pipeline.BugTypeError,
		" Indentation ":   pipeline.BugIndentation,
		"RUNTIME":         pipeline.BugLogic,
		"runtime error":   pipeline.BugLogic,
		"DEPENDENCY":      pipeline.BugImport,
		"missing module":  pipeline.BugImport,
		"STYLE":           pipeline.BugLinting,
		"build error":     pipeline.BugSyntax,
		"NULL_REFERENCE":  pipeline.BugTypeError,
		"whitespace":      pipeline.BugIndentation,
		"SECURITY":        pipeline.BugLogic,
		"":                pipeline.BugLogic,
		"   ":             pipeline.BugLogic,
	}
	for in, want := range tests {
		if got := SanitizeBugType(in); got != want {
			t.Errorf("SanitizeBugType(%q) = %s, want %s", in, got, want)
		}
	}
}
