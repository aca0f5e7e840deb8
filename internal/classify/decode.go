package classify

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/lucasnoah/healfactory/internal/llm"
	"github.com/lucasnoah/healfactory/internal/pipeline"
)

// failureDefaults fills fields a model response leaves out.
type failureDefaults struct {
	File     string
	TestName string
	Message  string
	Raw      string
}

// decodeFailures parses an untrusted model reply into failures. The reply may
// be wrapped in a markdown fence and may be a single object instead of an
// array; entries that are not objects are skipped. Every field is coerced and
// defaulted, and categories are sanitized.
func decodeFailures(reply string, def failureDefaults) ([]pipeline.Failure, error) {
	var v any
	if err := json.Unmarshal([]byte(llm.StripFences(reply)), &v); err != nil {
		return nil, fmt.Errorf("decode model reply: %w", err)
	}

	var items []any
	switch t := v.(type) {
	case []any:
		items = t
	case map[string]any:
		items = []any{t}
	default:
		return nil, fmt.Errorf("decode model reply: unexpected %T", v)
	}

	var failures []pipeline.Failure
	for _, it := range items {
		obj, ok := it.(map[string]any)
		if !ok {
			continue
		}
		failures = append(failures, pipeline.Failure{
			File:     stringField(obj, "file_path", def.File),
			TestName: stringField(obj, "test_name", def.TestName),
			Line:     intField(obj, "line_number", 1),
			Message:  clip(stringField(obj, "error_message", def.Message), maxMessageLen),
			BugType:  SanitizeBugType(stringField(obj, "bug_type", "")),
			Raw:      def.Raw,
		})
	}
	return failures, nil
}

func stringField(obj map[string]any, key, def string) string {
	switch v := obj[key].(type) {
	case string:
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	}
	return def
}

func intField(obj map[string]any, key string, def int) int {
	switch v := obj[key].(type) {
	case float64:
		if v >= 1 && v < math.MaxInt32 {
			return int(v)
		}
	case string:
		return atoiDefault(strings.TrimSpace(v), def)
	}
	return def
}
