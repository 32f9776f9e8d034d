package planner

import (
	"fmt"
	"regexp"
	"strings"

	jsoniter "github.com/json-iterator/go"

	"github.com/xkilldash9x/browserpilot/api/schemas"
)

// PlanParseError reports a reply that is not exactly one valid step.
type PlanParseError struct {
	Raw    string
	Reason string
}

func (e *PlanParseError) Error() string {
	return "unusable planner reply: " + e.Reason
}

// strictJSON rejects fields that are not part of the step schema.
var strictJSON = jsoniter.Config{
	EscapeHTML:             false,
	DisallowUnknownFields:  true,
	ValidateJsonRawMessage: true,
}.Froze()

// fenceRegex matches a reply that is entirely one markdown code block.
var fenceRegex = regexp.MustCompile(fmt.Sprintf("(?s)^%s(?:json|JSON)?[ \\t]*\\n?(.*?)\\s*%s$", "```", "```"))

// ParseStep decodes a planner reply under the closed action grammar. The
// reply must be one JSON object, optionally wrapped in a single ```json
// fence, with no other prose. Every field must belong to the chosen action.
func ParseStep(raw string) (schemas.Step, error) {
	fail := func(format string, args ...any) (schemas.Step, error) {
		return schemas.Step{}, &PlanParseError{Raw: raw, Reason: fmt.Sprintf(format, args...)}
	}

	body := strings.TrimSpace(raw)
	if body == "" {
		return fail("empty reply")
	}
	if m := fenceRegex.FindStringSubmatch(body); m != nil {
		body = strings.TrimSpace(m[1])
	}
	if !strings.HasPrefix(body, "{") {
		return fail("reply must be a single JSON object with no surrounding text")
	}

	obj, rest, err := splitObject(body)
	if err != nil {
		return fail("%v", err)
	}
	if strings.TrimSpace(rest) != "" {
		return fail("unexpected content after the JSON object")
	}

	var fields map[string]jsoniter.RawMessage
	if err := strictJSON.UnmarshalFromString(obj, &fields); err != nil {
		return fail("invalid JSON: %v", err)
	}

	rawKind, ok := fields["action"]
	if !ok {
		return fail("missing field %q", "action")
	}
	var kind schemas.StepKind
	if err := strictJSON.Unmarshal(rawKind, &kind); err != nil {
		return fail("field %q must be a string", "action")
	}
	rule, ok := schemas.StepFields(kind)
	if !ok {
		return fail("unknown action %q", kind)
	}
	for name := range fields {
		if !rule.Allows(name) {
			return fail("action %q does not accept field %q", kind, name)
		}
	}
	for _, req := range rule.Required {
		if _, ok := fields[req]; !ok {
			return fail("action %q requires field %q", kind, req)
		}
	}

	var step schemas.Step
	if err := strictJSON.UnmarshalFromString(obj, &step); err != nil {
		return fail("invalid field value: %v", err)
	}
	if err := step.Validate(); err != nil {
		return fail("%v", err)
	}
	return step, nil
}

// splitObject returns the first balanced JSON object in s and whatever follows it.
func splitObject(s string) (obj, rest string, err error) {
	depth := 0
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[:i+1], s[i+1:], nil
			}
		}
	}
	return "", "", fmt.Errorf("unterminated JSON object")
}
