package schemas

import (
	"fmt"
	"strings"
	"time"
)

// -- Step Schemas --

// StepKind enumerates the closed set of actions the planner may choose.
type StepKind string

const (
	StepNavigate StepKind = "navigate"
	StepClick    StepKind = "click"
	StepTypeInto StepKind = "type"
	StepPressKey StepKind = "press_key"
	StepExtract  StepKind = "extract"
	StepWait     StepKind = "wait"
	StepComplete StepKind = "complete"
)

// String implements fmt.Stringer.
func (k StepKind) String() string { return string(k) }

// StepKinds lists every valid kind in the order they are presented to the planner.
func StepKinds() []StepKind {
	return []StepKind{StepNavigate, StepClick, StepTypeInto, StepPressKey, StepExtract, StepWait, StepComplete}
}

// WaitCondition selects what a Wait step blocks on.
type WaitCondition string

const (
	WaitForElement    WaitCondition = "element"    // Waits until the selector resolves.
	WaitForNavigation WaitCondition = "navigation" // Waits until the document is ready.
)

// Step is a single decision produced by the planner. Only the fields that
// belong to Kind are populated; see StepFields.
type Step struct {
	Kind      StepKind      `json:"action"`
	URL       string        `json:"url,omitempty"`        // Navigate
	Selector  string        `json:"selector,omitempty"`   // Click, TypeInto, Extract, optional for PressKey and Wait
	Text      string        `json:"text,omitempty"`       // TypeInto
	Key       string        `json:"key,omitempty"`        // PressKey
	Label     string        `json:"label,omitempty"`      // Extract, optional
	Condition WaitCondition `json:"condition,omitempty"`  // Wait
	TimeoutMS int           `json:"timeout_ms,omitempty"` // Wait, optional
	Summary   string        `json:"summary,omitempty"`    // Complete
	Thought   string        `json:"thought,omitempty"`    // Free text reasoning, allowed on every kind.
}

// FieldRule describes which JSON fields a step kind requires and which it
// additionally tolerates.
type FieldRule struct {
	Required []string
	Optional []string
}

var stepFields = map[StepKind]FieldRule{
	StepNavigate: {Required: []string{"url"}},
	StepClick:    {Required: []string{"selector"}},
	StepTypeInto: {Required: []string{"selector", "text"}},
	StepPressKey: {Required: []string{"key"}, Optional: []string{"selector"}},
	StepExtract:  {Required: []string{"selector"}, Optional: []string{"label"}},
	StepWait:     {Required: []string{"condition"}, Optional: []string{"selector", "timeout_ms"}},
	StepComplete: {Required: []string{"summary"}},
}

// StepFields returns the field rule for a kind and whether the kind exists.
func StepFields(kind StepKind) (FieldRule, bool) {
	rule, ok := stepFields[kind]
	return rule, ok
}

// Allows reports whether the JSON field name is permitted for this rule.
// The "action" discriminator and "thought" are permitted everywhere.
func (r FieldRule) Allows(field string) bool {
	if field == "action" || field == "thought" {
		return true
	}
	for _, f := range r.Required {
		if f == field {
			return true
		}
	}
	for _, f := range r.Optional {
		if f == field {
			return true
		}
	}
	return false
}

// MaxTimeoutMS bounds the timeout_ms a Wait step may request.
const MaxTimeoutMS = 120_000

// Timeout returns the step's explicit timeout, or zero when unset.
func (s Step) Timeout() time.Duration {
	return time.Duration(s.TimeoutMS) * time.Millisecond
}

// populated returns the JSON names of the non-empty payload fields.
func (s Step) populated() []string {
	var fields []string
	add := func(name string, set bool) {
		if set {
			fields = append(fields, name)
		}
	}
	add("url", s.URL != "")
	add("selector", s.Selector != "")
	add("text", s.Text != "")
	add("key", s.Key != "")
	add("label", s.Label != "")
	add("condition", s.Condition != "")
	add("timeout_ms", s.TimeoutMS != 0)
	add("summary", s.Summary != "")
	return fields
}

// Validate checks that the step carries exactly the payload its kind allows.
// An empty TypeInto text clears the element; the parser still requires the
// key to be present in the reply.
func (s Step) Validate() error {
	rule, ok := stepFields[s.Kind]
	if !ok {
		return fmt.Errorf("unknown action %q", s.Kind)
	}
	set := s.populated()
	for _, req := range rule.Required {
		if s.Kind == StepTypeInto && req == "text" {
			continue
		}
		if !contains(set, req) {
			return fmt.Errorf("action %q requires field %q", s.Kind, req)
		}
	}
	for _, f := range set {
		if !rule.Allows(f) {
			return fmt.Errorf("action %q does not accept field %q", s.Kind, f)
		}
	}
	if s.Kind == StepWait {
		switch s.Condition {
		case WaitForElement:
			if s.Selector == "" {
				return fmt.Errorf("wait on %q requires field %q", WaitForElement, "selector")
			}
		case WaitForNavigation:
		default:
			return fmt.Errorf("unknown wait condition %q", s.Condition)
		}
		if s.TimeoutMS < 0 {
			return fmt.Errorf("timeout_ms must not be negative")
		}
		if s.TimeoutMS > MaxTimeoutMS {
			return fmt.Errorf("timeout_ms must not exceed %d", MaxTimeoutMS)
		}
	}
	return nil
}

// Target is the resolved target of the step, used to recognise repeated
// failures against the same element or URL.
func (s Step) Target() string {
	switch s.Kind {
	case StepNavigate:
		return s.URL
	case StepPressKey:
		if s.Selector != "" {
			return s.Selector + "|" + s.Key
		}
		return s.Key
	case StepWait:
		if s.Selector != "" {
			return string(s.Condition) + "|" + s.Selector
		}
		return string(s.Condition)
	case StepComplete:
		return ""
	default:
		return s.Selector
	}
}

// Describe renders a compact one-line description for logs and history.
func (s Step) Describe() string {
	var b strings.Builder
	b.WriteString(string(s.Kind))
	switch s.Kind {
	case StepNavigate:
		fmt.Fprintf(&b, " %s", s.URL)
	case StepTypeInto:
		fmt.Fprintf(&b, " %s %q", s.Selector, s.Text)
	case StepPressKey:
		fmt.Fprintf(&b, " %s", s.Key)
		if s.Selector != "" {
			fmt.Fprintf(&b, " on %s", s.Selector)
		}
	case StepExtract:
		fmt.Fprintf(&b, " %s", s.Selector)
		if s.Label != "" {
			fmt.Fprintf(&b, " as %q", s.Label)
		}
	case StepWait:
		fmt.Fprintf(&b, " for %s", s.Condition)
		if s.Selector != "" {
			fmt.Fprintf(&b, " %s", s.Selector)
		}
	case StepComplete:
		fmt.Fprintf(&b, ": %s", s.Summary)
	default:
		fmt.Fprintf(&b, " %s", s.Selector)
	}
	return b.String()
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
