package schemas

import (
	"fmt"
	"strings"
)

// -- Observation Schemas --

// ElementIDAttribute is the DOM attribute the snapshot collector stamps on
// every interactive element it reports.
const ElementIDAttribute = "data-eid"

// SelectorForID returns the CSS selector that resolves an element id.
func SelectorForID(id string) string {
	return fmt.Sprintf(`[%s="%s"]`, ElementIDAttribute, id)
}

// Element is one entry of a snapshot. Interactive elements carry an ID and a
// Selector the planner can target. Text-only entries leave both empty.
type Element struct {
	ID       string `json:"id,omitempty"`       // Stable within one snapshot, e.g. "e12".
	Tag      string `json:"tag"`                // Lower-case tag name.
	Role     string `json:"role"`               // Derived role (link, button, textbox, text, ...).
	Text     string `json:"text,omitempty"`     // Visible text, truncated.
	Detail   string `json:"detail,omitempty"`   // Extra state such as input type, placeholder or options.
	Selector string `json:"selector,omitempty"` // CSS selector for the element.
}

// Interactive reports whether the element can be targeted by a step.
func (e Element) Interactive() bool { return e.ID != "" }

// Line renders the element the way it appears in the planner prompt.
func (e Element) Line() string {
	if !e.Interactive() {
		return fmt.Sprintf("  %q", e.Text)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", e.ID, e.Role)
	if e.Text != "" {
		fmt.Fprintf(&b, " %q", e.Text)
	}
	if e.Detail != "" {
		fmt.Fprintf(&b, " (%s)", e.Detail)
	}
	return b.String()
}

// Observation is the filtered, bounded view of a page at one point in time.
type Observation struct {
	URL             string    `json:"url"`
	Title           string    `json:"title"`
	Elements        []Element `json:"elements"`
	TotalCandidates int       `json:"total_candidates"` // Visible candidates before capping.
	Truncated       bool      `json:"truncated"`
}

// Render produces the deterministic textual form embedded in prompts.
func (o Observation) Render() string {
	var b strings.Builder
	fmt.Fprintf(&b, "URL: %s\n", o.URL)
	fmt.Fprintf(&b, "Title: %s\n", o.Title)
	b.WriteString("Elements:\n")
	if len(o.Elements) == 0 {
		b.WriteString("  (none)\n")
	}
	for _, el := range o.Elements {
		b.WriteString(el.Line())
		b.WriteByte('\n')
	}
	if o.Truncated {
		fmt.Fprintf(&b, "... truncated: showing %d of %d candidates\n", len(o.Elements), o.TotalCandidates)
	}
	return b.String()
}

// Summary is the short form stored in history entries.
func (o Observation) Summary() string {
	interactive := 0
	for _, el := range o.Elements {
		if el.Interactive() {
			interactive++
		}
	}
	title := o.Title
	if title == "" {
		title = "(untitled)"
	}
	return fmt.Sprintf("%s <%s> with %d interactive elements", title, o.URL, interactive)
}

// FindByID returns the element with the given id.
func (o Observation) FindByID(id string) (Element, bool) {
	for _, el := range o.Elements {
		if el.ID == id {
			return el, true
		}
	}
	return Element{}, false
}
