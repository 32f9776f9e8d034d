// Package snapshot turns a live page into the bounded Observation the planner reads.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/xkilldash9x/browserpilot/api/schemas"
	"github.com/xkilldash9x/browserpilot/internal/config"
)

// SnapshotError reports that the page could not be observed right now. It is
// always retryable by the caller.
type SnapshotError struct {
	Reason string
	Err    error
}

func (e *SnapshotError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("snapshot failed: %s: %v", e.Reason, e.Err)
	}
	return "snapshot failed: " + e.Reason
}

func (e *SnapshotError) Unwrap() error { return e.Err }

// Options bounds an observation.
type Options struct {
	MaxElements   int // Entries kept after pruning.
	MaxTextLength int // Runes of visible text kept per element.
	MaxChars      int // Ceiling on the rendered element list.
	MaxDepth      int // DOM depth explored by the collector.
	MaxRawNodes   int // Raw nodes requested from the page.
}

// OptionsFromConfig maps configuration onto Options.
func OptionsFromConfig(cfg config.SnapshotConfig) Options {
	return Options{
		MaxElements:   cfg.MaxElements,
		MaxTextLength: cfg.MaxTextLength,
		MaxChars:      cfg.MaxChars,
		MaxDepth:      cfg.MaxDepth,
		MaxRawNodes:   cfg.MaxRawNodes,
	}
}

const (
	minTextLeaf   = 3
	maxTextLeaf   = 200
	maxValueRunes = 30
	maxOptions    = 10
)

// Builder captures observations. It holds no per-page state, so one Builder
// can serve many sessions.
type Builder struct {
	logger *zap.Logger
	opts   Options
}

// NewBuilder creates a Builder, filling unset options with defaults.
func NewBuilder(logger *zap.Logger, opts Options) *Builder {
	if opts.MaxElements <= 0 {
		opts.MaxElements = 150
	}
	if opts.MaxTextLength <= 0 {
		opts.MaxTextLength = 80
	}
	if opts.MaxChars <= 0 {
		opts.MaxChars = 4000
	}
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = 15
	}
	if opts.MaxRawNodes <= 0 {
		opts.MaxRawNodes = 3000
	}
	return &Builder{logger: logger.Named("snapshot"), opts: opts}
}

// Capture reads the page and returns its filtered observation. A page that
// is still loading or has been detached yields a *SnapshotError.
func (b *Builder) Capture(ctx context.Context, page schemas.Page) (schemas.Observation, error) {
	state, err := page.ReadyState(ctx)
	if err != nil {
		return schemas.Observation{}, wrap("reading ready state", err)
	}
	if !state.Ready() {
		return schemas.Observation{}, &SnapshotError{Reason: fmt.Sprintf("document not ready (%s)", state)}
	}

	url, title, err := page.Location(ctx)
	if err != nil {
		return schemas.Observation{}, wrap("reading location", err)
	}

	nodes, err := page.CollectNodes(ctx, schemas.CollectOptions{MaxDepth: b.opts.MaxDepth, MaxNodes: b.opts.MaxRawNodes})
	if err != nil {
		return schemas.Observation{}, wrap("collecting nodes", err)
	}

	obs := b.Build(url, title, nodes)
	b.logger.Debug("Captured observation.",
		zap.String("url", url),
		zap.Int("raw_nodes", len(nodes)),
		zap.Int("elements", len(obs.Elements)),
		zap.Bool("truncated", obs.Truncated))
	return obs, nil
}

func wrap(reason string, err error) error {
	if errors.Is(err, schemas.ErrPageDetached) {
		reason = "page detached while " + reason
	}
	return &SnapshotError{Reason: reason, Err: err}
}

// Build applies pruning, truncation and the size caps to a raw node list.
// It is a pure function of its inputs.
func (b *Builder) Build(url, title string, nodes []schemas.RawNode) schemas.Observation {
	candidates := make([]schemas.Element, 0, len(nodes))
	seenText := make(map[string]struct{})

	for _, n := range nodes {
		if !n.Visible {
			continue
		}
		if el, ok := b.interactiveElement(n); ok {
			candidates = append(candidates, el)
			continue
		}
		if n.EID != "" {
			// Tagged by the collector but nothing we can act on or read.
			continue
		}
		text := normalizeSpace(n.Text)
		if l := len([]rune(text)); l < minTextLeaf || l > maxTextLeaf {
			continue
		}
		text = truncate(text, b.opts.MaxTextLength)
		if _, dup := seenText[text]; dup {
			continue
		}
		seenText[text] = struct{}{}
		candidates = append(candidates, schemas.Element{Tag: strings.ToLower(n.Tag), Role: "text", Text: text})
	}

	obs := schemas.Observation{
		URL:             url,
		Title:           truncate(normalizeSpace(title), b.opts.MaxTextLength),
		TotalCandidates: len(candidates),
	}

	used := 0
	for _, el := range candidates {
		if len(obs.Elements) >= b.opts.MaxElements {
			obs.Truncated = true
			break
		}
		cost := len(el.Line()) + 1
		if used+cost > b.opts.MaxChars {
			obs.Truncated = true
			break
		}
		used += cost
		obs.Elements = append(obs.Elements, el)
	}
	return obs
}

var interactiveRoles = map[string]bool{
	"button": true, "link": true, "textbox": true, "searchbox": true, "combobox": true,
	"checkbox": true, "radio": true, "switch": true, "tab": true, "menuitem": true,
	"option": true, "slider": true, "spinbutton": true, "listbox": true,
}

func (b *Builder) interactiveElement(n schemas.RawNode) (schemas.Element, bool) {
	if n.EID == "" {
		return schemas.Element{}, false
	}
	tag := strings.ToLower(n.Tag)
	inputType := strings.ToLower(n.Type)
	if tag == "input" && inputType == "hidden" {
		return schemas.Element{}, false
	}

	role := deriveRole(tag, inputType, strings.ToLower(n.Role), n.Editable)
	if role == "" && n.Clickable {
		role = "clickable"
	}
	if role == "" {
		return schemas.Element{}, false
	}

	text := normalizeSpace(n.Text)
	if text == "" {
		text = normalizeSpace(n.AriaLabel)
	}
	if tag == "select" || tag == "input" || tag == "textarea" {
		// Form controls report state through Detail; their text is a label at most.
		if n.AriaLabel != "" {
			text = normalizeSpace(n.AriaLabel)
		} else {
			text = ""
		}
	}

	return schemas.Element{
		ID:       n.EID,
		Tag:      tag,
		Role:     role,
		Text:     truncate(text, b.opts.MaxTextLength),
		Detail:   detail(tag, inputType, n),
		Selector: schemas.SelectorForID(n.EID),
	}, true
}

func deriveRole(tag, inputType, explicit string, editable bool) string {
	if explicit != "" && interactiveRoles[explicit] {
		return explicit
	}
	switch tag {
	case "a":
		return "link"
	case "button":
		return "button"
	case "select":
		return "combobox"
	case "textarea":
		return "textbox"
	case "input":
		switch inputType {
		case "submit", "button", "reset", "image":
			return "button"
		case "checkbox":
			return "checkbox"
		case "radio":
			return "radio"
		case "search":
			return "searchbox"
		case "range":
			return "slider"
		case "number":
			return "spinbutton"
		default:
			return "textbox"
		}
	}
	if editable {
		return "textbox"
	}
	return ""
}

func detail(tag, inputType string, n schemas.RawNode) string {
	var parts []string
	switch tag {
	case "input", "textarea":
		if inputType != "" && tag == "input" {
			parts = append(parts, "type="+inputType)
		}
		if n.Name != "" {
			parts = append(parts, "name="+n.Name)
		}
		if n.Placeholder != "" {
			parts = append(parts, fmt.Sprintf("placeholder=%q", truncate(normalizeSpace(n.Placeholder), maxValueRunes)))
		}
		if n.Value != "" && inputType != "password" {
			parts = append(parts, fmt.Sprintf("value=%q", truncate(n.Value, maxValueRunes)))
		}
	case "select":
		opts := n.Options
		more := 0
		if len(opts) > maxOptions {
			more = len(opts) - maxOptions
			opts = opts[:maxOptions]
		}
		labels := make([]string, 0, len(opts))
		for _, o := range opts {
			labels = append(labels, truncate(normalizeSpace(o), maxValueRunes))
		}
		if len(labels) > 0 {
			s := "options=" + strings.Join(labels, "|")
			if more > 0 {
				s += fmt.Sprintf("|+%d more", more)
			}
			parts = append(parts, s)
		}
		if n.Value != "" {
			parts = append(parts, fmt.Sprintf("selected=%q", truncate(n.Value, maxValueRunes)))
		}
	}
	if n.Disabled {
		parts = append(parts, "disabled")
	}
	return strings.Join(parts, ", ")
}

func normalizeSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func truncate(s string, max int) string {
	r := []rune(s)
	if max <= 0 || len(r) <= max {
		return s
	}
	if max <= 3 {
		return string(r[:max])
	}
	return string(r[:max-3]) + "..."
}
