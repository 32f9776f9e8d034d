package schemas

import (
	"context"
	"errors"
)

// -- Browser Capability Interface --

// ReadyState mirrors document.readyState.
type ReadyState string

const (
	ReadyLoading     ReadyState = "loading"
	ReadyInteractive ReadyState = "interactive"
	ReadyComplete    ReadyState = "complete"
)

// Ready reports whether the document body is available for inspection.
func (r ReadyState) Ready() bool {
	return r == ReadyInteractive || r == ReadyComplete
}

// ErrPageDetached is returned by Page implementations once the underlying
// tab or target has gone away.
var ErrPageDetached = errors.New("page detached")

// RawNode is one candidate node as reported by the page, in document order,
// before any filtering.
type RawNode struct {
	EID         string   `json:"eid,omitempty"` // data-eid assigned by the collector, empty for text leaves.
	Tag         string   `json:"tag"`
	Role        string   `json:"role,omitempty"` // Explicit role attribute, if any.
	Text        string   `json:"text,omitempty"`
	Type        string   `json:"type,omitempty"`
	Placeholder string   `json:"placeholder,omitempty"`
	Name        string   `json:"name,omitempty"`
	AriaLabel   string   `json:"aria_label,omitempty"`
	Value       string   `json:"value,omitempty"`
	Href        string   `json:"href,omitempty"`
	Options     []string `json:"options,omitempty"`
	Editable    bool     `json:"editable,omitempty"`
	Clickable   bool     `json:"clickable,omitempty"` // Has an inline click handler.
	Disabled    bool     `json:"disabled,omitempty"`
	Visible     bool     `json:"visible"`
	Depth       int      `json:"depth"`
}

// CollectOptions bounds the raw node walk performed inside the page.
type CollectOptions struct {
	MaxDepth int
	MaxNodes int
}

// Page is the minimal set of browser capabilities the agent needs. Any
// backend (CDP, WebDriver, a test fake) can satisfy it.
type Page interface {
	Navigate(ctx context.Context, url string) error
	ReadyState(ctx context.Context) (ReadyState, error)
	Location(ctx context.Context) (url string, title string, err error)
	CollectNodes(ctx context.Context, opts CollectOptions) ([]RawNode, error)
	Count(ctx context.Context, selector string) (int, error) // Number of elements matching the selector.
	Click(ctx context.Context, selector string) error
	Type(ctx context.Context, selector, text string) error                  // Replaces the element's value with text.
	PressKey(ctx context.Context, selector, key string) error               // Focuses selector first when non-empty.
	Text(ctx context.Context, selector string, maxLen int) (string, error) // Inner text, truncated to maxLen runes.
	Close(ctx context.Context) error
}

// -- LLM Client Schemas & Interface --

// ModelTier allows for selecting a large language model based on a preference
// for speed versus advanced capabilities.
type ModelTier string

const (
	TierFast     ModelTier = "fast"     // Prefers a faster, potentially less capable model.
	TierPowerful ModelTier = "powerful" // Prefers a more capable, potentially slower model.
)

// GenerationOptions provides detailed parameters to control the text generation
// process of the LLM, such as creativity (temperature) and output format.
type GenerationOptions struct {
	Temperature     float64 `json:"temperature"`       // Controls randomness. Lower is more deterministic.
	ForceJSONFormat bool    `json:"force_json_format"` // If true, forces the model to output valid JSON.
	TopP            float64 `json:"top_p"`             // Nucleus sampling parameter.
	TopK            int     `json:"top_k"`             // Top-k sampling parameter.
}

// GenerationRequest encapsulates a complete request to the LLM, including the
// system and user prompts, the desired model tier, and generation options.
type GenerationRequest struct {
	SystemPrompt string            `json:"system_prompt"` // Instructions for the model's persona and task.
	UserPrompt   string            `json:"user_prompt"`   // The specific query or input from the user.
	Tier         ModelTier         `json:"tier"`          // The desired model tier (fast or powerful).
	Options      GenerationOptions `json:"options"`       // Advanced generation parameters.
}

// LLMClient defines a standard interface for interacting with a Large Language
// Model, abstracting the specifics of the underlying provider.
type LLMClient interface {
	// Generate produces a text completion based on the provided request.
	Generate(ctx context.Context, req GenerationRequest) (string, error)
	// Close cleans up any resources held by the client.
	Close() error
}
