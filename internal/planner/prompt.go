package planner

import (
	"fmt"
	"strings"

	"github.com/xkilldash9x/browserpilot/api/schemas"
)

// Correction asks the model to fix its previous reply.
type Correction struct {
	PreviousReply string
	Reason        string
}

const maxEchoedReply = 500

// actionDoc pairs each action with a description and a canonical example.
var actionDocs = []struct {
	kind    schemas.StepKind
	doc     string
	example string
}{
	{schemas.StepNavigate, "Load a URL in the current tab.",
		`{"action": "navigate", "url": "https://www.example.com"}`},
	{schemas.StepClick, "Click an element.",
		`{"action": "click", "selector": "[data-eid=\"e12\"]"}`},
	{schemas.StepTypeInto, "Replace the value of an input or editable element with text. An empty text clears it.",
		`{"action": "type", "selector": "[data-eid=\"e4\"]", "text": "wireless headphones"}`},
	{schemas.StepPressKey, "Press a named key, optionally focusing an element first.",
		`{"action": "press_key", "key": "Enter", "selector": "[data-eid=\"e4\"]"}`},
	{schemas.StepExtract, "Read the visible text of an element so it is recorded in your history.",
		`{"action": "extract", "selector": "[data-eid=\"e30\"]", "label": "price"}`},
	{schemas.StepWait, `Wait for an element to appear ("element", needs selector) or for the page to finish loading ("navigation"). timeout_ms is optional and can only shorten the default wait.`,
		`{"action": "wait", "condition": "element", "selector": "#results", "timeout_ms": 5000}`},
	{schemas.StepComplete, "Finish the task. The summary must state the result the user asked for.",
		`{"action": "complete", "summary": "The cheapest listing is $19.99."}`},
}

// errorStrategies tells the model how to react to each failure code.
var errorStrategies = []struct {
	code     schemas.ErrorCode
	strategy string
}{
	{schemas.ErrCodeElementNotFound, "The selector matched nothing. Pick an element from the current list instead of retrying the same selector."},
	{schemas.ErrCodeTimeout, "The page or element never became ready. Consider a wait, or navigate somewhere else."},
	{schemas.ErrCodeNavigation, "The URL could not be loaded. Check it for typos or use a different site."},
	{schemas.ErrCodeInvalidStep, "Your action was malformed. Follow the grammar exactly."},
	{schemas.ErrCodeExecutionFailure, "The browser rejected the action. Try a different element or approach."},
}

// buildSystemPrompt assembles the grammar, failure guidance and format rules.
func buildSystemPrompt(keys []string) string {
	var sb strings.Builder
	sb.WriteString(`You are a browser automation agent. You complete the user's goal by issuing one browser action at a time.
After every action you receive the new state of the page and the results of your earlier actions.

`)
	sb.WriteString(actionListPrompt(keys))
	sb.WriteString("\n")
	sb.WriteString(errorHandlingPrompt())
	sb.WriteString("\n")
	sb.WriteString(closingPrompt())
	return sb.String()
}

func actionListPrompt(keys []string) string {
	var sb strings.Builder
	sb.WriteString("AVAILABLE ACTIONS:\n")
	for _, a := range actionDocs {
		rule, _ := schemas.StepFields(a.kind)
		fmt.Fprintf(&sb, "- %s: %s\n", a.kind, a.doc)
		fmt.Fprintf(&sb, "  required: %s", strings.Join(rule.Required, ", "))
		if len(rule.Optional) > 0 {
			fmt.Fprintf(&sb, "; optional: %s", strings.Join(rule.Optional, ", "))
		}
		fmt.Fprintf(&sb, "\n  example: %s\n", a.example)
	}
	fmt.Fprintf(&sb, "\nValid key names: %s.\n", strings.Join(keys, ", "))
	sb.WriteString("Every action may also carry a short \"thought\" field explaining your reasoning.\n")
	fmt.Fprintf(&sb, "Elements in the page state are listed as [eN]. Address them with the selector %s, for example %s.\n",
		`[data-eid="eN"]`, schemas.SelectorForID("e3"))
	return sb.String()
}

func errorHandlingPrompt() string {
	var sb strings.Builder
	sb.WriteString("HANDLING FAILURES:\n")
	sb.WriteString("Failed actions appear in your history with an error code:\n")
	for _, s := range errorStrategies {
		fmt.Fprintf(&sb, "- %s: %s\n", s.code, s.strategy)
	}
	sb.WriteString("Repeating the same failing action against the same target several times in a row ends the task.\n")
	return sb.String()
}

func closingPrompt() string {
	return `RESPONSE FORMAT:
Respond with exactly one JSON object describing the next action. Do not add any text before or after it.
Do not include fields that the chosen action does not list.
When the goal is achieved, respond with the complete action.
`
}

// promptInput is everything the user prompt is rendered from.
type promptInput struct {
	goal       string
	window     []schemas.HistoryEntry
	omitted    int
	obs        schemas.Observation
	correction *Correction
}

func buildUserPrompt(in promptInput) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "GOAL: %s\n\n", in.goal)

	sb.WriteString("PREVIOUS ACTIONS:\n")
	if in.omitted > 0 {
		fmt.Fprintf(&sb, "(%d earlier actions omitted)\n", in.omitted)
	}
	if len(in.window) == 0 && in.omitted == 0 {
		sb.WriteString("(none yet)\n")
	}
	for _, e := range in.window {
		sb.WriteString(historyLine(e))
		sb.WriteString("\n")
	}

	sb.WriteString("\nCURRENT PAGE:\n")
	sb.WriteString(in.obs.Render())

	if c := in.correction; c != nil {
		prev := c.PreviousReply
		if r := []rune(prev); len(r) > maxEchoedReply {
			prev = string(r[:maxEchoedReply]) + "..."
		}
		fmt.Fprintf(&sb, "\nCORRECTION: your previous reply could not be used (%s).\nPrevious reply:\n%s\n", c.Reason, prev)
		sb.WriteString("Reply again with exactly one JSON object that follows the action grammar.\n")
	}

	sb.WriteString("\nWhat is the next action?")
	return sb.String()
}

// historyLine renders one entry, including any extracted content, so the
// model can build its answer from what it has read.
func historyLine(e schemas.HistoryEntry) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "#%d %s -> ", e.Iteration, e.Step.Describe())
	if e.Outcome.OK() {
		sb.WriteString("success")
	} else {
		fmt.Fprintf(&sb, "failure %s", e.Outcome.ErrorCode)
		if e.Outcome.Reason != "" {
			fmt.Fprintf(&sb, ": %s", e.Outcome.Reason)
		}
	}
	if ex := e.Outcome.Extracted; ex != nil {
		label := ex.Label
		if label == "" {
			label = "text"
		}
		fmt.Fprintf(&sb, "\n   extracted %s: %q", label, ex.Content)
	}
	if e.Observation != "" {
		fmt.Fprintf(&sb, "\n   page was: %s", e.Observation)
	}
	return sb.String()
}
