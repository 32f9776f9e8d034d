// internal/browser/page.go
package browser

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"github.com/chromedp/chromedp/kb"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/browserpilot/api/schemas"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// defaultActionTimeout bounds every page command except navigation, which
// the caller bounds itself.
const defaultActionTimeout = 15 * time.Second

// Page drives one browser tab over CDP.
type Page struct {
	ctx           context.Context // chromedp tab context
	cancel        context.CancelFunc
	logger        *zap.Logger
	actionTimeout time.Duration
}

var _ schemas.Page = (*Page)(nil)

func newPage(ctx context.Context, cancel context.CancelFunc, logger *zap.Logger) *Page {
	return &Page{ctx: ctx, cancel: cancel, logger: logger, actionTimeout: defaultActionTimeout}
}

// run executes actions on the tab, bounded by both the tab's lifetime and ctx.
func (p *Page) run(ctx context.Context, actions ...chromedp.Action) error {
	opCtx, cancel := CombineContext(p.ctx, ctx)
	defer cancel()

	err := chromedp.Run(opCtx, actions...)
	if err == nil {
		return nil
	}
	switch {
	case p.ctx.Err() != nil:
		return fmt.Errorf("%w: %v", schemas.ErrPageDetached, err)
	case ctx.Err() != nil:
		// The combined context only ever reports Canceled; surface the
		// caller's own reason so deadlines stay recognisable.
		return fmt.Errorf("cdp command interrupted: %w", ctx.Err())
	case isDetachedError(err):
		return fmt.Errorf("%w: %v", schemas.ErrPageDetached, err)
	default:
		return err
	}
}

// runBounded is run with the default per-command timeout applied.
func (p *Page) runBounded(ctx context.Context, actions ...chromedp.Action) error {
	opCtx, cancel := context.WithTimeout(ctx, p.actionTimeout)
	defer cancel()
	return p.run(opCtx, actions...)
}

func evaluate(script string, res interface{}) chromedp.Action {
	return chromedp.Evaluate(script, res, func(ep *runtime.EvaluateParams) *runtime.EvaluateParams {
		return ep.WithReturnByValue(true).WithAwaitPromise(true)
	})
}

// Navigate loads url. chromedp waits for the frame to load; readiness is
// checked separately by the caller.
func (p *Page) Navigate(ctx context.Context, url string) error {
	p.logger.Debug("Navigating to URL", zap.String("url", url))
	if err := p.run(ctx, chromedp.Navigate(url)); err != nil {
		return fmt.Errorf("navigation failed: %w", err)
	}
	return nil
}

// ReadyState reports document.readyState.
func (p *Page) ReadyState(ctx context.Context) (schemas.ReadyState, error) {
	var state string
	if err := p.runBounded(ctx, evaluate(`document.readyState`, &state)); err != nil {
		return "", err
	}
	return schemas.ReadyState(state), nil
}

// Location returns the current URL and document title.
func (p *Page) Location(ctx context.Context) (string, string, error) {
	var url, title string
	if err := p.runBounded(ctx, chromedp.Location(&url), chromedp.Title(&title)); err != nil {
		return "", "", err
	}
	return url, title, nil
}

// CollectNodes runs the collector script in the page.
func (p *Page) CollectNodes(ctx context.Context, opts schemas.CollectOptions) ([]schemas.RawNode, error) {
	var nodes []schemas.RawNode
	if err := p.runBounded(ctx, evaluate(buildCollectorScript(opts), &nodes)); err != nil {
		return nil, fmt.Errorf("collector script failed: %w", err)
	}
	return nodes, nil
}

// Count returns how many elements match selector.
func (p *Page) Count(ctx context.Context, selector string) (int, error) {
	var n int
	if err := p.runBounded(ctx, evaluate(fmt.Sprintf(countScript, jsonEncode(selector)), &n)); err != nil {
		return 0, err
	}
	return n, nil
}

// Click scrolls the element into view and clicks it once it is visible.
func (p *Page) Click(ctx context.Context, selector string) error {
	return p.runBounded(ctx,
		chromedp.ScrollIntoView(selector, chromedp.ByQuery),
		chromedp.Click(selector, chromedp.ByQuery, chromedp.NodeVisible),
	)
}

// Type replaces the element's content with text.
func (p *Page) Type(ctx context.Context, selector, text string) error {
	var cleared bool
	actions := []chromedp.Action{
		chromedp.Focus(selector, chromedp.ByQuery),
		evaluate(fmt.Sprintf(clearScript, jsonEncode(selector)), &cleared),
	}
	if text != "" {
		actions = append(actions, chromedp.SendKeys(selector, text, chromedp.ByQuery))
	}
	return p.runBounded(ctx, actions...)
}

// PressKey dispatches a named key, focusing selector first when given.
func (p *Page) PressKey(ctx context.Context, selector, key string) error {
	code, ok := keyCodes[key]
	if !ok {
		return fmt.Errorf("unsupported key %q", key)
	}
	var actions []chromedp.Action
	if selector != "" {
		actions = append(actions, chromedp.Focus(selector, chromedp.ByQuery))
	}
	actions = append(actions, chromedp.KeyEvent(code))
	return p.runBounded(ctx, actions...)
}

// Text returns the element's visible text truncated to maxLen runes.
func (p *Page) Text(ctx context.Context, selector string, maxLen int) (string, error) {
	var text *string
	if err := p.runBounded(ctx, evaluate(fmt.Sprintf(textScript, jsonEncode(selector), maxLen), &text)); err != nil {
		return "", err
	}
	if text == nil {
		return "", fmt.Errorf("element '%s' not found", selector)
	}
	return *text, nil
}

// Close closes the tab. Closing twice is harmless.
func (p *Page) Close(ctx context.Context) error {
	done := make(chan error, 1)
	go func() { done <- chromedp.Cancel(p.ctx) }()
	select {
	case err := <-done:
		p.cancel()
		if err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("failed to close tab: %w", err)
		}
		return nil
	case <-ctx.Done():
		p.cancel()
		return ctx.Err()
	}
}

// keyCodes maps canonical key names onto chromedp key sequences.
var keyCodes = map[string]string{
	"Enter":      kb.Enter,
	"Tab":        kb.Tab,
	"Escape":     kb.Escape,
	"Backspace":  kb.Backspace,
	"Delete":     kb.Delete,
	"Space":      " ",
	"ArrowUp":    kb.ArrowUp,
	"ArrowDown":  kb.ArrowDown,
	"ArrowLeft":  kb.ArrowLeft,
	"ArrowRight": kb.ArrowRight,
	"PageUp":     kb.PageUp,
	"PageDown":   kb.PageDown,
	"Home":       kb.Home,
	"End":        kb.End,
}

var detachedMarkers = []string{
	"target closed",
	"no target with given id",
	"session with given id not found",
	"inspected target navigated or closed",
	"invalid context",
	"websocket: close",
}

// isDetachedError recognises CDP errors that mean the tab is gone.
func isDetachedError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, m := range detachedMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

// jsonEncode safely encodes a value for JS injection.
func jsonEncode(v interface{}) string {
	b, err := json.Marshal(v)
	if err != nil {
		return `""`
	}
	return string(b)
}
