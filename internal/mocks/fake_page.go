package mocks

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/xkilldash9x/browserpilot/api/schemas"
)

// ErrUnknownHost is returned by FakePage.Navigate for URLs the site does not define.
var ErrUnknownHost = errors.New("net::ERR_NAME_NOT_RESOLVED")

var (
	_ schemas.Page = (*FakePage)(nil)
	_ schemas.Page = (*MockPage)(nil)
)

// FakeDocument is one page of a FakeSite.
type FakeDocument struct {
	Title string
	Nodes []schemas.RawNode
	// Texts maps selectors to inner text. Any selector listed here resolves.
	Texts map[string]string
	// Links maps a clicked selector to the URL it navigates to.
	Links map[string]string
	// Keys maps "selector|Key" (or just "Key") to the URL the key press navigates to.
	Keys map[string]string
	// Delayed selectors only resolve after the given number of Count calls.
	Delayed map[string]int
}

// FakeSite is a set of documents keyed by URL.
type FakeSite map[string]*FakeDocument

// FakePage is an in-memory schemas.Page. It is safe for concurrent use.
type FakePage struct {
	mu           sync.Mutex
	site         FakeSite
	current      string
	loadingPolls int
	pendingLoad  int
	detached     bool
	readyErrs    []error
	values       map[string]string
	countCalls   map[string]int
	calls        []string
	closed       bool
}

// NewFakePage returns a page showing about:blank backed by site.
func NewFakePage(site FakeSite) *FakePage {
	if site == nil {
		site = FakeSite{}
	}
	if _, ok := site["about:blank"]; !ok {
		site["about:blank"] = &FakeDocument{}
	}
	return &FakePage{
		site:       site,
		current:    "about:blank",
		values:     make(map[string]string),
		countCalls: make(map[string]int),
	}
}

// SetLoadingPolls makes ReadyState report "loading" n times after each navigation.
func (p *FakePage) SetLoadingPolls(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.loadingPolls = n
}

// FailReadyState queues errors returned by the next ReadyState calls.
func (p *FakePage) FailReadyState(errs ...error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.readyErrs = append(p.readyErrs, errs...)
}

// Detach simulates the tab going away.
func (p *FakePage) Detach() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.detached = true
}

// Calls returns the recorded interactions in order, e.g. "click #go".
func (p *FakePage) Calls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.calls))
	copy(out, p.calls)
	return out
}

// Value returns what was typed into selector.
func (p *FakePage) Value(selector string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.values[selector]
}

// CurrentURL returns the URL of the displayed document.
func (p *FakePage) CurrentURL() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

// Closed reports whether Close was called.
func (p *FakePage) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func resolves(d *FakeDocument, selector string, polls int) bool {
	if d == nil {
		return false
	}
	if need, ok := d.Delayed[selector]; ok {
		return polls > need
	}
	if _, ok := d.Texts[selector]; ok {
		return true
	}
	for _, n := range d.Nodes {
		if n.EID != "" && schemas.SelectorForID(n.EID) == selector {
			return true
		}
	}
	return false
}

func (p *FakePage) check() error {
	if p.detached {
		return schemas.ErrPageDetached
	}
	return nil
}

func (p *FakePage) goTo(url string) {
	p.current = url
	p.pendingLoad = p.loadingPolls
	p.countCalls = make(map[string]int)
}

func (p *FakePage) Navigate(ctx context.Context, url string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.check(); err != nil {
		return err
	}
	p.calls = append(p.calls, "navigate "+url)
	if _, ok := p.site[url]; !ok {
		return fmt.Errorf("page load error %w", ErrUnknownHost)
	}
	p.goTo(url)
	return nil
}

func (p *FakePage) ReadyState(ctx context.Context) (schemas.ReadyState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.check(); err != nil {
		return "", err
	}
	if len(p.readyErrs) > 0 {
		err := p.readyErrs[0]
		p.readyErrs = p.readyErrs[1:]
		return "", err
	}
	if p.pendingLoad > 0 {
		p.pendingLoad--
		return schemas.ReadyLoading, nil
	}
	return schemas.ReadyComplete, nil
}

func (p *FakePage) Location(ctx context.Context) (string, string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.check(); err != nil {
		return "", "", err
	}
	title := ""
	if d := p.site[p.current]; d != nil {
		title = d.Title
	}
	return p.current, title, nil
}

func (p *FakePage) CollectNodes(ctx context.Context, opts schemas.CollectOptions) ([]schemas.RawNode, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.check(); err != nil {
		return nil, err
	}
	d := p.site[p.current]
	if d == nil {
		return nil, nil
	}
	nodes := make([]schemas.RawNode, 0, len(d.Nodes))
	for _, n := range d.Nodes {
		if opts.MaxDepth > 0 && n.Depth > opts.MaxDepth {
			continue
		}
		if opts.MaxNodes > 0 && len(nodes) >= opts.MaxNodes {
			break
		}
		if n.EID != "" {
			if v, ok := p.values[schemas.SelectorForID(n.EID)]; ok {
				n.Value = v
			}
		}
		nodes = append(nodes, n)
	}
	return nodes, nil
}

func (p *FakePage) Count(ctx context.Context, selector string) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.check(); err != nil {
		return 0, err
	}
	p.countCalls[selector]++
	if resolves(p.site[p.current], selector, p.countCalls[selector]) {
		return 1, nil
	}
	return 0, nil
}

func (p *FakePage) Click(ctx context.Context, selector string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.check(); err != nil {
		return err
	}
	p.calls = append(p.calls, "click "+selector)
	if d := p.site[p.current]; d != nil {
		if target, ok := d.Links[selector]; ok {
			p.goTo(target)
		}
	}
	return nil
}

func (p *FakePage) Type(ctx context.Context, selector, text string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.check(); err != nil {
		return err
	}
	p.calls = append(p.calls, fmt.Sprintf("type %s %s", selector, text))
	p.values[selector] = text
	return nil
}

func (p *FakePage) PressKey(ctx context.Context, selector, key string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.check(); err != nil {
		return err
	}
	p.calls = append(p.calls, strings.TrimSpace("press "+key+" "+selector))
	d := p.site[p.current]
	if d == nil {
		return nil
	}
	if target, ok := d.Keys[selector+"|"+key]; ok && selector != "" {
		p.goTo(target)
	} else if target, ok := d.Keys[key]; ok {
		p.goTo(target)
	}
	return nil
}

func (p *FakePage) Text(ctx context.Context, selector string, maxLen int) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.check(); err != nil {
		return "", err
	}
	p.calls = append(p.calls, "text "+selector)
	d := p.site[p.current]
	if d == nil {
		return "", nil
	}
	text := d.Texts[selector]
	if r := []rune(text); maxLen > 0 && len(r) > maxLen {
		text = string(r[:maxLen])
	}
	return text, nil
}

func (p *FakePage) Close(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.detached = true
	return nil
}
