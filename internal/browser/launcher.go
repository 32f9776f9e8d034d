// internal/browser/launcher.go
package browser

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/browserpilot/api/schemas"
	"github.com/xkilldash9x/browserpilot/internal/config"
)

const defaultAttachTimeout = 2 * time.Second

// ErrNoRemoteBrowser is returned in attach mode when nothing answers at the
// configured debugging endpoint.
var ErrNoRemoteBrowser = errors.New("no browser is listening on the remote debugging endpoint")

// Browser owns one Chrome instance, attached or launched, and hands out tabs.
type Browser struct {
	logger *zap.Logger

	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc
	attached      bool

	mu     sync.Mutex
	pages  map[*Page]struct{}
	closed bool
}

// Launch acquires a browser according to cfg.Mode. In auto mode a running
// browser at cfg.RemoteURL is preferred and a dedicated process is started
// only when the probe fails.
func Launch(ctx context.Context, cfg config.BrowserConfig, logger *zap.Logger) (*Browser, error) {
	log := logger.Named("browser")
	b := &Browser{logger: log, pages: make(map[*Page]struct{})}

	var allocCtx context.Context
	if cfg.Mode != config.BrowserModeLaunch {
		wsURL, err := probeDebugger(ctx, cfg.RemoteURL, cfg.AttachTimeout)
		switch {
		case err == nil:
			log.Info("Attaching to running browser", zap.String("endpoint", wsURL))
			allocCtx, b.allocCancel = chromedp.NewRemoteAllocator(Detach(ctx), wsURL)
			b.attached = true
		case cfg.Mode == config.BrowserModeAttach:
			return nil, fmt.Errorf("%w at %s: %v", ErrNoRemoteBrowser, cfg.RemoteURL, err)
		default:
			log.Info("No running browser found, launching a dedicated instance", zap.String("remote_url", cfg.RemoteURL), zap.Error(err))
		}
	}
	if allocCtx == nil {
		allocCtx, b.allocCancel = chromedp.NewExecAllocator(Detach(ctx), allocatorOptions(cfg)...)
	}

	var ctxOpts []chromedp.ContextOption
	if cfg.Debug {
		ctxOpts = append(ctxOpts, chromedp.WithDebugf(log.Sugar().Debugf))
	}
	ctxOpts = append(ctxOpts, chromedp.WithErrorf(log.Sugar().Errorf))
	b.browserCtx, b.browserCancel = chromedp.NewContext(allocCtx, ctxOpts...)

	// The first Run starts the browser and must not inherit a deadline;
	// abort it explicitly if ctx ends while the process is coming up.
	stop := context.AfterFunc(ctx, b.browserCancel)
	err := chromedp.Run(b.browserCtx)
	stop()
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	if err != nil {
		b.browserCancel()
		b.allocCancel()
		return nil, fmt.Errorf("failed to start browser session: %w", err)
	}

	log.Info("Browser ready", zap.Bool("attached", b.attached), zap.Bool("headless", cfg.Headless && !b.attached))
	return b, nil
}

// Attached reports whether the browser was already running before Launch.
func (b *Browser) Attached() bool { return b.attached }

// NewPage opens a fresh tab. Each session gets its own.
func (b *Browser) NewPage(ctx context.Context) (schemas.Page, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, errors.New("browser is closed")
	}
	b.mu.Unlock()

	tabCtx, tabCancel := chromedp.NewContext(b.browserCtx)
	stop := context.AfterFunc(ctx, tabCancel)
	err := chromedp.Run(tabCtx, chromedp.ActionFunc(func(c context.Context) error {
		_, err := page.AddScriptToEvaluateOnNewDocument(hideAutomationScript).Do(c)
		return err
	}))
	stop()
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	if err != nil {
		tabCancel()
		return nil, fmt.Errorf("failed to open tab: %w", err)
	}

	p := newPage(tabCtx, tabCancel, b.logger.Named("page"))
	b.mu.Lock()
	b.pages[p] = struct{}{}
	b.mu.Unlock()
	context.AfterFunc(tabCtx, func() {
		b.mu.Lock()
		delete(b.pages, p)
		b.mu.Unlock()
	})
	return p, nil
}

// Close closes every open tab. A launched browser process is terminated; an
// attached one is left running.
func (b *Browser) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	pages := make([]*Page, 0, len(b.pages))
	for p := range b.pages {
		pages = append(pages, p)
	}
	b.mu.Unlock()

	var errs []error
	for _, p := range pages {
		if err := p.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if !b.attached {
		// Cancelling the browser context of an exec allocator kills the process.
		if err := chromedp.Cancel(b.browserCtx); err != nil && !errors.Is(err, context.Canceled) {
			errs = append(errs, fmt.Errorf("failed to stop browser: %w", err))
		}
	}
	b.browserCancel()
	b.allocCancel()
	b.logger.Info("Browser closed")
	return errors.Join(errs...)
}

// versionInfo is the subset of /json/version the probe needs.
type versionInfo struct {
	Browser              string `json:"Browser"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
}

// probeDebugger asks remoteURL for its browser websocket endpoint.
func probeDebugger(ctx context.Context, remoteURL string, timeout time.Duration) (string, error) {
	if remoteURL == "" {
		return "", errors.New("remote_url is empty")
	}
	if strings.HasPrefix(remoteURL, "ws://") || strings.HasPrefix(remoteURL, "wss://") {
		return remoteURL, nil
	}
	if timeout <= 0 {
		timeout = defaultAttachTimeout
	}
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, strings.TrimRight(remoteURL, "/")+"/json/version", nil)
	if err != nil {
		return "", fmt.Errorf("invalid remote_url: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("debugger endpoint returned status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("failed to read debugger version: %w", err)
	}
	var info versionInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return "", fmt.Errorf("failed to decode debugger version: %w", err)
	}
	if info.WebSocketDebuggerURL == "" {
		return "", errors.New("debugger version has no webSocketDebuggerUrl")
	}
	return info.WebSocketDebuggerURL, nil
}

// launchFlags lists the command line switches for a dedicated browser.
// User supplied args ("--name=value" or "--name") override the defaults.
func launchFlags(cfg config.BrowserConfig) map[string]interface{} {
	flags := map[string]interface{}{
		"no-first-run":                  true,
		"no-default-browser-check":      true,
		"disable-blink-features":        "AutomationControlled",
		"password-store":                "basic",
		"use-mock-keychain":             true,
		"disable-background-networking": true,
		"disable-popup-blocking":        true,
		"disable-dev-shm-usage":         true,
	}
	if cfg.Headless {
		flags["headless"] = "new"
		flags["hide-scrollbars"] = true
		flags["mute-audio"] = true
	}
	for _, arg := range cfg.Args {
		name, value, hasValue := strings.Cut(strings.TrimLeft(arg, "-"), "=")
		if name == "" {
			continue
		}
		if hasValue {
			flags[name] = value
		} else {
			flags[name] = true
		}
	}
	return flags
}

// allocatorOptions converts cfg into exec allocator options.
func allocatorOptions(cfg config.BrowserConfig) []chromedp.ExecAllocatorOption {
	var opts []chromedp.ExecAllocatorOption
	for name, value := range launchFlags(cfg) {
		opts = append(opts, chromedp.Flag(name, value))
	}
	if cfg.UserDataDir != "" {
		opts = append(opts, chromedp.UserDataDir(cfg.UserDataDir))
	}
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	return opts
}
