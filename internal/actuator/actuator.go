// Package actuator executes planner steps against a browser page.
package actuator

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/browserpilot/api/schemas"
	"github.com/xkilldash9x/browserpilot/internal/config"
)

var (
	errNotFound    = errors.New("element not found")
	errNotReady    = errors.New("document did not become ready")
	errUnknownKey  = errors.New("unknown key")
	errNotRunnable = errors.New("complete steps are handled by the controller")
)

// Options holds the smart-wait settings.
type Options struct {
	PollInterval      time.Duration
	ElementTimeout    time.Duration
	NavigationTimeout time.Duration
	WaitTimeout       time.Duration
	SettleDelay       time.Duration
	MaxExtractChars   int
}

// OptionsFromConfig maps configuration onto Options.
func OptionsFromConfig(cfg config.ActuatorConfig) Options {
	return Options{
		PollInterval:      cfg.PollInterval,
		ElementTimeout:    cfg.ElementTimeout,
		NavigationTimeout: cfg.NavigationTimeout,
		WaitTimeout:       cfg.WaitTimeout,
		SettleDelay:       cfg.SettleDelay,
		MaxExtractChars:   cfg.MaxExtractChars,
	}
}

// Actuator turns steps into page commands. It is stateless between calls.
type Actuator struct {
	logger *zap.Logger
	opts   Options
}

// New creates an Actuator, filling unset options with defaults.
func New(logger *zap.Logger, opts Options) *Actuator {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 100 * time.Millisecond
	}
	if opts.ElementTimeout <= 0 {
		opts.ElementTimeout = 5 * time.Second
	}
	if opts.NavigationTimeout <= 0 {
		opts.NavigationTimeout = 30 * time.Second
	}
	if opts.WaitTimeout <= 0 {
		opts.WaitTimeout = 10 * time.Second
	}
	if opts.MaxExtractChars <= 0 {
		opts.MaxExtractChars = 2000
	}
	if opts.SettleDelay < 0 {
		opts.SettleDelay = 0
	}
	return &Actuator{logger: logger.Named("actuator"), opts: opts}
}

// Execute runs one step and reports what happened. Every failure, including
// a panic inside the page backend, comes back as a failed outcome.
func (a *Actuator) Execute(ctx context.Context, page schemas.Page, step schemas.Step) (out schemas.ActionOutcome) {
	start := time.Now()
	target := step.Target()
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("Recovered from panic while executing step.",
				zap.String("step", step.Describe()), zap.Any("panic", r), zap.Stack("stack"))
			out = schemas.Failed(schemas.ErrCodeExecutionFailure, target, fmt.Sprintf("panic: %v", r))
		}
		out.Duration = time.Since(start)
		a.logger.Debug("Step executed.",
			zap.String("step", step.Describe()),
			zap.String("status", string(out.Status)),
			zap.String("error_code", string(out.ErrorCode)),
			zap.Duration("duration", out.Duration))
	}()

	if err := step.Validate(); err != nil {
		return schemas.Failed(schemas.ErrCodeInvalidStep, target, err.Error())
	}

	switch step.Kind {
	case schemas.StepNavigate:
		return a.navigate(ctx, page, step)
	case schemas.StepClick:
		return a.click(ctx, page, step)
	case schemas.StepTypeInto:
		return a.typeInto(ctx, page, step)
	case schemas.StepPressKey:
		return a.pressKey(ctx, page, step)
	case schemas.StepExtract:
		return a.extract(ctx, page, step)
	case schemas.StepWait:
		return a.wait(ctx, page, step)
	default:
		return schemas.Failed(schemas.ErrCodeInvalidStep, target, errNotRunnable.Error())
	}
}

func (a *Actuator) navigate(ctx context.Context, page schemas.Page, step schemas.Step) schemas.ActionOutcome {
	target, err := normalizeURL(step.URL)
	if err != nil {
		return schemas.Failed(schemas.ErrCodeInvalidStep, step.URL, err.Error())
	}

	navCtx, cancel := context.WithTimeout(ctx, a.opts.NavigationTimeout)
	defer cancel()

	if err := page.Navigate(navCtx, target); err != nil {
		if isTimeout(err) {
			return schemas.Failed(schemas.ErrCodeTimeout, target, fmt.Sprintf("navigation exceeded %s", a.opts.NavigationTimeout))
		}
		return schemas.Failed(schemas.ErrCodeNavigation, target, err.Error())
	}
	if err := a.waitReady(navCtx, page); err != nil {
		return a.classify(err, target, schemas.ErrCodeTimeout)
	}
	return schemas.Succeeded(target)
}

func (a *Actuator) click(ctx context.Context, page schemas.Page, step schemas.Step) schemas.ActionOutcome {
	if err := a.waitForElement(ctx, page, step.Selector, a.opts.ElementTimeout); err != nil {
		return a.classify(err, step.Selector, schemas.ErrCodeElementNotFound)
	}
	if err := page.Click(ctx, step.Selector); err != nil {
		return a.classify(err, step.Selector, schemas.ErrCodeExecutionFailure)
	}
	a.settle(ctx)
	return schemas.Succeeded(step.Selector)
}

func (a *Actuator) typeInto(ctx context.Context, page schemas.Page, step schemas.Step) schemas.ActionOutcome {
	if err := a.waitForElement(ctx, page, step.Selector, a.opts.ElementTimeout); err != nil {
		return a.classify(err, step.Selector, schemas.ErrCodeElementNotFound)
	}
	if err := page.Type(ctx, step.Selector, step.Text); err != nil {
		return a.classify(err, step.Selector, schemas.ErrCodeExecutionFailure)
	}
	return schemas.Succeeded(step.Selector)
}

func (a *Actuator) pressKey(ctx context.Context, page schemas.Page, step schemas.Step) schemas.ActionOutcome {
	target := step.Target()
	key, ok := NormalizeKey(step.Key)
	if !ok {
		return schemas.Failed(schemas.ErrCodeInvalidStep, target, fmt.Sprintf("%v %q", errUnknownKey, step.Key))
	}
	if step.Selector != "" {
		if err := a.waitForElement(ctx, page, step.Selector, a.opts.ElementTimeout); err != nil {
			return a.classify(err, target, schemas.ErrCodeElementNotFound)
		}
	}
	if err := page.PressKey(ctx, step.Selector, key); err != nil {
		return a.classify(err, target, schemas.ErrCodeExecutionFailure)
	}
	a.settle(ctx)
	return schemas.Succeeded(target)
}

func (a *Actuator) extract(ctx context.Context, page schemas.Page, step schemas.Step) schemas.ActionOutcome {
	if err := a.waitForElement(ctx, page, step.Selector, a.opts.ElementTimeout); err != nil {
		return a.classify(err, step.Selector, schemas.ErrCodeElementNotFound)
	}
	text, err := page.Text(ctx, step.Selector, a.opts.MaxExtractChars)
	if err != nil {
		return a.classify(err, step.Selector, schemas.ErrCodeExecutionFailure)
	}
	out := schemas.Succeeded(step.Selector)
	out.Extracted = &schemas.Extraction{Label: step.Label, Content: strings.TrimSpace(text)}
	return out
}

func (a *Actuator) wait(ctx context.Context, page schemas.Page, step schemas.Step) schemas.ActionOutcome {
	target := step.Target()
	// A step may shorten the wait but never extend it past wait_timeout.
	timeout := step.Timeout()
	if timeout <= 0 || timeout > a.opts.WaitTimeout {
		timeout = a.opts.WaitTimeout
	}

	var err error
	switch step.Condition {
	case schemas.WaitForElement:
		err = a.waitForElement(ctx, page, step.Selector, timeout)
	case schemas.WaitForNavigation:
		waitCtx, cancel := context.WithTimeout(ctx, timeout)
		err = a.waitReady(waitCtx, page)
		cancel()
	}
	if err != nil {
		// Waiting is the whole point of the step, so an absent element is a timeout.
		return a.classify(err, target, schemas.ErrCodeTimeout)
	}
	return schemas.Succeeded(target)
}

// waitForElement polls until selector resolves to at least one element or
// timeout elapses. Transient query errors are retried until the deadline.
func (a *Actuator) waitForElement(ctx context.Context, page schemas.Page, selector string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(a.opts.PollInterval)
	defer ticker.Stop()

	var lastErr error
	for {
		n, err := page.Count(ctx, selector)
		switch {
		case err == nil && n > 0:
			return nil
		case errors.Is(err, schemas.ErrPageDetached):
			return err
		case err != nil:
			lastErr = err
		}

		if !time.Now().Before(deadline) {
			if lastErr != nil {
				return fmt.Errorf("%w after %s: %s (last error: %v)", errNotFound, timeout, selector, lastErr)
			}
			return fmt.Errorf("%w after %s: %s", errNotFound, timeout, selector)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// waitReady polls document readiness until ctx expires.
func (a *Actuator) waitReady(ctx context.Context, page schemas.Page) error {
	ticker := time.NewTicker(a.opts.PollInterval)
	defer ticker.Stop()
	for {
		state, err := page.ReadyState(ctx)
		if err == nil && state.Ready() {
			return nil
		}
		if errors.Is(err, schemas.ErrPageDetached) {
			return err
		}
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return errNotReady
			}
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (a *Actuator) settle(ctx context.Context) {
	if a.opts.SettleDelay <= 0 {
		return
	}
	t := time.NewTimer(a.opts.SettleDelay)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// classify maps an error onto an outcome, using fallback for errors that
// carry no more specific meaning.
func (a *Actuator) classify(err error, target string, fallback schemas.ErrorCode) schemas.ActionOutcome {
	switch {
	case errors.Is(err, errNotFound):
		return schemas.Failed(fallback, target, err.Error())
	case errors.Is(err, errNotReady), isTimeout(err):
		return schemas.Failed(schemas.ErrCodeTimeout, target, err.Error())
	case errors.Is(err, schemas.ErrPageDetached):
		return schemas.Failed(schemas.ErrCodeExecutionFailure, target, err.Error())
	default:
		if fallback == schemas.ErrCodeElementNotFound || fallback == schemas.ErrCodeTimeout {
			fallback = schemas.ErrCodeExecutionFailure
		}
		return schemas.Failed(fallback, target, err.Error())
	}
}

func isTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded)
}

// normalizeURL accepts absolute http(s), about: and file: URLs and upgrades a
// bare host such as "example.com/path" to https.
func normalizeURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if !strings.Contains(raw, "://") && !strings.HasPrefix(raw, "about:") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid url %q: %w", raw, err)
	}
	switch u.Scheme {
	case "http", "https":
		if u.Host == "" {
			return "", fmt.Errorf("invalid url %q: missing host", raw)
		}
	case "about", "file":
	default:
		return "", fmt.Errorf("unsupported url scheme %q", u.Scheme)
	}
	return u.String(), nil
}
