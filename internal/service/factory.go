// File: internal/service/factory.go
package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/browserpilot/api/schemas"
	"github.com/xkilldash9x/browserpilot/internal/browser"
	"github.com/xkilldash9x/browserpilot/internal/config"
	"github.com/xkilldash9x/browserpilot/internal/observability"
)

// ComponentFactory creates the runtime shared by the run and serve commands.
// The abstraction lets the commands be tested without a browser or a model.
type ComponentFactory interface {
	Create(ctx context.Context, cfg config.Interface, logger *zap.Logger) (*Components, error)
}

// BrowserLauncher acquires the browser backend.
type BrowserLauncher func(ctx context.Context, cfg config.BrowserConfig, logger *zap.Logger) (BrowserBackend, error)

// LLMInitializer creates the model client.
type LLMInitializer func(ctx context.Context, cfg config.LLMConfig, logger *zap.Logger) (schemas.LLMClient, error)

// concreteFactory is the production implementation of the ComponentFactory.
type concreteFactory struct {
	launch  BrowserLauncher
	initLLM LLMInitializer
}

// NewComponentFactory creates a factory for the real browser and model clients.
func NewComponentFactory() ComponentFactory {
	return NewComponentFactoryWith(LaunchBrowser, InitializeLLMClient)
}

// NewComponentFactoryWith creates a factory with substituted backends.
func NewComponentFactoryWith(launch BrowserLauncher, initLLM LLMInitializer) ComponentFactory {
	return &concreteFactory{launch: launch, initLLM: initLLM}
}

// LaunchBrowser attaches to or launches Chrome per cfg.
func LaunchBrowser(ctx context.Context, cfg config.BrowserConfig, logger *zap.Logger) (BrowserBackend, error) {
	b, err := browser.Launch(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	return b, nil
}

// Create handles the full dependency injection and initialization of the components.
func (f *concreteFactory) Create(ctx context.Context, cfg config.Interface, logger *zap.Logger) (*Components, error) {
	components := &Components{
		Metrics: observability.NewMetrics(),
		logger:  logger,
	}

	// Tear down whatever was created if a later step fails.
	var initializationErr error
	defer func() {
		if initializationErr != nil {
			logger.Warn("Initialization failed, shutting down partially created components.", zap.Error(initializationErr))
			_ = components.Shutdown(context.Background())
		}
	}()

	// 1. Model client. Configuration errors surface before a browser starts.
	llm, err := f.initLLM(ctx, cfg.LLM(), logger)
	if err != nil {
		initializationErr = fmt.Errorf("failed to initialize LLM client: %w", err)
		return nil, initializationErr
	}
	components.LLMClient = llm

	// 2. Browser.
	backend, err := f.launch(ctx, cfg.Browser(), logger)
	if err != nil {
		initializationErr = fmt.Errorf("failed to acquire browser: %w", err)
		return nil, initializationErr
	}
	components.Browser = backend

	// 3. Agent runtime.
	tokenizer := InitializeTokenizer(cfg.Planner(), cfg.LLM(), logger)
	rt, err := BuildAgent(cfg, logger, llm, tokenizer, backend, components.Metrics)
	if err != nil {
		initializationErr = fmt.Errorf("failed to build agent: %w", err)
		return nil, initializationErr
	}
	components.Bus = rt.Bus
	components.Controller = rt.Controller
	components.Manager = rt.Manager

	logger.Info("Components initialized.")
	return components, nil
}
