package llmclient

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/browserpilot/api/schemas"
	"github.com/xkilldash9x/browserpilot/internal/config"
)

// NewClient is a factory function that creates an LLMClient for one model.
func NewClient(ctx context.Context, cfg config.LLMModelConfig, logger *zap.Logger) (schemas.LLMClient, error) {
	switch cfg.Provider {
	case config.ProviderGemini:
		return NewGeminiClient(ctx, cfg, logger)
	case config.ProviderOpenAI:
		return NewOpenAIClient(cfg, logger)
	default:
		return nil, fmt.Errorf("unknown or unsupported LLM provider configured: '%s'. Supported: [%s, %s]",
			cfg.Provider, config.ProviderGemini, config.ProviderOpenAI)
	}
}

// NewRouterFromConfig builds the tier router from the default fast and
// powerful models. When both tiers name the same model they share a client.
func NewRouterFromConfig(ctx context.Context, cfg config.LLMConfig, logger *zap.Logger) (*LLMRouter, error) {
	build := func(name string) (schemas.LLMClient, error) {
		modelCfg, ok := cfg.Models[name]
		if !ok {
			return nil, fmt.Errorf("model %q is not defined under llm.models", name)
		}
		client, err := NewClient(ctx, modelCfg, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create client for model %q: %w", name, err)
		}
		return client, nil
	}

	powerful, err := build(cfg.DefaultPowerfulModel)
	if err != nil {
		return nil, err
	}
	fast := powerful
	if cfg.DefaultFastModel != "" && cfg.DefaultFastModel != cfg.DefaultPowerfulModel {
		if fast, err = build(cfg.DefaultFastModel); err != nil {
			_ = powerful.Close()
			return nil, err
		}
	}
	return NewLLMRouter(logger, fast, powerful, cfg.RequestsPerMinute)
}
