// File: internal/service/initializers.go
package service

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/xkilldash9x/browserpilot/api/schemas"
	"github.com/xkilldash9x/browserpilot/internal/actuator"
	"github.com/xkilldash9x/browserpilot/internal/agent"
	"github.com/xkilldash9x/browserpilot/internal/config"
	"github.com/xkilldash9x/browserpilot/internal/eventbus"
	"github.com/xkilldash9x/browserpilot/internal/llmclient"
	"github.com/xkilldash9x/browserpilot/internal/observability"
	"github.com/xkilldash9x/browserpilot/internal/planner"
	"github.com/xkilldash9x/browserpilot/internal/snapshot"
)

// EstimateEncoding selects the rune based token estimator instead of tiktoken.
const EstimateEncoding = "estimate"

// InitializeLLMClient creates the tier router over the configured models.
func InitializeLLMClient(ctx context.Context, cfg config.LLMConfig, logger *zap.Logger) (schemas.LLMClient, error) {
	router, err := llmclient.NewRouterFromConfig(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create LLM router: %w", err)
	}
	logger.Info("LLM router initialized.",
		zap.String("fast_model", cfg.DefaultFastModel),
		zap.String("powerful_model", cfg.DefaultPowerfulModel))
	return router, nil
}

// InitializeTokenizer picks the prompt budget tokenizer. An empty encoding
// is derived from the model serving the planner's tier.
func InitializeTokenizer(plannerCfg config.PlannerConfig, llmCfg config.LLMConfig, logger *zap.Logger) planner.Tokenizer {
	encoding := strings.TrimSpace(plannerCfg.TokenEncoding)
	if strings.EqualFold(encoding, EstimateEncoding) {
		return planner.EstimateTokenizer{}
	}
	if encoding == "" {
		model := llmCfg.DefaultPowerfulModel
		if schemas.ModelTier(plannerCfg.Tier) == schemas.TierFast && llmCfg.DefaultFastModel != "" {
			model = llmCfg.DefaultFastModel
		}
		if m, ok := llmCfg.Models[model]; ok && m.Model != "" {
			model = m.Model
		}
		encoding = planner.EncodingForModel(model)
	}
	return planner.NewTiktoken(logger, encoding)
}

// Agent is the session runtime built on top of a page provider and a model.
type Agent struct {
	Bus        *eventbus.Bus
	Controller *agent.Controller
	Manager    *agent.Manager
}

// BuildAgent wires the snapshot builder, planner and actuator into a loop
// controller and puts a session manager in front of it.
func BuildAgent(cfg config.Interface, logger *zap.Logger, llm schemas.LLMClient, tokenizer planner.Tokenizer, pages agent.PageProvider, metrics *observability.Metrics) (*Agent, error) {
	bus := eventbus.New(logger, metrics, cfg.Server().SubscriberBuffer)

	stepPlanner := planner.New(logger, llm, tokenizer, metrics, planner.OptionsFromConfig(cfg.Planner()))
	controller := agent.NewController(logger,
		snapshot.NewBuilder(logger, snapshot.OptionsFromConfig(cfg.Snapshot())),
		stepPlanner,
		actuator.New(logger, actuator.OptionsFromConfig(cfg.Actuator())),
		bus,
		metrics,
		agent.ControllerOptionsFromConfig(cfg.Agent()),
	)

	manager, err := agent.NewManager(logger, controller, pages, metrics, agent.ManagerOptionsFromConfig(cfg.Agent()))
	if err != nil {
		bus.Shutdown()
		return nil, err
	}
	return &Agent{Bus: bus, Controller: controller, Manager: manager}, nil
}
