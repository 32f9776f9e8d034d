// Package planner asks the language model for the next browser step.
package planner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/browserpilot/api/schemas"
	"github.com/xkilldash9x/browserpilot/internal/actuator"
	"github.com/xkilldash9x/browserpilot/internal/config"
	"github.com/xkilldash9x/browserpilot/internal/observability"
)

// ErrInference marks failures of the model call itself, as opposed to an
// unusable reply.
var ErrInference = errors.New("inference failed")

// Options tunes prompt assembly and the model call.
type Options struct {
	HistoryWindow       int
	ContextBudgetTokens int
	Temperature         float64
	RequestTimeout      time.Duration
	Tier                schemas.ModelTier
}

// OptionsFromConfig maps configuration onto Options.
func OptionsFromConfig(cfg config.PlannerConfig) Options {
	return Options{
		HistoryWindow:       cfg.HistoryWindow,
		ContextBudgetTokens: cfg.ContextBudgetTokens,
		Temperature:         cfg.Temperature,
		RequestTimeout:      cfg.RequestTimeout,
		Tier:                schemas.ModelTier(cfg.Tier),
	}
}

// Planner turns the goal, recent history and the current observation into
// one validated Step. It is safe for concurrent use by many sessions.
type Planner struct {
	logger       *zap.Logger
	llm          schemas.LLMClient
	tokenizer    Tokenizer
	metrics      *observability.Metrics
	opts         Options
	systemPrompt string
}

// New creates a Planner. A nil tokenizer selects the rune estimator.
func New(logger *zap.Logger, llm schemas.LLMClient, tokenizer Tokenizer, metrics *observability.Metrics, opts Options) *Planner {
	if opts.HistoryWindow <= 0 {
		opts.HistoryWindow = 10
	}
	if opts.ContextBudgetTokens <= 0 {
		opts.ContextBudgetTokens = 6000
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 60 * time.Second
	}
	if opts.Tier == "" {
		opts.Tier = schemas.TierPowerful
	}
	if tokenizer == nil {
		tokenizer = EstimateTokenizer{}
	}
	return &Planner{
		logger:       logger.Named("planner"),
		llm:          llm,
		tokenizer:    tokenizer,
		metrics:      metrics,
		opts:         opts,
		systemPrompt: buildSystemPrompt(actuator.KeyNames()),
	}
}

// SystemPrompt returns the fixed instructions sent with every request.
func (p *Planner) SystemPrompt() string { return p.systemPrompt }

// Plan requests the next step. history is read, never modified. A reply
// that breaks the grammar yields *PlanParseError; the caller may retry once
// with a Correction built from it.
func (p *Planner) Plan(ctx context.Context, goal string, history []schemas.HistoryEntry, obs schemas.Observation, correction *Correction) (schemas.Step, error) {
	req := schemas.GenerationRequest{
		SystemPrompt: p.systemPrompt,
		UserPrompt:   p.userPrompt(goal, history, obs, correction),
		Tier:         p.opts.Tier,
		Options: schemas.GenerationOptions{
			ForceJSONFormat: true,
			Temperature:     p.opts.Temperature,
		},
	}

	reqCtx, cancel := context.WithTimeout(ctx, p.opts.RequestTimeout)
	defer cancel()

	start := time.Now()
	reply, err := p.llm.Generate(reqCtx, req)
	if err != nil {
		p.metrics.PlannerRequest("inference_error", time.Since(start))
		return schemas.Step{}, fmt.Errorf("%w: %w", ErrInference, err)
	}

	step, err := ParseStep(reply)
	if err != nil {
		p.metrics.PlannerRequest("parse_error", time.Since(start))
		p.logger.Warn("Failed to parse planner reply", zap.String("raw_response", reply), zap.Error(err))
		return schemas.Step{}, err
	}
	p.metrics.PlannerRequest("ok", time.Since(start))
	p.logger.Debug("Planned step.", zap.String("step", step.Describe()), zap.String("thought", step.Thought))
	return step, nil
}

// userPrompt renders the prompt with as much recent history as the budget
// allows. The fixed part is measured with an empty window and the widest
// possible omission notice, so the rendered prompt never costs more.
func (p *Planner) userPrompt(goal string, history []schemas.HistoryEntry, obs schemas.Observation, correction *Correction) string {
	in := promptInput{goal: goal, obs: obs, correction: correction, omitted: len(history)}
	fixed := p.tokenizer.Count(p.systemPrompt) + p.tokenizer.Count(buildUserPrompt(in))
	in.window, in.omitted = selectWindow(history, p.opts.HistoryWindow, p.opts.ContextBudgetTokens, fixed, p.tokenizer)
	if in.omitted > 0 {
		p.logger.Debug("History window trimmed.", zap.Int("kept", len(in.window)), zap.Int("omitted", in.omitted))
	}
	return buildUserPrompt(in)
}
