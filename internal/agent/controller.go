// internal/agent/controller.go
package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/xkilldash9x/browserpilot/api/schemas"
	"github.com/xkilldash9x/browserpilot/internal/config"
	"github.com/xkilldash9x/browserpilot/internal/observability"
	"github.com/xkilldash9x/browserpilot/internal/planner"
	"github.com/xkilldash9x/browserpilot/internal/snapshot"
)

// PageObserver turns the live page into an observation.
type PageObserver interface {
	Capture(ctx context.Context, page schemas.Page) (schemas.Observation, error)
}

// StepPlanner decides the next step.
type StepPlanner interface {
	Plan(ctx context.Context, goal string, history []schemas.HistoryEntry, obs schemas.Observation, correction *planner.Correction) (schemas.Step, error)
}

// StepExecutor runs a step against the page.
type StepExecutor interface {
	Execute(ctx context.Context, page schemas.Page, step schemas.Step) schemas.ActionOutcome
}

// EventPublisher receives every event a session emits.
type EventPublisher interface {
	Publish(ev schemas.AgentEvent) schemas.AgentEvent
}

// ControllerOptions bounds a session's loop.
type ControllerOptions struct {
	MaxIterations int
	// SnapshotRetries is the number of retries after a failed capture, so a
	// value of 3 allows four attempts. Zero disables retrying.
	SnapshotRetries        int
	SnapshotBackoffInitial time.Duration
	SnapshotBackoffMax     time.Duration
	StuckThreshold         int
}

// ControllerOptionsFromConfig maps the agent configuration section.
func ControllerOptionsFromConfig(cfg config.AgentConfig) ControllerOptions {
	return ControllerOptions{
		MaxIterations:          cfg.MaxIterations,
		SnapshotRetries:        cfg.SnapshotRetries,
		SnapshotBackoffInitial: cfg.SnapshotBackoffInitial,
		SnapshotBackoffMax:     cfg.SnapshotBackoffMax,
		StuckThreshold:         cfg.StuckThreshold,
	}
}

// Controller drives sessions through the observe, plan, act cycle:
//
//	IDLE -> OBSERVING -> PLANNING -> ACTING -> OBSERVING ...
//
// ending in COMPLETED, FAILED or CANCELLED. A Controller holds no session
// state and may run any number of sessions concurrently, one goroutine each.
type Controller struct {
	logger   *zap.Logger
	observer PageObserver
	planner  StepPlanner
	executor StepExecutor
	events   EventPublisher
	metrics  *observability.Metrics
	opts     ControllerOptions

	newBackoff func() backoff.BackOff
}

// NewController wires a controller. metrics may be nil.
func NewController(
	logger *zap.Logger,
	observer PageObserver,
	stepPlanner StepPlanner,
	executor StepExecutor,
	events EventPublisher,
	metrics *observability.Metrics,
	opts ControllerOptions,
) *Controller {
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = 25
	}
	if opts.SnapshotRetries < 0 {
		opts.SnapshotRetries = 0
	}
	if opts.SnapshotBackoffInitial <= 0 {
		opts.SnapshotBackoffInitial = 250 * time.Millisecond
	}
	if opts.SnapshotBackoffMax < opts.SnapshotBackoffInitial {
		opts.SnapshotBackoffMax = 8 * opts.SnapshotBackoffInitial
	}
	if opts.StuckThreshold <= 0 {
		opts.StuckThreshold = 3
	}
	c := &Controller{
		logger:   logger.Named("controller"),
		observer: observer,
		planner:  stepPlanner,
		executor: executor,
		events:   events,
		metrics:  metrics,
		opts:     opts,
	}
	c.newBackoff = c.snapshotBackoff
	return c
}

func (c *Controller) snapshotBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.opts.SnapshotBackoffInitial
	b.MaxInterval = c.opts.SnapshotBackoffMax
	b.MaxElapsedTime = 0 // Bounded by the retry count instead.
	b.Reset()
	return b
}

// run is the per-session execution of the loop.
type run struct {
	c      *Controller
	sess   *Session
	page   schemas.Page
	logger *zap.Logger
	stuck  stuckTracker
}

// Run drives sess until it reaches a terminal state and returns that state.
// Cancellation, through sess.RequestCancel or ctx, is honoured at state
// boundaries only: an in-flight planner or actuator call always returns
// first. page is not closed.
func (c *Controller) Run(ctx context.Context, sess *Session, page schemas.Page) (final schemas.SessionState) {
	r := &run{
		c:      c,
		sess:   sess,
		page:   page,
		logger: c.logger.With(zap.String("session_id", sess.ID)),
		stuck:  stuckTracker{threshold: c.opts.StuckThreshold},
	}

	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("Panic recovered in loop controller",
				zap.Any("panic_value", rec),
				zap.Stack("stack"),
			)
			r.finish(schemas.StateFailed, fmt.Errorf("controller panic: %v", rec), "")
		}
		final = sess.State()
	}()

	r.logger.Info("Session starting.", zap.String("goal", sess.Goal))
	for {
		if r.cancelled(ctx) {
			r.finish(schemas.StateCancelled, nil, "")
			return
		}
		if sess.Iterations() >= c.opts.MaxIterations {
			r.finish(schemas.StateFailed, fmt.Errorf("%w (%d iterations)", ErrIterationLimit, c.opts.MaxIterations), "")
			return
		}

		// -- OBSERVING --
		r.transition(schemas.StateObserving)
		obs, err := r.observe(ctx)
		if r.cancelled(ctx) || errors.Is(err, errCancelled) {
			r.finish(schemas.StateCancelled, nil, "")
			return
		}
		if err != nil {
			r.finish(schemas.StateFailed, fmt.Errorf("observing page: %w", err), "")
			return
		}

		// -- PLANNING --
		r.transition(schemas.StatePlanning)
		step, err := r.plan(ctx, obs)
		if r.cancelled(ctx) || errors.Is(err, errCancelled) {
			r.finish(schemas.StateCancelled, nil, "")
			return
		}
		if err != nil {
			r.finish(schemas.StateFailed, fmt.Errorf("planning step: %w", err), "")
			return
		}
		r.publish(schemas.AgentEvent{Type: schemas.EventStepPlanned, Step: &step, Message: step.Describe()})

		if step.Kind == schemas.StepComplete {
			r.complete(obs, step)
			return
		}

		// -- ACTING --
		r.transition(schemas.StateActing)
		outcome := c.executor.Execute(ctx, page, step)
		stuckErr := r.stuck.record(step, outcome)
		r.commitIteration(obs, step, outcome)
		if stuckErr != nil {
			r.finish(schemas.StateFailed, stuckErr, "")
			return
		}
	}
}

func (r *run) cancelled(ctx context.Context) bool {
	return r.sess.CancelRequested() || ctx.Err() != nil
}

// observe captures the page, retrying snapshot errors with exponential backoff.
func (r *run) observe(ctx context.Context) (schemas.Observation, error) {
	var obs schemas.Observation
	attempt := 0
	op := func() error {
		attempt++
		if attempt > 1 && r.sess.CancelRequested() {
			return backoff.Permanent(errCancelled)
		}
		captured, err := r.c.observer.Capture(ctx, r.page)
		if err != nil {
			var snapErr *snapshot.SnapshotError
			if errors.As(err, &snapErr) {
				return err
			}
			return backoff.Permanent(err)
		}
		obs = captured
		return nil
	}
	notify := func(err error, wait time.Duration) {
		r.c.metrics.SnapshotRetried()
		r.logger.Warn("Snapshot failed, retrying.",
			zap.Error(err),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", wait))
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(r.c.newBackoff(), uint64(r.c.opts.SnapshotRetries)), ctx)
	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		if attempt > 1 {
			return obs, fmt.Errorf("giving up after %d attempts: %w", attempt, err)
		}
		return obs, err
	}
	return obs, nil
}

// plan asks for the next step. An unparseable reply earns exactly one
// corrective retry.
func (r *run) plan(ctx context.Context, obs schemas.Observation) (schemas.Step, error) {
	history := r.sess.History()
	r.publish(schemas.AgentEvent{
		Type:    schemas.EventThinking,
		Message: fmt.Sprintf("Planning step %d on %s", len(history)+1, obs.Summary()),
	})

	step, err := r.c.planner.Plan(ctx, r.sess.Goal, history, obs, nil)
	var parseErr *planner.PlanParseError
	if !errors.As(err, &parseErr) {
		return step, err
	}
	if r.cancelled(ctx) {
		return step, errCancelled
	}

	r.logger.Warn("Planner reply unusable, requesting a correction.", zap.String("reason", parseErr.Reason))
	r.publish(schemas.AgentEvent{
		Type:    schemas.EventThinking,
		Message: fmt.Sprintf("Previous reply was unusable (%s), asking again", parseErr.Reason),
	})
	step, err = r.c.planner.Plan(ctx, r.sess.Goal, history, obs, &planner.Correction{
		PreviousReply: parseErr.Raw,
		Reason:        parseErr.Reason,
	})
	if errors.As(err, &parseErr) {
		return step, fmt.Errorf("reply still unusable after correction: %w", err)
	}
	return step, err
}

// transition moves to a non-terminal state and announces it.
func (r *run) transition(to schemas.SessionState) {
	r.sess.mu.Lock()
	defer r.sess.mu.Unlock()
	r.setStateLocked(to)
}

func (r *run) setStateLocked(to schemas.SessionState) {
	from := r.sess.state
	if from == to || from.IsTerminal() {
		return
	}
	r.sess.state = to
	r.logger.Debug("Session state transition", zap.String("from", string(from)), zap.String("to", string(to)))
	r.publishLocked(schemas.AgentEvent{
		Type:    schemas.EventStateChanged,
		Message: fmt.Sprintf("%s -> %s", from, to),
	})
}

func (r *run) publish(ev schemas.AgentEvent) {
	r.sess.mu.Lock()
	defer r.sess.mu.Unlock()
	r.publishLocked(ev)
}

// publishLocked stamps ev with the session's identity. Events published
// while the iteration is in flight carry its upcoming number.
func (r *run) publishLocked(ev schemas.AgentEvent) {
	ev.SessionID = r.sess.ID
	ev.State = r.sess.state
	if ev.Iteration == 0 {
		ev.Iteration = r.sess.iterations
		if !r.sess.state.IsTerminal() {
			ev.Iteration++
		}
	}
	r.c.events.Publish(ev)
}

func (r *run) appendLocked(obs schemas.Observation, step schemas.Step, outcome schemas.ActionOutcome) schemas.HistoryEntry {
	r.sess.iterations++
	entry := schemas.HistoryEntry{
		Iteration:   r.sess.iterations,
		Observation: obs.Summary(),
		Step:        step,
		Outcome:     outcome,
	}
	r.sess.history = append(r.sess.history, entry)
	r.c.metrics.IterationCommitted()
	r.c.metrics.StepExecuted(string(step.Kind), string(outcome.Status))
	return entry
}

// commitIteration records an executed step: the history entry, the
// iteration counter and the step_executed event change together.
func (r *run) commitIteration(obs schemas.Observation, step schemas.Step, outcome schemas.ActionOutcome) {
	r.sess.mu.Lock()
	defer r.sess.mu.Unlock()

	entry := r.appendLocked(obs, step, outcome)
	msg := "success"
	if !outcome.OK() {
		msg = fmt.Sprintf("%s: %s", outcome.ErrorCode, outcome.Reason)
	}
	r.publishLocked(schemas.AgentEvent{
		Type:      schemas.EventStepExecuted,
		Iteration: entry.Iteration,
		Step:      &entry.Step,
		Outcome:   &entry.Outcome,
		Message:   msg,
	})

	fields := []zap.Field{
		zap.Int("iteration", entry.Iteration),
		zap.String("step", step.Describe()),
		zap.String("status", string(outcome.Status)),
		zap.Duration("duration", outcome.Duration),
	}
	if outcome.OK() {
		r.logger.Info("Step executed.", fields...)
	} else {
		r.logger.Warn("Step failed.", append(fields, zap.String("error_code", string(outcome.ErrorCode)), zap.String("reason", outcome.Reason))...)
	}
}

// complete commits the Complete step and closes the session in one unit.
func (r *run) complete(obs schemas.Observation, step schemas.Step) {
	r.sess.mu.Lock()
	defer r.sess.mu.Unlock()
	r.appendLocked(obs, step, schemas.Succeeded(step.Target()))
	r.finishLocked(schemas.StateCompleted, nil, step.Summary)
}

// finish enters a terminal state. Only the first call has any effect.
func (r *run) finish(state schemas.SessionState, cause error, summary string) {
	r.sess.mu.Lock()
	defer r.sess.mu.Unlock()
	r.finishLocked(state, cause, summary)
}

func (r *run) finishLocked(state schemas.SessionState, cause error, summary string) {
	if r.sess.terminated {
		return
	}
	r.setStateLocked(state)
	r.sess.terminated = true
	r.sess.err = cause
	r.sess.summary = summary
	r.sess.finishedAt = time.Now().UTC()

	ev := schemas.AgentEvent{}
	switch state {
	case schemas.StateCompleted:
		ev.Type, ev.Message = schemas.EventCompleted, summary
		r.logger.Info("Session completed.", zap.Int("iterations", r.sess.iterations), zap.String("summary", summary))
	case schemas.StateCancelled:
		ev.Type, ev.Message = schemas.EventCancelled, "cancelled by request"
		r.logger.Info("Session cancelled.", zap.Int("iterations", r.sess.iterations))
	default:
		ev.Type = schemas.EventError
		if cause != nil {
			ev.Message = cause.Error()
		}
		r.logger.Error("Session failed.", zap.Int("iterations", r.sess.iterations), zap.Error(cause))
	}
	r.publishLocked(ev)
}
