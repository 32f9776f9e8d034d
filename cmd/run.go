// File: cmd/run.go
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/browserpilot/api/schemas"
	"github.com/xkilldash9x/browserpilot/internal/agent"
	"github.com/xkilldash9x/browserpilot/internal/config"
	"github.com/xkilldash9x/browserpilot/internal/eventbus"
	"github.com/xkilldash9x/browserpilot/internal/observability"
)

// componentShutdownTimeout bounds teardown after a command finishes.
const componentShutdownTimeout = 30 * time.Second

func newRunCmd() *cobra.Command {
	var (
		headless      bool
		maxIterations int
		browserMode   string
		jsonOutput    bool
		verbose       bool
	)

	runCmd := &cobra.Command{
		Use:   "run <goal>",
		Short: "Runs a single session until the goal is reached, fails or is interrupted",
		Long: `Runs one session and prints its event feed to stdout.

Interrupting with Ctrl+C requests a cooperative cancel: the current planner
or browser call finishes and the session stops at the next state boundary.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()

			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("headless") {
				cfg.SetBrowserHeadless(headless)
			}
			if cmd.Flags().Changed("max-iterations") {
				cfg.SetAgentMaxIterations(maxIterations)
			}
			if cmd.Flags().Changed("browser-mode") {
				cfg.SetBrowserMode(config.BrowserMode(browserMode))
			}

			goal := strings.Join(args, " ")
			printer := &eventPrinter{out: cmd.OutOrStdout(), json: jsonOutput, verbose: verbose}
			return runSession(ctx, cfg, logger, goal, printer)
		},
	}

	runCmd.Flags().BoolVar(&headless, "headless", false, "Run a launched browser without a window")
	runCmd.Flags().IntVar(&maxIterations, "max-iterations", 0, "Override agent.max_iterations")
	runCmd.Flags().StringVar(&browserMode, "browser-mode", "", "Browser acquisition: auto, attach or launch")
	runCmd.Flags().BoolVar(&jsonOutput, "json", false, "Print events as JSON lines")
	runCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Also print state transitions")
	return runCmd
}

// runSession starts goal and streams its events until it terminates. A
// cancelled ctx is turned into a cooperative cancel of the session.
func runSession(ctx context.Context, cfg config.Interface, logger *zap.Logger, goal string, printer *eventPrinter) error {
	// Components outlive ctx so a cancelled session can still wind down.
	components, err := componentFactory.Create(context.WithoutCancel(ctx), cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize components: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), componentShutdownTimeout)
		defer cancel()
		if err := components.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Component shutdown reported errors.", zap.Error(err))
		}
	}()

	// Subscribe before starting so no event is missed.
	sub := components.Bus.Subscribe(eventbus.Filter{})
	defer sub.Close()

	id, err := components.Manager.Start(ctx, goal)
	if err != nil {
		return fmt.Errorf("failed to start session: %w", err)
	}
	logger.Info("Session running.", zap.String("session_id", id), zap.String("goal", goal))

	// The feed may drop the terminal event under load, so the session's own
	// completion is watched as well.
	finished := make(chan sessionOutcome, 1)
	go func() {
		info, err := components.Manager.Wait(context.WithoutCancel(ctx), id)
		finished <- sessionOutcome{info: info, err: err}
	}()

	interrupted := ctx.Done()
	events := sub.Events()
	for {
		select {
		case <-interrupted:
			interrupted = nil
			logger.Info("Interrupt received, cancelling session.", zap.String("session_id", id))
			if err := components.Manager.Cancel(id); err != nil {
				logger.Warn("Failed to cancel session.", zap.Error(err))
			}
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if ev.SessionID != id {
				continue
			}
			printer.print(ev)
		case out := <-finished:
			// Print whatever the feed still holds for this session.
			drainSession(sub, id, printer)
			return sessionResult(out.info, out.err)
		}
	}
}

type sessionOutcome struct {
	info agent.SessionInfo
	err  error
}

// drainSession prints buffered events for id without blocking.
func drainSession(sub *eventbus.Subscription, id string, printer *eventPrinter) {
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			if ev.SessionID == id {
				printer.print(ev)
			}
		default:
			return
		}
	}
}

// ErrSessionFailed is returned by run when the session ends FAILED.
var ErrSessionFailed = errors.New("session failed")

func sessionResult(info agent.SessionInfo, err error) error {
	if err != nil {
		return fmt.Errorf("failed to read session result: %w", err)
	}
	switch info.State {
	case schemas.StateFailed:
		return fmt.Errorf("%w: %s", ErrSessionFailed, info.Error)
	case schemas.StateCancelled:
		return context.Canceled
	}
	return nil
}

// eventPrinter renders the event feed for a terminal.
type eventPrinter struct {
	out     io.Writer
	json    bool
	verbose bool
}

func (p *eventPrinter) print(ev schemas.AgentEvent) {
	if p.json {
		line, err := jsoniter.ConfigCompatibleWithStandardLibrary.Marshal(ev)
		if err == nil {
			fmt.Fprintln(p.out, string(line))
		}
		return
	}
	if ev.Type == schemas.EventStateChanged && !p.verbose {
		return
	}
	fmt.Fprintf(p.out, "[%s] #%-3d %-13s %s\n", ev.Timestamp.Local().Format("15:04:05"), ev.Iteration, ev.Type, eventDetail(ev))
}

func eventDetail(ev schemas.AgentEvent) string {
	switch ev.Type {
	case schemas.EventStateChanged:
		return string(ev.State)
	case schemas.EventStepPlanned:
		if ev.Step != nil {
			detail := ev.Step.Describe()
			if ev.Step.Thought != "" {
				detail += " (" + ev.Step.Thought + ")"
			}
			return detail
		}
	case schemas.EventStepExecuted:
		if ev.Outcome != nil && ev.Outcome.Extracted != nil {
			return ev.Message + ": " + ev.Outcome.Extracted.Content
		}
	}
	return ev.Message
}
