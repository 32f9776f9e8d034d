// internal/agent/errors.go
package agent

import (
	"errors"
	"fmt"

	"github.com/xkilldash9x/browserpilot/api/schemas"
)

var (
	// ErrIterationLimit fails a session that used up its iteration budget
	// without completing.
	ErrIterationLimit = errors.New("iteration limit reached before the goal was completed")
	// ErrSessionNotFound is returned for ids that are neither running nor retained.
	ErrSessionNotFound = errors.New("session not found")
	// ErrTooManySessions is returned by Start when every session slot is taken.
	ErrTooManySessions = errors.New("too many concurrent sessions")
	// ErrEmptyGoal rejects a Start without a goal.
	ErrEmptyGoal = errors.New("goal must not be empty")
	// ErrManagerClosed is returned by Start after Shutdown.
	ErrManagerClosed = errors.New("session manager is shut down")

	errCancelled = errors.New("session cancelled")
)

// StuckLoopError reports the same step failing against the same target too
// many consecutive times.
type StuckLoopError struct {
	Kind       schemas.StepKind
	Target     string
	Attempts   int
	LastCode   schemas.ErrorCode
	LastReason string
}

func (e *StuckLoopError) Error() string {
	return fmt.Sprintf("stuck loop: %s against %q failed %d consecutive times (last: %s %s)",
		e.Kind, e.Target, e.Attempts, e.LastCode, e.LastReason)
}

// stuckTracker counts consecutive identical failures.
type stuckTracker struct {
	threshold int
	kind      schemas.StepKind
	target    string
	count     int
}

// record folds one outcome in and returns a *StuckLoopError once the
// threshold is reached. Any success, or a failure of a different step,
// restarts the count.
func (t *stuckTracker) record(step schemas.Step, outcome schemas.ActionOutcome) error {
	if outcome.OK() {
		t.count = 0
		return nil
	}
	target := step.Target()
	if t.count > 0 && t.kind == step.Kind && t.target == target {
		t.count++
	} else {
		t.kind, t.target, t.count = step.Kind, target, 1
	}
	if t.count >= t.threshold {
		return &StuckLoopError{
			Kind:       step.Kind,
			Target:     target,
			Attempts:   t.count,
			LastCode:   outcome.ErrorCode,
			LastReason: outcome.Reason,
		}
	}
	return nil
}
