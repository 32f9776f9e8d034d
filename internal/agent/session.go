// internal/agent/session.go
package agent

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/xkilldash9x/browserpilot/api/schemas"
)

// Session is the state of one goal being worked on. Only the controller
// running it mutates it; everything exported here is a read.
type Session struct {
	ID        string
	Goal      string
	CreatedAt time.Time

	mu         sync.RWMutex
	state      schemas.SessionState
	history    []schemas.HistoryEntry
	iterations int
	summary    string
	err        error
	finishedAt time.Time
	terminated bool

	cancelRequested atomic.Bool
	done            chan struct{}
	doneOnce        sync.Once
}

// NewSession creates an IDLE session for goal.
func NewSession(id, goal string) *Session {
	return &Session{
		ID:        id,
		Goal:      goal,
		CreatedAt: time.Now().UTC(),
		state:     schemas.StateIdle,
		done:      make(chan struct{}),
	}
}

// State returns the current FSM state.
func (s *Session) State() schemas.SessionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// History returns a copy of the history, oldest first.
func (s *Session) History() []schemas.HistoryEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return schemas.CloneHistory(s.history)
}

// Iterations returns how many iterations have been committed.
func (s *Session) Iterations() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.iterations
}

// Err returns the failure cause of a FAILED session.
func (s *Session) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.err
}

// RequestCancel asks the controller to stop at the next state boundary.
func (s *Session) RequestCancel() { s.cancelRequested.Store(true) }

// CancelRequested reports whether RequestCancel was called.
func (s *Session) CancelRequested() bool { return s.cancelRequested.Load() }

// Done is closed once the session reached a terminal state and its
// resources were released.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) markDone() { s.doneOnce.Do(func() { close(s.done) }) }

// SessionInfo is a point-in-time view of a session.
type SessionInfo struct {
	ID         string                `json:"id"`
	Goal       string                `json:"goal"`
	State      schemas.SessionState  `json:"state"`
	Status     schemas.SessionStatus `json:"status"`
	Iterations int                   `json:"iterations"`
	LastStep   string                `json:"last_step,omitempty"`
	Summary    string                `json:"summary,omitempty"`
	Error      string                `json:"error,omitempty"`
	CreatedAt  time.Time             `json:"created_at"`
	FinishedAt *time.Time            `json:"finished_at,omitempty"`
}

// Info snapshots the session.
func (s *Session) Info() SessionInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	info := SessionInfo{
		ID:         s.ID,
		Goal:       s.Goal,
		State:      s.state,
		Status:     s.state.Status(),
		Iterations: s.iterations,
		Summary:    s.summary,
		CreatedAt:  s.CreatedAt,
	}
	if n := len(s.history); n > 0 {
		info.LastStep = s.history[n-1].Step.Describe()
	}
	if s.err != nil {
		info.Error = s.err.Error()
	}
	if !s.finishedAt.IsZero() {
		t := s.finishedAt
		info.FinishedAt = &t
	}
	return info
}
