package schemas

import "time"

// -- Session State --

// SessionState is the loop controller's state machine position.
type SessionState string

const (
	StateIdle      SessionState = "IDLE"
	StateObserving SessionState = "OBSERVING"
	StatePlanning  SessionState = "PLANNING"
	StateActing    SessionState = "ACTING"
	StateCompleted SessionState = "COMPLETED"
	StateFailed    SessionState = "FAILED"
	StateCancelled SessionState = "CANCELLED"
)

// IsTerminal reports whether no further transitions can occur.
func (s SessionState) IsTerminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	}
	return false
}

// SessionStatus is the externally visible summary of a session's state.
type SessionStatus string

const (
	StatusRunning   SessionStatus = "running"
	StatusCompleted SessionStatus = "completed"
	StatusFailed    SessionStatus = "failed"
	StatusCancelled SessionStatus = "cancelled"
)

// Status maps a state onto its status.
func (s SessionState) Status() SessionStatus {
	switch s {
	case StateCompleted:
		return StatusCompleted
	case StateFailed:
		return StatusFailed
	case StateCancelled:
		return StatusCancelled
	default:
		return StatusRunning
	}
}

// -- Event Schemas --

// EventType identifies the kind of progress event.
type EventType string

const (
	EventThinking     EventType = "thinking"
	EventStepPlanned  EventType = "step_planned"
	EventStepExecuted EventType = "step_executed"
	EventError        EventType = "error"
	EventCompleted    EventType = "completed"
	EventCancelled    EventType = "cancelled"
	EventStateChanged EventType = "state_changed"
)

// IsTerminal reports whether this event type closes a session's stream.
func (t EventType) IsTerminal() bool {
	switch t {
	case EventCompleted, EventError, EventCancelled:
		return true
	}
	return false
}

// AgentEvent is published on the event bus for every observable step of a session.
type AgentEvent struct {
	ID        string         `json:"id"`
	Seq       uint64         `json:"seq"` // Assigned by the bus, monotonically increasing.
	SessionID string         `json:"session_id"`
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	State     SessionState   `json:"state,omitempty"`
	Iteration int            `json:"iteration"`
	Step      *Step          `json:"step,omitempty"`
	Outcome   *ActionOutcome `json:"outcome,omitempty"`
	Message   string         `json:"message,omitempty"`
}
