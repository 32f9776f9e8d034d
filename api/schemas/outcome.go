package schemas

import "time"

// -- Outcome Schemas --

// OutcomeStatus is the coarse result of executing a step.
type OutcomeStatus string

const (
	OutcomeSuccess OutcomeStatus = "success"
	OutcomeFailure OutcomeStatus = "failure"
)

// ErrorCode is a machine readable failure class carried by failed outcomes.
type ErrorCode string

const (
	ErrCodeElementNotFound  ErrorCode = "ELEMENT_NOT_FOUND"
	ErrCodeTimeout          ErrorCode = "TIMEOUT"
	ErrCodeNavigation       ErrorCode = "NAVIGATION_ERROR"
	ErrCodeInvalidStep      ErrorCode = "INVALID_STEP"
	ErrCodeExecutionFailure ErrorCode = "EXECUTION_FAILURE"
)

// Extraction is the payload of a successful Extract step.
type Extraction struct {
	Label   string `json:"label,omitempty"`
	Content string `json:"content"`
}

// ActionOutcome is what the actuator reports for every step it runs.
type ActionOutcome struct {
	Status    OutcomeStatus `json:"status"`
	ErrorCode ErrorCode     `json:"error_code,omitempty"`
	Reason    string        `json:"reason,omitempty"`
	Target    string        `json:"target,omitempty"`
	Extracted *Extraction   `json:"extracted,omitempty"`
	Duration  time.Duration `json:"duration"`
}

// Succeeded builds a success outcome for the target.
func Succeeded(target string) ActionOutcome {
	return ActionOutcome{Status: OutcomeSuccess, Target: target}
}

// Failed builds a failure outcome.
func Failed(code ErrorCode, target, reason string) ActionOutcome {
	return ActionOutcome{Status: OutcomeFailure, ErrorCode: code, Target: target, Reason: reason}
}

// OK reports whether the outcome is a success.
func (o ActionOutcome) OK() bool { return o.Status == OutcomeSuccess }

// -- History --

// HistoryEntry records one completed iteration.
type HistoryEntry struct {
	Iteration   int           `json:"iteration"`
	Observation string        `json:"observation"` // Observation.Summary at decision time.
	Step        Step          `json:"step"`
	Outcome     ActionOutcome `json:"outcome"`
}

// CloneHistory returns a copy that callers may hold without aliasing the
// session's backing array.
func CloneHistory(h []HistoryEntry) []HistoryEntry {
	if h == nil {
		return nil
	}
	out := make([]HistoryEntry, len(h))
	copy(out, h)
	for i := range out {
		if ex := out[i].Outcome.Extracted; ex != nil {
			cp := *ex
			out[i].Outcome.Extracted = &cp
		}
	}
	return out
}
