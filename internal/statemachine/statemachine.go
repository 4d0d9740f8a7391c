package statemachine

import (
	"fmt"
	"time"

	"vetline/internal/domain"
)

// transitionKey identifies one cell of the fixed transition table.
type transitionKey struct {
	State domain.RunState
	Event domain.RunEvent
}

// transitions is the only source of legal (state,event) pairs. Entries
// mapping a pair back to the same state absorb replayed completion
// signals as no-ops.
var transitions = map[transitionKey]domain.RunState{
	{domain.StateCreated, domain.EventStart}: domain.StateParsing,

	{domain.StateParsing, domain.EventStart}:         domain.StateParsing,
	{domain.StateParsing, domain.EventParseComplete}: domain.StateAwaitingApproval,

	{domain.StateAwaitingApproval, domain.EventParseComplete}: domain.StateAwaitingApproval,
	{domain.StateAwaitingApproval, domain.EventApproved}:      domain.StateExecuting,
	{domain.StateAwaitingApproval, domain.EventRejected}:      domain.StateFailed,

	{domain.StateExecuting, domain.EventApproved}:          domain.StateExecuting,
	{domain.StateExecuting, domain.EventExecutionComplete}: domain.StateCodexReviewing,

	{domain.StateCodexReviewing, domain.EventExecutionComplete}: domain.StateCodexReviewing,
	{domain.StateCodexReviewing, domain.EventReviewComplete}:    domain.StateCrossValidating,

	{domain.StateCrossValidating, domain.EventReviewComplete}:     domain.StateCrossValidating,
	{domain.StateCrossValidating, domain.EventValidationComplete}: domain.StateReportReady,

	{domain.StateReportReady, domain.EventValidationComplete}: domain.StateReportReady,
	{domain.StateReportReady, domain.EventConfirmed}:          domain.StateCompleted,
	{domain.StateReportReady, domain.EventRetest}:             domain.StateExecuting,

	{domain.StateCreated, domain.EventTimeout}:          domain.StateFailed,
	{domain.StateParsing, domain.EventTimeout}:          domain.StateFailed,
	{domain.StateAwaitingApproval, domain.EventTimeout}: domain.StateFailed,
	{domain.StateExecuting, domain.EventTimeout}:        domain.StateFailed,
	{domain.StateCodexReviewing, domain.EventTimeout}:   domain.StateFailed,
	{domain.StateCrossValidating, domain.EventTimeout}:  domain.StateFailed,
	{domain.StateReportReady, domain.EventTimeout}:      domain.StateFailed,

	{domain.StateCreated, domain.EventError}:          domain.StateFailed,
	{domain.StateParsing, domain.EventError}:          domain.StateFailed,
	{domain.StateAwaitingApproval, domain.EventError}: domain.StateFailed,
	{domain.StateExecuting, domain.EventError}:        domain.StateFailed,
	{domain.StateCodexReviewing, domain.EventError}:   domain.StateFailed,
	{domain.StateCrossValidating, domain.EventError}:  domain.StateFailed,
	{domain.StateReportReady, domain.EventError}:      domain.StateFailed,
}

// stagePrefix maps the state being exited to the base of its failure
// reason codes.
var stagePrefix = map[domain.RunState]string{
	domain.StateCreated:          "startup",
	domain.StateParsing:          "parse",
	domain.StateAwaitingApproval: "approval",
	domain.StateExecuting:        "execution",
	domain.StateCodexReviewing:   "review",
	domain.StateCrossValidating:  "validation",
	domain.StateReportReady:      "confirmation",
}

// timeoutReason is the fixed reason code for a TIMEOUT that exits the
// given state.
var timeoutReason = map[domain.RunState]string{
	domain.StateCreated:          "startup_timeout",
	domain.StateParsing:          "parse_timeout",
	domain.StateAwaitingApproval: "approval_timeout",
	domain.StateExecuting:        "execution_timeout",
	domain.StateCodexReviewing:   "review_timeout",
	domain.StateCrossValidating:  "validation_timeout",
	domain.StateReportReady:      "confirmation_timeout",
}

// TransitionError reports an illegal (state,event) pair. It never
// accompanies a mutation.
type TransitionError struct {
	RunID string
	State domain.RunState
	Event domain.RunEvent
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("illegal transition: event %s in state %s (run %s)", e.Event, e.State, e.RunID)
}

// Request carries one lifecycle event against a run's current state.
// ShardID distinguishes deliveries from parallel execution shards; it
// is part of the duplicate-suppression key and may be empty for
// unsharded drivers.
type Request struct {
	RunID     string
	ShardID   string
	State     domain.RunState
	Event     domain.RunEvent
	Reason    string
	ErrorType string // recovery category, only meaningful with EventError
	Metadata  map[string]any
}

// Result is the outcome of applying a Request.
type Result struct {
	Success    bool
	NewState   domain.RunState
	ReasonCode string
	IsNoOp     bool
	LogEntry   *domain.DecisionLogEntry
	Err        error
}

type appliedKey struct {
	RunID     string
	ShardID   string
	Event     domain.RunEvent
	FromState domain.RunState
}

// Machine applies lifecycle events through the fixed transition table
// and suppresses duplicate delivery of already-applied events. One
// Machine is owned by one orchestrating caller; it is not shared
// process-wide, and a fresh Machine degrades duplicate suppression to
// the table's no-op entries.
type Machine struct {
	Now     func() time.Time
	applied map[appliedKey]Result
}

// New returns a Machine with an empty idempotency-key set.
func New() *Machine {
	return &Machine{Now: time.Now, applied: make(map[appliedKey]Result)}
}

func (m *Machine) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

// Transition resolves req against the transition table.
//
// An absent (state,event) pair fails without side effects. A pair that
// maps back to the current state is a successful no-op with no log
// entry. A repeat of an already-applied (run,shard,event,fromState)
// tuple short-circuits to the recorded result so at-least-once delivery
// has exactly-once effect.
func (m *Machine) Transition(req Request) Result {
	key := appliedKey{RunID: req.RunID, ShardID: req.ShardID, Event: req.Event, FromState: req.State}
	if prev, ok := m.applied[key]; ok {
		prev.IsNoOp = true
		prev.LogEntry = nil
		return prev
	}

	next, ok := transitions[transitionKey{State: req.State, Event: req.Event}]
	if !ok {
		return Result{Err: &TransitionError{RunID: req.RunID, State: req.State, Event: req.Event}}
	}
	if next == req.State {
		return Result{Success: true, NewState: next, IsNoOp: true}
	}

	res := Result{Success: true, NewState: next}
	if next == domain.StateFailed {
		res.ReasonCode = FailureReason(req.State, req.Event, req.ErrorType)
	}
	entry := domain.DecisionLogEntry{
		TS:        m.now().UTC().Format(time.RFC3339),
		FromState: req.State,
		ToState:   next,
		Event:     req.Event,
		Reason:    req.Reason,
		Metadata:  req.Metadata,
	}
	if entry.Reason == "" && res.ReasonCode != "" {
		entry.Reason = res.ReasonCode
	}
	res.LogEntry = &entry
	if req.Event == domain.EventRetest {
		// A retest starts a new execution cycle. The completion events
		// of that cycle must apply again, so the run's recorded keys
		// are discarded before the retest itself is recorded.
		m.forget(req.RunID)
	}
	m.applied[key] = res
	return res
}

func (m *Machine) forget(runID string) {
	for k := range m.applied {
		if k.RunID == runID {
			delete(m.applied, k)
		}
	}
}

// FailureReason computes the reason code for a transition into failed.
func FailureReason(from domain.RunState, event domain.RunEvent, errorType string) string {
	switch event {
	case domain.EventTimeout:
		return timeoutReason[from]
	case domain.EventRejected:
		return "rejected_by_reviewer"
	case domain.EventError:
		prefix := stagePrefix[from]
		if prefix == "" {
			prefix = "run"
		}
		if errorType == "" {
			return prefix + "_error"
		}
		return fmt.Sprintf("%s_%s_error", prefix, errorType)
	}
	return ""
}

// Legal reports whether the table has an entry for (state,event).
func Legal(state domain.RunState, event domain.RunEvent) bool {
	_, ok := transitions[transitionKey{State: state, Event: event}]
	return ok
}
