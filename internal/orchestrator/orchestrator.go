package orchestrator

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"vetline/internal/arbiter"
	"vetline/internal/config"
	"vetline/internal/db"
	"vetline/internal/domain"
	"vetline/internal/events"
	"vetline/internal/quality"
	"vetline/internal/recovery"
	"vetline/internal/repo"
	"vetline/internal/statemachine"
)

// ValidationError reports malformed caller input. The API layer maps it
// to a 400 response.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

// NotificationType names one outbound notification kind.
type NotificationType string

const (
	NotifyStateTransition      NotificationType = "state_transition"
	NotifyApprovalRequired     NotificationType = "approval_required"
	NotifyConfirmationRequired NotificationType = "confirmation_required"
	NotifyStepStarted          NotificationType = "step_started"
	NotifyStepFailed           NotificationType = "step_failed"
	NotifyPipelineCompleted    NotificationType = "pipeline:completed"
	NotifyPipelineError        NotificationType = "pipeline:error"
)

// Notification is one typed outbound message about a run. Notifications
// are emitted after the transaction that caused them commits; they are
// advisory and carry no state of record.
type Notification struct {
	Type  NotificationType
	RunID string
	Data  map[string]any
}

// Orchestrator drives run lifecycles: it loads runs, resolves events
// through the state machine, persists transitions atomically with their
// decision log entries, and applies human gate decisions and SLA
// timeouts. Each Orchestrator owns its own Machine and recovery
// Manager; nothing here is process-global.
type Orchestrator struct {
	DB        *sql.DB
	Repo      repo.Repo
	Events    events.Writer
	Machine   *statemachine.Machine
	Recovery  *recovery.Manager
	Config    *config.Config
	Workspace string
	Now       func() time.Time

	notifications chan Notification
}

// New wires an Orchestrator over an open database. The retry policy is
// taken from cfg.
func New(sqlDB *sql.DB, cfg *config.Config, workspace string) *Orchestrator {
	mgr := recovery.NewManager()
	if cfg != nil {
		mgr.Policy = recovery.Policy{
			MaxAttempts: cfg.Retry.MaxAttempts,
			BaseDelay:   time.Duration(cfg.Retry.BaseDelayMS) * time.Millisecond,
			Multiplier:  float64(cfg.Retry.Multiplier),
			MaxDelay:    time.Duration(cfg.Retry.MaxDelayMS) * time.Millisecond,
		}
	}
	return &Orchestrator{
		DB:            sqlDB,
		Repo:          repo.Repo{DB: sqlDB},
		Events:        events.Writer{DB: sqlDB},
		Machine:       statemachine.New(),
		Recovery:      mgr,
		Config:        cfg,
		Workspace:     workspace,
		Now:           time.Now,
		notifications: make(chan Notification, 64),
	}
}

func (o *Orchestrator) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now()
}

// Notifications exposes the outbound notification stream.
func (o *Orchestrator) Notifications() <-chan Notification {
	return o.notifications
}

// notify never blocks; a full channel drops the notification rather
// than stalling a transition.
func (o *Orchestrator) notify(n Notification) {
	if o.notifications == nil {
		return
	}
	select {
	case o.notifications <- n:
	default:
	}
}

// RunCreateOptions are parameters for creating a run.
type RunCreateOptions struct {
	ProjectID      string
	PRDPath        string
	TestedRoutes   []string
	EnvFingerprint map[string]string
	AgentVersions  map[string]string
	PromptVersions map[string]string
	ActorID        string
}

// CreateRun registers a new run in state created, with its workspace
// directory and an initial decision log entry.
func (o *Orchestrator) CreateRun(ctx context.Context, opts RunCreateOptions) (domain.Run, error) {
	if opts.ProjectID == "" {
		return domain.Run{}, &ValidationError{Msg: "project_id is required"}
	}
	if _, err := o.Repo.GetProject(ctx, opts.ProjectID); err != nil {
		return domain.Run{}, err
	}

	id := uuid.NewString()
	workspace, err := db.RunWorkspace(o.Workspace, id)
	if err != nil {
		return domain.Run{}, fmt.Errorf("create run workspace: %w", err)
	}
	now := o.now().UTC().Format(time.RFC3339)

	agents := opts.AgentVersions
	if agents == nil {
		agents = map[string]string{}
	}
	if o.Config != nil {
		if _, ok := agents[o.Config.Agents.Executor]; !ok && o.Config.Agents.Executor != "" {
			agents[o.Config.Agents.Executor] = "unknown"
		}
		if _, ok := agents[o.Config.Agents.Reviewer]; !ok && o.Config.Agents.Reviewer != "" {
			agents[o.Config.Agents.Reviewer] = "unknown"
		}
	}
	prompts := opts.PromptVersions
	if prompts == nil {
		prompts = map[string]string{}
	}

	initial := domain.DecisionLogEntry{
		TS:        now,
		FromState: domain.StateCreated,
		ToState:   domain.StateCreated,
		Event:     domain.EventCreated,
		Reason:    "run created",
	}
	run := domain.Run{
		ID:             id,
		ProjectID:      opts.ProjectID,
		State:          domain.StateCreated,
		PRDPath:        opts.PRDPath,
		TestedRoutes:   opts.TestedRoutes,
		WorkspacePath:  workspace,
		EnvFingerprint: opts.EnvFingerprint,
		AgentVersions:  agents,
		PromptVersions: prompts,
		DecisionLog:    []domain.DecisionLogEntry{initial},
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	tx, err := o.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Run{}, err
	}
	defer tx.Rollback()

	if err := o.Repo.InsertRun(ctx, tx, run); err != nil {
		return domain.Run{}, fmt.Errorf("insert run: %w", err)
	}
	if err := o.Repo.AppendDecisionLog(ctx, tx, run.ID, initial); err != nil {
		return domain.Run{}, fmt.Errorf("append decision log: %w", err)
	}
	if err := o.Events.Append(ctx, tx, "run.create", run.ProjectID, "run", run.ID, opts.ActorID, events.EventPayload{
		"state": string(run.State),
	}); err != nil {
		return domain.Run{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Run{}, err
	}
	return run, nil
}

// TransitionOptions carry one lifecycle event for a run.
type TransitionOptions struct {
	Event     domain.RunEvent
	ShardID   string
	Reason    string
	ErrorType string
	Metadata  map[string]any
	ActorID   string
}

// Transition applies one lifecycle event to a run. Illegal events fail
// without mutation; no-ops return the run unchanged; real transitions
// persist the new state, its decision log entry, and an audit event in
// one transaction, then emit notifications.
func (o *Orchestrator) Transition(ctx context.Context, runID string, opts TransitionOptions) (domain.Run, error) {
	run, err := o.Repo.GetRun(ctx, runID)
	if err != nil {
		return domain.Run{}, err
	}

	res := o.Machine.Transition(statemachine.Request{
		RunID:     run.ID,
		ShardID:   opts.ShardID,
		State:     run.State,
		Event:     opts.Event,
		Reason:    opts.Reason,
		ErrorType: opts.ErrorType,
		Metadata:  opts.Metadata,
	})
	if res.Err != nil {
		return domain.Run{}, res.Err
	}
	if res.IsNoOp || res.LogEntry == nil {
		return run, nil
	}

	now := o.now().UTC().Format(time.RFC3339)
	update := repo.RunUpdate{
		State:     res.NewState,
		UpdatedAt: now,
	}
	if res.ReasonCode != "" {
		rc := res.ReasonCode
		update.ReasonCode = &rc
	}
	if res.NewState.IsTerminal() {
		update.CompletedAt = &now
	}

	tx, err := o.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Run{}, err
	}
	defer tx.Rollback()

	if err := o.Repo.UpdateRun(ctx, tx, run.ID, update); err != nil {
		return domain.Run{}, fmt.Errorf("update run: %w", err)
	}
	if err := o.Repo.AppendDecisionLog(ctx, tx, run.ID, *res.LogEntry); err != nil {
		return domain.Run{}, fmt.Errorf("append decision log: %w", err)
	}
	payload := events.EventPayload{
		"event":      string(opts.Event),
		"from_state": string(run.State),
		"to_state":   string(res.NewState),
	}
	if res.ReasonCode != "" {
		payload["reason_code"] = res.ReasonCode
	}
	if err := o.Events.Append(ctx, tx, "run.transition", run.ProjectID, "run", run.ID, opts.ActorID, payload); err != nil {
		return domain.Run{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Run{}, err
	}

	run.State = res.NewState
	if update.ReasonCode != nil {
		run.ReasonCode = update.ReasonCode
	}
	if update.CompletedAt != nil {
		run.CompletedAt = update.CompletedAt
	}
	run.UpdatedAt = now
	run.DecisionLog = append(run.DecisionLog, *res.LogEntry)

	o.emitTransitionNotifications(run, opts.Event)
	return run, nil
}

func (o *Orchestrator) emitTransitionNotifications(run domain.Run, event domain.RunEvent) {
	data := map[string]any{"state": string(run.State), "event": string(event)}
	if run.ReasonCode != nil {
		data["reason_code"] = *run.ReasonCode
	}
	o.notify(Notification{Type: NotifyStateTransition, RunID: run.ID, Data: data})
	switch run.State {
	case domain.StateParsing, domain.StateExecuting, domain.StateCodexReviewing, domain.StateCrossValidating:
		step := map[string]any{"step": string(run.State), "event": string(event)}
		o.notify(Notification{Type: NotifyStepStarted, RunID: run.ID, Data: step})
	case domain.StateAwaitingApproval:
		o.notify(Notification{Type: NotifyApprovalRequired, RunID: run.ID, Data: data})
	case domain.StateReportReady:
		o.notify(Notification{Type: NotifyConfirmationRequired, RunID: run.ID, Data: data})
	case domain.StateCompleted:
		o.notify(Notification{Type: NotifyPipelineCompleted, RunID: run.ID, Data: data})
	case domain.StateFailed:
		o.notify(Notification{Type: NotifyPipelineError, RunID: run.ID, Data: data})
	}
}

// HandleApproval applies a human approval decision. It is only legal
// while the run awaits approval.
func (o *Orchestrator) HandleApproval(ctx context.Context, runID string, decision domain.ApprovalDecision) (domain.Run, error) {
	if decision.ReviewerID == "" {
		return domain.Run{}, &ValidationError{Msg: "reviewer_id is required"}
	}
	run, err := o.Repo.GetRun(ctx, runID)
	if err != nil {
		return domain.Run{}, err
	}
	if run.State != domain.StateAwaitingApproval {
		return domain.Run{}, &statemachine.TransitionError{RunID: runID, State: run.State, Event: domain.EventApproved}
	}
	event := domain.EventApproved
	if !decision.Approved {
		event = domain.EventRejected
	}
	meta := map[string]any{"reviewer_id": decision.ReviewerID}
	if decision.Comments != "" {
		meta["comments"] = decision.Comments
	}
	return o.Transition(ctx, runID, TransitionOptions{
		Event:    event,
		Metadata: meta,
		ActorID:  decision.ReviewerID,
	})
}

// HandleConfirmation applies a human report confirmation. Exactly one
// of Confirmed or Retest must be set, and the run must have its report
// ready.
func (o *Orchestrator) HandleConfirmation(ctx context.Context, runID string, decision domain.ConfirmationDecision) (domain.Run, error) {
	if decision.ReviewerID == "" {
		return domain.Run{}, &ValidationError{Msg: "reviewer_id is required"}
	}
	if decision.Confirmed == decision.Retest {
		return domain.Run{}, &ValidationError{Msg: "exactly one of confirmed or retest must be set"}
	}
	run, err := o.Repo.GetRun(ctx, runID)
	if err != nil {
		return domain.Run{}, err
	}
	if run.State != domain.StateReportReady {
		return domain.Run{}, &statemachine.TransitionError{RunID: runID, State: run.State, Event: domain.EventConfirmed}
	}
	event := domain.EventConfirmed
	if decision.Retest {
		event = domain.EventRetest
	}
	meta := map[string]any{"reviewer_id": decision.ReviewerID}
	if decision.Comments != "" {
		meta["comments"] = decision.Comments
	}
	return o.Transition(ctx, runID, TransitionOptions{
		Event:    event,
		Metadata: meta,
		ActorID:  decision.ReviewerID,
	})
}

// gateTimeout checks whether a run has been sitting at a gate state
// past its SLA and, if so, fails it with a TIMEOUT transition. The
// decision is derived purely from persisted decision log timestamps so
// it survives restarts and is insensitive to polling cadence.
func (o *Orchestrator) gateTimeout(ctx context.Context, runID string, gate domain.RunState, sla time.Duration, actorID string) (bool, domain.Run, error) {
	run, err := o.Repo.GetRun(ctx, runID)
	if err != nil {
		return false, domain.Run{}, err
	}
	if run.State != gate {
		return false, run, nil
	}
	entry, err := o.Repo.LatestEntryInto(ctx, runID, gate)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return false, run, nil
		}
		return false, domain.Run{}, err
	}
	entered, err := time.Parse(time.RFC3339, entry.TS)
	if err != nil {
		return false, domain.Run{}, fmt.Errorf("parse decision log timestamp %q: %w", entry.TS, err)
	}
	if o.now().UTC().Sub(entered) < sla {
		return false, run, nil
	}
	updated, err := o.Transition(ctx, runID, TransitionOptions{
		Event:   domain.EventTimeout,
		ActorID: actorID,
		Metadata: map[string]any{
			"gate_entered_at": entry.TS,
			"sla_hours":       sla.Hours(),
		},
	})
	if err != nil {
		return false, domain.Run{}, err
	}
	return true, updated, nil
}

// CheckApprovalTimeout fails the run with approval_timeout if it has
// awaited approval past the configured SLA. Returns whether it fired.
func (o *Orchestrator) CheckApprovalTimeout(ctx context.Context, runID, actorID string) (bool, domain.Run, error) {
	return o.gateTimeout(ctx, runID, domain.StateAwaitingApproval, o.Config.ApprovalSLA(), actorID)
}

// CheckConfirmationTimeout fails the run with confirmation_timeout if
// its report has sat unconfirmed past the configured SLA.
func (o *Orchestrator) CheckConfirmationTimeout(ctx context.Context, runID, actorID string) (bool, domain.Run, error) {
	return o.gateTimeout(ctx, runID, domain.StateReportReady, o.Config.ConfirmationSLA(), actorID)
}

// CheckTimeouts sweeps every run sitting at a human gate and fires the
// expired ones. It returns the IDs of runs that timed out.
func (o *Orchestrator) CheckTimeouts(ctx context.Context, actorID string) ([]string, error) {
	var fired []string
	gates := []struct {
		state domain.RunState
		check func(context.Context, string, string) (bool, domain.Run, error)
	}{
		{domain.StateAwaitingApproval, o.CheckApprovalTimeout},
		{domain.StateReportReady, o.CheckConfirmationTimeout},
	}
	for _, gate := range gates {
		ids, err := o.Repo.ListRunsInState(ctx, gate.state)
		if err != nil {
			return fired, err
		}
		for _, id := range ids {
			hit, _, err := gate.check(ctx, id, actorID)
			if err != nil {
				return fired, err
			}
			if hit {
				fired = append(fired, id)
			}
		}
	}
	return fired, nil
}

// ValidationInput is the material for cross-validation of a run:
// everything the upstream generation and review collaborators produced.
type ValidationInput struct {
	Requirements []domain.Requirement
	TestCases    []domain.TestCase
	Assertions   []domain.Assertion
	Reviews      []domain.AssertionReview
	ReportPath   string
	ActorID      string
}

// ValidationOutcome is the result of finalizing cross-validation.
type ValidationOutcome struct {
	Run         domain.Run
	Gate        quality.GateResult
	Arbitration arbiter.Summary
	Defects     []domain.Defect
}

// FinalizeValidation arbitrates all assertion verdicts, evaluates the
// quality gate, aggregates defects, and transitions the run out of
// cross_validating: VALIDATION_COMPLETE when the gate passes, ERROR
// with reason quality_gate_failed when it does not. Metrics and defects
// are persisted either way.
func (o *Orchestrator) FinalizeValidation(ctx context.Context, runID string, input ValidationInput) (ValidationOutcome, error) {
	run, err := o.Repo.GetRun(ctx, runID)
	if err != nil {
		return ValidationOutcome{}, err
	}
	if run.State != domain.StateCrossValidating {
		return ValidationOutcome{}, &statemachine.TransitionError{RunID: runID, State: run.State, Event: domain.EventValidationComplete}
	}

	arbitrated, results := arbiter.ArbitrateAll(input.Assertions, input.Reviews)
	summary := arbiter.Summarize(results)
	gate := quality.Evaluate(input.Requirements, input.TestCases, arbitrated)
	defects := quality.SortDefectsBySeverity(
		quality.AggregateDefects(arbitrated, input.TestCases, input.Requirements))

	now := o.now().UTC().Format(time.RFC3339)
	tx, err := o.DB.BeginTx(ctx, nil)
	if err != nil {
		return ValidationOutcome{}, err
	}
	defer tx.Rollback()

	metricsUpdate := repo.RunUpdate{
		State:          run.State,
		UpdatedAt:      now,
		QualityMetrics: gate.MetricsMap(),
	}
	if input.ReportPath != "" {
		rp := input.ReportPath
		metricsUpdate.ReportPath = &rp
	}
	if err := o.Repo.UpdateRun(ctx, tx, run.ID, metricsUpdate); err != nil {
		return ValidationOutcome{}, fmt.Errorf("persist quality metrics: %w", err)
	}
	if err := o.Repo.ReplaceDefects(ctx, tx, run.ID, now, defects); err != nil {
		return ValidationOutcome{}, fmt.Errorf("persist defects: %w", err)
	}
	if err := o.Events.Append(ctx, tx, "run.validated", run.ProjectID, "run", run.ID, input.ActorID, events.EventPayload{
		"gate":           string(gate.Status),
		"rc":             gate.RC.Value,
		"apr":            gate.APR.Value,
		"flakiness":      gate.Flakiness.Value,
		"conflicts":      summary.Conflicts,
		"defects":        len(defects),
		"missing_p0_ids": gate.P0Coverage.MissingP0IDs,
	}); err != nil {
		return ValidationOutcome{}, err
	}
	if err := tx.Commit(); err != nil {
		return ValidationOutcome{}, err
	}

	opts := TransitionOptions{
		Event:   domain.EventValidationComplete,
		ActorID: input.ActorID,
		Metadata: map[string]any{
			"gate":   string(gate.Status),
			"rc":     gate.RC.Value,
			"apr":    gate.APR.Value,
			"report": input.ReportPath,
		},
	}
	if gate.Status == quality.GateFailed {
		opts = TransitionOptions{
			Event:     domain.EventError,
			Reason:    "quality_gate_failed",
			ErrorType: "quality_gate",
			ActorID:   input.ActorID,
			Metadata: map[string]any{
				"gate":           string(gate.Status),
				"rc":             gate.RC.Value,
				"apr":            gate.APR.Value,
				"flakiness":      gate.Flakiness.Value,
				"missing_p0_ids": gate.P0Coverage.MissingP0IDs,
			},
		}
	}
	updated, err := o.Transition(ctx, runID, opts)
	if err != nil {
		return ValidationOutcome{}, err
	}
	return ValidationOutcome{Run: updated, Gate: gate, Arbitration: summary, Defects: defects}, nil
}

// HandleStepFailure runs a pipeline step failure through the recovery
// manager. Retry and rollback decisions leave the run where recovery
// says; abort fails the run through an ERROR transition carrying the
// failure category.
func (o *Orchestrator) HandleStepFailure(ctx context.Context, runID, step string, stepErr error, attempt int, actorID string) (recovery.Decision, domain.Run, error) {
	run, err := o.Repo.GetRun(ctx, runID)
	if err != nil {
		return recovery.Decision{}, domain.Run{}, err
	}
	decision := o.Recovery.DetermineRecovery(recovery.Failure{
		RunID:        runID,
		Step:         step,
		State:        run.State,
		Err:          stepErr,
		AttemptCount: attempt,
	})

	data := map[string]any{
		"step":     step,
		"action":   string(decision.Action),
		"category": string(decision.Category),
		"attempt":  attempt,
	}
	if stepErr != nil {
		data["error"] = stepErr.Error()
	}
	o.notify(Notification{Type: NotifyStepFailed, RunID: runID, Data: data})

	if decision.Action != recovery.ActionAbort {
		return decision, run, nil
	}
	reason := ""
	if stepErr != nil {
		reason = stepErr.Error()
	}
	updated, err := o.Transition(ctx, runID, TransitionOptions{
		Event:     domain.EventError,
		Reason:    reason,
		ErrorType: string(decision.Category),
		ActorID:   actorID,
		Metadata:  data,
	})
	if err != nil {
		return decision, domain.Run{}, err
	}
	return decision, updated, nil
}

// InitProject registers a project.
func (o *Orchestrator) InitProject(ctx context.Context, id, name, baseURL, description, actorID string) (domain.Project, error) {
	if id == "" {
		return domain.Project{}, &ValidationError{Msg: "project id is required"}
	}
	p := domain.Project{
		ID:          id,
		Name:        name,
		BaseURL:     baseURL,
		Status:      "active",
		Description: description,
		CreatedAt:   o.now().UTC().Format(time.RFC3339),
	}
	tx, err := o.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()
	if err := o.Repo.InsertProject(ctx, tx, p); err != nil {
		return domain.Project{}, fmt.Errorf("insert project: %w", err)
	}
	if err := o.Events.Append(ctx, tx, "project.init", p.ID, "project", p.ID, actorID, events.EventPayload{
		"status": p.Status,
	}); err != nil {
		return domain.Project{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, err
	}
	return p, nil
}
