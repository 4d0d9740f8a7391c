package orchestrator_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"vetline/internal/config"
	"vetline/internal/db"
	"vetline/internal/domain"
	"vetline/internal/migrate"
	"vetline/internal/orchestrator"
	"vetline/internal/quality"
	"vetline/internal/recovery"
	"vetline/internal/repo"
	"vetline/internal/statemachine"
)

type testEnv struct {
	Orc *orchestrator.Orchestrator
	Ctx context.Context
	Now time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	env := &testEnv{
		Ctx: context.Background(),
		Now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	orc := orchestrator.New(conn, config.Default("proj-1"), dir)
	orc.Now = func() time.Time { return env.Now }
	orc.Machine.Now = orc.Now
	env.Orc = orc
	if _, err := orc.InitProject(env.Ctx, "proj-1", "Demo", "http://localhost:3000", "", "tester"); err != nil {
		t.Fatalf("init project: %v", err)
	}
	return env
}

func (env *testEnv) advance(d time.Duration) {
	env.Now = env.Now.Add(d)
}

func (env *testEnv) createRun(t *testing.T) domain.Run {
	t.Helper()
	run, err := env.Orc.CreateRun(env.Ctx, orchestrator.RunCreateOptions{
		ProjectID: "proj-1",
		PRDPath:   "docs/prd.md",
		ActorID:   "tester",
	})
	if err != nil {
		t.Fatalf("create run: %v", err)
	}
	return run
}

func (env *testEnv) mustTransition(t *testing.T, runID string, event domain.RunEvent) domain.Run {
	t.Helper()
	run, err := env.Orc.Transition(env.Ctx, runID, orchestrator.TransitionOptions{Event: event, ActorID: "driver"})
	if err != nil {
		t.Fatalf("transition %s: %v", event, err)
	}
	return run
}

func TestCreateRunUnknownProject(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Orc.CreateRun(env.Ctx, orchestrator.RunCreateOptions{ProjectID: "nope", ActorID: "tester"})
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCreateRunSeedsDefaults(t *testing.T) {
	env := newTestEnv(t)
	run := env.createRun(t)
	if run.State != domain.StateCreated {
		t.Fatalf("state = %s", run.State)
	}
	if run.AgentVersions["claude"] != "unknown" || run.AgentVersions["codex"] != "unknown" {
		t.Fatalf("agent versions not seeded: %v", run.AgentVersions)
	}
	if len(run.DecisionLog) != 1 || run.DecisionLog[0].Event != domain.EventCreated {
		t.Fatalf("initial decision log = %+v", run.DecisionLog)
	}
	if run.WorkspacePath == "" {
		t.Fatal("workspace path empty")
	}
	loaded, err := env.Orc.Repo.GetRun(env.Ctx, run.ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if len(loaded.DecisionLog) != 1 {
		t.Fatalf("persisted decision log length = %d", len(loaded.DecisionLog))
	}
}

func TestFullLifecycle(t *testing.T) {
	env := newTestEnv(t)
	run := env.createRun(t)

	run = env.mustTransition(t, run.ID, domain.EventStart)
	if run.State != domain.StateParsing {
		t.Fatalf("after START: %s", run.State)
	}
	run = env.mustTransition(t, run.ID, domain.EventParseComplete)
	if run.State != domain.StateAwaitingApproval {
		t.Fatalf("after PARSE_COMPLETE: %s", run.State)
	}
	run, err := env.Orc.HandleApproval(env.Ctx, run.ID, domain.ApprovalDecision{Approved: true, ReviewerID: "alice"})
	if err != nil || run.State != domain.StateExecuting {
		t.Fatalf("approval: state=%s err=%v", run.State, err)
	}
	run = env.mustTransition(t, run.ID, domain.EventExecutionComplete)
	run = env.mustTransition(t, run.ID, domain.EventReviewComplete)
	run = env.mustTransition(t, run.ID, domain.EventValidationComplete)
	if run.State != domain.StateReportReady {
		t.Fatalf("after VALIDATION_COMPLETE: %s", run.State)
	}
	run, err = env.Orc.HandleConfirmation(env.Ctx, run.ID, domain.ConfirmationDecision{Confirmed: true, ReviewerID: "alice"})
	if err != nil || run.State != domain.StateCompleted {
		t.Fatalf("confirmation: state=%s err=%v", run.State, err)
	}
	if run.CompletedAt == nil {
		t.Fatal("completed_at not set")
	}
	// initial entry plus seven transitions
	loaded, err := env.Orc.Repo.GetRun(env.Ctx, run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(loaded.DecisionLog) != 8 {
		t.Fatalf("decision log length = %d", len(loaded.DecisionLog))
	}
}

func TestTerminalRunRejectsEvents(t *testing.T) {
	env := newTestEnv(t)
	run := env.createRun(t)
	env.mustTransition(t, run.ID, domain.EventStart)
	env.mustTransition(t, run.ID, domain.EventParseComplete)
	if _, err := env.Orc.HandleApproval(env.Ctx, run.ID, domain.ApprovalDecision{Approved: false, ReviewerID: "alice"}); err != nil {
		t.Fatalf("reject: %v", err)
	}
	loaded, _ := env.Orc.Repo.GetRun(env.Ctx, run.ID)
	if loaded.State != domain.StateFailed || loaded.ReasonCode == nil || *loaded.ReasonCode != "rejected_by_reviewer" {
		t.Fatalf("run = %+v", loaded)
	}
	var terr *statemachine.TransitionError
	_, err := env.Orc.Transition(env.Ctx, run.ID, orchestrator.TransitionOptions{Event: domain.EventStart, ActorID: "driver"})
	if !errors.As(err, &terr) {
		t.Fatalf("expected TransitionError, got %v", err)
	}
	after, _ := env.Orc.Repo.GetRun(env.Ctx, run.ID)
	if len(after.DecisionLog) != len(loaded.DecisionLog) {
		t.Fatal("rejected event mutated decision log")
	}
}

func TestDuplicateEventIsNoOp(t *testing.T) {
	env := newTestEnv(t)
	run := env.createRun(t)
	env.mustTransition(t, run.ID, domain.EventStart)
	first := env.mustTransition(t, run.ID, domain.EventParseComplete)

	// replay of the same completion signal
	again := env.mustTransition(t, run.ID, domain.EventParseComplete)
	if again.State != first.State {
		t.Fatalf("replay changed state: %s", again.State)
	}
	loaded, _ := env.Orc.Repo.GetRun(env.Ctx, run.ID)
	if len(loaded.DecisionLog) != 3 {
		t.Fatalf("replay appended log entries: %d", len(loaded.DecisionLog))
	}
}

func TestApprovalTimeout(t *testing.T) {
	env := newTestEnv(t)
	run := env.createRun(t)
	env.mustTransition(t, run.ID, domain.EventStart)
	env.mustTransition(t, run.ID, domain.EventParseComplete)

	env.advance(23 * time.Hour)
	fired, _, err := env.Orc.CheckApprovalTimeout(env.Ctx, run.ID, "scheduler")
	if err != nil || fired {
		t.Fatalf("timeout fired early: fired=%v err=%v", fired, err)
	}

	env.advance(2 * time.Hour) // T0 + 25h
	fired, updated, err := env.Orc.CheckApprovalTimeout(env.Ctx, run.ID, "scheduler")
	if err != nil || !fired {
		t.Fatalf("timeout did not fire: fired=%v err=%v", fired, err)
	}
	if updated.State != domain.StateFailed || updated.ReasonCode == nil || *updated.ReasonCode != "approval_timeout" {
		t.Fatalf("run = state=%s reason=%v", updated.State, updated.ReasonCode)
	}
}

func TestConfirmationTimeoutSweep(t *testing.T) {
	env := newTestEnv(t)
	run := env.createRun(t)
	for _, ev := range []domain.RunEvent{
		domain.EventStart, domain.EventParseComplete,
	} {
		env.mustTransition(t, run.ID, ev)
	}
	if _, err := env.Orc.HandleApproval(env.Ctx, run.ID, domain.ApprovalDecision{Approved: true, ReviewerID: "alice"}); err != nil {
		t.Fatal(err)
	}
	for _, ev := range []domain.RunEvent{
		domain.EventExecutionComplete, domain.EventReviewComplete, domain.EventValidationComplete,
	} {
		env.mustTransition(t, run.ID, ev)
	}

	env.advance(49 * time.Hour)
	fired, err := env.Orc.CheckTimeouts(env.Ctx, "scheduler")
	if err != nil {
		t.Fatal(err)
	}
	if len(fired) != 1 || fired[0] != run.ID {
		t.Fatalf("fired = %v", fired)
	}
	loaded, _ := env.Orc.Repo.GetRun(env.Ctx, run.ID)
	if loaded.ReasonCode == nil || *loaded.ReasonCode != "confirmation_timeout" {
		t.Fatalf("reason = %v", loaded.ReasonCode)
	}
}

func TestTimeoutUsesLatestGateEntry(t *testing.T) {
	env := newTestEnv(t)
	run := env.createRun(t)
	for _, ev := range []domain.RunEvent{domain.EventStart, domain.EventParseComplete} {
		env.mustTransition(t, run.ID, ev)
	}
	// sit at the gate for 20h, then approve; the clock must restart if
	// the run ever comes back
	env.advance(20 * time.Hour)
	if _, err := env.Orc.HandleApproval(env.Ctx, run.ID, domain.ApprovalDecision{Approved: true, ReviewerID: "alice"}); err != nil {
		t.Fatal(err)
	}
	env.advance(30 * time.Hour)
	fired, _, err := env.Orc.CheckApprovalTimeout(env.Ctx, run.ID, "scheduler")
	if err != nil || fired {
		t.Fatalf("timeout fired for run no longer at gate: %v %v", fired, err)
	}
}

func TestHandleConfirmationValidation(t *testing.T) {
	env := newTestEnv(t)
	run := env.createRun(t)
	var verr *orchestrator.ValidationError
	_, err := env.Orc.HandleConfirmation(env.Ctx, run.ID, domain.ConfirmationDecision{Confirmed: true, Retest: true, ReviewerID: "alice"})
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	_, err = env.Orc.HandleConfirmation(env.Ctx, run.ID, domain.ConfirmationDecision{ReviewerID: "alice"})
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError for neither flag, got %v", err)
	}
	// wrong state
	var terr *statemachine.TransitionError
	_, err = env.Orc.HandleConfirmation(env.Ctx, run.ID, domain.ConfirmationDecision{Confirmed: true, ReviewerID: "alice"})
	if !errors.As(err, &terr) {
		t.Fatalf("expected TransitionError, got %v", err)
	}
}

func toCrossValidating(t *testing.T, env *testEnv) domain.Run {
	t.Helper()
	run := env.createRun(t)
	for _, ev := range []domain.RunEvent{domain.EventStart, domain.EventParseComplete} {
		env.mustTransition(t, run.ID, ev)
	}
	if _, err := env.Orc.HandleApproval(env.Ctx, run.ID, domain.ApprovalDecision{Approved: true, ReviewerID: "alice"}); err != nil {
		t.Fatal(err)
	}
	for _, ev := range []domain.RunEvent{domain.EventExecutionComplete, domain.EventReviewComplete} {
		env.mustTransition(t, run.ID, ev)
	}
	return run
}

func TestFinalizeValidationPasses(t *testing.T) {
	env := newTestEnv(t)
	run := toCrossValidating(t, env)

	input := orchestrator.ValidationInput{
		Requirements: []domain.Requirement{
			{RequirementID: "REQ-1", Priority: domain.PriorityP0, Testable: true, Route: "/login"},
		},
		TestCases: []domain.TestCase{
			{CaseID: "TC-1", RequirementID: "REQ-1", Route: "/login", AssertionIDs: []string{"A-1"}},
		},
		Assertions: []domain.Assertion{
			{AssertionID: "A-1", CaseID: "TC-1", Type: domain.AssertElementVisible, MachineVerdict: domain.VerdictPass},
		},
		ReportPath: "report.md",
		ActorID:    "driver",
	}
	out, err := env.Orc.FinalizeValidation(env.Ctx, run.ID, input)
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if out.Gate.Status != quality.GatePassed {
		t.Fatalf("gate = %s", out.Gate.Status)
	}
	if out.Run.State != domain.StateReportReady {
		t.Fatalf("state = %s", out.Run.State)
	}
	if out.Run.QualityMetrics["gate_passed"] != 1 {
		t.Fatalf("metrics = %v", out.Run.QualityMetrics)
	}
	if out.Run.ReportPath == nil || *out.Run.ReportPath != "report.md" {
		t.Fatalf("report path = %v", out.Run.ReportPath)
	}
}

func TestFinalizeValidationFailsGate(t *testing.T) {
	env := newTestEnv(t)
	run := toCrossValidating(t, env)

	// uncovered P0 trips the hard gate regardless of verdicts
	input := orchestrator.ValidationInput{
		Requirements: []domain.Requirement{
			{RequirementID: "REQ-1", Priority: domain.PriorityP0, Testable: true},
		},
		Assertions: []domain.Assertion{
			{AssertionID: "A-1", CaseID: "TC-9", Type: domain.AssertTextContent, MachineVerdict: domain.VerdictFail},
		},
		ActorID: "driver",
	}
	out, err := env.Orc.FinalizeValidation(env.Ctx, run.ID, input)
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if out.Gate.Status != quality.GateFailed {
		t.Fatalf("gate = %s", out.Gate.Status)
	}
	if out.Run.State != domain.StateFailed {
		t.Fatalf("state = %s", out.Run.State)
	}
	if out.Run.ReasonCode == nil || *out.Run.ReasonCode != "validation_quality_gate_error" {
		t.Fatalf("reason = %v", out.Run.ReasonCode)
	}
	// defects from the failed assertion are persisted
	defects, err := env.Orc.Repo.ListDefects(env.Ctx, run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(defects) != 1 || defects[0].Severity != domain.SeveritySuggestion {
		t.Fatalf("defects = %+v", defects)
	}
	loaded, _ := env.Orc.Repo.GetRun(env.Ctx, run.ID)
	if loaded.QualityMetrics["gate_passed"] != 0 {
		t.Fatalf("metrics = %v", loaded.QualityMetrics)
	}
}

func TestFinalizeValidationWrongState(t *testing.T) {
	env := newTestEnv(t)
	run := env.createRun(t)
	var terr *statemachine.TransitionError
	_, err := env.Orc.FinalizeValidation(env.Ctx, run.ID, orchestrator.ValidationInput{ActorID: "driver"})
	if !errors.As(err, &terr) {
		t.Fatalf("expected TransitionError, got %v", err)
	}
}

func TestHandleStepFailureRetryKeepsState(t *testing.T) {
	env := newTestEnv(t)
	run := toCrossValidating(t, env)
	decision, updated, err := env.Orc.HandleStepFailure(env.Ctx, run.ID, "cross_validate", errors.New("connection refused"), 1, "driver")
	if err != nil {
		t.Fatal(err)
	}
	if decision.Action != recovery.ActionRetry || decision.Category != recovery.CategoryNetwork {
		t.Fatalf("decision = %+v", decision)
	}
	if updated.State != domain.StateCrossValidating {
		t.Fatalf("state = %s", updated.State)
	}
}

func TestHandleStepFailureAbortFailsRun(t *testing.T) {
	env := newTestEnv(t)
	run := toCrossValidating(t, env)
	decision, updated, err := env.Orc.HandleStepFailure(env.Ctx, run.ID, "cross_validate", errors.New("connection refused"), 3, "driver")
	if err != nil {
		t.Fatal(err)
	}
	if decision.Action != recovery.ActionAbort {
		t.Fatalf("decision = %+v", decision)
	}
	if updated.State != domain.StateFailed || updated.ReasonCode == nil || *updated.ReasonCode != "validation_network_error" {
		t.Fatalf("run = state=%s reason=%v", updated.State, updated.ReasonCode)
	}
}

func TestRetestReturnsToExecuting(t *testing.T) {
	env := newTestEnv(t)
	run := toCrossValidating(t, env)
	env.mustTransition(t, run.ID, domain.EventValidationComplete)
	updated, err := env.Orc.HandleConfirmation(env.Ctx, run.ID, domain.ConfirmationDecision{Retest: true, ReviewerID: "alice"})
	if err != nil || updated.State != domain.StateExecuting {
		t.Fatalf("retest: state=%s err=%v", updated.State, err)
	}
}

func TestRetestCycleCompletes(t *testing.T) {
	env := newTestEnv(t)
	run := toCrossValidating(t, env)
	env.mustTransition(t, run.ID, domain.EventValidationComplete)
	if _, err := env.Orc.HandleConfirmation(env.Ctx, run.ID, domain.ConfirmationDecision{Retest: true, ReviewerID: "alice"}); err != nil {
		t.Fatalf("retest: %v", err)
	}

	// The repeated cycle replays the same completion events through the
	// same machine; each must advance the run, not no-op.
	steps := []struct {
		event domain.RunEvent
		want  domain.RunState
	}{
		{domain.EventExecutionComplete, domain.StateCodexReviewing},
		{domain.EventReviewComplete, domain.StateCrossValidating},
		{domain.EventValidationComplete, domain.StateReportReady},
	}
	for _, s := range steps {
		got, err := env.Orc.Transition(env.Ctx, run.ID, orchestrator.TransitionOptions{Event: s.event, ActorID: "pipeline"})
		if err != nil {
			t.Fatalf("%s after retest: %v", s.event, err)
		}
		if got.State != s.want {
			t.Fatalf("%s after retest: state=%s want=%s", s.event, got.State, s.want)
		}
	}

	final, err := env.Orc.HandleConfirmation(env.Ctx, run.ID, domain.ConfirmationDecision{Confirmed: true, ReviewerID: "alice"})
	if err != nil || final.State != domain.StateCompleted {
		t.Fatalf("confirm after retest: state=%s err=%v", final.State, err)
	}

	stored, err := env.Orc.Repo.GetRun(env.Ctx, run.ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	// initial entry + 6 first-cycle transitions + RETEST + 4 second-cycle
	// transitions.
	if len(stored.DecisionLog) != 12 {
		t.Fatalf("decision log length = %d", len(stored.DecisionLog))
	}
}

func TestNotificationsEmitted(t *testing.T) {
	env := newTestEnv(t)
	run := env.createRun(t)
	env.mustTransition(t, run.ID, domain.EventStart)
	env.mustTransition(t, run.ID, domain.EventParseComplete)

	var types []orchestrator.NotificationType
	for {
		select {
		case n := <-env.Orc.Notifications():
			types = append(types, n.Type)
			continue
		default:
		}
		break
	}
	want := map[orchestrator.NotificationType]bool{}
	for _, ty := range types {
		want[ty] = true
	}
	if !want[orchestrator.NotifyStateTransition] || !want[orchestrator.NotifyApprovalRequired] {
		t.Fatalf("notification types = %v", types)
	}
	// START moved the run into parsing, which is an active stage.
	if !want[orchestrator.NotifyStepStarted] {
		t.Fatalf("missing step_started, got %v", types)
	}
}

func TestStepStartedCarriesStageName(t *testing.T) {
	env := newTestEnv(t)
	run := env.createRun(t)
	env.mustTransition(t, run.ID, domain.EventStart)

	var started *orchestrator.Notification
	for {
		select {
		case n := <-env.Orc.Notifications():
			if n.Type == orchestrator.NotifyStepStarted {
				started = &n
			}
			continue
		default:
		}
		break
	}
	if started == nil {
		t.Fatal("no step_started notification")
	}
	if started.RunID != run.ID || started.Data["step"] != string(domain.StateParsing) {
		t.Fatalf("step_started = %+v", started)
	}
}
