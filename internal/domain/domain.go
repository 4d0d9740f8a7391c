package domain

// RunState is the lifecycle state of a test run.
type RunState string

const (
	StateCreated          RunState = "created"
	StateParsing          RunState = "parsing"
	StateAwaitingApproval RunState = "awaiting_approval"
	StateExecuting        RunState = "executing"
	StateCodexReviewing   RunState = "codex_reviewing"
	StateCrossValidating  RunState = "cross_validating"
	StateReportReady      RunState = "report_ready"
	StateCompleted        RunState = "completed"
	StateFailed           RunState = "failed"
)

// IsTerminal reports whether no further transitions are legal from s.
func (s RunState) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Valid reports whether s is one of the known run states.
func (s RunState) Valid() bool {
	switch s {
	case StateCreated, StateParsing, StateAwaitingApproval, StateExecuting,
		StateCodexReviewing, StateCrossValidating, StateReportReady,
		StateCompleted, StateFailed:
		return true
	}
	return false
}

// RunEvent is a lifecycle signal delivered by the pipeline driver or a human gate.
type RunEvent string

const (
	// EventCreated only ever appears as the first decision log entry of
	// a run; it is not a transition table event.
	EventCreated RunEvent = "CREATED"

	EventStart              RunEvent = "START"
	EventParseComplete      RunEvent = "PARSE_COMPLETE"
	EventApproved           RunEvent = "APPROVED"
	EventRejected           RunEvent = "REJECTED"
	EventExecutionComplete  RunEvent = "EXECUTION_COMPLETE"
	EventReviewComplete     RunEvent = "REVIEW_COMPLETE"
	EventValidationComplete RunEvent = "VALIDATION_COMPLETE"
	EventConfirmed          RunEvent = "CONFIRMED"
	EventRetest             RunEvent = "RETEST"
	EventTimeout            RunEvent = "TIMEOUT"
	EventError              RunEvent = "ERROR"
)

// Run is one end-to-end execution of the test pipeline for a project.
type Run struct {
	ID             string             `json:"id"`
	ProjectID      string             `json:"project_id"`
	State          RunState           `json:"state" enum:"created,parsing,awaiting_approval,executing,codex_reviewing,cross_validating,report_ready,completed,failed"`
	ReasonCode     *string            `json:"reason_code,omitempty"`
	PRDPath        string             `json:"prd_path,omitempty"`
	TestedRoutes   []string           `json:"tested_routes,omitempty"`
	WorkspacePath  string             `json:"workspace_path"`
	EnvFingerprint map[string]string  `json:"env_fingerprint,omitempty"`
	AgentVersions  map[string]string  `json:"agent_versions,omitempty"`
	PromptVersions map[string]string  `json:"prompt_versions,omitempty"`
	DecisionLog    []DecisionLogEntry `json:"decision_log,omitempty"`
	QualityMetrics map[string]float64 `json:"quality_metrics,omitempty"`
	ReportPath     *string            `json:"report_path,omitempty"`
	CreatedAt      string             `json:"created_at" format:"date-time"`
	UpdatedAt      string             `json:"updated_at" format:"date-time"`
	CompletedAt    *string            `json:"completed_at,omitempty" format:"date-time"`
}

// DecisionLogEntry is one row of the append-only audit trail of a run.
// The log is the sole source of truth for when a run entered a state.
type DecisionLogEntry struct {
	TS        string         `json:"ts" format:"date-time"`
	FromState RunState       `json:"from_state"`
	ToState   RunState       `json:"to_state"`
	Event     RunEvent       `json:"event"`
	Reason    string         `json:"reason,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Priority is a requirement priority tier. P0 is must-cover.
type Priority string

const (
	PriorityP0 Priority = "P0"
	PriorityP1 Priority = "P1"
	PriorityP2 Priority = "P2"
)

// Requirement is one product requirement extracted from a PRD.
type Requirement struct {
	RequirementID string   `json:"requirement_id"`
	Priority      Priority `json:"priority" enum:"P0,P1,P2"`
	Testable      bool     `json:"testable"`
	Route         string   `json:"route,omitempty"`
	Title         string   `json:"title,omitempty"`
}

// TestCase covers a requirement on a route with ordered steps.
type TestCase struct {
	CaseID        string   `json:"case_id"`
	RequirementID string   `json:"requirement_id"`
	Route         string   `json:"route,omitempty"`
	Steps         []string `json:"steps,omitempty"`
	AssertionIDs  []string `json:"assertion_ids,omitempty"`
}

// AssertionType distinguishes deterministic checks from AI-judged ones.
type AssertionType string

const (
	AssertElementVisible AssertionType = "element_visible"
	AssertTextContent    AssertionType = "text_content"
	AssertElementCount   AssertionType = "element_count"
	AssertNavigation     AssertionType = "navigation"
	AssertSoft           AssertionType = "soft"
)

// Deterministic reports whether the assertion verdict is computed
// programmatically rather than judged by an agent.
func (t AssertionType) Deterministic() bool {
	return t != AssertSoft
}

// Verdict is the outcome of a single assertion check.
type Verdict string

const (
	VerdictPass  Verdict = "pass"
	VerdictFail  Verdict = "fail"
	VerdictError Verdict = "error"
)

// Assertion is one check within a test case. Deterministic types carry
// MachineVerdict; soft assertions carry AgentVerdict. FinalVerdict is
// set only after arbitration.
type Assertion struct {
	AssertionID    string        `json:"assertion_id"`
	CaseID         string        `json:"case_id"`
	Type           AssertionType `json:"type" enum:"element_visible,text_content,element_count,navigation,soft"`
	Description    string        `json:"description,omitempty"`
	MachineVerdict Verdict       `json:"machine_verdict,omitempty"`
	AgentVerdict   Verdict       `json:"agent_verdict,omitempty"`
	FinalVerdict   Verdict       `json:"final_verdict,omitempty"`
	Screenshots    []string      `json:"screenshots,omitempty"`
	OperationSteps []string      `json:"operation_steps,omitempty"`
}

// OriginalVerdict returns the pre-arbitration verdict appropriate to the
// assertion's type.
func (a Assertion) OriginalVerdict() Verdict {
	if a.Type.Deterministic() {
		return a.MachineVerdict
	}
	return a.AgentVerdict
}

// ReviewVerdict is a second opinion on an assertion's verdict.
type ReviewVerdict string

const (
	ReviewAgree     ReviewVerdict = "agree"
	ReviewDisagree  ReviewVerdict = "disagree"
	ReviewUncertain ReviewVerdict = "uncertain"
)

// AssertionReview is an independent reviewer's judgment of one assertion.
type AssertionReview struct {
	AssertionID   string        `json:"assertion_id"`
	CaseID        string        `json:"case_id"`
	ReviewVerdict ReviewVerdict `json:"review_verdict" enum:"agree,disagree,uncertain"`
	Reasoning     string        `json:"reasoning,omitempty"`
}

// ArbitrationResult records how one assertion's final verdict was derived.
type ArbitrationResult struct {
	AssertionID      string        `json:"assertion_id"`
	OriginalVerdict  Verdict       `json:"original_verdict"`
	ReviewVerdict    ReviewVerdict `json:"review_verdict"`
	FinalVerdict     Verdict       `json:"final_verdict"`
	Reason           string        `json:"reason,omitempty"`
	ConflictDetected bool          `json:"conflict_detected"`
}

// Severity ranks defects for reporting. Critical sorts first.
type Severity string

const (
	SeverityCritical   Severity = "critical"
	SeverityMajor      Severity = "major"
	SeverityMinor      Severity = "minor"
	SeveritySuggestion Severity = "suggestion"
)

// Rank returns the sort weight of a severity; lower sorts first.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 0
	case SeverityMajor:
		return 1
	case SeverityMinor:
		return 2
	default:
		return 3
	}
}

// Defect is one reportable failure derived from a failed assertion.
type Defect struct {
	ID             string   `json:"id"`
	Severity       Severity `json:"severity" enum:"critical,major,minor,suggestion"`
	AssertionID    string   `json:"assertion_id"`
	CaseID         string   `json:"case_id"`
	RequirementID  string   `json:"requirement_id,omitempty"`
	Route          string   `json:"route,omitempty"`
	Screenshots    []string `json:"screenshots,omitempty"`
	OperationSteps []string `json:"operation_steps,omitempty"`
}

// Project owns runs.
type Project struct {
	ID          string `json:"id"`
	Name        string `json:"name,omitempty"`
	BaseURL     string `json:"base_url,omitempty"`
	Status      string `json:"status"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

// Event is one row of the global append-only audit stream.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// APIKey authenticates a pipeline driver or reviewer against the API.
type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// ApprovalDecision is a human decision on a run awaiting approval.
type ApprovalDecision struct {
	Approved   bool   `json:"approved"`
	ReviewerID string `json:"reviewer_id"`
	Comments   string `json:"comments,omitempty"`
	Timestamp  string `json:"timestamp,omitempty" format:"date-time"`
}

// ConfirmationDecision is a human decision on a run with a report ready.
// Exactly one of Confirmed/Retest must be set.
type ConfirmationDecision struct {
	Confirmed  bool   `json:"confirmed"`
	Retest     bool   `json:"retest"`
	ReviewerID string `json:"reviewer_id"`
	Comments   string `json:"comments,omitempty"`
	Timestamp  string `json:"timestamp,omitempty" format:"date-time"`
}
