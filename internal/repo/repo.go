package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"vetline/internal/domain"
)

// Repo is the typed persistence boundary. Callers get and give decoded
// domain records; all row encoding (including JSON columns) stays here.
type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// --- projects ---

func (r Repo) InsertProject(ctx context.Context, tx *sql.Tx, p domain.Project) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO projects(id,name,base_url,status,description,created_at) VALUES (?,?,?,?,?,?)`,
		p.ID, nullable(p.Name), nullable(p.BaseURL), p.Status, nullable(p.Description), p.CreatedAt)
	return err
}

func (r Repo) GetProject(ctx context.Context, id string) (domain.Project, error) {
	var p domain.Project
	err := r.DB.QueryRowContext(ctx,
		`SELECT id,COALESCE(name,''),COALESCE(base_url,''),status,COALESCE(description,''),created_at FROM projects WHERE id=?`, id).
		Scan(&p.ID, &p.Name, &p.BaseURL, &p.Status, &p.Description, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	return p, err
}

func (r Repo) ListProjects(ctx context.Context) ([]domain.Project, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT id,COALESCE(name,''),COALESCE(base_url,''),status,COALESCE(description,''),created_at FROM projects ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Project
	for rows.Next() {
		var p domain.Project
		if err := rows.Scan(&p.ID, &p.Name, &p.BaseURL, &p.Status, &p.Description, &p.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// --- runs ---

const runColumns = `id,project_id,state,reason_code,prd_path,tested_routes_json,workspace_path,
env_fingerprint_json,agent_versions_json,prompt_versions_json,quality_metrics_json,report_path,
created_at,updated_at,completed_at`

func (r Repo) InsertRun(ctx context.Context, tx *sql.Tx, run domain.Run) error {
	routes, err := marshalJSON(run.TestedRoutes)
	if err != nil {
		return err
	}
	env, err := marshalJSON(run.EnvFingerprint)
	if err != nil {
		return err
	}
	agents, err := marshalJSON(run.AgentVersions)
	if err != nil {
		return err
	}
	prompts, err := marshalJSON(run.PromptVersions)
	if err != nil {
		return err
	}
	metrics, err := marshalJSON(run.QualityMetrics)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO runs(`+runColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		run.ID, run.ProjectID, string(run.State), nullableStringPtr(run.ReasonCode), nullable(run.PRDPath),
		routes, run.WorkspacePath, env, agents, prompts, metrics, nullableStringPtr(run.ReportPath),
		run.CreatedAt, run.UpdatedAt, nullableStringPtr(run.CompletedAt))
	return err
}

func scanRun(scan func(dest ...any) error) (domain.Run, error) {
	var run domain.Run
	var state string
	var reason, prd, routes, env, agents, prompts, metrics, report, completed sql.NullString
	err := scan(&run.ID, &run.ProjectID, &state, &reason, &prd, &routes, &run.WorkspacePath,
		&env, &agents, &prompts, &metrics, &report, &run.CreatedAt, &run.UpdatedAt, &completed)
	if err == sql.ErrNoRows {
		return run, ErrNotFound
	}
	if err != nil {
		return run, err
	}
	run.State = domain.RunState(state)
	if reason.Valid {
		run.ReasonCode = &reason.String
	}
	if prd.Valid {
		run.PRDPath = prd.String
	}
	if report.Valid {
		run.ReportPath = &report.String
	}
	if completed.Valid {
		run.CompletedAt = &completed.String
	}
	if err := unmarshalJSON(routes, &run.TestedRoutes); err != nil {
		return run, fmt.Errorf("decode tested_routes for run %s: %w", run.ID, err)
	}
	if err := unmarshalJSON(env, &run.EnvFingerprint); err != nil {
		return run, fmt.Errorf("decode env_fingerprint for run %s: %w", run.ID, err)
	}
	if err := unmarshalJSON(agents, &run.AgentVersions); err != nil {
		return run, fmt.Errorf("decode agent_versions for run %s: %w", run.ID, err)
	}
	if err := unmarshalJSON(prompts, &run.PromptVersions); err != nil {
		return run, fmt.Errorf("decode prompt_versions for run %s: %w", run.ID, err)
	}
	if err := unmarshalJSON(metrics, &run.QualityMetrics); err != nil {
		return run, fmt.Errorf("decode quality_metrics for run %s: %w", run.ID, err)
	}
	return run, nil
}

// GetRun loads a run with its full decision log.
func (r Repo) GetRun(ctx context.Context, id string) (domain.Run, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id=?`, id)
	run, err := scanRun(row.Scan)
	if err != nil {
		return run, err
	}
	log, err := r.ListDecisionLog(ctx, id)
	if err != nil {
		return run, err
	}
	run.DecisionLog = log
	return run, nil
}

type RunFilters struct {
	ProjectID string
	State     string
	Limit     int
}

// ListRuns returns runs without their decision logs.
func (r Repo) ListRuns(ctx context.Context, f RunFilters) ([]domain.Run, error) {
	var clauses []string
	var args []any
	if f.ProjectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, f.ProjectID)
	}
	if f.State != "" {
		clauses = append(clauses, "state=?")
		args = append(args, f.State)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + runColumns + ` FROM runs ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Run
	for rows.Next() {
		run, err := scanRun(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, run)
	}
	return res, rows.Err()
}

// ListRunsInState returns run ids currently in the given state, used by
// the gate timeout poller.
func (r Repo) ListRunsInState(ctx context.Context, state domain.RunState) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id FROM runs WHERE state=?`, string(state))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CountRunsByState returns how many of a project's runs sit in each state.
func (r Repo) CountRunsByState(ctx context.Context, projectID string) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT state, COUNT(*) FROM runs WHERE project_id=? GROUP BY state`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := map[string]int{}
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		counts[state] = n
	}
	return counts, rows.Err()
}

// RunUpdate carries the partial fields of one state transition.
type RunUpdate struct {
	State          domain.RunState
	ReasonCode     *string
	QualityMetrics map[string]float64
	ReportPath     *string
	UpdatedAt      string
	CompletedAt    *string
}

// UpdateRun applies a partial update to a run row within tx.
func (r Repo) UpdateRun(ctx context.Context, tx *sql.Tx, id string, u RunUpdate) error {
	fields := []string{"state=?", "updated_at=?"}
	args := []any{string(u.State), u.UpdatedAt}
	if u.ReasonCode != nil {
		fields = append(fields, "reason_code=?")
		args = append(args, *u.ReasonCode)
	}
	if u.QualityMetrics != nil {
		metrics, err := marshalJSON(u.QualityMetrics)
		if err != nil {
			return err
		}
		fields = append(fields, "quality_metrics_json=?")
		args = append(args, metrics)
	}
	if u.ReportPath != nil {
		fields = append(fields, "report_path=?")
		args = append(args, *u.ReportPath)
	}
	if u.CompletedAt != nil {
		fields = append(fields, "completed_at=?")
		args = append(args, *u.CompletedAt)
	}
	args = append(args, id)
	res, err := tx.ExecContext(ctx, fmt.Sprintf(`UPDATE runs SET %s WHERE id=?`, strings.Join(fields, ", ")), args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- decision log ---

// AppendDecisionLog inserts one immutable log row. Rows are never
// updated or deleted.
func (r Repo) AppendDecisionLog(ctx context.Context, tx *sql.Tx, runID string, entry domain.DecisionLogEntry) error {
	meta, err := marshalJSON(entry.Metadata)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO decision_log(run_id,ts,from_state,to_state,event,reason,metadata_json) VALUES (?,?,?,?,?,?,?)`,
		runID, entry.TS, string(entry.FromState), string(entry.ToState), string(entry.Event), nullable(entry.Reason), meta)
	return err
}

// ListDecisionLog returns a run's log in append order.
func (r Repo) ListDecisionLog(ctx context.Context, runID string) ([]domain.DecisionLogEntry, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT ts,from_state,to_state,event,COALESCE(reason,''),metadata_json FROM decision_log WHERE run_id=? ORDER BY id ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.DecisionLogEntry
	for rows.Next() {
		var e domain.DecisionLogEntry
		var from, to, event string
		var meta sql.NullString
		if err := rows.Scan(&e.TS, &from, &to, &event, &e.Reason, &meta); err != nil {
			return nil, err
		}
		e.FromState = domain.RunState(from)
		e.ToState = domain.RunState(to)
		e.Event = domain.RunEvent(event)
		if err := unmarshalJSON(meta, &e.Metadata); err != nil {
			return nil, fmt.Errorf("decode decision log metadata for run %s: %w", runID, err)
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestEntryInto returns the most recent log entry whose to_state is
// the given state, used to compute gate timeouts from persisted
// timestamps.
func (r Repo) LatestEntryInto(ctx context.Context, runID string, state domain.RunState) (domain.DecisionLogEntry, error) {
	row := r.DB.QueryRowContext(ctx,
		`SELECT ts,from_state,to_state,event,COALESCE(reason,''),metadata_json FROM decision_log WHERE run_id=? AND to_state=? ORDER BY id DESC LIMIT 1`,
		runID, string(state))
	var e domain.DecisionLogEntry
	var from, to, event string
	var meta sql.NullString
	err := row.Scan(&e.TS, &from, &to, &event, &e.Reason, &meta)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	if err != nil {
		return e, err
	}
	e.FromState = domain.RunState(from)
	e.ToState = domain.RunState(to)
	e.Event = domain.RunEvent(event)
	if err := unmarshalJSON(meta, &e.Metadata); err != nil {
		return e, fmt.Errorf("decode decision log metadata for run %s: %w", runID, err)
	}
	return e, nil
}

// --- defects ---

func (r Repo) InsertDefects(ctx context.Context, tx *sql.Tx, runID, createdAt string, defects []domain.Defect) error {
	for _, d := range defects {
		shots, err := marshalJSON(d.Screenshots)
		if err != nil {
			return err
		}
		steps, err := marshalJSON(d.OperationSteps)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO defects(id,run_id,severity,assertion_id,case_id,requirement_id,route,screenshots_json,operation_steps_json,created_at) VALUES (?,?,?,?,?,?,?,?,?,?)`,
			d.ID, runID, string(d.Severity), d.AssertionID, nullable(d.CaseID), nullable(d.RequirementID), nullable(d.Route), shots, steps, createdAt); err != nil {
			return err
		}
	}
	return nil
}

// ReplaceDefects clears and rewrites a run's defects; a retested run
// reports only its latest results.
func (r Repo) ReplaceDefects(ctx context.Context, tx *sql.Tx, runID, createdAt string, defects []domain.Defect) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM defects WHERE run_id=?`, runID); err != nil {
		return err
	}
	return r.InsertDefects(ctx, tx, runID, createdAt, defects)
}

func (r Repo) ListDefects(ctx context.Context, runID string) ([]domain.Defect, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT id,severity,assertion_id,COALESCE(case_id,''),COALESCE(requirement_id,''),COALESCE(route,''),screenshots_json,operation_steps_json FROM defects WHERE run_id=? ORDER BY created_at ASC, id ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Defect
	for rows.Next() {
		var d domain.Defect
		var severity string
		var shots, steps sql.NullString
		if err := rows.Scan(&d.ID, &severity, &d.AssertionID, &d.CaseID, &d.RequirementID, &d.Route, &shots, &steps); err != nil {
			return nil, err
		}
		d.Severity = domain.Severity(severity)
		if err := unmarshalJSON(shots, &d.Screenshots); err != nil {
			return nil, fmt.Errorf("decode defect screenshots for run %s: %w", runID, err)
		}
		if err := unmarshalJSON(steps, &d.OperationSteps); err != nil {
			return nil, fmt.Errorf("decode defect steps for run %s: %w", runID, err)
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

// --- audit events ---

func (r Repo) LatestEvents(ctx context.Context, limit int, projectID, evtType, entityKind, entityID string) ([]domain.Event, error) {
	return r.latestEventsFrom(ctx, limit, 0, projectID, evtType, entityKind, entityID)
}

func (r Repo) latestEventsFrom(ctx context.Context, limit int, cursor int64, projectID, evtType, entityKind, entityID string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if projectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, projectID)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,COALESCE(project_id,''),entity_kind,COALESCE(entity_id,''),actor_id,COALESCE(payload_json,'') FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.ProjectID, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64, projectID string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses := []string{"1=1"}
	var args []any
	if projectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, projectID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id>?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,COALESCE(project_id,''),entity_kind,COALESCE(entity_id,''),actor_id,COALESCE(payload_json,'') FROM events %s ORDER BY id ASC LIMIT ?`, where)
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.ProjectID, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestEventID returns the most recent event ID for a project.
func (r Repo) LatestEventID(ctx context.Context, projectID string) (int64, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events WHERE project_id=?`, projectID)
	var id int64
	if err := row.Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

// --- helpers ---

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

func marshalJSON(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if string(b) == "null" {
		return nil, nil
	}
	return string(b), nil
}

func unmarshalJSON(col sql.NullString, dest any) error {
	if !col.Valid || col.String == "" {
		return nil
	}
	return json.Unmarshal([]byte(col.String), dest)
}
