package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"vetline/internal/config"
	"vetline/internal/db"
	"vetline/internal/domain"
	"vetline/internal/migrate"
	"vetline/internal/orchestrator"
)

type testServer struct {
	URL    string
	Orc    *orchestrator.Orchestrator
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }

var actorHeader = map[string]string{"X-Actor-Id": "tester"}

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	cfg := config.Default("vetline")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	orc := orchestrator.New(conn, cfg, workspace)
	if _, err := orc.InitProject(context.Background(), cfg.Project.ID, "", "", "", "tester"); err != nil {
		t.Fatalf("init project: %v", err)
	}
	handler, err := New(Config{
		Orc:      orc,
		BasePath: "/v0",
		Auth:     AuthConfig{AllowLegacyActorHeader: true},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Orc:    orc,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func createRun(t *testing.T, srv *testServer) domain.Run {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/runs", map[string]any{
		"project_id": "vetline",
		"prd_path":   "docs/prd.md",
	}, actorHeader)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create run status %d: %s", res.StatusCode, string(data))
	}
	var run domain.Run
	if err := json.Unmarshal(data, &run); err != nil {
		t.Fatalf("unmarshal run: %v", err)
	}
	return run
}

func postEvent(t *testing.T, srv *testServer, runID, event string) (*http.Response, []byte) {
	t.Helper()
	return doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/runs/"+runID+"/events",
		map[string]any{"event": event}, actorHeader)
}

func TestRunLifecycleOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	run := createRun(t, srv)
	if run.State != domain.StateCreated {
		t.Fatalf("state = %s", run.State)
	}

	for _, ev := range []string{"START", "PARSE_COMPLETE"} {
		res, data := postEvent(t, srv, run.ID, ev)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("%s status %d: %s", ev, res.StatusCode, string(data))
		}
	}

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/runs/"+run.ID+"/approval",
		map[string]any{"approved": true}, actorHeader)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("approval status %d: %s", res.StatusCode, string(data))
	}
	var approved domain.Run
	if err := json.Unmarshal(data, &approved); err != nil {
		t.Fatal(err)
	}
	if approved.State != domain.StateExecuting {
		t.Fatalf("state after approval = %s", approved.State)
	}
}

func TestIllegalEventConflicts(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	run := createRun(t, srv)
	res, data := postEvent(t, srv, run.ID, "CONFIRMED")
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("status %d: %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatal(err)
	}
	if envelope.Error.Code != "transition_conflict" {
		t.Fatalf("code = %s", envelope.Error.Code)
	}
}

func TestConfirmationValidation(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	run := createRun(t, srv)
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/runs/"+run.ID+"/confirmation",
		map[string]any{"confirmed": true, "retest": true}, actorHeader)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status %d: %s", res.StatusCode, string(data))
	}
}

func TestValidationEndpoint(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	run := createRun(t, srv)
	for _, ev := range []string{"START", "PARSE_COMPLETE"} {
		postEvent(t, srv, run.ID, ev)
	}
	doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/runs/"+run.ID+"/approval",
		map[string]any{"approved": true}, actorHeader)
	for _, ev := range []string{"EXECUTION_COMPLETE", "REVIEW_COMPLETE"} {
		postEvent(t, srv, run.ID, ev)
	}

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/runs/"+run.ID+"/validation", map[string]any{
		"requirements": []map[string]any{
			{"requirement_id": "REQ-1", "priority": "P0", "testable": true, "route": "/login"},
		},
		"test_cases": []map[string]any{
			{"case_id": "TC-1", "requirement_id": "REQ-1", "route": "/login", "assertion_ids": []string{"A-1"}},
		},
		"assertions": []map[string]any{
			{"assertion_id": "A-1", "case_id": "TC-1", "type": "element_visible", "machine_verdict": "pass"},
		},
	}, actorHeader)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("validation status %d: %s", res.StatusCode, string(data))
	}
	var out ValidationResponse
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatal(err)
	}
	if out.Run.State != domain.StateReportReady {
		t.Fatalf("state = %s", out.Run.State)
	}
	if out.Gate.Status != "passed" {
		t.Fatalf("gate = %s", out.Gate.Status)
	}
}

func TestDecisionLogAndDefectsEndpoints(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	run := createRun(t, srv)
	postEvent(t, srv, run.ID, "START")

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/runs/"+run.ID+"/log", nil, actorHeader)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("log status %d: %s", res.StatusCode, string(data))
	}
	var log []domain.DecisionLogEntry
	if err := json.Unmarshal(data, &log); err != nil {
		t.Fatal(err)
	}
	if len(log) != 2 {
		t.Fatalf("log length = %d", len(log))
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/runs/"+run.ID+"/defects", nil, actorHeader)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("defects status %d: %s", res.StatusCode, string(data))
	}

	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/runs/missing/log", nil, actorHeader)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("missing run log status %d", res.StatusCode)
	}
}

func TestTimeoutSweepEndpoint(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	run := createRun(t, srv)
	for _, ev := range []string{"START", "PARSE_COMPLETE"} {
		postEvent(t, srv, run.ID, ev)
	}
	srv.Orc.Now = func() time.Time { return time.Now().Add(25 * time.Hour) }

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/timeouts/check", nil, actorHeader)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("sweep status %d: %s", res.StatusCode, string(data))
	}
	var out TimeoutSweepResponse
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatal(err)
	}
	if len(out.TimedOut) != 1 || out.TimedOut[0] != run.ID {
		t.Fatalf("timed out = %v", out.TimedOut)
	}
}

func TestAuthRequired(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, _ := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/runs", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status %d", res.StatusCode)
	}
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d", res.StatusCode)
	}
}

func TestAPIKeyRoundTrip(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/api-keys",
		map[string]any{"actor_id": "pipeline", "name": "driver"}, actorHeader)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create key status %d: %s", res.StatusCode, string(data))
	}
	var created APIKeyResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatal(err)
	}
	if created.Key == "" {
		t.Fatal("plaintext key missing from create response")
	}

	// the minted key authenticates
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/runs", nil,
		map[string]string{"X-Api-Key": created.Key})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list runs with api key status %d: %s", res.StatusCode, string(data))
	}

	res, _ = doJSON(t, srv.Client(), http.MethodDelete, srv.URL+"/v0/api-keys/"+created.ID, nil, actorHeader)
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("delete key status %d", res.StatusCode)
	}
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/runs", nil,
		map[string]string{"X-Api-Key": created.Key})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("deleted key still authenticates: %d", res.StatusCode)
	}
}
