package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"

	"prodline/internal/app"
	"prodline/internal/db"
	"prodline/internal/domain"
	"prodline/internal/engine"
	"prodline/internal/migrate"
)

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, nil)
	_, cfg, err := app.ResolveOrgAndConfig(context.Background(), workspace, "org-1", "tester", e.Repo)
	if err != nil {
		t.Fatalf("resolve org: %v", err)
	}
	e.Config = cfg
	handler, err := New(Config{Engine: e, BasePath: "/v1", Auth: AuthConfig{AllowActorHeader: true}})
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
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
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
	req.Header.Set("X-Actor-Id", "tester")
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

func mustCreate(t *testing.T, client *http.Client, url string, body any, out any) {
	t.Helper()
	res, data := doJSON(t, client, http.MethodPost, url, body, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("POST %s: %d %s", url, res.StatusCode, string(data))
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			t.Fatalf("unmarshal %s response: %v", url, err)
		}
	}
}

func TestWorkflowSaveAndVersionConflict(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	var op domain.Operation
	mustCreate(t, client, srv.URL+"/v1/organizations/org-1/operations", map[string]any{
		"name": "Cut", "code": "cut",
	}, &op)
	var prj domain.Project
	mustCreate(t, client, srv.URL+"/v1/organizations/org-1/projects", map[string]any{
		"name": "Line A",
	}, &prj)

	graph := map[string]any{
		"version": 0,
		"nodes": []map[string]any{
			{"id": "n1", "operation_id": op.ID, "data": map[string]any{"label": "Cut", "time": 10, "position": map[string]any{"x": 0, "y": 0}}},
			{"id": "n2", "operation_id": op.ID, "data": map[string]any{"label": "Cut again", "time": 5, "position": map[string]any{"x": 100, "y": 0}}},
		},
		"edges": []map[string]any{
			{"id": "e1", "source_id": "n1", "target_id": "n2", "count": 1},
		},
	}
	saveRes, saveBody := doJSON(t, client, http.MethodPut, srv.URL+"/v1/projects/"+prj.ID+"/workflow", graph, nil)
	if saveRes.StatusCode != http.StatusOK {
		t.Fatalf("save workflow: %d %s", saveRes.StatusCode, string(saveBody))
	}
	var saved WorkflowResponse
	if err := json.Unmarshal(saveBody, &saved); err != nil {
		t.Fatalf("unmarshal workflow: %v", err)
	}
	if saved.Version != 1 || len(saved.Nodes) != 2 || len(saved.Edges) != 1 {
		t.Fatalf("saved version=%d nodes=%d edges=%d", saved.Version, len(saved.Nodes), len(saved.Edges))
	}

	getRes, getBody := doJSON(t, client, http.MethodGet, srv.URL+"/v1/projects/"+prj.ID+"/workflow", nil, nil)
	if getRes.StatusCode != http.StatusOK {
		t.Fatalf("get workflow: %d %s", getRes.StatusCode, string(getBody))
	}

	// resubmitting version 0 against stored version 1 must conflict
	staleRes, staleBody := doJSON(t, client, http.MethodPut, srv.URL+"/v1/projects/"+prj.ID+"/workflow", graph, nil)
	if staleRes.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d %s", staleRes.StatusCode, string(staleBody))
	}
}

func TestWorkflowCycleRejected(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	var op domain.Operation
	mustCreate(t, client, srv.URL+"/v1/organizations/org-1/operations", map[string]any{
		"name": "Weld", "code": "weld",
	}, &op)
	var prj domain.Project
	mustCreate(t, client, srv.URL+"/v1/organizations/org-1/projects", map[string]any{
		"name": "Line B",
	}, &prj)

	res, body := doJSON(t, client, http.MethodPut, srv.URL+"/v1/projects/"+prj.ID+"/workflow", map[string]any{
		"version": 0,
		"nodes": []map[string]any{
			{"id": "a", "operation_id": op.ID, "data": map[string]any{"label": "a", "time": 1, "position": map[string]any{"x": 0, "y": 0}}},
			{"id": "b", "operation_id": op.ID, "data": map[string]any{"label": "b", "time": 1, "position": map[string]any{"x": 0, "y": 0}}},
		},
		"edges": []map[string]any{
			{"id": "e1", "source_id": "a", "target_id": "b"},
			{"id": "e2", "source_id": "b", "target_id": "a"},
		},
	}, nil)
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d %s", res.StatusCode, string(body))
	}
}

func TestProgressEndpoint(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	var op domain.Operation
	mustCreate(t, client, srv.URL+"/v1/organizations/org-1/operations", map[string]any{
		"name": "Assemble", "code": "assemble", "is_final": true,
	}, &op)
	var prj domain.Project
	mustCreate(t, client, srv.URL+"/v1/organizations/org-1/projects", map[string]any{"name": "Line C"}, &prj)
	var post domain.Post
	mustCreate(t, client, srv.URL+"/v1/organizations/org-1/posts", map[string]any{"name": "Station 1"}, &post)
	var operator domain.Operator
	mustCreate(t, client, srv.URL+"/v1/organizations/org-1/operators", map[string]any{"name": "Mara"}, &operator)
	var cmd domain.Command
	mustCreate(t, client, srv.URL+"/v1/organizations/org-1/commands", map[string]any{"reference": "CMD-1"}, &cmd)
	var cp domain.CommandProject
	mustCreate(t, client, srv.URL+"/v1/commands/"+cmd.ID+"/projects", map[string]any{
		"project_id": prj.ID, "target": 20, "end_date": "2026-06-30",
	}, &cp)

	for _, count := range []int{2, 3, 5} {
		mustCreate(t, client, srv.URL+"/v1/history", map[string]any{
			"command_project_id": cp.ID,
			"post_id":            post.ID,
			"operation_id":       op.ID,
			"operator_id":        operator.ID,
			"count":              count,
		}, nil)
	}

	res, body := doJSON(t, client, http.MethodGet, srv.URL+"/v1/command-projects/"+cp.ID+"/progress", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("progress: %d %s", res.StatusCode, string(body))
	}
	var p engine.Progress
	if err := json.Unmarshal(body, &p); err != nil {
		t.Fatalf("unmarshal progress: %v", err)
	}
	if p.Completed != 10 || p.Percentage != 50 {
		t.Fatalf("completed=%d percentage=%v, want 10/50", p.Completed, p.Percentage)
	}

	hmRes, hmBody := doJSON(t, client, http.MethodGet, srv.URL+"/v1/operators/"+operator.ID+"/heatmap", nil, nil)
	if hmRes.StatusCode != http.StatusOK {
		t.Fatalf("heatmap: %d %s", hmRes.StatusCode, string(hmBody))
	}
	var hm HeatmapResponse
	if err := json.Unmarshal(hmBody, &hm); err != nil {
		t.Fatalf("unmarshal heatmap: %v", err)
	}
	if len(hm.Days) != 1 || hm.Days[0].Count != 10 {
		t.Fatalf("heatmap days=%d, want one day with count 10", len(hm.Days))
	}
}

func TestPlanningOverlapEndpoint(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	var op domain.Operation
	mustCreate(t, client, srv.URL+"/v1/organizations/org-1/operations", map[string]any{
		"name": "Paint", "code": "paint",
	}, &op)
	var prj domain.Project
	mustCreate(t, client, srv.URL+"/v1/organizations/org-1/projects", map[string]any{"name": "Line D"}, &prj)
	var post domain.Post
	mustCreate(t, client, srv.URL+"/v1/organizations/org-1/posts", map[string]any{"name": "Booth"}, &post)
	var operator domain.Operator
	mustCreate(t, client, srv.URL+"/v1/organizations/org-1/operators", map[string]any{"name": "Iberi"}, &operator)
	var cmd domain.Command
	mustCreate(t, client, srv.URL+"/v1/organizations/org-1/commands", map[string]any{"reference": "CMD-2"}, &cmd)
	var cp domain.CommandProject
	mustCreate(t, client, srv.URL+"/v1/commands/"+cmd.ID+"/projects", map[string]any{
		"project_id": prj.ID, "target": 10, "end_date": "2026-06-30",
	}, &cp)

	planning := map[string]any{
		"post_id":            post.ID,
		"operator_id":        operator.ID,
		"operation_id":       op.ID,
		"command_project_id": cp.ID,
		"start_date":         "2026-03-02",
		"end_date":           "2026-03-06",
	}
	mustCreate(t, client, srv.URL+"/v1/plannings", planning, nil)

	planning["start_date"] = "2026-03-04"
	planning["end_date"] = "2026-03-08"
	res, body := doJSON(t, client, http.MethodPost, srv.URL+"/v1/plannings", planning, nil)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d %s", res.StatusCode, string(body))
	}
}

func TestUnauthenticatedRejected(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/v1/organizations", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	res, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", res.StatusCode)
	}

	healthRes, err := srv.Client().Get(srv.URL + "/v1/health")
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	defer healthRes.Body.Close()
	if healthRes.StatusCode != http.StatusOK {
		t.Fatalf("health status %d", healthRes.StatusCode)
	}
}
