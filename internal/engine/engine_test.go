package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"prodline/internal/config"
	"prodline/internal/db"
	"prodline/internal/domain"
	"prodline/internal/engine"
	"prodline/internal/migrate"
	"prodline/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("org-1")
	eng := engine.New(conn, cfg)
	eng.Now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	ctx := context.Background()
	if _, err := eng.InitOrganization(ctx, "org-1", "test", "tester"); err != nil {
		t.Fatalf("init organization: %v", err)
	}
	return testEnv{Engine: eng, Ctx: ctx}
}

func (env testEnv) operation(t *testing.T, code string, isFinal bool) domain.Operation {
	t.Helper()
	op, err := env.Engine.CreateOperation(env.Ctx, engine.OperationCreateOptions{
		OrgID: "org-1", Name: code, Code: code, IsFinal: isFinal, ActorID: "tester",
	})
	if err != nil {
		t.Fatalf("create operation %s: %v", code, err)
	}
	return op
}

func (env testEnv) project(t *testing.T) domain.Project {
	t.Helper()
	p, err := env.Engine.CreateProject(env.Ctx, "org-1", "line A", "tester")
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	return p
}

func (env testEnv) orderLine(t *testing.T, target int) domain.CommandProject {
	t.Helper()
	prj := env.project(t)
	cmd, err := env.Engine.CreateCommand(env.Ctx, "org-1", "CMD-1", "acme", "tester")
	if err != nil {
		t.Fatalf("create command: %v", err)
	}
	cp, err := env.Engine.CreateCommandProject(env.Ctx, engine.CommandProjectCreateOptions{
		CommandID: cmd.ID, ProjectID: prj.ID, Target: target, EndDate: "2026-06-30", ActorID: "tester",
	})
	if err != nil {
		t.Fatalf("create command project: %v", err)
	}
	return cp
}

func (env testEnv) crew(t *testing.T) (domain.Post, domain.Operator) {
	t.Helper()
	post, err := env.Engine.CreatePost(env.Ctx, "org-1", "station 1", "tester")
	if err != nil {
		t.Fatalf("create post: %v", err)
	}
	operator, err := env.Engine.CreateOperator(env.Ctx, "org-1", "mara", "tester")
	if err != nil {
		t.Fatalf("create operator: %v", err)
	}
	return post, operator
}

func node(id, opID string) engine.NodeInput {
	return engine.NodeInput{ID: id, OperationID: opID, Data: domain.NodeData{Label: id, Time: 10}}
}

func edge(id, src, dst string) engine.EdgeInput {
	return engine.EdgeInput{ID: id, SourceID: src, TargetID: dst, Count: 1}
}

func TestWorkflowSaveRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	op := env.operation(t, "cut", false)
	prj := env.project(t)

	g, err := env.Engine.SaveWorkflow(env.Ctx, engine.SaveWorkflowOptions{
		ProjectID: prj.ID,
		Version:   0,
		Nodes:     []engine.NodeInput{node("n1", op.ID), node("n2", op.ID)},
		Edges:     []engine.EdgeInput{edge("e1", "n1", "n2")},
		ActorID:   "tester",
	})
	if err != nil {
		t.Fatalf("save workflow: %v", err)
	}
	if g.Workflow.Version != 1 {
		t.Fatalf("version = %d, want 1", g.Workflow.Version)
	}
	got, err := env.Engine.GetWorkflow(env.Ctx, prj.ID)
	if err != nil {
		t.Fatalf("get workflow: %v", err)
	}
	if len(got.Nodes) != 2 || len(got.Edges) != 1 {
		t.Fatalf("got %d nodes %d edges, want 2/1", len(got.Nodes), len(got.Edges))
	}
	if got.Edges[0].SourceID != "n1" || got.Edges[0].TargetID != "n2" {
		t.Fatalf("edge endpoints = %s->%s", got.Edges[0].SourceID, got.Edges[0].TargetID)
	}
}

func TestWorkflowSaveIdempotent(t *testing.T) {
	env := newTestEnv(t)
	op := env.operation(t, "cut", false)
	prj := env.project(t)
	snapshot := engine.SaveWorkflowOptions{
		ProjectID: prj.ID,
		Nodes:     []engine.NodeInput{node("n1", op.ID), node("n2", op.ID)},
		Edges:     []engine.EdgeInput{edge("e1", "n1", "n2")},
		ActorID:   "tester",
	}
	first, err := env.Engine.SaveWorkflow(env.Ctx, snapshot)
	if err != nil {
		t.Fatalf("first save: %v", err)
	}
	snapshot.Version = first.Workflow.Version
	second, err := env.Engine.SaveWorkflow(env.Ctx, snapshot)
	if err != nil {
		t.Fatalf("second save: %v", err)
	}
	if second.Workflow.Version != first.Workflow.Version+1 {
		t.Fatalf("version = %d, want %d", second.Workflow.Version, first.Workflow.Version+1)
	}
	if len(second.Nodes) != 2 || len(second.Edges) != 1 {
		t.Fatalf("got %d nodes %d edges after resave", len(second.Nodes), len(second.Edges))
	}
}

func TestWorkflowSaveDeletesAbsent(t *testing.T) {
	env := newTestEnv(t)
	op := env.operation(t, "cut", false)
	prj := env.project(t)
	first, err := env.Engine.SaveWorkflow(env.Ctx, engine.SaveWorkflowOptions{
		ProjectID: prj.ID,
		Nodes:     []engine.NodeInput{node("n1", op.ID), node("n2", op.ID), node("n3", op.ID)},
		Edges:     []engine.EdgeInput{edge("e1", "n1", "n2"), edge("e2", "n2", "n3")},
		ActorID:   "tester",
	})
	if err != nil {
		t.Fatalf("first save: %v", err)
	}
	g, err := env.Engine.SaveWorkflow(env.Ctx, engine.SaveWorkflowOptions{
		ProjectID: prj.ID,
		Version:   first.Workflow.Version,
		Nodes:     []engine.NodeInput{node("n1", op.ID), node("n2", op.ID)},
		Edges:     []engine.EdgeInput{edge("e1", "n1", "n2")},
		ActorID:   "tester",
	})
	if err != nil {
		t.Fatalf("second save: %v", err)
	}
	if len(g.Nodes) != 2 || len(g.Edges) != 1 {
		t.Fatalf("got %d nodes %d edges, want 2/1", len(g.Nodes), len(g.Edges))
	}
	for _, n := range g.Nodes {
		if n.ID == "n3" {
			t.Fatalf("node n3 should be deleted")
		}
	}
}

func TestWorkflowSaveRejectsUnknownEdgeEndpoint(t *testing.T) {
	env := newTestEnv(t)
	op := env.operation(t, "cut", false)
	prj := env.project(t)
	_, err := env.Engine.SaveWorkflow(env.Ctx, engine.SaveWorkflowOptions{
		ProjectID: prj.ID,
		Nodes:     []engine.NodeInput{node("n1", op.ID)},
		Edges:     []engine.EdgeInput{edge("e1", "n1", "ghost")},
		ActorID:   "tester",
	})
	var verr engine.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected validation error, got %v", err)
	}
	// nothing persisted
	g, err := env.Engine.GetWorkflow(env.Ctx, prj.ID)
	if err != nil {
		t.Fatalf("get workflow: %v", err)
	}
	if g.Workflow.Version != 0 || len(g.Nodes) != 0 {
		t.Fatalf("failed save leaked state: version %d, %d nodes", g.Workflow.Version, len(g.Nodes))
	}
}

func TestWorkflowSaveRejectsUnknownOperation(t *testing.T) {
	env := newTestEnv(t)
	prj := env.project(t)
	_, err := env.Engine.SaveWorkflow(env.Ctx, engine.SaveWorkflowOptions{
		ProjectID: prj.ID,
		Nodes:     []engine.NodeInput{node("n1", "no-such-op")},
		ActorID:   "tester",
	})
	var verr engine.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestWorkflowSaveRejectsCycle(t *testing.T) {
	env := newTestEnv(t)
	op := env.operation(t, "cut", false)
	prj := env.project(t)
	opts := engine.SaveWorkflowOptions{
		ProjectID: prj.ID,
		Nodes:     []engine.NodeInput{node("n1", op.ID), node("n2", op.ID), node("n3", op.ID)},
		Edges:     []engine.EdgeInput{edge("e1", "n1", "n2"), edge("e2", "n2", "n3"), edge("e3", "n3", "n1")},
		ActorID:   "tester",
	}
	_, err := env.Engine.SaveWorkflow(env.Ctx, opts)
	var verr engine.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected cycle rejection, got %v", err)
	}

	env.Engine.Config.Workflow.AllowCycles = true
	if _, err := env.Engine.SaveWorkflow(env.Ctx, opts); err != nil {
		t.Fatalf("cycle with allow_cycles: %v", err)
	}
}

func TestWorkflowSaveStaleVersion(t *testing.T) {
	env := newTestEnv(t)
	op := env.operation(t, "cut", false)
	prj := env.project(t)
	if _, err := env.Engine.SaveWorkflow(env.Ctx, engine.SaveWorkflowOptions{
		ProjectID: prj.ID,
		Nodes:     []engine.NodeInput{node("n1", op.ID)},
		ActorID:   "tester",
	}); err != nil {
		t.Fatalf("first save: %v", err)
	}
	_, err := env.Engine.SaveWorkflow(env.Ctx, engine.SaveWorkflowOptions{
		ProjectID: prj.ID,
		Version:   0, // stored is now 1
		Nodes:     []engine.NodeInput{node("n1", op.ID)},
		ActorID:   "tester",
	})
	var cerr engine.ConflictError
	if !errors.As(err, &cerr) {
		t.Fatalf("expected version conflict, got %v", err)
	}
}

func TestGetWorkflowEmptyProject(t *testing.T) {
	env := newTestEnv(t)
	prj := env.project(t)
	g, err := env.Engine.GetWorkflow(env.Ctx, prj.ID)
	if err != nil {
		t.Fatalf("get workflow: %v", err)
	}
	if g.Workflow.Version != 0 || len(g.Nodes) != 0 || len(g.Edges) != 0 {
		t.Fatalf("want empty graph at version 0, got version %d", g.Workflow.Version)
	}
	if _, err := env.Engine.GetWorkflow(env.Ctx, "no-such-project"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("unknown project: %v", err)
	}
}

func TestProgressArithmetic(t *testing.T) {
	env := newTestEnv(t)
	cp := env.orderLine(t, 20)
	op := env.operation(t, "assemble", true)
	post, operator := env.crew(t)

	for _, count := range []int{2, 3, 5} {
		if _, err := env.Engine.AppendHistory(env.Ctx, engine.HistoryAppendOptions{
			CommandProjectID: cp.ID,
			PostID:           post.ID,
			OperationID:      op.ID,
			OperatorID:       operator.ID,
			Count:            count,
			ActorID:          "tester",
		}); err != nil {
			t.Fatalf("append history: %v", err)
		}
	}
	p, err := env.Engine.OrderLineProgress(env.Ctx, cp.ID)
	if err != nil {
		t.Fatalf("progress: %v", err)
	}
	if p.Completed != 10 {
		t.Fatalf("completed = %d, want 10", p.Completed)
	}
	if p.Percentage != 50 {
		t.Fatalf("percentage = %v, want 50", p.Percentage)
	}
	if p.FinalCompleted != 10 {
		t.Fatalf("final completed = %d, want 10", p.FinalCompleted)
	}
	if p.Sprint != nil {
		t.Fatalf("no sprint configured, got %+v", p.Sprint)
	}
}

func TestSprintProgress(t *testing.T) {
	env := newTestEnv(t)
	cp := env.orderLine(t, 20)
	op := env.operation(t, "assemble", true)
	post, operator := env.crew(t)

	if _, err := env.Engine.SetSprint(env.Ctx, cp.ID, 5, 7, "tester"); err != nil {
		t.Fatalf("set sprint: %v", err)
	}
	if _, err := env.Engine.AppendHistory(env.Ctx, engine.HistoryAppendOptions{
		CommandProjectID: cp.ID, PostID: post.ID, OperationID: op.ID, OperatorID: operator.ID,
		Count: 12, ActorID: "tester",
	}); err != nil {
		t.Fatalf("append history: %v", err)
	}
	p, err := env.Engine.OrderLineProgress(env.Ctx, cp.ID)
	if err != nil {
		t.Fatalf("progress: %v", err)
	}
	if p.Sprint == nil {
		t.Fatal("expected sprint progress")
	}
	if p.Sprint.TotalSprints != 4 {
		t.Fatalf("total sprints = %d, want 4", p.Sprint.TotalSprints)
	}
	if p.Sprint.CompletedSprints != 2 {
		t.Fatalf("completed sprints = %d, want 2", p.Sprint.CompletedSprints)
	}
}

func TestAppendHistoryValidation(t *testing.T) {
	env := newTestEnv(t)
	cp := env.orderLine(t, 10)
	op := env.operation(t, "assemble", true)
	post, operator := env.crew(t)

	_, err := env.Engine.AppendHistory(env.Ctx, engine.HistoryAppendOptions{
		CommandProjectID: cp.ID, PostID: post.ID, OperationID: op.ID, OperatorID: operator.ID,
		Count: -1, ActorID: "tester",
	})
	var verr engine.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("negative count: %v", err)
	}
	_, err = env.Engine.AppendHistory(env.Ctx, engine.HistoryAppendOptions{
		CommandProjectID: "no-such-line", PostID: post.ID, OperationID: op.ID, OperatorID: operator.ID,
		Count: 1, ActorID: "tester",
	})
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("unknown order line: %v", err)
	}
}

func TestPlanningOverlapConflict(t *testing.T) {
	env := newTestEnv(t)
	cp := env.orderLine(t, 10)
	op := env.operation(t, "assemble", false)
	post, operator := env.crew(t)

	base := engine.PlanningOptions{
		PostID:           post.ID,
		OperatorID:       operator.ID,
		OperationID:      op.ID,
		CommandProjectID: cp.ID,
		StartDate:        "2026-03-02",
		EndDate:          "2026-03-06",
		ActorID:          "tester",
	}
	first, err := env.Engine.CreatePlanning(env.Ctx, base)
	if err != nil {
		t.Fatalf("create planning: %v", err)
	}

	overlapping := base
	overlapping.StartDate = "2026-03-05"
	overlapping.EndDate = "2026-03-09"
	_, err = env.Engine.CreatePlanning(env.Ctx, overlapping)
	var cerr engine.ConflictError
	if !errors.As(err, &cerr) {
		t.Fatalf("expected overlap conflict, got %v", err)
	}

	// touching windows do not overlap
	adjacent := base
	adjacent.StartDate = "2026-03-06"
	adjacent.EndDate = "2026-03-10"
	if _, err := env.Engine.CreatePlanning(env.Ctx, adjacent); err != nil {
		t.Fatalf("adjacent planning: %v", err)
	}

	// updating a planning does not conflict with itself
	moved := base
	moved.ID = first.ID
	moved.EndDate = "2026-03-05"
	if _, err := env.Engine.UpdatePlanning(env.Ctx, moved); err != nil {
		t.Fatalf("update planning: %v", err)
	}

	env.Engine.Config.Planning.AllowOverlap = true
	if _, err := env.Engine.CreatePlanning(env.Ctx, overlapping); err != nil {
		t.Fatalf("overlap with allow_overlap: %v", err)
	}
}

func TestPlanningDateValidation(t *testing.T) {
	env := newTestEnv(t)
	cp := env.orderLine(t, 10)
	op := env.operation(t, "assemble", false)
	post, operator := env.crew(t)

	_, err := env.Engine.CreatePlanning(env.Ctx, engine.PlanningOptions{
		PostID: post.ID, OperatorID: operator.ID, OperationID: op.ID, CommandProjectID: cp.ID,
		StartDate: "2026-03-06", EndDate: "2026-03-06", ActorID: "tester",
	})
	var verr engine.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected end-after-start rejection, got %v", err)
	}
}

func TestOperatorHeatmap(t *testing.T) {
	env := newTestEnv(t)
	cp := env.orderLine(t, 10)
	op := env.operation(t, "assemble", false)
	post, operator := env.crew(t)

	for _, count := range []int{3, 2} {
		if _, err := env.Engine.AppendHistory(env.Ctx, engine.HistoryAppendOptions{
			CommandProjectID: cp.ID, PostID: post.ID, OperationID: op.ID, OperatorID: operator.ID,
			Count: count, ActorID: "tester",
		}); err != nil {
			t.Fatalf("append history: %v", err)
		}
	}
	hm, err := env.Engine.OperatorHeatmap(env.Ctx, operator.ID)
	if err != nil {
		t.Fatalf("heatmap: %v", err)
	}
	if len(hm.Days) != 1 {
		t.Fatalf("got %d days, want 1", len(hm.Days))
	}
	if hm.Days[0].Date != "2026-03-01" || hm.Days[0].Count != 5 {
		t.Fatalf("day %s count %d, want 2026-03-01/5", hm.Days[0].Date, hm.Days[0].Count)
	}
}

func TestCommandProjectValidation(t *testing.T) {
	env := newTestEnv(t)
	prj := env.project(t)
	cmd, err := env.Engine.CreateCommand(env.Ctx, "org-1", "CMD-2", "", "tester")
	if err != nil {
		t.Fatalf("create command: %v", err)
	}
	_, err = env.Engine.CreateCommandProject(env.Ctx, engine.CommandProjectCreateOptions{
		CommandID: cmd.ID, ProjectID: prj.ID, Target: 0, EndDate: "2026-06-30", ActorID: "tester",
	})
	var verr engine.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected target validation, got %v", err)
	}
}

func TestWorkflowNodeIDsScopedPerProject(t *testing.T) {
	env := newTestEnv(t)
	opA := env.operation(t, "cut", false)
	opB := env.operation(t, "weld", false)
	prjA := env.project(t)
	prjB := env.project(t)

	if _, err := env.Engine.SaveWorkflow(env.Ctx, engine.SaveWorkflowOptions{
		ProjectID: prjA.ID,
		Nodes:     []engine.NodeInput{node("shared", opA.ID), node("a2", opA.ID)},
		Edges:     []engine.EdgeInput{edge("e1", "shared", "a2")},
		ActorID:   "tester",
	}); err != nil {
		t.Fatalf("save project A: %v", err)
	}

	// Project B reuses the editor-assigned id "shared".
	saved, err := env.Engine.SaveWorkflow(env.Ctx, engine.SaveWorkflowOptions{
		ProjectID: prjB.ID,
		Nodes:     []engine.NodeInput{{ID: "shared", OperationID: opB.ID, Data: domain.NodeData{Label: "b-shared", Time: 5}}},
		ActorID:   "tester",
	})
	if err != nil {
		t.Fatalf("save project B: %v", err)
	}
	if len(saved.Nodes) != 1 {
		t.Fatalf("B saved %d nodes, want 1", len(saved.Nodes))
	}

	gotB, err := env.Engine.GetWorkflow(env.Ctx, prjB.ID)
	if err != nil {
		t.Fatalf("get workflow B: %v", err)
	}
	if len(gotB.Nodes) != 1 || gotB.Nodes[0].OperationID != opB.ID {
		t.Fatalf("B round-trip: %d nodes", len(gotB.Nodes))
	}

	gotA, err := env.Engine.GetWorkflow(env.Ctx, prjA.ID)
	if err != nil {
		t.Fatalf("get workflow A: %v", err)
	}
	if len(gotA.Nodes) != 2 || len(gotA.Edges) != 1 {
		t.Fatalf("A has %d nodes %d edges after B's save, want 2/1", len(gotA.Nodes), len(gotA.Edges))
	}
	for _, n := range gotA.Nodes {
		if n.ID == "shared" && (n.OperationID != opA.ID || n.Data.Label != "shared") {
			t.Fatalf("A node %q changed: op %s label %q", n.ID, n.OperationID, n.Data.Label)
		}
	}
}

func TestProgressZeroTarget(t *testing.T) {
	env := newTestEnv(t)
	op := env.operation(t, "pack", true)
	prj := env.project(t)
	post, operator := env.crew(t)
	cmd, err := env.Engine.CreateCommand(env.Ctx, "org-1", "CMD-3", "", "tester")
	if err != nil {
		t.Fatalf("create command: %v", err)
	}
	// CreateCommandProject rejects target <= 0, so seed the row directly.
	cp := domain.CommandProject{
		ID: "line-zero", CommandID: cmd.ID, ProjectID: prj.ID, Target: 0,
		EndDate: "2026-06-30", Status: "pending", CreatedAt: "2026-03-01T12:00:00Z",
	}
	if err := env.Engine.Repo.InsertCommandProject(env.Ctx, cp); err != nil {
		t.Fatalf("insert command project: %v", err)
	}
	if _, err := env.Engine.AppendHistory(env.Ctx, engine.HistoryAppendOptions{
		CommandProjectID: cp.ID, PostID: post.ID, OperationID: op.ID, OperatorID: operator.ID,
		Count: 4, ActorID: "tester",
	}); err != nil {
		t.Fatalf("append history: %v", err)
	}
	p, err := env.Engine.OrderLineProgress(env.Ctx, cp.ID)
	if err != nil {
		t.Fatalf("progress: %v", err)
	}
	if p.Completed != 4 {
		t.Fatalf("completed = %d, want 4", p.Completed)
	}
	if p.Percentage != 0 {
		t.Fatalf("percentage = %v, want 0 for zero target", p.Percentage)
	}
}
