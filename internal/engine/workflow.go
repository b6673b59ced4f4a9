package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"prodline/internal/domain"
	"prodline/internal/events"
	"prodline/internal/repo"
)

// NodeInput is one node of an incoming workflow snapshot.
type NodeInput struct {
	ID          string
	OperationID string
	Data        domain.NodeData
}

// EdgeInput is one edge of an incoming workflow snapshot.
type EdgeInput struct {
	ID       string
	SourceID string
	TargetID string
	Count    int
}

// SaveWorkflowOptions is the full desired graph of a project. The save is a
// diff against stored state: anything present is upserted, anything absent
// is deleted.
type SaveWorkflowOptions struct {
	ProjectID string
	Version   int64
	Nodes     []NodeInput
	Edges     []EdgeInput
	ActorID   string
}

// Graph is a workflow with its nodes and edges. A project that was never
// saved has a zero Workflow (version 0) and empty slices.
type Graph struct {
	Workflow domain.Workflow
	Nodes    []domain.WorkflowNode
	Edges    []domain.WorkflowEdge
}

// SaveWorkflow reconciles the stored graph of a project against the given
// snapshot in one transaction. The submitted version must match the stored
// one (0 matches a project with no workflow yet); on success the stored
// version is bumped and returned with the full graph.
func (e Engine) SaveWorkflow(ctx context.Context, opts SaveWorkflowOptions) (Graph, error) {
	if opts.ProjectID == "" {
		return Graph{}, ValidationError{"project id is required"}
	}
	if _, err := e.Repo.GetProject(ctx, opts.ProjectID); err != nil {
		return Graph{}, err
	}
	if err := validateSnapshot(opts.Nodes, opts.Edges); err != nil {
		return Graph{}, err
	}
	for _, n := range opts.Nodes {
		if _, err := e.Repo.GetOperation(ctx, n.OperationID); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return Graph{}, ValidationError{fmt.Sprintf("node %s references unknown operation %s", n.ID, n.OperationID)}
			}
			return Graph{}, err
		}
	}

	orgID := e.orgForProject(ctx, opts.ProjectID)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return Graph{}, err
	}
	defer tx.Rollback()

	now := e.now().UTC().Format(time.RFC3339)
	wf, err := e.Repo.GetWorkflowByProjectTx(ctx, tx, opts.ProjectID)
	created := false
	switch {
	case errors.Is(err, repo.ErrNotFound):
		if opts.Version != 0 {
			return Graph{}, ConflictError{fmt.Sprintf("workflow version mismatch: submitted %d, project has none", opts.Version)}
		}
		wf = domain.Workflow{
			ID:        uuid.New().String(),
			ProjectID: opts.ProjectID,
			Version:   0,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := e.Repo.InsertWorkflowTx(ctx, tx, wf); err != nil {
			return Graph{}, err
		}
		created = true
	case err != nil:
		return Graph{}, err
	default:
		if opts.Version != wf.Version {
			return Graph{}, ConflictError{fmt.Sprintf("workflow version mismatch: submitted %d, stored %d", opts.Version, wf.Version)}
		}
	}

	storedIDs, err := e.Repo.ListNodeIDsTx(ctx, tx, wf.ID)
	if err != nil {
		return Graph{}, err
	}
	known := make(map[string]bool, len(storedIDs)+len(opts.Nodes))
	for _, id := range storedIDs {
		known[id] = true
	}
	for _, n := range opts.Nodes {
		known[n.ID] = true
	}
	for _, ed := range opts.Edges {
		if !known[ed.SourceID] {
			return Graph{}, ValidationError{fmt.Sprintf("edge %s references unknown node %s", ed.ID, ed.SourceID)}
		}
		if !known[ed.TargetID] {
			return Graph{}, ValidationError{fmt.Sprintf("edge %s references unknown node %s", ed.ID, ed.TargetID)}
		}
	}
	if e.Config == nil || !e.Config.Workflow.AllowCycles {
		if hasCycle(opts.Nodes, opts.Edges) {
			return Graph{}, ValidationError{"workflow contains a cycle"}
		}
	}

	// Upsert nodes, then edges, then delete absent edges before absent
	// nodes: a node delete must never break a surviving edge.
	keepNodes := make([]string, 0, len(opts.Nodes))
	for _, n := range opts.Nodes {
		keepNodes = append(keepNodes, n.ID)
		node := domain.WorkflowNode{ID: n.ID, WorkflowID: wf.ID, OperationID: n.OperationID, Data: n.Data}
		if err := e.Repo.UpsertNodeTx(ctx, tx, node); err != nil {
			return Graph{}, err
		}
	}
	keepEdges := make([]string, 0, len(opts.Edges))
	for _, ed := range opts.Edges {
		keepEdges = append(keepEdges, ed.ID)
		edge := domain.WorkflowEdge{ID: ed.ID, WorkflowID: wf.ID, SourceID: ed.SourceID, TargetID: ed.TargetID, Count: ed.Count}
		if err := e.Repo.UpsertEdgeTx(ctx, tx, edge); err != nil {
			return Graph{}, err
		}
	}
	if err := e.Repo.DeleteEdgesNotInTx(ctx, tx, wf.ID, keepEdges); err != nil {
		return Graph{}, err
	}
	if err := e.Repo.DeleteNodesNotInTx(ctx, tx, wf.ID, keepNodes); err != nil {
		return Graph{}, err
	}

	version, err := e.Repo.BumpWorkflowVersionTx(ctx, tx, wf.ID, now)
	if err != nil {
		return Graph{}, err
	}
	wf.Version = version
	wf.UpdatedAt = now
	if created {
		if err := e.Repo.SetProjectWorkflowTx(ctx, tx, opts.ProjectID, wf.ID); err != nil {
			return Graph{}, err
		}
	}
	if err := e.Events.Append(ctx, tx, "workflow.saved", orgID, "workflow", wf.ID, opts.ActorID, events.EventPayload{
		"project_id": opts.ProjectID,
		"version":    version,
		"nodes":      len(opts.Nodes),
		"edges":      len(opts.Edges),
	}); err != nil {
		return Graph{}, err
	}
	if err := tx.Commit(); err != nil {
		return Graph{}, err
	}

	nodes, err := e.Repo.ListNodes(ctx, wf.ID)
	if err != nil {
		return Graph{}, err
	}
	edges, err := e.Repo.ListEdges(ctx, wf.ID)
	if err != nil {
		return Graph{}, err
	}
	return Graph{Workflow: wf, Nodes: nodes, Edges: edges}, nil
}

// GetWorkflow reads the graph of a project. A project without a saved
// workflow yields an empty graph at version 0, not an error.
func (e Engine) GetWorkflow(ctx context.Context, projectID string) (Graph, error) {
	if _, err := e.Repo.GetProject(ctx, projectID); err != nil {
		return Graph{}, err
	}
	wf, err := e.Repo.GetWorkflowByProject(ctx, projectID)
	if errors.Is(err, repo.ErrNotFound) {
		return Graph{Workflow: domain.Workflow{ProjectID: projectID, Version: 0}}, nil
	}
	if err != nil {
		return Graph{}, err
	}
	nodes, err := e.Repo.ListNodes(ctx, wf.ID)
	if err != nil {
		return Graph{}, err
	}
	edges, err := e.Repo.ListEdges(ctx, wf.ID)
	if err != nil {
		return Graph{}, err
	}
	return Graph{Workflow: wf, Nodes: nodes, Edges: edges}, nil
}

func (e Engine) orgForProject(ctx context.Context, projectID string) string {
	p, err := e.Repo.GetProject(ctx, projectID)
	if err != nil {
		return ""
	}
	return p.OrgID
}

func validateSnapshot(nodes []NodeInput, edges []EdgeInput) error {
	seenNodes := make(map[string]bool, len(nodes))
	for _, n := range nodes {
		if n.ID == "" {
			return ValidationError{"node id is required"}
		}
		if n.OperationID == "" {
			return ValidationError{fmt.Sprintf("node %s has no operation", n.ID)}
		}
		if n.Data.Time < 0 {
			return ValidationError{fmt.Sprintf("node %s has negative time", n.ID)}
		}
		if seenNodes[n.ID] {
			return ValidationError{fmt.Sprintf("duplicate node id %s", n.ID)}
		}
		seenNodes[n.ID] = true
	}
	seenEdges := make(map[string]bool, len(edges))
	for _, ed := range edges {
		if ed.ID == "" {
			return ValidationError{"edge id is required"}
		}
		if ed.Count < 0 {
			return ValidationError{fmt.Sprintf("edge %s has negative count", ed.ID)}
		}
		if seenEdges[ed.ID] {
			return ValidationError{fmt.Sprintf("duplicate edge id %s", ed.ID)}
		}
		seenEdges[ed.ID] = true
	}
	return nil
}

// hasCycle runs Kahn's algorithm over the submitted snapshot. Edges whose
// endpoints are not in the snapshot are ignored: they can only reference
// nodes being deleted in the same save.
func hasCycle(nodes []NodeInput, edges []EdgeInput) bool {
	inSnapshot := make(map[string]bool, len(nodes))
	for _, n := range nodes {
		inSnapshot[n.ID] = true
	}
	indegree := make(map[string]int, len(nodes))
	adjacent := make(map[string][]string, len(nodes))
	for _, n := range nodes {
		indegree[n.ID] = 0
	}
	for _, ed := range edges {
		if !inSnapshot[ed.SourceID] || !inSnapshot[ed.TargetID] {
			continue
		}
		adjacent[ed.SourceID] = append(adjacent[ed.SourceID], ed.TargetID)
		indegree[ed.TargetID]++
	}
	queue := make([]string, 0, len(nodes))
	for id, deg := range indegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}
	visited := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++
		for _, next := range adjacent[id] {
			indegree[next]--
			if indegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	return visited != len(nodes)
}
