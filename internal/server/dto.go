package server

import (
	"prodline/internal/domain"
	"prodline/internal/engine"
	"prodline/internal/heatmap"
)

type CreateOrganizationRequest struct {
	ID   string `json:"id" example:"atelier-nord"`
	Name string `json:"name,omitempty"`
}

type OrganizationResponse struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

func organizationResponse(o domain.Organization) OrganizationResponse {
	return OrganizationResponse{ID: o.ID, Name: o.Name, CreatedAt: o.CreatedAt}
}

type CreateOperationRequest struct {
	ID          *string `json:"id,omitempty"`
	Name        string  `json:"name"`
	Code        string  `json:"code" example:"cut"`
	Description *string `json:"description,omitempty"`
	IsFinal     bool    `json:"is_final,omitempty"`
}

type UpdateOperationRequest struct {
	Name        *string `json:"name,omitempty"`
	Code        *string `json:"code,omitempty"`
	Description *string `json:"description,omitempty"`
	IsFinal     *bool   `json:"is_final,omitempty"`
}

type CreateNamedRequest struct {
	Name string `json:"name"`
}

type CreateCommandRequest struct {
	Reference string `json:"reference" example:"CMD-2031"`
	Customer  string `json:"customer,omitempty"`
}

type CreateCommandProjectRequest struct {
	ProjectID string `json:"project_id"`
	Target    int    `json:"target" example:"500"`
	StartDate string `json:"start_date,omitempty" example:"2026-03-01"`
	EndDate   string `json:"end_date" example:"2026-06-30"`
}

type UpdateCommandProjectStatusRequest struct {
	Status string `json:"status" enum:"pending,in_progress,delivered,canceled"`
}

type SetSprintRequest struct {
	Target int `json:"target" example:"50"`
	Days   int `json:"days" example:"7"`
}

// WorkflowNodeDTO is the wire form of one graph node.
type WorkflowNodeDTO struct {
	ID          string          `json:"id"`
	OperationID string          `json:"operation_id"`
	Data        domain.NodeData `json:"data"`
}

type WorkflowEdgeDTO struct {
	ID       string `json:"id"`
	SourceID string `json:"source_id"`
	TargetID string `json:"target_id"`
	Count    int    `json:"count,omitempty"`
}

// SaveWorkflowRequest is the full desired graph plus the version the client
// last read. Version 0 is a first save.
type SaveWorkflowRequest struct {
	Version int64             `json:"version"`
	Nodes   []WorkflowNodeDTO `json:"nodes"`
	Edges   []WorkflowEdgeDTO `json:"edges"`
}

type WorkflowResponse struct {
	ID        string            `json:"id,omitempty"`
	ProjectID string            `json:"project_id"`
	Version   int64             `json:"version"`
	Nodes     []WorkflowNodeDTO `json:"nodes"`
	Edges     []WorkflowEdgeDTO `json:"edges"`
	UpdatedAt string            `json:"updated_at,omitempty" format:"date-time"`
}

func workflowResponse(g engine.Graph) WorkflowResponse {
	resp := WorkflowResponse{
		ID:        g.Workflow.ID,
		ProjectID: g.Workflow.ProjectID,
		Version:   g.Workflow.Version,
		Nodes:     make([]WorkflowNodeDTO, 0, len(g.Nodes)),
		Edges:     make([]WorkflowEdgeDTO, 0, len(g.Edges)),
		UpdatedAt: g.Workflow.UpdatedAt,
	}
	for _, n := range g.Nodes {
		resp.Nodes = append(resp.Nodes, WorkflowNodeDTO{ID: n.ID, OperationID: n.OperationID, Data: n.Data})
	}
	for _, e := range g.Edges {
		resp.Edges = append(resp.Edges, WorkflowEdgeDTO{ID: e.ID, SourceID: e.SourceID, TargetID: e.TargetID, Count: e.Count})
	}
	return resp
}

func saveOptions(projectID, actorID string, req SaveWorkflowRequest) engine.SaveWorkflowOptions {
	opts := engine.SaveWorkflowOptions{
		ProjectID: projectID,
		Version:   req.Version,
		ActorID:   actorID,
		Nodes:     make([]engine.NodeInput, 0, len(req.Nodes)),
		Edges:     make([]engine.EdgeInput, 0, len(req.Edges)),
	}
	for _, n := range req.Nodes {
		opts.Nodes = append(opts.Nodes, engine.NodeInput{ID: n.ID, OperationID: n.OperationID, Data: n.Data})
	}
	for _, e := range req.Edges {
		opts.Edges = append(opts.Edges, engine.EdgeInput{ID: e.ID, SourceID: e.SourceID, TargetID: e.TargetID, Count: e.Count})
	}
	return opts
}

type PlanningRequest struct {
	PostID           string `json:"post_id"`
	OperatorID       string `json:"operator_id"`
	OperationID      string `json:"operation_id"`
	CommandProjectID string `json:"command_project_id"`
	StartDate        string `json:"start_date" example:"2026-03-02"`
	EndDate          string `json:"end_date" example:"2026-03-06"`
}

type AppendHistoryRequest struct {
	PlanningID       string `json:"planning_id,omitempty"`
	CommandProjectID string `json:"command_project_id"`
	PostID           string `json:"post_id"`
	OperationID      string `json:"operation_id"`
	OperatorID       string `json:"operator_id"`
	Count            int    `json:"count" example:"12"`
}

type HeatmapResponse struct {
	OperatorID string         `json:"operator_id"`
	Days       []heatmap.Cell `json:"days"`
}

type MeResponse struct {
	ActorID     string   `json:"actor_id"`
	Source      string   `json:"source"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
}
