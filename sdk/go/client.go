package prodlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Prodline HTTP API client.
type Client struct {
	BaseURL     string
	OrgID       string
	APIKey      string
	BearerToken string
	ActorID     string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, orgID string) *Client {
	return &Client{
		BaseURL: baseURL,
		OrgID:   orgID,
		Timeout: 10 * time.Second,
	}
}

// Operation represents a catalog step.
type Operation struct {
	ID          string `json:"id"`
	OrgID       string `json:"org_id"`
	Name        string `json:"name"`
	Code        string `json:"code"`
	Description string `json:"description"`
	IsFinal     bool   `json:"is_final"`
}

// NodeData carries the display payload of a workflow node.
type NodeData struct {
	Label    string `json:"label"`
	Time     int    `json:"time"`
	Position struct {
		X float64 `json:"x"`
		Y float64 `json:"y"`
	} `json:"position"`
}

// WorkflowNode is one node of a project graph.
type WorkflowNode struct {
	ID          string   `json:"id"`
	OperationID string   `json:"operation_id"`
	Data        NodeData `json:"data"`
}

// WorkflowEdge links two nodes.
type WorkflowEdge struct {
	ID       string `json:"id"`
	SourceID string `json:"source_id"`
	TargetID string `json:"target_id"`
	Count    int    `json:"count,omitempty"`
}

// Workflow is a full graph snapshot with its version.
type Workflow struct {
	ID        string         `json:"id"`
	ProjectID string         `json:"project_id"`
	Version   int64          `json:"version"`
	Nodes     []WorkflowNode `json:"nodes"`
	Edges     []WorkflowEdge `json:"edges"`
	UpdatedAt string         `json:"updated_at"`
}

// HistoryEntry is one ledger row of completed units.
type HistoryEntry struct {
	ID               int64  `json:"id"`
	PlanningID       string `json:"planning_id,omitempty"`
	CommandProjectID string `json:"command_project_id"`
	PostID           string `json:"post_id"`
	OperationID      string `json:"operation_id"`
	OperatorID       string `json:"operator_id"`
	Count            int    `json:"count"`
	CreatedAt        string `json:"created_at"`
}

// Progress is the derived completion of an order line.
type Progress struct {
	CommandProjectID string  `json:"command_project_id"`
	Target           int     `json:"target"`
	Completed        int     `json:"completed"`
	FinalCompleted   int     `json:"final_completed"`
	Percentage       float64 `json:"percentage"`
	Sprint           *struct {
		Target           int `json:"target"`
		Days             int `json:"days"`
		TotalSprints     int `json:"total_sprints"`
		CompletedSprints int `json:"completed_sprints"`
	} `json:"sprint,omitempty"`
}

// HeatmapDay is one cell of an operator heatmap.
type HeatmapDay struct {
	Date     string `json:"date"`
	Count    int    `json:"count"`
	Level    int    `json:"level"`
	Planning *struct {
		StartDate string `json:"start_date"`
		EndDate   string `json:"end_date"`
	} `json:"planning,omitempty"`
}

// Heatmap is an operator's daily activity.
type Heatmap struct {
	OperatorID string       `json:"operator_id"`
	Days       []HeatmapDay `json:"days"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	OrgID      string         `json:"org_id"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	Payload    map[string]any `json:"payload"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateOperation adds a catalog step.
func (c *Client) CreateOperation(ctx context.Context, name, code string, isFinal bool) (Operation, error) {
	body := map[string]any{
		"name":     name,
		"code":     code,
		"is_final": isFinal,
	}
	var resp Operation
	err := c.do(ctx, http.MethodPost, "operations", body, &resp)
	return resp, err
}

// SaveWorkflow submits a full graph snapshot. Pass version 0 on the first
// save and the last read version afterwards; a stale version yields a 409.
func (c *Client) SaveWorkflow(ctx context.Context, projectID string, version int64, nodes []WorkflowNode, edges []WorkflowEdge) (Workflow, error) {
	body := map[string]any{
		"version": version,
		"nodes":   nodes,
		"edges":   edges,
	}
	var resp Workflow
	endpoint := fmt.Sprintf("projects/%s/workflow", url.PathEscape(projectID))
	err := c.do(ctx, http.MethodPut, endpoint, body, &resp)
	return resp, err
}

// GetWorkflow fetches the current graph of a project.
func (c *Client) GetWorkflow(ctx context.Context, projectID string) (Workflow, error) {
	var resp Workflow
	endpoint := fmt.Sprintf("projects/%s/workflow", url.PathEscape(projectID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// AppendHistory reports completed units on an order line.
func (c *Client) AppendHistory(ctx context.Context, entry HistoryEntry) (HistoryEntry, error) {
	body := map[string]any{
		"command_project_id": entry.CommandProjectID,
		"post_id":            entry.PostID,
		"operation_id":       entry.OperationID,
		"operator_id":        entry.OperatorID,
		"count":              entry.Count,
	}
	if entry.PlanningID != "" {
		body["planning_id"] = entry.PlanningID
	}
	var resp HistoryEntry
	err := c.do(ctx, http.MethodPost, "history", body, &resp)
	return resp, err
}

// Progress returns the derived completion of an order line.
func (c *Client) Progress(ctx context.Context, commandProjectID string) (Progress, error) {
	var resp Progress
	endpoint := fmt.Sprintf("command-projects/%s/progress", url.PathEscape(commandProjectID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Heatmap returns an operator's daily activity over the server window.
func (c *Client) Heatmap(ctx context.Context, operatorID string) (Heatmap, error) {
	var resp Heatmap
	endpoint := fmt.Sprintf("operators/%s/heatmap", url.PathEscape(operatorID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Events returns recent events for the client's organization.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	endpoint := fmt.Sprintf("organizations/%s/events", url.PathEscape(c.OrgID))
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp struct {
		Items []Event `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	u := c.base() + "/v1/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, u, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.OrgID != "" {
		req.Header.Set("X-Org-Id", c.OrgID)
	}
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	case c.ActorID != "":
		req.Header.Set("X-Actor-Id", c.ActorID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
