package domain

type Organization struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Operation struct {
	ID          string `json:"id"`
	OrgID       string `json:"org_id"`
	Name        string `json:"name"`
	Code        string `json:"code"`
	Description string `json:"description,omitempty"`
	IsFinal     bool   `json:"is_final"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type Post struct {
	ID        string `json:"id"`
	OrgID     string `json:"org_id"`
	Name      string `json:"name"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Operator struct {
	ID        string `json:"id"`
	OrgID     string `json:"org_id"`
	Name      string `json:"name"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Project struct {
	ID         string  `json:"id"`
	OrgID      string  `json:"org_id"`
	Name       string  `json:"name"`
	WorkflowID *string `json:"workflow_id,omitempty"`
	CreatedAt  string  `json:"created_at" format:"date-time"`
}

type Command struct {
	ID        string `json:"id"`
	OrgID     string `json:"org_id"`
	Reference string `json:"reference"`
	Customer  string `json:"customer,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// CommandProject is one order line: a project ordered under a command with a
// unit target and a deadline. Completed counts are never stored here; they
// are summed from operation_history at read time.
type CommandProject struct {
	ID        string  `json:"id"`
	CommandID string  `json:"command_id"`
	ProjectID string  `json:"project_id"`
	Target    int     `json:"target"`
	StartDate *string `json:"start_date,omitempty" format:"date"`
	EndDate   string  `json:"end_date" format:"date"`
	Status    string  `json:"status" enum:"pending,in_progress,delivered,canceled"`
	CreatedAt string  `json:"created_at" format:"date-time"`
}

// Sprint expresses an order line target as equal-sized increments.
type Sprint struct {
	CommandProjectID string `json:"command_project_id"`
	Target           int    `json:"target"`
	Days             int    `json:"days"`
}

type Workflow struct {
	ID        string `json:"id"`
	ProjectID string `json:"project_id"`
	Version   int64  `json:"version"`
	CreatedAt string `json:"created_at" format:"date-time"`
	UpdatedAt string `json:"updated_at" format:"date-time"`
}

type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// NodeData carries the editor-facing attributes of a node. Time is the
// duration estimate in minutes.
type NodeData struct {
	Label    string   `json:"label"`
	Time     int      `json:"time"`
	Position Position `json:"position"`
}

// WorkflowNode identity is assigned by the graph editor and is stable across
// saves; it is the reconciliation key.
type WorkflowNode struct {
	ID          string   `json:"id"`
	WorkflowID  string   `json:"workflow_id"`
	OperationID string   `json:"operation_id"`
	Data        NodeData `json:"data"`
}

type WorkflowEdge struct {
	ID         string `json:"id"`
	WorkflowID string `json:"workflow_id"`
	SourceID   string `json:"source_id"`
	TargetID   string `json:"target_id"`
	Count      int    `json:"count"`
}

// Planning assigns one operator at one post to one operation for one order
// line during a date window.
type Planning struct {
	ID               string `json:"id"`
	PostID           string `json:"post_id"`
	OperatorID       string `json:"operator_id"`
	OperationID      string `json:"operation_id"`
	CommandProjectID string `json:"command_project_id"`
	StartDate        string `json:"start_date" format:"date"`
	EndDate          string `json:"end_date" format:"date"`
	CreatedAt        string `json:"created_at" format:"date-time"`
}

// OperationHistory is append-only: one row per reported unit-count event,
// never updated or deleted.
type OperationHistory struct {
	ID               int64   `json:"id"`
	PlanningID       *string `json:"planning_id,omitempty"`
	CommandProjectID string  `json:"command_project_id"`
	PostID           string  `json:"post_id"`
	OperationID      string  `json:"operation_id"`
	OperatorID       string  `json:"operator_id"`
	Count            int     `json:"count"`
	CreatedAt        string  `json:"created_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	OrgID      string `json:"org_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
