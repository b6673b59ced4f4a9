package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"prodline/internal/domain"
)

// GetWorkflowByProject returns the workflow row for a project, ErrNotFound
// when the project has never been saved.
func (r Repo) GetWorkflowByProject(ctx context.Context, projectID string) (domain.Workflow, error) {
	var w domain.Workflow
	err := r.DB.QueryRowContext(ctx, `SELECT id,project_id,version,created_at,updated_at FROM workflows WHERE project_id=?`, projectID).
		Scan(&w.ID, &w.ProjectID, &w.Version, &w.CreatedAt, &w.UpdatedAt)
	if err == sql.ErrNoRows {
		return w, ErrNotFound
	}
	return w, err
}

func (r Repo) GetWorkflowByProjectTx(ctx context.Context, tx *sql.Tx, projectID string) (domain.Workflow, error) {
	var w domain.Workflow
	err := tx.QueryRowContext(ctx, `SELECT id,project_id,version,created_at,updated_at FROM workflows WHERE project_id=?`, projectID).
		Scan(&w.ID, &w.ProjectID, &w.Version, &w.CreatedAt, &w.UpdatedAt)
	if err == sql.ErrNoRows {
		return w, ErrNotFound
	}
	return w, err
}

func (r Repo) InsertWorkflowTx(ctx context.Context, tx *sql.Tx, w domain.Workflow) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO workflows(id,project_id,version,created_at,updated_at) VALUES (?,?,?,?,?)`,
		w.ID, w.ProjectID, w.Version, w.CreatedAt, w.UpdatedAt)
	return err
}

func (r Repo) BumpWorkflowVersionTx(ctx context.Context, tx *sql.Tx, workflowID, updatedAt string) (int64, error) {
	if _, err := tx.ExecContext(ctx, `UPDATE workflows SET version=version+1, updated_at=? WHERE id=?`, updatedAt, workflowID); err != nil {
		return 0, err
	}
	var v int64
	err := tx.QueryRowContext(ctx, `SELECT version FROM workflows WHERE id=?`, workflowID).Scan(&v)
	return v, err
}

func (r Repo) SetProjectWorkflowTx(ctx context.Context, tx *sql.Tx, projectID, workflowID string) error {
	res, err := tx.ExecContext(ctx, `UPDATE projects SET workflow_id=? WHERE id=?`, workflowID, projectID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpsertNodeTx inserts or updates a node by its editor-assigned id. Node
// ids are scoped to the workflow, so the same id under two projects never
// collides.
func (r Repo) UpsertNodeTx(ctx context.Context, tx *sql.Tx, n domain.WorkflowNode) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO workflow_nodes(workflow_id,id,operation_id,label,time,pos_x,pos_y) VALUES (?,?,?,?,?,?,?)
ON CONFLICT(workflow_id,id) DO UPDATE SET operation_id=excluded.operation_id, label=excluded.label, time=excluded.time, pos_x=excluded.pos_x, pos_y=excluded.pos_y`,
		n.WorkflowID, n.ID, n.OperationID, n.Data.Label, n.Data.Time, n.Data.Position.X, n.Data.Position.Y)
	return err
}

func (r Repo) UpsertEdgeTx(ctx context.Context, tx *sql.Tx, e domain.WorkflowEdge) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO workflow_edges(workflow_id,id,source_id,target_id,count) VALUES (?,?,?,?,?)
ON CONFLICT(workflow_id,id) DO UPDATE SET source_id=excluded.source_id, target_id=excluded.target_id, count=excluded.count`,
		e.WorkflowID, e.ID, e.SourceID, e.TargetID, e.Count)
	return err
}

// DeleteNodesNotInTx removes every node of the workflow whose id is absent
// from keep. Runs after edge reconciliation so no surviving edge can be
// orphaned by a node delete.
func (r Repo) DeleteNodesNotInTx(ctx context.Context, tx *sql.Tx, workflowID string, keep []string) error {
	if len(keep) == 0 {
		_, err := tx.ExecContext(ctx, `DELETE FROM workflow_nodes WHERE workflow_id=?`, workflowID)
		return err
	}
	args := []any{workflowID}
	for _, id := range keep {
		args = append(args, id)
	}
	query := fmt.Sprintf(`DELETE FROM workflow_nodes WHERE workflow_id=? AND id NOT IN (%s)`, placeholders(len(keep)))
	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

func (r Repo) DeleteEdgesNotInTx(ctx context.Context, tx *sql.Tx, workflowID string, keep []string) error {
	if len(keep) == 0 {
		_, err := tx.ExecContext(ctx, `DELETE FROM workflow_edges WHERE workflow_id=?`, workflowID)
		return err
	}
	args := []any{workflowID}
	for _, id := range keep {
		args = append(args, id)
	}
	query := fmt.Sprintf(`DELETE FROM workflow_edges WHERE workflow_id=? AND id NOT IN (%s)`, placeholders(len(keep)))
	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

func (r Repo) ListNodes(ctx context.Context, workflowID string) ([]domain.WorkflowNode, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,workflow_id,operation_id,label,time,pos_x,pos_y FROM workflow_nodes WHERE workflow_id=? ORDER BY id ASC`, workflowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanNodes(rows)
}

func (r Repo) ListNodeIDsTx(ctx context.Context, tx *sql.Tx, workflowID string) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `SELECT id FROM workflow_nodes WHERE workflow_id=?`, workflowID)
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

func (r Repo) ListEdges(ctx context.Context, workflowID string) ([]domain.WorkflowEdge, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,workflow_id,source_id,target_id,count FROM workflow_edges WHERE workflow_id=? ORDER BY id ASC`, workflowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WorkflowEdge
	for rows.Next() {
		var e domain.WorkflowEdge
		if err := rows.Scan(&e.ID, &e.WorkflowID, &e.SourceID, &e.TargetID, &e.Count); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func scanNodes(rows *sql.Rows) ([]domain.WorkflowNode, error) {
	var res []domain.WorkflowNode
	for rows.Next() {
		var n domain.WorkflowNode
		if err := rows.Scan(&n.ID, &n.WorkflowID, &n.OperationID, &n.Data.Label, &n.Data.Time, &n.Data.Position.X, &n.Data.Position.Y); err != nil {
			return nil, err
		}
		res = append(res, n)
	}
	return res, rows.Err()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
