package repo

import (
	"context"
	"database/sql"
	"strings"

	"prodline/internal/domain"
)

// InsertHistory appends one ledger row and returns its id. The ledger is
// insert-only; no update or delete path exists.
func (r Repo) InsertHistory(ctx context.Context, tx *sql.Tx, h domain.OperationHistory) (int64, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO operation_history(planning_id,command_project_id,post_id,operation_id,operator_id,count,created_at) VALUES (?,?,?,?,?,?,?)`,
		nullableStringPtr(h.PlanningID), h.CommandProjectID, h.PostID, h.OperationID, h.OperatorID, h.Count, h.CreatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// SumHistory returns the completed count for an order line, optionally
// restricted to one operation (typically the final one).
func (r Repo) SumHistory(ctx context.Context, commandProjectID, operationID string) (int, error) {
	query := `SELECT COALESCE(SUM(count),0) FROM operation_history WHERE command_project_id=?`
	args := []any{commandProjectID}
	if operationID != "" {
		query += ` AND operation_id=?`
		args = append(args, operationID)
	}
	var sum int
	err := r.DB.QueryRowContext(ctx, query, args...).Scan(&sum)
	return sum, err
}

// SumFinalHistory sums only entries whose operation is marked final.
func (r Repo) SumFinalHistory(ctx context.Context, commandProjectID string) (int, error) {
	var sum int
	err := r.DB.QueryRowContext(ctx, `
SELECT COALESCE(SUM(h.count),0)
FROM operation_history h
JOIN operations o ON o.id=h.operation_id
WHERE h.command_project_id=? AND o.is_final=1`, commandProjectID).Scan(&sum)
	return sum, err
}

type HistoryFilters struct {
	CommandProjectID string
	OperatorID       string
	OperationID      string
	PostID           string
	Limit            int
	CursorID         int64
}

func (r Repo) ListHistory(ctx context.Context, f HistoryFilters) ([]domain.OperationHistory, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.CommandProjectID != "" {
		clauses = append(clauses, "command_project_id=?")
		args = append(args, f.CommandProjectID)
	}
	if f.OperatorID != "" {
		clauses = append(clauses, "operator_id=?")
		args = append(args, f.OperatorID)
	}
	if f.OperationID != "" {
		clauses = append(clauses, "operation_id=?")
		args = append(args, f.OperationID)
	}
	if f.PostID != "" {
		clauses = append(clauses, "post_id=?")
		args = append(args, f.PostID)
	}
	if f.CursorID > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, f.CursorID)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := `SELECT id,planning_id,command_project_id,post_id,operation_id,operator_id,count,created_at FROM operation_history ` + where + ` ORDER BY id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanHistory(rows)
}

// ListHistoryForOperatorSince returns ledger entries the operator produced on
// or after the given ISO timestamp, oldest first. Feeds the heatmap builder.
func (r Repo) ListHistoryForOperatorSince(ctx context.Context, operatorID, since string) ([]domain.OperationHistory, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,planning_id,command_project_id,post_id,operation_id,operator_id,count,created_at
FROM operation_history WHERE operator_id=? AND created_at>=? ORDER BY created_at ASC, id ASC`, operatorID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanHistory(rows)
}

func scanHistory(rows *sql.Rows) ([]domain.OperationHistory, error) {
	var res []domain.OperationHistory
	for rows.Next() {
		var h domain.OperationHistory
		var planningID sql.NullString
		if err := rows.Scan(&h.ID, &planningID, &h.CommandProjectID, &h.PostID, &h.OperationID, &h.OperatorID, &h.Count, &h.CreatedAt); err != nil {
			return nil, err
		}
		if planningID.Valid {
			h.PlanningID = &planningID.String
		}
		res = append(res, h)
	}
	return res, rows.Err()
}
