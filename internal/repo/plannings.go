package repo

import (
	"context"
	"database/sql"

	"prodline/internal/domain"
)

func scanPlanning(row *sql.Row) (domain.Planning, error) {
	var p domain.Planning
	err := row.Scan(&p.ID, &p.PostID, &p.OperatorID, &p.OperationID, &p.CommandProjectID, &p.StartDate, &p.EndDate, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	return p, err
}

func (r Repo) InsertPlanning(ctx context.Context, tx *sql.Tx, p domain.Planning) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO plannings(id,post_id,operator_id,operation_id,command_project_id,start_date,end_date,created_at) VALUES (?,?,?,?,?,?,?,?)`,
		p.ID, p.PostID, p.OperatorID, p.OperationID, p.CommandProjectID, p.StartDate, p.EndDate, p.CreatedAt)
	return err
}

func (r Repo) UpdatePlanning(ctx context.Context, tx *sql.Tx, p domain.Planning) error {
	res, err := tx.ExecContext(ctx, `UPDATE plannings SET post_id=?, operator_id=?, operation_id=?, command_project_id=?, start_date=?, end_date=? WHERE id=?`,
		p.PostID, p.OperatorID, p.OperationID, p.CommandProjectID, p.StartDate, p.EndDate, p.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DeletePlanning(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM plannings WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetPlanning(ctx context.Context, id string) (domain.Planning, error) {
	return scanPlanning(r.DB.QueryRowContext(ctx, `SELECT id,post_id,operator_id,operation_id,command_project_id,start_date,end_date,created_at FROM plannings WHERE id=?`, id))
}

func (r Repo) ListPlanningsForPost(ctx context.Context, postID string) ([]domain.Planning, error) {
	return r.listPlannings(ctx, `SELECT id,post_id,operator_id,operation_id,command_project_id,start_date,end_date,created_at FROM plannings WHERE post_id=? ORDER BY start_date ASC, id ASC`, postID)
}

func (r Repo) ListPlanningsForOperator(ctx context.Context, operatorID string) ([]domain.Planning, error) {
	return r.listPlannings(ctx, `SELECT id,post_id,operator_id,operation_id,command_project_id,start_date,end_date,created_at FROM plannings WHERE operator_id=? ORDER BY start_date ASC, id ASC`, operatorID)
}

func (r Repo) ListPlanningsForCommandProject(ctx context.Context, commandProjectID string) ([]domain.Planning, error) {
	return r.listPlannings(ctx, `SELECT id,post_id,operator_id,operation_id,command_project_id,start_date,end_date,created_at FROM plannings WHERE command_project_id=? ORDER BY start_date ASC, id ASC`, commandProjectID)
}

func (r Repo) listPlannings(ctx context.Context, query string, args ...any) ([]domain.Planning, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Planning
	for rows.Next() {
		var p domain.Planning
		if err := rows.Scan(&p.ID, &p.PostID, &p.OperatorID, &p.OperationID, &p.CommandProjectID, &p.StartDate, &p.EndDate, &p.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// HasOverlappingPlanning reports whether the operator already has a planning
// whose date window intersects [startDate, endDate]. Dates are ISO strings so
// lexical comparison matches chronological order. excludeID skips the
// planning being updated.
func (r Repo) HasOverlappingPlanning(ctx context.Context, tx *sql.Tx, operatorID, startDate, endDate, excludeID string) (bool, error) {
	row := tx.QueryRowContext(ctx, `SELECT 1 FROM plannings WHERE operator_id=? AND id!=? AND start_date < ? AND end_date > ? LIMIT 1`,
		operatorID, excludeID, endDate, startDate)
	var n int
	err := row.Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}
