package repo

import (
	"context"
	"database/sql"

	"prodline/internal/domain"
)

func (r Repo) InsertCommand(ctx context.Context, c domain.Command) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO commands(id,org_id,reference,customer,created_at) VALUES (?,?,?,?,?)`,
		c.ID, c.OrgID, c.Reference, nullable(c.Customer), c.CreatedAt)
	return err
}

func (r Repo) GetCommand(ctx context.Context, id string) (domain.Command, error) {
	var c domain.Command
	var customer sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,org_id,reference,customer,created_at FROM commands WHERE id=?`, id).
		Scan(&c.ID, &c.OrgID, &c.Reference, &customer, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	if customer.Valid {
		c.Customer = customer.String
	}
	return c, nil
}

func (r Repo) ListCommands(ctx context.Context, orgID string) ([]domain.Command, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,org_id,reference,customer,created_at FROM commands WHERE org_id=? ORDER BY created_at DESC`, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Command
	for rows.Next() {
		var c domain.Command
		var customer sql.NullString
		if err := rows.Scan(&c.ID, &c.OrgID, &c.Reference, &customer, &c.CreatedAt); err != nil {
			return nil, err
		}
		if customer.Valid {
			c.Customer = customer.String
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

func (r Repo) DeleteCommand(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM commands WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- command projects (order lines) ---

func (r Repo) InsertCommandProject(ctx context.Context, cp domain.CommandProject) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO command_projects(id,command_id,project_id,target,start_date,end_date,status,created_at) VALUES (?,?,?,?,?,?,?,?)`,
		cp.ID, cp.CommandID, cp.ProjectID, cp.Target, nullableStringPtr(cp.StartDate), cp.EndDate, cp.Status, cp.CreatedAt)
	return err
}

func (r Repo) GetCommandProject(ctx context.Context, id string) (domain.CommandProject, error) {
	var cp domain.CommandProject
	var start sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,command_id,project_id,target,start_date,end_date,status,created_at FROM command_projects WHERE id=?`, id).
		Scan(&cp.ID, &cp.CommandID, &cp.ProjectID, &cp.Target, &start, &cp.EndDate, &cp.Status, &cp.CreatedAt)
	if err == sql.ErrNoRows {
		return cp, ErrNotFound
	}
	if err != nil {
		return cp, err
	}
	if start.Valid {
		cp.StartDate = &start.String
	}
	return cp, nil
}

func (r Repo) ListCommandProjects(ctx context.Context, commandID string) ([]domain.CommandProject, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,command_id,project_id,target,start_date,end_date,status,created_at FROM command_projects WHERE command_id=? ORDER BY created_at ASC, id ASC`, commandID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.CommandProject
	for rows.Next() {
		var cp domain.CommandProject
		var start sql.NullString
		if err := rows.Scan(&cp.ID, &cp.CommandID, &cp.ProjectID, &cp.Target, &start, &cp.EndDate, &cp.Status, &cp.CreatedAt); err != nil {
			return nil, err
		}
		if start.Valid {
			cp.StartDate = &start.String
		}
		res = append(res, cp)
	}
	return res, rows.Err()
}

func (r Repo) UpdateCommandProjectStatus(ctx context.Context, id, status string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE command_projects SET status=? WHERE id=?`, status, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DeleteCommandProject(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM command_projects WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- sprints ---

func (r Repo) UpsertSprint(ctx context.Context, s domain.Sprint) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO sprints(command_project_id,target,days) VALUES (?,?,?)
ON CONFLICT(command_project_id) DO UPDATE SET target=excluded.target, days=excluded.days`,
		s.CommandProjectID, s.Target, s.Days)
	return err
}

func (r Repo) GetSprint(ctx context.Context, commandProjectID string) (domain.Sprint, error) {
	var s domain.Sprint
	err := r.DB.QueryRowContext(ctx, `SELECT command_project_id,target,days FROM sprints WHERE command_project_id=?`, commandProjectID).
		Scan(&s.CommandProjectID, &s.Target, &s.Days)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	return s, err
}

func (r Repo) DeleteSprint(ctx context.Context, commandProjectID string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM sprints WHERE command_project_id=?`, commandProjectID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
