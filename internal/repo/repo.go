package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"prodline/internal/config"
	"prodline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func (r Repo) InsertOrganization(ctx context.Context, o domain.Organization) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO organizations(id,name,created_at) VALUES (?,?,?)`,
		o.ID, o.Name, o.CreatedAt)
	return err
}

func (r Repo) GetOrganization(ctx context.Context, id string) (domain.Organization, error) {
	var o domain.Organization
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,created_at FROM organizations WHERE id=?`, id).
		Scan(&o.ID, &o.Name, &o.CreatedAt)
	if err == sql.ErrNoRows {
		return o, ErrNotFound
	}
	return o, err
}

func (r Repo) SingleOrganization(ctx context.Context) (domain.Organization, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,created_at FROM organizations`)
	if err != nil {
		return domain.Organization{}, err
	}
	defer rows.Close()
	var orgs []domain.Organization
	for rows.Next() {
		var o domain.Organization
		if err := rows.Scan(&o.ID, &o.Name, &o.CreatedAt); err != nil {
			return domain.Organization{}, err
		}
		orgs = append(orgs, o)
	}
	if len(orgs) == 0 {
		return domain.Organization{}, ErrNotFound
	}
	if len(orgs) > 1 {
		return domain.Organization{}, fmt.Errorf("multiple organizations exist; specify --org")
	}
	return orgs[0], nil
}

func (r Repo) ListOrganizations(ctx context.Context) ([]domain.Organization, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,created_at FROM organizations ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Organization
	for rows.Next() {
		var o domain.Organization
		if err := rows.Scan(&o.ID, &o.Name, &o.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, o)
	}
	return res, nil
}

func (r Repo) UpsertOrgConfig(ctx context.Context, orgID string, cfg *config.Config) error {
	return upsertOrgConfig(ctx, r.DB, nil, orgID, cfg)
}

func (r Repo) UpsertOrgConfigTx(ctx context.Context, tx *sql.Tx, orgID string, cfg *config.Config) error {
	return upsertOrgConfig(ctx, nil, tx, orgID, cfg)
}

func upsertOrgConfig(ctx context.Context, db *sql.DB, tx *sql.Tx, orgID string, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config nil")
	}
	cfg.Organization.ID = orgID
	if err := cfg.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	exec := func(query string, args ...any) (sql.Result, error) {
		if tx != nil {
			return tx.ExecContext(ctx, query, args...)
		}
		return db.ExecContext(ctx, query, args...)
	}
	_, err = exec(`INSERT INTO org_configs(org_id,config_json,created_at,updated_at) VALUES (?,?,?,?)
ON CONFLICT(org_id) DO UPDATE SET config_json=excluded.config_json, updated_at=excluded.updated_at`, orgID, string(payload), now, now)
	return err
}

func (r Repo) GetOrgConfig(ctx context.Context, orgID string) (*config.Config, error) {
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT config_json FROM org_configs WHERE org_id=?`, orgID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var cfg config.Config
	if err := json.Unmarshal([]byte(payload), &cfg); err != nil {
		return nil, err
	}
	if cfg.Organization.ID == "" {
		cfg.Organization.ID = orgID
	}
	return &cfg, cfg.Validate()
}

// --- operation catalog ---

func (r Repo) InsertOperation(ctx context.Context, op domain.Operation) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO operations(id,org_id,name,code,description,is_final,created_at) VALUES (?,?,?,?,?,?,?)`,
		op.ID, op.OrgID, op.Name, op.Code, nullable(op.Description), boolInt(op.IsFinal), op.CreatedAt)
	return err
}

func (r Repo) GetOperation(ctx context.Context, id string) (domain.Operation, error) {
	var op domain.Operation
	var desc sql.NullString
	var isFinal int
	err := r.DB.QueryRowContext(ctx, `SELECT id,org_id,name,code,description,is_final,created_at FROM operations WHERE id=?`, id).
		Scan(&op.ID, &op.OrgID, &op.Name, &op.Code, &desc, &isFinal, &op.CreatedAt)
	if err == sql.ErrNoRows {
		return op, ErrNotFound
	}
	if err != nil {
		return op, err
	}
	if desc.Valid {
		op.Description = desc.String
	}
	op.IsFinal = isFinal != 0
	return op, nil
}

func (r Repo) ListOperations(ctx context.Context, orgID string) ([]domain.Operation, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,org_id,name,code,description,is_final,created_at FROM operations WHERE org_id=? ORDER BY code ASC`, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Operation
	for rows.Next() {
		var op domain.Operation
		var desc sql.NullString
		var isFinal int
		if err := rows.Scan(&op.ID, &op.OrgID, &op.Name, &op.Code, &desc, &isFinal, &op.CreatedAt); err != nil {
			return nil, err
		}
		if desc.Valid {
			op.Description = desc.String
		}
		op.IsFinal = isFinal != 0
		res = append(res, op)
	}
	return res, rows.Err()
}

func (r Repo) UpdateOperation(ctx context.Context, id string, name, code, description *string, isFinal *bool) error {
	var (
		fields []string
		args   []any
	)
	if name != nil {
		fields = append(fields, "name=?")
		args = append(args, *name)
	}
	if code != nil {
		fields = append(fields, "code=?")
		args = append(args, *code)
	}
	if description != nil {
		fields = append(fields, "description=?")
		args = append(args, nullable(*description))
	}
	if isFinal != nil {
		fields = append(fields, "is_final=?")
		args = append(args, boolInt(*isFinal))
	}
	if len(fields) == 0 {
		return nil
	}
	args = append(args, id)
	res, err := r.DB.ExecContext(ctx, fmt.Sprintf(`UPDATE operations SET %s WHERE id=?`, strings.Join(fields, ",")), args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DeleteOperation(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM operations WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- posts and operators ---

func (r Repo) InsertPost(ctx context.Context, p domain.Post) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO posts(id,org_id,name,created_at) VALUES (?,?,?,?)`,
		p.ID, p.OrgID, p.Name, p.CreatedAt)
	return err
}

func (r Repo) GetPost(ctx context.Context, id string) (domain.Post, error) {
	var p domain.Post
	err := r.DB.QueryRowContext(ctx, `SELECT id,org_id,name,created_at FROM posts WHERE id=?`, id).
		Scan(&p.ID, &p.OrgID, &p.Name, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	return p, err
}

func (r Repo) ListPosts(ctx context.Context, orgID string) ([]domain.Post, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,org_id,name,created_at FROM posts WHERE org_id=? ORDER BY name ASC`, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Post
	for rows.Next() {
		var p domain.Post
		if err := rows.Scan(&p.ID, &p.OrgID, &p.Name, &p.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func (r Repo) InsertOperator(ctx context.Context, o domain.Operator) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO operators(id,org_id,name,created_at) VALUES (?,?,?,?)`,
		o.ID, o.OrgID, o.Name, o.CreatedAt)
	return err
}

func (r Repo) GetOperator(ctx context.Context, id string) (domain.Operator, error) {
	var o domain.Operator
	err := r.DB.QueryRowContext(ctx, `SELECT id,org_id,name,created_at FROM operators WHERE id=?`, id).
		Scan(&o.ID, &o.OrgID, &o.Name, &o.CreatedAt)
	if err == sql.ErrNoRows {
		return o, ErrNotFound
	}
	return o, err
}

func (r Repo) ListOperators(ctx context.Context, orgID string) ([]domain.Operator, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,org_id,name,created_at FROM operators WHERE org_id=? ORDER BY name ASC`, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Operator
	for rows.Next() {
		var o domain.Operator
		if err := rows.Scan(&o.ID, &o.OrgID, &o.Name, &o.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, o)
	}
	return res, rows.Err()
}

// --- projects ---

func (r Repo) InsertProject(ctx context.Context, p domain.Project) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO projects(id,org_id,name,workflow_id,created_at) VALUES (?,?,?,?,?)`,
		p.ID, p.OrgID, p.Name, nullableStringPtr(p.WorkflowID), p.CreatedAt)
	return err
}

func (r Repo) GetProject(ctx context.Context, id string) (domain.Project, error) {
	var p domain.Project
	var wfID sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,org_id,name,workflow_id,created_at FROM projects WHERE id=?`, id).
		Scan(&p.ID, &p.OrgID, &p.Name, &wfID, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	if wfID.Valid {
		p.WorkflowID = &wfID.String
	}
	return p, nil
}

func (r Repo) ListProjects(ctx context.Context, orgID string) ([]domain.Project, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,org_id,name,workflow_id,created_at FROM projects WHERE org_id=? ORDER BY created_at DESC`, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Project
	for rows.Next() {
		var p domain.Project
		var wfID sql.NullString
		if err := rows.Scan(&p.ID, &p.OrgID, &p.Name, &wfID, &p.CreatedAt); err != nil {
			return nil, err
		}
		if wfID.Valid {
			p.WorkflowID = &wfID.String
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func (r Repo) DeleteProject(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM projects WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- helpers ---

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
