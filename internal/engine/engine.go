package engine

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"prodline/internal/config"
	"prodline/internal/domain"
	"prodline/internal/engine/auth"
	"prodline/internal/events"
	"prodline/internal/repo"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Auth   auth.Service
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Auth:   auth.Service{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// ConflictError indicates the write lost against concurrent state: a stale
// workflow version or an overlapping planning window.
type ConflictError struct {
	Reason string
}

func (e ConflictError) Error() string { return e.Reason }

// ValidationError rejects malformed input before any mutation.
type ValidationError struct {
	Reason string
}

func (e ValidationError) Error() string { return e.Reason }

const dateLayout = "2006-01-02"

// InitOrganization initializes a new organization with migrations already run.
func (e Engine) InitOrganization(ctx context.Context, orgID, name, actorID string) (domain.Organization, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Organization{}, err
	}
	defer tx.Rollback()

	if name == "" {
		name = orgID
	}
	o := domain.Organization{
		ID:        orgID,
		Name:      name,
		CreatedAt: e.now().UTC().Format(time.RFC3339),
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO organizations(id,name,created_at) VALUES (?,?,?)`,
		o.ID, o.Name, o.CreatedAt); err != nil {
		return domain.Organization{}, fmt.Errorf("insert organization: %w", err)
	}
	if err := e.Repo.UpsertOrgConfigTx(ctx, tx, o.ID, config.Default(o.ID)); err != nil {
		return domain.Organization{}, fmt.Errorf("insert org config: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "org.init", o.ID, "organization", o.ID, actorID, events.EventPayload{"name": o.Name}); err != nil {
		return domain.Organization{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Organization{}, err
	}
	return o, nil
}

// OperationCreateOptions are parameters for creating a catalog operation.
type OperationCreateOptions struct {
	ID          string
	OrgID       string
	Name        string
	Code        string
	Description string
	IsFinal     bool
	ActorID     string
}

func (e Engine) CreateOperation(ctx context.Context, opts OperationCreateOptions) (domain.Operation, error) {
	if opts.Name == "" {
		return domain.Operation{}, ValidationError{"name is required"}
	}
	if opts.Code == "" {
		return domain.Operation{}, ValidationError{"code is required"}
	}
	if opts.OrgID == "" {
		return domain.Operation{}, ValidationError{"org is required"}
	}
	if _, err := e.Repo.GetOrganization(ctx, opts.OrgID); err != nil {
		return domain.Operation{}, err
	}
	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	op := domain.Operation{
		ID:          id,
		OrgID:       opts.OrgID,
		Name:        opts.Name,
		Code:        opts.Code,
		Description: opts.Description,
		IsFinal:     opts.IsFinal,
		CreatedAt:   e.now().UTC().Format(time.RFC3339),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Operation{}, err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `INSERT INTO operations(id,org_id,name,code,description,is_final,created_at) VALUES (?,?,?,?,?,?,?)`,
		op.ID, op.OrgID, op.Name, op.Code, optionalAny(op.Description), boolInt(op.IsFinal), op.CreatedAt); err != nil {
		return domain.Operation{}, err
	}
	if err := e.Events.Append(ctx, tx, "operation.created", op.OrgID, "operation", op.ID, opts.ActorID, events.EventPayload{"code": op.Code, "is_final": op.IsFinal}); err != nil {
		return domain.Operation{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Operation{}, err
	}
	return op, nil
}

// OperationUpdateOptions carries the mutable catalog fields; nil means keep.
type OperationUpdateOptions struct {
	Name        *string
	Code        *string
	Description *string
	IsFinal     *bool
	ActorID     string
}

func (e Engine) UpdateOperation(ctx context.Context, id string, opts OperationUpdateOptions) (domain.Operation, error) {
	op, err := e.Repo.GetOperation(ctx, id)
	if err != nil {
		return domain.Operation{}, err
	}
	if opts.Name != nil {
		if *opts.Name == "" {
			return domain.Operation{}, ValidationError{"name must not be empty"}
		}
		op.Name = *opts.Name
	}
	if opts.Code != nil {
		if *opts.Code == "" {
			return domain.Operation{}, ValidationError{"code must not be empty"}
		}
		op.Code = *opts.Code
	}
	if opts.Description != nil {
		op.Description = *opts.Description
	}
	if opts.IsFinal != nil {
		op.IsFinal = *opts.IsFinal
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return op, err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `UPDATE operations SET name=?, code=?, description=?, is_final=? WHERE id=?`,
		op.Name, op.Code, optionalAny(op.Description), boolInt(op.IsFinal), op.ID); err != nil {
		return op, err
	}
	if err := e.Events.Append(ctx, tx, "operation.updated", op.OrgID, "operation", op.ID, opts.ActorID, events.EventPayload{"code": op.Code, "is_final": op.IsFinal}); err != nil {
		return op, err
	}
	return op, tx.Commit()
}

// DeleteOperation removes a catalog operation. Fails while workflow nodes,
// plannings or ledger entries still reference it.
func (e Engine) DeleteOperation(ctx context.Context, id, actorID string) error {
	op, err := e.Repo.GetOperation(ctx, id)
	if err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM operations WHERE id=?`, id); err != nil {
		return ConflictError{fmt.Sprintf("operation %s is still referenced", id)}
	}
	if err := e.Events.Append(ctx, tx, "operation.deleted", op.OrgID, "operation", id, actorID, events.EventPayload{"code": op.Code}); err != nil {
		return err
	}
	return tx.Commit()
}

func (e Engine) CreatePost(ctx context.Context, orgID, name, actorID string) (domain.Post, error) {
	if name == "" {
		return domain.Post{}, ValidationError{"name is required"}
	}
	if _, err := e.Repo.GetOrganization(ctx, orgID); err != nil {
		return domain.Post{}, err
	}
	p := domain.Post{
		ID:        uuid.New().String(),
		OrgID:     orgID,
		Name:      name,
		CreatedAt: e.now().UTC().Format(time.RFC3339),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return p, err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `INSERT INTO posts(id,org_id,name,created_at) VALUES (?,?,?,?)`,
		p.ID, p.OrgID, p.Name, p.CreatedAt); err != nil {
		return p, err
	}
	if err := e.Events.Append(ctx, tx, "post.created", orgID, "post", p.ID, actorID, events.EventPayload{"name": p.Name}); err != nil {
		return p, err
	}
	return p, tx.Commit()
}

func (e Engine) CreateOperator(ctx context.Context, orgID, name, actorID string) (domain.Operator, error) {
	if name == "" {
		return domain.Operator{}, ValidationError{"name is required"}
	}
	if _, err := e.Repo.GetOrganization(ctx, orgID); err != nil {
		return domain.Operator{}, err
	}
	o := domain.Operator{
		ID:        uuid.New().String(),
		OrgID:     orgID,
		Name:      name,
		CreatedAt: e.now().UTC().Format(time.RFC3339),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return o, err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `INSERT INTO operators(id,org_id,name,created_at) VALUES (?,?,?,?)`,
		o.ID, o.OrgID, o.Name, o.CreatedAt); err != nil {
		return o, err
	}
	if err := e.Events.Append(ctx, tx, "operator.created", orgID, "operator", o.ID, actorID, events.EventPayload{"name": o.Name}); err != nil {
		return o, err
	}
	return o, tx.Commit()
}

func (e Engine) CreateProject(ctx context.Context, orgID, name, actorID string) (domain.Project, error) {
	if name == "" {
		return domain.Project{}, ValidationError{"name is required"}
	}
	if _, err := e.Repo.GetOrganization(ctx, orgID); err != nil {
		return domain.Project{}, err
	}
	p := domain.Project{
		ID:        uuid.New().String(),
		OrgID:     orgID,
		Name:      name,
		CreatedAt: e.now().UTC().Format(time.RFC3339),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return p, err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `INSERT INTO projects(id,org_id,name,created_at) VALUES (?,?,?,?)`,
		p.ID, p.OrgID, p.Name, p.CreatedAt); err != nil {
		return p, err
	}
	if err := e.Events.Append(ctx, tx, "project.created", orgID, "project", p.ID, actorID, events.EventPayload{"name": p.Name}); err != nil {
		return p, err
	}
	return p, tx.Commit()
}

func (e Engine) CreateCommand(ctx context.Context, orgID, reference, customer, actorID string) (domain.Command, error) {
	if reference == "" {
		return domain.Command{}, ValidationError{"reference is required"}
	}
	if _, err := e.Repo.GetOrganization(ctx, orgID); err != nil {
		return domain.Command{}, err
	}
	c := domain.Command{
		ID:        uuid.New().String(),
		OrgID:     orgID,
		Reference: reference,
		Customer:  customer,
		CreatedAt: e.now().UTC().Format(time.RFC3339),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return c, err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `INSERT INTO commands(id,org_id,reference,customer,created_at) VALUES (?,?,?,?,?)`,
		c.ID, c.OrgID, c.Reference, optionalAny(c.Customer), c.CreatedAt); err != nil {
		return c, err
	}
	if err := e.Events.Append(ctx, tx, "command.created", orgID, "command", c.ID, actorID, events.EventPayload{"reference": c.Reference}); err != nil {
		return c, err
	}
	return c, tx.Commit()
}

// CommandProjectCreateOptions are parameters for creating an order line.
type CommandProjectCreateOptions struct {
	CommandID string
	ProjectID string
	Target    int
	StartDate string
	EndDate   string
	ActorID   string
}

func (e Engine) CreateCommandProject(ctx context.Context, opts CommandProjectCreateOptions) (domain.CommandProject, error) {
	if opts.Target <= 0 {
		return domain.CommandProject{}, ValidationError{"target must be positive"}
	}
	if opts.EndDate == "" {
		return domain.CommandProject{}, ValidationError{"end_date is required"}
	}
	if _, err := time.Parse(dateLayout, opts.EndDate); err != nil {
		return domain.CommandProject{}, ValidationError{"end_date must be YYYY-MM-DD"}
	}
	if opts.StartDate != "" {
		if _, err := time.Parse(dateLayout, opts.StartDate); err != nil {
			return domain.CommandProject{}, ValidationError{"start_date must be YYYY-MM-DD"}
		}
	}
	cmd, err := e.Repo.GetCommand(ctx, opts.CommandID)
	if err != nil {
		return domain.CommandProject{}, err
	}
	prj, err := e.Repo.GetProject(ctx, opts.ProjectID)
	if err != nil {
		return domain.CommandProject{}, err
	}
	if prj.OrgID != cmd.OrgID {
		return domain.CommandProject{}, ValidationError{"project and command belong to different organizations"}
	}
	cp := domain.CommandProject{
		ID:        uuid.New().String(),
		CommandID: opts.CommandID,
		ProjectID: opts.ProjectID,
		Target:    opts.Target,
		EndDate:   opts.EndDate,
		Status:    "pending",
		CreatedAt: e.now().UTC().Format(time.RFC3339),
	}
	if opts.StartDate != "" {
		cp.StartDate = &opts.StartDate
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return cp, err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `INSERT INTO command_projects(id,command_id,project_id,target,start_date,end_date,status,created_at) VALUES (?,?,?,?,?,?,?,?)`,
		cp.ID, cp.CommandID, cp.ProjectID, cp.Target, optionalPtrAny(cp.StartDate), cp.EndDate, cp.Status, cp.CreatedAt); err != nil {
		return cp, err
	}
	if err := e.Events.Append(ctx, tx, "command_project.created", cmd.OrgID, "command_project", cp.ID, opts.ActorID, events.EventPayload{"target": cp.Target}); err != nil {
		return cp, err
	}
	return cp, tx.Commit()
}

// SetSprint configures (or replaces) the sprint increment of an order line.
func (e Engine) SetSprint(ctx context.Context, commandProjectID string, target, days int, actorID string) (domain.Sprint, error) {
	if target <= 0 {
		return domain.Sprint{}, ValidationError{"sprint target must be positive"}
	}
	if days <= 0 {
		return domain.Sprint{}, ValidationError{"sprint days must be positive"}
	}
	cp, err := e.Repo.GetCommandProject(ctx, commandProjectID)
	if err != nil {
		return domain.Sprint{}, err
	}
	s := domain.Sprint{CommandProjectID: cp.ID, Target: target, Days: days}
	orgID, _ := e.orgForCommandProject(ctx, cp)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return s, err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `INSERT INTO sprints(command_project_id,target,days) VALUES (?,?,?)
ON CONFLICT(command_project_id) DO UPDATE SET target=excluded.target, days=excluded.days`,
		s.CommandProjectID, s.Target, s.Days); err != nil {
		return s, err
	}
	if err := e.Events.Append(ctx, tx, "sprint.set", orgID, "command_project", cp.ID, actorID, events.EventPayload{"target": target, "days": days}); err != nil {
		return s, err
	}
	return s, tx.Commit()
}

// PlanningOptions carries the planning allocator fields.
type PlanningOptions struct {
	ID               string
	PostID           string
	OperatorID       string
	OperationID      string
	CommandProjectID string
	StartDate        string
	EndDate          string
	ActorID          string
}

func (e Engine) CreatePlanning(ctx context.Context, opts PlanningOptions) (domain.Planning, error) {
	if err := e.validatePlanningRefs(ctx, opts); err != nil {
		return domain.Planning{}, err
	}
	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	p := domain.Planning{
		ID:               id,
		PostID:           opts.PostID,
		OperatorID:       opts.OperatorID,
		OperationID:      opts.OperationID,
		CommandProjectID: opts.CommandProjectID,
		StartDate:        opts.StartDate,
		EndDate:          opts.EndDate,
		CreatedAt:        e.now().UTC().Format(time.RFC3339),
	}
	orgID := e.orgForPost(ctx, p.PostID)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return p, err
	}
	defer tx.Rollback()
	if err := e.ensureNoOverlap(ctx, tx, p.OperatorID, p.StartDate, p.EndDate, ""); err != nil {
		return p, err
	}
	if err := e.Repo.InsertPlanning(ctx, tx, p); err != nil {
		return p, err
	}
	if err := e.Events.Append(ctx, tx, "planning.created", orgID, "planning", p.ID, opts.ActorID, events.EventPayload{
		"operator_id": p.OperatorID,
		"post_id":     p.PostID,
		"start_date":  p.StartDate,
		"end_date":    p.EndDate,
	}); err != nil {
		return p, err
	}
	return p, tx.Commit()
}

func (e Engine) UpdatePlanning(ctx context.Context, opts PlanningOptions) (domain.Planning, error) {
	if opts.ID == "" {
		return domain.Planning{}, ValidationError{"id is required"}
	}
	existing, err := e.Repo.GetPlanning(ctx, opts.ID)
	if err != nil {
		return domain.Planning{}, err
	}
	if err := e.validatePlanningRefs(ctx, opts); err != nil {
		return domain.Planning{}, err
	}
	p := existing
	p.PostID = opts.PostID
	p.OperatorID = opts.OperatorID
	p.OperationID = opts.OperationID
	p.CommandProjectID = opts.CommandProjectID
	p.StartDate = opts.StartDate
	p.EndDate = opts.EndDate
	orgID := e.orgForPost(ctx, p.PostID)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return p, err
	}
	defer tx.Rollback()
	if err := e.ensureNoOverlap(ctx, tx, p.OperatorID, p.StartDate, p.EndDate, p.ID); err != nil {
		return p, err
	}
	if err := e.Repo.UpdatePlanning(ctx, tx, p); err != nil {
		return p, err
	}
	if err := e.Events.Append(ctx, tx, "planning.updated", orgID, "planning", p.ID, opts.ActorID, events.EventPayload{
		"start_date": p.StartDate,
		"end_date":   p.EndDate,
	}); err != nil {
		return p, err
	}
	return p, tx.Commit()
}

func (e Engine) DeletePlanning(ctx context.Context, id, actorID string) error {
	p, err := e.Repo.GetPlanning(ctx, id)
	if err != nil {
		return err
	}
	orgID := e.orgForPost(ctx, p.PostID)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.DeletePlanning(ctx, tx, id); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "planning.deleted", orgID, "planning", id, actorID, events.EventPayload{}); err != nil {
		return err
	}
	return tx.Commit()
}

func (e Engine) validatePlanningRefs(ctx context.Context, opts PlanningOptions) error {
	start, err := time.Parse(dateLayout, opts.StartDate)
	if err != nil {
		return ValidationError{"start_date must be YYYY-MM-DD"}
	}
	end, err := time.Parse(dateLayout, opts.EndDate)
	if err != nil {
		return ValidationError{"end_date must be YYYY-MM-DD"}
	}
	if !end.After(start) {
		return ValidationError{"end_date must be after start_date"}
	}
	if _, err := e.Repo.GetPost(ctx, opts.PostID); err != nil {
		return err
	}
	if _, err := e.Repo.GetOperator(ctx, opts.OperatorID); err != nil {
		return err
	}
	if _, err := e.Repo.GetOperation(ctx, opts.OperationID); err != nil {
		return err
	}
	if _, err := e.Repo.GetCommandProject(ctx, opts.CommandProjectID); err != nil {
		return err
	}
	return nil
}

func (e Engine) ensureNoOverlap(ctx context.Context, tx *sql.Tx, operatorID, startDate, endDate, excludeID string) error {
	if e.Config != nil && e.Config.Planning.AllowOverlap {
		return nil
	}
	overlap, err := e.Repo.HasOverlappingPlanning(ctx, tx, operatorID, startDate, endDate, excludeID)
	if err != nil {
		return err
	}
	if overlap {
		return ConflictError{fmt.Sprintf("operator %s already planned in %s..%s", operatorID, startDate, endDate)}
	}
	return nil
}

// HistoryAppendOptions carries one completed-unit report.
type HistoryAppendOptions struct {
	PlanningID       string
	CommandProjectID string
	PostID           string
	OperationID      string
	OperatorID       string
	Count            int
	ActorID          string
}

// AppendHistory records a ledger entry. Pure insert: overshooting the order
// line target is allowed, progress is informational.
func (e Engine) AppendHistory(ctx context.Context, opts HistoryAppendOptions) (domain.OperationHistory, error) {
	if opts.Count < 0 {
		return domain.OperationHistory{}, ValidationError{"count must not be negative"}
	}
	cp, err := e.Repo.GetCommandProject(ctx, opts.CommandProjectID)
	if err != nil {
		return domain.OperationHistory{}, err
	}
	if _, err := e.Repo.GetPost(ctx, opts.PostID); err != nil {
		return domain.OperationHistory{}, err
	}
	if _, err := e.Repo.GetOperation(ctx, opts.OperationID); err != nil {
		return domain.OperationHistory{}, err
	}
	if _, err := e.Repo.GetOperator(ctx, opts.OperatorID); err != nil {
		return domain.OperationHistory{}, err
	}
	if opts.PlanningID != "" {
		if _, err := e.Repo.GetPlanning(ctx, opts.PlanningID); err != nil {
			return domain.OperationHistory{}, err
		}
	}
	h := domain.OperationHistory{
		CommandProjectID: opts.CommandProjectID,
		PostID:           opts.PostID,
		OperationID:      opts.OperationID,
		OperatorID:       opts.OperatorID,
		Count:            opts.Count,
		CreatedAt:        e.now().UTC().Format(time.RFC3339),
	}
	if opts.PlanningID != "" {
		h.PlanningID = &opts.PlanningID
	}
	orgID, _ := e.orgForCommandProject(ctx, cp)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return h, err
	}
	defer tx.Rollback()
	id, err := e.Repo.InsertHistory(ctx, tx, h)
	if err != nil {
		return h, err
	}
	h.ID = id
	if err := e.Events.Append(ctx, tx, "history.appended", orgID, "command_project", cp.ID, opts.ActorID, events.EventPayload{
		"operation_id": h.OperationID,
		"operator_id":  h.OperatorID,
		"count":        h.Count,
	}); err != nil {
		return h, err
	}
	return h, tx.Commit()
}

func (e Engine) orgForCommandProject(ctx context.Context, cp domain.CommandProject) (string, error) {
	cmd, err := e.Repo.GetCommand(ctx, cp.CommandID)
	if err != nil {
		return "", err
	}
	return cmd.OrgID, nil
}

func (e Engine) orgForPost(ctx context.Context, postID string) string {
	p, err := e.Repo.GetPost(ctx, postID)
	if err != nil {
		return ""
	}
	return p.OrgID
}

// --- helpers ---

func optionalAny(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func optionalPtrAny(v *string) any {
	if v == nil || *v == "" {
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
