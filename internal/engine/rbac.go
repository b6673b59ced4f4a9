package engine

import (
	"context"
	"time"

	"prodline/internal/engine/auth"
	"prodline/internal/events"
)

// WhoAmI describes an actor's effective access in one organization.
type WhoAmI struct {
	ActorID     string   `json:"actor_id"`
	OrgID       string   `json:"org_id"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
}

func (e Engine) WhoAmI(ctx context.Context, orgID, actorID string) (WhoAmI, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return WhoAmI{}, err
	}
	defer tx.Rollback()
	roles, err := e.Auth.ActorRoles(ctx, tx, orgID, actorID)
	if err != nil {
		return WhoAmI{}, err
	}
	perms, err := e.Auth.ActorPermissions(ctx, tx, orgID, actorID)
	if err != nil {
		return WhoAmI{}, err
	}
	return WhoAmI{ActorID: actorID, OrgID: orgID, Roles: roles, Permissions: perms}, nil
}

// GrantRole assigns a role to an actor. The granter needs rbac.manage.
func (e Engine) GrantRole(ctx context.Context, orgID, granterID, targetID, roleID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	ok, err := e.Auth.ActorHasPermission(ctx, tx, orgID, granterID, "rbac.manage")
	if err != nil {
		return err
	}
	if !ok {
		return auth.ForbiddenError{Permission: "rbac.manage"}
	}
	now := e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.EnsureActor(ctx, tx, targetID, now); err != nil {
		return err
	}
	if err := e.Repo.AssignRole(ctx, tx, orgID, targetID, roleID); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "rbac.role_granted", orgID, "actor", targetID, granterID, events.EventPayload{"role": roleID}); err != nil {
		return err
	}
	return tx.Commit()
}

func (e Engine) RevokeRole(ctx context.Context, orgID, granterID, targetID, roleID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	ok, err := e.Auth.ActorHasPermission(ctx, tx, orgID, granterID, "rbac.manage")
	if err != nil {
		return err
	}
	if !ok {
		return auth.ForbiddenError{Permission: "rbac.manage"}
	}
	if err := e.Repo.RevokeRole(ctx, tx, orgID, targetID, roleID); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "rbac.role_revoked", orgID, "actor", targetID, granterID, events.EventPayload{"role": roleID}); err != nil {
		return err
	}
	return tx.Commit()
}
