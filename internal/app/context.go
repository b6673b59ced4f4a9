package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"prodline/internal/config"
	"prodline/internal/domain"
	"prodline/internal/repo"
)

// ResolveOrgAndConfig picks the active organization and ensures an org +
// config exist in DB, seeding defaults if missing. It prefers overrides,
// then single-org DB. If the organization does not exist, it is created on
// the fly.
func ResolveOrgAndConfig(ctx context.Context, workspace, orgOverride, actorID string, r repo.Repo) (string, *config.Config, error) {
	orgID := orgOverride
	if orgID == "" {
		if o, err := r.SingleOrganization(ctx); err == nil {
			orgID = o.ID
		} else {
			return "", nil, fmt.Errorf("organization not specified; use --org")
		}
	}
	seedCfg := config.Default(orgID)

	if _, err := r.GetOrganization(ctx, orgID); err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return "", nil, err
		}
		if err := createOrganization(ctx, r, orgID, seedCfg, actorID); err != nil {
			return "", nil, err
		}
	}
	cfg, err := r.GetOrgConfig(ctx, orgID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			if err := r.UpsertOrgConfig(ctx, orgID, seedCfg); err != nil {
				return "", nil, fmt.Errorf("seed org config: %w", err)
			}
			cfg = seedCfg
		} else {
			return "", nil, err
		}
	}
	cfg.Organization.ID = orgID
	return orgID, cfg, nil
}

// createOrganization inserts a minimal org/rbac footprint using the seed config.
func createOrganization(ctx context.Context, r repo.Repo, orgID string, seedCfg *config.Config, actorID string) error {
	if seedCfg == nil {
		seedCfg = config.Default(orgID)
	}
	now := time.Now().UTC().Format(time.RFC3339)
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	o := domain.Organization{ID: orgID, Name: orgID, CreatedAt: now}
	if _, err := tx.ExecContext(ctx, `INSERT INTO organizations(id,name,created_at) VALUES (?,?,?)`,
		o.ID, o.Name, o.CreatedAt); err != nil {
		return fmt.Errorf("insert organization: %w", err)
	}
	if err := r.UpsertOrgConfigTx(ctx, tx, orgID, seedCfg); err != nil {
		return fmt.Errorf("insert org config: %w", err)
	}
	if actorID == "" {
		actorID = "local-user"
	}
	if err := r.EnsureActor(ctx, tx, actorID, now); err != nil {
		return fmt.Errorf("ensure actor: %w", err)
	}
	for roleID, role := range seedCfg.RBAC.Roles {
		if err := r.InsertRole(ctx, tx, roleID, role.Description); err != nil {
			return fmt.Errorf("insert role: %w", err)
		}
		for _, perm := range role.Permissions {
			if err := r.InsertPermission(ctx, tx, perm, ""); err != nil {
				return fmt.Errorf("insert permission: %w", err)
			}
			if err := r.AddRolePermission(ctx, tx, roleID, perm); err != nil {
				return fmt.Errorf("map role permission: %w", err)
			}
		}
	}
	if err := r.AssignRole(ctx, tx, orgID, actorID, "owner"); err != nil {
		return fmt.Errorf("assign org role: %w", err)
	}
	return tx.Commit()
}
