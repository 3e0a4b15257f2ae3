package permissions

import (
	"context"
	"errors"
	"fmt"

	"github.com/surajsub/etl-run-portal/db"
	"github.com/surajsub/etl-run-portal/models"
	"go.uber.org/zap"
)

// Resolve computes the effective level of a user with the given role and
// optional explicit grant on one workflow. Same inputs, same output.
func Resolve(role models.Role, grant *models.PermissionLevel) models.PermissionLevel {
	if role == models.RoleAdmin {
		return models.PermissionAdmin
	}
	if grant != nil {
		return *grant
	}
	if role == models.RoleViewer {
		return models.PermissionRead
	}
	return models.PermissionNone
}

// Store is the storage the resolver reads and writes.
type Store interface {
	GetUserByID(ctx context.Context, id uint) (*db.User, error)
	GetWorkflow(ctx context.Context, id uint) (*db.Workflow, error)
	FindPermissions(ctx context.Context, workflowID, userID uint) ([]db.WorkflowPermission, error)
	UpsertPermission(ctx context.Context, p *db.WorkflowPermission) error
	DeletePermission(ctx context.Context, workflowID, userID uint) (bool, error)
}

type Resolver struct {
	store Store
	log   *zap.Logger
}

func NewResolver(store Store, log *zap.Logger) *Resolver {
	if log == nil {
		log = zap.NewNop()
	}
	return &Resolver{store: store, log: log}
}

// Resolve loads the explicit grant and applies the pure rule.
func (r *Resolver) Resolve(ctx context.Context, user *db.User, workflowID uint) (models.PermissionLevel, error) {
	const op = "resolve permission"
	if !user.Role.Valid() {
		r.log.Error("user has unknown role", zap.Uint("user_id", user.ID), zap.String("role", string(user.Role)))
		return models.PermissionNone, models.Internal(op, fmt.Errorf("user %d: invalid role %q", user.ID, user.Role))
	}
	if user.Role == models.RoleAdmin {
		return models.PermissionAdmin, nil
	}

	rows, err := r.store.FindPermissions(ctx, workflowID, user.ID)
	if err != nil {
		return models.PermissionNone, models.Internal(op, err)
	}
	var grant *models.PermissionLevel
	switch len(rows) {
	case 0:
	case 1:
		lvl := rows[0].PermissionLevel
		if !lvl.Grantable() {
			r.log.Error("stored grant has unknown level",
				zap.Uint("permission_id", rows[0].ID), zap.String("level", string(lvl)))
			return models.PermissionNone, models.Internal(op, fmt.Errorf("permission %d: invalid level %q", rows[0].ID, lvl))
		}
		grant = &lvl
	default:
		ids := make([]uint, len(rows))
		for i, row := range rows {
			ids[i] = row.ID
		}
		r.log.Error("duplicate grants for workflow and user",
			zap.Uint("workflow_id", workflowID), zap.Uint("user_id", user.ID), zap.Uints("permission_ids", ids))
		return models.PermissionNone, models.Internal(op, fmt.Errorf("%d grants for workflow %d user %d", len(rows), workflowID, user.ID))
	}
	return Resolve(user.Role, grant), nil
}

// Authorize loads the workflow and requires at least min on it. A caller
// who cannot see the workflow gets NotFound, exactly as if it did not
// exist. A caller who can read it but needs more gets PermissionDenied.
func (r *Resolver) Authorize(ctx context.Context, user *db.User, workflowID uint, min models.PermissionLevel) (*db.Workflow, models.PermissionLevel, error) {
	const op = "authorize"
	wf, err := r.store.GetWorkflow(ctx, workflowID)
	if errors.Is(err, db.ErrNotFound) {
		return nil, models.PermissionNone, models.NewError(models.KindNotFound, op, nil)
	}
	if err != nil {
		return nil, models.PermissionNone, models.Internal(op, err)
	}
	level, err := r.Resolve(ctx, user, workflowID)
	if err != nil {
		return nil, models.PermissionNone, err
	}
	if !level.AtLeast(models.PermissionRead) {
		return nil, level, models.NewError(models.KindNotFound, op, nil)
	}
	if !level.AtLeast(min) {
		return nil, level, models.NewError(models.KindPermissionDenied, op, nil)
	}
	return wf, level, nil
}

// Grant creates or replaces the explicit grant of userID on workflowID.
// The actor needs admin on the workflow.
func (r *Resolver) Grant(ctx context.Context, actor *db.User, workflowID, userID uint, level models.PermissionLevel) (*db.WorkflowPermission, error) {
	const op = "grant permission"
	if !level.Grantable() {
		return nil, models.Internal(op, fmt.Errorf("invalid permission level %q", level))
	}
	if _, _, err := r.Authorize(ctx, actor, workflowID, models.PermissionAdmin); err != nil {
		return nil, err
	}
	if _, err := r.store.GetUserByID(ctx, userID); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, models.NewError(models.KindNotFound, op, nil)
		}
		return nil, models.Internal(op, err)
	}
	p := &db.WorkflowPermission{WorkflowID: workflowID, UserID: userID, PermissionLevel: level}
	if err := r.store.UpsertPermission(ctx, p); err != nil {
		return nil, models.Internal(op, err)
	}
	r.log.Info("permission granted",
		zap.Uint("workflow_id", workflowID), zap.Uint("user_id", userID),
		zap.String("level", string(level)), zap.Uint("actor_id", actor.ID))
	return p, nil
}

// Revoke removes the explicit grant. Revoking an absent grant succeeds.
func (r *Resolver) Revoke(ctx context.Context, actor *db.User, workflowID, userID uint) error {
	const op = "revoke permission"
	if _, _, err := r.Authorize(ctx, actor, workflowID, models.PermissionAdmin); err != nil {
		return err
	}
	removed, err := r.store.DeletePermission(ctx, workflowID, userID)
	if err != nil {
		return models.Internal(op, err)
	}
	if removed {
		r.log.Info("permission revoked",
			zap.Uint("workflow_id", workflowID), zap.Uint("user_id", userID), zap.Uint("actor_id", actor.ID))
	}
	return nil
}

// ReadScope narrows run listings for user. nil means every workflow is
// readable; otherwise only workflows explicitly granted to the user are.
func ReadScope(user *db.User) *uint {
	if Resolve(user.Role, nil).AtLeast(models.PermissionRead) {
		return nil
	}
	id := user.ID
	return &id
}
