package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"go.uber.org/zap"

	"github.com/noah-isme/erp-approval-api/internal/dto"
	"github.com/noah-isme/erp-approval-api/internal/models"
	appErrors "github.com/noah-isme/erp-approval-api/pkg/errors"
)

type roleStore interface {
	Create(ctx context.Context, role *models.Role) error
	GetByID(ctx context.Context, id string) (*models.Role, error)
	List(ctx context.Context, filter models.RoleFilter) ([]models.Role, error)
	SetActive(ctx context.Context, id string, active bool) error
	Assign(ctx context.Context, assignment *models.RoleAssignment) error
	Revoke(ctx context.Context, actorID, roleID string) error
}

type grantStore interface {
	Create(ctx context.Context, grant *models.PermissionGrant) error
	GetByID(ctx context.Context, id string) (*models.PermissionGrant, error)
	List(ctx context.Context, filter models.GrantFilter) ([]models.PermissionGrant, error)
	Deactivate(ctx context.Context, id string) error
}

// AccessService administers the authorization surface: business roles, actor
// role assignments and permission grants. Every mutation lands in the audit
// trail.
type AccessService struct {
	roles  roleStore
	grants grantStore
	audit  auditRecorder
	logger *zap.Logger
}

// NewAccessService constructs the service.
func NewAccessService(roles roleStore, grants grantStore, audit auditRecorder, logger *zap.Logger) *AccessService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AccessService{roles: roles, grants: grants, audit: audit, logger: logger}
}

// CreateRole provisions a business role.
func (s *AccessService) CreateRole(ctx context.Context, req dto.CreateRoleRequest, actorID string) (*models.Role, error) {
	role := &models.Role{
		Code:     req.Code,
		Name:     req.Name,
		IsAdmin:  req.IsAdmin,
		Priority: req.Priority,
		Active:   true,
	}
	if err := s.roles.Create(ctx, role); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create role")
	}
	s.recordRoleChange(actorID, role.ID, "CREATED", map[string]interface{}{"code": role.Code, "is_admin": role.IsAdmin})
	return role, nil
}

// GetRole fetches a role by identifier.
func (s *AccessService) GetRole(ctx context.Context, id string) (*models.Role, error) {
	role, err := s.roles.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "role not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load role")
	}
	return role, nil
}

// ListRoles returns roles matching the filter.
func (s *AccessService) ListRoles(ctx context.Context, filter models.RoleFilter) ([]models.Role, error) {
	roles, err := s.roles.List(ctx, filter)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list roles")
	}
	return roles, nil
}

// SetRoleActive toggles a role's active flag. Deactivating a role removes it
// from every actor's evaluation chain without touching assignments.
func (s *AccessService) SetRoleActive(ctx context.Context, id string, active bool, actorID string) error {
	if _, err := s.GetRole(ctx, id); err != nil {
		return err
	}
	if err := s.roles.SetActive(ctx, id, active); err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update role")
	}
	outcome := "DEACTIVATED"
	if active {
		outcome = "ACTIVATED"
	}
	s.recordRoleChange(actorID, id, outcome, nil)
	return nil
}

// AssignRole links an actor to a role at the given evaluation position.
func (s *AccessService) AssignRole(ctx context.Context, req dto.AssignRoleRequest, actorID string) error {
	role, err := s.GetRole(ctx, req.RoleID)
	if err != nil {
		return err
	}
	if !role.Active {
		return appErrors.Clone(appErrors.ErrValidation, "cannot assign an inactive role")
	}
	assignment := &models.RoleAssignment{
		ActorID:  req.ActorID,
		RoleID:   req.RoleID,
		Position: req.Position,
	}
	if err := s.roles.Assign(ctx, assignment); err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to assign role")
	}
	s.recordRoleChange(actorID, req.RoleID, "ASSIGNED", map[string]interface{}{
		"actor_id": req.ActorID, "position": req.Position,
	})
	return nil
}

// RevokeRole deactivates an actor's role assignment.
func (s *AccessService) RevokeRole(ctx context.Context, subjectActorID, roleID, actorID string) error {
	if err := s.roles.Revoke(ctx, subjectActorID, roleID); err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to revoke role")
	}
	s.recordRoleChange(actorID, roleID, "REVOKED", map[string]interface{}{"actor_id": subjectActorID})
	return nil
}

// CreateGrant validates and stores a permission grant, retiring any previous
// active grant for the same (role, module, action) key.
func (s *AccessService) CreateGrant(ctx context.Context, req dto.CreateGrantRequest, actorID string) (*models.PermissionGrant, error) {
	if _, err := s.GetRole(ctx, req.RoleID); err != nil {
		return nil, err
	}
	grant := &models.PermissionGrant{
		RoleID:           req.RoleID,
		Module:           req.Module,
		Action:           req.Action,
		AllowedResources: req.AllowedResources,
		AmountCap:        req.AmountCap,
		DailyCap:         req.DailyCap,
		WindowStart:      req.WindowStart,
		WindowEnd:        req.WindowEnd,
		RequiresApproval: req.RequiresApproval,
	}
	if err := grant.Validate(); err != nil {
		return nil, appErrors.Clone(appErrors.ErrValidation, err.Error())
	}
	if err := s.grants.Create(ctx, grant); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create grant")
	}
	s.recordGrantChange(actorID, grant.ID, "CREATED", map[string]interface{}{
		"role_id": grant.RoleID, "module": grant.Module, "action": grant.Action,
	})
	return grant, nil
}

// GetGrant fetches a grant by identifier.
func (s *AccessService) GetGrant(ctx context.Context, id string) (*models.PermissionGrant, error) {
	grant, err := s.grants.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "grant not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load grant")
	}
	return grant, nil
}

// ListGrants returns grants matching the filter.
func (s *AccessService) ListGrants(ctx context.Context, filter models.GrantFilter) ([]models.PermissionGrant, error) {
	grants, err := s.grants.List(ctx, filter)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list grants")
	}
	return grants, nil
}

// DeactivateGrant retires a grant without deleting it.
func (s *AccessService) DeactivateGrant(ctx context.Context, id, actorID string) error {
	if err := s.grants.Deactivate(ctx, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return appErrors.Clone(appErrors.ErrNotFound, "grant not found or already inactive")
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to deactivate grant")
	}
	s.recordGrantChange(actorID, id, "DEACTIVATED", nil)
	return nil
}

func (s *AccessService) recordRoleChange(actorID, roleID, outcome string, fields map[string]interface{}) {
	var details []byte
	if fields != nil {
		details, _ = json.Marshal(fields)
	}
	s.audit.Record(&models.AuditEntry{
		ActorID:    &actorID,
		Action:     models.AuditActionRoleChange,
		Resource:   "role",
		ResourceID: &roleID,
		Outcome:    outcome,
		Details:    details,
	})
}

func (s *AccessService) recordGrantChange(actorID, grantID, outcome string, fields map[string]interface{}) {
	var details []byte
	if fields != nil {
		details, _ = json.Marshal(fields)
	}
	s.audit.Record(&models.AuditEntry{
		ActorID:    &actorID,
		Action:     models.AuditActionGrantChange,
		Resource:   "permission_grant",
		ResourceID: &grantID,
		Outcome:    outcome,
		Details:    details,
	})
}
