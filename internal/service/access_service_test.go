package service

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/erp-approval-api/internal/dto"
	"github.com/noah-isme/erp-approval-api/internal/models"
	appErrors "github.com/noah-isme/erp-approval-api/pkg/errors"
)

type roleStoreStub struct {
	roles       map[string]*models.Role
	assignments []models.RoleAssignment
}

func newRoleStoreStub() *roleStoreStub {
	return &roleStoreStub{roles: make(map[string]*models.Role)}
}

func (s *roleStoreStub) Create(_ context.Context, role *models.Role) error {
	if role.ID == "" {
		role.ID = "role-1"
	}
	s.roles[role.ID] = role
	return nil
}

func (s *roleStoreStub) GetByID(_ context.Context, id string) (*models.Role, error) {
	role, ok := s.roles[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return role, nil
}

func (s *roleStoreStub) List(_ context.Context, _ models.RoleFilter) ([]models.Role, error) {
	out := make([]models.Role, 0, len(s.roles))
	for _, role := range s.roles {
		out = append(out, *role)
	}
	return out, nil
}

func (s *roleStoreStub) SetActive(_ context.Context, id string, active bool) error {
	role, ok := s.roles[id]
	if !ok {
		return sql.ErrNoRows
	}
	role.Active = active
	return nil
}

func (s *roleStoreStub) Assign(_ context.Context, assignment *models.RoleAssignment) error {
	s.assignments = append(s.assignments, *assignment)
	return nil
}

func (s *roleStoreStub) Revoke(_ context.Context, actorID, roleID string) error {
	for i := range s.assignments {
		a := &s.assignments[i]
		if a.ActorID == actorID && a.RoleID == roleID {
			a.Active = false
		}
	}
	return nil
}

type grantStoreStub struct {
	stored map[string]*models.PermissionGrant
}

func newGrantStoreStub() *grantStoreStub {
	return &grantStoreStub{stored: make(map[string]*models.PermissionGrant)}
}

func (s *grantStoreStub) Create(_ context.Context, grant *models.PermissionGrant) error {
	if grant.ID == "" {
		grant.ID = "grant-1"
	}
	grant.Active = true
	s.stored[grant.ID] = grant
	return nil
}

func (s *grantStoreStub) GetByID(_ context.Context, id string) (*models.PermissionGrant, error) {
	grant, ok := s.stored[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return grant, nil
}

func (s *grantStoreStub) List(_ context.Context, _ models.GrantFilter) ([]models.PermissionGrant, error) {
	out := make([]models.PermissionGrant, 0, len(s.stored))
	for _, grant := range s.stored {
		out = append(out, *grant)
	}
	return out, nil
}

func (s *grantStoreStub) Deactivate(_ context.Context, id string) error {
	grant, ok := s.stored[id]
	if !ok || !grant.Active {
		return sql.ErrNoRows
	}
	grant.Active = false
	return nil
}

func newAccessFixture() (*AccessService, *roleStoreStub, *grantStoreStub, *auditRecorderStub) {
	roles := newRoleStoreStub()
	grants := newGrantStoreStub()
	audit := &auditRecorderStub{}
	return NewAccessService(roles, grants, audit, nil), roles, grants, audit
}

func TestCreateRole(t *testing.T) {
	svc, _, _, audit := newAccessFixture()

	role, err := svc.CreateRole(context.Background(), dto.CreateRoleRequest{Code: "FIN_MGR", Name: "Finance Manager"}, "admin-1")
	require.NoError(t, err)
	assert.True(t, role.Active)
	assert.False(t, role.IsAdmin)

	require.Len(t, audit.entries, 1)
	assert.Equal(t, models.AuditActionRoleChange, audit.entries[0].Action)
	assert.Equal(t, "CREATED", audit.entries[0].Outcome)
}

func TestSetRoleActive(t *testing.T) {
	svc, store, _, audit := newAccessFixture()
	role, err := svc.CreateRole(context.Background(), dto.CreateRoleRequest{Code: "OPS", Name: "Operations"}, "admin-1")
	require.NoError(t, err)

	require.NoError(t, svc.SetRoleActive(context.Background(), role.ID, false, "admin-1"))
	assert.False(t, store.roles[role.ID].Active)
	assert.Equal(t, "DEACTIVATED", audit.entries[len(audit.entries)-1].Outcome)

	require.NoError(t, svc.SetRoleActive(context.Background(), role.ID, true, "admin-1"))
	assert.Equal(t, "ACTIVATED", audit.entries[len(audit.entries)-1].Outcome)

	err = svc.SetRoleActive(context.Background(), "missing", false, "admin-1")
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrNotFound.Code, appErrors.FromError(err).Code)
}

func TestAssignRoleRequiresActiveRole(t *testing.T) {
	svc, store, _, _ := newAccessFixture()
	role, err := svc.CreateRole(context.Background(), dto.CreateRoleRequest{Code: "OPS", Name: "Operations"}, "admin-1")
	require.NoError(t, err)

	req := dto.AssignRoleRequest{ActorID: "alice", RoleID: role.ID, Position: 0}
	require.NoError(t, svc.AssignRole(context.Background(), req, "admin-1"))
	require.Len(t, store.assignments, 1)
	assert.Equal(t, "alice", store.assignments[0].ActorID)

	require.NoError(t, svc.SetRoleActive(context.Background(), role.ID, false, "admin-1"))
	err = svc.AssignRole(context.Background(), req, "admin-1")
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrValidation.Code, appErrors.FromError(err).Code)
}

func TestRevokeRole(t *testing.T) {
	svc, store, _, audit := newAccessFixture()
	role, err := svc.CreateRole(context.Background(), dto.CreateRoleRequest{Code: "OPS", Name: "Operations"}, "admin-1")
	require.NoError(t, err)
	require.NoError(t, svc.AssignRole(context.Background(), dto.AssignRoleRequest{ActorID: "alice", RoleID: role.ID}, "admin-1"))

	require.NoError(t, svc.RevokeRole(context.Background(), "alice", role.ID, "admin-1"))
	assert.False(t, store.assignments[0].Active)
	assert.Equal(t, "REVOKED", audit.entries[len(audit.entries)-1].Outcome)
}

func TestCreateGrant(t *testing.T) {
	svc, _, grants, audit := newAccessFixture()
	role, err := svc.CreateRole(context.Background(), dto.CreateRoleRequest{Code: "OPS", Name: "Operations"}, "admin-1")
	require.NoError(t, err)

	grant, err := svc.CreateGrant(context.Background(), dto.CreateGrantRequest{
		RoleID: role.ID, Module: "inventory", Action: "transfer",
	}, "admin-1")
	require.NoError(t, err)
	assert.True(t, grant.Active)
	assert.NotNil(t, grants.stored[grant.ID])
	assert.Equal(t, models.AuditActionGrantChange, audit.entries[len(audit.entries)-1].Action)
}

func TestCreateGrantValidation(t *testing.T) {
	svc, _, _, _ := newAccessFixture()

	// Unknown role.
	_, err := svc.CreateGrant(context.Background(), dto.CreateGrantRequest{
		RoleID: "missing", Module: "inventory", Action: "transfer",
	}, "admin-1")
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrNotFound.Code, appErrors.FromError(err).Code)

	role, err := svc.CreateRole(context.Background(), dto.CreateRoleRequest{Code: "OPS", Name: "Operations"}, "admin-1")
	require.NoError(t, err)

	// Half-open time window fails grant validation.
	start := 540
	_, err = svc.CreateGrant(context.Background(), dto.CreateGrantRequest{
		RoleID: role.ID, Module: "inventory", Action: "transfer", WindowStart: &start,
	}, "admin-1")
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrValidation.Code, appErrors.FromError(err).Code)
}

func TestDeactivateGrant(t *testing.T) {
	svc, _, grants, _ := newAccessFixture()
	role, err := svc.CreateRole(context.Background(), dto.CreateRoleRequest{Code: "OPS", Name: "Operations"}, "admin-1")
	require.NoError(t, err)
	grant, err := svc.CreateGrant(context.Background(), dto.CreateGrantRequest{
		RoleID: role.ID, Module: "inventory", Action: "transfer",
	}, "admin-1")
	require.NoError(t, err)

	require.NoError(t, svc.DeactivateGrant(context.Background(), grant.ID, "admin-1"))
	assert.False(t, grants.stored[grant.ID].Active)

	err = svc.DeactivateGrant(context.Background(), grant.ID, "admin-1")
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrNotFound.Code, appErrors.FromError(err).Code)
}
