package service

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/erp-approval-api/internal/models"
)

type roleReaderStub struct {
	roles map[string][]models.Role
	err   error
}

func (s *roleReaderStub) ActiveRolesFor(_ context.Context, actorID string) ([]models.Role, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.roles[actorID], nil
}

type grantReaderStub struct {
	grants map[string]*models.PermissionGrant
	err    error
}

func grantKey(roleID, module, action string) string {
	return roleID + "/" + module + "/" + action
}

func (s *grantReaderStub) FindActive(_ context.Context, roleID, module, action string) (*models.PermissionGrant, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.grants[grantKey(roleID, module, action)], nil
}

type usageCounterStub struct {
	total    decimal.Decimal
	exceeded bool
	calls    int
}

func (s *usageCounterStub) AddAndCheck(_ context.Context, _, _, _ string, _ time.Time, amount, limit decimal.Decimal) (decimal.Decimal, bool, error) {
	s.calls++
	s.total = s.total.Add(amount)
	if s.exceeded || s.total.GreaterThan(limit) {
		return s.total.Sub(amount), true, nil
	}
	return s.total, false, nil
}

type auditRecorderStub struct {
	entries []*models.AuditEntry
}

func (s *auditRecorderStub) Record(entry *models.AuditEntry) {
	s.entries = append(s.entries, entry)
}

func nullAmount(v int64) decimal.NullDecimal {
	return decimal.NewNullDecimal(decimal.NewFromInt(v))
}

func newEvaluator(roles *roleReaderStub, grants *grantReaderStub, usage *usageCounterStub, audit *auditRecorderStub, at time.Time) *PermissionService {
	svc := NewPermissionService(roles, grants, usage, audit, time.UTC, nil)
	svc.now = func() time.Time { return at }
	return svc
}

func TestEvaluateNoRoles(t *testing.T) {
	audit := &auditRecorderStub{}
	svc := newEvaluator(&roleReaderStub{}, &grantReaderStub{}, &usageCounterStub{}, audit, time.Now())

	decision, err := svc.Evaluate(context.Background(), "nobody", "inventory", "transfer", models.EvaluationContext{})
	require.NoError(t, err)
	assert.Equal(t, models.DecisionDenied, decision.Outcome)
	assert.Equal(t, models.ReasonNoRoles, decision.Reason)
	require.Len(t, audit.entries, 1)
	assert.Equal(t, models.AuditActionEvaluate, audit.entries[0].Action)
}

func TestEvaluateAdminBypassesRestrictions(t *testing.T) {
	roles := &roleReaderStub{roles: map[string][]models.Role{
		"boss": {{ID: "r-admin", IsAdmin: true}},
	}}
	svc := newEvaluator(roles, &grantReaderStub{}, &usageCounterStub{}, &auditRecorderStub{}, time.Now())

	decision, err := svc.Evaluate(context.Background(), "boss", "inventory", "transfer", models.EvaluationContext{
		Amount: nullAmount(1_000_000),
	})
	require.NoError(t, err)
	assert.True(t, decision.Allowed())
	assert.Equal(t, models.ReasonAdminRole, decision.Reason)
	assert.Equal(t, "r-admin", decision.RoleID)
}

func TestEvaluateFirstMatchingRoleWins(t *testing.T) {
	roles := &roleReaderStub{roles: map[string][]models.Role{
		"alice": {{ID: "r1"}, {ID: "r2"}},
	}}
	grants := &grantReaderStub{grants: map[string]*models.PermissionGrant{
		grantKey("r2", "inventory", "transfer"): {ID: "g2", RoleID: "r2"},
	}}
	svc := newEvaluator(roles, grants, &usageCounterStub{}, &auditRecorderStub{}, time.Now())

	decision, err := svc.Evaluate(context.Background(), "alice", "inventory", "transfer", models.EvaluationContext{})
	require.NoError(t, err)
	assert.True(t, decision.Allowed())
	assert.Equal(t, "r2", decision.RoleID)
	assert.Equal(t, "g2", decision.GrantID)
}

func TestEvaluateResourceMismatchFallsThrough(t *testing.T) {
	roles := &roleReaderStub{roles: map[string][]models.Role{
		"alice": {{ID: "r1"}, {ID: "r2"}},
	}}
	grants := &grantReaderStub{grants: map[string]*models.PermissionGrant{
		grantKey("r1", "inventory", "transfer"): {ID: "g1", RoleID: "r1", AllowedResources: []string{"warehouse-1"}},
		grantKey("r2", "inventory", "transfer"): {ID: "g2", RoleID: "r2", AllowedResources: []string{"warehouse-2"}},
	}}
	svc := newEvaluator(roles, grants, &usageCounterStub{}, &auditRecorderStub{}, time.Now())

	decision, err := svc.Evaluate(context.Background(), "alice", "inventory", "transfer", models.EvaluationContext{
		ResourceID: "warehouse-2",
	})
	require.NoError(t, err)
	assert.True(t, decision.Allowed())
	assert.Equal(t, "g2", decision.GrantID)

	decision, err = svc.Evaluate(context.Background(), "alice", "inventory", "transfer", models.EvaluationContext{
		ResourceID: "warehouse-9",
	})
	require.NoError(t, err)
	assert.Equal(t, models.DecisionDenied, decision.Outcome)
	assert.Equal(t, models.ReasonNotAssigned, decision.Reason)
}

func TestEvaluateAmountCapEscalates(t *testing.T) {
	roles := &roleReaderStub{roles: map[string][]models.Role{
		"alice": {{ID: "r1"}, {ID: "r2"}},
	}}
	grants := &grantReaderStub{grants: map[string]*models.PermissionGrant{
		grantKey("r1", "finance", "payout"): {ID: "g1", RoleID: "r1", AmountCap: nullAmount(500)},
		// A later role without a cap exists but must not be consulted:
		// amount overage escalates immediately.
		grantKey("r2", "finance", "payout"): {ID: "g2", RoleID: "r2"},
	}}
	svc := newEvaluator(roles, grants, &usageCounterStub{}, &auditRecorderStub{}, time.Now())

	decision, err := svc.Evaluate(context.Background(), "alice", "finance", "payout", models.EvaluationContext{
		Amount: nullAmount(900),
	})
	require.NoError(t, err)
	assert.True(t, decision.NeedsApproval())
	assert.Equal(t, models.ReasonAmountCapExceeded, decision.Reason)
	assert.Equal(t, "g1", decision.GrantID)
	require.NotNil(t, decision.Restrictions)
	assert.True(t, decision.Restrictions.AmountCap.Valid)
}

func TestEvaluateTimeWindowDeniesOutright(t *testing.T) {
	start, end := 9*60, 17*60
	roles := &roleReaderStub{roles: map[string][]models.Role{
		"alice": {{ID: "r1"}, {ID: "r2"}},
	}}
	grants := &grantReaderStub{grants: map[string]*models.PermissionGrant{
		grantKey("r1", "inventory", "transfer"): {ID: "g1", RoleID: "r1", WindowStart: &start, WindowEnd: &end},
		grantKey("r2", "inventory", "transfer"): {ID: "g2", RoleID: "r2"},
	}}

	evening := time.Date(2026, 3, 10, 22, 30, 0, 0, time.UTC)
	svc := newEvaluator(roles, grants, &usageCounterStub{}, &auditRecorderStub{}, evening)

	decision, err := svc.Evaluate(context.Background(), "alice", "inventory", "transfer", models.EvaluationContext{})
	require.NoError(t, err)
	assert.Equal(t, models.DecisionDenied, decision.Outcome)
	assert.Equal(t, models.ReasonOutsideHours, decision.Reason)

	morning := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)
	svc = newEvaluator(roles, grants, &usageCounterStub{}, &auditRecorderStub{}, morning)

	decision, err = svc.Evaluate(context.Background(), "alice", "inventory", "transfer", models.EvaluationContext{})
	require.NoError(t, err)
	assert.True(t, decision.Allowed())
}

func TestEvaluateGrantRequiresApproval(t *testing.T) {
	roles := &roleReaderStub{roles: map[string][]models.Role{
		"alice": {{ID: "r1"}},
	}}
	grants := &grantReaderStub{grants: map[string]*models.PermissionGrant{
		grantKey("r1", "hr", "terminate"): {
			ID: "g1", RoleID: "r1", RequiresApproval: true,
		},
	}}
	svc := newEvaluator(roles, grants, &usageCounterStub{}, &auditRecorderStub{}, time.Now())

	decision, err := svc.Evaluate(context.Background(), "alice", "hr", "terminate", models.EvaluationContext{})
	require.NoError(t, err)
	assert.True(t, decision.NeedsApproval())
	assert.Equal(t, models.ReasonGrantRequires, decision.Reason)
}

func TestEvaluateDailyCap(t *testing.T) {
	roles := &roleReaderStub{roles: map[string][]models.Role{
		"alice": {{ID: "r1"}},
	}}
	grants := &grantReaderStub{grants: map[string]*models.PermissionGrant{
		grantKey("r1", "finance", "payout"): {ID: "g1", RoleID: "r1", DailyCap: nullAmount(1000)},
	}}
	usage := &usageCounterStub{}
	svc := newEvaluator(roles, grants, usage, &auditRecorderStub{}, time.Now())

	decision, err := svc.Evaluate(context.Background(), "alice", "finance", "payout", models.EvaluationContext{
		Amount: nullAmount(600),
	})
	require.NoError(t, err)
	assert.True(t, decision.Allowed())

	decision, err = svc.Evaluate(context.Background(), "alice", "finance", "payout", models.EvaluationContext{
		Amount: nullAmount(600),
	})
	require.NoError(t, err)
	assert.True(t, decision.NeedsApproval())
	assert.Equal(t, models.ReasonDailyCapExceeded, decision.Reason)
	assert.Equal(t, 2, usage.calls)
}

func TestEvaluateIsDeterministic(t *testing.T) {
	roles := &roleReaderStub{roles: map[string][]models.Role{
		"alice": {{ID: "r1"}, {ID: "r2"}},
	}}
	grants := &grantReaderStub{grants: map[string]*models.PermissionGrant{
		grantKey("r1", "inventory", "view"): {ID: "g1", RoleID: "r1"},
		grantKey("r2", "inventory", "view"): {ID: "g2", RoleID: "r2"},
	}}
	svc := newEvaluator(roles, grants, &usageCounterStub{}, &auditRecorderStub{}, time.Now())

	for i := 0; i < 10; i++ {
		decision, err := svc.Evaluate(context.Background(), "alice", "inventory", "view", models.EvaluationContext{})
		require.NoError(t, err)
		assert.Equal(t, "g1", decision.GrantID, "same inputs must yield the same decision")
	}
}

func TestEvaluateWritesOneAuditEntryPerCall(t *testing.T) {
	audit := &auditRecorderStub{}
	roles := &roleReaderStub{roles: map[string][]models.Role{
		"alice": {{ID: "r1"}},
	}}
	grants := &grantReaderStub{grants: map[string]*models.PermissionGrant{
		grantKey("r1", "inventory", "view"): {ID: "g1", RoleID: "r1"},
	}}
	svc := newEvaluator(roles, grants, &usageCounterStub{}, audit, time.Now())

	for i := 0; i < 3; i++ {
		_, err := svc.Evaluate(context.Background(), "alice", "inventory", "view", models.EvaluationContext{})
		require.NoError(t, err)
	}
	assert.Len(t, audit.entries, 3)
	for _, entry := range audit.entries {
		assert.Equal(t, string(models.DecisionAllowed), entry.Outcome)
	}
}
