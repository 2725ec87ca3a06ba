package service

import (
	"context"
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/noah-isme/erp-approval-api/internal/models"
	appErrors "github.com/noah-isme/erp-approval-api/pkg/errors"
)

type roleReader interface {
	ActiveRolesFor(ctx context.Context, actorID string) ([]models.Role, error)
}

type grantReader interface {
	FindActive(ctx context.Context, roleID, module, action string) (*models.PermissionGrant, error)
}

type usageCounter interface {
	AddAndCheck(ctx context.Context, actorID, module, action string, day time.Time, amount, limit decimal.Decimal) (decimal.Decimal, bool, error)
}

type auditRecorder interface {
	Record(entry *models.AuditEntry)
}

// PermissionService decides whether an actor may perform an operation. The
// evaluation is a pure read over role and grant state; the only mutation is
// the atomic daily-usage counter, touched when an operation is allowed
// outright under a daily cap.
type PermissionService struct {
	roles    roleReader
	grants   grantReader
	usage    usageCounter
	audit    auditRecorder
	location *time.Location
	now      func() time.Time
	logger   *zap.Logger
}

// NewPermissionService constructs the evaluator. The location fixes which
// wall clock grant time windows are checked against.
func NewPermissionService(roles roleReader, grants grantReader, usage usageCounter, audit auditRecorder, location *time.Location, logger *zap.Logger) *PermissionService {
	if location == nil {
		location = time.UTC
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PermissionService{
		roles:    roles,
		grants:   grants,
		usage:    usage,
		audit:    audit,
		location: location,
		now:      time.Now,
		logger:   logger,
	}
}

// Evaluate walks the actor's roles in assignment order and returns the first
// conclusive decision. Exactly one audit entry is written per call.
func (s *PermissionService) Evaluate(ctx context.Context, actorID, module, action string, evalCtx models.EvaluationContext) (models.Decision, error) {
	decision, err := s.evaluate(ctx, actorID, module, action, evalCtx)
	if err != nil {
		return models.Decision{}, err
	}
	s.recordDecision(actorID, module, action, evalCtx, decision)
	return decision, nil
}

func (s *PermissionService) evaluate(ctx context.Context, actorID, module, action string, evalCtx models.EvaluationContext) (models.Decision, error) {
	roles, err := s.roles.ActiveRolesFor(ctx, actorID)
	if err != nil {
		return models.Decision{}, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load actor roles")
	}
	if len(roles) == 0 {
		return models.Decision{Outcome: models.DecisionDenied, Reason: models.ReasonNoRoles}, nil
	}

	for _, role := range roles {
		if role.IsAdmin {
			return models.Decision{Outcome: models.DecisionAllowed, Reason: models.ReasonAdminRole, RoleID: role.ID}, nil
		}

		grant, err := s.grants.FindActive(ctx, role.ID, module, action)
		if err != nil {
			return models.Decision{}, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load grant")
		}
		if grant == nil {
			continue
		}

		// A resource mismatch only disqualifies this role; a later role
		// may still cover the resource.
		if !grant.AllowsResource(evalCtx.ResourceID) {
			continue
		}

		// Amount overage is a hard compliance boundary: escalate
		// immediately instead of trying other roles.
		if grant.AmountCap.Valid && evalCtx.Amount.Valid &&
			evalCtx.Amount.Decimal.GreaterThan(grant.AmountCap.Decimal) {
			return s.approvalRequired(role, grant, models.ReasonAmountCapExceeded), nil
		}

		// A time-window violation is a hard operational boundary, not a
		// per-role discriminator: deny outright.
		if window := grant.Window(); window != nil {
			now := s.now().In(s.location)
			minuteOfDay := now.Hour()*60 + now.Minute()
			if !window.Contains(minuteOfDay) {
				return models.Decision{
					Outcome: models.DecisionDenied,
					Reason:  models.ReasonOutsideHours,
					RoleID:  role.ID,
					GrantID: grant.ID,
				}, nil
			}
		}

		if grant.RequiresApproval {
			return s.approvalRequired(role, grant, models.ReasonGrantRequires), nil
		}

		if grant.DailyCap.Valid && evalCtx.Amount.Valid {
			day := s.now().In(s.location)
			_, exceeded, err := s.usage.AddAndCheck(ctx, actorID, module, action, day, evalCtx.Amount.Decimal, grant.DailyCap.Decimal)
			if err != nil {
				return models.Decision{}, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to check daily usage")
			}
			if exceeded {
				return s.approvalRequired(role, grant, models.ReasonDailyCapExceeded), nil
			}
		}

		return models.Decision{
			Outcome:      models.DecisionAllowed,
			RoleID:       role.ID,
			GrantID:      grant.ID,
			Restrictions: restrictionsOf(grant),
		}, nil
	}

	return models.Decision{Outcome: models.DecisionDenied, Reason: models.ReasonNotAssigned}, nil
}

func (s *PermissionService) approvalRequired(role models.Role, grant *models.PermissionGrant, reason string) models.Decision {
	return models.Decision{
		Outcome:      models.DecisionApprovalRequired,
		Reason:       reason,
		RoleID:       role.ID,
		GrantID:      grant.ID,
		Restrictions: restrictionsOf(grant),
	}
}

func restrictionsOf(grant *models.PermissionGrant) *models.DecisionRestrictions {
	if !grant.AmountCap.Valid && !grant.DailyCap.Valid {
		return nil
	}
	return &models.DecisionRestrictions{AmountCap: grant.AmountCap, DailyCap: grant.DailyCap}
}

func (s *PermissionService) recordDecision(actorID, module, action string, evalCtx models.EvaluationContext, decision models.Decision) {
	details, err := json.Marshal(map[string]interface{}{
		"module":      module,
		"action":      action,
		"resource_id": evalCtx.ResourceID,
		"amount":      evalCtx.Amount,
		"role_id":     decision.RoleID,
	})
	if err != nil {
		s.logger.Warn("failed to marshal evaluation details", zap.Error(err))
	}
	resourceID := evalCtx.ResourceID
	entry := &models.AuditEntry{
		ActorID:  &actorID,
		Action:   models.AuditActionEvaluate,
		Resource: module,
		Outcome:  string(decision.Outcome),
		Reason:   decision.Reason,
		Details:  details,
	}
	if resourceID != "" {
		entry.ResourceID = &resourceID
	}
	s.audit.Record(entry)
}
