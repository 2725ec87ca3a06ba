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

type templateStore interface {
	Create(ctx context.Context, template *models.WorkflowTemplate) error
	GetByID(ctx context.Context, id string) (*models.WorkflowTemplate, error)
	List(ctx context.Context, active *bool, search string) ([]models.WorkflowTemplate, error)
	Deactivate(ctx context.Context, id string) error
}

// TemplateService administers workflow templates. Templates are immutable
// once created; the only lifecycle mutation is deactivation, which stops new
// instances while running ones finish against the frozen definition.
type TemplateService struct {
	repo   templateStore
	audit  auditRecorder
	logger *zap.Logger
}

// NewTemplateService constructs the service.
func NewTemplateService(repo templateStore, audit auditRecorder, logger *zap.Logger) *TemplateService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TemplateService{repo: repo, audit: audit, logger: logger}
}

// Create validates and stores a new template with its stages.
func (s *TemplateService) Create(ctx context.Context, req dto.CreateTemplateRequest, createdBy string) (*models.WorkflowTemplate, error) {
	template := &models.WorkflowTemplate{
		Name:        req.Name,
		Description: req.Description,
		CreatedBy:   createdBy,
		Stages:      make([]models.Stage, 0, len(req.Stages)),
	}
	for i, def := range req.Stages {
		template.Stages = append(template.Stages, models.Stage{
			Position:          i,
			Name:              def.Name,
			ApproverIDs:       def.ApproverIDs,
			ApprovalType:      def.ApprovalType,
			RequiredApprovals: def.RequiredApprovals,
			SLAHours:          def.SLAHours,
			AllowDelegation:   def.AllowDelegation,
			AllowSkip:         def.AllowSkip,
		})
	}
	if err := template.Validate(); err != nil {
		return nil, appErrors.Clone(appErrors.ErrValidation, err.Error())
	}

	if err := s.repo.Create(ctx, template); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create template")
	}

	s.recordChange(createdBy, template.ID, "CREATED", template.Name, len(template.Stages))
	return template, nil
}

// Get fetches a template with its stages.
func (s *TemplateService) Get(ctx context.Context, id string) (*models.WorkflowTemplate, error) {
	template, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "template not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load template")
	}
	return template, nil
}

// List returns templates matching the query.
func (s *TemplateService) List(ctx context.Context, query dto.TemplateQuery) ([]models.WorkflowTemplate, error) {
	templates, err := s.repo.List(ctx, query.Active, query.Search)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list templates")
	}
	return templates, nil
}

// Deactivate retires a template so no new instances can use it.
func (s *TemplateService) Deactivate(ctx context.Context, id, actorID string) error {
	if err := s.repo.Deactivate(ctx, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return appErrors.Clone(appErrors.ErrNotFound, "template not found or already inactive")
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to deactivate template")
	}
	s.recordChange(actorID, id, "DEACTIVATED", "", 0)
	return nil
}

func (s *TemplateService) recordChange(actorID, templateID, outcome, name string, stages int) {
	details, _ := json.Marshal(map[string]interface{}{"name": name, "stages": stages})
	s.audit.Record(&models.AuditEntry{
		ActorID:    &actorID,
		Action:     models.AuditActionTemplateChange,
		Resource:   "workflow_template",
		ResourceID: &templateID,
		Outcome:    outcome,
		Details:    details,
	})
}
