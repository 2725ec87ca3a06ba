package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/erp-approval-api/internal/models"
)

// TemplateRepository persists workflow templates and their stages. Stage
// rows are written once at creation and never mutated afterwards.
type TemplateRepository struct {
	db *sqlx.DB
}

// NewTemplateRepository constructs the repository.
func NewTemplateRepository(db *sqlx.DB) *TemplateRepository {
	return &TemplateRepository{db: db}
}

// Create inserts the template and its stages in one transaction.
func (r *TemplateRepository) Create(ctx context.Context, template *models.WorkflowTemplate) error {
	if template.ID == "" {
		template.ID = uuid.NewString()
	}
	template.CreatedAt = time.Now().UTC()
	template.Active = true

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin template tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	const insertTemplate = `INSERT INTO workflow_templates (id, name, description, active, created_by, created_at)
	VALUES (:id, :name, :description, :active, :created_by, :created_at)`
	if _, err := tx.NamedExecContext(ctx, insertTemplate, template); err != nil {
		return fmt.Errorf("create template: %w", err)
	}

	const insertStage = `INSERT INTO workflow_stages
	(id, template_id, position, name, approver_ids, approval_type, required_approvals, sla_hours, allow_delegation, allow_skip)
	VALUES (:id, :template_id, :position, :name, :approver_ids, :approval_type, :required_approvals, :sla_hours, :allow_delegation, :allow_skip)`
	for i := range template.Stages {
		stage := &template.Stages[i]
		if stage.ID == "" {
			stage.ID = uuid.NewString()
		}
		stage.TemplateID = template.ID
		stage.Position = i
		if _, err := tx.NamedExecContext(ctx, insertStage, stage); err != nil {
			return fmt.Errorf("create stage %d: %w", i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit template tx: %w", err)
	}
	return nil
}

// GetByID fetches a template with its stages in position order.
func (r *TemplateRepository) GetByID(ctx context.Context, id string) (*models.WorkflowTemplate, error) {
	const query = `SELECT id, name, description, active, created_by, created_at
	FROM workflow_templates WHERE id = $1`
	var template models.WorkflowTemplate
	if err := r.db.GetContext(ctx, &template, query, id); err != nil {
		return nil, err
	}

	const stageQuery = `SELECT id, template_id, position, name, approver_ids, approval_type, required_approvals, sla_hours, allow_delegation, allow_skip
	FROM workflow_stages WHERE template_id = $1 ORDER BY position ASC`
	if err := r.db.SelectContext(ctx, &template.Stages, stageQuery, id); err != nil {
		return nil, fmt.Errorf("load stages: %w", err)
	}
	return &template, nil
}

// List returns templates without their stages.
func (r *TemplateRepository) List(ctx context.Context, active *bool, search string) ([]models.WorkflowTemplate, error) {
	builder := strings.Builder{}
	args := make([]interface{}, 0, 2)
	builder.WriteString(`SELECT id, name, description, active, created_by, created_at FROM workflow_templates`)

	conditions := make([]string, 0, 2)
	if active != nil {
		args = append(args, *active)
		conditions = append(conditions, fmt.Sprintf("active = $%d", len(args)))
	}
	if search != "" {
		args = append(args, "%"+search+"%")
		conditions = append(conditions, fmt.Sprintf("name ILIKE $%d", len(args)))
	}
	if len(conditions) > 0 {
		builder.WriteString(" WHERE ")
		builder.WriteString(strings.Join(conditions, " AND "))
	}
	builder.WriteString(" ORDER BY created_at DESC")

	var templates []models.WorkflowTemplate
	if err := r.db.SelectContext(ctx, &templates, builder.String(), args...); err != nil {
		return nil, fmt.Errorf("list templates: %w", err)
	}
	return templates, nil
}

// Deactivate retires a template so no new instances can reference it.
// Existing instances keep running against the frozen stage definitions.
func (r *TemplateRepository) Deactivate(ctx context.Context, id string) error {
	const query = `UPDATE workflow_templates SET active = false WHERE id = $1 AND active = true`
	result, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("deactivate template: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check deactivate rows: %w", err)
	}
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}
