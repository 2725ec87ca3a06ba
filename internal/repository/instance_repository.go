package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/erp-approval-api/internal/models"
)

// ErrVersionConflict signals a lost optimistic-lock race on an instance
// mutation. Callers re-fetch and retry against the refreshed state.
var ErrVersionConflict = errors.New("instance version conflict")

// InstanceRepository persists workflow instances and their approval slots.
// Every mutation is a compare-and-swap on the instance version so concurrent
// writers on the same instance serialize; different instances never contend.
type InstanceRepository struct {
	db *sqlx.DB
}

// NewInstanceRepository constructs the repository.
func NewInstanceRepository(db *sqlx.DB) *InstanceRepository {
	return &InstanceRepository{db: db}
}

const instanceColumns = `id, template_id, requester_id, status, current_stage_index, stage_entered_at,
       payload, version, created_at, updated_at, completed_at`

const approvalColumns = `id, instance_id, stage_id, approver_id, status, comment, delegated_to, decided_by, decided_at, created_at`

// Create inserts the instance and its first-stage pending approvals in one
// transaction.
func (r *InstanceRepository) Create(ctx context.Context, instance *models.WorkflowInstance) error {
	if instance.ID == "" {
		instance.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	instance.CreatedAt = now
	instance.UpdatedAt = now
	instance.StageEnteredAt = now
	instance.Version = 1

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin instance tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	const insert = `INSERT INTO workflow_instances
	(id, template_id, requester_id, status, current_stage_index, stage_entered_at, payload, version, created_at, updated_at, completed_at)
	VALUES (:id, :template_id, :requester_id, :status, :current_stage_index, :stage_entered_at, :payload, :version, :created_at, :updated_at, :completed_at)`
	if _, err := tx.NamedExecContext(ctx, insert, instance); err != nil {
		return fmt.Errorf("create instance: %w", err)
	}

	if err := insertApprovals(ctx, tx, instance.Approvals); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit instance tx: %w", err)
	}
	return nil
}

// GetByID fetches an instance with all of its approval slots.
func (r *InstanceRepository) GetByID(ctx context.Context, id string) (*models.WorkflowInstance, error) {
	query := `SELECT ` + instanceColumns + ` FROM workflow_instances WHERE id = $1`
	var instance models.WorkflowInstance
	if err := r.db.GetContext(ctx, &instance, query, id); err != nil {
		return nil, err
	}

	approvalQuery := `SELECT ` + approvalColumns + ` FROM workflow_approvals WHERE instance_id = $1 ORDER BY created_at ASC, id ASC`
	if err := r.db.SelectContext(ctx, &instance.Approvals, approvalQuery, id); err != nil {
		return nil, fmt.Errorf("load approvals: %w", err)
	}
	return &instance, nil
}

// ApprovalDecision carries the slot update applied inside a transition.
type ApprovalDecision struct {
	ApprovalID string
	Status     models.ApprovalStatus
	Comment    *string
	DecidedBy  string
	DecidedAt  time.Time
}

// TransitionParams describes one atomic instance transition.
type TransitionParams struct {
	InstanceID      string
	ExpectedVersion int64
	Status          models.InstanceStatus
	StageIndex      int
	StageEnteredAt  time.Time
	CompletedAt     *time.Time
	Decision        *ApprovalDecision
	NewApprovals    []models.Approval
}

// ApplyTransition performs a compare-and-swap transition: the instance row is
// updated only if the version still matches, the decided slot is written, and
// next-stage pending slots are inserted, all in one transaction. Returns
// ErrVersionConflict when another writer won the race.
func (r *InstanceRepository) ApplyTransition(ctx context.Context, params TransitionParams) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transition tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	const update = `UPDATE workflow_instances
	SET status = $1, current_stage_index = $2, stage_entered_at = $3, completed_at = $4,
	    version = version + 1, updated_at = $5
	WHERE id = $6 AND version = $7`
	result, err := tx.ExecContext(ctx, update,
		params.Status, params.StageIndex, params.StageEnteredAt, params.CompletedAt,
		time.Now().UTC(), params.InstanceID, params.ExpectedVersion)
	if err != nil {
		return fmt.Errorf("update instance: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check transition rows: %w", err)
	}
	if rows == 0 {
		return ErrVersionConflict
	}

	if params.Decision != nil {
		const decide = `UPDATE workflow_approvals
		SET status = $1, comment = $2, decided_by = $3, decided_at = $4
		WHERE id = $5 AND status = 'PENDING'`
		result, err := tx.ExecContext(ctx, decide,
			params.Decision.Status, params.Decision.Comment, params.Decision.DecidedBy,
			params.Decision.DecidedAt, params.Decision.ApprovalID)
		if err != nil {
			return fmt.Errorf("record decision: %w", err)
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("check decision rows: %w", err)
		}
		if rows == 0 {
			return ErrVersionConflict
		}
	}

	if err := insertApprovals(ctx, tx, params.NewApprovals); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transition tx: %w", err)
	}
	return nil
}

// SetDelegate marks an approval slot as delegated. The version bump
// serializes delegation against concurrent votes on the same instance.
func (r *InstanceRepository) SetDelegate(ctx context.Context, instanceID string, expectedVersion int64, approvalID, toActorID string) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delegate tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	const bump = `UPDATE workflow_instances SET version = version + 1, updated_at = $1 WHERE id = $2 AND version = $3`
	result, err := tx.ExecContext(ctx, bump, time.Now().UTC(), instanceID, expectedVersion)
	if err != nil {
		return fmt.Errorf("bump instance version: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check bump rows: %w", err)
	}
	if rows == 0 {
		return ErrVersionConflict
	}

	const delegate = `UPDATE workflow_approvals SET delegated_to = $1 WHERE id = $2 AND status = 'PENDING'`
	result, err = tx.ExecContext(ctx, delegate, toActorID, approvalID)
	if err != nil {
		return fmt.Errorf("set delegate: %w", err)
	}
	rows, err = result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check delegate rows: %w", err)
	}
	if rows == 0 {
		return sql.ErrNoRows
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delegate tx: %w", err)
	}
	return nil
}

// List returns instances matching the filter, newest first, without their
// approval slots.
func (r *InstanceRepository) List(ctx context.Context, filter models.InstanceFilter) ([]models.WorkflowInstance, error) {
	builder := strings.Builder{}
	args := make([]interface{}, 0, 4)
	builder.WriteString(`SELECT ` + instanceColumns + ` FROM workflow_instances`)

	conditions := make([]string, 0, 3)
	if len(filter.Status) > 0 {
		placeholders := make([]string, len(filter.Status))
		for i, status := range filter.Status {
			args = append(args, status)
			placeholders[i] = fmt.Sprintf("$%d", len(args))
		}
		conditions = append(conditions, fmt.Sprintf("status IN (%s)", strings.Join(placeholders, ",")))
	}
	if filter.RequesterID != "" {
		args = append(args, filter.RequesterID)
		conditions = append(conditions, fmt.Sprintf("requester_id = $%d", len(args)))
	}
	if filter.TemplateID != "" {
		args = append(args, filter.TemplateID)
		conditions = append(conditions, fmt.Sprintf("template_id = $%d", len(args)))
	}
	if len(conditions) > 0 {
		builder.WriteString(" WHERE ")
		builder.WriteString(strings.Join(conditions, " AND "))
	}
	builder.WriteString(" ORDER BY created_at DESC")

	limit := filter.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}
	builder.WriteString(fmt.Sprintf(" LIMIT %d OFFSET %d", limit, offset))

	var instances []models.WorkflowInstance
	if err := r.db.SelectContext(ctx, &instances, builder.String(), args...); err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}
	return instances, nil
}

// PendingSlot is one inbox row: a pending approval on the current stage of a
// live instance, owed by the queried actor directly or by delegation.
type PendingSlot struct {
	ApprovalID  string    `db:"approval_id"`
	InstanceID  string    `db:"instance_id"`
	TemplateID  string    `db:"template_id"`
	StageID     string    `db:"stage_id"`
	StageIndex  int       `db:"stage_index"`
	RequesterID string    `db:"requester_id"`
	Delegated   bool      `db:"delegated"`
	Payload     []byte    `db:"payload"`
	SLAHours    *int      `db:"sla_hours"`
	EnteredAt   time.Time `db:"entered_at"`
}

// PendingFor returns the approver's open slots across all in-review
// instances, restricted to each instance's current stage.
func (r *InstanceRepository) PendingFor(ctx context.Context, actorID string) ([]PendingSlot, error) {
	const query = `SELECT a.id AS approval_id, i.id AS instance_id, i.template_id, a.stage_id,
	       s.position AS stage_index, i.requester_id,
	       (a.delegated_to IS NOT NULL) AS delegated,
	       i.payload, s.sla_hours, i.stage_entered_at AS entered_at
	FROM workflow_approvals a
	JOIN workflow_instances i ON i.id = a.instance_id
	JOIN workflow_stages s ON s.id = a.stage_id
	WHERE i.status = 'IN_REVIEW'
	  AND s.position = i.current_stage_index
	  AND a.status = 'PENDING'
	  AND ((a.delegated_to IS NULL AND a.approver_id = $1) OR a.delegated_to = $1)
	ORDER BY i.stage_entered_at ASC`
	var slots []PendingSlot
	if err := r.db.SelectContext(ctx, &slots, query, actorID); err != nil {
		return nil, fmt.Errorf("list pending approvals: %w", err)
	}
	return slots, nil
}

func insertApprovals(ctx context.Context, tx *sqlx.Tx, approvals []models.Approval) error {
	if len(approvals) == 0 {
		return nil
	}
	const insert = `INSERT INTO workflow_approvals
	(id, instance_id, stage_id, approver_id, status, comment, delegated_to, decided_by, decided_at, created_at)
	VALUES (:id, :instance_id, :stage_id, :approver_id, :status, :comment, :delegated_to, :decided_by, :decided_at, :created_at)`
	for i := range approvals {
		if _, err := tx.NamedExecContext(ctx, insert, &approvals[i]); err != nil {
			return fmt.Errorf("create approval slot: %w", err)
		}
	}
	return nil
}
