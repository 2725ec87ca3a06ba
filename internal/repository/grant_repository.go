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

// GrantRepository persists permission grants.
type GrantRepository struct {
	db *sqlx.DB
}

// NewGrantRepository constructs the repository.
func NewGrantRepository(db *sqlx.DB) *GrantRepository {
	return &GrantRepository{db: db}
}

const grantColumns = `id, role_id, module, action, allowed_resources, amount_cap, daily_cap,
       window_start, window_end, requires_approval, active, created_at, updated_at`

// Create inserts a grant, retiring any previously active grant for the same
// (role, module, action) key so the one-active-grant invariant holds.
func (r *GrantRepository) Create(ctx context.Context, grant *models.PermissionGrant) error {
	if grant.ID == "" {
		grant.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	grant.Active = true
	grant.CreatedAt = now
	grant.UpdatedAt = now

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin grant tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	const retire = `UPDATE permission_grants SET active = false, updated_at = $1
	WHERE role_id = $2 AND module = $3 AND action = $4 AND active = true`
	if _, err := tx.ExecContext(ctx, retire, now, grant.RoleID, grant.Module, grant.Action); err != nil {
		return fmt.Errorf("retire previous grant: %w", err)
	}

	const insert = `INSERT INTO permission_grants
	(id, role_id, module, action, allowed_resources, amount_cap, daily_cap, window_start, window_end, requires_approval, active, created_at, updated_at)
	VALUES (:id, :role_id, :module, :action, :allowed_resources, :amount_cap, :daily_cap, :window_start, :window_end, :requires_approval, :active, :created_at, :updated_at)`
	if _, err := tx.NamedExecContext(ctx, insert, grant); err != nil {
		return fmt.Errorf("create grant: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit grant tx: %w", err)
	}
	return nil
}

// FindActive returns the active grant for the (role, module, action) key, or
// nil when the role holds no such grant.
func (r *GrantRepository) FindActive(ctx context.Context, roleID, module, action string) (*models.PermissionGrant, error) {
	query := `SELECT ` + grantColumns + ` FROM permission_grants
	WHERE role_id = $1 AND module = $2 AND action = $3 AND active = true`
	var grant models.PermissionGrant
	if err := r.db.GetContext(ctx, &grant, query, roleID, module, action); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("find grant: %w", err)
	}
	return &grant, nil
}

// GetByID fetches a grant by identifier.
func (r *GrantRepository) GetByID(ctx context.Context, id string) (*models.PermissionGrant, error) {
	query := `SELECT ` + grantColumns + ` FROM permission_grants WHERE id = $1`
	var grant models.PermissionGrant
	if err := r.db.GetContext(ctx, &grant, query, id); err != nil {
		return nil, err
	}
	return &grant, nil
}

// List returns grants matching the filter.
func (r *GrantRepository) List(ctx context.Context, filter models.GrantFilter) ([]models.PermissionGrant, error) {
	builder := strings.Builder{}
	args := make([]interface{}, 0, 4)
	builder.WriteString(`SELECT ` + grantColumns + ` FROM permission_grants`)

	conditions := make([]string, 0, 4)
	if filter.RoleID != "" {
		args = append(args, filter.RoleID)
		conditions = append(conditions, fmt.Sprintf("role_id = $%d", len(args)))
	}
	if filter.Module != "" {
		args = append(args, filter.Module)
		conditions = append(conditions, fmt.Sprintf("module = $%d", len(args)))
	}
	if filter.Action != "" {
		args = append(args, filter.Action)
		conditions = append(conditions, fmt.Sprintf("action = $%d", len(args)))
	}
	if filter.Active != nil {
		args = append(args, *filter.Active)
		conditions = append(conditions, fmt.Sprintf("active = $%d", len(args)))
	}
	if len(conditions) > 0 {
		builder.WriteString(" WHERE ")
		builder.WriteString(strings.Join(conditions, " AND "))
	}
	builder.WriteString(" ORDER BY module ASC, action ASC, created_at DESC")

	limit := filter.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}
	builder.WriteString(fmt.Sprintf(" LIMIT %d OFFSET %d", limit, offset))

	var grants []models.PermissionGrant
	if err := r.db.SelectContext(ctx, &grants, builder.String(), args...); err != nil {
		return nil, fmt.Errorf("list grants: %w", err)
	}
	return grants, nil
}

// Deactivate retires a grant without deleting it.
func (r *GrantRepository) Deactivate(ctx context.Context, id string) error {
	const query = `UPDATE permission_grants SET active = false, updated_at = $1 WHERE id = $2 AND active = true`
	result, err := r.db.ExecContext(ctx, query, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("deactivate grant: %w", err)
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
