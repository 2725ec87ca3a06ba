package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/erp-approval-api/internal/models"
)

// RoleRepository persists business roles and actor role assignments.
type RoleRepository struct {
	db *sqlx.DB
}

// NewRoleRepository constructs the repository.
func NewRoleRepository(db *sqlx.DB) *RoleRepository {
	return &RoleRepository{db: db}
}

// Create inserts a new role.
func (r *RoleRepository) Create(ctx context.Context, role *models.Role) error {
	if role.ID == "" {
		role.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	role.CreatedAt = now
	role.UpdatedAt = now
	const query = `INSERT INTO roles (id, code, name, is_admin, priority, active, created_at, updated_at)
	VALUES (:id, :code, :name, :is_admin, :priority, :active, :created_at, :updated_at)`
	if _, err := r.db.NamedExecContext(ctx, query, role); err != nil {
		return fmt.Errorf("create role: %w", err)
	}
	return nil
}

// GetByID fetches a role by identifier.
func (r *RoleRepository) GetByID(ctx context.Context, id string) (*models.Role, error) {
	const query = `SELECT id, code, name, is_admin, priority, active, created_at, updated_at
	FROM roles WHERE id = $1`
	var role models.Role
	if err := r.db.GetContext(ctx, &role, query, id); err != nil {
		return nil, err
	}
	return &role, nil
}

// List returns roles matching the filter.
func (r *RoleRepository) List(ctx context.Context, filter models.RoleFilter) ([]models.Role, error) {
	builder := strings.Builder{}
	args := make([]interface{}, 0, 3)
	builder.WriteString(`SELECT id, code, name, is_admin, priority, active, created_at, updated_at FROM roles`)

	conditions := make([]string, 0, 2)
	if filter.Active != nil {
		args = append(args, *filter.Active)
		conditions = append(conditions, fmt.Sprintf("active = $%d", len(args)))
	}
	if filter.Search != "" {
		args = append(args, "%"+filter.Search+"%")
		conditions = append(conditions, fmt.Sprintf("(code ILIKE $%d OR name ILIKE $%d)", len(args), len(args)))
	}
	if len(conditions) > 0 {
		builder.WriteString(" WHERE ")
		builder.WriteString(strings.Join(conditions, " AND "))
	}
	builder.WriteString(" ORDER BY priority DESC, code ASC")

	limit := filter.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}
	builder.WriteString(fmt.Sprintf(" LIMIT %d OFFSET %d", limit, offset))

	var roles []models.Role
	if err := r.db.SelectContext(ctx, &roles, builder.String(), args...); err != nil {
		return nil, fmt.Errorf("list roles: %w", err)
	}
	return roles, nil
}

// SetActive toggles a role's active flag.
func (r *RoleRepository) SetActive(ctx context.Context, id string, active bool) error {
	const query = `UPDATE roles SET active = $1, updated_at = $2 WHERE id = $3`
	if _, err := r.db.ExecContext(ctx, query, active, time.Now().UTC(), id); err != nil {
		return fmt.Errorf("update role active: %w", err)
	}
	return nil
}

// Assign links an actor to a role at the given evaluation position.
func (r *RoleRepository) Assign(ctx context.Context, assignment *models.RoleAssignment) error {
	if assignment.ID == "" {
		assignment.ID = uuid.NewString()
	}
	assignment.CreatedAt = time.Now().UTC()
	assignment.Active = true
	const query = `INSERT INTO role_assignments (id, actor_id, role_id, position, active, created_at)
	VALUES (:id, :actor_id, :role_id, :position, :active, :created_at)`
	if _, err := r.db.NamedExecContext(ctx, query, assignment); err != nil {
		return fmt.Errorf("assign role: %w", err)
	}
	return nil
}

// Revoke deactivates an actor's role assignment.
func (r *RoleRepository) Revoke(ctx context.Context, actorID, roleID string) error {
	const query = `UPDATE role_assignments SET active = false WHERE actor_id = $1 AND role_id = $2 AND active = true`
	if _, err := r.db.ExecContext(ctx, query, actorID, roleID); err != nil {
		return fmt.Errorf("revoke role: %w", err)
	}
	return nil
}

// ActiveRolesFor returns the actor's active roles in assignment order. The
// evaluator depends on this ordering: first matching grant wins.
func (r *RoleRepository) ActiveRolesFor(ctx context.Context, actorID string) ([]models.Role, error) {
	const query = `SELECT r.id, r.code, r.name, r.is_admin, r.priority, r.active, r.created_at, r.updated_at
	FROM role_assignments ra
	JOIN roles r ON r.id = ra.role_id
	WHERE ra.actor_id = $1 AND ra.active = true AND r.active = true
	ORDER BY ra.position ASC`
	var roles []models.Role
	if err := r.db.SelectContext(ctx, &roles, query, actorID); err != nil {
		return nil, fmt.Errorf("load roles for actor: %w", err)
	}
	return roles, nil
}
