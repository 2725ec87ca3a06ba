package dto

import (
	"github.com/shopspring/decimal"

	"github.com/noah-isme/erp-approval-api/internal/models"
)

// EvaluateRequest asks the engine whether an operation is permitted.
type EvaluateRequest struct {
	Module     string              `json:"module" validate:"required"`
	Action     string              `json:"action" validate:"required"`
	ResourceID string              `json:"resource_id"`
	Amount     decimal.NullDecimal `json:"amount"`
}

// EvaluateResponse wraps the typed decision.
type EvaluateResponse struct {
	Decision models.Decision `json:"decision"`
}

// CreateRoleRequest provisions a business role.
type CreateRoleRequest struct {
	Code     string `json:"code" validate:"required"`
	Name     string `json:"name" validate:"required"`
	IsAdmin  bool   `json:"is_admin"`
	Priority int    `json:"priority"`
}

// AssignRoleRequest links an actor to a role at an evaluation position.
type AssignRoleRequest struct {
	ActorID  string `json:"actor_id" validate:"required"`
	RoleID   string `json:"role_id" validate:"required"`
	Position int    `json:"position" validate:"gte=0"`
}

// CreateGrantRequest provisions a permission grant with structured
// restrictions, validated before anything is stored.
type CreateGrantRequest struct {
	RoleID           string              `json:"role_id" validate:"required"`
	Module           string              `json:"module" validate:"required"`
	Action           string              `json:"action" validate:"required"`
	AllowedResources []string            `json:"allowed_resources"`
	AmountCap        decimal.NullDecimal `json:"amount_cap"`
	DailyCap         decimal.NullDecimal `json:"daily_cap"`
	WindowStart      *int                `json:"window_start"`
	WindowEnd        *int                `json:"window_end"`
	RequiresApproval bool                `json:"requires_approval"`
}
