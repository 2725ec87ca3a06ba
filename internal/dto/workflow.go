package dto

import "github.com/noah-isme/erp-approval-api/internal/models"

// StageDefinition describes one stage of a new template.
type StageDefinition struct {
	Name              string              `json:"name"`
	ApproverIDs       []string            `json:"approver_ids" validate:"required,min=1"`
	ApprovalType      models.ApprovalType `json:"approval_type" validate:"required"`
	RequiredApprovals int                 `json:"required_approvals"`
	SLAHours          *int                `json:"sla_hours"`
	AllowDelegation   bool                `json:"allow_delegation"`
	AllowSkip         bool                `json:"allow_skip"`
}

// CreateTemplateRequest provisions a workflow template. Templates are
// immutable; a revision is a new template with a fresh id.
type CreateTemplateRequest struct {
	Name        string            `json:"name" validate:"required"`
	Description string            `json:"description"`
	Stages      []StageDefinition `json:"stages" validate:"required,min=1"`
}

// TemplateQuery filters template listings.
type TemplateQuery struct {
	Active *bool  `form:"active"`
	Search string `form:"search"`
}
