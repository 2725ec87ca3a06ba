package dto

import (
	"encoding/json"

	"github.com/noah-isme/erp-approval-api/internal/models"
)

// CreateInstanceRequest opens a workflow instance from a template. Payload is
// opaque to the engine and travels with the instance unmodified.
type CreateInstanceRequest struct {
	TemplateID string          `json:"template_id" validate:"required"`
	Payload    json.RawMessage `json:"payload"`
}

// DecisionRequest records one approver's vote on the current stage.
type DecisionRequest struct {
	StageID string `json:"stage_id" validate:"required"`
	Approve bool   `json:"approve"`
	Comment string `json:"comment"`
}

// DelegateRequest reassigns an approver slot on the current stage.
type DelegateRequest struct {
	StageID   string `json:"stage_id" validate:"required"`
	ToActorID string `json:"to_actor_id" validate:"required"`
	Reason    string `json:"reason"`
}

// InstanceView decorates an instance with lazily computed SLA information.
type InstanceView struct {
	models.WorkflowInstance
	SLA *models.SLAStatus `json:"sla,omitempty"`
}

// PendingApproval is one inbox row for an approver: the slot awaiting their
// vote plus enough instance context to act on it.
type PendingApproval struct {
	InstanceID  string            `json:"instance_id"`
	TemplateID  string            `json:"template_id"`
	StageID     string            `json:"stage_id"`
	StageIndex  int               `json:"stage_index"`
	RequesterID string            `json:"requester_id"`
	Delegated   bool              `json:"delegated"`
	Payload     json.RawMessage   `json:"payload,omitempty"`
	SLA         *models.SLAStatus `json:"sla,omitempty"`
}
