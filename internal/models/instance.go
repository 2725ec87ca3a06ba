package models

import "time"

// InstanceStatus enumerates workflow instance states.
type InstanceStatus string

const (
	InstancePending   InstanceStatus = "PENDING"
	InstanceInReview  InstanceStatus = "IN_REVIEW"
	InstanceApproved  InstanceStatus = "APPROVED"
	InstanceRejected  InstanceStatus = "REJECTED"
	InstanceCancelled InstanceStatus = "CANCELLED"
)

// Terminal reports whether the status admits no further transitions.
func (s InstanceStatus) Terminal() bool {
	switch s {
	case InstanceApproved, InstanceRejected, InstanceCancelled:
		return true
	}
	return false
}

// ApprovalStatus enumerates the state of one approver slot.
type ApprovalStatus string

const (
	ApprovalPendingVote ApprovalStatus = "PENDING"
	ApprovalApproved    ApprovalStatus = "APPROVED"
	ApprovalRejected    ApprovalStatus = "REJECTED"
)

// Approval is one approver slot within a stage of a running instance. When a
// slot is delegated the decision is attributed to DelegatedTo but the slot
// remains keyed by the original approver.
type Approval struct {
	ID          string         `db:"id" json:"id"`
	InstanceID  string         `db:"instance_id" json:"instance_id"`
	StageID     string         `db:"stage_id" json:"stage_id"`
	ApproverID  string         `db:"approver_id" json:"approver_id"`
	Status      ApprovalStatus `db:"status" json:"status"`
	Comment     *string        `db:"comment" json:"comment,omitempty"`
	DelegatedTo *string        `db:"delegated_to" json:"delegated_to,omitempty"`
	DecidedBy   *string        `db:"decided_by" json:"decided_by,omitempty"`
	DecidedAt   *time.Time     `db:"decided_at" json:"decided_at,omitempty"`
	CreatedAt   time.Time      `db:"created_at" json:"created_at"`
}

// Decided reports whether the slot already holds a terminal decision.
func (a *Approval) Decided() bool {
	return a.Status != ApprovalPendingVote
}

// VoterID returns the actor entitled to decide this slot.
func (a *Approval) VoterID() string {
	if a.DelegatedTo != nil && *a.DelegatedTo != "" {
		return *a.DelegatedTo
	}
	return a.ApproverID
}

// WorkflowInstance is one running execution of a template. Version backs the
// optimistic concurrency check: every mutation compares and increments it.
type WorkflowInstance struct {
	ID                string         `db:"id" json:"id"`
	TemplateID        string         `db:"template_id" json:"template_id"`
	RequesterID       string         `db:"requester_id" json:"requester_id"`
	Status            InstanceStatus `db:"status" json:"status"`
	CurrentStageIndex int            `db:"current_stage_index" json:"current_stage_index"`
	StageEnteredAt    time.Time      `db:"stage_entered_at" json:"stage_entered_at"`
	Payload           []byte         `db:"payload" json:"payload,omitempty"`
	Version           int64          `db:"version" json:"version"`
	CreatedAt         time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time      `db:"updated_at" json:"updated_at"`
	CompletedAt       *time.Time     `db:"completed_at" json:"completed_at,omitempty"`

	Approvals []Approval `db:"-" json:"approvals,omitempty"`
}

// StageApprovals returns the approvals belonging to the given stage.
func (i *WorkflowInstance) StageApprovals(stageID string) []Approval {
	out := make([]Approval, 0, len(i.Approvals))
	for _, a := range i.Approvals {
		if a.StageID == stageID {
			out = append(out, a)
		}
	}
	return out
}

// Tally counts the decisions cast on a stage against the quorum requirement.
func (i *WorkflowInstance) Tally(stage *Stage) VoteTally {
	tally := VoteTally{Total: len(stage.ApproverIDs), Required: stage.RequiredApprovals}
	for _, a := range i.StageApprovals(stage.ID) {
		switch a.Status {
		case ApprovalApproved:
			tally.Approved++
		case ApprovalRejected:
			tally.Rejected++
		}
	}
	return tally
}

// SLAStatus annotates an instance's current stage with lazily computed SLA
// information. Breach is informational only; the engine never auto-rejects.
type SLAStatus struct {
	SLAHours       *int     `json:"sla_hours,omitempty"`
	HoursRemaining *float64 `json:"hours_remaining,omitempty"`
	Breached       bool     `json:"breached"`
}

// InstanceFilter constrains instance listing queries.
type InstanceFilter struct {
	RequesterID string
	TemplateID  string
	Status      []InstanceStatus
	Limit       int
	Offset      int
}
