package models

import "github.com/shopspring/decimal"

// DecisionOutcome enumerates the possible results of a permission evaluation.
type DecisionOutcome string

const (
	DecisionAllowed          DecisionOutcome = "ALLOWED"
	DecisionDenied           DecisionOutcome = "DENIED"
	DecisionApprovalRequired DecisionOutcome = "APPROVAL_REQUIRED"
)

// Deny reasons surfaced to callers and recorded in the audit trail.
const (
	ReasonNoRoles           = "no roles assigned"
	ReasonNotAssigned       = "permission not assigned"
	ReasonOutsideHours      = "outside permitted hours"
	ReasonAmountCapExceeded = "amount exceeds cap"
	ReasonDailyCapExceeded  = "daily cap exceeded"
	ReasonGrantRequires     = "grant requires approval"
	ReasonAdminRole         = "admin role"
)

// EvaluationContext carries the optional operation attributes a grant's
// restrictions are checked against.
type EvaluationContext struct {
	ResourceID string              `json:"resource_id,omitempty"`
	Amount     decimal.NullDecimal `json:"amount,omitempty"`
}

// DecisionRestrictions echoes the caps that applied to an escalated or
// allowed decision, informational for the caller.
type DecisionRestrictions struct {
	AmountCap decimal.NullDecimal `json:"amount_cap,omitempty"`
	DailyCap  decimal.NullDecimal `json:"daily_cap,omitempty"`
}

// Decision is the typed outcome of PermissionService.Evaluate. Denial is a
// business result, not an error.
type Decision struct {
	Outcome      DecisionOutcome       `json:"outcome"`
	Reason       string                `json:"reason,omitempty"`
	RoleID       string                `json:"role_id,omitempty"`
	GrantID      string                `json:"grant_id,omitempty"`
	Restrictions *DecisionRestrictions `json:"restrictions,omitempty"`
}

// Allowed reports whether the operation may proceed without approval.
func (d Decision) Allowed() bool {
	return d.Outcome == DecisionAllowed
}

// NeedsApproval reports whether the caller must open a workflow instance.
func (d Decision) NeedsApproval() bool {
	return d.Outcome == DecisionApprovalRequired
}
