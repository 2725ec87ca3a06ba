package models

import "time"

// Audit actions recorded by the engine. Every evaluation and every instance
// transition writes exactly one entry.
const (
	AuditActionEvaluate       = "PERMISSION_EVALUATE"
	AuditActionInstanceCreate = "INSTANCE_CREATE"
	AuditActionDecisionRecord = "DECISION_RECORD"
	AuditActionInstanceCancel = "INSTANCE_CANCEL"
	AuditActionDelegate       = "DELEGATION"
	AuditActionLogin          = "LOGIN"
	AuditActionGrantChange    = "GRANT_CHANGE"
	AuditActionRoleChange     = "ROLE_CHANGE"
	AuditActionTemplateChange = "TEMPLATE_CHANGE"
)

// AuditEntry is an append-only trail record. Entries are immutable once
// written and are never updated or deleted.
type AuditEntry struct {
	ID         string    `db:"id" json:"id"`
	ActorID    *string   `db:"actor_id" json:"actor_id,omitempty"`
	Action     string    `db:"action" json:"action"`
	Resource   string    `db:"resource" json:"resource"`
	ResourceID *string   `db:"resource_id" json:"resource_id,omitempty"`
	Outcome    string    `db:"outcome" json:"outcome"`
	Reason     string    `db:"reason" json:"reason"`
	Details    []byte    `db:"details" json:"details,omitempty"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}

// AuditFilter constrains audit trail queries.
type AuditFilter struct {
	ActorID    string
	Action     string
	ResourceID string
	From       *time.Time
	To         *time.Time
	Limit      int
	Offset     int
}
