package models

import (
	"fmt"
	"time"

	"github.com/lib/pq"
)

// ApprovalType selects the completion rule applied to a stage.
type ApprovalType string

const (
	ApprovalSequential ApprovalType = "SEQUENTIAL"
	ApprovalParallel   ApprovalType = "PARALLEL"
	ApprovalQuorum     ApprovalType = "QUORUM"
)

// Valid reports whether the approval type is a known variant.
func (t ApprovalType) Valid() bool {
	switch t {
	case ApprovalSequential, ApprovalParallel, ApprovalQuorum:
		return true
	}
	return false
}

// Stage is one level of an approval pipeline. Approver order matters for
// SEQUENTIAL stages; RequiredApprovals is only meaningful for QUORUM.
type Stage struct {
	ID                string         `db:"id" json:"id"`
	TemplateID        string         `db:"template_id" json:"template_id"`
	Position          int            `db:"position" json:"position"`
	Name              string         `db:"name" json:"name"`
	ApproverIDs       pq.StringArray `db:"approver_ids" json:"approver_ids"`
	ApprovalType      ApprovalType   `db:"approval_type" json:"approval_type"`
	RequiredApprovals int            `db:"required_approvals" json:"required_approvals"`
	SLAHours          *int           `db:"sla_hours" json:"sla_hours,omitempty"`
	AllowDelegation   bool           `db:"allow_delegation" json:"allow_delegation"`
	AllowSkip         bool           `db:"allow_skip" json:"allow_skip"`
}

// HasApprover reports whether the given actor sits on this stage.
func (s *Stage) HasApprover(actorID string) bool {
	for _, id := range s.ApproverIDs {
		if id == actorID {
			return true
		}
	}
	return false
}

// Validate enforces stage invariants at template creation time.
func (s *Stage) Validate() error {
	if len(s.ApproverIDs) == 0 {
		return fmt.Errorf("stage %d: at least one approver is required", s.Position)
	}
	seen := make(map[string]struct{}, len(s.ApproverIDs))
	for _, id := range s.ApproverIDs {
		if id == "" {
			return fmt.Errorf("stage %d: empty approver id", s.Position)
		}
		if _, dup := seen[id]; dup {
			return fmt.Errorf("stage %d: duplicate approver %s", s.Position, id)
		}
		seen[id] = struct{}{}
	}
	if !s.ApprovalType.Valid() {
		return fmt.Errorf("stage %d: unknown approval type %q", s.Position, s.ApprovalType)
	}
	if s.ApprovalType == ApprovalQuorum {
		if s.RequiredApprovals < 1 || s.RequiredApprovals > len(s.ApproverIDs) {
			return fmt.Errorf("stage %d: required approvals %d out of range 1..%d",
				s.Position, s.RequiredApprovals, len(s.ApproverIDs))
		}
	}
	if s.SLAHours != nil && *s.SLAHours <= 0 {
		return fmt.Errorf("stage %d: sla hours must be positive", s.Position)
	}
	return nil
}

// WorkflowTemplate is a reusable approval pipeline definition. Templates are
// versioned by id and never edited in place once instances reference them; a
// revision is a new template.
type WorkflowTemplate struct {
	ID          string    `db:"id" json:"id"`
	Name        string    `db:"name" json:"name"`
	Description string    `db:"description" json:"description"`
	Active      bool      `db:"active" json:"active"`
	CreatedBy   string    `db:"created_by" json:"created_by"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
	Stages      []Stage   `db:"-" json:"stages"`
}

// StageAt returns the stage at the given position, nil when out of range.
func (t *WorkflowTemplate) StageAt(index int) *Stage {
	if index < 0 || index >= len(t.Stages) {
		return nil
	}
	return &t.Stages[index]
}

// Validate enforces template invariants at creation time.
func (t *WorkflowTemplate) Validate() error {
	if t.Name == "" {
		return fmt.Errorf("template name is required")
	}
	if len(t.Stages) == 0 {
		return fmt.Errorf("template requires at least one stage")
	}
	for i := range t.Stages {
		t.Stages[i].Position = i
		if err := t.Stages[i].Validate(); err != nil {
			return err
		}
	}
	return nil
}

// VoteTally summarises the non-pending decisions cast on a stage.
type VoteTally struct {
	Approved int
	Rejected int
	Total    int
	Required int
}

// StageOutcome is the result of applying a completion rule to a tally.
type StageOutcome string

const (
	StagePending  StageOutcome = "PENDING"
	StageApproved StageOutcome = "APPROVED"
	StageRejected StageOutcome = "REJECTED"
)

// CompletionRule decides whether a stage is finished given the current tally.
// One implementation exists per approval type; all are pure and can be
// exercised without any storage.
type CompletionRule interface {
	Evaluate(tally VoteTally) StageOutcome
}

// Rule returns the completion rule for the approval type.
func (t ApprovalType) Rule() CompletionRule {
	switch t {
	case ApprovalSequential:
		return sequentialRule{}
	case ApprovalParallel:
		return parallelRule{}
	case ApprovalQuorum:
		return quorumRule{}
	}
	return sequentialRule{}
}

// sequentialRule completes the stage on the first decision cast.
type sequentialRule struct{}

func (sequentialRule) Evaluate(tally VoteTally) StageOutcome {
	if tally.Rejected > 0 {
		return StageRejected
	}
	if tally.Approved > 0 {
		return StageApproved
	}
	return StagePending
}

// parallelRule requires every approver to vote; a single rejection fails the
// stage immediately without waiting for the rest.
type parallelRule struct{}

func (parallelRule) Evaluate(tally VoteTally) StageOutcome {
	if tally.Rejected > 0 {
		return StageRejected
	}
	if tally.Approved == tally.Total {
		return StageApproved
	}
	return StagePending
}

// quorumRule approves as soon as the required count lands and rejects once
// approval becomes mathematically unreachable.
type quorumRule struct{}

func (quorumRule) Evaluate(tally VoteTally) StageOutcome {
	if tally.Approved >= tally.Required {
		return StageApproved
	}
	if tally.Rejected > tally.Total-tally.Required {
		return StageRejected
	}
	return StagePending
}
