package service

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/erp-approval-api/internal/dto"
	"github.com/noah-isme/erp-approval-api/internal/models"
	"github.com/noah-isme/erp-approval-api/internal/repository"
	appErrors "github.com/noah-isme/erp-approval-api/pkg/errors"
)

type templateReaderStub struct {
	templates map[string]*models.WorkflowTemplate
}

func (s *templateReaderStub) GetByID(_ context.Context, id string) (*models.WorkflowTemplate, error) {
	template, ok := s.templates[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return template, nil
}

// instanceStoreStub mimics the optimistic-lock behaviour of the real
// repository: transitions only apply when the expected version matches, and
// every applied transition bumps the version.
type instanceStoreStub struct {
	instances map[string]*models.WorkflowInstance
	// conflictsLeft forces the next N ApplyTransition calls to lose the race.
	conflictsLeft int
	transitions   int
}

func newInstanceStoreStub() *instanceStoreStub {
	return &instanceStoreStub{instances: make(map[string]*models.WorkflowInstance)}
}

func (s *instanceStoreStub) Create(_ context.Context, instance *models.WorkflowInstance) error {
	if instance.ID == "" {
		instance.ID = "inst-1"
	}
	now := time.Now().UTC()
	instance.Version = 1
	instance.CreatedAt = now
	instance.UpdatedAt = now
	instance.StageEnteredAt = now
	copied := *instance
	copied.Approvals = append([]models.Approval(nil), instance.Approvals...)
	s.instances[instance.ID] = &copied
	return nil
}

func (s *instanceStoreStub) GetByID(_ context.Context, id string) (*models.WorkflowInstance, error) {
	instance, ok := s.instances[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	copied := *instance
	copied.Approvals = append([]models.Approval(nil), instance.Approvals...)
	return &copied, nil
}

func (s *instanceStoreStub) ApplyTransition(_ context.Context, params repository.TransitionParams) error {
	if s.conflictsLeft > 0 {
		s.conflictsLeft--
		return repository.ErrVersionConflict
	}
	instance, ok := s.instances[params.InstanceID]
	if !ok {
		return sql.ErrNoRows
	}
	if instance.Version != params.ExpectedVersion {
		return repository.ErrVersionConflict
	}
	instance.Version++
	instance.Status = params.Status
	instance.CurrentStageIndex = params.StageIndex
	instance.StageEnteredAt = params.StageEnteredAt
	instance.CompletedAt = params.CompletedAt
	if params.Decision != nil {
		for i := range instance.Approvals {
			a := &instance.Approvals[i]
			if a.ID == params.Decision.ApprovalID && a.Status == models.ApprovalPendingVote {
				a.Status = params.Decision.Status
				a.Comment = params.Decision.Comment
				decidedBy := params.Decision.DecidedBy
				decidedAt := params.Decision.DecidedAt
				a.DecidedBy = &decidedBy
				a.DecidedAt = &decidedAt
			}
		}
	}
	instance.Approvals = append(instance.Approvals, params.NewApprovals...)
	s.transitions++
	return nil
}

func (s *instanceStoreStub) SetDelegate(_ context.Context, instanceID string, expectedVersion int64, approvalID, toActorID string) error {
	instance, ok := s.instances[instanceID]
	if !ok {
		return sql.ErrNoRows
	}
	if instance.Version != expectedVersion {
		return repository.ErrVersionConflict
	}
	instance.Version++
	for i := range instance.Approvals {
		a := &instance.Approvals[i]
		if a.ID == approvalID && a.Status == models.ApprovalPendingVote {
			to := toActorID
			a.DelegatedTo = &to
			return nil
		}
	}
	return sql.ErrNoRows
}

func (s *instanceStoreStub) List(_ context.Context, _ models.InstanceFilter) ([]models.WorkflowInstance, error) {
	out := make([]models.WorkflowInstance, 0, len(s.instances))
	for _, instance := range s.instances {
		out = append(out, *instance)
	}
	return out, nil
}

func (s *instanceStoreStub) PendingFor(_ context.Context, _ string) ([]repository.PendingSlot, error) {
	return nil, nil
}

type dispatcherStub struct {
	notifications []models.Notification
}

func (s *dispatcherStub) Dispatch(n models.Notification) {
	s.notifications = append(s.notifications, n)
}

func twoStageTemplate() *models.WorkflowTemplate {
	return &models.WorkflowTemplate{
		ID:     "tpl-1",
		Name:   "purchase approval",
		Active: true,
		Stages: []models.Stage{
			{ID: "s0", Position: 0, ApproverIDs: []string{"mgr"}, ApprovalType: models.ApprovalSequential, AllowDelegation: true},
			{ID: "s1", Position: 1, ApproverIDs: []string{"fin1", "fin2"}, ApprovalType: models.ApprovalParallel},
		},
	}
}

func newWorkflowFixture(t *testing.T, template *models.WorkflowTemplate) (*WorkflowService, *instanceStoreStub, *dispatcherStub, *auditRecorderStub) {
	t.Helper()
	store := newInstanceStoreStub()
	dispatcher := &dispatcherStub{}
	audit := &auditRecorderStub{}
	templates := &templateReaderStub{templates: map[string]*models.WorkflowTemplate{}}
	if template != nil {
		templates.templates[template.ID] = template
	}
	svc := NewWorkflowService(templates, store, audit, dispatcher, nil, WorkflowServiceConfig{MaxDecisionRetries: 3}, nil)
	return svc, store, dispatcher, audit
}

func mustCreateInstance(t *testing.T, svc *WorkflowService, templateID, requester string) *models.WorkflowInstance {
	t.Helper()
	instance, err := svc.CreateInstance(context.Background(), dto.CreateInstanceRequest{TemplateID: templateID}, requester)
	require.NoError(t, err)
	return instance
}

func TestCreateInstanceOpensAtStageZero(t *testing.T) {
	svc, store, dispatcher, audit := newWorkflowFixture(t, twoStageTemplate())

	instance := mustCreateInstance(t, svc, "tpl-1", "req-1")

	assert.Equal(t, models.InstanceInReview, instance.Status)
	assert.Equal(t, 0, instance.CurrentStageIndex)
	require.Len(t, instance.Approvals, 1)
	assert.Equal(t, "mgr", instance.Approvals[0].ApproverID)
	assert.Equal(t, models.ApprovalPendingVote, instance.Approvals[0].Status)

	stored, err := store.GetByID(context.Background(), instance.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, stored.Version)

	require.Len(t, dispatcher.notifications, 1)
	assert.Equal(t, models.NotifyInstanceCreated, dispatcher.notifications[0].Event)
	assert.Equal(t, []string{"mgr"}, dispatcher.notifications[0].TargetIDs)

	require.Len(t, audit.entries, 1)
	assert.Equal(t, models.AuditActionInstanceCreate, audit.entries[0].Action)
}

func TestCreateInstanceRejectsInactiveTemplate(t *testing.T) {
	template := twoStageTemplate()
	template.Active = false
	svc, _, _, _ := newWorkflowFixture(t, template)

	_, err := svc.CreateInstance(context.Background(), dto.CreateInstanceRequest{TemplateID: "tpl-1"}, "req-1")
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrValidation.Code, appErrors.FromError(err).Code)
}

func TestCreateInstanceUnknownTemplate(t *testing.T) {
	svc, _, _, _ := newWorkflowFixture(t, nil)

	_, err := svc.CreateInstance(context.Background(), dto.CreateInstanceRequest{TemplateID: "missing"}, "req-1")
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrNotFound.Code, appErrors.FromError(err).Code)
}

func TestRecordDecisionAdvancesThroughStages(t *testing.T) {
	svc, _, dispatcher, _ := newWorkflowFixture(t, twoStageTemplate())
	instance := mustCreateInstance(t, svc, "tpl-1", "req-1")

	// Stage 0: single sequential approver.
	updated, err := svc.RecordDecision(context.Background(), instance.ID, dto.DecisionRequest{StageID: "s0", Approve: true}, "mgr")
	require.NoError(t, err)
	assert.Equal(t, models.InstanceInReview, updated.Status)
	assert.Equal(t, 1, updated.CurrentStageIndex)
	assert.Len(t, updated.StageApprovals("s1"), 2, "next stage slots created")

	// Stage 1: parallel, both must approve.
	updated, err = svc.RecordDecision(context.Background(), instance.ID, dto.DecisionRequest{StageID: "s1", Approve: true}, "fin1")
	require.NoError(t, err)
	assert.Equal(t, models.InstanceInReview, updated.Status)
	assert.Equal(t, 1, updated.CurrentStageIndex, "stage index never moves backwards")

	updated, err = svc.RecordDecision(context.Background(), instance.ID, dto.DecisionRequest{StageID: "s1", Approve: true}, "fin2")
	require.NoError(t, err)
	assert.Equal(t, models.InstanceApproved, updated.Status)
	require.NotNil(t, updated.CompletedAt)

	var terminal int
	for _, n := range dispatcher.notifications {
		if n.Event == models.NotifyInstanceTerminal {
			terminal++
		}
	}
	assert.Equal(t, 1, terminal)
}

func TestRecordDecisionRejectionTerminates(t *testing.T) {
	svc, _, _, _ := newWorkflowFixture(t, twoStageTemplate())
	instance := mustCreateInstance(t, svc, "tpl-1", "req-1")

	updated, err := svc.RecordDecision(context.Background(), instance.ID, dto.DecisionRequest{StageID: "s0", Approve: false, Comment: "over budget"}, "mgr")
	require.NoError(t, err)
	assert.Equal(t, models.InstanceRejected, updated.Status)
	require.NotNil(t, updated.CompletedAt)

	// No further decisions on a terminal instance.
	_, err = svc.RecordDecision(context.Background(), instance.ID, dto.DecisionRequest{StageID: "s1", Approve: true}, "fin1")
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrInvalidTransition.Code, appErrors.FromError(err).Code)
}

func TestRecordDecisionQuorum(t *testing.T) {
	template := &models.WorkflowTemplate{
		ID:     "tpl-q",
		Name:   "quorum pipeline",
		Active: true,
		Stages: []models.Stage{
			{ID: "q0", Position: 0, ApproverIDs: []string{"a", "b", "c"}, ApprovalType: models.ApprovalQuorum, RequiredApprovals: 2},
		},
	}
	svc, _, _, _ := newWorkflowFixture(t, template)
	instance := mustCreateInstance(t, svc, "tpl-q", "req-1")

	updated, err := svc.RecordDecision(context.Background(), instance.ID, dto.DecisionRequest{StageID: "q0", Approve: true}, "a")
	require.NoError(t, err)
	assert.Equal(t, models.InstanceInReview, updated.Status)

	// Second approval reaches quorum; the third approver never votes.
	updated, err = svc.RecordDecision(context.Background(), instance.ID, dto.DecisionRequest{StageID: "q0", Approve: true}, "b")
	require.NoError(t, err)
	assert.Equal(t, models.InstanceApproved, updated.Status)
}

func TestRecordDecisionQuorumUnreachable(t *testing.T) {
	template := &models.WorkflowTemplate{
		ID:     "tpl-q",
		Name:   "quorum pipeline",
		Active: true,
		Stages: []models.Stage{
			{ID: "q0", Position: 0, ApproverIDs: []string{"a", "b", "c"}, ApprovalType: models.ApprovalQuorum, RequiredApprovals: 3},
		},
	}
	svc, _, _, _ := newWorkflowFixture(t, template)
	instance := mustCreateInstance(t, svc, "tpl-q", "req-1")

	// Requiring all three, one rejection makes approval unreachable.
	updated, err := svc.RecordDecision(context.Background(), instance.ID, dto.DecisionRequest{StageID: "q0", Approve: false}, "b")
	require.NoError(t, err)
	assert.Equal(t, models.InstanceRejected, updated.Status)
}

func TestRecordDecisionGuards(t *testing.T) {
	svc, _, _, _ := newWorkflowFixture(t, twoStageTemplate())
	instance := mustCreateInstance(t, svc, "tpl-1", "req-1")

	// Wrong stage.
	_, err := svc.RecordDecision(context.Background(), instance.ID, dto.DecisionRequest{StageID: "s1", Approve: true}, "fin1")
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrInvalidTransition.Code, appErrors.FromError(err).Code)

	// Not an approver.
	_, err = svc.RecordDecision(context.Background(), instance.ID, dto.DecisionRequest{StageID: "s0", Approve: true}, "stranger")
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrInvalidTransition.Code, appErrors.FromError(err).Code)

	// Double vote.
	_, err = svc.RecordDecision(context.Background(), instance.ID, dto.DecisionRequest{StageID: "s0", Approve: true}, "mgr")
	require.NoError(t, err)
	_, err = svc.RecordDecision(context.Background(), instance.ID, dto.DecisionRequest{StageID: "s0", Approve: true}, "mgr")
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrInvalidTransition.Code, appErrors.FromError(err).Code)
}

func TestRecordDecisionRetriesOnVersionConflict(t *testing.T) {
	svc, store, _, _ := newWorkflowFixture(t, twoStageTemplate())
	instance := mustCreateInstance(t, svc, "tpl-1", "req-1")

	store.conflictsLeft = 2
	updated, err := svc.RecordDecision(context.Background(), instance.ID, dto.DecisionRequest{StageID: "s0", Approve: true}, "mgr")
	require.NoError(t, err, "bounded retry absorbs transient conflicts")
	assert.Equal(t, 1, updated.CurrentStageIndex)
}

func TestRecordDecisionGivesUpAfterMaxRetries(t *testing.T) {
	svc, store, _, _ := newWorkflowFixture(t, twoStageTemplate())
	instance := mustCreateInstance(t, svc, "tpl-1", "req-1")

	store.conflictsLeft = 10
	_, err := svc.RecordDecision(context.Background(), instance.ID, dto.DecisionRequest{StageID: "s0", Approve: true}, "mgr")
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrConcurrencyConflict.Code, appErrors.FromError(err).Code)
}

func TestDelegateMovesVoteToDelegate(t *testing.T) {
	svc, _, _, audit := newWorkflowFixture(t, twoStageTemplate())
	instance := mustCreateInstance(t, svc, "tpl-1", "req-1")

	err := svc.Delegate(context.Background(), instance.ID, dto.DelegateRequest{StageID: "s0", ToActorID: "deputy", Reason: "on leave"}, "mgr")
	require.NoError(t, err)

	// The original approver may no longer vote on the delegated slot.
	_, err = svc.RecordDecision(context.Background(), instance.ID, dto.DecisionRequest{StageID: "s0", Approve: true}, "mgr")
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrInvalidTransition.Code, appErrors.FromError(err).Code)

	// The delegate votes exactly once, attributed to them.
	updated, err := svc.RecordDecision(context.Background(), instance.ID, dto.DecisionRequest{StageID: "s0", Approve: true}, "deputy")
	require.NoError(t, err)
	slot := updated.StageApprovals("s0")[0]
	require.NotNil(t, slot.DecidedBy)
	assert.Equal(t, "deputy", *slot.DecidedBy)

	var delegations int
	for _, entry := range audit.entries {
		if entry.Action == models.AuditActionDelegate {
			delegations++
		}
	}
	assert.Equal(t, 1, delegations)
}

func TestDelegateGuards(t *testing.T) {
	template := twoStageTemplate()
	template.Stages[0].AllowDelegation = false
	svc, _, _, _ := newWorkflowFixture(t, template)
	instance := mustCreateInstance(t, svc, "tpl-1", "req-1")

	err := svc.Delegate(context.Background(), instance.ID, dto.DelegateRequest{StageID: "s0", ToActorID: "deputy"}, "mgr")
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrDelegationNotAllowed.Code, appErrors.FromError(err).Code)

	err = svc.Delegate(context.Background(), instance.ID, dto.DelegateRequest{StageID: "s0", ToActorID: "mgr"}, "mgr")
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrValidation.Code, appErrors.FromError(err).Code)
}

func TestCancelByRequesterOnly(t *testing.T) {
	svc, _, _, _ := newWorkflowFixture(t, twoStageTemplate())
	instance := mustCreateInstance(t, svc, "tpl-1", "req-1")

	_, err := svc.Cancel(context.Background(), instance.ID, "someone-else")
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrForbidden.Code, appErrors.FromError(err).Code)

	cancelled, err := svc.Cancel(context.Background(), instance.ID, "req-1")
	require.NoError(t, err)
	assert.Equal(t, models.InstanceCancelled, cancelled.Status)

	_, err = svc.Cancel(context.Background(), instance.ID, "req-1")
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrInvalidTransition.Code, appErrors.FromError(err).Code)
}

func TestGetComputesSLA(t *testing.T) {
	template := twoStageTemplate()
	sla := 24
	template.Stages[0].SLAHours = &sla
	svc, store, _, _ := newWorkflowFixture(t, template)
	instance := mustCreateInstance(t, svc, "tpl-1", "req-1")

	// Backdate the stage entry so the SLA is breached.
	store.instances[instance.ID].StageEnteredAt = time.Now().UTC().Add(-30 * time.Hour)

	view, err := svc.Get(context.Background(), instance.ID)
	require.NoError(t, err)
	require.NotNil(t, view.SLA)
	assert.True(t, view.SLA.Breached)
	require.NotNil(t, view.SLA.HoursRemaining)
	assert.Less(t, *view.SLA.HoursRemaining, 0.0)
}

func TestGetUnknownInstance(t *testing.T) {
	svc, _, _, _ := newWorkflowFixture(t, twoStageTemplate())

	_, err := svc.Get(context.Background(), "missing")
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrNotFound.Code, appErrors.FromError(err).Code)
}

func TestVersionMonotonicallyIncreases(t *testing.T) {
	svc, store, _, _ := newWorkflowFixture(t, twoStageTemplate())
	instance := mustCreateInstance(t, svc, "tpl-1", "req-1")

	var last int64
	check := func() {
		stored, err := store.GetByID(context.Background(), instance.ID)
		require.NoError(t, err)
		assert.Greater(t, stored.Version, last)
		last = stored.Version
	}
	check()

	_, err := svc.RecordDecision(context.Background(), instance.ID, dto.DecisionRequest{StageID: "s0", Approve: true}, "mgr")
	require.NoError(t, err)
	check()

	_, err = svc.RecordDecision(context.Background(), instance.ID, dto.DecisionRequest{StageID: "s1", Approve: true}, "fin1")
	require.NoError(t, err)
	check()
}

func TestRecordDecisionSurfacesStoreErrors(t *testing.T) {
	svc, store, _, _ := newWorkflowFixture(t, twoStageTemplate())
	instance := mustCreateInstance(t, svc, "tpl-1", "req-1")
	delete(store.instances, instance.ID)

	_, err := svc.RecordDecision(context.Background(), instance.ID, dto.DecisionRequest{StageID: "s0", Approve: true}, "mgr")
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrNotFound.Code, appErrors.FromError(err).Code)
}
