package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/noah-isme/erp-approval-api/internal/dto"
	"github.com/noah-isme/erp-approval-api/internal/models"
	"github.com/noah-isme/erp-approval-api/internal/repository"
	appErrors "github.com/noah-isme/erp-approval-api/pkg/errors"
)

type templateReader interface {
	GetByID(ctx context.Context, id string) (*models.WorkflowTemplate, error)
}

type instanceStore interface {
	Create(ctx context.Context, instance *models.WorkflowInstance) error
	GetByID(ctx context.Context, id string) (*models.WorkflowInstance, error)
	ApplyTransition(ctx context.Context, params repository.TransitionParams) error
	SetDelegate(ctx context.Context, instanceID string, expectedVersion int64, approvalID, toActorID string) error
	List(ctx context.Context, filter models.InstanceFilter) ([]models.WorkflowInstance, error)
	PendingFor(ctx context.Context, actorID string) ([]repository.PendingSlot, error)
}

type inboxCache interface {
	Get(ctx context.Context, key string, dest interface{}) error
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

type notificationDispatcher interface {
	Dispatch(notification models.Notification)
}

// WorkflowServiceConfig tunes retry and cache behaviour.
type WorkflowServiceConfig struct {
	MaxDecisionRetries int
	PendingCacheTTL    time.Duration
}

// WorkflowService runs the instance state machine: it creates instances from
// templates, applies approver decisions through per-variant completion rules
// and advances or terminates instances. All instance mutations go through a
// compare-and-swap on the instance version; a losing writer re-evaluates
// against fresh state before retrying.
type WorkflowService struct {
	templates templateReader
	instances instanceStore
	audit     auditRecorder
	notify    notificationDispatcher
	cache     inboxCache
	config    WorkflowServiceConfig
	now       func() time.Time
	logger    *zap.Logger
}

// NewWorkflowService constructs the instance manager.
func NewWorkflowService(templates templateReader, instances instanceStore, audit auditRecorder, notify notificationDispatcher, cache inboxCache, config WorkflowServiceConfig, logger *zap.Logger) *WorkflowService {
	if config.MaxDecisionRetries <= 0 {
		config.MaxDecisionRetries = 3
	}
	if config.PendingCacheTTL <= 0 {
		config.PendingCacheTTL = time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WorkflowService{
		templates: templates,
		instances: instances,
		audit:     audit,
		notify:    notify,
		cache:     cache,
		config:    config,
		now:       time.Now,
		logger:    logger,
	}
}

// CreateInstance opens a new instance from an active template, entering
// review at stage zero with one pending slot per stage-zero approver.
func (s *WorkflowService) CreateInstance(ctx context.Context, req dto.CreateInstanceRequest, requesterID string) (*models.WorkflowInstance, error) {
	template, err := s.loadTemplate(ctx, req.TemplateID)
	if err != nil {
		return nil, err
	}
	if !template.Active {
		return nil, appErrors.Clone(appErrors.ErrValidation, "template is inactive")
	}
	if len(template.Stages) == 0 {
		return nil, appErrors.Clone(appErrors.ErrValidation, "template has no stages")
	}

	instance := &models.WorkflowInstance{
		TemplateID:        template.ID,
		RequesterID:       requesterID,
		Status:            models.InstanceInReview,
		CurrentStageIndex: 0,
		Payload:           append([]byte(nil), req.Payload...),
	}
	instance.Approvals = pendingSlots(instance, template.Stages[0], s.now().UTC())

	if err := s.instances.Create(ctx, instance); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create instance")
	}

	s.recordTransition(requesterID, models.AuditActionInstanceCreate, instance, "instance opened at stage 0")
	s.notify.Dispatch(models.Notification{
		Event:      models.NotifyInstanceCreated,
		InstanceID: instance.ID,
		TemplateID: instance.TemplateID,
		Status:     instance.Status,
		StageIndex: 0,
		TargetIDs:  template.Stages[0].ApproverIDs,
	})
	s.invalidateInbox(ctx, template.Stages[0].ApproverIDs)

	return instance, nil
}

// RecordDecision applies one approver's vote to the current stage and runs
// the stage-completion rule. On a lost optimistic-lock race the whole
// evaluation is retried against refreshed state, bounded by configuration.
func (s *WorkflowService) RecordDecision(ctx context.Context, instanceID string, req dto.DecisionRequest, actorID string) (*models.WorkflowInstance, error) {
	for attempt := 0; attempt < s.config.MaxDecisionRetries; attempt++ {
		instance, template, stage, err := s.loadCurrentStage(ctx, instanceID, req.StageID)
		if err != nil {
			return nil, err
		}

		slot := findSlotForVoter(instance, stage, actorID)
		if slot == nil {
			return nil, appErrors.Clone(appErrors.ErrInvalidTransition, "actor is not an approver on the current stage")
		}
		if slot.Decided() {
			return nil, appErrors.Clone(appErrors.ErrInvalidTransition, "approver has already decided this stage")
		}

		voteStatus := models.ApprovalApproved
		if !req.Approve {
			voteStatus = models.ApprovalRejected
		}

		tally := instance.Tally(stage)
		switch voteStatus {
		case models.ApprovalApproved:
			tally.Approved++
		case models.ApprovalRejected:
			tally.Rejected++
		}
		outcome := stage.ApprovalType.Rule().Evaluate(tally)

		now := s.now().UTC()
		params := repository.TransitionParams{
			InstanceID:      instance.ID,
			ExpectedVersion: instance.Version,
			Status:          instance.Status,
			StageIndex:      instance.CurrentStageIndex,
			StageEnteredAt:  instance.StageEnteredAt,
			Decision: &repository.ApprovalDecision{
				ApprovalID: slot.ID,
				Status:     voteStatus,
				Comment:    optionalString(req.Comment),
				DecidedBy:  actorID,
				DecidedAt:  now,
			},
		}

		var nextStage *models.Stage
		switch outcome {
		case models.StageRejected:
			params.Status = models.InstanceRejected
			params.CompletedAt = &now
		case models.StageApproved:
			if instance.CurrentStageIndex == len(template.Stages)-1 {
				params.Status = models.InstanceApproved
				params.CompletedAt = &now
			} else {
				nextStage = template.StageAt(instance.CurrentStageIndex + 1)
				params.StageIndex = instance.CurrentStageIndex + 1
				params.StageEnteredAt = now
				params.NewApprovals = pendingSlots(instance, *nextStage, now)
			}
		}

		if err := s.instances.ApplyTransition(ctx, params); err != nil {
			if errors.Is(err, repository.ErrVersionConflict) {
				s.logger.Debug("decision lost optimistic lock, retrying",
					zap.String("instance_id", instanceID),
					zap.Int("attempt", attempt+1))
				continue
			}
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to apply decision")
		}

		updated, err := s.instances.GetByID(ctx, instance.ID)
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to reload instance")
		}

		s.recordTransition(actorID, models.AuditActionDecisionRecord, updated,
			fmt.Sprintf("vote %s on stage %d, stage outcome %s", voteStatus, stage.Position, outcome))
		s.dispatchDecisionEvents(updated, template, stage, nextStage)
		s.invalidateInbox(ctx, stage.ApproverIDs)
		if nextStage != nil {
			s.invalidateInbox(ctx, nextStage.ApproverIDs)
		}

		return updated, nil
	}
	return nil, appErrors.Clone(appErrors.ErrConcurrencyConflict, "instance is receiving concurrent decisions, retry")
}

// Delegate reassigns the caller's pending slot on the current stage to
// another actor. The original approver may no longer vote on that slot.
func (s *WorkflowService) Delegate(ctx context.Context, instanceID string, req dto.DelegateRequest, fromActorID string) error {
	if req.ToActorID == fromActorID {
		return appErrors.Clone(appErrors.ErrValidation, "cannot delegate to yourself")
	}

	for attempt := 0; attempt < s.config.MaxDecisionRetries; attempt++ {
		instance, _, stage, err := s.loadCurrentStage(ctx, instanceID, req.StageID)
		if err != nil {
			return err
		}
		if !stage.AllowDelegation {
			return appErrors.Clone(appErrors.ErrDelegationNotAllowed, "stage does not allow delegation")
		}

		var slot *models.Approval
		for i := range instance.Approvals {
			a := &instance.Approvals[i]
			if a.StageID == stage.ID && a.ApproverID == fromActorID {
				slot = a
				break
			}
		}
		if slot == nil {
			return appErrors.Clone(appErrors.ErrInvalidTransition, "actor holds no slot on the current stage")
		}
		if slot.Decided() {
			return appErrors.Clone(appErrors.ErrInvalidTransition, "slot already carries a decision")
		}

		if err := s.instances.SetDelegate(ctx, instance.ID, instance.Version, slot.ID, req.ToActorID); err != nil {
			if errors.Is(err, repository.ErrVersionConflict) {
				continue
			}
			if errors.Is(err, sql.ErrNoRows) {
				return appErrors.Clone(appErrors.ErrInvalidTransition, "slot already carries a decision")
			}
			return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to delegate slot")
		}

		details, _ := json.Marshal(map[string]string{
			"from": fromActorID, "to": req.ToActorID, "stage_id": stage.ID, "reason": req.Reason,
		})
		s.audit.Record(&models.AuditEntry{
			ActorID:    &fromActorID,
			Action:     models.AuditActionDelegate,
			Resource:   "workflow_instance",
			ResourceID: &instance.ID,
			Outcome:    "DELEGATED",
			Reason:     req.Reason,
			Details:    details,
		})
		s.invalidateInbox(ctx, []string{fromActorID, req.ToActorID})
		return nil
	}
	return appErrors.Clone(appErrors.ErrConcurrencyConflict, "instance is receiving concurrent decisions, retry")
}

// Cancel terminates a live instance. Only the original requester may cancel,
// and only before a terminal outcome.
func (s *WorkflowService) Cancel(ctx context.Context, instanceID, requesterID string) (*models.WorkflowInstance, error) {
	for attempt := 0; attempt < s.config.MaxDecisionRetries; attempt++ {
		instance, err := s.loadInstance(ctx, instanceID)
		if err != nil {
			return nil, err
		}
		if instance.RequesterID != requesterID {
			return nil, appErrors.Clone(appErrors.ErrForbidden, "only the requester may cancel")
		}
		if instance.Status.Terminal() {
			return nil, appErrors.Clone(appErrors.ErrInvalidTransition, "instance already reached a terminal state")
		}

		now := s.now().UTC()
		params := repository.TransitionParams{
			InstanceID:      instance.ID,
			ExpectedVersion: instance.Version,
			Status:          models.InstanceCancelled,
			StageIndex:      instance.CurrentStageIndex,
			StageEnteredAt:  instance.StageEnteredAt,
			CompletedAt:     &now,
		}
		if err := s.instances.ApplyTransition(ctx, params); err != nil {
			if errors.Is(err, repository.ErrVersionConflict) {
				continue
			}
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to cancel instance")
		}

		updated, err := s.instances.GetByID(ctx, instance.ID)
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to reload instance")
		}

		s.recordTransition(requesterID, models.AuditActionInstanceCancel, updated, "cancelled by requester")
		s.notify.Dispatch(models.Notification{
			Event:      models.NotifyInstanceTerminal,
			InstanceID: updated.ID,
			TemplateID: updated.TemplateID,
			Status:     updated.Status,
			StageIndex: updated.CurrentStageIndex,
			TargetIDs:  pendingVoters(updated),
		})
		s.invalidateInbox(ctx, pendingVoters(updated))
		return updated, nil
	}
	return nil, appErrors.Clone(appErrors.ErrConcurrencyConflict, "instance is receiving concurrent decisions, retry")
}

// Get returns the instance decorated with lazily computed SLA information
// for its current stage.
func (s *WorkflowService) Get(ctx context.Context, instanceID string) (*dto.InstanceView, error) {
	instance, err := s.loadInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	view := &dto.InstanceView{WorkflowInstance: *instance}

	if instance.Status == models.InstanceInReview {
		template, err := s.loadTemplate(ctx, instance.TemplateID)
		if err != nil {
			return nil, err
		}
		if stage := template.StageAt(instance.CurrentStageIndex); stage != nil {
			view.SLA = s.slaStatus(stage.SLAHours, instance.StageEnteredAt)
		}
	}
	return view, nil
}

// List returns instances matching the filter.
func (s *WorkflowService) List(ctx context.Context, filter models.InstanceFilter) ([]models.WorkflowInstance, error) {
	instances, err := s.instances.List(ctx, filter)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list instances")
	}
	return instances, nil
}

// PendingFor returns the approver's inbox: every open slot on the current
// stage of a live instance, including delegated slots, with SLA annotations.
func (s *WorkflowService) PendingFor(ctx context.Context, actorID string) ([]dto.PendingApproval, error) {
	cacheKey := "pending:" + actorID
	if s.cache != nil {
		var cached []dto.PendingApproval
		if err := s.cache.Get(ctx, cacheKey, &cached); err == nil {
			return cached, nil
		}
	}

	slots, err := s.instances.PendingFor(ctx, actorID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load pending approvals")
	}

	pending := make([]dto.PendingApproval, 0, len(slots))
	for _, slot := range slots {
		pending = append(pending, dto.PendingApproval{
			InstanceID:  slot.InstanceID,
			TemplateID:  slot.TemplateID,
			StageID:     slot.StageID,
			StageIndex:  slot.StageIndex,
			RequesterID: slot.RequesterID,
			Delegated:   slot.Delegated,
			Payload:     slot.Payload,
			SLA:         s.slaStatus(slot.SLAHours, slot.EnteredAt),
		})
	}

	if s.cache != nil {
		if err := s.cache.Set(ctx, cacheKey, pending, s.config.PendingCacheTTL); err != nil {
			s.logger.Warn("failed to cache pending approvals", zap.Error(err))
		}
	}
	return pending, nil
}

func (s *WorkflowService) loadInstance(ctx context.Context, instanceID string) (*models.WorkflowInstance, error) {
	instance, err := s.instances.GetByID(ctx, instanceID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "instance not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load instance")
	}
	return instance, nil
}

func (s *WorkflowService) loadTemplate(ctx context.Context, templateID string) (*models.WorkflowTemplate, error) {
	template, err := s.templates.GetByID(ctx, templateID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "template not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load template")
	}
	return template, nil
}

func (s *WorkflowService) loadCurrentStage(ctx context.Context, instanceID, stageID string) (*models.WorkflowInstance, *models.WorkflowTemplate, *models.Stage, error) {
	instance, err := s.loadInstance(ctx, instanceID)
	if err != nil {
		return nil, nil, nil, err
	}
	if instance.Status.Terminal() {
		return nil, nil, nil, appErrors.Clone(appErrors.ErrInvalidTransition, "instance already reached a terminal state")
	}
	template, err := s.loadTemplate(ctx, instance.TemplateID)
	if err != nil {
		return nil, nil, nil, err
	}
	stage := template.StageAt(instance.CurrentStageIndex)
	if stage == nil {
		return nil, nil, nil, appErrors.Clone(appErrors.ErrInternal, "instance references missing stage")
	}
	if stage.ID != stageID {
		return nil, nil, nil, appErrors.Clone(appErrors.ErrInvalidTransition, "stage is not the instance's current stage")
	}
	return instance, template, stage, nil
}

func (s *WorkflowService) dispatchDecisionEvents(instance *models.WorkflowInstance, template *models.WorkflowTemplate, stage, nextStage *models.Stage) {
	s.notify.Dispatch(models.Notification{
		Event:      models.NotifyDecisionRecorded,
		InstanceID: instance.ID,
		TemplateID: instance.TemplateID,
		Status:     instance.Status,
		StageIndex: stage.Position,
		TargetIDs:  []string{instance.RequesterID},
	})
	if nextStage != nil {
		s.notify.Dispatch(models.Notification{
			Event:      models.NotifyInstanceCreated,
			InstanceID: instance.ID,
			TemplateID: instance.TemplateID,
			Status:     instance.Status,
			StageIndex: nextStage.Position,
			TargetIDs:  nextStage.ApproverIDs,
		})
	}
	if instance.Status.Terminal() {
		s.notify.Dispatch(models.Notification{
			Event:      models.NotifyInstanceTerminal,
			InstanceID: instance.ID,
			TemplateID: instance.TemplateID,
			Status:     instance.Status,
			StageIndex: instance.CurrentStageIndex,
			TargetIDs:  []string{instance.RequesterID},
		})
	}
}

func (s *WorkflowService) recordTransition(actorID, action string, instance *models.WorkflowInstance, reason string) {
	details, _ := json.Marshal(map[string]interface{}{
		"template_id": instance.TemplateID,
		"stage_index": instance.CurrentStageIndex,
		"version":     instance.Version,
	})
	s.audit.Record(&models.AuditEntry{
		ActorID:    &actorID,
		Action:     action,
		Resource:   "workflow_instance",
		ResourceID: &instance.ID,
		Outcome:    string(instance.Status),
		Reason:     reason,
		Details:    details,
	})
}

func (s *WorkflowService) slaStatus(slaHours *int, enteredAt time.Time) *models.SLAStatus {
	if slaHours == nil {
		return nil
	}
	elapsed := s.now().UTC().Sub(enteredAt).Hours()
	remaining := float64(*slaHours) - elapsed
	return &models.SLAStatus{
		SLAHours:       slaHours,
		HoursRemaining: &remaining,
		Breached:       remaining < 0,
	}
}

func (s *WorkflowService) invalidateInbox(ctx context.Context, actorIDs []string) {
	if s.cache == nil {
		return
	}
	for _, id := range actorIDs {
		if err := s.cache.Delete(ctx, "pending:"+id); err != nil {
			s.logger.Warn("failed to invalidate inbox cache", zap.String("actor_id", id), zap.Error(err))
		}
	}
}

func pendingSlots(instance *models.WorkflowInstance, stage models.Stage, now time.Time) []models.Approval {
	slots := make([]models.Approval, 0, len(stage.ApproverIDs))
	for _, approverID := range stage.ApproverIDs {
		slots = append(slots, models.Approval{
			ID:         uuid.NewString(),
			InstanceID: instance.ID,
			StageID:    stage.ID,
			ApproverID: approverID,
			Status:     models.ApprovalPendingVote,
			CreatedAt:  now,
		})
	}
	return slots
}

func findSlotForVoter(instance *models.WorkflowInstance, stage *models.Stage, actorID string) *models.Approval {
	for i := range instance.Approvals {
		a := &instance.Approvals[i]
		if a.StageID == stage.ID && a.VoterID() == actorID {
			return a
		}
	}
	return nil
}

func pendingVoters(instance *models.WorkflowInstance) []string {
	voters := make([]string, 0, len(instance.Approvals))
	for _, a := range instance.Approvals {
		if !a.Decided() {
			voters = append(voters, a.VoterID())
		}
	}
	return voters
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
