package service

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/noah-isme/erp-approval-api/internal/dto"
	"github.com/noah-isme/erp-approval-api/internal/models"
	appErrors "github.com/noah-isme/erp-approval-api/pkg/errors"
	"github.com/noah-isme/erp-approval-api/pkg/jobs"
)

type auditStore interface {
	Append(ctx context.Context, entry *models.AuditEntry) error
	List(ctx context.Context, filter models.AuditFilter) ([]models.AuditEntry, error)
}

// AuditService is the engine's audit recorder. Record never fails the
// caller: entries ride a single-worker queue so writes stay off the critical
// path while per-instance ordering still reflects transition order. A sink
// failure is logged with the full entry payload, never silently dropped.
type AuditService struct {
	repo   auditStore
	queue  *jobs.Queue
	logger *zap.Logger
}

// NewAuditService constructs the service and its backing queue.
func NewAuditService(repo auditStore, logger *zap.Logger, cfg jobs.QueueConfig) *AuditService {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &AuditService{repo: repo, logger: logger}

	cfg.Workers = 1 // ordering guarantee
	cfg.Logger = logger
	s.queue = jobs.NewQueue("audit", s.handle, cfg)
	return s
}

// Start begins draining the audit queue.
func (s *AuditService) Start(ctx context.Context) {
	s.queue.Start(ctx)
}

// Stop flushes workers and stops the queue.
func (s *AuditService) Stop() {
	s.queue.Stop()
}

// QueueDepth reports buffered, unwritten entries for metrics.
func (s *AuditService) QueueDepth() int {
	return s.queue.Depth()
}

// Record enqueues an audit entry. The business operation that triggered the
// entry has already completed; enqueue failures are logged and swallowed.
func (s *AuditService) Record(entry *models.AuditEntry) {
	if entry == nil {
		return
	}
	if err := s.queue.Enqueue(jobs.Job{Type: entry.Action, Payload: entry}); err != nil {
		s.logEntryFailure(entry, err)
	}
}

func (s *AuditService) handle(ctx context.Context, job jobs.Job) error {
	entry, ok := job.Payload.(*models.AuditEntry)
	if !ok {
		s.logger.Error("audit job carried unexpected payload", zap.String("type", job.Type))
		return nil
	}
	if err := s.repo.Append(ctx, entry); err != nil {
		if job.Attempt >= 2 {
			// Final attempt is about to be burned; keep the evidence in logs.
			s.logEntryFailure(entry, err)
		}
		return err
	}
	return nil
}

func (s *AuditService) logEntryFailure(entry *models.AuditEntry, err error) {
	payload, _ := json.Marshal(entry)
	s.logger.Error("audit write failed",
		zap.String("action", entry.Action),
		zap.ByteString("entry", payload),
		zap.Error(err))
}

// List returns audit entries for the query surface.
func (s *AuditService) List(ctx context.Context, query dto.AuditQuery) ([]models.AuditEntry, error) {
	entries, err := s.repo.List(ctx, models.AuditFilter{
		ActorID:    query.ActorID,
		Action:     query.Action,
		ResourceID: query.ResourceID,
		From:       query.From,
		To:         query.To,
		Limit:      query.Limit,
		Offset:     query.Offset,
	})
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list audit entries")
	}
	return entries, nil
}
