package service

import (
	"context"

	"go.uber.org/zap"

	"github.com/noah-isme/erp-approval-api/internal/models"
	"github.com/noah-isme/erp-approval-api/pkg/jobs"
)

// NotificationPort delivers workflow events to whatever transport the
// surrounding system plugs in. Implementations must tolerate being called
// concurrently; failures are logged by the dispatcher and never surfaced to
// the engine.
type NotificationPort interface {
	Notify(ctx context.Context, notification models.Notification) error
}

// NotificationPortFunc adapts a plain function to the port.
type NotificationPortFunc func(ctx context.Context, notification models.Notification) error

// Notify implements NotificationPort.
func (f NotificationPortFunc) Notify(ctx context.Context, notification models.Notification) error {
	return f(ctx, notification)
}

// LoggingNotifier is the default port: it records events in the service log.
func LoggingNotifier(logger *zap.Logger) NotificationPort {
	return NotificationPortFunc(func(_ context.Context, n models.Notification) error {
		logger.Info("workflow_notification",
			zap.String("event", string(n.Event)),
			zap.String("instance_id", n.InstanceID),
			zap.String("status", string(n.Status)),
			zap.Strings("targets", n.TargetIDs))
		return nil
	})
}

// NotificationService dispatches events to the port asynchronously,
// fire-and-forget. A dropped notification never rolls back engine state.
type NotificationService struct {
	port   NotificationPort
	queue  *jobs.Queue
	logger *zap.Logger
}

// NewNotificationService constructs the dispatcher.
func NewNotificationService(port NotificationPort, logger *zap.Logger, cfg jobs.QueueConfig) *NotificationService {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &NotificationService{port: port, logger: logger}
	cfg.Logger = logger
	s.queue = jobs.NewQueue("notifications", s.handle, cfg)
	return s
}

// Start begins dispatching.
func (s *NotificationService) Start(ctx context.Context) {
	s.queue.Start(ctx)
}

// Stop drains workers and stops the queue.
func (s *NotificationService) Stop() {
	s.queue.Stop()
}

// Dispatch enqueues a notification. Failures are logged and swallowed.
func (s *NotificationService) Dispatch(notification models.Notification) {
	if s.port == nil {
		return
	}
	if err := s.queue.Enqueue(jobs.Job{Type: string(notification.Event), Payload: notification}); err != nil {
		s.logger.Warn("failed to enqueue notification",
			zap.String("event", string(notification.Event)),
			zap.String("instance_id", notification.InstanceID),
			zap.Error(err))
	}
}

func (s *NotificationService) handle(ctx context.Context, job jobs.Job) error {
	notification, ok := job.Payload.(models.Notification)
	if !ok {
		s.logger.Error("notification job carried unexpected payload", zap.String("type", job.Type))
		return nil
	}
	return s.port.Notify(ctx, notification)
}
