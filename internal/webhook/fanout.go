package webhook

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/ajmather/captureq/internal/capture"
	"github.com/ajmather/captureq/internal/tasks"
)

// Fanout enqueues one dispatch task per matching subscription when an
// archive is created.
type Fanout struct {
	subs   capture.SubscriptionStore
	queue  tasks.Queue
	logger *zap.Logger
}

// NewFanout builds a fanout.
func NewFanout(subs capture.SubscriptionStore, queue tasks.Queue, logger *zap.Logger) *Fanout {
	return &Fanout{subs: subs, queue: queue, logger: logger}
}

// NotifyArchiveCreated schedules notifications for every subscription the
// job's owner holds on the archive_created event. Enqueue failures for one
// subscription do not block the others.
func (f *Fanout) NotifyArchiveCreated(ctx context.Context, job capture.Job) error {
	subs, err := f.subs.ListSubscriptions(ctx, job.UserID, capture.EventArchiveCreated)
	if err != nil {
		return fmt.Errorf("webhook: list subscriptions for user %d: %w", job.UserID, err)
	}

	var firstErr error
	for _, sub := range subs {
		err := f.queue.Enqueue(ctx, tasks.Message{
			Kind:           tasks.KindDispatchWebhook,
			JobID:          job.ID,
			SubscriptionID: sub.ID,
		})
		if err != nil {
			f.logger.Error("failed to enqueue webhook dispatch",
				zap.Int64("subscription_id", sub.ID),
				zap.String("job_id", job.ID.String()),
				zap.Error(err),
			)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
