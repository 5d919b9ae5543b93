package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/cenkalti/backoff"
	"go.uber.org/zap"
)

// PubSubQueue implements Queue on a Google Cloud Pub/Sub topic, with a
// subscriber loop that feeds a Runner.
type PubSubQueue struct {
	client *pubsub.Client
	topic  *pubsub.Topic
	sub    *pubsub.Subscription
	logger *zap.Logger
}

// NewPubSubQueue connects to Pub/Sub and verifies the topic and subscription
// exist, so a misconfigured project fails at startup.
func NewPubSubQueue(ctx context.Context, projectID, topicID, subscriptionID string, logger *zap.Logger) (*PubSubQueue, error) {
	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub: new client: %w", err)
	}

	topic := client.Topic(topicID)
	ok, err := topic.Exists(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("pubsub: check topic %q: %w", topicID, err)
	}
	if !ok {
		client.Close()
		return nil, fmt.Errorf("pubsub: topic %q does not exist in project %q", topicID, projectID)
	}

	sub := client.Subscription(subscriptionID)
	ok, err = sub.Exists(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("pubsub: check subscription %q: %w", subscriptionID, err)
	}
	if !ok {
		client.Close()
		return nil, fmt.Errorf("pubsub: subscription %q does not exist in project %q", subscriptionID, projectID)
	}

	return &PubSubQueue{
		client: client,
		topic:  topic,
		sub:    sub,
		logger: logger,
	}, nil
}

// Enqueue publishes the message and waits for the server acknowledgement.
func (q *PubSubQueue) Enqueue(ctx context.Context, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("pubsub: marshal message: %w", err)
	}
	result := q.topic.Publish(ctx, &pubsub.Message{Data: data})
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("pubsub: publish %s: %w", msg.Kind, err)
	}
	return nil
}

// EnqueueAfter publishes the message after the delay elapses. Pub/Sub has no
// native delayed delivery, so the delay runs on a local timer; a process
// crash inside the window drops the message, which the in-progress reaper
// covers for capture tasks.
func (q *PubSubQueue) EnqueueAfter(ctx context.Context, msg Message, delay time.Duration) error {
	if delay <= 0 {
		return q.Enqueue(ctx, msg)
	}
	go func() {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		if err := q.Enqueue(ctx, msg); err != nil {
			q.logger.Error("delayed publish failed",
				zap.String("kind", msg.Kind),
				zap.Error(err),
			)
		}
	}()
	return nil
}

// Receive pulls messages and dispatches them through the runner until ctx is
// cancelled, reconnecting with exponential backoff when the streaming pull
// drops. Messages are always acked; retries travel as fresh messages.
func (q *PubSubQueue) Receive(ctx context.Context, runner *Runner) error {
	op := func() error {
		err := q.sub.Receive(ctx, func(msgCtx context.Context, m *pubsub.Message) {
			var msg Message
			if err := json.Unmarshal(m.Data, &msg); err != nil {
				q.logger.Error("dropping undecodable task message", zap.Error(err))
				m.Ack()
				return
			}
			if err := runner.Dispatch(msgCtx, msg); err != nil {
				q.logger.Error("task dispatch returned error",
					zap.String("kind", msg.Kind),
					zap.Error(err),
				)
			}
			m.Ack()
		})
		if err != nil && ctx.Err() == nil {
			q.logger.Warn("subscriber receive dropped, reconnecting", zap.Error(err))
			return err
		}
		return nil
	}
	return backoff.Retry(op, backoff.WithContext(backoff.NewExponentialBackOff(), ctx))
}

// Close flushes pending publishes and releases the client.
func (q *PubSubQueue) Close() error {
	q.topic.Stop()
	return q.client.Close()
}
