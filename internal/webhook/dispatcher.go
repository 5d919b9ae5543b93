package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ajmather/captureq/internal/capture"
	"github.com/ajmather/captureq/internal/metrics"
	"github.com/ajmather/captureq/internal/tasks"
)

// Config controls webhook delivery.
type Config struct {
	// Enabled gates all outbound notifications.
	Enabled bool

	// AppName appears in escalation email sent to subscribers.
	AppName string

	// MaxRetries bounds delivery attempts before escalation.
	MaxRetries int

	// Timeout bounds each callback request.
	Timeout time.Duration
}

// Dispatcher posts signed event payloads to subscriber callbacks.
type Dispatcher struct {
	subs     capture.SubscriptionStore
	jobs     capture.JobStore
	archives capture.ArchiveStore
	mailer   capture.Mailer
	client   *resty.Client
	cfg      Config
	logger   *zap.Logger
}

// NewDispatcher builds a dispatcher. Redirects are refused so a callback
// cannot bounce the signed payload to another host.
func NewDispatcher(
	subs capture.SubscriptionStore,
	jobs capture.JobStore,
	archives capture.ArchiveStore,
	mailer capture.Mailer,
	cfg Config,
	logger *zap.Logger,
) *Dispatcher {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	client := resty.New().
		SetTimeout(cfg.Timeout).
		SetRedirectPolicy(resty.NoRedirectPolicy())
	return &Dispatcher{
		subs:     subs,
		jobs:     jobs,
		archives: archives,
		mailer:   mailer,
		client:   client,
		cfg:      cfg,
		logger:   logger,
	}
}

// eventPayload is what subscribers receive. Subscription signing keys and
// email addresses are excluded by the domain types' JSON tags.
type eventPayload struct {
	Webhook    capture.WebhookSubscription `json:"webhook"`
	CaptureJob captureJobPayload           `json:"capture_job"`
}

type captureJobPayload struct {
	JobID                       uuid.UUID  `json:"job_id"`
	UserID                      int64      `json:"user_id"`
	SubmittedURL                string     `json:"submitted_url"`
	CapturedURL                 string     `json:"captured_url"`
	Status                      string     `json:"status"`
	Hash                        string     `json:"hash"`
	HashAlgorithm               string     `json:"hash_algorithm"`
	WARCSize                    int64      `json:"warc_size"`
	DownloadURL                 string     `json:"download_url"`
	DownloadExpirationTimestamp *time.Time `json:"download_expiration_timestamp"`
	CreatedAt                   time.Time  `json:"created_at"`
}

// Handle delivers one notification task. Delivery succeeds only on HTTP 200
// or 204; anything else retries with exponential backoff until the attempt
// budget runs out, at which point the subscriber is emailed once and the
// task fails terminally.
func (d *Dispatcher) Handle(ctx context.Context, msg tasks.Message) error {
	if !d.cfg.Enabled {
		d.logger.Info("webhook notifications are disabled, skipping dispatch",
			zap.Int64("subscription_id", msg.SubscriptionID),
		)
		metrics.ObserveWebhookDelivery("skipped")
		return nil
	}

	sub, err := d.subs.GetSubscription(ctx, msg.SubscriptionID)
	if err != nil {
		return fmt.Errorf("webhook: load subscription %d: %w", msg.SubscriptionID, err)
	}
	job, err := d.jobs.GetJob(ctx, msg.JobID)
	if err != nil {
		return fmt.Errorf("webhook: load job %s: %w", msg.JobID, err)
	}
	archive, ok, err := d.archives.GetArchiveByJob(ctx, msg.JobID)
	if err != nil {
		return fmt.Errorf("webhook: load archive for job %s: %w", msg.JobID, err)
	}
	if !ok {
		return fmt.Errorf("webhook: job %s has no archive to notify about", msg.JobID)
	}

	payload, err := json.Marshal(eventPayload{
		Webhook: sub,
		CaptureJob: captureJobPayload{
			JobID:                       job.ID,
			UserID:                      job.UserID,
			SubmittedURL:                job.RequestedURL,
			CapturedURL:                 job.ValidatedURL,
			Status:                      string(job.Status),
			Hash:                        archive.Hash,
			HashAlgorithm:               archive.HashAlgorithm,
			WARCSize:                    archive.WARCSize,
			DownloadURL:                 archive.DownloadURL,
			DownloadExpirationTimestamp: archive.DownloadExpirationTimestamp,
			CreatedAt:                   archive.CreatedAt,
		},
	})
	if err != nil {
		return fmt.Errorf("webhook: marshal payload: %w", err)
	}
	signature, err := Sign(payload, sub.SigningKey, sub.SigningKeyAlgorithm)
	if err != nil {
		return fmt.Errorf("webhook: sign payload: %w", err)
	}

	resp, err := d.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetHeader(SignatureHeader, signature).
		SetBody(payload).
		Post(sub.CallbackURL)

	if err == nil && resp != nil && (resp.StatusCode() == 200 || resp.StatusCode() == 204) {
		metrics.ObserveWebhookDelivery("delivered")
		d.logger.Info("webhook delivered",
			zap.Int64("subscription_id", sub.ID),
			zap.String("job_id", job.ID.String()),
			zap.Int("status", resp.StatusCode()),
		)
		return nil
	}

	status := 0
	if resp != nil {
		status = resp.StatusCode()
	}
	deliveryErr := fmt.Errorf("webhook: delivery to %s failed (status %d): %w",
		sub.CallbackURL, status, err)

	if msg.Attempt >= d.cfg.MaxRetries {
		// Retries are exhausted. The subscriber is told so the artifact can
		// still be fetched by hand; the task itself ends cleanly rather than
		// paging operators about someone else's endpoint.
		d.logger.Warn("webhook retries exhausted, escalating to subscriber",
			zap.Int64("subscription_id", sub.ID),
			zap.String("job_id", job.ID.String()),
			zap.Error(deliveryErr),
		)
		if mailErr := d.escalate(ctx, sub, job.ID); mailErr != nil {
			d.logger.Error("webhook escalation email failed", zap.Error(mailErr))
		}
		metrics.ObserveWebhookDelivery("escalated")
		metrics.ObserveWebhookEscalation()
		return nil
	}

	metrics.ObserveWebhookDelivery("retried")
	delay := time.Duration(1<<uint(msg.Attempt)) * time.Second
	return tasks.RetryAfter(delay, deliveryErr)
}

// escalate emails the subscriber once after the final failed attempt.
func (d *Dispatcher) escalate(ctx context.Context, sub capture.WebhookSubscription, jobID uuid.UUID) error {
	subject := fmt.Sprintf("[ALERT] Your %s webhook notification failed.", d.cfg.AppName)
	body := fmt.Sprintf(
		"We tried to notify the callback %s about the %s event for capture job %s, "+
			"but every attempt failed. Please verify that your endpoint is reachable "+
			"and returns HTTP 200 or 204.",
		sub.CallbackURL, sub.EventType, jobID,
	)
	return d.mailer.Send(ctx, subject, body, []string{sub.UserEmail})
}
