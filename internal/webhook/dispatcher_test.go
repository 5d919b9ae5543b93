package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ajmather/captureq/internal/capture"
	"github.com/ajmather/captureq/internal/mail"
	"github.com/ajmather/captureq/internal/metrics"
	storemem "github.com/ajmather/captureq/internal/store/memory"
	"github.com/ajmather/captureq/internal/tasks"
)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

type fixture struct {
	jobs     *storemem.JobStore
	archives *storemem.ArchiveStore
	subs     *storemem.SubscriptionStore
	mailer   *mail.Recorder
	job      capture.Job
	sub      capture.WebhookSubscription
}

func newFixture(t *testing.T, callbackURL string) *fixture {
	t.Helper()
	metrics.Init()
	clock := fixedClock{t: time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)}
	f := &fixture{
		jobs:     storemem.NewJobStore(clock),
		archives: storemem.NewArchiveStore(clock),
		subs:     storemem.NewSubscriptionStore(),
		mailer:   mail.NewRecorder(),
	}

	ctx := context.Background()
	job := capture.Job{UserID: 42, RequestedURL: "example.com", Human: true}
	require.NoError(t, f.jobs.CreateJob(ctx, &job))
	f.job = job

	expires := clock.Now().Add(24 * time.Hour)
	require.NoError(t, f.archives.CreateArchive(ctx, &capture.Archive{
		JobID:                       job.ID,
		Hash:                        "abc123",
		HashAlgorithm:               "sha256",
		WARCSize:                    2048,
		DownloadURL:                 "https://storage.invalid/archive.wacz?X-Amz-Expires=86400",
		DownloadExpirationTimestamp: &expires,
	}))

	f.sub = f.subs.Add(capture.WebhookSubscription{
		UserID:              42,
		UserEmail:           "subscriber@example.com",
		EventType:           capture.EventArchiveCreated,
		CallbackURL:         callbackURL,
		SigningKey:          "super-secret-key",
		SigningKeyAlgorithm: "sha256",
	})
	return f
}

func (f *fixture) dispatcher(cfg Config) *Dispatcher {
	if cfg.AppName == "" {
		cfg.AppName = "captureq"
	}
	return NewDispatcher(f.subs, f.jobs, f.archives, f.mailer, cfg, zap.NewNop())
}

func (f *fixture) message(attempt int) tasks.Message {
	return tasks.Message{
		Kind:           tasks.KindDispatchWebhook,
		JobID:          f.job.ID,
		SubscriptionID: f.sub.ID,
		Attempt:        attempt,
	}
}

func TestHandleDeliversSignedPayload(t *testing.T) {
	t.Parallel()

	for _, status := range []int{200, 204} {
		var gotBody []byte
		var gotSig, gotType string
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotBody, _ = io.ReadAll(r.Body)
			gotSig = r.Header.Get(SignatureHeader)
			gotType = r.Header.Get("Content-Type")
			w.WriteHeader(status)
		}))

		f := newFixture(t, srv.URL)
		d := f.dispatcher(Config{Enabled: true})

		err := d.Handle(context.Background(), f.message(0))
		require.NoError(t, err, "status %d", status)

		assert.Equal(t, "application/json", gotType)
		assert.True(t, Verify(gotBody, f.sub.SigningKey, "sha256", gotSig))

		var payload eventPayload
		require.NoError(t, json.Unmarshal(gotBody, &payload))
		assert.Equal(t, capture.EventArchiveCreated, payload.Webhook.EventType)
		assert.Equal(t, f.sub.ID, payload.Webhook.ID)
		assert.Equal(t, f.job.ID, payload.CaptureJob.JobID)
		assert.Equal(t, "abc123", payload.CaptureJob.Hash)
		assert.NotContains(t, string(gotBody), f.sub.SigningKey)
		assert.NotContains(t, string(gotBody), f.sub.UserEmail)

		assert.Empty(t, f.mailer.Sent())
		srv.Close()
	}
}

func TestHandleRetriesWithExponentialBackoff(t *testing.T) {
	t.Parallel()

	for _, status := range []int{301, 302, 400, 401, 413, 500, 502} {
		status := status
		t.Run(fmt.Sprintf("status_%d", status), func(t *testing.T) {
			t.Parallel()

			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(status)
			}))
			defer srv.Close()

			f := newFixture(t, srv.URL)
			d := f.dispatcher(Config{Enabled: true, MaxRetries: 5})

			for attempt, want := range map[int]time.Duration{
				0: 1 * time.Second,
				3: 8 * time.Second,
			} {
				err := d.Handle(context.Background(), f.message(attempt))
				require.Error(t, err)
				var retry *tasks.RetryError
				require.ErrorAs(t, err, &retry)
				assert.Equal(t, want, retry.After)
			}
			assert.Empty(t, f.mailer.Sent(), "retries must not email the subscriber")
		})
	}
}

func TestHandleEscalatesAfterFinalAttempt(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	f := newFixture(t, srv.URL)
	d := f.dispatcher(Config{Enabled: true, AppName: "captureq", MaxRetries: 3})

	err := d.Handle(context.Background(), f.message(3))
	require.NoError(t, err, "exhausted delivery is not a task failure")

	sent := f.mailer.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "[ALERT] Your captureq webhook notification failed.", sent[0].Subject)
	assert.Contains(t, sent[0].Body, f.job.ID.String())
	assert.Contains(t, sent[0].Body, srv.URL)
	assert.Equal(t, []string{"subscriber@example.com"}, sent[0].To)
}

func TestHandleConnectionRefusedRetries(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close() // nothing listens anymore

	f := newFixture(t, srv.URL)
	d := f.dispatcher(Config{Enabled: true, MaxRetries: 5})

	err := d.Handle(context.Background(), f.message(1))
	require.Error(t, err)
	var retry *tasks.RetryError
	require.ErrorAs(t, err, &retry)
	assert.Equal(t, 2*time.Second, retry.After)
}

func TestHandleDisabledSkipsDelivery(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	f := newFixture(t, srv.URL)
	d := f.dispatcher(Config{Enabled: false})

	require.NoError(t, d.Handle(context.Background(), f.message(0)))
	assert.Zero(t, calls.Load())
	assert.Empty(t, f.mailer.Sent())
}

func TestHandleUnknownSubscription(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "http://127.0.0.1:0")
	d := f.dispatcher(Config{Enabled: true})

	msg := f.message(0)
	msg.SubscriptionID = 9999
	err := d.Handle(context.Background(), msg)
	require.ErrorIs(t, err, capture.ErrSubscriptionNotFound)
}

func TestFanoutEnqueuesPerSubscription(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "http://callback.example.com/hook")
	f.subs.Add(capture.WebhookSubscription{
		UserID:              42,
		UserEmail:           "subscriber@example.com",
		EventType:           capture.EventArchiveCreated,
		CallbackURL:         "http://callback.example.com/other",
		SigningKey:          "k2",
		SigningKeyAlgorithm: "sha256",
	})
	// Different user, must not be notified.
	f.subs.Add(capture.WebhookSubscription{
		UserID:              7,
		EventType:           capture.EventArchiveCreated,
		CallbackURL:         "http://callback.example.com/stranger",
		SigningKey:          "k3",
		SigningKeyAlgorithm: "sha256",
	})

	queue := tasks.NewMemoryQueue(8)
	fanout := NewFanout(f.subs, queue, zap.NewNop())
	require.NoError(t, fanout.NotifyArchiveCreated(context.Background(), f.job))

	require.Equal(t, 2, queue.Len())
	seen := map[int64]bool{}
	for i := 0; i < 2; i++ {
		msg, ok := queue.TryNext()
		require.True(t, ok)
		assert.Equal(t, tasks.KindDispatchWebhook, msg.Kind)
		assert.Equal(t, f.job.ID, msg.JobID)
		assert.Zero(t, msg.Attempt)
		seen[msg.SubscriptionID] = true
	}
	assert.Len(t, seen, 2)
}
