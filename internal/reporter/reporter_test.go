package reporter

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ajmather/captureq/internal/mail"
	"github.com/ajmather/captureq/internal/tasks"
)

func TestObserveEmailsOperators(t *testing.T) {
	t.Parallel()

	recorder := mail.NewRecorder()
	r := New(recorder, []string{"oncall@example.com", "lead@example.com"}, "captureq", zap.NewNop())

	r.Observe(context.Background(), tasks.Failure{
		Kind:    tasks.KindRunNextCapture,
		Message: tasks.Message{Kind: tasks.KindRunNextCapture, Attempt: 1},
		Err:     errors.New("database connection refused"),
		Stack:   "goroutine 1 [running]:\nmain.main()",
	})

	sent := recorder.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, []string{"oncall@example.com", "lead@example.com"}, sent[0].To)
	assert.Contains(t, sent[0].Subject, "Error: Task run_next_capture")
	assert.Contains(t, sent[0].Subject, "database connection refused")
	assert.Contains(t, sent[0].Body, "run_next_capture")
	assert.Contains(t, sent[0].Body, `"attempt":1`)
	assert.Contains(t, sent[0].Body, "goroutine 1 [running]")
}

func TestObserveNoOperatorsConfigured(t *testing.T) {
	t.Parallel()

	recorder := mail.NewRecorder()
	r := New(recorder, nil, "captureq", zap.NewNop())

	r.Observe(context.Background(), tasks.Failure{
		Kind: tasks.KindDispatchWebhook,
		Err:  errors.New("boom"),
	})
	assert.Empty(t, recorder.Sent())
}

func TestObserveOmitsStackSectionWhenAbsent(t *testing.T) {
	t.Parallel()

	recorder := mail.NewRecorder()
	r := New(recorder, []string{"oncall@example.com"}, "captureq", zap.NewNop())

	r.Observe(context.Background(), tasks.Failure{
		Kind: tasks.KindDispatchWebhook,
		Err:  errors.New("callback gone"),
	})

	sent := recorder.Sent()
	require.Len(t, sent, 1)
	assert.NotContains(t, sent[0].Body, "traceback")
}
