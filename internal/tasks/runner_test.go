package tasks

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ajmather/captureq/internal/metrics"
)

func newTestRunner(t *testing.T, queue Queue, cfg RunnerConfig, obs FailureObserver) *Runner {
	t.Helper()
	metrics.Init()
	return NewRunner(queue, cfg, obs, zap.NewNop())
}

func TestDispatchSuccess(t *testing.T) {
	t.Parallel()

	queue := NewMemoryQueue(4)
	var failures []Failure
	r := newTestRunner(t, queue, RunnerConfig{}, func(_ context.Context, f Failure) {
		failures = append(failures, f)
	})

	var got Message
	r.Register("noop", func(_ context.Context, msg Message) error {
		got = msg
		return nil
	})

	err := r.Dispatch(context.Background(), Message{Kind: "noop", Attempt: 2})
	require.NoError(t, err)
	assert.Equal(t, 2, got.Attempt)
	assert.Empty(t, failures)
	assert.Equal(t, 0, queue.Len())
}

func TestDispatchUnknownKind(t *testing.T) {
	t.Parallel()

	r := newTestRunner(t, NewMemoryQueue(1), RunnerConfig{}, nil)
	err := r.Dispatch(context.Background(), Message{Kind: "mystery"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mystery")
}

func TestDispatchRetrySchedulesNextAttempt(t *testing.T) {
	t.Parallel()

	queue := NewMemoryQueue(4)
	var failures []Failure
	r := newTestRunner(t, queue, RunnerConfig{}, func(_ context.Context, f Failure) {
		failures = append(failures, f)
	})
	r.Register("flaky", func(_ context.Context, _ Message) error {
		return RetryAfter(time.Millisecond, errors.New("upstream hiccup"))
	})

	err := r.Dispatch(context.Background(), Message{Kind: "flaky", Attempt: 1})
	require.NoError(t, err)
	assert.Empty(t, failures, "retries are not terminal failures")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	next, err := queue.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "flaky", next.Kind)
	assert.Equal(t, 2, next.Attempt)
}

func TestDispatchSoftTimeLimitCancelsWithCause(t *testing.T) {
	t.Parallel()

	r := newTestRunner(t, NewMemoryQueue(1), RunnerConfig{
		SoftTimeLimit: 20 * time.Millisecond,
		HardTimeLimit: 5 * time.Second,
	}, nil)

	var cause error
	r.Register("slow", func(ctx context.Context, _ Message) error {
		<-ctx.Done()
		cause = context.Cause(ctx)
		return cause
	})

	err := r.Dispatch(context.Background(), Message{Kind: "slow"})
	require.Error(t, err)
	assert.ErrorIs(t, cause, ErrSoftTimeLimit)
}

func TestDispatchHardTimeLimitAbandonsHandler(t *testing.T) {
	t.Parallel()

	r := newTestRunner(t, NewMemoryQueue(1), RunnerConfig{
		HardTimeLimit: 20 * time.Millisecond,
	}, nil)

	block := make(chan struct{})
	defer close(block)
	r.Register("stuck", func(_ context.Context, _ Message) error {
		<-block
		return nil
	})

	start := time.Now()
	err := r.Dispatch(context.Background(), Message{Kind: "stuck"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "hard time limit")
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestDispatchPanicIsReportedWithStack(t *testing.T) {
	t.Parallel()

	var failures []Failure
	r := newTestRunner(t, NewMemoryQueue(1), RunnerConfig{}, func(_ context.Context, f Failure) {
		failures = append(failures, f)
	})
	r.Register("boom", func(_ context.Context, _ Message) error {
		panic("exploded mid-task")
	})

	err := r.Dispatch(context.Background(), Message{Kind: "boom"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exploded mid-task")

	require.Len(t, failures, 1)
	assert.Equal(t, "boom", failures[0].Kind)
	assert.NotEmpty(t, failures[0].Stack)
}

func TestDispatchTerminalFailureObserved(t *testing.T) {
	t.Parallel()

	var failures []Failure
	r := newTestRunner(t, NewMemoryQueue(1), RunnerConfig{}, func(_ context.Context, f Failure) {
		failures = append(failures, f)
	})
	terminal := errors.New("no salvage possible")
	r.Register("doomed", func(_ context.Context, _ Message) error {
		return terminal
	})

	err := r.Dispatch(context.Background(), Message{Kind: "doomed", Attempt: 3})
	require.ErrorIs(t, err, terminal)
	require.Len(t, failures, 1)
	assert.Equal(t, 3, failures[0].Message.Attempt)
	assert.Empty(t, failures[0].Stack)
}

func TestMemoryQueueEnqueueAfter(t *testing.T) {
	t.Parallel()

	queue := NewMemoryQueue(4)
	defer queue.Stop()

	require.NoError(t, queue.EnqueueAfter(context.Background(), Message{Kind: "later"}, 10*time.Millisecond))
	_, ok := queue.TryNext()
	assert.False(t, ok, "message should not be visible before the delay")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msg, err := queue.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "later", msg.Kind)
}
