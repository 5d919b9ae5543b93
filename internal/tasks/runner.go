package tasks

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"go.uber.org/zap"

	"github.com/ajmather/captureq/internal/metrics"
)

// Handler executes one task message.
type Handler func(ctx context.Context, msg Message) error

// RunnerConfig bounds task execution time.
type RunnerConfig struct {
	// SoftTimeLimit cancels the task's context with ErrSoftTimeLimit as the
	// cause, giving the handler a chance to salvage and clean up.
	SoftTimeLimit time.Duration

	// HardTimeLimit abandons the handler outright after this long.
	HardTimeLimit time.Duration
}

// Runner dispatches queued messages to registered handlers.
type Runner struct {
	handlers map[string]Handler
	queue    Queue
	observer FailureObserver
	cfg      RunnerConfig
	logger   *zap.Logger
}

// NewRunner builds a runner. observer may be nil when failure reporting is
// disabled.
func NewRunner(queue Queue, cfg RunnerConfig, observer FailureObserver, logger *zap.Logger) *Runner {
	return &Runner{
		handlers: make(map[string]Handler),
		queue:    queue,
		observer: observer,
		cfg:      cfg,
		logger:   logger,
	}
}

// Register installs the handler for a task kind. Registration happens at
// startup, before Dispatch is called.
func (r *Runner) Register(kind string, h Handler) {
	r.handlers[kind] = h
}

// Dispatch runs the handler for msg, enforcing the time limits, recovering
// panics, and scheduling retries requested through RetryError. Terminal
// failures go to the observer; the returned error reports them to the queue
// driver for logging only.
func (r *Runner) Dispatch(ctx context.Context, msg Message) error {
	h, ok := r.handlers[msg.Kind]
	if !ok {
		return fmt.Errorf("tasks: no handler registered for kind %q", msg.Kind)
	}

	taskCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	if r.cfg.SoftTimeLimit > 0 {
		soft := time.AfterFunc(r.cfg.SoftTimeLimit, func() {
			cancel(ErrSoftTimeLimit)
		})
		defer soft.Stop()
	}

	done := make(chan error, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- &panicError{val: p, stack: string(debug.Stack())}
			}
		}()
		done <- h(taskCtx, msg)
	}()

	var hard <-chan time.Time
	if r.cfg.HardTimeLimit > 0 {
		timer := time.NewTimer(r.cfg.HardTimeLimit)
		defer timer.Stop()
		hard = timer.C
	}

	var err error
	select {
	case err = <-done:
	case <-hard:
		// The handler goroutine is abandoned; its context is cancelled so
		// blocking calls inside it unwind on their own.
		cancel(ErrSoftTimeLimit)
		err = fmt.Errorf("tasks: %s exceeded hard time limit of %s", msg.Kind, r.cfg.HardTimeLimit)
	}
	if err == nil {
		return nil
	}

	var retry *RetryError
	if errors.As(err, &retry) {
		next := msg
		next.Attempt++
		if qerr := r.queue.EnqueueAfter(ctx, next, retry.After); qerr != nil {
			return fmt.Errorf("tasks: schedule retry for %s: %w", msg.Kind, qerr)
		}
		r.logger.Info("task retry scheduled",
			zap.String("kind", msg.Kind),
			zap.Int("attempt", next.Attempt),
			zap.Duration("delay", retry.After),
		)
		return nil
	}

	f := Failure{Kind: msg.Kind, Message: msg, Err: err}
	var pe *panicError
	if errors.As(err, &pe) {
		f.Stack = pe.stack
	}
	metrics.ObserveTaskFailure(msg.Kind)
	if r.observer != nil {
		r.observer(ctx, f)
	}
	r.logger.Error("task failed",
		zap.String("kind", msg.Kind),
		zap.Int("attempt", msg.Attempt),
		zap.Error(err),
	)
	return err
}

type panicError struct {
	val   any
	stack string
}

func (e *panicError) Error() string {
	return fmt.Sprintf("panic: %v", e.val)
}
