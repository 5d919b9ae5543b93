package orchestrator

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/ajmather/captureq/internal/capture"
)

// watchResult is the lifecycle watcher's verdict on one container run.
type watchResult struct {
	exitCode int64
	timedOut bool
	stderr   string
	err      error
}

// lifecycleWatcher waits for a container to exit, bounded by a timeout.
// On timeout the container is force-stopped immediately; there is no grace
// period before the kill (a known improvement opportunity).
type lifecycleWatcher struct {
	runtime capture.ContainerRuntime
	id      string
	timeout time.Duration
	logger  *zap.Logger
	done    chan watchResult
}

func newLifecycleWatcher(rt capture.ContainerRuntime, id string, timeout time.Duration, logger *zap.Logger) *lifecycleWatcher {
	return &lifecycleWatcher{
		runtime: rt,
		id:      id,
		timeout: timeout,
		logger:  logger,
		done:    make(chan watchResult, 1),
	}
}

// start launches the watcher goroutine. The result is delivered through
// wait, never by mutating shared state.
func (w *lifecycleWatcher) start(ctx context.Context) {
	go func() {
		w.done <- w.watch(ctx)
	}()
}

func (w *lifecycleWatcher) watch(ctx context.Context) watchResult {
	waitCtx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	code, err := w.runtime.WaitContainer(waitCtx, w.id)
	res := watchResult{exitCode: code, err: err}

	if err != nil && errors.Is(waitCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		res.timedOut = true
		res.err = nil
		w.logger.Warn("capture container exceeded its time limit, force-stopping",
			zap.String("container_id", w.id),
			zap.Duration("timeout", w.timeout),
		)
		// Cleanup must outlive the task context.
		stopCtx, stopCancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer stopCancel()
		if serr := w.runtime.StopContainer(stopCtx, w.id, 0); serr != nil {
			w.logger.Error("failed to stop timed-out container",
				zap.String("container_id", w.id),
				zap.Error(serr),
			)
		}
		if code, werr := w.runtime.WaitContainer(stopCtx, w.id); werr == nil {
			res.exitCode = code
		}
	}

	stderrCtx, stderrCancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer stderrCancel()
	if stderr, serr := w.runtime.ContainerStderr(stderrCtx, w.id); serr == nil {
		res.stderr = stderr
	} else {
		w.logger.Warn("could not collect container stderr",
			zap.String("container_id", w.id),
			zap.Error(serr),
		)
	}
	return res
}

// wait blocks until the watcher goroutine finishes and returns its result.
func (w *lifecycleWatcher) wait() watchResult {
	return <-w.done
}
