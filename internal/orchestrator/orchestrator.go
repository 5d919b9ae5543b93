// Package orchestrator drives one capture job at a time: it reserves the
// next queued job, runs the capture engine in a container, and lands the
// job in a terminal status no matter how the attempt ends.
package orchestrator

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/ajmather/captureq/internal/capture"
	"github.com/ajmather/captureq/internal/metrics"
	"github.com/ajmather/captureq/internal/tasks"
)

// failedDuringCapture is the user-visible reason recorded whenever a capture
// halts without producing an archive.
const failedDuringCapture = "Failed during capture."

// ArchiveNotifier announces newly created archives, fanning out webhook
// dispatch tasks.
type ArchiveNotifier interface {
	NotifyArchiveCreated(ctx context.Context, job capture.Job) error
}

// Config controls capture execution.
type Config struct {
	// Image is the capture engine container image.
	Image string

	// ArtifactRoot is the host directory bound into capture containers;
	// each job gets its own subdirectory.
	ArtifactRoot string

	// ContainerDataDir is where the artifact directory is mounted inside
	// the container.
	ContainerDataDir string

	// ContainerTimeout bounds how long the lifecycle watcher lets a
	// container run before force-stopping it.
	ContainerTimeout time.Duration

	// ExecutionTimeLimit feeds the stale-job reaper: in-progress jobs older
	// than this are presumed dead.
	ExecutionTimeLimit time.Duration
}

// Orchestrator runs the capture state machine.
type Orchestrator struct {
	jobs     capture.JobStore
	archives capture.ArchiveStore
	blobs    capture.BlobStore
	runtimes capture.RuntimeProvider
	hasher   capture.Hasher
	queue    tasks.Queue
	notifier ArchiveNotifier
	clock    capture.Clock
	cfg      Config
	logger   *zap.Logger
}

// New wires an orchestrator. notifier may be nil when webhook fan-out is
// not configured.
func New(
	jobs capture.JobStore,
	archives capture.ArchiveStore,
	blobs capture.BlobStore,
	runtimes capture.RuntimeProvider,
	hasher capture.Hasher,
	queue tasks.Queue,
	notifier ArchiveNotifier,
	clock capture.Clock,
	cfg Config,
	logger *zap.Logger,
) *Orchestrator {
	if cfg.ContainerDataDir == "" {
		cfg.ContainerDataDir = "/data"
	}
	if cfg.ContainerTimeout <= 0 {
		cfg.ContainerTimeout = 5 * time.Minute
	}
	if cfg.ExecutionTimeLimit <= 0 {
		cfg.ExecutionTimeLimit = 2 * cfg.ContainerTimeout
	}
	return &Orchestrator{
		jobs:     jobs,
		archives: archives,
		blobs:    blobs,
		runtimes: runtimes,
		hasher:   hasher,
		queue:    queue,
		notifier: notifier,
		clock:    clock,
		cfg:      cfg,
		logger:   logger,
	}
}

// RunNextCapture handles one run_next_capture task: reap stale jobs, reserve
// the next pending job, and run it to a terminal status. When the queue is
// empty it returns without re-enqueueing, so an idle system stays idle.
func (o *Orchestrator) RunNextCapture(ctx context.Context, _ tasks.Message) error {
	if reaped, err := o.jobs.FailExpired(ctx, o.cfg.ExecutionTimeLimit); err != nil {
		o.logger.Error("stale-job reaping failed", zap.Error(err))
	} else if reaped > 0 {
		metrics.ObserveReapedJobs(reaped)
		o.logger.Warn("reaped stale in-progress jobs", zap.Int("count", reaped))
	}

	job, ok, err := o.jobs.ReserveNext(ctx)
	if err != nil {
		return fmt.Errorf("orchestrator: reserve next job: %w", err)
	}
	if !ok {
		return nil
	}

	// The queue must keep draining even if this attempt ends badly, and the
	// continuation must survive the task context being cancelled.
	defer func() {
		contCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		if err := o.queue.Enqueue(contCtx, tasks.Message{Kind: tasks.KindRunNextCapture}); err != nil {
			o.logger.Error("failed to enqueue capture continuation", zap.Error(err))
		}
	}()

	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	start := o.clock.Now()
	o.runJob(ctx, &job)

	// Safety net: nothing that happened above may leave the job in
	// progress once this handler returns.
	if job.Status == capture.StatusInProgress {
		o.logger.Error("job still in progress after capture, forcing failure",
			zap.String("job_id", job.ID.String()),
		)
		if err := o.jobs.MarkFailed(ctx, &job, failedDuringCapture); err != nil {
			return fmt.Errorf("orchestrator: force-fail job %s: %w", job.ID, err)
		}
	}
	metrics.ObserveJobFinished(string(job.Status), o.clock.Now().Sub(start))
	return nil
}

// runJob takes a reserved job to a terminal status. Capture errors are
// logged and recorded on the job; they are never propagated, so a broken
// capture cannot poison the worker.
func (o *Orchestrator) runJob(ctx context.Context, job *capture.Job) {
	logger := o.logger.With(
		zap.String("job_id", job.ID.String()),
		zap.String("requested_url", job.RequestedURL),
	)
	logger.Info("starting capture")

	validated, err := capture.ValidateURL(job.RequestedURL)
	if err != nil {
		var verr *capture.ValidationError
		if errors.As(err, &verr) {
			logger.Info("rejecting invalid capture request", zap.Strings("messages", verr.Messages))
			if merr := o.jobs.MarkInvalid(ctx, job, capture.Message{"requested_url": verr.Messages}); merr != nil {
				logger.Error("failed to mark job invalid", zap.Error(merr))
			}
			return
		}
		logger.Error("url validation errored", zap.Error(err))
		o.failJob(ctx, job, logger)
		return
	}
	if err := o.jobs.SetValidatedURL(ctx, job, validated); err != nil {
		logger.Error("failed to record validated url", zap.Error(err))
		o.failJob(ctx, job, logger)
		return
	}
	o.step(ctx, job, "Validating.", logger)

	artifact, err := o.runEngine(ctx, job, logger)
	switch {
	case err == nil:
		if ferr := o.finalize(ctx, job, artifact, logger); ferr != nil {
			logger.Error("archive finalization failed", zap.Error(ferr))
			o.failJob(ctx, job, logger)
		}
	case errors.Is(err, capture.ErrHaltCapture):
		logger.Warn("capture halted without usable output", zap.Error(err))
		o.failJob(ctx, job, logger)
	case errors.Is(context.Cause(ctx), tasks.ErrSoftTimeLimit):
		logger.Warn("capture hit the soft time limit", zap.Error(err))
		o.failJob(ctx, job, logger)
	default:
		logger.Error("capture failed unexpectedly", zap.Error(err))
		o.failJob(ctx, job, logger)
	}
}

// runEngine provisions and supervises the capture container, returning the
// path of the produced artifact. It returns ErrHaltCapture (wrapped) when
// the engine produced nothing usable.
func (o *Orchestrator) runEngine(ctx context.Context, job *capture.Job, logger *zap.Logger) (string, error) {
	o.step(ctx, job, "Connecting to Docker.", logger)
	rt, err := o.runtimes.Acquire(ctx)
	if err != nil {
		return "", fmt.Errorf("acquire container runtime: %w", err)
	}
	defer func() {
		if cerr := rt.Close(); cerr != nil {
			logger.Warn("failed to close container runtime", zap.Error(cerr))
		}
	}()

	jobDir := filepath.Join(o.cfg.ArtifactRoot, job.ID.String())
	if err := os.MkdirAll(jobDir, 0o755); err != nil {
		return "", fmt.Errorf("create artifact dir: %w", err)
	}
	artifactName := job.ID.String() + ".wacz"

	o.step(ctx, job, "Creating capture container.", logger)
	containerID, err := rt.CreateContainer(ctx, capture.ContainerSpec{
		Image: o.cfg.Image,
		Env: []string{
			"CAPTURE_URL=" + job.ValidatedURL,
			"ARCHIVE_FILE=" + artifactName,
			"DATA_DIR=" + o.cfg.ContainerDataDir,
		},
		Binds: []string{jobDir + ":" + o.cfg.ContainerDataDir},
	})
	if err != nil {
		return "", fmt.Errorf("create capture container: %w", err)
	}
	defer func() {
		cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		if rerr := rt.RemoveContainer(cleanupCtx, containerID, true); rerr != nil {
			logger.Error("failed to remove capture container",
				zap.String("container_id", containerID),
				zap.Error(rerr),
			)
		}
	}()

	o.step(ctx, job, "Starting capture engine.", logger)
	if err := rt.StartContainer(ctx, containerID); err != nil {
		return "", fmt.Errorf("start capture container: %w", err)
	}

	watcher := newLifecycleWatcher(rt, containerID, o.cfg.ContainerTimeout, logger)
	watcher.start(ctx)
	o.streamProgress(ctx, job, rt, containerID, logger)

	// The log stream draining does not mean the container exited; join the
	// watcher explicitly before judging the outcome.
	res := watcher.wait()

	artifactPath := filepath.Join(jobDir, artifactName)
	if res.err != nil {
		return "", fmt.Errorf("wait for capture container: %w", res.err)
	}
	if res.timedOut || res.exitCode != 0 {
		if artifactPresent(artifactPath) {
			logger.Warn("capture engine exited abnormally, salvaging artifact",
				zap.Int64("exit_code", res.exitCode),
				zap.Bool("timed_out", res.timedOut),
				zap.String("stderr", res.stderr),
			)
			return artifactPath, nil
		}
		return "", fmt.Errorf("capture engine exited with code %d (timed out: %t, stderr: %q): %w",
			res.exitCode, res.timedOut, res.stderr, capture.ErrHaltCapture)
	}
	if !artifactPresent(artifactPath) {
		return "", fmt.Errorf("capture engine exited cleanly but produced no artifact: %w", capture.ErrHaltCapture)
	}
	return artifactPath, nil
}

// streamProgress advances the job's step counter once per line the capture
// engine writes to stdout. The stream ends when the engine stops producing
// output.
func (o *Orchestrator) streamProgress(ctx context.Context, job *capture.Job, rt capture.ContainerRuntime, containerID string, logger *zap.Logger) {
	logs, err := rt.StreamLogs(ctx, containerID)
	if err != nil {
		logger.Warn("could not stream capture engine output", zap.Error(err))
		return
	}
	defer logs.Close()

	scanner := bufio.NewScanner(logs)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		metrics.ObserveEngineStep()
		o.step(ctx, job, "Engine: "+line+".", logger)
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		logger.Warn("capture engine output stream broke", zap.Error(err))
	}
}

// finalize hashes, uploads and records the artifact, then completes the job
// and fans out notifications.
func (o *Orchestrator) finalize(ctx context.Context, job *capture.Job, artifactPath string, logger *zap.Logger) error {
	// Storage and bookkeeping must finish even when the soft time limit
	// already cancelled the task context.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Minute)
	defer cancel()

	o.step(ctx, job, "Processing archive.", logger)
	f, err := os.Open(artifactPath)
	if err != nil {
		return fmt.Errorf("open artifact: %w", err)
	}
	digest, algorithm, size, err := o.hasher.HashReader(f)
	f.Close()
	if err != nil {
		return fmt.Errorf("hash artifact: %w", err)
	}

	o.step(ctx, job, "Saving archive.", logger)
	f, err = os.Open(artifactPath)
	if err != nil {
		return fmt.Errorf("reopen artifact: %w", err)
	}
	name, err := o.blobs.Save(ctx, filepath.Base(artifactPath), f)
	f.Close()
	if err != nil {
		return fmt.Errorf("upload artifact: %w", err)
	}
	downloadURL, err := o.blobs.URL(ctx, name)
	if err != nil {
		return fmt.Errorf("sign artifact url: %w", err)
	}
	expiration, err := capture.ParseSignedURLExpiration(downloadURL)
	if err != nil {
		return fmt.Errorf("parse artifact url expiration: %w", err)
	}

	archive := capture.Archive{
		JobID:                       job.ID,
		Hash:                        digest,
		HashAlgorithm:               algorithm,
		WARCSize:                    size,
		DownloadURL:                 downloadURL,
		DownloadExpirationTimestamp: &expiration,
	}
	if err := o.archives.CreateArchive(ctx, &archive); err != nil {
		return fmt.Errorf("persist archive: %w", err)
	}
	if err := o.jobs.MarkCompleted(ctx, job); err != nil {
		return fmt.Errorf("mark job completed: %w", err)
	}
	metrics.ObserveArchiveStored(size)
	logger.Info("capture completed",
		zap.String("hash", digest),
		zap.Int64("warc_size", size),
	)

	if o.notifier != nil {
		if err := o.notifier.NotifyArchiveCreated(ctx, *job); err != nil {
			logger.Error("archive notification fan-out failed", zap.Error(err))
		}
	}
	return nil
}

// failJob records the generic capture failure. Bookkeeping runs on a fresh
// context so a cancelled task can still land the status write.
func (o *Orchestrator) failJob(ctx context.Context, job *capture.Job, logger *zap.Logger) {
	failCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if err := o.jobs.MarkFailed(failCtx, job, failedDuringCapture); err != nil {
		logger.Error("failed to mark job failed", zap.Error(err))
	}
}

// step advances the progress cursor, tolerating bookkeeping errors.
func (o *Orchestrator) step(ctx context.Context, job *capture.Job, description string, logger *zap.Logger) {
	stepCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := o.jobs.IncrementStep(stepCtx, job, 1, description); err != nil {
		logger.Warn("failed to record capture progress",
			zap.String("description", description),
			zap.Error(err),
		)
	}
}

func artifactPresent(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Size() > 0
}
