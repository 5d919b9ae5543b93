// Package main wires together the capture service daemon.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/ajmather/captureq/internal/api"
	"github.com/ajmather/captureq/internal/capture"
	"github.com/ajmather/captureq/internal/clock/system"
	"github.com/ajmather/captureq/internal/config"
	"github.com/ajmather/captureq/internal/hash/sha256"
	"github.com/ajmather/captureq/internal/logging"
	"github.com/ajmather/captureq/internal/mail"
	"github.com/ajmather/captureq/internal/metrics"
	"github.com/ajmather/captureq/internal/orchestrator"
	"github.com/ajmather/captureq/internal/reporter"
	dockerruntime "github.com/ajmather/captureq/internal/runtime/docker"
	s3storage "github.com/ajmather/captureq/internal/storage/s3"
	"github.com/ajmather/captureq/internal/store/postgres"
	"github.com/ajmather/captureq/internal/tasks"
	"github.com/ajmather/captureq/internal/webhook"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	// Local development keeps secrets in a .env file; absence is fine.
	_ = godotenv.Load()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if syncErr := logger.Sync(); syncErr != nil {
			fmt.Fprintf(os.Stderr, "logger sync failed: %v\n", syncErr)
		}
	}()
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics.Init()

	store, pool, err := postgres.Connect(ctx, cfg.DB.DSN)
	if err != nil {
		logger.Fatal("postgres connect failed", zap.Error(err))
	}
	defer pool.Close()
	if err := postgres.RunMigrations(pool); err != nil {
		logger.Fatal("database migration failed", zap.Error(err))
	}

	blobs, err := s3storage.New(ctx, s3storage.Config{
		Bucket:    cfg.Storage.Bucket,
		Region:    cfg.Storage.Region,
		Endpoint:  cfg.Storage.Endpoint,
		AccessKey: cfg.Storage.AccessKey,
		SecretKey: cfg.Storage.SecretKey,
		Prefix:    cfg.Storage.Prefix,
		URLTTL:    cfg.Storage.URLTTL(),
	})
	if err != nil {
		logger.Fatal("s3 storage init failed", zap.Error(err))
	}

	queue, err := tasks.NewPubSubQueue(ctx,
		cfg.Tasks.ProjectID, cfg.Tasks.TopicID, cfg.Tasks.SubscriptionID,
		logger.Named("pubsub"),
	)
	if err != nil {
		logger.Fatal("pubsub init failed", zap.Error(err))
	}
	defer func() {
		if cerr := queue.Close(); cerr != nil {
			logger.Warn("pubsub close failed", zap.Error(cerr))
		}
	}()

	var mailer capture.Mailer = mail.Discard{}
	if cfg.Mail.Enabled {
		mailer = mail.NewSMTP(mail.Config{
			Host:     cfg.Mail.Host,
			Port:     cfg.Mail.Port,
			Username: cfg.Mail.Username,
			Password: cfg.Mail.Password,
			From:     cfg.Mail.From,
		})
	}

	rep := reporter.New(mailer, cfg.Mail.Operators, cfg.Webhook.AppName, logger.Named("reporter"))
	runner := tasks.NewRunner(queue, tasks.RunnerConfig{
		SoftTimeLimit: cfg.Capture.SoftTimeLimit(),
		HardTimeLimit: cfg.Capture.HardTimeLimit(),
	}, rep.Observe, logger.Named("tasks"))

	fanout := webhook.NewFanout(store.Subscriptions, queue, logger.Named("webhook"))
	orch := orchestrator.New(
		store.Jobs,
		store.Archives,
		blobs,
		dockerruntime.NewProvider(cfg.Capture.DockerHost),
		sha256.New(),
		queue,
		fanout,
		system.New(),
		orchestrator.Config{
			Image:              cfg.Capture.Image,
			ArtifactRoot:       cfg.Capture.ArtifactRoot,
			ContainerDataDir:   cfg.Capture.ContainerDataDir,
			ContainerTimeout:   cfg.Capture.ContainerTimeout(),
			ExecutionTimeLimit: cfg.Capture.ExecutionLimit(),
		},
		logger.Named("orchestrator"),
	)
	dispatcher := webhook.NewDispatcher(
		store.Subscriptions,
		store.Jobs,
		store.Archives,
		mailer,
		webhook.Config{
			Enabled:    cfg.Webhook.Enabled,
			AppName:    cfg.Webhook.AppName,
			MaxRetries: cfg.Webhook.MaxRetries,
			Timeout:    cfg.Webhook.Timeout(),
		},
		logger.Named("webhook"),
	)

	runner.Register(tasks.KindRunNextCapture, orch.RunNextCapture)
	runner.Register(tasks.KindDispatchWebhook, dispatcher.Handle)

	go func() {
		if err := queue.Receive(ctx, runner); err != nil && ctx.Err() == nil {
			logger.Error("task subscriber stopped", zap.Error(err))
			stop()
		}
	}()

	if cfg.Capture.SeedContinuationOnUp {
		// Kick the queue drain so jobs submitted while no worker was alive
		// are picked up without waiting for a new submission.
		if err := queue.Enqueue(ctx, tasks.Message{Kind: tasks.KindRunNextCapture}); err != nil {
			logger.Warn("failed to seed capture continuation", zap.Error(err))
		}
	}

	apiServer := api.NewServer(pool, logger.Named("api"))
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
}
