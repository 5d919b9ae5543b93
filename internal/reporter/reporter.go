// Package reporter emails operators about task failures the per-job state
// machine cannot represent: panics, hard-timeout kills, and uncaught errors.
package reporter

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/ajmather/captureq/internal/capture"
	"github.com/ajmather/captureq/internal/tasks"
)

// Reporter turns terminal task failures into operator email.
type Reporter struct {
	mailer    capture.Mailer
	operators []string
	appName   string
	hostname  string
	logger    *zap.Logger
}

// New builds a reporter that mails the given operator addresses.
func New(mailer capture.Mailer, operators []string, appName string, logger *zap.Logger) *Reporter {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown-host"
	}
	return &Reporter{
		mailer:    mailer,
		operators: operators,
		appName:   appName,
		hostname:  hostname,
		logger:    logger,
	}
}

// Observe implements tasks.FailureObserver. Reporting failures must never
// disturb the worker, so mail errors are only logged.
func (r *Reporter) Observe(ctx context.Context, f tasks.Failure) {
	if len(r.operators) == 0 {
		return
	}

	subject := fmt.Sprintf("[%s@%s] Error: Task %s failed: %v",
		r.appName, r.hostname, f.Kind, f.Err)

	args, err := json.Marshal(f.Message)
	if err != nil {
		args = []byte(fmt.Sprintf("%+v", f.Message))
	}
	body := fmt.Sprintf(
		"Task %s raised an uncaught error:\n%v\n\nTask was called with arguments: %s\n",
		f.Kind, f.Err, args,
	)
	if f.Stack != "" {
		body += "\nThe contents of the full traceback:\n" + f.Stack + "\n"
	}

	if err := r.mailer.Send(ctx, subject, body, r.operators); err != nil {
		r.logger.Error("failed to send task failure email",
			zap.String("kind", f.Kind),
			zap.Error(err),
		)
	}
}
