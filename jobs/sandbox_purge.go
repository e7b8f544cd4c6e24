package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/skolara/skolara/internal/jobs"
	"github.com/skolara/skolara/internal/sandbox"
)

// SandboxPurgeJob removes disabled test sessions and long-inactive overlays.
// The cutoff keeps recently expired rows around so audit reviews can still
// correlate them with the trail.
type SandboxPurgeJob struct {
	Sessions *sandbox.SessionStore
	Overlays *sandbox.Store
	Logger   *slog.Logger
	Metrics  *jobmetrics.Metrics
}

// NewSandboxPurgeJob initialises the purge handler.
func NewSandboxPurgeJob(sessions *sandbox.SessionStore, overlays *sandbox.Store, logger *slog.Logger, metrics *jobmetrics.Metrics) *SandboxPurgeJob {
	return &SandboxPurgeJob{Sessions: sessions, Overlays: overlays, Logger: logger, Metrics: metrics}
}

// Handle executes the purge.
func (j *SandboxPurgeJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil {
		return errors.New("sandbox purge: handler not configured")
	}
	var payload SandboxPurgePayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	if payload.RetentionHours <= 0 {
		payload.RetentionHours = 168
	}
	retention := time.Duration(payload.RetentionHours) * time.Hour

	tracker := j.metrics().Track(TaskSandboxPurge)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	logger := j.logger().With(slog.Int("retention_hours", payload.RetentionHours))
	logger.Info("starting sandbox purge")

	// Overlays reference sessions, so they go first.
	overlays, err := j.Overlays.PurgeExpired(ctx, retention)
	if err != nil {
		resultErr = err
		logger.Error("purge overlays", slog.Any("error", err))
		return resultErr
	}
	sessions, err := j.Sessions.PurgeDisabled(ctx, retention)
	if err != nil {
		resultErr = err
		logger.Error("purge sessions", slog.Any("error", err))
		return resultErr
	}

	j.metrics().AddPurged("sessions", sessions)
	j.metrics().AddPurged("overlays", overlays)
	logger.Info("completed sandbox purge",
		slog.Int64("sessions_removed", sessions),
		slog.Int64("overlays_removed", overlays),
	)
	return nil
}

func (j *SandboxPurgeJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger
	}
	return slog.Default()
}

func (j *SandboxPurgeJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return jobmetrics.NewMetrics(nil)
}
