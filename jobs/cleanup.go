package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/guildgate/guildgate/internal/jobs"
)

// GrantCleaner is the slice of the onboarding service the cleanup job needs.
type GrantCleaner interface {
	CleanupStale(ctx context.Context, maxAge time.Duration) (int64, error)
}

// PendingGrantCleanupJob purges onboarding flows that never resolved.
type PendingGrantCleanupJob struct {
	Cleaner GrantCleaner
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewPendingGrantCleanupJob initialises the cleanup handler.
func NewPendingGrantCleanupJob(cleaner GrantCleaner, logger *slog.Logger, metrics *jobmetrics.Metrics) *PendingGrantCleanupJob {
	return &PendingGrantCleanupJob{Cleaner: cleaner, Logger: logger, Metrics: metrics}
}

// Handle executes the cleanup.
func (j *PendingGrantCleanupJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Cleaner == nil {
		return errors.New("pending grant cleanup: handler not configured")
	}
	var payload PendingGrantCleanupPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	if payload.MaxAge <= 0 {
		payload.MaxAge = 168 * time.Hour
	}

	tracker := j.Metrics.Track(TaskPendingGrantCleanup)
	deleted, err := j.Cleaner.CleanupStale(ctx, payload.MaxAge)
	if err != nil {
		j.logger().Error("cleanup failed", slog.Any("error", err))
		return tracker.End(err)
	}
	j.Metrics.AddPurged(TaskPendingGrantCleanup, deleted)
	j.logger().Info("stale onboarding flows purged",
		slog.Int64("deleted", deleted),
		slog.Duration("max_age", payload.MaxAge),
	)
	return tracker.End(nil)
}

func (j *PendingGrantCleanupJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskPendingGrantCleanup))
	}
	return slog.Default().With(slog.String("job", TaskPendingGrantCleanup))
}

// AuditTrimmer is the slice of the audit logger the trim job needs.
type AuditTrimmer interface {
	TrimBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// AuditTrimJob enforces audit log retention.
type AuditTrimJob struct {
	Trimmer AuditTrimmer
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewAuditTrimJob initialises the trim handler.
func NewAuditTrimJob(trimmer AuditTrimmer, logger *slog.Logger, metrics *jobmetrics.Metrics) *AuditTrimJob {
	return &AuditTrimJob{Trimmer: trimmer, Logger: logger, Metrics: metrics}
}

// Handle executes the trim.
func (j *AuditTrimJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Trimmer == nil {
		return errors.New("audit trim: handler not configured")
	}
	var payload AuditTrimPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	if payload.Retention <= 0 {
		payload.Retention = 90 * 24 * time.Hour
	}

	tracker := j.Metrics.Track(TaskAuditTrim)
	deleted, err := j.Trimmer.TrimBefore(ctx, time.Now().UTC().Add(-payload.Retention))
	if err != nil {
		j.logger().Error("trim failed", slog.Any("error", err))
		return tracker.End(err)
	}
	j.Metrics.AddPurged(TaskAuditTrim, deleted)
	j.logger().Info("audit entries trimmed", slog.Int64("deleted", deleted))
	return tracker.End(nil)
}

func (j *AuditTrimJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskAuditTrim))
	}
	return slog.Default().With(slog.String("job", TaskAuditTrim))
}
