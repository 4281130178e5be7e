package jobs

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/odyssey-ledger/internal/jobs"
)

// TaskPurgeOutbox removes dispatched outbox rows past their retention.
const TaskPurgeOutbox = "ledger:outbox:purge"

// OutboxPurger deletes dispatched rows older than a cutoff.
type OutboxPurger interface {
	Purge(ctx context.Context, before time.Time) (int64, error)
}

// KeyCleaner expires request idempotency keys.
type KeyCleaner interface {
	Cleanup(ctx context.Context, olderThan time.Duration) (int64, error)
}

// OutboxPurgeJob is the asynq handler for TaskPurgeOutbox. Keys, when set, share the
// outbox retention.
type OutboxPurgeJob struct {
	Outbox    OutboxPurger
	Keys      KeyCleaner
	Retention time.Duration
	Logger    *slog.Logger
	Metrics   *jobmetrics.Metrics
	clock     func() time.Time
}

// NewOutboxPurgeJob constructs the job handler.
func NewOutboxPurgeJob(outbox OutboxPurger, retention time.Duration, logger *slog.Logger, metrics *jobmetrics.Metrics) *OutboxPurgeJob {
	if retention <= 0 {
		retention = 7 * 24 * time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &OutboxPurgeJob{
		Outbox:    outbox,
		Retention: retention,
		Logger:    logger,
		Metrics:   metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// NewOutboxPurgeTask builds the task.
func NewOutboxPurgeTask() *asynq.Task {
	return asynq.NewTask(TaskPurgeOutbox, nil, asynq.Queue(QueueDefault), asynq.MaxRetry(1))
}

// Handle executes the purge.
func (j *OutboxPurgeJob) Handle(ctx context.Context, _ *asynq.Task) error {
	if j == nil || j.Outbox == nil {
		return errors.New("outbox purge: dependencies not configured")
	}
	tracker := j.Metrics.Track(TaskPurgeOutbox)
	cutoff := j.clock().Add(-j.Retention)
	n, err := j.Outbox.Purge(ctx, cutoff)
	if err != nil {
		j.Logger.Error("purge balance outbox", slog.Any("error", err))
		return tracker.End(err)
	}
	j.Logger.Info("purged balance outbox",
		slog.String("job", TaskPurgeOutbox),
		slog.Time("before", cutoff),
		slog.Int64("rows", n))
	if j.Keys != nil {
		expired, err := j.Keys.Cleanup(ctx, j.Retention)
		if err != nil {
			j.Logger.Error("expire idempotency keys", slog.Any("error", err))
			return tracker.End(err)
		}
		j.Logger.Info("expired idempotency keys", slog.Int64("rows", expired))
	}
	return tracker.End(nil)
}
