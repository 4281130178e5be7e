package balances

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/odyssey-ledger/internal/jobs"
)

const (
	// QueueBalances is the asynq queue carrying balance deltas.
	QueueBalances = "balances"
	// TaskApplyDelta applies one balance delta.
	TaskApplyDelta = "balances:apply"
	// taskRetention keeps completed task ids around so relayed duplicates are rejected by asynq.
	taskRetention = 24 * time.Hour
)

// NewTask builds the asynq task for job. The idempotency key doubles as the task id.
func NewTask(job Job, policy RetryPolicy) (*asynq.Task, error) {
	if err := job.Validate(); err != nil {
		return nil, err
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskApplyDelta, payload,
		asynq.TaskID(job.IdempotencyKey),
		asynq.Queue(QueueBalances),
		asynq.MaxRetry(policy.MaxRetry()),
		asynq.Retention(taskRetention),
	), nil
}

// DecodeTask parses a task payload.
func DecodeTask(t *asynq.Task) (Job, error) {
	var job Job
	if err := json.Unmarshal(t.Payload(), &job); err != nil {
		return Job{}, fmt.Errorf("%w: %v", ErrInvalidJob, err)
	}
	if err := job.Validate(); err != nil {
		return Job{}, err
	}
	return job, nil
}

// Enqueuer hands jobs to the durable queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, job Job) error
}

type taskClient interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// TaskEnqueuer submits jobs to asynq.
type TaskEnqueuer struct {
	client taskClient
	policy RetryPolicy
}

// NewTaskEnqueuer wraps an asynq client.
func NewTaskEnqueuer(client *asynq.Client, policy RetryPolicy) *TaskEnqueuer {
	return &TaskEnqueuer{client: client, policy: policy}
}

// Enqueue submits job. A job whose task id is already known to asynq counts as enqueued.
func (e *TaskEnqueuer) Enqueue(ctx context.Context, job Job) error {
	task, err := NewTask(job, e.policy)
	if err != nil {
		return err
	}
	if _, err := e.client.EnqueueContext(ctx, task); err != nil {
		if errors.Is(err, asynq.ErrTaskIDConflict) || errors.Is(err, asynq.ErrDuplicateTask) {
			return nil
		}
		return err
	}
	return nil
}

// Processor is the asynq handler for TaskApplyDelta.
type Processor struct {
	applier *Applier
	metrics *jobmetrics.Metrics
	logger  *slog.Logger
}

// NewProcessor constructs the handler.
func NewProcessor(applier *Applier, metrics *jobmetrics.Metrics, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{applier: applier, metrics: metrics, logger: logger}
}

// Handle applies the delta carried by t. Malformed payloads are not retried.
func (p *Processor) Handle(ctx context.Context, t *asynq.Task) error {
	job, err := DecodeTask(t)
	if err != nil {
		p.logger.Error("discard balance task", slog.Any("error", err))
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	retried, _ := asynq.GetRetryCount(ctx)
	logger := p.logger.With(
		slog.String("idempotency_key", job.IdempotencyKey),
		slog.Int("attempt", retried+1),
	)
	tracker := p.metrics.Track(TaskApplyDelta)
	outcome, err := p.applier.ApplyWithRetry(ctx, job)
	if err != nil {
		if Retryable(err) {
			logger.Warn("balance delta deferred", slog.Any("error", err))
		} else {
			logger.Error("balance delta failed", slog.Any("error", err))
		}
		return tracker.End(err)
	}
	p.metrics.AddOutcome(string(outcome))
	logger.Info("balance delta applied", slog.String("outcome", string(outcome)))
	return tracker.End(nil)
}
