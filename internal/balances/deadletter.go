package balances

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/odyssey-ledger/internal/events"
	jobmetrics "github.com/odyssey-erp/odyssey-ledger/internal/jobs"
	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
)

// DeadLetterReporter notices balance tasks that will not be retried again.
type DeadLetterReporter struct {
	publisher events.Publisher
	metrics   *jobmetrics.Metrics
	logger    *slog.Logger
}

// NewDeadLetterReporter constructs the reporter.
func NewDeadLetterReporter(publisher events.Publisher, metrics *jobmetrics.Metrics, logger *slog.Logger) *DeadLetterReporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &DeadLetterReporter{publisher: publisher, metrics: metrics, logger: logger}
}

// HandleError implements asynq.ErrorHandler. It fires for every failed attempt and
// reports only the final one.
func (r *DeadLetterReporter) HandleError(ctx context.Context, task *asynq.Task, err error) {
	if task == nil || task.Type() != TaskApplyDelta {
		return
	}
	retried, _ := asynq.GetRetryCount(ctx)
	maxRetry, _ := asynq.GetMaxRetry(ctx)
	if retried < maxRetry && !errors.Is(err, asynq.SkipRetry) {
		return
	}
	r.metrics.AddDeadLetter(task.Type())
	job, decodeErr := DecodeTask(task)
	if decodeErr != nil {
		r.logger.Error("balance task dead-lettered with unreadable payload", slog.Any("error", err))
		return
	}
	r.logger.Error("balance delta dead-lettered",
		slog.String("idempotency_key", job.IdempotencyKey),
		slog.Int("attempts", retried+1),
		slog.Any("error", err))
	if r.publisher == nil {
		return
	}
	event := events.New(events.AccountBalanceJobFailed, job.OrganizationID, job.JournalEntryID, map[string]string{
		"idempotency_key":  job.IdempotencyKey,
		"account_id":       job.AccountID.String(),
		"ledger_id":        job.LedgerID.String(),
		"journal_entry_id": job.JournalEntryID.String(),
		"net_change":       job.NetChange.String(),
		"error":            err.Error(),
	})
	if pubErr := r.publisher.Publish(ctx, event); pubErr != nil {
		r.logger.Warn("publish dead letter event", slog.Any("error", pubErr))
	}
}

// DeadLetter is an archived balance task awaiting operator action.
type DeadLetter struct {
	TaskID       string
	Job          Job
	Retried      int
	MaxRetry     int
	LastError    string
	LastFailedAt time.Time
}

type archiveInspector interface {
	ListArchivedTasks(queue string, opts ...asynq.ListOption) ([]*asynq.TaskInfo, error)
	RunTask(queue, id string) error
	RunAllArchivedTasks(queue string) (int, error)
	GetQueueInfo(queue string) (*asynq.QueueInfo, error)
}

// DeadLetters is the operator view over archived balance tasks.
type DeadLetters struct {
	inspector archiveInspector
}

// NewDeadLetters wraps an asynq inspector.
func NewDeadLetters(inspector *asynq.Inspector) *DeadLetters {
	return &DeadLetters{inspector: inspector}
}

// QueueStats summarises the balance queue.
type QueueStats struct {
	Pending   int
	Active    int
	Scheduled int
	Retry     int
	Archived  int
	Completed int
}

// List returns one page of archived tasks together with pagination metadata.
func (d *DeadLetters) List(page, perPage int) ([]DeadLetter, shared.Pagination, error) {
	info, err := d.inspector.GetQueueInfo(QueueBalances)
	if err != nil {
		return nil, shared.Pagination{}, err
	}
	pg := shared.NewPagination(page, perPage, info.Archived)
	tasks, err := d.inspector.ListArchivedTasks(QueueBalances, asynq.Page(pg.Page), asynq.PageSize(pg.PerPage))
	if err != nil {
		return nil, shared.Pagination{}, err
	}
	out := make([]DeadLetter, 0, len(tasks))
	for _, t := range tasks {
		dl := DeadLetter{
			TaskID:       t.ID,
			Retried:      t.Retried,
			MaxRetry:     t.MaxRetry,
			LastError:    t.LastErr,
			LastFailedAt: t.LastFailedAt,
		}
		if job, err := DecodeTask(asynq.NewTask(t.Type, t.Payload)); err == nil {
			dl.Job = job
		}
		out = append(out, dl)
	}
	return out, pg, nil
}

// Requeue moves one archived task back to pending.
func (d *DeadLetters) Requeue(taskID string) error {
	return d.inspector.RunTask(QueueBalances, taskID)
}

// RequeueAll moves every archived task back to pending.
func (d *DeadLetters) RequeueAll() (int, error) {
	return d.inspector.RunAllArchivedTasks(QueueBalances)
}

// Stats reports queue depth by state.
func (d *DeadLetters) Stats() (QueueStats, error) {
	info, err := d.inspector.GetQueueInfo(QueueBalances)
	if err != nil {
		return QueueStats{}, err
	}
	return QueueStats{
		Pending:   info.Pending,
		Active:    info.Active,
		Scheduled: info.Scheduled,
		Retry:     info.Retry,
		Archived:  info.Archived,
		Completed: info.Completed,
	}, nil
}
