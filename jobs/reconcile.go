package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/odyssey-ledger/internal/balances"
	jobmetrics "github.com/odyssey-erp/odyssey-ledger/internal/jobs"
)

// TaskReconcileBalances compares cached balances with the posted journal.
const TaskReconcileBalances = "ledger:reconcile"

// ReconcilePayload scopes a reconciliation run. An empty organization means all of them.
type ReconcilePayload struct {
	OrganizationID string `json:"organization_id,omitempty"`
}

// DriftChecker runs one reconciliation pass.
type DriftChecker interface {
	Run(ctx context.Context, orgID *uuid.UUID) ([]balances.Drift, error)
}

// ReconcileJob is the asynq handler for TaskReconcileBalances.
type ReconcileJob struct {
	Checker DriftChecker
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewReconcileJob constructs the job handler.
func NewReconcileJob(checker DriftChecker, logger *slog.Logger, metrics *jobmetrics.Metrics) *ReconcileJob {
	return &ReconcileJob{Checker: checker, Logger: logger, Metrics: metrics}
}

// NewReconcileTask builds the task. Drift is only reported, so one retry is enough.
func NewReconcileTask(orgID *uuid.UUID) (*asynq.Task, error) {
	var payload ReconcilePayload
	if orgID != nil {
		payload.OrganizationID = orgID.String()
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskReconcileBalances, body, asynq.Queue(QueueDefault), asynq.MaxRetry(1)), nil
}

// Handle executes the reconciliation.
func (j *ReconcileJob) Handle(ctx context.Context, task *asynq.Task) error {
	if j == nil || j.Checker == nil {
		return errors.New("reconcile: dependencies not configured")
	}
	var payload ReconcilePayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	var orgID *uuid.UUID
	if payload.OrganizationID != "" {
		id, err := uuid.Parse(payload.OrganizationID)
		if err != nil {
			return asynq.SkipRetry
		}
		orgID = &id
	}

	tracker := j.Metrics.Track(TaskReconcileBalances)
	drift, err := j.Checker.Run(ctx, orgID)
	if err != nil {
		j.log().Error("reconcile balances", slog.Any("error", err))
		return tracker.End(err)
	}
	j.log().Info("reconcile balances finished",
		slog.String("job", TaskReconcileBalances),
		slog.String("organization_id", payload.OrganizationID),
		slog.Int("drift", len(drift)))
	return tracker.End(nil)
}

func (j *ReconcileJob) log() *slog.Logger {
	if j.Logger == nil {
		return slog.Default()
	}
	return j.Logger
}
