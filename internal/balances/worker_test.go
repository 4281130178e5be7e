package balances

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-ledger/internal/events"
	"github.com/odyssey-erp/odyssey-ledger/internal/fx"
	jobmetrics "github.com/odyssey-erp/odyssey-ledger/internal/jobs"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNewTaskCarriesIdempotencyKey(t *testing.T) {
	j := job(accountA, 10)
	task, err := NewTask(j, DefaultRetryPolicy())
	require.NoError(t, err)
	require.Equal(t, TaskApplyDelta, task.Type())

	decoded, err := DecodeTask(task)
	require.NoError(t, err)
	require.Equal(t, j.IdempotencyKey, decoded.IdempotencyKey)
	require.True(t, decoded.NetChange.Equal(decimal.NewFromInt(10)))

	_, err = DecodeTask(asynq.NewTask(TaskApplyDelta, []byte(`{"idempotency_key":"x"}`)))
	require.ErrorIs(t, err, ErrInvalidJob)
}

type fakeTaskClient struct {
	mu    sync.Mutex
	tasks map[string]*asynq.Task
}

func (c *fakeTaskClient) EnqueueContext(_ context.Context, task *asynq.Task, _ ...asynq.Option) (*asynq.TaskInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	j, err := DecodeTask(task)
	if err != nil {
		return nil, err
	}
	if _, dup := c.tasks[j.IdempotencyKey]; dup {
		return nil, asynq.ErrTaskIDConflict
	}
	c.tasks[j.IdempotencyKey] = task
	return &asynq.TaskInfo{ID: j.IdempotencyKey, Queue: QueueBalances, Type: task.Type()}, nil
}

func TestTaskEnqueuerTreatsKnownTaskAsEnqueued(t *testing.T) {
	client := &fakeTaskClient{tasks: make(map[string]*asynq.Task)}
	enq := &TaskEnqueuer{client: client, policy: DefaultRetryPolicy()}
	j := job(accountA, 3)

	require.NoError(t, enq.Enqueue(context.Background(), j))
	require.NoError(t, enq.Enqueue(context.Background(), j))
	require.Len(t, client.tasks, 1)
}

func TestProcessorAppliesAndSkipsMalformed(t *testing.T) {
	ctx := context.Background()
	store := newMemoryStore()
	metrics := jobmetrics.NewMetrics(prometheus.NewRegistry())
	proc := NewProcessor(NewApplier(store), metrics, quietLogger())

	task, err := NewTask(job(accountB, -30), DefaultRetryPolicy())
	require.NoError(t, err)
	require.NoError(t, proc.Handle(ctx, task))

	b, err := store.Get(ctx, accountB, testLedger)
	require.NoError(t, err)
	require.True(t, b.Balance.Equal(decimal.NewFromInt(-30)))

	err = proc.Handle(ctx, asynq.NewTask(TaskApplyDelta, []byte("not json")))
	require.ErrorIs(t, err, asynq.SkipRetry)
}

type fakeOutbox struct {
	records    []OutboxRecord
	dispatched []int64
	failed     map[int64]string
}

func (o *fakeOutbox) ListPending(_ context.Context, limit int) ([]OutboxRecord, error) {
	var out []OutboxRecord
	done := make(map[int64]bool)
	for _, id := range o.dispatched {
		done[id] = true
	}
	for _, r := range o.records {
		if !done[r.ID] && len(out) < limit {
			out = append(out, r)
		}
	}
	return out, nil
}

func (o *fakeOutbox) MarkDispatched(_ context.Context, ids []int64, _ time.Time) error {
	o.dispatched = append(o.dispatched, ids...)
	return nil
}

func (o *fakeOutbox) MarkFailed(_ context.Context, id int64, msg string) error {
	o.failed[id] = msg
	return nil
}

type flakyEnqueuer struct {
	fail map[string]bool
	got  []Job
}

func (e *flakyEnqueuer) Enqueue(_ context.Context, j Job) error {
	if e.fail[j.IdempotencyKey] {
		return errors.New("redis unavailable")
	}
	e.got = append(e.got, j)
	return nil
}

func TestRelayDispatchesPendingRows(t *testing.T) {
	ctx := context.Background()
	jobs := []Job{job(accountA, 1), job(accountA, 2), job(accountB, -3)}
	outbox := &fakeOutbox{failed: make(map[int64]string)}
	for i, j := range jobs {
		outbox.records = append(outbox.records, OutboxRecord{ID: int64(i + 1), Job: j})
	}
	enq := &flakyEnqueuer{fail: map[string]bool{jobs[1].IdempotencyKey: true}}
	relay := NewRelay(outbox, enq, RelayConfig{BatchSize: 10}, quietLogger())

	res, err := relay.DispatchOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, RelayResult{Processed: 3, Dispatched: 2, Failed: 1}, res)
	require.Equal(t, []int64{1, 3}, outbox.dispatched)
	require.Contains(t, outbox.failed[2], "redis unavailable")

	enq.fail = nil
	res, err = relay.DispatchOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, res.Dispatched)
	require.Len(t, enq.got, 3)
}

func TestDeadLetterReporterPublishesOnFinalFailure(t *testing.T) {
	rec := &events.Recorder{}
	reg := prometheus.NewRegistry()
	reporter := NewDeadLetterReporter(rec, jobmetrics.NewMetrics(reg), quietLogger())
	j := job(accountA, 12)
	task, err := NewTask(j, DefaultRetryPolicy())
	require.NoError(t, err)

	// Outside a worker there is no retry metadata, so the failure counts as final.
	reporter.HandleError(context.Background(), task, ErrOptimisticLockConflict)
	reporter.HandleError(context.Background(), asynq.NewTask("other:task", nil), errors.New("ignored"))

	failed := rec.Named(events.AccountBalanceJobFailed)
	require.Len(t, failed, 1)
	require.Equal(t, j.OrganizationID, failed[0].OrganizationID)
	require.Equal(t, j.JournalEntryID, failed[0].AggregateID)
	require.Equal(t, j.IdempotencyKey, failed[0].Payload["idempotency_key"])
	require.Equal(t, "12", failed[0].Payload["net_change"])
}

type fakeInspector struct {
	archived []*asynq.TaskInfo
	ran      []string
}

func (f *fakeInspector) ListArchivedTasks(_ string, _ ...asynq.ListOption) ([]*asynq.TaskInfo, error) {
	return f.archived, nil
}

func (f *fakeInspector) RunTask(_ string, id string) error {
	for _, t := range f.archived {
		if t.ID == id {
			f.ran = append(f.ran, id)
			return nil
		}
	}
	return asynq.ErrTaskNotFound
}

func (f *fakeInspector) RunAllArchivedTasks(string) (int, error) {
	return len(f.archived), nil
}

func (f *fakeInspector) GetQueueInfo(string) (*asynq.QueueInfo, error) {
	return &asynq.QueueInfo{Queue: QueueBalances, Archived: len(f.archived), Pending: 4}, nil
}

func TestDeadLettersListAndRequeue(t *testing.T) {
	j := job(accountA, 9)
	task, err := NewTask(j, DefaultRetryPolicy())
	require.NoError(t, err)
	insp := &fakeInspector{archived: []*asynq.TaskInfo{{
		ID:       j.IdempotencyKey,
		Queue:    QueueBalances,
		Type:     TaskApplyDelta,
		Payload:  task.Payload(),
		MaxRetry: 4,
		Retried:  4,
		LastErr:  "balances: optimistic lock conflict",
	}}}
	dl := &DeadLetters{inspector: insp}

	items, page, err := dl.List(1, 20)
	require.NoError(t, err)
	require.Equal(t, 1, page.Total)
	require.Len(t, items, 1)
	require.Equal(t, j.IdempotencyKey, items[0].Job.IdempotencyKey)
	require.Equal(t, 4, items[0].Retried)

	require.NoError(t, dl.Requeue(j.IdempotencyKey))
	require.Equal(t, []string{j.IdempotencyKey}, insp.ran)

	stats, err := dl.Stats()
	require.NoError(t, err)
	require.Equal(t, 4, stats.Pending)
	require.Equal(t, 1, stats.Archived)
}

type staticDrift []Drift

func (s staticDrift) FindDrift(context.Context, *uuid.UUID) ([]Drift, error) { return s, nil }

func TestReconcilerReportsDrift(t *testing.T) {
	drift := staticDrift{{
		OrganizationID: testOrg,
		AccountID:      accountA,
		LedgerID:       testLedger,
		Expected:       decimal.NewFromInt(100),
		Stored:         decimal.NewFromInt(60),
	}}
	rec := NewReconciler(drift, jobmetrics.NewMetrics(prometheus.NewRegistry()), quietLogger())
	got, err := rec.Run(context.Background(), nil)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.True(t, got[0].Difference().Equal(decimal.NewFromInt(40)))
}

type staticRates map[string]decimal.Decimal

func (r staticRates) LatestAtOrBefore(_ context.Context, orgID uuid.UUID, from, to string, asOf time.Time) (fx.Rate, bool, error) {
	rate, ok := r[from+"/"+to]
	if !ok {
		return fx.Rate{}, false, nil
	}
	return fx.Rate{OrganizationID: orgID, From: from, To: to, Date: asOf, Rate: rate}, true, nil
}

type staticBalances []LedgerBalance

func (s staticBalances) ListForAccount(context.Context, uuid.UUID, uuid.UUID) ([]LedgerBalance, error) {
	return s, nil
}

func TestReporterAccountTotalHonoursMissingRatePolicy(t *testing.T) {
	ctx := context.Background()
	ledgers := staticBalances{
		{LedgerID: testLedger, Currency: "USD", Balance: decimal.NewFromInt(100)},
		{LedgerID: uuid.New(), Currency: "EUR", Balance: decimal.NewFromInt(50)},
		{LedgerID: uuid.New(), Currency: "IDR", Balance: decimal.NewFromInt(1000)},
	}
	rates := staticRates{"EUR/USD": decimal.RequireFromString("1.10")}
	asOf := time.Date(2026, 3, 31, 0, 0, 0, 0, time.UTC)

	skip := NewReporter(ledgers, fx.NewBook(rates, fx.MissingRateSkip), 2)
	report, err := skip.AccountTotal(ctx, testOrg, accountA, "USD", asOf)
	require.NoError(t, err)
	require.True(t, report.Total.Total.Equal(decimal.NewFromInt(155)), "total %s", report.Total.Total)
	require.Len(t, report.Total.Skipped, 1)
	require.Equal(t, "IDR", report.Total.Skipped[0].Currency)

	strict := NewReporter(ledgers, fx.NewBook(rates, fx.MissingRateFail), 2)
	_, err = strict.AccountTotal(ctx, testOrg, accountA, "USD", asOf)
	require.ErrorIs(t, err, fx.ErrRateMissing)
}
