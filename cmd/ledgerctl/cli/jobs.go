package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/odyssey-ledger/internal/balances"
	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
)

// DeadLetterConsole is the operator view over archived balance deltas.
type DeadLetterConsole interface {
	List(page, perPage int) ([]balances.DeadLetter, shared.Pagination, error)
	Requeue(taskID string) error
	RequeueAll() (int, error)
	Stats() (balances.QueueStats, error)
}

// TaskEnqueuer submits maintenance tasks.
type TaskEnqueuer interface {
	EnqueueReconcile(ctx context.Context, orgID *uuid.UUID) (*asynq.TaskInfo, error)
	EnqueueOutboxPurge(ctx context.Context) (*asynq.TaskInfo, error)
}

// JobsCLI wraps the dead-letter console and maintenance triggers.
type JobsCLI struct {
	deadLetters DeadLetterConsole
	tasks       TaskEnqueuer
}

// NewJobsCLI constructs the helper.
func NewJobsCLI(deadLetters DeadLetterConsole, tasks TaskEnqueuer) *JobsCLI {
	return &JobsCLI{deadLetters: deadLetters, tasks: tasks}
}

type deadLetterRow struct {
	TaskID         string `json:"task_id"`
	OrganizationID string `json:"organization_id"`
	JournalEntryID string `json:"journal_entry_id"`
	AccountID      string `json:"account_id"`
	LedgerID       string `json:"ledger_id"`
	NetChange      string `json:"net_change"`
	Attempts       int    `json:"attempts"`
	LastError      string `json:"last_error"`
}

// ListDeadLetters prints one page of archived balance deltas.
func (c *JobsCLI) ListDeadLetters(out io.Writer, page, perPage int, asJSON bool) error {
	items, pg, err := c.deadLetters.List(page, perPage)
	if err != nil {
		return fmt.Errorf("list dead letters: %w", err)
	}
	rows := make([]deadLetterRow, len(items))
	for i, d := range items {
		rows[i] = deadLetterRow{
			TaskID:         d.TaskID,
			OrganizationID: d.Job.OrganizationID.String(),
			JournalEntryID: d.Job.JournalEntryID.String(),
			AccountID:      d.Job.AccountID.String(),
			LedgerID:       d.Job.LedgerID.String(),
			NetChange:      d.Job.NetChange.String(),
			Attempts:       d.Retried + 1,
			LastError:      d.LastError,
		}
	}
	if asJSON {
		return json.NewEncoder(out).Encode(map[string]any{
			"items": rows, "page": pg.Page, "total": pg.Total, "total_pages": pg.TotalPages,
		})
	}
	if len(rows) == 0 {
		fmt.Fprintln(out, "No dead letters.")
		return nil
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TASK\tACCOUNT\tLEDGER\tNET\tATTEMPTS\tLAST ERROR")
	for _, r := range rows {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\n", r.TaskID, r.AccountID, r.LedgerID, r.NetChange, r.Attempts, r.LastError)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(out, "page %d/%d, %d total\n", pg.Page, pg.TotalPages, pg.Total)
	if pg.HasNext() {
		fmt.Fprintf(out, "next: --page %d\n", pg.Page+1)
	}
	return nil
}

// Requeue moves one archived task back to pending.
func (c *JobsCLI) Requeue(out io.Writer, taskID string) error {
	if err := c.deadLetters.Requeue(taskID); err != nil {
		return fmt.Errorf("requeue %s: %w", taskID, err)
	}
	fmt.Fprintf(out, "requeued %s\n", taskID)
	return nil
}

// RequeueAll moves every archived task back to pending.
func (c *JobsCLI) RequeueAll(out io.Writer) error {
	n, err := c.deadLetters.RequeueAll()
	if err != nil {
		return fmt.Errorf("requeue dead letters: %w", err)
	}
	fmt.Fprintf(out, "requeued %d task(s)\n", n)
	return nil
}

// Stats prints the balance queue depth by state.
func (c *JobsCLI) Stats(out io.Writer, asJSON bool) error {
	s, err := c.deadLetters.Stats()
	if err != nil {
		return fmt.Errorf("queue stats: %w", err)
	}
	if asJSON {
		return json.NewEncoder(out).Encode(map[string]int{
			"pending": s.Pending, "active": s.Active, "scheduled": s.Scheduled,
			"retry": s.Retry, "archived": s.Archived, "completed": s.Completed,
		})
	}
	fmt.Fprintf(out, "queue %s: pending=%d active=%d scheduled=%d retry=%d archived=%d completed=%d\n",
		balances.QueueBalances, s.Pending, s.Active, s.Scheduled, s.Retry, s.Archived, s.Completed)
	return nil
}

// TriggerReconcile enqueues a reconciliation for one organization, or all when orgID is nil.
func (c *JobsCLI) TriggerReconcile(ctx context.Context, out io.Writer, orgID *uuid.UUID) error {
	info, err := c.tasks.EnqueueReconcile(ctx, orgID)
	if err != nil {
		return fmt.Errorf("enqueue reconcile: %w", err)
	}
	fmt.Fprintf(out, "enqueued %s as %s\n", info.Type, info.ID)
	return nil
}

// TriggerOutboxPurge enqueues removal of dispatched outbox rows.
func (c *JobsCLI) TriggerOutboxPurge(ctx context.Context, out io.Writer) error {
	info, err := c.tasks.EnqueueOutboxPurge(ctx)
	if err != nil {
		return fmt.Errorf("enqueue outbox purge: %w", err)
	}
	fmt.Fprintf(out, "enqueued %s as %s\n", info.Type, info.ID)
	return nil
}
