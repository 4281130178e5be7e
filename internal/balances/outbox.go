package balances

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// OutboxRecord is a delta written by a posting transaction and not yet relayed.
type OutboxRecord struct {
	ID        int64
	Job       Job
	Attempts  int
	LastError string
	CreatedAt time.Time
}

// WriteOutbox stores jobs inside the caller's transaction. Rows already present for an
// idempotency key are kept.
func WriteOutbox(ctx context.Context, tx pgx.Tx, jobs []Job) error {
	if len(jobs) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, job := range jobs {
		if err := job.Validate(); err != nil {
			return err
		}
		batch.Queue(`INSERT INTO balance_delta_outbox (idempotency_key, organization_id, journal_entry_id, account_id, ledger_id, net_change)
VALUES ($1,$2,$3,$4,$5,$6) ON CONFLICT (idempotency_key) DO NOTHING`,
			job.IdempotencyKey, job.OrganizationID, job.JournalEntryID, job.AccountID, job.LedgerID, job.NetChange)
	}
	return tx.SendBatch(ctx, batch).Close()
}

// OutboxStore is read by the relay.
type OutboxStore interface {
	ListPending(ctx context.Context, limit int) ([]OutboxRecord, error)
	MarkDispatched(ctx context.Context, ids []int64, at time.Time) error
	MarkFailed(ctx context.Context, id int64, errMsg string) error
}

// PGOutbox implements OutboxStore on PostgreSQL.
type PGOutbox struct {
	pool *pgxpool.Pool
}

// NewPGOutbox constructs a PGOutbox.
func NewPGOutbox(pool *pgxpool.Pool) *PGOutbox {
	return &PGOutbox{pool: pool}
}

// ListPending returns undispatched rows, oldest first.
func (o *PGOutbox) ListPending(ctx context.Context, limit int) ([]OutboxRecord, error) {
	rows, err := o.pool.Query(ctx, `SELECT id, idempotency_key, organization_id, journal_entry_id, account_id, ledger_id, net_change,
attempts, COALESCE(last_error, ''), created_at
FROM balance_delta_outbox WHERE dispatched_at IS NULL ORDER BY id LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []OutboxRecord
	for rows.Next() {
		var (
			rec OutboxRecord
			org, entry, account, ledger uuid.UUID
			net                         decimal.Decimal
		)
		if err := rows.Scan(&rec.ID, &rec.Job.IdempotencyKey, &org, &entry, &account, &ledger, &net,
			&rec.Attempts, &rec.LastError, &rec.CreatedAt); err != nil {
			return nil, err
		}
		rec.Job.OrganizationID, rec.Job.JournalEntryID, rec.Job.AccountID, rec.Job.LedgerID = org, entry, account, ledger
		rec.Job.NetChange = net
		out = append(out, rec)
	}
	return out, rows.Err()
}

// MarkDispatched stamps rows handed to the queue.
func (o *PGOutbox) MarkDispatched(ctx context.Context, ids []int64, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := o.pool.Exec(ctx, `UPDATE balance_delta_outbox SET dispatched_at=$2, last_error=NULL WHERE id = ANY($1)`, ids, at)
	return err
}

// MarkFailed records a failed relay attempt; the row stays pending.
func (o *PGOutbox) MarkFailed(ctx context.Context, id int64, errMsg string) error {
	_, err := o.pool.Exec(ctx, `UPDATE balance_delta_outbox SET attempts = attempts + 1, last_error=$2 WHERE id=$1`, id, errMsg)
	return err
}

// Purge removes dispatched rows older than the cutoff.
func (o *PGOutbox) Purge(ctx context.Context, before time.Time) (int64, error) {
	tag, err := o.pool.Exec(ctx, `DELETE FROM balance_delta_outbox WHERE dispatched_at IS NOT NULL AND dispatched_at < $1`, before)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
