package balances

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-ledger/internal/platform/db"
)

// Store persists account balances and the keys of deltas already applied.
type Store interface {
	// WithTx runs fn in a unit of work; the applied key and the balance write commit together.
	WithTx(ctx context.Context, fn func(context.Context, StoreTx) error) error
	Get(ctx context.Context, accountID, ledgerID uuid.UUID) (Balance, error)
}

// StoreTx holds the primitives one delta application is built from.
type StoreTx interface {
	// MarkApplied records the job's idempotency key. It reports false when the key was applied before.
	MarkApplied(ctx context.Context, job Job) (bool, error)
	// InsertIfAbsent creates the balance row seeded with the job's net change at version 1.
	InsertIfAbsent(ctx context.Context, job Job) (bool, error)
	// Version reads the current version, ErrBalanceNotFound when the row is missing.
	Version(ctx context.Context, accountID, ledgerID uuid.UUID) (int64, error)
	// CompareAndAdd adds delta and bumps the version when it still equals expected.
	CompareAndAdd(ctx context.Context, accountID, ledgerID uuid.UUID, expected int64, delta decimal.Decimal) (bool, error)
}

// PGStore implements Store on PostgreSQL.
type PGStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewPGStore constructs a PGStore.
func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool, now: time.Now}
}

// WithTx runs fn in a read-committed transaction so the version guard sees concurrent commits.
func (s *PGStore) WithTx(ctx context.Context, fn func(context.Context, StoreTx) error) error {
	err := db.WithTxOptions(ctx, s.pool, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(ctx context.Context, tx pgx.Tx) error {
		return fn(ctx, &pgStoreTx{tx: tx, now: s.now})
	})
	return mapPGError(err)
}

// Get returns the stored balance for the pair.
func (s *PGStore) Get(ctx context.Context, accountID, ledgerID uuid.UUID) (Balance, error) {
	var b Balance
	err := s.pool.QueryRow(ctx, `SELECT organization_id, account_id, ledger_id, balance, version, updated_at
FROM account_balances WHERE account_id=$1 AND ledger_id=$2`, accountID, ledgerID).
		Scan(&b.OrganizationID, &b.AccountID, &b.LedgerID, &b.Balance, &b.Version, &b.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Balance{}, ErrBalanceNotFound
	}
	return b, err
}

// List returns all balances of an organization's ledger.
func (s *PGStore) List(ctx context.Context, orgID, ledgerID uuid.UUID) ([]Balance, error) {
	rows, err := s.pool.Query(ctx, `SELECT organization_id, account_id, ledger_id, balance, version, updated_at
FROM account_balances WHERE organization_id=$1 AND ledger_id=$2 ORDER BY account_id`, orgID, ledgerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Balance
	for rows.Next() {
		var b Balance
		if err := rows.Scan(&b.OrganizationID, &b.AccountID, &b.LedgerID, &b.Balance, &b.Version, &b.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

type pgStoreTx struct {
	tx  pgx.Tx
	now func() time.Time
}

func (t *pgStoreTx) MarkApplied(ctx context.Context, job Job) (bool, error) {
	tag, err := t.tx.Exec(ctx, `INSERT INTO balance_applied_deltas (idempotency_key, organization_id, journal_entry_id, account_id, ledger_id, net_change, applied_at)
VALUES ($1,$2,$3,$4,$5,$6,$7) ON CONFLICT (idempotency_key) DO NOTHING`,
		job.IdempotencyKey, job.OrganizationID, job.JournalEntryID, job.AccountID, job.LedgerID, job.NetChange, t.now())
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (t *pgStoreTx) InsertIfAbsent(ctx context.Context, job Job) (bool, error) {
	tag, err := t.tx.Exec(ctx, `INSERT INTO account_balances (organization_id, account_id, ledger_id, balance, version, updated_at)
VALUES ($1,$2,$3,$4,1,$5) ON CONFLICT (account_id, ledger_id) DO NOTHING`,
		job.OrganizationID, job.AccountID, job.LedgerID, job.NetChange, t.now())
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (t *pgStoreTx) Version(ctx context.Context, accountID, ledgerID uuid.UUID) (int64, error) {
	var version int64
	err := t.tx.QueryRow(ctx, `SELECT version FROM account_balances WHERE account_id=$1 AND ledger_id=$2`, accountID, ledgerID).Scan(&version)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrBalanceNotFound
	}
	return version, err
}

func (t *pgStoreTx) CompareAndAdd(ctx context.Context, accountID, ledgerID uuid.UUID, expected int64, delta decimal.Decimal) (bool, error) {
	tag, err := t.tx.Exec(ctx, `UPDATE account_balances SET balance = balance + $4, version = version + 1, updated_at = $5
WHERE account_id=$1 AND ledger_id=$2 AND version=$3`, accountID, ledgerID, expected, delta, t.now())
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// mapPGError turns serialization failures into lock conflicts so they are retried.
func mapPGError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && (pgErr.Code == "40001" || pgErr.Code == "40P01") {
		return fmt.Errorf("%w: %s", ErrOptimisticLockConflict, pgErr.Message)
	}
	return err
}
