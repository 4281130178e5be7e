package close

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/odyssey-ledger/internal/platform/db"
)

// Repository persists period and module close state.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a Repository using the provided pool.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

type txRepository struct {
	tx pgx.Tx
}

// WithTx executes fn inside a read-committed transaction. Each statement after
// LoadPeriodForUpdate sees entries committed while the period lock was awaited.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil || r.pool == nil {
		return fmt.Errorf("close: repository not initialised")
	}
	return db.WithTxOptions(ctx, r.pool, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(ctx context.Context, tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
}

const periodColumns = `id, organization_id, name, start_date, end_date, status, closed_by, closed_at,
reopened_by, reopened_at, reopen_reason, closing_entry_id, created_at, updated_at`

// ListPeriods returns the organization's periods in chronological order.
func (r *Repository) ListPeriods(ctx context.Context, orgID uuid.UUID) ([]Period, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+periodColumns+` FROM periods WHERE organization_id=$1 ORDER BY start_date`, orgID)
	if err != nil {
		return nil, err
	}
	var periods []Period
	for rows.Next() {
		p, err := scanPeriod(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		periods = append(periods, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range periods {
		if periods[i].Modules, err = loadModules(ctx, r.pool, periods[i].ID, ""); err != nil {
			return nil, err
		}
	}
	return periods, nil
}

// GetPeriod returns a period with module states.
func (r *Repository) GetPeriod(ctx context.Context, orgID, id uuid.UUID) (Period, error) {
	p, err := scanPeriod(r.pool.QueryRow(ctx, `SELECT `+periodColumns+` FROM periods WHERE organization_id=$1 AND id=$2`, orgID, id))
	if err != nil {
		return Period{}, err
	}
	p.Modules, err = loadModules(ctx, r.pool, p.ID, "")
	return p, err
}

// LockPeriodForDate share-locks the period covering date and its module rows.
// Posting transactions call it so a concurrent close waits for them.
func LockPeriodForDate(ctx context.Context, tx pgx.Tx, orgID uuid.UUID, date time.Time) (Period, error) {
	p, err := scanPeriod(tx.QueryRow(ctx, `SELECT `+periodColumns+` FROM periods
WHERE organization_id=$1 AND $2::date BETWEEN start_date AND end_date FOR SHARE`, orgID, date))
	if err != nil {
		return Period{}, err
	}
	p.Modules, err = loadModules(ctx, tx, p.ID, " FOR SHARE")
	return p, err
}

func (r *txRepository) LoadPeriodForUpdate(ctx context.Context, orgID, id uuid.UUID) (Period, error) {
	p, err := scanPeriod(r.tx.QueryRow(ctx, `SELECT `+periodColumns+` FROM periods WHERE organization_id=$1 AND id=$2 FOR UPDATE`, orgID, id))
	if err != nil {
		return Period{}, err
	}
	p.Modules, err = loadModules(ctx, r.tx, p.ID, " FOR UPDATE")
	return p, err
}

func (r *txRepository) NextPeriod(ctx context.Context, orgID uuid.UUID, after time.Time) (Period, bool, error) {
	p, err := scanPeriod(r.tx.QueryRow(ctx, `SELECT `+periodColumns+` FROM periods
WHERE organization_id=$1 AND start_date > $2 ORDER BY start_date ASC LIMIT 1 FOR SHARE`, orgID, after))
	if err != nil {
		if errors.Is(err, ErrPeriodNotFound) {
			return Period{}, false, nil
		}
		return Period{}, false, err
	}
	return p, true, nil
}

func (r *txRepository) CountDraftEntries(ctx context.Context, orgID uuid.UUID, start, end time.Time, module *Module) (int, error) {
	var mod *string
	if module != nil {
		m := string(*module)
		mod = &m
	}
	var count int
	err := r.tx.QueryRow(ctx, `SELECT COUNT(*) FROM journal_entries
WHERE organization_id=$1 AND date BETWEEN $2 AND $3 AND status IN ('DRAFT','PENDING_APPROVAL')
AND ($4::text IS NULL OR source_module=$4)`, orgID, start, end, mod).Scan(&count)
	return count, err
}

func (r *txRepository) PeriodRangeConflict(ctx context.Context, orgID uuid.UUID, start, end time.Time) (bool, error) {
	var exists bool
	err := r.tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM periods
WHERE organization_id=$1 AND start_date <= $3 AND end_date >= $2)`, orgID, start, end).Scan(&exists)
	return exists, err
}

func (r *txRepository) InsertPeriod(ctx context.Context, p Period) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO periods (`+periodColumns+`)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		p.ID, p.OrganizationID, p.Name, p.StartDate, p.EndDate, string(p.Status), p.ClosedBy, p.ClosedAt,
		p.ReopenedBy, p.ReopenedAt, p.ReopenReason, p.ClosingEntryID, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return err
	}
	for _, ms := range p.Modules {
		if err := r.UpsertModuleStatus(ctx, p.ID, ms); err != nil {
			return err
		}
	}
	return nil
}

func (r *txRepository) UpdatePeriod(ctx context.Context, p Period) error {
	tag, err := r.tx.Exec(ctx, `UPDATE periods SET status=$2, closed_by=$3, closed_at=$4, reopened_by=$5, reopened_at=$6,
reopen_reason=$7, closing_entry_id=$8, updated_at=$9 WHERE id=$1`,
		p.ID, string(p.Status), p.ClosedBy, p.ClosedAt, p.ReopenedBy, p.ReopenedAt, p.ReopenReason, p.ClosingEntryID, p.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrPeriodNotFound
	}
	return nil
}

func (r *txRepository) UpsertModuleStatus(ctx context.Context, periodID uuid.UUID, ms ModuleStatus) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO period_module_status (period_id, module, status, closed_by, closed_at)
VALUES ($1,$2,$3,$4,$5)
ON CONFLICT (period_id, module) DO UPDATE SET status=EXCLUDED.status, closed_by=EXCLUDED.closed_by, closed_at=EXCLUDED.closed_at`,
		periodID, string(ms.Module), string(ms.Status), ms.ClosedBy, ms.ClosedAt)
	return err
}

type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func scanPeriod(row pgx.Row) (Period, error) {
	var p Period
	err := row.Scan(&p.ID, &p.OrganizationID, &p.Name, &p.StartDate, &p.EndDate, &p.Status, &p.ClosedBy, &p.ClosedAt,
		&p.ReopenedBy, &p.ReopenedAt, &p.ReopenReason, &p.ClosingEntryID, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Period{}, ErrPeriodNotFound
		}
		return Period{}, err
	}
	return p, nil
}

func loadModules(ctx context.Context, q rowQuerier, periodID uuid.UUID, lock string) ([]ModuleStatus, error) {
	rows, err := q.Query(ctx, `SELECT module, status, closed_by, closed_at FROM period_module_status
WHERE period_id=$1 ORDER BY module`+lock, periodID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ModuleStatus
	for rows.Next() {
		var ms ModuleStatus
		if err := rows.Scan(&ms.Module, &ms.Status, &ms.ClosedBy, &ms.ClosedAt); err != nil {
			return nil, err
		}
		out = append(out, ms)
	}
	return out, rows.Err()
}
