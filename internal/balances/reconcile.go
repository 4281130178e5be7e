package balances

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	jobmetrics "github.com/odyssey-erp/odyssey-ledger/internal/jobs"
)

// Drift is a pair whose stored balance differs from the sum of its posted valuations.
// Deltas still in flight show up here until the worker catches up.
type Drift struct {
	OrganizationID uuid.UUID
	AccountID      uuid.UUID
	LedgerID       uuid.UUID
	Expected       decimal.Decimal
	Stored         decimal.Decimal
}

// Difference is Expected - Stored.
func (d Drift) Difference() decimal.Decimal {
	return d.Expected.Sub(d.Stored)
}

// DriftFinder lists balances that disagree with the journal.
type DriftFinder interface {
	FindDrift(ctx context.Context, orgID *uuid.UUID) ([]Drift, error)
}

// PGDriftFinder computes drift from journal_line_valuations.
type PGDriftFinder struct {
	pool *pgxpool.Pool
}

// NewPGDriftFinder constructs a PGDriftFinder.
func NewPGDriftFinder(pool *pgxpool.Pool) *PGDriftFinder {
	return &PGDriftFinder{pool: pool}
}

// FindDrift compares account_balances with posted valuations, optionally for one organization.
func (f *PGDriftFinder) FindDrift(ctx context.Context, orgID *uuid.UUID) ([]Drift, error) {
	rows, err := f.pool.Query(ctx, `WITH expected AS (
	SELECT e.organization_id, l.account_id, v.ledger_id, SUM(v.debit - v.credit) AS net
	FROM journal_line_valuations v
	JOIN journal_lines l ON l.id = v.line_id
	JOIN journal_entries e ON e.id = l.entry_id
	WHERE e.status = 'POSTED' AND ($1::uuid IS NULL OR e.organization_id = $1)
	GROUP BY e.organization_id, l.account_id, v.ledger_id
), stored AS (
	SELECT organization_id, account_id, ledger_id, balance FROM account_balances
	WHERE $1::uuid IS NULL OR organization_id = $1
)
SELECT COALESCE(x.organization_id, s.organization_id), COALESCE(x.account_id, s.account_id), COALESCE(x.ledger_id, s.ledger_id),
	COALESCE(x.net, 0), COALESCE(s.balance, 0)
FROM expected x
FULL OUTER JOIN stored s ON s.account_id = x.account_id AND s.ledger_id = x.ledger_id
WHERE COALESCE(x.net, 0) <> COALESCE(s.balance, 0)
ORDER BY 1, 2, 3`, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Drift
	for rows.Next() {
		var d Drift
		if err := rows.Scan(&d.OrganizationID, &d.AccountID, &d.LedgerID, &d.Expected, &d.Stored); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// Reconciler reports drift to logs and metrics. Balances are never rewritten here;
// an operator requeues dead letters or replays the outbox instead.
type Reconciler struct {
	finder  DriftFinder
	metrics *jobmetrics.Metrics
	logger  *slog.Logger
}

// NewReconciler constructs a Reconciler.
func NewReconciler(finder DriftFinder, metrics *jobmetrics.Metrics, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{finder: finder, metrics: metrics, logger: logger}
}

// Run checks one organization, or all of them when orgID is nil.
func (r *Reconciler) Run(ctx context.Context, orgID *uuid.UUID) ([]Drift, error) {
	drift, err := r.finder.FindDrift(ctx, orgID)
	if err != nil {
		return nil, err
	}
	r.metrics.SetDrift(len(drift))
	for _, d := range drift {
		r.logger.Warn("balance drift",
			slog.String("organization_id", d.OrganizationID.String()),
			slog.String("account_id", d.AccountID.String()),
			slog.String("ledger_id", d.LedgerID.String()),
			slog.String("expected", d.Expected.String()),
			slog.String("stored", d.Stored.String()))
	}
	r.logger.Info("balance reconciliation finished", slog.Int("drift", len(drift)))
	return drift, nil
}
