package accounting

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-ledger/internal/balances"
	closepkg "github.com/odyssey-erp/odyssey-ledger/internal/close"
	"github.com/odyssey-erp/odyssey-ledger/internal/platform/db"
)

// Repository persists accounting entities.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

type txRepository struct {
	tx pgx.Tx
}

// querier is satisfied by both the pool and a transaction.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// WithTx executes fn within repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil {
		return errors.New("accounting repository not initialised")
	}
	return db.WithTx(ctx, r.pool, func(ctx context.Context, tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
}

// GetJournal loads an entry with lines and valuations.
func (r *Repository) GetJournal(ctx context.Context, orgID, entryID uuid.UUID) (JournalEntry, error) {
	return loadJournal(ctx, r.pool, orgID, entryID, "")
}

// ListJournals returns entry headers.
func (r *Repository) ListJournals(ctx context.Context, f ListFilter) ([]JournalEntry, error) {
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx, `SELECT `+entryColumns+` FROM journal_entries
WHERE organization_id=$1 AND ($2 = '' OR status=$2) AND ($3::date IS NULL OR date >= $3) AND ($4::date IS NULL OR date <= $4)
ORDER BY date DESC, created_at DESC LIMIT $5`, f.OrganizationID, string(f.Status), f.From, f.To, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var entries []JournalEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// ListLedgers returns the organization's ledgers.
func (r *Repository) ListLedgers(ctx context.Context, orgID uuid.UUID) ([]Ledger, error) {
	return listLedgers(ctx, r.pool, orgID)
}

func (r *txRepository) ListLedgers(ctx context.Context, orgID uuid.UUID) ([]Ledger, error) {
	return listLedgers(ctx, r.tx, orgID)
}

func listLedgers(ctx context.Context, q querier, orgID uuid.UUID) ([]Ledger, error) {
	rows, err := q.Query(ctx, `SELECT id, organization_id, name, currency_code, is_default, created_at
FROM ledgers WHERE organization_id=$1 ORDER BY is_default DESC, name`, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Ledger
	for rows.Next() {
		var l Ledger
		if err := rows.Scan(&l.ID, &l.OrganizationID, &l.Name, &l.CurrencyCode, &l.IsDefault, &l.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (r *txRepository) ListMappingRules(ctx context.Context, orgID uuid.UUID) ([]LedgerMappingRule, error) {
	rows, err := r.tx.Query(ctx, `SELECT id, organization_id, source_ledger_id, source_account_id, target_ledger_id, multiplier, is_active
FROM ledger_mapping_rules WHERE organization_id=$1 AND is_active ORDER BY created_at`, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []LedgerMappingRule
	for rows.Next() {
		var m LedgerMappingRule
		if err := rows.Scan(&m.ID, &m.OrganizationID, &m.SourceLedgerID, &m.SourceAccountID, &m.TargetLedgerID, &m.Multiplier, &m.IsActive); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (r *txRepository) ListDimensionRules(ctx context.Context, orgID uuid.UUID, accountIDs []uuid.UUID) ([]DimensionRule, error) {
	rows, err := r.tx.Query(ctx, `SELECT organization_id, account_id, dimension, required
FROM dimension_rules WHERE organization_id=$1 AND account_id = ANY($2::uuid[])`, orgID, uuidStrings(accountIDs))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []DimensionRule
	for rows.Next() {
		var d DimensionRule
		if err := rows.Scan(&d.OrganizationID, &d.AccountID, &d.Dimension, &d.Required); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// LockPeriodForDate takes a share lock so a concurrent close waits for this posting.
func (r *txRepository) LockPeriodForDate(ctx context.Context, orgID uuid.UUID, date time.Time) (closepkg.Period, error) {
	return closepkg.LockPeriodForDate(ctx, r.tx, orgID, date)
}

// LockAccounts share-locks the accounts so block/unblock serialises with posting.
func (r *txRepository) LockAccounts(ctx context.Context, orgID uuid.UUID, ids []uuid.UUID) (map[uuid.UUID]Account, error) {
	rows, err := r.tx.Query(ctx, `SELECT `+AccountColumns+`,
EXISTS (SELECT 1 FROM accounts c WHERE c.parent_id = a.id AND c.is_active) AS has_children
FROM accounts a WHERE a.organization_id=$1 AND a.id = ANY($2::uuid[]) FOR SHARE OF a`, orgID, uuidStrings(ids))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[uuid.UUID]Account, len(ids))
	for rows.Next() {
		a, err := ScanAccount(rows, true)
		if err != nil {
			return nil, err
		}
		out[a.ID] = a
	}
	return out, rows.Err()
}

func (r *txRepository) InsertJournalEntry(ctx context.Context, e JournalEntry) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO journal_entries (`+entryColumns+`)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)`,
		e.ID, e.OrganizationID, e.Date, e.Description, e.Reference, string(e.SourceModule), e.CurrencyCode, e.ExchangeRate,
		string(e.Status), string(e.kind()), e.ReversesEntryID, e.IsReversed, e.ApprovalRequestID, e.CreatedBy, e.PostedBy, e.PostedAt, e.CreatedAt, e.UpdatedAt)
	if err != nil {
		return err
	}
	return r.insertLines(ctx, e)
}

func (r *txRepository) ReplaceJournalLines(ctx context.Context, e JournalEntry) error {
	if _, err := r.tx.Exec(ctx, `DELETE FROM journal_lines WHERE entry_id=$1`, e.ID); err != nil {
		return err
	}
	return r.insertLines(ctx, e)
}

func (r *txRepository) insertLines(ctx context.Context, e JournalEntry) error {
	for _, line := range e.Lines {
		dims, err := json.Marshal(line.Dimensions)
		if err != nil {
			return err
		}
		if _, err := r.tx.Exec(ctx, `INSERT INTO journal_lines (id, entry_id, position, account_id, description, debit, credit, dimensions)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`, line.ID, e.ID, line.Position, line.AccountID, line.Description, line.Debit, line.Credit, dims); err != nil {
			return err
		}
		for _, v := range line.Valuations {
			if _, err := r.tx.Exec(ctx, `INSERT INTO journal_line_valuations (line_id, ledger_id, debit, credit) VALUES ($1,$2,$3,$4)`,
				line.ID, v.LedgerID, v.Debit, v.Credit); err != nil {
				return err
			}
		}
	}
	return nil
}

func (r *txRepository) UpdateJournalStatus(ctx context.Context, e JournalEntry) error {
	tag, err := r.tx.Exec(ctx, `UPDATE journal_entries SET status=$2, approval_request_id=$3, posted_by=$4, posted_at=$5,
exchange_rate=$6, currency_code=$7, updated_at=$8 WHERE id=$1`,
		e.ID, string(e.Status), e.ApprovalRequestID, e.PostedBy, e.PostedAt, e.ExchangeRate, e.CurrencyCode, e.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrJournalNotFound
	}
	return nil
}

func (r *txRepository) GetJournalForUpdate(ctx context.Context, orgID, entryID uuid.UUID) (JournalEntry, error) {
	return loadJournal(ctx, r.tx, orgID, entryID, " FOR UPDATE")
}

func (r *txRepository) MarkReversed(ctx context.Context, entryID uuid.UUID) error {
	tag, err := r.tx.Exec(ctx, `UPDATE journal_entries SET is_reversed=true, updated_at=NOW() WHERE id=$1 AND NOT is_reversed`, entryID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrAlreadyReversed
	}
	return nil
}

// EnqueueBalanceJobs writes the deltas to the outbox in the posting transaction.
func (r *txRepository) EnqueueBalanceJobs(ctx context.Context, jobs []balances.Job) error {
	return balances.WriteOutbox(ctx, r.tx, jobs)
}

func (r *txRepository) InsertLedger(ctx context.Context, l Ledger) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO ledgers (id, organization_id, name, currency_code, is_default, created_at)
VALUES ($1,$2,$3,$4,$5,$6)`, l.ID, l.OrganizationID, l.Name, l.CurrencyCode, l.IsDefault, l.CreatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.ConstraintName == "uq_ledgers_default" {
		return ErrDuplicateDefaultLedger
	}
	return err
}

func (r *txRepository) InsertMappingRule(ctx context.Context, m LedgerMappingRule) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO ledger_mapping_rules (id, organization_id, source_ledger_id, source_account_id, target_ledger_id, multiplier, is_active)
VALUES ($1,$2,$3,$4,$5,$6,$7)`, m.ID, m.OrganizationID, m.SourceLedgerID, m.SourceAccountID, m.TargetLedgerID, m.Multiplier, m.IsActive)
	return err
}

func (r *txRepository) UpsertDimensionRule(ctx context.Context, d DimensionRule) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO dimension_rules (organization_id, account_id, dimension, required)
VALUES ($1,$2,$3,$4) ON CONFLICT (account_id, dimension) DO UPDATE SET required=EXCLUDED.required`,
		d.OrganizationID, d.AccountID, d.Dimension, d.Required)
	return err
}

// PeriodActivity sums posted income and expense valuations dated in [start, end]
// per ledger and account.
func (r *txRepository) PeriodActivity(ctx context.Context, orgID uuid.UUID, start, end time.Time) ([]AccountActivity, error) {
	rows, err := r.tx.Query(ctx, `SELECT v.ledger_id, l.account_id, SUM(v.debit) - SUM(v.credit)
FROM journal_entries e
JOIN journal_lines l ON l.entry_id = e.id
JOIN journal_line_valuations v ON v.line_id = l.id
JOIN accounts a ON a.id = l.account_id
WHERE e.organization_id=$1 AND e.status='POSTED' AND e.date BETWEEN $2 AND $3 AND a.type IN ('REVENUE','EXPENSE')
GROUP BY v.ledger_id, l.account_id
HAVING SUM(v.debit) <> SUM(v.credit)
ORDER BY v.ledger_id, l.account_id`, orgID, start, end)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []AccountActivity
	for rows.Next() {
		var a AccountActivity
		if err := rows.Scan(&a.LedgerID, &a.AccountID, &a.Net); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (r *txRepository) GetSettings(ctx context.Context, orgID uuid.UUID) (Settings, error) {
	return getSettings(ctx, r.tx, orgID)
}

func (r *txRepository) UpsertSettings(ctx context.Context, st Settings) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO ledger_settings (organization_id, retained_earnings_account_id, updated_by, updated_at)
VALUES ($1,$2,$3,$4)
ON CONFLICT (organization_id) DO UPDATE SET retained_earnings_account_id=EXCLUDED.retained_earnings_account_id,
updated_by=EXCLUDED.updated_by, updated_at=EXCLUDED.updated_at`,
		st.OrganizationID, st.RetainedEarningsAccountID, st.UpdatedBy, st.UpdatedAt)
	return err
}

// GetSettings returns the organization's ledger settings, empty when none are stored.
func (r *Repository) GetSettings(ctx context.Context, orgID uuid.UUID) (Settings, error) {
	return getSettings(ctx, r.pool, orgID)
}

func getSettings(ctx context.Context, q querier, orgID uuid.UUID) (Settings, error) {
	st := Settings{OrganizationID: orgID}
	err := q.QueryRow(ctx, `SELECT retained_earnings_account_id, updated_by, updated_at FROM ledger_settings
WHERE organization_id=$1`, orgID).Scan(&st.RetainedEarningsAccountID, &st.UpdatedBy, &st.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return st, nil
	}
	return st, err
}

const entryColumns = `id, organization_id, date, description, reference, source_module, currency_code, exchange_rate, status,
entry_kind, reverses_entry_id, is_reversed, approval_request_id, created_by, posted_by, posted_at, created_at, updated_at`

// AccountColumns lists the accounts columns read by ScanAccount, aliased as a.
const AccountColumns = `a.id, a.organization_id, a.code, a.segments, a.name, a.type, a.nature, a.parent_id, a.is_postable,
a.is_system_account, a.is_blocked_for_posting, a.blocked_by, a.blocked_at, a.is_active, a.created_at, a.updated_at`

// ScanAccount reads AccountColumns, followed by has_children when withChildren is set.
func ScanAccount(row pgx.Row, withChildren bool) (Account, error) {
	var a Account
	var hasChildren bool
	dest := []any{&a.ID, &a.OrganizationID, &a.Code, &a.Segments, &a.Name, &a.Type, &a.Nature, &a.ParentID, &a.IsPostable,
		&a.IsSystemAccount, &a.IsBlockedForPosting, &a.BlockedBy, &a.BlockedAt, &a.IsActive, &a.CreatedAt, &a.UpdatedAt}
	if withChildren {
		dest = append(dest, &hasChildren)
	}
	if err := row.Scan(dest...); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Account{}, ErrAccountNotFound
		}
		return Account{}, err
	}
	a.HasChildren = hasChildren
	return a, nil
}

func scanEntry(row pgx.Row) (JournalEntry, error) {
	var e JournalEntry
	var rate decimal.NullDecimal
	err := row.Scan(&e.ID, &e.OrganizationID, &e.Date, &e.Description, &e.Reference, &e.SourceModule, &e.CurrencyCode, &rate,
		&e.Status, &e.Kind, &e.ReversesEntryID, &e.IsReversed, &e.ApprovalRequestID, &e.CreatedBy, &e.PostedBy, &e.PostedAt, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return JournalEntry{}, ErrJournalNotFound
		}
		return JournalEntry{}, err
	}
	if rate.Valid {
		e.ExchangeRate = &rate.Decimal
	}
	return e, nil
}

func loadJournal(ctx context.Context, q querier, orgID, entryID uuid.UUID, lock string) (JournalEntry, error) {
	e, err := scanEntry(q.QueryRow(ctx, `SELECT `+entryColumns+` FROM journal_entries WHERE organization_id=$1 AND id=$2`+lock, orgID, entryID))
	if err != nil {
		return JournalEntry{}, err
	}
	rows, err := q.Query(ctx, `SELECT id, entry_id, position, account_id, description, debit, credit, dimensions
FROM journal_lines WHERE entry_id=$1 ORDER BY position`, e.ID)
	if err != nil {
		return JournalEntry{}, err
	}
	index := make(map[uuid.UUID]int)
	for rows.Next() {
		var l JournalLine
		var dims []byte
		if err := rows.Scan(&l.ID, &l.EntryID, &l.Position, &l.AccountID, &l.Description, &l.Debit, &l.Credit, &dims); err != nil {
			rows.Close()
			return JournalEntry{}, err
		}
		if len(dims) > 0 {
			if err := json.Unmarshal(dims, &l.Dimensions); err != nil {
				rows.Close()
				return JournalEntry{}, fmt.Errorf("accounting: decode dimensions: %w", err)
			}
		}
		index[l.ID] = len(e.Lines)
		e.Lines = append(e.Lines, l)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return JournalEntry{}, err
	}
	vrows, err := q.Query(ctx, `SELECT v.line_id, v.ledger_id, v.debit, v.credit FROM journal_line_valuations v
JOIN journal_lines l ON l.id = v.line_id WHERE l.entry_id=$1 ORDER BY l.position, v.ledger_id`, e.ID)
	if err != nil {
		return JournalEntry{}, err
	}
	defer vrows.Close()
	for vrows.Next() {
		var lineID uuid.UUID
		var v Valuation
		if err := vrows.Scan(&lineID, &v.LedgerID, &v.Debit, &v.Credit); err != nil {
			return JournalEntry{}, err
		}
		if i, ok := index[lineID]; ok {
			e.Lines[i].Valuations = append(e.Lines[i].Valuations, v)
		}
	}
	return e, vrows.Err()
}

func uuidStrings(ids []uuid.UUID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}
