package accounts

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/odyssey-ledger/internal/accounting"
	"github.com/odyssey-erp/odyssey-ledger/internal/platform/db"
)

// Repository persists the chart of accounts.
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

// WithTx executes fn within a repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.pool, func(ctx context.Context, tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
}

const accountSelect = `SELECT ` + accounting.AccountColumns + `,
EXISTS (SELECT 1 FROM accounts c WHERE c.parent_id = a.id AND c.is_active) AS has_children
FROM accounts a`

// ListAccounts returns the organization's accounts ordered by code.
func (r *Repository) ListAccounts(ctx context.Context, orgID uuid.UUID) ([]accounting.Account, error) {
	rows, err := r.pool.Query(ctx, accountSelect+` WHERE a.organization_id=$1 ORDER BY a.code`, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []accounting.Account
	for rows.Next() {
		a, err := accounting.ScanAccount(rows, true)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// GetAccount loads one account.
func (r *Repository) GetAccount(ctx context.Context, orgID, id uuid.UUID) (accounting.Account, error) {
	return accounting.ScanAccount(r.pool.QueryRow(ctx, accountSelect+` WHERE a.organization_id=$1 AND a.id=$2`, orgID, id), true)
}

// ListSegments returns the code layout.
func (r *Repository) ListSegments(ctx context.Context, orgID uuid.UUID) ([]SegmentDefinition, error) {
	return listSegments(ctx, r.pool, orgID)
}

// ListHierarchy returns the version log oldest first.
func (r *Repository) ListHierarchy(ctx context.Context, accountID uuid.UUID) ([]HierarchyVersion, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, account_id, parent_id, effective_from, changed_by, created_at
FROM account_hierarchy_versions WHERE account_id=$1 ORDER BY effective_from, created_at`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []HierarchyVersion
	for rows.Next() {
		var v HierarchyVersion
		if err := rows.Scan(&v.ID, &v.AccountID, &v.ParentID, &v.EffectiveFrom, &v.ChangedBy, &v.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// ListBlockAudit returns the posting block trail oldest first.
func (r *Repository) ListBlockAudit(ctx context.Context, accountID uuid.UUID) ([]BlockAudit, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, organization_id, account_id, previous_value, new_value, actor_id, reason, changed_at
FROM account_block_audit WHERE account_id=$1 ORDER BY changed_at`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []BlockAudit
	for rows.Next() {
		var a BlockAudit
		if err := rows.Scan(&a.ID, &a.OrganizationID, &a.AccountID, &a.Previous, &a.Blocked, &a.ActorID, &a.Reason, &a.At); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (r *txRepository) ListSegments(ctx context.Context, orgID uuid.UUID) ([]SegmentDefinition, error) {
	return listSegments(ctx, r.tx, orgID)
}

func (r *txRepository) ReplaceSegments(ctx context.Context, orgID uuid.UUID, defs []SegmentDefinition) error {
	if _, err := r.tx.Exec(ctx, `DELETE FROM account_segment_definitions WHERE organization_id=$1`, orgID); err != nil {
		return err
	}
	batch := &pgx.Batch{}
	for _, d := range defs {
		batch.Queue(`INSERT INTO account_segment_definitions (organization_id, position, name, length) VALUES ($1,$2,$3,$4)`,
			orgID, d.Position, d.Name, d.Length)
	}
	return r.tx.SendBatch(ctx, batch).Close()
}

func (r *txRepository) CountAccounts(ctx context.Context, orgID uuid.UUID) (int, error) {
	var n int
	err := r.tx.QueryRow(ctx, `SELECT COUNT(*) FROM accounts WHERE organization_id=$1`, orgID).Scan(&n)
	return n, err
}

func (r *txRepository) CodeExists(ctx context.Context, orgID uuid.UUID, code string) (bool, error) {
	var exists bool
	err := r.tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM accounts WHERE organization_id=$1 AND code=$2)`, orgID, code).Scan(&exists)
	return exists, err
}

func (r *txRepository) GetAccountForUpdate(ctx context.Context, orgID, id uuid.UUID) (accounting.Account, error) {
	return accounting.ScanAccount(r.tx.QueryRow(ctx, accountSelect+` WHERE a.organization_id=$1 AND a.id=$2 FOR UPDATE OF a`, orgID, id), true)
}

func (r *txRepository) InsertAccount(ctx context.Context, a accounting.Account) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO accounts (id, organization_id, code, segments, name, type, nature, parent_id, is_postable,
is_system_account, is_blocked_for_posting, is_active, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,FALSE,$11,$12,$13)`,
		a.ID, a.OrganizationID, a.Code, a.Segments, a.Name, a.Type, a.Nature, a.ParentID, a.IsPostable,
		a.IsSystemAccount, a.IsActive, a.CreatedAt, a.UpdatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrDuplicateCode
	}
	return err
}

func (r *txRepository) UpdateAccount(ctx context.Context, a accounting.Account) error {
	_, err := r.tx.Exec(ctx, `UPDATE accounts SET name=$2, parent_id=$3, is_postable=$4, is_blocked_for_posting=$5,
blocked_by=$6, blocked_at=$7, is_active=$8, updated_at=$9 WHERE id=$1`,
		a.ID, a.Name, a.ParentID, a.IsPostable, a.IsBlockedForPosting, a.BlockedBy, a.BlockedAt, a.IsActive, a.UpdatedAt)
	return err
}

func (r *txRepository) HasPostings(ctx context.Context, accountID uuid.UUID) (bool, error) {
	var exists bool
	err := r.tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM journal_lines WHERE account_id=$1)`, accountID).Scan(&exists)
	return exists, err
}

func (r *txRepository) LatestHierarchy(ctx context.Context, accountID uuid.UUID) (HierarchyVersion, bool, error) {
	var v HierarchyVersion
	err := r.tx.QueryRow(ctx, `SELECT id, account_id, parent_id, effective_from, changed_by, created_at
FROM account_hierarchy_versions WHERE account_id=$1 ORDER BY effective_from DESC, created_at DESC LIMIT 1`, accountID).
		Scan(&v.ID, &v.AccountID, &v.ParentID, &v.EffectiveFrom, &v.ChangedBy, &v.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return HierarchyVersion{}, false, nil
	}
	if err != nil {
		return HierarchyVersion{}, false, err
	}
	return v, true, nil
}

func (r *txRepository) AppendHierarchy(ctx context.Context, v HierarchyVersion) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO account_hierarchy_versions (id, account_id, parent_id, effective_from, changed_by, created_at)
VALUES ($1,$2,$3,$4,$5,$6)`, v.ID, v.AccountID, v.ParentID, v.EffectiveFrom, v.ChangedBy, v.CreatedAt)
	return err
}

func (r *txRepository) InsertBlockAudit(ctx context.Context, a BlockAudit) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO account_block_audit (id, organization_id, account_id, previous_value, new_value, actor_id, reason, changed_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`, a.ID, a.OrganizationID, a.AccountID, a.Previous, a.Blocked, a.ActorID, a.Reason, a.At)
	return err
}

type rowsQuerier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func listSegments(ctx context.Context, q rowsQuerier, orgID uuid.UUID) ([]SegmentDefinition, error) {
	rows, err := q.Query(ctx, `SELECT organization_id, position, name, length FROM account_segment_definitions
WHERE organization_id=$1 ORDER BY position`, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []SegmentDefinition
	for rows.Next() {
		var d SegmentDefinition
		if err := rows.Scan(&d.OrganizationID, &d.Position, &d.Name, &d.Length); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
