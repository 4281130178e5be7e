package workflow

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-ledger/internal/platform/db"
)

// Repository persists approval policies and requests.
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

type stepRecord struct {
	Order        int             `json:"order"`
	ApproverRole string          `json:"approver_role"`
	MinAmount    decimal.Decimal `json:"min_amount"`
}

// WithTx executes fn within a read-committed transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil {
		return errors.New("workflow repository not initialised")
	}
	return db.WithTxOptions(ctx, r.pool, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(ctx context.Context, tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
}

const requestColumns = `id, organization_id, policy_id, document_id, document_type, amount, status, steps, current_step,
requested_by, metadata, decided_by, decided_at, rejection_reason, created_at, updated_at`

// GetRequest loads a request outside a transaction.
func (r *Repository) GetRequest(ctx context.Context, orgID, id uuid.UUID) (Request, error) {
	return scanRequest(r.pool.QueryRow(ctx, `SELECT `+requestColumns+` FROM approval_requests WHERE organization_id=$1 AND id=$2`, orgID, id))
}

// ListRequests returns requests for an organization, optionally by status.
func (r *Repository) ListRequests(ctx context.Context, orgID uuid.UUID, status RequestStatus) ([]Request, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+requestColumns+` FROM approval_requests
WHERE organization_id=$1 AND ($2 = '' OR status=$2) ORDER BY created_at DESC LIMIT 500`, orgID, string(status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Request
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

// ListLogs returns approval history in order.
func (r *Repository) ListLogs(ctx context.Context, requestID uuid.UUID) ([]LogEntry, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, request_id, actor_id, action, step, note, at
FROM approval_logs WHERE request_id=$1 ORDER BY at ASC`, requestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var logs []LogEntry
	for rows.Next() {
		var l LogEntry
		var action string
		if err := rows.Scan(&l.ID, &l.RequestID, &l.ActorID, &action, &l.Step, &l.Note, &l.At); err != nil {
			return nil, err
		}
		l.Action = Action(action)
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

func (r *txRepository) ActivePolicy(ctx context.Context, orgID uuid.UUID, docType DocumentType) (PolicyDefinition, bool, error) {
	var def PolicyDefinition
	var steps []byte
	err := r.tx.QueryRow(ctx, `SELECT id, organization_id, document_type, name, steps, is_active, created_at
FROM approval_policies WHERE organization_id=$1 AND document_type=$2 AND is_active ORDER BY created_at DESC LIMIT 1`,
		orgID, string(docType)).Scan(&def.ID, &def.OrganizationID, &def.DocumentType, &def.Name, &steps, &def.IsActive, &def.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return PolicyDefinition{}, false, nil
		}
		return PolicyDefinition{}, false, err
	}
	if def.Steps, err = decodeSteps(steps); err != nil {
		return PolicyDefinition{}, false, err
	}
	return def, true, nil
}

func (r *txRepository) InsertPolicy(ctx context.Context, def PolicyDefinition) error {
	steps, err := encodeSteps(def.Steps)
	if err != nil {
		return err
	}
	if _, err := r.tx.Exec(ctx, `UPDATE approval_policies SET is_active=false WHERE organization_id=$1 AND document_type=$2 AND is_active`,
		def.OrganizationID, string(def.DocumentType)); err != nil {
		return err
	}
	_, err = r.tx.Exec(ctx, `INSERT INTO approval_policies (id, organization_id, document_type, name, steps, is_active, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7)`, def.ID, def.OrganizationID, string(def.DocumentType), def.Name, steps, def.IsActive, def.CreatedAt)
	return err
}

func (r *txRepository) InsertRequest(ctx context.Context, req Request) error {
	steps, err := encodeSteps(req.Steps)
	if err != nil {
		return err
	}
	meta, err := json.Marshal(req.Metadata)
	if err != nil {
		return err
	}
	_, err = r.tx.Exec(ctx, `INSERT INTO approval_requests (`+requestColumns+`)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`,
		req.ID, req.OrganizationID, req.PolicyID, req.DocumentID, string(req.DocumentType), req.Amount, string(req.Status),
		steps, req.CurrentStep, req.RequestedBy, meta, req.DecidedBy, req.DecidedAt, req.RejectionReason, req.CreatedAt, req.UpdatedAt)
	return err
}

func (r *txRepository) GetRequestForUpdate(ctx context.Context, orgID, id uuid.UUID) (Request, error) {
	return scanRequest(r.tx.QueryRow(ctx, `SELECT `+requestColumns+` FROM approval_requests WHERE organization_id=$1 AND id=$2 FOR UPDATE`, orgID, id))
}

func (r *txRepository) UpdateRequest(ctx context.Context, req Request) error {
	_, err := r.tx.Exec(ctx, `UPDATE approval_requests SET status=$2, current_step=$3, decided_by=$4, decided_at=$5,
rejection_reason=$6, updated_at=$7 WHERE id=$1`,
		req.ID, string(req.Status), req.CurrentStep, req.DecidedBy, req.DecidedAt, req.RejectionReason, req.UpdatedAt)
	return err
}

func (r *txRepository) InsertLog(ctx context.Context, entry LogEntry) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO approval_logs (id, request_id, actor_id, action, step, note, at)
VALUES ($1,$2,$3,$4,$5,$6,$7)`, entry.ID, entry.RequestID, entry.ActorID, string(entry.Action), entry.Step, entry.Note, entry.At)
	return err
}

func scanRequest(row pgx.Row) (Request, error) {
	var req Request
	var steps, meta []byte
	err := row.Scan(&req.ID, &req.OrganizationID, &req.PolicyID, &req.DocumentID, &req.DocumentType, &req.Amount, &req.Status,
		&steps, &req.CurrentStep, &req.RequestedBy, &meta, &req.DecidedBy, &req.DecidedAt, &req.RejectionReason, &req.CreatedAt, &req.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Request{}, ErrRequestNotFound
		}
		return Request{}, err
	}
	if req.Steps, err = decodeSteps(steps); err != nil {
		return Request{}, err
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &req.Metadata); err != nil {
			return Request{}, err
		}
	}
	return req, nil
}

func encodeSteps(steps []Step) ([]byte, error) {
	records := make([]stepRecord, len(steps))
	for i, s := range steps {
		records[i] = stepRecord{Order: s.Order, ApproverRole: s.ApproverRole, MinAmount: s.MinAmount}
	}
	return json.Marshal(records)
}

func decodeSteps(data []byte) ([]Step, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var records []stepRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, err
	}
	steps := make([]Step, len(records))
	for i, r := range records {
		steps[i] = Step{Order: r.Order, ApproverRole: r.ApproverRole, MinAmount: r.MinAmount}
	}
	return steps, nil
}
