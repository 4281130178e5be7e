package balances

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-ledger/internal/fx"
	"github.com/odyssey-erp/odyssey-ledger/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
)

type balanceLister interface {
	List(ctx context.Context, orgID, ledgerID uuid.UUID) ([]Balance, error)
}

type accountReporter interface {
	AccountTotal(ctx context.Context, orgID, accountID uuid.UUID, currency string, asOf time.Time) (AccountReport, error)
}

type deadLetterQueue interface {
	List(page, perPage int) ([]DeadLetter, shared.Pagination, error)
	Requeue(taskID string) error
	RequeueAll() (int, error)
	Stats() (QueueStats, error)
}

type driftRunner interface {
	Run(ctx context.Context, orgID *uuid.UUID) ([]Drift, error)
}

var errorMappings = [][]httpx.ErrorMapping{
	httpx.NotFound(asynq.ErrTaskNotFound, asynq.ErrQueueNotFound),
	httpx.Unprocessable(fx.ErrRateMissing, fx.ErrInvalidRate),
}

// Handler serves the balance cache, reports and the dead-letter console.
type Handler struct {
	logger      *slog.Logger
	balances    balanceLister
	reporter    accountReporter
	deadLetters deadLetterQueue
	reconciler  driftRunner
}

// NewHandler constructs a Handler.
func NewHandler(logger *slog.Logger, balances balanceLister, reporter accountReporter, deadLetters deadLetterQueue, reconciler driftRunner) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, balances: balances, reporter: reporter, deadLetters: deadLetters, reconciler: reconciler}
}

// MountRoutes registers balance routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/balances", func(r chi.Router) {
		r.Get("/", h.list)
		r.Get("/accounts/{id}", h.accountTotal)
		r.Post("/reconcile", h.reconcile)
	})
	r.Route("/dead-letters", func(r chi.Router) {
		r.Get("/", h.listDeadLetters)
		r.Get("/stats", h.stats)
		r.Post("/requeue", h.requeueAll)
		r.Post("/{taskID}/requeue", h.requeue)
	})
}

type balanceView struct {
	AccountID uuid.UUID       `json:"account_id"`
	LedgerID  uuid.UUID       `json:"ledger_id"`
	Balance   decimal.Decimal `json:"balance"`
	Version   int64           `json:"version"`
	UpdatedAt time.Time       `json:"updated_at"`
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.Identity(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	ledgerID, err := uuid.Parse(r.URL.Query().Get("ledger_id"))
	if err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: ledger_id must be a uuid", httpx.ErrValidation))
		return
	}
	rows, err := h.balances.List(r.Context(), id.OrganizationID, ledgerID)
	if err != nil {
		h.respond(w, "list balances", err)
		return
	}
	out := make([]balanceView, len(rows))
	for i, b := range rows {
		out[i] = balanceView{AccountID: b.AccountID, LedgerID: b.LedgerID, Balance: b.Balance, Version: b.Version, UpdatedAt: b.UpdatedAt}
	}
	httpx.JSON(w, http.StatusOK, out)
}

func (h *Handler) accountTotal(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.Identity(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	accountID, err := httpx.URLUUID(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	q := r.URL.Query()
	currency := strings.TrimSpace(q.Get("currency"))
	if currency == "" {
		httpx.RespondError(w, fmt.Errorf("%w: currency is required", httpx.ErrValidation))
		return
	}
	asOf := time.Now().UTC()
	if raw := q.Get("as_of"); raw != "" {
		if asOf, err = time.Parse("2006-01-02", raw); err != nil {
			httpx.RespondError(w, fmt.Errorf("%w: as_of must be YYYY-MM-DD", httpx.ErrValidation))
			return
		}
	}
	report, err := h.reporter.AccountTotal(r.Context(), id.OrganizationID, accountID, currency, asOf)
	if err != nil {
		h.respond(w, "account balance report", err)
		return
	}
	type ledgerView struct {
		LedgerID uuid.UUID       `json:"ledger_id"`
		Currency string          `json:"currency"`
		Balance  decimal.Decimal `json:"balance"`
		Version  int64           `json:"version"`
	}
	ledgers := make([]ledgerView, len(report.Ledgers))
	for i, l := range report.Ledgers {
		ledgers[i] = ledgerView{LedgerID: l.LedgerID, Currency: l.Currency, Balance: l.Balance, Version: l.Version}
	}
	skipped := make([]string, 0, len(report.Total.Skipped))
	for _, s := range report.Total.Skipped {
		skipped = append(skipped, s.Key)
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"account_id":      report.AccountID,
		"ledgers":         ledgers,
		"currency":        report.Total.Currency,
		"total":           report.Total.Total,
		"skipped_ledgers": skipped,
		"as_of":           asOf.Format("2006-01-02"),
	})
}

func (h *Handler) reconcile(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.Identity(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	drift, err := h.reconciler.Run(r.Context(), &id.OrganizationID)
	if err != nil {
		h.respond(w, "reconcile balances", err)
		return
	}
	type driftView struct {
		AccountID  uuid.UUID       `json:"account_id"`
		LedgerID   uuid.UUID       `json:"ledger_id"`
		Expected   decimal.Decimal `json:"expected"`
		Stored     decimal.Decimal `json:"stored"`
		Difference decimal.Decimal `json:"difference"`
	}
	out := make([]driftView, len(drift))
	for i, d := range drift {
		out[i] = driftView{AccountID: d.AccountID, LedgerID: d.LedgerID, Expected: d.Expected, Stored: d.Stored, Difference: d.Difference()}
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"drift": out})
}

type deadLetterView struct {
	TaskID         string          `json:"task_id"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	OrganizationID uuid.UUID       `json:"organization_id"`
	JournalEntryID uuid.UUID       `json:"journal_entry_id"`
	AccountID      uuid.UUID       `json:"account_id"`
	LedgerID       uuid.UUID       `json:"ledger_id"`
	NetChange      decimal.Decimal `json:"net_change"`
	Retried        int             `json:"retried"`
	MaxRetry       int             `json:"max_retry"`
	LastError      string          `json:"last_error"`
	LastFailedAt   time.Time       `json:"last_failed_at"`
}

func (h *Handler) listDeadLetters(w http.ResponseWriter, r *http.Request) {
	if _, err := httpx.Identity(r); err != nil {
		httpx.RespondError(w, err)
		return
	}
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	perPage, _ := strconv.Atoi(r.URL.Query().Get("per_page"))
	items, pg, err := h.deadLetters.List(page, perPage)
	if err != nil {
		h.respond(w, "list dead letters", err)
		return
	}
	out := make([]deadLetterView, len(items))
	for i, d := range items {
		out[i] = deadLetterView{
			TaskID:         d.TaskID,
			IdempotencyKey: d.Job.IdempotencyKey,
			OrganizationID: d.Job.OrganizationID,
			JournalEntryID: d.Job.JournalEntryID,
			AccountID:      d.Job.AccountID,
			LedgerID:       d.Job.LedgerID,
			NetChange:      d.Job.NetChange,
			Retried:        d.Retried,
			MaxRetry:       d.MaxRetry,
			LastError:      d.LastError,
			LastFailedAt:   d.LastFailedAt,
		}
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"items":       out,
		"page":        pg.Page,
		"per_page":    pg.PerPage,
		"total":       pg.Total,
		"total_pages": pg.TotalPages,
		"has_next":    pg.HasNext(),
	})
}

func (h *Handler) stats(w http.ResponseWriter, r *http.Request) {
	if _, err := httpx.Identity(r); err != nil {
		httpx.RespondError(w, err)
		return
	}
	s, err := h.deadLetters.Stats()
	if err != nil {
		h.respond(w, "queue stats", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]int{
		"pending":   s.Pending,
		"active":    s.Active,
		"scheduled": s.Scheduled,
		"retry":     s.Retry,
		"archived":  s.Archived,
		"completed": s.Completed,
	})
}

func (h *Handler) requeue(w http.ResponseWriter, r *http.Request) {
	if _, err := httpx.Identity(r); err != nil {
		httpx.RespondError(w, err)
		return
	}
	taskID := chi.URLParam(r, "taskID")
	if err := h.deadLetters.Requeue(taskID); err != nil {
		h.respond(w, "requeue dead letter", err)
		return
	}
	h.logger.Info("dead letter requeued", slog.String("task_id", taskID))
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) requeueAll(w http.ResponseWriter, r *http.Request) {
	if _, err := httpx.Identity(r); err != nil {
		httpx.RespondError(w, err)
		return
	}
	n, err := h.deadLetters.RequeueAll()
	if err != nil {
		h.respond(w, "requeue dead letters", err)
		return
	}
	h.logger.Info("dead letters requeued", slog.Int("count", n))
	httpx.JSON(w, http.StatusOK, map[string]int{"requeued": n})
}

func (h *Handler) respond(w http.ResponseWriter, op string, err error) {
	if errors.Is(err, context.Canceled) {
		return
	}
	h.logger.Warn(op, slog.Any("error", err))
	httpx.RespondDomainError(w, err, errorMappings...)
}
