package reports

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/odyssey-erp/odyssey-ledger/internal/platform/httpx"
)

type reportService interface {
	TrialBalance(ctx context.Context, orgID, ledgerID uuid.UUID) (TrialBalance, error)
	ProfitAndLoss(ctx context.Context, orgID, ledgerID uuid.UUID) (ProfitAndLoss, error)
	BalanceSheet(ctx context.Context, orgID, ledgerID uuid.UUID) (BalanceSheet, error)
}

// Handler serves financial statements built from the balance cache.
type Handler struct {
	logger  *slog.Logger
	service reportService
}

// NewHandler constructs a Handler.
func NewHandler(logger *slog.Logger, service reportService) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers report routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/reports", func(r chi.Router) {
		r.Get("/trial-balance", serve(h, "trial balance", h.service.TrialBalance))
		r.Get("/profit-and-loss", serve(h, "profit and loss", h.service.ProfitAndLoss))
		r.Get("/balance-sheet", serve(h, "balance sheet", h.service.BalanceSheet))
	})
}

func serve[T any](h *Handler, name string, build func(context.Context, uuid.UUID, uuid.UUID) (T, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
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
		report, err := build(r.Context(), id.OrganizationID, ledgerID)
		if err != nil {
			h.logger.Error(name, slog.Any("error", err))
			httpx.RespondError(w, err)
			return
		}
		httpx.JSON(w, http.StatusOK, report)
	}
}
