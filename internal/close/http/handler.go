// Package closehttp exposes period and module close transitions over JSON.
package closehttp

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/odyssey-erp/odyssey-ledger/internal/accounting"
	"github.com/odyssey-erp/odyssey-ledger/internal/close"
	"github.com/odyssey-erp/odyssey-ledger/internal/closing"
	"github.com/odyssey-erp/odyssey-ledger/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
)

const dateLayout = "2006-01-02"

type periodService interface {
	ListPeriods(ctx context.Context, orgID uuid.UUID) ([]close.Period, error)
	GetPeriod(ctx context.Context, orgID, id uuid.UUID) (close.Period, error)
	CreatePeriod(ctx context.Context, in close.CreatePeriodInput) (close.Period, error)
}

type orchestrator interface {
	Close(ctx context.Context, in close.CloseInput) (close.Period, error)
	RequestReopen(ctx context.Context, in close.ReopenInput) (closing.ReopenResult, error)
	CloseModule(ctx context.Context, in close.ModuleInput) (close.Period, error)
	ReopenModule(ctx context.Context, in close.ModuleInput) (close.Period, error)
}

var errorMappings = [][]httpx.ErrorMapping{
	httpx.NotFound(close.ErrPeriodNotFound),
	httpx.Locked(accounting.ErrAccountBlocked),
	httpx.Conflict(close.ErrPeriodAlreadyClosed, close.ErrPeriodNotClosed, close.ErrModuleAlreadyClosed,
		close.ErrModuleNotClosed, close.ErrModulesOpen, close.ErrDraftEntriesExist, close.ErrPeriodOrderingViolation,
		close.ErrPeriodClosed, close.ErrPeriodOverlap, shared.ErrLockHeld, accounting.ErrRetainedEarningsNotSet),
	httpx.Unprocessable(close.ErrReasonRequired, close.ErrInvalidPeriodRange, close.ErrInvalidModule),
}

// Handler wires HTTP endpoints for accounting periods.
type Handler struct {
	logger  *slog.Logger
	periods periodService
	closing orchestrator
	decoder *httpx.Decoder
}

// NewHandler constructs a close HTTP handler.
func NewHandler(logger *slog.Logger, periods periodService, closing orchestrator) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, periods: periods, closing: closing, decoder: httpx.NewDecoder()}
}

// MountRoutes registers HTTP routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/periods", func(r chi.Router) {
		r.Get("/", h.listPeriods)
		r.Post("/", h.createPeriod)
		r.Get("/{id}", h.getPeriod)
		r.Post("/{id}/close", h.closePeriod)
		r.Post("/{id}/reopen", h.reopenPeriod)
		r.Post("/{id}/modules/{module}/close", h.closeModule)
		r.Post("/{id}/modules/{module}/reopen", h.reopenModule)
	})
}

func (h *Handler) listPeriods(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.Identity(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	periods, err := h.periods.ListPeriods(r.Context(), id.OrganizationID)
	if err != nil {
		h.respond(w, "list periods", err)
		return
	}
	year := strings.TrimSpace(r.URL.Query().Get("year"))
	out := make([]periodView, 0, len(periods))
	for _, p := range periods {
		if year != "" && p.StartDate.Format("2006") != year && p.EndDate.Format("2006") != year {
			continue
		}
		out = append(out, newPeriodView(p))
	}
	httpx.JSON(w, http.StatusOK, out)
}

type createPeriodRequest struct {
	Name      string `json:"name" validate:"required,max=50"`
	StartDate string `json:"start_date" validate:"required,datetime=2006-01-02"`
	EndDate   string `json:"end_date" validate:"required,datetime=2006-01-02"`
}

func (h *Handler) createPeriod(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.Identity(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req createPeriodRequest
	if err := h.decoder.Decode(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	start, _ := time.Parse(dateLayout, req.StartDate)
	end, _ := time.Parse(dateLayout, req.EndDate)
	p, err := h.periods.CreatePeriod(r.Context(), close.CreatePeriodInput{
		OrganizationID: id.OrganizationID,
		Name:           strings.TrimSpace(req.Name),
		StartDate:      start,
		EndDate:        end,
	})
	if err != nil {
		h.respond(w, "create period", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, newPeriodView(p))
}

func (h *Handler) getPeriod(w http.ResponseWriter, r *http.Request) {
	id, periodID, ok := h.ref(w, r)
	if !ok {
		return
	}
	p, err := h.periods.GetPeriod(r.Context(), id.OrganizationID, periodID)
	if err != nil {
		h.respond(w, "get period", err)
		return
	}
	httpx.JSON(w, http.StatusOK, newPeriodView(p))
}

func (h *Handler) closePeriod(w http.ResponseWriter, r *http.Request) {
	id, periodID, ok := h.ref(w, r)
	if !ok {
		return
	}
	p, err := h.closing.Close(r.Context(), close.CloseInput{OrganizationID: id.OrganizationID, PeriodID: periodID, ActorID: id.ActorID})
	if err != nil {
		h.respond(w, "close period", err)
		return
	}
	httpx.JSON(w, http.StatusOK, newPeriodView(p))
}

type reopenRequest struct {
	Reason  string   `json:"reason" validate:"required,min=3,max=500"`
	Modules []string `json:"modules" validate:"dive,oneof=GL AP AR INVENTORY"`
}

type reopenResponse struct {
	Period    periodView `json:"period"`
	Pending   bool       `json:"pending"`
	RequestID *uuid.UUID `json:"request_id,omitempty"`
}

func (h *Handler) reopenPeriod(w http.ResponseWriter, r *http.Request) {
	id, periodID, ok := h.ref(w, r)
	if !ok {
		return
	}
	var req reopenRequest
	if err := h.decoder.Decode(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	in := close.ReopenInput{OrganizationID: id.OrganizationID, PeriodID: periodID, ActorID: id.ActorID, Reason: req.Reason}
	for _, m := range req.Modules {
		in.Modules = append(in.Modules, close.Module(m))
	}
	res, err := h.closing.RequestReopen(r.Context(), in)
	if err != nil {
		h.respond(w, "reopen period", err)
		return
	}
	status := http.StatusOK
	if res.Pending {
		status = http.StatusAccepted
	}
	httpx.JSON(w, status, reopenResponse{Period: newPeriodView(res.Period), Pending: res.Pending, RequestID: res.RequestID})
}

func (h *Handler) closeModule(w http.ResponseWriter, r *http.Request) {
	h.moduleTransition(w, r, "close module", h.closing.CloseModule)
}

func (h *Handler) reopenModule(w http.ResponseWriter, r *http.Request) {
	h.moduleTransition(w, r, "reopen module", h.closing.ReopenModule)
}

func (h *Handler) moduleTransition(w http.ResponseWriter, r *http.Request, op string, apply func(context.Context, close.ModuleInput) (close.Period, error)) {
	id, periodID, ok := h.ref(w, r)
	if !ok {
		return
	}
	module, err := close.ParseModule(chi.URLParam(r, "module"))
	if err != nil {
		h.respond(w, op, err)
		return
	}
	p, err := apply(r.Context(), close.ModuleInput{OrganizationID: id.OrganizationID, PeriodID: periodID, Module: module, ActorID: id.ActorID})
	if err != nil {
		h.respond(w, op, err)
		return
	}
	httpx.JSON(w, http.StatusOK, newPeriodView(p))
}

func (h *Handler) ref(w http.ResponseWriter, r *http.Request) (shared.Identity, uuid.UUID, bool) {
	id, err := httpx.Identity(r)
	if err != nil {
		httpx.RespondError(w, err)
		return shared.Identity{}, uuid.Nil, false
	}
	periodID, err := httpx.URLUUID(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return shared.Identity{}, uuid.Nil, false
	}
	return id, periodID, true
}

func (h *Handler) respond(w http.ResponseWriter, op string, err error) {
	h.logger.Warn(op, slog.Any("error", err))
	httpx.RespondDomainError(w, err, errorMappings...)
}

type moduleView struct {
	Module   close.Module `json:"module"`
	Status   close.Status `json:"status"`
	ClosedBy *uuid.UUID   `json:"closed_by,omitempty"`
	ClosedAt *time.Time   `json:"closed_at,omitempty"`
}

type periodView struct {
	ID           uuid.UUID    `json:"id"`
	Name         string       `json:"name"`
	StartDate    string       `json:"start_date"`
	EndDate      string       `json:"end_date"`
	Status       close.Status `json:"status"`
	ClosedBy     *uuid.UUID   `json:"closed_by,omitempty"`
	ClosedAt     *time.Time   `json:"closed_at,omitempty"`
	ReopenedBy   *uuid.UUID   `json:"reopened_by,omitempty"`
	ReopenedAt   *time.Time   `json:"reopened_at,omitempty"`
	ReopenReason string       `json:"reopen_reason,omitempty"`
	ClosingEntry *uuid.UUID   `json:"closing_entry_id,omitempty"`
	Modules      []moduleView `json:"modules"`
}

func newPeriodView(p close.Period) periodView {
	v := periodView{
		ID:           p.ID,
		Name:         p.Name,
		StartDate:    p.StartDate.Format(dateLayout),
		EndDate:      p.EndDate.Format(dateLayout),
		Status:       p.Status,
		ClosedBy:     p.ClosedBy,
		ClosedAt:     p.ClosedAt,
		ReopenedBy:   p.ReopenedBy,
		ReopenedAt:   p.ReopenedAt,
		ReopenReason: p.ReopenReason,
		ClosingEntry: p.ClosingEntryID,
	}
	for _, m := range close.Modules() {
		ms := moduleView{Module: m, Status: p.ModuleState(m)}
		for _, stored := range p.Modules {
			if stored.Module == m {
				ms.ClosedBy, ms.ClosedAt = stored.ClosedBy, stored.ClosedAt
			}
		}
		v.Modules = append(v.Modules, ms)
	}
	return v
}
