package accounts

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/odyssey-erp/odyssey-ledger/internal/accounting"
	"github.com/odyssey-erp/odyssey-ledger/internal/platform/httpx"
)

const dateLayout = "2006-01-02"

type accountService interface {
	ConfigureSegments(ctx context.Context, orgID uuid.UUID, defs []SegmentDefinition) ([]SegmentDefinition, error)
	Segments(ctx context.Context, orgID uuid.UUID) ([]SegmentDefinition, error)
	Create(ctx context.Context, in CreateInput) (accounting.Account, error)
	List(ctx context.Context, orgID uuid.UUID) ([]accounting.Account, error)
	Get(ctx context.Context, orgID, id uuid.UUID) (accounting.Account, error)
	Reparent(ctx context.Context, in ReparentInput) (accounting.Account, error)
	History(ctx context.Context, orgID, id uuid.UUID) ([]HierarchyVersion, error)
	ParentAt(ctx context.Context, orgID, id uuid.UUID, at time.Time) (*uuid.UUID, bool, error)
	BlockForPosting(ctx context.Context, in BlockInput) (accounting.Account, error)
	UnblockForPosting(ctx context.Context, in BlockInput) (accounting.Account, error)
	BlockTrail(ctx context.Context, orgID, id uuid.UUID) ([]BlockAudit, error)
	Deactivate(ctx context.Context, orgID, id, actorID uuid.UUID) (accounting.Account, error)
}

var errorMappings = [][]httpx.ErrorMapping{
	httpx.NotFound(accounting.ErrAccountNotFound),
	httpx.Conflict(ErrDuplicateCode, ErrSegmentsInUse, ErrHierarchyCycle, ErrHierarchyOutOfOrder,
		ErrAccountHasPostings, ErrAccountHasChildren, ErrSystemAccount, ErrAlreadyBlocked, ErrNotBlocked),
	httpx.Unprocessable(ErrSegmentsNotConfigured, ErrInvalidSegments, ErrNatureMismatch, ErrParentNotFound,
		accounting.ErrInvalidAccountType),
}

// Handler serves the chart of accounts.
type Handler struct {
	logger  *slog.Logger
	service accountService
	decoder *httpx.Decoder
}

// NewHandler constructs a Handler.
func NewHandler(logger *slog.Logger, service accountService) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, decoder: httpx.NewDecoder()}
}

// MountRoutes registers account routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/account-segments", h.segments)
	r.Put("/account-segments", h.configureSegments)
	r.Route("/accounts", func(r chi.Router) {
		r.Get("/", h.list)
		r.Post("/", h.create)
		r.Get("/{id}", h.get)
		r.Post("/{id}/reparent", h.reparent)
		r.Get("/{id}/hierarchy", h.history)
		r.Get("/{id}/parent", h.parentAt)
		r.Post("/{id}/block", h.block)
		r.Post("/{id}/unblock", h.unblock)
		r.Get("/{id}/block-trail", h.blockTrail)
		r.Post("/{id}/deactivate", h.deactivate)
	})
}

type segmentRequest struct {
	Segments []struct {
		Name   string `json:"name" validate:"required,max=50"`
		Length int    `json:"length" validate:"required,min=1,max=20"`
	} `json:"segments" validate:"required,min=1,dive"`
}

func (h *Handler) configureSegments(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.Identity(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req segmentRequest
	if err := h.decoder.Decode(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	defs := make([]SegmentDefinition, len(req.Segments))
	for i, s := range req.Segments {
		defs[i] = SegmentDefinition{OrganizationID: id.OrganizationID, Position: i + 1, Name: s.Name, Length: s.Length}
	}
	out, err := h.service.ConfigureSegments(r.Context(), id.OrganizationID, defs)
	if err != nil {
		h.respond(w, "configure segments", err)
		return
	}
	httpx.JSON(w, http.StatusOK, out)
}

func (h *Handler) segments(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.Identity(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	out, err := h.service.Segments(r.Context(), id.OrganizationID)
	if err != nil {
		h.respond(w, "list segments", err)
		return
	}
	httpx.JSON(w, http.StatusOK, out)
}

type createRequest struct {
	Segments        []string   `json:"segments" validate:"required,min=1"`
	Name            string     `json:"name" validate:"required,max=200"`
	Type            string     `json:"type" validate:"required,oneof=ASSET LIABILITY EQUITY REVENUE EXPENSE"`
	Nature          string     `json:"nature" validate:"omitempty,oneof=DEBIT CREDIT"`
	ParentID        *uuid.UUID `json:"parent_id"`
	IsPostable      bool       `json:"is_postable"`
	IsSystemAccount bool       `json:"is_system_account"`
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.Identity(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req createRequest
	if err := h.decoder.Decode(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	account, err := h.service.Create(r.Context(), CreateInput{
		OrganizationID:  id.OrganizationID,
		Segments:        req.Segments,
		Name:            req.Name,
		Type:            accounting.AccountType(req.Type),
		Nature:          accounting.AccountNature(req.Nature),
		ParentID:        req.ParentID,
		IsPostable:      req.IsPostable,
		IsSystemAccount: req.IsSystemAccount,
		ActorID:         id.ActorID,
	})
	if err != nil {
		h.respond(w, "create account", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, newAccountView(account))
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.Identity(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	list, err := h.service.List(r.Context(), id.OrganizationID)
	if err != nil {
		h.respond(w, "list accounts", err)
		return
	}
	out := make([]accountView, len(list))
	for i, a := range list {
		out[i] = newAccountView(a)
	}
	httpx.JSON(w, http.StatusOK, out)
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	orgID, accountID, ok := h.ref(w, r)
	if !ok {
		return
	}
	account, err := h.service.Get(r.Context(), orgID, accountID)
	if err != nil {
		h.respond(w, "get account", err)
		return
	}
	httpx.JSON(w, http.StatusOK, newAccountView(account))
}

type reparentRequest struct {
	ParentID      *uuid.UUID `json:"parent_id"`
	EffectiveFrom string     `json:"effective_from" validate:"required,datetime=2006-01-02"`
}

func (h *Handler) reparent(w http.ResponseWriter, r *http.Request) {
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
	var req reparentRequest
	if err := h.decoder.Decode(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	effective, _ := time.Parse(dateLayout, req.EffectiveFrom)
	account, err := h.service.Reparent(r.Context(), ReparentInput{
		OrganizationID: id.OrganizationID,
		AccountID:      accountID,
		ParentID:       req.ParentID,
		EffectiveFrom:  effective,
		ActorID:        id.ActorID,
	})
	if err != nil {
		h.respond(w, "reparent account", err)
		return
	}
	httpx.JSON(w, http.StatusOK, newAccountView(account))
}

func (h *Handler) history(w http.ResponseWriter, r *http.Request) {
	orgID, accountID, ok := h.ref(w, r)
	if !ok {
		return
	}
	versions, err := h.service.History(r.Context(), orgID, accountID)
	if err != nil {
		h.respond(w, "account hierarchy", err)
		return
	}
	httpx.JSON(w, http.StatusOK, versions)
}

func (h *Handler) parentAt(w http.ResponseWriter, r *http.Request) {
	orgID, accountID, ok := h.ref(w, r)
	if !ok {
		return
	}
	at := time.Now().UTC()
	if raw := r.URL.Query().Get("at"); raw != "" {
		parsed, err := time.Parse(dateLayout, raw)
		if err != nil {
			httpx.RespondError(w, fmt.Errorf("%w: at must be YYYY-MM-DD", httpx.ErrValidation))
			return
		}
		at = parsed
	}
	parent, existed, err := h.service.ParentAt(r.Context(), orgID, accountID, at)
	if err != nil {
		h.respond(w, "account parent", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"at": at.Format(dateLayout), "existed": existed, "parent_id": parent})
}

type blockRequest struct {
	Reason string `json:"reason" validate:"max=500"`
}

func (h *Handler) block(w http.ResponseWriter, r *http.Request) {
	h.setBlocked(w, r, h.service.BlockForPosting)
}

func (h *Handler) unblock(w http.ResponseWriter, r *http.Request) {
	h.setBlocked(w, r, h.service.UnblockForPosting)
}

func (h *Handler) setBlocked(w http.ResponseWriter, r *http.Request, apply func(context.Context, BlockInput) (accounting.Account, error)) {
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
	var req blockRequest
	if r.ContentLength != 0 {
		if err := h.decoder.Decode(r, &req); err != nil {
			httpx.RespondError(w, err)
			return
		}
	}
	account, err := apply(r.Context(), BlockInput{OrganizationID: id.OrganizationID, AccountID: accountID, ActorID: id.ActorID, Reason: req.Reason})
	if err != nil {
		h.respond(w, "set account block", err)
		return
	}
	httpx.JSON(w, http.StatusOK, newAccountView(account))
}

func (h *Handler) blockTrail(w http.ResponseWriter, r *http.Request) {
	orgID, accountID, ok := h.ref(w, r)
	if !ok {
		return
	}
	trail, err := h.service.BlockTrail(r.Context(), orgID, accountID)
	if err != nil {
		h.respond(w, "account block trail", err)
		return
	}
	httpx.JSON(w, http.StatusOK, trail)
}

func (h *Handler) deactivate(w http.ResponseWriter, r *http.Request) {
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
	account, err := h.service.Deactivate(r.Context(), id.OrganizationID, accountID, id.ActorID)
	if err != nil {
		h.respond(w, "deactivate account", err)
		return
	}
	httpx.JSON(w, http.StatusOK, newAccountView(account))
}

func (h *Handler) ref(w http.ResponseWriter, r *http.Request) (uuid.UUID, uuid.UUID, bool) {
	id, err := httpx.Identity(r)
	if err != nil {
		httpx.RespondError(w, err)
		return uuid.Nil, uuid.Nil, false
	}
	accountID, err := httpx.URLUUID(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return uuid.Nil, uuid.Nil, false
	}
	return id.OrganizationID, accountID, true
}

func (h *Handler) respond(w http.ResponseWriter, op string, err error) {
	h.logger.Warn(op, slog.Any("error", err))
	httpx.RespondDomainError(w, err, errorMappings...)
}

type accountView struct {
	ID                  uuid.UUID  `json:"id"`
	Code                string     `json:"code"`
	Segments            []string   `json:"segments"`
	Name                string     `json:"name"`
	Type                string     `json:"type"`
	Nature              string     `json:"nature"`
	ParentID            *uuid.UUID `json:"parent_id,omitempty"`
	IsPostable          bool       `json:"is_postable"`
	IsSystemAccount     bool       `json:"is_system_account"`
	IsBlockedForPosting bool       `json:"is_blocked_for_posting"`
	BlockedBy           *uuid.UUID `json:"blocked_by,omitempty"`
	BlockedAt           *time.Time `json:"blocked_at,omitempty"`
	IsActive            bool       `json:"is_active"`
}

func newAccountView(a accounting.Account) accountView {
	return accountView{
		ID:                  a.ID,
		Code:                a.Code,
		Segments:            a.Segments,
		Name:                a.Name,
		Type:                string(a.Type),
		Nature:              string(a.Nature),
		ParentID:            a.ParentID,
		IsPostable:          a.IsPostable,
		IsSystemAccount:     a.IsSystemAccount,
		IsBlockedForPosting: a.IsBlockedForPosting,
		BlockedBy:           a.BlockedBy,
		BlockedAt:           a.BlockedAt,
		IsActive:            a.IsActive,
	}
}
