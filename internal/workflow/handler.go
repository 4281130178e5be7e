package workflow

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-ledger/internal/platform/httpx"
)

type approvalService interface {
	DefinePolicy(ctx context.Context, def PolicyDefinition) (PolicyDefinition, error)
	Approve(ctx context.Context, in DecisionInput) (Request, error)
	Reject(ctx context.Context, in DecisionInput) (Request, error)
	GetRequest(ctx context.Context, orgID, id uuid.UUID) (Request, error)
	ListRequests(ctx context.Context, orgID uuid.UUID, status RequestStatus) ([]Request, error)
	History(ctx context.Context, requestID uuid.UUID) ([]LogEntry, error)
}

var errorMappings = [][]httpx.ErrorMapping{
	httpx.NotFound(ErrRequestNotFound),
	{{Err: ErrStepForbidden, Status: http.StatusForbidden, Title: "Forbidden"}},
	httpx.Conflict(ErrRequestDecided),
	httpx.Unprocessable(ErrUnknownDocumentType, ErrInvalidPolicy, ErrReasonRequired),
}

// Handler exposes approval policies and decisions.
type Handler struct {
	logger  *slog.Logger
	service approvalService
	decoder *httpx.Decoder
}

// NewHandler constructs a Handler.
func NewHandler(logger *slog.Logger, service approvalService) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, decoder: httpx.NewDecoder()}
}

// MountRoutes registers approval routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/approval-policies", h.definePolicy)
	r.Route("/approvals", func(r chi.Router) {
		r.Get("/", h.list)
		r.Get("/{id}", h.get)
		r.Post("/{id}/approve", h.approve)
		r.Post("/{id}/reject", h.reject)
	})
}

type policyRequest struct {
	DocumentType string `json:"document_type" validate:"required,oneof=JOURNAL_ENTRY PERIOD_REOPENING"`
	Name         string `json:"name" validate:"required,max=100"`
	Steps        []struct {
		Order        int             `json:"order" validate:"required,min=1"`
		ApproverRole string          `json:"approver_role" validate:"required,max=50"`
		MinAmount    decimal.Decimal `json:"min_amount"`
	} `json:"steps" validate:"required,min=1,dive"`
}

func (h *Handler) definePolicy(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.Identity(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req policyRequest
	if err := h.decoder.Decode(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	def := PolicyDefinition{OrganizationID: id.OrganizationID, DocumentType: DocumentType(req.DocumentType), Name: req.Name}
	for _, s := range req.Steps {
		def.Steps = append(def.Steps, Step{Order: s.Order, ApproverRole: s.ApproverRole, MinAmount: s.MinAmount})
	}
	def, err = h.service.DefinePolicy(r.Context(), def)
	if err != nil {
		h.respond(w, "define approval policy", err)
		return
	}
	steps := make([]stepView, len(def.Steps))
	for i, s := range def.Steps {
		steps[i] = stepView{Order: s.Order, ApproverRole: s.ApproverRole, MinAmount: s.MinAmount}
	}
	httpx.JSON(w, http.StatusCreated, map[string]any{
		"id":            def.ID,
		"document_type": def.DocumentType,
		"name":          def.Name,
		"steps":         steps,
	})
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.Identity(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	status := RequestStatus(strings.ToUpper(r.URL.Query().Get("status")))
	if status == "" {
		status = RequestPending
	}
	reqs, err := h.service.ListRequests(r.Context(), id.OrganizationID, status)
	if err != nil {
		h.respond(w, "list approvals", err)
		return
	}
	out := make([]requestView, len(reqs))
	for i, req := range reqs {
		out[i] = newRequestView(req, nil)
	}
	httpx.JSON(w, http.StatusOK, out)
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.Identity(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	requestID, err := httpx.URLUUID(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	req, err := h.service.GetRequest(r.Context(), id.OrganizationID, requestID)
	if err != nil {
		h.respond(w, "get approval", err)
		return
	}
	logs, err := h.service.History(r.Context(), req.ID)
	if err != nil {
		h.respond(w, "approval history", err)
		return
	}
	httpx.JSON(w, http.StatusOK, newRequestView(req, logs))
}

type decisionRequest struct {
	Note string `json:"note" validate:"max=500"`
}

func (h *Handler) approve(w http.ResponseWriter, r *http.Request) {
	h.decide(w, r, "approve", h.service.Approve)
}

func (h *Handler) reject(w http.ResponseWriter, r *http.Request) {
	h.decide(w, r, "reject", h.service.Reject)
}

func (h *Handler) decide(w http.ResponseWriter, r *http.Request, op string, apply func(context.Context, DecisionInput) (Request, error)) {
	id, err := httpx.Identity(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	requestID, err := httpx.URLUUID(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var body decisionRequest
	if r.ContentLength != 0 {
		if err := h.decoder.Decode(r, &body); err != nil {
			httpx.RespondError(w, err)
			return
		}
	}
	req, err := apply(r.Context(), DecisionInput{
		OrganizationID: id.OrganizationID,
		RequestID:      requestID,
		ActorID:        id.ActorID,
		Roles:          id.Roles,
		Note:           strings.TrimSpace(body.Note),
	})
	if err != nil {
		h.respond(w, op, err)
		return
	}
	httpx.JSON(w, http.StatusOK, newRequestView(req, nil))
}

func (h *Handler) respond(w http.ResponseWriter, op string, err error) {
	h.logger.Warn(op, slog.Any("error", err))
	httpx.RespondDomainError(w, err, errorMappings...)
}

type stepView struct {
	Order        int             `json:"order"`
	ApproverRole string          `json:"approver_role"`
	MinAmount    decimal.Decimal `json:"min_amount"`
}

type logView struct {
	ActorID uuid.UUID `json:"actor_id"`
	Action  Action    `json:"action"`
	Step    int       `json:"step"`
	Note    string    `json:"note,omitempty"`
	At      time.Time `json:"at"`
}

type requestView struct {
	ID              uuid.UUID         `json:"id"`
	DocumentType    DocumentType      `json:"document_type"`
	DocumentID      uuid.UUID         `json:"document_id"`
	Amount          decimal.Decimal   `json:"amount"`
	Status          RequestStatus     `json:"status"`
	CurrentStep     int               `json:"current_step"`
	Steps           []stepView        `json:"steps"`
	RequestedBy     uuid.UUID         `json:"requested_by"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	DecidedBy       *uuid.UUID        `json:"decided_by,omitempty"`
	DecidedAt       *time.Time        `json:"decided_at,omitempty"`
	RejectionReason string            `json:"rejection_reason,omitempty"`
	History         []logView         `json:"history,omitempty"`
}

func newRequestView(req Request, logs []LogEntry) requestView {
	v := requestView{
		ID:              req.ID,
		DocumentType:    req.DocumentType,
		DocumentID:      req.DocumentID,
		Amount:          req.Amount,
		Status:          req.Status,
		CurrentStep:     req.CurrentStep,
		RequestedBy:     req.RequestedBy,
		Metadata:        req.Metadata,
		DecidedBy:       req.DecidedBy,
		DecidedAt:       req.DecidedAt,
		RejectionReason: req.RejectionReason,
	}
	for _, s := range req.Steps {
		v.Steps = append(v.Steps, stepView{Order: s.Order, ApproverRole: s.ApproverRole, MinAmount: s.MinAmount})
	}
	for _, l := range logs {
		v.History = append(v.History, logView{ActorID: l.ActorID, Action: l.Action, Step: l.Step, Note: l.Note, At: l.At})
	}
	return v
}
