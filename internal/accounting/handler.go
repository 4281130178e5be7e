package accounting

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
	"github.com/shopspring/decimal"

	closepkg "github.com/odyssey-erp/odyssey-ledger/internal/close"
	"github.com/odyssey-erp/odyssey-ledger/internal/fx"
	"github.com/odyssey-erp/odyssey-ledger/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
)

const (
	dateLayout        = "2006-01-02"
	idempotencyHeader = "Idempotency-Key"
	idempotencyModule = "journal"
)

type journalService interface {
	PostJournal(ctx context.Context, input PostingInput) (JournalEntry, error)
	CreateDraft(ctx context.Context, input PostingInput) (JournalEntry, error)
	PostDraft(ctx context.Context, input PostDraftInput) (JournalEntry, error)
	VoidJournal(ctx context.Context, input VoidInput) (JournalEntry, error)
	ReverseJournal(ctx context.Context, input ReverseInput) (JournalEntry, error)
	GetJournal(ctx context.Context, orgID, entryID uuid.UUID) (JournalEntry, error)
	ListJournals(ctx context.Context, filter ListFilter) ([]JournalEntry, error)
	CreateLedger(ctx context.Context, in CreateLedgerInput) (Ledger, error)
	ListLedgers(ctx context.Context, orgID uuid.UUID) ([]Ledger, error)
	CreateMappingRule(ctx context.Context, in CreateMappingRuleInput) (LedgerMappingRule, error)
	SetDimensionRule(ctx context.Context, rule DimensionRule) error
	Settings(ctx context.Context, orgID uuid.UUID) (Settings, error)
	SetRetainedEarningsAccount(ctx context.Context, in SettingsInput) (Settings, error)
}

// IdempotencyPort guards journal submissions carrying an Idempotency-Key.
type IdempotencyPort interface {
	CheckAndInsert(ctx context.Context, key, module string) error
	Delete(ctx context.Context, key, module string) error
}

var errorMappings = [][]httpx.ErrorMapping{
	httpx.NotFound(ErrJournalNotFound, closepkg.ErrPeriodNotFound),
	httpx.Locked(ErrAccountBlocked),
	httpx.Conflict(closepkg.ErrPeriodClosed, ErrInvalidStatus, ErrAlreadyReversed, ErrDuplicateDefaultLedger,
		shared.ErrIdempotencyConflict),
	httpx.Unprocessable(ErrUnbalancedEntry, ErrNonPostableAccount, ErrTooFewLines, ErrInvalidAmount,
		ErrDuplicateValuation, ErrAccountNotFound, ErrLedgerNotFound, ErrNoDefaultLedger, ErrDimensionRequired,
		ErrInvalidCurrency, ErrExchangeRateRequired, ErrInvalidAccountType, fx.ErrRateMissing, fx.ErrInvalidRate,
		closepkg.ErrInvalidModule, ErrInvalidRetainedEarnings),
}

// Handler exposes journal posting and ledger setup as JSON endpoints.
type Handler struct {
	logger      *slog.Logger
	service     journalService
	idempotency IdempotencyPort
	decoder     *httpx.Decoder
}

// NewHandler builds a Handler instance. idempotency may be nil.
func NewHandler(logger *slog.Logger, service journalService, idempotency IdempotencyPort) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, idempotency: idempotency, decoder: httpx.NewDecoder()}
}

// MountRoutes registers HTTP routes for the ledger module.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/journals", func(r chi.Router) {
		r.Get("/", h.listJournals)
		r.Post("/", h.postJournal)
		r.Get("/{id}", h.getJournal)
		r.Post("/{id}/post", h.postDraft)
		r.Post("/{id}/void", h.voidJournal)
		r.Post("/{id}/reverse", h.reverseJournal)
	})
	r.Route("/ledgers", func(r chi.Router) {
		r.Get("/", h.listLedgers)
		r.Post("/", h.createLedger)
		r.Post("/mapping-rules", h.createMappingRule)
	})
	r.Put("/dimension-rules", h.setDimensionRule)
	r.Get("/settings", h.getSettings)
	r.Put("/settings/retained-earnings", h.setRetainedEarnings)
}

type valuationRequest struct {
	LedgerID uuid.UUID       `json:"ledger_id" validate:"required"`
	Debit    decimal.Decimal `json:"debit"`
	Credit   decimal.Decimal `json:"credit"`
}

type lineRequest struct {
	AccountID   uuid.UUID          `json:"account_id" validate:"required"`
	Description string             `json:"description" validate:"max=500"`
	Debit       decimal.Decimal    `json:"debit"`
	Credit      decimal.Decimal    `json:"credit"`
	Dimensions  map[string]string  `json:"dimensions"`
	Valuations  []valuationRequest `json:"valuations" validate:"dive"`
}

type journalRequest struct {
	Date         string           `json:"date" validate:"required,datetime=2006-01-02"`
	Description  string           `json:"description" validate:"max=500"`
	Reference    string           `json:"reference" validate:"max=100"`
	SourceModule string           `json:"source_module" validate:"omitempty,oneof=GL AP AR INVENTORY"`
	CurrencyCode string           `json:"currency_code" validate:"omitempty,len=3"`
	ExchangeRate *decimal.Decimal `json:"exchange_rate"`
	Draft        bool             `json:"draft"`
	Lines        []lineRequest    `json:"lines" validate:"required,min=2,dive"`
}

func (req journalRequest) toInput(id shared.Identity) (PostingInput, error) {
	date, err := time.Parse(dateLayout, req.Date)
	if err != nil {
		return PostingInput{}, fmt.Errorf("%w: date: %v", httpx.ErrValidation, err)
	}
	in := PostingInput{
		OrganizationID: id.OrganizationID,
		Date:           date,
		Description:    strings.TrimSpace(req.Description),
		Reference:      strings.TrimSpace(req.Reference),
		SourceModule:   closepkg.Module(req.SourceModule),
		CurrencyCode:   req.CurrencyCode,
		ExchangeRate:   req.ExchangeRate,
		ActorID:        id.ActorID,
		Lines:          make([]PostingLineInput, len(req.Lines)),
	}
	for i, l := range req.Lines {
		line := PostingLineInput{
			AccountID:   l.AccountID,
			Description: l.Description,
			Debit:       l.Debit,
			Credit:      l.Credit,
			Dimensions:  l.Dimensions,
		}
		for _, v := range l.Valuations {
			line.Valuations = append(line.Valuations, Valuation{LedgerID: v.LedgerID, Debit: v.Debit, Credit: v.Credit})
		}
		in.Lines[i] = line
	}
	return in, nil
}

func (h *Handler) postJournal(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.Identity(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req journalRequest
	if err := h.decoder.Decode(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	input, err := req.toInput(id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	key := strings.TrimSpace(r.Header.Get(idempotencyHeader))
	if key != "" && h.idempotency != nil {
		scoped := id.OrganizationID.String() + ":" + key
		if err := h.idempotency.CheckAndInsert(r.Context(), scoped, idempotencyModule); err != nil {
			h.respond(w, "post journal", err)
			return
		}
		key = scoped
	} else {
		key = ""
	}

	var entry JournalEntry
	if req.Draft {
		entry, err = h.service.CreateDraft(r.Context(), input)
	} else {
		entry, err = h.service.PostJournal(r.Context(), input)
	}
	if err != nil {
		if key != "" {
			if delErr := h.idempotency.Delete(context.WithoutCancel(r.Context()), key, idempotencyModule); delErr != nil {
				h.logger.Warn("release idempotency key", slog.String("key", key), slog.Any("error", delErr))
			}
		}
		h.respond(w, "post journal", err)
		return
	}
	status := http.StatusCreated
	if entry.Status == JournalStatusPendingApproval {
		status = http.StatusAccepted
	}
	httpx.JSON(w, status, newJournalView(entry))
}

func (h *Handler) listJournals(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.Identity(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	filter, err := parseListFilter(r, id.OrganizationID)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	entries, err := h.service.ListJournals(r.Context(), filter)
	if err != nil {
		h.respond(w, "list journals", err)
		return
	}
	out := make([]journalView, len(entries))
	for i, e := range entries {
		out[i] = newJournalView(e)
	}
	httpx.JSON(w, http.StatusOK, out)
}

func parseListFilter(r *http.Request, orgID uuid.UUID) (ListFilter, error) {
	q := r.URL.Query()
	filter := ListFilter{OrganizationID: orgID, Status: JournalStatus(strings.ToUpper(q.Get("status")))}
	for name, target := range map[string]**time.Time{"from": &filter.From, "to": &filter.To} {
		raw := q.Get(name)
		if raw == "" {
			continue
		}
		t, err := time.Parse(dateLayout, raw)
		if err != nil {
			return ListFilter{}, fmt.Errorf("%w: %s must be YYYY-MM-DD", httpx.ErrValidation, name)
		}
		*target = &t
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return ListFilter{}, fmt.Errorf("%w: limit must be positive", httpx.ErrValidation)
		}
		filter.Limit = n
	}
	return filter, nil
}

func (h *Handler) getJournal(w http.ResponseWriter, r *http.Request) {
	id, entryID, ok := h.entryRef(w, r)
	if !ok {
		return
	}
	entry, err := h.service.GetJournal(r.Context(), id.OrganizationID, entryID)
	if err != nil {
		h.respond(w, "get journal", err)
		return
	}
	httpx.JSON(w, http.StatusOK, newJournalView(entry))
}

func (h *Handler) postDraft(w http.ResponseWriter, r *http.Request) {
	id, entryID, ok := h.entryRef(w, r)
	if !ok {
		return
	}
	entry, err := h.service.PostDraft(r.Context(), PostDraftInput{OrganizationID: id.OrganizationID, EntryID: entryID, ActorID: id.ActorID})
	if err != nil {
		h.respond(w, "post draft", err)
		return
	}
	httpx.JSON(w, http.StatusOK, newJournalView(entry))
}

type voidRequest struct {
	Reason string `json:"reason" validate:"required,min=3,max=500"`
}

func (h *Handler) voidJournal(w http.ResponseWriter, r *http.Request) {
	id, entryID, ok := h.entryRef(w, r)
	if !ok {
		return
	}
	var req voidRequest
	if err := h.decoder.Decode(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	entry, err := h.service.VoidJournal(r.Context(), VoidInput{
		OrganizationID: id.OrganizationID, EntryID: entryID, ActorID: id.ActorID, Reason: req.Reason,
	})
	if err != nil {
		h.respond(w, "void journal", err)
		return
	}
	httpx.JSON(w, http.StatusOK, newJournalView(entry))
}

type reverseRequest struct {
	Date        string `json:"date" validate:"omitempty,datetime=2006-01-02"`
	Description string `json:"description" validate:"max=500"`
}

func (h *Handler) reverseJournal(w http.ResponseWriter, r *http.Request) {
	id, entryID, ok := h.entryRef(w, r)
	if !ok {
		return
	}
	var req reverseRequest
	if err := h.decoder.Decode(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	in := ReverseInput{OrganizationID: id.OrganizationID, EntryID: entryID, ActorID: id.ActorID, Description: req.Description}
	if req.Date != "" {
		date, _ := time.Parse(dateLayout, req.Date)
		in.Date = &date
	}
	entry, err := h.service.ReverseJournal(r.Context(), in)
	if err != nil {
		h.respond(w, "reverse journal", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, newJournalView(entry))
}

type ledgerRequest struct {
	Name         string `json:"name" validate:"required,max=100"`
	CurrencyCode string `json:"currency_code" validate:"required,len=3"`
	IsDefault    bool   `json:"is_default"`
}

func (h *Handler) createLedger(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.Identity(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req ledgerRequest
	if err := h.decoder.Decode(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	ledger, err := h.service.CreateLedger(r.Context(), CreateLedgerInput{
		OrganizationID: id.OrganizationID, Name: req.Name, CurrencyCode: req.CurrencyCode, IsDefault: req.IsDefault,
	})
	if err != nil {
		h.respond(w, "create ledger", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, newLedgerView(ledger))
}

func (h *Handler) listLedgers(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.Identity(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	ledgers, err := h.service.ListLedgers(r.Context(), id.OrganizationID)
	if err != nil {
		h.respond(w, "list ledgers", err)
		return
	}
	out := make([]ledgerView, len(ledgers))
	for i, l := range ledgers {
		out[i] = newLedgerView(l)
	}
	httpx.JSON(w, http.StatusOK, out)
}

type mappingRuleRequest struct {
	SourceLedgerID  uuid.UUID       `json:"source_ledger_id" validate:"required"`
	SourceAccountID uuid.UUID       `json:"source_account_id" validate:"required"`
	TargetLedgerID  uuid.UUID       `json:"target_ledger_id" validate:"required"`
	Multiplier      decimal.Decimal `json:"multiplier"`
}

func (h *Handler) createMappingRule(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.Identity(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req mappingRuleRequest
	if err := h.decoder.Decode(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if !req.Multiplier.IsPositive() {
		httpx.RespondError(w, fmt.Errorf("%w: multiplier must be positive", httpx.ErrValidation))
		return
	}
	rule, err := h.service.CreateMappingRule(r.Context(), CreateMappingRuleInput{
		OrganizationID:  id.OrganizationID,
		SourceLedgerID:  req.SourceLedgerID,
		SourceAccountID: req.SourceAccountID,
		TargetLedgerID:  req.TargetLedgerID,
		Multiplier:      req.Multiplier,
	})
	if err != nil {
		h.respond(w, "create mapping rule", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, map[string]any{
		"id":                rule.ID,
		"source_ledger_id":  rule.SourceLedgerID,
		"source_account_id": rule.SourceAccountID,
		"target_ledger_id":  rule.TargetLedgerID,
		"multiplier":        rule.Multiplier,
	})
}

type dimensionRuleRequest struct {
	AccountID uuid.UUID `json:"account_id" validate:"required"`
	Dimension string    `json:"dimension" validate:"required,max=50"`
	Required  bool      `json:"required"`
}

func (h *Handler) setDimensionRule(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.Identity(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req dimensionRuleRequest
	if err := h.decoder.Decode(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	rule := DimensionRule{OrganizationID: id.OrganizationID, AccountID: req.AccountID, Dimension: req.Dimension, Required: req.Required}
	if err := h.service.SetDimensionRule(r.Context(), rule); err != nil {
		h.respond(w, "set dimension rule", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type settingsView struct {
	RetainedEarningsAccountID *uuid.UUID `json:"retained_earnings_account_id"`
	UpdatedBy                 *uuid.UUID `json:"updated_by,omitempty"`
	UpdatedAt                 *time.Time `json:"updated_at,omitempty"`
}

func newSettingsView(st Settings) settingsView {
	v := settingsView{RetainedEarningsAccountID: st.RetainedEarningsAccountID, UpdatedBy: st.UpdatedBy}
	if !st.UpdatedAt.IsZero() {
		v.UpdatedAt = &st.UpdatedAt
	}
	return v
}

func (h *Handler) getSettings(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.Identity(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	st, err := h.service.Settings(r.Context(), id.OrganizationID)
	if err != nil {
		h.respond(w, "get settings", err)
		return
	}
	httpx.JSON(w, http.StatusOK, newSettingsView(st))
}

type retainedEarningsRequest struct {
	AccountID uuid.UUID `json:"account_id" validate:"required"`
}

func (h *Handler) setRetainedEarnings(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.Identity(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req retainedEarningsRequest
	if err := h.decoder.Decode(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	st, err := h.service.SetRetainedEarningsAccount(r.Context(), SettingsInput{
		OrganizationID:            id.OrganizationID,
		ActorID:                   id.ActorID,
		RetainedEarningsAccountID: req.AccountID,
	})
	if err != nil {
		h.respond(w, "set retained earnings", err)
		return
	}
	httpx.JSON(w, http.StatusOK, newSettingsView(st))
}

func (h *Handler) entryRef(w http.ResponseWriter, r *http.Request) (shared.Identity, uuid.UUID, bool) {
	id, err := httpx.Identity(r)
	if err != nil {
		httpx.RespondError(w, err)
		return shared.Identity{}, uuid.Nil, false
	}
	ref, err := httpx.URLUUID(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return shared.Identity{}, uuid.Nil, false
	}
	return id, ref, true
}

func (h *Handler) respond(w http.ResponseWriter, op string, err error) {
	if !isCallerError(err) {
		h.logger.Error(op, slog.Any("error", err))
	}
	httpx.RespondDomainError(w, err, errorMappings...)
}

func isCallerError(err error) bool {
	for _, group := range errorMappings {
		for _, m := range group {
			if errors.Is(err, m.Err) {
				return true
			}
		}
	}
	return errors.Is(err, httpx.ErrValidation)
}

type valuationView struct {
	LedgerID uuid.UUID       `json:"ledger_id"`
	Debit    decimal.Decimal `json:"debit"`
	Credit   decimal.Decimal `json:"credit"`
}

type lineView struct {
	ID          uuid.UUID         `json:"id"`
	Position    int               `json:"position"`
	AccountID   uuid.UUID         `json:"account_id"`
	Description string            `json:"description,omitempty"`
	Debit       decimal.Decimal   `json:"debit"`
	Credit      decimal.Decimal   `json:"credit"`
	Dimensions  map[string]string `json:"dimensions,omitempty"`
	Valuations  []valuationView   `json:"valuations"`
}

type journalView struct {
	ID                uuid.UUID        `json:"id"`
	Date              string           `json:"date"`
	Description       string           `json:"description"`
	Reference         string           `json:"reference,omitempty"`
	SourceModule      string           `json:"source_module"`
	CurrencyCode      string           `json:"currency_code,omitempty"`
	ExchangeRate      *decimal.Decimal `json:"exchange_rate,omitempty"`
	Status            JournalStatus    `json:"status"`
	Kind              EntryKind        `json:"entry_kind"`
	ReversesEntryID   *uuid.UUID       `json:"reverses_entry_id,omitempty"`
	IsReversed        bool             `json:"is_reversed"`
	ApprovalRequestID *uuid.UUID       `json:"approval_request_id,omitempty"`
	PostedAt          *time.Time       `json:"posted_at,omitempty"`
	Lines             []lineView       `json:"lines,omitempty"`
}

func newJournalView(e JournalEntry) journalView {
	v := journalView{
		ID:                e.ID,
		Date:              e.Date.Format(dateLayout),
		Description:       e.Description,
		Reference:         e.Reference,
		SourceModule:      string(e.SourceModule),
		CurrencyCode:      e.CurrencyCode,
		ExchangeRate:      e.ExchangeRate,
		Status:            e.Status,
		Kind:              e.kind(),
		ReversesEntryID:   e.ReversesEntryID,
		IsReversed:        e.IsReversed,
		ApprovalRequestID: e.ApprovalRequestID,
		PostedAt:          e.PostedAt,
	}
	for _, l := range e.Lines {
		lv := lineView{
			ID:          l.ID,
			Position:    l.Position,
			AccountID:   l.AccountID,
			Description: l.Description,
			Debit:       l.Debit,
			Credit:      l.Credit,
			Dimensions:  l.Dimensions,
			Valuations:  make([]valuationView, len(l.Valuations)),
		}
		for i, val := range l.Valuations {
			lv.Valuations[i] = valuationView{LedgerID: val.LedgerID, Debit: val.Debit, Credit: val.Credit}
		}
		v.Lines = append(v.Lines, lv)
	}
	return v
}

type ledgerView struct {
	ID           uuid.UUID `json:"id"`
	Name         string    `json:"name"`
	CurrencyCode string    `json:"currency_code"`
	IsDefault    bool      `json:"is_default"`
}

func newLedgerView(l Ledger) ledgerView {
	return ledgerView{ID: l.ID, Name: l.Name, CurrencyCode: l.CurrencyCode, IsDefault: l.IsDefault}
}
