package accounting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"

	"github.com/odyssey-erp/odyssey-ledger/internal/balances"
	closepkg "github.com/odyssey-erp/odyssey-ledger/internal/close"
	"github.com/odyssey-erp/odyssey-ledger/internal/events"
	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
	"github.com/odyssey-erp/odyssey-ledger/internal/workflow"
)

// RepositoryPort abstracts transactional repository behaviour.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetJournal(ctx context.Context, orgID, entryID uuid.UUID) (JournalEntry, error)
	ListJournals(ctx context.Context, filter ListFilter) ([]JournalEntry, error)
	ListLedgers(ctx context.Context, orgID uuid.UUID) ([]Ledger, error)
	GetSettings(ctx context.Context, orgID uuid.UUID) (Settings, error)
}

// TxRepository exposes the operations run inside one posting transaction.
type TxRepository interface {
	ListLedgers(ctx context.Context, orgID uuid.UUID) ([]Ledger, error)
	ListMappingRules(ctx context.Context, orgID uuid.UUID) ([]LedgerMappingRule, error)
	ListDimensionRules(ctx context.Context, orgID uuid.UUID, accountIDs []uuid.UUID) ([]DimensionRule, error)
	LockPeriodForDate(ctx context.Context, orgID uuid.UUID, date time.Time) (closepkg.Period, error)
	LockAccounts(ctx context.Context, orgID uuid.UUID, ids []uuid.UUID) (map[uuid.UUID]Account, error)
	InsertJournalEntry(ctx context.Context, entry JournalEntry) error
	ReplaceJournalLines(ctx context.Context, entry JournalEntry) error
	UpdateJournalStatus(ctx context.Context, entry JournalEntry) error
	GetJournalForUpdate(ctx context.Context, orgID, entryID uuid.UUID) (JournalEntry, error)
	MarkReversed(ctx context.Context, entryID uuid.UUID) error
	EnqueueBalanceJobs(ctx context.Context, jobs []balances.Job) error
	InsertLedger(ctx context.Context, ledger Ledger) error
	InsertMappingRule(ctx context.Context, rule LedgerMappingRule) error
	UpsertDimensionRule(ctx context.Context, rule DimensionRule) error
	PeriodActivity(ctx context.Context, orgID uuid.UUID, start, end time.Time) ([]AccountActivity, error)
	GetSettings(ctx context.Context, orgID uuid.UUID) (Settings, error)
	UpsertSettings(ctx context.Context, settings Settings) error
}

// AuditPort records ledger events for compliance.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// ApprovalPort opens approval requests for journal entries.
type ApprovalPort interface {
	StartApprovalProcess(ctx context.Context, orgID, documentID uuid.UUID, docType workflow.DocumentType, amount decimal.Decimal, opts ...workflow.StartOption) (*workflow.Request, error)
}

// RatePort resolves exchange rates for foreign-currency entries.
type RatePort interface {
	RateAt(ctx context.Context, orgID uuid.UUID, from, to string, asOf time.Time) (decimal.Decimal, error)
}

// Service coordinates posting, voiding, and reversing journal entries.
type Service struct {
	repo      RepositoryPort
	audit     AuditPort
	approvals ApprovalPort
	rates     RatePort
	events    events.Publisher
	logger    *slog.Logger
	places    int32
	now       func() time.Time
}

// NewService constructs the ledger service.
func NewService(repo RepositoryPort, audit AuditPort, approvals ApprovalPort, publisher events.Publisher) *Service {
	return &Service{
		repo:      repo,
		audit:     audit,
		approvals: approvals,
		events:    publisher,
		logger:    slog.Default(),
		places:    2,
		now:       time.Now,
	}
}

// WithNow overrides the clock for testing.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// WithPrecision sets the decimal places used for balance comparisons.
func (s *Service) WithPrecision(places int32) {
	if places >= 0 {
		s.places = places
	}
}

// WithRates enables historical rate lookup for entries without an explicit rate.
func (s *Service) WithRates(rates RatePort) {
	s.rates = rates
}

// WithLogger replaces the default logger.
func (s *Service) WithLogger(logger *slog.Logger) {
	if logger != nil {
		s.logger = logger
	}
}

// PostJournal validates and accepts a new journal entry. The entry is POSTED, or
// PENDING_APPROVAL when an approval policy routes it.
func (s *Service) PostJournal(ctx context.Context, input PostingInput) (JournalEntry, error) {
	if err := input.Validate(); err != nil {
		return JournalEntry{}, err
	}
	entry := s.newEntry(input)
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		acc, err := s.accept(ctx, tx, &entry)
		if err != nil {
			return err
		}
		if err := tx.InsertJournalEntry(ctx, entry); err != nil {
			return err
		}
		return s.gate(ctx, tx, &entry, acc, input.ActorID)
	})
	if err != nil {
		return JournalEntry{}, err
	}
	s.afterAccept(ctx, entry, input.ActorID, "journal.post")
	return entry, nil
}

// CreateDraft stores an entry without posting it. Drafts block period close.
func (s *Service) CreateDraft(ctx context.Context, input PostingInput) (JournalEntry, error) {
	if err := input.Validate(); err != nil {
		return JournalEntry{}, err
	}
	entry := s.newEntry(input)
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		// The share lock makes a concurrent close wait for this draft and count it.
		period, err := tx.LockPeriodForDate(ctx, entry.OrganizationID, entry.Date)
		switch {
		case errors.Is(err, closepkg.ErrPeriodNotFound):
		case err != nil:
			return err
		default:
			if err := period.CheckPosting(entry.SourceModule); err != nil {
				return err
			}
		}
		ids := accountIDs(entry.Lines)
		accounts, err := tx.LockAccounts(ctx, entry.OrganizationID, ids)
		if err != nil {
			return err
		}
		for _, id := range ids {
			if _, ok := accounts[id]; !ok {
				return fmt.Errorf("%w: %s", ErrAccountNotFound, id)
			}
		}
		return tx.InsertJournalEntry(ctx, entry)
	})
	if err != nil {
		return JournalEntry{}, err
	}
	s.record(ctx, entry, input.ActorID, "journal.draft", nil)
	return entry, nil
}

// PostDraft runs the posting checks against a stored draft.
func (s *Service) PostDraft(ctx context.Context, input PostDraftInput) (JournalEntry, error) {
	if input.EntryID == uuid.Nil || input.ActorID == uuid.Nil {
		return JournalEntry{}, errors.New("accounting: entry and actor required")
	}
	var entry JournalEntry
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		entry, err = tx.GetJournalForUpdate(ctx, input.OrganizationID, input.EntryID)
		if err != nil {
			return err
		}
		if entry.Status != JournalStatusDraft {
			return fmt.Errorf("%w: entry is %s", ErrInvalidStatus, entry.Status)
		}
		acc, err := s.accept(ctx, tx, &entry)
		if err != nil {
			return err
		}
		if err := tx.ReplaceJournalLines(ctx, entry); err != nil {
			return err
		}
		return s.gate(ctx, tx, &entry, acc, input.ActorID)
	})
	if err != nil {
		return JournalEntry{}, err
	}
	s.afterAccept(ctx, entry, input.ActorID, "journal.post")
	return entry, nil
}

// ApproveJournal posts an entry whose approval request completed. The posting
// checks run again because locks may have changed while it waited.
func (s *Service) ApproveJournal(ctx context.Context, orgID, entryID, actorID uuid.UUID) (JournalEntry, error) {
	var entry JournalEntry
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		entry, err = tx.GetJournalForUpdate(ctx, orgID, entryID)
		if err != nil {
			return err
		}
		if entry.Status != JournalStatusPendingApproval {
			return fmt.Errorf("%w: entry is %s", ErrInvalidStatus, entry.Status)
		}
		if _, err := s.accept(ctx, tx, &entry); err != nil {
			return err
		}
		s.markPosted(&entry, actorID)
		if err := tx.UpdateJournalStatus(ctx, entry); err != nil {
			return err
		}
		return s.enqueueIfPosted(ctx, tx, entry)
	})
	if err != nil {
		return JournalEntry{}, err
	}
	s.afterAccept(ctx, entry, actorID, "journal.approve")
	return entry, nil
}

// RejectJournal returns a pending entry to DRAFT.
func (s *Service) RejectJournal(ctx context.Context, orgID, entryID, actorID uuid.UUID, reason string) (JournalEntry, error) {
	var entry JournalEntry
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		entry, err = tx.GetJournalForUpdate(ctx, orgID, entryID)
		if err != nil {
			return err
		}
		if entry.Status != JournalStatusPendingApproval {
			return fmt.Errorf("%w: entry is %s", ErrInvalidStatus, entry.Status)
		}
		entry.Status = JournalStatusDraft
		entry.ApprovalRequestID = nil
		entry.UpdatedAt = s.now()
		return tx.UpdateJournalStatus(ctx, entry)
	})
	if err != nil {
		return JournalEntry{}, err
	}
	s.record(ctx, entry, actorID, "journal.reject", map[string]any{"reason": reason})
	return entry, nil
}

// HandleApprovalEvent applies approval decisions for journal entries.
func (s *Service) HandleApprovalEvent(ctx context.Context, ev events.Event) error {
	if ev.Payload[workflow.KeyDocumentType] != string(workflow.DocumentJournalEntry) {
		return nil
	}
	entryID, err := uuid.Parse(ev.Payload[workflow.KeyDocumentID])
	if err != nil {
		return fmt.Errorf("accounting: approval event document id: %w", err)
	}
	actorID, _ := uuid.Parse(ev.Payload[workflow.KeyDecidedBy])
	switch ev.Name {
	case events.ApprovalRequestApproved:
		_, err = s.ApproveJournal(ctx, ev.OrganizationID, entryID, actorID)
	case events.ApprovalRequestRejected:
		_, err = s.RejectJournal(ctx, ev.OrganizationID, entryID, actorID, ev.Payload[workflow.KeyRejection])
	}
	return err
}

// VoidJournal marks a draft or pending entry as VOID. Posted entries are reversed instead.
func (s *Service) VoidJournal(ctx context.Context, input VoidInput) (JournalEntry, error) {
	if input.EntryID == uuid.Nil {
		return JournalEntry{}, errors.New("accounting: entry id required")
	}
	var entry JournalEntry
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		entry, err = tx.GetJournalForUpdate(ctx, input.OrganizationID, input.EntryID)
		if err != nil {
			return err
		}
		switch entry.Status {
		case JournalStatusDraft, JournalStatusPendingApproval:
		case JournalStatusPosted:
			return fmt.Errorf("%w: posted entries must be reversed", ErrInvalidStatus)
		default:
			return fmt.Errorf("%w: entry is %s", ErrInvalidStatus, entry.Status)
		}
		entry.Status = JournalStatusVoid
		entry.UpdatedAt = s.now()
		return tx.UpdateJournalStatus(ctx, entry)
	})
	if err != nil {
		return JournalEntry{}, err
	}
	s.record(ctx, entry, input.ActorID, "journal.void", map[string]any{"reason": input.Reason})
	return entry, nil
}

// ReverseJournal posts a mirror entry cancelling a posted one.
func (s *Service) ReverseJournal(ctx context.Context, input ReverseInput) (JournalEntry, error) {
	if input.EntryID == uuid.Nil || input.ActorID == uuid.Nil {
		return JournalEntry{}, errors.New("accounting: entry and actor required")
	}
	var reversal JournalEntry
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		reversal, err = s.reverse(ctx, tx, input)
		return err
	})
	if err != nil {
		return JournalEntry{}, err
	}
	s.afterAccept(ctx, reversal, input.ActorID, "journal.reverse")
	return reversal, nil
}

// reverse posts the mirror of a posted entry and flags the original.
func (s *Service) reverse(ctx context.Context, tx TxRepository, input ReverseInput) (JournalEntry, error) {
	original, err := tx.GetJournalForUpdate(ctx, input.OrganizationID, input.EntryID)
	if err != nil {
		return JournalEntry{}, err
	}
	if original.Status != JournalStatusPosted {
		return JournalEntry{}, fmt.Errorf("%w: entry is %s", ErrInvalidStatus, original.Status)
	}
	if original.IsReversed {
		return JournalEntry{}, ErrAlreadyReversed
	}
	now := s.now()
	reversal := JournalEntry{
		ID:              uuid.New(),
		OrganizationID:  original.OrganizationID,
		Date:            original.Date,
		Description:     input.Description,
		Reference:       original.Reference,
		SourceModule:    original.SourceModule,
		CurrencyCode:    original.CurrencyCode,
		ExchangeRate:    original.ExchangeRate,
		Status:          JournalStatusDraft,
		Kind:            original.kind(),
		ReversesEntryID: &original.ID,
		CreatedBy:       input.ActorID,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if input.Date != nil {
		reversal.Date = *input.Date
	}
	if strings.TrimSpace(reversal.Description) == "" {
		reversal.Description = "Reversal of " + original.ID.String()
	}
	reversal.Lines = mirrorLines(original.Lines)
	for i := range reversal.Lines {
		reversal.Lines[i].ID = uuid.New()
		reversal.Lines[i].EntryID = reversal.ID
	}
	if _, err := s.accept(ctx, tx, &reversal); err != nil {
		return JournalEntry{}, err
	}
	s.markPosted(&reversal, input.ActorID)
	if err := tx.InsertJournalEntry(ctx, reversal); err != nil {
		return JournalEntry{}, err
	}
	if err := tx.MarkReversed(ctx, original.ID); err != nil {
		return JournalEntry{}, err
	}
	if err := s.enqueueIfPosted(ctx, tx, reversal); err != nil {
		return JournalEntry{}, err
	}
	return reversal, nil
}

// GetJournal returns an entry with its lines.
func (s *Service) GetJournal(ctx context.Context, orgID, entryID uuid.UUID) (JournalEntry, error) {
	return s.repo.GetJournal(ctx, orgID, entryID)
}

// ListJournals returns entry headers matching the filter.
func (s *Service) ListJournals(ctx context.Context, filter ListFilter) ([]JournalEntry, error) {
	return s.repo.ListJournals(ctx, filter)
}

// acceptance carries facts resolved while validating an entry.
type acceptance struct {
	defaultLedger Ledger
}

// accept runs the posting checks in order: per-ledger balance, period and account
// locks, then account postability and required dimensions. It expands the entry's
// valuations in place. Closing entries skip module locks and dimension rules.
func (s *Service) accept(ctx context.Context, tx TxRepository, entry *JournalEntry) (acceptance, error) {
	var acc acceptance
	ledgers, err := tx.ListLedgers(ctx, entry.OrganizationID)
	if err != nil {
		return acc, err
	}
	vc := valuationContext{ledgers: make(map[uuid.UUID]Ledger, len(ledgers)), rate: decimal.NewFromInt(1), places: s.places}
	for _, l := range ledgers {
		vc.ledgers[l.ID] = l
		if l.IsDefault {
			vc.defaultLedger = l
		}
	}
	if vc.defaultLedger.ID == uuid.Nil {
		return acc, ErrNoDefaultLedger
	}
	acc.defaultLedger = vc.defaultLedger
	if entry.CurrencyCode == "" {
		entry.CurrencyCode = vc.defaultLedger.CurrencyCode
	}
	if _, err := currency.ParseISO(entry.CurrencyCode); err != nil {
		return acc, fmt.Errorf("%w: %q", ErrInvalidCurrency, entry.CurrencyCode)
	}
	entry.CurrencyCode = strings.ToUpper(entry.CurrencyCode)
	if err := checkEntryCurrency(entry.Lines, entry.CurrencyCode, s.places); err != nil {
		return acc, err
	}
	if needsDefaultValuation(entry.Lines) {
		if vc.rate, err = s.entryRate(ctx, entry, vc.defaultLedger); err != nil {
			return acc, err
		}
	}
	closing := entry.kind() == EntryKindClosing
	// Closing entries carry an explicit valuation for every ledger they touch.
	if !closing {
		if vc.rules, err = tx.ListMappingRules(ctx, entry.OrganizationID); err != nil {
			return acc, err
		}
	}
	lines, err := expandValuations(entry.Lines, vc)
	if err != nil {
		return acc, err
	}

	if err := CheckBalanced(lines, s.places); err != nil {
		return acc, err
	}

	period, err := tx.LockPeriodForDate(ctx, entry.OrganizationID, entry.Date)
	if err != nil {
		if errors.Is(err, closepkg.ErrPeriodNotFound) {
			return acc, fmt.Errorf("%w: no period covers %s", closepkg.ErrPeriodClosed, entry.Date.Format("2006-01-02"))
		}
		return acc, err
	}
	if closing {
		if period.Status == closepkg.StatusClosed {
			return acc, fmt.Errorf("%w: period %s is closed", closepkg.ErrPeriodClosed, period.Name)
		}
	} else if err := period.CheckPosting(entry.SourceModule); err != nil {
		return acc, err
	}
	ids := accountIDs(lines)
	accounts, err := tx.LockAccounts(ctx, entry.OrganizationID, ids)
	if err != nil {
		return acc, err
	}
	for _, id := range ids {
		a, ok := accounts[id]
		if !ok {
			return acc, fmt.Errorf("%w: %s", ErrAccountNotFound, id)
		}
		if a.IsBlockedForPosting {
			return acc, fmt.Errorf("%w: %s %s", ErrAccountBlocked, a.Code, a.Name)
		}
	}

	for _, id := range ids {
		a := accounts[id]
		switch {
		case !a.IsActive:
			return acc, fmt.Errorf("%w: %s is inactive", ErrNonPostableAccount, a.Code)
		case a.HasChildren:
			return acc, fmt.Errorf("%w: %s is a grouping account", ErrNonPostableAccount, a.Code)
		case !a.IsPostable:
			return acc, fmt.Errorf("%w: %s", ErrNonPostableAccount, a.Code)
		}
	}
	if !closing {
		rules, err := tx.ListDimensionRules(ctx, entry.OrganizationID, ids)
		if err != nil {
			return acc, err
		}
		if err := checkDimensions(lines, rules, accounts); err != nil {
			return acc, err
		}
	}
	entry.Lines = lines
	return acc, nil
}

func (s *Service) entryRate(ctx context.Context, entry *JournalEntry, ledger Ledger) (decimal.Decimal, error) {
	if strings.EqualFold(entry.CurrencyCode, ledger.CurrencyCode) {
		return decimal.NewFromInt(1), nil
	}
	if entry.ExchangeRate != nil {
		return *entry.ExchangeRate, nil
	}
	if s.rates == nil {
		return decimal.Zero, fmt.Errorf("%w: %s to %s", ErrExchangeRateRequired, entry.CurrencyCode, ledger.CurrencyCode)
	}
	rate, err := s.rates.RateAt(ctx, entry.OrganizationID, entry.CurrencyCode, ledger.CurrencyCode, entry.Date)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %v", ErrExchangeRateRequired, err)
	}
	entry.ExchangeRate = &rate
	return rate, nil
}

// gate asks the approval workflow whether a written entry may post now, then
// records the outcome. The request is opened last so a failed entry write never
// leaves one behind; ctx carries the posting transaction for the workflow to join.
func (s *Service) gate(ctx context.Context, tx TxRepository, entry *JournalEntry, acc acceptance, actorID uuid.UUID) error {
	if s.approvals != nil {
		amount := ledgerDebitTotal(entry.Lines, acc.defaultLedger.ID)
		req, err := s.approvals.StartApprovalProcess(ctx, entry.OrganizationID, entry.ID, workflow.DocumentJournalEntry, amount,
			workflow.WithRequester(actorID))
		if err != nil {
			return err
		}
		if req != nil {
			entry.Status = JournalStatusPendingApproval
			entry.ApprovalRequestID = &req.ID
			entry.UpdatedAt = s.now()
			return tx.UpdateJournalStatus(ctx, *entry)
		}
	}
	s.markPosted(entry, actorID)
	if err := tx.UpdateJournalStatus(ctx, *entry); err != nil {
		return err
	}
	return s.enqueueIfPosted(ctx, tx, *entry)
}

func (s *Service) markPosted(entry *JournalEntry, actorID uuid.UUID) {
	now := s.now()
	entry.Status = JournalStatusPosted
	entry.PostedBy = &actorID
	entry.PostedAt = &now
	entry.UpdatedAt = now
}

func (s *Service) enqueueIfPosted(ctx context.Context, tx TxRepository, entry JournalEntry) error {
	if entry.Status != JournalStatusPosted {
		return nil
	}
	return tx.EnqueueBalanceJobs(ctx, ComputeDeltas(entry))
}

func (s *Service) newEntry(input PostingInput) JournalEntry {
	now := s.now()
	module := input.SourceModule
	if module == "" {
		module = closepkg.ModuleGL
	}
	entry := JournalEntry{
		ID:             uuid.New(),
		OrganizationID: input.OrganizationID,
		Date:           input.Date,
		Description:    input.Description,
		Reference:      input.Reference,
		SourceModule:   module,
		CurrencyCode:   strings.ToUpper(strings.TrimSpace(input.CurrencyCode)),
		ExchangeRate:   input.ExchangeRate,
		Status:         JournalStatusDraft,
		Kind:           EntryKindStandard,
		CreatedBy:      input.ActorID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	entry.Lines = linesFromInput(entry.ID, input.Lines)
	return entry
}

func (s *Service) afterAccept(ctx context.Context, entry JournalEntry, actorID uuid.UUID, action string) {
	s.record(ctx, entry, actorID, action, map[string]any{"status": string(entry.Status)})
	if s.events == nil {
		return
	}
	payload := map[string]string{
		"status":        string(entry.Status),
		"date":          entry.Date.Format("2006-01-02"),
		"source_module": string(entry.SourceModule),
	}
	name := events.JournalEntryPosted
	if entry.Status == JournalStatusPendingApproval {
		name = events.JournalEntryPendingApproval
		if entry.ApprovalRequestID != nil {
			payload[workflow.KeyRequestID] = entry.ApprovalRequestID.String()
		}
	}
	if entry.ReversesEntryID != nil {
		payload["reverses_entry_id"] = entry.ReversesEntryID.String()
	}
	if err := s.events.Publish(ctx, events.New(name, entry.OrganizationID, entry.ID, payload)); err != nil {
		s.logger.Error("publish journal event", slog.String("entry_id", entry.ID.String()), slog.Any("error", err))
	}
}

func (s *Service) record(ctx context.Context, entry JournalEntry, actorID uuid.UUID, action string, meta map[string]any) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Record(ctx, shared.AuditLog{
		OrganizationID: entry.OrganizationID,
		ActorID:        actorID,
		Action:         action,
		Entity:         "journal_entry",
		EntityID:       entry.ID.String(),
		Meta:           meta,
		At:             s.now(),
	})
}

func needsDefaultValuation(lines []JournalLine) bool {
	for _, l := range lines {
		if len(l.Valuations) == 0 {
			return true
		}
	}
	return false
}

func accountIDs(lines []JournalLine) []uuid.UUID {
	seen := make(map[uuid.UUID]struct{}, len(lines))
	ids := make([]uuid.UUID, 0, len(lines))
	for _, l := range lines {
		if _, ok := seen[l.AccountID]; ok {
			continue
		}
		seen[l.AccountID] = struct{}{}
		ids = append(ids, l.AccountID)
	}
	return ids
}

func checkDimensions(lines []JournalLine, rules []DimensionRule, accounts map[uuid.UUID]Account) error {
	required := make(map[uuid.UUID][]string)
	for _, r := range rules {
		if r.Required {
			required[r.AccountID] = append(required[r.AccountID], r.Dimension)
		}
	}
	for idx, line := range lines {
		for _, dim := range required[line.AccountID] {
			if strings.TrimSpace(line.Dimensions[dim]) == "" {
				return fmt.Errorf("%w: %q on line %d (account %s)", ErrDimensionRequired, dim, idx, accounts[line.AccountID].Code)
			}
		}
	}
	return nil
}
