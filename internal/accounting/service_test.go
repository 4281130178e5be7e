package accounting

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	closepkg "github.com/odyssey-erp/odyssey-ledger/internal/close"
	"github.com/odyssey-erp/odyssey-ledger/internal/close/closetest"
	"github.com/odyssey-erp/odyssey-ledger/internal/events"
	"github.com/odyssey-erp/odyssey-ledger/internal/fx"
	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
	"github.com/odyssey-erp/odyssey-ledger/internal/workflow"
)

var (
	testOrg   = uuid.MustParse("0b6e2d52-0000-4000-8000-000000000001")
	testActor = uuid.MustParse("0b6e2d52-0000-4000-8000-0000000000aa")
)

func d(v string) decimal.Decimal { return decimal.RequireFromString(v) }

func day(y int, m time.Month, dd int) time.Time {
	return time.Date(y, m, dd, 0, 0, 0, 0, time.UTC)
}

type auditRecorder struct {
	mu   sync.Mutex
	logs []shared.AuditLog
}

func (a *auditRecorder) Record(_ context.Context, log shared.AuditLog) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.logs = append(a.logs, log)
	return nil
}

func (a *auditRecorder) actions() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.logs))
	for i, l := range a.logs {
		out[i] = l.Action
	}
	return out
}

type stubApprovals struct {
	route bool
	err   error
	calls []decimal.Decimal
}

func (s *stubApprovals) StartApprovalProcess(_ context.Context, orgID, documentID uuid.UUID, docType workflow.DocumentType, amount decimal.Decimal, opts ...workflow.StartOption) (*workflow.Request, error) {
	s.calls = append(s.calls, amount)
	if s.err != nil {
		return nil, s.err
	}
	if !s.route {
		return nil, nil
	}
	req := &workflow.Request{
		ID:             uuid.New(),
		OrganizationID: orgID,
		DocumentID:     documentID,
		DocumentType:   docType,
		Amount:         amount,
		Status:         workflow.RequestPending,
	}
	for _, opt := range opts {
		opt(req)
	}
	return req, nil
}

type staticRates []fx.Rate

func (s staticRates) LatestAtOrBefore(_ context.Context, orgID uuid.UUID, from, to string, asOf time.Time) (fx.Rate, bool, error) {
	for _, r := range s {
		if r.OrganizationID == orgID && r.From == from && r.To == to && !r.Date.After(asOf) {
			return r, true, nil
		}
	}
	return fx.Rate{}, false, nil
}

type fixture struct {
	svc       *Service
	repo      *memoryRepo
	periods   *closepkg.Service
	events    *events.Recorder
	audit     *auditRecorder
	approvals *stubApprovals
	ledger    Ledger
	march     closepkg.Period
	cash      Account
	revenue   Account
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	store := closetest.NewStore()
	periods := closepkg.NewService(store, nil, closepkg.ClosePolicyCascade)
	march, err := periods.CreatePeriod(ctx, closepkg.CreatePeriodInput{
		OrganizationID: testOrg,
		Name:           "2026-03",
		StartDate:      day(2026, 3, 1),
		EndDate:        day(2026, 3, 31),
	})
	require.NoError(t, err)

	f := &fixture{
		repo:      newMemoryRepo(store),
		periods:   periods,
		events:    &events.Recorder{},
		audit:     &auditRecorder{},
		approvals: &stubApprovals{},
		march:     march,
	}
	f.svc = NewService(f.repo, f.audit, f.approvals, f.events)
	f.svc.WithNow(func() time.Time { return day(2026, 3, 20) })

	f.ledger, err = f.svc.CreateLedger(ctx, CreateLedgerInput{
		OrganizationID: testOrg,
		Name:           "Primary",
		CurrencyCode:   "usd",
		IsDefault:      true,
	})
	require.NoError(t, err)
	f.cash = f.repo.addAccount(Account{OrganizationID: testOrg, Code: "1100", Name: "Cash", Type: AccountTypeAsset, IsPostable: true, IsActive: true})
	f.revenue = f.repo.addAccount(Account{OrganizationID: testOrg, Code: "4000", Name: "Revenue", Type: AccountTypeRevenue, IsPostable: true, IsActive: true})
	return f
}

func (f *fixture) input(amount string, debit, credit Account) PostingInput {
	return PostingInput{
		OrganizationID: testOrg,
		Date:           day(2026, 3, 10),
		Description:    "sale",
		ActorID:        testActor,
		Lines: []PostingLineInput{
			{AccountID: debit.ID, Debit: d(amount)},
			{AccountID: credit.ID, Credit: d(amount)},
		},
	}
}

func TestPostJournalBalancedEntryQueuesDeltas(t *testing.T) {
	f := newFixture(t)
	entry, err := f.svc.PostJournal(context.Background(), f.input("100", f.cash, f.revenue))
	require.NoError(t, err)
	require.Equal(t, JournalStatusPosted, entry.Status)
	require.Equal(t, "USD", entry.CurrencyCode)
	require.Equal(t, closepkg.ModuleGL, entry.SourceModule)
	require.NotNil(t, entry.PostedAt)
	for _, line := range entry.Lines {
		require.Len(t, line.Valuations, 1)
		require.Equal(t, f.ledger.ID, line.Valuations[0].LedgerID)
	}

	jobs := f.repo.enqueued()
	require.Len(t, jobs, 2)
	require.Equal(t, f.cash.ID, jobs[0].AccountID)
	require.True(t, jobs[0].NetChange.Equal(d("100")))
	require.Equal(t, f.revenue.ID, jobs[1].AccountID)
	require.True(t, jobs[1].NetChange.Equal(d("-100")))
	require.NoError(t, jobs[0].Validate())

	posted := f.events.Named(events.JournalEntryPosted)
	require.Len(t, posted, 1)
	require.Equal(t, entry.ID, posted[0].AggregateID)
	require.Equal(t, []string{"journal.post"}, f.audit.actions())
}

func TestPostJournalRejectsStructuralErrors(t *testing.T) {
	f := newFixture(t)
	in := f.input("100", f.cash, f.revenue)
	in.Lines = in.Lines[:1]
	_, err := f.svc.PostJournal(context.Background(), in)
	require.ErrorIs(t, err, ErrTooFewLines)

	in = f.input("100", f.cash, f.revenue)
	in.Lines[0].Credit = d("5")
	_, err = f.svc.PostJournal(context.Background(), in)
	require.ErrorIs(t, err, ErrInvalidAmount)

	in = f.input("100", f.cash, f.revenue)
	in.Lines[1].Credit = d("-100")
	_, err = f.svc.PostJournal(context.Background(), in)
	require.ErrorIs(t, err, ErrInvalidAmount)
	require.Empty(t, f.repo.enqueued())
}

func TestPostJournalUnbalancedIsCheckedBeforeLocks(t *testing.T) {
	f := newFixture(t)
	f.repo.updateAccount(f.cash.ID, func(a *Account) { a.IsBlockedForPosting = true })
	_, err := f.periods.ClosePeriod(context.Background(), closepkg.CloseInput{OrganizationID: testOrg, PeriodID: f.march.ID, ActorID: testActor})
	require.NoError(t, err)

	in := f.input("100", f.cash, f.revenue)
	in.Lines[1].Credit = d("90")
	_, err = f.svc.PostJournal(context.Background(), in)
	require.ErrorIs(t, err, ErrUnbalancedEntry)

	_, err = f.svc.PostJournal(context.Background(), f.input("100", f.cash, f.revenue))
	require.ErrorIs(t, err, closepkg.ErrPeriodClosed)
	require.Empty(t, f.repo.enqueued())
	require.Empty(t, f.events.Events())
}

func TestPostJournalRespectsPeriodAndModuleLocks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	in := f.input("100", f.cash, f.revenue)
	in.Date = day(2026, 5, 1)
	_, err := f.svc.PostJournal(ctx, in)
	require.ErrorIs(t, err, closepkg.ErrPeriodClosed)
	require.Contains(t, err.Error(), "no period covers")

	_, err = f.periods.CloseModule(ctx, closepkg.ModuleInput{OrganizationID: testOrg, PeriodID: f.march.ID, Module: closepkg.ModuleAP, ActorID: testActor})
	require.NoError(t, err)

	in = f.input("100", f.cash, f.revenue)
	in.SourceModule = closepkg.ModuleAP
	_, err = f.svc.PostJournal(ctx, in)
	require.ErrorIs(t, err, closepkg.ErrPeriodClosed)

	in.SourceModule = closepkg.ModuleAR
	entry, err := f.svc.PostJournal(ctx, in)
	require.NoError(t, err)
	require.Equal(t, JournalStatusPosted, entry.Status)

	_, err = f.periods.ClosePeriod(ctx, closepkg.CloseInput{OrganizationID: testOrg, PeriodID: f.march.ID, ActorID: testActor})
	require.NoError(t, err)
	_, err = f.svc.PostJournal(ctx, f.input("1", f.cash, f.revenue))
	require.ErrorIs(t, err, closepkg.ErrPeriodClosed)

	_, err = f.periods.ReopenPeriod(ctx, closepkg.ReopenInput{OrganizationID: testOrg, PeriodID: f.march.ID, ActorID: testActor, Reason: "late invoice", Modules: []closepkg.Module{closepkg.ModuleGL}})
	require.NoError(t, err)
	_, err = f.svc.PostJournal(ctx, f.input("1", f.cash, f.revenue))
	require.NoError(t, err)
}

func TestPostJournalBlockedAccount(t *testing.T) {
	f := newFixture(t)
	f.repo.updateAccount(f.revenue.ID, func(a *Account) { a.IsBlockedForPosting = true })

	_, err := f.svc.PostJournal(context.Background(), f.input("100", f.cash, f.revenue))
	require.ErrorIs(t, err, ErrAccountBlocked)
	require.Contains(t, err.Error(), "4000")

	f.repo.updateAccount(f.revenue.ID, func(a *Account) { a.IsBlockedForPosting = false })
	_, err = f.svc.PostJournal(context.Background(), f.input("100", f.cash, f.revenue))
	require.NoError(t, err)
}

func TestPostJournalUnknownAccount(t *testing.T) {
	f := newFixture(t)
	foreign := f.repo.addAccount(Account{OrganizationID: uuid.New(), Code: "9999", Type: AccountTypeAsset, IsPostable: true, IsActive: true})
	_, err := f.svc.PostJournal(context.Background(), f.input("10", foreign, f.revenue))
	require.ErrorIs(t, err, ErrAccountNotFound)
}

func TestPostJournalNonPostableAccounts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	group := f.repo.addAccount(Account{OrganizationID: testOrg, Code: "1000", Name: "Current assets", Type: AccountTypeAsset, IsPostable: true, IsActive: true})
	f.repo.addAccount(Account{OrganizationID: testOrg, Code: "1010", Name: "Petty cash", Type: AccountTypeAsset, IsPostable: true, IsActive: true, ParentID: &group.ID})
	_, err := f.svc.PostJournal(ctx, f.input("10", group, f.revenue))
	require.ErrorIs(t, err, ErrNonPostableAccount)
	require.Contains(t, err.Error(), "grouping")

	inactive := f.repo.addAccount(Account{OrganizationID: testOrg, Code: "1200", Type: AccountTypeAsset, IsPostable: true})
	_, err = f.svc.PostJournal(ctx, f.input("10", inactive, f.revenue))
	require.ErrorIs(t, err, ErrNonPostableAccount)
	require.Contains(t, err.Error(), "inactive")

	header := f.repo.addAccount(Account{OrganizationID: testOrg, Code: "1300", Type: AccountTypeAsset, IsActive: true})
	_, err = f.svc.PostJournal(ctx, f.input("10", header, f.revenue))
	require.ErrorIs(t, err, ErrNonPostableAccount)

	// Blocking is reported ahead of postability.
	f.repo.updateAccount(header.ID, func(a *Account) { a.IsBlockedForPosting = true })
	_, err = f.svc.PostJournal(ctx, f.input("10", header, f.revenue))
	require.ErrorIs(t, err, ErrAccountBlocked)
}

func TestPostJournalExplicitValuationsPerLedger(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ifrs, err := f.svc.CreateLedger(ctx, CreateLedgerInput{OrganizationID: testOrg, Name: "IFRS", CurrencyCode: "EUR"})
	require.NoError(t, err)

	in := f.input("100", f.cash, f.revenue)
	in.Lines[0].Valuations = []Valuation{{LedgerID: f.ledger.ID, Debit: d("100")}, {LedgerID: ifrs.ID, Debit: d("92")}}
	in.Lines[1].Valuations = []Valuation{{LedgerID: f.ledger.ID, Credit: d("100")}, {LedgerID: ifrs.ID, Credit: d("92")}}
	entry, err := f.svc.PostJournal(ctx, in)
	require.NoError(t, err)
	require.Len(t, entry.Lines[0].Valuations, 2)
	require.Len(t, f.repo.enqueued(), 4)

	in.Lines[1].Valuations[1].Credit = d("91")
	_, err = f.svc.PostJournal(ctx, in)
	require.ErrorIs(t, err, ErrUnbalancedEntry)
	require.Contains(t, err.Error(), ifrs.ID.String())

	in.Lines[1].Valuations = []Valuation{{LedgerID: f.ledger.ID, Credit: d("100")}, {LedgerID: f.ledger.ID, Credit: d("1")}}
	_, err = f.svc.PostJournal(ctx, in)
	require.ErrorIs(t, err, ErrDuplicateValuation)

	in.Lines[1].Valuations = []Valuation{{LedgerID: uuid.New(), Credit: d("100")}}
	_, err = f.svc.PostJournal(ctx, in)
	require.ErrorIs(t, err, ErrLedgerNotFound)
}

func TestPostJournalDerivesMappedValuations(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tax, err := f.svc.CreateLedger(ctx, CreateLedgerInput{OrganizationID: testOrg, Name: "Tax", CurrencyCode: "USD"})
	require.NoError(t, err)

	_, err = f.svc.CreateMappingRule(ctx, CreateMappingRuleInput{
		OrganizationID: testOrg, SourceLedgerID: f.ledger.ID, SourceAccountID: f.cash.ID, TargetLedgerID: tax.ID, Multiplier: d("0.5"),
	})
	require.NoError(t, err)

	_, err = f.svc.PostJournal(ctx, f.input("100", f.cash, f.revenue))
	require.ErrorIs(t, err, ErrUnbalancedEntry)

	_, err = f.svc.CreateMappingRule(ctx, CreateMappingRuleInput{
		OrganizationID: testOrg, SourceLedgerID: f.ledger.ID, SourceAccountID: f.revenue.ID, TargetLedgerID: tax.ID, Multiplier: d("0.5"),
	})
	require.NoError(t, err)

	entry, err := f.svc.PostJournal(ctx, f.input("100", f.cash, f.revenue))
	require.NoError(t, err)
	require.Len(t, entry.Lines[0].Valuations, 2)
	require.Equal(t, tax.ID, entry.Lines[0].Valuations[1].LedgerID)
	require.True(t, entry.Lines[0].Valuations[1].Debit.Equal(d("50")))

	_, err = f.svc.CreateMappingRule(ctx, CreateMappingRuleInput{
		OrganizationID: testOrg, SourceLedgerID: tax.ID, SourceAccountID: f.cash.ID, TargetLedgerID: tax.ID, Multiplier: d("1"),
	})
	require.Error(t, err)
}

func TestPostJournalRequiredDimensions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.svc.SetDimensionRule(ctx, DimensionRule{OrganizationID: testOrg, AccountID: f.revenue.ID, Dimension: "cost_center", Required: true}))

	_, err := f.svc.PostJournal(ctx, f.input("100", f.cash, f.revenue))
	require.ErrorIs(t, err, ErrDimensionRequired)

	in := f.input("100", f.cash, f.revenue)
	in.Lines[1].Dimensions = map[string]string{"cost_center": "CC-10"}
	_, err = f.svc.PostJournal(ctx, in)
	require.NoError(t, err)

	require.NoError(t, f.svc.SetDimensionRule(ctx, DimensionRule{OrganizationID: testOrg, AccountID: f.revenue.ID, Dimension: "cost_center"}))
	_, err = f.svc.PostJournal(ctx, f.input("100", f.cash, f.revenue))
	require.NoError(t, err)
}

func TestPostJournalForeignCurrency(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	in := f.input("100", f.cash, f.revenue)
	in.CurrencyCode = "EUR"
	_, err := f.svc.PostJournal(ctx, in)
	require.ErrorIs(t, err, ErrExchangeRateRequired)

	rate := d("1.1")
	in.ExchangeRate = &rate
	entry, err := f.svc.PostJournal(ctx, in)
	require.NoError(t, err)
	require.True(t, entry.Lines[0].Valuations[0].Debit.Equal(d("110")))

	in.ExchangeRate = nil
	f.svc.WithRates(fx.NewBook(staticRates{
		{OrganizationID: testOrg, From: "EUR", To: "USD", Date: day(2026, 3, 1), Rate: d("1.2")},
	}, fx.MissingRateFail))
	entry, err = f.svc.PostJournal(ctx, in)
	require.NoError(t, err)
	require.NotNil(t, entry.ExchangeRate)
	require.True(t, entry.ExchangeRate.Equal(d("1.2")))
	require.True(t, entry.Lines[1].Valuations[0].Credit.Equal(d("120")))

	in.CurrencyCode = "GBP"
	_, err = f.svc.PostJournal(ctx, in)
	require.ErrorIs(t, err, ErrExchangeRateRequired)
	require.ErrorContains(t, err, fx.ErrRateMissing.Error())

	in.CurrencyCode = "XX1"
	_, err = f.svc.PostJournal(ctx, in)
	require.ErrorIs(t, err, ErrInvalidCurrency)
}

func TestPostJournalConvertedSplitStaysBalanced(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rate := d("1.1")
	in := f.input("100", f.cash, f.revenue)
	in.CurrencyCode = "EUR"
	in.ExchangeRate = &rate
	in.Lines = []PostingLineInput{
		{AccountID: f.cash.ID, Debit: d("33.33")},
		{AccountID: f.cash.ID, Debit: d("33.33")},
		{AccountID: f.cash.ID, Debit: d("33.34")},
		{AccountID: f.revenue.ID, Credit: d("100.00")},
	}

	entry, err := f.svc.PostJournal(ctx, in)
	require.NoError(t, err)
	require.True(t, ledgerDebitTotal(entry.Lines, f.ledger.ID).Equal(d("110")))
	require.True(t, entry.Lines[0].Valuations[0].Debit.Equal(d("36.66")))
	require.True(t, entry.Lines[1].Valuations[0].Debit.Equal(d("36.66")))
	require.True(t, entry.Lines[2].Valuations[0].Debit.Equal(d("36.68")))
	require.True(t, entry.Lines[3].Valuations[0].Credit.Equal(d("110")))

	cash := decimal.Zero
	for _, job := range f.repo.enqueued() {
		if job.AccountID == f.cash.ID {
			cash = cash.Add(job.NetChange)
		}
	}
	require.True(t, cash.Equal(d("110")))

	tenth := d("0.1")
	in.ExchangeRate = &tenth
	in.Lines = []PostingLineInput{
		{AccountID: f.cash.ID, Debit: d("100.01")},
		{AccountID: f.revenue.ID, Credit: d("100.00")},
	}
	_, err = f.svc.PostJournal(ctx, in)
	require.ErrorIs(t, err, ErrUnbalancedEntry)
	require.ErrorContains(t, err, "EUR")
}

func TestPostJournalMappedSplitStaysBalanced(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tax, err := f.svc.CreateLedger(ctx, CreateLedgerInput{OrganizationID: testOrg, Name: "Tax", CurrencyCode: "USD"})
	require.NoError(t, err)
	for _, acct := range []Account{f.cash, f.revenue} {
		_, err = f.svc.CreateMappingRule(ctx, CreateMappingRuleInput{
			OrganizationID: testOrg, SourceLedgerID: f.ledger.ID, SourceAccountID: acct.ID, TargetLedgerID: tax.ID, Multiplier: d("1.1"),
		})
		require.NoError(t, err)
	}

	in := f.input("100", f.cash, f.revenue)
	in.Lines = []PostingLineInput{
		{AccountID: f.cash.ID, Debit: d("33.33")},
		{AccountID: f.cash.ID, Debit: d("33.34")},
		{AccountID: f.cash.ID, Debit: d("33.33")},
		{AccountID: f.revenue.ID, Credit: d("100")},
	}
	entry, err := f.svc.PostJournal(ctx, in)
	require.NoError(t, err)
	require.True(t, ledgerDebitTotal(entry.Lines, tax.ID).Equal(d("110")))
	require.True(t, entry.Lines[1].Valuations[1].Debit.Equal(d("36.68")))
	require.NoError(t, CheckBalanced(entry.Lines, 2))
}

func TestApprovalFlow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.approvals.route = true

	entry, err := f.svc.PostJournal(ctx, f.input("5000", f.cash, f.revenue))
	require.NoError(t, err)
	require.Equal(t, JournalStatusPendingApproval, entry.Status)
	require.NotNil(t, entry.ApprovalRequestID)
	require.True(t, f.approvals.calls[0].Equal(d("5000")))
	require.Empty(t, f.repo.enqueued())
	require.Len(t, f.events.Named(events.JournalEntryPendingApproval), 1)

	approver := uuid.New()
	req := workflow.Request{
		ID:           *entry.ApprovalRequestID,
		DocumentID:   entry.ID,
		DocumentType: workflow.DocumentJournalEntry,
		Status:       workflow.RequestApproved,
		RequestedBy:  testActor,
		DecidedBy:    &approver,
	}
	require.NoError(t, f.svc.HandleApprovalEvent(ctx, events.New(events.ApprovalRequestApproved, testOrg, req.ID, workflow.DecisionPayload(req))))

	posted, err := f.svc.GetJournal(ctx, testOrg, entry.ID)
	require.NoError(t, err)
	require.Equal(t, JournalStatusPosted, posted.Status)
	require.Equal(t, approver, *posted.PostedBy)
	require.Len(t, f.repo.enqueued(), 2)

	err = f.svc.HandleApprovalEvent(ctx, events.New(events.ApprovalRequestApproved, testOrg, req.ID, workflow.DecisionPayload(req)))
	require.ErrorIs(t, err, ErrInvalidStatus)
}

func TestApprovalRequestedOnlyAfterEntryIsWritten(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.approvals.route = true

	f.repo.insertErr = errors.New("insert failed")
	_, err := f.svc.PostJournal(ctx, f.input("5000", f.cash, f.revenue))
	require.Error(t, err)
	require.Empty(t, f.approvals.calls)

	f.approvals.err = errors.New("workflow unavailable")
	_, err = f.svc.PostJournal(ctx, f.input("5000", f.cash, f.revenue))
	require.ErrorIs(t, err, f.approvals.err)
	require.Len(t, f.approvals.calls, 1)
	stored, err := f.svc.ListJournals(ctx, ListFilter{OrganizationID: testOrg})
	require.NoError(t, err)
	require.Empty(t, stored)
	require.Empty(t, f.repo.enqueued())
}

func TestCreateDraftRespectsClosedPeriod(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.periods.ClosePeriod(ctx, closepkg.CloseInput{OrganizationID: testOrg, PeriodID: f.march.ID, ActorID: testActor})
	require.NoError(t, err)

	_, err = f.svc.CreateDraft(ctx, f.input("40", f.cash, f.revenue))
	require.ErrorIs(t, err, closepkg.ErrPeriodClosed)
	stored, err := f.svc.ListJournals(ctx, ListFilter{OrganizationID: testOrg})
	require.NoError(t, err)
	require.Empty(t, stored)

	in := f.input("40", f.cash, f.revenue)
	in.Date = day(2026, 6, 1)
	draft, err := f.svc.CreateDraft(ctx, in)
	require.NoError(t, err)
	require.Equal(t, JournalStatusDraft, draft.Status)
}

func TestApprovalRecheckedAgainstLocks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.approvals.route = true

	entry, err := f.svc.PostJournal(ctx, f.input("5000", f.cash, f.revenue))
	require.NoError(t, err)
	f.repo.updateAccount(f.cash.ID, func(a *Account) { a.IsBlockedForPosting = true })

	_, err = f.svc.ApproveJournal(ctx, testOrg, entry.ID, testActor)
	require.ErrorIs(t, err, ErrAccountBlocked)
	stored, err := f.svc.GetJournal(ctx, testOrg, entry.ID)
	require.NoError(t, err)
	require.Equal(t, JournalStatusPendingApproval, stored.Status)
}

func TestRejectionReturnsEntryToDraft(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.approvals.route = true

	entry, err := f.svc.PostJournal(ctx, f.input("5000", f.cash, f.revenue))
	require.NoError(t, err)

	approver := uuid.New()
	req := workflow.Request{
		ID:              *entry.ApprovalRequestID,
		DocumentID:      entry.ID,
		DocumentType:    workflow.DocumentJournalEntry,
		Status:          workflow.RequestRejected,
		DecidedBy:       &approver,
		RejectionReason: "wrong account",
	}
	require.NoError(t, f.svc.HandleApprovalEvent(ctx, events.New(events.ApprovalRequestRejected, testOrg, req.ID, workflow.DecisionPayload(req))))

	draft, err := f.svc.GetJournal(ctx, testOrg, entry.ID)
	require.NoError(t, err)
	require.Equal(t, JournalStatusDraft, draft.Status)
	require.Nil(t, draft.ApprovalRequestID)
	require.Contains(t, f.audit.actions(), "journal.reject")

	voided, err := f.svc.VoidJournal(ctx, VoidInput{OrganizationID: testOrg, EntryID: entry.ID, ActorID: testActor, Reason: "abandoned"})
	require.NoError(t, err)
	require.Equal(t, JournalStatusVoid, voided.Status)
}

func TestApprovalEventsForOtherDocumentsAreIgnored(t *testing.T) {
	f := newFixture(t)
	req := workflow.Request{ID: uuid.New(), DocumentID: uuid.New(), DocumentType: workflow.DocumentPeriodReopening}
	require.NoError(t, f.svc.HandleApprovalEvent(context.Background(),
		events.New(events.ApprovalRequestApproved, testOrg, req.ID, workflow.DecisionPayload(req))))
}

func TestDraftLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	draft, err := f.svc.CreateDraft(ctx, f.input("40", f.cash, f.revenue))
	require.NoError(t, err)
	require.Equal(t, JournalStatusDraft, draft.Status)
	require.Empty(t, f.repo.enqueued())

	posted, err := f.svc.PostDraft(ctx, PostDraftInput{OrganizationID: testOrg, EntryID: draft.ID, ActorID: testActor})
	require.NoError(t, err)
	require.Equal(t, JournalStatusPosted, posted.Status)
	require.Len(t, f.repo.enqueued(), 2)

	_, err = f.svc.PostDraft(ctx, PostDraftInput{OrganizationID: testOrg, EntryID: draft.ID, ActorID: testActor})
	require.ErrorIs(t, err, ErrInvalidStatus)

	_, err = f.svc.VoidJournal(ctx, VoidInput{OrganizationID: testOrg, EntryID: draft.ID, ActorID: testActor})
	require.ErrorIs(t, err, ErrInvalidStatus)

	_, err = f.svc.PostDraft(ctx, PostDraftInput{OrganizationID: uuid.New(), EntryID: draft.ID, ActorID: testActor})
	require.ErrorIs(t, err, ErrJournalNotFound)
}

func TestPostDraftRunsPostingChecks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	in := f.input("40", f.cash, f.revenue)
	in.Lines[1].Credit = d("30")
	draft, err := f.svc.CreateDraft(ctx, in)
	require.NoError(t, err)

	_, err = f.svc.PostDraft(ctx, PostDraftInput{OrganizationID: testOrg, EntryID: draft.ID, ActorID: testActor})
	require.ErrorIs(t, err, ErrUnbalancedEntry)

	stored, err := f.svc.GetJournal(ctx, testOrg, draft.ID)
	require.NoError(t, err)
	require.Equal(t, JournalStatusDraft, stored.Status)
}

func TestReverseJournal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	original, err := f.svc.PostJournal(ctx, f.input("75", f.cash, f.revenue))
	require.NoError(t, err)

	reversal, err := f.svc.ReverseJournal(ctx, ReverseInput{OrganizationID: testOrg, EntryID: original.ID, ActorID: testActor})
	require.NoError(t, err)
	require.Equal(t, JournalStatusPosted, reversal.Status)
	require.Equal(t, original.ID, *reversal.ReversesEntryID)
	require.True(t, reversal.Lines[0].Credit.Equal(d("75")))

	jobs := f.repo.enqueued()
	require.Len(t, jobs, 4)
	total := map[uuid.UUID]decimal.Decimal{}
	for _, j := range jobs {
		total[j.AccountID] = total[j.AccountID].Add(j.NetChange)
	}
	require.True(t, total[f.cash.ID].IsZero())
	require.True(t, total[f.revenue.ID].IsZero())

	stored, err := f.svc.GetJournal(ctx, testOrg, original.ID)
	require.NoError(t, err)
	require.True(t, stored.IsReversed)

	_, err = f.svc.ReverseJournal(ctx, ReverseInput{OrganizationID: testOrg, EntryID: original.ID, ActorID: testActor})
	require.ErrorIs(t, err, ErrAlreadyReversed)

	_, err = f.svc.VoidJournal(ctx, VoidInput{OrganizationID: testOrg, EntryID: original.ID, ActorID: testActor})
	require.ErrorIs(t, err, ErrInvalidStatus)
}

func TestReverseIntoClosedPeriodFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	original, err := f.svc.PostJournal(ctx, f.input("75", f.cash, f.revenue))
	require.NoError(t, err)
	_, err = f.periods.ClosePeriod(ctx, closepkg.CloseInput{OrganizationID: testOrg, PeriodID: f.march.ID, ActorID: testActor})
	require.NoError(t, err)

	_, err = f.svc.ReverseJournal(ctx, ReverseInput{OrganizationID: testOrg, EntryID: original.ID, ActorID: testActor})
	require.ErrorIs(t, err, closepkg.ErrPeriodClosed)

	_, err = f.periods.CreatePeriod(ctx, closepkg.CreatePeriodInput{OrganizationID: testOrg, Name: "2026-04", StartDate: day(2026, 4, 1), EndDate: day(2026, 4, 30)})
	require.NoError(t, err)
	april := day(2026, 4, 1)
	reversal, err := f.svc.ReverseJournal(ctx, ReverseInput{OrganizationID: testOrg, EntryID: original.ID, ActorID: testActor, Date: &april})
	require.NoError(t, err)
	require.Equal(t, april, reversal.Date)
}

func TestCreateLedgerRules(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.CreateLedger(ctx, CreateLedgerInput{OrganizationID: testOrg, Name: "Second", CurrencyCode: "USD", IsDefault: true})
	require.ErrorIs(t, err, ErrDuplicateDefaultLedger)

	_, err = f.svc.CreateLedger(ctx, CreateLedgerInput{OrganizationID: testOrg, Name: "Bad", CurrencyCode: "DOLLARS"})
	require.ErrorIs(t, err, ErrInvalidCurrency)

	ledgers, err := f.svc.ListLedgers(ctx, testOrg)
	require.NoError(t, err)
	require.Len(t, ledgers, 1)

	other := newMemoryRepo(closetest.NewStore())
	svc := NewService(other, nil, nil, nil)
	acct := other.addAccount(Account{OrganizationID: testOrg, Code: "1", Type: AccountTypeAsset, IsPostable: true, IsActive: true})
	_, err = svc.PostJournal(ctx, PostingInput{
		OrganizationID: testOrg, Date: day(2026, 3, 1), ActorID: testActor,
		Lines: []PostingLineInput{{AccountID: acct.ID, Debit: d("1")}, {AccountID: acct.ID, Credit: d("1")}},
	})
	require.ErrorIs(t, err, ErrNoDefaultLedger)
}

func TestNatureOf(t *testing.T) {
	n, err := NatureOf(AccountTypeExpense)
	require.NoError(t, err)
	require.Equal(t, NatureDebit, n)
	n, err = NatureOf(AccountTypeLiability)
	require.NoError(t, err)
	require.Equal(t, NatureCredit, n)
	_, err = NatureOf("CONTRA")
	require.ErrorIs(t, err, ErrInvalidAccountType)

	revenue := Account{Nature: NatureCredit}
	require.True(t, revenue.NaturalBalance(d("-250")).Equal(d("250")))
}

func TestRandomBalancedEntriesNetToZero(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	accounts := []Account{f.cash, f.revenue,
		f.repo.addAccount(Account{OrganizationID: testOrg, Code: "2100", Type: AccountTypeLiability, IsPostable: true, IsActive: true}),
		f.repo.addAccount(Account{OrganizationID: testOrg, Code: "6100", Type: AccountTypeExpense, IsPostable: true, IsActive: true}),
	}
	rng := rand.New(rand.NewSource(42))
	expected := map[uuid.UUID]decimal.Decimal{}

	for i := 0; i < 50; i++ {
		n := 2 + rng.Intn(4)
		lines := make([]PostingLineInput, 0, n+1)
		sum := decimal.Zero
		for j := 0; j < n; j++ {
			amt := decimal.New(int64(1+rng.Intn(100000)), -2)
			acct := accounts[rng.Intn(len(accounts))]
			lines = append(lines, PostingLineInput{AccountID: acct.ID, Debit: amt})
			sum = sum.Add(amt)
			expected[acct.ID] = expected[acct.ID].Add(amt)
		}
		credit := accounts[rng.Intn(len(accounts))]
		lines = append(lines, PostingLineInput{AccountID: credit.ID, Credit: sum})
		expected[credit.ID] = expected[credit.ID].Sub(sum)

		_, err := f.svc.PostJournal(ctx, PostingInput{OrganizationID: testOrg, Date: day(2026, 3, 1+rng.Intn(31)), ActorID: testActor, Lines: lines})
		require.NoError(t, err)
	}

	got := map[uuid.UUID]decimal.Decimal{}
	total := decimal.Zero
	for _, j := range f.repo.enqueued() {
		require.False(t, j.NetChange.IsZero())
		got[j.AccountID] = got[j.AccountID].Add(j.NetChange)
		total = total.Add(j.NetChange)
	}
	require.True(t, total.IsZero())
	for id, want := range expected {
		require.Truef(t, want.Equal(got[id]), "account %s want %s got %s", id, want, got[id])
	}
}
