package accounting

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-ledger/internal/balances"
	closepkg "github.com/odyssey-erp/odyssey-ledger/internal/close"
	"github.com/odyssey-erp/odyssey-ledger/internal/close/closetest"
)

type memoryRepo struct {
	mu       sync.Mutex
	periods  *closetest.Store
	ledgers  []Ledger
	rules    []LedgerMappingRule
	dims     []DimensionRule
	accounts map[uuid.UUID]Account
	entries  map[uuid.UUID]JournalEntry
	jobs     []balances.Job
	settings map[uuid.UUID]Settings
	// insertErr fails the next journal insert.
	insertErr error
}

func newMemoryRepo(periods *closetest.Store) *memoryRepo {
	return &memoryRepo{
		periods:  periods,
		accounts: make(map[uuid.UUID]Account),
		entries:  make(map[uuid.UUID]JournalEntry),
		settings: make(map[uuid.UUID]Settings),
	}
}

func (r *memoryRepo) addAccount(a Account) Account {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if a.Nature == "" {
		a.Nature, _ = NatureOf(a.Type)
	}
	r.accounts[a.ID] = a
	return a
}

func (r *memoryRepo) updateAccount(id uuid.UUID, fn func(*Account)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a := r.accounts[id]
	fn(&a)
	r.accounts[id] = a
}

func (r *memoryRepo) enqueued() []balances.Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]balances.Job(nil), r.jobs...)
}

func (r *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	entries := make(map[uuid.UUID]JournalEntry, len(r.entries))
	for id, e := range r.entries {
		entries[id] = e
	}
	settings := make(map[uuid.UUID]Settings, len(r.settings))
	for id, st := range r.settings {
		settings[id] = st
	}
	ledgers, rules, dims, jobs := len(r.ledgers), len(r.rules), append([]DimensionRule(nil), r.dims...), len(r.jobs)
	if err := fn(ctx, &memoryTx{r: r}); err != nil {
		r.entries = entries
		r.settings = settings
		r.ledgers, r.rules, r.dims, r.jobs = r.ledgers[:ledgers], r.rules[:rules], dims, r.jobs[:jobs]
		return err
	}
	return nil
}

func (r *memoryRepo) GetJournal(_ context.Context, orgID, entryID uuid.UUID) (JournalEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[entryID]
	if !ok || e.OrganizationID != orgID {
		return JournalEntry{}, ErrJournalNotFound
	}
	return e, nil
}

func (r *memoryRepo) ListJournals(_ context.Context, f ListFilter) ([]JournalEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []JournalEntry
	for _, e := range r.entries {
		if e.OrganizationID != f.OrganizationID || (f.Status != "" && e.Status != f.Status) {
			continue
		}
		if (f.From != nil && e.Date.Before(*f.From)) || (f.To != nil && e.Date.After(*f.To)) {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *memoryRepo) ListLedgers(_ context.Context, orgID uuid.UUID) ([]Ledger, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ledgersOf(orgID), nil
}

func (r *memoryRepo) GetSettings(_ context.Context, orgID uuid.UUID) (Settings, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.settingsOf(orgID), nil
}

func (r *memoryRepo) settingsOf(orgID uuid.UUID) Settings {
	if st, ok := r.settings[orgID]; ok {
		return st
	}
	return Settings{OrganizationID: orgID}
}

func (r *memoryRepo) ledgersOf(orgID uuid.UUID) []Ledger {
	var out []Ledger
	for _, l := range r.ledgers {
		if l.OrganizationID == orgID {
			out = append(out, l)
		}
	}
	return out
}

type memoryTx struct {
	r *memoryRepo
}

func (t *memoryTx) ListLedgers(_ context.Context, orgID uuid.UUID) ([]Ledger, error) {
	return t.r.ledgersOf(orgID), nil
}

func (t *memoryTx) ListMappingRules(_ context.Context, orgID uuid.UUID) ([]LedgerMappingRule, error) {
	var out []LedgerMappingRule
	for _, m := range t.r.rules {
		if m.OrganizationID == orgID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (t *memoryTx) ListDimensionRules(_ context.Context, orgID uuid.UUID, ids []uuid.UUID) ([]DimensionRule, error) {
	wanted := make(map[uuid.UUID]bool, len(ids))
	for _, id := range ids {
		wanted[id] = true
	}
	var out []DimensionRule
	for _, d := range t.r.dims {
		if d.OrganizationID == orgID && wanted[d.AccountID] {
			out = append(out, d)
		}
	}
	return out, nil
}

func (t *memoryTx) LockPeriodForDate(_ context.Context, orgID uuid.UUID, date time.Time) (closepkg.Period, error) {
	return t.r.periods.PeriodForDate(orgID, date)
}

func (t *memoryTx) LockAccounts(_ context.Context, orgID uuid.UUID, ids []uuid.UUID) (map[uuid.UUID]Account, error) {
	out := make(map[uuid.UUID]Account, len(ids))
	for _, id := range ids {
		a, ok := t.r.accounts[id]
		if !ok || a.OrganizationID != orgID {
			continue
		}
		for _, other := range t.r.accounts {
			if other.ParentID != nil && *other.ParentID == id {
				a.HasChildren = true
			}
		}
		out[id] = a
	}
	return out, nil
}

func (t *memoryTx) InsertJournalEntry(_ context.Context, e JournalEntry) error {
	if err := t.r.insertErr; err != nil {
		t.r.insertErr = nil
		return err
	}
	t.r.entries[e.ID] = e
	return nil
}

func (t *memoryTx) ReplaceJournalLines(_ context.Context, e JournalEntry) error {
	current := t.r.entries[e.ID]
	current.Lines = e.Lines
	t.r.entries[e.ID] = current
	return nil
}

func (t *memoryTx) UpdateJournalStatus(_ context.Context, e JournalEntry) error {
	current, ok := t.r.entries[e.ID]
	if !ok {
		return ErrJournalNotFound
	}
	current.Status = e.Status
	current.ApprovalRequestID = e.ApprovalRequestID
	current.PostedBy = e.PostedBy
	current.PostedAt = e.PostedAt
	current.ExchangeRate = e.ExchangeRate
	current.CurrencyCode = e.CurrencyCode
	current.UpdatedAt = e.UpdatedAt
	t.r.entries[e.ID] = current
	return nil
}

func (t *memoryTx) GetJournalForUpdate(_ context.Context, orgID, entryID uuid.UUID) (JournalEntry, error) {
	e, ok := t.r.entries[entryID]
	if !ok || e.OrganizationID != orgID {
		return JournalEntry{}, ErrJournalNotFound
	}
	return e, nil
}

func (t *memoryTx) MarkReversed(_ context.Context, entryID uuid.UUID) error {
	e := t.r.entries[entryID]
	if e.IsReversed {
		return ErrAlreadyReversed
	}
	e.IsReversed = true
	t.r.entries[entryID] = e
	return nil
}

func (t *memoryTx) EnqueueBalanceJobs(_ context.Context, jobs []balances.Job) error {
	t.r.jobs = append(t.r.jobs, jobs...)
	return nil
}

func (t *memoryTx) InsertLedger(_ context.Context, l Ledger) error {
	t.r.ledgers = append(t.r.ledgers, l)
	return nil
}

func (t *memoryTx) InsertMappingRule(_ context.Context, m LedgerMappingRule) error {
	t.r.rules = append(t.r.rules, m)
	return nil
}

func (t *memoryTx) UpsertDimensionRule(_ context.Context, d DimensionRule) error {
	for i := range t.r.dims {
		if t.r.dims[i].AccountID == d.AccountID && t.r.dims[i].Dimension == d.Dimension {
			t.r.dims[i] = d
			return nil
		}
	}
	t.r.dims = append(t.r.dims, d)
	return nil
}

func (t *memoryTx) PeriodActivity(_ context.Context, orgID uuid.UUID, start, end time.Time) ([]AccountActivity, error) {
	type key struct{ ledger, account uuid.UUID }
	sums := make(map[key]decimal.Decimal)
	window := closepkg.Period{StartDate: start, EndDate: end}
	for _, e := range t.r.entries {
		if e.OrganizationID != orgID || e.Status != JournalStatusPosted || !window.Contains(e.Date) {
			continue
		}
		for _, line := range e.Lines {
			if typ := t.r.accounts[line.AccountID].Type; typ != AccountTypeRevenue && typ != AccountTypeExpense {
				continue
			}
			for _, v := range line.Valuations {
				k := key{v.LedgerID, line.AccountID}
				sums[k] = sums[k].Add(v.Net())
			}
		}
	}
	var out []AccountActivity
	for k, net := range sums {
		if !net.IsZero() {
			out = append(out, AccountActivity{LedgerID: k.ledger, AccountID: k.account, Net: net})
		}
	}
	return out, nil
}

func (t *memoryTx) GetSettings(_ context.Context, orgID uuid.UUID) (Settings, error) {
	return t.r.settingsOf(orgID), nil
}

func (t *memoryTx) UpsertSettings(_ context.Context, st Settings) error {
	t.r.settings[st.OrganizationID] = st
	return nil
}
