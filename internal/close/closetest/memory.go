// Package closetest provides an in-memory period store for tests.
package closetest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	closepkg "github.com/odyssey-erp/odyssey-ledger/internal/close"
)

// Draft is an unposted entry counted by the close checks.
type Draft struct {
	OrganizationID uuid.UUID
	Date           time.Time
	Module         closepkg.Module
}

// Store implements close.RepositoryPort in memory. Failed transactions roll back.
// Transactions are serialized on txMu; mu guards each individual read or write
// so postings made inside a close transaction can still resolve periods.
type Store struct {
	txMu    sync.Mutex
	mu      sync.Mutex
	periods map[uuid.UUID]closepkg.Period
	drafts  []Draft
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{periods: make(map[uuid.UUID]closepkg.Period)}
}

// AddDraft registers an unposted entry.
func (s *Store) AddDraft(d Draft) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.drafts = append(s.drafts, d)
}

// ClearDrafts forgets all unposted entries.
func (s *Store) ClearDrafts() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.drafts = nil
}

// PeriodForDate mirrors close.LockPeriodForDate for in-memory posting tests.
func (s *Store) PeriodForDate(orgID uuid.UUID, date time.Time) (closepkg.Period, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.periods {
		if p.OrganizationID == orgID && p.Contains(date) {
			return clonePeriod(p), nil
		}
	}
	return closepkg.Period{}, closepkg.ErrPeriodNotFound
}

// WithTx runs fn as the only transaction and restores the previous state on error.
func (s *Store) WithTx(ctx context.Context, fn func(context.Context, closepkg.TxRepository) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	s.mu.Lock()
	snapshot := make(map[uuid.UUID]closepkg.Period, len(s.periods))
	for id, p := range s.periods {
		snapshot[id] = clonePeriod(p)
	}
	s.mu.Unlock()
	if err := fn(ctx, &tx{s: s}); err != nil {
		s.mu.Lock()
		s.periods = snapshot
		s.mu.Unlock()
		return err
	}
	return nil
}

func (s *Store) ListPeriods(_ context.Context, orgID uuid.UUID) ([]closepkg.Period, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []closepkg.Period
	for _, p := range s.periods {
		if p.OrganizationID == orgID {
			out = append(out, clonePeriod(p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartDate.Before(out[j].StartDate) })
	return out, nil
}

func (s *Store) GetPeriod(_ context.Context, orgID, id uuid.UUID) (closepkg.Period, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.periods[id]
	if !ok || p.OrganizationID != orgID {
		return closepkg.Period{}, closepkg.ErrPeriodNotFound
	}
	return clonePeriod(p), nil
}

type tx struct {
	s *Store
}

func (t *tx) LoadPeriodForUpdate(_ context.Context, orgID, id uuid.UUID) (closepkg.Period, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	p, ok := t.s.periods[id]
	if !ok || p.OrganizationID != orgID {
		return closepkg.Period{}, closepkg.ErrPeriodNotFound
	}
	return clonePeriod(p), nil
}

func (t *tx) NextPeriod(_ context.Context, orgID uuid.UUID, after time.Time) (closepkg.Period, bool, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	var (
		next  closepkg.Period
		found bool
	)
	for _, p := range t.s.periods {
		if p.OrganizationID != orgID || !p.StartDate.After(after) {
			continue
		}
		if !found || p.StartDate.Before(next.StartDate) {
			next, found = p, true
		}
	}
	return clonePeriod(next), found, nil
}

func (t *tx) CountDraftEntries(_ context.Context, orgID uuid.UUID, start, end time.Time, module *closepkg.Module) (int, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	window := closepkg.Period{StartDate: start, EndDate: end}
	count := 0
	for _, d := range t.s.drafts {
		if d.OrganizationID != orgID || !window.Contains(d.Date) {
			continue
		}
		if module != nil && d.Module != *module {
			continue
		}
		count++
	}
	return count, nil
}

func (t *tx) PeriodRangeConflict(_ context.Context, orgID uuid.UUID, start, end time.Time) (bool, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	for _, p := range t.s.periods {
		if p.OrganizationID == orgID && !p.StartDate.After(end) && !p.EndDate.Before(start) {
			return true, nil
		}
	}
	return false, nil
}

func (t *tx) InsertPeriod(_ context.Context, p closepkg.Period) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if _, exists := t.s.periods[p.ID]; exists {
		return fmt.Errorf("closetest: duplicate period %s", p.ID)
	}
	t.s.periods[p.ID] = clonePeriod(p)
	return nil
}

func (t *tx) UpdatePeriod(_ context.Context, p closepkg.Period) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	current, ok := t.s.periods[p.ID]
	if !ok {
		return closepkg.ErrPeriodNotFound
	}
	p.Modules = current.Modules
	t.s.periods[p.ID] = p
	return nil
}

func (t *tx) UpsertModuleStatus(_ context.Context, periodID uuid.UUID, ms closepkg.ModuleStatus) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	p, ok := t.s.periods[periodID]
	if !ok {
		return closepkg.ErrPeriodNotFound
	}
	mods := append([]closepkg.ModuleStatus(nil), p.Modules...)
	replaced := false
	for i := range mods {
		if mods[i].Module == ms.Module {
			mods[i] = ms
			replaced = true
		}
	}
	if !replaced {
		mods = append(mods, ms)
	}
	p.Modules = mods
	t.s.periods[periodID] = p
	return nil
}

func clonePeriod(p closepkg.Period) closepkg.Period {
	p.Modules = append([]closepkg.ModuleStatus(nil), p.Modules...)
	return p
}
