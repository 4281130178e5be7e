package close

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
)

// RepositoryPort is the persistence surface the service depends on.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	ListPeriods(ctx context.Context, orgID uuid.UUID) ([]Period, error)
	GetPeriod(ctx context.Context, orgID, id uuid.UUID) (Period, error)
}

// TxRepository exposes the statements run inside a close transaction.
type TxRepository interface {
	LoadPeriodForUpdate(ctx context.Context, orgID, id uuid.UUID) (Period, error)
	NextPeriod(ctx context.Context, orgID uuid.UUID, after time.Time) (Period, bool, error)
	CountDraftEntries(ctx context.Context, orgID uuid.UUID, start, end time.Time, module *Module) (int, error)
	PeriodRangeConflict(ctx context.Context, orgID uuid.UUID, start, end time.Time) (bool, error)
	InsertPeriod(ctx context.Context, p Period) error
	UpdatePeriod(ctx context.Context, p Period) error
	UpsertModuleStatus(ctx context.Context, periodID uuid.UUID, ms ModuleStatus) error
}

// AuditPort records period state changes.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// ClosingEntries books and reverses the entry that moves a period's income and
// expense into retained earnings. Both calls run inside the period transaction,
// which ctx carries.
type ClosingEntries interface {
	BookClosingEntry(ctx context.Context, p Period, actorID uuid.UUID) (*uuid.UUID, error)
	ReverseClosingEntry(ctx context.Context, p Period, entryID, actorID uuid.UUID, reason string) (uuid.UUID, error)
}

// Service is the lock authority for periods and their module sub-periods.
type Service struct {
	repo    RepositoryPort
	audit   AuditPort
	policy  ClosePolicy
	closing ClosingEntries
	now     func() time.Time
}

// NewService constructs a Service instance. An empty policy means strict.
func NewService(repo RepositoryPort, audit AuditPort, policy ClosePolicy) *Service {
	if policy == "" {
		policy = ClosePolicyStrict
	}
	return &Service{
		repo:   repo,
		audit:  audit,
		policy: policy,
		now:    time.Now,
	}
}

// WithNow overrides the clock for deterministic tests.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// WithClosingEntries books a closing entry on every close and reverses it on
// reopen. Without it periods close without touching the books.
func (s *Service) WithClosingEntries(c ClosingEntries) {
	s.closing = c
}

// Policy returns the configured close policy.
func (s *Service) Policy() ClosePolicy {
	return s.policy
}

// ListPeriods returns the organization's periods.
func (s *Service) ListPeriods(ctx context.Context, orgID uuid.UUID) ([]Period, error) {
	return s.repo.ListPeriods(ctx, orgID)
}

// GetPeriod returns a single period with module states.
func (s *Service) GetPeriod(ctx context.Context, orgID, id uuid.UUID) (Period, error) {
	return s.repo.GetPeriod(ctx, orgID, id)
}

// CreatePeriod inserts an open period with all modules open.
func (s *Service) CreatePeriod(ctx context.Context, in CreatePeriodInput) (Period, error) {
	if err := in.Validate(); err != nil {
		return Period{}, err
	}
	now := s.now()
	period := Period{
		ID:             uuid.New(),
		OrganizationID: in.OrganizationID,
		Name:           strings.TrimSpace(in.Name),
		StartDate:      truncateDay(in.StartDate),
		EndDate:        truncateDay(in.EndDate),
		Status:         StatusOpen,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	for _, m := range Modules() {
		period.Modules = append(period.Modules, ModuleStatus{Module: m, Status: StatusOpen})
	}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		conflict, err := tx.PeriodRangeConflict(ctx, in.OrganizationID, period.StartDate, period.EndDate)
		if err != nil {
			return err
		}
		if conflict {
			return ErrPeriodOverlap
		}
		return tx.InsertPeriod(ctx, period)
	})
	if err != nil {
		return Period{}, err
	}
	return period, nil
}

// ClosePeriod locks the whole period against posting. Drafts dated inside the
// period block the close; open modules are handled according to the policy.
// When closing entries are configured the period's income and expense are
// booked to retained earnings before the status flips.
func (s *Service) ClosePeriod(ctx context.Context, in CloseInput) (Period, error) {
	if err := in.validate(); err != nil {
		return Period{}, err
	}
	var period Period
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		p, err := tx.LoadPeriodForUpdate(ctx, in.OrganizationID, in.PeriodID)
		if err != nil {
			return err
		}
		if p.Status == StatusClosed {
			return ErrPeriodAlreadyClosed
		}
		drafts, err := tx.CountDraftEntries(ctx, in.OrganizationID, p.StartDate, p.EndDate, nil)
		if err != nil {
			return err
		}
		if drafts > 0 {
			return fmt.Errorf("%w: %d unposted entries in %s", ErrDraftEntriesExist, drafts, p.Name)
		}
		now := s.now()
		if open := p.OpenModules(); len(open) > 0 {
			if s.policy != ClosePolicyCascade {
				return fmt.Errorf("%w: %v", ErrModulesOpen, open)
			}
			for _, m := range open {
				ms := ModuleStatus{Module: m, Status: StatusClosed, ClosedBy: &in.ActorID, ClosedAt: &now}
				if err := tx.UpsertModuleStatus(ctx, p.ID, ms); err != nil {
					return err
				}
				p.Modules = setModule(p.Modules, ms)
			}
		}
		p.ClosingEntryID = nil
		if s.closing != nil {
			id, err := s.closing.BookClosingEntry(ctx, p, in.ActorID)
			if err != nil {
				return err
			}
			p.ClosingEntryID = id
		}
		p.Status = StatusClosed
		p.ClosedBy = &in.ActorID
		p.ClosedAt = &now
		p.UpdatedAt = now
		if err := tx.UpdatePeriod(ctx, p); err != nil {
			return err
		}
		period = p
		return nil
	})
	if err != nil {
		return Period{}, err
	}
	meta := map[string]any{"policy": string(s.policy)}
	if period.ClosingEntryID != nil {
		meta["closing_entry_id"] = period.ClosingEntryID.String()
	}
	s.record(ctx, period, in.ActorID, "period.close", meta)
	return period, nil
}

// ValidateReopen reports whether ReopenPeriod would currently succeed.
func (s *Service) ValidateReopen(ctx context.Context, orgID, periodID uuid.UUID) (Period, error) {
	var period Period
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		p, err := tx.LoadPeriodForUpdate(ctx, orgID, periodID)
		if err != nil {
			return err
		}
		if err := checkReopen(ctx, tx, p); err != nil {
			return err
		}
		period = p
		return nil
	})
	return period, err
}

// ReopenPeriod reopens a closed period and reverses its closing entry. The
// following period must still be open.
func (s *Service) ReopenPeriod(ctx context.Context, in ReopenInput) (Period, error) {
	if err := in.validate(); err != nil {
		return Period{}, err
	}
	var (
		period   Period
		reversal uuid.UUID
	)
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		p, err := tx.LoadPeriodForUpdate(ctx, in.OrganizationID, in.PeriodID)
		if err != nil {
			return err
		}
		if err := checkReopen(ctx, tx, p); err != nil {
			return err
		}
		now := s.now()
		closingEntry := p.ClosingEntryID
		p.Status = StatusOpen
		p.ReopenedBy = &in.ActorID
		p.ReopenedAt = &now
		p.ReopenReason = strings.TrimSpace(in.Reason)
		p.ClosingEntryID = nil
		p.UpdatedAt = now
		if err := tx.UpdatePeriod(ctx, p); err != nil {
			return err
		}
		for _, m := range in.Modules {
			ms := ModuleStatus{Module: m, Status: StatusOpen}
			if err := tx.UpsertModuleStatus(ctx, p.ID, ms); err != nil {
				return err
			}
			p.Modules = setModule(p.Modules, ms)
		}
		// The period is open again within this transaction, so the reversal
		// lands on the closing entry's own date.
		if closingEntry != nil && s.closing != nil {
			id, err := s.closing.ReverseClosingEntry(ctx, p, *closingEntry, in.ActorID, p.ReopenReason)
			if err != nil {
				return err
			}
			reversal = id
		}
		period = p
		return nil
	})
	if err != nil {
		return Period{}, err
	}
	meta := map[string]any{"reason": period.ReopenReason}
	if reversal != uuid.Nil {
		meta["closing_reversal_id"] = reversal.String()
	}
	s.record(ctx, period, in.ActorID, "period.reopen", meta)
	return period, nil
}

// CloseModule closes one module sub-period while the period stays open.
func (s *Service) CloseModule(ctx context.Context, in ModuleInput) (Period, error) {
	if err := in.validate(); err != nil {
		return Period{}, err
	}
	var period Period
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		p, err := tx.LoadPeriodForUpdate(ctx, in.OrganizationID, in.PeriodID)
		if err != nil {
			return err
		}
		if p.Status == StatusClosed {
			return ErrPeriodAlreadyClosed
		}
		if p.ModuleState(in.Module) == StatusClosed {
			return ErrModuleAlreadyClosed
		}
		module := in.Module
		drafts, err := tx.CountDraftEntries(ctx, in.OrganizationID, p.StartDate, p.EndDate, &module)
		if err != nil {
			return err
		}
		if drafts > 0 {
			return fmt.Errorf("%w: %d unposted %s entries in %s", ErrDraftEntriesExist, drafts, module, p.Name)
		}
		now := s.now()
		ms := ModuleStatus{Module: module, Status: StatusClosed, ClosedBy: &in.ActorID, ClosedAt: &now}
		if err := tx.UpsertModuleStatus(ctx, p.ID, ms); err != nil {
			return err
		}
		p.Modules = setModule(p.Modules, ms)
		period = p
		return nil
	})
	if err != nil {
		return Period{}, err
	}
	s.record(ctx, period, in.ActorID, "period.module.close", map[string]any{"module": string(in.Module)})
	return period, nil
}

// ReopenModule reopens a module sub-period. The overall period must be open.
func (s *Service) ReopenModule(ctx context.Context, in ModuleInput) (Period, error) {
	if err := in.validate(); err != nil {
		return Period{}, err
	}
	var period Period
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		p, err := tx.LoadPeriodForUpdate(ctx, in.OrganizationID, in.PeriodID)
		if err != nil {
			return err
		}
		if p.Status == StatusClosed {
			return fmt.Errorf("%w: reopen period %s first", ErrPeriodClosed, p.Name)
		}
		if p.ModuleState(in.Module) != StatusClosed {
			return ErrModuleNotClosed
		}
		ms := ModuleStatus{Module: in.Module, Status: StatusOpen}
		if err := tx.UpsertModuleStatus(ctx, p.ID, ms); err != nil {
			return err
		}
		p.Modules = setModule(p.Modules, ms)
		p.UpdatedAt = s.now()
		period = p
		return nil
	})
	if err != nil {
		return Period{}, err
	}
	s.record(ctx, period, in.ActorID, "period.module.reopen", map[string]any{"module": string(in.Module)})
	return period, nil
}

func checkReopen(ctx context.Context, tx TxRepository, p Period) error {
	if p.Status != StatusClosed {
		return ErrPeriodNotClosed
	}
	next, ok, err := tx.NextPeriod(ctx, p.OrganizationID, p.EndDate)
	if err != nil {
		return err
	}
	if ok && next.Status == StatusClosed {
		return fmt.Errorf("%w: %s", ErrPeriodOrderingViolation, next.Name)
	}
	return nil
}

func setModule(mods []ModuleStatus, ms ModuleStatus) []ModuleStatus {
	for i := range mods {
		if mods[i].Module == ms.Module {
			mods[i] = ms
			return mods
		}
	}
	return append(mods, ms)
}

func (s *Service) record(ctx context.Context, p Period, actorID uuid.UUID, action string, meta map[string]any) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Record(ctx, shared.AuditLog{
		OrganizationID: p.OrganizationID,
		ActorID:        actorID,
		Action:         action,
		Entity:         "period",
		EntityID:       p.ID.String(),
		Meta:           meta,
		At:             s.now(),
	})
}
