package close

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status enumerates open/closed state shared by periods and module sub-periods.
type Status string

const (
	StatusOpen   Status = "OPEN"
	StatusClosed Status = "CLOSED"
)

// Module identifies a sub-ledger with its own close granularity.
type Module string

const (
	ModuleGL        Module = "GL"
	ModuleAP        Module = "AP"
	ModuleAR        Module = "AR"
	ModuleInventory Module = "INVENTORY"
)

// Modules lists every module tracked per period, in close order.
func Modules() []Module {
	return []Module{ModuleAP, ModuleAR, ModuleInventory, ModuleGL}
}

// ParseModule normalises a module tag.
func ParseModule(raw string) (Module, error) {
	m := Module(strings.ToUpper(strings.TrimSpace(raw)))
	switch m {
	case ModuleGL, ModuleAP, ModuleAR, ModuleInventory:
		return m, nil
	case "":
		return ModuleGL, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidModule, raw)
}

// ClosePolicy controls how the overall close treats modules still open.
type ClosePolicy string

const (
	// ClosePolicyStrict refuses the overall close while any module is open.
	ClosePolicyStrict ClosePolicy = "strict"
	// ClosePolicyCascade closes open modules together with the period.
	ClosePolicyCascade ClosePolicy = "cascade"
)

// ModuleStatus is the per-module sub-state of a period.
type ModuleStatus struct {
	Module   Module
	Status   Status
	ClosedBy *uuid.UUID
	ClosedAt *time.Time
}

// Period is a fiscal window owned by an organization.
type Period struct {
	ID             uuid.UUID
	OrganizationID uuid.UUID
	Name           string
	StartDate      time.Time
	EndDate        time.Time
	Status         Status
	ClosedBy       *uuid.UUID
	ClosedAt       *time.Time
	ReopenedBy     *uuid.UUID
	ReopenedAt     *time.Time
	ReopenReason   string
	// ClosingEntryID is the entry that cleared income and expense into
	// retained earnings when the period last closed.
	ClosingEntryID *uuid.UUID
	Modules        []ModuleStatus
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Contains reports whether date falls inside the period, inclusive on both ends.
func (p Period) Contains(date time.Time) bool {
	d := truncateDay(date)
	return !d.Before(truncateDay(p.StartDate)) && !d.After(truncateDay(p.EndDate))
}

// ModuleState returns the module's status. Modules without a row are open.
func (p Period) ModuleState(m Module) Status {
	for _, ms := range p.Modules {
		if ms.Module == m {
			return ms.Status
		}
	}
	return StatusOpen
}

// OpenModules lists modules that are not yet closed.
func (p Period) OpenModules() []Module {
	var open []Module
	for _, m := range Modules() {
		if p.ModuleState(m) != StatusClosed {
			open = append(open, m)
		}
	}
	return open
}

// CheckPosting returns ErrPeriodClosed when postings for module are locked out.
func (p Period) CheckPosting(m Module) error {
	if p.Status == StatusClosed {
		return fmt.Errorf("%w: period %s is closed", ErrPeriodClosed, p.Name)
	}
	if p.ModuleState(m) == StatusClosed {
		return fmt.Errorf("%w: module %s is closed for period %s", ErrPeriodClosed, m, p.Name)
	}
	return nil
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// CreatePeriodInput captures the fields required for a new period.
type CreatePeriodInput struct {
	OrganizationID uuid.UUID
	Name           string
	StartDate      time.Time
	EndDate        time.Time
}

// Validate ensures the create period input is coherent.
func (in CreatePeriodInput) Validate() error {
	if in.OrganizationID == uuid.Nil {
		return errors.New("close: organization id required")
	}
	if strings.TrimSpace(in.Name) == "" {
		return errors.New("close: name required")
	}
	if in.StartDate.IsZero() || in.EndDate.IsZero() {
		return errors.New("close: start and end date required")
	}
	if in.StartDate.After(in.EndDate) {
		return ErrInvalidPeriodRange
	}
	return nil
}

// CloseInput identifies the period and actor for an overall close.
type CloseInput struct {
	OrganizationID uuid.UUID
	PeriodID       uuid.UUID
	ActorID        uuid.UUID
}

// ReopenInput carries the audit reason for reopening a period.
type ReopenInput struct {
	OrganizationID uuid.UUID
	PeriodID       uuid.UUID
	ActorID        uuid.UUID
	Reason         string
	// Modules are reopened together with the period when set.
	Modules []Module
}

// ModuleInput scopes a close or reopen to one module.
type ModuleInput struct {
	OrganizationID uuid.UUID
	PeriodID       uuid.UUID
	Module         Module
	ActorID        uuid.UUID
}

func (in CloseInput) validate() error {
	return validateRefs(in.OrganizationID, in.PeriodID, in.ActorID)
}

func (in ReopenInput) validate() error {
	if err := validateRefs(in.OrganizationID, in.PeriodID, in.ActorID); err != nil {
		return err
	}
	if strings.TrimSpace(in.Reason) == "" {
		return ErrReasonRequired
	}
	for _, m := range in.Modules {
		if _, err := ParseModule(string(m)); err != nil {
			return err
		}
	}
	return nil
}

func (in ModuleInput) validate() error {
	if err := validateRefs(in.OrganizationID, in.PeriodID, in.ActorID); err != nil {
		return err
	}
	if in.Module == "" {
		return ErrInvalidModule
	}
	_, err := ParseModule(string(in.Module))
	return err
}

func validateRefs(org, period, actor uuid.UUID) error {
	switch {
	case org == uuid.Nil:
		return errors.New("close: organization id required")
	case period == uuid.Nil:
		return errors.New("close: period id required")
	case actor == uuid.Nil:
		return errors.New("close: actor required")
	}
	return nil
}

var (
	// ErrPeriodNotFound indicates the period does not exist for the organization.
	ErrPeriodNotFound = errors.New("close: period not found")
	// ErrPeriodClosed indicates postings are locked out by the period or module state.
	ErrPeriodClosed = errors.New("close: period closed for posting")
	// ErrPeriodAlreadyClosed indicates a close was requested twice.
	ErrPeriodAlreadyClosed = errors.New("close: period already closed")
	// ErrPeriodNotClosed indicates a reopen of an open period.
	ErrPeriodNotClosed = errors.New("close: period is not closed")
	// ErrModuleAlreadyClosed indicates the module sub-period is already closed.
	ErrModuleAlreadyClosed = errors.New("close: module already closed")
	// ErrModuleNotClosed indicates the module sub-period is open.
	ErrModuleNotClosed = errors.New("close: module is not closed")
	// ErrModulesOpen indicates the strict policy found modules still open.
	ErrModulesOpen = errors.New("close: modules still open")
	// ErrDraftEntriesExist blocks a close while drafts are dated inside the period.
	ErrDraftEntriesExist = errors.New("close: draft entries exist in period")
	// ErrPeriodOrderingViolation blocks reopening while the next period is closed.
	ErrPeriodOrderingViolation = errors.New("close: next period is closed")
	// ErrReasonRequired indicates a reopen without an audit reason.
	ErrReasonRequired = errors.New("close: reopen reason required")
	// ErrPeriodOverlap indicates the new period overlaps an existing one.
	ErrPeriodOverlap = errors.New("close: period overlaps existing period")
	// ErrInvalidPeriodRange indicates start after end.
	ErrInvalidPeriodRange = errors.New("close: start date cannot be after end date")
	// ErrInvalidModule indicates an unknown module tag.
	ErrInvalidModule = errors.New("close: invalid module")
)
