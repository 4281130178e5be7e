package accounts

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/odyssey-erp/odyssey-ledger/internal/accounting"
)

// SegmentDefinition is one fixed-length position of an organization's account code.
type SegmentDefinition struct {
	OrganizationID uuid.UUID `json:"organization_id"`
	Position       int       `json:"position"`
	Name           string    `json:"name"`
	Length         int       `json:"length"`
}

// HierarchyVersion records an account's parent from EffectiveFrom onwards.
type HierarchyVersion struct {
	ID            uuid.UUID  `json:"id"`
	AccountID     uuid.UUID  `json:"account_id"`
	ParentID      *uuid.UUID `json:"parent_id,omitempty"`
	EffectiveFrom time.Time  `json:"effective_from"`
	ChangedBy     uuid.UUID  `json:"changed_by"`
	CreatedAt     time.Time  `json:"created_at"`
}

// BlockAudit is the trail row written with every posting block change.
type BlockAudit struct {
	ID             uuid.UUID `json:"id"`
	OrganizationID uuid.UUID `json:"organization_id"`
	AccountID      uuid.UUID `json:"account_id"`
	Previous       bool      `json:"previous"`
	Blocked        bool      `json:"blocked"`
	ActorID        uuid.UUID `json:"actor_id"`
	Reason         string    `json:"reason,omitempty"`
	At             time.Time `json:"at"`
}

// CreateInput describes a new chart of accounts node.
type CreateInput struct {
	OrganizationID  uuid.UUID
	Segments        []string
	Name            string
	Type            accounting.AccountType
	// Nature is optional; when set it must agree with Type.
	Nature          accounting.AccountNature
	ParentID        *uuid.UUID
	IsPostable      bool
	IsSystemAccount bool
	ActorID         uuid.UUID
}

// ReparentInput moves an account under a new parent (nil for a root).
type ReparentInput struct {
	OrganizationID uuid.UUID
	AccountID      uuid.UUID
	ParentID       *uuid.UUID
	EffectiveFrom  time.Time
	ActorID        uuid.UUID
}

// BlockInput toggles the posting block of one account.
type BlockInput struct {
	OrganizationID uuid.UUID
	AccountID      uuid.UUID
	ActorID        uuid.UUID
	Reason         string
}

var (
	// ErrSegmentsNotConfigured indicates the organization has no segment layout.
	ErrSegmentsNotConfigured = errors.New("accounts: segment structure not configured")
	// ErrInvalidSegments indicates a code that does not match the segment layout.
	ErrInvalidSegments = errors.New("accounts: segments do not match the organization layout")
	// ErrSegmentsInUse indicates the layout cannot change once accounts exist.
	ErrSegmentsInUse = errors.New("accounts: segment structure already in use")
	// ErrDuplicateCode indicates the full code is taken.
	ErrDuplicateCode = errors.New("accounts: account code already exists")
	// ErrNatureMismatch indicates a nature that disagrees with the account type.
	ErrNatureMismatch = errors.New("accounts: nature does not match account type")
	// ErrParentNotFound indicates a missing parent account.
	ErrParentNotFound = errors.New("accounts: parent account not found")
	// ErrHierarchyCycle indicates the new parent is a descendant of the account.
	ErrHierarchyCycle = errors.New("accounts: reparenting would create a cycle")
	// ErrHierarchyOutOfOrder indicates a version dated before the latest one.
	ErrHierarchyOutOfOrder = errors.New("accounts: hierarchy version predates the current one")
	// ErrAccountHasPostings indicates journal lines reference the account.
	ErrAccountHasPostings = errors.New("accounts: account has postings")
	// ErrAccountHasChildren indicates the account groups other accounts.
	ErrAccountHasChildren = errors.New("accounts: account has child accounts")
	// ErrSystemAccount indicates a protected system account.
	ErrSystemAccount = errors.New("accounts: system accounts cannot be deactivated")
	// ErrAlreadyBlocked indicates the account is already blocked for posting.
	ErrAlreadyBlocked = errors.New("accounts: account already blocked")
	// ErrNotBlocked indicates the account is not blocked for posting.
	ErrNotBlocked = errors.New("accounts: account is not blocked")
)

// CodeFromSegments checks values against the layout and returns the full code.
func CodeFromSegments(defs []SegmentDefinition, values []string) (string, error) {
	if len(defs) == 0 {
		return "", ErrSegmentsNotConfigured
	}
	if len(values) != len(defs) {
		return "", fmt.Errorf("%w: got %d segments, want %d", ErrInvalidSegments, len(values), len(defs))
	}
	for i, def := range defs {
		v := strings.TrimSpace(values[i])
		if len(v) != def.Length {
			return "", fmt.Errorf("%w: segment %s %q must be %d characters", ErrInvalidSegments, def.Name, v, def.Length)
		}
		values[i] = v
	}
	return strings.Join(values, "-"), nil
}

// ParentAt returns the parent in effect at the given time from an ascending version log.
func ParentAt(versions []HierarchyVersion, at time.Time) (*uuid.UUID, bool) {
	var current *HierarchyVersion
	for i := range versions {
		if versions[i].EffectiveFrom.After(at) {
			break
		}
		current = &versions[i]
	}
	if current == nil {
		return nil, false
	}
	return current.ParentID, true
}

func (in CreateInput) validate() error {
	switch {
	case in.OrganizationID == uuid.Nil:
		return errors.New("accounts: organization required")
	case in.ActorID == uuid.Nil:
		return errors.New("accounts: actor required")
	case strings.TrimSpace(in.Name) == "":
		return errors.New("accounts: name required")
	}
	return nil
}
