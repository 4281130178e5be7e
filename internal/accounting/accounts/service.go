package accounts

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/odyssey-erp/odyssey-ledger/internal/accounting"
	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
)

// RepositoryPort abstracts chart of accounts persistence.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	ListAccounts(ctx context.Context, orgID uuid.UUID) ([]accounting.Account, error)
	GetAccount(ctx context.Context, orgID, id uuid.UUID) (accounting.Account, error)
	ListSegments(ctx context.Context, orgID uuid.UUID) ([]SegmentDefinition, error)
	ListHierarchy(ctx context.Context, accountID uuid.UUID) ([]HierarchyVersion, error)
	ListBlockAudit(ctx context.Context, accountID uuid.UUID) ([]BlockAudit, error)
}

// TxRepository exposes the statements run inside one chart of accounts change.
type TxRepository interface {
	ListSegments(ctx context.Context, orgID uuid.UUID) ([]SegmentDefinition, error)
	ReplaceSegments(ctx context.Context, orgID uuid.UUID, defs []SegmentDefinition) error
	CountAccounts(ctx context.Context, orgID uuid.UUID) (int, error)
	CodeExists(ctx context.Context, orgID uuid.UUID, code string) (bool, error)
	GetAccountForUpdate(ctx context.Context, orgID, id uuid.UUID) (accounting.Account, error)
	InsertAccount(ctx context.Context, a accounting.Account) error
	UpdateAccount(ctx context.Context, a accounting.Account) error
	HasPostings(ctx context.Context, accountID uuid.UUID) (bool, error)
	LatestHierarchy(ctx context.Context, accountID uuid.UUID) (HierarchyVersion, bool, error)
	AppendHierarchy(ctx context.Context, v HierarchyVersion) error
	InsertBlockAudit(ctx context.Context, a BlockAudit) error
}

// AuditPort records chart of accounts changes.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service maintains the chart of accounts and its posting blocks.
type Service struct {
	repo  RepositoryPort
	audit AuditPort
	now   func() time.Time
}

// NewService constructs the chart of accounts service.
func NewService(repo RepositoryPort, audit AuditPort) *Service {
	return &Service{repo: repo, audit: audit, now: time.Now}
}

// WithNow overrides the clock for testing.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// ConfigureSegments replaces the code layout. Only allowed before any account exists.
func (s *Service) ConfigureSegments(ctx context.Context, orgID uuid.UUID, defs []SegmentDefinition) ([]SegmentDefinition, error) {
	if len(defs) == 0 {
		return nil, fmt.Errorf("%w: at least one segment required", ErrInvalidSegments)
	}
	out := make([]SegmentDefinition, len(defs))
	for i, d := range defs {
		if strings.TrimSpace(d.Name) == "" || d.Length <= 0 {
			return nil, fmt.Errorf("%w: segment %d needs a name and positive length", ErrInvalidSegments, i)
		}
		out[i] = SegmentDefinition{OrganizationID: orgID, Position: i, Name: strings.TrimSpace(d.Name), Length: d.Length}
	}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		n, err := tx.CountAccounts(ctx, orgID)
		if err != nil {
			return err
		}
		if n > 0 {
			return ErrSegmentsInUse
		}
		return tx.ReplaceSegments(ctx, orgID, out)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Segments returns the organization's layout in position order.
func (s *Service) Segments(ctx context.Context, orgID uuid.UUID) ([]SegmentDefinition, error) {
	return s.repo.ListSegments(ctx, orgID)
}

// Create adds an account and its first hierarchy version.
func (s *Service) Create(ctx context.Context, in CreateInput) (accounting.Account, error) {
	if err := in.validate(); err != nil {
		return accounting.Account{}, err
	}
	nature, err := accounting.NatureOf(in.Type)
	if err != nil {
		return accounting.Account{}, err
	}
	if in.Nature != "" && in.Nature != nature {
		return accounting.Account{}, fmt.Errorf("%w: %s accounts are %s", ErrNatureMismatch, in.Type, nature)
	}
	now := s.now()
	account := accounting.Account{
		ID:              uuid.New(),
		OrganizationID:  in.OrganizationID,
		Name:            strings.TrimSpace(in.Name),
		Type:            in.Type,
		Nature:          nature,
		ParentID:        in.ParentID,
		IsPostable:      in.IsPostable,
		IsSystemAccount: in.IsSystemAccount,
		IsActive:        true,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		defs, err := tx.ListSegments(ctx, in.OrganizationID)
		if err != nil {
			return err
		}
		account.Segments = append([]string(nil), in.Segments...)
		if account.Code, err = CodeFromSegments(defs, account.Segments); err != nil {
			return err
		}
		taken, err := tx.CodeExists(ctx, in.OrganizationID, account.Code)
		if err != nil {
			return err
		}
		if taken {
			return fmt.Errorf("%w: %s", ErrDuplicateCode, account.Code)
		}
		if in.ParentID != nil {
			if _, err := tx.GetAccountForUpdate(ctx, in.OrganizationID, *in.ParentID); err != nil {
				if errors.Is(err, accounting.ErrAccountNotFound) {
					return ErrParentNotFound
				}
				return err
			}
		}
		if err := tx.InsertAccount(ctx, account); err != nil {
			return err
		}
		return tx.AppendHierarchy(ctx, HierarchyVersion{
			ID:            uuid.New(),
			AccountID:     account.ID,
			ParentID:      in.ParentID,
			EffectiveFrom: now,
			ChangedBy:     in.ActorID,
			CreatedAt:     now,
		})
	})
	if err != nil {
		return accounting.Account{}, err
	}
	s.record(ctx, account, in.ActorID, "account.create", nil)
	return account, nil
}

// List returns the organization's accounts ordered by code.
func (s *Service) List(ctx context.Context, orgID uuid.UUID) ([]accounting.Account, error) {
	return s.repo.ListAccounts(ctx, orgID)
}

// Get returns one account.
func (s *Service) Get(ctx context.Context, orgID, id uuid.UUID) (accounting.Account, error) {
	return s.repo.GetAccount(ctx, orgID, id)
}

// Reparent appends a hierarchy version. Accounts with postings keep their place in
// the tree; merge them instead.
func (s *Service) Reparent(ctx context.Context, in ReparentInput) (accounting.Account, error) {
	if in.ActorID == uuid.Nil {
		return accounting.Account{}, errors.New("accounts: actor required")
	}
	effective := in.EffectiveFrom
	if effective.IsZero() {
		effective = s.now()
	}
	var account accounting.Account
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		account, err = tx.GetAccountForUpdate(ctx, in.OrganizationID, in.AccountID)
		if err != nil {
			return err
		}
		if sameParent(account.ParentID, in.ParentID) {
			return nil
		}
		posted, err := tx.HasPostings(ctx, account.ID)
		if err != nil {
			return err
		}
		if posted {
			return fmt.Errorf("%w: %s cannot move in the hierarchy", ErrAccountHasPostings, account.Code)
		}
		if in.ParentID != nil {
			if err := checkAncestry(ctx, tx, in.OrganizationID, account.ID, *in.ParentID); err != nil {
				return err
			}
		}
		latest, ok, err := tx.LatestHierarchy(ctx, account.ID)
		if err != nil {
			return err
		}
		if ok && effective.Before(latest.EffectiveFrom) {
			return fmt.Errorf("%w: %s is before %s", ErrHierarchyOutOfOrder,
				effective.Format(time.RFC3339), latest.EffectiveFrom.Format(time.RFC3339))
		}
		if err := tx.AppendHierarchy(ctx, HierarchyVersion{
			ID:            uuid.New(),
			AccountID:     account.ID,
			ParentID:      in.ParentID,
			EffectiveFrom: effective,
			ChangedBy:     in.ActorID,
			CreatedAt:     s.now(),
		}); err != nil {
			return err
		}
		account.ParentID = in.ParentID
		account.UpdatedAt = s.now()
		return tx.UpdateAccount(ctx, account)
	})
	if err != nil {
		return accounting.Account{}, err
	}
	meta := map[string]any{"effective_from": effective}
	if in.ParentID != nil {
		meta["parent_id"] = in.ParentID.String()
	}
	s.record(ctx, account, in.ActorID, "account.reparent", meta)
	return account, nil
}

// History returns the hierarchy versions of an account, oldest first.
func (s *Service) History(ctx context.Context, orgID, id uuid.UUID) ([]HierarchyVersion, error) {
	if _, err := s.repo.GetAccount(ctx, orgID, id); err != nil {
		return nil, err
	}
	return s.repo.ListHierarchy(ctx, id)
}

// ParentAt reconstructs the account's parent as of a past moment. The second result is
// false when the account did not exist yet.
func (s *Service) ParentAt(ctx context.Context, orgID, id uuid.UUID, at time.Time) (*uuid.UUID, bool, error) {
	versions, err := s.History(ctx, orgID, id)
	if err != nil {
		return nil, false, err
	}
	parent, ok := ParentAt(versions, at)
	return parent, ok, nil
}

// BlockForPosting locks the account against new postings.
func (s *Service) BlockForPosting(ctx context.Context, in BlockInput) (accounting.Account, error) {
	return s.setBlocked(ctx, in, true)
}

// UnblockForPosting lifts the posting block.
func (s *Service) UnblockForPosting(ctx context.Context, in BlockInput) (accounting.Account, error) {
	return s.setBlocked(ctx, in, false)
}

// BlockTrail returns the block audit rows of an account, oldest first.
func (s *Service) BlockTrail(ctx context.Context, orgID, id uuid.UUID) ([]BlockAudit, error) {
	if _, err := s.repo.GetAccount(ctx, orgID, id); err != nil {
		return nil, err
	}
	return s.repo.ListBlockAudit(ctx, id)
}

func (s *Service) setBlocked(ctx context.Context, in BlockInput, blocked bool) (accounting.Account, error) {
	if in.ActorID == uuid.Nil {
		return accounting.Account{}, errors.New("accounts: actor required")
	}
	var account accounting.Account
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		account, err = tx.GetAccountForUpdate(ctx, in.OrganizationID, in.AccountID)
		if err != nil {
			return err
		}
		previous := account.IsBlockedForPosting
		switch {
		case blocked && previous:
			return fmt.Errorf("%w: %s", ErrAlreadyBlocked, account.Code)
		case !blocked && !previous:
			return fmt.Errorf("%w: %s", ErrNotBlocked, account.Code)
		}
		now := s.now()
		account.IsBlockedForPosting = blocked
		account.UpdatedAt = now
		if blocked {
			account.BlockedBy = &in.ActorID
			account.BlockedAt = &now
		} else {
			account.BlockedBy = nil
			account.BlockedAt = nil
		}
		if err := tx.UpdateAccount(ctx, account); err != nil {
			return err
		}
		return tx.InsertBlockAudit(ctx, BlockAudit{
			ID:             uuid.New(),
			OrganizationID: account.OrganizationID,
			AccountID:      account.ID,
			Previous:       previous,
			Blocked:        blocked,
			ActorID:        in.ActorID,
			Reason:         strings.TrimSpace(in.Reason),
			At:             now,
		})
	})
	if err != nil {
		return accounting.Account{}, err
	}
	action := "account.unblock"
	if blocked {
		action = "account.block"
	}
	s.record(ctx, account, in.ActorID, action, map[string]any{"reason": in.Reason})
	return account, nil
}

// Deactivate retires an unused leaf account.
func (s *Service) Deactivate(ctx context.Context, orgID, id, actorID uuid.UUID) (accounting.Account, error) {
	var account accounting.Account
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		account, err = tx.GetAccountForUpdate(ctx, orgID, id)
		if err != nil {
			return err
		}
		switch {
		case account.IsSystemAccount:
			return ErrSystemAccount
		case account.HasChildren:
			return fmt.Errorf("%w: %s", ErrAccountHasChildren, account.Code)
		}
		posted, err := tx.HasPostings(ctx, account.ID)
		if err != nil {
			return err
		}
		if posted {
			return fmt.Errorf("%w: %s", ErrAccountHasPostings, account.Code)
		}
		if !account.IsActive {
			return nil
		}
		account.IsActive = false
		account.UpdatedAt = s.now()
		return tx.UpdateAccount(ctx, account)
	})
	if err != nil {
		return accounting.Account{}, err
	}
	s.record(ctx, account, actorID, "account.deactivate", nil)
	return account, nil
}

// checkAncestry walks up from parentID and fails when it reaches accountID.
func checkAncestry(ctx context.Context, tx TxRepository, orgID, accountID, parentID uuid.UUID) error {
	seen := make(map[uuid.UUID]struct{})
	next := &parentID
	for next != nil {
		if *next == accountID {
			return ErrHierarchyCycle
		}
		if _, loop := seen[*next]; loop {
			return ErrHierarchyCycle
		}
		seen[*next] = struct{}{}
		node, err := tx.GetAccountForUpdate(ctx, orgID, *next)
		if err != nil {
			if errors.Is(err, accounting.ErrAccountNotFound) {
				return ErrParentNotFound
			}
			return err
		}
		next = node.ParentID
	}
	return nil
}

func sameParent(a, b *uuid.UUID) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func (s *Service) record(ctx context.Context, a accounting.Account, actorID uuid.UUID, action string, meta map[string]any) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Record(ctx, shared.AuditLog{
		OrganizationID: a.OrganizationID,
		ActorID:        actorID,
		Action:         action,
		Entity:         "account",
		EntityID:       a.ID.String(),
		Meta:           meta,
		At:             s.now(),
	})
}
