package accounting

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"
)

// CreateLedgerInput describes a new set of books.
type CreateLedgerInput struct {
	OrganizationID uuid.UUID
	Name           string
	CurrencyCode   string
	IsDefault      bool
}

// CreateMappingRuleInput describes a cross-ledger derivation.
type CreateMappingRuleInput struct {
	OrganizationID  uuid.UUID
	SourceLedgerID  uuid.UUID
	SourceAccountID uuid.UUID
	TargetLedgerID  uuid.UUID
	Multiplier      decimal.Decimal
}

// CreateLedger registers a ledger. Only one default ledger may exist per organization.
func (s *Service) CreateLedger(ctx context.Context, in CreateLedgerInput) (Ledger, error) {
	if in.OrganizationID == uuid.Nil {
		return Ledger{}, errors.New("accounting: organization required")
	}
	if strings.TrimSpace(in.Name) == "" {
		return Ledger{}, errors.New("accounting: ledger name required")
	}
	unit, err := currency.ParseISO(in.CurrencyCode)
	if err != nil {
		return Ledger{}, fmt.Errorf("%w: %q", ErrInvalidCurrency, in.CurrencyCode)
	}
	ledger := Ledger{
		ID:             uuid.New(),
		OrganizationID: in.OrganizationID,
		Name:           strings.TrimSpace(in.Name),
		CurrencyCode:   unit.String(),
		IsDefault:      in.IsDefault,
		CreatedAt:      s.now(),
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if ledger.IsDefault {
			existing, err := tx.ListLedgers(ctx, in.OrganizationID)
			if err != nil {
				return err
			}
			for _, l := range existing {
				if l.IsDefault {
					return ErrDuplicateDefaultLedger
				}
			}
		}
		return tx.InsertLedger(ctx, ledger)
	})
	if err != nil {
		return Ledger{}, err
	}
	return ledger, nil
}

// ListLedgers returns the organization's ledgers.
func (s *Service) ListLedgers(ctx context.Context, orgID uuid.UUID) ([]Ledger, error) {
	return s.repo.ListLedgers(ctx, orgID)
}

// CreateMappingRule stores a rule deriving target-ledger valuations for an account.
func (s *Service) CreateMappingRule(ctx context.Context, in CreateMappingRuleInput) (LedgerMappingRule, error) {
	if in.SourceLedgerID == in.TargetLedgerID {
		return LedgerMappingRule{}, errors.New("accounting: source and target ledger must differ")
	}
	if !in.Multiplier.IsPositive() {
		return LedgerMappingRule{}, errors.New("accounting: multiplier must be positive")
	}
	rule := LedgerMappingRule{
		ID:              uuid.New(),
		OrganizationID:  in.OrganizationID,
		SourceLedgerID:  in.SourceLedgerID,
		SourceAccountID: in.SourceAccountID,
		TargetLedgerID:  in.TargetLedgerID,
		Multiplier:      in.Multiplier,
		IsActive:        true,
	}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		ledgers, err := tx.ListLedgers(ctx, in.OrganizationID)
		if err != nil {
			return err
		}
		if !hasLedger(ledgers, in.SourceLedgerID) || !hasLedger(ledgers, in.TargetLedgerID) {
			return ErrLedgerNotFound
		}
		accounts, err := tx.LockAccounts(ctx, in.OrganizationID, []uuid.UUID{in.SourceAccountID})
		if err != nil {
			return err
		}
		if _, ok := accounts[in.SourceAccountID]; !ok {
			return ErrAccountNotFound
		}
		return tx.InsertMappingRule(ctx, rule)
	})
	if err != nil {
		return LedgerMappingRule{}, err
	}
	return rule, nil
}

// SetDimensionRule requires or relaxes a dimension for an account.
func (s *Service) SetDimensionRule(ctx context.Context, rule DimensionRule) error {
	rule.Dimension = strings.TrimSpace(rule.Dimension)
	if rule.Dimension == "" {
		return errors.New("accounting: dimension name required")
	}
	return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		accounts, err := tx.LockAccounts(ctx, rule.OrganizationID, []uuid.UUID{rule.AccountID})
		if err != nil {
			return err
		}
		if _, ok := accounts[rule.AccountID]; !ok {
			return ErrAccountNotFound
		}
		return tx.UpsertDimensionRule(ctx, rule)
	})
}

func hasLedger(ledgers []Ledger, id uuid.UUID) bool {
	for _, l := range ledgers {
		if l.ID == id {
			return true
		}
	}
	return false
}
