package reports

import (
	"context"

	"github.com/google/uuid"

	"github.com/odyssey-erp/odyssey-ledger/internal/accounting"
	"github.com/odyssey-erp/odyssey-ledger/internal/balances"
)

// AccountLister reads the chart of accounts.
type AccountLister interface {
	ListAccounts(ctx context.Context, orgID uuid.UUID) ([]accounting.Account, error)
}

// BalanceLister reads the aggregated balances of one ledger.
type BalanceLister interface {
	List(ctx context.Context, orgID, ledgerID uuid.UUID) ([]balances.Balance, error)
}

// Service assembles reports. Figures are as current as the balance worker; deltas
// still queued are not included.
type Service struct {
	accounts AccountLister
	balances BalanceLister
}

// NewService constructs a report service.
func NewService(accounts AccountLister, balances BalanceLister) *Service {
	return &Service{accounts: accounts, balances: balances}
}

// Balances joins stored balances with account metadata. Accounts never posted to
// appear with a zero balance.
func (s *Service) Balances(ctx context.Context, orgID, ledgerID uuid.UUID) ([]AccountBalance, error) {
	accounts, err := s.accounts.ListAccounts(ctx, orgID)
	if err != nil {
		return nil, err
	}
	stored, err := s.balances.List(ctx, orgID, ledgerID)
	if err != nil {
		return nil, err
	}
	nets := make(map[uuid.UUID]balances.Balance, len(stored))
	for _, b := range stored {
		nets[b.AccountID] = b
	}
	out := make([]AccountBalance, 0, len(accounts))
	for _, a := range accounts {
		out = append(out, AccountBalance{
			AccountID: a.ID,
			Code:      a.Code,
			Name:      a.Name,
			Type:      a.Type,
			Nature:    a.Nature,
			Net:       nets[a.ID].Balance,
		})
	}
	return out, nil
}

// TrialBalance builds the trial balance of a ledger.
func (s *Service) TrialBalance(ctx context.Context, orgID, ledgerID uuid.UUID) (TrialBalance, error) {
	rows, err := s.Balances(ctx, orgID, ledgerID)
	if err != nil {
		return TrialBalance{}, err
	}
	return BuildTrialBalance(rows), nil
}

// ProfitAndLoss builds the income statement of a ledger.
func (s *Service) ProfitAndLoss(ctx context.Context, orgID, ledgerID uuid.UUID) (ProfitAndLoss, error) {
	rows, err := s.Balances(ctx, orgID, ledgerID)
	if err != nil {
		return ProfitAndLoss{}, err
	}
	return BuildProfitAndLoss(rows), nil
}

// BalanceSheet builds the balance sheet of a ledger.
func (s *Service) BalanceSheet(ctx context.Context, orgID, ledgerID uuid.UUID) (BalanceSheet, error) {
	rows, err := s.Balances(ctx, orgID, ledgerID)
	if err != nil {
		return BalanceSheet{}, err
	}
	return BuildBalanceSheet(rows), nil
}
