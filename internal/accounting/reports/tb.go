// Package reports builds trial balance, profit and loss and balance sheet data from
// the aggregated account balances of one ledger.
package reports

import (
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-ledger/internal/accounting"
)

// AccountBalance is an account's stored net balance (debit minus credit) in one ledger.
type AccountBalance struct {
	AccountID uuid.UUID
	Code      string
	Name      string
	Type      accounting.AccountType
	Nature    accounting.AccountNature
	Net       decimal.Decimal
}

// Debit returns the debit side of the net balance.
func (a AccountBalance) Debit() decimal.Decimal {
	if a.Net.IsPositive() {
		return a.Net
	}
	return decimal.Zero
}

// Credit returns the credit side of the net balance.
func (a AccountBalance) Credit() decimal.Decimal {
	if a.Net.IsNegative() {
		return a.Net.Neg()
	}
	return decimal.Zero
}

// Natural presents the balance on the account's normal side.
func (a AccountBalance) Natural() decimal.Decimal {
	return accounting.Account{Nature: a.Nature}.NaturalBalance(a.Net)
}

// GroupKey returns the leading code segment used for grouping trial balance rows.
func (a AccountBalance) GroupKey() string {
	if idx := strings.Index(a.Code, "-"); idx > 0 {
		return a.Code[:idx]
	}
	if len(a.Code) >= 2 {
		return a.Code[:2]
	}
	return a.Code
}

// TrialBalanceAccount represents a row inside a trial balance group.
type TrialBalanceAccount struct {
	Code   string          `json:"code"`
	Name   string          `json:"name"`
	Debit  decimal.Decimal `json:"debit"`
	Credit decimal.Decimal `json:"credit"`
}

// TrialBalanceGroup aggregates accounts sharing a leading segment.
type TrialBalanceGroup struct {
	Key      string                `json:"key"`
	Accounts []TrialBalanceAccount `json:"accounts"`
	Debit    decimal.Decimal       `json:"debit"`
	Credit   decimal.Decimal       `json:"credit"`
}

// TrialBalance lists every account with its debit or credit balance.
type TrialBalance struct {
	Groups      []TrialBalanceGroup `json:"groups"`
	TotalDebit  decimal.Decimal     `json:"total_debit"`
	TotalCredit decimal.Decimal     `json:"total_credit"`
}

// Balanced reports whether total debits equal total credits.
func (tb TrialBalance) Balanced() bool {
	return tb.TotalDebit.Equal(tb.TotalCredit)
}

// BuildTrialBalance converts account balances into grouped trial balance data.
func BuildTrialBalance(accounts []AccountBalance) TrialBalance {
	groups := make(map[string]*TrialBalanceGroup)
	keys := make([]string, 0)
	for _, acc := range accounts {
		key := acc.GroupKey()
		grp, ok := groups[key]
		if !ok {
			grp = &TrialBalanceGroup{Key: key}
			groups[key] = grp
			keys = append(keys, key)
		}
		row := TrialBalanceAccount{Code: acc.Code, Name: acc.Name, Debit: acc.Debit(), Credit: acc.Credit()}
		grp.Accounts = append(grp.Accounts, row)
		grp.Debit = grp.Debit.Add(row.Debit)
		grp.Credit = grp.Credit.Add(row.Credit)
	}

	sort.Strings(keys)
	result := TrialBalance{}
	for _, key := range keys {
		grp := groups[key]
		sort.Slice(grp.Accounts, func(i, j int) bool {
			return grp.Accounts[i].Code < grp.Accounts[j].Code
		})
		result.Groups = append(result.Groups, *grp)
		result.TotalDebit = result.TotalDebit.Add(grp.Debit)
		result.TotalCredit = result.TotalCredit.Add(grp.Credit)
	}
	return result
}
