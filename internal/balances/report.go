package balances

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-ledger/internal/fx"
)

// LedgerBalance is an account's balance in one ledger, in that ledger's currency.
type LedgerBalance struct {
	LedgerID uuid.UUID
	Currency string
	Balance  decimal.Decimal
	Version  int64
}

// AccountBalanceReader loads an account's balances across ledgers.
type AccountBalanceReader interface {
	ListForAccount(ctx context.Context, orgID, accountID uuid.UUID) ([]LedgerBalance, error)
}

// Converter translates amounts into a reporting currency.
type Converter interface {
	ConvertAll(ctx context.Context, orgID uuid.UUID, amounts []fx.Amount, currency string, asOf time.Time, places int32) (fx.Conversion, error)
}

// AccountReport is an account's balances with their total in a reporting currency.
type AccountReport struct {
	AccountID uuid.UUID
	Ledgers   []LedgerBalance
	Total     fx.Conversion
}

// Reporter reads the eventually consistent balance cache.
type Reporter struct {
	reader    AccountBalanceReader
	converter Converter
	places    int32
}

// NewReporter constructs a Reporter.
func NewReporter(reader AccountBalanceReader, converter Converter, places int32) *Reporter {
	return &Reporter{reader: reader, converter: converter, places: places}
}

// AccountTotal sums an account's ledger balances in currency using rates as of asOf.
// Ledgers without a rate fail the report or are listed in Total.Skipped, per the FX policy.
func (r *Reporter) AccountTotal(ctx context.Context, orgID, accountID uuid.UUID, currency string, asOf time.Time) (AccountReport, error) {
	ledgers, err := r.reader.ListForAccount(ctx, orgID, accountID)
	if err != nil {
		return AccountReport{}, err
	}
	amounts := make([]fx.Amount, 0, len(ledgers))
	for _, l := range ledgers {
		amounts = append(amounts, fx.Amount{Key: l.LedgerID.String(), Currency: l.Currency, Value: l.Balance})
	}
	total, err := r.converter.ConvertAll(ctx, orgID, amounts, currency, asOf, r.places)
	if err != nil {
		return AccountReport{}, err
	}
	return AccountReport{AccountID: accountID, Ledgers: ledgers, Total: total}, nil
}

// ListForAccount implements AccountBalanceReader.
func (s *PGStore) ListForAccount(ctx context.Context, orgID, accountID uuid.UUID) ([]LedgerBalance, error) {
	rows, err := s.pool.Query(ctx, `SELECT b.ledger_id, l.currency_code, b.balance, b.version
FROM account_balances b JOIN ledgers l ON l.id = b.ledger_id
WHERE b.organization_id=$1 AND b.account_id=$2 ORDER BY l.is_default DESC, l.name`, orgID, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []LedgerBalance
	for rows.Next() {
		var lb LedgerBalance
		if err := rows.Scan(&lb.LedgerID, &lb.Currency, &lb.Balance, &lb.Version); err != nil {
			return nil, err
		}
		out = append(out, lb)
	}
	return out, rows.Err()
}
