package fx

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Rate converts one unit of From into To as of Date.
type Rate struct {
	OrganizationID uuid.UUID
	From           string
	To             string
	Date           time.Time
	Rate           decimal.Decimal
}

// RateProvider looks up the most recent rate on or before a date.
type RateProvider interface {
	LatestAtOrBefore(ctx context.Context, orgID uuid.UUID, from, to string, asOf time.Time) (Rate, bool, error)
}

// Book answers rate lookups with "most recent rate at or before date" semantics.
type Book struct {
	provider RateProvider
	policy   MissingRatePolicy
}

// NewBook constructs a Book. The policy only affects ConvertAll.
func NewBook(provider RateProvider, policy MissingRatePolicy) *Book {
	if policy == "" {
		policy = MissingRateFail
	}
	return &Book{provider: provider, policy: policy}
}

// Policy returns the configured missing-rate policy.
func (b *Book) Policy() MissingRatePolicy {
	return b.policy
}

// RateAt returns the rate converting from into to. Identical currencies convert at 1.
func (b *Book) RateAt(ctx context.Context, orgID uuid.UUID, from, to string, asOf time.Time) (decimal.Decimal, error) {
	from, to = normalise(from), normalise(to)
	if from == to {
		return decimal.NewFromInt(1), nil
	}
	if b == nil || b.provider == nil {
		return decimal.Zero, fmt.Errorf("%w: %s/%s on %s", ErrRateMissing, from, to, asOf.Format("2006-01-02"))
	}
	rate, ok, err := b.provider.LatestAtOrBefore(ctx, orgID, from, to, asOf)
	if err != nil {
		return decimal.Zero, err
	}
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s/%s on %s", ErrRateMissing, from, to, asOf.Format("2006-01-02"))
	}
	if !rate.Rate.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: %s/%s dated %s", ErrInvalidRate, from, to, rate.Date.Format("2006-01-02"))
	}
	return rate.Rate, nil
}

// Amount is a value held in a currency, tagged by the caller.
type Amount struct {
	Key      string
	Currency string
	Value    decimal.Decimal
}

// Conversion is the outcome of ConvertAll.
type Conversion struct {
	Currency string
	Total    decimal.Decimal
	Skipped  []Amount
}

// ConvertAll translates amounts into currency and sums them. Under MissingRateSkip
// amounts without a rate are reported in Skipped instead of failing.
func (b *Book) ConvertAll(ctx context.Context, orgID uuid.UUID, amounts []Amount, currency string, asOf time.Time, places int32) (Conversion, error) {
	out := Conversion{Currency: normalise(currency), Total: decimal.Zero}
	for _, a := range amounts {
		rate, err := b.RateAt(ctx, orgID, a.Currency, currency, asOf)
		if err != nil {
			if b.policy == MissingRateSkip && isMissing(err) {
				out.Skipped = append(out.Skipped, a)
				continue
			}
			return Conversion{}, err
		}
		out.Total = out.Total.Add(a.Value.Mul(rate).Round(places))
	}
	return out, nil
}

func normalise(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

func isMissing(err error) bool {
	return errors.Is(err, ErrRateMissing)
}
