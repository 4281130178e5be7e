package fx

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository reads and writes fx_rates.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// LatestAtOrBefore implements RateProvider.
func (r *Repository) LatestAtOrBefore(ctx context.Context, orgID uuid.UUID, from, to string, asOf time.Time) (Rate, bool, error) {
	rate := Rate{OrganizationID: orgID, From: from, To: to}
	err := r.pool.QueryRow(ctx, `SELECT as_of, rate FROM fx_rates
WHERE organization_id=$1 AND from_currency=$2 AND to_currency=$3 AND as_of <= $4
ORDER BY as_of DESC LIMIT 1`, orgID, from, to, asOf).Scan(&rate.Date, &rate.Rate)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Rate{}, false, nil
		}
		return Rate{}, false, err
	}
	return rate, true, nil
}

// Upsert stores a rate for its date.
func (r *Repository) Upsert(ctx context.Context, rate Rate) error {
	if !rate.Rate.IsPositive() {
		return ErrInvalidRate
	}
	_, err := r.pool.Exec(ctx, `INSERT INTO fx_rates (organization_id, from_currency, to_currency, as_of, rate)
VALUES ($1,$2,$3,$4,$5)
ON CONFLICT (organization_id, from_currency, to_currency, as_of) DO UPDATE SET rate=EXCLUDED.rate`,
		rate.OrganizationID, normalise(rate.From), normalise(rate.To), rate.Date, rate.Rate)
	return err
}
