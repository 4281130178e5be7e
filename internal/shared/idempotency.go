package shared

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrIdempotencyConflict is returned when a key was already claimed for a module.
var ErrIdempotencyConflict = errors.New("shared: idempotency key already used")

var errIdempotencyKey = errors.New("shared: idempotency key and module required")

// IdempotencyStore claims request keys in idempotency_keys, scoped by module.
type IdempotencyStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewIdempotencyStore constructs the store.
func NewIdempotencyStore(pool *pgxpool.Pool) *IdempotencyStore {
	return &IdempotencyStore{pool: pool, now: func() time.Time { return time.Now().UTC() }}
}

// CheckAndInsert claims key for module, or returns ErrIdempotencyConflict if
// an earlier request holds it.
func (s *IdempotencyStore) CheckAndInsert(ctx context.Context, key, module string) error {
	if key == "" || module == "" {
		return errIdempotencyKey
	}
	tag, err := s.pool.Exec(ctx, `INSERT INTO idempotency_keys (key, module, created_at)
		VALUES ($1, $2, $3) ON CONFLICT (key, module) DO NOTHING`, key, module, s.now())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrIdempotencyConflict
	}
	return nil
}

// Delete releases a claim so a failed request can be retried with the same key.
func (s *IdempotencyStore) Delete(ctx context.Context, key, module string) error {
	if key == "" || module == "" {
		return errIdempotencyKey
	}
	_, err := s.pool.Exec(ctx, `DELETE FROM idempotency_keys WHERE key = $1 AND module = $2`, key, module)
	return err
}

// Cleanup expires claims older than olderThan and returns how many it removed.
func (s *IdempotencyStore) Cleanup(ctx context.Context, olderThan time.Duration) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM idempotency_keys WHERE created_at < $1`, s.now().Add(-olderThan))
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
