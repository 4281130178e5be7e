package balances

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Applier applies balance deltas exactly once per idempotency key.
type Applier struct {
	store      Store
	tries      uint
	newBackOff func() backoff.BackOff
	onConflict func(err error)
	logger     *slog.Logger
}

// ApplierOption customises an Applier.
type ApplierOption func(*Applier)

// WithLocalRetries sets how many in-process attempts ApplyWithRetry makes before giving up.
func WithLocalRetries(n int) ApplierOption {
	return func(a *Applier) {
		if n > 0 {
			a.tries = uint(n)
		}
	}
}

// WithBackOff replaces the backoff used between in-process attempts.
func WithBackOff(fn func() backoff.BackOff) ApplierOption {
	return func(a *Applier) {
		if fn != nil {
			a.newBackOff = fn
		}
	}
}

// WithConflictObserver is called for every retryable failure.
func WithConflictObserver(fn func(err error)) ApplierOption {
	return func(a *Applier) {
		a.onConflict = fn
	}
}

// WithApplierLogger sets the logger.
func WithApplierLogger(logger *slog.Logger) ApplierOption {
	return func(a *Applier) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// NewApplier constructs an Applier over store.
func NewApplier(store Store, opts ...ApplierOption) *Applier {
	a := &Applier{
		store: store,
		tries: 3,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 20 * time.Millisecond
			b.MaxInterval = 500 * time.Millisecond
			return b
		},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Apply makes one attempt. The applied key is recorded in the same unit of work as
// the balance change, so a redelivered job is reported as a duplicate and leaves the
// balance untouched. A fresh row is seeded with the net change at version 1; an
// existing row is updated only if its version is unchanged since it was read.
func (a *Applier) Apply(ctx context.Context, job Job) (Outcome, error) {
	if err := job.Validate(); err != nil {
		return "", err
	}
	var outcome Outcome
	err := a.store.WithTx(ctx, func(ctx context.Context, tx StoreTx) error {
		fresh, err := tx.MarkApplied(ctx, job)
		if err != nil {
			return err
		}
		if !fresh {
			outcome = OutcomeDuplicate
			return nil
		}
		inserted, err := tx.InsertIfAbsent(ctx, job)
		if err != nil {
			return err
		}
		if inserted {
			outcome = OutcomeInserted
			return nil
		}
		version, err := tx.Version(ctx, job.AccountID, job.LedgerID)
		if errors.Is(err, ErrBalanceNotFound) {
			return fmt.Errorf("%w: %s", ErrBalanceVanished, job.IdempotencyKey)
		}
		if err != nil {
			return err
		}
		ok, err := tx.CompareAndAdd(ctx, job.AccountID, job.LedgerID, version, job.NetChange)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %s at version %d", ErrOptimisticLockConflict, job.IdempotencyKey, version)
		}
		outcome = OutcomeUpdated
		return nil
	})
	if err != nil {
		return "", err
	}
	return outcome, nil
}

// ApplyWithRetry retries Apply on lock conflicts with jittered exponential backoff.
// Other errors are returned at once. The last conflict is returned when the tries run out
// so the queue can redeliver the job later.
func (a *Applier) ApplyWithRetry(ctx context.Context, job Job) (Outcome, error) {
	op := func() (Outcome, error) {
		outcome, err := a.Apply(ctx, job)
		if err == nil {
			return outcome, nil
		}
		if !Retryable(err) {
			return "", backoff.Permanent(err)
		}
		if a.onConflict != nil {
			a.onConflict(err)
		}
		a.logger.Debug("balance delta conflict", slog.String("idempotency_key", job.IdempotencyKey), slog.Any("error", err))
		return "", err
	}
	return backoff.Retry(ctx, op, backoff.WithBackOff(a.newBackOff()), backoff.WithMaxTries(a.tries))
}
