package balances

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

var (
	testOrg    = uuid.MustParse("0b6f3a10-0000-4000-8000-000000000001")
	testLedger = uuid.MustParse("0b6f3a10-0000-4000-8000-0000000000f1")
	accountA   = uuid.MustParse("0b6f3a10-0000-4000-8000-0000000000a1")
	accountB   = uuid.MustParse("0b6f3a10-0000-4000-8000-0000000000b1")
)

func zeroBackOff() backoff.BackOff {
	return &backoff.ZeroBackOff{}
}

func job(account uuid.UUID, net int64) Job {
	return NewJob(testOrg, uuid.New(), account, testLedger, decimal.NewFromInt(net))
}

func TestApplyInsertsFreshRow(t *testing.T) {
	store := newMemoryStore()
	applier := NewApplier(store)

	outcome, err := applier.Apply(context.Background(), job(accountA, 75))
	require.NoError(t, err)
	require.Equal(t, OutcomeInserted, outcome)

	b, err := store.Get(context.Background(), accountA, testLedger)
	require.NoError(t, err)
	require.True(t, b.Balance.Equal(decimal.NewFromInt(75)))
	require.EqualValues(t, 1, b.Version)
}

func TestApplyRedeliveryIsIgnored(t *testing.T) {
	ctx := context.Background()
	store := newMemoryStore()
	applier := NewApplier(store)
	j := job(accountA, 40)

	_, err := applier.Apply(ctx, j)
	require.NoError(t, err)
	_, err = applier.Apply(ctx, job(accountA, 10))
	require.NoError(t, err)

	outcome, err := applier.Apply(ctx, j)
	require.NoError(t, err)
	require.Equal(t, OutcomeDuplicate, outcome)

	b, err := store.Get(ctx, accountA, testLedger)
	require.NoError(t, err)
	require.True(t, b.Balance.Equal(decimal.NewFromInt(50)))
	require.EqualValues(t, 2, b.Version)
}

func TestApplyReportsConflictWhenVersionMoves(t *testing.T) {
	ctx := context.Background()
	store := newMemoryStore()
	store.seed(Balance{OrganizationID: testOrg, AccountID: accountA, LedgerID: testLedger, Balance: decimal.Zero, Version: 1})
	var once sync.Once
	store.beforeCAS = func(Job) {
		once.Do(func() {
			store.seed(Balance{OrganizationID: testOrg, AccountID: accountA, LedgerID: testLedger, Balance: decimal.NewFromInt(5), Version: 2})
		})
	}
	applier := NewApplier(store)
	j := job(accountA, 20)

	_, err := applier.Apply(ctx, j)
	require.ErrorIs(t, err, ErrOptimisticLockConflict)
	require.True(t, Retryable(err))

	// The failed attempt left no applied key behind, so redelivery applies the delta.
	outcome, err := applier.Apply(ctx, j)
	require.NoError(t, err)
	require.Equal(t, OutcomeUpdated, outcome)
	b, err := store.Get(ctx, accountA, testLedger)
	require.NoError(t, err)
	require.True(t, b.Balance.Equal(decimal.NewFromInt(25)))
	require.EqualValues(t, 3, b.Version)
}

func TestConcurrentDeltasConvergeWithRetry(t *testing.T) {
	ctx := context.Background()
	store := newMemoryStore()
	store.seed(Balance{OrganizationID: testOrg, AccountID: accountA, LedgerID: testLedger, Balance: decimal.Zero, Version: 1})

	var arrived int32
	release := make(chan struct{})
	store.beforeCAS = func(Job) {
		n := atomic.AddInt32(&arrived, 1)
		if n == 2 {
			close(release)
		}
		if n <= 2 {
			<-release
		}
	}
	var conflicts int32
	applier := NewApplier(store,
		WithBackOff(zeroBackOff),
		WithConflictObserver(func(error) { atomic.AddInt32(&conflicts, 1) }),
	)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = applier.ApplyWithRetry(ctx, job(accountA, 50))
		}(i)
	}
	wg.Wait()
	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	b, err := store.Get(ctx, accountA, testLedger)
	require.NoError(t, err)
	require.True(t, b.Balance.Equal(decimal.NewFromInt(100)), "balance %s", b.Balance)
	require.EqualValues(t, 3, b.Version)
	require.EqualValues(t, 1, atomic.LoadInt32(&conflicts))
}

func TestBalancedEntryConvergesUnderReorderAndRedelivery(t *testing.T) {
	ctx := context.Background()
	store := newMemoryStore()
	applier := NewApplier(store, WithBackOff(zeroBackOff), WithLocalRetries(20))
	entryID := uuid.New()
	debit := NewJob(testOrg, entryID, accountA, testLedger, decimal.NewFromInt(100))
	credit := NewJob(testOrg, entryID, accountB, testLedger, decimal.NewFromInt(-100))

	deliveries := []Job{credit, debit, credit, debit, credit, credit}
	require.NoError(t, applyConcurrently(ctx, applier, deliveries))

	a, err := store.Get(ctx, accountA, testLedger)
	require.NoError(t, err)
	require.True(t, a.Balance.Equal(decimal.NewFromInt(100)))
	b, err := store.Get(ctx, accountB, testLedger)
	require.NoError(t, err)
	require.True(t, b.Balance.Equal(decimal.NewFromInt(-100)))
	require.EqualValues(t, 1, a.Version)
	require.EqualValues(t, 1, b.Version)
}

func TestManyConcurrentDeltasSumDistinctJobs(t *testing.T) {
	ctx := context.Background()
	store := newMemoryStore()
	applier := NewApplier(store, WithBackOff(zeroBackOff), WithLocalRetries(200))

	var jobs []Job
	expected := decimal.Zero
	for i := 1; i <= 25; i++ {
		j := job(accountA, int64(i*(1-2*(i%2))))
		jobs = append(jobs, j)
		expected = expected.Add(j.NetChange)
	}
	deliveries := append(append([]Job(nil), jobs...), jobs[:10]...)

	require.NoError(t, applyConcurrently(ctx, applier, deliveries))

	b, err := store.Get(ctx, accountA, testLedger)
	require.NoError(t, err)
	require.True(t, b.Balance.Equal(expected), "got %s want %s", b.Balance, expected)
	require.EqualValues(t, len(jobs), b.Version)
}

func applyConcurrently(ctx context.Context, applier *Applier, deliveries []Job) error {
	var wg sync.WaitGroup
	errs := make(chan error, len(deliveries))
	for _, j := range deliveries {
		wg.Add(1)
		go func(j Job) {
			defer wg.Done()
			if _, err := applier.ApplyWithRetry(ctx, j); err != nil {
				errs <- err
			}
		}(j)
	}
	wg.Wait()
	close(errs)
	return <-errs
}

type vanishingStore struct{}

func (vanishingStore) WithTx(ctx context.Context, fn func(context.Context, StoreTx) error) error {
	return fn(ctx, vanishingTx{})
}

func (vanishingStore) Get(context.Context, uuid.UUID, uuid.UUID) (Balance, error) {
	return Balance{}, ErrBalanceNotFound
}

type vanishingTx struct{}

func (vanishingTx) MarkApplied(context.Context, Job) (bool, error)    { return true, nil }
func (vanishingTx) InsertIfAbsent(context.Context, Job) (bool, error) { return false, nil }
func (vanishingTx) Version(context.Context, uuid.UUID, uuid.UUID) (int64, error) {
	return 0, ErrBalanceNotFound
}
func (vanishingTx) CompareAndAdd(context.Context, uuid.UUID, uuid.UUID, int64, decimal.Decimal) (bool, error) {
	return false, errors.New("unreachable")
}

func TestVanishedRowIsRetryable(t *testing.T) {
	applier := NewApplier(vanishingStore{}, WithBackOff(zeroBackOff), WithLocalRetries(2))
	_, err := applier.ApplyWithRetry(context.Background(), job(accountA, 1))
	require.ErrorIs(t, err, ErrBalanceVanished)
	require.True(t, Retryable(err))
}

func TestInvalidJobIsNotRetried(t *testing.T) {
	var conflicts int
	applier := NewApplier(newMemoryStore(), WithConflictObserver(func(error) { conflicts++ }))
	bad := job(accountA, 1)
	bad.IdempotencyKey = "tampered"

	_, err := applier.ApplyWithRetry(context.Background(), bad)
	require.ErrorIs(t, err, ErrInvalidJob)
	require.False(t, Retryable(err))
	require.Zero(t, conflicts)
}

func TestRetryPolicyDelays(t *testing.T) {
	p := DefaultRetryPolicy()
	require.Equal(t, 4, p.MaxRetry())
	require.Equal(t, time.Second, p.Delay(0))
	require.Equal(t, 2*time.Second, p.Delay(1))
	require.Equal(t, 8*time.Second, p.Delay(3))
	require.Equal(t, time.Minute, p.Delay(10))
	require.Equal(t, time.Minute, p.Delay(200))

	custom := RetryPolicy{MaxAttempts: 3, BaseDelay: 100 * time.Millisecond, MaxDelay: 250 * time.Millisecond}
	require.Equal(t, 2, custom.MaxRetry())
	require.Equal(t, 200*time.Millisecond, custom.Delay(1))
	require.Equal(t, 250*time.Millisecond, custom.Delay(2))
}
