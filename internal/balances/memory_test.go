package balances

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type pairKey struct {
	account uuid.UUID
	ledger  uuid.UUID
}

// memoryStore mimics read-committed semantics: balance statements are individually
// atomic, applied keys become visible on commit and block concurrent duplicates.
type memoryStore struct {
	mu       sync.Mutex
	balances map[pairKey]Balance
	applied  map[string]struct{}
	inflight map[string]struct{}
	// beforeCAS runs between the version read and the conditional update.
	beforeCAS func(job Job)
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		balances: make(map[pairKey]Balance),
		applied:  make(map[string]struct{}),
		inflight: make(map[string]struct{}),
	}
}

func (s *memoryStore) seed(b Balance) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balances[pairKey{b.AccountID, b.LedgerID}] = b
}

func (s *memoryStore) WithTx(ctx context.Context, fn func(context.Context, StoreTx) error) error {
	tx := &memoryTx{s: s}
	err := fn(ctx, tx)
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, key := range tx.keys {
		delete(s.inflight, key)
		if err == nil {
			s.applied[key] = struct{}{}
		}
	}
	return err
}

func (s *memoryStore) Get(_ context.Context, accountID, ledgerID uuid.UUID) (Balance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.balances[pairKey{accountID, ledgerID}]
	if !ok {
		return Balance{}, ErrBalanceNotFound
	}
	return b, nil
}

type memoryTx struct {
	s    *memoryStore
	keys []string
	job  Job
}

func (t *memoryTx) MarkApplied(_ context.Context, job Job) (bool, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	t.job = job
	if _, done := t.s.applied[job.IdempotencyKey]; done {
		return false, nil
	}
	if _, busy := t.s.inflight[job.IdempotencyKey]; busy {
		return false, fmt.Errorf("%w: %s in flight", ErrOptimisticLockConflict, job.IdempotencyKey)
	}
	t.s.inflight[job.IdempotencyKey] = struct{}{}
	t.keys = append(t.keys, job.IdempotencyKey)
	return true, nil
}

func (t *memoryTx) InsertIfAbsent(_ context.Context, job Job) (bool, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	k := pairKey{job.AccountID, job.LedgerID}
	if _, exists := t.s.balances[k]; exists {
		return false, nil
	}
	t.s.balances[k] = Balance{
		OrganizationID: job.OrganizationID,
		AccountID:      job.AccountID,
		LedgerID:       job.LedgerID,
		Balance:        job.NetChange,
		Version:        1,
		UpdatedAt:      time.Now(),
	}
	return true, nil
}

func (t *memoryTx) Version(_ context.Context, accountID, ledgerID uuid.UUID) (int64, error) {
	t.s.mu.Lock()
	b, ok := t.s.balances[pairKey{accountID, ledgerID}]
	hook := t.s.beforeCAS
	t.s.mu.Unlock()
	if !ok {
		return 0, ErrBalanceNotFound
	}
	if hook != nil {
		hook(t.job)
	}
	return b.Version, nil
}

func (t *memoryTx) CompareAndAdd(_ context.Context, accountID, ledgerID uuid.UUID, expected int64, delta decimal.Decimal) (bool, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	k := pairKey{accountID, ledgerID}
	b, ok := t.s.balances[k]
	if !ok || b.Version != expected {
		return false, nil
	}
	b.Balance = b.Balance.Add(delta)
	b.Version++
	b.UpdatedAt = time.Now()
	t.s.balances[k] = b
	return true, nil
}
