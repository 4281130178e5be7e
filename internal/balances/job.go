package balances

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Job is one balance delta for a (ledger, account) pair produced by a posted entry.
type Job struct {
	IdempotencyKey string          `json:"idempotency_key"`
	OrganizationID uuid.UUID       `json:"organization_id"`
	JournalEntryID uuid.UUID       `json:"journal_entry_id"`
	AccountID      uuid.UUID       `json:"account_id"`
	LedgerID       uuid.UUID       `json:"ledger_id"`
	NetChange      decimal.Decimal `json:"net_change"`
}

// NewJob builds a job with its idempotency key derived from the entry, account and ledger.
func NewJob(orgID, entryID, accountID, ledgerID uuid.UUID, net decimal.Decimal) Job {
	return Job{
		IdempotencyKey: IdempotencyKey(entryID, accountID, ledgerID),
		OrganizationID: orgID,
		JournalEntryID: entryID,
		AccountID:      accountID,
		LedgerID:       ledgerID,
		NetChange:      net,
	}
}

// IdempotencyKey identifies the delta of one entry against one (account, ledger) pair.
func IdempotencyKey(entryID, accountID, ledgerID uuid.UUID) string {
	return fmt.Sprintf("balance-update-%s-%s-%s", entryID, accountID, ledgerID)
}

// Validate rejects payloads that can never be applied.
func (j Job) Validate() error {
	switch {
	case j.JournalEntryID == uuid.Nil, j.AccountID == uuid.Nil, j.LedgerID == uuid.Nil:
		return ErrInvalidJob
	case j.IdempotencyKey != IdempotencyKey(j.JournalEntryID, j.AccountID, j.LedgerID):
		return fmt.Errorf("%w: idempotency key mismatch", ErrInvalidJob)
	}
	return nil
}

// Balance is the running total of one account in one ledger.
type Balance struct {
	OrganizationID uuid.UUID
	AccountID      uuid.UUID
	LedgerID       uuid.UUID
	Balance        decimal.Decimal
	Version        int64
	UpdatedAt      time.Time
}

// Outcome describes how a job affected the stored balance.
type Outcome string

const (
	OutcomeInserted  Outcome = "inserted"
	OutcomeUpdated   Outcome = "updated"
	OutcomeDuplicate Outcome = "duplicate"
)

var (
	// ErrOptimisticLockConflict indicates the version moved between read and update.
	ErrOptimisticLockConflict = errors.New("balances: optimistic lock conflict")
	// ErrBalanceVanished indicates the row disappeared between the failed insert and the read.
	ErrBalanceVanished = errors.New("balances: balance row vanished")
	// ErrInvalidJob indicates a malformed job payload.
	ErrInvalidJob = errors.New("balances: invalid job")
	// ErrBalanceNotFound indicates no balance exists yet for the pair.
	ErrBalanceNotFound = errors.New("balances: balance not found")
)

// Retryable reports whether err is a transient concurrency failure.
func Retryable(err error) bool {
	return errors.Is(err, ErrOptimisticLockConflict) || errors.Is(err, ErrBalanceVanished)
}
