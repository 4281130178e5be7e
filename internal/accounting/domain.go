package accounting

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	closepkg "github.com/odyssey-erp/odyssey-ledger/internal/close"
)

// AccountType enumerates CoA categories.
type AccountType string

const (
	AccountTypeAsset     AccountType = "ASSET"
	AccountTypeLiability AccountType = "LIABILITY"
	AccountTypeEquity    AccountType = "EQUITY"
	AccountTypeRevenue   AccountType = "REVENUE"
	AccountTypeExpense   AccountType = "EXPENSE"
)

// AccountNature is the side on which an account's balance normally grows.
type AccountNature string

const (
	NatureDebit  AccountNature = "DEBIT"
	NatureCredit AccountNature = "CREDIT"
)

// NatureOf derives the nature of an account type.
func NatureOf(t AccountType) (AccountNature, error) {
	switch t {
	case AccountTypeAsset, AccountTypeExpense:
		return NatureDebit, nil
	case AccountTypeLiability, AccountTypeEquity, AccountTypeRevenue:
		return NatureCredit, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidAccountType, t)
}

// JournalStatus enumerates journal lifecycle values.
type JournalStatus string

const (
	JournalStatusDraft           JournalStatus = "DRAFT"
	JournalStatusPendingApproval JournalStatus = "PENDING_APPROVAL"
	JournalStatusPosted          JournalStatus = "POSTED"
	JournalStatusVoid            JournalStatus = "VOID"
)

// EntryKind separates ordinary entries from the ones a period close books.
type EntryKind string

const (
	EntryKindStandard EntryKind = "STANDARD"
	// EntryKindClosing entries move income and expense into retained earnings.
	// They and their reversals post regardless of module locks.
	EntryKindClosing EntryKind = "CLOSING"
)

// Account models a chart of accounts node.
type Account struct {
	ID                  uuid.UUID
	OrganizationID      uuid.UUID
	Code                string
	Segments            []string
	Name                string
	Type                AccountType
	Nature              AccountNature
	ParentID            *uuid.UUID
	IsPostable          bool
	IsSystemAccount     bool
	IsBlockedForPosting bool
	BlockedBy           *uuid.UUID
	BlockedAt           *time.Time
	IsActive            bool
	// HasChildren is derived from the current hierarchy when loaded for posting.
	HasChildren bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// NaturalBalance presents a debit-minus-credit balance on the account's normal side.
func (a Account) NaturalBalance(net decimal.Decimal) decimal.Decimal {
	if a.Nature == NatureCredit {
		return net.Neg()
	}
	return net
}

// Ledger is an independent set of books within an organization.
type Ledger struct {
	ID             uuid.UUID
	OrganizationID uuid.UUID
	Name           string
	CurrencyCode   string
	IsDefault      bool
	CreatedAt      time.Time
}

// LedgerMappingRule derives a valuation on TargetLedgerID from one on SourceLedgerID.
type LedgerMappingRule struct {
	ID              uuid.UUID
	OrganizationID  uuid.UUID
	SourceLedgerID  uuid.UUID
	SourceAccountID uuid.UUID
	TargetLedgerID  uuid.UUID
	Multiplier      decimal.Decimal
	IsActive        bool
}

// DimensionRule requires a dimension tag on every line of an account.
type DimensionRule struct {
	OrganizationID uuid.UUID
	AccountID      uuid.UUID
	Dimension      string
	Required       bool
}

// Valuation is the debit/credit pair a line contributes to one ledger.
type Valuation struct {
	LedgerID uuid.UUID
	Debit    decimal.Decimal
	Credit   decimal.Decimal
}

// Net returns debit minus credit.
func (v Valuation) Net() decimal.Decimal {
	return v.Debit.Sub(v.Credit)
}

// JournalEntry captures posting metadata.
type JournalEntry struct {
	ID                uuid.UUID
	OrganizationID    uuid.UUID
	Date              time.Time
	Description       string
	Reference         string
	SourceModule      closepkg.Module
	CurrencyCode      string
	ExchangeRate      *decimal.Decimal
	Status            JournalStatus
	Kind              EntryKind
	ReversesEntryID   *uuid.UUID
	IsReversed        bool
	ApprovalRequestID *uuid.UUID
	CreatedBy         uuid.UUID
	PostedBy          *uuid.UUID
	PostedAt          *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
	Lines             []JournalLine
}

func (e JournalEntry) kind() EntryKind {
	if e.Kind == "" {
		return EntryKindStandard
	}
	return e.Kind
}

// JournalLine stores debit or credit amount for an account with its ledger valuations.
type JournalLine struct {
	ID          uuid.UUID
	EntryID     uuid.UUID
	Position    int
	AccountID   uuid.UUID
	Description string
	Debit       decimal.Decimal
	Credit      decimal.Decimal
	Dimensions  map[string]string
	Valuations  []Valuation
}

// PostingLineInput describes a journal line for a posting request.
type PostingLineInput struct {
	AccountID   uuid.UUID
	Description string
	Debit       decimal.Decimal
	Credit      decimal.Decimal
	Dimensions  map[string]string
	Valuations  []Valuation
}

// PostingInput groups fields required to create a journal entry.
type PostingInput struct {
	OrganizationID uuid.UUID
	Date           time.Time
	Description    string
	Reference      string
	SourceModule   closepkg.Module
	CurrencyCode   string
	ExchangeRate   *decimal.Decimal
	ActorID        uuid.UUID
	Lines          []PostingLineInput
}

// PostDraftInput identifies a draft to post.
type PostDraftInput struct {
	OrganizationID uuid.UUID
	EntryID        uuid.UUID
	ActorID        uuid.UUID
}

// VoidInput wraps parameters for voiding.
type VoidInput struct {
	OrganizationID uuid.UUID
	EntryID        uuid.UUID
	ActorID        uuid.UUID
	Reason         string
}

// ReverseInput wraps parameters for reversal.
type ReverseInput struct {
	OrganizationID uuid.UUID
	EntryID        uuid.UUID
	ActorID        uuid.UUID
	Description    string
	// Date defaults to the original entry date.
	Date *time.Time
}

// Settings holds per-organization ledger configuration.
type Settings struct {
	OrganizationID            uuid.UUID
	RetainedEarningsAccountID *uuid.UUID
	UpdatedBy                 *uuid.UUID
	UpdatedAt                 time.Time
}

// SettingsInput updates the retained earnings account used by period close.
type SettingsInput struct {
	OrganizationID            uuid.UUID
	ActorID                   uuid.UUID
	RetainedEarningsAccountID uuid.UUID
}

// AccountActivity is the debit-minus-credit movement of one account on one ledger.
type AccountActivity struct {
	LedgerID  uuid.UUID
	AccountID uuid.UUID
	Net       decimal.Decimal
}

// ListFilter narrows journal listings.
type ListFilter struct {
	OrganizationID uuid.UUID
	Status         JournalStatus
	From           *time.Time
	To             *time.Time
	Limit          int
}

var (
	// ErrUnbalancedEntry indicates debit != credit for at least one ledger.
	ErrUnbalancedEntry = errors.New("accounting: journal entry does not balance")
	// ErrAccountBlocked indicates an account is blocked for posting.
	ErrAccountBlocked = errors.New("accounting: account blocked for posting")
	// ErrNonPostableAccount indicates a grouping or non-postable account.
	ErrNonPostableAccount = errors.New("accounting: account is not postable")
	// ErrTooFewLines indicates less than two lines.
	ErrTooFewLines = errors.New("accounting: journal requires at least two lines")
	// ErrInvalidAmount indicates negative or double-sided amounts.
	ErrInvalidAmount = errors.New("accounting: invalid line amount")
	// ErrDuplicateValuation indicates two valuations for one ledger on a line.
	ErrDuplicateValuation = errors.New("accounting: duplicate ledger valuation on line")
	// ErrAccountNotFound indicates a missing account or one owned by another organization.
	ErrAccountNotFound = errors.New("accounting: account not found")
	// ErrLedgerNotFound indicates an unknown ledger reference.
	ErrLedgerNotFound = errors.New("accounting: ledger not found")
	// ErrNoDefaultLedger indicates the organization has no default ledger.
	ErrNoDefaultLedger = errors.New("accounting: organization has no default ledger")
	// ErrDimensionRequired indicates a required dimension tag is missing.
	ErrDimensionRequired = errors.New("accounting: required dimension missing")
	// ErrInvalidCurrency indicates an unknown ISO-4217 code.
	ErrInvalidCurrency = errors.New("accounting: invalid currency")
	// ErrExchangeRateRequired indicates a foreign entry without a usable rate.
	ErrExchangeRateRequired = errors.New("accounting: exchange rate required")
	// ErrJournalNotFound indicates missing entry.
	ErrJournalNotFound = errors.New("accounting: journal entry not found")
	// ErrInvalidStatus indicates action can't proceed.
	ErrInvalidStatus = errors.New("accounting: invalid status transition")
	// ErrAlreadyReversed indicates the entry already has a reversal.
	ErrAlreadyReversed = errors.New("accounting: journal entry already reversed")
	// ErrInvalidAccountType indicates an unknown account type.
	ErrInvalidAccountType = errors.New("accounting: invalid account type")
	// ErrRetainedEarningsNotSet indicates a close found income or expense to book
	// but the organization has no retained earnings account.
	ErrRetainedEarningsNotSet = errors.New("accounting: retained earnings account not configured")
	// ErrInvalidRetainedEarnings indicates a retained earnings account that is not a postable equity account.
	ErrInvalidRetainedEarnings = errors.New("accounting: retained earnings account must be a postable equity account")
	// ErrDuplicateDefaultLedger indicates a second default ledger.
	ErrDuplicateDefaultLedger = errors.New("accounting: organization already has a default ledger")
)

// Validate ensures posting input meets minimum structural criteria.
func (in PostingInput) Validate() error {
	if in.OrganizationID == uuid.Nil {
		return errors.New("accounting: organization required")
	}
	if in.ActorID == uuid.Nil {
		return errors.New("accounting: actor required")
	}
	if in.Date.IsZero() {
		return errors.New("accounting: date required")
	}
	if len(in.Lines) < 2 {
		return ErrTooFewLines
	}
	for idx, line := range in.Lines {
		if line.AccountID == uuid.Nil {
			return fmt.Errorf("accounting: line %d missing account", idx)
		}
		if err := validateSides(line.Debit, line.Credit); err != nil {
			return fmt.Errorf("%w: line %d %s", ErrInvalidAmount, idx, err)
		}
		if len(line.Valuations) == 0 && line.Debit.IsZero() && line.Credit.IsZero() {
			return fmt.Errorf("%w: line %d has no amount", ErrInvalidAmount, idx)
		}
		seen := make(map[uuid.UUID]struct{}, len(line.Valuations))
		for _, v := range line.Valuations {
			if v.LedgerID == uuid.Nil {
				return fmt.Errorf("%w: line %d valuation without ledger", ErrLedgerNotFound, idx)
			}
			if _, dup := seen[v.LedgerID]; dup {
				return fmt.Errorf("%w: line %d ledger %s", ErrDuplicateValuation, idx, v.LedgerID)
			}
			seen[v.LedgerID] = struct{}{}
			if err := validateSides(v.Debit, v.Credit); err != nil {
				return fmt.Errorf("%w: line %d ledger %s %s", ErrInvalidAmount, idx, v.LedgerID, err)
			}
		}
	}
	if in.ExchangeRate != nil && !in.ExchangeRate.IsPositive() {
		return fmt.Errorf("%w: rate must be positive", ErrExchangeRateRequired)
	}
	return nil
}

func validateSides(debit, credit decimal.Decimal) error {
	if debit.IsNegative() || credit.IsNegative() {
		return errors.New("negative amount")
	}
	if !debit.IsZero() && !credit.IsZero() {
		return errors.New("both debit and credit set")
	}
	return nil
}
