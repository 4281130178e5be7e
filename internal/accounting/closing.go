package accounting

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	closepkg "github.com/odyssey-erp/odyssey-ledger/internal/close"
	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
)

// Settings returns the organization's ledger settings.
func (s *Service) Settings(ctx context.Context, orgID uuid.UUID) (Settings, error) {
	return s.repo.GetSettings(ctx, orgID)
}

// SetRetainedEarningsAccount records the equity account period close books net
// income into.
func (s *Service) SetRetainedEarningsAccount(ctx context.Context, in SettingsInput) (Settings, error) {
	if in.OrganizationID == uuid.Nil || in.ActorID == uuid.Nil || in.RetainedEarningsAccountID == uuid.Nil {
		return Settings{}, errors.New("accounting: organization, actor and account required")
	}
	var settings Settings
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		accounts, err := tx.LockAccounts(ctx, in.OrganizationID, []uuid.UUID{in.RetainedEarningsAccountID})
		if err != nil {
			return err
		}
		a, ok := accounts[in.RetainedEarningsAccountID]
		if !ok {
			return fmt.Errorf("%w: %s", ErrAccountNotFound, in.RetainedEarningsAccountID)
		}
		if a.Type != AccountTypeEquity || !a.IsPostable || !a.IsActive || a.HasChildren {
			return fmt.Errorf("%w: %s is %s", ErrInvalidRetainedEarnings, a.Code, a.Type)
		}
		settings = Settings{
			OrganizationID:            in.OrganizationID,
			RetainedEarningsAccountID: &a.ID,
			UpdatedBy:                 &in.ActorID,
			UpdatedAt:                 s.now(),
		}
		return tx.UpsertSettings(ctx, settings)
	})
	if err != nil {
		return Settings{}, err
	}
	if s.audit != nil {
		_ = s.audit.Record(ctx, shared.AuditLog{
			OrganizationID: in.OrganizationID,
			ActorID:        in.ActorID,
			Action:         "settings.retained_earnings",
			Entity:         "ledger_settings",
			EntityID:       in.OrganizationID.String(),
			Meta:           map[string]any{"account_id": in.RetainedEarningsAccountID.String()},
			At:             s.now(),
		})
	}
	return settings, nil
}

// BookClosingEntry posts the entry that zeroes the period's income and expense
// accounts against retained earnings, one valuation per ledger. It returns nil
// when the period has no income or expense activity. ctx carries the close
// transaction, so no audit or event is emitted here; the close reports the
// entry once it commits.
func (s *Service) BookClosingEntry(ctx context.Context, p closepkg.Period, actorID uuid.UUID) (*uuid.UUID, error) {
	var booked *uuid.UUID
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		activity, err := tx.PeriodActivity(ctx, p.OrganizationID, p.StartDate, p.EndDate)
		if err != nil {
			return err
		}
		if len(activity) == 0 {
			return nil
		}
		settings, err := tx.GetSettings(ctx, p.OrganizationID)
		if err != nil {
			return err
		}
		if settings.RetainedEarningsAccountID == nil {
			return fmt.Errorf("%w: closing %s", ErrRetainedEarningsNotSet, p.Name)
		}
		ledgers, err := tx.ListLedgers(ctx, p.OrganizationID)
		if err != nil {
			return err
		}
		var defaultLedger uuid.UUID
		for _, l := range ledgers {
			if l.IsDefault {
				defaultLedger = l.ID
			}
		}
		now := s.now()
		entry := JournalEntry{
			ID:             uuid.New(),
			OrganizationID: p.OrganizationID,
			Date:           p.EndDate,
			Description:    "Closing entry for " + p.Name,
			Reference:      "CLOSE-" + p.Name,
			SourceModule:   closepkg.ModuleGL,
			Status:         JournalStatusDraft,
			Kind:           EntryKindClosing,
			CreatedBy:      actorID,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		entry.Lines = closingLines(entry.ID, activity, *settings.RetainedEarningsAccountID, defaultLedger)
		if _, err := s.accept(ctx, tx, &entry); err != nil {
			return err
		}
		s.markPosted(&entry, actorID)
		if err := tx.InsertJournalEntry(ctx, entry); err != nil {
			return err
		}
		if err := s.enqueueIfPosted(ctx, tx, entry); err != nil {
			return err
		}
		booked = &entry.ID
		return nil
	})
	if err != nil {
		return nil, err
	}
	if booked != nil {
		s.logger.Info("closing entry booked", slog.String("period", p.Name), slog.String("entry_id", booked.String()))
	}
	return booked, nil
}

// ReverseClosingEntry posts the reversal of a period's closing entry, dated like
// the entry itself. An entry that was already reversed is left alone and
// uuid.Nil is returned.
func (s *Service) ReverseClosingEntry(ctx context.Context, p closepkg.Period, entryID, actorID uuid.UUID, reason string) (uuid.UUID, error) {
	var reversal JournalEntry
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		reversal, err = s.reverse(ctx, tx, ReverseInput{
			OrganizationID: p.OrganizationID,
			EntryID:        entryID,
			ActorID:        actorID,
			Description:    fmt.Sprintf("Reopen %s: %s", p.Name, reason),
		})
		return err
	})
	if errors.Is(err, ErrAlreadyReversed) {
		return uuid.Nil, nil
	}
	if err != nil {
		return uuid.Nil, err
	}
	return reversal.ID, nil
}

// closingLines builds one line per income or expense account carrying the
// opposite of its activity on every ledger, and a retained earnings line that
// takes each ledger's net.
func closingLines(entryID uuid.UUID, activity []AccountActivity, retained, defaultLedger uuid.UUID) []JournalLine {
	byAccount := make(map[uuid.UUID][]Valuation)
	net := make(map[uuid.UUID]decimal.Decimal)
	for _, a := range activity {
		v := Valuation{LedgerID: a.LedgerID}
		if a.Net.IsPositive() {
			v.Credit = a.Net
		} else {
			v.Debit = a.Net.Neg()
		}
		byAccount[a.AccountID] = append(byAccount[a.AccountID], v)
		net[a.LedgerID] = net[a.LedgerID].Add(a.Net)
	}
	accounts := make([]uuid.UUID, 0, len(byAccount))
	for id := range byAccount {
		accounts = append(accounts, id)
	}
	sortIDs(accounts)

	lines := make([]JournalLine, 0, len(accounts)+1)
	for _, id := range accounts {
		lines = append(lines, closingLine(entryID, len(lines)+1, id, byAccount[id], defaultLedger))
	}
	ledgerIDs := make([]uuid.UUID, 0, len(net))
	for id, amount := range net {
		if !amount.IsZero() {
			ledgerIDs = append(ledgerIDs, id)
		}
	}
	if len(ledgerIDs) == 0 {
		return lines
	}
	sortIDs(ledgerIDs)
	vals := make([]Valuation, 0, len(ledgerIDs))
	for _, id := range ledgerIDs {
		v := Valuation{LedgerID: id}
		if amount := net[id]; amount.IsPositive() {
			v.Debit = amount
		} else {
			v.Credit = amount.Neg()
		}
		vals = append(vals, v)
	}
	return append(lines, closingLine(entryID, len(lines)+1, retained, vals, defaultLedger))
}

func closingLine(entryID uuid.UUID, position int, accountID uuid.UUID, vals []Valuation, defaultLedger uuid.UUID) JournalLine {
	line := JournalLine{
		ID:          uuid.New(),
		EntryID:     entryID,
		Position:    position,
		AccountID:   accountID,
		Description: "Period close",
		Valuations:  vals,
	}
	for _, v := range vals {
		if v.LedgerID == defaultLedger {
			line.Debit, line.Credit = v.Debit, v.Credit
		}
	}
	return line
}

func sortIDs(ids []uuid.UUID) {
	sort.Slice(ids, func(i, j int) bool { return bytes.Compare(ids[i][:], ids[j][:]) < 0 })
}
