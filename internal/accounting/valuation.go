package accounting

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-ledger/internal/balances"
)

// valuationContext carries the organization's ledger setup for one entry.
type valuationContext struct {
	ledgers       map[uuid.UUID]Ledger
	defaultLedger Ledger
	rules         []LedgerMappingRule
	// rate converts the entry currency into the default ledger currency.
	rate   decimal.Decimal
	places int32
}

// derivedValuation points at a valuation computed by the service, with its
// unrounded amounts.
type derivedValuation struct {
	line, index   int
	debit, credit decimal.Decimal
}

// expandValuations fills default-ledger valuations and derives mapped ones.
// Lines are returned as copies; the input is left untouched.
func expandValuations(lines []JournalLine, vc valuationContext) ([]JournalLine, error) {
	out := make([]JournalLine, len(lines))
	converted := make(map[uuid.UUID][]derivedValuation)
	for i, line := range lines {
		vals := append([]Valuation(nil), line.Valuations...)
		if len(vals) == 0 {
			debit, credit := line.Debit.Mul(vc.rate), line.Credit.Mul(vc.rate)
			vals = append(vals, Valuation{
				LedgerID: vc.defaultLedger.ID,
				Debit:    debit.Round(vc.places),
				Credit:   credit.Round(vc.places),
			})
			converted[vc.defaultLedger.ID] = append(converted[vc.defaultLedger.ID], derivedValuation{line: i, debit: debit, credit: credit})
		}
		for _, v := range vals {
			if _, ok := vc.ledgers[v.LedgerID]; !ok {
				return nil, fmt.Errorf("%w: %s on line %d", ErrLedgerNotFound, v.LedgerID, i)
			}
		}
		line.Valuations = vals
		out[i] = line
	}
	settleRounding(out, converted, vc.places)

	mapped := make(map[uuid.UUID][]derivedValuation)
	for i := range out {
		line := out[i]
		present := make(map[uuid.UUID]struct{}, len(line.Valuations))
		for _, v := range line.Valuations {
			present[v.LedgerID] = struct{}{}
		}
		explicit := len(line.Valuations)
		for _, rule := range vc.rules {
			if !rule.IsActive || rule.SourceAccountID != line.AccountID {
				continue
			}
			if _, done := present[rule.TargetLedgerID]; done {
				continue
			}
			if _, ok := vc.ledgers[rule.TargetLedgerID]; !ok {
				return nil, fmt.Errorf("%w: mapping target %s", ErrLedgerNotFound, rule.TargetLedgerID)
			}
			for _, src := range line.Valuations[:explicit] {
				if src.LedgerID != rule.SourceLedgerID {
					continue
				}
				debit, credit := src.Debit.Mul(rule.Multiplier), src.Credit.Mul(rule.Multiplier)
				line.Valuations = append(line.Valuations, Valuation{
					LedgerID: rule.TargetLedgerID,
					Debit:    debit.Round(vc.places),
					Credit:   credit.Round(vc.places),
				})
				mapped[rule.TargetLedgerID] = append(mapped[rule.TargetLedgerID],
					derivedValuation{line: i, index: len(line.Valuations) - 1, debit: debit, credit: credit})
				present[rule.TargetLedgerID] = struct{}{}
				break
			}
		}
		out[i] = line
	}
	settleRounding(out, mapped, vc.places)
	return out, nil
}

// settleRounding keeps a ledger's derived valuations balanced after rounding.
// When the unrounded debits equal the unrounded credits, each side's rounding
// remainder is moved onto its largest valuation.
func settleRounding(lines []JournalLine, groups map[uuid.UUID][]derivedValuation, places int32) {
	for _, group := range groups {
		debit, credit := decimal.Zero, decimal.Zero
		for _, dv := range group {
			debit = debit.Add(dv.debit)
			credit = credit.Add(dv.credit)
		}
		if !debit.Equal(credit) {
			continue
		}
		settleSide(lines, group, debit.Round(places), func(v *Valuation) *decimal.Decimal { return &v.Debit })
		settleSide(lines, group, credit.Round(places), func(v *Valuation) *decimal.Decimal { return &v.Credit })
	}
}

func settleSide(lines []JournalLine, group []derivedValuation, total decimal.Decimal, side func(*Valuation) *decimal.Decimal) {
	sum := decimal.Zero
	var largest *decimal.Decimal
	for _, dv := range group {
		amount := side(&lines[dv.line].Valuations[dv.index])
		sum = sum.Add(*amount)
		if largest == nil || amount.GreaterThan(*largest) {
			largest = amount
		}
	}
	if largest == nil || sum.Equal(total) {
		return
	}
	*largest = largest.Add(total.Sub(sum))
}

// checkEntryCurrency verifies that lines posted through the default ledger
// balance in the entry's own currency, before any conversion.
func checkEntryCurrency(lines []JournalLine, currencyCode string, places int32) error {
	debit, credit := decimal.Zero, decimal.Zero
	for _, line := range lines {
		if len(line.Valuations) > 0 {
			return nil
		}
		debit = debit.Add(line.Debit)
		credit = credit.Add(line.Credit)
	}
	if !debit.Round(places).Equal(credit.Round(places)) {
		return fmt.Errorf("%w: %s debit %s credit %s", ErrUnbalancedEntry, currencyCode,
			debit.StringFixed(places), credit.StringFixed(places))
	}
	return nil
}

// CheckBalanced verifies that every referenced ledger balances at the given precision.
func CheckBalanced(lines []JournalLine, places int32) error {
	type totals struct{ debit, credit decimal.Decimal }
	var order []uuid.UUID
	sums := make(map[uuid.UUID]*totals)
	for _, line := range lines {
		for _, v := range line.Valuations {
			t, ok := sums[v.LedgerID]
			if !ok {
				t = &totals{}
				sums[v.LedgerID] = t
				order = append(order, v.LedgerID)
			}
			t.debit = t.debit.Add(v.Debit)
			t.credit = t.credit.Add(v.Credit)
		}
	}
	if len(order) == 0 {
		return fmt.Errorf("%w: no valuations", ErrUnbalancedEntry)
	}
	for _, id := range order {
		t := sums[id]
		if !t.debit.Round(places).Equal(t.credit.Round(places)) {
			return fmt.Errorf("%w: ledger %s debit %s credit %s", ErrUnbalancedEntry, id,
				t.debit.StringFixed(places), t.credit.StringFixed(places))
		}
	}
	return nil
}

// ComputeDeltas returns one balance job per (ledger, account) with a non-zero net change.
func ComputeDeltas(entry JournalEntry) []balances.Job {
	type pair struct{ ledger, account uuid.UUID }
	var order []pair
	nets := make(map[pair]decimal.Decimal)
	for _, line := range entry.Lines {
		for _, v := range line.Valuations {
			k := pair{ledger: v.LedgerID, account: line.AccountID}
			if _, ok := nets[k]; !ok {
				order = append(order, k)
			}
			nets[k] = nets[k].Add(v.Net())
		}
	}
	jobs := make([]balances.Job, 0, len(order))
	for _, k := range order {
		net := nets[k]
		if net.IsZero() {
			continue
		}
		jobs = append(jobs, balances.NewJob(entry.OrganizationID, entry.ID, k.account, k.ledger, net))
	}
	return jobs
}

// mirrorLines swaps debit and credit on lines and their valuations.
func mirrorLines(lines []JournalLine) []JournalLine {
	out := make([]JournalLine, len(lines))
	for i, line := range lines {
		m := line
		m.ID = uuid.Nil
		m.Debit, m.Credit = line.Credit, line.Debit
		m.Valuations = make([]Valuation, len(line.Valuations))
		for j, v := range line.Valuations {
			m.Valuations[j] = Valuation{LedgerID: v.LedgerID, Debit: v.Credit, Credit: v.Debit}
		}
		m.Dimensions = copyDims(line.Dimensions)
		out[i] = m
	}
	return out
}

// ledgerDebitTotal sums debits posted to ledgerID.
func ledgerDebitTotal(lines []JournalLine, ledgerID uuid.UUID) decimal.Decimal {
	total := decimal.Zero
	for _, line := range lines {
		for _, v := range line.Valuations {
			if v.LedgerID == ledgerID {
				total = total.Add(v.Debit)
			}
		}
	}
	return total
}

func linesFromInput(entryID uuid.UUID, in []PostingLineInput) []JournalLine {
	lines := make([]JournalLine, len(in))
	for i, l := range in {
		lines[i] = JournalLine{
			ID:          uuid.New(),
			EntryID:     entryID,
			Position:    i + 1,
			AccountID:   l.AccountID,
			Description: l.Description,
			Debit:       l.Debit,
			Credit:      l.Credit,
			Dimensions:  copyDims(l.Dimensions),
			Valuations:  append([]Valuation(nil), l.Valuations...),
		}
	}
	return lines
}

func copyDims(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
