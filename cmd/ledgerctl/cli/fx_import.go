package cli

import (
	"bufio"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"

	"github.com/odyssey-erp/odyssey-ledger/internal/fx"
)

// RateStore persists exchange rates.
type RateStore interface {
	Upsert(ctx context.Context, rate fx.Rate) error
}

// FXOpsCLI loads historical exchange rates used for foreign-currency postings.
type FXOpsCLI struct {
	store RateStore
}

// NewFXOpsCLI constructs the helper.
func NewFXOpsCLI(store RateStore) (*FXOpsCLI, error) {
	if store == nil {
		return nil, errors.New("fx cli: rate store required")
	}
	return &FXOpsCLI{store: store}, nil
}

// FXImportMode enumerates supported execution strategies.
type FXImportMode string

const (
	// FXImportModeDry parses and reports rates without writing them.
	FXImportModeDry FXImportMode = "dry"
	// FXImportModeApply persists rates after confirmation.
	FXImportModeApply FXImportMode = "apply"
)

// FXImportOptions configures the import command.
type FXImportOptions struct {
	OrganizationID string
	Mode           FXImportMode
	Source         io.Reader
	JSONOutput     bool
	Stdout         io.Writer
	Stderr         io.Writer
	Stdin          io.Reader
	Confirm        func(io.Reader, io.Writer) (bool, error)
}

// FXImportRow is one parsed rate line.
type FXImportRow struct {
	From string `json:"from"`
	To   string `json:"to"`
	Date string `json:"date"`
	Rate string `json:"rate"`
}

// FXImportSummary captures the structured outcome.
type FXImportSummary struct {
	OrganizationID string        `json:"organization_id"`
	Mode           FXImportMode  `json:"mode"`
	Rows           []FXImportRow `json:"rows"`
	Applied        int           `json:"applied"`
}

// ImportCommand reads "from,to,date,rate" lines and upserts them. It returns a process exit code.
func (c *FXOpsCLI) ImportCommand(ctx context.Context, opts FXImportOptions) int {
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	if opts.Stdin == nil {
		opts.Stdin = os.Stdin
	}
	if opts.Mode == "" {
		opts.Mode = FXImportModeDry
	}
	mode := FXImportMode(strings.ToLower(string(opts.Mode)))
	switch mode {
	case FXImportModeDry, FXImportModeApply:
	default:
		fmt.Fprintf(opts.Stderr, "fx import: invalid mode %q (expected dry or apply)\n", opts.Mode)
		return 1
	}
	orgID, err := uuid.Parse(strings.TrimSpace(opts.OrganizationID))
	if err != nil {
		fmt.Fprintln(opts.Stderr, "fx import: --org must be a uuid")
		return 1
	}
	if opts.Source == nil {
		fmt.Fprintln(opts.Stderr, "fx import: no source provided")
		return 1
	}
	rates, err := parseRates(orgID, opts.Source)
	if err != nil {
		fmt.Fprintf(opts.Stderr, "fx import: %v\n", err)
		return 1
	}
	summary := FXImportSummary{OrganizationID: orgID.String(), Mode: mode, Rows: make([]FXImportRow, len(rates))}
	for i, r := range rates {
		summary.Rows[i] = FXImportRow{From: r.From, To: r.To, Date: r.Date.Format("2006-01-02"), Rate: r.Rate.String()}
	}
	if mode == FXImportModeDry || len(rates) == 0 {
		if err := writeImportOutput(opts, summary); err != nil {
			fmt.Fprintf(opts.Stderr, "fx import: %v\n", err)
			return 1
		}
		return 0
	}
	confirm := opts.Confirm
	if confirm == nil {
		confirm = defaultImportConfirm
	}
	ok, err := confirm(opts.Stdin, opts.Stdout)
	if err != nil {
		fmt.Fprintf(opts.Stderr, "fx import: confirmation failed: %v\n", err)
		return 1
	}
	if !ok {
		fmt.Fprintln(opts.Stderr, "fx import: cancelled by user")
		return 1
	}
	for _, r := range rates {
		if err := c.store.Upsert(ctx, r); err != nil {
			fmt.Fprintf(opts.Stderr, "fx import: apply %s/%s %s failed: %v\n", r.From, r.To, r.Date.Format("2006-01-02"), err)
			return 1
		}
		summary.Applied++
	}
	if err := writeImportOutput(opts, summary); err != nil {
		fmt.Fprintf(opts.Stderr, "fx import: %v\n", err)
		return 1
	}
	return 0
}

func parseRates(orgID uuid.UUID, source io.Reader) ([]fx.Rate, error) {
	reader := csv.NewReader(source)
	reader.FieldsPerRecord = -1
	reader.Comment = '#'
	reader.TrimLeadingSpace = true
	var out []fx.Rate
	line := 0
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		line++
		if line == 1 && strings.EqualFold(strings.TrimSpace(record[0]), "from") {
			continue
		}
		if len(record) != 4 {
			return nil, fmt.Errorf("line %d: expected from,to,date,rate", line)
		}
		from, err := currency.ParseISO(strings.TrimSpace(record[0]))
		if err != nil {
			return nil, fmt.Errorf("line %d: invalid currency %q", line, record[0])
		}
		to, err := currency.ParseISO(strings.TrimSpace(record[1]))
		if err != nil {
			return nil, fmt.Errorf("line %d: invalid currency %q", line, record[1])
		}
		date, err := time.Parse("2006-01-02", strings.TrimSpace(record[2]))
		if err != nil {
			return nil, fmt.Errorf("line %d: invalid date %q (expected YYYY-MM-DD)", line, record[2])
		}
		rate, err := decimal.NewFromString(strings.TrimSpace(record[3]))
		if err != nil || !rate.IsPositive() {
			return nil, fmt.Errorf("line %d: rate must be a positive decimal, got %q", line, record[3])
		}
		if from == to {
			return nil, fmt.Errorf("line %d: from and to currency are both %s", line, from)
		}
		out = append(out, fx.Rate{OrganizationID: orgID, From: from.String(), To: to.String(), Date: date, Rate: rate})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out, nil
}

func writeImportOutput(opts FXImportOptions, summary FXImportSummary) error {
	if opts.JSONOutput {
		return json.NewEncoder(opts.Stdout).Encode(summary)
	}
	fmt.Fprintf(opts.Stdout, "FX import (%s) for organization %s: %d rate(s)\n", summary.Mode, summary.OrganizationID, len(summary.Rows))
	for _, row := range summary.Rows {
		fmt.Fprintf(opts.Stdout, " - %s %s/%s %s\n", row.Date, row.From, row.To, row.Rate)
	}
	if summary.Mode == FXImportModeApply {
		fmt.Fprintf(opts.Stdout, "Applied %d rate(s).\n", summary.Applied)
	}
	return nil
}

func defaultImportConfirm(r io.Reader, w io.Writer) (bool, error) {
	fmt.Fprint(w, "Apply FX rates? Type YES to confirm: ")
	reader := bufio.NewReader(r)
	line, err := reader.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return false, err
	}
	return strings.EqualFold(strings.TrimSpace(line), "YES"), nil
}
