package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

// Backend opens the services commands act on. Connections are made on first use.
type Backend interface {
	DeadLetters() (DeadLetterConsole, error)
	Tasks() (TaskEnqueuer, error)
	Rates(ctx context.Context) (RateStore, error)
}

// ExitError carries a process exit code out of a command.
type ExitError struct {
	Code int
}

func (e ExitError) Error() string {
	return fmt.Sprintf("exit status %d", e.Code)
}

// NewRootCommand builds the ledgerctl command tree.
func NewRootCommand(backend Backend) *cobra.Command {
	root := &cobra.Command{
		Use:           "ledgerctl",
		Short:         "Operate the ledger balance worker, outbox and FX rates",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		newDeadLettersCommand(backend),
		newQueueCommand(backend),
		newReconcileCommand(backend),
		newOutboxCommand(backend),
		newFXCommand(backend),
	)
	return root
}

func jobsCLI(backend Backend, needTasks bool) (*JobsCLI, error) {
	var (
		console DeadLetterConsole
		tasks   TaskEnqueuer
		err     error
	)
	if needTasks {
		tasks, err = backend.Tasks()
	} else {
		console, err = backend.DeadLetters()
	}
	if err != nil {
		return nil, err
	}
	return NewJobsCLI(console, tasks), nil
}

func newDeadLettersCommand(backend Backend) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "deadletters",
		Aliases: []string{"dlq"},
		Short:   "Inspect and requeue balance deltas that exhausted their retries",
	}

	var page, perPage int
	var asJSON bool
	list := &cobra.Command{
		Use:   "list",
		Short: "List archived balance deltas",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := jobsCLI(backend, false)
			if err != nil {
				return err
			}
			return c.ListDeadLetters(cmd.OutOrStdout(), page, perPage, asJSON)
		},
	}
	list.Flags().IntVar(&page, "page", 1, "page number")
	list.Flags().IntVar(&perPage, "per-page", 20, "rows per page")
	list.Flags().BoolVar(&asJSON, "json", false, "print JSON")

	var all bool
	requeue := &cobra.Command{
		Use:   "requeue [task-id]",
		Short: "Move archived deltas back to pending",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if all == (len(args) == 1) {
				return errors.New("pass either a task id or --all")
			}
			c, err := jobsCLI(backend, false)
			if err != nil {
				return err
			}
			if all {
				return c.RequeueAll(cmd.OutOrStdout())
			}
			return c.Requeue(cmd.OutOrStdout(), args[0])
		},
	}
	requeue.Flags().BoolVar(&all, "all", false, "requeue every archived delta")

	cmd.AddCommand(list, requeue)
	return cmd
}

func newQueueCommand(backend Backend) *cobra.Command {
	cmd := &cobra.Command{Use: "queue", Short: "Balance queue diagnostics"}
	var asJSON bool
	stats := &cobra.Command{
		Use:   "stats",
		Short: "Show queue depth by state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := jobsCLI(backend, false)
			if err != nil {
				return err
			}
			return c.Stats(cmd.OutOrStdout(), asJSON)
		},
	}
	stats.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	cmd.AddCommand(stats)
	return cmd
}

func newReconcileCommand(backend Backend) *cobra.Command {
	var org string
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Enqueue a balance reconciliation run",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var orgID *uuid.UUID
			if org != "" {
				id, err := uuid.Parse(org)
				if err != nil {
					return fmt.Errorf("--org must be a uuid: %w", err)
				}
				orgID = &id
			}
			c, err := jobsCLI(backend, true)
			if err != nil {
				return err
			}
			return c.TriggerReconcile(cmd.Context(), cmd.OutOrStdout(), orgID)
		},
	}
	cmd.Flags().StringVar(&org, "org", "", "organization id (default all)")
	return cmd
}

func newOutboxCommand(backend Backend) *cobra.Command {
	cmd := &cobra.Command{Use: "outbox", Short: "Balance outbox maintenance"}
	cmd.AddCommand(&cobra.Command{
		Use:   "purge",
		Short: "Enqueue removal of dispatched outbox rows",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := jobsCLI(backend, true)
			if err != nil {
				return err
			}
			return c.TriggerOutboxPurge(cmd.Context(), cmd.OutOrStdout())
		},
	})
	return cmd
}

func newFXCommand(backend Backend) *cobra.Command {
	cmd := &cobra.Command{Use: "fx", Short: "Exchange rate maintenance"}
	var (
		org, file, mode string
		asJSON, yes     bool
	)
	importCmd := &cobra.Command{
		Use:   "import",
		Short: "Load rates from CSV lines of from,to,date,rate",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var source io.Reader = cmd.InOrStdin()
			if file != "" && file != "-" {
				f, err := os.Open(file)
				if err != nil {
					return err
				}
				defer f.Close()
				source = f
			}
			store, err := backend.Rates(cmd.Context())
			if err != nil {
				return err
			}
			fxCLI, err := NewFXOpsCLI(store)
			if err != nil {
				return err
			}
			opts := FXImportOptions{
				OrganizationID: org,
				Mode:           FXImportMode(strings.ToLower(mode)),
				Source:         source,
				JSONOutput:     asJSON,
				Stdout:         cmd.OutOrStdout(),
				Stderr:         cmd.ErrOrStderr(),
				Stdin:          cmd.InOrStdin(),
			}
			if yes {
				opts.Confirm = func(io.Reader, io.Writer) (bool, error) { return true, nil }
			}
			if code := fxCLI.ImportCommand(cmd.Context(), opts); code != 0 {
				return ExitError{Code: code}
			}
			return nil
		},
	}
	importCmd.Flags().StringVar(&org, "org", "", "organization id")
	importCmd.Flags().StringVar(&file, "file", "-", "CSV file, - for stdin")
	importCmd.Flags().StringVar(&mode, "mode", string(FXImportModeDry), "dry or apply")
	importCmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	importCmd.Flags().BoolVar(&yes, "yes", false, "skip the confirmation prompt")
	_ = importCmd.MarkFlagRequired("org")
	cmd.AddCommand(importCmd)
	return cmd
}
