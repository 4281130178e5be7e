package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/odyssey-ledger/cmd/ledgerctl/cli"
	"github.com/odyssey-erp/odyssey-ledger/internal/app"
	"github.com/odyssey-erp/odyssey-ledger/internal/balances"
	"github.com/odyssey-erp/odyssey-ledger/internal/fx"
	"github.com/odyssey-erp/odyssey-ledger/internal/platform/db"
	"github.com/odyssey-erp/odyssey-ledger/jobs"
)

// backend connects to Redis and Postgres only when a command needs them.
type backend struct {
	cfg       *app.Config
	inspector *asynq.Inspector
	client    *jobs.Client
	pool      *pgxpool.Pool
}

func (b *backend) DeadLetters() (cli.DeadLetterConsole, error) {
	if b.inspector == nil {
		b.inspector = asynq.NewInspector(b.cfg.RedisOptions().Asynq())
	}
	return balances.NewDeadLetters(b.inspector), nil
}

func (b *backend) Tasks() (cli.TaskEnqueuer, error) {
	if b.client == nil {
		b.client = jobs.NewClient(b.cfg.RedisOptions().Asynq())
	}
	return b.client, nil
}

func (b *backend) Rates(ctx context.Context) (cli.RateStore, error) {
	if b.pool == nil {
		pool, err := db.New(ctx, b.cfg.PGDSN, b.cfg.PoolOptions("ledgerctl"))
		if err != nil {
			return nil, err
		}
		b.pool = pool
	}
	return fx.NewRepository(b.pool), nil
}

func (b *backend) Close() {
	if b.inspector != nil {
		_ = b.inspector.Close()
	}
	if b.client != nil {
		_ = b.client.Close()
	}
	if b.pool != nil {
		b.pool.Close()
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "ledgerctl: load config: %v\n", err)
		os.Exit(1)
	}

	b := &backend{cfg: cfg}
	err = cli.NewRootCommand(b).ExecuteContext(ctx)
	b.Close()
	if err != nil {
		var exit cli.ExitError
		if errors.As(err, &exit) {
			os.Exit(exit.Code)
		}
		fmt.Fprintf(os.Stderr, "ledgerctl: %v\n", err)
		os.Exit(1)
	}
}
