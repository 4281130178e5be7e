package balances

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// RelayConfig tunes the outbox relay.
type RelayConfig struct {
	Interval  time.Duration
	BatchSize int
}

// RelayResult summarises one relay pass.
type RelayResult struct {
	Processed  int
	Dispatched int
	Failed     int
}

// Relay moves outbox rows to the durable queue. Delivery is at least once; duplicates
// are absorbed by the task id and by the applied-key check in the worker.
type Relay struct {
	outbox   OutboxStore
	enqueuer Enqueuer
	cfg      RelayConfig
	logger   *slog.Logger
	now      func() time.Time
}

// NewRelay constructs a relay.
func NewRelay(outbox OutboxStore, enqueuer Enqueuer, cfg RelayConfig, logger *slog.Logger) *Relay {
	if cfg.Interval <= 0 {
		cfg.Interval = 2 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 200
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{outbox: outbox, enqueuer: enqueuer, cfg: cfg, logger: logger, now: time.Now}
}

// DispatchOnce relays a single batch.
func (r *Relay) DispatchOnce(ctx context.Context) (RelayResult, error) {
	records, err := r.outbox.ListPending(ctx, r.cfg.BatchSize)
	if err != nil {
		return RelayResult{}, err
	}
	result := RelayResult{Processed: len(records)}
	dispatched := make([]int64, 0, len(records))
	for _, rec := range records {
		if err := r.enqueuer.Enqueue(ctx, rec.Job); err != nil {
			if errors.Is(err, context.Canceled) {
				break
			}
			result.Failed++
			r.logger.Warn("relay balance delta", slog.String("idempotency_key", rec.Job.IdempotencyKey), slog.Any("error", err))
			if markErr := r.outbox.MarkFailed(ctx, rec.ID, err.Error()); markErr != nil {
				return result, markErr
			}
			continue
		}
		dispatched = append(dispatched, rec.ID)
	}
	if err := r.outbox.MarkDispatched(ctx, dispatched, r.now()); err != nil {
		return result, err
	}
	result.Dispatched = len(dispatched)
	return result, nil
}

// Run relays until ctx is cancelled. A fully dispatched batch is followed immediately by another pass.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		res, err := r.DispatchOnce(ctx)
		if err != nil && ctx.Err() == nil {
			r.logger.Error("outbox relay", slog.Any("error", err))
		}
		if err == nil && res.Dispatched == r.cfg.BatchSize {
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
