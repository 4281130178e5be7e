// Package events carries ledger domain events to in-process subscribers and Redis.
package events

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Name identifies a domain event.
type Name string

const (
	JournalEntryPosted          Name = "journal.entry.posted"
	JournalEntryPendingApproval Name = "journal.entry.pending_approval"
	PeriodClosed                Name = "period.closed"
	PeriodReopened              Name = "period.reopened"
	PeriodReopenRequested       Name = "period.reopen.requested"
	PeriodModuleClosed          Name = "period.module.closed"
	PeriodModuleReopened        Name = "period.module.reopened"
	AccountBalanceJobFailed     Name = "account.balance.job.failed"
	ApprovalRequestApproved     Name = "approval.request.approved"
	ApprovalRequestRejected     Name = "approval.request.rejected"
)

// Event is a fact emitted after the state change it describes has committed.
type Event struct {
	ID             uuid.UUID         `json:"id"`
	Name           Name              `json:"name"`
	OrganizationID uuid.UUID         `json:"organization_id"`
	AggregateID    uuid.UUID         `json:"aggregate_id"`
	Payload        map[string]string `json:"payload,omitempty"`
	OccurredAt     time.Time         `json:"occurred_at"`
}

// New stamps an event with an id and time.
func New(name Name, orgID, aggregateID uuid.UUID, payload map[string]string) Event {
	return Event{
		ID:             uuid.New(),
		Name:           name,
		OrganizationID: orgID,
		AggregateID:    aggregateID,
		Payload:        payload,
		OccurredAt:     time.Now().UTC(),
	}
}

// Publisher emits domain events.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// Handler reacts to a published event.
type Handler func(ctx context.Context, event Event) error

// Bus dispatches events synchronously to subscribers, then forwards them.
type Bus struct {
	mu       sync.RWMutex
	handlers map[Name][]Handler
	forward  []Publisher
	logger   *slog.Logger
}

// NewBus constructs a Bus that also forwards every event to the given publishers.
func NewBus(logger *slog.Logger, forward ...Publisher) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{handlers: make(map[Name][]Handler), forward: forward, logger: logger}
}

// Subscribe registers h for events called name.
func (b *Bus) Subscribe(name Name, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[name] = append(b.handlers[name], h)
}

// Publish delivers the event to every subscriber and forwarder. All of them run
// even when one fails; failures are joined into the returned error.
func (b *Bus) Publish(ctx context.Context, event Event) error {
	if b == nil {
		return nil
	}
	b.mu.RLock()
	handlers := append([]Handler(nil), b.handlers[event.Name]...)
	b.mu.RUnlock()

	var errs []error
	for _, h := range handlers {
		if err := h(ctx, event); err != nil {
			b.logger.Error("event handler failed",
				slog.String("event", string(event.Name)),
				slog.String("aggregate_id", event.AggregateID.String()),
				slog.Any("error", err))
			errs = append(errs, err)
		}
	}
	for _, p := range b.forward {
		if err := p.Publish(ctx, event); err != nil {
			b.logger.Warn("event forward failed", slog.String("event", string(event.Name)), slog.Any("error", err))
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Publish appends the event.
func (r *Recorder) Publish(_ context.Context, event Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Named returns recorded events called name.
func (r *Recorder) Named(name Name) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.Name == name {
			out = append(out, e)
		}
	}
	return out
}
