// Package closing sequences period and module transitions: it validates, routes
// reopenings through approval, applies the change and announces it.
package closing

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	closepkg "github.com/odyssey-erp/odyssey-ledger/internal/close"
	"github.com/odyssey-erp/odyssey-ledger/internal/events"
	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
	"github.com/odyssey-erp/odyssey-ledger/internal/workflow"
)

// PeriodService is the lock authority the orchestrator drives.
type PeriodService interface {
	GetPeriod(ctx context.Context, orgID, id uuid.UUID) (closepkg.Period, error)
	ClosePeriod(ctx context.Context, in closepkg.CloseInput) (closepkg.Period, error)
	ValidateReopen(ctx context.Context, orgID, periodID uuid.UUID) (closepkg.Period, error)
	ReopenPeriod(ctx context.Context, in closepkg.ReopenInput) (closepkg.Period, error)
	CloseModule(ctx context.Context, in closepkg.ModuleInput) (closepkg.Period, error)
	ReopenModule(ctx context.Context, in closepkg.ModuleInput) (closepkg.Period, error)
}

// ApprovalPort opens PERIOD_REOPENING approval requests.
type ApprovalPort interface {
	StartApprovalProcess(ctx context.Context, orgID, documentID uuid.UUID, docType workflow.DocumentType, amount decimal.Decimal, opts ...workflow.StartOption) (*workflow.Request, error)
}

// Locker serialises transitions of one period across processes.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, error)
}

// Payload keys of period events.
const (
	KeyPeriodID  = "period_id"
	KeyName      = "name"
	KeyStartDate = "start_date"
	KeyEndDate   = "end_date"
	KeyModule    = "module"
	KeyModules   = "modules"
	KeyActorID   = "actor_id"
)

// Option customises an Orchestrator.
type Option func(*Orchestrator)

// WithLocker enables the distributed period lock.
func WithLocker(l Locker, ttl time.Duration) Option {
	return func(o *Orchestrator) {
		o.locker = l
		if ttl > 0 {
			o.lockTTL = ttl
		}
	}
}

// WithLogger replaces the default logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// Orchestrator drives the lock authority from external triggers.
type Orchestrator struct {
	periods   PeriodService
	approvals ApprovalPort
	events    events.Publisher
	locker    Locker
	lockTTL   time.Duration
	logger    *slog.Logger
}

// NewOrchestrator constructs an Orchestrator. A nil approvals port applies reopenings
// immediately.
func NewOrchestrator(periods PeriodService, approvals ApprovalPort, publisher events.Publisher, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		periods:   periods,
		approvals: approvals,
		events:    publisher,
		lockTTL:   30 * time.Second,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// ReopenResult reports whether a reopening took effect or awaits approval.
type ReopenResult struct {
	Period    closepkg.Period `json:"period"`
	Pending   bool            `json:"pending"`
	RequestID *uuid.UUID      `json:"request_id,omitempty"`
}

// Close closes the period and announces it.
func (o *Orchestrator) Close(ctx context.Context, in closepkg.CloseInput) (closepkg.Period, error) {
	var period closepkg.Period
	err := o.locked(ctx, in.OrganizationID, in.PeriodID, func(ctx context.Context) error {
		var err error
		period, err = o.periods.ClosePeriod(ctx, in)
		return err
	})
	if err != nil {
		return closepkg.Period{}, err
	}
	var extra map[string]string
	if period.ClosingEntryID != nil {
		extra = map[string]string{"closing_entry_id": period.ClosingEntryID.String()}
	}
	o.publish(ctx, events.PeriodClosed, period, in.ActorID, extra)
	return period, nil
}

// RequestReopen validates a reopening and either applies it or parks it behind an
// approval request.
func (o *Orchestrator) RequestReopen(ctx context.Context, in closepkg.ReopenInput) (ReopenResult, error) {
	if strings.TrimSpace(in.Reason) == "" {
		return ReopenResult{}, closepkg.ErrReasonRequired
	}
	var result ReopenResult
	err := o.locked(ctx, in.OrganizationID, in.PeriodID, func(ctx context.Context) error {
		period, err := o.periods.ValidateReopen(ctx, in.OrganizationID, in.PeriodID)
		if err != nil {
			return err
		}
		if o.approvals != nil {
			req, err := o.approvals.StartApprovalProcess(ctx, in.OrganizationID, in.PeriodID, workflow.DocumentPeriodReopening, decimal.Zero,
				workflow.WithRequester(in.ActorID),
				workflow.WithMetadata(map[string]string{
					workflow.KeyReason: strings.TrimSpace(in.Reason),
					KeyModules:         joinModules(in.Modules),
				}))
			if err != nil {
				return fmt.Errorf("closing: start reopen approval: %w", err)
			}
			if req != nil {
				result = ReopenResult{Period: period, Pending: true, RequestID: &req.ID}
				return nil
			}
		}
		period, err = o.periods.ReopenPeriod(ctx, in)
		if err != nil {
			return err
		}
		result = ReopenResult{Period: period}
		return nil
	})
	if err != nil {
		return ReopenResult{}, err
	}
	if result.Pending {
		o.publish(ctx, events.PeriodReopenRequested, result.Period, in.ActorID, map[string]string{
			workflow.KeyRequestID: result.RequestID.String(),
			workflow.KeyReason:    in.Reason,
		})
		return result, nil
	}
	o.publish(ctx, events.PeriodReopened, result.Period, in.ActorID, map[string]string{workflow.KeyReason: in.Reason})
	return result, nil
}

// HandleApprovalEvent applies decided PERIOD_REOPENING requests. A rejection leaves
// the period closed.
func (o *Orchestrator) HandleApprovalEvent(ctx context.Context, ev events.Event) error {
	if ev.Payload[workflow.KeyDocumentType] != string(workflow.DocumentPeriodReopening) {
		return nil
	}
	periodID, err := uuid.Parse(ev.Payload[workflow.KeyDocumentID])
	if err != nil {
		return fmt.Errorf("closing: approval event document id: %w", err)
	}
	switch ev.Name {
	case events.ApprovalRequestRejected:
		o.logger.Info("period reopen rejected",
			slog.String("organization_id", ev.OrganizationID.String()),
			slog.String("period_id", periodID.String()),
			slog.String("reason", ev.Payload[workflow.KeyRejection]))
		return nil
	case events.ApprovalRequestApproved:
	default:
		return nil
	}
	modules, err := splitModules(ev.Payload[KeyModules])
	if err != nil {
		return err
	}
	actorID, err := uuid.Parse(ev.Payload[workflow.KeyDecidedBy])
	if err != nil {
		actorID, _ = uuid.Parse(ev.Payload[workflow.KeyRequestedBy])
	}
	in := closepkg.ReopenInput{
		OrganizationID: ev.OrganizationID,
		PeriodID:       periodID,
		ActorID:        actorID,
		Reason:         ev.Payload[workflow.KeyReason],
		Modules:        modules,
	}
	var period closepkg.Period
	err = o.locked(ctx, in.OrganizationID, in.PeriodID, func(ctx context.Context) error {
		period, err = o.periods.ReopenPeriod(ctx, in)
		return err
	})
	if err != nil {
		return err
	}
	o.publish(ctx, events.PeriodReopened, period, actorID, map[string]string{
		workflow.KeyReason:    in.Reason,
		workflow.KeyRequestID: ev.Payload[workflow.KeyRequestID],
	})
	return nil
}

// CloseModule closes one module of the period.
func (o *Orchestrator) CloseModule(ctx context.Context, in closepkg.ModuleInput) (closepkg.Period, error) {
	return o.moduleTransition(ctx, in, o.periods.CloseModule, events.PeriodModuleClosed)
}

// ReopenModule reopens one module of an open period.
func (o *Orchestrator) ReopenModule(ctx context.Context, in closepkg.ModuleInput) (closepkg.Period, error) {
	return o.moduleTransition(ctx, in, o.periods.ReopenModule, events.PeriodModuleReopened)
}

func (o *Orchestrator) moduleTransition(ctx context.Context, in closepkg.ModuleInput,
	apply func(context.Context, closepkg.ModuleInput) (closepkg.Period, error), name events.Name) (closepkg.Period, error) {
	var period closepkg.Period
	err := o.locked(ctx, in.OrganizationID, in.PeriodID, func(ctx context.Context) error {
		var err error
		period, err = apply(ctx, in)
		return err
	})
	if err != nil {
		return closepkg.Period{}, err
	}
	o.publish(ctx, name, period, in.ActorID, map[string]string{KeyModule: string(in.Module)})
	return period, nil
}

func (o *Orchestrator) locked(ctx context.Context, orgID, periodID uuid.UUID, fn func(context.Context) error) error {
	if o.locker == nil {
		return fn(ctx)
	}
	release, err := o.locker.Acquire(ctx, shared.FinanceLockKey(orgID, periodID), o.lockTTL)
	if err != nil {
		return err
	}
	defer func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			o.logger.Warn("release period lock", slog.String("period_id", periodID.String()), slog.Any("error", err))
		}
	}()
	return fn(ctx)
}

func (o *Orchestrator) publish(ctx context.Context, name events.Name, p closepkg.Period, actorID uuid.UUID, extra map[string]string) {
	if o.events == nil {
		return
	}
	payload := map[string]string{
		KeyPeriodID:  p.ID.String(),
		KeyName:      p.Name,
		KeyStartDate: p.StartDate.Format("2006-01-02"),
		KeyEndDate:   p.EndDate.Format("2006-01-02"),
		KeyActorID:   actorID.String(),
	}
	for k, v := range extra {
		payload[k] = v
	}
	if err := o.events.Publish(ctx, events.New(name, p.OrganizationID, p.ID, payload)); err != nil {
		o.logger.Error("publish period event", slog.String("event", string(name)), slog.Any("error", err))
	}
}

func joinModules(mods []closepkg.Module) string {
	parts := make([]string, len(mods))
	for i, m := range mods {
		parts[i] = string(m)
	}
	return strings.Join(parts, ",")
}

func splitModules(raw string) ([]closepkg.Module, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var out []closepkg.Module
	for _, part := range strings.Split(raw, ",") {
		m, err := closepkg.ParseModule(part)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}
