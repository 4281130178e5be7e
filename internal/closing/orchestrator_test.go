package closing

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	closepkg "github.com/odyssey-erp/odyssey-ledger/internal/close"
	"github.com/odyssey-erp/odyssey-ledger/internal/close/closetest"
	"github.com/odyssey-erp/odyssey-ledger/internal/events"
	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
	"github.com/odyssey-erp/odyssey-ledger/internal/workflow"
)

var (
	orgID   = uuid.MustParse("9a41f0c2-0000-4000-8000-000000000001")
	actorID = uuid.MustParse("9a41f0c2-0000-4000-8000-0000000000aa")
)

type stubApprovals struct {
	route    bool
	requests []workflow.Request
}

func (s *stubApprovals) StartApprovalProcess(_ context.Context, org, doc uuid.UUID, docType workflow.DocumentType, amount decimal.Decimal, opts ...workflow.StartOption) (*workflow.Request, error) {
	req := workflow.Request{ID: uuid.New(), OrganizationID: org, DocumentID: doc, DocumentType: docType, Amount: amount, Status: workflow.RequestPending}
	for _, opt := range opts {
		opt(&req)
	}
	s.requests = append(s.requests, req)
	if !s.route {
		return nil, nil
	}
	return &req, nil
}

type harness struct {
	orch      *Orchestrator
	periods   *closepkg.Service
	approvals *stubApprovals
	events    *events.Recorder
	locker    *shared.RedisLocker
	march     closepkg.Period
	april     closepkg.Period
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	periods := closepkg.NewService(closetest.NewStore(), nil, closepkg.ClosePolicyCascade)
	h := &harness{
		periods:   periods,
		approvals: &stubApprovals{},
		events:    &events.Recorder{},
		locker:    shared.NewRedisLocker(client),
	}
	h.orch = NewOrchestrator(periods, h.approvals, h.events, WithLocker(h.locker, time.Minute))
	h.march = h.create(t, time.March)
	h.april = h.create(t, time.April)
	return h
}

func (h *harness) create(t *testing.T, month time.Month) closepkg.Period {
	t.Helper()
	start := time.Date(2026, month, 1, 0, 0, 0, 0, time.UTC)
	p, err := h.periods.CreatePeriod(context.Background(), closepkg.CreatePeriodInput{
		OrganizationID: orgID,
		Name:           start.Format("2006-01"),
		StartDate:      start,
		EndDate:        start.AddDate(0, 1, -1),
	})
	require.NoError(t, err)
	return p
}

func (h *harness) close(t *testing.T, p closepkg.Period) {
	t.Helper()
	_, err := h.orch.Close(context.Background(), closepkg.CloseInput{OrganizationID: orgID, PeriodID: p.ID, ActorID: actorID})
	require.NoError(t, err)
}

func TestCloseAppliesAndAnnounces(t *testing.T) {
	h := newHarness(t)
	p, err := h.orch.Close(context.Background(), closepkg.CloseInput{OrganizationID: orgID, PeriodID: h.march.ID, ActorID: actorID})
	require.NoError(t, err)
	require.Equal(t, closepkg.StatusClosed, p.Status)
	require.Empty(t, p.OpenModules())

	closed := h.events.Named(events.PeriodClosed)
	require.Len(t, closed, 1)
	require.Equal(t, h.march.ID.String(), closed[0].Payload[KeyPeriodID])
	require.Equal(t, "2026-03-31", closed[0].Payload[KeyEndDate])
	require.Equal(t, actorID.String(), closed[0].Payload[KeyActorID])
}

func TestTransitionsWaitForThePeriodLock(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	release, err := h.locker.Acquire(ctx, shared.FinanceLockKey(orgID, h.march.ID), time.Minute)
	require.NoError(t, err)

	_, err = h.orch.Close(ctx, closepkg.CloseInput{OrganizationID: orgID, PeriodID: h.march.ID, ActorID: actorID})
	require.ErrorIs(t, err, shared.ErrLockHeld)
	require.Empty(t, h.events.Events())

	// Other periods are unaffected.
	h.close(t, h.april)

	require.NoError(t, release(ctx))
	h.close(t, h.march)
}

func TestReopenWithoutPolicyAppliesImmediately(t *testing.T) {
	h := newHarness(t)
	h.close(t, h.march)

	res, err := h.orch.RequestReopen(context.Background(), closepkg.ReopenInput{
		OrganizationID: orgID, PeriodID: h.march.ID, ActorID: actorID, Reason: "late vendor invoice",
		Modules: []closepkg.Module{closepkg.ModuleAP},
	})
	require.NoError(t, err)
	require.False(t, res.Pending)
	require.Equal(t, closepkg.StatusOpen, res.Period.Status)
	require.Equal(t, closepkg.StatusOpen, res.Period.ModuleState(closepkg.ModuleAP))
	require.Equal(t, closepkg.StatusClosed, res.Period.ModuleState(closepkg.ModuleGL))

	require.Len(t, h.approvals.requests, 1)
	require.Equal(t, workflow.DocumentPeriodReopening, h.approvals.requests[0].DocumentType)
	reopened := h.events.Named(events.PeriodReopened)
	require.Len(t, reopened, 1)
	require.Equal(t, "late vendor invoice", reopened[0].Payload[workflow.KeyReason])
}

func TestReopenRequiresReason(t *testing.T) {
	h := newHarness(t)
	h.close(t, h.march)
	_, err := h.orch.RequestReopen(context.Background(), closepkg.ReopenInput{OrganizationID: orgID, PeriodID: h.march.ID, ActorID: actorID, Reason: "  "})
	require.ErrorIs(t, err, closepkg.ErrReasonRequired)
	require.Empty(t, h.approvals.requests)
}

func TestReopenPreconditionsCheckedBeforeApproval(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.orch.RequestReopen(ctx, closepkg.ReopenInput{OrganizationID: orgID, PeriodID: h.march.ID, ActorID: actorID, Reason: "x"})
	require.ErrorIs(t, err, closepkg.ErrPeriodNotClosed)

	h.close(t, h.march)
	h.close(t, h.april)
	_, err = h.orch.RequestReopen(ctx, closepkg.ReopenInput{OrganizationID: orgID, PeriodID: h.march.ID, ActorID: actorID, Reason: "x"})
	require.ErrorIs(t, err, closepkg.ErrPeriodOrderingViolation)
	require.Empty(t, h.approvals.requests)

	_, err = h.orch.RequestReopen(ctx, closepkg.ReopenInput{OrganizationID: orgID, PeriodID: h.april.ID, ActorID: actorID, Reason: "x"})
	require.NoError(t, err)
	_, err = h.orch.RequestReopen(ctx, closepkg.ReopenInput{OrganizationID: orgID, PeriodID: h.march.ID, ActorID: actorID, Reason: "x"})
	require.NoError(t, err)
}

func TestReopenAwaitsApproval(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.approvals.route = true
	h.close(t, h.march)

	res, err := h.orch.RequestReopen(ctx, closepkg.ReopenInput{
		OrganizationID: orgID, PeriodID: h.march.ID, ActorID: actorID, Reason: "audit adjustment",
		Modules: []closepkg.Module{closepkg.ModuleGL, closepkg.ModuleAR},
	})
	require.NoError(t, err)
	require.True(t, res.Pending)
	require.NotNil(t, res.RequestID)
	require.Len(t, h.events.Named(events.PeriodReopenRequested), 1)

	p, err := h.periods.GetPeriod(ctx, orgID, h.march.ID)
	require.NoError(t, err)
	require.Equal(t, closepkg.StatusClosed, p.Status)

	req := h.approvals.requests[0]
	require.Equal(t, "GL,AR", req.Metadata[KeyModules])
	approver := uuid.New()
	req.Status = workflow.RequestApproved
	req.DecidedBy = &approver
	require.NoError(t, h.orch.HandleApprovalEvent(ctx, events.New(events.ApprovalRequestApproved, orgID, req.ID, workflow.DecisionPayload(req))))

	p, err = h.periods.GetPeriod(ctx, orgID, h.march.ID)
	require.NoError(t, err)
	require.Equal(t, closepkg.StatusOpen, p.Status)
	require.Equal(t, "audit adjustment", p.ReopenReason)
	require.Equal(t, approver, *p.ReopenedBy)
	require.Equal(t, closepkg.StatusOpen, p.ModuleState(closepkg.ModuleAR))
	require.Equal(t, closepkg.StatusClosed, p.ModuleState(closepkg.ModuleAP))

	reopened := h.events.Named(events.PeriodReopened)
	require.Len(t, reopened, 1)
	require.Equal(t, req.ID.String(), reopened[0].Payload[workflow.KeyRequestID])
}

func TestRejectedReopenLeavesPeriodClosed(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.approvals.route = true
	h.close(t, h.march)

	_, err := h.orch.RequestReopen(ctx, closepkg.ReopenInput{OrganizationID: orgID, PeriodID: h.march.ID, ActorID: actorID, Reason: "typo"})
	require.NoError(t, err)

	req := h.approvals.requests[0]
	req.Status = workflow.RequestRejected
	req.RejectionReason = "not material"
	require.NoError(t, h.orch.HandleApprovalEvent(ctx, events.New(events.ApprovalRequestRejected, orgID, req.ID, workflow.DecisionPayload(req))))

	p, err := h.periods.GetPeriod(ctx, orgID, h.march.ID)
	require.NoError(t, err)
	require.Equal(t, closepkg.StatusClosed, p.Status)
	require.Empty(t, h.events.Named(events.PeriodReopened))
}

func TestApprovalEventsForJournalsAreIgnored(t *testing.T) {
	h := newHarness(t)
	req := workflow.Request{ID: uuid.New(), DocumentID: uuid.New(), DocumentType: workflow.DocumentJournalEntry, Status: workflow.RequestApproved}
	require.NoError(t, h.orch.HandleApprovalEvent(context.Background(), events.New(events.ApprovalRequestApproved, orgID, req.ID, workflow.DecisionPayload(req))))
}

func TestModuleTransitionsAnnounce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	p, err := h.orch.CloseModule(ctx, closepkg.ModuleInput{OrganizationID: orgID, PeriodID: h.march.ID, Module: closepkg.ModuleInventory, ActorID: actorID})
	require.NoError(t, err)
	require.Equal(t, closepkg.StatusClosed, p.ModuleState(closepkg.ModuleInventory))

	p, err = h.orch.ReopenModule(ctx, closepkg.ModuleInput{OrganizationID: orgID, PeriodID: h.march.ID, Module: closepkg.ModuleInventory, ActorID: actorID})
	require.NoError(t, err)
	require.Equal(t, closepkg.StatusOpen, p.ModuleState(closepkg.ModuleInventory))

	require.Len(t, h.events.Named(events.PeriodModuleClosed), 1)
	reopened := h.events.Named(events.PeriodModuleReopened)
	require.Len(t, reopened, 1)
	require.Equal(t, "INVENTORY", reopened[0].Payload[KeyModule])

	h.close(t, h.march)
	_, err = h.orch.ReopenModule(ctx, closepkg.ModuleInput{OrganizationID: orgID, PeriodID: h.march.ID, Module: closepkg.ModuleGL, ActorID: actorID})
	require.ErrorIs(t, err, closepkg.ErrPeriodClosed)
}
