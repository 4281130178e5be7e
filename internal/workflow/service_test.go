package workflow

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-ledger/internal/events"
)

type memoryRepo struct {
	mu       sync.Mutex
	policies []PolicyDefinition
	requests map[uuid.UUID]Request
	logs     []LogEntry
}

type memoryTx struct {
	repo *memoryRepo
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{requests: make(map[uuid.UUID]Request)}
}

func (r *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return fn(ctx, &memoryTx{repo: r})
}

func (r *memoryRepo) GetRequest(_ context.Context, orgID, id uuid.UUID) (Request, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	req, ok := r.requests[id]
	if !ok || req.OrganizationID != orgID {
		return Request{}, ErrRequestNotFound
	}
	return req, nil
}

func (r *memoryRepo) ListRequests(_ context.Context, orgID uuid.UUID, status RequestStatus) ([]Request, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Request
	for _, req := range r.requests {
		if req.OrganizationID == orgID && (status == "" || req.Status == status) {
			out = append(out, req)
		}
	}
	return out, nil
}

func (r *memoryRepo) ListLogs(_ context.Context, requestID uuid.UUID) ([]LogEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []LogEntry
	for _, l := range r.logs {
		if l.RequestID == requestID {
			out = append(out, l)
		}
	}
	return out, nil
}

func (t *memoryTx) ActivePolicy(_ context.Context, orgID uuid.UUID, docType DocumentType) (PolicyDefinition, bool, error) {
	for i := len(t.repo.policies) - 1; i >= 0; i-- {
		p := t.repo.policies[i]
		if p.OrganizationID == orgID && p.DocumentType == docType && p.IsActive {
			return p, true, nil
		}
	}
	return PolicyDefinition{}, false, nil
}

func (t *memoryTx) InsertPolicy(_ context.Context, def PolicyDefinition) error {
	for i := range t.repo.policies {
		if t.repo.policies[i].OrganizationID == def.OrganizationID && t.repo.policies[i].DocumentType == def.DocumentType {
			t.repo.policies[i].IsActive = false
		}
	}
	t.repo.policies = append(t.repo.policies, def)
	return nil
}

func (t *memoryTx) InsertRequest(_ context.Context, req Request) error {
	t.repo.requests[req.ID] = req
	return nil
}

func (t *memoryTx) GetRequestForUpdate(_ context.Context, orgID, id uuid.UUID) (Request, error) {
	req, ok := t.repo.requests[id]
	if !ok || req.OrganizationID != orgID {
		return Request{}, ErrRequestNotFound
	}
	return req, nil
}

func (t *memoryTx) UpdateRequest(_ context.Context, req Request) error {
	t.repo.requests[req.ID] = req
	return nil
}

func (t *memoryTx) InsertLog(_ context.Context, entry LogEntry) error {
	t.repo.logs = append(t.repo.logs, entry)
	return nil
}

func newTestService(t *testing.T) (*Service, *memoryRepo, *events.Recorder) {
	t.Helper()
	repo := newMemoryRepo()
	rec := &events.Recorder{}
	svc := NewService(repo, DefaultRegistry(), rec, nil)
	svc.WithNow(func() time.Time { return time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC) })
	return svc, repo, rec
}

func TestStartApprovalProcessWithoutPolicyAutoApproves(t *testing.T) {
	svc, _, _ := newTestService(t)
	req, err := svc.StartApprovalProcess(context.Background(), uuid.New(), uuid.New(), DocumentJournalEntry, decimal.NewFromInt(10))
	require.NoError(t, err)
	require.Nil(t, req)
}

func TestStartApprovalProcessBelowThresholdAutoApproves(t *testing.T) {
	svc, _, _ := newTestService(t)
	org := uuid.New()
	_, err := svc.DefinePolicy(context.Background(), PolicyDefinition{
		OrganizationID: org,
		DocumentType:   DocumentJournalEntry,
		Name:           "large journals",
		Steps:          []Step{{Order: 1, ApproverRole: "controller", MinAmount: decimal.NewFromInt(1000)}},
	})
	require.NoError(t, err)

	req, err := svc.StartApprovalProcess(context.Background(), org, uuid.New(), DocumentJournalEntry, decimal.NewFromInt(999))
	require.NoError(t, err)
	require.Nil(t, req)

	req, err = svc.StartApprovalProcess(context.Background(), org, uuid.New(), DocumentJournalEntry, decimal.NewFromInt(1000))
	require.NoError(t, err)
	require.NotNil(t, req)
	require.Equal(t, RequestPending, req.Status)
	require.Equal(t, 1, req.CurrentStep)
}

func TestApproveWalksStepsAndPublishesOnFinalStep(t *testing.T) {
	svc, repo, rec := newTestService(t)
	org := uuid.New()
	doc := uuid.New()
	_, err := svc.DefinePolicy(context.Background(), PolicyDefinition{
		OrganizationID: org,
		DocumentType:   DocumentPeriodReopening,
		Name:           "reopen",
		Steps: []Step{
			{Order: 2, ApproverRole: "cfo"},
			{Order: 1, ApproverRole: "controller"},
		},
	})
	require.NoError(t, err)

	req, err := svc.StartApprovalProcess(context.Background(), org, doc, DocumentPeriodReopening, decimal.Zero,
		WithRequester(uuid.New()), WithMetadata(map[string]string{KeyReason: "late supplier invoice"}))
	require.NoError(t, err)
	require.NotNil(t, req)
	require.Equal(t, 1, req.CurrentStep)

	_, err = svc.Approve(context.Background(), DecisionInput{OrganizationID: org, RequestID: req.ID, ActorID: uuid.New(), Roles: []string{"cfo"}})
	require.ErrorIs(t, err, ErrStepForbidden)

	updated, err := svc.Approve(context.Background(), DecisionInput{OrganizationID: org, RequestID: req.ID, ActorID: uuid.New(), Roles: []string{"controller"}})
	require.NoError(t, err)
	require.Equal(t, RequestPending, updated.Status)
	require.Equal(t, 2, updated.CurrentStep)
	require.Empty(t, rec.Events())

	final, err := svc.Approve(context.Background(), DecisionInput{OrganizationID: org, RequestID: req.ID, ActorID: uuid.New(), Roles: []string{"CFO"}})
	require.NoError(t, err)
	require.Equal(t, RequestApproved, final.Status)

	approved := rec.Named(events.ApprovalRequestApproved)
	require.Len(t, approved, 1)
	require.Equal(t, doc.String(), approved[0].Payload[KeyDocumentID])
	require.Equal(t, string(DocumentPeriodReopening), approved[0].Payload[KeyDocumentType])
	require.Equal(t, "late supplier invoice", approved[0].Payload[KeyReason])

	_, err = svc.Approve(context.Background(), DecisionInput{OrganizationID: org, RequestID: req.ID, ActorID: uuid.New(), Roles: []string{"cfo"}})
	require.ErrorIs(t, err, ErrRequestDecided)

	logs, err := repo.ListLogs(context.Background(), req.ID)
	require.NoError(t, err)
	require.Len(t, logs, 3)
	require.Equal(t, ActionSubmit, logs[0].Action)
}

func TestRejectRequiresReasonAndPublishes(t *testing.T) {
	svc, _, rec := newTestService(t)
	org := uuid.New()
	_, err := svc.DefinePolicy(context.Background(), PolicyDefinition{
		OrganizationID: org,
		DocumentType:   DocumentPeriodReopening,
		Steps:          []Step{{Order: 1, ApproverRole: "controller"}},
	})
	require.NoError(t, err)
	req, err := svc.StartApprovalProcess(context.Background(), org, uuid.New(), DocumentPeriodReopening, decimal.Zero)
	require.NoError(t, err)

	_, err = svc.Reject(context.Background(), DecisionInput{OrganizationID: org, RequestID: req.ID, ActorID: uuid.New()})
	require.ErrorIs(t, err, ErrReasonRequired)

	rejected, err := svc.Reject(context.Background(), DecisionInput{OrganizationID: org, RequestID: req.ID, ActorID: uuid.New(), Note: "not justified"})
	require.NoError(t, err)
	require.Equal(t, RequestRejected, rejected.Status)
	require.Len(t, rec.Named(events.ApprovalRequestRejected), 1)
}

func TestDefinePolicyRejectsUnknownDocumentType(t *testing.T) {
	svc, _, _ := newTestService(t)
	_, err := svc.DefinePolicy(context.Background(), PolicyDefinition{
		OrganizationID: uuid.New(),
		DocumentType:   "PURCHASE_ORDER",
		Steps:          []Step{{Order: 1, ApproverRole: "buyer"}},
	})
	require.ErrorIs(t, err, ErrUnknownDocumentType)
}

func TestAmountThresholdRouteStartsAtFirstMatchingStep(t *testing.T) {
	def := PolicyDefinition{Steps: []Step{
		{Order: 1, ApproverRole: "manager", MinAmount: decimal.NewFromInt(100)},
		{Order: 2, ApproverRole: "director", MinAmount: decimal.NewFromInt(50)},
	}}
	route := AmountThresholdPolicy{Type: DocumentJournalEntry}.Route(def, decimal.NewFromInt(75))
	require.Len(t, route, 1)
	require.Equal(t, "director", route[0].ApproverRole)

	require.Empty(t, AmountThresholdPolicy{}.Route(def, decimal.NewFromInt(10)))
}
