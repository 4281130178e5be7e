package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-ledger/internal/events"
)

// RepositoryPort abstracts approval persistence.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetRequest(ctx context.Context, orgID, id uuid.UUID) (Request, error)
	ListRequests(ctx context.Context, orgID uuid.UUID, status RequestStatus) ([]Request, error)
	ListLogs(ctx context.Context, requestID uuid.UUID) ([]LogEntry, error)
}

// TxRepository exposes transactional approval operations.
type TxRepository interface {
	ActivePolicy(ctx context.Context, orgID uuid.UUID, docType DocumentType) (PolicyDefinition, bool, error)
	InsertPolicy(ctx context.Context, def PolicyDefinition) error
	InsertRequest(ctx context.Context, req Request) error
	GetRequestForUpdate(ctx context.Context, orgID, id uuid.UUID) (Request, error)
	UpdateRequest(ctx context.Context, req Request) error
	InsertLog(ctx context.Context, entry LogEntry) error
}

// StartOption customises a new approval request.
type StartOption func(*Request)

// WithRequester records who asked for the approval.
func WithRequester(actorID uuid.UUID) StartOption {
	return func(r *Request) { r.RequestedBy = actorID }
}

// WithMetadata attaches values echoed back on decision events.
func WithMetadata(meta map[string]string) StartOption {
	return func(r *Request) {
		if len(meta) == 0 {
			return
		}
		if r.Metadata == nil {
			r.Metadata = make(map[string]string, len(meta))
		}
		for k, v := range meta {
			r.Metadata[k] = v
		}
	}
}

// Service routes documents through approval policies.
type Service struct {
	repo     RepositoryPort
	registry *Registry
	events   events.Publisher
	logger   *slog.Logger
	now      func() time.Time
}

// NewService constructs the approval service.
func NewService(repo RepositoryPort, registry *Registry, publisher events.Publisher, logger *slog.Logger) *Service {
	if registry == nil {
		registry = DefaultRegistry()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, registry: registry, events: publisher, logger: logger, now: time.Now}
}

// WithNow overrides the clock for testing.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// DefinePolicy stores a new active policy, replacing the previous one for the document type.
func (s *Service) DefinePolicy(ctx context.Context, def PolicyDefinition) (PolicyDefinition, error) {
	if def.OrganizationID == uuid.Nil {
		return PolicyDefinition{}, errors.New("workflow: organization required")
	}
	if _, err := s.registry.Resolve(def.DocumentType); err != nil {
		return PolicyDefinition{}, err
	}
	if err := ValidateDefinition(def); err != nil {
		return PolicyDefinition{}, err
	}
	def.ID = uuid.New()
	def.IsActive = true
	def.Steps = sortedSteps(def.Steps)
	def.CreatedAt = s.now()
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.InsertPolicy(ctx, def)
	})
	if err != nil {
		return PolicyDefinition{}, err
	}
	return def, nil
}

// StartApprovalProcess opens an approval request for the document. A nil request
// means no policy routes the document and it is approved automatically.
func (s *Service) StartApprovalProcess(ctx context.Context, orgID, documentID uuid.UUID, docType DocumentType, amount decimal.Decimal, opts ...StartOption) (*Request, error) {
	policy, err := s.registry.Resolve(docType)
	if err != nil {
		return nil, err
	}
	var created *Request
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		def, ok, err := tx.ActivePolicy(ctx, orgID, docType)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		route := policy.Route(def, amount)
		if len(route) == 0 {
			return nil
		}
		now := s.now()
		req := Request{
			ID:             uuid.New(),
			OrganizationID: orgID,
			PolicyID:       def.ID,
			DocumentID:     documentID,
			DocumentType:   docType,
			Amount:         amount,
			Status:         RequestPending,
			Steps:          route,
			CurrentStep:    route[0].Order,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		for _, opt := range opts {
			opt(&req)
		}
		if err := tx.InsertRequest(ctx, req); err != nil {
			return err
		}
		if err := tx.InsertLog(ctx, LogEntry{ID: uuid.New(), RequestID: req.ID, ActorID: req.RequestedBy, Action: ActionSubmit, Step: req.CurrentStep, At: now}); err != nil {
			return err
		}
		created = &req
		return nil
	})
	if err != nil {
		return nil, err
	}
	if created != nil {
		s.logger.Info("approval requested",
			slog.String("document_type", string(docType)),
			slog.String("document_id", documentID.String()),
			slog.String("request_id", created.ID.String()),
			slog.Int("step", created.CurrentStep))
	}
	return created, nil
}

// Approve signs off the current step and finalises the request after the last one.
func (s *Service) Approve(ctx context.Context, in DecisionInput) (Request, error) {
	var req Request
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		req, err = tx.GetRequestForUpdate(ctx, in.OrganizationID, in.RequestID)
		if err != nil {
			return err
		}
		if req.Status != RequestPending {
			return ErrRequestDecided
		}
		current, next, ok := stepAround(req.Steps, req.CurrentStep)
		if !ok || !hasRole(in.Roles, current.ApproverRole) {
			return fmt.Errorf("%w: step %d requires role %s", ErrStepForbidden, req.CurrentStep, current.ApproverRole)
		}
		now := s.now()
		if next != nil {
			req.CurrentStep = next.Order
		} else {
			req.Status = RequestApproved
			req.DecidedBy = &in.ActorID
			req.DecidedAt = &now
		}
		req.UpdatedAt = now
		if err := tx.UpdateRequest(ctx, req); err != nil {
			return err
		}
		return tx.InsertLog(ctx, LogEntry{ID: uuid.New(), RequestID: req.ID, ActorID: in.ActorID, Action: ActionApprove, Step: current.Order, Note: in.Note, At: now})
	})
	if err != nil {
		return Request{}, err
	}
	if req.Status == RequestApproved {
		s.publish(ctx, events.ApprovalRequestApproved, req)
	}
	return req, nil
}

// Reject closes the request; the pending document keeps its prior state.
func (s *Service) Reject(ctx context.Context, in DecisionInput) (Request, error) {
	if strings.TrimSpace(in.Note) == "" {
		return Request{}, ErrReasonRequired
	}
	var req Request
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		req, err = tx.GetRequestForUpdate(ctx, in.OrganizationID, in.RequestID)
		if err != nil {
			return err
		}
		if req.Status != RequestPending {
			return ErrRequestDecided
		}
		now := s.now()
		req.Status = RequestRejected
		req.RejectionReason = in.Note
		req.DecidedBy = &in.ActorID
		req.DecidedAt = &now
		req.UpdatedAt = now
		if err := tx.UpdateRequest(ctx, req); err != nil {
			return err
		}
		return tx.InsertLog(ctx, LogEntry{ID: uuid.New(), RequestID: req.ID, ActorID: in.ActorID, Action: ActionReject, Step: req.CurrentStep, Note: in.Note, At: now})
	})
	if err != nil {
		return Request{}, err
	}
	s.publish(ctx, events.ApprovalRequestRejected, req)
	return req, nil
}

// GetRequest returns a request by id.
func (s *Service) GetRequest(ctx context.Context, orgID, id uuid.UUID) (Request, error) {
	return s.repo.GetRequest(ctx, orgID, id)
}

// ListRequests returns requests filtered by status.
func (s *Service) ListRequests(ctx context.Context, orgID uuid.UUID, status RequestStatus) ([]Request, error) {
	return s.repo.ListRequests(ctx, orgID, status)
}

// History returns the approval log of a request.
func (s *Service) History(ctx context.Context, requestID uuid.UUID) ([]LogEntry, error) {
	return s.repo.ListLogs(ctx, requestID)
}

func (s *Service) publish(ctx context.Context, name events.Name, req Request) {
	if s.events == nil {
		return
	}
	payload := DecisionPayload(req)
	if err := s.events.Publish(ctx, events.New(name, req.OrganizationID, req.ID, payload)); err != nil {
		s.logger.Error("publish approval decision",
			slog.String("request_id", req.ID.String()),
			slog.String("event", string(name)),
			slog.Any("error", err))
	}
}

// Payload keys carried by decision events.
const (
	KeyDocumentType = "document_type"
	KeyDocumentID   = "document_id"
	KeyRequestID    = "request_id"
	KeyDecidedBy    = "decided_by"
	KeyRequestedBy  = "requested_by"
	KeyReason       = "reason"
	KeyRejection    = "rejection_reason"
)

// DecisionPayload flattens a decided request into event payload values.
func DecisionPayload(req Request) map[string]string {
	payload := make(map[string]string, len(req.Metadata)+5)
	for k, v := range req.Metadata {
		payload[k] = v
	}
	payload[KeyDocumentType] = string(req.DocumentType)
	payload[KeyDocumentID] = req.DocumentID.String()
	payload[KeyRequestID] = req.ID.String()
	payload[KeyRequestedBy] = req.RequestedBy.String()
	if req.DecidedBy != nil {
		payload[KeyDecidedBy] = req.DecidedBy.String()
	}
	if req.Status == RequestRejected {
		payload[KeyRejection] = req.RejectionReason
	}
	return payload
}

func stepAround(steps []Step, order int) (Step, *Step, bool) {
	for i, s := range steps {
		if s.Order != order {
			continue
		}
		if i+1 < len(steps) {
			next := steps[i+1]
			return s, &next, true
		}
		return s, nil, true
	}
	return Step{}, nil, false
}

func hasRole(roles []string, role string) bool {
	for _, r := range roles {
		if strings.EqualFold(r, role) {
			return true
		}
	}
	return false
}
