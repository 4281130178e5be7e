package workflow

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// DocumentType tags the kind of document routed for approval.
type DocumentType string

const (
	DocumentJournalEntry    DocumentType = "JOURNAL_ENTRY"
	DocumentPeriodReopening DocumentType = "PERIOD_REOPENING"
)

// RequestStatus enumerates approval request states.
type RequestStatus string

const (
	RequestPending  RequestStatus = "PENDING"
	RequestApproved RequestStatus = "APPROVED"
	RequestRejected RequestStatus = "REJECTED"
)

// Step is one approval stage of a policy.
type Step struct {
	Order        int
	ApproverRole string
	MinAmount    decimal.Decimal
}

// PolicyDefinition is an organization's configured approval chain for a document type.
type PolicyDefinition struct {
	ID             uuid.UUID
	OrganizationID uuid.UUID
	DocumentType   DocumentType
	Name           string
	Steps          []Step
	IsActive       bool
	CreatedAt      time.Time
}

// Request is one approval instance for a document.
type Request struct {
	ID              uuid.UUID
	OrganizationID  uuid.UUID
	PolicyID        uuid.UUID
	DocumentID      uuid.UUID
	DocumentType    DocumentType
	Amount          decimal.Decimal
	Status          RequestStatus
	Steps           []Step
	CurrentStep     int
	RequestedBy     uuid.UUID
	Metadata        map[string]string
	DecidedBy       *uuid.UUID
	DecidedAt       *time.Time
	RejectionReason string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Action enumerates approval log actions.
type Action string

const (
	ActionSubmit  Action = "SUBMIT"
	ActionApprove Action = "APPROVE"
	ActionReject  Action = "REJECT"
)

// LogEntry is a single approval history record.
type LogEntry struct {
	ID        uuid.UUID
	RequestID uuid.UUID
	ActorID   uuid.UUID
	Action    Action
	Step      int
	Note      string
	At        time.Time
}

// DecisionInput identifies the request and approver.
type DecisionInput struct {
	OrganizationID uuid.UUID
	RequestID      uuid.UUID
	ActorID        uuid.UUID
	Roles          []string
	Note           string
}

var (
	// ErrRequestNotFound indicates a missing approval request.
	ErrRequestNotFound = errors.New("workflow: approval request not found")
	// ErrRequestDecided indicates the request is no longer pending.
	ErrRequestDecided = errors.New("workflow: approval request already decided")
	// ErrStepForbidden indicates the actor lacks the current step's role.
	ErrStepForbidden = errors.New("workflow: actor cannot approve this step")
	// ErrUnknownDocumentType indicates no policy variant is registered for the type.
	ErrUnknownDocumentType = errors.New("workflow: unknown document type")
	// ErrInvalidPolicy indicates a malformed policy definition.
	ErrInvalidPolicy = errors.New("workflow: invalid policy")
	// ErrReasonRequired indicates a rejection without a reason.
	ErrReasonRequired = errors.New("workflow: rejection reason required")
)
