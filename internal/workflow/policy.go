package workflow

import (
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"
)

// Policy routes a document through the steps of a definition.
type Policy interface {
	DocumentType() DocumentType
	// Route returns the steps the document must pass, in order. An empty
	// route means the document is approved automatically.
	Route(def PolicyDefinition, amount decimal.Decimal) []Step
}

// AmountThresholdPolicy starts at the first step whose minimum the amount reaches.
type AmountThresholdPolicy struct {
	Type DocumentType
}

// DocumentType implements Policy.
func (p AmountThresholdPolicy) DocumentType() DocumentType { return p.Type }

// Route implements Policy.
func (p AmountThresholdPolicy) Route(def PolicyDefinition, amount decimal.Decimal) []Step {
	steps := sortedSteps(def.Steps)
	for i, s := range steps {
		if amount.GreaterThanOrEqual(s.MinAmount) {
			return steps[i:]
		}
	}
	return nil
}

// AlwaysRoutePolicy sends every document through all steps regardless of amount.
type AlwaysRoutePolicy struct {
	Type DocumentType
}

// DocumentType implements Policy.
func (p AlwaysRoutePolicy) DocumentType() DocumentType { return p.Type }

// Route implements Policy.
func (p AlwaysRoutePolicy) Route(def PolicyDefinition, _ decimal.Decimal) []Step {
	return sortedSteps(def.Steps)
}

func sortedSteps(in []Step) []Step {
	steps := append([]Step(nil), in...)
	sort.SliceStable(steps, func(i, j int) bool { return steps[i].Order < steps[j].Order })
	return steps
}

// Registry resolves policy variants by document type.
type Registry struct {
	mu       sync.RWMutex
	policies map[DocumentType]Policy
}

// NewRegistry builds a registry holding the given policies.
func NewRegistry(policies ...Policy) *Registry {
	r := &Registry{policies: make(map[DocumentType]Policy)}
	for _, p := range policies {
		r.Register(p)
	}
	return r
}

// DefaultRegistry wires the journal and period-reopening variants.
func DefaultRegistry() *Registry {
	return NewRegistry(
		AmountThresholdPolicy{Type: DocumentJournalEntry},
		AlwaysRoutePolicy{Type: DocumentPeriodReopening},
	)
}

// Register adds or replaces the variant for its document type.
func (r *Registry) Register(p Policy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.policies[p.DocumentType()] = p
}

// Resolve returns the variant registered for docType.
func (r *Registry) Resolve(docType DocumentType) (Policy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.policies[docType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDocumentType, docType)
	}
	return p, nil
}

// ValidateDefinition checks step ordering and amounts.
func ValidateDefinition(def PolicyDefinition) error {
	if def.DocumentType == "" {
		return fmt.Errorf("%w: document type required", ErrInvalidPolicy)
	}
	if len(def.Steps) == 0 {
		return fmt.Errorf("%w: at least one step required", ErrInvalidPolicy)
	}
	seen := make(map[int]struct{}, len(def.Steps))
	for _, s := range def.Steps {
		if s.Order <= 0 {
			return fmt.Errorf("%w: step order must be positive", ErrInvalidPolicy)
		}
		if _, dup := seen[s.Order]; dup {
			return fmt.Errorf("%w: duplicate step order %d", ErrInvalidPolicy, s.Order)
		}
		seen[s.Order] = struct{}{}
		if s.ApproverRole == "" {
			return fmt.Errorf("%w: step %d approver role required", ErrInvalidPolicy, s.Order)
		}
		if s.MinAmount.IsNegative() {
			return fmt.Errorf("%w: step %d minimum amount negative", ErrInvalidPolicy, s.Order)
		}
	}
	return nil
}
