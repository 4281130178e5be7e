package httpx

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
)

// Decoder decodes JSON bodies and validates them with struct tags.
type Decoder struct {
	validate *validator.Validate
}

// NewDecoder constructs a Decoder.
func NewDecoder() *Decoder {
	return &Decoder{validate: validator.New(validator.WithRequiredStructEnabled())}
}

// Decode reads r's body into target and validates it. Failures wrap ErrValidation.
func (d *Decoder) Decode(r *http.Request, target any) error {
	if err := DecodeJSON(r, target); err != nil {
		return fmt.Errorf("%w: malformed body: %v", ErrValidation, err)
	}
	if err := d.validate.Struct(target); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			return fmt.Errorf("%w: %v", ErrValidation, err)
		}
		msgs := make([]string, 0, len(fieldErrs))
		for _, fe := range fieldErrs {
			msgs = append(msgs, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
		}
		sort.Strings(msgs)
		return fmt.Errorf("%w: %s", ErrValidation, strings.Join(msgs, "; "))
	}
	return nil
}

// URLUUID parses a uuid route parameter.
func URLUUID(r *http.Request, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: %s must be a uuid", ErrValidation, name)
	}
	return id, nil
}

// Identity returns the caller resolved by the identity middleware.
func Identity(r *http.Request) (shared.Identity, error) {
	id, ok := shared.IdentityFromContext(r.Context())
	if !ok || id.OrganizationID == uuid.Nil || id.ActorID == uuid.Nil {
		return shared.Identity{}, fmt.Errorf("%w: %v", ErrUnauthorized, shared.ErrMissingIdentity)
	}
	return id, nil
}
