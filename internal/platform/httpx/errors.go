// Package httpx provides HTTP response utilities.
package httpx

import (
	"errors"
	"net/http"
)

// Sentinel errors for domain layer.
var (
	ErrNotFound     = errors.New("resource not found")
	ErrDuplicate    = errors.New("duplicate entry")
	ErrValidation   = errors.New("validation failed")
	ErrForbidden    = errors.New("forbidden")
	ErrUnauthorized = errors.New("unauthorized")
)

// ErrorMapping binds a domain sentinel to a problem status.
type ErrorMapping struct {
	Err    error
	Status int
	Title  string
}

// Conflict maps errs to 409.
func Conflict(errs ...error) []ErrorMapping {
	return mapAll(http.StatusConflict, "Conflict", errs)
}

// Unprocessable maps errs to 422.
func Unprocessable(errs ...error) []ErrorMapping {
	return mapAll(http.StatusUnprocessableEntity, "Unprocessable Entity", errs)
}

// Locked maps errs to 423.
func Locked(errs ...error) []ErrorMapping {
	return mapAll(http.StatusLocked, "Locked", errs)
}

// NotFound maps errs to 404.
func NotFound(errs ...error) []ErrorMapping {
	return mapAll(http.StatusNotFound, "Not Found", errs)
}

func mapAll(status int, title string, errs []error) []ErrorMapping {
	out := make([]ErrorMapping, len(errs))
	for i, err := range errs {
		out[i] = ErrorMapping{Err: err, Status: status, Title: title}
	}
	return out
}

// RespondDomainError writes the first mapping err matches and falls back to RespondError.
// Mapped errors carry their message as detail so callers see the specific reason.
func RespondDomainError(w http.ResponseWriter, err error, mappings ...[]ErrorMapping) {
	for _, group := range mappings {
		for _, m := range group {
			if errors.Is(err, m.Err) {
				Problem(w, m.Status, m.Title, err.Error())
				return
			}
		}
	}
	RespondError(w, err)
}

// RespondError maps domain errors to HTTP responses using RFC7807.
func RespondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, ErrDuplicate):
		Problem(w, http.StatusConflict, "Duplicate", err.Error())
	case errors.Is(err, ErrValidation):
		Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	case errors.Is(err, ErrForbidden):
		Problem(w, http.StatusForbidden, "Forbidden", err.Error())
	case errors.Is(err, ErrUnauthorized):
		Problem(w, http.StatusUnauthorized, "Unauthorized", err.Error())
	default:
		Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}
