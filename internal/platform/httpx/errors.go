// Package httpx provides HTTP response utilities.
package httpx

import (
	"errors"
	"net/http"
)

// Error classes for the domain layer. Domain sentinels are constructed with
// the helpers below so handlers can map any failure to a status code with a
// single errors.Is walk.
var (
	ErrNotFound   = errors.New("resource not found")
	ErrConflict   = errors.New("state conflict")
	ErrValidation = errors.New("validation failed")
	ErrIntegrity  = errors.New("integrity violation")
)

type classified struct {
	msg   string
	class error
}

func (e *classified) Error() string { return e.msg }

func (e *classified) Unwrap() error { return e.class }

// NotFoundError builds a sentinel that maps to 404.
func NotFoundError(msg string) error { return &classified{msg: msg, class: ErrNotFound} }

// ConflictError builds a sentinel that maps to 409. Conflict-class failures
// are retryable after the caller refreshes state.
func ConflictError(msg string) error { return &classified{msg: msg, class: ErrConflict} }

// ValidationError builds a sentinel that maps to 400. Validation failures are
// client-correctable.
func ValidationError(msg string) error { return &classified{msg: msg, class: ErrValidation} }

// IntegrityError builds a sentinel that maps to 422. Integrity failures are
// rejected outright and never coerced.
func IntegrityError(msg string) error { return &classified{msg: msg, class: ErrIntegrity} }

// RespondError maps domain errors to HTTP responses using RFC7807.
func RespondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, ErrConflict):
		Problem(w, http.StatusConflict, "Conflict", err.Error())
	case errors.Is(err, ErrValidation):
		Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	case errors.Is(err, ErrIntegrity):
		Problem(w, http.StatusUnprocessableEntity, "Integrity Violation", err.Error())
	default:
		Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}
