package errors

import (
	"fmt"
	"net/http"

	"github.com/cockroachdb/errors"
)

// Error categories. Domain sentinels below belong to one of these so
// callers can branch on the category without knowing every sentinel.
var (
	ErrValidation = new(ErrCodeValidation, "validation error")
	ErrNotFound   = new(ErrCodeNotFound, "resource not found")
	ErrConflict   = new(ErrCodeConflict, "conflict")
	ErrState      = new(ErrCodeState, "operation not allowed in current state")
	ErrIntegrity  = new(ErrCodeIntegrity, "integrity error")
	ErrDatabase   = new(ErrCodeDatabase, "database error")
	ErrSystem     = new(ErrCodeSystemError, "system error")

	categories = []*InternalError{ErrValidation, ErrNotFound, ErrConflict, ErrState, ErrIntegrity, ErrDatabase, ErrSystem}

	statusCodeMap = map[error]int{
		ErrValidation: http.StatusBadRequest,
		ErrNotFound:   http.StatusNotFound,
		ErrConflict:   http.StatusConflict,
		ErrState:      http.StatusConflict,
		ErrIntegrity:  http.StatusServiceUnavailable,
		ErrDatabase:   http.StatusInternalServerError,
		ErrSystem:     http.StatusInternalServerError,
	}
)

const (
	ErrCodeValidation  = "validation_error"
	ErrCodeNotFound    = "not_found"
	ErrCodeConflict    = "conflict"
	ErrCodeState       = "invalid_state"
	ErrCodeIntegrity   = "integrity_error"
	ErrCodeDatabase    = "database_error"
	ErrCodeSystemError = "system_error"
)

// Ledger sentinels.
var (
	ErrInvalidCoefficients   = domain(ErrValidation, "invalid_coefficients", "unit coefficients do not add up to the configured total")
	ErrEmptyUnitSet          = domain(ErrValidation, "empty_unit_set", "community has no active units")
	ErrAlreadyGenerated      = domain(ErrConflict, "already_generated", "charges were already generated for this billing run")
	ErrChargeHasPayments     = domain(ErrState, "charge_has_payments", "billing run has charges with payment allocations")
	ErrPaymentAlreadyApplied = domain(ErrConflict, "payment_already_applied", "payment is not pending")
	ErrPaymentNotApplied     = domain(ErrState, "payment_not_applied", "payment is not applied")
	ErrInvalidTransition     = domain(ErrState, "invalid_transition", "billing run status does not allow this operation")
	ErrRemainderMismatch     = domain(ErrIntegrity, "remainder_mismatch", "prorated amounts do not add up to the distributable total")
)

// InternalError is a categorised error with a machine-readable code.
type InternalError struct {
	Code    string
	Message string
	Err     error

	category *InternalError
}

func (e *InternalError) Error() string {
	if e.Err == nil {
		return e.DisplayError()
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Err.Error())
}

func (e *InternalError) DisplayError() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *InternalError) Unwrap() error {
	return e.Err
}

// Is matches on code so wrapped copies of a sentinel still compare equal.
// A domain sentinel also matches its category, never a sibling sentinel.
func (e *InternalError) Is(target error) bool {
	if target == nil {
		return false
	}

	t, ok := target.(*InternalError)
	if !ok {
		return errors.Is(e.Err, target)
	}

	if e.category != nil && e.category.Code == t.Code {
		return true
	}
	return e.Code == t.Code
}

func new(code string, message string) *InternalError {
	return &InternalError{
		Code:    code,
		Message: message,
	}
}

// domain creates a sentinel that matches itself and its category only.
func domain(category *InternalError, code string, message string) *InternalError {
	e := new(code, message)
	e.category = category
	return e
}

func As(err error, target any) bool {
	return errors.As(err, target)
}

func Is(err, reference error) bool {
	return errors.Is(err, reference)
}

func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation)
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}

func IsState(err error) bool {
	return errors.Is(err, ErrState)
}

func IsIntegrity(err error) bool {
	return errors.Is(err, ErrIntegrity)
}

func IsSystem(err error) bool {
	return errors.Is(err, ErrSystem)
}

// Code returns the most specific code attached to err.
func Code(err error) string {
	var ie *InternalError
	if errors.As(err, &ie) {
		return ie.Code
	}
	for _, category := range categories {
		if errors.Is(err, category) {
			return category.Code
		}
	}
	return ErrCodeSystemError
}

// HTTPStatusFromErr maps an error to the status code of its category.
func HTTPStatusFromErr(err error) int {
	for _, category := range categories {
		if errors.Is(err, category) {
			return statusCodeMap[category]
		}
	}
	return http.StatusInternalServerError
}

// CombineErrors keeps err as the primary error and attaches other.
func CombineErrors(err, other error) error {
	return errors.CombineErrors(err, other)
}
