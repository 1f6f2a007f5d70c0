// Package apperr defines the caller-facing error taxonomy shared by the
// escrow engine, the credit ledger and the access workflows.
//
// Domain errors are recoverable: they describe why a request was rejected.
// OperationFailed is reserved for persistence failures inside a unit of work
// and tells the caller the request may be retried.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Kind classifies an error.
type Kind string

const (
	KindNotFound            Kind = "not_found"
	KindForbidden           Kind = "forbidden"
	KindBadRequest          Kind = "bad_request"
	KindInvalidTransition   Kind = "invalid_transition"
	KindInsufficientCredits Kind = "insufficient_credits"
	KindAlreadyExists       Kind = "already_exists"
	KindDuplicateRequest    Kind = "duplicate_request"
	KindAlreadyUnlocked     Kind = "already_unlocked"
	KindPlanNotEligible     Kind = "plan_not_eligible"
	KindOperationFailed     Kind = "operation_failed"
)

// Error is a classified error. Two errors match under errors.Is when the
// target is a bare sentinel of the same kind.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	switch {
	case e.Message != "" && e.Err != nil:
		return e.Message + ": " + e.Err.Error()
	case e.Message != "":
		return e.Message
	case e.Err != nil:
		return string(e.Kind) + ": " + e.Err.Error()
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is the sentinel for e's kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Message == "" && t.Err == nil && t.Kind == e.Kind
}

// Sentinels for errors.Is checks.
var (
	ErrNotFound            = &Error{Kind: KindNotFound}
	ErrForbidden           = &Error{Kind: KindForbidden}
	ErrBadRequest          = &Error{Kind: KindBadRequest}
	ErrInvalidTransition   = &Error{Kind: KindInvalidTransition}
	ErrInsufficientCredits = &Error{Kind: KindInsufficientCredits}
	ErrAlreadyExists       = &Error{Kind: KindAlreadyExists}
	ErrDuplicateRequest    = &Error{Kind: KindDuplicateRequest}
	ErrAlreadyUnlocked     = &Error{Kind: KindAlreadyUnlocked}
	ErrPlanNotEligible     = &Error{Kind: KindPlanNotEligible}
	ErrOperationFailed     = &Error{Kind: KindOperationFailed}
)

// New builds an error of the given kind with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// NotFound reports a missing entity.
func NotFound(entity, id string) *Error {
	return New(KindNotFound, "%s %s not found", entity, id)
}

// Forbidden reports that actor may not perform action.
func Forbidden(format string, args ...any) *Error {
	return New(KindForbidden, format, args...)
}

// BadRequest reports malformed or semantically invalid input.
func BadRequest(format string, args ...any) *Error {
	return New(KindBadRequest, format, args...)
}

// InvalidTransition reports an operation attempted from the wrong state. The
// message names the current state and the states the operation expects.
func InvalidTransition[S ~string](op, entity string, current S, expected ...S) *Error {
	names := make([]string, len(expected))
	for i, s := range expected {
		names[i] = string(s)
	}
	if len(names) == 0 {
		return New(KindInvalidTransition, "cannot %s: %s is %s", op, entity, current)
	}
	return New(KindInvalidTransition, "cannot %s: %s is %s, expected %s",
		op, entity, current, strings.Join(names, " or "))
}

// InsufficientCredits names the required and available credit amounts.
func InsufficientCredits(required, available int64) *Error {
	return New(KindInsufficientCredits,
		"insufficient credits: %d required, %d available", required, available)
}

// OperationFailed wraps a persistence failure from a unit of work.
func OperationFailed(op string, err error) *Error {
	return &Error{Kind: KindOperationFailed, Message: op + " failed", Err: err}
}

// KindOf returns the kind of err, or OperationFailed for unclassified errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindOperationFailed
}

// IsDomain reports whether err is a classified caller-facing error, as
// opposed to an infrastructure failure.
func IsDomain(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind != KindOperationFailed
}

// HTTPStatus maps an error to the response status used by the API layer.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindNotFound:
		return http.StatusNotFound
	case KindForbidden, KindPlanNotEligible:
		return http.StatusForbidden
	case KindBadRequest:
		return http.StatusBadRequest
	case KindInvalidTransition, KindAlreadyExists, KindDuplicateRequest, KindAlreadyUnlocked:
		return http.StatusConflict
	case KindInsufficientCredits:
		return http.StatusPaymentRequired
	}
	return http.StatusInternalServerError
}
