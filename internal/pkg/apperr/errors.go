// Package apperr defines the coded errors shared by the premium ledgers, the
// payment reconciliation and the HTTP layer.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes
const (
	EUNAUTHORIZED = "unauthorized"            // Caller or webhook could not be authenticated
	EFORBIDDEN    = "forbidden"               // Entitlement missing or exhausted
	ENOTFOUND     = "not_found"               // Record does not exist
	ECONFLICT     = "conflict"                // State does not allow the operation
	EINVALID      = "invalid"                 // Bad input
	EPAYMENT      = "payment"                 // Payment provider failure
	EMISMATCH     = "reconciliation_mismatch" // Provider notification disagrees with our records
	EINTERNAL     = "internal"
)

// Denial reasons carried by forbidden errors.
const (
	ReasonNoSubscription = "no_subscription"
	ReasonQuotaExceeded  = "quota_exceeded"
)

// Error is an application error with a machine-readable code.
type Error struct {
	Code    string
	Op      string
	Message string
	Reason  string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s", e.Op, msg)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error by code, so errors.Is(err, apperr.NotFound("", ""))
// style comparisons work without sentinel values.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code && (t.Reason == "" || t.Reason == e.Reason)
}

// Errorf creates a new Error with the given code, operation, and formatted message.
func Errorf(code, op, format string, args ...interface{}) *Error {
	return &Error{
		Code:    code,
		Op:      op,
		Message: fmt.Sprintf(format, args...),
	}
}

// Wrap wraps an existing error with additional context.
func Wrap(err error, code, op, message string) *Error {
	return &Error{
		Code:    code,
		Op:      op,
		Message: message,
		Err:     err,
	}
}

func Unauthorized(op, message string) *Error {
	return &Error{Code: EUNAUTHORIZED, Op: op, Message: message}
}

// Forbidden creates an entitlement denial with a reason.
func Forbidden(op, reason, message string) *Error {
	return &Error{Code: EFORBIDDEN, Op: op, Reason: reason, Message: message}
}

func NotFound(op, message string) *Error {
	return &Error{Code: ENOTFOUND, Op: op, Message: message}
}

func Conflict(op, message string) *Error {
	return &Error{Code: ECONFLICT, Op: op, Message: message}
}

func Invalid(op, message string) *Error {
	return &Error{Code: EINVALID, Op: op, Message: message}
}

// PaymentProvider wraps a gateway failure. The message must not contain
// provider credentials.
func PaymentProvider(op, provider string, err error) *Error {
	return &Error{Code: EPAYMENT, Op: op, Message: fmt.Sprintf("le prestataire de paiement %s est indisponible", provider), Err: err}
}

func Mismatch(op, message string) *Error {
	return &Error{Code: EMISMATCH, Op: op, Message: message}
}

func Internal(op string, err error) *Error {
	return &Error{Code: EINTERNAL, Op: op, Message: "erreur interne", Err: err}
}

// Code returns the code of the first *Error in the chain, or EINTERNAL.
func Code(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return EINTERNAL
}

// Reason returns the denial reason of the first *Error in the chain.
func Reason(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Reason
	}
	return ""
}

// Message returns a message safe to show to end users.
func Message(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		if e.Code == EINTERNAL {
			return "Une erreur interne est survenue. Veuillez réessayer plus tard."
		}
		return e.Message
	}
	return "Une erreur interne est survenue. Veuillez réessayer plus tard."
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code string) bool {
	return err != nil && Code(err) == code
}

// HTTPStatus maps an error code to the status used by the API.
func HTTPStatus(code string) int {
	switch code {
	case EUNAUTHORIZED:
		return http.StatusUnauthorized
	case EFORBIDDEN:
		return http.StatusForbidden
	case ENOTFOUND:
		return http.StatusNotFound
	case ECONFLICT:
		return http.StatusConflict
	case EINVALID:
		return http.StatusBadRequest
	case EPAYMENT:
		return http.StatusBadGateway
	case EMISMATCH:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
