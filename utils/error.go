package utils

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Kind is the closed set of failure kinds surfaced by the facilitator.
type Kind int

const (
	KindInvalidRequest Kind = iota + 1
	KindNonce
	KindVerification
	KindSettlement
	KindInsufficientBalance
	KindStorage
)

// String returns the wire name of the kind.
func (k Kind) String() string {
	switch k {
	case KindInvalidRequest:
		return "invalid_request"
	case KindNonce:
		return "nonce_error"
	case KindVerification:
		return "verification_error"
	case KindSettlement:
		return "settlement_error"
	case KindInsufficientBalance:
		return "insufficient_balance"
	case KindStorage:
		return "storage_error"
	default:
		return "unknown_error"
	}
}

// Error is a custom error type that carries a kind and an optional cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error

	// Details holds every validation failure when more than one was collected.
	Details []string

	// Indeterminate is set when a transaction may have reached the network.
	Indeterminate bool

	// Recipients lists the split recipients that were attempted, if any.
	Recipients []string

	// Signature is the hash of the transaction that was broadcast, if any.
	Signature string
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if len(e.Details) > 0 {
		msg = msg + ": " + strings.Join(e.Details, "; ")
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Status returns the http status code for the error kind.
func (e *Error) Status() int {
	switch e.Kind {
	case KindInvalidRequest:
		return http.StatusBadRequest
	case KindNonce:
		return http.StatusBadRequest
	case KindVerification:
		return http.StatusUnauthorized
	case KindSettlement:
		if e.Indeterminate {
			return http.StatusInternalServerError
		}
		return http.StatusPaymentRequired
	case KindInsufficientBalance:
		return http.StatusPaymentRequired
	case KindStorage:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// NewError creates a new Error of the given kind.
func NewError(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// InvalidRequest creates an invalid request error with the collected details.
func InvalidRequest(message string, details ...string) *Error {
	return &Error{Kind: KindInvalidRequest, Message: message, Details: details}
}

// NonceError creates a nonce error.
func NonceError(message string, cause error) *Error {
	return NewError(KindNonce, message, cause)
}

// VerificationError creates a verification error.
func VerificationError(message string, cause error) *Error {
	return NewError(KindVerification, message, cause)
}

// SettlementError creates a definite settlement failure.
func SettlementError(message string, cause error) *Error {
	return NewError(KindSettlement, message, cause)
}

// IndeterminateSettlement creates a settlement error for a transaction whose
// outcome is unknown and must be reconciled before any retry.
func IndeterminateSettlement(message string, cause error) *Error {
	e := NewError(KindSettlement, message, cause)
	e.Indeterminate = true
	return e
}

// InsufficientBalance creates an insufficient balance error.
func InsufficientBalance(message string) *Error {
	return NewError(KindInsufficientBalance, message, nil)
}

// StorageError creates a storage error.
func StorageError(message string, cause error) *Error {
	return NewError(KindStorage, message, cause)
}

// KindOf returns the kind of err, or zero if err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// IsKind reports whether err is an *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// IsIndeterminate reports whether err is a settlement error of unknown outcome.
func IsIndeterminate(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == KindSettlement && e.Indeterminate
}

// SignatureOf returns the broadcast transaction hash carried by err, if any.
func SignatureOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Signature
	}
	return ""
}

// StatusOf returns the http status for err, defaulting to 500.
func StatusOf(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.Status()
	}
	return http.StatusInternalServerError
}
