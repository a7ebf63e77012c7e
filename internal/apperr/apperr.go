// Package apperr defines the error kinds shared by the escrow, request and
// balance ledgers. Package-level errors wrap one of the kinds so callers can
// classify them with errors.Is regardless of which package produced them.
package apperr

import (
	"errors"
	"net/http"
)

// Kinds.
var (
	ErrNotFound            = errors.New("not found")
	ErrStateMismatch       = errors.New("state mismatch")
	ErrUnauthorized        = errors.New("unauthorized")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrDuplicateRequest    = errors.New("duplicate request")
	ErrNotExpired          = errors.New("request not expired")
	ErrTransferFailed      = errors.New("transfer failed")
	ErrTransferPending     = errors.New("transfer not confirmed")
	ErrInvalidInput        = errors.New("invalid input")
	ErrUnavailable         = errors.New("dependency unavailable")
)

type kindError struct {
	kind error
	msg  string
}

func (e *kindError) Error() string { return e.msg }
func (e *kindError) Unwrap() error { return e.kind }

// New returns an error with the given message that matches kind under errors.Is.
func New(kind error, msg string) error {
	return &kindError{kind: kind, msg: msg}
}

// Code returns the machine-readable code and HTTP status for err.
func Code(err error) (string, int) {
	switch {
	case errors.Is(err, ErrNotFound):
		return "not_found", http.StatusNotFound
	case errors.Is(err, ErrStateMismatch):
		return "state_mismatch", http.StatusConflict
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized", http.StatusForbidden
	case errors.Is(err, ErrInsufficientBalance):
		return "insufficient_balance", http.StatusPaymentRequired
	case errors.Is(err, ErrDuplicateRequest):
		return "duplicate_request", http.StatusConflict
	case errors.Is(err, ErrNotExpired):
		return "not_expired", http.StatusConflict
	case errors.Is(err, ErrTransferPending):
		return "transfer_pending", http.StatusGatewayTimeout
	case errors.Is(err, ErrTransferFailed):
		return "transfer_failed", http.StatusBadGateway
	case errors.Is(err, ErrInvalidInput):
		return "invalid_request", http.StatusBadRequest
	case errors.Is(err, ErrUnavailable):
		return "unavailable", http.StatusServiceUnavailable
	default:
		return "internal_error", http.StatusInternalServerError
	}
}
