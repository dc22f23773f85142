package main

import (
	"errors"
	"fmt"
)

// ErrorClass labels the failure recorded on a TransferRequest. The classes
// mirror the operational taxonomy: callers and operators react differently
// to a validation reject, an authorization denial, a duplicate in-flight
// request, a definite network rejection, and a timeout whose settlement
// status is unknown.
type ErrorClass string

const (
	ErrClassValidation    ErrorClass = "validation"
	ErrClassAuthorization ErrorClass = "authorization"
	ErrClassConflict      ErrorClass = "conflict"
	ErrClassNetwork       ErrorClass = "network"
	ErrClassAmbiguous     ErrorClass = "ambiguous"
	ErrClassCancelled     ErrorClass = "cancelled"
)

var (
	ErrTransferNotFound   = errors.New("transfer request not found")
	ErrDuplicateApproval  = errors.New("approval already recorded for this role within the window")
	ErrUnknownRole        = errors.New("unknown approver role")
	ErrExecutionInFlight  = errors.New("an execution attempt is already in flight for this request")
	ErrInvalidTransition  = errors.New("transfer status transition not allowed")
	ErrAdminRequired      = errors.New("administrator privilege required")
	ErrKeyVersionNotFound = errors.New("no key version found for identity")
)

// APIError represents an error whose message is safe to expose to external
// callers in an HTTP response. Unlike generic errors, an APIError message is
// guaranteed to be included in the error payload sent to the client.
//
// Use APIErrorf when you want to provide specific, user-facing error
// messages. For internal errors that should not be exposed, use regular
// errors instead.
type APIError struct {
	err error
}

// APIErrorf creates a new APIError with a formatted message that will be
// sent to the client. The message should be clear, actionable, and safe to
// expose externally: no internal system details, file paths, or database
// specifics.
func APIErrorf(format string, args ...any) APIError {
	return APIError{
		err: fmt.Errorf(format, args...),
	}
}

// Error implements the error interface for APIError
func (e APIError) Error() string {
	return e.err.Error()
}

// Unwrap exposes the wrapped error for errors.Is / errors.As checks.
func (e APIError) Unwrap() error {
	return e.err
}
