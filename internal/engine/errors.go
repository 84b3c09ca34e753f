package engine

import (
	"errors"
	"fmt"

	"github.com/roach88/karmaledger/internal/karma"
)

// Error is an operation failure surfaced to the caller.
//
// Codes:
//   - NOT_FOUND: the user, atonement plan or debt does not exist
//   - INVALID_INPUT: the request was rejected and nothing was written
//   - CONFLICT: the ledger kept changing underneath the operation
//
// Degraded value-table persistence and unreadable balance fields are never
// reported as an Error; they are logged and absorbed.
type Error struct {
	// Code identifies the error category.
	Code ErrorCode

	// Message is a human-readable description.
	Message string

	// UserID identifies the affected ledger, if any.
	UserID string

	// Err is the underlying cause.
	Err error
}

// ErrorCode categorizes engine errors.
type ErrorCode string

const (
	ErrCodeNotFound     ErrorCode = "NOT_FOUND"
	ErrCodeInvalidInput ErrorCode = "INVALID_INPUT"
	ErrCodeConflict     ErrorCode = "CONFLICT"
)

// Error implements the error interface.
func (e *Error) Error() string {
	if e.UserID != "" {
		return fmt.Sprintf("%s: %s (user=%s)", e.Code, e.Message, e.UserID)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause, so errors.Is still matches the
// karma sentinels.
func (e *Error) Unwrap() error {
	return e.Err
}

// IsNotFound reports whether err is a NOT_FOUND engine error.
// Uses errors.As to handle wrapped errors.
func IsNotFound(err error) bool {
	return hasCode(err, ErrCodeNotFound)
}

// IsInvalidInput reports whether err is an INVALID_INPUT engine error.
func IsInvalidInput(err error) bool {
	return hasCode(err, ErrCodeInvalidInput)
}

// IsConflict reports whether err is a CONFLICT engine error.
func IsConflict(err error) bool {
	return hasCode(err, ErrCodeConflict)
}

func hasCode(err error, code ErrorCode) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

func invalidInput(userID string, err error) *Error {
	return &Error{Code: ErrCodeInvalidInput, Message: err.Error(), UserID: userID, Err: err}
}

func notFound(userID string, err error) *Error {
	return &Error{Code: ErrCodeNotFound, Message: err.Error(), UserID: userID, Err: err}
}

func conflict(userID string, attempts int, err error) *Error {
	return &Error{
		Code:    ErrCodeConflict,
		Message: fmt.Sprintf("ledger changed during %d attempts", attempts),
		UserID:  userID,
		Err:     err,
	}
}

// classify maps domain and store errors onto engine errors. Errors that fit
// no category are returned unchanged.
func classify(userID string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	switch {
	case errors.Is(err, karma.ErrLedgerNotFound), errors.Is(err, karma.ErrPlanNotFound),
		errors.Is(err, karma.ErrDebtNotFound):
		return notFound(userID, err)
	case errors.Is(err, karma.ErrUnknownAction),
		errors.Is(err, karma.ErrUnknownRole),
		errors.Is(err, karma.ErrUnknownSeverity),
		errors.Is(err, karma.ErrUnknownRemediation),
		errors.Is(err, karma.ErrUnknownPath),
		errors.Is(err, karma.ErrNotDemerit),
		errors.Is(err, karma.ErrNonPositiveAmount),
		errors.Is(err, karma.ErrMissingReference),
		errors.Is(err, karma.ErrPlanCompleted),
		errors.Is(err, karma.ErrInvalidUserID),
		errors.Is(err, karma.ErrInsufficientBalance),
		errors.Is(err, karma.ErrSelfDebt),
		errors.Is(err, karma.ErrDebtClosed),
		errors.Is(err, karma.ErrOverRepayment):
		return invalidInput(userID, err)
	}
	return err
}
