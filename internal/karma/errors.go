package karma

import "errors"

var (
	// ErrLedgerNotFound is returned when a user has no ledger record.
	ErrLedgerNotFound = errors.New("ledger not found")

	// ErrPlanNotFound is returned when an atonement plan id is unknown.
	ErrPlanNotFound = errors.New("atonement plan not found")

	// ErrDebtNotFound is returned when a debt id is unknown.
	ErrDebtNotFound = errors.New("debt not found")

	// ErrStaleLedger is returned by a store when the ledger version changed
	// between read and commit.
	ErrStaleLedger = errors.New("ledger version conflict")

	ErrUnknownAction      = errors.New("unknown action")
	ErrUnknownRole        = errors.New("unknown role")
	ErrUnknownSeverity    = errors.New("unknown severity")
	ErrUnknownRemediation = errors.New("unknown remediation type")
	ErrUnknownPath        = errors.New("unknown balance path")
	ErrNotDemerit         = errors.New("action does not produce demerit")
	ErrNonPositiveAmount  = errors.New("amount must be positive")
	ErrMissingReference   = errors.New("reference required")
	ErrPlanCompleted      = errors.New("atonement plan already completed")
	ErrInvalidUserID      = errors.New("invalid user id")

	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrSelfDebt            = errors.New("debtor must differ from the other party")
	ErrDebtClosed          = errors.New("debt is not active")
	ErrOverRepayment       = errors.New("repayment exceeds outstanding debt")
)
